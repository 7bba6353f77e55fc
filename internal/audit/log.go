// Package audit implements the deterministic event log: an append-only,
// capacity-bounded record of every state entry/exit, transition, error,
// user action, and timeout, with a total order over sequence numbers.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/halcyonrf/txgate/pkg/schema"
)

// Entry is one deterministic log record. Field names in the JSON form match
// the export contract consumed by downstream tooling.
type Entry struct {
	Seq         uint64               `json:"seq"`
	TimestampMs int64                `json:"timestamp_ms"`
	TimestampUs int64                `json:"timestamp_us"`
	EventType   schema.EventKind     `json:"event_type"`
	State       schema.WorkflowState `json:"state"`
	PrevState   schema.WorkflowState `json:"prev_state"`
	Event       string               `json:"event"`
	Reason      string               `json:"reason"`
	Data        string               `json:"data"`
}

// Sink receives every appended entry for retention outside the bounded
// in-memory window. Sink failures never block or fail the append.
type Sink interface {
	Persist(ctx context.Context, runID string, entry Entry) error
}

// Log is the bounded deterministic event log. Eviction is FIFO: the sequence
// keeps increasing after the oldest entries are dropped, so ordering stays a
// total order even across eviction.
type Log struct {
	mu         sync.Mutex
	entries    []Entry
	maxEntries int
	seq        uint64
	enabled    bool

	clock  clockwork.Clock
	logger *slog.Logger
	sink   Sink
	runID  string
}

// NewLog creates a deterministic log bounded to maxEntries.
func NewLog(maxEntries int, clock clockwork.Clock, logger *slog.Logger) *Log {
	if maxEntries <= 0 {
		maxEntries = schema.DefaultAuditLogEntries
	}
	return &Log{
		maxEntries: maxEntries,
		enabled:    true,
		clock:      clock,
		logger:     logger,
	}
}

// SetSink attaches a persistence sink. Pass nil to detach.
func (l *Log) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

// SetRunID sets the correlation ID attached to persisted entries.
func (l *Log) SetRunID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runID = id
}

// SetEnabled toggles deterministic logging.
func (l *Log) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Enabled reports whether appends are currently recorded.
func (l *Log) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Append records an event. The event, reason, and data fields are treated as
// untrusted literal text: they are stored verbatim and surfaced to the
// structured logger as attributes, never interpolated into a format string.
func (l *Log) Append(kind schema.EventKind, state, prev schema.WorkflowState, event, reason, data string) {
	l.mu.Lock()
	if !l.enabled {
		l.mu.Unlock()
		return
	}

	now := l.clock.Now()
	entry := Entry{
		Seq:         l.seq,
		TimestampMs: now.UnixMilli(),
		TimestampUs: now.UnixMicro(),
		EventType:   kind,
		State:       state,
		PrevState:   prev,
		Event:       event,
		Reason:      reason,
		Data:        data,
	}
	l.seq++

	if len(l.entries) >= l.maxEntries {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, entry)

	sink, runID := l.sink, l.runID
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.Debug("audit event",
			slog.Uint64("seq", entry.Seq),
			slog.String("event_type", string(kind)),
			slog.String("state", string(state)),
			slog.String("prev_state", string(prev)),
			slog.String("event", event),
			slog.String("reason", reason),
			slog.String("data", data),
		)
	}

	if sink != nil {
		if err := sink.Persist(context.Background(), runID, entry); err != nil && l.logger != nil {
			l.logger.Warn("audit sink persist failed", slog.String("error", err.Error()))
		}
	}
}

// Entries returns a copy of the current window, ordered by sequence.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]Entry, len(l.entries))
	copy(cp, l.entries)
	return cp
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// NextSeq returns the sequence number the next append will use.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Clear drops all entries and resets the sequence.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
	l.seq = 0
}

// --- transition and error history ---

// TransitionRecord is one entry of the state-transition log.
type TransitionRecord struct {
	From      schema.WorkflowState `json:"from"`
	To        schema.WorkflowState `json:"to"`
	Timestamp time.Time            `json:"timestamp"`
	Reason    string               `json:"reason"`
}

// ErrorRecord is one entry of the run error log.
type ErrorRecord struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// History keeps the bounded transition and error logs alongside the
// deterministic log.
type History struct {
	mu          sync.Mutex
	transitions []TransitionRecord
	errors      []ErrorRecord
	maxEntries  int
}

// NewHistory creates a bounded history (FIFO eviction).
func NewHistory(maxEntries int) *History {
	if maxEntries <= 0 {
		maxEntries = schema.DefaultAuditLogEntries
	}
	return &History{maxEntries: maxEntries}
}

// RecordTransition appends a transition record.
func (h *History) RecordTransition(rec TransitionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.transitions) >= h.maxEntries {
		h.transitions = h.transitions[1:]
	}
	h.transitions = append(h.transitions, rec)
}

// RecordError appends an error record.
func (h *History) RecordError(rec ErrorRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errors) >= h.maxEntries {
		h.errors = h.errors[1:]
	}
	h.errors = append(h.errors, rec)
}

// Transitions returns a copy of the transition log.
func (h *History) Transitions() []TransitionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]TransitionRecord, len(h.transitions))
	copy(cp, h.transitions)
	return cp
}

// Errors returns a copy of the error log.
func (h *History) Errors() []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]ErrorRecord, len(h.errors))
	copy(cp, h.errors)
	return cp
}

// Clear drops both logs.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transitions = h.transitions[:0]
	h.errors = h.errors[:0]
}
