package engine

import (
	"sync"

	"github.com/halcyonrf/txgate/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to schema.WorkflowState) error

// EventAppender is satisfied by the audit log; the FSM emits deterministic
// events through it on every transition.
type EventAppender interface {
	Append(kind schema.EventKind, state, prev schema.WorkflowState, event, reason, data string)
}

type hookKey struct {
	from, to schema.WorkflowState
}

// FSM validates and executes workflow state transitions against the fixed
// transition table, emitting STATE_EXIT / TRANSITION / STATE_ENTRY events in
// issuance order. The caller owns the current-state variable; the FSM only
// checks and announces.
type FSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewFSM creates an FSM that emits events via the given appender.
func NewFSM(appender EventAppender) *FSM {
	return &FSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *FSM) OnBefore(from, to schema.WorkflowState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *FSM) OnAfter(from, to schema.WorkflowState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a state transition, emitting the exit,
// transition, and entry events. The reason is recorded on the transition
// event; it is treated as literal text.
func (f *FSM) Transition(from, to schema.WorkflowState, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !schema.IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid transition: %s -> %s", from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if f.appender != nil {
		f.appender.Append(schema.EventStateExit, from, from, "", reason, "")
		f.appender.Append(schema.EventTransition, to, from, "", reason, "")
		f.appender.Append(schema.EventStateEntry, to, from, "", reason, "")
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}
