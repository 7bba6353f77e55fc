// Package engine implements the single-threaded workflow core: an
// eight-state machine driven one unit of work per tick, with every terminal
// path funneling through Cleanup and the transmitter enabled only while the
// Transmit state is active.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/halcyonrf/txgate/internal/analysis"
	"github.com/halcyonrf/txgate/internal/audit"
	"github.com/halcyonrf/txgate/internal/buffer"
	"github.com/halcyonrf/txgate/internal/hardware"
	"github.com/halcyonrf/txgate/internal/safety"
	"github.com/halcyonrf/txgate/pkg/schema"
)

// ErrorThreshold forces Cleanup once a run accumulates this many errors.
const ErrorThreshold = 10

// TickInterval is the control-loop poll period used by Run.
const TickInterval = 10 * time.Millisecond

// Engine is the workflow orchestrator. It exclusively owns the capture
// buffer, analysis result, and audit logs; the core is single-threaded and
// advances via Tick. Operator intents arrive asynchronously as flags and are
// inspected once per tick.
type Engine struct {
	mu sync.Mutex

	cfg    schema.RunConfig
	clock  clockwork.Clock
	logger *slog.Logger

	radio    hardware.Collaborator
	buf      *buffer.Buffer
	analyzer *analysis.Engine
	safety   *safety.Context
	chain    *safety.Chain
	log      *audit.Log
	history  *audit.History
	fsm      *FSM

	runID        string
	state        schema.WorkflowState
	stateEntered time.Time
	dwellStart   time.Time
	errorCount   int

	result   *schema.AnalysisResult
	req      schema.TransmitRequest
	selected buffer.Ref

	abort       bool
	triggerReq  bool
	continueReq bool

	sink audit.Sink
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock substitutes the wall clock. Tests drive a fake clock.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSafetyContext shares a safety context across engines or runs. The rate
// ledger inside it is the one piece of state that outlives a run.
func WithSafetyContext(sc *safety.Context) Option {
	return func(e *Engine) { e.safety = sc }
}

// WithAuditSink attaches a persistence sink to the deterministic log.
func WithAuditSink(s audit.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// New creates an engine in Idle for the given run config and radio.
func New(cfg schema.RunConfig, radio hardware.Collaborator, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		radio:  radio,
		buf:    buffer.New(),
		state:  schema.StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.safety == nil {
		e.safety = safety.NewContext(cfg.Safety, e.clock)
	}
	e.analyzer = analysis.New(cfg.Band)
	e.log = audit.NewLog(schema.DefaultAuditLogEntries, e.clock, e.logger)
	if e.sink != nil {
		e.log.SetSink(e.sink)
	}
	e.history = audit.NewHistory(schema.DefaultAuditLogEntries)
	e.fsm = NewFSM(e.log)
	e.chain = safety.NewChain(cfg.Band, e.safety, safety.NewRuleSet(cfg.Safety.PolicyRules), cfg.TransmitMax, e.clock)
	return e
}

// Initialize starts a run: Idle -> Init -> Listening, or Init -> Cleanup on
// hardware or allocation failure. Radio init is bounded by the Init timeout.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != schema.StateIdle {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"initialize requires Idle, current state is %s", e.state)
	}

	e.runID = uuid.NewString()
	e.log.SetRunID(e.runID)
	e.errorCount = 0
	e.result = nil
	e.req = schema.TransmitRequest{}
	e.selected = buffer.Ref{}
	e.safety.ClearBindings()
	e.safety.ClearConfirmation()

	if err := e.transitionLocked(schema.StateInit, "start"); err != nil {
		return err
	}
	e.logger.Info("workflow run starting",
		slog.String("run_id", e.runID),
		slog.String("band", string(e.cfg.Band)),
		slog.Bool("dry_run", e.cfg.DryRun))

	e.radio.SetTransmitEnabled(false)

	ictx, cancel := context.WithTimeout(ctx, e.cfg.InitTimeout)
	defer cancel()
	if err := e.radio.Init(ictx); err != nil {
		e.recordErrorLocked(err)
		e.enterCleanupLocked("init failed")
		return err
	}
	if err := e.buf.Reserve(e.cfg.BufferSize); err != nil {
		e.recordErrorLocked(err)
		e.enterCleanupLocked("buffer reservation failed")
		return err
	}

	if err := e.transitionLocked(schema.StateListening, "init complete"); err != nil {
		return err
	}
	if err := e.radio.StartReceive(); err != nil {
		e.recordErrorLocked(err)
		e.enterCleanupLocked("receive start failed")
		return err
	}
	e.dwellStart = e.clock.Now()
	return nil
}

// Run drives Tick until the workflow returns to Idle or the context ends.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.Tick(ctx)
		if e.State() == schema.StateIdle {
			return nil
		}
		e.clock.Sleep(TickInterval)
	}
}

// Tick advances the workflow one control-loop iteration: abort flag first,
// then error threshold, then state timeout, then one unit of state work.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == schema.StateIdle {
		return
	}

	if e.abort {
		e.abort = false
		e.log.Append(schema.EventUserAction, e.state, e.state,
			string(schema.ActionEmergencyAbort), "emergency abort", "")
		e.log.Append(schema.EventError, e.state, e.state,
			string(schema.ActionEmergencyAbort), "emergency abort", "")
		e.radio.SetTransmitEnabled(false)
		e.enterCleanupLocked("emergency abort")
		return
	}

	if e.errorCount >= ErrorThreshold {
		e.enterCleanupLocked("error threshold exceeded")
		return
	}

	// TxGated timing belongs to the confirmation gate so the denial reason
	// is attributable; every other state uses the generic timeout table.
	if e.state != schema.StateTxGated {
		if to := e.cfg.TimeoutFor(e.state); to > 0 && e.clock.Now().Sub(e.stateEntered) >= to {
			e.handleTimeoutLocked()
			return
		}
	}

	switch e.state {
	case schema.StateListening:
		e.processListeningLocked()
	case schema.StateAnalyzing:
		e.processAnalyzingLocked()
	case schema.StateReady:
		e.processReadyLocked()
	case schema.StateTxGated:
		e.processTxGatedLocked()
	case schema.StateTransmit:
		e.processTransmitLocked(ctx)
	}
}

// --- state processors ---

func (e *Engine) processListeningLocked() {
	if e.radio.HasSignal() {
		sig, err := e.radio.Receive()
		if err != nil {
			e.recordErrorLocked(err)
			if !e.radio.Healthy() {
				e.enterCleanupLocked("hardware failure")
			}
			return
		}
		if err := e.analyzer.Validate(sig); err != nil {
			e.recordErrorLocked(err)
		} else {
			sig.Valid = true
			e.analyzer.Classify(sig)
			if e.cfg.Band == schema.Band24GHz {
				e.safety.ObserveAddress(sig.Protocol)
			}
			if err := e.buf.Append(sig); err != nil {
				e.recordErrorLocked(err)
			}
		}
	}

	if e.buf.NearCapacity() {
		_ = e.transitionLocked(schema.StateAnalyzing, "buffer near capacity")
		return
	}

	if e.triggerReq && e.buf.Len() > 0 &&
		e.clock.Now().Sub(e.dwellStart) >= e.cfg.ListenMin {
		e.triggerReq = false
		_ = e.transitionLocked(schema.StateAnalyzing, "analysis requested")
	}
}

func (e *Engine) processAnalyzingLocked() {
	_ = e.radio.StopReceive()

	res := e.analyzer.Analyze(e.buf)
	if res.SignalCount == 0 {
		if err := e.transitionLocked(schema.StateListening, "no signals captured"); err == nil {
			_ = e.radio.StartReceive()
			e.dwellStart = e.clock.Now()
		}
		return
	}
	res.Complete = true
	e.result = &res
	_ = e.transitionLocked(schema.StateReady, "analysis complete")
}

func (e *Engine) processReadyLocked() {
	if e.continueReq {
		e.continueReq = false
		if err := e.transitionLocked(schema.StateListening, "continue observation"); err == nil {
			_ = e.radio.StartReceive()
			e.dwellStart = e.clock.Now()
		}
	}
}

func (e *Engine) processTxGatedLocked() {
	sig, ok := e.selected.Deref()
	if !ok {
		e.recordErrorLocked(schema.NewError(schema.ErrCodeInvalidSignal,
			"selected signal no longer valid"))
		_ = e.transitionLocked(schema.StateReady, "selection invalidated")
		return
	}

	res := e.chain.Tick(&e.req, sig)
	switch res.Verdict {
	case safety.VerdictPending:
		return
	case safety.VerdictDenied:
		e.req.Attempts++
		e.recordErrorLocked(schema.NewErrorf(schema.ErrCodeGateDenied,
			"transmission denied: %s", res.Reason).WithGate(res.DeniedBy))
		e.log.Append(schema.EventError, e.state, e.state,
			string(res.DeniedBy), res.Reason, "")
		_ = e.transitionLocked(schema.StateReady, "gate denied")
	case safety.VerdictApproved:
		_ = e.transitionLocked(schema.StateTransmit, "gates passed")
	}
}

func (e *Engine) processTransmitLocked(ctx context.Context) {
	sig, ok := e.selected.Deref()
	if !ok {
		e.recordErrorLocked(schema.NewError(schema.ErrCodeInvalidSignal,
			"selected signal no longer valid"))
		e.enterCleanupLocked("selection invalidated")
		return
	}

	if e.cfg.DryRun {
		e.safety.RecordTransmission()
		e.logger.Info("dry-run transmission",
			slog.String("run_id", e.runID),
			slog.Int("signal_index", e.req.SignalIndex))
		e.enterCleanupLocked("dry-run transmission complete")
		return
	}

	e.radio.SetTransmitEnabled(true)
	tctx, cancel := context.WithTimeout(ctx, e.cfg.TransmitMax)
	err := e.radio.Transmit(tctx, sig)
	cancel()
	e.radio.SetTransmitEnabled(false)

	if err != nil {
		e.recordErrorLocked(err)
		e.enterCleanupLocked("transmission failed")
		return
	}
	e.safety.RecordTransmission()
	e.enterCleanupLocked("transmission complete")
}

// --- timeout and terminal handling ---

func (e *Engine) handleTimeoutLocked() {
	e.log.Append(schema.EventTimeout, e.state, e.state, "", "state timeout", "")

	switch e.state {
	case schema.StateInit:
		e.recordErrorLocked(schema.NewError(schema.ErrCodeTimeout, "init timeout"))
		e.enterCleanupLocked("init timeout")
	case schema.StateListening:
		if e.buf.Len() > 0 {
			_ = e.transitionLocked(schema.StateAnalyzing, "listen window elapsed")
			return
		}
		e.recordErrorLocked(schema.NewError(schema.ErrCodeTimeout,
			"listen window elapsed with no signals"))
		e.enterCleanupLocked("listen timeout")
	case schema.StateAnalyzing:
		// Best effort: publish whatever has been analyzed so far and let the
		// operator decide in Ready. Complete stays false.
		e.recordErrorLocked(schema.NewError(schema.ErrCodeTimeout, "analysis timeout"))
		_ = e.radio.StopReceive()
		res := e.analyzer.Analyze(e.buf)
		e.result = &res
		_ = e.transitionLocked(schema.StateReady, "analysis timeout, partial result")
	case schema.StateReady:
		e.recordErrorLocked(schema.NewError(schema.ErrCodeTimeout, "ready timeout"))
		e.enterCleanupLocked("ready timeout")
	case schema.StateTransmit:
		e.radio.SetTransmitEnabled(false)
		e.recordErrorLocked(schema.NewError(schema.ErrCodeTimeout,
			"transmit exceeded maximum duration"))
		e.enterCleanupLocked("transmit timeout")
	}
}

// enterCleanupLocked funnels any state into Cleanup, performs the cleanup
// work, and lands in Idle. The capture buffer is deliberately left intact so
// results stay inspectable after the run.
func (e *Engine) enterCleanupLocked(reason string) {
	e.radio.SetTransmitEnabled(false)
	_ = e.radio.StopReceive()

	if e.state != schema.StateCleanup {
		if err := e.transitionLocked(schema.StateCleanup, reason); err != nil {
			return
		}
	}

	_ = e.radio.Shutdown()
	e.safety.ClearConfirmation()
	e.triggerReq = false
	e.continueReq = false

	_ = e.transitionLocked(schema.StateIdle, "cleanup complete")
}

// Abort requests an emergency stop. The flag is inspected once per tick and
// always forces Cleanup, superseding any in-progress gate or transmission.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == schema.StateIdle {
		return
	}
	e.abort = true
}

// Reset forces the workflow to Idle through Cleanup and clears all run
// state: buffer, logs, error count, pending intents. Calling it twice yields
// the same observable state as calling it once.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.abort = false
	if e.state != schema.StateIdle {
		e.enterCleanupLocked("reset")
	}

	e.buf.Clear()
	e.log.Clear()
	e.history.Clear()
	e.errorCount = 0
	e.result = nil
	e.req = schema.TransmitRequest{}
	e.selected = buffer.Ref{}
	e.triggerReq = false
	e.continueReq = false
	e.safety.ClearBindings()
	e.safety.ClearConfirmation()
}

// --- operator intents ---

// TriggerAnalysis requests an early Listening -> Analyzing transition. The
// request is honored once the minimum dwell has elapsed and at least one
// signal is buffered.
func (e *Engine) TriggerAnalysis() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != schema.StateListening {
		return
	}
	e.triggerReq = true
	e.log.Append(schema.EventUserAction, e.state, e.state,
		string(schema.ActionTriggerAnalysis), "", "")
}

// SelectSignal picks a buffered signal for transmission and enters the gate
// chain. Only valid in Ready with a completed analysis.
func (e *Engine) SelectSignal(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != schema.StateReady {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"signal selection requires Ready, current state is %s", e.state)
	}
	if e.result == nil {
		return schema.NewError(schema.ErrCodeInvalidSignal, "no analysis result available")
	}
	sig, ok := e.buf.Get(index)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidSignal,
			"signal index %d out of range (%d buffered)", index, e.buf.Len())
	}
	if index == e.req.SignalIndex && e.req.Attempts >= schema.MaxTransmitAttempts {
		return schema.NewErrorf(schema.ErrCodeGateDenied,
			"maximum transmit attempts reached for signal %d", index)
	}

	if index != e.req.SignalIndex {
		e.req = schema.TransmitRequest{}
	}
	e.req.SignalIndex = index
	e.req.FrequencyMHz = sig.FrequencyMHz
	e.req.Duration = safety.EstimateTransmitDuration(e.cfg.Band, sig)
	e.req.Confirmed = false
	e.selected = e.buf.Ref(index)

	e.log.Append(schema.EventUserAction, e.state, e.state,
		string(schema.ActionSelectSignal), "", fmt.Sprintf("index=%d", index))

	if err := e.transitionLocked(schema.StateTxGated, "signal selected"); err != nil {
		return err
	}
	e.chain.Begin(e.cfg.TxGateTimeout)
	return nil
}

// Confirm records operator approval for the pending transmission.
func (e *Engine) Confirm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != schema.StateTxGated {
		return
	}
	e.log.Append(schema.EventUserAction, e.state, e.state,
		string(schema.ActionConfirmTransmission), "", "")
	e.safety.Confirm()
}

// Cancel withdraws the pending transmission.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != schema.StateTxGated {
		return
	}
	e.log.Append(schema.EventUserAction, e.state, e.state,
		string(schema.ActionCancelTransmission), "", "")
	e.safety.Cancel()
}

// ContinueObservation returns from Ready to Listening for another capture
// window. Buffered signals and address bindings are retained.
func (e *Engine) ContinueObservation() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != schema.StateReady {
		return
	}
	e.continueReq = true
	e.log.Append(schema.EventUserAction, e.state, e.state,
		string(schema.ActionContinueObservation), "", "")
}

// --- internals ---

func (e *Engine) transitionLocked(to schema.WorkflowState, reason string) error {
	from := e.state
	if err := e.fsm.Transition(from, to, reason); err != nil {
		e.recordErrorLocked(err)
		return err
	}
	e.state = to
	e.stateEntered = e.clock.Now()
	e.history.RecordTransition(audit.TransitionRecord{
		From:      from,
		To:        to,
		Timestamp: e.stateEntered,
		Reason:    reason,
	})
	e.logger.Debug("state transition",
		slog.String("run_id", e.runID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason))
	return nil
}

// recordErrorLocked records an error in the history and the deterministic
// log and bumps the run error counter. It never transitions; the threshold
// is enforced at the top of Tick.
func (e *Engine) recordErrorLocked(err error) {
	code := schema.ErrCodeHardwareFailure
	if wfErr, ok := err.(*schema.WorkflowError); ok {
		code = wfErr.Code
	}
	e.errorCount++
	e.history.RecordError(audit.ErrorRecord{
		Code:      code,
		Message:   err.Error(),
		Timestamp: e.clock.Now(),
	})
	e.log.Append(schema.EventError, e.state, e.state, code, err.Error(), "")
	e.logger.Warn("workflow error",
		slog.String("run_id", e.runID),
		slog.String("code", code),
		slog.String("error", err.Error()))
}

// --- accessors ---

// State returns the current workflow state.
func (e *Engine) State() schema.WorkflowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// TimeInState returns how long the current state has been active.
func (e *Engine) TimeInState() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == schema.StateIdle && e.stateEntered.IsZero() {
		return 0
	}
	return e.clock.Now().Sub(e.stateEntered)
}

// Signal returns a deep copy of the buffered signal at index, if present.
func (e *Engine) Signal(index int) (*schema.CapturedSignal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.buf.Get(index)
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// RunID returns the current run's correlation ID.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// Result returns a copy of the latest analysis result, or nil before one
// completes.
func (e *Engine) Result() *schema.AnalysisResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result == nil {
		return nil
	}
	cp := *e.result
	return &cp
}

// Request returns a copy of the current transmit request.
func (e *Engine) Request() schema.TransmitRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req
}

// ErrorCount returns the run-scoped error counter.
func (e *Engine) ErrorCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errorCount
}

// AuditLog exposes the deterministic event log.
func (e *Engine) AuditLog() *audit.Log { return e.log }

// History exposes the transition and error history.
func (e *Engine) History() *audit.History { return e.history }

// Safety exposes the safety context (blacklist, ledger, bindings).
func (e *Engine) Safety() *safety.Context { return e.safety }

// Buffer exposes the capture buffer for inspection. The engine owns it;
// callers must not mutate.
func (e *Engine) Buffer() *buffer.Buffer { return e.buf }
