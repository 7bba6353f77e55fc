package schema

// WorkflowState is the lifecycle state of a test-workflow run.
// Exactly one state is active at any instant; Idle is reachable only via Cleanup.
type WorkflowState string

const (
	StateIdle      WorkflowState = "IDLE"
	StateInit      WorkflowState = "INIT"
	StateListening WorkflowState = "LISTENING"
	StateAnalyzing WorkflowState = "ANALYZING"
	StateReady     WorkflowState = "READY"
	StateTxGated   WorkflowState = "TX_GATED"
	StateTransmit  WorkflowState = "TRANSMIT"
	StateCleanup   WorkflowState = "CLEANUP"
)

// RFBand selects which radio collaborator a run drives.
type RFBand string

const (
	// BandSub1GHz covers pulse-train captures (433 MHz class hardware).
	BandSub1GHz RFBand = "sub1ghz"
	// Band24GHz covers packet captures (2.4 GHz class hardware).
	Band24GHz RFBand = "24ghz"
)

// EventKind classifies entries in the deterministic event log.
type EventKind string

const (
	EventStateEntry EventKind = "STATE_ENTRY"
	EventStateExit  EventKind = "STATE_EXIT"
	EventTransition EventKind = "TRANSITION"
	EventError      EventKind = "ERROR"
	EventUserAction EventKind = "USER_ACTION"
	EventTimeout    EventKind = "TIMEOUT"
)

// GateName identifies one of the four transmission approval gates.
// Gate order is fixed: Policy, Confirmation, RateLimit, Band.
type GateName string

const (
	GatePolicy       GateName = "policy"
	GateConfirmation GateName = "confirmation"
	GateRateLimit    GateName = "rate_limit"
	GateBand         GateName = "band"
)

// GateOrder is the fixed evaluation order of the approval chain.
// Later gates assume earlier gates already hold; never reordered.
var GateOrder = []GateName{GatePolicy, GateConfirmation, GateRateLimit, GateBand}

// UserAction is an operator intent accepted by the engine.
type UserAction string

const (
	ActionTriggerAnalysis     UserAction = "TRIGGER_ANALYSIS"
	ActionSelectSignal        UserAction = "SELECT_SIGNAL"
	ActionConfirmTransmission UserAction = "CONFIRM_TX"
	ActionCancelTransmission  UserAction = "CANCEL_TX"
	ActionContinueObservation UserAction = "CONTINUE_OBSERVATION"
	ActionEmergencyAbort      UserAction = "EMERGENCY_ABORT"
)

// ValidTransitions defines the allowed state transitions.
// Every terminal path funnels through Cleanup; Idle is never a direct target
// of any state other than Cleanup.
var ValidTransitions = map[WorkflowState][]WorkflowState{
	StateIdle:      {StateInit},
	StateInit:      {StateListening, StateCleanup},
	StateListening: {StateAnalyzing, StateCleanup},
	StateAnalyzing: {StateReady, StateListening, StateCleanup},
	StateReady:     {StateTxGated, StateListening, StateCleanup},
	StateTxGated:   {StateTransmit, StateReady, StateCleanup},
	StateTransmit:  {StateCleanup},
	StateCleanup:   {StateIdle},
}

// IsValidTransition reports whether from -> to is in the transition table.
func IsValidTransition(from, to WorkflowState) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
