package runner

import "fmt"

// Result is the terminal outcome code of a run.
type Result string

const (
	ResultTaskComplete Result = "DONE(task-complete)"
	ResultRepeatGuard  Result = "DONE(repeat-guard)"
	ResultMaxSteps     Result = "DONE(max-steps)"
	ResultPlanComplete Result = "DONE(plan-complete)"
	ResultStopped      Result = "STOPPED"
)

// ErrorResult builds an ERROR(...) code with a short detail.
func ErrorResult(detail string) Result {
	return Result(fmt.Sprintf("ERROR(%s)", detail))
}

// IsDone reports whether the result is any of the DONE family.
func (r Result) IsDone() bool {
	return len(r) >= 4 && r[:4] == "DONE"
}

// Event is a progress notification from a run. Kind identifies the
// payload type carried in Data.
type Event struct {
	Kind string
	Data any
}

const (
	EventTurn         = "turn"          // Data: TurnData
	EventAction       = "action"        // Data: action.Action
	EventNudge        = "nudge"         // Data: string (guard message)
	EventInvalidCoord = "invalid_coord" // Data: string (rejection reason)
	EventExecError    = "exec_error"    // Data: string
	EventResult       = "result"        // Data: Result
)

// TurnData describes the turn about to run.
type TurnData struct {
	Step       int
	HistoryLen int
}

// Hooks receives run events. Implementations must not block; slow
// consumers should buffer.
type Hooks interface {
	Emit(Event)
}

// NopHooks discards all events.
type NopHooks struct{}

func (NopHooks) Emit(Event) {}

// ChannelHook forwards events to a channel, dropping them when the
// consumer falls behind.
type ChannelHook struct {
	C chan Event
}

func NewChannelHook(buffer int) *ChannelHook {
	return &ChannelHook{C: make(chan Event, buffer)}
}

func (h *ChannelHook) Emit(e Event) {
	select {
	case h.C <- e:
	default:
	}
}
