// Package action defines the structured action record exchanged between
// the model backends, the repetition guard, the executor and the run history.
package action

import (
	"fmt"
	"strings"
)

// Kind identifies one desktop interaction. The set is closed: the executor
// rejects anything it does not know about.
type Kind string

const (
	Click       Kind = "CLICK"
	DoubleClick Kind = "DOUBLE_CLICK"
	RightClick  Kind = "RIGHT_CLICK"
	Type        Kind = "TYPE"
	Press       Kind = "PRESS"
	Hotkey      Kind = "HOTKEY"
	Scroll      Kind = "SCROLL"
	Wait        Kind = "WAIT"
	Move        Kind = "MOVE"
	MouseDown   Kind = "MOUSE_DOWN"
	MouseUp     Kind = "MOUSE_UP"
	DragTo      Kind = "DRAG_TO"
	VisitURL    Kind = "VISIT_URL"
	WebSearch   Kind = "WEB_SEARCH"
	Noop        Kind = "NOOP"
	Done        Kind = "DONE"

	// SystemFeedback entries are injected by the guard, never by the model,
	// and must never reach the executor.
	SystemFeedback Kind = "SYSTEM_FEEDBACK"
	// InvalidCoords records a model action whose coordinates failed
	// validation. It is kept in history but never executed.
	InvalidCoords Kind = "INVALID_COORDS"
)

// Action is the unit the turn loop appends to the run history.
// Payload fields are keyed by Kind; unrelated fields stay zero.
type Action struct {
	Kind Kind

	// Pointer payload, normalized to [0,1].
	X float64
	Y float64

	Text    string
	Key     string
	Keys    []string
	Scroll  int     // positive = up
	Seconds float64 // clamped to [0,30] at execution
	URL     string
	Query   string
	Button  int

	// TYPE refinements: optional focus click before typing, select-all
	// before typing, and a trailing enter press.
	ClickX         *float64
	ClickY         *float64
	PressEnter     bool
	DeleteExisting bool

	// Free-text rationale from the model. For SystemFeedback entries,
	// Target carries the guard message.
	Target   string
	WhyShort string

	// ScreenChanged is attached retroactively by the turn loop once the
	// next screenshot is available. Nil means not yet known.
	ScreenChanged *bool

	// Raw carries the rejected record for InvalidCoords entries.
	Raw string
}

// IsPointer reports whether the action carries clickable coordinates.
func (a Action) IsPointer() bool {
	switch a.Kind {
	case Click, DoubleClick, RightClick:
		return true
	}
	return false
}

// IsReal reports whether the action is a model-produced action that was
// (or will be) executed, as opposed to a synthetic history entry.
func (a Action) IsReal() bool {
	return a.Kind != SystemFeedback && a.Kind != InvalidCoords
}

// Category groups kinds coarsely so the guard can tell whether the model
// genuinely changed approach after a nudge.
func (a Action) Category() string {
	switch a.Kind {
	case Click, DoubleClick, RightClick:
		return "click"
	case Type, Press, Hotkey:
		return "keyboard"
	case Scroll, Wait, VisitURL, WebSearch:
		return "nav"
	}
	return string(a.Kind)
}

// Signature returns the canonical string for the action's discriminating
// payload. Two actions are "the same" for guard purposes iff their
// signatures are equal, except where a numeric epsilon applies.
func (a Action) Signature() string {
	switch a.Kind {
	case Click, DoubleClick, RightClick:
		return fmt.Sprintf("%s:%.4f,%.4f", a.Kind, a.X, a.Y)
	case Type:
		return fmt.Sprintf("TYPE:%s", a.Text)
	case Press:
		return fmt.Sprintf("PRESS:%s", a.Key)
	case Hotkey:
		return fmt.Sprintf("HOTKEY:%s", strings.Join(a.Keys, ","))
	case Scroll:
		return fmt.Sprintf("SCROLL:%d", a.Scroll)
	case Wait:
		return fmt.Sprintf("WAIT:%g", a.Seconds)
	case VisitURL:
		return fmt.Sprintf("VISIT_URL:%s", a.URL)
	case WebSearch:
		return fmt.Sprintf("WEB_SEARCH:%s", a.Query)
	}
	return string(a.Kind)
}

// Describe returns a short human-readable summary for logs and prompts.
func (a Action) Describe() string {
	switch a.Kind {
	case Click, DoubleClick, RightClick:
		return fmt.Sprintf("%s at (%.4f, %.4f)", a.Kind, a.X, a.Y)
	case Type:
		t := a.Text
		if len(t) > 40 {
			t = t[:40]
		}
		return fmt.Sprintf("TYPE '%s'", t)
	case Press:
		return "PRESS " + a.Key
	case Hotkey:
		return "HOTKEY " + strings.Join(a.Keys, "+")
	case Scroll:
		return fmt.Sprintf("SCROLL %d", a.Scroll)
	case Wait:
		return fmt.Sprintf("WAIT %gs", a.Seconds)
	case VisitURL:
		return "VISIT_URL " + a.URL
	case WebSearch:
		return "WEB_SEARCH " + a.Query
	}
	return string(a.Kind)
}
