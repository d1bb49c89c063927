// Package guard classifies each candidate action against the run history
// into OK / NUDGE / STOP. It detects oscillating clicks, runs of actions
// with no visible effect, and literal repeats, and escalates from
// corrective feedback to a hard stop when the model does not recover.
package guard

import (
	"fmt"
	"math"

	"github.com/ChamsBouzaiene/visor/internal/action"
)

// Verdict is the guard's decision for one candidate action.
type Verdict int

const (
	OK Verdict = iota
	Nudge
	Stop
)

func (v Verdict) String() string {
	switch v {
	case Nudge:
		return "NUDGE"
	case Stop:
		return "STOP"
	}
	return "OK"
}

// Config holds the guard's tunables. Zero values are not usable; start
// from Defaults.
type Config struct {
	Enabled bool
	// MaxNudges is how many corrective feedback entries are injected
	// before a detector hit turns into a hard stop.
	MaxNudges int
	// Window is the number of recent real actions the oscillation and
	// no-progress detectors inspect.
	Window int
	// RepeatXYEps is the exact-match tolerance for the direct-repeat
	// detector (normalized coordinates).
	RepeatXYEps float64
	// RegionEps is the loose clustering tolerance for the oscillation
	// detector. Independent of RepeatXYEps.
	RegionEps float64
}

// Defaults returns the reference tuning.
func Defaults() Config {
	return Config{
		Enabled:     true,
		MaxNudges:   3,
		Window:      6,
		RepeatXYEps: 0.01,
		RegionEps:   0.05,
	}
}

// Check evaluates the candidate action against the full run history.
// It is a pure function: identical inputs always yield identical output.
//
// Detector order is fixed and the first hit wins: approach-change
// override, oscillation, no-progress, direct repeat.
func Check(cfg Config, history []action.Action, candidate action.Action, nudgeCount int) (Verdict, string) {
	if !cfg.Enabled {
		return OK, ""
	}
	if len(history) == 0 {
		return OK, ""
	}

	// A model that obeys corrective feedback by switching category is
	// never punished for the obedience, even at max nudges.
	if changedApproach(history, candidate) {
		return OK, ""
	}

	msg := detectOscillation(cfg, history, candidate, nudgeCount)
	if msg == "" {
		msg = detectNoProgress(cfg, history, nudgeCount)
	}
	if msg == "" {
		msg = detectDirectRepeat(cfg, history, candidate)
	}
	if msg == "" {
		return OK, ""
	}

	if nudgeCount >= cfg.MaxNudges {
		return Stop, fmt.Sprintf("Stopping: %d correction attempts exhausted. %s", nudgeCount, msg)
	}
	return Nudge, msg
}

// realActions filters out synthetic entries (feedback, rejected
// coordinates). These never affect the detectors' windows.
func realActions(history []action.Action) []action.Action {
	out := make([]action.Action, 0, len(history))
	for _, a := range history {
		if a.IsReal() {
			out = append(out, a)
		}
	}
	return out
}

// changedApproach reports whether the previous turn was a nudge and the
// candidate's category differs from the last real action before it.
func changedApproach(history []action.Action, candidate action.Action) bool {
	if history[len(history)-1].Kind != action.SystemFeedback {
		return false
	}
	for i := len(history) - 2; i >= 0; i-- {
		if !history[i].IsReal() {
			continue
		}
		return candidate.Category() != history[i].Category()
	}
	return false
}

// detectOscillation looks at the last Window real actions plus the
// candidate. If the click-kind actions among them number at least five
// and collapse into at most two regions under RegionEps, the model is
// bouncing between the same spots.
func detectOscillation(cfg Config, history []action.Action, candidate action.Action, nudgeCount int) string {
	real := realActions(history)
	if len(real) > cfg.Window {
		real = real[len(real)-cfg.Window:]
	}
	window := append(real, candidate)

	type point struct{ x, y float64 }
	var clicks []point
	for _, a := range window {
		if a.IsPointer() {
			clicks = append(clicks, point{a.X, a.Y})
		}
	}
	if len(clicks) < 5 {
		return ""
	}

	// Greedy clustering: a click joins the first region whose anchor is
	// within RegionEps on both axes, else opens a new region.
	var regions []point
	for _, c := range clicks {
		found := false
		for _, r := range regions {
			if math.Abs(c.x-r.x) <= cfg.RegionEps && math.Abs(c.y-r.y) <= cfg.RegionEps {
				found = true
				break
			}
		}
		if !found {
			regions = append(regions, c)
		}
	}
	if len(regions) > 2 {
		return ""
	}

	if nudgeCount == 0 {
		return "You are oscillating between the same screen regions with no result. Try a completely different approach."
	}
	return "You are STILL oscillating between the same regions. Stop clicking entirely: switch to keyboard-only actions (HOTKEY ctrl+l to focus the address bar, then TYPE)."
}

// detectNoProgress fires when the last Window real actions all had no
// visible effect on screen. After a nudge, only actions since the most
// recent feedback entry count.
func detectNoProgress(cfg Config, history []action.Action, nudgeCount int) string {
	scope := history
	if nudgeCount > 0 {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Kind == action.SystemFeedback {
				scope = history[i+1:]
				break
			}
		}
	}
	real := realActions(scope)
	if len(real) < cfg.Window {
		return ""
	}
	real = real[len(real)-cfg.Window:]
	for _, a := range real {
		if a.ScreenChanged == nil || *a.ScreenChanged {
			return ""
		}
	}

	switch {
	case nudgeCount == 0:
		return fmt.Sprintf("Your last %d actions produced NO visible change on screen. Whatever you are doing is not working; try a different element or approach.", cfg.Window)
	case nudgeCount == 1:
		return "Still no visible change after corrective feedback. Abandon this approach entirely and use the keyboard instead (HOTKEY ctrl+l, then TYPE a URL)."
	default:
		return "FINAL WARNING: nothing on screen has changed despite repeated corrections. Your next action must be fundamentally different or the run will be stopped."
	}
}

// detectDirectRepeat compares the candidate against the most recent real
// actions, unwindowed. Thresholds: three identical TYPE texts, two
// identical PRESS keys or HOTKEY sequences, three click-kind actions
// within RepeatXYEps of each other.
func detectDirectRepeat(cfg Config, history []action.Action, candidate action.Action) string {
	real := realActions(history)
	last := func(n int) []action.Action {
		if len(real) < n {
			return nil
		}
		return real[len(real)-n:]
	}

	switch candidate.Kind {
	case action.Type:
		prev := last(2)
		if prev == nil {
			return ""
		}
		for _, p := range prev {
			if p.Kind != action.Type || p.Text != candidate.Text {
				return ""
			}
		}
		return "You typed the exact same text three times in a row. Typing it again will not help; check the screen and do something different."

	case action.Press:
		prev := last(1)
		if prev == nil {
			return ""
		}
		if prev[0].Kind == action.Press && prev[0].Key == candidate.Key {
			return fmt.Sprintf("You pressed '%s' twice in a row with no progress. Try a different action.", candidate.Key)
		}

	case action.Hotkey:
		prev := last(1)
		if prev == nil {
			return ""
		}
		if prev[0].Kind == action.Hotkey && sameKeys(prev[0].Keys, candidate.Keys) {
			return "You sent the same hotkey twice in a row. Repeating it will not help; try a different action."
		}

	case action.Click, action.DoubleClick, action.RightClick:
		prev := last(2)
		if prev == nil {
			return ""
		}
		pts := append([]action.Action{}, prev...)
		pts = append(pts, candidate)
		for i := 0; i < len(pts); i++ {
			if !pts[i].IsPointer() {
				return ""
			}
			for j := i + 1; j < len(pts); j++ {
				if math.Abs(pts[i].X-pts[j].X) > cfg.RepeatXYEps || math.Abs(pts[i].Y-pts[j].Y) > cfg.RepeatXYEps {
					return ""
				}
			}
		}
		return "You clicked the same point three times in a row. That element is not responding; click somewhere else or use the keyboard."
	}
	return ""
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
