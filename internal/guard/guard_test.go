package guard

import (
	"strings"
	"testing"

	"github.com/ChamsBouzaiene/visor/internal/action"
)

func boolPtr(b bool) *bool { return &b }

func click(x, y float64) action.Action {
	return action.Action{Kind: action.Click, X: x, Y: y}
}

func clickNoEffect(x, y float64) action.Action {
	return action.Action{Kind: action.Click, X: x, Y: y, ScreenChanged: boolPtr(false)}
}

func TestDisabledAlwaysOK(t *testing.T) {
	cfg := Defaults()
	cfg.Enabled = false

	history := []action.Action{click(0.5, 0.5), click(0.5, 0.5), click(0.5, 0.5)}
	v, msg := Check(cfg, history, click(0.5, 0.5), 10)
	if v != OK || msg != "" {
		t.Errorf("disabled guard should return OK, got %v (%q)", v, msg)
	}
}

func TestEmptyHistoryOK(t *testing.T) {
	v, _ := Check(Defaults(), nil, click(0.5, 0.5), 0)
	if v != OK {
		t.Errorf("empty history should return OK, got %v", v)
	}
}

func TestApproachChangeOverride(t *testing.T) {
	history := []action.Action{
		click(0.5, 0.5),
		click(0.5, 0.5),
		{Kind: action.SystemFeedback, Target: "You are stuck clicking"},
	}

	tests := []struct {
		name      string
		candidate action.Action
		want      Verdict
	}{
		{"click to type", action.Action{Kind: action.Type, Text: "hello"}, OK},
		{"click to visit url", action.Action{Kind: action.VisitURL, URL: "https://example.com"}, OK},
		{"click to web search", action.Action{Kind: action.WebSearch, Query: "test"}, OK},
		{"same click repeated", click(0.5, 0.5), Nudge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := Check(Defaults(), history, tt.candidate, 1)
			if v != tt.want {
				t.Errorf("Check() = %v, want %v", v, tt.want)
			}
		})
	}
}

func TestApproachChangeOverrideBeatsMaxNudges(t *testing.T) {
	cfg := Defaults()
	history := []action.Action{
		click(0.5, 0.5),
		click(0.5, 0.5),
		{Kind: action.SystemFeedback, Target: "stuck"},
	}
	v, _ := Check(cfg, history, action.Action{Kind: action.Type, Text: "x"}, cfg.MaxNudges)
	if v != OK {
		t.Errorf("category change after nudge must be OK even at max nudges, got %v", v)
	}
}

func TestOscillationTwoClusters(t *testing.T) {
	// Five clicks alternating between two spots, candidate lands in one
	// of them: six clicks, two regions under the 0.05 tolerance.
	history := []action.Action{
		click(0.30, 0.30),
		click(0.70, 0.70),
		click(0.31, 0.29),
		click(0.69, 0.71),
		click(0.30, 0.31),
	}
	candidate := click(0.70, 0.69)

	v, msg := Check(Defaults(), history, candidate, 0)
	if v != Nudge {
		t.Fatalf("expected NUDGE, got %v (%q)", v, msg)
	}

	// Same inputs at max nudges escalate to STOP with the exhausted prefix.
	cfg := Defaults()
	v, msg = Check(cfg, history, candidate, cfg.MaxNudges)
	if v != Stop {
		t.Fatalf("expected STOP at max nudges, got %v", v)
	}
	if !strings.Contains(msg, "correction attempts exhausted") {
		t.Errorf("stop message should mention exhausted attempts, got %q", msg)
	}
}

func TestOscillationMessageEscalates(t *testing.T) {
	history := []action.Action{
		click(0.30, 0.30),
		click(0.70, 0.70),
		click(0.30, 0.30),
		click(0.70, 0.70),
		click(0.30, 0.30),
	}
	candidate := click(0.70, 0.70)

	_, first := Check(Defaults(), history, candidate, 0)
	_, second := Check(Defaults(), history, candidate, 1)
	if first == second {
		t.Error("oscillation message should escalate after the first nudge")
	}
	if !strings.Contains(second, "keyboard") {
		t.Errorf("escalated message should instruct keyboard use, got %q", second)
	}
}

func TestOscillationNotTriggeredByScatteredClicks(t *testing.T) {
	history := []action.Action{
		click(0.1, 0.1),
		click(0.3, 0.3),
		click(0.5, 0.5),
		click(0.7, 0.7),
		click(0.9, 0.9),
	}
	v, _ := Check(Defaults(), history, click(0.2, 0.8), 0)
	if v != OK {
		t.Errorf("scattered clicks should not oscillate, got %v", v)
	}
}

func TestNoProgressWindow(t *testing.T) {
	// Six real actions all marked screen_changed=false.
	history := []action.Action{
		clickNoEffect(0.1, 0.1),
		clickNoEffect(0.2, 0.2),
		clickNoEffect(0.3, 0.3),
		clickNoEffect(0.4, 0.4),
		{Kind: action.Press, Key: "tab", ScreenChanged: boolPtr(false)},
		{Kind: action.Scroll, Scroll: -3, ScreenChanged: boolPtr(false)},
	}
	candidate := action.Action{Kind: action.Scroll, Scroll: -3}

	v, msg0 := Check(Defaults(), history, candidate, 0)
	if v != Nudge {
		t.Fatalf("expected NUDGE on no-progress, got %v (%q)", v, msg0)
	}

	// The nudge_count=1 tier is distinct and more severe. Scope the
	// window after a feedback entry so the detector still sees W actions.
	withFeedback := append([]action.Action{{Kind: action.SystemFeedback, Target: "no progress"}}, history...)
	v, msg1 := Check(Defaults(), withFeedback, candidate, 1)
	if v != Nudge {
		t.Fatalf("expected NUDGE at nudge_count=1, got %v", v)
	}
	if msg0 == msg1 {
		t.Error("no-progress message must differ between nudge_count 0 and 1")
	}

	_, msg2 := Check(Defaults(), withFeedback, candidate, 2)
	if !strings.Contains(msg2, "FINAL WARNING") {
		t.Errorf("tier >=2 should be a final warning, got %q", msg2)
	}
}

func TestNoProgressRequiresFullWindow(t *testing.T) {
	history := []action.Action{
		clickNoEffect(0.1, 0.1),
		clickNoEffect(0.2, 0.2),
		clickNoEffect(0.3, 0.3),
	}
	v, _ := Check(Defaults(), history, action.Action{Kind: action.Press, Key: "tab"}, 0)
	if v != OK {
		t.Errorf("fewer than Window actions should not trigger no-progress, got %v", v)
	}
}

func TestNoProgressUnknownChangeDoesNotCount(t *testing.T) {
	history := []action.Action{
		clickNoEffect(0.1, 0.1),
		clickNoEffect(0.2, 0.2),
		clickNoEffect(0.3, 0.3),
		clickNoEffect(0.4, 0.4),
		clickNoEffect(0.5, 0.6),
		{Kind: action.Press, Key: "tab"}, // screen_changed unknown
	}
	v, _ := Check(Defaults(), history, action.Action{Kind: action.Press, Key: "enter"}, 0)
	if v != OK {
		t.Errorf("unknown screen_changed must not count as no-progress, got %v", v)
	}
}

func TestNoProgressScopedAfterFeedback(t *testing.T) {
	// After a nudge only actions since the feedback count; two recent
	// no-effect actions are not enough for a window of six.
	history := []action.Action{
		clickNoEffect(0.1, 0.1),
		clickNoEffect(0.2, 0.2),
		clickNoEffect(0.3, 0.3),
		clickNoEffect(0.4, 0.4),
		clickNoEffect(0.5, 0.5),
		clickNoEffect(0.6, 0.6),
		{Kind: action.SystemFeedback, Target: "no progress"},
		{Kind: action.Scroll, Scroll: -3, ScreenChanged: boolPtr(false)},
		{Kind: action.Scroll, Scroll: -3, ScreenChanged: boolPtr(false)},
	}
	v, _ := Check(Defaults(), history, action.Action{Kind: action.Wait, Seconds: 1}, 1)
	if v != OK {
		t.Errorf("scoped window after feedback should not fire yet, got %v", v)
	}
}

func TestDirectRepeatType(t *testing.T) {
	history := []action.Action{
		{Kind: action.Type, Text: "hello"},
		{Kind: action.Type, Text: "hello"},
	}
	v, _ := Check(Defaults(), history, action.Action{Kind: action.Type, Text: "hello"}, 0)
	if v != Nudge {
		t.Errorf("three identical TYPE texts should nudge, got %v", v)
	}

	v, _ = Check(Defaults(), history, action.Action{Kind: action.Type, Text: "different"}, 0)
	if v != OK {
		t.Errorf("different text should be OK, got %v", v)
	}
}

func TestDirectRepeatTypeStopsAtMaxNudges(t *testing.T) {
	cfg := Defaults()
	history := []action.Action{
		{Kind: action.Type, Text: "hello"},
		{Kind: action.Type, Text: "hello"},
	}
	v, _ := Check(cfg, history, action.Action{Kind: action.Type, Text: "hello"}, cfg.MaxNudges)
	if v != Stop {
		t.Errorf("repeat at max nudges should STOP, got %v", v)
	}
}

func TestDirectRepeatPressAndHotkey(t *testing.T) {
	pressHist := []action.Action{{Kind: action.Press, Key: "enter"}}
	v, _ := Check(Defaults(), pressHist, action.Action{Kind: action.Press, Key: "enter"}, 0)
	if v != Nudge {
		t.Errorf("two identical PRESS should nudge, got %v", v)
	}
	v, _ = Check(Defaults(), pressHist, action.Action{Kind: action.Press, Key: "tab"}, 0)
	if v != OK {
		t.Errorf("different key should be OK, got %v", v)
	}

	hotkeyHist := []action.Action{{Kind: action.Hotkey, Keys: []string{"ctrl", "l"}}}
	v, _ = Check(Defaults(), hotkeyHist, action.Action{Kind: action.Hotkey, Keys: []string{"ctrl", "l"}}, 0)
	if v != Nudge {
		t.Errorf("two identical HOTKEY should nudge, got %v", v)
	}
	v, _ = Check(Defaults(), hotkeyHist, action.Action{Kind: action.Hotkey, Keys: []string{"ctrl", "t"}}, 0)
	if v != OK {
		t.Errorf("different hotkey should be OK, got %v", v)
	}
}

func TestDirectRepeatClickEpsilon(t *testing.T) {
	history := []action.Action{
		click(0.500, 0.500),
		click(0.505, 0.498),
	}
	// Within the 0.01 exact-repeat tolerance of both priors.
	v, _ := Check(Defaults(), history, click(0.502, 0.501), 0)
	if v != Nudge {
		t.Errorf("three clicks within eps should nudge, got %v", v)
	}

	// Outside the exact tolerance (but would be inside the oscillation
	// region tolerance; only two clicks, so no oscillation either).
	v, _ = Check(Defaults(), history, click(0.53, 0.53), 0)
	if v != OK {
		t.Errorf("click outside exact eps should be OK, got %v", v)
	}
}

func TestInvalidCoordsExcludedFromGuard(t *testing.T) {
	history := []action.Action{
		{Kind: action.Type, Text: "hello"},
		{Kind: action.InvalidCoords, Raw: "CLICK:1.2000,0.5000"},
		{Kind: action.Type, Text: "hello"},
	}
	// The INVALID_COORDS entry must not break the consecutive-TYPE run.
	v, _ := Check(Defaults(), history, action.Action{Kind: action.Type, Text: "hello"}, 0)
	if v != Nudge {
		t.Errorf("INVALID_COORDS must be invisible to the repeat detector, got %v", v)
	}
}

func TestCheckIsPure(t *testing.T) {
	history := []action.Action{
		click(0.30, 0.30),
		click(0.70, 0.70),
		click(0.30, 0.30),
		click(0.70, 0.70),
		click(0.30, 0.30),
	}
	candidate := click(0.70, 0.70)

	v1, m1 := Check(Defaults(), history, candidate, 1)
	v2, m2 := Check(Defaults(), history, candidate, 1)
	if v1 != v2 || m1 != m2 {
		t.Errorf("Check must be pure: (%v, %q) != (%v, %q)", v1, m1, v2, m2)
	}
}
