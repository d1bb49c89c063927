package executor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/visor/internal/action"
)

// fakeCommander records every call in order.
type fakeCommander struct {
	calls []string
}

func (f *fakeCommander) record(format string, args ...any) error {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return nil
}

func (f *fakeCommander) LeftClick(_ context.Context, x, y float64) error {
	return f.record("left_click(%.2f,%.2f)", x, y)
}
func (f *fakeCommander) RightClick(_ context.Context, x, y float64) error {
	return f.record("right_click(%.2f,%.2f)", x, y)
}
func (f *fakeCommander) DoubleClick(_ context.Context, x, y float64) error {
	return f.record("double_click(%.2f,%.2f)", x, y)
}
func (f *fakeCommander) MoveCursor(_ context.Context, x, y float64) error {
	return f.record("move_cursor(%.2f,%.2f)", x, y)
}
func (f *fakeCommander) DragTo(_ context.Context, x, y float64) error {
	return f.record("drag_to(%.2f,%.2f)", x, y)
}
func (f *fakeCommander) MouseDown(_ context.Context, button string) error {
	return f.record("mouse_down(%s)", button)
}
func (f *fakeCommander) MouseUp(_ context.Context, button string) error {
	return f.record("mouse_up(%s)", button)
}
func (f *fakeCommander) TypeText(_ context.Context, text string) error {
	return f.record("type_text(%s)", text)
}
func (f *fakeCommander) PressKey(_ context.Context, key string) error {
	return f.record("press_key(%s)", key)
}
func (f *fakeCommander) Hotkey(_ context.Context, keys []string) error {
	return f.record("hotkey(%s)", strings.Join(keys, "+"))
}
func (f *fakeCommander) Scroll(_ context.Context, amount int) error {
	return f.record("scroll(%d)", amount)
}

func newTestExecutor() (*Executor, *fakeCommander, *[]time.Duration) {
	fake := &fakeCommander{}
	var sleeps []time.Duration
	e := New(fake)
	e.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return e, fake, &sleeps
}

func TestExecuteClick(t *testing.T) {
	e, fake, sleeps := newTestExecutor()
	err := e.Execute(context.Background(), action.Action{Kind: action.Click, X: 0.5, Y: 0.25})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{"left_click(0.50,0.25)"}
	if fmt.Sprint(fake.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", fake.calls, want)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 250*time.Millisecond {
		t.Errorf("expected a 250ms post-click pause, got %v", *sleeps)
	}
}

func TestExecuteTypeVariants(t *testing.T) {
	half := 0.5
	tests := []struct {
		name string
		act  action.Action
		want []string
	}{
		{
			"plain type",
			action.Action{Kind: action.Type, Text: "hi"},
			[]string{"type_text(hi)"},
		},
		{
			"focus click then type",
			action.Action{Kind: action.Type, Text: "hi", ClickX: &half, ClickY: &half},
			[]string{"left_click(0.50,0.50)", "type_text(hi)"},
		},
		{
			"clear then type then enter",
			action.Action{Kind: action.Type, Text: "hi", DeleteExisting: true, PressEnter: true},
			[]string{"hotkey(ctrl+a)", "type_text(hi)", "press_key(enter)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, fake, _ := newTestExecutor()
			if err := e.Execute(context.Background(), tt.act); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if fmt.Sprint(fake.calls) != fmt.Sprint(tt.want) {
				t.Errorf("calls = %v, want %v", fake.calls, tt.want)
			}
		})
	}
}

func TestExecuteVisitURLCompound(t *testing.T) {
	e, fake, _ := newTestExecutor()
	err := e.Execute(context.Background(), action.Action{Kind: action.VisitURL, URL: "youtube.com"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{
		"hotkey(ctrl+l)",
		"hotkey(ctrl+a)",
		"type_text(youtube.com)",
		"press_key(enter)",
	}
	if fmt.Sprint(fake.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", fake.calls, want)
	}
}

func TestExecuteWebSearchUsesQuery(t *testing.T) {
	e, fake, _ := newTestExecutor()
	err := e.Execute(context.Background(), action.Action{Kind: action.WebSearch, Query: "weather in tunis"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var typed string
	for _, c := range fake.calls {
		if strings.HasPrefix(c, "type_text(") {
			typed = c
		}
	}
	if typed != "type_text(weather in tunis)" {
		t.Errorf("typed = %q", typed)
	}
}

func TestExecuteWaitClamp(t *testing.T) {
	tests := []struct {
		name    string
		seconds float64
		want    time.Duration
	}{
		{"default", 0, 500 * time.Millisecond},
		{"normal", 2, 2 * time.Second},
		{"clamped high", 120, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, sleeps := newTestExecutor()
			err := e.Execute(context.Background(), action.Action{Kind: action.Wait, Seconds: tt.seconds})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if len(*sleeps) != 1 || (*sleeps)[0] != tt.want {
				t.Errorf("sleeps = %v, want [%v]", *sleeps, tt.want)
			}
		})
	}
}

func TestExecuteNoopAndDoneAreSilent(t *testing.T) {
	for _, kind := range []action.Kind{action.Noop, action.Done} {
		e, fake, sleeps := newTestExecutor()
		if err := e.Execute(context.Background(), action.Action{Kind: kind}); err != nil {
			t.Fatalf("Execute(%s): %v", kind, err)
		}
		if len(fake.calls) != 0 || len(*sleeps) != 0 {
			t.Errorf("%s should touch nothing, got calls=%v sleeps=%v", kind, fake.calls, *sleeps)
		}
	}
}

func TestExecuteRejectsSyntheticEntries(t *testing.T) {
	for _, kind := range []action.Kind{action.SystemFeedback, action.InvalidCoords} {
		e, _, _ := newTestExecutor()
		if err := e.Execute(context.Background(), action.Action{Kind: kind}); err == nil {
			t.Errorf("%s must not be executable", kind)
		}
	}
}

func TestExecuteRejectsUnknownKind(t *testing.T) {
	e, _, _ := newTestExecutor()
	err := e.Execute(context.Background(), action.Action{Kind: action.Kind("TELEPORT")})
	if err == nil || !strings.Contains(err.Error(), "TELEPORT") {
		t.Errorf("error should name the unknown kind, got %v", err)
	}
}

func TestExecuteMouseButtons(t *testing.T) {
	e, fake, _ := newTestExecutor()
	_ = e.Execute(context.Background(), action.Action{Kind: action.MouseDown, Button: 1})
	_ = e.Execute(context.Background(), action.Action{Kind: action.MouseUp, Button: 3})
	want := []string{"mouse_down(left)", "mouse_up(right)"}
	if fmt.Sprint(fake.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", fake.calls, want)
	}
}
