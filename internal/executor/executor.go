// Package executor turns validated actions into automation API calls.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/ChamsBouzaiene/visor/internal/action"
)

// Commander is the subset of the sandbox client the executor drives.
type Commander interface {
	LeftClick(ctx context.Context, x, y float64) error
	RightClick(ctx context.Context, x, y float64) error
	DoubleClick(ctx context.Context, x, y float64) error
	MoveCursor(ctx context.Context, x, y float64) error
	DragTo(ctx context.Context, x, y float64) error
	MouseDown(ctx context.Context, button string) error
	MouseUp(ctx context.Context, button string) error
	TypeText(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	Hotkey(ctx context.Context, keys []string) error
	Scroll(ctx context.Context, amount int) error
}

const (
	// pauseAfterClick gives the desktop time to react before the next
	// screenshot is taken.
	pauseAfterClick = 250 * time.Millisecond

	defaultWait = 500 * time.Millisecond
	maxWait     = 30 * time.Second
)

// Executor dispatches one action at a time against the sandbox.
type Executor struct {
	cmd Commander

	// sleep is replaceable in tests.
	sleep func(context.Context, time.Duration) error
}

func New(cmd Commander) *Executor {
	return &Executor{cmd: cmd, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Execute performs a single action. Synthetic history entries are
// rejected; they must never reach the sandbox.
func (e *Executor) Execute(ctx context.Context, a action.Action) error {
	switch a.Kind {
	case action.Noop, action.Done:
		return nil

	case action.Wait:
		d := time.Duration(a.Seconds * float64(time.Second))
		if a.Seconds <= 0 {
			d = defaultWait
		}
		if d > maxWait {
			d = maxWait
		}
		return e.sleep(ctx, d)

	case action.Click:
		return e.withPause(ctx, e.cmd.LeftClick(ctx, a.X, a.Y))
	case action.RightClick:
		return e.withPause(ctx, e.cmd.RightClick(ctx, a.X, a.Y))
	case action.DoubleClick:
		return e.withPause(ctx, e.cmd.DoubleClick(ctx, a.X, a.Y))

	case action.Type:
		return e.typeText(ctx, a)

	case action.Press:
		return e.withPause(ctx, e.cmd.PressKey(ctx, a.Key))
	case action.Hotkey:
		return e.withPause(ctx, e.cmd.Hotkey(ctx, a.Keys))
	case action.Scroll:
		return e.withPause(ctx, e.cmd.Scroll(ctx, a.Scroll))

	case action.Move:
		return e.cmd.MoveCursor(ctx, a.X, a.Y)
	case action.MouseDown:
		return e.cmd.MouseDown(ctx, buttonName(a.Button))
	case action.MouseUp:
		return e.cmd.MouseUp(ctx, buttonName(a.Button))
	case action.DragTo:
		return e.cmd.DragTo(ctx, a.X, a.Y)

	case action.VisitURL:
		return e.navigate(ctx, a.URL)
	case action.WebSearch:
		return e.navigate(ctx, a.Query)

	case action.SystemFeedback, action.InvalidCoords:
		return fmt.Errorf("synthetic entry %s is not executable", a.Kind)
	}
	return fmt.Errorf("unknown action kind %q", a.Kind)
}

func (e *Executor) withPause(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	return e.sleep(ctx, pauseAfterClick)
}

// typeText optionally focuses a target first, optionally clears the
// field with select-all, types, and optionally presses enter.
func (e *Executor) typeText(ctx context.Context, a action.Action) error {
	if a.ClickX != nil && a.ClickY != nil {
		if err := e.cmd.LeftClick(ctx, *a.ClickX, *a.ClickY); err != nil {
			return err
		}
		if err := e.sleep(ctx, pauseAfterClick); err != nil {
			return err
		}
	}
	if a.DeleteExisting {
		if err := e.cmd.Hotkey(ctx, []string{"ctrl", "a"}); err != nil {
			return err
		}
		if err := e.sleep(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
	if err := e.cmd.TypeText(ctx, a.Text); err != nil {
		return err
	}
	if a.PressEnter {
		if err := e.sleep(ctx, 100*time.Millisecond); err != nil {
			return err
		}
		if err := e.cmd.PressKey(ctx, "enter"); err != nil {
			return err
		}
	}
	return nil
}

// navigate focuses the browser address bar and enters the text. Works
// for URLs and search queries alike; the browser disambiguates.
func (e *Executor) navigate(ctx context.Context, text string) error {
	if err := e.cmd.Hotkey(ctx, []string{"ctrl", "l"}); err != nil {
		return err
	}
	if err := e.sleep(ctx, 300*time.Millisecond); err != nil {
		return err
	}
	if err := e.cmd.Hotkey(ctx, []string{"ctrl", "a"}); err != nil {
		return err
	}
	if err := e.sleep(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	if err := e.cmd.TypeText(ctx, text); err != nil {
		return err
	}
	if err := e.sleep(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	if err := e.cmd.PressKey(ctx, "enter"); err != nil {
		return err
	}
	return e.sleep(ctx, pauseAfterClick)
}

func buttonName(b int) string {
	switch b {
	case 2:
		return "middle"
	case 3:
		return "right"
	}
	return "left"
}
