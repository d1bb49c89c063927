// Package runner drives the observe-decide-act turn loop: screenshot,
// model query, repetition guard, execution, history bookkeeping.
package runner

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/visor/internal/action"
	"github.com/ChamsBouzaiene/visor/internal/guard"
	"github.com/ChamsBouzaiene/visor/internal/history"
	"github.com/ChamsBouzaiene/visor/internal/model"
	"github.com/ChamsBouzaiene/visor/internal/vision"
)

// Capturer takes desktop screenshots.
type Capturer interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// ActionExecutor performs one validated action on the desktop.
type ActionExecutor interface {
	Execute(ctx context.Context, a action.Action) error
}

// Config holds the turn loop tunables.
type Config struct {
	// MaxSteps bounds the run; every history entry, including guard
	// feedback, consumes one step.
	MaxSteps int

	// ModelRetries is how many extra queries a turn gets when the model
	// returns something unusable.
	ModelRetries int

	// SettleDelay is the pause before each screenshot, giving the
	// desktop time to finish animating.
	SettleDelay time.Duration

	// MinMargin rejects pointer coordinates this close to screen edges.
	MinMargin float64

	// ChangeThreshold feeds the frame-difference detector.
	ChangeThreshold float64

	// HistoryWindow caps how many history entries the model sees. The
	// guard always sees the full history.
	HistoryWindow int

	// ScreenshotDir, when set, receives each screenshot and the click
	// preview overlays for offline inspection.
	ScreenshotDir string
}

func DefaultConfig() Config {
	return Config{
		MaxSteps:        100,
		ModelRetries:    2,
		SettleDelay:     2200 * time.Millisecond,
		MinMargin:       0.005,
		ChangeThreshold: vision.DefaultChangeThreshold,
		HistoryWindow:   6,
	}
}

// Options wires a Runner.
type Options struct {
	Backend  model.Backend
	Executor ActionExecutor
	Capturer Capturer
	Guard    guard.Config
	Config   Config
	Hooks    Hooks
	Store    *history.Store // optional
	Log      *zap.Logger
}

// Runner owns one agent session. Safe to reuse sequentially; Stop may
// be called from another goroutine.
type Runner struct {
	backend  model.Backend
	executor ActionExecutor
	capturer Capturer
	guardCfg guard.Config
	cfg      Config
	hooks    Hooks
	store    *history.Store
	log      *zap.Logger

	stopped atomic.Bool

	// pending holds tunables scheduled by SetTunables; they take effect
	// at the next run boundary, never mid-loop.
	mu      sync.Mutex
	pending *tunables

	// sleep is replaceable in tests.
	sleep func(context.Context, time.Duration) error
}

type tunables struct {
	guard guard.Config
	cfg   Config
}

// SetTunables schedules new guard and loop settings. A run already in
// progress finishes with its current settings; the next Run picks the
// new ones up, which lets config hot-reload land between plan steps.
func (r *Runner) SetTunables(g guard.Config, cfg Config) {
	r.mu.Lock()
	r.pending = &tunables{guard: g, cfg: cfg}
	r.mu.Unlock()
}

func (r *Runner) applyPending() {
	r.mu.Lock()
	if r.pending != nil {
		r.guardCfg = r.pending.guard
		r.cfg = r.pending.cfg
		r.pending = nil
	}
	r.mu.Unlock()
}

func New(o Options) *Runner {
	if o.Hooks == nil {
		o.Hooks = NopHooks{}
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Config.MaxSteps <= 0 {
		o.Config = DefaultConfig()
	}
	return &Runner{
		backend:  o.Backend,
		executor: o.Executor,
		capturer: o.Capturer,
		guardCfg: o.Guard,
		cfg:      o.Config,
		hooks:    o.Hooks,
		store:    o.Store,
		log:      o.Log,
		sleep:    sleepCtx,
	}
}

// Stop requests a graceful stop; the run ends before its next turn.
func (r *Runner) Stop() {
	r.stopped.Store(true)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run executes one objective to completion and returns the outcome
// code. The error return is reserved for infrastructure failures the
// loop could not absorb.
func (r *Runner) Run(ctx context.Context, objective string) (Result, error) {
	return r.run(ctx, objective, 0)
}

// run is the loop body; maxSteps <= 0 means use the configured budget.
func (r *Runner) run(ctx context.Context, objective string, maxSteps int) (Result, error) {
	r.applyPending()
	if maxSteps <= 0 {
		maxSteps = r.cfg.MaxSteps
	}
	r.stopped.Store(false)
	r.backend.Reset()

	runID := ""
	if r.store != nil {
		id, err := r.store.BeginRun(objective)
		if err != nil {
			r.log.Warn("history disabled for this run", zap.Error(err))
		} else {
			runID = id
		}
	}

	var (
		hist       []action.Action
		prevImg    image.Image
		nudgeCount int
		step       int
	)

	finish := func(res Result) (Result, error) {
		if runID != "" {
			if err := r.store.FinishRun(runID, string(res), len(hist)); err != nil {
				r.log.Warn("failed to finalize run record", zap.Error(err))
			}
		}
		r.hooks.Emit(Event{Kind: EventResult, Data: res})
		r.log.Info("run finished", zap.String("result", string(res)), zap.Int("steps", step))
		return res, nil
	}

	record := func(a action.Action) {
		hist = append(hist, a)
		if runID != "" {
			if err := r.store.RecordStep(runID, len(hist)-1, a); err != nil {
				r.log.Warn("failed to record step", zap.Error(err))
			}
		}
	}

	for step < maxSteps {
		if ctx.Err() != nil || r.stopped.Load() {
			return finish(ResultStopped)
		}
		r.hooks.Emit(Event{Kind: EventTurn, Data: TurnData{Step: step, HistoryLen: len(hist)}})

		if err := r.sleep(ctx, r.cfg.SettleDelay); err != nil {
			return finish(ResultStopped)
		}
		if r.stopped.Load() {
			return finish(ResultStopped)
		}

		shot, err := r.capturer.Screenshot(ctx)
		if err != nil {
			r.log.Error("screenshot failed", zap.Error(err))
			return finish(ErrorResult("screenshot failed"))
		}
		img, err := vision.DecodePNG(shot)
		if err != nil {
			r.log.Error("screenshot decode failed", zap.Error(err))
			return finish(ErrorResult("screenshot decode failed"))
		}
		r.saveFrame(step, shot)

		// Retroactively stamp the previous real action with whether the
		// screen moved since it ran. Guard feedback entries never
		// executed anything, so they keep no verdict.
		if len(hist) > 0 {
			if last := &hist[len(hist)-1]; last.IsReal() {
				changed := vision.Changed(prevImg, img, r.cfg.ChangeThreshold)
				last.ScreenChanged = &changed
				if runID != "" {
					_ = r.store.RecordStep(runID, len(hist)-1, *last)
				}
			}
		}

		out, done := r.queryModel(ctx, objective, shot, &hist, record)
		if done {
			// The completion signal is not an executed action; it ends
			// the run without joining the history. The runs row keeps
			// the result code for the audit trail.
			r.log.Info("model signaled completion", zap.String("status", out.Target))
			return finish(ResultTaskComplete)
		}
		if out == nil {
			return finish(ErrorResult("no valid action"))
		}

		verdict, msg := guard.Check(r.guardCfg, hist, *out, nudgeCount)
		switch verdict {
		case guard.Stop:
			r.log.Warn("repeat guard stopped the run", zap.String("reason", msg))
			return finish(ResultRepeatGuard)
		case guard.Nudge:
			nudgeCount++
			r.hooks.Emit(Event{Kind: EventNudge, Data: msg})
			r.log.Info("guard nudge", zap.Int("nudge", nudgeCount), zap.String("message", msg))
			record(action.Action{
				Kind:     action.SystemFeedback,
				Target:   msg,
				WhyShort: fmt.Sprintf("Guard nudge #%d", nudgeCount),
			})
			step++
			continue
		}

		if out.IsPointer() {
			r.savePreview(step, img, out.X, out.Y)
		}

		r.hooks.Emit(Event{Kind: EventAction, Data: *out})
		r.log.Info("executing action", zap.String("action", out.Describe()))
		if err := r.executor.Execute(ctx, *out); err != nil {
			// Execution failures are not fatal: the next screenshot
			// shows the model whatever state the desktop is in.
			r.hooks.Emit(Event{Kind: EventExecError, Data: err.Error()})
			r.log.Warn("action execution failed", zap.Error(err))
		}

		prevImg = img
		record(*out)
		step++
	}

	return finish(ResultMaxSteps)
}

// queryModel asks the backend for the next action, retrying on errors
// and rejecting out-of-bounds pointer coordinates. A DONE action
// short-circuits with done=true. nil with done=false means every
// attempt failed.
func (r *Runner) queryModel(ctx context.Context, objective string, shot []byte, hist *[]action.Action, record func(action.Action)) (out *action.Action, done bool) {
	for attempt := 0; attempt <= r.cfg.ModelRetries; attempt++ {
		a, err := r.backend.AskNextAction(ctx, objective, shot, trimHistory(*hist, r.cfg.HistoryWindow))
		if err != nil {
			r.log.Warn("model query failed",
				zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if a.Kind == action.Done {
			return &a, true
		}
		if a.IsPointer() {
			if ok, reason := action.ValidateXY(a.X, a.Y, r.cfg.MinMargin); !ok {
				r.hooks.Emit(Event{Kind: EventInvalidCoord, Data: reason})
				r.log.Warn("rejected model coordinates",
					zap.String("reason", reason), zap.String("action", a.Signature()))
				record(action.Action{Kind: action.InvalidCoords, Raw: a.Signature(), WhyShort: reason})
				continue
			}
		}
		return &a, false
	}
	return nil, false
}

func trimHistory(hist []action.Action, window int) []action.Action {
	if window > 0 && len(hist) > window {
		return hist[len(hist)-window:]
	}
	return hist
}

func (r *Runner) saveFrame(step int, shot []byte) {
	if r.cfg.ScreenshotDir == "" {
		return
	}
	path := filepath.Join(r.cfg.ScreenshotDir, fmt.Sprintf("step_%03d.png", step))
	if err := os.WriteFile(path, shot, 0o644); err != nil {
		r.log.Warn("failed to save screenshot", zap.Error(err))
	}
}

func (r *Runner) savePreview(step int, img image.Image, x, y float64) {
	if r.cfg.ScreenshotDir == "" {
		return
	}
	preview := vision.DrawPreview(img, x, y)
	data, err := vision.EncodePNG(preview)
	if err != nil {
		r.log.Warn("failed to encode click preview", zap.Error(err))
		return
	}
	path := filepath.Join(r.cfg.ScreenshotDir, fmt.Sprintf("step_%03d_preview.png", step))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.log.Warn("failed to save click preview", zap.Error(err))
	}
}
