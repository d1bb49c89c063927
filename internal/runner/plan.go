package runner

import (
	"context"

	"go.uber.org/zap"
)

// RunPlan executes a pre-decomposed plan step by step, each step as its
// own bounded run. A stop request aborts the plan; a failed step is
// logged and the plan moves on, since later steps may still succeed
// from whatever state the desktop is in.
func (r *Runner) RunPlan(ctx context.Context, steps []string, stepBudget int) (Result, error) {
	for i, step := range steps {
		r.log.Info("plan step",
			zap.Int("step", i+1), zap.Int("total", len(steps)), zap.String("objective", step))

		res, err := r.run(ctx, step, stepBudget)
		if err != nil {
			return res, err
		}
		if res == ResultStopped {
			return ResultStopped, nil
		}
		if !res.IsDone() {
			r.log.Warn("plan step failed, continuing",
				zap.Int("step", i+1), zap.String("result", string(res)))
		}
	}
	return ResultPlanComplete, nil
}
