package history

import (
	"path/filepath"
	"testing"

	"github.com/ChamsBouzaiene/visor/internal/action"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)

	id, err := s.BeginRun("Open YouTube")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if id == "" {
		t.Fatal("empty run id")
	}

	changed := true
	steps := []action.Action{
		{Kind: action.Click, X: 0.5, Y: 0.5, Target: "browser icon", ScreenChanged: &changed},
		{Kind: action.Type, Text: "youtube.com"},
		{Kind: action.SystemFeedback, Target: "nudge"},
	}
	for i, a := range steps {
		if err := s.RecordStep(id, i, a); err != nil {
			t.Fatalf("RecordStep(%d): %v", i, err)
		}
	}
	if err := s.FinishRun(id, "DONE(task-complete)", len(steps)); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs", len(runs))
	}
	r := runs[0]
	if r.Objective != "Open YouTube" || r.Result != "DONE(task-complete)" || r.Steps != 3 {
		t.Errorf("run = %+v", r)
	}

	got, err := s.RunSteps(id)
	if err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d steps", len(got))
	}
	if got[0].Signature != "CLICK:0.5000,0.5000" {
		t.Errorf("step 0 signature = %q", got[0].Signature)
	}
	if !got[0].ScreenChanged.Valid || !got[0].ScreenChanged.Bool {
		t.Errorf("step 0 screen_changed = %+v", got[0].ScreenChanged)
	}
	if got[1].ScreenChanged.Valid {
		t.Error("step 1 screen_changed should be NULL")
	}
	if got[2].Kind != "SYSTEM_FEEDBACK" || got[2].Target != "nudge" {
		t.Errorf("step 2 = %+v", got[2])
	}
}

func TestRecentRunsOrder(t *testing.T) {
	s := openTestStore(t)

	first, _ := s.BeginRun("first")
	second, _ := s.BeginRun("second")
	_ = s.FinishRun(first, "STOPPED", 0)
	_ = s.FinishRun(second, "DONE(task-complete)", 1)

	runs, err := s.RecentRuns(1)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs", len(runs))
	}
}

func TestRecentRunsUnfinished(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.BeginRun("in flight"); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	runs, err := s.RecentRuns(5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs", len(runs))
	}
	if !runs[0].FinishedAt.Equal(runs[0].StartedAt) {
		t.Errorf("unfinished run FinishedAt = %v, want StartedAt %v",
			runs[0].FinishedAt, runs[0].StartedAt)
	}
}

func TestRunStepsEmptyRun(t *testing.T) {
	s := openTestStore(t)
	steps, err := s.RunSteps("no-such-run")
	if err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("expected no steps, got %d", len(steps))
	}
}
