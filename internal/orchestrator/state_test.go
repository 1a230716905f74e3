package orchestrator

import (
	"errors"
	"testing"
)

func TestMergeReducers(t *testing.T) {
	st := NewWorkflowState("s1", testDocs(), DefaultParams())

	if err := st.Merge(StageExtraction, Partial{
		Facts:    &Facts{Summary: "first"},
		Warnings: []Warning{{Message: "w1"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.Merge(StageExtraction, Partial{
		Facts:    &Facts{Summary: "second"},
		Warnings: []Warning{{Message: "w2"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.Merge(StageExecution, Partial{Results: []TaskResult{{TaskID: "a"}}}); err != nil {
		t.Fatal(err)
	}
	if err := st.Merge(StageExecution, Partial{Results: []TaskResult{{TaskID: "b"}}}); err != nil {
		t.Fatal(err)
	}

	snap := st.Snapshot()
	if snap.Facts.Summary != "second" {
		t.Errorf("singular field not overwritten: %q", snap.Facts.Summary)
	}
	if len(snap.Warnings) != 2 || len(snap.Results) != 2 {
		t.Errorf("accumulators not appended: %d warnings, %d results", len(snap.Warnings), len(snap.Results))
	}
}

func TestMergeOnlyExecutionAppendsResults(t *testing.T) {
	st := NewWorkflowState("s1", testDocs(), DefaultParams())
	for _, stage := range []StageName{StageExtraction, StagePlanning, StageSynthesis, StageReport} {
		err := st.Merge(stage, Partial{Errors: []ErrorRecord{{Message: "x"}}})
		if !errors.Is(err, ErrUnauthorizedAppend) {
			t.Errorf("%s: expected ErrUnauthorizedAppend, got %v", stage, err)
		}
	}
	if n := len(st.Snapshot().Errors); n != 0 {
		t.Errorf("rejected merge leaked %d errors", n)
	}
}

func TestFinishFreezesState(t *testing.T) {
	st := NewWorkflowState("s1", testDocs(), DefaultParams())
	if err := st.Finish(StatusRunning, nil); err == nil {
		t.Error("non-terminal finish accepted")
	}
	if err := st.Finish(StatusCompleted, nil); err != nil {
		t.Fatal(err)
	}
	if err := st.Merge(StageReport, Partial{Warnings: []Warning{{Message: "late"}}}); !errors.Is(err, ErrFrozen) {
		t.Errorf("merge after finish: %v", err)
	}
	if err := st.SetStage(StageReport); !errors.Is(err, ErrFrozen) {
		t.Errorf("set stage after finish: %v", err)
	}
	if err := st.Finish(StatusFailed, nil); !errors.Is(err, ErrFrozen) {
		t.Errorf("second finish: %v", err)
	}
	if snap := st.Snapshot(); snap.Status != StatusCompleted || snap.FinishedAt == nil {
		t.Errorf("unexpected terminal snapshot: %+v", snap)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	st := NewWorkflowState("s1", testDocs(), DefaultParams())
	st.Merge(StageExecution, Partial{Results: []TaskResult{{TaskID: "a", Success: true}}})

	snap := st.Snapshot()
	snap.Results[0].TaskID = "mutated"
	snap.Results = append(snap.Results, TaskResult{TaskID: "extra"})

	again := st.Snapshot()
	if len(again.Results) != 1 || again.Results[0].TaskID != "a" {
		t.Errorf("snapshot aliased state: %+v", again.Results)
	}
}

func TestParamsDefaultsAndValidate(t *testing.T) {
	p := Params{MaxTasks: 8}.WithDefaults(DefaultParams())
	if p.Concurrency != 5 || p.MinTasks != 3 || p.MaxTasks != 8 || p.MinViableTasks != 1 {
		t.Errorf("defaults: %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
	if err := (Params{Concurrency: 1, MinTasks: 5, MaxTasks: 3, MinViableTasks: 1}).Validate(); err == nil {
		t.Error("inverted bounds accepted")
	}
}
