package orchestrator

import (
	"testing"
	"time"
)

func TestQueueTransitions(t *testing.T) {
	q := newExecutionQueue()
	exec := &TestExecution{ID: "a"}

	q.addPending(exec)
	if q.get("a") != exec {
		t.Fatal("pending execution not findable")
	}
	if exec.submittedAt.IsZero() {
		t.Error("submittedAt not stamped")
	}

	if !q.markRunning("a") {
		t.Fatal("markRunning failed for pending execution")
	}
	if q.markRunning("a") {
		t.Error("markRunning succeeded twice")
	}
	if got := q.snapshot(); got.Running != 1 || got.Pending != 0 {
		t.Errorf("snapshot = %+v after markRunning", got)
	}

	if !q.markCompleted("a") {
		t.Fatal("markCompleted failed for running execution")
	}
	if q.markCompleted("a") {
		t.Error("markCompleted succeeded twice")
	}
	if exec.completedAt.IsZero() {
		t.Error("completedAt not stamped")
	}
	if q.get("a") != exec {
		t.Error("completed execution not findable")
	}
}

func TestQueueCompletesPendingDirectly(t *testing.T) {
	q := newExecutionQueue()
	q.addPending(&TestExecution{ID: "a"})

	// Cancellation before a slot frees moves pending straight to completed.
	if !q.markCompleted("a") {
		t.Fatal("markCompleted failed for pending execution")
	}
	if got := q.snapshot(); got.Completed != 1 || got.Total != 1 {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestQueueUnknownID(t *testing.T) {
	q := newExecutionQueue()
	if q.markRunning("ghost") {
		t.Error("markRunning succeeded for unknown id")
	}
	if q.markCompleted("ghost") {
		t.Error("markCompleted succeeded for unknown id")
	}
	if q.get("ghost") != nil {
		t.Error("get returned an execution for unknown id")
	}
}

func TestQueueEviction(t *testing.T) {
	q := newExecutionQueue()
	for _, id := range []string{"old", "fresh"} {
		q.addPending(&TestExecution{ID: id})
		q.markCompleted(id)
	}
	q.completed["old"].completedAt = time.Now().Add(-time.Hour)

	if evicted := q.evictCompletedBefore(time.Now().Add(-30 * time.Minute)); evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if q.get("old") != nil {
		t.Error("evicted execution still findable")
	}
	if q.get("fresh") == nil {
		t.Error("fresh execution evicted")
	}
}

func TestQueueSnapshotConservation(t *testing.T) {
	q := newExecutionQueue()
	for _, id := range []string{"a", "b", "c", "d"} {
		q.addPending(&TestExecution{ID: id})
	}
	q.markRunning("a")
	q.markRunning("b")
	q.markCompleted("a")

	got := q.snapshot()
	if got.Pending != 2 || got.Running != 1 || got.Completed != 1 {
		t.Errorf("snapshot = %+v", got)
	}
	if got.Pending+got.Running+got.Completed != got.Total {
		t.Errorf("conservation violated: %+v", got)
	}
}
