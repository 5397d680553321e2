package orchestrator

import (
	"time"
)

// executionQueue partitions executions into pending, running, and completed
// sets. Every execution is in exactly one set and only moves forward. The
// queue has no lock of its own: the orchestrator's mutex is the single
// writer gate.
type executionQueue struct {
	pending   map[string]*TestExecution
	running   map[string]*TestExecution
	completed map[string]*TestExecution
}

func newExecutionQueue() *executionQueue {
	return &executionQueue{
		pending:   make(map[string]*TestExecution),
		running:   make(map[string]*TestExecution),
		completed: make(map[string]*TestExecution),
	}
}

func (q *executionQueue) addPending(exec *TestExecution) {
	exec.submittedAt = time.Now()
	q.pending[exec.ID] = exec
}

// markRunning moves a pending execution to the running set.
func (q *executionQueue) markRunning(id string) bool {
	exec, ok := q.pending[id]
	if !ok {
		return false
	}
	delete(q.pending, id)
	q.running[id] = exec
	return true
}

// markCompleted moves an execution to the completed set from whichever
// earlier set holds it.
func (q *executionQueue) markCompleted(id string) bool {
	exec, ok := q.running[id]
	if ok {
		delete(q.running, id)
	} else if exec, ok = q.pending[id]; ok {
		delete(q.pending, id)
	} else {
		return false
	}
	exec.completedAt = time.Now()
	q.completed[id] = exec
	return true
}

// get finds an execution in any set.
func (q *executionQueue) get(id string) *TestExecution {
	if exec, ok := q.pending[id]; ok {
		return exec
	}
	if exec, ok := q.running[id]; ok {
		return exec
	}
	if exec, ok := q.completed[id]; ok {
		return exec
	}
	return nil
}

// evictCompletedBefore drops completed entries older than the cutoff and
// returns how many were evicted.
func (q *executionQueue) evictCompletedBefore(cutoff time.Time) int {
	evicted := 0
	for id, exec := range q.completed {
		if exec.completedAt.Before(cutoff) {
			delete(q.completed, id)
			evicted++
		}
	}
	return evicted
}

func (q *executionQueue) snapshot() QueueSnapshot {
	return QueueSnapshot{
		Pending:   len(q.pending),
		Running:   len(q.running),
		Completed: len(q.completed),
		Total:     len(q.pending) + len(q.running) + len(q.completed),
	}
}

// runningExecutions returns the running set's members.
func (q *executionQueue) runningExecutions() []*TestExecution {
	out := make([]*TestExecution, 0, len(q.running))
	for _, exec := range q.running {
		out = append(out, exec)
	}
	return out
}
