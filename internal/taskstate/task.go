// Package taskstate implements the Task entity and its KV persistence:
// a mutex-guarded Task value type plus a Store abstraction with an
// in-memory and an etcd-backed implementation, the latter using etcd's
// native lease mechanism for the soft per-task lock.
package taskstate

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/makerforge/orchestrator/internal/errorkind"
)

// Status is the task's current pipeline stage.
type Status string

const (
	StatusCreated               Status = "created"
	StatusPreprocessing         Status = "preprocessing"
	StatusPlanning              Status = "planning"
	StatusCoding                Status = "coding"
	StatusVoting                Status = "voting"
	StatusReviewing             Status = "reviewing"
	StatusComplete              Status = "complete"
	StatusMaxIterationsExceeded Status = "max_iterations_exceeded"
	StatusFailed                Status = "failed"
	StatusCancelled             Status = "cancelled"
)

// IsTerminal reports whether a task in this status will never transition
// again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusMaxIterationsExceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is one in-flight or completed code-assistant request.
type Task struct {
	mu sync.RWMutex

	id         string
	status     Status
	iteration  int
	request    string // the original user prompt
	normalized string // latest preprocessed input
	intent     string // Preprocessor's coarse classification, mirrors pipeline.intent
	plan       string // latest plan
	feedback   string // latest reviewer feedback, replayed into context on resume
	result     string // latest candidate code, or the final accepted code once complete
	lastError  *errorkind.Error
	createdAt  time.Time
	updatedAt  time.Time
	ttl        time.Duration
}

// New creates a fresh Task in StatusCreated for request, with the given
// TTL governing how long its Store entry survives after it stops changing.
func New(request string, ttl time.Duration) *Task {
	now := time.Now()
	return &Task{
		id:        uuid.NewString(),
		status:    StatusCreated,
		request:   request,
		createdAt: now,
		updatedAt: now,
		ttl:       ttl,
	}
}

// Snapshot is an immutable, serialization-friendly copy of a Task.
type Snapshot struct {
	ID         string
	Status     Status
	Iteration  int
	Request    string
	Normalized string
	Intent     string
	Plan       string
	Feedback   string
	Result     string
	LastError  *errorkind.Error
	CreatedAt  time.Time
	UpdatedAt  time.Time
	TTL        time.Duration
}

// ID returns the task's identifier. It never changes, so no lock is needed.
func (t *Task) ID() string { return t.id }

// Snapshot returns a point-in-time copy of the task's fields.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		ID:         t.id,
		Status:     t.status,
		Iteration:  t.iteration,
		Request:    t.request,
		Normalized: t.normalized,
		Intent:     t.intent,
		Plan:       t.plan,
		Feedback:   t.feedback,
		Result:     t.result,
		LastError:  t.lastError,
		CreatedAt:  t.createdAt,
		UpdatedAt:  t.updatedAt,
		TTL:        t.ttl,
	}
}

// SetStatus transitions the task to a new status.
func (t *Task) SetStatus(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.updatedAt = time.Now()
}

// Status returns the task's current status.
func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// NextIteration increments and returns the task's iteration counter.
func (t *Task) NextIteration() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iteration++
	t.updatedAt = time.Now()
	return t.iteration
}

// Iteration returns the current iteration count.
func (t *Task) Iteration() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.iteration
}

// SetResult records the latest result: each iteration's winning candidate
// code, or the answer text for a question-intent task.
func (t *Task) SetResult(result string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = result
	t.updatedAt = time.Now()
}

// Result returns the latest recorded result, if any; once the task is
// complete this is the accepted code (or answer).
func (t *Task) Result() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

// SetError records the terminal error that ended the task.
func (t *Task) SetError(err *errorkind.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastError = err
	t.updatedAt = time.Now()
}

// LastError returns the terminal error that ended the task, if any.
func (t *Task) LastError() *errorkind.Error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastError
}

// Request returns the original user prompt.
func (t *Task) Request() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.request
}

// SetPreprocessed records the Preprocessing stage's output so a resumed
// run of a later stage never has to redo it.
func (t *Task) SetPreprocessed(normalized, intent string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.normalized = normalized
	t.intent = intent
	t.updatedAt = time.Now()
}

// Preprocessed returns the latest preprocessed input and intent label.
func (t *Task) Preprocessed() (normalized, intent string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.normalized, t.intent
}

// SetPlan records the Planning stage's output.
func (t *Task) SetPlan(plan string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.plan = plan
	t.updatedAt = time.Now()
}

// Plan returns the latest plan.
func (t *Task) Plan() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.plan
}

// SetFeedback records the latest reviewer feedback, so a resumed coding
// stage can recover the feedback it is meant to address.
func (t *Task) SetFeedback(feedback string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.feedback = feedback
	t.updatedAt = time.Now()
}

// Feedback returns the latest reviewer feedback, if any.
func (t *Task) Feedback() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.feedback
}

// fromSnapshot rebuilds a Task from a Snapshot, for Store Get
// implementations that deserialize from a backing KV.
func fromSnapshot(s Snapshot) *Task {
	return &Task{
		id:         s.ID,
		status:     s.Status,
		iteration:  s.Iteration,
		request:    s.Request,
		normalized: s.Normalized,
		intent:     s.Intent,
		plan:       s.Plan,
		feedback:   s.Feedback,
		result:     s.Result,
		lastError:  s.LastError,
		createdAt:  s.CreatedAt,
		updatedAt:  s.UpdatedAt,
		ttl:        s.TTL,
	}
}
