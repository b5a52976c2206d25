package engine

import (
	"context"
	"time"

	rtsup "spider/internal/runtime/supervisor"
)

// Config controls the scheduler.
//
// Defaults (when fields are zero):
//   - Limits.Global: 20 (only when Limits.PerPlan is empty)
//   - Heartbeat: 200ms
//   - HistorySize: 200
//   - RetryPolicy: RetryFront
type Config struct {
	Limits LimitConfig

	// Heartbeat is the period of the forward-progress tick.
	Heartbeat time.Duration

	// TaskTimeout bounds a single Process call when the plan sets no Timeout.
	// 0 disables the default timeout.
	TaskTimeout time.Duration

	// AutoEnd moves the scheduler to ending (instead of vacant) once the
	// queue is empty and nothing is in flight.
	AutoEnd bool

	RetryPolicy RetryPolicy

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Limits.Global <= 0 && len(c.Limits.PerPlan) == 0 {
		c.Limits.Global = 20
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 200 * time.Millisecond
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryPolicy != RetryBack {
		c.RetryPolicy = RetryFront
	}
	return c
}

// LimitConfig selects the concurrency classes.
//
// Exactly one mode is active: one global class (Global > 0), or one class per
// plan (PerPlan). In per-plan mode every plan must be declared here before it
// can be registered.
type LimitConfig struct {
	Global  int
	PerPlan map[string]int
}

// RetryPolicy decides where a retried task re-enters the queue.
type RetryPolicy int

const (
	// RetryFront puts retries ahead of fresh work (behind earlier retries).
	RetryFront RetryPolicy = iota
	// RetryBack appends retries like normal admissions.
	RetryBack
)

func (p RetryPolicy) String() string {
	if p == RetryBack {
		return "back"
	}
	return "front"
}

// ProcessFunc performs one attempt of a task. It runs on its own goroutine,
// outside the scheduler lock, and may call back into s (Add, Save, ...).
type ProcessFunc func(ctx context.Context, s *Service, t *Task) error

// FailureFunc receives a task whose retry budget is exhausted. It is
// invoked at most once per task.
type FailureFunc func(err error, t *Task)

// Plan is a named processing pipeline. Plans are immutable once registered.
type Plan struct {
	Name    string
	Process ProcessFunc
	// Retries is the retry limit: a task may be attempted Retries+1 times.
	Retries   int
	OnFailure FailureFunc
	// Timeout overrides Config.TaskTimeout for this plan. 0 uses the default.
	Timeout time.Duration
}

// Task is one admitted unit of work.
//
// UID, URL, Plan and Info are fixed at admission. Retries counts failed
// attempts re-queued so far. Response and Err are scratch fields for the
// current attempt and are cleared before a retry is queued.
type Task struct {
	UID      string
	URL      string
	Plan     string
	Info     map[string]any
	Retries  int
	Admitted time.Time

	Response any
	Err      error

	// seq is the admission order. cutoff is the last seq admitted when the
	// task was first dispatched; a retry yields its freed slot only to
	// tasks admitted up to then.
	seq    uint64
	cutoff uint64
	qkey   int64
}

// HistoryItem records the final outcome of one attempt.
type HistoryItem struct {
	UID      string
	URL      string
	Plan     string
	Attempt  int
	Started  time.Time
	Duration time.Duration
	Outcome  string
	Error    string
}

// TaskEvent is the payload of task.* events on the bus.
type TaskEvent struct {
	UID      string        `json:"uid"`
	URL      string        `json:"url"`
	Plan     string        `json:"plan"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// StatusEvent is the payload of status.changed events.
type StatusEvent struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

// Event types published on the bus.
const (
	EventTaskAdmitted   = "task.admitted"
	EventTaskStarted    = "task.started"
	EventTaskCompleted  = "task.completed"
	EventTaskRetrying   = "task.retrying"
	EventTaskFailed     = "task.failed"
	EventQueueEmpty     = "queue.empty"
	EventStatusChanged  = "status.changed"
	EventSchedulerEnded = "scheduler.ended"
)

// ClassSnapshot is the in-flight view of one concurrency class.
type ClassSnapshot struct {
	InFlight int
	Limit    int
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Status   Status
	Queued   int
	InFlight int
	Seen     int
	Classes  map[string]ClassSnapshot
	Plans    []string
	Pipes    []string

	Admitted  uint64
	Completed uint64
	Retried   uint64
	Escalated uint64

	// Goroutines counts the scheduler's supervised goroutines (heartbeat
	// and task attempts).
	Goroutines rtsup.SupervisorCounters

	History []HistoryItem
}
