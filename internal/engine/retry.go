package engine

import (
	"fmt"
	"runtime/debug"
	"time"

	logx "spider/pkg/logx"
)

type retryOutcome int

const (
	outcomeRetrying retryOutcome = iota
	outcomeEscalated
)

// handleFailureLocked decides what happens to a failed task.
//
// The task is retried while its count stays within the plan's limit.
// NoRetry errors and failures seen while ending escalate straight away:
// nothing would dispatch a reinserted task after End.
func (s *Service) handleFailureLocked(t *Task, p *Plan, err error) retryOutcome {
	if IsNoRetry(err) || s.status >= StatusEnding || t.Retries >= p.Retries {
		t.Err = err
		return outcomeEscalated
	}
	t.Retries++
	t.Response = nil
	t.Err = nil
	return outcomeRetrying
}

// requeueLocked puts a retried task back according to the retry policy.
func (s *Service) requeueLocked(t *Task) {
	if s.cfg.RetryPolicy == RetryBack {
		s.queue.PushBack(t)
	} else {
		s.queue.PushRetry(t)
	}
	s.retried++
	s.publish(EventTaskRetrying, TaskEvent{UID: t.UID, URL: t.URL, Plan: t.Plan, Attempt: t.Retries + 1})
}

// escalate hands the final error to the plan's failure handler. It is
// called once per task, without the lock.
func (s *Service) escalate(t *Task, p *Plan, err error, attempts int) {
	perr := &PlanExecutionError{Plan: p.Name, UID: t.UID, URL: t.URL, Attempts: attempts, Err: err}
	s.log.Warn("task failed", logx.String("plan", p.Name), logx.String("uid", t.UID), logx.String("url", t.URL), logx.Int("attempts", attempts), logx.Err(err))
	s.publish(EventTaskFailed, TaskEvent{UID: t.UID, URL: t.URL, Plan: p.Name, Attempt: attempts, Error: err.Error()})
	if p.OnFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("failure handler panicked", logx.String("plan", p.Name), logx.String("uid", t.UID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	p.OnFailure(perr, t)
}

func attemptItem(t *Task, attempt int, start time.Time, outcome string, err error) HistoryItem {
	item := HistoryItem{
		UID:      t.UID,
		URL:      t.URL,
		Plan:     t.Plan,
		Attempt:  attempt,
		Started:  start,
		Duration: time.Since(start),
		Outcome:  outcome,
	}
	if err != nil {
		item.Error = err.Error()
	}
	return item
}

func panicError(r any) error { return fmt.Errorf("panic: %v", r) }
