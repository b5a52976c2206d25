package engine

import (
	"context"
	"runtime/debug"
	"time"

	logx "spider/pkg/logx"
)

// dispatchLocked launches queued tasks while slots are free.
//
// With settle set it also handles the drained state: an active scheduler
// with nothing queued, in flight or escalating goes vacant (or ending with
// AutoEnd), and a drained ending scheduler is claimed for finalize. The
// return value asks the caller to run finalize after unlocking.
func (s *Service) dispatchLocked(settle bool) bool {
	switch s.status {
	case StatusPaused, StatusEnded:
		return false
	case StatusEnding:
		return settle && s.claimFinalizeLocked()
	}

	if s.launchQueuedLocked(0) {
		return settle && s.claimFinalizeLocked()
	}

	if !settle || !s.drainedLocked() {
		return false
	}
	if s.status == StatusActive {
		s.publish(EventQueueEmpty, nil)
		if s.cfg.AutoEnd {
			s.setStatusLocked(StatusEnding)
			s.log.Info("queue drained, ending scheduler")
			return s.claimFinalizeLocked()
		}
		s.setStatusLocked(StatusVacant)
	}
	return false
}

// launchQueuedLocked launches queued tasks while slots are free. A
// non-zero cutoff limits it to tasks admitted up to that sequence number.
// It reports true when it found a task without a plan and moved the
// scheduler to ending.
func (s *Service) launchQueuedLocked(cutoff uint64) bool {
	for {
		t, class := s.nextLocked(cutoff)
		if t == nil {
			return false
		}
		p, err := s.plans.get(t.Plan)
		if err != nil {
			// Admission checked the plan; a miss here means state is corrupt.
			s.limiter.Release(class)
			s.log.Error("dispatch found task without plan", logx.String("uid", t.UID), logx.String("plan", t.Plan), logx.Err(err))
			s.setStatusLocked(StatusEnding)
			return true
		}
		if s.status == StatusVacant {
			s.setStatusLocked(StatusActive)
		}
		s.launchLocked(t, p, class)
	}
}

// nextLocked removes the earliest queued task whose class has a free slot
// and takes that slot. In global mode that is always the head. With a
// non-zero cutoff, a task admitted after it is left queued.
func (s *Service) nextLocked(cutoff uint64) (*Task, string) {
	if s.queue.Len() == 0 || s.limiter.AllSaturated() {
		return nil, ""
	}
	t := s.queue.First(func(t *Task) bool {
		return !s.limiter.IsSaturated(s.limiter.ClassOf(t.Plan))
	})
	if t == nil || (cutoff > 0 && t.seq > cutoff) {
		return nil, ""
	}
	class := s.limiter.ClassOf(t.Plan)
	if !s.limiter.Acquire(class) {
		return nil, ""
	}
	return s.queue.PopPlan(t.Plan), class
}

func (s *Service) drainedLocked() bool {
	return s.queue.Len() == 0 && s.limiter.Total() == 0 && s.escalating == 0
}

// claimFinalizeLocked reports true exactly once, when nothing is in flight
// or escalating. Tasks still queued at that point are never dispatched.
func (s *Service) claimFinalizeLocked() bool {
	if s.finalizing || s.limiter.Total() > 0 || s.escalating > 0 {
		return false
	}
	s.finalizing = true
	return true
}

func (s *Service) launchLocked(t *Task, p *Plan, class string) {
	if t.cutoff == 0 {
		t.cutoff = s.seq
	}
	attempt := t.Retries + 1
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = s.cfg.TaskTimeout
	}
	s.log.Debug("task started", logx.String("plan", p.Name), logx.String("uid", t.UID), logx.String("url", t.URL), logx.Int("attempt", attempt))
	s.publish(EventTaskStarted, TaskEvent{UID: t.UID, URL: t.URL, Plan: p.Name, Attempt: attempt})
	s.sup.Go0("task", func(ctx context.Context) {
		start := time.Now()
		err := s.invoke(ctx, t, p, timeout)
		s.complete(t, p, class, attempt, start, err)
	})
}

// invoke runs one attempt. Panics become errors so one bad task cannot take
// the scheduler down.
func (s *Service) invoke(ctx context.Context, t *Task, p *Plan, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
			s.log.Error("task panicked", logx.String("plan", p.Name), logx.String("uid", t.UID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return p.Process(ctx, s, t)
}

// complete is the single point where a finished attempt re-enters the
// scheduler state.
func (s *Service) complete(t *Task, p *Plan, class string, attempt int, start time.Time, err error) {
	s.mu.Lock()
	s.limiter.Release(class)

	if err == nil {
		s.completed++
		item := attemptItem(t, attempt, start, "completed", nil)
		s.recordLocked(item)
		s.log.Debug("task completed", logx.String("plan", p.Name), logx.String("uid", t.UID), logx.Duration("dur", item.Duration), logx.Int("attempt", attempt))
		s.publish(EventTaskCompleted, TaskEvent{UID: t.UID, URL: t.URL, Plan: p.Name, Attempt: attempt, Duration: item.Duration})
		fin := s.dispatchLocked(true)
		s.mu.Unlock()
		if fin {
			s.finalize()
		}
		return
	}

	switch s.handleFailureLocked(t, p, err) {
	case outcomeRetrying:
		s.recordLocked(attemptItem(t, attempt, start, "retrying", err))
		s.log.Debug("task retry scheduled", logx.String("plan", p.Name), logx.String("uid", t.UID), logx.Int("attempt", attempt+1), logx.Err(err))
		// The freed slot goes to tasks admitted before this one was first
		// dispatched; the retry is reinserted afterwards and runs ahead of
		// everything admitted later.
		if s.status == StatusActive {
			s.launchQueuedLocked(t.cutoff)
		}
		s.requeueLocked(t)
		fin := s.dispatchLocked(true)
		s.mu.Unlock()
		if fin {
			s.finalize()
		}

	case outcomeEscalated:
		s.escalated++
		s.escalating++
		s.recordLocked(attemptItem(t, attempt, start, "failed", err))
		s.dispatchLocked(true)
		s.mu.Unlock()

		s.escalate(t, p, err, attempt)

		s.mu.Lock()
		s.escalating--
		fin := s.dispatchLocked(true)
		s.mu.Unlock()
		if fin {
			s.finalize()
		}
	}
}

// finalize closes every pipe once and marks the scheduler ended. Only the
// caller that claimed finalizing runs it, without the lock.
func (s *Service) finalize() {
	s.mu.Lock()
	entries := s.pipes.entries()
	dropped := s.queue.Len()
	s.mu.Unlock()

	for _, e := range entries {
		if err := e.close(); err != nil {
			s.log.Warn("pipe close failed", logx.String("pipe", e.name), logx.Err(err))
		}
	}

	s.mu.Lock()
	s.setStatusLocked(StatusEnded)
	s.publish(EventSchedulerEnded, nil)
	admitted, completed, retried, escalated := s.admitted, s.completed, s.retried, s.escalated
	stop := s.stopAfter
	s.mu.Unlock()

	s.log.Info("scheduler ended",
		logx.Uint64("admitted", admitted),
		logx.Uint64("completed", completed),
		logx.Uint64("retried", retried),
		logx.Uint64("failed", escalated),
		logx.Int("not_dispatched", dropped),
		logx.Int("pipes", len(entries)),
	)
	if stop != nil {
		stop()
	}
	s.sup.Cancel()
	close(s.done)
}

// heartbeat re-runs dispatch periodically so progress never depends on a
// completion or admission event alone.
func (s *Service) heartbeat(ctx context.Context) {
	s.mu.Lock()
	every := s.cfg.Heartbeat
	s.mu.Unlock()

	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-tk.C:
			s.mu.Lock()
			fin := s.dispatchLocked(true)
			s.mu.Unlock()
			if fin {
				s.finalize()
			}
		}
	}
}
