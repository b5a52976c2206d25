package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"spider/internal/eventbus"
	logx "spider/pkg/logx"

	rtsup "spider/internal/runtime/supervisor"
)

// Service is the scheduler. Every field below mu is guarded by it.
//
// Plans' Process functions, OnFailure handlers and pipe sinks are always
// called without mu held, so they may call back into the Service.
type Service struct {
	log  logx.Logger
	bus  eventbus.Bus
	sup  *rtsup.Supervisor
	done chan struct{}

	mu        sync.Mutex
	stopAfter func() bool
	cfg       Config
	status    Status
	queue     *Queue
	pool      *Pool
	plans     *planRegistry
	pipes     *pipeRegistry
	limiter   *Limiter

	// escalating counts OnFailure calls in progress; the scheduler does not
	// settle while any is running.
	escalating int
	finalizing bool

	seq uint64

	history []HistoryItem

	admitted  uint64
	completed uint64
	retried   uint64
	escalated uint64
}

// New builds a scheduler and starts its heartbeat.
//
// Cancelling ctx ends the scheduler the same way End does: in-flight tasks
// are not aborted (their contexts are detached from ctx), only dispatch stops.
func New(ctx context.Context, cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	lim, err := NewLimiter(cfg.Limits)
	if err != nil {
		return nil, err
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	log = log.With(logx.String("comp", "engine"))

	s := &Service{
		log:     log,
		bus:     bus,
		done:    make(chan struct{}),
		cfg:     cfg,
		status:  StatusVacant,
		queue:   NewQueue(),
		pool:    NewPool(),
		plans:   newPlanRegistry(),
		pipes:   newPipeRegistry(),
		limiter: lim,
	}
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go0("heartbeat", s.heartbeat)
	stop := context.AfterFunc(ctx, func() {
		if err := s.End(); err == nil {
			log.Info("context cancelled, ending scheduler")
		}
	})
	s.mu.Lock()
	s.stopAfter = stop
	s.mu.Unlock()

	mode := "global"
	if lim.PerPlan() {
		mode = "per_plan"
	}
	log.Debug("scheduler created", logx.String("limit_mode", mode), logx.Duration("heartbeat", cfg.Heartbeat), logx.String("retry_policy", cfg.RetryPolicy.String()))
	return s, nil
}

// RegisterPlan adds a plan. In per-plan limit mode the plan's class must
// have been declared in Config.Limits.PerPlan.
func (s *Service) RegisterPlan(p Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded {
		return ErrSchedulerEnded
	}
	name := strings.TrimSpace(p.Name)
	if s.limiter.PerPlan() && name != "" && !s.limiter.Declared(name) {
		return validationf("plan %q has no per-plan limit configured", name)
	}
	if _, err := s.plans.register(p); err != nil {
		return err
	}
	s.log.Debug("plan registered", logx.String("plan", name), logx.Int("retries", p.Retries))
	return nil
}

// RegisterPipe adds a pipe. Pipes can be registered until the scheduler
// starts closing them.
func (s *Service) RegisterPipe(p Pipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded || s.finalizing {
		return ErrSchedulerEnded
	}
	if err := s.pipes.register(p); err != nil {
		return err
	}
	s.log.Debug("pipe registered", logx.String("pipe", strings.TrimSpace(p.Name)), logx.Strings("columns", p.Columns.Columns()))
	return nil
}

// Add admits one task per url to plan and returns their uids in order.
// info is deep-copied into every task.
func (s *Service) Add(plan string, urls []string, info map[string]any) ([]string, error) {
	return s.add(plan, urls, info, false)
}

// AddOne admits a single url.
func (s *Service) AddOne(plan, url string, info map[string]any) (string, error) {
	uids, err := s.add(plan, []string{url}, info, false)
	if err != nil {
		return "", err
	}
	return uids[0], nil
}

// AddFiltered admits only the urls never seen before (duplicates within
// urls are collapsed too).
func (s *Service) AddFiltered(plan string, urls []string, info map[string]any) ([]string, error) {
	return s.add(plan, urls, info, true)
}

func (s *Service) add(plan string, urls []string, info map[string]any, filtered bool) ([]string, error) {
	for i, u := range urls {
		if strings.TrimSpace(u) == "" {
			return nil, validationf("url #%d is empty", i)
		}
	}

	s.mu.Lock()
	if !s.status.admitting() {
		s.mu.Unlock()
		return nil, ErrSchedulerEnded
	}
	if _, err := s.plans.get(plan); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if filtered {
		urls = s.pool.FilterNew(urls)
	}

	now := time.Now()
	uids := make([]string, 0, len(urls))
	for _, u := range urls {
		s.seq++
		t := &Task{
			UID:      uuid.NewString(),
			URL:      u,
			Plan:     plan,
			Info:     cloneInfo(info),
			Admitted: now,
			seq:      s.seq,
		}
		s.pool.Add(u)
		s.queue.PushBack(t)
		s.admitted++
		uids = append(uids, t.UID)
		s.publish(EventTaskAdmitted, TaskEvent{UID: t.UID, URL: u, Plan: plan})
	}
	if len(uids) > 0 {
		s.log.Debug("tasks admitted", logx.String("plan", plan), logx.Int("count", len(uids)), logx.Int("queued", s.queue.Len()))
	}
	fin := s.dispatchLocked(true)
	s.mu.Unlock()

	if fin {
		s.finalize()
	}
	return uids, nil
}

// Has reports whether url was ever admitted.
func (s *Service) Has(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Has(url)
}

// Filter returns the urls never admitted, deduplicated.
func (s *Service) Filter(urls []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.FilterNew(urls)
}

// Save projects data through the pipe's layout and writes it.
// It works while the scheduler is ending, so draining tasks can still emit
// results, and fails with ErrSchedulerEnded once pipes are being closed.
func (s *Service) Save(pipe string, data map[string]any) error {
	if data == nil {
		return validationf("save to %q: data is nil", pipe)
	}
	s.mu.Lock()
	if s.status == StatusEnded || s.finalizing {
		s.mu.Unlock()
		return ErrSchedulerEnded
	}
	e, err := s.pipes.get(pipe)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return e.write(data)
}

// Pause stops dispatch. Admission keeps working and queued tasks are kept.
func (s *Service) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusPaused:
		return nil
	case StatusEnding, StatusEnded:
		return ErrSchedulerEnded
	}
	s.setStatusLocked(StatusPaused)
	return nil
}

// Resume restarts dispatch after Pause.
func (s *Service) Resume() error {
	s.mu.Lock()
	switch s.status {
	case StatusEnding, StatusEnded:
		s.mu.Unlock()
		return ErrSchedulerEnded
	case StatusPaused:
		s.setStatusLocked(StatusActive)
	}
	fin := s.dispatchLocked(true)
	s.mu.Unlock()
	if fin {
		s.finalize()
	}
	return nil
}

// End stops dispatch. Once the last in-flight task (and failure handler)
// has returned, every pipe is closed exactly once and the status becomes
// ended. End does not block; use Wait. Calling End again while ending is a
// no-op; after ended it returns ErrSchedulerEnded.
func (s *Service) End() error {
	s.mu.Lock()
	switch s.status {
	case StatusEnded:
		s.mu.Unlock()
		return ErrSchedulerEnded
	case StatusEnding:
		s.mu.Unlock()
		return nil
	}
	s.setStatusLocked(StatusEnding)
	s.log.Info("scheduler ending", logx.Int("queued", s.queue.Len()), logx.Int("in_flight", s.limiter.Total()))
	fin := s.dispatchLocked(true)
	s.mu.Unlock()
	if fin {
		s.finalize()
	}
	return nil
}

// Done is closed once the scheduler has ended.
func (s *Service) Done() <-chan struct{} { return s.done }

// Wait blocks until the scheduler has ended and its goroutines have exited.
func (s *Service) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.sup.Wait(ctx); err != nil {
		return fmt.Errorf("scheduler wait: %w", err)
	}
	return nil
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsSaturated reports whether class (a plan name, or GlobalClass) has no
// free slot.
func (s *Service) IsSaturated(class string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter.IsSaturated(class)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	return Snapshot{
		Status:    s.status,
		Queued:    s.queue.Len(),
		InFlight:  s.limiter.Total(),
		Seen:      s.pool.Len(),
		Classes:   s.limiter.snapshot(),
		Plans:     s.plans.names(),
		Pipes:     s.pipes.names(),
		Admitted:  s.admitted,
		Completed: s.completed,
		Retried:   s.retried,
		Escalated: s.escalated,

		Goroutines: s.sup.Counters(),
		History:    h,
	}
}

func (s *Service) publish(typ string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (s *Service) recordLocked(item HistoryItem) {
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
}
