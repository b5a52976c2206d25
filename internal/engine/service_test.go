package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spider/internal/eventbus"
	logx "spider/pkg/logx"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Millisecond
	}
	s, err := New(context.Background(), cfg, logx.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.End()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Wait(ctx)
	})
	return s
}

func waitEnded(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	require.Equal(t, StatusEnded, s.Status())
}

type recorder struct {
	mu   sync.Mutex
	urls []string
}

func (r *recorder) add(u string) {
	r.mu.Lock()
	r.urls = append(r.urls, u)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

func TestDispatchIsFIFO(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{Global: 1}, AutoEnd: true})
	var rec recorder
	require.NoError(t, s.RegisterPlan(Plan{Name: "fetch", Process: func(ctx context.Context, _ *Service, tk *Task) error {
		rec.add(tk.URL)
		return nil
	}}))

	want := []string{"u1", "u2", "u3", "u4", "u5"}
	_, err := s.Add("fetch", want, nil)
	require.NoError(t, err)

	waitEnded(t, s)
	assert.Equal(t, want, rec.list())
}

func TestRetryRegainsHeadPriority(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{Global: 1}, AutoEnd: true})
	var rec recorder
	var failures int32
	require.NoError(t, s.RegisterPlan(Plan{
		Name:    "fetch",
		Retries: 2,
		Process: func(ctx context.Context, _ *Service, tk *Task) error {
			rec.add(tk.URL)
			if tk.URL == "T1" && tk.Retries < 2 {
				return errors.New("boom")
			}
			return nil
		},
		OnFailure: func(error, *Task) { atomic.AddInt32(&failures, 1) },
	}))

	_, err := s.Add("fetch", []string{"T1", "T2", "T3"}, nil)
	require.NoError(t, err)

	waitEnded(t, s)
	assert.Equal(t, []string{"T1", "T2", "T1", "T3", "T1"}, rec.list())
	assert.Equal(t, int32(0), atomic.LoadInt32(&failures))

	snap := s.Snapshot()
	assert.Equal(t, uint64(3), snap.Admitted)
	assert.Equal(t, uint64(3), snap.Completed)
	assert.Equal(t, uint64(2), snap.Retried)
	assert.Equal(t, uint64(0), snap.Escalated)
	assert.Len(t, snap.History, 5)
	// Heartbeat plus one goroutine per attempt.
	assert.EqualValues(t, 6, snap.Goroutines.Started)
}

func TestRetryRunsBeforeTasksAdmittedWhileInFlight(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{Global: 1}, AutoEnd: true})
	var rec recorder
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.RegisterPlan(Plan{
		Name:    "fetch",
		Retries: 1,
		Process: func(ctx context.Context, _ *Service, tk *Task) error {
			rec.add(tk.URL)
			if tk.URL == "T1" && tk.Retries == 0 {
				close(started)
				<-release
				return errors.New("boom")
			}
			return nil
		},
	}))

	_, err := s.AddOne("fetch", "T1", nil)
	require.NoError(t, err)
	<-started
	_, err = s.AddOne("fetch", "T4", nil)
	require.NoError(t, err)
	close(release)

	waitEnded(t, s)
	assert.Equal(t, []string{"T1", "T1", "T4"}, rec.list())
}

func TestResumeWithEmptyQueueAutoEnds(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{AutoEnd: true})
	require.NoError(t, s.RegisterPlan(Plan{Name: "fetch", Process: func(context.Context, *Service, *Task) error { return nil }}))

	require.NoError(t, s.Pause())
	require.NoError(t, s.Resume())
	waitEnded(t, s)
}

func TestRetryBackPolicyAppends(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{Global: 1}, AutoEnd: true, RetryPolicy: RetryBack})
	var rec recorder
	require.NoError(t, s.RegisterPlan(Plan{
		Name:    "fetch",
		Retries: 1,
		Process: func(ctx context.Context, _ *Service, tk *Task) error {
			rec.add(tk.URL)
			if tk.URL == "T1" && tk.Retries == 0 {
				return errors.New("boom")
			}
			return nil
		},
	}))
	_, err := s.Add("fetch", []string{"T1", "T2", "T3"}, nil)
	require.NoError(t, err)

	waitEnded(t, s)
	assert.Equal(t, []string{"T1", "T2", "T3", "T1"}, rec.list())
}

func TestEscalationRunsOnceAfterRetryBudget(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{Global: 2}, AutoEnd: true})
	var attempts, failures int32
	var got error
	var gotTask *Task
	require.NoError(t, s.RegisterPlan(Plan{
		Name:    "fetch",
		Retries: 2,
		Process: func(ctx context.Context, _ *Service, tk *Task) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("always")
		},
		OnFailure: func(err error, tk *Task) {
			atomic.AddInt32(&failures, 1)
			got = err
			gotTask = tk
		},
	}))
	_, err := s.Add("fetch", []string{"x"}, nil)
	require.NoError(t, err)

	waitEnded(t, s)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, int32(1), atomic.LoadInt32(&failures))

	var perr *PlanExecutionError
	require.True(t, errors.As(got, &perr))
	assert.Equal(t, "fetch", perr.Plan)
	assert.Equal(t, "x", perr.URL)
	assert.Equal(t, 3, perr.Attempts)
	assert.EqualError(t, perr.Err, "always")
	assert.Equal(t, 2, gotTask.Retries)
	assert.Equal(t, uint64(1), s.Snapshot().Escalated)
}

func TestNoRetryEscalatesImmediately(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{Global: 1}, AutoEnd: true})
	var attempts, failures int32
	var got error
	require.NoError(t, s.RegisterPlan(Plan{
		Name:    "fetch",
		Retries: 5,
		Process: func(ctx context.Context, _ *Service, tk *Task) error {
			atomic.AddInt32(&attempts, 1)
			return NoRetry(errors.New("404"))
		},
		OnFailure: func(err error, tk *Task) {
			atomic.AddInt32(&failures, 1)
			got = err
		},
	}))
	_, err := s.Add("fetch", []string{"x"}, nil)
	require.NoError(t, err)

	waitEnded(t, s)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	assert.Equal(t, int32(1), atomic.LoadInt32(&failures))
	assert.True(t, IsNoRetry(got))
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{Global: 1}, AutoEnd: true})
	errs := make(chan error, 1)
	require.NoError(t, s.RegisterPlan(Plan{
		Name:      "fetch",
		Process:   func(ctx context.Context, _ *Service, tk *Task) error { panic("kaboom") },
		OnFailure: func(err error, tk *Task) { errs <- err },
	}))
	_, err := s.Add("fetch", []string{"x"}, nil)
	require.NoError(t, err)

	waitEnded(t, s)
	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "kaboom")
	default:
		t.Fatal("failure handler not called")
	}
}

func TestTaskTimeout(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{Global: 1}, AutoEnd: true, TaskTimeout: time.Hour})
	errs := make(chan error, 1)
	require.NoError(t, s.RegisterPlan(Plan{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Process: func(ctx context.Context, _ *Service, tk *Task) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnFailure: func(err error, tk *Task) { errs <- err },
	}))
	_, err := s.Add("slow", []string{"x"}, nil)
	require.NoError(t, err)

	waitEnded(t, s)
	assert.ErrorIs(t, <-errs, context.DeadlineExceeded)
}

func TestRetryKeepsInfoAndClearsTransientFields(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{Global: 1}, AutoEnd: true})
	type seen struct {
		info     map[string]any
		response any
		err      error
	}
	var mu sync.Mutex
	var attempts []seen
	require.NoError(t, s.RegisterPlan(Plan{
		Name:    "fetch",
		Retries: 1,
		Process: func(ctx context.Context, _ *Service, tk *Task) error {
			mu.Lock()
			attempts = append(attempts, seen{info: cloneInfo(tk.Info), response: tk.Response, err: tk.Err})
			mu.Unlock()
			if tk.Retries == 0 {
				tk.Response = "partial body"
				tk.Err = errors.New("stale")
				return errors.New("boom")
			}
			return nil
		},
	}))

	info := map[string]any{"depth": 1, "tags": []any{"a"}}
	_, err := s.Add("fetch", []string{"x"}, info)
	require.NoError(t, err)
	info["depth"] = 99

	waitEnded(t, s)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.Equal(t, map[string]any{"depth": 1, "tags": []any{"a"}}, a.info)
	}
	assert.Nil(t, attempts[1].response)
	assert.Nil(t, attempts[1].err)
}

func TestInFlightNeverExceedsClassLimit(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{PerPlan: map[string]int{"a": 2, "b": 1}}, AutoEnd: true})

	type gauge struct{ cur, max int32 }
	gauges := map[string]*gauge{"a": {}, "b": {}}
	proc := func(ctx context.Context, _ *Service, tk *Task) error {
		g := gauges[tk.Plan]
		n := atomic.AddInt32(&g.cur, 1)
		for {
			m := atomic.LoadInt32(&g.max)
			if n <= m || atomic.CompareAndSwapInt32(&g.max, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&g.cur, -1)
		return nil
	}
	require.NoError(t, s.RegisterPlan(Plan{Name: "a", Process: proc}))
	require.NoError(t, s.RegisterPlan(Plan{Name: "b", Process: proc}))

	require.NoError(t, s.Pause())
	var as, bs []string
	for i := 0; i < 12; i++ {
		as = append(as, fmt.Sprintf("a%d", i))
		bs = append(bs, fmt.Sprintf("b%d", i))
	}
	_, err := s.Add("a", as, nil)
	require.NoError(t, err)
	_, err = s.Add("b", bs, nil)
	require.NoError(t, err)
	require.NoError(t, s.Resume())

	waitEnded(t, s)
	assert.LessOrEqual(t, atomic.LoadInt32(&gauges["a"].max), int32(2))
	assert.LessOrEqual(t, atomic.LoadInt32(&gauges["b"].max), int32(1))
	assert.Equal(t, uint64(24), s.Snapshot().Completed)
}

func TestPerPlanModeRequiresDeclaredPlans(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{PerPlan: map[string]int{"a": 1}}})
	noop := func(context.Context, *Service, *Task) error { return nil }

	require.NoError(t, s.RegisterPlan(Plan{Name: "a", Process: noop}))
	err := s.RegisterPlan(Plan{Name: "b", Process: noop})
	assert.ErrorIs(t, err, ErrValidation)
	assert.False(t, s.IsSaturated("a"))
	assert.True(t, s.IsSaturated("b"))
}

func TestEndDrainsThenClosesPipesOnce(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{Global: 2}})

	var closes, writes int32
	require.NoError(t, s.RegisterPipe(Pipe{Name: "out", Sink: SinkFuncs{
		WriteFunc: func(Row) error { atomic.AddInt32(&writes, 1); return nil },
		CloseFunc: func() error { atomic.AddInt32(&closes, 1); return nil },
	}}))

	started := make(chan string, 3)
	release := make(chan struct{})
	require.NoError(t, s.RegisterPlan(Plan{Name: "fetch", Process: func(ctx context.Context, svc *Service, tk *Task) error {
		started <- tk.URL
		<-release
		return svc.Save("out", map[string]any{"url": tk.URL})
	}}))

	_, err := s.Add("fetch", []string{"a", "b", "c"}, nil)
	require.NoError(t, err)
	<-started
	<-started

	require.NoError(t, s.End())
	require.NoError(t, s.End(), "End while ending is a no-op")
	assert.Equal(t, StatusEnding, s.Status())
	assert.Equal(t, int32(0), atomic.LoadInt32(&closes), "pipes stay open while tasks run")

	_, err = s.Add("fetch", []string{"d"}, nil)
	assert.ErrorIs(t, err, ErrSchedulerEnded)

	close(release)
	waitEnded(t, s)

	assert.Equal(t, int32(1), atomic.LoadInt32(&closes))
	assert.Equal(t, int32(2), atomic.LoadInt32(&writes))
	assert.Len(t, started, 0, "queued task is never dispatched after End")

	assert.ErrorIs(t, s.End(), ErrSchedulerEnded)
	assert.ErrorIs(t, s.Save("out", map[string]any{"x": 1}), ErrSchedulerEnded)
	assert.ErrorIs(t, s.Pause(), ErrSchedulerEnded)
	assert.ErrorIs(t, s.Resume(), ErrSchedulerEnded)
	assert.ErrorIs(t, s.RegisterPlan(Plan{Name: "late", Process: func(context.Context, *Service, *Task) error { return nil }}), ErrSchedulerEnded)
	assert.ErrorIs(t, s.RegisterPipe(Pipe{Name: "late", Sink: SinkFuncs{}}), ErrSchedulerEnded)
}

func TestEndWhileIdleEndsImmediately(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	var closes int32
	require.NoError(t, s.RegisterPipe(Pipe{Name: "a", Sink: SinkFuncs{CloseFunc: func() error { atomic.AddInt32(&closes, 1); return nil }}}))
	require.NoError(t, s.RegisterPipe(Pipe{Name: "b", Sink: SinkFuncs{CloseFunc: func() error { atomic.AddInt32(&closes, 1); return errors.New("disk full") }}}))

	require.NoError(t, s.End())
	waitEnded(t, s)
	assert.Equal(t, int32(2), atomic.LoadInt32(&closes))
}

func TestPauseStopsDispatchButKeepsAdmission(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{Global: 1}})
	var ran int32
	require.NoError(t, s.RegisterPlan(Plan{Name: "fetch", Process: func(context.Context, *Service, *Task) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}}))

	require.NoError(t, s.Pause())
	require.NoError(t, s.Pause())
	_, err := s.Add("fetch", []string{"a", "b"}, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	assert.Equal(t, StatusPaused, s.Status())
	assert.Equal(t, 2, s.Snapshot().Queued)

	require.NoError(t, s.Resume())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Status() == StatusVacant }, 2*time.Second, 5*time.Millisecond)
}

func TestHasFilterAndAddFiltered(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	require.NoError(t, s.Pause())
	require.NoError(t, s.RegisterPlan(Plan{Name: "fetch", Process: func(context.Context, *Service, *Task) error { return nil }}))

	_, err := s.AddOne("fetch", "a", nil)
	require.NoError(t, err)
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("b"))

	uids, err := s.AddFiltered("fetch", []string{"a", "b", "b"}, nil)
	require.NoError(t, err)
	assert.Len(t, uids, 1)
	assert.True(t, s.Has("b"))
	assert.Equal(t, []string{"c"}, s.Filter([]string{"a", "b", "c", "c"}))

	// Plain Add does not dedup.
	uids, err = s.Add("fetch", []string{"a"}, nil)
	require.NoError(t, err)
	assert.Len(t, uids, 1)
	assert.Equal(t, 3, s.Snapshot().Queued)
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	require.NoError(t, s.RegisterPlan(Plan{Name: "fetch", Process: func(context.Context, *Service, *Task) error { return nil }}))

	_, err := s.Add("nope", []string{"a"}, nil)
	assert.ErrorIs(t, err, ErrUnknownPlan)

	_, err = s.Add("fetch", []string{"a", " "}, nil)
	assert.ErrorIs(t, err, ErrValidation)
	assert.False(t, s.Has("a"), "rejected batch leaves no trace")

	err = s.RegisterPlan(Plan{Name: "fetch", Process: func(context.Context, *Service, *Task) error { return nil }})
	assert.ErrorIs(t, err, ErrDuplicatePlan)
	assert.ErrorIs(t, s.RegisterPlan(Plan{Name: "nil"}), ErrValidation)
	assert.ErrorIs(t, s.RegisterPlan(Plan{Name: "neg", Retries: -1, Process: func(context.Context, *Service, *Task) error { return nil }}), ErrValidation)
}

func TestUIDsAreUnique(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	require.NoError(t, s.Pause())
	require.NoError(t, s.RegisterPlan(Plan{Name: "fetch", Process: func(context.Context, *Service, *Task) error { return nil }}))

	seen := map[string]struct{}{}
	for i := 0; i < 20; i++ {
		uids, err := s.Add("fetch", []string{"same", fmt.Sprintf("u%d", i)}, nil)
		require.NoError(t, err)
		for _, u := range uids {
			_, dup := seen[u]
			require.False(t, dup, "duplicate uid %s", u)
			seen[u] = struct{}{}
		}
	}
	assert.Len(t, seen, 40)
}

func TestProcessCanAdmitMoreWork(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Limits: LimitConfig{Global: 3}, AutoEnd: true})
	var rec recorder
	require.NoError(t, s.RegisterPlan(Plan{Name: "crawl", Process: func(ctx context.Context, svc *Service, tk *Task) error {
		rec.add(tk.URL)
		if strings.Count(tk.URL, "/") < 2 {
			_, err := svc.AddFiltered("crawl", []string{tk.URL + "/x", tk.URL + "/y", "root"}, nil)
			return err
		}
		return nil
	}}))
	_, err := s.AddOne("crawl", "root", nil)
	require.NoError(t, err)

	waitEnded(t, s)
	assert.ElementsMatch(t, []string{"root", "root/x", "root/y", "root/x/x", "root/x/y", "root/y/x", "root/y/y"}, rec.list())
}

func TestContextCancelEndsWithoutAbortingTasks(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(ctx, Config{Heartbeat: 10 * time.Millisecond}, logx.Nop(), nil)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	taskErr := make(chan error, 1)
	require.NoError(t, s.RegisterPlan(Plan{Name: "fetch", Process: func(tctx context.Context, _ *Service, _ *Task) error {
		close(started)
		<-release
		taskErr <- tctx.Err()
		return nil
	}}))
	_, err = s.AddOne("fetch", "a", nil)
	require.NoError(t, err)
	<-started

	cancel()
	require.Eventually(t, func() bool { return s.Status() == StatusEnding }, 2*time.Second, 5*time.Millisecond)
	close(release)

	waitEnded(t, s)
	assert.NoError(t, <-taskErr)
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	s, err := New(context.Background(), Config{AutoEnd: true, Heartbeat: 10 * time.Millisecond}, logx.Nop(), bus)
	require.NoError(t, err)
	require.NoError(t, s.RegisterPlan(Plan{Name: "fetch", Process: func(context.Context, *Service, *Task) error { return nil }}))
	_, err = s.AddOne("fetch", "a", nil)
	require.NoError(t, err)
	waitEnded(t, s)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	for _, want := range []string{EventTaskAdmitted, EventTaskStarted, EventTaskCompleted, EventQueueEmpty, EventStatusChanged, EventSchedulerEnded} {
		assert.Contains(t, types, want)
	}
	assert.Equal(t, EventSchedulerEnded, types[len(types)-1])
}
