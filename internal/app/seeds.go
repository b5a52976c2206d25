package app

import (
	"context"
	"errors"
	"strings"

	"github.com/robfig/cron/v3"

	"spider/internal/config"
	"spider/internal/engine"
	logx "spider/pkg/logx"
)

// seeder admits the configured start urls, once at start and again on
// every tick of a seed's schedule.
type seeder struct {
	eng   *engine.Service
	log   logx.Logger
	seeds []config.SeedConfig

	c *cron.Cron
}

func newSeeder(eng *engine.Service, seeds []config.SeedConfig, log logx.Logger) *seeder {
	return &seeder{eng: eng, log: log, seeds: seeds}
}

// start admits every seed and starts the cron runner when any seed has a
// schedule. An admission error at start is fatal; on a tick it is logged.
//
// Dispatch is paused while the seeds go in, so with auto_end the first
// seed cannot drain and end the run before the rest are admitted. The
// resume also settles an empty run: with nothing admitted, auto_end ends
// it right away.
func (s *seeder) start() error {
	if err := s.eng.Pause(); err != nil {
		return err
	}
	for _, sd := range s.seeds {
		if _, err := s.admit(sd); err != nil {
			_ = s.eng.Resume()
			return err
		}
	}
	if err := s.eng.Resume(); err != nil {
		return err
	}

	var scheduled int
	c := cron.New()
	for _, sd := range s.seeds {
		spec := strings.TrimSpace(sd.Schedule)
		if spec == "" {
			continue
		}
		sched, err := config.ParseSchedule(spec)
		if err != nil {
			return err
		}
		sd := sd
		c.Schedule(sched, cron.FuncJob(func() {
			if _, err := s.admit(sd); err != nil {
				if errors.Is(err, engine.ErrSchedulerEnded) {
					s.log.Debug("scheduled seed skipped, scheduler ended", logx.String("plan", sd.Plan))
					return
				}
				s.log.Warn("scheduled seed failed", logx.String("plan", sd.Plan), logx.Err(err))
			}
		}))
		scheduled++
	}
	if scheduled == 0 {
		return nil
	}
	s.c = c
	c.Start()
	s.log.Info("seed schedules started", logx.Int("schedules", scheduled))
	return nil
}

func (s *seeder) admit(sd config.SeedConfig) (int, error) {
	plan := strings.TrimSpace(sd.Plan)
	var (
		uids []string
		err  error
	)
	if sd.Filtered {
		uids, err = s.eng.AddFiltered(plan, sd.URLs, sd.Info)
	} else {
		uids, err = s.eng.Add(plan, sd.URLs, sd.Info)
	}
	if err != nil {
		return 0, err
	}
	s.log.Info("seeded", logx.String("plan", plan), logx.Int("admitted", len(uids)), logx.Int("urls", len(sd.URLs)))
	return len(uids), nil
}

// stop halts the cron runner and waits for a running tick, bounded by ctx.
func (s *seeder) stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
}
