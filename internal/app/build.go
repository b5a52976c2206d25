package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"spider/internal/config"
	"spider/internal/engine"
	"spider/internal/pipes"
	"spider/internal/plans"
	logx "spider/pkg/logx"
)

// registerPipes opens every configured sink and hands it to eng. Sinks
// registered before a failure are closed by eng.End.
func registerPipes(eng *engine.Service, cfg *config.Config, log logx.Logger) error {
	for _, pc := range cfg.Pipes {
		pcfg, cols := mapPipeConfig(pc)
		sink, err := pipes.Open(pcfg, log)
		if err != nil {
			return err
		}
		if err := eng.RegisterPipe(engine.Pipe{Name: pcfg.Name, Columns: cols, Sink: sink}); err != nil {
			_ = sink.Close()
			return err
		}
		log.Debug("pipe registered", logx.String("pipe", pcfg.Name), logx.String("driver", pcfg.Driver))
	}
	return nil
}

func registerPlans(eng *engine.Service, cfg *config.Config, log logx.Logger) error {
	for _, pc := range cfg.Plans {
		p, err := buildPlan(pc, log)
		if err != nil {
			return err
		}
		if err := eng.RegisterPlan(p); err != nil {
			return err
		}
		log.Debug("plan registered", logx.String("plan", p.Name), logx.String("kind", pc.Kind), logx.Int("retries", p.Retries))
	}
	return nil
}

func buildPlan(pc config.PlanConfig, log logx.Logger) (engine.Plan, error) {
	name := strings.TrimSpace(pc.Name)
	timeout, err := config.ParseDurationField("plans."+name+".timeout", pc.Timeout)
	if err != nil {
		return engine.Plan{}, err
	}
	fetcher := plans.Fetcher{
		Limiter:   plans.NewLimiter(pc.RatePerSec, pc.Burst),
		UserAgent: pc.UserAgent,
		Headers:   pc.Headers,
	}
	pipe := strings.TrimSpace(pc.Pipe)

	switch strings.ToLower(strings.TrimSpace(pc.Kind)) {
	case "request":
		return plans.Request(plans.RequestOptions{
			Name:    name,
			Handle:  plans.PageHandler(pipe, pc.Follow),
			Retries: pc.Retries,
			Timeout: timeout,
			ToUTF8:  pc.ToUTF8,
			Fetcher: fetcher,
			Log:     log,
		})
	case "download":
		opt := plans.DownloadOptions{
			Name:    name,
			Dir:     strings.TrimSpace(pc.Path),
			Retries: pc.Retries,
			Timeout: timeout,
			Fetcher: fetcher,
			Log:     log,
		}
		if pipe != "" {
			opt.Handle = downloadRow(pipe)
		}
		return plans.Download(opt)
	case "stream":
		return plans.Stream(plans.StreamOptions{
			Name:    name,
			Handle:  plans.DigestHandler(pipe),
			Retries: pc.Retries,
			Timeout: timeout,
			Fetcher: fetcher,
			Log:     log,
		})
	default:
		return engine.Plan{}, fmt.Errorf("plan %s: unknown kind %q", name, pc.Kind)
	}
}

// downloadRow saves one row per finished download.
func downloadRow(pipe string) func(context.Context, *engine.Service, *plans.Downloaded) error {
	return func(_ context.Context, s *engine.Service, d *plans.Downloaded) error {
		err := s.Save(pipe, map[string]any{
			"url":   d.Task.URL,
			"path":  d.Path,
			"bytes": d.Bytes,
		})
		if errors.Is(err, engine.ErrSchedulerEnded) {
			return nil
		}
		return err
	}
}
