package app

import (
	"fmt"
	"strings"
	"time"

	"spider/internal/config"
	"spider/internal/engine"
	"spider/internal/pipes"
	logx "spider/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapEngineConfig converts the scheduler section. Zero values are left for
// engine defaults to fill in.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	sc := cfg.Scheduler

	heartbeat, err := config.ParseDurationField("scheduler.heartbeat", sc.Heartbeat)
	if err != nil {
		return engine.Config{}, err
	}
	taskTimeout, err := config.ParseDurationField("scheduler.task_timeout", sc.TaskTimeout)
	if err != nil {
		return engine.Config{}, err
	}

	var policy engine.RetryPolicy
	switch strings.ToLower(strings.TrimSpace(sc.RetryPolicy)) {
	case "", "front":
		policy = engine.RetryFront
	case "back":
		policy = engine.RetryBack
	default:
		return engine.Config{}, fmt.Errorf("scheduler.retry_policy: unknown policy %q", sc.RetryPolicy)
	}

	var perPlan map[string]int
	if len(sc.PerPlan) > 0 {
		perPlan = make(map[string]int, len(sc.PerPlan))
		for k, v := range sc.PerPlan {
			perPlan[k] = v
		}
	}

	return engine.Config{
		Limits: engine.LimitConfig{
			Global:  sc.MaxConnections,
			PerPlan: perPlan,
		},
		Heartbeat:   heartbeat,
		TaskTimeout: taskTimeout,
		AutoEnd:     sc.AutoEnd,
		RetryPolicy: policy,
		HistorySize: sc.HistorySize,
	}, nil
}

// mapPipeConfig converts one pipes[] entry. Fields, when set, fixes the
// column layout up front.
func mapPipeConfig(pc config.PipeConfig) (pipes.Config, *engine.Projection) {
	var cols *engine.Projection
	if len(pc.Fields) > 0 {
		cols = engine.Fields(pc.Fields...)
	}
	return pipes.Config{
		Name:        strings.TrimSpace(pc.Name),
		Driver:      pc.Driver,
		Path:        strings.TrimSpace(pc.Path),
		URL:         strings.TrimSpace(pc.URL),
		Key:         pc.Key,
		Table:       pc.Table,
		BusyTimeout: time.Second,
	}, cols
}
