package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	logx "spider/pkg/logx"
)

var (
	planKinds   = map[string]bool{"request": true, "download": true, "stream": true}
	pipeDrivers = map[string]bool{"txt": true, "jsonl": true, "csv": true, "sqlite": true, "redis": true}
)

// seedParser accepts standard 5-field specs plus descriptors (@hourly, @every 5m).
var seedParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a seed schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return seedParser.Parse(strings.TrimSpace(spec))
}

// Validate checks cross references and value ranges. Every problem found is
// reported, joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	sc := cfg.Scheduler
	if sc.MaxConnections < 0 {
		add("scheduler.max_connections must be >= 0")
	}
	if sc.MaxConnections > 0 && len(sc.PerPlan) > 0 {
		add("scheduler: set max_connections or per_plan, not both")
	}
	for name, n := range sc.PerPlan {
		if n <= 0 {
			add("scheduler.per_plan.%s must be > 0", name)
		}
	}
	for field, raw := range map[string]string{"scheduler.heartbeat": sc.Heartbeat, "scheduler.task_timeout": sc.TaskTimeout} {
		if _, err := ParseDurationField(field, raw); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(sc.RetryPolicy)) {
	case "", "front", "back":
	default:
		add("scheduler.retry_policy must be front or back, got %q", sc.RetryPolicy)
	}
	if sc.HistorySize < 0 {
		add("scheduler.history_size must be >= 0")
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when logging.file.enabled")
	}

	pipes := map[string]bool{}
	for i, p := range cfg.Pipes {
		at := fmt.Sprintf("pipes[%d]", i)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			add("%s.name is required", at)
		} else if pipes[name] {
			add("%s: duplicate pipe %q", at, name)
		}
		pipes[name] = true

		driver := strings.ToLower(strings.TrimSpace(p.Driver))
		if !pipeDrivers[driver] {
			add("%s.driver: unknown driver %q", at, p.Driver)
			continue
		}
		switch driver {
		case "redis":
			if strings.TrimSpace(p.URL) == "" {
				add("%s.url is required for driver redis", at)
			}
		default:
			if strings.TrimSpace(p.Path) == "" {
				add("%s.path is required for driver %s", at, driver)
			}
		}
	}

	plans := map[string]bool{}
	for i, p := range cfg.Plans {
		at := fmt.Sprintf("plans[%d]", i)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			add("%s.name is required", at)
		} else if plans[name] {
			add("%s: duplicate plan %q", at, name)
		}
		plans[name] = true

		kind := strings.ToLower(strings.TrimSpace(p.Kind))
		if !planKinds[kind] {
			add("%s.kind: unknown kind %q", at, p.Kind)
		}
		if p.RetriesOr(0) < 0 {
			add("%s.retries must be >= 0", at)
		}
		if _, err := ParseDurationField(at+".timeout", p.Timeout); err != nil {
			errs = append(errs, err)
		}
		if p.RatePerSec < 0 || p.Burst < 0 {
			add("%s: rate_per_sec and burst must be >= 0", at)
		}
		if pn := strings.TrimSpace(p.Pipe); pn != "" && !pipes[pn] {
			add("%s.pipe: unknown pipe %q", at, p.Pipe)
		}
		if kind == "download" && strings.TrimSpace(p.Path) == "" {
			add("%s.path is required for kind download", at)
		}
		if len(sc.PerPlan) > 0 && name != "" {
			if _, ok := sc.PerPlan[name]; !ok {
				add("%s: plan %q has no scheduler.per_plan entry", at, name)
			}
		}
	}

	for i, s := range cfg.Seeds {
		at := fmt.Sprintf("seeds[%d]", i)
		if !plans[strings.TrimSpace(s.Plan)] {
			add("%s.plan: unknown plan %q", at, s.Plan)
		}
		if len(s.URLs) == 0 {
			add("%s.urls is empty", at)
		}
		if strings.TrimSpace(s.Schedule) != "" {
			if _, err := ParseSchedule(s.Schedule); err != nil {
				add("%s.schedule: %v", at, err)
			}
		}
	}

	return errors.Join(errs...)
}
