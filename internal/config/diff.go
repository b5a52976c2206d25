package config

import (
	"reflect"

	logx "spider/pkg/logx"
)

// LiveSections can be applied to a running process; changes elsewhere only
// take effect on the next start.
var LiveSections = map[string]bool{"logging": true}

// SummarizeChange lists the top-level sections that differ between two
// configs, plus structured fields for logging the new values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 5)
	var attrs []logx.Field

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_connections", newCfg.Scheduler.MaxConnections),
			logx.Int("scheduler.per_plan", len(newCfg.Scheduler.PerPlan)),
			logx.Bool("scheduler.auto_end", newCfg.Scheduler.AutoEnd),
		)
	}
	if !reflect.DeepEqual(oldCfg.Plans, newCfg.Plans) {
		changed = append(changed, "plans")
		attrs = append(attrs, logx.Int("plans.count", len(newCfg.Plans)))
	}
	if !reflect.DeepEqual(oldCfg.Pipes, newCfg.Pipes) {
		changed = append(changed, "pipes")
		attrs = append(attrs, logx.Int("pipes.count", len(newCfg.Pipes)))
	}
	if !reflect.DeepEqual(oldCfg.Seeds, newCfg.Seeds) {
		changed = append(changed, "seeds")
		attrs = append(attrs, logx.Int("seeds.count", len(newCfg.Seeds)))
	}
	return changed, attrs
}
