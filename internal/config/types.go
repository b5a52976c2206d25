package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("200ms", "10s", "1m").
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`
	Plans     []PlanConfig    `json:"plans"`
	Pipes     []PipeConfig    `json:"pipes,omitempty"`
	Seeds     []SeedConfig    `json:"seeds,omitempty"`
}

// SchedulerConfig controls the engine.
//
// Exactly one of max_connections and per_plan may be set. When neither is
// set the scheduler runs 20 tasks at a time.
//
// Defaults (when fields are omitted/zero):
//   - heartbeat: "200ms"
//   - task_timeout: "0s" (disabled)
//   - retry_policy: "front"
//   - history_size: 200
type SchedulerConfig struct {
	MaxConnections int            `json:"max_connections,omitempty"`
	PerPlan        map[string]int `json:"per_plan,omitempty"`
	Heartbeat      string         `json:"heartbeat,omitempty"`
	TaskTimeout    string         `json:"task_timeout,omitempty"`

	// AutoEnd ends the run once the queue drains. Without it the process
	// keeps running until a signal arrives (useful with scheduled seeds).
	AutoEnd bool `json:"auto_end,omitempty"`

	// RetryPolicy is "front" (retries jump ahead of fresh work) or "back".
	RetryPolicy string `json:"retry_policy,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PlanConfig declares one plan.
//
// Kind values:
//   - "request": GET the url and save the response fields to Pipe
//   - "download": stream the url body into Path
//   - "stream": read the body as it arrives and save its size and sha256 to Pipe
type PlanConfig struct {
	Name string `json:"name"`
	Kind string `json:"kind"`

	// Retries is a pointer so an explicit 0 can be told apart from "omitted"
	// (which defaults to 3).
	Retries *int   `json:"retries,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	// Pipe receives one row per fetched url.
	Pipe string `json:"pipe,omitempty"`
	// Path is the download directory (download plans).
	Path string `json:"path,omitempty"`

	// Follow admits same-host links found in fetched pages back into this
	// plan (request plans, deduplicated).
	Follow bool `json:"follow,omitempty"`

	// RatePerSec throttles requests of this plan; 0 disables it.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	UserAgent string            `json:"user_agent,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`

	// ToUTF8 decodes non UTF-8 pages by their declared charset. Default true.
	ToUTF8 *bool `json:"to_utf8,omitempty"`
}

// PipeConfig declares one output pipe.
//
// Driver values:
//   - "txt": tab separated text with a header line
//   - "jsonl": one JSON object per line
//   - "csv": comma separated with a header line
//   - "sqlite": rows inserted into Table of the database at Path
//   - "redis": rows RPUSHed as JSON to the list Key at URL
type PipeConfig struct {
	Name   string   `json:"name"`
	Driver string   `json:"driver"`
	Path   string   `json:"path,omitempty"`
	URL    string   `json:"url,omitempty"`
	Key    string   `json:"key,omitempty"`
	Table  string   `json:"table,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// SeedConfig lists start urls for a plan. With Schedule set (a cron spec,
// e.g. "*/30 * * * *" or "@every 10m") the urls are re-admitted on every
// tick; Filtered then skips the ones already seen.
type SeedConfig struct {
	Plan     string         `json:"plan"`
	URLs     []string       `json:"urls"`
	Info     map[string]any `json:"info,omitempty"`
	Filtered bool           `json:"filtered,omitempty"`
	Schedule string         `json:"schedule,omitempty"`
}

// RetriesOr returns the configured retry limit or def when omitted.
func (p PlanConfig) RetriesOr(def int) int {
	if p.Retries == nil {
		return def
	}
	return *p.Retries
}

// DecodeUTF8 reports whether pages should be decoded to UTF-8.
func (p PlanConfig) DecodeUTF8() bool {
	return p.ToUTF8 == nil || *p.ToUTF8
}
