package pipes

import (
	"errors"
	"strings"
	"time"

	"spider/internal/engine"
	logx "spider/pkg/logx"
)

// Config selects and configures one sink.
//
// Driver values:
//   - "txt", "jsonl", "csv": file at Path, created on the first row
//   - "sqlite": table Table (default: Name) in the database at Path
//   - "redis": list Key (default: Name) on the server at URL
type Config struct {
	Name   string
	Driver string
	Path   string
	URL    string
	Key    string
	Table  string

	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open builds the configured sink.
func Open(cfg Config, log logx.Logger) (engine.Sink, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("pipe", cfg.Name))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "txt", "jsonl", "csv":
		return openFile(driver, cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown pipe driver: " + cfg.Driver)
	}
}

// formatValue renders a value for text formats. nil is written as an empty cell.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmtAny(x)
	}
}
