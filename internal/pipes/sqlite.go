package pipes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"spider/internal/engine"
	logx "spider/pkg/logx"
)

// sqliteSink inserts rows into one table. The table is created from the
// first row's columns, declared without a type so values keep their own
// storage class.
type sqliteSink struct {
	db    *sql.DB
	table string
	log   logx.Logger

	mu     sync.Mutex
	insert string
	cols   int
	rows   int
}

func openSQLite(cfg Config, log logx.Logger) (engine.Sink, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = strings.TrimSpace(cfg.Name)
	}
	if table == "" {
		return nil, errors.New("sqlite table is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteSink{db: db, table: table, log: log}, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func (s *sqliteSink) prepare(ctx context.Context, cols []string) error {
	defs := make([]string, len(cols))
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c)
		defs[i] = names[i]
		marks[i] = "?"
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(s.table), strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	s.insert = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(s.table), strings.Join(names, ", "), strings.Join(marks, ", "))
	s.cols = len(cols)
	s.log.Debug("sqlite table ready", logx.String("table", s.table), logx.Strings("columns", cols))
	return nil
}

func (s *sqliteSink) Write(r engine.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.insert == "" {
		if err := s.prepare(ctx, r.Columns); err != nil {
			return err
		}
	}
	if len(r.Values) != s.cols {
		return fmt.Errorf("row has %d values, table %s has %d columns", len(r.Values), s.table, s.cols)
	}
	args := make([]any, len(r.Values))
	for i, v := range r.Values {
		args[i] = sqliteValue(v)
	}
	if _, err := s.db.ExecContext(ctx, s.insert, args...); err != nil {
		return err
	}
	s.rows++
	return nil
}

func (s *sqliteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.log.Debug("sqlite pipe closed", logx.String("table", s.table), logx.Int("rows", s.rows))
	return err
}

// sqliteValue maps a row value to a driver value. Composite values are stored
// as JSON text.
func sqliteValue(v any) any {
	switch x := v.(type) {
	case nil, string, []byte, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, float32, float64, time.Time:
		return x
	case uint64:
		return int64(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
