package pipes

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"spider/internal/engine"
	logx "spider/pkg/logx"
)

// fileSink writes rows to a local file in one of the text formats.
//
// The file is created (truncated) on the first row, so a pipe that never
// receives data leaves nothing behind.
type fileSink struct {
	format string
	path   string
	log    logx.Logger

	mu     sync.Mutex
	f      *os.File
	bw     *bufio.Writer
	cw     *csv.Writer
	rows   int
	closed bool
}

func openFile(format string, cfg Config, log logx.Logger) (engine.Sink, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("pipe %s: path is required for %s driver", cfg.Name, format)
	}
	return &fileSink{format: format, path: path, log: log}, nil
}

func (s *fileSink) open(cols []string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	s.bw = bufio.NewWriter(f)

	switch s.format {
	case "csv":
		s.cw = csv.NewWriter(s.bw)
		if err := s.cw.Write(cols); err != nil {
			return err
		}
	case "txt":
		if _, err := s.bw.WriteString(strings.Join(cols, "\t") + "\n"); err != nil {
			return err
		}
	}
	s.log.Debug("pipe file created", logx.String("path", s.path), logx.String("format", s.format))
	return nil
}

func (s *fileSink) Write(r engine.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("pipe file closed")
	}
	if s.f == nil {
		if err := s.open(r.Columns); err != nil {
			return err
		}
	}
	s.rows++

	switch s.format {
	case "jsonl":
		return json.NewEncoder(s.bw).Encode(r.Map())
	case "csv":
		rec := make([]string, len(r.Values))
		for i, v := range r.Values {
			rec[i] = formatValue(v)
		}
		return s.cw.Write(rec)
	default:
		cells := make([]string, len(r.Values))
		for i, v := range r.Values {
			cells[i] = txtCell(formatValue(v))
		}
		_, err := s.bw.WriteString(strings.Join(cells, "\t") + "\n")
		return err
	}
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.f == nil {
		return nil
	}
	if s.cw != nil {
		s.cw.Flush()
		if err := s.cw.Error(); err != nil {
			_ = s.f.Close()
			return err
		}
	}
	flushErr := s.bw.Flush()
	closeErr := s.f.Close()
	s.log.Debug("pipe file closed", logx.String("path", s.path), logx.Int("rows", s.rows))
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

var txtReplacer = strings.NewReplacer("\t", " ", "\r\n", " ", "\n", " ", "\r", " ")

// txtCell keeps a value on one line and inside one column.
func txtCell(s string) string { return txtReplacer.Replace(s) }

func fmtAny(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}
