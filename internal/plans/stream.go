package plans

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"spider/internal/engine"
	logx "spider/pkg/logx"
)

// Streamed is what a Stream handler sees: the response with its body not
// yet read. Body is closed once the handler returns.
type Streamed struct {
	Task     *engine.Task
	Response *http.Response
	Body     io.Reader
}

// StreamHandleFunc consumes one response body. Returning finishes the
// attempt; an error fails it.
type StreamHandleFunc func(ctx context.Context, s *engine.Service, st *Streamed) error

type StreamOptions struct {
	Name    string
	Handle  StreamHandleFunc
	Retries *int
	Timeout time.Duration

	Fetcher   Fetcher
	OnFailure engine.FailureFunc
	Log       logx.Logger
}

// Stream builds a plan that GETs each task url and hands the open body to
// Handle, for responses too large or too slow to buffer.
func Stream(opt StreamOptions) (engine.Plan, error) {
	if strings.TrimSpace(opt.Name) == "" {
		return engine.Plan{}, errors.New("stream plan: name is required")
	}
	if opt.Handle == nil {
		return engine.Plan{}, fmt.Errorf("stream plan %s: handle is required", opt.Name)
	}
	retries := DefaultRetries
	if opt.Retries != nil {
		retries = *opt.Retries
	}
	log := opt.Log.With(logx.String("plan", opt.Name))
	onFailure := opt.OnFailure
	if onFailure == nil {
		onFailure = logFailure(log)
	}

	process := func(ctx context.Context, s *engine.Service, t *engine.Task) error {
		res, err := opt.Fetcher.get(ctx, t.URL)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		t.Response = res
		return opt.Handle(ctx, s, &Streamed{Task: t, Response: res, Body: res.Body})
	}

	return engine.Plan{
		Name:      opt.Name,
		Process:   process,
		Retries:   retries,
		OnFailure: onFailure,
		Timeout:   opt.Timeout,
	}, nil
}

// DigestHandler is the handler used by configured stream plans. It hashes
// the body as it arrives and, when pipe is set, saves one row (url, status,
// content_type, bytes, sha256).
func DigestHandler(pipe string) StreamHandleFunc {
	return func(_ context.Context, s *engine.Service, st *Streamed) error {
		h := sha256.New()
		n, err := io.Copy(h, st.Body)
		if err != nil {
			return fmt.Errorf("read %s: %w", st.Task.URL, err)
		}
		if pipe == "" {
			return nil
		}
		row := map[string]any{
			"url":          st.Task.URL,
			"status":       st.Response.StatusCode,
			"content_type": st.Response.Header.Get("Content-Type"),
			"bytes":        n,
			"sha256":       hex.EncodeToString(h.Sum(nil)),
		}
		if err := s.Save(pipe, row); err != nil && !errors.Is(err, engine.ErrSchedulerEnded) {
			return err
		}
		return nil
	}
}
