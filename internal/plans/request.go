package plans

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"spider/internal/engine"
	logx "spider/pkg/logx"
)

// Current is what a Request handler sees: the task, the response (body
// already read) and the decoded body.
type Current struct {
	Task     *engine.Task
	Response *http.Response
	Body     string
}

// HandleFunc processes one fetched page. Returning an error fails the
// attempt and lets the scheduler retry it.
type HandleFunc func(ctx context.Context, s *engine.Service, cur *Current) error

type RequestOptions struct {
	Name    string
	Handle  HandleFunc
	Retries *int
	Timeout time.Duration

	// ToUTF8 decodes the body by the charset found in the Content-Type
	// header or the document. Nil means true.
	ToUTF8 *bool

	// MaxBodyBytes rejects larger pages; 0 means DefaultMaxBodyBytes.
	MaxBodyBytes int64

	Fetcher   Fetcher
	OnFailure engine.FailureFunc
	Log       logx.Logger
}

// Request builds a plan that GETs each task url and calls Handle.
func Request(opt RequestOptions) (engine.Plan, error) {
	if strings.TrimSpace(opt.Name) == "" {
		return engine.Plan{}, errors.New("request plan: name is required")
	}
	if opt.Handle == nil {
		return engine.Plan{}, fmt.Errorf("request plan %s: handle is required", opt.Name)
	}
	retries := DefaultRetries
	if opt.Retries != nil {
		retries = *opt.Retries
	}
	toUTF8 := opt.ToUTF8 == nil || *opt.ToUTF8
	maxBody := opt.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
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

		raw, err := io.ReadAll(io.LimitReader(res.Body, maxBody+1))
		if err != nil {
			return fmt.Errorf("read %s: %w", t.URL, err)
		}
		if int64(len(raw)) > maxBody {
			return engine.NoRetry(fmt.Errorf("read %s: %w (limit %d bytes)", t.URL, ErrBodyTooLarge, maxBody))
		}
		body := string(raw)
		if toUTF8 {
			body, err = decodeUTF8(raw, res.Header.Get("Content-Type"))
			if err != nil {
				log.Debug("charset decode failed, using raw body", logx.String("url", t.URL), logx.Err(err))
				body = string(raw)
			}
		}
		t.Response = res
		return opt.Handle(ctx, s, &Current{Task: t, Response: res, Body: body})
	}

	return engine.Plan{
		Name:      opt.Name,
		Process:   process,
		Retries:   retries,
		OnFailure: onFailure,
		Timeout:   opt.Timeout,
	}, nil
}

// decodeUTF8 converts body to UTF-8 using the charset from contentType, a
// BOM or a <meta> tag. Bodies with no detectable charset are returned as is.
func decodeUTF8(body []byte, contentType string) (string, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func logFailure(log logx.Logger) engine.FailureFunc {
	return func(err error, t *engine.Task) {
		log.Error("task gave up", logx.String("url", t.URL), logx.Int("retries", t.Retries), logx.Err(err))
	}
}
