package plans

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"spider/internal/engine"
	logx "spider/pkg/logx"
)

// Downloaded is what a Download handler sees once the file is in place.
type Downloaded struct {
	Task  *engine.Task
	Path  string
	Bytes int64
}

type DownloadOptions struct {
	Name string
	// Dir receives the files. It is created on demand.
	Dir     string
	Retries *int
	Timeout time.Duration

	// Handle runs after each completed download; optional.
	Handle func(ctx context.Context, s *engine.Service, d *Downloaded) error

	Fetcher   Fetcher
	OnFailure engine.FailureFunc
	Log       logx.Logger
}

// Download builds a plan that streams each task url into Dir.
//
// The file name is info["filename"] when set, otherwise the url made safe
// for the filesystem (see Filename). info["ext"] is appended when set.
func Download(opt DownloadOptions) (engine.Plan, error) {
	if strings.TrimSpace(opt.Name) == "" {
		return engine.Plan{}, errors.New("download plan: name is required")
	}
	if strings.TrimSpace(opt.Dir) == "" {
		return engine.Plan{}, fmt.Errorf("download plan %s: dir is required", opt.Name)
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
		name := targetName(t)
		if name == "" {
			return engine.NoRetry(fmt.Errorf("no usable file name for %s", t.URL))
		}
		path := filepath.Join(opt.Dir, name)
		n, err := opt.Fetcher.fetchTo(ctx, t.URL, path)
		if err != nil {
			return err
		}
		log.Debug("downloaded", logx.String("url", t.URL), logx.String("path", path), logx.Int64("bytes", n))
		if opt.Handle == nil {
			return nil
		}
		return opt.Handle(ctx, s, &Downloaded{Task: t, Path: path, Bytes: n})
	}

	return engine.Plan{
		Name:      opt.Name,
		Process:   process,
		Retries:   retries,
		OnFailure: onFailure,
		Timeout:   opt.Timeout,
	}, nil
}

// fetchTo streams url into path through a temp file in the same directory,
// so a failed attempt never leaves a partial file under the final name.
func (f Fetcher) fetchTo(ctx context.Context, url, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, engine.NoRetry(err)
	}
	res, err := f.get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, res.Body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		// CreateTemp uses 0600 and Rename keeps it.
		err = os.Chmod(tmp.Name(), 0o644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("download %s: %w", url, err)
	}
	return n, nil
}

func targetName(t *engine.Task) string {
	name, _ := t.Info["filename"].(string)
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = Filename(t.URL)
	}
	if ext, ok := t.Info["ext"].(string); ok && ext != "" {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		name += ext
	}
	return name
}

var filenameReplacer = strings.NewReplacer(
	"/", "!", "\\", "!", ":", "!", "*", "!", "?", "!",
	"\"", "!", "<", "!", ">", "!", "|", "!",
)

// Filename turns a url into a file name: the scheme is dropped and path
// separators and other reserved characters become "!".
//
//	Filename("http://img.com/my.jpg") == "img.com!my.jpg"
func Filename(rawurl string) string {
	s := strings.TrimSpace(rawurl)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	s = strings.TrimPrefix(s, "www.")
	s = strings.TrimRight(filenameReplacer.Replace(s), "!")
	if len(s) > 255 {
		s = s[:255]
	}
	return s
}
