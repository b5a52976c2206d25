package plans

import (
	"context"
	"errors"
	"net/url"

	"spider/internal/engine"
)

// PageHandler is the handler used by configured request plans.
//
// It parses the page, saves one row (url, status, title, bytes, links) to
// pipe when pipe is set, and with follow admits the same-host links back
// into the task's plan, skipping urls already seen.
func PageHandler(pipe string, follow bool) HandleFunc {
	return func(ctx context.Context, s *engine.Service, cur *Current) error {
		base, err := url.Parse(cur.Task.URL)
		if err != nil {
			return engine.NoRetry(err)
		}
		if cur.Response != nil && cur.Response.Request != nil && cur.Response.Request.URL != nil {
			// Resolve against the final url after redirects.
			base = cur.Response.Request.URL
		}
		page, err := ParsePage(base, cur.Body)
		if err != nil {
			return engine.NoRetry(err)
		}

		if pipe != "" {
			status := 0
			if cur.Response != nil {
				status = cur.Response.StatusCode
			}
			row := map[string]any{
				"url":    cur.Task.URL,
				"status": status,
				"title":  page.Title,
				"bytes":  len(cur.Body),
				"links":  len(page.Links),
			}
			if err := s.Save(pipe, row); err != nil {
				return err
			}
		}

		if follow {
			if next := SameHost(base, page.Links); len(next) > 0 {
				if _, err := s.AddFiltered(cur.Task.Plan, next, cur.Task.Info); err != nil {
					// Admission closes when the scheduler ends; the page itself succeeded.
					if !errors.Is(err, engine.ErrSchedulerEnded) {
						return err
					}
				}
			}
		}
		return nil
	}
}
