package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sportsedge/internal/errs"
)

// HTTPAdapter posts the request as JSON and expects an Envelope back.
type HTTPAdapter struct {
	ID       string
	Endpoint string
	APIKey   string
	HTTP     *http.Client
}

func (a *HTTPAdapter) Fetch(ctx context.Context, req Request) (Envelope, error) {
	const op = "source.http"
	body, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(a.Endpoint), bytes.NewReader(body))
	if err != nil {
		return Envelope{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	if a.APIKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	resp, err := a.httpClient().Do(hreq)
	if err != nil {
		if isTimeout(ctx, err) {
			return Envelope{}, errs.WithSource(errs.KindSourceTimeout, op, a.ID, err)
		}
		return Envelope{}, errs.WithSource(errs.KindSourceTransient, op, a.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		if isTimeout(ctx, err) {
			return Envelope{}, errs.WithSource(errs.KindSourceTimeout, op, a.ID, err)
		}
		return Envelope{}, errs.WithSource(errs.KindSourceTransient, op, a.ID, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		e := errs.WithSource(errs.KindSourceTransient, op, a.ID,
			fmt.Errorf("http %d: %s", resp.StatusCode, snippet(b)))
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return Envelope{}, e
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Envelope{}, rejected(a.ID, op, "http %d: %s", resp.StatusCode, snippet(b))
	}

	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, errs.WithSource(errs.KindSourceParse, op, a.ID, fmt.Errorf("decode envelope: %w", err))
	}
	return env, nil
}

func (a *HTTPAdapter) httpClient() *http.Client {
	if a.HTTP != nil {
		return a.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
