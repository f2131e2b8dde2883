package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"sportsedge/internal/config"
	"sportsedge/internal/errs"
	"sportsedge/internal/models"
)

// Request is one tool invocation against an upstream.
type Request struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Envelope is the uniform upstream response.
type Envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Adapter performs one upstream call. Transport failures are returned as *errs.Error
// with kind source_timeout, source_transient, source_rejected or source_parse; an
// upstream-reported failure is an Envelope with OK=false.
type Adapter interface {
	Fetch(ctx context.Context, req Request) (Envelope, error)
}

// Source binds an adapter to the per-source settings the collector needs.
type Source struct {
	ID      string
	Kind    models.SourceKind
	Tool    string
	Cost    int
	Limit   int
	Timeout time.Duration
	Args    map[string]any
	Adapter Adapter
}

const defaultTimeout = 5 * time.Second

func (s Source) CallTimeout() time.Duration {
	if s.Timeout <= 0 {
		return defaultTimeout
	}
	return s.Timeout
}

// RequestFor builds the tool request for one event, or for the schedule when ev is nil.
func (s Source) RequestFor(date string, ev *models.Event) Request {
	args := make(map[string]any, len(s.Args)+6)
	for k, v := range s.Args {
		args[k] = v
	}
	args["date"] = date
	if ev != nil {
		args["event_id"] = ev.ID
		args["sport"] = ev.Sport
		args["league"] = ev.League
		args["home_id"] = ev.Home.ID
		args["away_id"] = ev.Away.ID
	}
	return Request{Tool: s.Tool, Args: args}
}

// Build creates one Source per configured upstream.
func Build(cfgs []config.SourceConfig, logger *zap.Logger) ([]Source, error) {
	out := make([]Source, 0, len(cfgs))
	for _, c := range cfgs {
		apiKey := ""
		if c.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(c.APIKeyEnv))
		}
		var adapter Adapter
		switch c.Transport {
		case "http":
			adapter = &HTTPAdapter{
				ID:       c.ID,
				Endpoint: c.Endpoint,
				APIKey:   apiKey,
				HTTP:     &http.Client{},
			}
		case "mcp":
			adapter = NewMCPAdapter(c.ID, c.Endpoint, apiKey, logger)
		default:
			return nil, errs.Newf(errs.KindFatalConfig, "source.build", "source %q: unknown transport %q", c.ID, c.Transport)
		}
		out = append(out, Source{
			ID:      c.ID,
			Kind:    models.SourceKind(c.Kind),
			Tool:    c.Tool,
			Cost:    c.Cost,
			Limit:   c.DailyLimit,
			Timeout: c.Timeout,
			Args:    c.Args,
			Adapter: adapter,
		})
	}
	return out, nil
}

// Limits returns the declared daily budget per source id.
func Limits(sources []Source) map[string]int {
	out := make(map[string]int, len(sources))
	for _, s := range sources {
		out[s.ID] = s.Limit
	}
	return out
}

func rejected(sourceID, op, format string, args ...any) error {
	return errs.WithSource(errs.KindSourceRejected, op, sourceID, fmt.Errorf(format, args...))
}
