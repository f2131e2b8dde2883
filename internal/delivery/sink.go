package delivery

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"sportsedge/internal/config"
	"sportsedge/internal/errs"
)

// Sink publishes rendered sections. EnsureDestination is create-or-get by key. Post
// must not publish the same taskID twice into one destination.
type Sink interface {
	Name() string
	EnsureDestination(ctx context.Context, key string) (string, error)
	Post(ctx context.Context, destinationID, taskID, content string) error
}

const refPrefix = "ref:"

const truncatedMark = "\n(truncated)"

// withRef appends the task reference that sinks scan for before posting.
func withRef(content, taskID string) string {
	return withRefLimit(content, taskID, 0)
}

// withRefLimit is withRef for sinks with a message length limit, counted in runes.
// Content is cut at a line boundary when one is close enough; the reference is
// always kept.
func withRefLimit(content, taskID string, limit int) string {
	body := strings.TrimRight(content, "\n")
	ref := "\n`" + refPrefix + taskID + "`"
	if limit <= 0 || utf8.RuneCountInString(body)+utf8.RuneCountInString(ref) <= limit {
		return body + ref
	}
	keep := limit - utf8.RuneCountInString(ref) - utf8.RuneCountInString(truncatedMark)
	if keep < 0 {
		keep = 0
	}
	cut := string([]rune(body)[:keep])
	if i := strings.LastIndex(cut, "\n"); i > len(cut)/2 {
		cut = cut[:i]
	}
	return cut + truncatedMark + ref
}

func hasRef(text, taskID string) bool {
	return strings.Contains(text, refPrefix+taskID)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns a destination key into a channel-safe name.
func Slug(s string) string {
	s = nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	s = strings.Trim(s, "-")
	if len(s) > 80 {
		s = strings.Trim(s[:80], "-")
	}
	if s == "" {
		return "picks"
	}
	return s
}

// LogSink writes sections to the logger. It is the development default.
type LogSink struct {
	Logger *zap.Logger

	mu     sync.Mutex
	posted map[string]bool
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) EnsureDestination(_ context.Context, key string) (string, error) {
	return Slug(key), nil
}

func (s *LogSink) Post(_ context.Context, destinationID, taskID, content string) error {
	s.mu.Lock()
	if s.posted == nil {
		s.posted = map[string]bool{}
	}
	k := destinationID + "|" + taskID
	if s.posted[k] {
		s.mu.Unlock()
		return nil
	}
	s.posted[k] = true
	s.mu.Unlock()

	if s.Logger != nil {
		s.Logger.Info("delivery post",
			zap.String("destination", destinationID),
			zap.String("task_id", taskID),
			zap.String("content", withRef(content, taskID)),
		)
	}
	return nil
}

// NewSink builds the sink named by cfg.Sink.
func NewSink(cfg config.DeliveryConfig, logger *zap.Logger) (Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return &LogSink{Logger: logger}, nil
	case "discord":
		d, err := NewDiscordSink(cfg, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "slack":
		sl, err := NewSlackSink(cfg, logger)
		if err != nil {
			return nil, err
		}
		return sl, nil
	default:
		return nil, errs.Newf(errs.KindFatalConfig, "delivery.sink", "unknown sink %q", cfg.Sink)
	}
}
