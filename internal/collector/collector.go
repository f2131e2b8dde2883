package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sportsedge/internal/errs"
	"sportsedge/internal/models"
	"sportsedge/internal/quota"
	"sportsedge/internal/retry"
	"sportsedge/internal/source"
)

// Results holds one SourceResult per (event id, source id).
type Results map[string]map[string]models.SourceResult

// Collector fans fetches out over a fixed worker pool. Every pair passes through the
// quota tracker, the per-call timeout, the shared retry policy and a per-source
// circuit breaker that lives for one Collect call.
type Collector struct {
	Quota   quota.Tracker
	Policy  *retry.Policy
	Workers int
	Logger  *zap.Logger
	Now     func() time.Time
	// BreakerOpenFor bounds how long an opened breaker refuses calls. Zero keeps it
	// open for the rest of the run.
	BreakerOpenFor time.Duration
}

type pair struct {
	event *models.Event
	src   source.Source
}

type breakers map[string]*gobreaker.CircuitBreaker[source.Envelope]

// FetchSchedule loads the events for date from the schedule source.
func (c *Collector) FetchSchedule(ctx context.Context, date string, src source.Source) ([]models.Event, models.SourceResult) {
	br := c.newBreakers([]source.Source{src})
	res := c.fetchPair(ctx, date, pair{src: src}, br)
	if !res.Usable() {
		return nil, res
	}
	sched, ok := res.Payload.(models.SchedulePayload)
	if !ok {
		res.Status = models.StatusFailed
		res.Err = errs.WithSource(errs.KindSourceParse, "collector.schedule", src.ID, fmt.Errorf("payload kind %s", res.Payload.Kind()))
		res.Payload = nil
		return nil, res
	}
	return sched.Events, res
}

// Collect fetches every (event, source) pair. It always returns a result for every
// pair: pairs left unresolved when ctx ends are recorded as failed with kind timeout.
func (c *Collector) Collect(ctx context.Context, date string, events []models.Event, sources []source.Source) Results {
	out := make(Results, len(events))
	pairs := make([]pair, 0, len(events)*len(sources))
	for i := range events {
		ev := &events[i]
		row := make(map[string]models.SourceResult, len(sources))
		for _, src := range sources {
			row[src.ID] = models.SourceResult{
				SourceID: src.ID,
				Kind:     src.Kind,
				EventID:  ev.ID,
				Status:   models.StatusFailed,
				Err:      errs.WithSource(errs.KindTimeout, "collector.collect", src.ID, errors.New("run deadline reached before fetch completed")),
			}
			pairs = append(pairs, pair{event: ev, src: src})
		}
		out[ev.ID] = row
	}
	if len(pairs) == 0 {
		return out
	}

	br := c.newBreakers(sources)
	workers := c.Workers
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan pair)
	results := make(chan models.SourceResult, len(pairs))
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for p := range jobs {
				results <- c.fetchPair(ctx, date, p, br)
			}
			return nil
		})
	}
	go func() {
		defer close(jobs)
		for _, p := range pairs {
			select {
			case jobs <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		_ = g.Wait()
		close(results)
	}()

	for r := range results {
		out[r.EventID][r.SourceID] = r
	}
	c.logger().Info("collection finished",
		zap.String("date", date),
		zap.Int("events", len(events)),
		zap.Int("sources", len(sources)),
		zap.Int("failed", countFailed(out)),
	)
	return out
}

func (c *Collector) fetchPair(ctx context.Context, date string, p pair, br breakers) models.SourceResult {
	res := models.SourceResult{SourceID: p.src.ID, Kind: p.src.Kind}
	if p.event != nil {
		res.EventID = p.event.ID
	}
	fail := func(err error) models.SourceResult {
		res.Status = models.StatusFailed
		res.Err = err
		res.FetchedAt = c.now()
		return res
	}
	if ctx.Err() != nil {
		return fail(errs.WithSource(errs.KindTimeout, "collector.fetch", p.src.ID, ctx.Err()))
	}

	req := p.src.RequestFor(date, p.event)
	cb := br[p.src.ID]
	var env source.Envelope
	attempts, err := c.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
		got, err := cb.Execute(func() (source.Envelope, error) {
			return c.call(ctx, p.src, req)
		})
		if retry.IsOpen(err) {
			return errs.WithSource(errs.KindCircuitOpen, "collector.fetch", p.src.ID, err)
		}
		if err != nil {
			return err
		}
		env = got
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		c.logger().Debug("source fetch retry",
			zap.String("source", p.src.ID),
			zap.String("event_id", res.EventID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})
	res.Attempts = attempts
	if err != nil {
		if ctx.Err() != nil && !errs.Is(err, errs.KindCircuitOpen) && !errs.Is(err, errs.KindQuotaExceeded) && !errs.Is(err, errs.KindQuotaUnavailable) {
			err = errs.WithSource(errs.KindTimeout, "collector.fetch", p.src.ID, err)
		}
		c.logger().Warn("source fetch failed",
			zap.String("source", p.src.ID),
			zap.String("event_id", res.EventID),
			zap.String("kind", string(errs.KindOf(err))),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return fail(err)
	}

	payload, partial, err := source.Decode(p.src.Kind, env.Data)
	if err != nil {
		return fail(errs.WithSource(errs.KindSourceParse, "collector.decode", p.src.ID, err))
	}
	res.Payload = payload
	res.Status = models.StatusOk
	res.FetchedAt = c.now()
	if partial {
		res.Status = models.StatusPartialOk
		res.Err = errs.WithSource(errs.KindSourceParse, "collector.decode", p.src.ID, errors.New("payload partially usable"))
	}
	return res
}

// call reserves quota and performs one upstream call. A reservation is returned
// only when the adapter was never invoked.
func (c *Collector) call(ctx context.Context, src source.Source, req source.Request) (source.Envelope, error) {
	if c.Quota != nil {
		r, err := c.Quota.Reserve(ctx, src.ID, src.Cost)
		if err != nil {
			return source.Envelope{}, err
		}
		if ctx.Err() != nil {
			_ = c.Quota.Release(context.WithoutCancel(ctx), r)
			return source.Envelope{}, errs.WithSource(errs.KindTimeout, "collector.fetch", src.ID, ctx.Err())
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, src.CallTimeout())
	defer cancel()
	env, err := src.Adapter.Fetch(callCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return source.Envelope{}, errs.WithSource(errs.KindTimeout, "collector.fetch", src.ID, err)
		}
		if errors.Is(err, context.DeadlineExceeded) && !errs.Is(err, errs.KindSourceTimeout) {
			return source.Envelope{}, errs.WithSource(errs.KindSourceTimeout, "collector.fetch", src.ID, err)
		}
		return source.Envelope{}, err
	}
	if !env.OK {
		return env, errs.WithSource(errs.KindSourceRejected, "collector.fetch", src.ID, errors.New(env.Error))
	}
	return env, nil
}

func (c *Collector) newBreakers(sources []source.Source) breakers {
	threshold := 0
	if c.Policy != nil {
		threshold = c.Policy.BreakerThreshold
	}
	openFor := c.BreakerOpenFor
	if openFor <= 0 {
		openFor = 24 * time.Hour
	}
	out := make(breakers, len(sources))
	for _, s := range sources {
		out[s.ID] = retry.NewBreaker[source.Envelope](s.ID, threshold, openFor, c.logger())
	}
	return out
}

func (c *Collector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *Collector) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func countFailed(r Results) int {
	n := 0
	for _, row := range r {
		for _, sr := range row {
			if sr.Status == models.StatusFailed {
				n++
			}
		}
	}
	return n
}
