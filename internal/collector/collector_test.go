package collector

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"sportsedge/internal/errs"
	"sportsedge/internal/models"
	"sportsedge/internal/quota"
	"sportsedge/internal/retry"
	"sportsedge/internal/source"
)

type stubAdapter struct {
	calls int64
	fn    func(ctx context.Context, req source.Request) (source.Envelope, error)
}

func (s *stubAdapter) Fetch(ctx context.Context, req source.Request) (source.Envelope, error) {
	atomic.AddInt64(&s.calls, 1)
	return s.fn(ctx, req)
}

func okData(data string) func(context.Context, source.Request) (source.Envelope, error) {
	return func(context.Context, source.Request) (source.Envelope, error) {
		return source.Envelope{OK: true, Data: json.RawMessage(data)}, nil
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func testEvents(n int) []models.Event {
	out := make([]models.Event, 0, n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		out = append(out, models.Event{
			ID:   "e" + id,
			Home: models.Participant{ID: "h" + id},
			Away: models.Participant{ID: "a" + id},
		})
	}
	return out
}

const linesData = `{"lines":[{"market":"moneyline","selection":"home","price":2.1}]}`

func TestCollect_PartialFailureIsolation(t *testing.T) {
	odds := &stubAdapter{fn: okData(linesData)}
	slow := &stubAdapter{fn: func(ctx context.Context, _ source.Request) (source.Envelope, error) {
		<-ctx.Done()
		return source.Envelope{}, errs.New(errs.KindSourceTimeout, "stub", ctx.Err())
	}}
	sources := []source.Source{
		{ID: "odds", Kind: models.SourceKindLines, Adapter: odds, Timeout: time.Second},
		{ID: "h2h", Kind: models.SourceKindH2H, Adapter: slow, Timeout: 10 * time.Millisecond},
	}
	c := &Collector{
		Quota:   quota.NewLedger(map[string]int{"odds": 100, "h2h": 100}, nil, time.UTC, nil),
		Policy:  &retry.Policy{MaxAttempts: 3, Sleep: noSleep},
		Workers: 2,
	}

	out := c.Collect(context.Background(), "2026-03-01", testEvents(1), sources)
	row := out["ea"]
	if got := row["odds"]; got.Status != models.StatusOk || got.Payload == nil {
		t.Fatalf("odds=%+v want ok", got)
	}
	h2h := row["h2h"]
	if h2h.Status != models.StatusFailed || !errs.Is(h2h.Err, errs.KindSourceTimeout) {
		t.Fatalf("h2h status=%s err=%v want failed source_timeout", h2h.Status, h2h.Err)
	}
	if h2h.Attempts != 3 {
		t.Fatalf("attempts=%d want=3", h2h.Attempts)
	}
}

func TestCollect_QuotaDenialSkipsAdapter(t *testing.T) {
	odds := &stubAdapter{fn: okData(linesData)}
	c := &Collector{
		Quota:   quota.NewLedger(map[string]int{"odds": 2}, nil, time.UTC, nil),
		Policy:  &retry.Policy{MaxAttempts: 3, Sleep: noSleep},
		Workers: 3,
	}
	out := c.Collect(context.Background(), "2026-03-01", testEvents(3),
		[]source.Source{{ID: "odds", Kind: models.SourceKindLines, Cost: 1, Adapter: odds}})

	denied := 0
	for _, row := range out {
		if errs.Is(row["odds"].Err, errs.KindQuotaExceeded) {
			denied++
		}
	}
	if denied != 1 || atomic.LoadInt64(&odds.calls) != 2 {
		t.Fatalf("denied=%d calls=%d want=1,2", denied, odds.calls)
	}
}

func TestCollect_BreakerOpensForRestOfRun(t *testing.T) {
	flaky := &stubAdapter{fn: func(context.Context, source.Request) (source.Envelope, error) {
		return source.Envelope{}, errs.New(errs.KindSourceTransient, "stub", nil)
	}}
	ledger := quota.NewLedger(map[string]int{"news": 100}, nil, time.UTC, nil)
	c := &Collector{
		Quota:   ledger,
		Policy:  &retry.Policy{MaxAttempts: 1, BreakerThreshold: 2, Sleep: noSleep},
		Workers: 1,
	}
	out := c.Collect(context.Background(), "2026-03-01", testEvents(5),
		[]source.Source{{ID: "news", Kind: models.SourceKindNews, Adapter: flaky}})

	open := 0
	for _, row := range out {
		if errs.Is(row["news"].Err, errs.KindCircuitOpen) {
			open++
		}
	}
	if calls := atomic.LoadInt64(&flaky.calls); calls != 2 || open != 3 {
		t.Fatalf("calls=%d open=%d want=2,3", calls, open)
	}
	if left, _ := ledger.Remaining(context.Background(), "news"); left != 98 {
		t.Fatalf("remaining=%d want=98", left)
	}
}

func TestCollect_GlobalDeadlineMarksUnresolvedTimeout(t *testing.T) {
	block := &stubAdapter{fn: func(ctx context.Context, _ source.Request) (source.Envelope, error) {
		<-ctx.Done()
		return source.Envelope{}, ctx.Err()
	}}
	c := &Collector{
		Policy:  &retry.Policy{MaxAttempts: 1},
		Workers: 1,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out := c.Collect(ctx, "2026-03-01", testEvents(3),
		[]source.Source{{ID: "form", Kind: models.SourceKindForm, Adapter: block, Timeout: time.Minute}})

	if len(out) != 3 {
		t.Fatalf("events=%d want=3", len(out))
	}
	for id, row := range out {
		r := row["form"]
		if r.Status != models.StatusFailed || !errs.Is(r.Err, errs.KindTimeout) {
			t.Fatalf("event=%s status=%s err=%v want timeout", id, r.Status, r.Err)
		}
	}
}

func TestFetchSchedule(t *testing.T) {
	sched := &stubAdapter{fn: func(_ context.Context, req source.Request) (source.Envelope, error) {
		if req.Args["date"] != "2026-03-01" {
			t.Errorf("date arg=%v", req.Args["date"])
		}
		return source.Envelope{OK: true, Data: json.RawMessage(`{"events":[{"id":"e1","home":{"id":"h"},"away":{"id":"a"}}]}`)}, nil
	}}
	c := &Collector{Policy: &retry.Policy{MaxAttempts: 1}, Workers: 1}
	events, res := c.FetchSchedule(context.Background(), "2026-03-01",
		source.Source{ID: "games", Kind: models.SourceKindSchedule, Tool: "games_for_date", Adapter: sched})
	if res.Status != models.StatusOk || len(events) != 1 || events[0].ID != "e1" {
		t.Fatalf("events=%+v res=%+v", events, res)
	}
}

func TestCollect_QuotaStoreOutageLeavesBreakerClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	odds := &stubAdapter{fn: okData(linesData)}
	c := &Collector{
		Quota:   &quota.RedisTracker{Client: client, Prefix: "test:quota", Limits: map[string]int{"odds": 100}},
		Policy:  &retry.Policy{MaxAttempts: 3, BreakerThreshold: 2, Sleep: noSleep},
		Workers: 1,
	}
	out := c.Collect(context.Background(), "2026-03-01", testEvents(5),
		[]source.Source{{ID: "odds", Kind: models.SourceKindLines, Adapter: odds}})

	for id, row := range out {
		got := row["odds"]
		if !errs.Is(got.Err, errs.KindQuotaUnavailable) {
			t.Fatalf("event=%s err=%v want quota_unavailable", id, got.Err)
		}
		if got.Attempts != 1 {
			t.Fatalf("event=%s attempts=%d want=1", id, got.Attempts)
		}
	}
	if calls := atomic.LoadInt64(&odds.calls); calls != 0 {
		t.Fatalf("calls=%d want=0", calls)
	}
}
