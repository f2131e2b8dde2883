package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"sportsedge/internal/errs"
	"sportsedge/internal/models"
	"sportsedge/internal/repository/memory"
	"sportsedge/internal/retry"
)

type stubSink struct {
	mu       sync.Mutex
	ensured  map[string]int
	posts    map[string]int
	failures map[string][]error
}

func newStubSink() *stubSink {
	return &stubSink{ensured: map[string]int{}, posts: map[string]int{}, failures: map[string][]error{}}
}

func (s *stubSink) Name() string { return "stub" }

func (s *stubSink) EnsureDestination(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured[key]++
	return "dest-" + key, nil
}

func (s *stubSink) Post(_ context.Context, _, taskID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.failures[taskID]; len(q) > 0 {
		s.failures[taskID] = q[1:]
		return q[0]
	}
	s.posts[taskID]++
	return nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func testReport() *models.Report {
	line := decimal.RequireFromString("-3.5")
	return &models.Report{
		Date:  "2026-03-01",
		State: models.ReportDelivering,
		Events: []models.EventReport{
			{
				Event:   models.Event{ID: "e1", League: "NBA", Home: models.Participant{ID: "h", Name: "Hawks"}, Away: models.Participant{ID: "a", Name: "Aces"}},
				Insight: models.Insight{EventID: "e1", Completeness: models.CompletenessFull},
				Recommendations: []models.Recommendation{
					{EventID: "e1", Market: models.MarketSpread, Selection: models.SelectionHome, Line: &line, Price: decimal.RequireFromString("1.91"), Confidence: 0.6, Edge: 0.08, Rank: 1},
				},
			},
			{
				Event:   models.Event{ID: "e2", League: "NBA", Home: models.Participant{ID: "b", Name: "Bulls"}, Away: models.Participant{ID: "c", Name: "Comets"}},
				Insight: models.Insight{EventID: "e2", Completeness: models.CompletenessPartial},
				Recommendations: []models.Recommendation{
					{EventID: "e2", Market: models.MarketMoneyline, Selection: models.SelectionAway, Price: decimal.RequireFromString("2.4"), Confidence: 0.4, Edge: 0.05, Rank: 1},
				},
			},
			{
				Event:   models.Event{ID: "e3", League: "NBA", Home: models.Participant{ID: "d", Name: "Dukes"}, Away: models.Participant{ID: "f", Name: "Foxes"}},
				Insight: models.Insight{EventID: "e3", Completeness: models.CompletenessMinimal},
			},
		},
		SourceFailures: []models.Failure{{Stage: models.StageCollect, EventID: "e3", SourceID: "odds", Kind: "source_timeout"}},
	}
}

func newTestScheduler(sink Sink, rec *sleepRecorder) (*Scheduler, *memory.Store) {
	store := memory.New()
	return &Scheduler{
		Repo:    store,
		Sink:    sink,
		Policy:  &retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, Sleep: rec.sleep},
		Limiter: rate.NewLimiter(rate.Inf, 1),
		Workers: 2,
	}, store
}

func TestSchedule_DeterministicTaskIDs(t *testing.T) {
	s, _ := newTestScheduler(newStubSink(), &sleepRecorder{})
	ctx := context.Background()
	tasks, err := s.Schedule(ctx, testReport())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// e3 has no recommendations; summary is always scheduled.
	if len(tasks) != 3 {
		t.Fatalf("tasks=%d want=3", len(tasks))
	}
	again, err := s.Schedule(ctx, testReport())
	if err != nil {
		t.Fatalf("Schedule again: %v", err)
	}
	if len(again) != 3 {
		t.Fatalf("tasks after reschedule=%d want=3", len(again))
	}
	if TaskID("2026-03-01", models.SectionEvent, "e1") != TaskID("2026-03-01", models.SectionEvent, "e1") {
		t.Fatalf("task id not deterministic")
	}
	if TaskID("2026-03-01", models.SectionEvent, "e1") == TaskID("2026-03-02", models.SectionEvent, "e1") {
		t.Fatalf("task id ignores date")
	}
	for _, task := range tasks {
		if task.Section == models.SectionSummary && !strings.Contains(task.Content, "source=odds") {
			t.Fatalf("summary missing source failure: %q", task.Content)
		}
	}
}

func TestRun_RateLimitedThenOk(t *testing.T) {
	sink := newStubSink()
	rec := &sleepRecorder{}
	s, store := newTestScheduler(sink, rec)
	ctx := context.Background()
	tasks, err := s.Schedule(ctx, testReport())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	target := TaskID("2026-03-01", models.SectionEvent, "e1")
	sink.failures[target] = []error{errs.RateLimited("post", 2*time.Second, errors.New("429"))}

	out := s.Run(ctx, tasks)
	for _, task := range out {
		if task.State != models.TaskDone {
			t.Fatalf("task %s state=%s want=done", task.TaskID, task.State)
		}
		if task.TaskID == target && task.Attempts != 2 {
			t.Fatalf("attempts=%d want=2", task.Attempts)
		}
	}
	if len(rec.delays) != 1 || rec.delays[0] != 2*time.Second {
		t.Fatalf("delays=%v want=[2s]", rec.delays)
	}
	stored, err := store.GetDeliveryTask(ctx, target)
	if err != nil || stored == nil || stored.State != models.TaskDone || stored.Attempts != 2 {
		t.Fatalf("stored=%+v err=%v", stored, err)
	}
	if sink.ensured["nba-2026-03-01"] != 1 {
		t.Fatalf("ensure calls=%d want=1", sink.ensured["nba-2026-03-01"])
	}
}

func TestRun_DoneTasksAreNotReposted(t *testing.T) {
	sink := newStubSink()
	s, store := newTestScheduler(sink, &sleepRecorder{})
	ctx := context.Background()
	tasks, _ := s.Schedule(ctx, testReport())
	s.Run(ctx, tasks)

	reloaded, err := s.Schedule(ctx, testReport())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	s.Run(ctx, reloaded)
	for id, n := range sink.posts {
		if n != 1 {
			t.Fatalf("task %s posted %d times", id, n)
		}
	}
	persisted, _ := store.ListDeliveryTasks(ctx, "2026-03-01")
	for _, task := range persisted {
		if task.State != models.TaskDone {
			t.Fatalf("task %s state=%s", task.TaskID, task.State)
		}
	}
}

func TestRun_PermissionDeniedFailsOnlyThatTask(t *testing.T) {
	sink := newStubSink()
	rec := &sleepRecorder{}
	s, _ := newTestScheduler(sink, rec)
	ctx := context.Background()
	tasks, _ := s.Schedule(ctx, testReport())
	target := TaskID("2026-03-01", models.SectionEvent, "e2")
	sink.failures[target] = []error{errs.New(errs.KindDeliveryPermissionDenied, "post", errors.New("missing permissions"))}

	out := s.Run(ctx, tasks)
	for _, task := range out {
		want := models.TaskDone
		if task.TaskID == target {
			want = models.TaskFailed
		}
		if task.State != want {
			t.Fatalf("task %s state=%s want=%s", task.TaskID, task.State, want)
		}
	}
	if len(rec.delays) != 0 {
		t.Fatalf("permission denied was retried: %v", rec.delays)
	}
	fails := Failures(out)
	if len(fails) != 1 || fails[0].Kind != string(errs.KindDeliveryPermissionDenied) || fails[0].EventID != "e2" {
		t.Fatalf("failures=%+v", fails)
	}
}

func TestRun_AttemptsCapped(t *testing.T) {
	sink := newStubSink()
	rec := &sleepRecorder{}
	s, _ := newTestScheduler(sink, rec)
	ctx := context.Background()
	tasks, _ := s.Schedule(ctx, testReport())
	target := TaskID("2026-03-01", models.SectionSummary, "")
	boom := errs.New(errs.KindDeliveryFailed, "post", errors.New("502"))
	sink.failures[target] = []error{boom, boom, boom, boom}

	out := s.Run(ctx, tasks)
	for _, task := range out {
		if task.TaskID != target {
			continue
		}
		if task.State != models.TaskFailed || task.Attempts != 3 {
			t.Fatalf("state=%s attempts=%d want failed/3", task.State, task.Attempts)
		}
	}
	if len(rec.delays) != 2 || rec.delays[0] != time.Second || rec.delays[1] != 2*time.Second {
		t.Fatalf("delays=%v want=[1s 2s]", rec.delays)
	}
}

func TestLogSink_PostIsIdempotent(t *testing.T) {
	sink := &LogSink{}
	ctx := context.Background()
	dest, _ := sink.EnsureDestination(ctx, "NBA 2026-03-01")
	if dest != "nba-2026-03-01" {
		t.Fatalf("dest=%q", dest)
	}
	for i := 0; i < 2; i++ {
		if err := sink.Post(ctx, dest, "t1", "hello"); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	if len(sink.posted) != 1 {
		t.Fatalf("posted=%d want=1", len(sink.posted))
	}
}
