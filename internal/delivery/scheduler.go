package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"sportsedge/internal/config"
	"sportsedge/internal/errs"
	"sportsedge/internal/models"
	"sportsedge/internal/repository"
	"sportsedge/internal/retry"
)

var taskNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("sportsedge/delivery-task"))

// TaskID is the idempotency key of a section: the same date, section and event always
// produce the same id.
func TaskID(date, section, eventID string) string {
	return uuid.NewSHA1(taskNamespace, []byte(date+"|"+section+"|"+eventID)).String()
}

// Scheduler turns a report into delivery tasks and drains them through a Sink under a
// token bucket. Each task is owned by one worker for the duration of Run.
type Scheduler struct {
	Repo    repository.DeliveryTaskRepository
	Sink    Sink
	Policy  *retry.Policy
	Limiter *rate.Limiter
	Workers int
	Logger  *zap.Logger
	Now     func() time.Time

	dest   singleflight.Group
	mu     sync.Mutex
	destID map[string]string
}

func New(cfg config.DeliveryConfig, repo repository.DeliveryTaskRepository, sink Sink, logger *zap.Logger) *Scheduler {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Scheduler{
		Repo:    repo,
		Sink:    sink,
		Policy:  retry.FromConfig(cfg.Retry),
		Limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		Workers: cfg.Workers,
		Logger:  logger,
	}
}

// Schedule creates one task per event with recommendations plus one summary task.
// Tasks already stored for the date are kept as they are, so calling Schedule again
// after a crash returns the persisted states.
func (s *Scheduler) Schedule(ctx context.Context, rep *models.Report) ([]models.DeliveryTask, error) {
	if rep == nil {
		return nil, nil
	}
	var tasks []models.DeliveryTask
	for _, er := range rep.Events {
		if len(er.Recommendations) == 0 {
			continue
		}
		content, err := RenderEvent(er)
		if err != nil {
			return nil, fmt.Errorf("render event %s: %w", er.Event.ID, err)
		}
		tasks = append(tasks, models.DeliveryTask{
			TaskID:         TaskID(rep.Date, models.SectionEvent, er.Event.ID),
			ReportDate:     rep.Date,
			Section:        models.SectionEvent,
			EventID:        er.Event.ID,
			DestinationKey: destinationKey(er.Event.League, rep.Date),
			Content:        content,
			State:          models.TaskPending,
		})
	}
	content, err := RenderSummary(rep)
	if err != nil {
		return nil, fmt.Errorf("render summary: %w", err)
	}
	tasks = append(tasks, models.DeliveryTask{
		TaskID:         TaskID(rep.Date, models.SectionSummary, ""),
		ReportDate:     rep.Date,
		Section:        models.SectionSummary,
		DestinationKey: destinationKey("summary", rep.Date),
		Content:        content,
		State:          models.TaskPending,
	})

	if err := s.Repo.InsertDeliveryTasks(ctx, tasks); err != nil {
		return nil, err
	}
	return s.Repo.ListDeliveryTasks(ctx, rep.Date)
}

func destinationKey(group, date string) string {
	if group == "" {
		group = "picks"
	}
	return Slug(group + "-" + date)
}

// Run delivers every non-terminal task and returns all tasks with their final
// states. A task that exhausts its attempts is marked Failed and the rest continue.
func (s *Scheduler) Run(ctx context.Context, tasks []models.DeliveryTask) []models.DeliveryTask {
	out := make([]models.DeliveryTask, len(tasks))
	copy(out, tasks)

	var pending []int
	for i := range out {
		if !out[i].State.IsTerminal() {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return out
	}

	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	jobs := make(chan int)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range jobs {
				s.deliver(ctx, &out[i])
			}
			return nil
		})
	}
	for _, i := range pending {
		jobs <- i
	}
	close(jobs)
	_ = g.Wait()

	done, failed := 0, 0
	for _, t := range out {
		switch t.State {
		case models.TaskDone:
			done++
		case models.TaskFailed:
			failed++
		}
	}
	s.logger().Info("delivery finished",
		zap.Int("tasks", len(out)),
		zap.Int("done", done),
		zap.Int("failed", failed),
	)
	return out
}

func (s *Scheduler) deliver(ctx context.Context, t *models.DeliveryTask) {
	// State writes must land even after the delivery budget expires.
	persistCtx := context.WithoutCancel(ctx)

	attempts, err := s.Policy.DoFrom(ctx, t.Attempts, func(ctx context.Context, attempt int) error {
		if s.Limiter != nil {
			if err := s.Limiter.Wait(ctx); err != nil {
				return errs.New(errs.KindTimeout, "delivery.wait", err)
			}
		}
		t.State = models.TaskInFlight
		t.Attempts = attempt
		t.NextEligibleAt = nil
		s.save(persistCtx, t)
		return s.post(ctx, t)
	}, func(attempt int, err error, delay time.Duration) {
		next := s.now().Add(delay)
		t.NextEligibleAt = &next
		t.LastError = errs.Message(err)
		t.ErrorKind = string(errs.KindOf(err))
		s.save(persistCtx, t)
		s.logger().Warn("delivery retry",
			zap.String("task_id", t.TaskID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})
	if attempts > t.Attempts {
		t.Attempts = attempts
	}
	t.NextEligibleAt = nil
	if err == nil {
		now := s.now()
		t.State = models.TaskDone
		t.CompletedAt = &now
		t.LastError = ""
		t.ErrorKind = ""
	} else {
		t.State = models.TaskFailed
		t.LastError = errs.Message(err)
		t.ErrorKind = string(errs.KindOf(err))
		s.logger().Warn("delivery task failed",
			zap.String("task_id", t.TaskID),
			zap.String("kind", t.ErrorKind),
			zap.Int("attempts", t.Attempts),
			zap.Error(err),
		)
	}
	s.save(persistCtx, t)
}

func (s *Scheduler) post(ctx context.Context, t *models.DeliveryTask) error {
	if t.DestinationID == "" {
		id, err := s.destination(ctx, t.DestinationKey)
		if err != nil {
			return err
		}
		t.DestinationID = id
	}
	return s.Sink.Post(ctx, t.DestinationID, t.TaskID, t.Content)
}

// destination resolves a key once per scheduler; concurrent tasks sharing a key wait
// on the same lookup so a channel is never created twice.
func (s *Scheduler) destination(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	if id, ok := s.destID[key]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	v, err, _ := s.dest.Do(key, func() (any, error) {
		s.mu.Lock()
		id, ok := s.destID[key]
		s.mu.Unlock()
		if ok {
			return id, nil
		}
		id, err := s.Sink.EnsureDestination(ctx, key)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		if s.destID == nil {
			s.destID = map[string]string{}
		}
		s.destID[key] = id
		s.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Scheduler) save(ctx context.Context, t *models.DeliveryTask) {
	if s.Repo == nil {
		return
	}
	if err := s.Repo.SaveDeliveryTask(ctx, t); err != nil {
		s.logger().Warn("persist delivery task failed", zap.String("task_id", t.TaskID), zap.Error(err))
	}
}

// Failures lists the tasks that did not reach Done.
func Failures(tasks []models.DeliveryTask) []models.Failure {
	var out []models.Failure
	for _, t := range tasks {
		if t.State == models.TaskDone {
			continue
		}
		kind := t.ErrorKind
		if kind == "" {
			kind = string(errs.KindDeliveryFailed)
		}
		out = append(out, models.Failure{
			Stage:   models.StageDeliver,
			EventID: t.EventID,
			TaskID:  t.TaskID,
			Kind:    kind,
			Message: t.LastError,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Scheduler) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
