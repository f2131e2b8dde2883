package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sportsedge/internal/analysis"
	"sportsedge/internal/collector"
	"sportsedge/internal/delivery"
	"sportsedge/internal/errs"
	"sportsedge/internal/models"
	"sportsedge/internal/paas"
	"sportsedge/internal/ranker"
	"sportsedge/internal/repository"
	"sportsedge/internal/source"
)

const dateLayout = "2006-01-02"

type RunOptions struct {
	// Resume re-drives the persisted delivery tasks of an already terminal report
	// instead of rejecting the run as a duplicate.
	Resume bool
}

// Aggregator owns the daily report: it drives collection, analysis, ranking and
// delivery and persists the generation state after every transition.
type Aggregator struct {
	Repo      repository.ReportRepository
	Collector *collector.Collector
	Engine    *analysis.Engine
	Ranker    *ranker.Ranker
	Delivery  *delivery.Scheduler

	Schedule source.Source
	Sources  []source.Source

	RunBudget      time.Duration
	DeliveryBudget time.Duration
	Location       *time.Location
	Logger         *zap.Logger
	Now            func() time.Time

	// Owner identifies this instance on the report lease. Instances sharing a store
	// must use distinct owners; empty gets a random id.
	Owner string
	// LeaseTTL bounds how long a report stays claimed without a state write. Zero
	// means the run budget plus the delivery budget plus one minute.
	LeaseTTL time.Duration

	mu      sync.Mutex
	running map[string]bool
}

// Today returns the report date for the current time in the report timezone.
func (a *Aggregator) Today() string {
	return a.now().In(a.location()).Format(dateLayout)
}

// CheckRunnable reports whether RunDaily would start work for date without starting it.
func (a *Aggregator) CheckRunnable(ctx context.Context, date string, resume bool) error {
	if err := a.validate(date); err != nil {
		return err
	}
	a.mu.Lock()
	busy := a.running[date]
	a.mu.Unlock()
	if busy {
		return errs.Newf(errs.KindRunInProgress, "report.run", "run for %s already in progress", date)
	}
	existing, err := a.Repo.GetReport(ctx, date)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if err := rejectTerminal(existing, resume); err != nil {
		return err
	}
	if existing.LeaseHeldByOther(a.owner(), a.now()) {
		return inProgress(existing)
	}
	return nil
}

func inProgress(rep *models.Report) error {
	return errs.Newf(errs.KindRunInProgress, "report.run", "report for %s is held by %s", rep.Date, rep.LeaseOwner)
}

func rejectTerminal(rep *models.Report, resume bool) error {
	if !rep.State.IsTerminal() {
		return nil
	}
	if rep.State == models.ReportFailed || !resume {
		return errs.Newf(errs.KindDuplicateReport, "report.run", "report for %s already %s", rep.Date, rep.State)
	}
	return nil
}

// RunDaily generates the report for date at most once. A terminal report is rejected
// unless opts.Resume is set; a report interrupted during delivery resumes from its
// persisted tasks; one interrupted earlier is collected again.
func (a *Aggregator) RunDaily(ctx context.Context, date string, opts RunOptions) (*models.Report, error) {
	if err := a.validate(date); err != nil {
		return nil, err
	}
	if !a.acquire(date) {
		return nil, errs.Newf(errs.KindRunInProgress, "report.run", "run for %s already in progress", date)
	}
	defer a.release(date)

	existing, err := a.Repo.GetReport(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}
	if existing != nil {
		if err := rejectTerminal(existing, opts.Resume); err != nil {
			return existing, err
		}
		now := a.now()
		until := now.Add(a.leaseTTL())
		claimed, err := a.Repo.ClaimReport(ctx, date, a.owner(), now, until)
		if err != nil {
			return nil, fmt.Errorf("claim report: %w", err)
		}
		if !claimed {
			return nil, inProgress(existing)
		}
		existing.LeaseOwner = a.owner()
		existing.LeaseUntil = &until
		if existing.State.IsTerminal() || existing.State == models.ReportDelivering {
			a.logger().Info("resuming delivery", zap.String("date", date), zap.String("state", string(existing.State)))
			return a.deliver(ctx, existing)
		}
		a.logger().Warn("report interrupted before delivery, collecting again",
			zap.String("date", date),
			zap.String("state", string(existing.State)),
		)
		rep := a.fresh(date)
		rep.StartedAt = existing.StartedAt
		if err := a.Repo.SaveReport(ctx, rep); err != nil {
			return nil, fmt.Errorf("save report: %w", err)
		}
		return a.generate(ctx, rep)
	}

	rep := a.fresh(date)
	if err := a.Repo.CreateReport(ctx, rep); err != nil {
		if errors.Is(err, repository.ErrReportExists) {
			return nil, errs.New(errs.KindDuplicateReport, "report.run", err)
		}
		return nil, fmt.Errorf("create report: %w", err)
	}
	return a.generate(ctx, rep)
}

func (a *Aggregator) fresh(date string) *models.Report {
	now := a.now()
	until := now.Add(a.leaseTTL())
	return &models.Report{
		Date:       date,
		State:      models.ReportCollecting,
		StartedAt:  now,
		UpdatedAt:  now,
		LeaseOwner: a.owner(),
		LeaseUntil: &until,
	}
}

func (a *Aggregator) generate(ctx context.Context, rep *models.Report) (*models.Report, error) {
	paas.LogBestEffortCtx(ctx, "sportsedge_run_started", "info", map[string]any{"date": rep.Date})

	runCtx, cancel := context.WithTimeout(ctx, a.runBudget())
	events, schedRes := a.Collector.FetchSchedule(runCtx, rep.Date, a.Schedule)
	if schedRes.Status == models.StatusFailed {
		rep.SourceFailures = append(rep.SourceFailures, failureOf(models.StageSchedule, schedRes))
	}
	if len(events) == 0 {
		cancel()
		rep.FatalError = "no events scheduled for " + rep.Date
		if schedRes.Err != nil {
			rep.FatalError += ": " + errs.Message(schedRes.Err)
		}
		a.logger().Error("report failed", zap.String("date", rep.Date), zap.String("kind", string(errs.KindNoEvents)), zap.String("reason", rep.FatalError))
		return a.finish(ctx, rep, models.ReportFailed)
	}
	sortEvents(events)

	results := a.Collector.Collect(runCtx, rep.Date, events, a.Sources)
	cancel()
	if err := a.transition(ctx, rep, models.ReportAnalyzing); err != nil {
		return rep, err
	}

	insights := make([]models.Insight, len(events))
	for i, ev := range events {
		row := rowOf(results[ev.ID])
		for _, r := range row {
			if r.Status == models.StatusFailed {
				rep.SourceFailures = append(rep.SourceFailures, failureOf(models.StageCollect, r))
			}
		}
		insights[i] = a.Engine.Combine(ev, row)
		rep.SourceFailures = append(rep.SourceFailures, insights[i].Degraded...)
	}
	if err := a.transition(ctx, rep, models.ReportRanking); err != nil {
		return rep, err
	}

	rep.Events = make([]models.EventReport, len(events))
	for i, ev := range events {
		rep.Events[i] = models.EventReport{
			Event:           ev,
			Insight:         insights[i],
			Recommendations: a.Ranker.Rank(insights[i]),
		}
	}
	if err := a.transition(ctx, rep, models.ReportDelivering); err != nil {
		return rep, err
	}
	return a.deliver(ctx, rep)
}

// deliver schedules and drains delivery tasks under their own budget, then moves the
// report to its terminal state.
func (a *Aggregator) deliver(ctx context.Context, rep *models.Report) (*models.Report, error) {
	dctx, cancel := context.WithTimeout(ctx, a.deliveryBudget())
	defer cancel()

	tasks, err := a.Delivery.Schedule(dctx, rep)
	if err != nil {
		rep.FatalError = "schedule delivery: " + err.Error()
		if rep.State.IsTerminal() {
			_ = a.save(ctx, rep)
			return rep, err
		}
		return a.finish(ctx, rep, models.ReportFailed)
	}
	tasks = a.Delivery.Run(dctx, tasks)
	rep.DeliveryFailures = delivery.Failures(tasks)

	final := finalState(rep, tasks)
	if rep.State.IsTerminal() {
		// Resumed terminal report: record the outcome without a state-machine move.
		rep.State = final
		return rep, a.save(ctx, rep)
	}
	return a.finish(ctx, rep, final)
}

func (a *Aggregator) finish(ctx context.Context, rep *models.Report, state models.ReportState) (*models.Report, error) {
	now := a.now()
	rep.FinishedAt = &now
	if err := a.transition(ctx, rep, state); err != nil {
		return rep, err
	}
	level := "info"
	if state != models.ReportCompleted {
		level = "warn"
	}
	a.logger().Info("report finished",
		zap.String("date", rep.Date),
		zap.String("state", string(state)),
		zap.Int("events", len(rep.Events)),
		zap.Int("recommendations", rep.RecommendationCount()),
		zap.Int("source_failures", len(rep.SourceFailures)),
		zap.Int("delivery_failures", len(rep.DeliveryFailures)),
	)
	paas.LogBestEffortCtx(ctx, "sportsedge_run_finished", level, map[string]any{
		"date":              rep.Date,
		"state":             string(state),
		"events":            len(rep.Events),
		"recommendations":   rep.RecommendationCount(),
		"source_failures":   len(rep.SourceFailures),
		"delivery_failures": len(rep.DeliveryFailures),
	})
	return rep, nil
}

func (a *Aggregator) transition(ctx context.Context, rep *models.Report, to models.ReportState) error {
	if err := checkTransition(rep.State, to); err != nil {
		return err
	}
	a.logger().Debug("report state", zap.String("date", rep.Date), zap.String("from", string(rep.State)), zap.String("to", string(to)))
	rep.State = to
	return a.save(ctx, rep)
}

// save persists rep and renews this instance's lease, or drops it once rep is terminal.
func (a *Aggregator) save(ctx context.Context, rep *models.Report) error {
	rep.UpdatedAt = a.now()
	rep.LeaseOwner = a.owner()
	if rep.State.IsTerminal() {
		rep.LeaseUntil = nil
	} else {
		until := rep.UpdatedAt.Add(a.leaseTTL())
		rep.LeaseUntil = &until
	}
	if err := a.Repo.SaveReport(context.WithoutCancel(ctx), rep); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (a *Aggregator) validate(date string) error {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return errs.Newf(errs.KindFatalConfig, "report.run", "invalid report date %q", date)
	}
	var missing []string
	if a.Repo == nil {
		missing = append(missing, "repository")
	}
	if a.Collector == nil {
		missing = append(missing, "collector")
	}
	if a.Engine == nil {
		missing = append(missing, "analysis engine")
	}
	if a.Ranker == nil {
		missing = append(missing, "ranker")
	}
	if a.Delivery == nil {
		missing = append(missing, "delivery scheduler")
	}
	if a.Schedule.Adapter == nil {
		missing = append(missing, "schedule source")
	}
	if len(missing) > 0 {
		return errs.Newf(errs.KindFatalConfig, "report.run", "aggregator missing %v", missing)
	}
	return nil
}

func (a *Aggregator) acquire(date string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running == nil {
		a.running = map[string]bool{}
	}
	if a.running[date] {
		return false
	}
	a.running[date] = true
	return true
}

func (a *Aggregator) release(date string) {
	a.mu.Lock()
	delete(a.running, date)
	a.mu.Unlock()
}

func failureOf(stage string, r models.SourceResult) models.Failure {
	kind := errs.KindOf(r.Err)
	if kind == "" {
		kind = errs.KindUnknown
	}
	return models.Failure{
		Stage:    stage,
		EventID:  r.EventID,
		SourceID: r.SourceID,
		Kind:     string(kind),
		Message:  errs.Message(r.Err),
	}
}

func rowOf(m map[string]models.SourceResult) []models.SourceResult {
	out := make([]models.SourceResult, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func sortEvents(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].StartTime.Before(events[j].StartTime)
		}
		return events[i].ID < events[j].ID
	})
}

func (a *Aggregator) runBudget() time.Duration {
	if a.RunBudget <= 0 {
		return 10 * time.Minute
	}
	return a.RunBudget
}

func (a *Aggregator) deliveryBudget() time.Duration {
	if a.DeliveryBudget <= 0 {
		return 5 * time.Minute
	}
	return a.DeliveryBudget
}

func (a *Aggregator) leaseTTL() time.Duration {
	if a.LeaseTTL > 0 {
		return a.LeaseTTL
	}
	return a.runBudget() + a.deliveryBudget() + time.Minute
}

func (a *Aggregator) owner() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Owner == "" {
		a.Owner = uuid.NewString()
	}
	return a.Owner
}

func (a *Aggregator) location() *time.Location {
	if a.Location == nil {
		return time.UTC
	}
	return a.Location
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

func (a *Aggregator) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}
