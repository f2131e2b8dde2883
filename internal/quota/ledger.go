package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sportsedge/internal/errs"
	"sportsedge/internal/models"
	"sportsedge/internal/repository"
)

// Tracker gates upstream calls against each source's daily budget.
type Tracker interface {
	// Reserve takes cost units from the source's current window or returns a
	// quota_exceeded error without changing anything.
	Reserve(ctx context.Context, sourceID string, cost int) (Reservation, error)
	// Release returns a reservation's units. Releasing twice, or after the window
	// rolled over, is a no-op.
	Release(ctx context.Context, res Reservation) error
	Remaining(ctx context.Context, sourceID string) (int, error)
	Snapshot(ctx context.Context) ([]models.QuotaBudget, error)
}

type Reservation struct {
	ID       uuid.UUID
	SourceID string
	Cost     int
	Window   string
}

// Ledger is the in-process Tracker. Counters are guarded by a single mutex and
// written through to the repository so a restart within the same window resumes
// from the persisted usage.
type Ledger struct {
	Repo     repository.QuotaRepository
	Logger   *zap.Logger
	Location *time.Location
	Now      func() time.Time

	mu       sync.Mutex
	limits   map[string]int
	budgets  map[string]*models.QuotaBudget
	// released maps a released reservation to its window. Entries of past windows
	// are dropped on rollover.
	released map[uuid.UUID]string
}

// NewLedger tracks the given per-source daily limits. A limit <= 0 means the
// source has no declared budget.
func NewLedger(limits map[string]int, repo repository.QuotaRepository, loc *time.Location, logger *zap.Logger) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cp := make(map[string]int, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	return &Ledger{
		Repo:     repo,
		Logger:   logger,
		Location: loc,
		limits:   cp,
		budgets:  map[string]*models.QuotaBudget{},
		released: map[uuid.UUID]string{},
	}
}

var _ Tracker = (*Ledger)(nil)

func (l *Ledger) Reserve(ctx context.Context, sourceID string, cost int) (Reservation, error) {
	if cost <= 0 {
		cost = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.budget(ctx, sourceID)
	if b.DailyLimit > 0 && b.Used+cost > b.DailyLimit {
		l.Logger.Debug("quota denied",
			zap.String("source", sourceID),
			zap.Int("used", b.Used),
			zap.Int("limit", b.DailyLimit),
			zap.Int("cost", cost),
		)
		return Reservation{}, errs.WithSource(errs.KindQuotaExceeded, "quota.reserve", sourceID,
			fmt.Errorf("used %d of %d, cost %d", b.Used, b.DailyLimit, cost))
	}
	b.Used += cost
	l.persist(ctx, b)
	return Reservation{ID: uuid.New(), SourceID: sourceID, Cost: cost, Window: b.Window}, nil
}

func (l *Ledger) Release(ctx context.Context, res Reservation) error {
	if res.ID == uuid.Nil || res.Cost <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.budget(ctx, res.SourceID)
	if b.Window != res.Window {
		return nil
	}
	if _, ok := l.released[res.ID]; ok {
		return nil
	}
	l.released[res.ID] = res.Window

	b.Used -= res.Cost
	if b.Used < 0 {
		b.Used = 0
	}
	l.persist(ctx, b)
	return nil
}

func (l *Ledger) Remaining(ctx context.Context, sourceID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.budget(ctx, sourceID)
	if b.DailyLimit <= 0 {
		return -1, nil
	}
	return b.Remaining(), nil
}

func (l *Ledger) Snapshot(ctx context.Context) ([]models.QuotaBudget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.QuotaBudget, 0, len(l.limits))
	for id := range l.limits {
		out = append(out, *l.budget(ctx, id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// budget returns the counter for the current window, loading or rolling it over.
// Callers hold l.mu.
func (l *Ledger) budget(ctx context.Context, sourceID string) *models.QuotaBudget {
	window, start := Window(l.now(), l.Location)
	if b, ok := l.budgets[sourceID]; ok && b.Window == window {
		return b
	}
	for id, w := range l.released {
		if w != window {
			delete(l.released, id)
		}
	}
	b := &models.QuotaBudget{
		SourceID:    sourceID,
		Window:      window,
		DailyLimit:  l.limits[sourceID],
		WindowStart: start,
	}
	if l.Repo != nil {
		stored, err := l.Repo.GetQuotaBudget(ctx, sourceID, window)
		if err != nil {
			l.Logger.Warn("load quota budget failed", zap.String("source", sourceID), zap.Error(err))
		} else if stored != nil {
			b.Used = stored.Used
			b.ID = stored.ID
		}
	}
	l.budgets[sourceID] = b
	return b
}

func (l *Ledger) persist(ctx context.Context, b *models.QuotaBudget) {
	if l.Repo == nil {
		return
	}
	cp := *b
	if err := l.Repo.UpsertQuotaBudget(ctx, &cp); err != nil {
		l.Logger.Warn("persist quota budget failed", zap.String("source", b.SourceID), zap.Error(err))
	}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Window returns the daily window key (2006-01-02) containing t and its start.
func Window(t time.Time, loc *time.Location) (string, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start.Format("2006-01-02"), start
}
