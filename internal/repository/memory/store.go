// Package memory is a process-local Repository used by tests and by the log-only
// development setup when no database DSN is configured.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"sportsedge/internal/models"
	"sportsedge/internal/repository"
)

type Store struct {
	mu      sync.RWMutex
	reports map[string][]byte
	tasks   map[string]models.DeliveryTask
	quotas  map[string]models.QuotaBudget
}

func New() *Store {
	return &Store{
		reports: map[string][]byte{},
		tasks:   map[string]models.DeliveryTask{},
		quotas:  map[string]models.QuotaBudget{},
	}
}

var _ repository.Repository = (*Store)(nil)

// Reports are stored encoded so callers never share slices with the store.

func (s *Store) CreateReport(_ context.Context, item *models.Report) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[item.Date]; ok {
		return repository.ErrReportExists
	}
	return s.putReport(item)
}

func (s *Store) GetReport(_ context.Context, date string) (*models.Report, error) {
	s.mu.RLock()
	raw, ok := s.reports[date]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var out models.Report
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) SaveReport(_ context.Context, item *models.Report) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putReport(item)
}

func (s *Store) ClaimReport(_ context.Context, date, owner string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.reports[date]
	if !ok {
		return false, nil
	}
	var cur models.Report
	if err := json.Unmarshal(raw, &cur); err != nil {
		return false, err
	}
	if cur.LeaseHeldByOther(owner, now) {
		return false, nil
	}
	cur.LeaseOwner = owner
	cur.LeaseUntil = &until
	return true, s.putReport(&cur)
}

func (s *Store) putReport(item *models.Report) error {
	item.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	s.reports[item.Date] = raw
	return nil
}

func (s *Store) ListReports(ctx context.Context, params repository.ListReportsParams) ([]models.Report, error) {
	s.mu.RLock()
	dates := make([]string, 0, len(s.reports))
	for d := range s.reports {
		dates = append(dates, d)
	}
	s.mu.RUnlock()
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	out := make([]models.Report, 0, len(dates))
	for _, d := range dates {
		r, err := s.GetReport(ctx, d)
		if err != nil {
			return nil, err
		}
		if r == nil {
			continue
		}
		if params.State != nil && *params.State != "" && string(r.State) != *params.State {
			continue
		}
		out = append(out, *r)
	}
	if params.Offset > 0 {
		if params.Offset >= len(out) {
			return nil, nil
		}
		out = out[params.Offset:]
	}
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

func (s *Store) InsertDeliveryTasks(_ context.Context, items []models.DeliveryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, it := range items {
		if _, ok := s.tasks[it.TaskID]; ok {
			continue
		}
		it.CreatedAt = now
		it.UpdatedAt = now
		s.tasks[it.TaskID] = it
	}
	return nil
}

func (s *Store) ListDeliveryTasks(_ context.Context, reportDate string) ([]models.DeliveryTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DeliveryTask
	for _, t := range s.tasks {
		if t.ReportDate == reportDate {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Section != out[j].Section {
			return out[i].Section < out[j].Section
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

func (s *Store) GetDeliveryTask(_ context.Context, taskID string) (*models.DeliveryTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *Store) SaveDeliveryTask(_ context.Context, item *models.DeliveryTask) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item.UpdatedAt = time.Now().UTC()
	s.tasks[item.TaskID] = *item
	return nil
}

func (s *Store) GetQuotaBudget(_ context.Context, sourceID, window string) (*models.QuotaBudget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotas[sourceID+"|"+window]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (s *Store) UpsertQuotaBudget(_ context.Context, item *models.QuotaBudget) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item.UpdatedAt = time.Now().UTC()
	s.quotas[item.SourceID+"|"+item.Window] = *item
	return nil
}

func (s *Store) ListQuotaBudgets(_ context.Context, window string) ([]models.QuotaBudget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.QuotaBudget
	for _, q := range s.quotas {
		if window == "" || q.Window == window {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}
