package gormrepository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sportsedge/internal/models"
	"sportsedge/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ repository.Repository = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- reports ---------------------------------------------------------------

func (s *Store) CreateReport(ctx context.Context, item *models.Report) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	rec, err := toRecord(item)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "report_date"}},
		DoNothing: true,
	}).Create(rec)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrReportExists
	}
	return nil
}

func (s *Store) GetReport(ctx context.Context, date string) (*models.Report, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	date = strings.TrimSpace(date)
	if date == "" {
		return nil, nil
	}
	var rec models.ReportRecord
	err := s.db.WithContext(ctx).Where("report_date = ?", date).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

func (s *Store) SaveReport(ctx context.Context, item *models.Report) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	rec, err := toRecord(item)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "report_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state",
			"event_count",
			"rec_count",
			"events",
			"source_failures",
			"delivery_failures",
			"fatal_error",
			"finished_at",
			"lease_owner",
			"lease_until",
			"updated_at",
		}),
	}).Create(rec).Error
}

func (s *Store) ClaimReport(ctx context.Context, date, owner string, now, until time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.ReportRecord{}).
		Where("report_date = ?", date).
		Where("lease_owner = '' OR lease_owner = ? OR lease_until IS NULL OR lease_until <= ?", owner, now).
		Updates(map[string]any{"lease_owner": owner, "lease_until": until})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ListReports(ctx context.Context, params repository.ListReportsParams) ([]models.Report, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.ReportRecord{})
	if params.State != nil && strings.TrimSpace(*params.State) != "" {
		query = query.Where("state = ?", strings.TrimSpace(*params.State))
	}
	var recs []models.ReportRecord
	err := query.Order("report_date desc").
		Limit(normalizeLimit(params.Limit, 30)).
		Offset(normalizeOffset(params.Offset)).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Report, 0, len(recs))
	for i := range recs {
		r, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// --- delivery tasks ----------------------------------------------------------

func (s *Store) InsertDeliveryTasks(ctx context.Context, items []models.DeliveryTask) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		DoNothing: true,
	}).CreateInBatches(items, 200).Error
}

func (s *Store) ListDeliveryTasks(ctx context.Context, reportDate string) ([]models.DeliveryTask, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.DeliveryTask
	err := s.db.WithContext(ctx).
		Where("report_date = ?", strings.TrimSpace(reportDate)).
		Order("section asc").
		Order("event_id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetDeliveryTask(ctx context.Context, taskID string) (*models.DeliveryTask, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.DeliveryTask
	err := s.db.WithContext(ctx).Where("task_id = ?", strings.TrimSpace(taskID)).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) SaveDeliveryTask(ctx context.Context, item *models.DeliveryTask) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Save(item).Error
}

// --- quota -----------------------------------------------------------------

func (s *Store) GetQuotaBudget(ctx context.Context, sourceID, window string) (*models.QuotaBudget, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.QuotaBudget
	err := s.db.WithContext(ctx).
		Where("source_id = ? AND window_date = ?", sourceID, window).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertQuotaBudget(ctx context.Context, item *models.QuotaBudget) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	// Uniqueness is enforced by uniq_quota_window (source_id, window_date).
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_id"}, {Name: "window_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"daily_limit",
			"used",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListQuotaBudgets(ctx context.Context, window string) ([]models.QuotaBudget, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.QuotaBudget
	query := s.db.WithContext(ctx).Model(&models.QuotaBudget{})
	if strings.TrimSpace(window) != "" {
		query = query.Where("window_date = ?", strings.TrimSpace(window))
	}
	if err := query.Order("source_id asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- helpers -----------------------------------------------------------------

func toRecord(r *models.Report) (*models.ReportRecord, error) {
	events, err := json.Marshal(r.Events)
	if err != nil {
		return nil, err
	}
	sourceFailures, err := json.Marshal(r.SourceFailures)
	if err != nil {
		return nil, err
	}
	deliveryFailures, err := json.Marshal(r.DeliveryFailures)
	if err != nil {
		return nil, err
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return &models.ReportRecord{
		Date:             r.Date,
		State:            string(r.State),
		EventCount:       len(r.Events),
		RecCount:         r.RecommendationCount(),
		Events:           datatypes.JSON(events),
		SourceFailures:   datatypes.JSON(sourceFailures),
		DeliveryFailures: datatypes.JSON(deliveryFailures),
		FatalError:       r.FatalError,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
		LeaseOwner:       r.LeaseOwner,
		LeaseUntil:       r.LeaseUntil,
		UpdatedAt:        updated,
	}, nil
}

func fromRecord(rec *models.ReportRecord) (*models.Report, error) {
	out := &models.Report{
		Date:       rec.Date,
		State:      models.ReportState(rec.State),
		FatalError: rec.FatalError,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		UpdatedAt:  rec.UpdatedAt,
		LeaseOwner: rec.LeaseOwner,
		LeaseUntil: rec.LeaseUntil,
	}
	if err := unmarshalJSON(rec.Events, &out.Events); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(rec.SourceFailures, &out.SourceFailures); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(rec.DeliveryFailures, &out.DeliveryFailures); err != nil {
		return nil, err
	}
	return out, nil
}

func unmarshalJSON(raw datatypes.JSON, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
