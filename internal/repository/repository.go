package repository

import (
	"context"
	"errors"
	"time"

	"sportsedge/internal/models"
)

// ErrReportExists is returned by CreateReport when a report for the date is already stored.
var ErrReportExists = errors.New("report already exists")

type ReportRepository interface {
	CreateReport(ctx context.Context, item *models.Report) error
	// GetReport returns (nil, nil) when no report exists for the date.
	GetReport(ctx context.Context, date string) (*models.Report, error)
	SaveReport(ctx context.Context, item *models.Report) error
	// ClaimReport takes the generation lease of a stored report for owner until the
	// given time. It succeeds only when the lease is free, expired at now, or already
	// held by owner, and returns false when the report does not exist.
	ClaimReport(ctx context.Context, date, owner string, now, until time.Time) (bool, error)
	ListReports(ctx context.Context, params ListReportsParams) ([]models.Report, error)
}

type DeliveryTaskRepository interface {
	// InsertDeliveryTasks stores tasks whose TaskID is not yet known and leaves existing rows untouched.
	InsertDeliveryTasks(ctx context.Context, items []models.DeliveryTask) error
	ListDeliveryTasks(ctx context.Context, reportDate string) ([]models.DeliveryTask, error)
	GetDeliveryTask(ctx context.Context, taskID string) (*models.DeliveryTask, error)
	SaveDeliveryTask(ctx context.Context, item *models.DeliveryTask) error
}

type QuotaRepository interface {
	GetQuotaBudget(ctx context.Context, sourceID, window string) (*models.QuotaBudget, error)
	UpsertQuotaBudget(ctx context.Context, item *models.QuotaBudget) error
	ListQuotaBudgets(ctx context.Context, window string) ([]models.QuotaBudget, error)
}

// Repository is the persisted state consumed by the pipeline.
type Repository interface {
	ReportRepository
	DeliveryTaskRepository
	QuotaRepository
}

type ListReportsParams struct {
	Limit  int
	Offset int
	State  *string
}
