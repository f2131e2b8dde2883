package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Recommendation struct {
	EventID    string           `json:"event_id"`
	Market     string           `json:"market"`
	Selection  string           `json:"selection"`
	Line       *decimal.Decimal `json:"line,omitempty"`
	Price      decimal.Decimal  `json:"price"`
	Confidence float64          `json:"confidence"`
	Edge       float64          `json:"edge"`
	Rationale  []Evidence       `json:"rationale"`
	Rank       int              `json:"rank"`
}

type ReportState string

const (
	ReportCollecting                   ReportState = "collecting"
	ReportAnalyzing                    ReportState = "analyzing"
	ReportRanking                      ReportState = "ranking"
	ReportDelivering                   ReportState = "delivering"
	ReportCompleted                    ReportState = "completed"
	ReportCompletedWithPartialFailures ReportState = "completed_with_partial_failures"
	ReportFailed                       ReportState = "failed"
)

func (s ReportState) IsTerminal() bool {
	switch s {
	case ReportCompleted, ReportCompletedWithPartialFailures, ReportFailed:
		return true
	default:
		return false
	}
}

const (
	StageSchedule = "schedule"
	StageCollect  = "collect"
	StageAnalyze  = "analyze"
	StageDeliver  = "deliver"
)

// Failure is one enumerated reason a report is partial.
type Failure struct {
	Stage    string `json:"stage"`
	EventID  string `json:"event_id,omitempty"`
	SourceID string `json:"source_id,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	Kind     string `json:"kind"`
	Message  string `json:"message,omitempty"`
}

type EventReport struct {
	Event           Event            `json:"event"`
	Insight         Insight          `json:"insight"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Report is the daily aggregate. Date is the calendar date in the report timezone,
// formatted as 2006-01-02.
type Report struct {
	Date             string        `json:"date"`
	State            ReportState   `json:"state"`
	Events           []EventReport `json:"events"`
	SourceFailures   []Failure     `json:"source_failures"`
	DeliveryFailures []Failure     `json:"delivery_failures"`
	FatalError       string        `json:"fatal_error,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       *time.Time    `json:"finished_at,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`

	// LeaseOwner is the instance generating or delivering the report. The lease is
	// live until LeaseUntil; a terminal report holds no lease.
	LeaseOwner string     `json:"lease_owner,omitempty"`
	LeaseUntil *time.Time `json:"lease_until,omitempty"`
}

// LeaseHeldByOther reports whether another instance holds a live lease at now.
func (r *Report) LeaseHeldByOther(owner string, now time.Time) bool {
	if r == nil || r.LeaseOwner == "" || r.LeaseOwner == owner || r.LeaseUntil == nil {
		return false
	}
	return now.Before(*r.LeaseUntil)
}

func (r *Report) RecommendationCount() int {
	n := 0
	for _, e := range r.Events {
		n += len(e.Recommendations)
	}
	return n
}

// ReportRecord is the persisted form of a Report, one row per date.
type ReportRecord struct {
	Date       string `gorm:"column:report_date;type:varchar(10);primaryKey"`
	State      string `gorm:"type:varchar(40);not null;index"`
	EventCount int    `gorm:"not null;default:0"`
	RecCount   int    `gorm:"not null;default:0"`

	Events           datatypes.JSON
	SourceFailures   datatypes.JSON
	DeliveryFailures datatypes.JSON
	FatalError       string `gorm:"type:text"`

	LeaseOwner string `gorm:"type:varchar(120);not null;default:''"`
	LeaseUntil *time.Time

	StartedAt  time.Time `gorm:"not null"`
	FinishedAt *time.Time
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (ReportRecord) TableName() string {
	return "reports"
}
