package models

import "time"

type TaskState string

const (
	TaskPending  TaskState = "pending"
	TaskInFlight TaskState = "in_flight"
	TaskDone     TaskState = "done"
	TaskFailed   TaskState = "failed"
)

func (s TaskState) IsTerminal() bool {
	return s == TaskDone || s == TaskFailed
}

const (
	SectionEvent   = "event"
	SectionSummary = "summary"
)

// DeliveryTask is one unit of fan-out. TaskID is derived from the report date,
// section and event, so re-scheduling the same report yields the same ids.
type DeliveryTask struct {
	TaskID     string `gorm:"type:varchar(36);primaryKey" json:"task_id"`
	ReportDate string `gorm:"type:varchar(10);not null;index" json:"report_date"`
	Section    string `gorm:"type:varchar(20);not null" json:"section"`
	EventID    string `gorm:"type:varchar(100)" json:"event_id,omitempty"`

	DestinationKey string `gorm:"type:varchar(100);not null" json:"destination_key"`
	DestinationID  string `gorm:"type:varchar(100)" json:"destination_id,omitempty"`
	Content        string `gorm:"type:text" json:"-"`

	State          TaskState  `gorm:"type:varchar(20);not null;index" json:"state"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
	ErrorKind      string     `gorm:"type:varchar(40)" json:"error_kind,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DeliveryTask) TableName() string {
	return "delivery_tasks"
}
