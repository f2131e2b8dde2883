package models

import "time"

// QuotaBudget is the call counter of one source for one daily window.
// Used never exceeds DailyLimit.
type QuotaBudget struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SourceID    string    `gorm:"type:varchar(100);not null;uniqueIndex:uniq_quota_window" json:"source_id"`
	Window      string    `gorm:"column:window_date;type:varchar(10);not null;uniqueIndex:uniq_quota_window" json:"window"`
	DailyLimit  int       `gorm:"not null" json:"limit"`
	Used        int       `gorm:"not null;default:0" json:"used"`
	WindowStart time.Time `gorm:"not null" json:"window_start"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (QuotaBudget) TableName() string {
	return "quota_budgets"
}

func (q QuotaBudget) Remaining() int {
	if q.Used >= q.DailyLimit {
		return 0
	}
	return q.DailyLimit - q.Used
}
