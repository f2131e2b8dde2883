package db

import (
	"fmt"

	"sportsedge/internal/models"
)

// AutoMigrate creates the report, delivery task and quota tables.
func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil {
		return nil
	}
	for _, m := range []any{&models.ReportRecord{}, &models.DeliveryTask{}, &models.QuotaBudget{}} {
		if err := db.Gorm.AutoMigrate(m); err != nil {
			return fmt.Errorf("migrate %T: %w", m, err)
		}
	}
	return nil
}
