package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/graphpilot-backend/internal/domain/assistant"
)

// Models lists every table owned by this service.
func Models() []any {
	return []any{
		&assistant.ThreadDocument{},
	}
}

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
