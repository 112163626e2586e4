package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cloudnotify/internal/registry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeResponseMode = "2026-10-01_normalize_response_mode"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeResponseMode, apply: normalizeResponseMode},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeResponseMode rewrites rows stored before the response mode column was populated.
func normalizeResponseMode(db *gorm.DB) error {
	return db.Model(&registry.Registration{}).
		Where("response_mode = '' OR response_mode IS NULL").
		Update("response_mode", registry.ResponseModeBoth).Error
}
