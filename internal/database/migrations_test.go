package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cloudnotify/internal/notification"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/registry"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesResponseMode(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&registry.Registration{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := registry.Registration{
		OwnerID:      "owner-1",
		DeviceID:     "device-1",
		Token:        "token-1",
		Events:       notification.KindChangeMerged,
		ResponseMode: registry.ResponseModeData,
		RegisteredAt: time.Unix(1790000000, 0).UTC(),
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert registration: %v", err)
	}
	if err := database.Exec("UPDATE cloud_notifications SET response_mode = ''").Error; err != nil {
		testContext.Fatalf("failed to blank response mode: %v", err)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	if err := applyMigrations(database, zap.New(core)); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored registry.Registration
	if err := database.Where("owner_id = ? AND device_id = ? AND token = ?", legacy.OwnerID, legacy.DeviceID, legacy.Token).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload registration: %v", err)
	}
	if stored.ResponseMode != registry.ResponseModeBoth {
		testContext.Fatalf("expected response mode BOTH, got %q", stored.ResponseMode)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeResponseMode).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
	if logs.FilterMessage("database migration applied").Len() != 1 {
		testContext.Fatalf("expected the migration to be logged once")
	}

	if err := database.Exec("UPDATE cloud_notifications SET response_mode = ''").Error; err != nil {
		testContext.Fatalf("failed to blank response mode: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	if err := database.Where("owner_id = ?", legacy.OwnerID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload registration: %v", err)
	}
	if stored.ResponseMode != "" {
		testContext.Fatalf("expected applied migrations to be skipped, got %q", stored.ResponseMode)
	}
}

func TestOpenSelectsDriver(testContext *testing.T) {
	tempDir := testContext.TempDir()

	database, err := Open(Config{Driver: "SQLite", Path: filepath.Join(tempDir, "open.db")}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if !database.Migrator().HasTable(&registry.Registration{}) {
		testContext.Fatalf("expected registration table to exist")
	}
	if !database.Migrator().HasTable(&migrationRecord{}) {
		testContext.Fatalf("expected migration table to exist")
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing-path", cfg: Config{Driver: DriverSQLite}},
		{name: "missing-dsn", cfg: Config{Driver: DriverPostgres, DSN: " "}},
		{name: "unknown-driver", cfg: Config{Driver: "mysql"}},
	}
	for _, tt := range tests {
		testContext.Run(tt.name, func(testContext *testing.T) {
			if _, err := Open(tt.cfg, nil); err == nil {
				testContext.Fatalf("expected an error")
			}
		})
	}
}
