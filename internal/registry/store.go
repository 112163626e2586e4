package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew = "registry.store.new"
	opGet      = "registry.get"
	opList     = "registry.list"
	opUpsert   = "registry.upsert"
	opDelete   = "registry.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists registrations. Reads never fail: storage errors are logged and reported as
// absence. Writes return a *ServiceError.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store backed by the provided gorm handle.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Get performs a point lookup by (owner, device, token).
func (s *Store) Get(ctx context.Context, ownerID, deviceID, token string) (Registration, bool) {
	if err := validateKey(ownerID, deviceID, token); err != nil {
		return Registration{}, false
	}

	var record Registration
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND device_id = ? AND token = ?", ownerID, deviceID, token).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Registration{}, false
	}
	if err != nil {
		s.logError(opGet, "query_failed", err,
			zap.String("owner_id", ownerID),
			zap.String("device_id", deviceID))
		return Registration{}, false
	}
	return record, true
}

// List returns every registration of ownerID, oldest first.
func (s *Store) List(ctx context.Context, ownerID string) []Registration {
	if err := validateIdentifier(ownerID, ErrInvalidOwnerID); err != nil {
		return nil
	}

	var records []Registration
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("registered_at ASC").
		Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("owner_id", ownerID))
		return nil
	}
	return records
}

// Upsert stores record under ownerID, overwriting events, response mode and registration time
// when the (owner, device, token) triple already exists.
func (s *Store) Upsert(ctx context.Context, ownerID string, record Registration) (Registration, error) {
	if err := validateKey(ownerID, record.DeviceID, record.Token); err != nil {
		s.logError(opUpsert, "invalid_key", err, zap.String("owner_id", ownerID))
		return Registration{}, newServiceError(opUpsert, "invalid_key", err)
	}

	record.OwnerID = ownerID
	record.ResponseMode = ParseResponseMode(string(record.ResponseMode))
	if record.RegisteredAt.IsZero() {
		record.RegisteredAt = s.clock().UTC()
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "device_id"}, {Name: "token"}},
			DoUpdates: clause.AssignmentColumns([]string{"events", "response_mode", "registered_at"}),
		}).
		Create(&record).Error
	if err != nil {
		s.logError(opUpsert, "write_failed", err,
			zap.String("owner_id", ownerID),
			zap.String("device_id", record.DeviceID))
		return Registration{}, newServiceError(opUpsert, "write_failed", err)
	}
	return record, nil
}

// Delete removes the registration; deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, ownerID, deviceID, token string) error {
	if err := validateKey(ownerID, deviceID, token); err != nil {
		s.logError(opDelete, "invalid_key", err, zap.String("owner_id", ownerID))
		return newServiceError(opDelete, "invalid_key", err)
	}

	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND device_id = ? AND token = ?", ownerID, deviceID, token).
		Delete(&Registration{}).Error
	if err != nil {
		s.logError(opDelete, "write_failed", err,
			zap.String("owner_id", ownerID),
			zap.String("device_id", deviceID))
		return newServiceError(opDelete, "write_failed", err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("registry error", attrs...)
}
