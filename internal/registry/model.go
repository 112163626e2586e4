package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cloudnotify/internal/notification"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidOwnerID indicates an empty or oversized owner identifier.
	ErrInvalidOwnerID = errors.New("registry: invalid owner id")
	// ErrInvalidDeviceID indicates an empty or oversized device identifier.
	ErrInvalidDeviceID = errors.New("registry: invalid device id")
	// ErrInvalidToken indicates an empty token.
	ErrInvalidToken = errors.New("registry: invalid token")
)

// ResponseMode selects which blocks a delivery carries.
type ResponseMode string

const (
	// ResponseModeNotification sends the human readable title/body/icon block only.
	ResponseModeNotification ResponseMode = "NOTIFICATION"
	// ResponseModeData sends the serialized notification only.
	ResponseModeData ResponseMode = "DATA"
	// ResponseModeBoth sends both blocks.
	ResponseModeBoth ResponseMode = "BOTH"
)

// ParseResponseMode normalises raw input; empty or unknown values resolve to BOTH.
func ParseResponseMode(raw string) ResponseMode {
	switch ResponseMode(strings.ToUpper(strings.TrimSpace(raw))) {
	case ResponseModeNotification:
		return ResponseModeNotification
	case ResponseModeData:
		return ResponseModeData
	default:
		return ResponseModeBoth
	}
}

// IncludesNotification reports whether the title/body/icon block is sent.
func (m ResponseMode) IncludesNotification() bool {
	return m != ResponseModeData
}

// IncludesData reports whether the serialized notification is sent.
func (m ResponseMode) IncludesData() bool {
	return m != ResponseModeNotification
}

// Registration is one device token registered by an owner.
type Registration struct {
	OwnerID      string                 `gorm:"column:owner_id;primaryKey;size:190;not null"`
	DeviceID     string                 `gorm:"column:device_id;primaryKey;size:190;not null"`
	Token        string                 `gorm:"column:token;primaryKey;size:512;not null"`
	Events       notification.EventKind `gorm:"column:events;not null"`
	ResponseMode ResponseMode           `gorm:"column:response_mode;size:16;not null;default:'BOTH'"`
	RegisteredAt time.Time              `gorm:"column:registered_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Registration) TableName() string {
	return "cloud_notifications"
}

// Wants reports whether the registration subscribes to every bit of kind.
func (r Registration) Wants(kind notification.EventKind) bool {
	return kind.DeliverableTo(r.Events)
}

func validateKey(ownerID, deviceID, token string) error {
	if err := validateIdentifier(ownerID, ErrInvalidOwnerID); err != nil {
		return err
	}
	if err := validateIdentifier(deviceID, ErrInvalidDeviceID); err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	return nil
}

func validateIdentifier(value string, sentinel error) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return nil
}
