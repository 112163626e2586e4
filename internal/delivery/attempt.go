package delivery

import (
	"time"

	"github.com/MarcoPoloResearchLab/cloudnotify/internal/gateway"
	"github.com/google/uuid"
)

// State is the lifecycle position of an Attempt.
type State int

const (
	StateNew State = iota
	StateSending
	StateDelivered
	StateRetryScheduled
	StateFailedPermanent
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSending:
		return "SENDING"
	case StateDelivered:
		return "DELIVERED"
	case StateRetryScheduled:
		return "RETRY_SCHEDULED"
	case StateFailedPermanent:
		return "FAILED_PERMANENT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailedPermanent
}

// Attempt is one notification on its way to one device token. It lives in memory only and is
// owned by a single goroutine at a time: the sender until a retry is scheduled, then the retry pool.
type Attempt struct {
	ID       string
	OwnerID  string
	DeviceID string
	Token    string
	Request  gateway.Request
	Attempts int
	State    State
}

// IDProvider issues attempt identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// retryDelay returns the gateway hint when present and attempt*step otherwise.
func retryDelay(attempt int, hint, step time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * step
}

// redactToken keeps enough of a token to correlate log lines.
func redactToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
