package notification

import (
	"encoding/json"
	"errors"
	"unicode/utf8"
)

const maxSubjectLength = 100

var (
	// ErrUnknownEventKind indicates an inbound event type that has no variant.
	ErrUnknownEventKind = errors.New("notification: unknown event kind")
	// ErrInvalidEnvelope indicates an inbound envelope that cannot be turned into an event.
	ErrInvalidEnvelope = errors.New("notification: invalid envelope")
)

// Notification is the canonical payload delivered to devices. Treat it as immutable once it
// has been handed to the dispatcher; per-device copies are produced with Clone.
type Notification struct {
	When           int64     `json:"when"`
	Token          string    `json:"token,omitempty"`
	Event          EventKind `json:"event"`
	Change         string    `json:"change"`
	LegacyChangeID int       `json:"legacyChangeId"`
	Revision       string    `json:"revision,omitempty"`
	Project        string    `json:"project"`
	Branch         string    `json:"branch"`
	Topic          string    `json:"topic,omitempty"`
	Author         string    `json:"author,omitempty"`
	Subject        string    `json:"subject"`
	Extra          string    `json:"extra,omitempty"`
}

// Build converts a host event into the base notification shared by every recipient.
func Build(event Event) (Notification, error) {
	if event == nil {
		return Notification{}, ErrInvalidEnvelope
	}
	shared := event.base()

	author, err := json.Marshal(shared.Who)
	if err != nil {
		return Notification{}, err
	}

	notification := Notification{
		Event:          event.Kind(),
		Change:         shared.Change.ID,
		LegacyChangeID: shared.Change.Number,
		Revision:       event.revision(),
		Project:        shared.Change.Project,
		Branch:         shared.Change.Branch,
		Topic:          shared.Change.Topic,
		Author:         string(author),
		Subject:        abbreviate(shared.Change.Subject, maxSubjectLength),
	}
	if !shared.When.IsZero() {
		notification.When = shared.When.Unix()
	}

	if payload := event.extra(); payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Notification{}, err
		}
		notification.Extra = string(encoded)
	}

	return notification, nil
}

// Clone returns a field-by-field copy.
func (n Notification) Clone() Notification {
	return Notification{
		When:           n.When,
		Token:          n.Token,
		Event:          n.Event,
		Change:         n.Change,
		LegacyChangeID: n.LegacyChangeID,
		Revision:       n.Revision,
		Project:        n.Project,
		Branch:         n.Branch,
		Topic:          n.Topic,
		Author:         n.Author,
		Subject:        n.Subject,
		Extra:          n.Extra,
	}
}

// ForToken clones the notification and sets the destination token.
func (n Notification) ForToken(token string) Notification {
	clone := n.Clone()
	clone.Token = token
	return clone
}

// abbreviate shortens value to at most maxRunes runes, replacing the tail with "...".
func abbreviate(value string, maxRunes int) string {
	if utf8.RuneCountInString(value) <= maxRunes {
		return value
	}
	runes := []rune(value)
	return string(runes[:maxRunes-3]) + "..."
}
