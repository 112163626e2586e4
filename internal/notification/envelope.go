package notification

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is the JSON document the host application submits for every event, either over
// HTTP or through the event queue.
type Envelope struct {
	Type       string     `json:"type"`
	When       time.Time  `json:"when"`
	Change     ChangeInfo `json:"change"`
	Who        Account    `json:"who"`
	Recipients []string   `json:"recipients"`

	Reason         string    `json:"reason,omitempty"`
	Revision       string    `json:"revision,omitempty"`
	PatchsetNumber int       `json:"patchsetNumber,omitempty"`
	Comment        string    `json:"comment,omitempty"`
	RevertChangeID string    `json:"revertChange,omitempty"`
	Added          []string  `json:"added,omitempty"`
	Removed        []string  `json:"removed,omitempty"`
	Hashtags       []string  `json:"hashtags,omitempty"`
	Reviewers      []Account `json:"reviewers,omitempty"`
	Reviewer       *Account  `json:"reviewer,omitempty"`
	OldTopic       string    `json:"oldTopic,omitempty"`
	OldAssignee    *Account  `json:"oldAssignee,omitempty"`
	NewAssignee    *Account  `json:"newAssignee,omitempty"`
}

// DecodeEnvelope parses raw JSON into an Envelope and validates it.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if _, err := envelope.Event(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

// Event converts the envelope into its event variant.
func (e Envelope) Event() (Event, error) {
	kind, err := ParseKind(e.Type)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(e.Change.ID) == "" {
		return nil, fmt.Errorf("%w: change id is required", ErrInvalidEnvelope)
	}

	shared := ChangeEvent{When: e.When, Change: e.Change, Who: e.Who}
	switch kind {
	case KindChangeAbandoned:
		return ChangeAbandoned{ChangeEvent: shared, Reason: e.Reason}, nil
	case KindChangeMerged:
		return ChangeMerged{ChangeEvent: shared, Revision: e.Revision}, nil
	case KindChangeRestored:
		return ChangeRestored{ChangeEvent: shared, Reason: e.Reason}, nil
	case KindChangeReverted:
		return ChangeReverted{ChangeEvent: shared, RevertChangeID: e.RevertChangeID}, nil
	case KindCommentAdded:
		return CommentAdded{ChangeEvent: shared, Revision: e.Revision, Comment: e.Comment}, nil
	case KindDraftPublished:
		return DraftPublished{ChangeEvent: shared, Revision: e.Revision}, nil
	case KindHashtagsChanged:
		return HashtagsEdited{ChangeEvent: shared, Added: e.Added, Removed: e.Removed, Hashtags: e.Hashtags}, nil
	case KindReviewerAdded:
		if len(e.Reviewers) == 0 {
			return nil, fmt.Errorf("%w: reviewers are required", ErrInvalidEnvelope)
		}
		return ReviewersAdded{ChangeEvent: shared, Reviewers: e.Reviewers}, nil
	case KindReviewerDeleted:
		if e.Reviewer == nil {
			return nil, fmt.Errorf("%w: reviewer is required", ErrInvalidEnvelope)
		}
		return ReviewerDeleted{ChangeEvent: shared, Reviewer: *e.Reviewer}, nil
	case KindPatchsetCreated:
		return PatchsetCreated{ChangeEvent: shared, Revision: e.Revision, PatchsetNumber: e.PatchsetNumber}, nil
	case KindTopicChanged:
		return TopicEdited{ChangeEvent: shared, OldTopic: e.OldTopic}, nil
	case KindAssigneeChanged:
		return AssigneeChanged{ChangeEvent: shared, OldAssignee: e.OldAssignee, NewAssignee: e.NewAssignee}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEventKind, kind)
}

// Notification builds the base notification for the envelope's event.
func (e Envelope) Notification() (Notification, error) {
	event, err := e.Event()
	if err != nil {
		return Notification{}, err
	}
	return Build(event)
}

// RecipientIDs returns the distinct, non-empty recipients with the acting account removed.
func (e Envelope) RecipientIDs() []string {
	actor := strings.TrimSpace(e.Who.AccountID)
	seen := make(map[string]struct{}, len(e.Recipients))
	recipients := make([]string, 0, len(e.Recipients))
	for _, raw := range e.Recipients {
		recipient := strings.TrimSpace(raw)
		if recipient == "" || recipient == actor {
			continue
		}
		if _, ok := seen[recipient]; ok {
			continue
		}
		seen[recipient] = struct{}{}
		recipients = append(recipients, recipient)
	}
	return recipients
}
