package notification

import (
	"strings"
	"time"
)

// Account identifies a platform user as reported by the host application.
type Account struct {
	AccountID string `json:"accountId,omitempty"`
	Name      string `json:"name,omitempty"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
}

// DisplayName prefers the full name, then the username, then the email address.
func (a Account) DisplayName() string {
	if name := strings.TrimSpace(a.Name); name != "" {
		return name
	}
	if username := strings.TrimSpace(a.Username); username != "" {
		return username
	}
	return strings.TrimSpace(a.Email)
}

// ChangeInfo carries the identifying fields of the change an event refers to.
type ChangeInfo struct {
	ID      string `json:"id"`
	Number  int    `json:"number"`
	Project string `json:"project"`
	Branch  string `json:"branch"`
	Topic   string `json:"topic,omitempty"`
	Subject string `json:"subject"`
}

// ChangeEvent holds the fields shared by every event kind.
type ChangeEvent struct {
	When   time.Time
	Change ChangeInfo
	Who    Account
}

func (e ChangeEvent) base() ChangeEvent { return e }

// Event is the closed set of host events that can produce notifications.
// Only the types declared in this package implement it.
type Event interface {
	Kind() EventKind
	base() ChangeEvent
	revision() string
	extra() any
}

type ChangeAbandoned struct {
	ChangeEvent
	Reason string
}

func (ChangeAbandoned) Kind() EventKind  { return KindChangeAbandoned }
func (ChangeAbandoned) revision() string { return "" }
func (e ChangeAbandoned) extra() any     { return reasonExtra(e.Reason) }

type ChangeMerged struct {
	ChangeEvent
	Revision string
}

func (ChangeMerged) Kind() EventKind    { return KindChangeMerged }
func (e ChangeMerged) revision() string { return e.Revision }
func (ChangeMerged) extra() any         { return nil }

type ChangeRestored struct {
	ChangeEvent
	Reason string
}

func (ChangeRestored) Kind() EventKind  { return KindChangeRestored }
func (ChangeRestored) revision() string { return "" }
func (e ChangeRestored) extra() any     { return reasonExtra(e.Reason) }

type ChangeReverted struct {
	ChangeEvent
	RevertChangeID string
}

func (ChangeReverted) Kind() EventKind  { return KindChangeReverted }
func (ChangeReverted) revision() string { return "" }
func (e ChangeReverted) extra() any {
	if e.RevertChangeID == "" {
		return nil
	}
	return RevertExtra{RevertChange: e.RevertChangeID}
}

type CommentAdded struct {
	ChangeEvent
	Revision string
	Comment  string
}

func (CommentAdded) Kind() EventKind    { return KindCommentAdded }
func (e CommentAdded) revision() string { return e.Revision }
func (e CommentAdded) extra() any {
	if e.Comment == "" {
		return nil
	}
	return CommentExtra{Comment: e.Comment}
}

type DraftPublished struct {
	ChangeEvent
	Revision string
}

func (DraftPublished) Kind() EventKind    { return KindDraftPublished }
func (e DraftPublished) revision() string { return e.Revision }
func (DraftPublished) extra() any         { return nil }

type HashtagsEdited struct {
	ChangeEvent
	Added    []string
	Removed  []string
	Hashtags []string
}

func (HashtagsEdited) Kind() EventKind  { return KindHashtagsChanged }
func (HashtagsEdited) revision() string { return "" }
func (e HashtagsEdited) extra() any {
	return HashtagsExtra{Added: e.Added, Removed: e.Removed, Hashtags: e.Hashtags}
}

type ReviewersAdded struct {
	ChangeEvent
	Reviewers []Account
}

func (ReviewersAdded) Kind() EventKind  { return KindReviewerAdded }
func (ReviewersAdded) revision() string { return "" }
func (e ReviewersAdded) extra() any     { return ReviewersExtra{Reviewers: e.Reviewers} }

type ReviewerDeleted struct {
	ChangeEvent
	Reviewer Account
}

func (ReviewerDeleted) Kind() EventKind  { return KindReviewerDeleted }
func (ReviewerDeleted) revision() string { return "" }
func (e ReviewerDeleted) extra() any     { return ReviewerExtra{Reviewer: e.Reviewer} }

type PatchsetCreated struct {
	ChangeEvent
	Revision       string
	PatchsetNumber int
}

func (PatchsetCreated) Kind() EventKind    { return KindPatchsetCreated }
func (e PatchsetCreated) revision() string { return e.Revision }
func (e PatchsetCreated) extra() any {
	if e.PatchsetNumber <= 0 {
		return nil
	}
	return PatchsetExtra{Number: e.PatchsetNumber}
}

type TopicEdited struct {
	ChangeEvent
	OldTopic string
}

func (TopicEdited) Kind() EventKind  { return KindTopicChanged }
func (TopicEdited) revision() string { return "" }
func (e TopicEdited) extra() any {
	return TopicExtra{Old: e.OldTopic, New: e.Change.Topic}
}

type AssigneeChanged struct {
	ChangeEvent
	OldAssignee *Account
	NewAssignee *Account
}

func (AssigneeChanged) Kind() EventKind  { return KindAssigneeChanged }
func (AssigneeChanged) revision() string { return "" }
func (e AssigneeChanged) extra() any {
	return AssigneeExtra{Old: e.OldAssignee, New: e.NewAssignee}
}

// Extra payloads serialized into Notification.Extra.

type ReasonExtra struct {
	Reason string `json:"reason"`
}

type RevertExtra struct {
	RevertChange string `json:"revertChange"`
}

type CommentExtra struct {
	Comment string `json:"comment"`
}

type HashtagsExtra struct {
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Hashtags []string `json:"hashtags,omitempty"`
}

type ReviewersExtra struct {
	Reviewers []Account `json:"reviewers"`
}

type ReviewerExtra struct {
	Reviewer Account `json:"reviewer"`
}

type PatchsetExtra struct {
	Number int `json:"number"`
}

type TopicExtra struct {
	Old string `json:"old,omitempty"`
	New string `json:"new,omitempty"`
}

type AssigneeExtra struct {
	Old *Account `json:"old,omitempty"`
	New *Account `json:"new,omitempty"`
}

func reasonExtra(reason string) any {
	if reason == "" {
		return nil
	}
	return ReasonExtra{Reason: reason}
}
