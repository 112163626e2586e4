package notification

import (
	"fmt"
	"strings"
)

// EventKind is a bitset of event kinds. A notification normally carries a single bit while a
// registration carries the mask of every kind it subscribes to.
type EventKind uint32

const (
	KindChangeAbandoned EventKind = 1 << iota
	KindChangeMerged
	KindChangeRestored
	KindChangeReverted
	KindCommentAdded
	KindDraftPublished
	KindHashtagsChanged
	KindReviewerAdded
	KindReviewerDeleted
	KindPatchsetCreated
	KindTopicChanged
	KindAssigneeChanged
)

// AllKinds is the mask subscribing to every known event kind.
const AllKinds = KindChangeAbandoned | KindChangeMerged | KindChangeRestored | KindChangeReverted |
	KindCommentAdded | KindDraftPublished | KindHashtagsChanged | KindReviewerAdded |
	KindReviewerDeleted | KindPatchsetCreated | KindTopicChanged | KindAssigneeChanged

var kindNames = map[EventKind]string{
	KindChangeAbandoned: "change-abandoned",
	KindChangeMerged:    "change-merged",
	KindChangeRestored:  "change-restored",
	KindChangeReverted:  "change-reverted",
	KindCommentAdded:    "comment-added",
	KindDraftPublished:  "draft-published",
	KindHashtagsChanged: "hashtags-changed",
	KindReviewerAdded:   "reviewer-added",
	KindReviewerDeleted: "reviewer-deleted",
	KindPatchsetCreated: "patchset-created",
	KindTopicChanged:    "topic-changed",
	KindAssigneeChanged: "assignee-changed",
}

// DeliverableTo reports whether every bit of k is already present in mask, i.e. k|mask == mask.
func (k EventKind) DeliverableTo(mask EventKind) bool {
	return k|mask == mask
}

// String returns the kind name for single-bit kinds and a hex literal otherwise.
func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", uint32(k))
}

// ParseKind resolves a kind name as used by inbound envelopes.
func ParseKind(name string) (EventKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for kind, kindName := range kindNames {
		if kindName == normalized {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEventKind, name)
}
