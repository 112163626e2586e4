package notification

import (
	"encoding/json"
	"strings"
)

// RenderBody produces the human readable line shown in the device notification tray.
func RenderBody(n Notification) string {
	change := n.Change
	switch n.Event {
	case KindChangeAbandoned:
		return "Change " + change + " abandoned"
	case KindChangeMerged:
		return "Change " + change + " merged"
	case KindChangeRestored:
		return "Change " + change + " restored"
	case KindChangeReverted:
		return "Change " + change + " reverted"
	case KindCommentAdded:
		return authorName(n) + " commented on change " + change
	case KindDraftPublished:
		return "Draft published on change " + change
	case KindHashtagsChanged:
		var extra HashtagsExtra
		decodeExtra(n.Extra, &extra)
		hashtags := extra.Hashtags
		if len(hashtags) == 0 {
			hashtags = extra.Added
		}
		return "Hashtags changed to [" + strings.Join(hashtags, ", ") + "] on change " + change
	case KindReviewerAdded:
		var extra ReviewersExtra
		decodeExtra(n.Extra, &extra)
		names := make([]string, 0, len(extra.Reviewers))
		for _, reviewer := range extra.Reviewers {
			names = append(names, reviewer.DisplayName())
		}
		return strings.Join(names, ", ") + " added as reviewer on change " + change
	case KindReviewerDeleted:
		var extra ReviewerExtra
		decodeExtra(n.Extra, &extra)
		return extra.Reviewer.DisplayName() + " was removed as reviewer on change " + change
	case KindPatchsetCreated:
		return "New patchset " + n.Revision + " created on change " + change
	case KindTopicChanged:
		var extra TopicExtra
		decodeExtra(n.Extra, &extra)
		topic := extra.New
		if topic == "" {
			topic = n.Topic
		}
		return "Topic changed to " + topic + " on change " + change
	case KindAssigneeChanged:
		var extra AssigneeExtra
		decodeExtra(n.Extra, &extra)
		assignee := "nobody"
		if extra.New != nil {
			assignee = extra.New.DisplayName()
		}
		return "Assignee changed to " + assignee + " on change " + change
	}
	return ""
}

func authorName(n Notification) string {
	var author Account
	decodeExtra(n.Author, &author)
	if name := author.DisplayName(); name != "" {
		return name
	}
	return "Someone"
}

// decodeExtra leaves target untouched when raw is empty or malformed.
func decodeExtra(raw string, target any) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), target)
}
