package notify

import (
	"fmt"

	"github.com/yairfalse/curfew/internal/override"
	"github.com/yairfalse/curfew/internal/slack"
)

// Callback id echoed back by the interactivity endpoint. Kept stable so
// buttons on messages posted by older releases still resolve.
const warningCallbackID = "wopr_game"

// Notice describes one instance to notify about.
type Notice struct {
	InstanceID string
	Name       string
	// OwnerHandle is the chat user id to mention. Empty posts without a mention.
	OwnerHandle string
}

func (n Notice) prefix() string {
	if n.OwnerHandle == "" {
		return ""
	}
	return slack.Mention(n.OwnerHandle) + " "
}

// WarningMessage builds the interactive warning for n.
func WarningMessage(channel string, n Notice) slack.Message {
	return slack.Message{
		Channel: channel,
		Text:    fmt.Sprintf("%sInstance *_%s_* has ran for too long, select option:", n.prefix(), n.Name),
		Attachments: []slack.Attachment{{
			Fallback:   "Unable to Process",
			CallbackID: warningCallbackID,
			Color:      "#3AA3E3",
			Actions: []slack.AttachmentAction{
				slack.Button(string(override.Postpone), "Postpone", "primary", n.InstanceID),
				slack.Button(string(override.Silence), "Let it die", "danger", n.InstanceID),
			},
		}},
	}
}

// ShutdownMessage builds the plain shutdown notice for n.
func ShutdownMessage(channel string, n Notice) slack.Message {
	return slack.Message{
		Channel: channel,
		Text:    fmt.Sprintf("%sInstance *_%s_* is shutting down :sleeping:", n.prefix(), n.Name),
	}
}
