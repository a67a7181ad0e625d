package slack

import slackgo "github.com/slack-go/slack"

// Attachment is a legacy message attachment carrying interactive buttons.
type Attachment = slackgo.Attachment

// AttachmentAction is one button inside an attachment. Clicking it sends
// Name and Value back to the interactivity endpoint.
type AttachmentAction = slackgo.AttachmentAction

// Message is a chat.postMessage request.
type Message struct {
	Channel     string
	Text        string
	Attachments []Attachment
}

// Button builds an attachment button.
func Button(name, text, style, value string) AttachmentAction {
	return AttachmentAction{Name: name, Text: text, Type: "button", Style: style, Value: value}
}

// Mention formats a user mention.
func Mention(userID string) string {
	return "<@" + userID + ">"
}
