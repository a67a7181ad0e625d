package slack

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	slackgo "github.com/slack-go/slack"
)

// ErrNoAction is returned for a payload without any attachment action.
var ErrNoAction = errors.New("payload has no actions")

// ParseActionPayload decodes a form-encoded callback body and returns the
// callback and its first attachment action.
func ParseActionPayload(body []byte) (slackgo.InteractionCallback, slackgo.AttachmentAction, error) {
	var cb slackgo.InteractionCallback

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return cb, slackgo.AttachmentAction{}, fmt.Errorf("parse form body: %w", err)
	}
	raw := form.Get("payload")
	if raw == "" {
		return cb, slackgo.AttachmentAction{}, errors.New("missing payload field")
	}

	if err := json.Unmarshal([]byte(raw), &cb); err != nil {
		return cb, slackgo.AttachmentAction{}, fmt.Errorf("decode payload: %w", err)
	}
	actions := cb.ActionCallback.AttachmentActions
	if len(actions) == 0 || actions[0] == nil {
		return cb, slackgo.AttachmentAction{}, ErrNoAction
	}
	return cb, *actions[0], nil
}
