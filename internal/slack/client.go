// Package slack adapts the slack-go client to the two Web API calls curfew
// makes (users.lookupByEmail and chat.postMessage), and verifies and
// decodes the interactive callbacks sent to the inbound webhook.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	slackgo "github.com/slack-go/slack"
)

// ErrUserNotFound is returned when no workspace member has the email.
var ErrUserNotFound = errors.New("slack user not found")

// API is the subset of slackgo.Client used by Client. Tests substitute it.
type API interface {
	GetUserByEmailContext(ctx context.Context, email string) (*slackgo.User, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackgo.MsgOption) (string, string, error)
}

// User is the subset of a Slack user profile curfew needs.
type User struct {
	ID      string
	TZ      string
	Deleted bool
}

// Client calls the Slack Web API with a bot token.
type Client struct {
	api API
}

// Option configures the underlying slack-go client.
type Option func(*[]slackgo.Option)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(opts *[]slackgo.Option) { *opts = append(*opts, slackgo.OptionHTTPClient(hc)) }
}

// WithBaseURL points the client at another API root.
func WithBaseURL(u string) Option {
	return func(opts *[]slackgo.Option) {
		if u == "" {
			return
		}
		*opts = append(*opts, slackgo.OptionAPIURL(strings.TrimRight(u, "/")+"/"))
	}
}

// NewClient creates a client for token.
func NewClient(token string, opts ...Option) *Client {
	var sopts []slackgo.Option
	for _, opt := range opts {
		opt(&sopts)
	}
	return &Client{api: slackgo.New(token, sopts...)}
}

// NewFromAPI wraps an existing API implementation.
func NewFromAPI(api API) *Client {
	return &Client{api: api}
}

// LookupUserByEmail resolves a workspace member by email.
func (c *Client) LookupUserByEmail(ctx context.Context, email string) (User, error) {
	u, err := c.api.GetUserByEmailContext(ctx, email)
	if err != nil {
		if isCode(err, "users_not_found") {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("slack users.lookupByEmail: %w", err)
	}
	return User{ID: u.ID, TZ: u.TZ, Deleted: u.Deleted}, nil
}

// PostMessage sends msg to its channel.
func (c *Client) PostMessage(ctx context.Context, msg Message) error {
	opts := []slackgo.MsgOption{slackgo.MsgOptionText(msg.Text, false)}
	if len(msg.Attachments) > 0 {
		opts = append(opts, slackgo.MsgOptionAttachments(msg.Attachments...))
	}
	if _, _, err := c.api.PostMessageContext(ctx, msg.Channel, opts...); err != nil {
		return fmt.Errorf("slack chat.postMessage: %w", err)
	}
	return nil
}

// isCode reports whether err is a Slack API error with the given code.
func isCode(err error, code string) bool {
	var apiErr slackgo.SlackErrorResponse
	if errors.As(err, &apiErr) {
		return apiErr.Err == code
	}
	return err.Error() == code
}
