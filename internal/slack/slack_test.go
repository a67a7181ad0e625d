package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	slackgo "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/curfew/internal/slack/slacktest"
)

type mockAPI struct {
	GetUserByEmailContextFunc func(ctx context.Context, email string) (*slackgo.User, error)
	PostMessageContextFunc    func(ctx context.Context, channelID string, options ...slackgo.MsgOption) (string, string, error)
}

func (m *mockAPI) GetUserByEmailContext(ctx context.Context, email string) (*slackgo.User, error) {
	return m.GetUserByEmailContextFunc(ctx, email)
}

func (m *mockAPI) PostMessageContext(ctx context.Context, channelID string, options ...slackgo.MsgOption) (string, string, error) {
	return m.PostMessageContextFunc(ctx, channelID, options...)
}

func TestLookupUserByEmail(t *testing.T) {
	c := NewFromAPI(&mockAPI{GetUserByEmailContextFunc: func(_ context.Context, email string) (*slackgo.User, error) {
		switch email {
		case "dev@example.com":
			return &slackgo.User{ID: "U123", TZ: "Europe/Helsinki"}, nil
		case "gone@example.com":
			return &slackgo.User{ID: "U999", TZ: "UTC", Deleted: true}, nil
		default:
			return nil, slackgo.SlackErrorResponse{Err: "users_not_found"}
		}
	}})
	ctx := context.Background()

	u, err := c.LookupUserByEmail(ctx, "dev@example.com")
	require.NoError(t, err)
	assert.Equal(t, User{ID: "U123", TZ: "Europe/Helsinki"}, u)

	u, err = c.LookupUserByEmail(ctx, "gone@example.com")
	require.NoError(t, err)
	assert.True(t, u.Deleted)

	_, err = c.LookupUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestLookupUserByEmail_APIError(t *testing.T) {
	c := NewFromAPI(&mockAPI{GetUserByEmailContextFunc: func(context.Context, string) (*slackgo.User, error) {
		return nil, slackgo.SlackErrorResponse{Err: "invalid_auth"}
	}})

	_, err := c.LookupUserByEmail(context.Background(), "dev@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_auth")
	assert.NotErrorIs(t, err, ErrUserNotFound)
}

func TestPostMessage_Error(t *testing.T) {
	c := NewFromAPI(&mockAPI{PostMessageContextFunc: func(context.Context, string, ...slackgo.MsgOption) (string, string, error) {
		return "", "", errors.New("channel_not_found")
	}})

	err := c.PostMessage(context.Background(), Message{Channel: "C1", Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestClient_OverHTTP(t *testing.T) {
	var posted url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.URL.Path {
		case "/users.lookupByEmail":
			if r.FormValue("email") == "dev@example.com" {
				_, _ = w.Write([]byte(`{"ok":true,"user":{"id":"U123","tz":"Europe/Helsinki","deleted":false}}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":false,"error":"users_not_found"}`))
		case "/chat.postMessage":
			posted = r.Form
			_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient("xoxb-test", WithBaseURL(srv.URL))
	ctx := context.Background()

	u, err := c.LookupUserByEmail(ctx, "dev@example.com")
	require.NoError(t, err)
	assert.Equal(t, "U123", u.ID)

	_, err = c.LookupUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)

	msg := Message{
		Channel: "C1",
		Text:    "<@U1> hello",
		Attachments: []Attachment{{
			CallbackID: "cb",
			Actions:    []AttachmentAction{Button("postpone", "Postpone", "primary", "i-1")},
		}},
	}
	require.NoError(t, c.PostMessage(ctx, msg))
	assert.Equal(t, "C1", posted.Get("channel"))
	assert.Equal(t, "<@U1> hello", posted.Get("text"))

	var atts []Attachment
	require.NoError(t, json.Unmarshal([]byte(posted.Get("attachments")), &atts))
	require.Len(t, atts, 1)
	assert.Equal(t, "postpone", atts[0].Actions[0].Name)
	assert.Equal(t, "i-1", atts[0].Actions[0].Value)
}

func signedHeader(secret string, body []byte, at time.Time) http.Header {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	slacktest.SignRequest(req, secret, body, at)
	return req.Header
}

func TestVerify(t *testing.T) {
	now := time.Now()
	body := []byte("payload=%7B%22actions%22%3A%5B%5D%7D")
	h := signedHeader("secret", body, now)

	assert.Regexp(t, `^v0=[0-9a-f]{64}$`, h.Get(HeaderSignature))
	assert.NoError(t, Verify(h, body, "secret", now, 5*time.Minute))
	assert.NoError(t, Verify(h, body, "secret", now, 0))

	tampered := append([]byte{}, body...)
	tampered[len(tampered)-1] = 'X'
	assert.ErrorIs(t, Verify(h, tampered, "secret", now, 5*time.Minute), ErrInvalidSignature)
	assert.ErrorIs(t, Verify(h, body, "other", now, 5*time.Minute), ErrInvalidSignature)
	assert.ErrorIs(t, Verify(http.Header{}, body, "secret", now, 0), ErrInvalidSignature)
}

func TestVerify_Age(t *testing.T) {
	now := time.Now()
	body := []byte("payload=x")

	old := signedHeader("secret", body, now.Add(-2*time.Minute))
	assert.ErrorIs(t, Verify(old, body, "secret", now, time.Minute), ErrStaleRequest)
	assert.NoError(t, Verify(old, body, "secret", now, 0))

	expired := signedHeader("secret", body, now.Add(-time.Hour))
	assert.ErrorIs(t, Verify(expired, body, "secret", now, 0), ErrStaleRequest, "replay window applies even without a max age")
}

func TestParseActionPayload(t *testing.T) {
	payload := `{"type":"interactive_message","callback_id":"wopr_game","actions":[{"name":"postpone","type":"button","value":"i-0abc"}],"user":{"id":"U1","name":"dev"}}`
	body := []byte(url.Values{"payload": {payload}}.Encode())

	cb, action, err := ParseActionPayload(body)
	require.NoError(t, err)
	assert.Equal(t, "wopr_game", cb.CallbackID)
	assert.Equal(t, "U1", cb.User.ID)
	assert.Equal(t, "postpone", action.Name)
	assert.Equal(t, "i-0abc", action.Value)
}

func TestParseActionPayload_Errors(t *testing.T) {
	_, _, err := ParseActionPayload([]byte("nothing=here"))
	assert.Error(t, err)

	_, _, err = ParseActionPayload([]byte(url.Values{"payload": {"{not json"}}.Encode()))
	assert.Error(t, err)

	_, _, err = ParseActionPayload([]byte(url.Values{"payload": {`{"actions":[]}`}}.Encode()))
	assert.ErrorIs(t, err, ErrNoAction)
}

func TestMention(t *testing.T) {
	assert.Equal(t, "<@U1>", Mention("U1"))
	assert.True(t, strings.HasPrefix(Mention("U2"), "<@"))
}
