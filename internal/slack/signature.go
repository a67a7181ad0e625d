package slack

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	slackgo "github.com/slack-go/slack"
)

// Request headers Slack signs interactive callbacks with.
const (
	HeaderSignature = "X-Slack-Signature"
	HeaderTimestamp = "X-Slack-Request-Timestamp"
)

var (
	// ErrInvalidSignature is returned when the signature does not match the body.
	ErrInvalidSignature = errors.New("invalid request signature")

	// ErrStaleRequest is returned when the request timestamp is outside the allowed age.
	ErrStaleRequest = errors.New("request timestamp too old")
)

// Verify checks the signature headers against body. slack-go always
// rejects timestamps more than five minutes from the local clock; a
// positive maxAge narrows that window further, measured from now.
func Verify(header http.Header, body []byte, secret string, now time.Time, maxAge time.Duration) error {
	sv, err := slackgo.NewSecretsVerifier(header, secret)
	if err != nil {
		if errors.Is(err, slackgo.ErrExpiredTimestamp) {
			return ErrStaleRequest
		}
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if _, err := sv.Write(body); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := sv.Ensure(); err != nil {
		return ErrInvalidSignature
	}

	if maxAge > 0 {
		ts, err := strconv.ParseInt(header.Get(HeaderTimestamp), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
		}
		age := now.Sub(time.Unix(ts, 0))
		if age > maxAge || age < -maxAge {
			return ErrStaleRequest
		}
	}
	return nil
}
