// Package queue consumes override requests from an SQS queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/yairfalse/curfew/internal/override"
	"github.com/yairfalse/curfew/internal/telemetry"
)

// SQSAPI defines the SQS operations used by the consumer.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Overrider applies override actions. override.Applier implements it.
type Overrider interface {
	Apply(ctx context.Context, resourceID string, action override.Action, transport string) (override.Result, error)
}

// Message is the queue body.
type Message struct {
	Action     string `json:"action"`
	InstanceID string `json:"instance_id"`
}

// Config configures a Consumer.
type Config struct {
	QueueURL          string
	MaxMessages       int32
	VisibilityTimeout int32
	WaitTimeSeconds   int32
	PollInterval      time.Duration
	// MaxReceives, when positive, deletes a malformed message on its
	// MaxReceives-th delivery.
	MaxReceives int
}

// PollResult counts what one receive did.
type PollResult struct {
	Received int
	Applied  int
	Absent   int
	Rejected int
	Failed   int
	Deleted  int
	Dropped  int
}

// Consumer receives override messages and applies them. A message is
// deleted only once it has been applied or found nothing to apply to;
// anything else is left to become visible again.
type Consumer struct {
	client  SQSAPI
	applier Overrider
	cfg     Config
	logger  zerolog.Logger
}

// NewConsumer creates a consumer.
func NewConsumer(client SQSAPI, applier Overrider, cfg Config) *Consumer {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &Consumer{
		client:  client,
		applier: applier,
		cfg:     cfg,
		logger:  telemetry.NewLogger("queue").Logger,
	}
}

// Run polls until ctx is done. Receive errors back off exponentially up
// to the poll interval. A full batch is followed by an immediate poll.
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = c.cfg.PollInterval

	c.logger.Info().Str("queue_url", c.cfg.QueueURL).Dur("interval", c.cfg.PollInterval).Msg("queue consumer started")
	for {
		wait := c.cfg.PollInterval
		res, err := c.PollOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			wait = b.NextBackOff()
			c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("receive failed")
		default:
			b.Reset()
			if res.Received >= int(c.cfg.MaxMessages) {
				wait = 0
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// PollOnce receives one batch and handles every message in it.
func (c *Consumer) PollOnce(ctx context.Context) (PollResult, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: c.cfg.MaxMessages,
		VisibilityTimeout:   c.cfg.VisibilityTimeout,
		WaitTimeSeconds:     c.cfg.WaitTimeSeconds,
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return PollResult{}, fmt.Errorf("receive messages: %w", err)
	}

	res := PollResult{Received: len(out.Messages)}
	if res.Received > 0 {
		c.logger.Debug().Int("count", res.Received).Msg("received messages")
	}
	for _, msg := range out.Messages {
		c.handle(ctx, msg, &res)
	}
	return res, nil
}

func (c *Consumer) handle(ctx context.Context, msg sqstypes.Message, res *PollResult) {
	receives := receiveCount(msg)
	logger := c.logger.With().
		Str("message_id", aws.ToString(msg.MessageId)).
		Int("approximate_receive_count", receives).
		Logger()

	var body Message
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &body); err != nil {
		c.reject(ctx, logger.Warn().Err(err), msg, receives, "malformed message", res)
		return
	}

	action, err := override.ParseAction(body.Action)
	if err != nil {
		c.reject(ctx, logger.Warn().Err(err), msg, receives, "unknown action", res)
		return
	}

	result, err := c.applier.Apply(ctx, body.InstanceID, action, override.TransportQueue)
	switch {
	case errors.Is(err, override.ErrEmptyResourceID):
		c.reject(ctx, logger.Warn().Err(err), msg, receives, "message without instance id", res)
		return
	case err != nil:
		logger.Error().Err(err).Msg("apply override failed")
		res.Failed++
		return
	case result.Found:
		res.Applied++
	default:
		res.Absent++
	}

	if c.delete(ctx, logger, msg) {
		res.Deleted++
	}
}

// reject leaves msg for redelivery, or drops it once it has been received
// MaxReceives times.
func (c *Consumer) reject(ctx context.Context, event *zerolog.Event, msg sqstypes.Message, receives int, reason string, res *PollResult) {
	res.Rejected++
	if c.cfg.MaxReceives <= 0 || receives < c.cfg.MaxReceives {
		event.Msg(reason + " left for redelivery")
		return
	}
	event.Msg(reason + " dropped after max receives")
	if c.delete(ctx, c.logger.With().Str("message_id", aws.ToString(msg.MessageId)).Logger(), msg) {
		res.Dropped++
	}
}

func (c *Consumer) delete(ctx context.Context, logger zerolog.Logger, msg sqstypes.Message) bool {
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		logger.Warn().Err(err).Msg("delete message failed")
		return false
	}
	return true
}

// receiveCount reads ApproximateReceiveCount, or 0 when it is absent.
func receiveCount(msg sqstypes.Message) int {
	n, err := strconv.Atoi(msg.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 0
	}
	return n
}
