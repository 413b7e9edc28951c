// Package sqs publishes delivery events for downstream consumers.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/medremind/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// API is the part of the SQS client the producer uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DeliveryEvent is the payload sent to SQS for every delivery attempt.
type DeliveryEvent struct {
	AttemptID         string  `json:"attempt_id"`
	ReminderID        string  `json:"reminder_id"`
	UserID            string  `json:"user_id"`
	Channel           string  `json:"channel"`
	Outcome           string  `json:"outcome"`
	ScheduledFor      int64   `json:"scheduled_for"`
	AttemptedAt       int64   `json:"attempted_at"`
	ProviderMessageID *string `json:"provider_message_id,omitempty"`
	Error             *string `json:"error,omitempty"`
}

// Producer sends delivery events to SQS.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewProducerWithClient(sqs.NewFromConfig(awsCfg), cfg.QueueURL, logger), nil
}

// NewProducerWithClient builds a producer around an existing SQS client.
func NewProducerWithClient(client API, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// NewDeliveryEvent converts a recorded attempt to its wire form.
func NewDeliveryEvent(attempt *db.DeliveryAttempt) DeliveryEvent {
	return DeliveryEvent{
		AttemptID:         attempt.ID.String(),
		ReminderID:        attempt.ReminderID.String(),
		UserID:            attempt.UserID.String(),
		Channel:           attempt.Channel,
		Outcome:           attempt.Outcome,
		ScheduledFor:      attempt.ScheduledFor.Unix(),
		AttemptedAt:       attempt.AttemptedAt.Unix(),
		ProviderMessageID: attempt.ProviderMessageID,
		Error:             attempt.ErrorMessage,
	}
}

// PublishDeliveryAttempt sends one delivery event. Events are tagged with
// their outcome so consumers can filter without parsing the body.
func (p *Producer) PublishDeliveryAttempt(ctx context.Context, attempt *db.DeliveryAttempt) error {
	body, err := json.Marshal(NewDeliveryEvent(attempt))
	if err != nil {
		return fmt.Errorf("failed to marshal delivery event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"outcome": {
				DataType:    aws.String("String"),
				StringValue: aws.String(attempt.Outcome),
			},
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(attempt.Channel),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send delivery event to sqs",
			zap.Error(err),
			zap.String("reminder_id", attempt.ReminderID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("delivery event published",
		zap.String("reminder_id", attempt.ReminderID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
