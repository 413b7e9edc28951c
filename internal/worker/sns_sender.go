package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/medremind/internal/db"
)

// SNSAPI is the part of the SNS client the sender uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends SMS reminders via AWS SNS
type SNSSender struct {
	client SNSAPI
	logger *zap.Logger
}

// SNSConfig configures NewSNSSender.
type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for SMS reminders
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewSNSSenderWithClient(sns.NewFromConfig(awsCfg), logger), nil
}

// NewSNSSenderWithClient builds a sender around an existing SNS client.
func NewSNSSenderWithClient(client SNSAPI, logger *zap.Logger) *SNSSender {
	return &SNSSender{
		client: client,
		logger: logger,
	}
}

// Send publishes an SMS reminder. Reminders are time-critical, so they go
// out as transactional messages.
func (s *SNSSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg.Channel != db.ChannelSMS {
		return nil, fmt.Errorf("SNS sender only supports SMS, got: %s", msg.Channel)
	}
	if msg.To == "" {
		return nil, fmt.Errorf("%w: SMS message missing phone number", ErrInvalidMessage)
	}
	if msg.Body == "" {
		return nil, fmt.Errorf("%w: SMS message missing body", ErrInvalidMessage)
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.To),
		Message:     aws.String(msg.Body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		var optedOut *types.OptedOutException
		var badParam *types.InvalidParameterException
		if errors.As(err, &optedOut) || errors.As(err, &badParam) {
			return nil, fmt.Errorf("%w: sns: %w", ErrRecipientRejected, err)
		}
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("SMS sent via SNS",
		zap.String("reminder_id", msg.ReminderID.String()),
		zap.String("message_id", messageID),
	)

	return &Receipt{ProviderMessageID: messageID}, nil
}

// SupportsChannel checks if this sender supports the SMS channel
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}
