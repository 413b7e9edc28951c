package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	twilio "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/lalithlochan/medremind/internal/db"
)

// TwilioAPI is the part of the Twilio REST client the sender uses.
type TwilioAPI interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// WhatsAppSender sends WhatsApp reminders through Twilio
type WhatsAppSender struct {
	client TwilioAPI
	from   string
	logger *zap.Logger
}

// WhatsAppConfig configures NewWhatsAppSender. Timeout bounds each Twilio
// HTTP call; the Twilio client ignores the send context.
type WhatsAppConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Timeout    time.Duration
}

// NewWhatsAppSender creates a Twilio-backed WhatsApp sender
func NewWhatsAppSender(cfg WhatsAppConfig, logger *zap.Logger) (*WhatsAppSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio credentials are not configured")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Client: newTwilioHTTPClient(cfg),
	})
	return NewWhatsAppSenderWithClient(client.Api, cfg.FromNumber, logger)
}

func newTwilioHTTPClient(cfg WhatsAppConfig) *twclient.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &twclient.Client{
		Credentials: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	c.SetAccountSid(cfg.AccountSID)
	return c
}

// NewWhatsAppSenderWithClient builds a sender around an existing Twilio API.
func NewWhatsAppSenderWithClient(client TwilioAPI, fromNumber string, logger *zap.Logger) (*WhatsAppSender, error) {
	from := whatsAppAddress(fromNumber)
	if from == "" {
		return nil, fmt.Errorf("twilio sender WhatsApp number is not configured")
	}
	return &WhatsAppSender{
		client: client,
		from:   from,
		logger: logger,
	}, nil
}

// Send sends a WhatsApp reminder. The Twilio client does not take a
// context: cancellation is honoured before the call and the HTTP client
// timeout bounds the call itself.
func (s *WhatsAppSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg.Channel != db.ChannelWhatsApp {
		return nil, fmt.Errorf("WhatsApp sender only supports whatsapp, got: %s", msg.Channel)
	}
	to := whatsAppAddress(msg.To)
	if to == "" {
		return nil, fmt.Errorf("%w: whatsapp recipient %q is not a phone number", ErrInvalidMessage, msg.To)
	}
	if msg.Body == "" {
		return nil, fmt.Errorf("%w: whatsapp message missing body", ErrInvalidMessage)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(msg.Body)

	resp, err := s.client.CreateMessage(params)
	if err != nil {
		if twilioRecipientError(err) {
			return nil, fmt.Errorf("%w: twilio: %w", ErrRecipientRejected, err)
		}
		return nil, fmt.Errorf("twilio send failed: %w", err)
	}

	var sid string
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}

	s.logger.Info("whatsapp sent via Twilio",
		zap.String("reminder_id", msg.ReminderID.String()),
		zap.String("message_id", sid),
	)

	return &Receipt{ProviderMessageID: sid}, nil
}

// SupportsChannel checks if this sender supports the whatsapp channel
func (s *WhatsAppSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWhatsApp
}

// whatsAppAddress normalizes a phone number to Twilio's "whatsapp:+E164"
// form. It returns "" for anything that is not 7 to 15 digits.
func whatsAppAddress(number string) string {
	digits := strings.TrimPrefix(strings.TrimSpace(number), "whatsapp:")
	digits = strings.TrimPrefix(digits, "+")
	if len(digits) < 7 || len(digits) > 15 || strings.Trim(digits, "0123456789") != "" {
		return ""
	}
	return "whatsapp:+" + digits
}

// Twilio error codes that concern the recipient, not the account or API.
var twilioRecipientCodes = map[int]bool{
	21211: true, // invalid To number
	21214: true, // To number cannot be reached
	21610: true, // recipient replied STOP
	21612: true, // no route to To number
	21614: true, // To is not a mobile number
	63003: true, // channel could not find To address
	63024: true, // invalid message recipient
}

func twilioRecipientError(err error) bool {
	var restErr *twclient.TwilioRestError
	return errors.As(err, &restErr) && twilioRecipientCodes[restErr.Code]
}
