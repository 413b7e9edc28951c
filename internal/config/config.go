package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Recurrence policies applied after a reminder is delivered.
const (
	RecurrenceDaily = "daily"
	RecurrenceOnce  = "once"
)

// RecurrencePeriod is the distance between two occurrences of a daily
// reminder.
const RecurrencePeriod = 24 * time.Hour

// MaxDueWindow bounds MaxLateness + Lookahead. It leaves one cycle tick
// between a delivered occurrence advanced by RecurrencePeriod and the due
// window, so the next occurrence cannot be picked up a minute later.
const MaxDueWindow = RecurrencePeriod - time.Minute

// Channel selection modes for the due-check cycle.
const (
	ChannelModeDeclared = "declared"
	ChannelModeAll      = "all"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database. DatabaseURL wins over the discrete settings when set.
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// Redis. RedisURL (redis:// or rediss://) wins over the discrete settings.
	RedisURL      string
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Channels
	EnabledChannels []string
	DryRun          bool // route every channel to the log sender

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// Twilio WhatsApp
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioWhatsAppNumber string

	// Delivery event stream
	SQSRegion      string
	EventsQueueURL string

	// API auth
	JWTSecret  string
	AdminToken string

	// Due-check cycle
	CycleSchedule     string
	SchedulerTimezone *time.Location
	Lookahead         time.Duration
	MaxLateness       time.Duration
	BatchSize         int
	CycleTimeout      time.Duration
	SendTimeout       time.Duration
	RecurrencePolicy  string
	ChannelMode       string

	// Provider throttling
	ProviderRatePerSec float64
	ProviderBurst      int
}

// Load reads configuration from a .env file (when present) and environment
// variables with sensible defaults. Malformed values are reported; missing
// credentials are left for Validate.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "postgres",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		EnabledChannels: []string{"email", "whatsapp"},

		AWSRegion: "us-east-1",

		CycleSchedule:     "* * * * *",
		SchedulerTimezone: time.UTC,
		Lookahead:         time.Minute,
		MaxLateness:       time.Hour,
		BatchSize:         200,
		CycleTimeout:      5 * time.Minute,
		SendTimeout:       15 * time.Second,
		RecurrencePolicy:  RecurrenceDaily,
		ChannelMode:       ChannelModeDeclared,

		ProviderRatePerSec: 5,
		ProviderBurst:      5,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.LogLevel = stringEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = stringEnv("ENV", cfg.Env)

	// Database config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.DBHost = stringEnv("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = stringEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = os.Getenv("DB_PASSWORD")
	cfg.DBName = stringEnv("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = stringEnv("DB_SSLMODE", cfg.DBSSLMode)

	// Redis config
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.RedisHost = stringEnv("REDIS_HOST", cfg.RedisHost)
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	if channels := os.Getenv("ENABLED_CHANNELS"); channels != "" {
		cfg.EnabledChannels = splitList(channels)
	}
	if dryRun := os.Getenv("NOTIFY_DRY_RUN"); dryRun != "" {
		b, err := strconv.ParseBool(dryRun)
		if err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_DRY_RUN: %w", err)
		}
		cfg.DryRun = b
	}

	cfg.AWSRegion = stringEnv("AWS_REGION", cfg.AWSRegion)
	cfg.SESFromEmail = os.Getenv("SES_FROM_EMAIL")
	cfg.SNSRegion = stringEnv("SNS_REGION", cfg.AWSRegion)
	cfg.SQSRegion = stringEnv("SQS_REGION", cfg.AWSRegion)
	cfg.EventsQueueURL = os.Getenv("EVENTS_QUEUE_URL")

	cfg.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.TwilioWhatsAppNumber = os.Getenv("TWILIO_WHATSAPP_NUMBER")

	cfg.JWTSecret = os.Getenv("SUPABASE_JWT_SECRET")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	cfg.CycleSchedule = stringEnv("CYCLE_SCHEDULE", cfg.CycleSchedule)
	if tz := os.Getenv("SCHEDULER_TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_TIMEZONE: %w", err)
		}
		cfg.SchedulerTimezone = loc
	}
	if cfg.Lookahead, err = durationEnv("REMINDER_LOOKAHEAD", cfg.Lookahead); err != nil {
		return nil, err
	}
	if cfg.MaxLateness, err = durationEnv("REMINDER_MAX_LATENESS", cfg.MaxLateness); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = intEnv("CYCLE_BATCH_SIZE", cfg.BatchSize); err != nil {
		return nil, err
	}
	if cfg.CycleTimeout, err = durationEnv("CYCLE_TIMEOUT", cfg.CycleTimeout); err != nil {
		return nil, err
	}
	if cfg.SendTimeout, err = durationEnv("SEND_TIMEOUT", cfg.SendTimeout); err != nil {
		return nil, err
	}
	cfg.RecurrencePolicy = strings.ToLower(stringEnv("RECURRENCE_POLICY", cfg.RecurrencePolicy))
	cfg.ChannelMode = strings.ToLower(stringEnv("CHANNEL_MODE", cfg.ChannelMode))

	if rate := os.Getenv("PROVIDER_RATE_PER_SEC"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid PROVIDER_RATE_PER_SEC: %w", err)
		}
		cfg.ProviderRatePerSec = r
	}
	if cfg.ProviderBurst, err = intEnv("PROVIDER_BURST", cfg.ProviderBurst); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every configuration problem that would prevent the
// dispatcher from operating. It is called once at process start.
func (c *Config) Validate() error {
	var errs []error

	switch c.RecurrencePolicy {
	case RecurrenceDaily, RecurrenceOnce:
	default:
		errs = append(errs, fmt.Errorf("RECURRENCE_POLICY must be %q or %q, got %q", RecurrenceDaily, RecurrenceOnce, c.RecurrencePolicy))
	}

	switch c.ChannelMode {
	case ChannelModeDeclared, ChannelModeAll:
	default:
		errs = append(errs, fmt.Errorf("CHANNEL_MODE must be %q or %q, got %q", ChannelModeDeclared, ChannelModeAll, c.ChannelMode))
	}

	if c.Lookahead <= 0 {
		errs = append(errs, errors.New("REMINDER_LOOKAHEAD must be positive"))
	}
	if c.MaxLateness < 0 {
		errs = append(errs, errors.New("REMINDER_MAX_LATENESS must not be negative"))
	}
	if window := c.MaxLateness + c.Lookahead; window > MaxDueWindow {
		errs = append(errs, fmt.Errorf("REMINDER_MAX_LATENESS + REMINDER_LOOKAHEAD must be at most %s, got %s", MaxDueWindow, window))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("CYCLE_BATCH_SIZE must be positive"))
	}
	if c.ProviderRatePerSec <= 0 || c.ProviderBurst <= 0 {
		errs = append(errs, errors.New("PROVIDER_RATE_PER_SEC and PROVIDER_BURST must be positive"))
	}
	if len(c.EnabledChannels) == 0 {
		errs = append(errs, errors.New("ENABLED_CHANNELS must name at least one channel"))
	}

	for _, ch := range c.EnabledChannels {
		switch ch {
		case "email":
			if !c.DryRun && c.SESFromEmail == "" {
				errs = append(errs, errors.New("SES_FROM_EMAIL is required when the email channel is enabled"))
			}
		case "whatsapp":
			if !c.DryRun && (c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioWhatsAppNumber == "") {
				errs = append(errs, errors.New("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_WHATSAPP_NUMBER are required when the whatsapp channel is enabled"))
			}
		case "sms":
			// SNS uses the default AWS credential chain.
		default:
			errs = append(errs, fmt.Errorf("unknown channel %q in ENABLED_CHANNELS", ch))
		}
	}

	if c.DatabaseURL == "" && c.DBHost == "" {
		errs = append(errs, errors.New("DATABASE_URL or DB_HOST is required"))
	}

	return errors.Join(errs...)
}

// ChannelEnabled reports whether channel is listed in ENABLED_CHANNELS.
func (c *Config) ChannelEnabled(channel string) bool {
	for _, ch := range c.EnabledChannels {
		if ch == channel {
			return true
		}
	}
	return false
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
