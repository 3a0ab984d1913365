package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values come from env (optionally seeded from a .env file).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Twilio     TwilioConfig
	Model      ModelConfig
	Handoff    HandoffConfig
	Ticketing  TicketingConfig
	Outbox     OutboxConfig
	Reconciler ReconcilerConfig
}

type AppConfig struct {
	Env  string
	Port int

	// InstanceID identifies this process as an outbox lease owner.
	InstanceID string

	// PublicBaseURL is the externally reachable origin used in carrier callbacks.
	PublicBaseURL string

	ShutdownGrace time.Duration
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	URL  string
	Host string
	Port int

	// SessionTTL bounds how long a mirrored call session survives without writes.
	SessionTTL time.Duration
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	APIBaseURL string

	// CallerID is the carrier number used for outbound legs that have no caller to forward.
	CallerID string

	ValidateSignatures bool
}

type ModelConfig struct {
	APIKey      string
	BaseURL     string
	RealtimeURL string

	// SIPURI is where the carrier dials the AI participant.
	SIPURI string

	Model        string
	Voice        string
	Instructions string
	Greeting     string

	// HandoffTool is the function name the model calls to request a human.
	HandoffTool string

	// WebhookSecret verifies the provider's signed webhooks ("whsec_..."); empty disables it.
	WebhookSecret string
}

type HandoffConfig struct {
	HumanNumber string
}

type TicketingConfig struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	Burst             int
}

type OutboxConfig struct {
	Lease       time.Duration
	MaxAttempts int
	Grace       time.Duration
	BatchSize   int
}

type ReconcilerConfig struct {
	OutboxSweepInterval time.Duration
	TicketSyncInterval  time.Duration
	StaleCallInterval   time.Duration
	StaleCallAge        time.Duration
	TerminalGrace       time.Duration
	TombstoneTTL        time.Duration
}

// Load reads .env (when present) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv parses the process environment without touching .env files.
func FromEnv() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = collectInt(&parseErrs, "APP_PORT", true, 0)
	c.App.InstanceID = strings.TrimSpace(os.Getenv("APP_INSTANCE_ID"))
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("APP_PUBLIC_BASE_URL")), "/")
	c.App.ShutdownGrace = collectDuration(&parseErrs, "APP_SHUTDOWN_GRACE")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = collectInt(&parseErrs, "DB_PORT", true, 0)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.URL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = collectInt(&parseErrs, "REDIS_PORT", false, 6379)
	c.Redis.SessionTTL = collectDuration(&parseErrs, "REDIS_SESSION_TTL")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = collectDuration(&parseErrs, "JWT_ACCESS_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.APIBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL")), "/")
	c.Twilio.CallerID = strings.TrimSpace(os.Getenv("TWILIO_CALLER_ID"))
	c.Twilio.ValidateSignatures = collectBool(&parseErrs, "TWILIO_VALIDATE_SIGNATURES", true)

	c.Model.APIKey = os.Getenv("MODEL_API_KEY")
	c.Model.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("MODEL_BASE_URL")), "/")
	c.Model.RealtimeURL = strings.TrimSpace(os.Getenv("MODEL_REALTIME_URL"))
	c.Model.SIPURI = strings.TrimSpace(os.Getenv("MODEL_SIP_URI"))
	c.Model.Model = strings.TrimSpace(os.Getenv("MODEL_NAME"))
	c.Model.Voice = strings.TrimSpace(os.Getenv("MODEL_VOICE"))
	c.Model.Instructions = os.Getenv("MODEL_INSTRUCTIONS")
	c.Model.Greeting = os.Getenv("MODEL_GREETING")
	c.Model.HandoffTool = strings.TrimSpace(os.Getenv("MODEL_HANDOFF_TOOL"))
	c.Model.WebhookSecret = strings.TrimSpace(os.Getenv("MODEL_WEBHOOK_SECRET"))

	c.Handoff.HumanNumber = strings.TrimSpace(os.Getenv("HANDOFF_HUMAN_NUMBER"))

	c.Ticketing.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("TICKETING_BASE_URL")), "/")
	c.Ticketing.APIKey = os.Getenv("TICKETING_API_KEY")
	c.Ticketing.RequestsPerSecond = collectFloat(&parseErrs, "TICKETING_RPS")
	c.Ticketing.Burst = collectInt(&parseErrs, "TICKETING_BURST", false, 0)

	c.Outbox.Lease = collectDuration(&parseErrs, "OUTBOX_LEASE")
	c.Outbox.MaxAttempts = collectInt(&parseErrs, "OUTBOX_MAX_ATTEMPTS", false, 0)
	c.Outbox.Grace = collectDuration(&parseErrs, "OUTBOX_GRACE")
	c.Outbox.BatchSize = collectInt(&parseErrs, "OUTBOX_BATCH_SIZE", false, 0)

	c.Reconciler.OutboxSweepInterval = collectDuration(&parseErrs, "RECONCILE_OUTBOX_INTERVAL")
	c.Reconciler.TicketSyncInterval = collectDuration(&parseErrs, "RECONCILE_TICKET_SYNC_INTERVAL")
	c.Reconciler.StaleCallInterval = collectDuration(&parseErrs, "RECONCILE_STALE_CALL_INTERVAL")
	c.Reconciler.StaleCallAge = collectDuration(&parseErrs, "RECONCILE_STALE_CALL_AGE")
	c.Reconciler.TerminalGrace = collectDuration(&parseErrs, "RECONCILE_TERMINAL_GRACE")
	c.Reconciler.TombstoneTTL = collectDuration(&parseErrs, "RECONCILE_TOMBSTONE_TTL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills defaults for optional knobs.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.InstanceID == "" {
		host, _ := os.Hostname()
		c.App.InstanceID = strings.Trim(host+"-"+uuid.NewString()[:8], "-")
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("APP_PUBLIC_BASE_URL is required"))
	} else if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("APP_PUBLIC_BASE_URL must be an absolute url, got %q", c.App.PublicBaseURL))
	}
	if c.App.ShutdownGrace <= 0 {
		c.App.ShutdownGrace = 20 * time.Second
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.URL == "" && c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_URL or REDIS_HOST is required"))
	}
	if c.Redis.URL == "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.SessionTTL <= 0 {
		c.Redis.SessionTTL = 6 * time.Hour
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.Twilio.APIBaseURL == "" {
		c.Twilio.APIBaseURL = "https://api.twilio.com"
	}
	if c.IsProduction() && !c.Twilio.ValidateSignatures {
		errs = append(errs, errors.New("TWILIO_VALIDATE_SIGNATURES cannot be disabled in production"))
	}

	if c.Model.APIKey == "" {
		errs = append(errs, errors.New("MODEL_API_KEY is required"))
	}
	if c.Model.SIPURI == "" {
		errs = append(errs, errors.New("MODEL_SIP_URI is required"))
	} else if !strings.HasPrefix(strings.ToLower(c.Model.SIPURI), "sip:") {
		errs = append(errs, fmt.Errorf("MODEL_SIP_URI must start with sip:, got %q", c.Model.SIPURI))
	}
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model.RealtimeURL == "" {
		c.Model.RealtimeURL = "wss://api.openai.com/v1/realtime"
	}
	if c.Model.Model == "" {
		c.Model.Model = "gpt-realtime"
	}
	if c.Model.Voice == "" {
		c.Model.Voice = "alloy"
	}
	if c.IsProduction() && c.Model.WebhookSecret == "" {
		errs = append(errs, errors.New("MODEL_WEBHOOK_SECRET is required in production"))
	}
	if c.Model.HandoffTool == "" {
		c.Model.HandoffTool = "transfer_to_human"
	}
	if c.Model.Greeting == "" {
		c.Model.Greeting = "Greet the caller and ask how you can help."
	}

	if c.Ticketing.BaseURL == "" {
		errs = append(errs, errors.New("TICKETING_BASE_URL is required"))
	}
	if c.Ticketing.RequestsPerSecond <= 0 {
		c.Ticketing.RequestsPerSecond = 5
	}
	if c.Ticketing.Burst <= 0 {
		c.Ticketing.Burst = 10
	}

	if c.Outbox.Lease <= 0 {
		c.Outbox.Lease = 2 * time.Minute
	}
	if c.Outbox.MaxAttempts <= 0 {
		c.Outbox.MaxAttempts = 8
	}
	if c.Outbox.Grace <= 0 {
		c.Outbox.Grace = 30 * time.Second
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 50
	}

	if c.Reconciler.OutboxSweepInterval <= 0 {
		c.Reconciler.OutboxSweepInterval = time.Minute
	}
	if c.Reconciler.TicketSyncInterval <= 0 {
		c.Reconciler.TicketSyncInterval = 5 * time.Minute
	}
	if c.Reconciler.StaleCallInterval <= 0 {
		c.Reconciler.StaleCallInterval = 5 * time.Minute
	}
	if c.Reconciler.StaleCallAge <= 0 {
		c.Reconciler.StaleCallAge = 4 * time.Hour
	}
	if c.Reconciler.TerminalGrace <= 0 {
		c.Reconciler.TerminalGrace = 10 * time.Minute
	}
	if c.Reconciler.TombstoneTTL <= 0 {
		c.Reconciler.TombstoneTTL = 30 * time.Minute
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// CallbackURL joins a route path onto the public base url.
func (c Config) CallbackURL(path string) string {
	return c.App.PublicBaseURL + "/" + strings.TrimLeft(path, "/")
}

func collectInt(errs *[]error, key string, required bool, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		if required {
			*errs = append(*errs, fmt.Errorf("%s is required", key))
		}
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return def
	}
	return n
}

// collectDuration returns 0 when unset; Validate() applies defaults.
func collectDuration(errs *[]error, key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration, got %q", key, v))
		return 0
	}
	return d
}

func collectFloat(errs *[]error, key string) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a number, got %q", key, v))
		return 0
	}
	return f
}

func collectBool(errs *[]error, key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
		return def
	}
	return b
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
