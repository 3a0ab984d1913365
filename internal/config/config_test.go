package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig(env string) Config {
	return Config{
		App:       AppConfig{Env: env, Port: 8080, PublicBaseURL: "https://voice.example.com"},
		DB:        DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "voice"},
		Redis:     RedisConfig{Host: "localhost", Port: 6379},
		Auth:      AuthConfig{JWTSecret: "secret", JWTIssuer: "iss", JWTAudience: "aud"},
		Twilio:    TwilioConfig{AccountSID: "AC123", AuthToken: "tok", ValidateSignatures: true},
		Model:     ModelConfig{APIKey: "sk", SIPURI: "sip:proj@sip.example.com;transport=tls"},
		Ticketing: TicketingConfig{BaseURL: "https://tickets.example.com"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV", "DB_HOST", "TWILIO_ACCOUNT_SID", "MODEL_SIP_URI", "TICKETING_BASE_URL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err.Error())
		}
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig("production")
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected error for production without DB_SSLMODE, got %v", err)
	}
}

func TestValidate_ProductionRequiresSignatureValidation(t *testing.T) {
	c := validConfig("production")
	c.DB.SSLMode = "require"
	c.Twilio.ValidateSignatures = false
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error when signature validation is disabled in production")
	}
}

func TestValidate_ProductionRequiresModelWebhookSecret(t *testing.T) {
	c := validConfig("production")
	c.DB.SSLMode = "require"
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "MODEL_WEBHOOK_SECRET") {
		t.Fatalf("expected MODEL_WEBHOOK_SECRET error, got %v", err)
	}
	c.Model.WebhookSecret = "whsec_c2VjcmV0"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid production config, got %v", err)
	}
}

func TestValidate_LocalAppliesDefaults(t *testing.T) {
	c := validConfig("local")
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Outbox.MaxAttempts != 8 || c.Outbox.Lease != 2*time.Minute {
		t.Fatalf("unexpected outbox defaults: %+v", c.Outbox)
	}
	if c.Model.HandoffTool != "transfer_to_human" {
		t.Fatalf("expected default hand-off tool, got %q", c.Model.HandoffTool)
	}
	if c.App.InstanceID == "" {
		t.Fatalf("expected generated instance id")
	}
}

func TestFromEnv_ParsesDurationsAndReportsBadValues(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("APP_PUBLIC_BASE_URL", "https://voice.example.com/")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "n")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "t")
	t.Setenv("MODEL_API_KEY", "k")
	t.Setenv("MODEL_SIP_URI", "sip:proj@sip.example.com")
	t.Setenv("TICKETING_BASE_URL", "https://tickets.example.com")
	t.Setenv("OUTBOX_LEASE", "45s")

	c, err := FromEnv()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Outbox.Lease != 45*time.Second {
		t.Fatalf("expected lease 45s, got %v", c.Outbox.Lease)
	}
	if got := c.CallbackURL("/webhooks/twilio/status"); got != "https://voice.example.com/webhooks/twilio/status" {
		t.Fatalf("unexpected callback url %q", got)
	}

	t.Setenv("OUTBOX_LEASE", "soon")
	if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "OUTBOX_LEASE") {
		t.Fatalf("expected duration parse error, got %v", err)
	}
}
