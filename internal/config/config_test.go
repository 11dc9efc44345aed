package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		App:    AppConfig{Env: "local", Port: 8080, PublicBaseURL: "http://localhost:8080"},
		DB:     DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "outdial"},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Auth:   AuthConfig{APIToken: "t", StreamSecret: "s"},
		Twilio: TwilioConfig{AccountSID: "AC1", AuthToken: "tok", Numbers: []string{"+15550001111"}},
		LLM:    LLMConfig{APIKey: "k", Model: "gpt-4o-mini"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_AppliesDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Auth.StreamTTL != time.Hour {
		t.Fatalf("expected stream ttl default, got %v", c.Auth.StreamTTL)
	}
	if c.Queue.Concurrency != 10 || c.Queue.Attempts != 3 || c.Queue.Backoff != 5*time.Second {
		t.Fatalf("unexpected queue defaults: %+v", c.Queue)
	}
	if c.LLM.BaseURL != "https://api.openai.com/v1" {
		t.Fatalf("expected llm base url default, got %q", c.LLM.BaseURL)
	}
}

func TestValidate_ProductionRequiresHTTPSBaseURL(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.App.PublicBaseURL = "http://calls.example.com"
	c.DB.SSLMode = "require"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for http base url in production")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.App.PublicBaseURL = "https://calls.example.com"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_RejectsNonE164Numbers(t *testing.T) {
	c := validConfig()
	c.Twilio.Numbers = []string{"5550001111"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for non-E.164 number")
	}
}

func TestSplitNumbers(t *testing.T) {
	got := splitNumbers(" +15550001111, +15550002222 ,, ")
	if len(got) != 2 || got[0] != "+15550001111" || got[1] != "+15550002222" {
		t.Fatalf("unexpected numbers: %v", got)
	}
}
