package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Gateway.PublicURL = "https://capture.example.org/"
	cfg.Bot.HelplineCode = "ZA"
	cfg.Twilio = TwilioConfig{
		AccountSID:        "AC123",
		AuthToken:         "token",
		ChatServiceSID:    "IS123",
		WorkspaceSID:      "WS123",
		SurveyWorkflowSID: "WW123",
	}
	return cfg
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Capture.GuardTaskTTLSeconds != DefaultGuardTaskTTL {
		t.Errorf("GuardTaskTTLSeconds = %d, want %d", cfg.Capture.GuardTaskTTLSeconds, DefaultGuardTaskTTL)
	}
	if cfg.Survey.Delimiter != ";" {
		t.Errorf("Delimiter = %q, want ;", cfg.Survey.Delimiter)
	}
	if cfg.Storage.Backend != BackendTwilio {
		t.Errorf("Backend = %q, want %q", cfg.Storage.Backend, BackendTwilio)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
gateway:
  port: 9090
  public_url: https://bots.example.org
bot:
  runtime: lexv2
  helpline_code: MW
storage:
  backend: local
  db_path: /tmp/capture.db
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Gateway.Port)
	}
	if cfg.Bot.Runtime != "lexv2" || cfg.Bot.HelplineCode != "MW" {
		t.Errorf("Bot = %+v", cfg.Bot)
	}
	// Defaults survive for keys the file does not mention.
	if cfg.Capture.BotLabel != "Bot" {
		t.Errorf("BotLabel = %q, want Bot", cfg.Capture.BotLabel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"log":{"level":"debug"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"bot":{"helpline_code":"ZA"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHATCAPTURE_HELPLINE_CODE", "CL")
	t.Setenv("CHATCAPTURE_GUARD_TASK_TTL", "600")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bot.HelplineCode != "CL" {
		t.Errorf("HelplineCode = %q, want CL", cfg.Bot.HelplineCode)
	}
	if cfg.Capture.GuardTaskTTLSeconds != 600 {
		t.Errorf("GuardTaskTTLSeconds = %d, want 600", cfg.Capture.GuardTaskTTLSeconds)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing public url", mutate: func(c *Config) { c.Gateway.PublicURL = "" }, wantErr: "public_url"},
		{name: "unknown runtime", mutate: func(c *Config) { c.Bot.Runtime = "lexv3" }, wantErr: "bot.runtime"},
		{name: "missing twilio credentials", mutate: func(c *Config) { c.Twilio.AuthToken = "" }, wantErr: "auth_token"},
		{name: "local backend needs no twilio", mutate: func(c *Config) {
			c.Storage.Backend = BackendLocal
			c.Twilio = TwilioConfig{}
		}},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "redis" }, wantErr: "storage.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCallbackURL(t *testing.T) {
	cfg := validConfig()
	if got := cfg.CallbackURL(); got != "https://capture.example.org/webhooks/chatbotCallback" {
		t.Errorf("CallbackURL = %q", got)
	}
	if got := cfg.ListenAddr(); got != "0.0.0.0:8080" {
		t.Errorf("ListenAddr = %q", got)
	}
}
