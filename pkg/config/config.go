// Package config loads the service configuration from an optional YAML or
// JSON file and then applies CHATCAPTURE_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendTwilio = "twilio"
	BackendLocal  = "local"
)

// DefaultGuardTaskTTL is the guard task timeout, in seconds, used when a
// capture request does not specify one.
const DefaultGuardTaskTTL = 45600

// Config is the root configuration.
type Config struct {
	Gateway GatewayConfig `json:"gateway" yaml:"gateway"`
	Twilio  TwilioConfig  `json:"twilio" yaml:"twilio"`
	Bot     BotConfig     `json:"bot" yaml:"bot"`
	Capture CaptureConfig `json:"capture" yaml:"capture"`
	Survey  SurveyConfig  `json:"survey" yaml:"survey"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// GatewayConfig controls the HTTP listener.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host" env:"CHATCAPTURE_GATEWAY_HOST"`
	Port int    `json:"port" yaml:"port" env:"CHATCAPTURE_GATEWAY_PORT"`
	// APIKey guards the capture and cleanup endpoints. Empty disables auth.
	APIKey string `json:"api_key" yaml:"api_key" env:"CHATCAPTURE_API_KEY"`
	// PublicURL is the externally reachable base URL the messaging backend
	// calls back on, e.g. https://capture.example.org.
	PublicURL string `json:"public_url" yaml:"public_url" env:"CHATCAPTURE_PUBLIC_URL"`
}

// TwilioConfig holds the account and resource ids of the messaging and
// task-routing services.
type TwilioConfig struct {
	AccountSID        string `json:"account_sid" yaml:"account_sid" env:"CHATCAPTURE_TWILIO_ACCOUNT_SID"`
	AuthToken         string `json:"auth_token" yaml:"auth_token" env:"CHATCAPTURE_TWILIO_AUTH_TOKEN"`
	ChatServiceSID    string `json:"chat_service_sid" yaml:"chat_service_sid" env:"CHATCAPTURE_TWILIO_CHAT_SERVICE_SID"`
	WorkspaceSID      string `json:"workspace_sid" yaml:"workspace_sid" env:"CHATCAPTURE_TWILIO_WORKSPACE_SID"`
	SurveyWorkflowSID string `json:"survey_workflow_sid" yaml:"survey_workflow_sid" env:"CHATCAPTURE_TWILIO_SURVEY_WORKFLOW_SID"`
	// ValidateSignatures turns on X-Twilio-Signature checks for callbacks.
	ValidateSignatures bool `json:"validate_signatures" yaml:"validate_signatures" env:"CHATCAPTURE_TWILIO_VALIDATE_SIGNATURES"`
}

// BotConfig selects the bot runtime and how bot identities are derived.
type BotConfig struct {
	Runtime      string `json:"runtime" yaml:"runtime" env:"CHATCAPTURE_BOT_RUNTIME"`
	Region       string `json:"region" yaml:"region" env:"CHATCAPTURE_BOT_REGION"`
	Environment  string `json:"environment" yaml:"environment" env:"CHATCAPTURE_ENVIRONMENT"`
	HelplineCode string `json:"helpline_code" yaml:"helpline_code" env:"CHATCAPTURE_HELPLINE_CODE"`
}

// CaptureConfig holds capture defaults.
type CaptureConfig struct {
	GuardTaskTTLSeconds int    `json:"guard_task_ttl_seconds" yaml:"guard_task_ttl_seconds" env:"CHATCAPTURE_GUARD_TASK_TTL"`
	GuardTaskChannel    string `json:"guard_task_channel" yaml:"guard_task_channel" env:"CHATCAPTURE_GUARD_TASK_CHANNEL"`
	BotLabel            string `json:"bot_label" yaml:"bot_label" env:"CHATCAPTURE_BOT_LABEL"`
}

// SurveyConfig controls the post-survey release pipeline.
type SurveyConfig struct {
	// FormDefinitionsDir holds {version}/insights/postSurvey.json assets.
	FormDefinitionsDir string `json:"form_definitions_dir" yaml:"form_definitions_dir" env:"CHATCAPTURE_FORM_DEFINITIONS_DIR"`
	// IngestionStaticKey is sent as "Authorization: Basic <key>".
	IngestionStaticKey string `json:"ingestion_static_key" yaml:"ingestion_static_key" env:"CHATCAPTURE_INGESTION_STATIC_KEY"`
	IngestionAPIPath   string `json:"ingestion_api_path" yaml:"ingestion_api_path" env:"CHATCAPTURE_INGESTION_API_PATH"`
	// Static service settings used instead of the Flex configuration when
	// DefinitionVersion is set (local backend, tests).
	DefinitionVersion string `json:"definition_version" yaml:"definition_version" env:"CHATCAPTURE_DEFINITION_VERSION"`
	IngestionBaseURL  string `json:"ingestion_base_url" yaml:"ingestion_base_url" env:"CHATCAPTURE_INGESTION_BASE_URL"`
	Delimiter         string `json:"delimiter" yaml:"delimiter" env:"CHATCAPTURE_SURVEY_DELIMITER"`
}

// StorageConfig selects where channels and tasks live.
type StorageConfig struct {
	Backend string `json:"backend" yaml:"backend" env:"CHATCAPTURE_STORAGE_BACKEND"`
	// DBPath is the sqlite file for the local backend and the delivery ledger.
	DBPath string `json:"db_path" yaml:"db_path" env:"CHATCAPTURE_DB_PATH"`
	// DedupeDeliveries records every handled callback message id and drops
	// replays.
	DedupeDeliveries bool `json:"dedupe_deliveries" yaml:"dedupe_deliveries" env:"CHATCAPTURE_DEDUPE_DELIVERIES"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `json:"level" yaml:"level" env:"CHATCAPTURE_LOG_LEVEL"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Bot: BotConfig{
			Runtime:     "lexv1",
			Region:      "us-east-1",
			Environment: "development",
		},
		Capture: CaptureConfig{
			GuardTaskTTLSeconds: DefaultGuardTaskTTL,
			GuardTaskChannel:    "survey",
			BotLabel:            "Bot",
		},
		Survey: SurveyConfig{
			FormDefinitionsDir: "assets/formDefinitions",
			IngestionAPIPath:   "v0/accounts",
			Delimiter:          ";",
		},
		Storage: StorageConfig{
			Backend: BackendTwilio,
			DBPath:  "chatcapture.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path (YAML when the extension is .yaml or
// .yml, JSON otherwise) on top of the defaults, then applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// Validate checks that the settings required by the selected backend and
// runtime are present.
func (c *Config) Validate() error {
	var problems []string

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		problems = append(problems, "gateway.port must be between 1 and 65535")
	}
	if c.Gateway.PublicURL == "" {
		problems = append(problems, "gateway.public_url is required")
	}
	switch c.Bot.Runtime {
	case "lexv1", "lexv2":
	default:
		problems = append(problems, fmt.Sprintf("bot.runtime %q is not supported", c.Bot.Runtime))
	}
	if c.Bot.HelplineCode == "" {
		problems = append(problems, "bot.helpline_code is required")
	}
	if c.Capture.GuardTaskTTLSeconds <= 0 {
		problems = append(problems, "capture.guard_task_ttl_seconds must be positive")
	}

	switch c.Storage.Backend {
	case BackendTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			problems = append(problems, "twilio.account_sid and twilio.auth_token are required")
		}
		if c.Twilio.ChatServiceSID == "" {
			problems = append(problems, "twilio.chat_service_sid is required")
		}
		if c.Twilio.WorkspaceSID == "" || c.Twilio.SurveyWorkflowSID == "" {
			problems = append(problems, "twilio.workspace_sid and twilio.survey_workflow_sid are required")
		}
	case BackendLocal:
		if c.Storage.DBPath == "" {
			problems = append(problems, "storage.db_path is required for the local backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q is not supported", c.Storage.Backend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ListenAddr returns host:port for the HTTP listener.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Gateway.Host, strconv.Itoa(c.Gateway.Port))
}

// CallbackURL is the turn-loop webhook target.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.Gateway.PublicURL, "/") + "/webhooks/chatbotCallback"
}
