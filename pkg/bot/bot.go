// Package bot normalizes the two supported dialogue runtimes (Lex V1 and
// Lex V2) behind one Adapter. A single implementation is selected when the
// service starts; callers never branch on the runtime version.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lexruntimeservice"
	"github.com/aws/aws-sdk-go-v2/service/lexruntimev2"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/techmatters/serverless-sub000/pkg/domain"
)

// Memory is the flat slot map a bot accumulated by the end of a dialog.
type Memory map[string]string

// Identity addresses one bot. V1 bots are named, V2 bots are addressed by
// id, alias id and locale. The JSON names are the ones persisted in the
// channel attributes.
type Identity struct {
	Runtime domain.BotRuntime `json:"botRuntime"`

	// Lex V1
	BotName  string `json:"botName,omitempty"`
	BotAlias string `json:"botAlias,omitempty"`

	// Lex V2
	BotID      string `json:"botId,omitempty"`
	BotAliasID string `json:"botAliasId,omitempty"`
	LocaleID   string `json:"localeId,omitempty"`
}

// IsZero reports whether no bot is addressed.
func (id Identity) IsZero() bool {
	return id.BotName == "" && id.BotID == ""
}

// String returns a short human-readable form for logs.
func (id Identity) String() string {
	if id.Runtime == domain.RuntimeLexV2 {
		return fmt.Sprintf("%s/%s/%s", id.BotID, id.BotAliasID, id.LocaleID)
	}
	return fmt.Sprintf("%s:%s", id.BotName, id.BotAlias)
}

// IdentityRequest carries what is needed to derive a bot identity.
// Language is sanitized by the adapter before use.
type IdentityRequest struct {
	Language     string
	Suffix       string
	HelplineCode string
	Environment  string
}

// Session is one user's dialog with one bot.
type Session struct {
	Identity Identity
	// UserID is the channel id; V2 uses it as the session id.
	UserID string
}

// Turn is the normalized result of one bot exchange.
type Turn struct {
	Reply       string
	DialogState string
	DialogEnded bool
	Memory      Memory
}

// Adapter is the runtime-independent bot contract.
type Adapter interface {
	// Runtime reports which runtime this adapter talks to.
	Runtime() domain.BotRuntime
	// ResolveIdentity derives the bot to use for a language and suffix.
	ResolveIdentity(ctx context.Context, req IdentityRequest) (Identity, error)
	// SendText forwards user text into the session and returns the bot turn.
	SendText(ctx context.Context, session Session, text string) (*Turn, error)
	// IsEndOfDialog reports whether a raw dialog state is terminal.
	IsEndOfDialog(state string) bool
	// DeleteSession discards the runtime's session state.
	DeleteSession(ctx context.Context, session Session) error
}

// AdapterError is returned for every runtime or identity-lookup failure.
type AdapterError struct {
	Runtime domain.BotRuntime
	Op      string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("bot %s %s: %v", e.Runtime, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// SanitizeLanguage makes a language code usable inside bot identifiers,
// which allow neither hyphens nor digits: "pt-BR" becomes "pt_BR" and
// "es-419" becomes "es_".
func SanitizeLanguage(language string) string {
	replaced := strings.ReplaceAll(language, "-", "_")
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return -1
		}
		return r
	}, replaced)
}

// New builds the adapter for runtime using the default AWS credential chain.
func New(ctx context.Context, runtime domain.BotRuntime, region string) (Adapter, error) {
	if !runtime.Valid() {
		return nil, fmt.Errorf("unsupported bot runtime %q", runtime)
	}
	if strings.TrimSpace(region) == "" {
		return nil, fmt.Errorf("missing region")
	}

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cfg, err := config.LoadDefaultConfig(loadCtx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	if runtime == domain.RuntimeLexV2 {
		return NewLexV2(lexruntimev2.NewFromConfig(cfg), ssm.NewFromConfig(cfg)), nil
	}
	return NewLexV1(lexruntimeservice.NewFromConfig(cfg)), nil
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
