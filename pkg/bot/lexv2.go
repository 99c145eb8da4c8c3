package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lexruntimev2"
	lexv2types "github.com/aws/aws-sdk-go-v2/service/lexruntimev2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/techmatters/serverless-sub000/pkg/domain"
)

type lexV2API interface {
	RecognizeText(ctx context.Context, params *lexruntimev2.RecognizeTextInput, optFns ...func(*lexruntimev2.Options)) (*lexruntimev2.RecognizeTextOutput, error)
	DeleteSession(ctx context.Context, params *lexruntimev2.DeleteSessionInput, optFns ...func(*lexruntimev2.Options)) (*lexruntimev2.DeleteSessionOutput, error)
}

type parameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LexV2 talks to the Lex V2 runtime. Bot identities are stored in the
// parameter store because V2 bots are addressed by generated ids.
type LexV2 struct {
	client lexV2API
	params parameterAPI
}

// NewLexV2 wraps a Lex V2 runtime client and a parameter store client.
func NewLexV2(client lexV2API, params parameterAPI) *LexV2 {
	return &LexV2{client: client, params: params}
}

func (l *LexV2) Runtime() domain.BotRuntime { return domain.RuntimeLexV2 }

// IdentityParameterName returns where the identity of a V2 bot is stored.
func IdentityParameterName(req IdentityRequest) string {
	return fmt.Sprintf("/%s/serverless/bots/%s_%s_%s",
		req.Environment,
		req.HelplineCode,
		SanitizeLanguage(req.Language),
		req.Suffix,
	)
}

type storedIdentity struct {
	BotID      string `json:"botId"`
	BotAliasID string `json:"botAliasId"`
	LocaleID   string `json:"localeId"`
}

// ResolveIdentity reads {botId, botAliasId, localeId} from the parameter store.
func (l *LexV2) ResolveIdentity(ctx context.Context, req IdentityRequest) (Identity, error) {
	name := IdentityParameterName(req)
	out, err := l.params.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return Identity{}, &AdapterError{Runtime: domain.RuntimeLexV2, Op: "resolve identity", Err: fmt.Errorf("get parameter %s: %w", name, err)}
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return Identity{}, &AdapterError{Runtime: domain.RuntimeLexV2, Op: "resolve identity", Err: fmt.Errorf("parameter %s has no value", name)}
	}

	var stored storedIdentity
	if err := json.Unmarshal([]byte(*out.Parameter.Value), &stored); err != nil {
		return Identity{}, &AdapterError{Runtime: domain.RuntimeLexV2, Op: "resolve identity", Err: fmt.Errorf("decode parameter %s: %w", name, err)}
	}
	if stored.BotID == "" || stored.BotAliasID == "" || stored.LocaleID == "" {
		return Identity{}, &AdapterError{Runtime: domain.RuntimeLexV2, Op: "resolve identity", Err: fmt.Errorf("parameter %s is incomplete", name)}
	}

	return Identity{
		Runtime:    domain.RuntimeLexV2,
		BotID:      stored.BotID,
		BotAliasID: stored.BotAliasID,
		LocaleID:   stored.LocaleID,
	}, nil
}

// SendText recognizes the text and normalizes the reply. Messages are joined
// by newline and slots are reduced to their interpreted values.
func (l *LexV2) SendText(ctx context.Context, session Session, text string) (*Turn, error) {
	out, err := l.client.RecognizeText(ctx, &lexruntimev2.RecognizeTextInput{
		BotId:      aws.String(session.Identity.BotID),
		BotAliasId: aws.String(session.Identity.BotAliasID),
		LocaleId:   aws.String(session.Identity.LocaleID),
		SessionId:  aws.String(session.UserID),
		Text:       aws.String(text),
	})
	if err != nil {
		return nil, &AdapterError{Runtime: domain.RuntimeLexV2, Op: "recognize text", Err: err}
	}

	parts := make([]string, 0, len(out.Messages))
	for _, m := range out.Messages {
		if c := strOrEmpty(m.Content); c != "" {
			parts = append(parts, c)
		}
	}

	var state string
	memory := Memory{}
	if ss := out.SessionState; ss != nil {
		if ss.DialogAction != nil {
			state = string(ss.DialogAction.Type)
		}
		if ss.Intent != nil {
			memory = reduceSlots(ss.Intent.Slots)
		}
	}

	return &Turn{
		Reply:       strings.Join(parts, "\n"),
		DialogState: state,
		DialogEnded: l.IsEndOfDialog(state),
		Memory:      memory,
	}, nil
}

func reduceSlots(slots map[string]lexv2types.Slot) Memory {
	memory := make(Memory, len(slots))
	for name, slot := range slots {
		if slot.Value == nil {
			memory[name] = ""
			continue
		}
		memory[name] = strOrEmpty(slot.Value.InterpretedValue)
	}
	return memory
}

// IsEndOfDialog is true when the dialog action is Close.
func (l *LexV2) IsEndOfDialog(state string) bool {
	return lexv2types.DialogActionType(state) == lexv2types.DialogActionTypeClose
}

func (l *LexV2) DeleteSession(ctx context.Context, session Session) error {
	_, err := l.client.DeleteSession(ctx, &lexruntimev2.DeleteSessionInput{
		BotId:      aws.String(session.Identity.BotID),
		BotAliasId: aws.String(session.Identity.BotAliasID),
		LocaleId:   aws.String(session.Identity.LocaleID),
		SessionId:  aws.String(session.UserID),
	})
	if err != nil {
		return &AdapterError{Runtime: domain.RuntimeLexV2, Op: "delete session", Err: err}
	}
	return nil
}

var _ Adapter = (*LexV2)(nil)
