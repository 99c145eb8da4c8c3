package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lexruntimeservice"
	lextypes "github.com/aws/aws-sdk-go-v2/service/lexruntimeservice/types"

	"github.com/techmatters/serverless-sub000/pkg/domain"
)

// DefaultV1Alias is the alias every V1 bot is published under.
const DefaultV1Alias = "latest"

type lexV1API interface {
	PostText(ctx context.Context, params *lexruntimeservice.PostTextInput, optFns ...func(*lexruntimeservice.Options)) (*lexruntimeservice.PostTextOutput, error)
	DeleteSession(ctx context.Context, params *lexruntimeservice.DeleteSessionInput, optFns ...func(*lexruntimeservice.Options)) (*lexruntimeservice.DeleteSessionOutput, error)
}

// LexV1 talks to the Lex V1 runtime. Bots are identified by name.
type LexV1 struct {
	client lexV1API
}

// NewLexV1 wraps a Lex V1 runtime client.
func NewLexV1(client lexV1API) *LexV1 {
	return &LexV1{client: client}
}

func (l *LexV1) Runtime() domain.BotRuntime { return domain.RuntimeLexV1 }

// ResolveIdentity builds the deterministic V1 bot name
// {environment}_{helpline}_{language}_{suffix}. No lookup is involved.
func (l *LexV1) ResolveIdentity(_ context.Context, req IdentityRequest) (Identity, error) {
	if req.Environment == "" || req.HelplineCode == "" || req.Suffix == "" {
		return Identity{}, &AdapterError{
			Runtime: domain.RuntimeLexV1,
			Op:      "resolve identity",
			Err:     fmt.Errorf("environment, helpline code and suffix are required"),
		}
	}
	name := fmt.Sprintf("%s_%s_%s_%s",
		req.Environment,
		strings.ToLower(req.HelplineCode),
		SanitizeLanguage(req.Language),
		req.Suffix,
	)
	return Identity{
		Runtime:  domain.RuntimeLexV1,
		BotName:  name,
		BotAlias: DefaultV1Alias,
	}, nil
}

// SendText posts the text and normalizes the reply. Slots are already flat.
func (l *LexV1) SendText(ctx context.Context, session Session, text string) (*Turn, error) {
	out, err := l.client.PostText(ctx, &lexruntimeservice.PostTextInput{
		BotName:   aws.String(session.Identity.BotName),
		BotAlias:  aws.String(session.Identity.BotAlias),
		UserId:    aws.String(session.UserID),
		InputText: aws.String(text),
	})
	if err != nil {
		return nil, &AdapterError{Runtime: domain.RuntimeLexV1, Op: "post text", Err: err}
	}

	memory := make(Memory, len(out.Slots))
	for k, v := range out.Slots {
		memory[k] = v
	}
	state := string(out.DialogState)
	return &Turn{
		Reply:       strOrEmpty(out.Message),
		DialogState: state,
		DialogEnded: l.IsEndOfDialog(state),
		Memory:      memory,
	}, nil
}

// IsEndOfDialog is true for Fulfilled and Failed.
func (l *LexV1) IsEndOfDialog(state string) bool {
	switch lextypes.DialogState(state) {
	case lextypes.DialogStateFulfilled, lextypes.DialogStateFailed:
		return true
	}
	return false
}

func (l *LexV1) DeleteSession(ctx context.Context, session Session) error {
	_, err := l.client.DeleteSession(ctx, &lexruntimeservice.DeleteSessionInput{
		BotName:  aws.String(session.Identity.BotName),
		BotAlias: aws.String(session.Identity.BotAlias),
		UserId:   aws.String(session.UserID),
	})
	if err != nil {
		return &AdapterError{Runtime: domain.RuntimeLexV1, Op: "delete session", Err: err}
	}
	return nil
}

var _ Adapter = (*LexV1)(nil)
