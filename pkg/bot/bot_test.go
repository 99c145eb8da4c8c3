package bot

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lexruntimeservice"
	lextypes "github.com/aws/aws-sdk-go-v2/service/lexruntimeservice/types"
	"github.com/aws/aws-sdk-go-v2/service/lexruntimev2"
	lexv2types "github.com/aws/aws-sdk-go-v2/service/lexruntimev2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/techmatters/serverless-sub000/pkg/domain"
)

type fakeLexV1 struct {
	postIn    *lexruntimeservice.PostTextInput
	postOut   *lexruntimeservice.PostTextOutput
	postErr   error
	deleteIn  *lexruntimeservice.DeleteSessionInput
	deleteErr error
}

func (f *fakeLexV1) PostText(_ context.Context, in *lexruntimeservice.PostTextInput, _ ...func(*lexruntimeservice.Options)) (*lexruntimeservice.PostTextOutput, error) {
	f.postIn = in
	return f.postOut, f.postErr
}

func (f *fakeLexV1) DeleteSession(_ context.Context, in *lexruntimeservice.DeleteSessionInput, _ ...func(*lexruntimeservice.Options)) (*lexruntimeservice.DeleteSessionOutput, error) {
	f.deleteIn = in
	return &lexruntimeservice.DeleteSessionOutput{}, f.deleteErr
}

type fakeLexV2 struct {
	recognizeIn  *lexruntimev2.RecognizeTextInput
	recognizeOut *lexruntimev2.RecognizeTextOutput
	recognizeErr error
	deleteIn     *lexruntimev2.DeleteSessionInput
}

func (f *fakeLexV2) RecognizeText(_ context.Context, in *lexruntimev2.RecognizeTextInput, _ ...func(*lexruntimev2.Options)) (*lexruntimev2.RecognizeTextOutput, error) {
	f.recognizeIn = in
	return f.recognizeOut, f.recognizeErr
}

func (f *fakeLexV2) DeleteSession(_ context.Context, in *lexruntimev2.DeleteSessionInput, _ ...func(*lexruntimev2.Options)) (*lexruntimev2.DeleteSessionOutput, error) {
	f.deleteIn = in
	return &lexruntimev2.DeleteSessionOutput{}, nil
}

type fakeParams struct {
	values map[string]string
	asked  string
}

func (f *fakeParams) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.asked = aws.ToString(in.Name)
	v, ok := f.values[f.asked]
	if !ok {
		return nil, errors.New("ParameterNotFound")
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(v)}}, nil
}

func TestSanitizeLanguage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"en-US", "en_US"},
		{"pt-BR", "pt_BR"},
		{"es-419", "es_"},
		{"en", "en"},
		{"", ""},
		{"zh-Hant-2", "zh_Hant_"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeLanguage(tt.in); got != tt.want {
				t.Errorf("SanitizeLanguage(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLexV1_IsEndOfDialog(t *testing.T) {
	adapter := NewLexV1(&fakeLexV1{})
	tests := []struct {
		state string
		want  bool
	}{
		{"Fulfilled", true},
		{"Failed", true},
		{"ElicitSlot", false},
		{"ConfirmIntent", false},
		{"ReadyForFulfillment", false},
		{"Close", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run("state="+tt.state, func(t *testing.T) {
			if got := adapter.IsEndOfDialog(tt.state); got != tt.want {
				t.Errorf("IsEndOfDialog(%q) = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestLexV2_IsEndOfDialog(t *testing.T) {
	adapter := NewLexV2(&fakeLexV2{}, &fakeParams{})
	tests := []struct {
		state string
		want  bool
	}{
		{"Close", true},
		{"ElicitSlot", false},
		{"Delegate", false},
		{"Fulfilled", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run("state="+tt.state, func(t *testing.T) {
			if got := adapter.IsEndOfDialog(tt.state); got != tt.want {
				t.Errorf("IsEndOfDialog(%q) = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestLexV1_ResolveIdentity(t *testing.T) {
	adapter := NewLexV1(&fakeLexV1{})
	id, err := adapter.ResolveIdentity(context.Background(), IdentityRequest{
		Language:     "pt-BR",
		Suffix:       "pre_survey",
		HelplineCode: "BR",
		Environment:  "production",
	})
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if id.BotName != "production_br_pt_BR_pre_survey" {
		t.Errorf("BotName = %q", id.BotName)
	}
	if id.BotAlias != "latest" || id.Runtime != domain.RuntimeLexV1 {
		t.Errorf("identity = %+v", id)
	}

	_, err = adapter.ResolveIdentity(context.Background(), IdentityRequest{Language: "en"})
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) {
		t.Fatalf("expected AdapterError, got %v", err)
	}
}

func TestLexV1_SendText(t *testing.T) {
	client := &fakeLexV1{postOut: &lexruntimeservice.PostTextOutput{
		DialogState: lextypes.DialogStateFulfilled,
		Message:     aws.String("Thanks!"),
		Slots:       map[string]string{"age": "15", "gender": "girl"},
	}}
	adapter := NewLexV1(client)
	session := Session{Identity: Identity{Runtime: domain.RuntimeLexV1, BotName: "b", BotAlias: "latest"}, UserID: "CH1"}

	turn, err := adapter.SendText(context.Background(), session, "hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if turn.Reply != "Thanks!" || !turn.DialogEnded || turn.DialogState != "Fulfilled" {
		t.Errorf("turn = %+v", turn)
	}
	if turn.Memory["age"] != "15" || turn.Memory["gender"] != "girl" {
		t.Errorf("memory = %v", turn.Memory)
	}
	if aws.ToString(client.postIn.UserId) != "CH1" || aws.ToString(client.postIn.InputText) != "hello" {
		t.Errorf("input = %+v", client.postIn)
	}
}

func TestLexV1_SendTextError(t *testing.T) {
	adapter := NewLexV1(&fakeLexV1{postErr: errors.New("throttled")})
	turn, err := adapter.SendText(context.Background(), Session{UserID: "CH1"}, "hi")
	if turn != nil {
		t.Errorf("turn = %+v, want nil", turn)
	}
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) || adapterErr.Op != "post text" {
		t.Fatalf("err = %v", err)
	}
}

func TestLexV2_ResolveIdentity(t *testing.T) {
	params := &fakeParams{values: map[string]string{
		"/staging/serverless/bots/ZA_es__pre_survey": `{"botId":"B1","botAliasId":"A1","localeId":"es_419"}`,
	}}
	adapter := NewLexV2(&fakeLexV2{}, params)

	id, err := adapter.ResolveIdentity(context.Background(), IdentityRequest{
		Language:     "es-419",
		Suffix:       "pre_survey",
		HelplineCode: "ZA",
		Environment:  "staging",
	})
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if id.BotID != "B1" || id.BotAliasID != "A1" || id.LocaleID != "es_419" || id.Runtime != domain.RuntimeLexV2 {
		t.Errorf("identity = %+v", id)
	}

	_, err = adapter.ResolveIdentity(context.Background(), IdentityRequest{Language: "fr", Suffix: "x", HelplineCode: "ZA", Environment: "staging"})
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) {
		t.Fatalf("expected AdapterError for missing parameter, got %v", err)
	}
}

func TestLexV2_SendText(t *testing.T) {
	client := &fakeLexV2{recognizeOut: &lexruntimev2.RecognizeTextOutput{
		Messages: []lexv2types.Message{
			{Content: aws.String("Got it.")},
			{Content: aws.String("Goodbye.")},
		},
		SessionState: &lexv2types.SessionState{
			DialogAction: &lexv2types.DialogAction{Type: lexv2types.DialogActionTypeClose},
			Intent: &lexv2types.Intent{
				Name: aws.String("survey"),
				Slots: map[string]lexv2types.Slot{
					"age": {Value: &lexv2types.Value{
						OriginalValue:    aws.String("fifteen"),
						InterpretedValue: aws.String("15"),
						ResolvedValues:   []string{"15"},
					}},
					"gender": {},
				},
			},
		},
	}}
	adapter := NewLexV2(client, &fakeParams{})
	session := Session{Identity: Identity{Runtime: domain.RuntimeLexV2, BotID: "B1", BotAliasID: "A1", LocaleID: "en_US"}, UserID: "CH9"}

	turn, err := adapter.SendText(context.Background(), session, "fifteen")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if turn.Reply != "Got it.\nGoodbye." {
		t.Errorf("Reply = %q", turn.Reply)
	}
	if !turn.DialogEnded || turn.DialogState != "Close" {
		t.Errorf("turn = %+v", turn)
	}
	if turn.Memory["age"] != "15" {
		t.Errorf("age = %q, want 15", turn.Memory["age"])
	}
	if v, ok := turn.Memory["gender"]; !ok || v != "" {
		t.Errorf("gender = %q (present %v), want empty", v, ok)
	}
	if aws.ToString(client.recognizeIn.SessionId) != "CH9" {
		t.Errorf("SessionId = %q", aws.ToString(client.recognizeIn.SessionId))
	}
}

func TestLexV2_DeleteSession(t *testing.T) {
	client := &fakeLexV2{}
	adapter := NewLexV2(client, &fakeParams{})
	session := Session{Identity: Identity{BotID: "B1", BotAliasID: "A1", LocaleID: "en_US"}, UserID: "CH9"}
	if err := adapter.DeleteSession(context.Background(), session); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if aws.ToString(client.deleteIn.SessionId) != "CH9" || aws.ToString(client.deleteIn.BotId) != "B1" {
		t.Errorf("delete input = %+v", client.deleteIn)
	}
}
