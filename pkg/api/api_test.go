package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/techmatters/serverless-sub000/pkg/bus"
	"github.com/techmatters/serverless-sub000/pkg/capture"
	"github.com/techmatters/serverless-sub000/pkg/config"
	"github.com/techmatters/serverless-sub000/pkg/domain"
	"github.com/techmatters/serverless-sub000/pkg/events"
)

const testAPIKey = "secret-key"

type fakeCapturer struct {
	got capture.StartRequest
	err error
}

func (f *fakeCapturer) Start(_ context.Context, req capture.StartRequest) error {
	f.got = req
	return f.err
}

type fakeTurns struct {
	got      capture.TurnEvent
	outcome  capture.Outcome
	err      error
	released []string
	source   domain.EventSource
}

func (f *fakeTurns) Handle(_ context.Context, ev capture.TurnEvent) (capture.Outcome, error) {
	f.got = ev
	return f.outcome, f.err
}

func (f *fakeTurns) ForceRelease(_ context.Context, source domain.EventSource, channelID string) error {
	f.source = source
	f.released = append(f.released, channelID)
	return f.err
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakeCapturer, *fakeTurns) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Gateway.APIKey = testAPIKey
	cfg.Gateway.PublicURL = "https://capture.example.org"
	if mutate != nil {
		mutate(cfg)
	}
	captures := &fakeCapturer{}
	turns := &fakeTurns{outcome: capture.OutcomeReplied}
	return NewServer(cfg, captures, turns, bus.NewMessageBus()), captures, turns
}

func do(t *testing.T, s *Server, method, path, contentType, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAPIKey}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthIsPublic(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/health", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}
}

func TestCaptureRequiresAPIKey(t *testing.T) {
	s, captures, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodPost, "/webhooks/captureChannelWithBot", "application/json", `{}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if captures.got.ChannelID != "" {
		t.Error("capture started without auth")
	}
}

func TestCaptureChannelWithBot(t *testing.T) {
	s, captures, _ := newTestServer(t, nil)
	body := `{
		"channelSid": "CH1",
		"message": "hi",
		"language": "en-US",
		"botSuffix": "pre_survey",
		"triggerType": "withUserMessage",
		"releaseType": "postSurveyComplete",
		"memoryAttribute": "preSurvey",
		"extraGuardTaskAttributes": {"helpline": "za"},
		"guardTaskTTLSeconds": 600
	}`

	rec := do(t, s, http.MethodPost, "/webhooks/captureChannelWithBot", "application/json", body, bearer())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	got := captures.got
	if got.ChannelID != "CH1" || got.TriggerType != domain.TriggerWithUserMessage || got.ReleaseType != domain.ReleasePostSurveyComplete {
		t.Errorf("request = %+v", got)
	}
	if got.GuardTaskTTLSeconds != 600 || got.MemoryAttribute != "preSurvey" {
		t.Errorf("request = %+v", got)
	}
	if got.ExtraGuardTaskAttributes != `{"helpline": "za"}` {
		t.Errorf("extra attributes = %q", got.ExtraGuardTaskAttributes)
	}
}

func TestCaptureChannelWithBotForm(t *testing.T) {
	s, captures, _ := newTestServer(t, nil)
	form := url.Values{
		"channelId":     {"CH2"},
		"message":       {"hello"},
		"language":      {"es"},
		"botSuffix":     {"pre_survey"},
		"triggerType":   {"withNextMessage"},
		"releaseType":   {"triggerStudioFlow"},
		"studioFlowSid": {"FW1"},
	}

	rec := do(t, s, http.MethodPost, "/webhooks/captureChannelWithBot", "application/x-www-form-urlencoded", form.Encode(), bearer())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if captures.got.ChannelID != "CH2" || captures.got.StudioFlowSID != "FW1" {
		t.Errorf("request = %+v", captures.got)
	}
}

func TestCaptureErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		field  string
	}{
		{
			name:   "validation",
			body:   `{"channelId":"CH1"}`,
			err:    &capture.ValidationError{Field: "message", Message: "is required"},
			status: http.StatusBadRequest,
			field:  "message",
		},
		{
			name:   "bad ttl",
			body:   `{"channelId":"CH1","guardTaskTTLSeconds":"soon"}`,
			status: http.StatusBadRequest,
			field:  "guardTaskTTLSeconds",
		},
		{
			name:   "already captured",
			body:   `{"channelId":"CH1"}`,
			err:    capture.ErrAlreadyCaptured,
			status: http.StatusConflict,
		},
		{
			name:   "backend failure",
			body:   `{"channelId":"CH1"}`,
			err:    errors.New("twilio unavailable"),
			status: http.StatusInternalServerError,
		},
		{
			name:   "not json object",
			body:   `[1,2]`,
			status: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, captures, _ := newTestServer(t, nil)
			captures.err = tt.err

			rec := do(t, s, http.MethodPost, "/webhooks/captureChannelWithBot", "application/json", tt.body, bearer())

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body)
			}
			if tt.field != "" {
				if got := decode(t, rec)["field"]; got != tt.field {
					t.Errorf("field = %q, want %q", got, tt.field)
				}
			}
		})
	}
}

func TestChatbotCallback(t *testing.T) {
	s, _, turns := newTestServer(t, nil)
	form := url.Values{
		"Body":       {"12"},
		"From":       {"user-1"},
		"ChannelSid": {"CH1"},
		"EventType":  {"onMessageSent"},
		"MessageSid": {"IM1"},
	}

	// No API key: the callback is called by the messaging backend.
	rec := do(t, s, http.MethodPost, "/webhooks/chatbotCallback", "application/x-www-form-urlencoded", form.Encode(), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if got := decode(t, rec)["outcome"]; got != string(capture.OutcomeReplied) {
		t.Errorf("outcome = %q", got)
	}
	want := capture.TurnEvent{
		Source:    domain.SourceChannel,
		ChannelID: "CH1",
		Sender:    "user-1",
		Body:      "12",
		EventType: "onMessageSent",
		MessageID: "IM1",
	}
	if turns.got != want {
		t.Errorf("event = %+v, want %+v", turns.got, want)
	}
}

func TestChatbotCallbackConversation(t *testing.T) {
	s, _, turns := newTestServer(t, nil)
	form := url.Values{
		"Body":            {"hi"},
		"Author":          {"user-1"},
		"ConversationSid": {"CH9"},
		"EventType":       {"onMessageAdded"},
	}

	rec := do(t, s, http.MethodPost, "/webhooks/chatbotCallback", "application/x-www-form-urlencoded", form.Encode(), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if turns.got.Source != domain.SourceConversation || turns.got.ChannelID != "CH9" || turns.got.Sender != "user-1" {
		t.Errorf("event = %+v", turns.got)
	}
}

func TestChatbotCallbackMissingFields(t *testing.T) {
	tests := []struct {
		drop  string
		field string
	}{
		{"Body", "Body"},
		{"From", "From"},
		{"ChannelSid", "ChannelSid"},
		{"EventType", "EventType"},
	}
	for _, tt := range tests {
		t.Run(tt.drop, func(t *testing.T) {
			s, _, turns := newTestServer(t, nil)
			form := url.Values{
				"Body":       {"hi"},
				"From":       {"user-1"},
				"ChannelSid": {"CH1"},
				"EventType":  {"onMessageSent"},
			}
			form.Del(tt.drop)

			rec := do(t, s, http.MethodPost, "/webhooks/chatbotCallback", "application/x-www-form-urlencoded", form.Encode(), nil)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := decode(t, rec)["field"]; got != tt.field {
				t.Errorf("field = %q", got)
			}
			if turns.got.ChannelID != "" {
				t.Error("turn handled despite missing field")
			}
		})
	}
}

// twilioSignature computes X-Twilio-Signature for a form post.
func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestChatbotCallbackSignature(t *testing.T) {
	const token = "auth-token"
	form := url.Values{
		"Body":       {"hi"},
		"From":       {"user-1"},
		"ChannelSid": {"CH1"},
		"EventType":  {"onMessageSent"},
	}
	valid := twilioSignature(token, "https://capture.example.org/webhooks/chatbotCallback", form)

	tests := []struct {
		name      string
		signature string
		status    int
	}{
		{"valid", valid, http.StatusOK},
		{"tampered", valid[:len(valid)-2] + "AA", http.StatusForbidden},
		{"missing", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestServer(t, func(cfg *config.Config) {
				cfg.Twilio.AuthToken = token
				cfg.Twilio.ValidateSignatures = true
			})
			headers := map[string]string{}
			if tt.signature != "" {
				headers["X-Twilio-Signature"] = tt.signature
			}

			rec := do(t, s, http.MethodPost, "/webhooks/chatbotCallback", "application/x-www-form-urlencoded", form.Encode(), headers)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestChatbotCallbackCleanup(t *testing.T) {
	s, _, turns := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/webhooks/chatbotCallbackCleanup", "application/json", `{"channelId":"CH1","source":"conversation"}`, bearer())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if len(turns.released) != 1 || turns.released[0] != "CH1" || turns.source != domain.SourceConversation {
		t.Errorf("released = %v source = %q", turns.released, turns.source)
	}

	turns.err = capture.ErrNotCaptured
	rec = do(t, s, http.MethodPost, "/webhooks/chatbotCallbackCleanup", "application/json", `{"channelId":"CH1"}`, bearer())
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/webhooks/chatbotCallbackCleanup", "application/json", `{"channelId":"CH1","source":"sms"}`, bearer())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSystemStatusCounters(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	s.eventBridge.dispatch(bus.SystemEvent{Type: events.CaptureStarted, Source: "capture"})
	s.eventBridge.dispatch(bus.SystemEvent{Type: events.CaptureStarted, Source: "capture"})
	s.eventBridge.dispatch(bus.InboundMessage{ChannelID: "CH1", Content: "hi"})

	rec := do(t, s, http.MethodGet, "/api/system/status", "", "", bearer())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Events map[string]int64 `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Events[events.CaptureStarted] != 2 || out.Events[events.MessageInbound] != 1 {
		t.Errorf("events = %v", out.Events)
	}
	if _, ok := out.Events[events.SurveyIngested]; !ok {
		t.Error("counters should list every event type")
	}
}

func TestRequestIDIsKept(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/health", "", "", map[string]string{"X-Request-Id": "req-42"})
	if got := rec.Header().Get("X-Request-Id"); got != "req-42" {
		t.Errorf("X-Request-Id = %q", got)
	}
}
