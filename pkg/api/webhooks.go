// Capture webhook endpoints: start a capture, run one turn of the turn loop,
// and force-release a captured channel.
package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/techmatters/serverless-sub000/pkg/capture"
	"github.com/techmatters/serverless-sub000/pkg/domain"
	"github.com/techmatters/serverless-sub000/pkg/logger"
)

const maxBodyBytes = 1 << 20

// params is a flat view of a JSON or form-encoded request body.
type params struct {
	values map[string]string
	body   []byte
	json   bool
}

func (p *params) get(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(p.values[k]); v != "" {
			return v
		}
	}
	return ""
}

// readParams decodes a JSON object or a form body into string values.
// Non-string JSON values are kept as their raw JSON text.
func readParams(r *http.Request) (*params, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	p := &params{values: map[string]string{}, body: body}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		p.json = true
		if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
			return nil, errors.New("body must be a JSON object")
		}
		gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
			if value.Type == gjson.String {
				p.values[key.String()] = value.Str
			} else if value.Type != gjson.Null {
				p.values[key.String()] = value.Raw
			}
			return true
		})
		return p, nil
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}
	for k, v := range form {
		if len(v) > 0 {
			p.values[k] = v[0]
		}
	}
	return p, nil
}

// POST /webhooks/captureChannelWithBot
func (s *Server) handleCaptureChannelWithBot(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	req := capture.StartRequest{
		ChannelID:                p.get("channelId", "channelSid"),
		Message:                  p.get("message"),
		Language:                 p.get("language"),
		BotSuffix:                p.get("botSuffix"),
		TriggerType:              domain.TriggerType(p.get("triggerType")),
		ReleaseType:              domain.ReleaseType(p.get("releaseType")),
		StudioFlowSID:            p.get("studioFlowSid"),
		MemoryAttribute:          p.get("memoryAttribute"),
		ReleaseFlag:              p.get("releaseFlag"),
		ExtraGuardTaskAttributes: p.get("extraGuardTaskAttributes"),
	}
	if ttl := p.get("guardTaskTTLSeconds"); ttl != "" {
		n, err := strconv.Atoi(ttl)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "guardTaskTTLSeconds must be an integer",
				"field": "guardTaskTTLSeconds",
			})
			return
		}
		req.GuardTaskTTLSeconds = n
	}

	if err := s.captures.Start(r.Context(), req); err != nil {
		s.writeCaptureError(w, r, "capture", req.ChannelID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Channel captured by bot"})
}

// POST /webhooks/chatbotCallback
func (s *Server) handleChatbotCallback(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !s.verifySignature(r, p) {
		logger.WarnCF("api", "Rejected callback with invalid signature", map[string]interface{}{
			"request_id": requestID(r),
		})
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid signature"})
		return
	}

	ev := capture.TurnEvent{
		Source:    domain.SourceChannel,
		ChannelID: p.get("ChannelSid"),
		Sender:    p.get("From", "Author"),
		Body:      p.get("Body"),
		EventType: p.get("EventType"),
		MessageID: p.get("MessageSid"),
	}
	if ev.ChannelID == "" {
		if conv := p.get("ConversationSid"); conv != "" {
			ev.Source = domain.SourceConversation
			ev.ChannelID = conv
		}
	}

	for _, check := range []struct{ value, field string }{
		{ev.Body, "Body"},
		{ev.Sender, "From"},
		{ev.ChannelID, "ChannelSid"},
		{ev.EventType, "EventType"},
	} {
		if check.value == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": check.field + " is required",
				"field": check.field,
			})
			return
		}
	}

	outcome, err := s.turns.Handle(r.Context(), ev)
	if err != nil {
		s.writeCaptureError(w, r, "turn", ev.ChannelID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// POST /webhooks/chatbotCallbackCleanup
func (s *Server) handleChatbotCallbackCleanup(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	channelID := p.get("channelId", "channelSid")
	if channelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channelId is required", "field": "channelId"})
		return
	}
	source := domain.EventSource(p.get("source"))
	if source != "" && !source.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown source %q", source),
			"field": "source",
		})
		return
	}

	if err := s.turns.ForceRelease(r.Context(), source, channelID); err != nil {
		s.writeCaptureError(w, r, "cleanup", channelID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Channel released"})
}

// writeCaptureError maps capture errors to status codes.
func (s *Server) writeCaptureError(w http.ResponseWriter, r *http.Request, op, channelID string, err error) {
	var verr *capture.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, capture.ErrAlreadyCaptured), errors.Is(err, capture.ErrNotCaptured):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		logger.ErrorCF("api", "Request failed", map[string]interface{}{
			"op":         op,
			"channel":    channelID,
			"request_id": requestID(r),
			"error":      err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
