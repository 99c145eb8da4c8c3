// Local development endpoints: seed channels in the sqlite backend, post user
// messages into them and read back what the bot wrote. Registered only when
// the server runs on the local backend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/techmatters/serverless-sub000/pkg/capture"
	"github.com/techmatters/serverless-sub000/pkg/domain"
	"github.com/techmatters/serverless-sub000/pkg/infrastructure/persistence"
	"github.com/techmatters/serverless-sub000/pkg/logger"
	"github.com/techmatters/serverless-sub000/pkg/messaging"
)

// LocalBackend is the sqlite backend behind the /api/local routes.
type LocalBackend interface {
	PutChannel(ctx context.Context, channelID, attributes string) (*messaging.Channel, error)
	ListMessages(ctx context.Context, channelID string) ([]persistence.Message, error)
	Channels() messaging.Backend
}

// SetLocalBackend enables the /api/local routes. Call before Start.
func (s *Server) SetLocalBackend(b LocalBackend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = b
}

// SetHealthCheck adds a named check to /api/health and the status snapshot.
// Call before Start.
func (s *Server) SetHealthCheck(name string, check func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checks == nil {
		s.checks = map[string]func() error{}
	}
	s.checks[name] = check
}

// runChecks returns "ok" or the error text per check, and whether all passed.
func (s *Server) runChecks() (map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	return results, healthy
}

func (s *Server) registerLocalRoutes(mux *http.ServeMux) {
	s.mu.RLock()
	enabled := s.local != nil
	s.mu.RUnlock()
	if !enabled {
		return
	}
	mux.HandleFunc("POST /api/local/channels", s.handleLocalPutChannel)
	mux.HandleFunc("GET /api/local/channels/{id}/messages", s.handleLocalListMessages)
	mux.HandleFunc("POST /api/local/channels/{id}/messages", s.handleLocalPostMessage)
}

// POST /api/local/channels
// Body: channelId, and either attributes (a JSON object) or
// serviceUserIdentity.
func (s *Server) handleLocalPutChannel(w http.ResponseWriter, r *http.Request) {
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

	attributes := p.get("attributes")
	if attributes == "" {
		attributes = "{}"
	}
	if user := p.get("serviceUserIdentity"); user != "" {
		attributes, err = sjson.Set(attributes, "serviceUserIdentity", user)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "field": "attributes"})
			return
		}
	}

	ch, err := s.local.PutChannel(r.Context(), channelID, attributes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "field": "attributes"})
		return
	}
	logger.InfoCF("api", "Local channel stored", map[string]interface{}{
		"channel":  ch.ID,
		"revision": ch.Revision,
	})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"channelId":  ch.ID,
		"attributes": json.RawMessage(ch.Attributes),
		"revision":   ch.Revision,
	})
}

// GET /api/local/channels/{id}/messages
func (s *Server) handleLocalListMessages(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")
	msgs, err := s.local.ListMessages(r.Context(), channelID)
	if err != nil {
		s.writeCaptureError(w, r, "list messages", channelID, err)
		return
	}
	if msgs == nil {
		msgs = []persistence.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel":  channelID,
		"messages": msgs,
	})
}

// POST /api/local/channels/{id}/messages
// Stores a user message and delivers it to the turn loop the way the
// onMessageSent webhook would.
func (s *Server) handleLocalPostMessage(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")
	p, err := readParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	from, body := p.get("from", "From"), p.get("body", "Body")
	for _, check := range []struct{ value, field string }{
		{body, "body"},
		{from, "from"},
	} {
		if check.value == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": check.field + " is required",
				"field": check.field,
			})
			return
		}
	}

	if err := s.local.Channels().SendMessage(r.Context(), channelID, from, body); err != nil {
		if errors.Is(err, messaging.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		s.writeCaptureError(w, r, "post message", channelID, err)
		return
	}

	outcome, err := s.turns.Handle(r.Context(), capture.TurnEvent{
		Source:    domain.SourceChannel,
		ChannelID: channelID,
		Sender:    from,
		Body:      body,
		EventType: messaging.EventMessageSent,
		MessageID: "IM" + uuid.NewString(),
	})
	if err != nil {
		s.writeCaptureError(w, r, "turn", channelID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}
