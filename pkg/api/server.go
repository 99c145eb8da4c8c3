// Chat capture HTTP API server.
// Serves the capture webhooks, status endpoints and a WebSocket stream of
// live capture events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/techmatters/serverless-sub000/pkg/bus"
	"github.com/techmatters/serverless-sub000/pkg/capture"
	"github.com/techmatters/serverless-sub000/pkg/config"
	"github.com/techmatters/serverless-sub000/pkg/domain"
	"github.com/techmatters/serverless-sub000/pkg/logger"
)

// Capturer starts captures.
type Capturer interface {
	Start(ctx context.Context, req capture.StartRequest) error
}

// TurnProcessor handles turn-loop deliveries and forced releases.
type TurnProcessor interface {
	Handle(ctx context.Context, ev capture.TurnEvent) (capture.Outcome, error)
	ForceRelease(ctx context.Context, source domain.EventSource, channelID string) error
}

// Server is the HTTP API server of the capture service.
type Server struct {
	config      *config.Config
	captures    Capturer
	turns       TurnProcessor
	messageBus  *bus.MessageBus
	wsHub       *WSHub
	eventBridge *EventBridge
	signatures  signatureValidator
	local       LocalBackend
	checks      map[string]func() error
	startTime   time.Time
	server      *http.Server
	mu          sync.RWMutex
}

// NewServer creates a new API server instance. msgBus may be nil, in which
// case no live events are streamed.
func NewServer(
	cfg *config.Config,
	captures Capturer,
	turns TurnProcessor,
	msgBus *bus.MessageBus,
) *Server {
	s := &Server{
		config:     cfg,
		captures:   captures,
		turns:      turns,
		messageBus: msgBus,
		startTime:  time.Now(),
	}
	if cfg.Twilio.ValidateSignatures {
		s.signatures = newTwilioSignatures(cfg.Twilio.AuthToken)
	}
	s.wsHub = NewWSHub(s)
	s.eventBridge = NewEventBridge(msgBus, s.wsHub)
	return s
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Capture webhooks
	mux.HandleFunc("POST /webhooks/captureChannelWithBot", s.handleCaptureChannelWithBot)
	mux.HandleFunc("POST /webhooks/chatbotCallback", s.handleChatbotCallback)
	mux.HandleFunc("POST /webhooks/chatbotCallbackCleanup", s.handleChatbotCallbackCleanup)

	// Status
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/system/status", s.handleSystemStatus)

	// WebSocket for live events
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	// Local backend (development only)
	s.registerLocalRoutes(mux)

	return requestIDMiddleware(corsMiddleware(authMiddleware(s.config.Gateway.APIKey, mux)))
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.ListenAddr()
	handler := s.Handler()

	s.mu.Lock()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	logger.InfoCF("api", "Capture API server starting", map[string]interface{}{
		"addr":         addr,
		"callback_url": s.config.CallbackURL(),
		"signatures":   s.signatures != nil,
	})

	go s.wsHub.Run(ctx)
	go s.eventBridge.Run(ctx)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// --- Middleware ---

type requestIDKey struct{}

// requestIDMiddleware tags every request with an X-Request-Id, reusing the
// caller's when present.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks, healthy := s.runChecks()
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) statusSnapshot() map[string]interface{} {
	uptime := time.Since(s.startTime)
	checks, _ := s.runChecks()
	return map[string]interface{}{
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   formatDuration(uptime),
		"bot_runtime":    s.config.Bot.Runtime,
		"storage":        s.config.Storage.Backend,
		"callback_url":   s.config.CallbackURL(),
		"ws_clients":     s.wsHub.ClientCount(),
		"events":         s.eventBridge.Counters(),
		"checks":         checks,
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
