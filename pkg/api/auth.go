// API authentication: static bearer token for the capture endpoints and
// Twilio request signatures for the turn-loop callback.
//
// When gateway.api_key is non-empty, requests MUST carry:
//
//	Authorization: Bearer <api_key>
//
// or:
//
//	X-API-Key: <api_key>
//
// Exempt routes (no token required):
//   - GET /api/health
//   - POST /webhooks/chatbotCallback (called by the messaging backend;
//     guarded by the request signature when twilio.validate_signatures is on)
//
// WebSocket upgrade requests check the token in the query param as fallback:
//
//	wss://host/api/ws?token=<api_key>
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"

	"github.com/techmatters/serverless-sub000/pkg/logger"
)

// authMiddleware wraps a handler with bearer token checking.
// If apiKey is empty, the middleware is a pass-through.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		logger.WarnC("auth", "API auth DISABLED, gateway.api_key is empty")
		return next
	}

	logger.InfoC("auth", "API bearer token auth ENABLED")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// OPTIONS preflight, let CORS middleware handle it
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if !tokenValid(extractToken(r), apiKey) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="chatcapture"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "unauthorized, bearer token required",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractToken pulls the bearer token from Authorization header,
// X-API-Key header, or ?token= query param (for WebSocket upgrades).
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}

	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}

	return ""
}

// tokenValid does a constant-time comparison.
func tokenValid(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// isPublicPath returns true for paths that never require the API key.
func isPublicPath(path string) bool {
	switch path {
	case "/api/health", "/webhooks/chatbotCallback":
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Request signatures
// ---------------------------------------------------------------------------

// signatureValidator checks X-Twilio-Signature against the public URL the
// request was sent to.
type signatureValidator interface {
	Validate(url string, params map[string]string, signature string) bool
	ValidateBody(url string, body []byte, signature string) bool
}

type twilioSignatures struct {
	validator client.RequestValidator
}

func newTwilioSignatures(authToken string) *twilioSignatures {
	return &twilioSignatures{validator: client.NewRequestValidator(authToken)}
}

func (t *twilioSignatures) Validate(url string, params map[string]string, signature string) bool {
	return t.validator.Validate(url, params, signature)
}

func (t *twilioSignatures) ValidateBody(url string, body []byte, signature string) bool {
	return t.validator.ValidateBody(url, body, signature)
}

// publicURL rebuilds the URL the messaging backend signed: the configured
// public base plus the request path and query.
func (s *Server) publicURL(r *http.Request) string {
	return strings.TrimRight(s.config.Gateway.PublicURL, "/") + r.URL.RequestURI()
}

// verifySignature reports whether the request carries a valid signature.
// It always succeeds when signature validation is disabled.
func (s *Server) verifySignature(r *http.Request, p *params) bool {
	if s.signatures == nil {
		return true
	}
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}
	if p.json {
		return s.signatures.ValidateBody(s.publicURL(r), p.body, sig)
	}
	return s.signatures.Validate(s.publicURL(r), p.values, sig)
}
