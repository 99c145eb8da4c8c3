package capture

import "fmt"

// Error is a capture state error.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrAlreadyCaptured is returned when a capture is started on a channel
	// that a bot already owns.
	ErrAlreadyCaptured Error = "capture: channel already captured"
	// ErrNotCaptured is returned when a release is forced on a channel that
	// carries no capture.
	ErrNotCaptured Error = "capture: channel not captured"
)

// ValidationError reports an invalid capture request field. No external
// call is made when one is returned.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func missing(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "is required"}
}
