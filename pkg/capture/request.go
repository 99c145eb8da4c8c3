package capture

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/techmatters/serverless-sub000/pkg/domain"
)

// StartRequest asks for a channel to be handed to a bot.
type StartRequest struct {
	ChannelID   string
	Message     string
	Language    string
	BotSuffix   string
	TriggerType domain.TriggerType
	ReleaseType domain.ReleaseType

	StudioFlowSID   string
	MemoryAttribute string
	ReleaseFlag     string
	// ExtraGuardTaskAttributes is a JSON object merged into the guard task
	// attributes.
	ExtraGuardTaskAttributes string
	// GuardTaskTTLSeconds of 0 selects the configured default.
	GuardTaskTTLSeconds int
}

// Validate checks the request fields in a fixed order and returns the first
// problem as a *ValidationError.
func (r *StartRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.ChannelID) == "":
		return missing("channelId")
	case r.Message == "":
		return missing("message")
	case strings.TrimSpace(r.Language) == "":
		return missing("language")
	case strings.TrimSpace(r.BotSuffix) == "":
		return missing("botSuffix")
	case r.TriggerType == "":
		return missing("triggerType")
	case !r.TriggerType.Valid():
		return &ValidationError{Field: "triggerType", Message: fmt.Sprintf("unknown trigger type %q", r.TriggerType)}
	case r.ReleaseType == "":
		return missing("releaseType")
	case !r.ReleaseType.Valid():
		return &ValidationError{Field: "releaseType", Message: fmt.Sprintf("unknown release type %q", r.ReleaseType)}
	case r.ReleaseType == domain.ReleaseTriggerStudioFlow && strings.TrimSpace(r.StudioFlowSID) == "":
		return &ValidationError{Field: "studioFlowSid", Message: "is required when releaseType is triggerStudioFlow"}
	case r.ExtraGuardTaskAttributes != "" && !isJSONObject(r.ExtraGuardTaskAttributes):
		return &ValidationError{Field: "extraGuardTaskAttributes", Message: "must be a JSON object"}
	case r.GuardTaskTTLSeconds < 0:
		return &ValidationError{Field: "guardTaskTTLSeconds", Message: "must not be negative"}
	}
	return nil
}

func isJSONObject(s string) bool {
	return gjson.Valid(s) && gjson.Parse(s).IsObject()
}
