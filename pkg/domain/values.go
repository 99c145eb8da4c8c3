// Package domain holds the value types shared by the capture, release and
// bot packages.
package domain

// ---------------------------------------------------------------------------
// Shared value objects
// ---------------------------------------------------------------------------

// TriggerType selects how the first bot turn of a capture is produced.
type TriggerType string

const (
	// TriggerWithUserMessage forwards an already received message to the bot.
	TriggerWithUserMessage TriggerType = "withUserMessage"
	// TriggerWithNextMessage posts a prompt and waits for the next inbound message.
	TriggerWithNextMessage TriggerType = "withNextMessage"
)

// AllTriggerTypes returns all known trigger types.
func AllTriggerTypes() []TriggerType {
	return []TriggerType{TriggerWithUserMessage, TriggerWithNextMessage}
}

// String implements fmt.Stringer.
func (tt TriggerType) String() string { return string(tt) }

// Valid returns true if the trigger type is recognized.
func (tt TriggerType) Valid() bool {
	for _, t := range AllTriggerTypes() {
		if t == tt {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------

// ReleaseType selects what happens to a channel once the bot dialog ends.
type ReleaseType string

const (
	ReleaseTriggerStudioFlow  ReleaseType = "triggerStudioFlow"
	ReleasePostSurveyComplete ReleaseType = "postSurveyComplete"
)

// AllReleaseTypes returns all known release types.
func AllReleaseTypes() []ReleaseType {
	return []ReleaseType{ReleaseTriggerStudioFlow, ReleasePostSurveyComplete}
}

func (rt ReleaseType) String() string { return string(rt) }

// Valid returns true if the release type is recognized.
func (rt ReleaseType) Valid() bool {
	for _, t := range AllReleaseTypes() {
		if t == rt {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------

// BotRuntime identifies the dialogue runtime version a bot lives on.
type BotRuntime string

const (
	RuntimeLexV1 BotRuntime = "lexv1"
	RuntimeLexV2 BotRuntime = "lexv2"
)

func (br BotRuntime) String() string { return string(br) }

// Valid returns true if the runtime is one of the supported versions.
func (br BotRuntime) Valid() bool {
	return br == RuntimeLexV1 || br == RuntimeLexV2
}

// ---------------------------------------------------------------------------

// EventSource tells which messaging backend a channel id belongs to. Legacy
// chat channels and conversations share ids, so the source decides which API
// is used to read and write them.
type EventSource string

const (
	SourceChannel      EventSource = "channel"
	SourceConversation EventSource = "conversation"
)

func (es EventSource) String() string { return string(es) }

// Valid returns true if the source is recognized.
func (es EventSource) Valid() bool {
	return es == SourceChannel || es == SourceConversation
}
