package capture

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/techmatters/serverless-sub000/pkg/bot"
	"github.com/techmatters/serverless-sub000/pkg/domain"
)

// Attribute keys inside the channel attribute blob.
const (
	CapturedAttributesKey  = "capturedChannelAttributes"
	ServiceUserIdentityKey = "serviceUserIdentity"
	DefaultMemoryAttribute = "memory"
)

// SchemaVersion tags the captured attributes layout written by this service.
const SchemaVersion = 1

// CapturedAttributes is the capture session state kept inside the channel
// attributes for as long as the bot owns the channel.
type CapturedAttributes struct {
	SchemaVersion int    `json:"schemaVersion"`
	UserID        string `json:"userId"`
	bot.Identity

	ControlTaskSID  string             `json:"controlTaskSid"`
	ReleaseType     domain.ReleaseType `json:"releaseType"`
	StudioFlowSID   string             `json:"studioFlowSid,omitempty"`
	MemoryAttribute string             `json:"memoryAttribute,omitempty"`
	ReleaseFlag     string             `json:"releaseFlag,omitempty"`

	ChatbotCallbackWebhookSID string `json:"chatbotCallbackWebhookSid"`
	// ConversationWebhookSID is the turn-loop webhook on the conversation
	// resource, when one could be attached.
	ConversationWebhookSID string `json:"conversationWebhookSid,omitempty"`
}

// Session returns the bot session of the capture.
func (c *CapturedAttributes) Session() bot.Session {
	return bot.Session{Identity: c.Identity, UserID: c.UserID}
}

// MemoryKey is the attribute the memory is released under.
func (c *CapturedAttributes) MemoryKey() string {
	if c.MemoryAttribute != "" {
		return c.MemoryAttribute
	}
	return DefaultMemoryAttribute
}

// ReadCaptured extracts the captured attributes from a channel attribute
// blob. ok is false when the channel is not captured.
func ReadCaptured(attributes string) (captured *CapturedAttributes, ok bool, err error) {
	raw := gjson.Get(attributes, CapturedAttributesKey)
	if !raw.Exists() || raw.Type == gjson.Null {
		return nil, false, nil
	}
	if !raw.IsObject() {
		return nil, false, fmt.Errorf("%s is not an object", CapturedAttributesKey)
	}
	var c CapturedAttributes
	if err := json.Unmarshal([]byte(raw.Raw), &c); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", CapturedAttributesKey, err)
	}
	if c.Runtime == "" {
		if c.BotID != "" {
			c.Runtime = domain.RuntimeLexV2
		} else {
			c.Runtime = domain.RuntimeLexV1
		}
	}
	return &c, true, nil
}

// IsCaptured reports whether the attribute blob carries captured attributes.
func IsCaptured(attributes string) bool {
	raw := gjson.Get(attributes, CapturedAttributesKey)
	return raw.Exists() && raw.Type != gjson.Null
}

// ServiceUserIdentity returns the identity of the end user of the channel,
// written by the upstream flow.
func ServiceUserIdentity(attributes string) string {
	return gjson.Get(attributes, ServiceUserIdentityKey).String()
}

// WithCaptured returns attributes with the captured attributes set.
func WithCaptured(attributes string, captured *CapturedAttributes) (string, error) {
	data, err := json.Marshal(captured)
	if err != nil {
		return "", err
	}
	return sjson.SetRaw(normalize(attributes), CapturedAttributesKey, string(data))
}

// Released returns attributes with the captured attributes removed, memory
// stored under memoryKey and, when releaseFlag is set, releaseFlag = true.
func Released(attributes, memoryKey string, memory bot.Memory, releaseFlag string) (string, error) {
	out, err := sjson.Delete(normalize(attributes), CapturedAttributesKey)
	if err != nil {
		return "", err
	}
	if memory == nil {
		memory = bot.Memory{}
	}
	if out, err = sjson.Set(out, escapePath(memoryKey), memory); err != nil {
		return "", err
	}
	if releaseFlag != "" {
		if out, err = sjson.Set(out, escapePath(releaseFlag), true); err != nil {
			return "", err
		}
	}
	return out, nil
}

func normalize(attributes string) string {
	if strings.TrimSpace(attributes) == "" {
		return "{}"
	}
	return attributes
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`, `@`, `\@`)

// escapePath makes an attribute name a single literal path segment.
func escapePath(key string) string {
	return pathEscaper.Replace(key)
}
