package capture

import (
	"context"
	"fmt"

	"github.com/techmatters/serverless-sub000/pkg/bot"
	"github.com/techmatters/serverless-sub000/pkg/bus"
	"github.com/techmatters/serverless-sub000/pkg/domain"
	"github.com/techmatters/serverless-sub000/pkg/events"
	"github.com/techmatters/serverless-sub000/pkg/logger"
	"github.com/techmatters/serverless-sub000/pkg/messaging"
	"github.com/techmatters/serverless-sub000/pkg/release"
)

// TurnEvent is one inbound-message webhook delivery.
type TurnEvent struct {
	Source    domain.EventSource
	ChannelID string
	Sender    string
	Body      string
	EventType string
	// MessageID is optional; with a ledger it drops replayed deliveries.
	MessageID string
}

// Outcome is what a turn event led to.
type Outcome string

const (
	OutcomeIgnored  Outcome = "ignored"
	OutcomeReplied  Outcome = "replied"
	OutcomeReleased Outcome = "released"
)

// DeliveryLedger remembers handled deliveries.
type DeliveryLedger interface {
	// RecordDelivery reports whether (channelID, messageID) is new.
	RecordDelivery(ctx context.Context, channelID, messageID string) (bool, error)
}

// TurnHandler runs one bot turn per inbound message on a captured channel.
type TurnHandler struct {
	deps   Deps
	ledger DeliveryLedger
}

// NewTurnHandler creates a turn handler. ledger may be nil.
func NewTurnHandler(deps Deps, ledger DeliveryLedger) *TurnHandler {
	return &TurnHandler{deps: deps, ledger: ledger}
}

// Handle forwards ev to the bot, posts the reply and releases the channel
// once the dialog ended.
func (h *TurnHandler) Handle(ctx context.Context, ev TurnEvent) (Outcome, error) {
	if ev.Source == "" {
		ev.Source = domain.SourceChannel
	}
	fields := map[string]interface{}{
		"channel":    ev.ChannelID,
		"source":     string(ev.Source),
		"event_type": ev.EventType,
	}

	backend, err := h.deps.Router.For(ev.Source)
	if err != nil {
		return OutcomeIgnored, err
	}

	if !messaging.IsMessageEvent(ev.EventType) {
		return h.ignore(ev, "not a message event", fields), nil
	}

	channel, err := backend.FetchChannel(ctx, ev.ChannelID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("fetch channel %s: %w", ev.ChannelID, err)
	}
	captured, ok, err := ReadCaptured(channel.Attributes)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("channel %s: %w", ev.ChannelID, err)
	}
	if !ok {
		return h.ignore(ev, "channel not captured", fields), nil
	}
	if ev.Sender == "" || ev.Sender != ServiceUserIdentity(channel.Attributes) {
		return h.ignore(ev, "sender is not the service user", fields), nil
	}

	if h.ledger != nil && ev.MessageID != "" {
		first, err := h.ledger.RecordDelivery(ctx, ev.ChannelID, ev.MessageID)
		if err != nil {
			logger.WarnCF("capture", "Delivery ledger unavailable", withFields(fields, map[string]interface{}{
				"error": err.Error(),
			}))
		} else if !first {
			return h.ignore(ev, "duplicate delivery", fields), nil
		}
	}

	h.deps.Bus.PublishInbound(bus.InboundMessage{
		Source:    string(ev.Source),
		ChannelID: ev.ChannelID,
		SenderID:  ev.Sender,
		MessageID: ev.MessageID,
		Content:   ev.Body,
	})

	turn, botErr := h.deps.Bot.SendText(ctx, captured.Session(), ev.Body)

	reply := ""
	if turn != nil {
		reply = turn.Reply
	}
	if err := postReply(ctx, &h.deps, backend, ev.ChannelID, reply); err != nil {
		if botErr != nil {
			return OutcomeIgnored, fmt.Errorf("bot turn on %s: %w", ev.ChannelID, botErr)
		}
		return OutcomeIgnored, err
	}
	if botErr != nil {
		return OutcomeIgnored, fmt.Errorf("bot turn on %s: %w", ev.ChannelID, botErr)
	}

	h.deps.Bus.PublishSystem(bus.SystemEvent{
		Type:   events.CaptureTurn,
		Source: "capture",
		Data: events.CaptureEventData{
			ChannelID:   ev.ChannelID,
			Source:      string(ev.Source),
			Bot:         captured.Identity.String(),
			DialogState: turn.DialogState,
		},
	})

	if !turn.DialogEnded {
		logger.DebugCF("capture", "Bot replied", withFields(fields, map[string]interface{}{
			"dialog_state": turn.DialogState,
		}))
		return OutcomeReplied, nil
	}

	if err := endDialog(ctx, &h.deps, ev.Source, ev.ChannelID, captured, turn.Memory); err != nil {
		return OutcomeReplied, err
	}
	return OutcomeReleased, nil
}

// ForceRelease releases a captured channel without waiting for its dialog
// to end. The memory handed on is empty.
func (h *TurnHandler) ForceRelease(ctx context.Context, source domain.EventSource, channelID string) error {
	if source == "" {
		source = domain.SourceChannel
	}
	backend, err := h.deps.Router.For(source)
	if err != nil {
		return err
	}
	channel, err := backend.FetchChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("fetch channel %s: %w", channelID, err)
	}
	captured, ok, err := ReadCaptured(channel.Attributes)
	if err != nil {
		return fmt.Errorf("channel %s: %w", channelID, err)
	}
	if !ok {
		return ErrNotCaptured
	}

	logger.InfoCF("capture", "Forcing release", map[string]interface{}{
		"channel": channelID,
		"source":  string(source),
	})
	return endDialog(ctx, &h.deps, source, channelID, captured, bot.Memory{})
}

func (h *TurnHandler) ignore(ev TurnEvent, reason string, fields map[string]interface{}) Outcome {
	logger.DebugCF("capture", "Turn ignored", withFields(fields, map[string]interface{}{
		"reason": reason,
	}))
	h.deps.Bus.PublishSystem(bus.SystemEvent{
		Type:   events.CaptureIgnored,
		Source: "capture",
		Data: events.CaptureEventData{
			ChannelID: ev.ChannelID,
			Source:    string(ev.Source),
			Reason:    reason,
		},
	})
	return OutcomeIgnored
}

// endDialog tears the capture down and releases the channel. Session and
// webhook removal are best-effort; the attribute write and the release
// gate the result.
func endDialog(
	ctx context.Context,
	d *Deps,
	source domain.EventSource,
	channelID string,
	captured *CapturedAttributes,
	memory bot.Memory,
) error {
	fields := map[string]interface{}{
		"channel":      channelID,
		"release_type": string(captured.ReleaseType),
		"guard_task":   captured.ControlTaskSID,
	}

	backend, err := d.Router.For(source)
	if err != nil {
		return err
	}

	bestEffort := []step{
		{name: "delete bot session", run: func() error {
			return d.Bot.DeleteSession(ctx, captured.Session())
		}},
	}
	if captured.ChatbotCallbackWebhookSID != "" {
		if channels, err := d.Router.For(domain.SourceChannel); err == nil {
			bestEffort = append(bestEffort, step{name: "remove turn-loop webhook", run: func() error {
				return channels.RemoveWebhook(ctx, channelID, captured.ChatbotCallbackWebhookSID)
			}})
		}
	}
	if captured.ConversationWebhookSID != "" {
		if conversations, err := d.Router.For(domain.SourceConversation); err == nil {
			bestEffort = append(bestEffort, step{name: "remove conversation turn-loop webhook", run: func() error {
				return conversations.RemoveWebhook(ctx, channelID, captured.ConversationWebhookSID)
			}})
		}
	}

	gated := []step{
		{name: "write released attributes", run: func() error {
			_, err := mutateAttributes(ctx, backend, channelID, nil, func(attrs string) (string, error) {
				return Released(attrs, captured.MemoryKey(), memory, captured.ReleaseFlag)
			})
			return err
		}},
		{name: "release", run: func() error {
			if d.Releaser == nil {
				return fmt.Errorf("no releaser configured")
			}
			return d.Releaser.Release(ctx, release.Request{
				ChannelID:     channelID,
				Source:        source,
				ReleaseType:   captured.ReleaseType,
				StudioFlowSID: captured.StudioFlowSID,
				GuardTaskID:   captured.ControlTaskSID,
				Memory:        memory,
			})
		}},
	}

	if err := fanOut("capture", fields, bestEffort, gated); err != nil {
		logger.ErrorCF("capture", "Release failed", withFields(fields, map[string]interface{}{
			"error": err.Error(),
		}))
		d.Bus.PublishSystem(bus.SystemEvent{
			Type:   events.CaptureFailed,
			Source: "capture",
			Data: events.CaptureEventData{
				ChannelID:   channelID,
				Source:      string(source),
				ReleaseType: string(captured.ReleaseType),
				TaskID:      captured.ControlTaskSID,
				Error:       err.Error(),
			},
		})
		return fmt.Errorf("release %s: %w", channelID, err)
	}

	logger.InfoCF("capture", "Channel released", fields)
	d.Bus.PublishSystem(bus.SystemEvent{
		Type:   events.CaptureReleased,
		Source: "capture",
		Data: events.CaptureEventData{
			ChannelID:   channelID,
			Source:      string(source),
			ReleaseType: string(captured.ReleaseType),
			TaskID:      captured.ControlTaskSID,
		},
	})
	return nil
}
