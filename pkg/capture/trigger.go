package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/techmatters/serverless-sub000/pkg/bot"
	"github.com/techmatters/serverless-sub000/pkg/bus"
	"github.com/techmatters/serverless-sub000/pkg/domain"
	"github.com/techmatters/serverless-sub000/pkg/logger"
	"github.com/techmatters/serverless-sub000/pkg/messaging"
)

type triggerInput struct {
	request     *StartRequest
	identity    bot.Identity
	guardTaskID string
	channel     *messaging.Channel
	backend     messaging.Backend
}

// Trigger opens the turn loop on a freshly prepared channel.
type Trigger func(ctx context.Context, d *Deps, in triggerInput) error

var triggers = map[domain.TriggerType]Trigger{
	domain.TriggerWithUserMessage: withUserMessage,
	domain.TriggerWithNextMessage: withNextMessage,
}

// withUserMessage forwards the message that triggered the capture into the
// bot before the turn-loop webhook exists, so the next user message cannot
// overtake it. Captured attributes are written even when the bot call
// failed; the bot error is returned afterwards.
func withUserMessage(ctx context.Context, d *Deps, in triggerInput) error {
	req := in.request
	session := bot.Session{Identity: in.identity, UserID: req.ChannelID}

	turn, botErr := d.Bot.SendText(ctx, session, req.Message)

	captured, err := openTurnLoop(ctx, d, in)
	if err != nil {
		return errors.Join(botErr, err)
	}
	if botErr != nil {
		return fmt.Errorf("first bot turn on %s: %w", req.ChannelID, botErr)
	}

	if err := postReply(ctx, d, in.backend, req.ChannelID, turn.Reply); err != nil {
		return err
	}

	if turn.DialogEnded {
		// The bot finished on the trigger message itself.
		return endDialog(ctx, d, domain.SourceChannel, req.ChannelID, captured, turn.Memory)
	}
	return nil
}

// withNextMessage posts the prompt and waits for the user's answer; the
// first bot call happens in the turn loop.
func withNextMessage(ctx context.Context, d *Deps, in triggerInput) error {
	req := in.request
	if err := in.backend.SendMessage(ctx, req.ChannelID, d.Settings.BotLabel, req.Message); err != nil {
		return fmt.Errorf("post prompt to %s: %w", req.ChannelID, err)
	}
	d.Bus.PublishOutbound(bus.OutboundMessage{
		Source:    string(in.backend.Source()),
		ChannelID: req.ChannelID,
		From:      d.Settings.BotLabel,
		Content:   req.Message,
	})

	_, err := openTurnLoop(ctx, d, in)
	return err
}

// openTurnLoop attaches the turn-loop webhook (required on the channel,
// best-effort on the conversation) and writes the captured attributes.
func openTurnLoop(ctx context.Context, d *Deps, in triggerInput) (*CapturedAttributes, error) {
	req := in.request

	hook, err := in.backend.CreateWebhook(ctx, req.ChannelID, messaging.Webhook{
		Type:    messaging.WebhookTypeWebhook,
		URL:     d.Settings.CallbackURL,
		Method:  "POST",
		Filters: []string{messaging.TurnLoopFilter(in.backend.Source())},
	})
	if err != nil {
		return nil, fmt.Errorf("attach turn-loop webhook to %s: %w", req.ChannelID, err)
	}

	captured := &CapturedAttributes{
		SchemaVersion:             SchemaVersion,
		UserID:                    req.ChannelID,
		Identity:                  in.identity,
		ControlTaskSID:            in.guardTaskID,
		ReleaseType:               req.ReleaseType,
		StudioFlowSID:             req.StudioFlowSID,
		MemoryAttribute:           req.MemoryAttribute,
		ReleaseFlag:               req.ReleaseFlag,
		ChatbotCallbackWebhookSID: hook.ID,
	}

	if conversations, err := d.Router.For(domain.SourceConversation); err == nil {
		convHook, err := conversations.CreateWebhook(ctx, req.ChannelID, messaging.Webhook{
			Type:    messaging.WebhookTypeWebhook,
			URL:     d.Settings.CallbackURL,
			Method:  "POST",
			Filters: []string{messaging.TurnLoopFilter(domain.SourceConversation)},
		})
		if err != nil {
			logger.DebugCF("capture", "No conversation webhook attached", map[string]interface{}{
				"channel": req.ChannelID,
				"error":   err.Error(),
			})
		} else {
			captured.ConversationWebhookSID = convHook.ID
		}
	}

	_, err = mutateAttributes(ctx, in.backend, req.ChannelID, in.channel, func(attrs string) (string, error) {
		return WithCaptured(attrs, captured)
	})
	if err != nil {
		return nil, fmt.Errorf("write captured attributes of %s: %w", req.ChannelID, err)
	}
	return captured, nil
}

// postReply posts a bot reply. Empty replies are skipped.
func postReply(ctx context.Context, d *Deps, backend messaging.Backend, channelID, reply string) error {
	if reply == "" {
		return nil
	}
	if err := backend.SendMessage(ctx, channelID, d.Settings.BotLabel, reply); err != nil {
		return fmt.Errorf("post bot reply to %s: %w", channelID, err)
	}
	d.Bus.PublishOutbound(bus.OutboundMessage{
		Source:    string(backend.Source()),
		ChannelID: channelID,
		From:      d.Settings.BotLabel,
		Content:   reply,
	})
	return nil
}
