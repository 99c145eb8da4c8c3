// Package capture hands chat channels over to a bot and drives the
// webhook turn loop until the dialog ends and the channel is released.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/techmatters/serverless-sub000/pkg/bot"
	"github.com/techmatters/serverless-sub000/pkg/bus"
	"github.com/techmatters/serverless-sub000/pkg/domain"
	"github.com/techmatters/serverless-sub000/pkg/events"
	"github.com/techmatters/serverless-sub000/pkg/logger"
	"github.com/techmatters/serverless-sub000/pkg/messaging"
	"github.com/techmatters/serverless-sub000/pkg/release"
	"github.com/techmatters/serverless-sub000/pkg/tasks"
)

// Settings are the service-wide capture settings.
type Settings struct {
	Environment  string
	HelplineCode string
	// CallbackURL receives the turn-loop webhook deliveries.
	CallbackURL string
	// BotLabel is the author of every message the bot posts.
	BotLabel            string
	GuardTaskChannel    string
	DefaultGuardTaskTTL int
}

// Releaser hands a channel back once its dialog ended.
type Releaser interface {
	Release(ctx context.Context, req release.Request) error
}

// Deps are the collaborators shared by the coordinator and the turn handler.
type Deps struct {
	Bot      bot.Adapter
	Router   messaging.Router
	Tasks    tasks.Service
	Releaser Releaser
	Bus      *bus.MessageBus
	Settings Settings
}

// Coordinator starts captures.
type Coordinator struct {
	deps Deps
}

// NewCoordinator creates a capture coordinator.
func NewCoordinator(deps Deps) *Coordinator {
	return &Coordinator{deps: deps}
}

// Start validates req, prepares the channel and fires the requested
// trigger. Validation failures are returned as *ValidationError before any
// external call is made.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	fields := map[string]interface{}{
		"channel":      req.ChannelID,
		"trigger_type": string(req.TriggerType),
		"release_type": string(req.ReleaseType),
	}
	logger.InfoCF("capture", "Starting capture", fields)

	channels, err := c.deps.Router.For(domain.SourceChannel)
	if err != nil {
		return err
	}

	guardAttrs, err := tasks.GuardAttributes(req.ChannelID, req.ExtraGuardTaskAttributes)
	if err != nil {
		return &ValidationError{Field: "extraGuardTaskAttributes", Message: err.Error()}
	}
	ttl := req.GuardTaskTTLSeconds
	if ttl == 0 {
		ttl = c.deps.Settings.DefaultGuardTaskTTL
	}

	var (
		guardTask *tasks.Task
		identity  bot.Identity
		channel   *messaging.Channel
	)

	bestEffort := []step{
		{name: "remove channel studio webhooks", run: func() error {
			return removeStudioWebhooks(ctx, channels, req.ChannelID)
		}},
	}
	if conversations, err := c.deps.Router.For(domain.SourceConversation); err == nil {
		bestEffort = append(bestEffort, step{name: "remove conversation studio webhooks", run: func() error {
			return removeStudioWebhooks(ctx, conversations, req.ChannelID)
		}})
	}

	gated := []step{
		{name: "create guard task", run: func() error {
			task, err := c.deps.Tasks.CreateTask(ctx, tasks.CreateRequest{
				Attributes:     guardAttrs,
				TaskChannel:    c.deps.Settings.GuardTaskChannel,
				TimeoutSeconds: ttl,
			})
			if err != nil {
				return err
			}
			guardTask = task
			return nil
		}},
		{name: "resolve bot identity", run: func() error {
			id, err := c.deps.Bot.ResolveIdentity(ctx, bot.IdentityRequest{
				Language:     req.Language,
				Suffix:       req.BotSuffix,
				HelplineCode: c.deps.Settings.HelplineCode,
				Environment:  c.deps.Settings.Environment,
			})
			if err != nil {
				return err
			}
			identity = id
			return nil
		}},
		{name: "fetch channel", run: func() error {
			ch, err := channels.FetchChannel(ctx, req.ChannelID)
			if err != nil {
				return err
			}
			channel = ch
			return nil
		}},
	}

	if err := fanOut("capture", fields, bestEffort, gated); err != nil {
		if guardTask != nil {
			c.discardGuardTask(ctx, guardTask.ID, fields)
		}
		c.publishFailed(req, err)
		return fmt.Errorf("start capture of %s: %w", req.ChannelID, err)
	}

	if IsCaptured(channel.Attributes) {
		c.discardGuardTask(ctx, guardTask.ID, fields)
		logger.WarnCF("capture", "Channel is already captured", fields)
		c.publishFailed(req, ErrAlreadyCaptured)
		return ErrAlreadyCaptured
	}

	trigger, ok := triggers[req.TriggerType]
	if !ok {
		return &ValidationError{Field: "triggerType", Message: fmt.Sprintf("unknown trigger type %q", req.TriggerType)}
	}

	in := triggerInput{
		request:     &req,
		identity:    identity,
		guardTaskID: guardTask.ID,
		channel:     channel,
		backend:     channels,
	}
	// Past this point nothing is rolled back; the guard task expires on its
	// own.
	if err := trigger(ctx, &c.deps, in); err != nil {
		c.publishFailed(req, err)
		return err
	}

	logger.InfoCF("capture", "Channel captured", withFields(fields, map[string]interface{}{
		"bot":        identity.String(),
		"guard_task": guardTask.ID,
	}))
	c.deps.Bus.PublishSystem(bus.SystemEvent{
		Type:   events.CaptureStarted,
		Source: "capture",
		Data: events.CaptureEventData{
			ChannelID:   req.ChannelID,
			Source:      string(domain.SourceChannel),
			TriggerType: string(req.TriggerType),
			ReleaseType: string(req.ReleaseType),
			Bot:         identity.String(),
			TaskID:      guardTask.ID,
		},
	})
	return nil
}

func (c *Coordinator) discardGuardTask(ctx context.Context, taskID string, fields map[string]interface{}) {
	if err := c.deps.Tasks.Remove(ctx, taskID); err != nil {
		logger.WarnCF("capture", "Failed to remove guard task", withFields(fields, map[string]interface{}{
			"guard_task": taskID,
			"error":      err.Error(),
		}))
	}
}

func (c *Coordinator) publishFailed(req StartRequest, err error) {
	c.deps.Bus.PublishSystem(bus.SystemEvent{
		Type:   events.CaptureFailed,
		Source: "capture",
		Data: events.CaptureEventData{
			ChannelID:   req.ChannelID,
			TriggerType: string(req.TriggerType),
			ReleaseType: string(req.ReleaseType),
			Error:       err.Error(),
		},
	})
}

// removeStudioWebhooks detaches every flow-trigger webhook from the channel
// so no flow execution fires while the bot owns it.
func removeStudioWebhooks(ctx context.Context, backend messaging.Backend, channelID string) error {
	hooks, err := backend.ListWebhooks(ctx, channelID)
	if err != nil {
		if errors.Is(err, messaging.ErrNotFound) {
			return nil
		}
		return err
	}
	var errs []error
	for _, h := range hooks {
		if h.Type != messaging.WebhookTypeStudio {
			continue
		}
		if err := backend.RemoveWebhook(ctx, channelID, h.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
