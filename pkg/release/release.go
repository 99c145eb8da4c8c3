// Package release hands a channel back once its bot dialog ended: either to
// a Studio flow, or to the survey pipeline that stores the bot's answers.
package release

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/techmatters/serverless-sub000/pkg/bot"
	"github.com/techmatters/serverless-sub000/pkg/domain"
	"github.com/techmatters/serverless-sub000/pkg/logger"
	"github.com/techmatters/serverless-sub000/pkg/messaging"
	"github.com/techmatters/serverless-sub000/pkg/tasks"
)

// Request is one release.
type Request struct {
	ChannelID     string
	Source        domain.EventSource
	ReleaseType   domain.ReleaseType
	StudioFlowSID string
	GuardTaskID   string
	Memory        bot.Memory
}

// Completer finishes a postSurveyComplete release.
type Completer interface {
	Complete(ctx context.Context, req Request) error
}

// guardRemovalTimeout bounds the background guard-task removal of a flow
// redirect.
const guardRemovalTimeout = 30 * time.Second

// Coordinator dispatches a release to its strategy.
type Coordinator struct {
	router messaging.Router
	tasks  tasks.Service
	survey Completer

	background sync.WaitGroup
}

// NewCoordinator creates a release coordinator. survey may be nil when no
// capture is started with postSurveyComplete.
func NewCoordinator(router messaging.Router, taskSvc tasks.Service, survey Completer) *Coordinator {
	return &Coordinator{router: router, tasks: taskSvc, survey: survey}
}

// Release hands the channel on according to req.ReleaseType.
func (c *Coordinator) Release(ctx context.Context, req Request) error {
	switch req.ReleaseType {
	case domain.ReleaseTriggerStudioFlow:
		return c.redirectToFlow(ctx, req)
	case domain.ReleasePostSurveyComplete:
		if c.survey == nil {
			return fmt.Errorf("release %s: survey pipeline not configured", req.ChannelID)
		}
		return c.survey.Complete(ctx, req)
	default:
		return fmt.Errorf("release %s: unknown release type %q", req.ChannelID, req.ReleaseType)
	}
}

// redirectToFlow attaches a Studio webhook so the next message enters the
// flow. The guard task is removed in the background; its outcome is only
// logged.
func (c *Coordinator) redirectToFlow(ctx context.Context, req Request) error {
	if req.StudioFlowSID == "" {
		return fmt.Errorf("release %s: missing studio flow sid", req.ChannelID)
	}
	backend, err := c.router.For(req.Source)
	if err != nil {
		return err
	}

	if req.GuardTaskID != "" {
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), guardRemovalTimeout)
			defer cancel()
			if err := c.tasks.Remove(removeCtx, req.GuardTaskID); err != nil {
				logger.WarnCF("release", "Failed to remove guard task", map[string]interface{}{
					"channel":    req.ChannelID,
					"guard_task": req.GuardTaskID,
					"error":      err.Error(),
				})
			}
		}()
	}

	hook, err := backend.CreateWebhook(ctx, req.ChannelID, messaging.Webhook{
		Type:    messaging.WebhookTypeStudio,
		FlowSID: req.StudioFlowSID,
	})
	if err != nil {
		return fmt.Errorf("attach studio webhook to %s: %w", req.ChannelID, err)
	}

	logger.InfoCF("release", "Channel redirected to flow", map[string]interface{}{
		"channel": req.ChannelID,
		"flow":    req.StudioFlowSID,
		"webhook": hook.ID,
		"source":  string(req.Source),
	})
	return nil
}

// Drain waits for background guard-task removals to finish.
func (c *Coordinator) Drain() {
	c.background.Wait()
}
