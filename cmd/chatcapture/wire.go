package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/twilio/twilio-go"

	"github.com/techmatters/serverless-sub000/pkg/bot"
	"github.com/techmatters/serverless-sub000/pkg/bus"
	"github.com/techmatters/serverless-sub000/pkg/capture"
	"github.com/techmatters/serverless-sub000/pkg/config"
	"github.com/techmatters/serverless-sub000/pkg/domain"
	"github.com/techmatters/serverless-sub000/pkg/infrastructure/persistence"
	"github.com/techmatters/serverless-sub000/pkg/logger"
	"github.com/techmatters/serverless-sub000/pkg/messaging"
	"github.com/techmatters/serverless-sub000/pkg/release"
	"github.com/techmatters/serverless-sub000/pkg/tasks"
)

const (
	ingestionTimeout = 30 * time.Second
	ledgerRetention  = 48 * time.Hour
	ledgerPruneEvery = time.Hour
)

// service holds the wired components.
type service struct {
	captures *capture.Coordinator
	turns    *capture.TurnHandler
	releaser *release.Coordinator
	store    *persistence.Store
	ledger   capture.DeliveryLedger
}

func (s *service) close() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		logger.WarnCF("main", "Failed to close store", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func wire(ctx context.Context, cfg *config.Config, msgBus *bus.MessageBus) (*service, error) {
	svc := &service{}

	var (
		router        messaging.Router
		taskSvc       tasks.Service
		serviceConfig release.ServiceConfigSource
	)

	if cfg.Storage.Backend == config.BackendLocal || cfg.Storage.DedupeDeliveries {
		store, err := persistence.Open(cfg.Storage.DBPath)
		if err != nil {
			return nil, err
		}
		svc.store = store
		if cfg.Storage.DedupeDeliveries {
			svc.ledger = store
		}
	}

	static := release.StaticServiceConfig{
		DefinitionVersion: cfg.Survey.DefinitionVersion,
		IngestionBaseURL:  cfg.Survey.IngestionBaseURL,
	}

	switch cfg.Storage.Backend {
	case config.BackendLocal:
		router = svc.store.Router()
		taskSvc = svc.store.Tasks()
		serviceConfig = static
	default:
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.Twilio.AccountSID,
			Password: cfg.Twilio.AuthToken,
		})
		router = messaging.Router{
			Channels:      messaging.NewChatBackend(client.ChatV2, cfg.Twilio.ChatServiceSID),
			Conversations: messaging.NewConversationsBackend(client.ConversationsV1),
		}
		taskSvc = tasks.NewTaskRouter(client.TaskrouterV1, cfg.Twilio.WorkspaceSID, cfg.Twilio.SurveyWorkflowSID)
		if cfg.Survey.DefinitionVersion != "" {
			serviceConfig = static
		} else {
			serviceConfig = release.NewFlexServiceConfig(client.FlexV1, cfg.Twilio.AccountSID, cfg.Survey.IngestionAPIPath)
		}
	}

	adapter, err := bot.New(ctx, domain.BotRuntime(cfg.Bot.Runtime), cfg.Bot.Region)
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("bot adapter: %w", err)
	}

	survey := release.NewSurveyPipeline(
		serviceConfig,
		release.NewFormDefinitions(os.DirFS(cfg.Survey.FormDefinitionsDir)),
		release.NewIngestionClient(cfg.Survey.IngestionStaticKey, ingestionTimeout),
		taskSvc,
		cfg.Survey.Delimiter,
		msgBus,
	)
	svc.releaser = release.NewCoordinator(router, taskSvc, survey)

	deps := capture.Deps{
		Bot:      adapter,
		Router:   router,
		Tasks:    taskSvc,
		Releaser: svc.releaser,
		Bus:      msgBus,
		Settings: capture.Settings{
			Environment:         cfg.Bot.Environment,
			HelplineCode:        cfg.Bot.HelplineCode,
			CallbackURL:         cfg.CallbackURL(),
			BotLabel:            cfg.Capture.BotLabel,
			GuardTaskChannel:    cfg.Capture.GuardTaskChannel,
			DefaultGuardTaskTTL: cfg.Capture.GuardTaskTTLSeconds,
		},
	}
	svc.captures = capture.NewCoordinator(deps)
	svc.turns = capture.NewTurnHandler(deps, svc.ledger)
	return svc, nil
}

// pruneDeliveries trims the delivery ledger until ctx is cancelled.
func pruneDeliveries(ctx context.Context, store *persistence.Store) {
	ticker := time.NewTicker(ledgerPruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneDeliveries(ctx, ledgerRetention)
			if err != nil {
				logger.WarnCF("main", "Delivery ledger prune failed", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			if n > 0 {
				logger.DebugCF("main", "Delivery ledger pruned", map[string]interface{}{
					"removed": n,
				})
			}
		}
	}
}
