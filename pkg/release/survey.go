package release

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/techmatters/serverless-sub000/pkg/bus"
	"github.com/techmatters/serverless-sub000/pkg/events"
	"github.com/techmatters/serverless-sub000/pkg/logger"
	"github.com/techmatters/serverless-sub000/pkg/tasks"
)

// SpecSource provides post-survey insights specs per definition version.
type SpecSource interface {
	PostSurveySpecs(version string) ([]OneToManyConfigSpec, error)
}

// SurveySink receives survey documents.
type SurveySink interface {
	PostSurvey(ctx context.Context, baseURL string, doc SurveyDocument) error
}

// CancelReason is recorded on the guard task when a survey completes.
const CancelReason = "Survey complete"

// SurveyPipeline stores the bot's answers and then cancels the guard task.
type SurveyPipeline struct {
	config    ServiceConfigSource
	specs     SpecSource
	ingestion SurveySink
	tasks     tasks.Service
	delimiter string
	bus       *bus.MessageBus
}

// NewSurveyPipeline creates the survey pipeline. msgBus may be nil.
func NewSurveyPipeline(
	config ServiceConfigSource,
	specs SpecSource,
	ingestion SurveySink,
	taskSvc tasks.Service,
	delimiter string,
	msgBus *bus.MessageBus,
) *SurveyPipeline {
	if delimiter == "" {
		delimiter = ";"
	}
	return &SurveyPipeline{
		config:    config,
		specs:     specs,
		ingestion: ingestion,
		tasks:     taskSvc,
		delimiter: delimiter,
		bus:       msgBus,
	}
}

// Complete patches the guard task with insights and posts the survey
// document concurrently, and cancels the guard task only once both
// succeeded. The task's final attributes must be in place when listeners see
// the cancellation. On failure the task is left to expire.
func (p *SurveyPipeline) Complete(ctx context.Context, req Request) error {
	if req.GuardTaskID == "" {
		return fmt.Errorf("complete survey on %s: missing guard task", req.ChannelID)
	}
	fields := map[string]interface{}{
		"channel":    req.ChannelID,
		"guard_task": req.GuardTaskID,
	}

	cfg, specs, reason, err := p.resolve(ctx)
	if err != nil {
		logger.ErrorCF("release", "Survey not stored, guard task left to expire", withError(fields, err))
		return fmt.Errorf("complete survey on %s: %w", req.ChannelID, err)
	}
	if reason != "" {
		fields["reason"] = reason
		logger.WarnCF("release", "Skipping survey extraction", fields)
		p.bus.PublishSystem(bus.SystemEvent{
			Type:   events.SurveySkipped,
			Source: "release",
			Data: events.SurveyEventData{
				ChannelID:         req.ChannelID,
				TaskID:            req.GuardTaskID,
				DefinitionVersion: cfg.DefinitionVersion,
				Reason:            reason,
			},
		})
		return p.cancel(ctx, req.GuardTaskID)
	}

	task, err := p.tasks.FetchTask(ctx, req.GuardTaskID)
	if err != nil {
		return fmt.Errorf("complete survey on %s: %w", req.ChannelID, err)
	}

	insights, err := MergeInsights(task.Attributes, BuildSurveyData(specs, req.Memory, p.delimiter))
	if err != nil {
		return fmt.Errorf("build insights for %s: %w", task.ID, err)
	}
	data := make(map[string]string, len(req.Memory))
	for k, v := range req.Memory {
		data[k] = v
	}
	doc := SurveyDocument{
		ContactTaskID: gjson.Get(task.Attributes, "contactTaskId").String(),
		TaskID:        task.ID,
		Data:          data,
	}

	// No shared context: one failing send must not abort the other.
	var g errgroup.Group
	errs := make([]error, 2)
	g.Go(func() error {
		if _, err := p.tasks.UpdateAttributes(ctx, task.ID, insights); err != nil {
			errs[0] = fmt.Errorf("save insights: %w", err)
		}
		return errs[0]
	})
	g.Go(func() error {
		if err := p.ingestion.PostSurvey(ctx, cfg.IngestionBaseURL, doc); err != nil {
			errs[1] = fmt.Errorf("ingest survey: %w", err)
		}
		return errs[1]
	})
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		logger.ErrorCF("release", "Survey not stored, guard task left to expire", withError(fields, err))
		return fmt.Errorf("complete survey on %s: %w", req.ChannelID, err)
	}

	if err := p.cancel(ctx, task.ID); err != nil {
		return err
	}

	logger.InfoCF("release", "Survey stored", fields)
	p.bus.PublishSystem(bus.SystemEvent{
		Type:   events.SurveyIngested,
		Source: "release",
		Data: events.SurveyEventData{
			ChannelID:         req.ChannelID,
			TaskID:            task.ID,
			DefinitionVersion: cfg.DefinitionVersion,
		},
	})
	return nil
}

// resolve returns the service config and specs, or a skip reason when the
// definition version or its asset cannot be resolved. A failed config fetch
// is an error.
func (p *SurveyPipeline) resolve(ctx context.Context) (ServiceConfig, []OneToManyConfigSpec, string, error) {
	cfg, err := p.config.ServiceConfig(ctx)
	if err != nil {
		return cfg, nil, "", fmt.Errorf("fetch service configuration: %w", err)
	}
	if cfg.DefinitionVersion == "" {
		return cfg, nil, "definition version missing", nil
	}
	if cfg.IngestionBaseURL == "" {
		return cfg, nil, "ingestion base url missing", nil
	}
	specs, err := p.specs.PostSurveySpecs(cfg.DefinitionVersion)
	if err != nil {
		return cfg, nil, "form definition unavailable: " + err.Error(), nil
	}
	return cfg, specs, "", nil
}

func (p *SurveyPipeline) cancel(ctx context.Context, taskID string) error {
	if err := p.tasks.Cancel(ctx, taskID, CancelReason); err != nil {
		return fmt.Errorf("cancel guard task %s: %w", taskID, err)
	}
	return nil
}

func withError(fields map[string]interface{}, err error) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}
