// Package pipeline runs the five-stage claim audit: topic finder,
// source checker, adversarial checker, writer, publisher. Stages run
// sequentially, each over the prior stages' outputs, and any failure
// stops the run immediately with no retry. A successful run ends with
// the validated card persisted and echoed as claim_card_ready.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thereceipts/receipts/internal/agent"
	"github.com/thereceipts/receipts/internal/model"
	"github.com/thereceipts/receipts/internal/service/embedding"
	"github.com/thereceipts/receipts/internal/telemetry"
)

// Stages is the agent surface the orchestrator drives, in run order.
// *agent.Agents implements it.
type Stages interface {
	FindTopic(ctx context.Context, question string) (agent.TopicFinding, error)
	CheckSources(ctx context.Context, finding agent.TopicFinding) (agent.SourceReport, error)
	Challenge(ctx context.Context, finding agent.TopicFinding, report agent.SourceReport) (agent.AdversarialReport, error)
	Write(ctx context.Context, finding agent.TopicFinding, report agent.SourceReport, adv agent.AdversarialReport) (agent.Draft, error)
	Publish(ctx context.Context, finding agent.TopicFinding, report agent.SourceReport, adv agent.AdversarialReport, draft agent.Draft) (agent.PublishReport, error)
}

// Store persists finished cards. *storage.DB implements it.
type Store interface {
	CreateClaimCard(ctx context.Context, card model.ClaimCard) (model.ClaimCard, error)
}

// Bus fans progress events out to a session's subscribers. Events for
// sessions nobody watches are dropped by the implementation, never
// buffered.
type Bus interface {
	Publish(sessionID string, ev model.ProgressEvent)
}

// Config bounds a run. Zero values select the defaults.
type Config struct {
	AgentTimeout    time.Duration // per stage
	PipelineTimeout time.Duration // whole run, persistence included
}

const (
	defaultAgentTimeout    = 60 * time.Second
	defaultPipelineTimeout = 180 * time.Second
)

// Service orchestrates pipeline runs. Safe for concurrent use; each
// run is independent and the only shared state is the claim store.
type Service struct {
	stages Stages
	store  Store
	embed  embedding.Provider
	bus    Bus
	logger *slog.Logger
	cfg    Config

	stageDuration metric.Float64Histogram
	runDuration   metric.Float64Histogram
}

// New creates a pipeline Service. bus may be nil when no caller
// subscribes to progress (tools, tests).
func New(stages Stages, store Store, embed embedding.Provider, bus Bus, cfg Config, logger *slog.Logger) *Service {
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = defaultAgentTimeout
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = defaultPipelineTimeout
	}
	meter := telemetry.Meter("receipts/pipeline")
	stageDur, _ := meter.Float64Histogram("receipts.pipeline.stage.duration",
		metric.WithDescription("Time per pipeline stage (ms)"),
		metric.WithUnit("ms"),
	)
	runDur, _ := meter.Float64Histogram("receipts.pipeline.run.duration",
		metric.WithDescription("Time for a full pipeline run (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		stages:        stages,
		store:         store,
		embed:         embed,
		bus:           bus,
		logger:        logger,
		cfg:           cfg,
		stageDuration: stageDur,
		runDuration:   runDur,
	}
}

// Run executes the five stages on question, persists the resulting
// card and returns it as stored. sessionID scopes progress events; an
// empty ID runs silently (scheduler runs own no session). Cancellation
// is honored at every stage boundary.
func (s *Service) Run(ctx context.Context, question, sessionID string) (model.ClaimCard, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PipelineTimeout)
	defer cancel()

	start := time.Now()
	ev := model.NewProgressEvent(model.EventPipelineStarted)
	ev.ContextualizedQuestion = question
	s.publish(sessionID, ev)

	var (
		finding agent.TopicFinding
		report  agent.SourceReport
		adv     agent.AdversarialReport
		draft   agent.Draft
		pub     agent.PublishReport
	)
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{model.AgentTopicFinder, func(ctx context.Context) (err error) {
			finding, err = s.stages.FindTopic(ctx, question)
			return err
		}},
		{model.AgentSourceChecker, func(ctx context.Context) (err error) {
			report, err = s.stages.CheckSources(ctx, finding)
			return err
		}},
		{model.AgentAdversarialChecker, func(ctx context.Context) (err error) {
			adv, err = s.stages.Challenge(ctx, finding, report)
			return err
		}},
		{model.AgentWriter, func(ctx context.Context) (err error) {
			draft, err = s.stages.Write(ctx, finding, report, adv)
			return err
		}},
		{model.AgentPublisher, func(ctx context.Context) (err error) {
			pub, err = s.stages.Publish(ctx, finding, report, adv, draft)
			return err
		}},
	}
	for _, step := range steps {
		if err := s.runStage(ctx, sessionID, step.name, step.run); err != nil {
			return model.ClaimCard{}, s.failed(sessionID, start, err)
		}
	}

	card := assembleCard(question, finding, report, adv, draft, pub)
	if err := agent.ValidateCard(&card); err != nil {
		return model.ClaimCard{}, s.failed(sessionID, start, fmt.Errorf("pipeline: card rejected: %w", err))
	}

	s.attachEmbedding(ctx, &card)

	stored, err := s.store.CreateClaimCard(ctx, card)
	if err != nil {
		return model.ClaimCard{}, s.failed(sessionID, start, fmt.Errorf("pipeline: persist card: %w", err))
	}

	elapsed := time.Since(start)
	s.runDuration.Record(ctx, float64(elapsed.Milliseconds()))

	done := model.NewProgressEvent(model.EventPipelineCompleted)
	done.DurationMS = elapsed.Milliseconds()
	s.publish(sessionID, done)

	ready := model.NewProgressEvent(model.EventClaimCardReady)
	ready.ClaimCard = &stored
	s.publish(sessionID, ready)

	s.logger.Info("pipeline completed",
		"claim_card_id", stored.ID,
		"verdict", stored.Verdict,
		"sources", len(stored.Sources),
		"duration_ms", elapsed.Milliseconds(),
	)
	return stored, nil
}

// runStage bounds one stage with the per-agent timeout and brackets it
// with agent_started / agent_completed events.
func (s *Service) runStage(ctx context.Context, sessionID, name string, run func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	started := model.NewProgressEvent(model.EventAgentStarted)
	started.AgentName = name
	s.publish(sessionID, started)

	stageStart := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, s.cfg.AgentTimeout)
	err := run(stageCtx)
	cancel()
	elapsed := time.Since(stageStart)

	s.stageDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("agent", name)))

	done := model.NewProgressEvent(model.EventAgentCompleted)
	done.AgentName = name
	done.DurationMS = elapsed.Milliseconds()
	ok := err == nil
	done.Success = &ok
	if err != nil {
		done.Error = err.Error()
	}
	s.publish(sessionID, done)

	if err != nil {
		s.logger.Error("pipeline stage failed", "agent", name, "error", err, "duration_ms", elapsed.Milliseconds())
	}
	return err
}

// failed announces the failure with elapsed time and hands the error
// back unchanged.
func (s *Service) failed(sessionID string, start time.Time, err error) error {
	ev := model.NewProgressEvent(model.EventPipelineFailed)
	ev.DurationMS = time.Since(start).Milliseconds()
	ev.Error = err.Error()
	s.publish(sessionID, ev)
	return err
}

func (s *Service) publish(sessionID string, ev model.ProgressEvent) {
	if s.bus == nil || sessionID == "" {
		return
	}
	s.bus.Publish(sessionID, ev)
}

// attachEmbedding computes the claim embedding so the card lands with
// it in the same transaction. A failed or zero embedding is skipped
// with a warning; the card is still usable and the backfill script can
// fill it in later.
func (s *Service) attachEmbedding(ctx context.Context, card *model.ClaimCard) {
	emb, err := s.embed.Embed(ctx, card.ClaimText)
	if err != nil {
		s.logger.Warn("claim embedding failed, storing card without", "error", err)
		return
	}
	if embedding.IsZero(emb) {
		return
	}
	card.Embedding = &emb
}

// assembleCard merges the stage outputs into the persisted shape. The
// verdict is the adversarial checker's; the confidence fields are the
// writer's, who sees the adversarial assessment and may temper it. The
// category tags are the publisher's, the last stage to rule on them.
func assembleCard(question string, finding agent.TopicFinding, report agent.SourceReport, adv agent.AdversarialReport, draft agent.Draft, pub agent.PublishReport) model.ClaimCard {
	audit := map[string]any{
		"original_question": question,
		"why_matters":       finding.WhyMatters,
		"audit_summary":     pub.AuditSummary,
		"limitations":       []string(pub.Limitations),
		"change_verdict_if": pub.ChangeVerdictIf,
	}
	if len(adv.ReverificationNotes) > 0 {
		audit["reverification_notes"] = adv.ReverificationNotes
	}

	var apologetics []model.ApologeticsTag
	for _, t := range adv.ApologeticsTechniques {
		apologetics = append(apologetics, model.ApologeticsTag{TechniqueName: t})
	}
	var categories []model.CategoryTag
	for _, c := range pub.CategoryTags {
		categories = append(categories, model.CategoryTag{CategoryName: c})
	}

	return model.ClaimCard{
		ClaimText:             finding.ClaimText,
		Claimant:              finding.Claimant,
		ClaimType:             finding.ClaimType,
		ClaimTypeCategory:     finding.ClaimTypeCategory,
		Verdict:               adv.Verdict,
		ShortAnswer:           draft.ShortAnswer,
		DeepAnswer:            draft.DeepAnswer,
		WhyPersists:           []string(draft.WhyPersists),
		ConfidenceLevel:       draft.ConfidenceLevel,
		ConfidenceExplanation: draft.ConfidenceExplanation,
		AgentAudit:            audit,
		VisibleInAudits:       true,
		Sources:               report.Sources,
		ApologeticsTags:       apologetics,
		CategoryTags:          categories,
	}
}
