// Package chat implements the conversational surface: context
// analysis, routing between cached cards and the audit pipeline, and
// the decision log that records why each question was answered the way
// it was.
//
// Two entry points exist. Ask is the routed endpoint: the router agent
// decides between returning a cached card verbatim (EXACT_MATCH),
// synthesizing from related cards (CONTEXTUAL), and generating a new
// card in the background (NOVEL_CLAIM). Message is the simpler
// search-or-generate endpoint that skips the router entirely.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thereceipts/receipts/internal/agent"
	"github.com/thereceipts/receipts/internal/model"
	"github.com/thereceipts/receipts/internal/storage"
	"github.com/thereceipts/receipts/internal/telemetry"
)

const (
	defaultRouterTimeout = 15 * time.Second

	// defaultMatchThreshold is the similarity at which /chat/message
	// reuses a stored card instead of generating. High enough that
	// related but distinct claims do not collide.
	defaultMatchThreshold = 0.92

	// maxContextualCards caps how many source cards back a contextual
	// synthesis when the router cited none explicitly.
	maxContextualCards = 3

	messageSearchLimit = 5

	// generatingEstimateSeconds is the rough wait quoted to clients
	// while the pipeline runs. Most runs finish around two minutes.
	generatingEstimateSeconds = 120

	generatingMessage = "Generating claim card through 5-agent pipeline. Connect to WebSocket for progress updates."
)

// Router picks the response mode for a question.
type Router interface {
	Route(ctx context.Context, req agent.RouteRequest) (agent.RouteResult, error)
}

// Store is the slice of the claim store the chat surface needs: full
// card loads plus the routing decision log.
type Store interface {
	GetClaimCard(ctx context.Context, id uuid.UUID) (model.ClaimCard, error)
	CreateRouterDecision(ctx context.Context, d model.RouterDecision) (model.RouterDecision, error)
}

// CardSearch finds stored cards semantically close to a question.
// *Searcher implements it over the claim store.
type CardSearch interface {
	Search(ctx context.Context, query string, threshold float64, limit int) ([]model.ClaimSearchResult, error)
}

// PipelineRunner runs the five-stage audit for a novel claim.
type PipelineRunner interface {
	Run(ctx context.Context, question, sessionID string) (model.ClaimCard, error)
}

// Bus delivers progress events to websocket watchers. Events for
// sessions nobody watches are dropped.
type Bus interface {
	Publish(sessionID string, ev model.ProgressEvent)
}

// Config bounds the chat flow. Zero values select the defaults.
type Config struct {
	// RouterTimeout caps the routing call. On expiry the question
	// falls through to NOVEL_CLAIM rather than failing the request.
	RouterTimeout time.Duration

	// MatchThreshold is the /chat/message cache-hit similarity.
	MatchThreshold float64
}

// Service answers chat questions. Construct with New; methods are safe
// for concurrent use.
type Service struct {
	router   Router
	analyzer *Analyzer
	store    Store
	search   CardSearch
	pipeline PipelineRunner
	bus      Bus
	logger   *slog.Logger
	cfg      Config

	askDuration metric.Float64Histogram
}

func New(router Router, analyzer *Analyzer, store Store, search CardSearch, runner PipelineRunner, bus Bus, cfg Config, logger *slog.Logger) *Service {
	if cfg.RouterTimeout <= 0 {
		cfg.RouterTimeout = defaultRouterTimeout
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = defaultMatchThreshold
	}
	meter := telemetry.Meter("receipts/chat")
	askDur, _ := meter.Float64Histogram("receipts.router.duration",
		metric.WithDescription("End-to-end latency of a routed chat ask"),
		metric.WithUnit("ms"),
	)
	return &Service{
		router:      router,
		analyzer:    analyzer,
		store:       store,
		search:      search,
		pipeline:    runner,
		bus:         bus,
		logger:      logger.With("component", "chat"),
		cfg:         cfg,
		askDuration: askDur,
	}
}

// Ask answers the routed chat endpoint. The session ID is minted up
// front so clients can subscribe to progress before routing finishes;
// every event of this request carries it. The routing decision is
// persisted before the response goes out, whatever mode was chosen.
func (s *Service) Ask(ctx context.Context, req model.ChatAskRequest) (model.ChatAskResponse, error) {
	if err := req.Validate(); err != nil {
		return model.ChatAskResponse{}, fmt.Errorf("chat: %w", err)
	}

	start := time.Now()
	sessionID := uuid.NewString()

	s.publish(sessionID, model.NewProgressEvent(model.EventContextAnalysisStarted))

	reformulated, err := s.analyzer.Reformulate(ctx, req.ConversationHistory, req.Question)
	if err != nil {
		return model.ChatAskResponse{}, err
	}

	started := model.NewProgressEvent(model.EventRoutingStarted)
	started.ContextualizedQuestion = reformulated
	s.publish(sessionID, started)

	result := s.route(ctx, sessionID, req, reformulated)

	mode := result.Mode
	var payload any
	var referenced []uuid.UUID

	switch mode {
	case model.ModeExactMatch:
		card, ok := s.resolveExactMatch(ctx, result)
		if ok {
			referenced = []uuid.UUID{card.ID}
			payload = model.ExactMatchResponse{Type: "exact_match", ClaimCard: card}
		} else {
			s.fallForward(sessionID, "matched claim card missing, generating new claim")
			mode = model.ModeNovelClaim
		}
	case model.ModeContextual:
		var cards []model.ClaimCard
		referenced, cards = s.resolveSourceCards(ctx, result)
		payload = model.ContextualResponse{
			Type:                "contextual",
			SynthesizedResponse: result.Answer,
			SourceCards:         cards,
		}
	}

	if mode == model.ModeNovelClaim {
		payload = s.generating(sessionID, reformulated)
		s.startPipeline(reformulated, sessionID)
	}

	elapsed := time.Since(start).Milliseconds()
	s.askDuration.Record(ctx, float64(elapsed),
		metric.WithAttributes(attribute.String("mode", string(mode))))

	logged, err := s.store.CreateRouterDecision(ctx, model.RouterDecision{
		QuestionText:         req.Question,
		ReformulatedQuestion: reformulated,
		ConversationContext:  req.ConversationHistory,
		ModeSelected:         mode,
		ClaimCardsReferenced: referenced,
		SearchCandidates:     result.Candidates,
		Reasoning:            routingReasoning(result.Answer),
		ResponseTimeMS:       int(elapsed),
	})
	if err != nil {
		return model.ChatAskResponse{}, fmt.Errorf("chat: log routing decision: %w", err)
	}

	completed := model.NewProgressEvent(model.EventRoutingCompleted)
	completed.Mode = mode
	completed.ResponseTimeMS = elapsed
	s.publish(sessionID, completed)

	s.logger.Info("chat ask routed",
		"mode", mode,
		"decision_id", logged.ID,
		"candidates", len(result.Candidates),
		"response_time_ms", elapsed,
	)

	resp := model.ChatAskResponse{
		Mode:              mode,
		Response:          payload,
		RoutingDecisionID: &logged.ID,
	}
	if mode == model.ModeNovelClaim {
		resp.WebsocketSessionID = &sessionID
	}
	return resp, nil
}

// Message answers the single-shot endpoint: reformulate, search the
// store, and either return the closest card or hand the question to
// the background pipeline. No router, no decision log.
func (s *Service) Message(ctx context.Context, req model.ChatMessageRequest) (any, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	reformulated, err := s.analyzer.Reformulate(ctx, req.ConversationHistory, req.Message)
	if err != nil {
		return nil, err
	}

	results, err := s.search.Search(ctx, reformulated, s.cfg.MatchThreshold, messageSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("chat: search claims: %w", err)
	}
	if len(results) > 0 {
		card, err := s.store.GetClaimCard(ctx, results[0].Card.ID)
		if err == nil {
			return model.ExistingCardResponse{
				Type:                   "existing",
				ContextualizedQuestion: reformulated,
				ClaimCard:              card,
			}, nil
		}
		s.logger.Warn("matched card could not be loaded, generating instead",
			"claim_card_id", results[0].Card.ID, "error", err)
	}

	sessionID := uuid.NewString()
	payload := s.generating(sessionID, reformulated)
	s.startPipeline(reformulated, sessionID)
	return payload, nil
}

// route runs the router under its own deadline. Any router failure
// degrades to NOVEL_CLAIM with a router_fallback event instead of
// failing the request: a broken router should cost a pipeline run, not
// an answer.
func (s *Service) route(ctx context.Context, sessionID string, req model.ChatAskRequest, reformulated string) agent.RouteResult {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RouterTimeout)
	defer cancel()

	result, err := s.router.Route(ctx, agent.RouteRequest{
		Question:             req.Question,
		ReformulatedQuestion: reformulated,
		History:              req.ConversationHistory,
	})
	if err != nil {
		s.logger.Warn("router failed, generating new claim", "error", err)
		s.fallForward(sessionID, "Router Agent failed, generating new claim")
		return agent.RouteResult{Mode: model.ModeNovelClaim}
	}
	return result
}

// resolveExactMatch loads the card behind the router's top candidate.
// The card can vanish between search and load (a reset, an audit
// hide), so a miss reports false and the caller falls forward to
// generation rather than erroring.
func (s *Service) resolveExactMatch(ctx context.Context, result agent.RouteResult) (model.ClaimCard, bool) {
	if len(result.Candidates) == 0 {
		return model.ClaimCard{}, false
	}
	id := result.Candidates[0].ClaimID
	card, err := s.store.GetClaimCard(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("exact match card load failed", "claim_card_id", id, "error", err)
		}
		return model.ClaimCard{}, false
	}
	return card, true
}

// resolveSourceCards picks the cards a contextual answer rests on: the
// ones the router explicitly fetched details for, otherwise the top
// search candidates. Cards that fail to load are skipped so one stale
// reference does not sink the synthesis.
func (s *Service) resolveSourceCards(ctx context.Context, result agent.RouteResult) ([]uuid.UUID, []model.ClaimCard) {
	ids := result.ReferencedIDs
	if len(ids) == 0 {
		for i, c := range result.Candidates {
			if i == maxContextualCards {
				break
			}
			ids = append(ids, c.ClaimID)
		}
	}

	referenced := make([]uuid.UUID, 0, len(ids))
	cards := make([]model.ClaimCard, 0, len(ids))
	for _, id := range ids {
		card, err := s.store.GetClaimCard(ctx, id)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("source card load failed", "claim_card_id", id, "error", err)
			}
			continue
		}
		referenced = append(referenced, card.ID)
		cards = append(cards, card)
	}
	return referenced, cards
}

func (s *Service) generating(sessionID, reformulated string) model.GeneratingResponse {
	return model.GeneratingResponse{
		Type:                   "generating",
		Message:                generatingMessage,
		PipelineStatus:         "queued",
		WebsocketSessionID:     sessionID,
		ContextualizedQuestion: reformulated,
		EstimatedSeconds:       generatingEstimateSeconds,
	}
}

// startPipeline launches the audit in the background. The request
// context dies with the HTTP response, so the run gets a fresh one;
// the orchestrator applies its own run deadline and reports failures
// on the progress bus.
func (s *Service) startPipeline(question, sessionID string) {
	go func() {
		if _, err := s.pipeline.Run(context.Background(), question, sessionID); err != nil {
			s.logger.Error("background pipeline failed", "session_id", sessionID, "error", err)
		}
	}()
}

func (s *Service) fallForward(sessionID, reason string) {
	ev := model.NewProgressEvent(model.EventRouterFallback)
	ev.Reason = reason
	s.publish(sessionID, ev)
}

func (s *Service) publish(sessionID string, ev model.ProgressEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(sessionID, ev)
}

// routingReasoning is the stored explanation for a decision: the
// router's own closing words when it produced any, clamped to the log
// column limit.
func routingReasoning(answer string) string {
	if strings.TrimSpace(answer) == "" {
		return "Router Agent routing decision"
	}
	return model.ClampReasoning(answer)
}
