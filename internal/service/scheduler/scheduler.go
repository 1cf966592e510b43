// Package scheduler generates blog articles from the topic queue on a
// daily cadence. Each leased topic is decomposed into component
// claims; claims matching an existing card reuse it, novel claims run
// through the audit pipeline; the composer then synthesizes the cards
// into an article stored unpublished for review.
//
// The queued→processing status transition is the lease: concurrent
// runs can never pick the same topic twice. A failing topic is marked
// failed with its error preserved; the rest of the batch keeps going.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/thereceipts/receipts/internal/agent"
	"github.com/thereceipts/receipts/internal/model"
	"github.com/thereceipts/receipts/internal/service/embedding"
	"github.com/thereceipts/receipts/internal/storage"
	"github.com/thereceipts/receipts/internal/telemetry"
)

const (
	defaultPostTime      = "09:00"
	defaultPostsPerDay   = 1
	defaultMaxConcurrent = 3
	defaultCheckInterval = 30 * time.Second

	// defaultDedupThreshold is the similarity at which a component
	// claim reuses an existing card instead of running the pipeline.
	defaultDedupThreshold = 0.92

	// dedupSearchLimit leaves room to step over batch-internal hits
	// while still finding an outside card to reuse.
	dedupSearchLimit = 5
)

// Stages is the slice of agent behavior the generator drives.
type Stages interface {
	Decompose(ctx context.Context, topic, extra string) (agent.Decomposition, error)
	Compose(ctx context.Context, topic string, cards []model.ClaimCard) (agent.Article, error)
}

// PipelineRunner audits one claim end to end and persists its card.
type PipelineRunner interface {
	Run(ctx context.Context, question, sessionID string) (model.ClaimCard, error)
}

// Store is the storage surface the scheduler drives.
type Store interface {
	LeaseQueuedTopics(ctx context.Context, n int) ([]model.TopicQueueEntry, error)
	CompleteTopic(ctx context.Context, id uuid.UUID, claimCardIDs []uuid.UUID, blogPostID *uuid.UUID) error
	FailTopic(ctx context.Context, id uuid.UUID, errMsg string) error
	SetTopicReview(ctx context.Context, id uuid.UUID, status model.ReviewStatus, feedback *string) error

	GetClaimCard(ctx context.Context, id uuid.UUID) (model.ClaimCard, error)
	SearchClaimsByEmbedding(ctx context.Context, embedding pgvector.Vector, threshold float64, limit int) ([]model.ClaimSearchResult, error)

	CreateBlogPost(ctx context.Context, p model.BlogPost) (model.BlogPost, error)
	PublishBlogPost(ctx context.Context, id uuid.UUID, reviewedBy, reviewNotes string) error

	GetSchedulerSettings(ctx context.Context) (model.SchedulerSettings, error)
	SaveSchedulerSettings(ctx context.Context, s model.SchedulerSettings) error
}

// Config seeds the database-backed settings before an admin first
// saves them, and carries the knobs that are not admin-editable.
type Config struct {
	Enabled       bool
	PostTime      string // "HH:MM", 24-hour UTC
	PostsPerDay   int
	MaxConcurrent int

	DedupThreshold float64

	// CheckInterval is how often the loop consults the clock and the
	// settings row. Tests shorten it.
	CheckInterval time.Duration
}

// TopicOutcome describes one topic's run within a batch.
type TopicOutcome struct {
	TopicID     uuid.UUID  `json:"topic_id"`
	BlogPostID  *uuid.UUID `json:"blog_post_id,omitempty"`
	Title       string     `json:"title,omitempty"`
	WordCount   int        `json:"word_count,omitempty"`
	ClaimCards  int        `json:"claim_cards"`
	ReusedCards int        `json:"reused_cards"`
	Error       string     `json:"error,omitempty"`
}

// Service runs the daily generation loop. Construct with New, then
// Start; RunNow triggers a batch outside the schedule.
type Service struct {
	store  Store
	stages Stages
	runner PipelineRunner
	embed  embedding.Provider
	logger *slog.Logger
	cfg    Config

	// runMu serializes batches so a manual run and the daily fire
	// never interleave leases.
	runMu sync.Mutex

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	topicDuration metric.Float64Histogram
}

func New(store Store, stages Stages, runner PipelineRunner, embed embedding.Provider, cfg Config, logger *slog.Logger) *Service {
	if cfg.PostTime == "" {
		cfg.PostTime = defaultPostTime
	}
	if cfg.PostsPerDay <= 0 {
		cfg.PostsPerDay = defaultPostsPerDay
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = defaultDedupThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	meter := telemetry.Meter("receipts/scheduler")
	topicDur, _ := meter.Float64Histogram("receipts.scheduler.topic.duration",
		metric.WithDescription("Time to generate one article from a topic"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:         store,
		stages:        stages,
		runner:        runner,
		embed:         embed,
		logger:        logger.With("component", "scheduler"),
		cfg:           cfg,
		done:          make(chan struct{}),
		topicDuration: topicDur,
	}
}

// Start launches the daily loop. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (s *Service) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(loopCtx)
}

// Stop cancels the loop and waits for it to exit. A batch in flight
// finishes marking its topics before the loop returns.
func (s *Service) Stop() {
	if !s.started.Load() {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick fires the daily batch once the configured time of day has
// passed and no batch has run since. Settings are re-read every tick
// so admin edits apply without a restart.
func (s *Service) tick(ctx context.Context, now time.Time) {
	settings := s.settings(ctx)
	if !settings.Enabled {
		return
	}
	due, err := fireTime(settings.PostTime, now)
	if err != nil {
		s.logger.Error("bad post_time in settings", "post_time", settings.PostTime, "error", err)
		return
	}
	if now.Before(due) {
		return
	}
	if settings.LastRunAt != nil && !settings.LastRunAt.Before(due) {
		return
	}

	s.logger.Info("daily generation firing", "post_time", settings.PostTime, "posts_per_day", settings.PostsPerDay)
	if _, err := s.runBatch(ctx, settings); err != nil {
		s.logger.Error("daily generation failed", "error", err)
	}

	next := due.Add(24 * time.Hour)
	settings.LastRunAt = &now
	settings.NextRunAt = &next
	if err := s.store.SaveSchedulerSettings(ctx, settings); err != nil {
		s.logger.Error("save settings after run", "error", err)
	}
}

// RunNow triggers one batch immediately, regardless of the enabled
// flag or time of day. The admin trigger endpoint calls it.
func (s *Service) RunNow(ctx context.Context) ([]TopicOutcome, error) {
	settings := s.settings(ctx)
	outcomes, err := s.runBatch(ctx, settings)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	settings.LastRunAt = &now
	if err := s.store.SaveSchedulerSettings(ctx, settings); err != nil {
		s.logger.Warn("save settings after manual run", "error", err)
	}
	return outcomes, nil
}

// runBatch leases up to posts_per_day topics and generates an article
// for each, at most max_concurrent at a time. Topic failures land in
// their outcome, never in the returned error.
func (s *Service) runBatch(ctx context.Context, settings model.SchedulerSettings) ([]TopicOutcome, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if settings.PostsPerDay <= 0 {
		return nil, nil
	}
	topics, err := s.store.LeaseQueuedTopics(ctx, settings.PostsPerDay)
	if err != nil {
		return nil, fmt.Errorf("scheduler: lease topics: %w", err)
	}
	if len(topics) == 0 {
		s.logger.Info("no queued topics")
		return nil, nil
	}

	maxConcurrent := settings.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	outcomes := make([]TopicOutcome, len(topics))
	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	for i, topic := range topics {
		g.Go(func() error {
			outcomes[i] = s.runTopic(ctx, topic, settings)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

// runTopic generates one article end to end. Any failure marks the
// topic failed with the cause preserved for the reviewer; it never
// unwinds the batch.
func (s *Service) runTopic(ctx context.Context, topic model.TopicQueueEntry, settings model.SchedulerSettings) TopicOutcome {
	start := time.Now()
	out := TopicOutcome{TopicID: topic.ID}

	feedback := ""
	if topic.AdminFeedback != nil {
		feedback = *topic.AdminFeedback
	}

	dec, err := s.stages.Decompose(ctx, topic.TopicText, feedback)
	if err != nil {
		return s.failTopic(ctx, out, fmt.Errorf("decompose topic: %w", err))
	}
	s.logger.Info("topic decomposed", "topic_id", topic.ID, "component_claims", len(dec.ComponentClaims))

	ids := make([]uuid.UUID, 0, len(dec.ComponentClaims))
	cards := make([]model.ClaimCard, 0, len(dec.ComponentClaims))
	for _, claim := range dec.ComponentClaims {
		card, reused, err := s.resolveClaim(ctx, claim, ids)
		if err != nil {
			return s.failTopic(ctx, out, err)
		}
		if reused {
			out.ReusedCards++
		}
		ids = append(ids, card.ID)
		cards = append(cards, card)
	}
	out.ClaimCards = len(ids)

	art, err := s.stages.Compose(ctx, topic.TopicText, cards)
	if err != nil {
		return s.failTopic(ctx, out, fmt.Errorf("compose article: %w", err))
	}

	post, err := s.store.CreateBlogPost(ctx, model.BlogPost{
		TopicQueueID: &topic.ID,
		Title:        art.Title,
		ArticleBody:  art.ArticleBody,
		ClaimCardIDs: ids,
	})
	if err != nil {
		return s.failTopic(ctx, out, fmt.Errorf("store blog post: %w", err))
	}
	if err := s.store.CompleteTopic(ctx, topic.ID, ids, &post.ID); err != nil {
		return s.failTopic(ctx, out, fmt.Errorf("complete topic: %w", err))
	}

	if !settings.RequireReview {
		s.autoPublish(ctx, topic.ID, post.ID)
	}

	s.topicDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	out.BlogPostID = &post.ID
	out.Title = art.Title
	out.WordCount = len(strings.Fields(art.ArticleBody))
	s.logger.Info("topic completed",
		"topic_id", topic.ID,
		"blog_post_id", post.ID,
		"claim_cards", out.ClaimCards,
		"reused_cards", out.ReusedCards,
		"words", out.WordCount,
	)
	return out
}

// resolveClaim returns the card backing one component claim: an
// existing card at or above the dedup threshold when one exists
// outside the current batch, otherwise a fresh pipeline run. Batch
// exclusion keeps sibling claims of one article from collapsing into
// a single card.
func (s *Service) resolveClaim(ctx context.Context, claim string, batch []uuid.UUID) (model.ClaimCard, bool, error) {
	if card, ok := s.findExisting(ctx, claim, batch); ok {
		return card, true, nil
	}
	card, err := s.runner.Run(ctx, claim, "")
	if err != nil {
		return model.ClaimCard{}, false, fmt.Errorf("audit claim %q: %w", claim, err)
	}
	return card, false, nil
}

// findExisting searches for a reusable card. Embedding or search
// failures are treated as nothing found: a flaky dedup check should
// cost a duplicate pipeline run, not the topic.
func (s *Service) findExisting(ctx context.Context, claim string, batch []uuid.UUID) (model.ClaimCard, bool) {
	vec, err := s.embed.Embed(ctx, claim)
	if err != nil {
		s.logger.Warn("dedup embedding failed, treating claim as novel", "error", err)
		return model.ClaimCard{}, false
	}
	if embedding.IsZero(vec) {
		return model.ClaimCard{}, false
	}
	results, err := s.store.SearchClaimsByEmbedding(ctx, vec, s.cfg.DedupThreshold, dedupSearchLimit)
	if err != nil {
		s.logger.Warn("dedup search failed, treating claim as novel", "error", err)
		return model.ClaimCard{}, false
	}

	inBatch := make(map[uuid.UUID]bool, len(batch))
	for _, id := range batch {
		inBatch[id] = true
	}
	for _, r := range results {
		if inBatch[r.Card.ID] {
			continue
		}
		s.logger.Info("reusing existing claim card",
			"claim_card_id", r.Card.ID, "similarity", r.Similarity)
		// Search rows carry no children; the composer wants sources.
		card, err := s.store.GetClaimCard(ctx, r.Card.ID)
		if err != nil {
			s.logger.Warn("reused card hydration failed, using search row", "claim_card_id", r.Card.ID, "error", err)
			return r.Card, true
		}
		return card, true
	}
	return model.ClaimCard{}, false
}

// autoPublish releases a post immediately when the admin has turned
// review gating off.
func (s *Service) autoPublish(ctx context.Context, topicID, postID uuid.UUID) {
	if err := s.store.PublishBlogPost(ctx, postID, "scheduler", "auto-published: review not required"); err != nil {
		s.logger.Error("auto-publish failed", "blog_post_id", postID, "error", err)
		return
	}
	if err := s.store.SetTopicReview(ctx, topicID, model.ReviewApproved, nil); err != nil {
		s.logger.Error("auto-approve failed", "topic_id", topicID, "error", err)
	}
}

// failTopic records the failure on the topic row. The write uses a
// detached context so a shutdown mid-batch cannot strand the topic in
// processing.
func (s *Service) failTopic(ctx context.Context, out TopicOutcome, cause error) TopicOutcome {
	out.Error = cause.Error()
	s.logger.Error("topic generation failed", "topic_id", out.TopicID, "error", cause)
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.FailTopic(writeCtx, out.TopicID, cause.Error()); err != nil {
		s.logger.Error("marking topic failed also failed", "topic_id", out.TopicID, "error", err)
	}
	return out
}

// settings loads the persisted configuration, falling back to the
// boot-time defaults before an admin has saved anything.
func (s *Service) settings(ctx context.Context) model.SchedulerSettings {
	st, err := s.store.GetSchedulerSettings(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("scheduler settings unavailable, using defaults", "error", err)
		}
		return model.SchedulerSettings{
			Enabled:       s.cfg.Enabled,
			PostTime:      s.cfg.PostTime,
			PostsPerDay:   s.cfg.PostsPerDay,
			MaxConcurrent: s.cfg.MaxConcurrent,
			RequireReview: true,
		}
	}
	return st
}

// fireTime is the moment the daily run is due on now's date, UTC.
func fireTime(postTime string, now time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", postTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("post_time must be HH:MM (got %q)", postTime)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC), nil
}
