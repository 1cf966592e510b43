package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipts/receipts/internal/agent"
	"github.com/thereceipts/receipts/internal/llm"
	"github.com/thereceipts/receipts/internal/model"
	"github.com/thereceipts/receipts/internal/storage"
)

type fakeRouter struct {
	result agent.RouteResult
	err    error
	calls  int
	gotReq agent.RouteRequest
}

func (f *fakeRouter) Route(_ context.Context, req agent.RouteRequest) (agent.RouteResult, error) {
	f.calls++
	f.gotReq = req
	if f.err != nil {
		return agent.RouteResult{}, f.err
	}
	return f.result, nil
}

type fakeChatStore struct {
	mu          sync.Mutex
	cards       map[uuid.UUID]model.ClaimCard
	getErr      error
	decisions   []model.RouterDecision
	decisionErr error
}

func newFakeChatStore(cards ...model.ClaimCard) *fakeChatStore {
	m := make(map[uuid.UUID]model.ClaimCard, len(cards))
	for _, c := range cards {
		m[c.ID] = c
	}
	return &fakeChatStore{cards: m}
}

func (f *fakeChatStore) GetClaimCard(_ context.Context, id uuid.UUID) (model.ClaimCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return model.ClaimCard{}, f.getErr
	}
	card, ok := f.cards[id]
	if !ok {
		return model.ClaimCard{}, storage.ErrNotFound
	}
	return card, nil
}

func (f *fakeChatStore) CreateRouterDecision(_ context.Context, d model.RouterDecision) (model.RouterDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decisionErr != nil {
		return model.RouterDecision{}, f.decisionErr
	}
	d.ID = uuid.New()
	d.CreatedAt = time.Now().UTC()
	f.decisions = append(f.decisions, d)
	return d, nil
}

func (f *fakeChatStore) lastDecision(t *testing.T) model.RouterDecision {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.decisions, "expected a routing decision to be logged")
	return f.decisions[len(f.decisions)-1]
}

type fakeSearch struct {
	results      []model.ClaimSearchResult
	err          error
	gotQuery     string
	gotThreshold float64
	gotLimit     int
}

func (f *fakeSearch) Search(_ context.Context, query string, threshold float64, limit int) ([]model.ClaimSearchResult, error) {
	f.gotQuery = query
	f.gotThreshold = threshold
	f.gotLimit = limit
	return f.results, f.err
}

type pipelineRun struct {
	question  string
	sessionID string
}

type fakeRunner struct {
	mu   sync.Mutex
	runs []pipelineRun
	done chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{done: make(chan struct{}, 8)}
}

func (f *fakeRunner) Run(_ context.Context, question, sessionID string) (model.ClaimCard, error) {
	f.mu.Lock()
	f.runs = append(f.runs, pipelineRun{question: question, sessionID: sessionID})
	f.mu.Unlock()
	f.done <- struct{}{}
	return model.ClaimCard{}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

// waitForRun blocks until the background goroutine has recorded a run.
func (f *fakeRunner) waitForRun(t *testing.T) pipelineRun {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("background pipeline never started")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[len(f.runs)-1]
}

type busRecorder struct {
	mu       sync.Mutex
	events   []model.ProgressEvent
	sessions []string
}

func (b *busRecorder) Publish(sessionID string, ev model.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	b.sessions = append(b.sessions, sessionID)
}

func (b *busRecorder) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

func (b *busRecorder) byType(eventType string) (model.ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if ev.Type == eventType {
			return ev, true
		}
	}
	return model.ProgressEvent{}, false
}

type chatFixture struct {
	svc      *Service
	router   *fakeRouter
	store    *fakeChatStore
	search   *fakeSearch
	runner   *fakeRunner
	bus      *busRecorder
	analyzer *Analyzer
	cfg      Config
}

func newChatFixture(opts ...func(*chatFixture)) *chatFixture {
	f := &chatFixture{
		router: &fakeRouter{},
		store:  newFakeChatStore(),
		search: &fakeSearch{},
		runner: newFakeRunner(),
		bus:    &busRecorder{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.analyzer == nil {
		f.analyzer = NewAnalyzer(llm.NewClientsFrom(nil, nil), discardLogger())
	}
	f.svc = New(f.router, f.analyzer, f.store, f.search, f.runner, f.bus, f.cfg, discardLogger())
	return f
}

func storedCard(claim string) model.ClaimCard {
	return model.ClaimCard{
		ID:          uuid.New(),
		ClaimText:   claim,
		Verdict:     model.VerdictFalse,
		ShortAnswer: "The manuscript record says otherwise.",
	}
}

func candidate(id uuid.UUID, claim string, similarity float64) model.SearchCandidate {
	return model.SearchCandidate{
		ClaimID:           id,
		ClaimText:         claim,
		ShortAnswer:       "The manuscript record says otherwise.",
		Similarity:        similarity,
		Verdict:           model.VerdictFalse,
		ClaimTypeCategory: model.CategoryTextual,
	}
}

func TestAskRejectsInvalidRequest(t *testing.T) {
	f := newChatFixture()

	_, err := f.svc.Ask(context.Background(), model.ChatAskRequest{Question: "   "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "question is required")
	assert.Zero(t, f.router.calls, "validation failures must not reach the router")
}

func TestAskExactMatchReturnsStoredCard(t *testing.T) {
	card := storedCard("The Bible has been changed over centuries of copying")
	f := newChatFixture(func(f *chatFixture) {
		f.store = newFakeChatStore(card)
		f.router = &fakeRouter{result: agent.RouteResult{
			Mode:       model.ModeExactMatch,
			Candidates: []model.SearchCandidate{candidate(card.ID, card.ClaimText, 0.95)},
			Answer:     "Search found the same claim at 0.95.",
		}}
	})

	resp, err := f.svc.Ask(context.Background(), model.ChatAskRequest{Question: "Has the Bible been changed over time?"})
	require.NoError(t, err)

	assert.Equal(t, model.ModeExactMatch, resp.Mode)
	require.NotNil(t, resp.RoutingDecisionID)
	assert.Nil(t, resp.WebsocketSessionID, "exact matches do not open a progress session")

	payload, ok := resp.Response.(model.ExactMatchResponse)
	require.True(t, ok, "payload should be an ExactMatchResponse, got %T", resp.Response)
	assert.Equal(t, "exact_match", payload.Type)
	assert.Equal(t, card.ID, payload.ClaimCard.ID)

	d := f.store.lastDecision(t)
	assert.Equal(t, model.ModeExactMatch, d.ModeSelected)
	assert.Equal(t, "Has the Bible been changed over time?", d.QuestionText)
	assert.Equal(t, "Has the Bible been changed over time?", d.ReformulatedQuestion,
		"no history means the question routes as-is")
	assert.Equal(t, []uuid.UUID{card.ID}, d.ClaimCardsReferenced)
	require.Len(t, d.SearchCandidates, 1)
	assert.Equal(t, "Search found the same claim at 0.95.", d.Reasoning)
	assert.Equal(t, *resp.RoutingDecisionID, d.ID)

	assert.Equal(t, []string{
		model.EventContextAnalysisStarted,
		model.EventRoutingStarted,
		model.EventRoutingCompleted,
	}, f.bus.types())

	completed, ok := f.bus.byType(model.EventRoutingCompleted)
	require.True(t, ok)
	assert.Equal(t, model.ModeExactMatch, completed.Mode)

	assert.Zero(t, f.runner.count(), "an exact match must not start the pipeline")
}

func TestAskExactMatchFallsForwardWhenCardMissing(t *testing.T) {
	f := newChatFixture(func(f *chatFixture) {
		f.router = &fakeRouter{result: agent.RouteResult{
			Mode:       model.ModeExactMatch,
			Candidates: []model.SearchCandidate{candidate(uuid.New(), "vanished claim", 0.95)},
		}}
	})

	resp, err := f.svc.Ask(context.Background(), model.ChatAskRequest{Question: "Did the gospels borrow from pagan myths?"})
	require.NoError(t, err)

	assert.Equal(t, model.ModeNovelClaim, resp.Mode)
	require.NotNil(t, resp.WebsocketSessionID)

	payload, ok := resp.Response.(model.GeneratingResponse)
	require.True(t, ok, "payload should be a GeneratingResponse, got %T", resp.Response)
	assert.Equal(t, "generating", payload.Type)
	assert.Equal(t, "queued", payload.PipelineStatus)
	assert.Equal(t, *resp.WebsocketSessionID, payload.WebsocketSessionID)

	fallback, ok := f.bus.byType(model.EventRouterFallback)
	require.True(t, ok, "falling forward should announce itself on the bus")
	assert.Equal(t, "matched claim card missing, generating new claim", fallback.Reason)

	d := f.store.lastDecision(t)
	assert.Equal(t, model.ModeNovelClaim, d.ModeSelected)
	assert.Empty(t, d.ClaimCardsReferenced)

	run := f.runner.waitForRun(t)
	assert.Equal(t, "Did the gospels borrow from pagan myths?", run.question)
	assert.Equal(t, *resp.WebsocketSessionID, run.sessionID)
}

func TestAskContextualUsesReferencedCards(t *testing.T) {
	cardA := storedCard("Matthew copied Mark")
	cardB := storedCard("Luke copied Mark")
	missing := uuid.New()
	f := newChatFixture(func(f *chatFixture) {
		f.store = newFakeChatStore(cardA, cardB)
		f.router = &fakeRouter{result: agent.RouteResult{
			Mode:          model.ModeContextual,
			Candidates:    []model.SearchCandidate{candidate(cardA.ID, cardA.ClaimText, 0.85)},
			ReferencedIDs: []uuid.UUID{cardB.ID, missing, cardA.ID},
			Answer:        "Both Matthew and Luke show literary dependence on Mark.",
		}}
	})

	resp, err := f.svc.Ask(context.Background(), model.ChatAskRequest{Question: "Did the synoptic authors copy each other?"})
	require.NoError(t, err)

	assert.Equal(t, model.ModeContextual, resp.Mode)
	assert.Nil(t, resp.WebsocketSessionID)

	payload, ok := resp.Response.(model.ContextualResponse)
	require.True(t, ok, "payload should be a ContextualResponse, got %T", resp.Response)
	assert.Equal(t, "contextual", payload.Type)
	assert.Equal(t, "Both Matthew and Luke show literary dependence on Mark.", payload.SynthesizedResponse)

	// Cited order is preserved; the vanished card is skipped.
	require.Len(t, payload.SourceCards, 2)
	assert.Equal(t, cardB.ID, payload.SourceCards[0].ID)
	assert.Equal(t, cardA.ID, payload.SourceCards[1].ID)

	d := f.store.lastDecision(t)
	assert.Equal(t, []uuid.UUID{cardB.ID, cardA.ID}, d.ClaimCardsReferenced)
	assert.Zero(t, f.runner.count())
}

func TestAskContextualFallsBackToTopCandidates(t *testing.T) {
	cards := []model.ClaimCard{
		storedCard("claim one"), storedCard("claim two"),
		storedCard("claim three"), storedCard("claim four"),
	}
	f := newChatFixture(func(f *chatFixture) {
		f.store = newFakeChatStore(cards...)
		result := agent.RouteResult{Mode: model.ModeContextual, Answer: "Synthesis."}
		for i, c := range cards {
			result.Candidates = append(result.Candidates, candidate(c.ID, c.ClaimText, 0.9-float64(i)*0.01))
		}
		f.router = &fakeRouter{result: result}
	})

	resp, err := f.svc.Ask(context.Background(), model.ChatAskRequest{Question: "What do related audits say?"})
	require.NoError(t, err)

	payload := resp.Response.(model.ContextualResponse)
	require.Len(t, payload.SourceCards, 3, "uncited syntheses attach at most the top three candidates")
	assert.Equal(t, cards[0].ID, payload.SourceCards[0].ID)
	assert.Equal(t, cards[1].ID, payload.SourceCards[1].ID)
	assert.Equal(t, cards[2].ID, payload.SourceCards[2].ID)
}

func TestAskNovelClaimRunsPipelineWithReformulatedQuestion(t *testing.T) {
	anthropic := &scriptedClient{replies: []string{"Did Luke copy Mark?"}}
	f := newChatFixture(func(f *chatFixture) {
		f.analyzer = NewAnalyzer(llm.NewClientsFrom(nil, anthropic), discardLogger())
		f.router = &fakeRouter{result: agent.RouteResult{Mode: model.ModeNovelClaim}}
	})

	resp, err := f.svc.Ask(context.Background(), model.ChatAskRequest{
		Question: "What about Luke?",
		ConversationHistory: []model.ChatMessage{
			{Role: model.RoleUser, Content: "Did Matthew copy Mark?"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, model.ModeNovelClaim, resp.Mode)
	require.NotNil(t, resp.WebsocketSessionID)

	payload := resp.Response.(model.GeneratingResponse)
	assert.Equal(t, "Did Luke copy Mark?", payload.ContextualizedQuestion)
	assert.NotEmpty(t, payload.Message)

	assert.Equal(t, "What about Luke?", f.router.gotReq.Question)
	assert.Equal(t, "Did Luke copy Mark?", f.router.gotReq.ReformulatedQuestion)

	started, ok := f.bus.byType(model.EventRoutingStarted)
	require.True(t, ok)
	assert.Equal(t, "Did Luke copy Mark?", started.ContextualizedQuestion)

	// The pipeline audits the standalone question, not the fragment.
	run := f.runner.waitForRun(t)
	assert.Equal(t, "Did Luke copy Mark?", run.question)
	assert.Equal(t, *resp.WebsocketSessionID, run.sessionID)

	d := f.store.lastDecision(t)
	assert.Equal(t, "Did Luke copy Mark?", d.ReformulatedQuestion)
	assert.Equal(t, "Router Agent routing decision", d.Reasoning,
		"a silent router still gets a stored explanation")
}

func TestAskRouterFailureFallsBackToNovelClaim(t *testing.T) {
	f := newChatFixture(func(f *chatFixture) {
		f.router = &fakeRouter{err: errors.New("tool budget exhausted")}
	})

	resp, err := f.svc.Ask(context.Background(), model.ChatAskRequest{Question: "Did Jesus exist?"})
	require.NoError(t, err, "a broken router degrades, it does not fail the request")

	assert.Equal(t, model.ModeNovelClaim, resp.Mode)

	fallback, ok := f.bus.byType(model.EventRouterFallback)
	require.True(t, ok)
	assert.Equal(t, "Router Agent failed, generating new claim", fallback.Reason)

	d := f.store.lastDecision(t)
	assert.Equal(t, model.ModeNovelClaim, d.ModeSelected)
	assert.Empty(t, d.SearchCandidates)

	run := f.runner.waitForRun(t)
	assert.Equal(t, "Did Jesus exist?", run.question)
}

func TestAskSurfacesDecisionLogFailure(t *testing.T) {
	card := storedCard("stored claim")
	f := newChatFixture(func(f *chatFixture) {
		f.store = newFakeChatStore(card)
		f.store.decisionErr = errors.New("db down")
		f.router = &fakeRouter{result: agent.RouteResult{
			Mode:       model.ModeExactMatch,
			Candidates: []model.SearchCandidate{candidate(card.ID, card.ClaimText, 0.95)},
		}}
	})

	_, err := f.svc.Ask(context.Background(), model.ChatAskRequest{Question: "Did it happen?"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log routing decision")

	types := f.bus.types()
	assert.NotContains(t, types, model.EventRoutingCompleted,
		"an unlogged decision is not a completed route")
}

func TestAskAnalyzerFailureFailsRequest(t *testing.T) {
	anthropic := &scriptedClient{err: errors.New("anthropic down")}
	openai := &scriptedClient{err: errors.New("openai down")}
	f := newChatFixture(func(f *chatFixture) {
		f.analyzer = NewAnalyzer(llm.NewClientsFrom(openai, anthropic), discardLogger())
	})

	_, err := f.svc.Ask(context.Background(), model.ChatAskRequest{
		Question: "What about Luke?",
		ConversationHistory: []model.ChatMessage{
			{Role: model.RoleUser, Content: "Did Matthew copy Mark?"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both providers")
	assert.Zero(t, f.router.calls)
}

func TestMessageReturnsExistingCard(t *testing.T) {
	card := storedCard("The resurrection accounts contradict each other")
	f := newChatFixture(func(f *chatFixture) {
		f.store = newFakeChatStore(card)
		f.search = &fakeSearch{results: []model.ClaimSearchResult{{Card: card, Similarity: 0.94}}}
	})

	out, err := f.svc.Message(context.Background(), model.ChatMessageRequest{
		Message: "Do the resurrection accounts contradict each other?",
	})
	require.NoError(t, err)

	payload, ok := out.(model.ExistingCardResponse)
	require.True(t, ok, "payload should be an ExistingCardResponse, got %T", out)
	assert.Equal(t, "existing", payload.Type)
	assert.Equal(t, card.ID, payload.ClaimCard.ID)
	assert.Equal(t, "Do the resurrection accounts contradict each other?", payload.ContextualizedQuestion)

	assert.Equal(t, defaultMatchThreshold, f.search.gotThreshold)
	assert.Equal(t, messageSearchLimit, f.search.gotLimit)
	assert.Zero(t, f.runner.count())
}

func TestMessageGeneratesWhenNothingMatches(t *testing.T) {
	f := newChatFixture()

	out, err := f.svc.Message(context.Background(), model.ChatMessageRequest{
		Message: "Was the Shroud of Turin carbon dated?",
	})
	require.NoError(t, err)

	payload, ok := out.(model.GeneratingResponse)
	require.True(t, ok, "payload should be a GeneratingResponse, got %T", out)
	assert.Equal(t, "generating", payload.Type)
	assert.Equal(t, "queued", payload.PipelineStatus)
	assert.NotEmpty(t, payload.WebsocketSessionID)

	run := f.runner.waitForRun(t)
	assert.Equal(t, "Was the Shroud of Turin carbon dated?", run.question)
	assert.Equal(t, payload.WebsocketSessionID, run.sessionID)
}

func TestMessageGeneratesWhenMatchedCardVanished(t *testing.T) {
	gone := storedCard("deleted claim")
	f := newChatFixture(func(f *chatFixture) {
		// The search index still knows the card; the store does not.
		f.search = &fakeSearch{results: []model.ClaimSearchResult{{Card: gone, Similarity: 0.94}}}
	})

	out, err := f.svc.Message(context.Background(), model.ChatMessageRequest{Message: "Was the claim deleted?"})
	require.NoError(t, err)

	_, ok := out.(model.GeneratingResponse)
	require.True(t, ok, "a stale hit should fall through to generation, got %T", out)
	f.runner.waitForRun(t)
}

func TestMessageSurfacesSearchFailure(t *testing.T) {
	f := newChatFixture(func(f *chatFixture) {
		f.search = &fakeSearch{err: errors.New("pgvector down")}
	})

	_, err := f.svc.Message(context.Background(), model.ChatMessageRequest{Message: "Did it happen?"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search claims")
	assert.Zero(t, f.runner.count())
}

func TestMessageRejectsInvalidRequest(t *testing.T) {
	f := newChatFixture()

	_, err := f.svc.Message(context.Background(), model.ChatMessageRequest{
		Message: strings.Repeat("x", model.MaxQuestionLen+1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message exceeds maximum length")
}

func TestNewAppliesDefaults(t *testing.T) {
	f := newChatFixture()
	assert.Equal(t, defaultRouterTimeout, f.svc.cfg.RouterTimeout)
	assert.Equal(t, defaultMatchThreshold, f.svc.cfg.MatchThreshold)

	custom := newChatFixture(func(f *chatFixture) {
		f.cfg = Config{RouterTimeout: time.Second, MatchThreshold: 0.5}
	})
	assert.Equal(t, time.Second, custom.svc.cfg.RouterTimeout)
	assert.Equal(t, 0.5, custom.svc.cfg.MatchThreshold)
}

func TestRoutingReasoning(t *testing.T) {
	assert.Equal(t, "Router Agent routing decision", routingReasoning(""))
	assert.Equal(t, "Router Agent routing decision", routingReasoning("  \n"))
	assert.Equal(t, "matched at 0.95", routingReasoning("matched at 0.95"))

	long := strings.Repeat("a", model.MaxRouterReasoningLen+100)
	assert.Len(t, routingReasoning(long), model.MaxRouterReasoningLen)
}
