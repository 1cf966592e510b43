package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/thereceipts/receipts/internal/llm"
	"github.com/thereceipts/receipts/internal/model"
	"github.com/thereceipts/receipts/internal/service/embedding"
	"github.com/thereceipts/receipts/internal/storage"
)

// Auto-suggest discovers new topics for the generation queue: it
// pulls apologetics content (pasted text or a web search), has an LLM
// extract checkable claims from it, drops anything the claim library
// already covers, and enqueues the rest.

const (
	autosuggestModel       = "claude-haiku-3-5-20250116"
	autosuggestTemperature = 0.7
	autosuggestMaxTokens   = 2048

	// sourceTextCap bounds the content sent to the extraction model.
	sourceTextCap = 4000

	defaultTopicsPerRun = 10

	// defaultAutosuggestThreshold is looser than the scheduler's
	// dedup so discovery catches broader overlap with the library.
	defaultAutosuggestThreshold = 0.85

	defaultTopicPriority = 5

	// fetchResults is how many search hits feed one extraction run.
	fetchResults = 3
)

const extractionPrompt = `You are a topic extraction specialist for a religion claim analysis platform.

Your task: Analyze the provided text from apologetics sources and identify distinct factual claims or topics about Christianity that can be fact-checked.

Focus on:
- Specific factual claims (historical, scientific, theological)
- Topics that are commonly discussed in Christian apologetics
- Claims that can be verified or analyzed with evidence
- Broad enough for multiple component claims, but specific enough to analyze

Avoid:
- Purely theological/philosophical debates without factual basis
- Personal testimonies or subjective experiences
- Topics too vague or broad to analyze ("Is God real?")

Output JSON format:
{
  "topics": [
    {
      "topic_text": "Brief topic description (1-2 sentences)",
      "reasoning": "Why this topic is interesting/important",
      "estimated_priority": 1-10 (10 = high priority)
    }
  ],
  "total_found": <count>
}

Priority scoring guidelines:
- 8-10: Widely circulated claims, prominent apologists, highly debated
- 5-7: Moderately common, interesting but not urgent
- 1-4: Niche claims, less common, lower impact`

// AutosuggestStore is the storage surface topic discovery drives.
type AutosuggestStore interface {
	CreateTopic(ctx context.Context, t model.TopicQueueEntry) (model.TopicQueueEntry, error)
	TopicTextExists(ctx context.Context, text string) (bool, error)
	SearchClaimsByEmbedding(ctx context.Context, embedding pgvector.Vector, threshold float64, limit int) ([]model.ClaimSearchResult, error)
	GetAutosuggestSettings(ctx context.Context) (model.AutosuggestSettings, error)
	SaveAutosuggestSettings(ctx context.Context, s model.AutosuggestSettings) error
}

// AutosuggestConfig seeds the database-backed settings and carries
// the web search credentials.
type AutosuggestConfig struct {
	Enabled             bool
	TopicsPerRun        int
	SimilarityThreshold float64
	DefaultPriority     int

	TavilyAPIKey  string
	TavilyBaseURL string
}

// Autosuggest extracts checkable topics from apologetics content and
// enqueues the novel ones. Runs are admin-triggered; the enabled flag
// gates only whether the admin UI offers it.
type Autosuggest struct {
	clients    *llm.Clients
	store      AutosuggestStore
	embed      embedding.Provider
	httpClient *http.Client
	cfg        AutosuggestConfig
	logger     *slog.Logger
}

func NewAutosuggest(clients *llm.Clients, store AutosuggestStore, embed embedding.Provider, httpClient *http.Client, cfg AutosuggestConfig, logger *slog.Logger) *Autosuggest {
	if cfg.TopicsPerRun <= 0 {
		cfg.TopicsPerRun = defaultTopicsPerRun
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = defaultAutosuggestThreshold
	}
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = defaultTopicPriority
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Autosuggest{
		clients:    clients,
		store:      store,
		embed:      embed,
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger.With("component", "autosuggest"),
	}
}

type extractedTopic struct {
	TopicText         string `json:"topic_text"`
	Reasoning         string `json:"reasoning"`
	EstimatedPriority int    `json:"estimated_priority"`
}

type extraction struct {
	Topics     []extractedTopic `json:"topics"`
	TotalFound int              `json:"total_found"`
}

// Run executes one discovery pass: resolve the source content,
// extract topics, deduplicate, enqueue. Individual topic failures
// are counted, not fatal.
func (a *Autosuggest) Run(ctx context.Context, req model.AutosuggestRunRequest) (model.AutosuggestRunResult, error) {
	if err := req.Validate(); err != nil {
		return model.AutosuggestRunResult{}, fmt.Errorf("autosuggest: %w", err)
	}
	settings := a.settings(ctx)

	sourceText := req.SourceText
	sourceName := req.SourceName
	sourceURL := req.SourceURL
	if req.Query != "" {
		fetched, err := a.fetchContent(ctx, req.Query)
		if err != nil {
			return model.AutosuggestRunResult{}, fmt.Errorf("autosuggest: fetch content: %w", err)
		}
		sourceText = fetched
		if sourceName == "" {
			sourceName = "Web search: " + req.Query
		}
	}

	topics, err := a.extractTopics(ctx, sourceText, sourceName, sourceURL, settings.TopicsPerRun)
	if err != nil {
		return model.AutosuggestRunResult{}, err
	}
	a.logger.Info("topics extracted", "count", len(topics), "source", sourceName)

	threshold := settings.SimilarityThreshold
	if threshold <= 0 {
		threshold = a.cfg.SimilarityThreshold
	}
	result := a.enqueue(ctx, topics, threshold)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	now := time.Now().UTC()
	settings.LastRunAt = &now
	if err := a.store.SaveAutosuggestSettings(saveCtx, settings); err != nil {
		a.logger.Warn("save autosuggest settings", "error", err)
	}
	return result, nil
}

// extractTopics asks the extraction model for checkable topics in the
// source text, capped at the configured per-run maximum.
func (a *Autosuggest) extractTopics(ctx context.Context, sourceText, sourceName, sourceURL string, maxTopics int) ([]extractedTopic, error) {
	if strings.TrimSpace(sourceText) == "" {
		return nil, fmt.Errorf("autosuggest: source text is empty")
	}
	client, err := a.clients.For(model.ProviderAnthropic)
	if err != nil {
		return nil, fmt.Errorf("autosuggest: %w", err)
	}

	if len(sourceText) > sourceTextCap {
		sourceText = sourceText[:sourceTextCap]
	}
	name := sourceName
	if name == "" {
		name = "Unknown"
	}
	url := sourceURL
	if url == "" {
		url = "N/A"
	}
	userMessage := fmt.Sprintf("Source: %s\nURL: %s\n\nText:\n%s\n\nExtract factual claims/topics from this apologetics content.\nOutput JSON only, no other text.",
		name, url, sourceText)

	resp, err := client.Complete(ctx, llm.Request{
		Model:       autosuggestModel,
		System:      extractionPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: userMessage}},
		Temperature: autosuggestTemperature,
		MaxTokens:   autosuggestMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("autosuggest: extraction call: %w", err)
	}

	var parsed extraction
	if err := llm.ExtractInto(resp.Text, &parsed); err != nil {
		return nil, fmt.Errorf("autosuggest: parse extraction output: %w", err)
	}
	if len(parsed.Topics) > maxTopics {
		parsed.Topics = parsed.Topics[:maxTopics]
	}
	return parsed.Topics, nil
}

// enqueue adds extracted topics to the queue, skipping any the claim
// library or the queue itself already covers.
func (a *Autosuggest) enqueue(ctx context.Context, topics []extractedTopic, threshold float64) model.AutosuggestRunResult {
	result := model.AutosuggestRunResult{TotalProcessed: len(topics)}
	for _, t := range topics {
		text := strings.TrimSpace(t.TopicText)
		if text == "" {
			result.Failed++
			continue
		}
		if a.isDuplicate(ctx, text, threshold) {
			a.logger.Info("skipping duplicate topic", "topic", clipText(text, 80))
			result.SkippedDuplicates++
			continue
		}
		priority := t.EstimatedPriority
		if priority == 0 {
			priority = a.cfg.DefaultPriority
		}
		created, err := a.store.CreateTopic(ctx, model.TopicQueueEntry{
			TopicText: text,
			Priority:  model.ClampPriority(priority),
			Source:    "autosuggest",
		})
		if err != nil {
			a.logger.Warn("enqueue topic failed", "topic", clipText(text, 80), "error", err)
			result.Failed++
			continue
		}
		a.logger.Info("topic enqueued", "topic_id", created.ID, "priority", created.Priority)
		result.Added++
	}
	return result
}

// isDuplicate reports whether the topic is already covered, either by
// a claim card close enough in embedding space or by an identical
// topic already waiting in the queue. Both checks fail open: a flaky
// dedup should cost a duplicate topic, not a lost one.
func (a *Autosuggest) isDuplicate(ctx context.Context, text string, threshold float64) bool {
	exists, err := a.store.TopicTextExists(ctx, text)
	if err != nil {
		a.logger.Warn("queue dedup check failed", "error", err)
	} else if exists {
		return true
	}

	vec, err := a.embed.Embed(ctx, text)
	if err != nil {
		a.logger.Warn("dedup embedding failed", "error", err)
		return false
	}
	if embedding.IsZero(vec) {
		return false
	}
	results, err := a.store.SearchClaimsByEmbedding(ctx, vec, threshold, 1)
	if err != nil {
		a.logger.Warn("dedup search failed", "error", err)
		return false
	}
	if len(results) > 0 {
		a.logger.Info("found similar claim",
			"similarity", results[0].Similarity,
			"claim", clipText(results[0].Card.ClaimText, 80))
		return true
	}
	return false
}

// fetchContent searches the web for apologetics content to mine,
// concatenating the top results into one extraction input.
func (a *Autosuggest) fetchContent(ctx context.Context, query string) (string, error) {
	if a.cfg.TavilyAPIKey == "" {
		return "", fmt.Errorf("web search not configured")
	}
	body, err := json.Marshal(tavilySearch{
		APIKey:     a.cfg.TavilyAPIKey,
		Query:      query,
		MaxResults: fetchResults,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TavilyBaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	var out tavilySearchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Results) == 0 {
		return "", fmt.Errorf("no results for query %q", query)
	}

	var sb strings.Builder
	for _, r := range out.Results {
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		fmt.Fprintf(&sb, "## %s (%s)\n%s\n\n", r.Title, r.URL, r.Content)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("results for query %q carried no content", query)
	}
	return sb.String(), nil
}

type tavilySearch struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type tavilySearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type tavilySearchResponse struct {
	Results []tavilySearchResult `json:"results"`
}

// settings loads the persisted configuration, falling back to the
// boot-time defaults before an admin has saved anything.
func (a *Autosuggest) settings(ctx context.Context) model.AutosuggestSettings {
	st, err := a.store.GetAutosuggestSettings(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.logger.Warn("autosuggest settings unavailable, using defaults", "error", err)
		}
		return model.AutosuggestSettings{
			Enabled:             a.cfg.Enabled,
			TopicsPerRun:        a.cfg.TopicsPerRun,
			SimilarityThreshold: a.cfg.SimilarityThreshold,
		}
	}
	return st
}

func clipText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
