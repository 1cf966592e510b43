// Command reembed backfills embeddings for claim cards stored without
// one. Cards end up embedding-less when the pipeline ran with the noop
// provider or when the embedding call failed after the card committed;
// such cards are invisible to semantic search until backfilled.
//
// Usage:
//
//	DATABASE_URL=postgres://... OPENAI_API_KEY=sk-... go run ./scripts/reembed
//
// The script embeds each card's claim text with the configured provider
// and writes the vector back. Safe to run multiple times — it only
// touches rows where embedding IS NULL, so a clean store reports 0
// updates and exits immediately.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/thereceipts/receipts/internal/config"
	"github.com/thereceipts/receipts/internal/service/embedding"
	"github.com/thereceipts/receipts/internal/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var embedder embedding.Provider
	switch {
	case cfg.OpenAIAPIKey != "":
		embedder = embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case cfg.EmbeddingProvider == "ollama":
		embedder = embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	default:
		return fmt.Errorf("no embedding provider configured (set OPENAI_API_KEY or RECEIPTS_EMBEDDING_PROVIDER=ollama)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	logger := storageLogger()
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close(ctx)

	rows, err := db.Pool().Query(ctx,
		`SELECT id, claim_text FROM claim_cards WHERE embedding IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	type pending struct {
		id   uuid.UUID
		text string
	}
	var cards []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.text); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		cards = append(cards, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}

	if len(cards) == 0 {
		fmt.Println("all claim cards have embeddings, nothing to do")
		return nil
	}
	fmt.Printf("backfilling %d claim cards\n", len(cards))

	var updated, failed int
	for _, c := range cards {
		vec, err := embedder.Embed(ctx, c.text)
		if err != nil {
			fmt.Fprintf(os.Stderr, "embed %s: %v\n", c.id, err)
			failed++
			continue
		}
		if err := db.UpsertClaimEmbedding(ctx, c.id, vec); err != nil {
			fmt.Fprintf(os.Stderr, "store %s: %v\n", c.id, err)
			failed++
			continue
		}
		updated++
	}

	fmt.Printf("done: %d updated, %d failed\n", updated, failed)
	if failed > 0 {
		return fmt.Errorf("%d cards failed to embed", failed)
	}
	return nil
}

func storageLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
