package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pgvector/pgvector-go"
)

func TestOpenAIProvider(t *testing.T) {
	// Fixture server implementing the embeddings endpoint.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		type datum struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		resp := struct {
			Object string  `json:"object"`
			Data   []datum `json:"data"`
			Model  string  `json:"model"`
		}{Object: "list", Model: req.Model}

		// Return embeddings in reverse order to exercise index handling.
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, 1536)
			vec[0] = float32(i + 1)
			resp.Data = append(resp.Data, datum{Object: "embedding", Embedding: vec, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, "text-embedding-ada-002", 1536)

	t.Run("dimensions", func(t *testing.T) {
		if p.Dimensions() != 1536 {
			t.Errorf("expected 1536, got %d", p.Dimensions())
		}
	})

	t.Run("embed single", func(t *testing.T) {
		vec, err := p.Embed(context.Background(), "was the Comma Johanneum original")
		if err != nil {
			t.Fatal(err)
		}
		if got := len(vec.Slice()); got != 1536 {
			t.Errorf("expected 1536-dim vector, got %d", got)
		}
	})

	t.Run("embed batch preserves input order", func(t *testing.T) {
		vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
		if err != nil {
			t.Fatal(err)
		}
		if len(vecs) != 3 {
			t.Fatalf("expected 3 vectors, got %d", len(vecs))
		}
		for i, vec := range vecs {
			if vec.Slice()[0] != float32(i+1) {
				t.Errorf("vector %d out of order: first element %f", i, vec.Slice()[0])
			}
		}
	})

	t.Run("embed batch empty", func(t *testing.T) {
		vecs, err := p.EmbedBatch(context.Background(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if vecs != nil {
			t.Errorf("expected nil, got %v", vecs)
		}
	})
}

func TestOpenAIProviderDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"object": "embedding", "embedding": make([]float32, 8), "index": 0},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, "text-embedding-ada-002", 1536)
	if _, err := p.Embed(context.Background(), "test"); err == nil {
		t.Error("expected error for wrong dimensionality, got nil")
	}
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(1536)
	vec, err := p.Embed(context.Background(), "anything")
	if err != nil {
		t.Fatal(err)
	}
	if !IsZero(vec) {
		t.Error("noop provider should return a zero vector")
	}
}

func TestIsZero(t *testing.T) {
	if !IsZero(pgvector.NewVector(make([]float32, 4))) {
		t.Error("all-zero vector should report zero")
	}
	if IsZero(pgvector.NewVector([]float32{0, 0.1, 0})) {
		t.Error("non-zero vector should not report zero")
	}
}
