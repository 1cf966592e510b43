package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/thereceipts/receipts/internal/model"
)

// GetAgentPrompt loads the configuration row for one agent. Agents call
// this on every invocation so admin edits apply to the next call.
func (db *DB) GetAgentPrompt(ctx context.Context, agentName string) (model.AgentPrompt, error) {
	var p model.AgentPrompt
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_name, llm_provider, model_name, system_prompt, temperature, max_tokens, created_at, updated_at
		 FROM agent_prompts WHERE agent_name = $1`, agentName,
	).Scan(
		&p.ID, &p.AgentName, &p.LLMProvider, &p.ModelName, &p.SystemPrompt,
		&p.Temperature, &p.MaxTokens, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentPrompt{}, fmt.Errorf("storage: agent prompt %q: %w", agentName, ErrNotFound)
		}
		return model.AgentPrompt{}, fmt.Errorf("storage: get agent prompt: %w", err)
	}
	return p, nil
}

// ListAgentPrompts returns all agent configurations, alphabetically.
func (db *DB) ListAgentPrompts(ctx context.Context) ([]model.AgentPrompt, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_name, llm_provider, model_name, system_prompt, temperature, max_tokens, created_at, updated_at
		 FROM agent_prompts ORDER BY agent_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent prompts: %w", err)
	}
	defer rows.Close()

	var prompts []model.AgentPrompt
	for rows.Next() {
		var p model.AgentPrompt
		if err := rows.Scan(
			&p.ID, &p.AgentName, &p.LLMProvider, &p.ModelName, &p.SystemPrompt,
			&p.Temperature, &p.MaxTokens, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan agent prompt: %w", err)
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// UpdateAgentPrompt replaces the editable fields of one agent's
// configuration and returns the updated row.
func (db *DB) UpdateAgentPrompt(ctx context.Context, p model.AgentPrompt) (model.AgentPrompt, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE agent_prompts SET
		 llm_provider = $2,
		 model_name = $3,
		 system_prompt = $4,
		 temperature = $5,
		 max_tokens = $6,
		 updated_at = now()
		 WHERE agent_name = $1
		 RETURNING id, agent_name, llm_provider, model_name, system_prompt, temperature, max_tokens, created_at, updated_at`,
		p.AgentName, p.LLMProvider, p.ModelName, p.SystemPrompt, p.Temperature, p.MaxTokens,
	)
	var out model.AgentPrompt
	err := row.Scan(
		&out.ID, &out.AgentName, &out.LLMProvider, &out.ModelName, &out.SystemPrompt,
		&out.Temperature, &out.MaxTokens, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentPrompt{}, fmt.Errorf("storage: agent prompt %q: %w", p.AgentName, ErrNotFound)
		}
		return model.AgentPrompt{}, fmt.Errorf("storage: update agent prompt: %w", err)
	}
	return out, nil
}

// SeedAgentPrompts inserts default configurations for agents that do not
// have a row yet. Existing rows are left untouched, so admin edits
// survive restarts. Returns the number of rows inserted.
func (db *DB) SeedAgentPrompts(ctx context.Context, defaults []model.AgentPrompt) (int, error) {
	inserted := 0
	now := time.Now().UTC()
	for _, p := range defaults {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		tag, err := db.pool.Exec(ctx,
			`INSERT INTO agent_prompts (id, agent_name, llm_provider, model_name, system_prompt,
			 temperature, max_tokens, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (agent_name) DO NOTHING`,
			p.ID, p.AgentName, p.LLMProvider, p.ModelName, p.SystemPrompt,
			p.Temperature, p.MaxTokens, now, now,
		)
		if err != nil {
			return inserted, fmt.Errorf("storage: seed agent prompt %q: %w", p.AgentName, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}
