package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Canonical agent names. These key the agent_prompts table and appear in
// progress events and the agent_audit record.
const (
	AgentTopicFinder        = "topic_finder"
	AgentSourceChecker      = "source_checker"
	AgentAdversarialChecker = "adversarial_checker"
	AgentWriter             = "writing_agent"
	AgentPublisher          = "publisher"
	AgentRouter             = "router"
	AgentDecomposer         = "decomposer"
	AgentBlogComposer       = "blog_composer"
)

// LLM provider names accepted in agent_prompts.llm_provider.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// AgentPrompt is the hot-editable configuration for one agent: which
// provider and model to call and with what system prompt. Read from the
// store on every invocation, never cached for the process lifetime, so
// an admin edit takes effect on the very next call.
type AgentPrompt struct {
	ID           uuid.UUID `json:"id"`
	AgentName    string    `json:"agent_name"`
	LLMProvider  string    `json:"llm_provider"`
	ModelName    string    `json:"model_name"`
	SystemPrompt string    `json:"system_prompt"`
	Temperature  float32   `json:"temperature"`
	MaxTokens    int       `json:"max_tokens"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the fields an admin can set through the prompts endpoint.
func (p *AgentPrompt) Validate() error {
	if p.AgentName == "" {
		return fmt.Errorf("agent_name is required")
	}
	if p.LLMProvider != ProviderOpenAI && p.LLMProvider != ProviderAnthropic {
		return fmt.Errorf("llm_provider must be %q or %q (got %q)", ProviderOpenAI, ProviderAnthropic, p.LLMProvider)
	}
	if p.ModelName == "" {
		return fmt.Errorf("model_name is required")
	}
	if p.SystemPrompt == "" {
		return fmt.Errorf("system_prompt is required")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0, 2] (got %g)", p.Temperature)
	}
	if p.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive (got %d)", p.MaxTokens)
	}
	return nil
}
