package model

import "time"

// Progress event types published to the per-session bus during chat
// routing and pipeline runs. Delivered over the websocket at
// /ws/pipeline/{session_id}; dropped when nobody is subscribed.
const (
	EventContextAnalysisStarted = "context_analysis_started"
	EventRoutingStarted         = "routing_started"
	EventRoutingCompleted       = "routing_completed"
	EventRouterFallback         = "router_fallback"
	EventPipelineStarted        = "pipeline_started"
	EventAgentStarted           = "agent_started"
	EventAgentCompleted         = "agent_completed"
	EventPipelineCompleted      = "pipeline_completed"
	EventPipelineFailed         = "pipeline_failed"
	EventClaimCardReady         = "claim_card_ready"
)

// ProgressEvent is one message on a session's progress stream. Only the
// fields relevant to the event type are set; the rest marshal away.
type ProgressEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// agent_started / agent_completed
	AgentName  string `json:"agent_name,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Success    *bool  `json:"success,omitempty"`

	// routing_started / routing_completed / router_fallback
	Mode                   RoutingMode `json:"mode,omitempty"`
	ContextualizedQuestion string      `json:"contextualized_question,omitempty"`
	ResponseTimeMS         int64       `json:"response_time_ms,omitempty"`
	Reason                 string      `json:"reason,omitempty"`

	// pipeline_failed / agent_completed with Success=false
	Error string `json:"error,omitempty"`

	// claim_card_ready carries the fully assembled card
	ClaimCard *ClaimCard `json:"claim_card,omitempty"`
}

// NewProgressEvent stamps an event of the given type with the current time.
func NewProgressEvent(eventType string) ProgressEvent {
	return ProgressEvent{Type: eventType, Timestamp: time.Now().UTC()}
}
