package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Topics. The bus is a delivery transport only; no component consults it
// for state.
const (
	TopicJobEvents      = "job-events"
	TopicPipelineEvents = "pipeline-events"
	TopicCommands       = "commands"
)

// Job event types.
const (
	EventJobDispatched = "JOB_DISPATCHED"
	EventJobCompleted  = "JOB_COMPLETED"
	EventJobFailed     = "JOB_FAILED"
	EventJobCancelled  = "JOB_CANCELLED"
)

// Pipeline event types.
const (
	EventWorkflowStarted   = "WORKFLOW_STARTED"
	EventWorkflowCompleted = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    = "WORKFLOW_FAILED"
	EventSceneSkipped      = "SCENE_SKIPPED"
	EventFullState         = "FULL_STATE"
)

// Message is the wire envelope for every topic. Payload shape depends on
// Type; Timestamp is ISO-8601.
type Message struct {
	Type      string         `json:"type"`
	ProjectID string         `json:"projectId"`
	CommandID string         `json:"commandId,omitempty"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func NewMessage(eventType, projectID string, payload map[string]any) Message {
	return Message{
		Type:      eventType,
		ProjectID: projectID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}
}

func JobEvent(eventType string, projectID, jobID string) Message {
	return NewMessage(eventType, projectID, map[string]any{"jobId": jobID})
}

// PayloadString reads a string field out of the payload, tolerating absent
// keys.
func (m Message) PayloadString(key string) string {
	if m.Payload == nil {
		return ""
	}
	if v, ok := m.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (m Message) Encode() ([]byte, error) { return json.Marshal(m) }

// Handler processes one delivered message. The subscription acknowledges
// only after the handler returns, so delivery is at least once and handlers
// must be idempotent.
type Handler func(ctx context.Context, msg Message) error

// Bus is the publish/subscribe transport shared by the coordinator, workers
// and monitor. Subscriptions filter on message type attributes.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string, types []string, h Handler) error
	Close() error
}
