package models

import "time"

// DeadLetter is a message the consumer could not reconcile. It is persisted so
// an operator can inspect and replay it; it is never read by the workflows.
type DeadLetter struct {
	ID         string            `json:"id"`
	EventType  string            `json:"event_type,omitempty"`
	InstanceID string            `json:"instance_id,omitempty"`
	RoutingKey string            `json:"routing_key"`
	Body       []byte            `json:"body"`
	Error      string            `json:"error"`
	Attempts   int64             `json:"attempts"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Headers    map[string]string `json:"headers,omitempty"`
}
