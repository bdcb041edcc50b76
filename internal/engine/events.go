package engine

import "nhutbot/internal/models"

// EventType names a state change observers can react to.
type EventType string

const (
	EventTurnStarted    EventType = "turn_started"
	EventMessageUpdated EventType = "message_updated"
	EventTurnCompleted  EventType = "turn_completed"
	EventTurnFailed     EventType = "turn_failed"
	EventSessionChanged EventType = "session_changed"
)

// Event is delivered synchronously to every observer. Message is a copy.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Message   *models.Message `json:"message,omitempty"`
	Searching bool            `json:"searching,omitempty"`
	Err       error           `json:"-"`
}

// Observer receives engine events. It must not call back into the engine.
type Observer func(Event)
