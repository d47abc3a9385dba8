package domain

import "time"

type EventType string

const (
	EventRequestAccepted EventType = "request_accepted"
	EventStageStarted    EventType = "stage_started"
	EventStageFinished   EventType = "stage_finished"
	EventRequestTerminal EventType = "request_terminal"
)

// StatusEvent is a fire-and-forget status change notification for
// reporters (websocket dashboard, MQTT). Delivery failures never affect
// orchestration.
type StatusEvent struct {
	Type      EventType     `json:"type"`
	RequestID string        `json:"request_id"`
	TargetID  string        `json:"target_id"`
	Stage     ArtifactKind  `json:"stage,omitempty"`
	Status    RequestStatus `json:"status,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	At        time.Time     `json:"at"`
}
