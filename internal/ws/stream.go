package ws

import (
	"encoding/json"

	"github.com/omdev04/nodepilot/internal/orchestrator"
)

// Stream adapts the hub to the orchestrator's event publisher.
type Stream struct {
	hub *Hub
}

// NewStream wraps a hub for lifecycle event delivery.
func NewStream(hub *Hub) *Stream {
	return &Stream{hub: hub}
}

// Publish marshals the event and fans it out to the project's subscribers.
func (s *Stream) Publish(event orchestrator.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.hub.Broadcast(event.Slug, payload)
}
