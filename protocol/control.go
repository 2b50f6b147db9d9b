// Package protocol holds the wire contracts shared by the candidate client, the
// voice agent and the relay hub: the agent→client control events, the
// client→agent chat commands and the relay frame envelope.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType names one of the agent→client control events.
type EventType string

const (
	AgentSpeakingStarted  EventType = "agent_speaking_started"
	AgentSpeakingFinished EventType = "agent_speaking_finished"
	UserTurnOpen          EventType = "user_turn_open"
	AgentReady            EventType = "agent_ready"
)

// ControlEvent is a structured message the voice agent publishes on the
// control topic.
type ControlEvent struct {
	Type EventType `json:"type"`
}

// Valid reports whether t is one of the four known control events.
func (t EventType) Valid() bool {
	switch t {
	case AgentSpeakingStarted, AgentSpeakingFinished, UserTurnOpen, AgentReady:
		return true
	default:
		return false
	}
}

// DecodeControlEvent parses a control payload. Anything that is not a JSON
// object with a known string "type" yields ok=false; the shared channel may
// carry foreign traffic and it must never take the caller down.
func DecodeControlEvent(data []byte) (ControlEvent, bool) {
	if len(data) == 0 {
		return ControlEvent{}, false
	}
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ControlEvent{}, false
	}
	if envelope.Type == nil {
		return ControlEvent{}, false
	}
	typ := EventType(*envelope.Type)
	if !typ.Valid() {
		return ControlEvent{}, false
	}
	return ControlEvent{Type: typ}, true
}

// EncodeControlEvent serializes ev. Unknown types are refused so that every
// encoded payload decodes back to the same event.
func EncodeControlEvent(ev ControlEvent) ([]byte, error) {
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("unsupported control event type %q", ev.Type)
	}
	return json.Marshal(ev)
}
