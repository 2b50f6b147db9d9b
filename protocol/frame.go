package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Relay topics. Audio travels as binary websocket messages and has no topic.
const (
	TopicControl    = "control"
	TopicChat       = "chat"
	TopicTranscript = "transcript"
	TopicTrack      = "track"
)

// Track notices sent on TopicTrack when the candidate microphone changes.
const (
	TrackPublished   = "audio_published"
	TrackUnpublished = "audio_unpublished"
)

// Frame is the text envelope relayed between room participants.
type Frame struct {
	Topic string `json:"topic"`
	Data  string `json:"data"`
}

func EncodeFrame(topic, data string) ([]byte, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("frame topic is required")
	}
	return json.Marshal(Frame{Topic: topic, Data: data})
}

func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	if strings.TrimSpace(f.Topic) == "" {
		return Frame{}, fmt.Errorf("frame topic is required")
	}
	return f, nil
}
