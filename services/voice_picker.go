package services

import (
	"crypto/sha1"
	"encoding/binary"
	"strings"
)

// Interviewer voices the agent can speak with. The agent maps these names to
// its own synthesis backend.
var interviewerVoices = []string{
	"aria",
	"sol",
	"juniper",
	"ember",
	"cove",
	"breeze",
}

// PickVoice returns a stable interviewer voice for seed so a candidate who
// reconnects hears the same interviewer.
func PickVoice(seed string) string {
	if len(interviewerVoices) == 0 {
		return ""
	}
	h := sha1.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(seed))))
	sum := h.Sum(nil)
	idx := binary.BigEndian.Uint16(sum) % uint16(len(interviewerVoices))
	return interviewerVoices[idx]
}
