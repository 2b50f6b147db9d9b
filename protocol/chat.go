package protocol

import "strings"

// Chat commands are plain strings. The prefix is the whole contract: the
// agent matches on it and treats the remainder as opaque text.
const (
	ReadQuestionPrefix = "Please read this interview question aloud exactly as written: "
	SubmitAnswerPrefix = "SUBMIT_ANSWER:"
)

type ChatKind int

const (
	ChatReadQuestion ChatKind = iota + 1
	ChatSubmitAnswer
)

// ChatCommand is the agent-side view of a chat message.
type ChatCommand struct {
	Kind ChatKind
	// Body is the suffix after the prefix, byte for byte.
	Body string
}

func ReadQuestionMessage(question string) string {
	return ReadQuestionPrefix + question
}

func SubmitAnswerMessage(answer string) string {
	return SubmitAnswerPrefix + answer
}

// ParseChatMessage recognises the two client commands. Messages without a
// known prefix are not commands.
func ParseChatMessage(msg string) (ChatCommand, bool) {
	switch {
	case strings.HasPrefix(msg, ReadQuestionPrefix):
		return ChatCommand{Kind: ChatReadQuestion, Body: strings.TrimPrefix(msg, ReadQuestionPrefix)}, true
	case strings.HasPrefix(msg, SubmitAnswerPrefix):
		return ChatCommand{Kind: ChatSubmitAnswer, Body: strings.TrimPrefix(msg, SubmitAnswerPrefix)}, true
	default:
		return ChatCommand{}, false
	}
}
