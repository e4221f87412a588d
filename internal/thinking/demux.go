// Package thinking separates the reasoning segment of an assistant reply from
// its final answer.
//
// The reasoning channel is carried in-band, bracketed by StartTag and EndTag.
// Classify is a pure function of the accumulated text, so the same split is
// produced live while streaming and later when stored content is replayed.
package thinking

import "strings"

const (
	StartTag = "<think>"
	EndTag   = "</think>"
)

// Split is the classification of an accumulated reply.
type Split struct {
	HasThinking      bool   `json:"has_thinking"`
	Thinking         string `json:"thinking"`
	Answer           string `json:"answer"`
	ThinkingComplete bool   `json:"thinking_complete"`
}

// Classify splits text into thinking and answer segments. Only the first
// StartTag and the first EndTag after it are honored; tags appearing later in
// the answer are literal text.
func Classify(text string) Split {
	start := strings.Index(text, StartTag)
	if start < 0 {
		return Split{Answer: text}
	}

	body := text[start+len(StartTag):]
	end := strings.Index(body, EndTag)
	if end < 0 {
		return Split{
			HasThinking: true,
			Thinking:    strings.TrimSpace(body),
		}
	}

	return Split{
		HasThinking:      true,
		Thinking:         strings.TrimSpace(body[:end]),
		Answer:           strings.TrimSpace(text[:start] + body[end+len(EndTag):]),
		ThinkingComplete: true,
	}
}
