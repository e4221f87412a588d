package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DoneSentinel is the payload that ends a stream regardless of transport state.
const DoneSentinel = "[DONE]"

type Kind int

const (
	KindUnparseable Kind = iota
	KindText
	KindDone
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindDone:
		return "done"
	case KindFailure:
		return "failure"
	default:
		return "unparseable"
	}
}

// Delta is the interpretation of a single frame.
type Delta struct {
	Kind Kind
	// Content is the incremental text for KindText and the upstream message
	// for KindFailure.
	Content      string
	FinishReason string
	// Reason explains a KindUnparseable result for logging.
	Reason string
}

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Extract parses a frame line into a Delta. It never fails: anything it cannot
// interpret is reported as KindUnparseable so the stream can continue.
func Extract(frame string) Delta {
	payload := strings.TrimSpace(strings.TrimPrefix(frame, FramePrefix))
	if payload == "" {
		return Delta{Kind: KindUnparseable, Reason: "empty payload"}
	}
	if payload == DoneSentinel {
		return Delta{Kind: KindDone}
	}

	var chunk completionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return Delta{Kind: KindUnparseable, Reason: fmt.Sprintf("decode payload: %v", err)}
	}
	if chunk.Error != nil {
		msg := strings.TrimSpace(chunk.Error.Message)
		if msg == "" {
			msg = strings.TrimSpace(chunk.Error.Type)
		}
		if msg == "" {
			msg = "upstream error"
		}
		return Delta{Kind: KindFailure, Content: msg}
	}
	if len(chunk.Choices) == 0 {
		return Delta{Kind: KindUnparseable, Reason: "no choices"}
	}

	choice := chunk.Choices[0]
	if choice.Delta.Content == nil {
		return Delta{Kind: KindUnparseable, Reason: "no delta content"}
	}
	d := Delta{Kind: KindText, Content: *choice.Delta.Content}
	if choice.FinishReason != nil {
		d.FinishReason = *choice.FinishReason
	}
	return d
}
