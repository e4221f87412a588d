package stream

import "testing"

func TestExtract(t *testing.T) {
	cases := []struct {
		name    string
		frame   string
		kind    Kind
		content string
	}{
		{"text", `data: {"choices":[{"delta":{"content":"Hi"}}]}`, KindText, "Hi"},
		{"no space after prefix", `data:{"choices":[{"delta":{"content":" there"}}]}`, KindText, " there"},
		{"empty content", `data: {"choices":[{"delta":{"role":"assistant","content":""}}]}`, KindText, ""},
		{"done", "data: [DONE]", KindDone, ""},
		{"done padded", "data:   [DONE]  ", KindDone, ""},
		{"empty payload", "data:   ", KindUnparseable, ""},
		{"invalid json", "data: {not-json}", KindUnparseable, ""},
		{"metadata only", `data: {"usage":{"total_tokens":12},"choices":[]}`, KindUnparseable, ""},
		{"role only", `data: {"choices":[{"delta":{"role":"assistant"}}]}`, KindUnparseable, ""},
		{"error frame", `data: {"error":{"message":"overloaded"}}`, KindFailure, "overloaded"},
		{"error frame without message", `data: {"error":{"type":"server_error"}}`, KindFailure, "server_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Extract(tc.frame)
			if got.Kind != tc.kind {
				t.Fatalf("Extract(%q).Kind = %v, want %v", tc.frame, got.Kind, tc.kind)
			}
			if got.Content != tc.content {
				t.Fatalf("Extract(%q).Content = %q, want %q", tc.frame, got.Content, tc.content)
			}
			if got.Kind == KindUnparseable && got.Reason == "" {
				t.Fatalf("Extract(%q) unparseable without reason", tc.frame)
			}
		})
	}
}

func TestExtractFinishReason(t *testing.T) {
	got := Extract(`data: {"choices":[{"delta":{"content":"."},"finish_reason":"stop"}]}`)
	if got.FinishReason != "stop" {
		t.Fatalf("FinishReason = %q, want %q", got.FinishReason, "stop")
	}
}
