package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ent0n29/streamchat/internal/thinking"
	"github.com/ent0n29/streamchat/internal/upstream"
)

func capture() string {
	return upstream.TextFrame("<think>weigh it") +
		": keep-alive\n" +
		upstream.TextFrame("</think>") +
		upstream.TextFrame("Yes.") +
		"data: [DONE]\n\n" +
		upstream.TextFrame("ignored")
}

func lastSummary(t *testing.T, out string) replaySummary {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var s replaySummary
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &s); err != nil {
		t.Fatalf("decode summary %q: %v", lines[len(lines)-1], err)
	}
	return s
}

func TestReplayIsChunkSizeIndependent(t *testing.T) {
	want := thinking.Split{HasThinking: true, Thinking: "weigh it", Answer: "Yes.", ThinkingComplete: true}
	for _, size := range []int{1, 3, 7, 64, 4096} {
		var out bytes.Buffer
		if err := replay(strings.NewReader(capture()), &out, replayOptions{chunkSize: size}); err != nil {
			t.Fatalf("replay(chunk=%d) error = %v", size, err)
		}
		s := lastSummary(t, out.String())
		if s.Split != want {
			t.Fatalf("replay(chunk=%d) split = %+v, want %+v", size, s.Split, want)
		}
		if !s.Done || s.Frames["text"] != 3 {
			t.Fatalf("replay(chunk=%d) summary = %+v", size, s)
		}
	}
}

func TestReplaySnapshots(t *testing.T) {
	var out bytes.Buffer
	if err := replay(strings.NewReader(capture()), &out, replayOptions{chunkSize: 16, snapshots: true}); err != nil {
		t.Fatalf("replay() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 3 snapshots and a summary:\n%s", len(lines), out.String())
	}
	var first thinking.Split
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !first.HasThinking || first.ThinkingComplete || first.Thinking != "weigh it" {
		t.Fatalf("first snapshot = %+v", first)
	}
}

func TestReplayTrailingFrameWithoutNewline(t *testing.T) {
	in := upstream.TextFrame("hello") + `data: {"choices":[{"delta":{"content":" world"}}]}`
	var out bytes.Buffer
	if err := replay(strings.NewReader(in), &out, replayOptions{chunkSize: 5}); err != nil {
		t.Fatalf("replay() error = %v", err)
	}
	if s := lastSummary(t, out.String()); s.Split.Answer != "hello world" || s.Done {
		t.Fatalf("summary = %+v", s)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestReplayReadError(t *testing.T) {
	var out bytes.Buffer
	err := replay(failingReader{}, &out, replayOptions{chunkSize: 8})
	if err == nil || !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("replay() error = %v, want read error", err)
	}
	if err := replay(strings.NewReader(""), &out, replayOptions{}); err == nil {
		t.Fatalf("replay(chunk=0) error = nil, want error")
	}
}

func TestRootCommandReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.sse")
	if err := os.WriteFile(path, []byte(capture()), 0o600); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{path, "--chunk-size", "2"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if s := lastSummary(t, out.String()); s.Split.Answer != "Yes." {
		t.Fatalf("summary = %+v", s)
	}

	missing := newRootCmd(&out)
	missing.SetArgs([]string{filepath.Join(t.TempDir(), "absent")})
	missing.SetErr(&bytes.Buffer{})
	if err := missing.Execute(); err == nil {
		t.Fatalf("Execute(missing file) error = nil, want error")
	}
}
