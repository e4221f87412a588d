package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ScriptedClient replays canned chunks. It backs the mock upstream mode and
// the orchestrator tests.
type ScriptedClient struct {
	// Script builds the chunks for a request. Nil uses EchoScript.
	Script func(req Request) [][]byte
	// Delay is slept before each chunk.
	Delay time.Duration
	// Err, when set, is returned by Read after the last chunk instead of EOF.
	Err error
	// Hang blocks after the last chunk until the body is closed.
	Hang bool
	// OpenErr fails Open itself.
	OpenErr error

	mu    sync.Mutex
	opens int
}

func (c *ScriptedClient) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	c.mu.Lock()
	c.opens++
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	script := c.Script
	if script == nil {
		script = EchoScript
	}
	return &scriptedBody{
		chunks: script(req),
		delay:  c.Delay,
		err:    c.Err,
		hang:   c.Hang,
		closed: make(chan struct{}),
	}, nil
}

// Opens reports how many streams were opened.
func (c *ScriptedClient) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Chunks turns literal strings into a chunk script.
func Chunks(parts ...string) func(Request) [][]byte {
	return func(Request) [][]byte {
		out := make([][]byte, 0, len(parts))
		for _, p := range parts {
			out = append(out, []byte(p))
		}
		return out
	}
}

// TextFrame renders one SSE data frame carrying content as a delta.
func TextFrame(content string) string {
	raw, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]string{"content": content}}},
	})
	return "data: " + string(raw) + "\n\n"
}

// EchoScript answers with a short reasoning block and an echo of the last
// user message, one word per frame.
func EchoScript(req Request) [][]byte {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if last == "" {
		last = "nothing"
	}

	var out [][]byte
	out = append(out, []byte(TextFrame("<think>")))
	out = append(out, []byte(TextFrame(fmt.Sprintf("The user said %d words.", len(strings.Fields(last))))))
	out = append(out, []byte(TextFrame("</think>")))
	for i, w := range strings.Fields("You said: " + last) {
		if i > 0 {
			w = " " + w
		}
		out = append(out, []byte(TextFrame(w)))
	}
	out = append(out, []byte("data: [DONE]\n\n"))
	return out
}

type scriptedBody struct {
	chunks [][]byte
	delay  time.Duration
	err    error
	hang   bool

	pending   []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	if len(b.pending) == 0 {
		if len(b.chunks) == 0 {
			return b.end()
		}
		if b.delay > 0 {
			timer := time.NewTimer(b.delay)
			select {
			case <-b.closed:
				timer.Stop()
				return 0, io.ErrClosedPipe
			case <-timer.C:
			}
		}
		b.pending, b.chunks = b.chunks[0], b.chunks[1:]
	}
	select {
	case <-b.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (b *scriptedBody) end() (int, error) {
	if b.hang {
		<-b.closed
		return 0, io.ErrClosedPipe
	}
	if b.err != nil {
		return 0, b.err
	}
	return 0, io.EOF
}

func (b *scriptedBody) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}
