package stream

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// FramePrefix marks a data frame; every other line is a comment or keep-alive.
const FramePrefix = "data:"

// FrameDecoder turns arbitrarily sized byte chunks into complete frame lines.
//
// Chunks may end inside a multi-byte character or inside a frame. Incomplete
// trailing byte sequences are held back and re-decoded with the next chunk,
// invalid bytes become U+FFFD, and only lines starting with FramePrefix are
// returned.
type FrameDecoder struct {
	decoder transform.Transformer

	pending      []byte
	buffer       strings.Builder
	replacements int
	finished     bool
}

func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{decoder: unicode.UTF8.NewDecoder()}
}

// Feed decodes chunk and returns every frame it completed, in arrival order.
func (d *FrameDecoder) Feed(chunk []byte) []string {
	if d.finished || len(chunk) == 0 {
		return nil
	}
	d.buffer.WriteString(d.decode(chunk, false))
	return d.drainLines()
}

// Finish flushes held-back bytes and returns the unterminated last frame, if
// any. Servers that omit the final newline rely on this.
func (d *FrameDecoder) Finish() (string, bool) {
	if d.finished {
		return "", false
	}
	d.finished = true
	if len(d.pending) > 0 {
		d.buffer.WriteString(d.decode(nil, true))
	}

	rest := strings.TrimSuffix(d.buffer.String(), "\r")
	d.buffer.Reset()
	if strings.TrimSpace(rest) == "" || !strings.HasPrefix(rest, FramePrefix) {
		return "", false
	}
	return rest, true
}

// Replacements reports how many U+FFFD runes the decoded text has carried so
// far. Each one is a recovered decode error or a literal replacement rune.
func (d *FrameDecoder) Replacements() int {
	return d.replacements
}

func (d *FrameDecoder) decode(chunk []byte, atEOF bool) string {
	src := make([]byte, 0, len(d.pending)+len(chunk))
	src = append(src, d.pending...)
	src = append(src, chunk...)
	d.pending = d.pending[:0]

	// Worst case every byte is invalid and expands to a 3-byte U+FFFD.
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	var out strings.Builder
	for len(src) > 0 {
		nDst, nSrc, err := d.decoder.Transform(dst, src, atEOF)
		out.Write(dst[:nDst])
		src = src[nSrc:]
		if err == nil {
			break
		}
		if errors.Is(err, transform.ErrShortSrc) {
			d.pending = append(d.pending, src...)
			break
		}
		if !errors.Is(err, transform.ErrShortDst) || (nDst == 0 && nSrc == 0) {
			// Not reachable with the UTF-8 decoder; drop the rest as a single
			// replacement instead of spinning.
			out.WriteRune(utf8.RuneError)
			break
		}
	}

	text := out.String()
	d.replacements += strings.Count(text, string(utf8.RuneError))
	return text
}

func (d *FrameDecoder) drainLines() []string {
	text := d.buffer.String()
	idx := strings.LastIndexByte(text, '\n')
	if idx < 0 {
		return nil
	}
	complete, rest := text[:idx], text[idx+1:]
	d.buffer.Reset()
	d.buffer.WriteString(rest)

	var frames []string
	for _, line := range strings.Split(complete, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, FramePrefix) {
			continue
		}
		frames = append(frames, line)
	}
	return frames
}
