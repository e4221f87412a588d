package stream

// Pipeline chains a FrameDecoder with Extract.
type Pipeline struct {
	decoder *FrameDecoder
}

func NewPipeline() *Pipeline {
	return &Pipeline{decoder: NewFrameDecoder()}
}

func (p *Pipeline) Feed(chunk []byte) []Delta {
	return extractAll(p.decoder.Feed(chunk))
}

func (p *Pipeline) Finish() []Delta {
	frame, ok := p.decoder.Finish()
	if !ok {
		return nil
	}
	return []Delta{Extract(frame)}
}

func (p *Pipeline) Replacements() int {
	return p.decoder.Replacements()
}

func extractAll(frames []string) []Delta {
	if len(frames) == 0 {
		return nil
	}
	out := make([]Delta, 0, len(frames))
	for _, f := range frames {
		out = append(out, Extract(f))
	}
	return out
}
