package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/streamchat/internal/stream"
	"github.com/ent0n29/streamchat/internal/thinking"
)

type replayOptions struct {
	chunkSize int
	snapshots bool
}

type replaySummary struct {
	Frames       map[string]int `json:"frames"`
	Replacements int            `json:"replacements"`
	Failure      string         `json:"failure,omitempty"`
	Done         bool           `json:"done"`
	Split        thinking.Split `json:"split"`
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := replayOptions{}
	cmd := &cobra.Command{
		Use:   "streamreplay <capture-file>",
		Short: "Replay a captured chat-completion stream through the decoder and thinking demux",
		Long: `streamreplay feeds a captured SSE response body through the frame decoder,
delta extractor and thinking/answer demux in fixed-size chunks, then prints
the final split. Use "-" to read the capture from stdin.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open capture: %w", err)
				}
				defer f.Close()
				in = f
			}
			return replay(in, out, opts)
		},
	}
	cmd.Flags().IntVar(&opts.chunkSize, "chunk-size", 64, "bytes fed to the decoder per read")
	cmd.Flags().BoolVar(&opts.snapshots, "snapshots", false, "print a snapshot after every text delta")
	return cmd
}

func replay(in io.Reader, out io.Writer, opts replayOptions) error {
	if opts.chunkSize <= 0 {
		return fmt.Errorf("chunk size must be > 0, got %d", opts.chunkSize)
	}
	enc := json.NewEncoder(out)
	pipeline := stream.NewPipeline()
	summary := replaySummary{Frames: map[string]int{}}
	var acc strings.Builder

	// apply reports whether the stream is finished.
	apply := func(deltas []stream.Delta) (bool, error) {
		for _, d := range deltas {
			summary.Frames[d.Kind.String()]++
			switch d.Kind {
			case stream.KindText:
				if d.Content == "" {
					continue
				}
				acc.WriteString(d.Content)
				if opts.snapshots {
					if err := enc.Encode(thinking.Classify(acc.String())); err != nil {
						return true, err
					}
				}
			case stream.KindDone:
				summary.Done = true
				return true, nil
			case stream.KindFailure:
				summary.Failure = d.Content
				return true, nil
			}
		}
		return false, nil
	}

	buf := make([]byte, opts.chunkSize)
	finished := false
	for !finished {
		n, err := in.Read(buf)
		if n > 0 {
			var aerr error
			if finished, aerr = apply(pipeline.Feed(buf[:n])); aerr != nil {
				return aerr
			}
		}
		if errors.Is(err, io.EOF) {
			if !finished {
				if _, aerr := apply(pipeline.Finish()); aerr != nil {
					return aerr
				}
			}
			break
		}
		if err != nil {
			return fmt.Errorf("read capture: %w", err)
		}
	}

	summary.Replacements = pipeline.Replacements()
	summary.Split = thinking.Classify(acc.String())
	return enc.Encode(summary)
}
