package engine

import (
	"bufio"
	"io"

	"github.com/stepflow/stepflow/model"
)

// line is one unit of child output on its way to the state machine.
type line struct {
	stream    model.Stream
	text      string
	truncated bool
}

// readLines scans one child pipe and delivers lines to the bounded
// ingest channel. A line longer than maxLineBytes is split: each part
// is preserved in order and every part except the last carries
// truncated=true. The channel send blocks when the engine falls
// behind, which is the back-pressure that keeps log history lossless.
func readLines(r io.Reader, stream model.Stream, maxLineBytes int, out chan<- line) error {
	if maxLineBytes < 16 {
		maxLineBytes = 16
	}
	// ReadLine hands back at most one buffer's worth and flags the
	// overflow with isPrefix, which is exactly the split-and-mark
	// behavior the log history wants.
	br := bufio.NewReaderSize(r, maxLineBytes)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		out <- line{stream: stream, text: string(chunk), truncated: isPrefix}
	}
}
