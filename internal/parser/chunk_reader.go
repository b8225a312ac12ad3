package parser

import (
	"bytes"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-autorun/internal/decode"
)

const (
	// defaultChunkSize is the read size for one raw chunk.
	defaultChunkSize = 4096

	// maxPendingBytes bounds a line that never ends. Beyond it the
	// buffered bytes are decoded and emitted as a line.
	maxPendingBytes = 1024 * 1024
)

// ChunkReader reads raw chunks from a process stream (cmd.StdoutPipe or
// cmd.StderrPipe), decodes complete lines, repairs mixed encoding, and feeds
// them to a Pipeline. Implements LineSource.
//
// Chunks are cut at the last newline before decoding. No supported code
// page uses 0x0A inside a multi-byte sequence, so a cut never splits a
// character.
type ChunkReader struct {
	reader    io.Reader
	stream    Stream
	pipeline  *Pipeline
	readyChan chan struct{}
	closed    atomic.Bool
	now       func() time.Time
	chunkSize int

	bytesRead atomic.Int64
	linesRead atomic.Int64
}

// NewChunkReader creates a reader for one stream.
func NewChunkReader(r io.Reader, stream Stream, pipeline *Pipeline) *ChunkReader {
	cr := &ChunkReader{
		reader:    r,
		stream:    stream,
		pipeline:  pipeline,
		readyChan: make(chan struct{}),
		now:       time.Now,
		chunkSize: defaultChunkSize,
	}
	// Pipes are ready as soon as they exist.
	close(cr.readyChan)
	return cr
}

// Run reads until EOF or a read error. Implements LineSource.
// MUST call pipeline.SourceDone() on exit.
func (c *ChunkReader) Run() {
	defer c.pipeline.SourceDone()

	buf := make([]byte, c.chunkSize)
	var pending []byte

	for {
		n, err := c.reader.Read(buf)
		if n > 0 {
			c.bytesRead.Add(int64(n))
			pending = append(pending, buf[:n]...)

			if i := bytes.LastIndexByte(pending, '\n'); i >= 0 {
				c.emit(pending[:i+1])
				pending = append(pending[:0], pending[i+1:]...)
			} else if len(pending) >= maxPendingBytes {
				c.emit(pending)
				pending = pending[:0]
			}
		}
		if err != nil {
			break
		}
	}

	// Flush a final line without a trailing newline.
	if len(pending) > 0 {
		c.emit(pending)
	}
}

// emit decodes raw, repairs it, and feeds each line in order.
func (c *ChunkReader) emit(raw []byte) {
	chunk := decode.DecodeChunk(raw)
	repaired := decode.RepairMixedEncoding(chunk.Text)

	original := splitLines(chunk.Text)
	lines := splitLines(repaired)
	now := c.now()

	for i, text := range lines {
		c.linesRead.Add(1)
		c.pipeline.FeedLine(Line{
			Stream:   c.stream,
			Text:     text,
			Time:     now,
			Encoding: chunk.Encoding,
			Repaired: i < len(original) && original[i] != text,
		})
	}
}

// splitLines splits decoded text into lines, dropping the empty element
// after a trailing newline and any carriage return before it.
func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return []string{""}
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// Ready returns an already-closed channel. Implements LineSource.
func (c *ChunkReader) Ready() <-chan struct{} {
	return c.readyChan
}

// Close marks the reader as closed. The pipe itself is closed when the
// process exits. Implements LineSource.
func (c *ChunkReader) Close() error {
	c.closed.Store(true)
	return nil
}

// Stats returns (bytesRead, linesRead, healthy). Implements LineSource.
func (c *ChunkReader) Stats() (bytesRead int64, linesRead int64, healthy bool) {
	return c.bytesRead.Load(),
		c.linesRead.Load(),
		!c.closed.Load()
}

var _ LineSource = (*ChunkReader)(nil)
