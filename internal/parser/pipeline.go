// Package parser turns a child process's raw output streams into ordered,
// decoded line events.
//
// Two-Layer Architecture:
//
//	Layer 1 (Readers): one ChunkReader per stream reads raw chunks, decodes
//	                   and repairs them, and feeds complete lines
//	Layer 2 (Consumer): a single fan-in loop receives every line in the order
//	                   its stream produced it
//
// Unlike a metrics pipeline, task output is the record of what the task did,
// so the pipeline never drops lines. A slow consumer applies backpressure to
// the readers, which in turn stalls the child on a full pipe.
package parser

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stream identifies which standard stream a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// String returns "stdout" or "stderr".
func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Line is one decoded output line, without its trailing newline.
type Line struct {
	Stream   Stream
	Text     string
	Time     time.Time
	Encoding string

	// Repaired is true when mixed-encoding repair changed the line.
	Repaired bool
}

// LineHandler consumes lines from a Pipeline.
type LineHandler interface {
	HandleLine(line Line)
}

// LineHandlerFunc adapts a function to LineHandler.
type LineHandlerFunc func(Line)

// HandleLine calls f(line).
func (f LineHandlerFunc) HandleLine(line Line) { f(line) }

// LineSource abstracts a producer of lines for a Pipeline.
//
// Lifecycle (MUST be followed by the executor):
//
//  1. source := NewChunkReader(...)
//  2. go source.Run()        // Start reading in goroutine
//  3. defer source.Close()   // Cleanup on exit
//
// The source is responsible for calling pipeline.SourceDone() on exit.
type LineSource interface {
	// Run reads until the stream is exhausted.
	// MUST call pipeline.SourceDone() on exit (via defer).
	Run()

	// Ready returns a channel that is closed when the source is reading.
	Ready() <-chan struct{}

	// Close stops the source. Safe to call multiple times.
	Close() error

	// Stats returns (bytesRead, linesRead, healthy).
	Stats() (bytesRead int64, linesRead int64, healthy bool)
}

// Pipeline fans in lines from a fixed number of sources onto one channel.
type Pipeline struct {
	taskKey    string
	bufferSize int

	lineChan  chan Line
	closeOnce sync.Once
	pending   sync.WaitGroup

	linesFed      int64
	linesHandled  int64
	linesRepaired int64
}

// NewPipeline creates a pipeline expecting the given number of sources.
// The line channel closes once every source has called SourceDone.
func NewPipeline(taskKey string, sources, bufferSize int) *Pipeline {
	if bufferSize < 1 {
		bufferSize = 256
	}

	p := &Pipeline{
		taskKey:    taskKey,
		bufferSize: bufferSize,
		lineChan:   make(chan Line, bufferSize),
	}

	if sources < 1 {
		p.CloseChannel()
		return p
	}

	p.pending.Add(sources)
	go func() {
		p.pending.Wait()
		p.CloseChannel()
	}()
	return p
}

// FeedLine queues a line, blocking while the channel is full.
func (p *Pipeline) FeedLine(line Line) {
	atomic.AddInt64(&p.linesFed, 1)
	if line.Repaired {
		atomic.AddInt64(&p.linesRepaired, 1)
	}
	p.lineChan <- line
}

// SourceDone marks one source as finished. It must be called exactly once
// per source passed to NewPipeline.
func (p *Pipeline) SourceDone() {
	p.pending.Done()
}

// CloseChannel closes the line channel, ending Run.
// Safe to call multiple times (idempotent via sync.Once).
func (p *Pipeline) CloseChannel() {
	p.closeOnce.Do(func() {
		close(p.lineChan)
	})
}

// Lines exposes the fan-in channel for callers that select on it.
func (p *Pipeline) Lines() <-chan Line {
	return p.lineChan
}

// Run is Layer 2: it hands every line to handler until all sources finish.
//
// MUST run in a dedicated goroutine or be the caller's fan-in loop.
func (p *Pipeline) Run(handler LineHandler) {
	for line := range p.lineChan {
		handler.HandleLine(line)
		atomic.AddInt64(&p.linesHandled, 1)
	}
}

// Stats returns pipeline counters.
//
// Returns:
//   - fed: lines queued by sources
//   - handled: lines delivered to the handler
//   - repaired: fed lines changed by mixed-encoding repair
func (p *Pipeline) Stats() (fed, handled, repaired int64) {
	return atomic.LoadInt64(&p.linesFed),
		atomic.LoadInt64(&p.linesHandled),
		atomic.LoadInt64(&p.linesRepaired)
}

// TaskKey returns the task this pipeline carries output for.
func (p *Pipeline) TaskKey() string {
	return p.taskKey
}
