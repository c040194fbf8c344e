// Package pipeline wires capture to transcription: a capture loop that blocks
// only on device reads, a transmit loop that blocks only on network I/O, and
// a bounded chunk queue between them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/duboc/mic-transcriber/internal/audio"
	"github.com/duboc/mic-transcriber/internal/metrics"
	"github.com/duboc/mic-transcriber/internal/reconcile"
	"github.com/duboc/mic-transcriber/internal/transcriber"
)

// Reporter renders reconciled lines and the final transcript.
type Reporter interface {
	Update(line reconcile.Line)
	Flush(history []reconcile.Line)
}

// FinalSink receives finalized lines in addition to the console (optional).
type FinalSink interface {
	PublishFinal(ctx context.Context, line reconcile.Line)
}

// Config tunes queueing and retry behavior.
type Config struct {
	QueueDepth int
	// DropOldest selects continuous-mode backpressure: when the transmit
	// side falls behind, the oldest unsent chunk is discarded with a logged
	// warning. Chunked mode blocks the producer instead.
	DropOldest             bool
	MaxRetries             int
	MaxConsecutiveFailures int
	RequestTimeout         time.Duration
}

// Pipeline owns the capture and transmit flows for one session.
type Pipeline struct {
	config     Config
	source     audio.Source
	buffer     *audio.ChunkBuffer
	batch      transcriber.ChunkTranscriber
	stream     transcriber.StreamTranscriber
	reconciler *reconcile.Reconciler
	reporter   Reporter
	metrics    *metrics.SessionMetrics
	sink       FinalSink
}

// NewBatch builds a pipeline around a per-chunk transcriber.
func NewBatch(config Config, source audio.Source, buffer *audio.ChunkBuffer,
	t transcriber.ChunkTranscriber, rec *reconcile.Reconciler, rep Reporter,
	m *metrics.SessionMetrics, sink FinalSink) *Pipeline {
	return &Pipeline{
		config:     config,
		source:     source,
		buffer:     buffer,
		batch:      t,
		reconciler: rec,
		reporter:   rep,
		metrics:    m,
		sink:       sink,
	}
}

// NewStream builds a pipeline around a continuous transcriber.
func NewStream(config Config, source audio.Source,
	t transcriber.StreamTranscriber, rec *reconcile.Reconciler, rep Reporter,
	m *metrics.SessionMetrics, sink FinalSink) *Pipeline {
	return &Pipeline{
		config:     config,
		source:     source,
		stream:     t,
		reconciler: rec,
		reporter:   rep,
		metrics:    m,
		sink:       sink,
	}
}

// Run drives the session until the source ends, the context is canceled, or
// an unrecoverable provider error occurs. It always flushes the reconciled
// final transcript before returning.
func (p *Pipeline) Run(ctx context.Context) error {
	// Closing the source is what unblocks a pending device read, so the
	// capture loop never has to select around a blocking Read.
	watchdone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.source.Close()
		case <-watchdone:
		}
	}()
	defer close(watchdone)
	defer p.source.Close()

	var err error
	if p.stream != nil {
		err = p.runStream(ctx)
	} else {
		err = p.runBatch(ctx)
	}

	p.reporter.Flush(p.reconciler.History())
	return err
}

// --- batch mode ---

func (p *Pipeline) runBatch(ctx context.Context) error {
	chunks := make(chan *audio.Chunk, p.config.QueueDepth)
	go p.captureChunks(ctx, chunks)
	return p.transmitChunks(ctx, chunks)
}

// captureChunks reads frames, assembles chunks, and hands them to the
// transmit side. On EOF or interrupt it flushes a final partial chunk so the
// last seconds of speech are not lost.
func (p *Pipeline) captureChunks(ctx context.Context, chunks chan *audio.Chunk) {
	defer close(chunks)

	for {
		frame, err := p.source.Read()
		if err != nil {
			if !errors.Is(err, audio.ErrSourceClosed) {
				log.Printf("Capture read failed, skipping frame: %v", err)
				continue
			}
			if partial := p.buffer.Flush(); partial != nil {
				p.enqueue(ctx, chunks, partial)
			}
			return
		}

		p.metrics.AddAudioBytes(len(frame.Data))
		if chunk := p.buffer.Append(frame); chunk != nil {
			if !p.enqueue(ctx, chunks, chunk) {
				return
			}
		}
	}
}

// enqueue applies the configured backpressure policy. It reports false when
// the context is done and the chunk could not be handed off.
func (p *Pipeline) enqueue(ctx context.Context, chunks chan *audio.Chunk, chunk *audio.Chunk) bool {
	p.metrics.ChunkEmitted()

	if !p.config.DropOldest {
		// Chunked mode: block the producer until the transmit side
		// catches up.
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		default:
		}
		// Staleness matters more than completeness in continuous mode:
		// shed the oldest unsent chunk to make room. The transmit side may
		// race us for it, which is fine either way.
		select {
		case old := <-chunks:
			log.Printf("Transmit backlog full, dropping chunk %d", old.ID)
			p.metrics.ChunkDropped()
		default:
		}
	}
}

func (p *Pipeline) transmitChunks(ctx context.Context, chunks <-chan *audio.Chunk) error {
	consecutive := 0

	for chunk := range chunks {
		if ctx.Err() != nil {
			// Interrupt: the remaining backlog is discarded, nothing new
			// is sent.
			return nil
		}

		text, err := p.transcribeWithRetry(ctx, chunk)
		if err != nil {
			if errors.Is(err, transcriber.ErrUnauthenticated) {
				return fmt.Errorf("authentication failed: %w", err)
			}
			if ctx.Err() != nil {
				return nil
			}
			consecutive++
			p.metrics.ChunkFailed()
			log.Printf("Dropping chunk %d after %d attempts: %v", chunk.ID, p.config.MaxRetries+1, err)
			if consecutive >= p.config.MaxConsecutiveFailures {
				return fmt.Errorf("%d consecutive chunks failed, giving up: %w", consecutive, err)
			}
			continue
		}

		consecutive = 0
		if text == "" {
			continue // silent chunk
		}
		p.deliver(ctx, transcriber.Event{ChunkID: chunk.ID, Text: text, IsFinal: true})
	}
	return nil
}

// transcribeWithRetry resubmits a chunk on transient failures with
// exponential backoff, bounded by MaxRetries.
func (p *Pipeline) transcribeWithRetry(ctx context.Context, chunk *audio.Chunk) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
		text, err := p.batch.Transcribe(reqCtx, chunk)
		cancel()
		if err == nil {
			return text, nil
		}

		lastErr = err
		if !transcriber.Retryable(err) || ctx.Err() != nil {
			break
		}
		log.Printf("Chunk %d attempt %d failed: %v", chunk.ID, attempt+1, err)
	}

	return "", lastErr
}

// --- stream mode ---

func (p *Pipeline) runStream(ctx context.Context) error {
	captureDone := make(chan struct{})

	go func() {
		defer close(captureDone)
		for {
			frame, err := p.source.Read()
			if err != nil {
				if !errors.Is(err, audio.ErrSourceClosed) {
					log.Printf("Capture read failed, skipping frame: %v", err)
					continue
				}
				return
			}
			p.metrics.AddAudioBytes(len(frame.Data))
			if err := p.stream.ProcessAudio(frame.Data); err != nil {
				log.Printf("Failed to forward audio: %v", err)
			}
		}
	}()

	// Half-close once capture ends so the provider flushes pending finals
	// and its results channel closes.
	go func() {
		<-captureDone
		p.stream.Close()
	}()

	// Events are assigned utterance ids here: interim events share the
	// current id, each final event settles it and advances to the next.
	currentID := uint64(1)
	for event := range p.stream.Results() {
		if ctx.Err() != nil {
			// Interrupt: in-flight interim text is discarded, never
			// promoted to final.
			continue
		}
		event.ChunkID = currentID
		if event.IsFinal {
			currentID++
		}
		p.deliver(ctx, event)
	}

	<-captureDone
	return nil
}

// deliver folds an event through the reconciler and fans out the result.
func (p *Pipeline) deliver(ctx context.Context, event transcriber.Event) {
	line, changed := p.reconciler.Apply(event)
	if !changed {
		return
	}
	p.metrics.AddResult(line.Text, line.State == reconcile.Final)
	p.reporter.Update(line)
	if p.sink != nil && line.State == reconcile.Final {
		p.sink.PublishFinal(ctx, line)
	}
}
