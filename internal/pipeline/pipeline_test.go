package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/duboc/mic-transcriber/internal/audio"
	"github.com/duboc/mic-transcriber/internal/metrics"
	"github.com/duboc/mic-transcriber/internal/reconcile"
	"github.com/duboc/mic-transcriber/internal/transcriber"
)

// fakeSource plays back a fixed set of frames, then reports end of stream.
type fakeSource struct {
	mu     sync.Mutex
	frames []audio.Frame
	next   int
	closed bool
}

func newFakeSource(frameBytes, count int) *fakeSource {
	frames := make([]audio.Frame, count)
	for i := range frames {
		data := make([]byte, frameBytes)
		for j := range data {
			data[j] = byte(i)
		}
		frames[i] = audio.Frame{Seq: uint64(i), Data: data, Captured: time.Now()}
	}
	return &fakeSource{frames: frames}
}

func (s *fakeSource) Read() (audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.next >= len(s.frames) {
		return audio.Frame{}, audio.ErrSourceClosed
	}
	frame := s.frames[s.next]
	s.next++
	return frame, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// blockingSource hangs on Read until closed, like a silent microphone.
type blockingSource struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func newBlockingSource() *blockingSource {
	return &blockingSource{closed: make(chan struct{})}
}

func (s *blockingSource) Read() (audio.Frame, error) {
	<-s.closed
	return audio.Frame{}, audio.ErrSourceClosed
}

func (s *blockingSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeBatch delegates to a function and counts calls per chunk.
type fakeBatch struct {
	mu       sync.Mutex
	attempts map[uint64]int
	fn       func(chunk *audio.Chunk, attempt int) (string, error)
}

func newFakeBatch(fn func(chunk *audio.Chunk, attempt int) (string, error)) *fakeBatch {
	return &fakeBatch{attempts: make(map[uint64]int), fn: fn}
}

func (f *fakeBatch) Transcribe(ctx context.Context, chunk *audio.Chunk) (string, error) {
	f.mu.Lock()
	f.attempts[chunk.ID]++
	attempt := f.attempts[chunk.ID]
	f.mu.Unlock()
	return f.fn(chunk, attempt)
}

func (f *fakeBatch) Close() error { return nil }

func (f *fakeBatch) attemptCount(id uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id]
}

// fakeStream swallows audio and replays canned events once capture half-closes.
type fakeStream struct {
	mu         sync.Mutex
	audioBytes int
	events     []transcriber.Event
	results    chan transcriber.Event
	closeOnce  sync.Once
}

func newFakeStream(events []transcriber.Event) *fakeStream {
	return &fakeStream{events: events, results: make(chan transcriber.Event, len(events))}
}

func (f *fakeStream) ProcessAudio(data []byte) error {
	f.mu.Lock()
	f.audioBytes += len(data)
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Results() <-chan transcriber.Event { return f.results }

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() {
		for _, ev := range f.events {
			f.results <- ev
		}
		close(f.results)
	})
	return nil
}

// recordReporter captures everything the pipeline would print.
type recordReporter struct {
	mu      sync.Mutex
	updates []reconcile.Line
	history []reconcile.Line
	flushed bool
}

func (r *recordReporter) Update(line reconcile.Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, line)
}

func (r *recordReporter) Flush(history []reconcile.Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = history
	r.flushed = true
}

func testBuffer(t *testing.T, overlap float64) *audio.ChunkBuffer {
	t.Helper()
	buffer, err := audio.NewChunkBuffer(audio.BufferConfig{
		SampleRate:      16000,
		Channels:        1,
		ChunkDuration:   100 * time.Millisecond, // 3200-byte chunks
		OverlapFraction: overlap,
	})
	if err != nil {
		t.Fatalf("NewChunkBuffer failed: %v", err)
	}
	return buffer
}

func testMetrics() *metrics.SessionMetrics {
	return metrics.NewSessionMetrics("test", "session", 16000, 1)
}

func batchConfig() Config {
	return Config{
		QueueDepth:             4,
		MaxRetries:             0,
		MaxConsecutiveFailures: 5,
		RequestTimeout:         time.Second,
	}
}

func TestBatchProducesOrderedFinals(t *testing.T) {
	source := newFakeSource(3200, 3) // exactly 3 chunks, no partial
	batch := newFakeBatch(func(chunk *audio.Chunk, attempt int) (string, error) {
		return fmt.Sprintf("text %d", chunk.ID), nil
	})
	reporter := &recordReporter{}
	p := NewBatch(batchConfig(), source, testBuffer(t, 0), batch,
		reconcile.New(), reporter, testMetrics(), nil)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(reporter.history) != 3 {
		t.Fatalf("history has %d lines, want 3", len(reporter.history))
	}
	for i, line := range reporter.history {
		want := fmt.Sprintf("text %d", i+1)
		if line.ChunkID != uint64(i+1) || line.Text != want || line.State != reconcile.Final {
			t.Errorf("history[%d] = %+v, want final {%d %q}", i, line, i+1, want)
		}
	}
}

func TestBatchFlushesTrailingPartial(t *testing.T) {
	source := newFakeSource(3200, 2)
	source.frames = append(source.frames, audio.Frame{Seq: 2, Data: make([]byte, 1600), Captured: time.Now()})
	batch := newFakeBatch(func(chunk *audio.Chunk, attempt int) (string, error) {
		return fmt.Sprintf("text %d", chunk.ID), nil
	})
	reporter := &recordReporter{}
	p := NewBatch(batchConfig(), source, testBuffer(t, 0), batch,
		reconcile.New(), reporter, testMetrics(), nil)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Two full chunks plus the half-chunk left at EOF.
	if len(reporter.history) != 3 {
		t.Fatalf("history has %d lines, want 3 (trailing partial lost)", len(reporter.history))
	}
}

func TestBatchRetriesTransientFailure(t *testing.T) {
	source := newFakeSource(3200, 1)
	batch := newFakeBatch(func(chunk *audio.Chunk, attempt int) (string, error) {
		if attempt == 1 {
			return "", transcriber.ErrNetworkUnavailable
		}
		return "recovered", nil
	})
	reporter := &recordReporter{}
	config := batchConfig()
	config.MaxRetries = 2
	p := NewBatch(config, source, testBuffer(t, 0), batch,
		reconcile.New(), reporter, testMetrics(), nil)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := batch.attemptCount(1); got != 2 {
		t.Errorf("chunk 1 took %d attempts, want 2", got)
	}
	if len(reporter.history) != 1 || reporter.history[0].Text != "recovered" {
		t.Errorf("history = %+v, want one line %q", reporter.history, "recovered")
	}
}

func TestBatchAuthFailureIsFatalAndNotRetried(t *testing.T) {
	source := newFakeSource(3200, 3)
	batch := newFakeBatch(func(chunk *audio.Chunk, attempt int) (string, error) {
		return "", transcriber.ErrUnauthenticated
	})
	reporter := &recordReporter{}
	config := batchConfig()
	config.MaxRetries = 3
	p := NewBatch(config, source, testBuffer(t, 0), batch,
		reconcile.New(), reporter, testMetrics(), nil)

	err := p.Run(context.Background())
	if !errors.Is(err, transcriber.ErrUnauthenticated) {
		t.Fatalf("Run error = %v, want ErrUnauthenticated", err)
	}
	if got := batch.attemptCount(1); got != 1 {
		t.Errorf("auth failure retried %d times, want a single attempt", got)
	}
	if !reporter.flushed {
		t.Error("transcript not flushed on fatal error")
	}
}

func TestBatchGivesUpAfterConsecutiveFailures(t *testing.T) {
	source := newFakeSource(3200, 10)
	batch := newFakeBatch(func(chunk *audio.Chunk, attempt int) (string, error) {
		return "", transcriber.ErrNetworkUnavailable
	})
	m := testMetrics()
	config := batchConfig()
	config.MaxConsecutiveFailures = 3
	p := NewBatch(config, source, testBuffer(t, 0), batch,
		reconcile.New(), &recordReporter{}, m, nil)

	err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected error after consecutive failures")
	}
	if m.ChunksFailed != 3 {
		t.Errorf("ChunksFailed = %d, want 3", m.ChunksFailed)
	}
}

func TestBatchSkipsSilentChunks(t *testing.T) {
	source := newFakeSource(3200, 3)
	batch := newFakeBatch(func(chunk *audio.Chunk, attempt int) (string, error) {
		if chunk.ID == 2 {
			return "", nil
		}
		return "speech", nil
	})
	reporter := &recordReporter{}
	p := NewBatch(batchConfig(), source, testBuffer(t, 0), batch,
		reconcile.New(), reporter, testMetrics(), nil)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(reporter.history) != 2 {
		t.Errorf("history has %d lines, want 2 (silent chunk must not render)", len(reporter.history))
	}
	for _, line := range reporter.history {
		if line.ChunkID == 2 {
			t.Error("silent chunk 2 appeared in the transcript")
		}
	}
}

func TestContinuousModeShedsBacklog(t *testing.T) {
	source := newFakeSource(3200, 5)
	gate := make(chan struct{})
	var gateOnce sync.Once
	batch := newFakeBatch(func(chunk *audio.Chunk, attempt int) (string, error) {
		gateOnce.Do(func() { <-gate })
		return fmt.Sprintf("text %d", chunk.ID), nil
	})
	reporter := &recordReporter{}
	m := testMetrics()
	config := batchConfig()
	config.QueueDepth = 1
	config.DropOldest = true
	p := NewBatch(config, source, testBuffer(t, 0.5), batch,
		reconcile.New(), reporter, m, nil)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// Let capture outrun the stalled transmit side, then release it.
	time.Sleep(100 * time.Millisecond)
	close(gate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}

	if m.ChunksDropped == 0 {
		t.Error("no chunks dropped despite a stalled transmit side")
	}
	if m.ChunksDropped+len(reporter.history) != m.ChunksEmitted {
		t.Errorf("dropped (%d) + transcribed (%d) != emitted (%d)",
			m.ChunksDropped, len(reporter.history), m.ChunksEmitted)
	}
	// The freshest chunk must survive the shedding.
	last := reporter.history[len(reporter.history)-1]
	if last.ChunkID != uint64(m.ChunksEmitted) {
		t.Errorf("last transcribed chunk = %d, want the freshest (%d)", last.ChunkID, m.ChunksEmitted)
	}
}

func TestInterruptReleasesBlockedCaptureAndFlushes(t *testing.T) {
	source := newBlockingSource()
	batch := newFakeBatch(func(chunk *audio.Chunk, attempt int) (string, error) {
		return "never reached", nil
	})
	reporter := &recordReporter{}
	p := NewBatch(batchConfig(), source, testBuffer(t, 0), batch,
		reconcile.New(), reporter, testMetrics(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not exit after cancel; blocked device read never released")
	}
	if !reporter.flushed {
		t.Error("transcript not flushed on interrupt")
	}
}

func TestStreamAssignsUtteranceIDs(t *testing.T) {
	source := newFakeSource(3200, 4)
	stream := newFakeStream([]transcriber.Event{
		{Text: "he", IsFinal: false},
		{Text: "hello", IsFinal: false},
		{Text: "hello world", IsFinal: true},
		{Text: "and", IsFinal: false},
		{Text: "and another", IsFinal: true},
	})
	reporter := &recordReporter{}
	p := NewStream(batchConfig(), source, stream,
		reconcile.New(), reporter, testMetrics(), nil)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stream.audioBytes != 4*3200 {
		t.Errorf("stream received %d audio bytes, want %d", stream.audioBytes, 4*3200)
	}

	wantIDs := []uint64{1, 1, 1, 2, 2}
	if len(reporter.updates) != len(wantIDs) {
		t.Fatalf("got %d updates, want %d", len(reporter.updates), len(wantIDs))
	}
	for i, line := range reporter.updates {
		if line.ChunkID != wantIDs[i] {
			t.Errorf("update %d has utterance id %d, want %d", i, line.ChunkID, wantIDs[i])
		}
	}

	history := reporter.history
	if len(history) != 2 || history[0].Text != "hello world" || history[1].Text != "and another" {
		t.Errorf("history = %+v, want the two finalized utterances", history)
	}
}

func TestFinalSinkReceivesOnlyFinals(t *testing.T) {
	source := newFakeSource(3200, 2)
	batch := newFakeBatch(func(chunk *audio.Chunk, attempt int) (string, error) {
		return fmt.Sprintf("text %d", chunk.ID), nil
	})
	sink := &recordSink{}
	p := NewBatch(batchConfig(), source, testBuffer(t, 0), batch,
		reconcile.New(), &recordReporter{}, testMetrics(), sink)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(sink.lines) != 2 {
		t.Errorf("sink received %d lines, want 2", len(sink.lines))
	}
	for _, line := range sink.lines {
		if line.State != reconcile.Final {
			t.Errorf("sink received non-final line %+v", line)
		}
	}
}

type recordSink struct {
	mu    sync.Mutex
	lines []reconcile.Line
}

func (s *recordSink) PublishFinal(ctx context.Context, line reconcile.Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}
