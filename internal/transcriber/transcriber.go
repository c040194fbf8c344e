package transcriber

import (
	"context"
	"errors"
	"time"

	"github.com/duboc/mic-transcriber/internal/audio"
)

// Event is a transcription result for one audio window. Interim events may
// arrive repeatedly for the same window and are superseded by later interim
// events or the final event; a final event is never superseded.
type Event struct {
	ChunkID uint64
	Text    string
	IsFinal bool
	Start   time.Duration
	End     time.Duration
}

// ChunkTranscriber is the batch shape: one request per completed chunk.
type ChunkTranscriber interface {
	Transcribe(ctx context.Context, chunk *audio.Chunk) (string, error)
	Close() error
}

// StreamTranscriber is the continuous shape: raw PCM in, a lazy sequence of
// interim/final events out. The results channel is closed when the provider
// stream ends.
type StreamTranscriber interface {
	ProcessAudio(audioData []byte) error
	Results() <-chan Event
	Close() error
}

// Provider failure modes surfaced to the pipeline. None of these are fatal to
// the process except ErrUnauthenticated; the pipeline resubmits or reconnects
// with the next chunk.
var (
	ErrUnauthenticated    = errors.New("transcriber: unauthenticated")
	ErrQuotaExceeded      = errors.New("transcriber: quota exceeded")
	ErrNetworkUnavailable = errors.New("transcriber: network unavailable")
	ErrStreamClosed       = errors.New("transcriber: stream closed by server")
)

// ProtocolError marks a malformed or unexpected server response. The affected
// chunk is dropped and the stream continues.
type ProtocolError struct {
	Provider string
	Detail   string
}

func (e *ProtocolError) Error() string {
	return "transcriber: " + e.Provider + " protocol error: " + e.Detail
}

// Retryable reports whether the pipeline should resubmit the chunk after err.
func Retryable(err error) bool {
	if errors.Is(err, ErrUnauthenticated) {
		return false
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return false
	}
	return errors.Is(err, ErrNetworkUnavailable) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrStreamClosed) ||
		errors.Is(err, context.DeadlineExceeded)
}
