package audio

import (
	"fmt"
	"math"
	"time"
)

// BufferConfig contains configuration for chunk assembly.
type BufferConfig struct {
	SampleRate      int
	Channels        int
	ChunkDuration   time.Duration
	OverlapFraction float64 // 0 for chunked mode, (0,1) for continuous mode
}

// ChunkBuffer assembles captured frames into fixed windows of ChunkDuration.
// With a non-zero overlap fraction the trailing part of each emitted chunk is
// retained as the seed of the next one, so words spoken across a chunk
// boundary appear in both windows.
//
// The buffer is not safe for concurrent use; the capture loop owns it.
type ChunkBuffer struct {
	config BufferConfig

	buf       []byte
	headTime  time.Time // capture time of buf[0]
	newBytes  int       // bytes appended since the last emit
	nextID    uint64
	chunksCut uint64
}

// NewChunkBuffer validates the configuration and creates an empty buffer.
func NewChunkBuffer(config BufferConfig) (*ChunkBuffer, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.Channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", config.Channels)
	}
	if config.ChunkDuration <= 0 {
		return nil, fmt.Errorf("chunk duration must be positive, got %v", config.ChunkDuration)
	}
	if config.OverlapFraction < 0 || config.OverlapFraction >= 1 {
		return nil, fmt.Errorf("overlap fraction must be in [0,1), got %g", config.OverlapFraction)
	}

	target := targetBytes(config)
	return &ChunkBuffer{
		config: config,
		buf:    make([]byte, 0, target*2),
		nextID: 1,
	}, nil
}

func targetBytes(config BufferConfig) int {
	samples := int(math.Round(config.ChunkDuration.Seconds() * float64(config.SampleRate)))
	return samples * config.Channels * 2
}

// OverlapBytes returns the size in bytes of the overlap region repeated at
// the start of each chunk after the first.
func (b *ChunkBuffer) OverlapBytes() int {
	samples := int(math.Round(b.config.ChunkDuration.Seconds() * b.config.OverlapFraction * float64(b.config.SampleRate)))
	return samples * b.config.Channels * 2
}

// Append adds a captured frame and returns a completed chunk once the buffer
// holds a full window. The returned payload is a copy; the caller owns it.
func (b *ChunkBuffer) Append(frame Frame) *Chunk {
	if len(frame.Data) == 0 {
		return nil
	}
	if len(b.buf) == 0 {
		b.headTime = frame.Captured
	}
	b.buf = append(b.buf, frame.Data...)
	b.newBytes += len(frame.Data)

	target := targetBytes(b.config)
	if len(b.buf) < target {
		return nil
	}
	return b.cut(target, false)
}

// Flush emits whatever audio remains as a final partial chunk. It returns nil
// when nothing new arrived since the last emitted chunk (the retained overlap
// seed alone is not worth resubmitting).
func (b *ChunkBuffer) Flush() *Chunk {
	if b.newBytes == 0 || len(b.buf) == 0 {
		return nil
	}
	return b.cut(len(b.buf), true)
}

func (b *ChunkBuffer) cut(size int, partial bool) *Chunk {
	data := make([]byte, size)
	copy(data, b.buf[:size])

	bps := float64(b.config.SampleRate * b.config.Channels * 2)
	end := b.headTime.Add(time.Duration(float64(size) / bps * float64(time.Second)))

	chunk := &Chunk{
		ID:         b.nextID,
		Data:       data,
		SampleRate: b.config.SampleRate,
		Channels:   b.config.Channels,
		Start:      b.headTime,
		End:        end,
		Partial:    partial,
	}
	b.nextID++
	b.chunksCut++

	keep := b.OverlapBytes()
	if partial || keep > size {
		keep = 0
	}
	// Retain the chunk tail as the next window's seed, plus any bytes that
	// arrived beyond the window boundary.
	rest := len(b.buf) - size
	retained := make([]byte, 0, keep+rest)
	retained = append(retained, b.buf[size-keep:size]...)
	retained = append(retained, b.buf[size:]...)
	b.buf = retained

	advanced := size - keep
	b.headTime = b.headTime.Add(time.Duration(float64(advanced) / bps * float64(time.Second)))
	b.newBytes = rest

	return chunk
}

// Pending reports how many buffered bytes have not been emitted yet.
func (b *ChunkBuffer) Pending() int {
	return b.newBytes
}

// ChunksCut returns the number of chunks emitted so far.
func (b *ChunkBuffer) ChunksCut() uint64 {
	return b.chunksCut
}
