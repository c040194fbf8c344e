package audio

import "time"

// Frame is a fixed-size block of raw PCM captured from a source. Frames are
// immutable once produced and carry a monotonically increasing sequence
// number so that a skipped read never silently shifts later chunk boundaries.
type Frame struct {
	Seq      uint64
	Data     []byte
	Captured time.Time
}

// Chunk is a bounded window of PCM audio submitted as one transcription unit.
// The payload is an independent copy of the buffered audio, so the buffer may
// keep appending frames after handoff.
type Chunk struct {
	ID         uint64
	Data       []byte
	SampleRate int
	Channels   int
	Start      time.Time
	End        time.Time
	Partial    bool
}

// Duration returns the chunk's audio duration derived from its payload size.
func (c *Chunk) Duration() time.Duration {
	bps := c.SampleRate * c.Channels * 2
	if bps == 0 {
		return 0
	}
	return time.Duration(float64(len(c.Data)) / float64(bps) * float64(time.Second))
}
