package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// FileSource replays a PCM WAV file through the pipeline as if it were live
// capture. When Paced is set, frames are delivered at the file's real-time
// rate; otherwise the file is consumed as fast as the consumer reads.
type FileSource struct {
	config SourceConfig
	paced  bool

	file    *os.File
	decoder *wav.Decoder
	intBuf  *gaudio.IntBuffer
	pending []byte
	seq     uint64
	eof     bool

	closed   chan struct{}
	closeOne sync.Once
}

// NewFileSource opens a WAV file and validates that its format matches the
// configured capture format. A mismatched file is a configuration error, not
// something to resample around.
func NewFileSource(path string, config SourceConfig, paced bool) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}

	decoder := wav.NewDecoder(f)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%s is not a valid WAV file", path)
	}
	if int(decoder.BitDepth) != 16 {
		f.Close()
		return nil, fmt.Errorf("%s: only 16-bit PCM is supported, got %d-bit", path, decoder.BitDepth)
	}
	if int(decoder.SampleRate) != config.SampleRate || int(decoder.NumChans) != config.Channels {
		f.Close()
		return nil, fmt.Errorf("%s: file format %d Hz/%d ch does not match configured %d Hz/%d ch",
			path, decoder.SampleRate, decoder.NumChans, config.SampleRate, config.Channels)
	}

	return &FileSource{
		config:  config,
		paced:   paced,
		file:    f,
		decoder: decoder,
		intBuf: &gaudio.IntBuffer{
			Format: &gaudio.Format{NumChannels: config.Channels, SampleRate: config.SampleRate},
			Data:   make([]int, config.FrameSize*config.Channels),
		},
		closed: make(chan struct{}),
	}, nil
}

// Read returns the next frame of file audio, pacing delivery when configured.
// The end of the file surfaces as ErrSourceClosed so the pipeline flushes a
// partial final chunk the same way an interrupt does.
func (fs *FileSource) Read() (Frame, error) {
	select {
	case <-fs.closed:
		return Frame{}, ErrSourceClosed
	default:
	}

	frameBytes := fs.config.frameBytes()
	for len(fs.pending) < frameBytes && !fs.eof {
		n, err := fs.decoder.PCMBuffer(fs.intBuf)
		if err != nil {
			return Frame{}, fmt.Errorf("failed to decode WAV data: %w", err)
		}
		if n == 0 {
			fs.eof = true
			break
		}
		block := make([]byte, n*2)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(block[i*2:], uint16(int16(fs.intBuf.Data[i])))
		}
		fs.pending = append(fs.pending, block...)
	}

	if len(fs.pending) == 0 {
		return Frame{}, ErrSourceClosed
	}

	size := frameBytes
	if size > len(fs.pending) {
		size = len(fs.pending) // short trailing frame at EOF
	}
	data := make([]byte, size)
	copy(data, fs.pending[:size])
	fs.pending = fs.pending[size:]

	frame := Frame{Seq: fs.seq, Data: data, Captured: time.Now()}
	fs.seq++

	if fs.paced {
		wait := time.Duration(float64(size) / float64(fs.config.SampleRate*fs.config.Channels*2) * float64(time.Second))
		select {
		case <-time.After(wait):
		case <-fs.closed:
		}
	}

	return frame, nil
}

// Close releases the underlying file.
func (fs *FileSource) Close() error {
	var err error
	fs.closeOne.Do(func() {
		close(fs.closed)
		err = fs.file.Close()
	})
	return err
}
