package audio

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// ErrSourceClosed is returned by Read once a source has been closed or its
// underlying stream has ended.
var ErrSourceClosed = errors.New("audio source closed")

// DeviceError wraps a capture-device failure. Device errors are fatal when
// the source is opened; a transient mid-stream read error skips one frame.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Source delivers fixed-size PCM frames. Read blocks until a full frame is
// available or the stream ends. Close releases the device and unblocks any
// pending Read.
type Source interface {
	Read() (Frame, error)
	Close() error
}

// SourceConfig describes the capture format shared by all sources.
type SourceConfig struct {
	SampleRate int
	Channels   int
	FrameSize  int // samples per frame
	Device     int // mic source only; -1 selects the default device
}

func (c SourceConfig) frameBytes() int {
	return c.FrameSize * c.Channels * 2
}

// MicSource captures from a system input device through miniaudio. The device
// callback delivers PCM in arbitrary block sizes; the source reassembles them
// into fixed frames so sequence numbers stay aligned to frame boundaries.
type MicSource struct {
	config   SourceConfig
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	frames   chan Frame
	pending  []byte
	seq      uint64
	closed   chan struct{}
	closeOne sync.Once
}

// InputDevice identifies a selectable capture device.
type InputDevice struct {
	Index   int
	Name    string
	Default bool
}

// ListInputDevices enumerates capture devices so the user can pick one by
// index (-list-devices).
func ListInputDevices() ([]InputDevice, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, &DeviceError{Op: "enumerate", Err: err}
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, &DeviceError{Op: "enumerate", Err: err}
	}

	devices := make([]InputDevice, 0, len(infos))
	for i, info := range infos {
		devices = append(devices, InputDevice{
			Index:   i,
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// NewMicSource opens the configured input device and starts capturing.
// Device-not-found and device-busy surface here as fatal DeviceErrors.
func NewMicSource(config SourceConfig) (*MicSource, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, &DeviceError{Op: "init", Err: err}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(config.Channels)
	deviceConfig.SampleRate = uint32(config.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if config.Device >= 0 {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return nil, &DeviceError{Op: "enumerate", Err: err}
		}
		if config.Device >= len(infos) {
			_ = mctx.Uninit()
			mctx.Free()
			return nil, &DeviceError{Op: "open", Err: fmt.Errorf("no input device with index %d", config.Device)}
		}
		id := infos[config.Device].ID
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	ms := &MicSource{
		config: config,
		ctx:    mctx,
		frames: make(chan Frame, 32),
		closed: make(chan struct{}),
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			ms.ingest(input)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, &DeviceError{Op: "open", Err: err}
	}
	ms.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, &DeviceError{Op: "start", Err: err}
	}

	return ms, nil
}

// ingest runs on the miniaudio callback goroutine. It must not block: when
// the frame channel is full the oldest audio is the capture loop's problem,
// so the frame is dropped with a warning and the sequence number still
// advances to keep later chunk boundaries honest.
func (ms *MicSource) ingest(input []byte) {
	ms.pending = append(ms.pending, input...)
	frameBytes := ms.config.frameBytes()

	for len(ms.pending) >= frameBytes {
		data := make([]byte, frameBytes)
		copy(data, ms.pending[:frameBytes])
		ms.pending = ms.pending[frameBytes:]

		frame := Frame{Seq: ms.seq, Data: data, Captured: time.Now()}
		ms.seq++

		select {
		case ms.frames <- frame:
		case <-ms.closed:
			return
		default:
			log.Printf("Capture overrun: dropping frame %d", frame.Seq)
		}
	}
}

// Read returns the next captured frame, blocking until one is available.
func (ms *MicSource) Read() (Frame, error) {
	select {
	case frame := <-ms.frames:
		return frame, nil
	case <-ms.closed:
		// Drain anything captured before Close.
		select {
		case frame := <-ms.frames:
			return frame, nil
		default:
			return Frame{}, ErrSourceClosed
		}
	}
}

// Close stops the device and releases miniaudio resources. Safe to call from
// a signal handler path while Read is blocked.
func (ms *MicSource) Close() error {
	ms.closeOne.Do(func() {
		close(ms.closed)
		if ms.device != nil {
			ms.device.Uninit()
		}
		if ms.ctx != nil {
			_ = ms.ctx.Uninit()
			ms.ctx.Free()
		}
	})
	return nil
}
