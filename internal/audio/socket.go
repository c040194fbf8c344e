package audio

import (
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/CyCoreSystems/audiosocket"
)

// SocketSource accepts a single Asterisk AudioSocket connection and exposes
// its signed-linear audio messages as capture frames. Useful for transcribing
// a live call leg instead of the local microphone.
type SocketSource struct {
	config   SourceConfig
	listener net.Listener
	frames   chan Frame
	closed   chan struct{}
	closeOne sync.Once
}

// NewSocketSource listens on addr and waits for the first AudioSocket
// connection in the background. Frames become available once a call connects.
func NewSocketSource(addr string, config SourceConfig) (*SocketSource, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &DeviceError{Op: "listen", Err: err}
	}

	ss := &SocketSource{
		config:   config,
		listener: listener,
		frames:   make(chan Frame, 32),
		closed:   make(chan struct{}),
	}

	go ss.accept()
	log.Printf("AudioSocket source listening on %s", addr)

	return ss, nil
}

func (ss *SocketSource) accept() {
	defer close(ss.frames)

	conn, err := ss.listener.Accept()
	if err != nil {
		select {
		case <-ss.closed:
		default:
			log.Printf("AudioSocket accept error: %v", err)
		}
		return
	}
	defer conn.Close()

	id, err := audiosocket.GetID(conn)
	if err != nil {
		log.Printf("AudioSocket: failed to read call ID: %v", err)
		return
	}
	log.Printf("AudioSocket call %s connected from %s", id, conn.RemoteAddr())

	var seq uint64
	for {
		select {
		case <-ss.closed:
			return
		default:
		}

		msg, err := audiosocket.NextMessage(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("AudioSocket call %s: read error: %v", id, err)
			}
			return
		}

		switch msg.Kind() {
		case audiosocket.KindHangup:
			log.Printf("AudioSocket call %s: hangup", id)
			return
		case audiosocket.KindSlin:
			payload := msg.Payload()
			if len(payload) == 0 {
				continue
			}
			data := make([]byte, len(payload))
			copy(data, payload)
			frame := Frame{Seq: seq, Data: data, Captured: time.Now()}
			seq++
			select {
			case ss.frames <- frame:
			case <-ss.closed:
				return
			}
		case audiosocket.KindError:
			log.Printf("AudioSocket call %s: error message from peer", id)
		}
	}
}

// Read returns the next frame from the connected call. The call hanging up
// ends the stream with ErrSourceClosed.
func (ss *SocketSource) Read() (Frame, error) {
	select {
	case frame, ok := <-ss.frames:
		if !ok {
			return Frame{}, ErrSourceClosed
		}
		return frame, nil
	case <-ss.closed:
		return Frame{}, ErrSourceClosed
	}
}

// Close stops listening and tears down any active call.
func (ss *SocketSource) Close() error {
	var err error
	ss.closeOne.Do(func() {
		close(ss.closed)
		err = ss.listener.Close()
	})
	return err
}
