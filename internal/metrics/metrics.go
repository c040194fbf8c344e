package metrics

import (
	"fmt"
	"sync"
	"time"
)

// SessionMetrics accumulates counters for one transcription session.
type SessionMetrics struct {
	Provider         string
	SessionID        string
	SampleRate       int
	Channels         int
	StartTime        time.Time
	EndTime          time.Time
	AudioBytes       int
	ChunksEmitted    int
	ChunksDropped    int
	ChunksFailed     int
	InterimCount     int
	FinalCount       int
	TranscriptLength int
	FirstResultTime  *time.Time
	mu               sync.Mutex
}

// NewSessionMetrics starts the session clock.
func NewSessionMetrics(provider, sessionID string, sampleRate, channels int) *SessionMetrics {
	return &SessionMetrics{
		Provider:   provider,
		SessionID:  sessionID,
		SampleRate: sampleRate,
		Channels:   channels,
		StartTime:  time.Now(),
	}
}

// AddAudioBytes records captured audio volume.
func (m *SessionMetrics) AddAudioBytes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AudioBytes += n
}

// ChunkEmitted counts a chunk handed to the transmit side.
func (m *SessionMetrics) ChunkEmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChunksEmitted++
}

// ChunkDropped counts a stale chunk discarded under backpressure.
func (m *SessionMetrics) ChunkDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChunksDropped++
}

// ChunkFailed counts a chunk abandoned after its retry budget.
func (m *SessionMetrics) ChunkFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChunksFailed++
}

// AddResult records a transcript event.
func (m *SessionMetrics) AddResult(text string, isFinal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FirstResultTime == nil {
		now := time.Now()
		m.FirstResultTime = &now
	}

	if isFinal {
		m.FinalCount++
		m.TranscriptLength += len(text)
	} else {
		m.InterimCount++
	}
}

// Finalize stops the session clock.
func (m *SessionMetrics) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EndTime = time.Now()
}

// Summary renders the session counters for the shutdown log.
func (m *SessionMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := m.EndTime.Sub(m.StartTime)
	var latency time.Duration
	if m.FirstResultTime != nil {
		latency = m.FirstResultTime.Sub(m.StartTime)
	}

	audioDuration := float64(m.AudioBytes) / float64(m.SampleRate*m.Channels*2)
	rtf := 0.0
	if audioDuration > 0 {
		rtf = duration.Seconds() / audioDuration
	}

	return fmt.Sprintf(
		"Provider: %s\n"+
			"Session: %s\n"+
			"Duration: %v\n"+
			"Audio Duration: %.2f seconds\n"+
			"Audio Bytes: %d\n"+
			"Chunks: %d emitted, %d dropped, %d failed\n"+
			"Results: %d interim, %d final\n"+
			"Transcript Length: %d chars\n"+
			"First Result Latency: %v\n"+
			"Real-time Factor: %.2fx\n",
		m.Provider,
		m.SessionID,
		duration,
		audioDuration,
		m.AudioBytes,
		m.ChunksEmitted,
		m.ChunksDropped,
		m.ChunksFailed,
		m.InterimCount,
		m.FinalCount,
		m.TranscriptLength,
		latency,
		rtf,
	)
}
