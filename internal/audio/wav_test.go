package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodeWAVHeader(t *testing.T) {
	pcm := make([]byte, 32000) // 1s at 16kHz mono
	for i := range pcm {
		pcm[i] = byte(i % 7)
	}

	data, err := EncodeWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if len(data) != 44+len(pcm) {
		t.Fatalf("encoded size = %d, want %d", len(data), 44+len(pcm))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE magic")
	}
	if string(data[36:40]) != "data" {
		t.Error("missing data subchunk id")
	}

	sampleRate := binary.LittleEndian.Uint32(data[24:28])
	if sampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", sampleRate)
	}
	channels := binary.LittleEndian.Uint16(data[22:24])
	if channels != 1 {
		t.Errorf("channels = %d, want 1", channels)
	}
	bits := binary.LittleEndian.Uint16(data[34:36])
	if bits != 16 {
		t.Errorf("bits per sample = %d, want 16", bits)
	}
	dataSize := binary.LittleEndian.Uint32(data[40:44])
	if int(dataSize) != len(pcm) {
		t.Errorf("data size = %d, want %d", dataSize, len(pcm))
	}

	if !bytes.Equal(data[44:], pcm) {
		t.Error("payload does not round-trip")
	}
}

func TestEncodeWAVRejectsBadInput(t *testing.T) {
	if _, err := EncodeWAV(nil, 16000, 1); err == nil {
		t.Error("expected error for empty payload")
	}
	if _, err := EncodeWAV([]byte{1}, 16000, 1); err == nil {
		t.Error("expected error for odd-length payload")
	}
	if _, err := EncodeWAV([]byte{1, 2}, 0, 1); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if _, err := EncodeWAV([]byte{1, 2}, 16000, 0); err == nil {
		t.Error("expected error for zero channels")
	}
}
