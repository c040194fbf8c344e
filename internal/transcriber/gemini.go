package transcriber

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/duboc/mic-transcriber/internal/audio"
)

const geminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiConfig configures the batch Gemini provider.
type GeminiConfig struct {
	APIKey            string
	Model             string
	SystemInstruction string
	RequestTimeout    time.Duration
}

// GeminiTranscriber submits one generateContent request per chunk. Audio is
// wrapped in a WAV container before upload; raw PCM has no header, so the
// service cannot detect its format.
type GeminiTranscriber struct {
	config     GeminiConfig
	endpoint   string
	httpClient *http.Client
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewGeminiTranscriber validates the configuration and builds the client.
func NewGeminiTranscriber(config GeminiConfig) (*GeminiTranscriber, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if config.Model == "" {
		config.Model = "gemini-2.0-flash"
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}

	return &GeminiTranscriber{
		config:   config,
		endpoint: geminiEndpoint,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}, nil
}

// Transcribe sends one chunk and returns the transcript text. The returned
// error is one of the sentinel failure modes or a ProtocolError, so the
// pipeline can decide between resubmission and dropping the chunk.
func (gt *GeminiTranscriber) Transcribe(ctx context.Context, chunk *audio.Chunk) (string, error) {
	wavData, err := audio.EncodeWAV(chunk.Data, chunk.SampleRate, chunk.Channels)
	if err != nil {
		return "", fmt.Errorf("failed to encode chunk %d: %w", chunk.ID, err)
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: gt.config.SystemInstruction},
				{InlineData: &geminiInlineData{
					MimeType: "audio/wav",
					Data:     base64.StdEncoding.EncodeToString(wavData),
				}},
			},
		}},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", gt.endpoint, gt.config.Model, gt.config.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := gt.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrNetworkUnavailable, err)
	}

	if err := classifyHTTPStatus(resp.StatusCode, body); err != nil {
		return "", err
	}

	return decodeGeminiResponse(body)
}

func classifyHTTPStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnauthenticated, status, truncate(body))
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrQuotaExceeded, status)
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrNetworkUnavailable, status)
	default:
		return &ProtocolError{Provider: "gemini", Detail: fmt.Sprintf("HTTP %d: %s", status, truncate(body))}
	}
}

func decodeGeminiResponse(body []byte) (string, error) {
	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &ProtocolError{Provider: "gemini", Detail: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if parsed.Error != nil {
		return "", &ProtocolError{Provider: "gemini", Detail: parsed.Error.Message}
	}
	if len(parsed.Candidates) == 0 {
		return "", nil // silence in the chunk: an empty transcript is a valid answer
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return strings.TrimSpace(sb.String()), nil
}

func truncate(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// Close releases idle connections.
func (gt *GeminiTranscriber) Close() error {
	gt.httpClient.CloseIdleConnections()
	return nil
}
