package language

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/shared"
)

// Media references an attachment of an inbound message.
type Media struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

// IsAudio reports whether m is a voice note.
func (m Media) IsAudio() bool {
	return m.URL != "" && strings.HasPrefix(strings.ToLower(m.ContentType), "audio/")
}

// Transcript is the text of a voice note.
type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, media Media) (*Transcript, error)
}

// HTTPTranscriber calls a speech-to-text service that accepts a JSON body
// {"url", "content_type"} and answers {"text", "language"}.
type HTTPTranscriber struct {
	endpoint string
	http     *http.Client
	retry    shared.RetryPolicy
}

// NewHTTPTranscriber creates a transcriber for endpoint.
func NewHTTPTranscriber(endpoint string, timeout time.Duration, retry shared.RetryPolicy) *HTTPTranscriber {
	return &HTTPTranscriber{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		retry:    retry,
	}
}

var _ Transcriber = (*HTTPTranscriber)(nil)

// Transcribe sends media to the service.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, media Media) (*Transcript, error) {
	body, err := json.Marshal(media)
	if err != nil {
		return nil, fmt.Errorf("marshal transcription request: %w", err)
	}

	var out Transcript
	err = shared.Retry(ctx, t.retry, "transcription", apperr.IsRetryable, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build transcription request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.http.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return apperr.NewTimeout("transcription", err)
			}
			return apperr.NewIntegrationFailure("transcription", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return apperr.NewIntegrationFailure("transcription", fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode >= 300:
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			return &apperr.Error{
				Kind:    apperr.KindValidationFailure,
				Message: "transcription rejected the media",
				Err:     fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			}
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return apperr.NewIntegrationFailure("transcription", fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, apperr.NewValidationFailure("voice note contained no speech")
	}
	return &out, nil
}
