package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/shared"
)

// HTTPSender posts replies to a messaging provider's send endpoint.
type HTTPSender struct {
	endpoint string
	token    string
	http     *http.Client
	retry    shared.RetryPolicy
}

// NewHTTPSender creates a sender for endpoint.
func NewHTTPSender(endpoint, token string, timeout time.Duration, retry shared.RetryPolicy) *HTTPSender {
	return &HTTPSender{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{Timeout: timeout},
		retry:    retry,
	}
}

var _ Sender = (*HTTPSender)(nil)

type sendRequest struct {
	To      string   `json:"to"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// Send posts reply and returns the provider's message ID.
func (s *HTTPSender) Send(ctx context.Context, to string, reply domain.Reply) (string, error) {
	body, err := json.Marshal(sendRequest{To: to, Text: reply.Text, Options: reply.Options})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	var out struct {
		MessageID string `json:"message_id"`
	}
	err = shared.Retry(ctx, s.retry, "channel send", apperr.IsRetryable, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build send request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}

		resp, err := s.http.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return apperr.NewTimeout("channel", err)
			}
			return apperr.NewIntegrationFailure("channel", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return apperr.NewIntegrationFailure("channel", fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode >= 300:
			return &apperr.Error{
				Kind:    apperr.KindValidationFailure,
				Message: "channel rejected the message",
				Err:     fmt.Errorf("status %d", resp.StatusCode),
			}
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return apperr.NewIntegrationFailure("channel", fmt.Errorf("decode send response: %w", err))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return out.MessageID, nil
}
