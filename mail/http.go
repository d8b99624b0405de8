package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPMailer sends messages through a JSON email API. The provider receives
// {"from","to","subject","text"} with a bearer API key and is expected to
// answer 2xx with {"id": "..."}.
type HTTPMailer struct {
	url        string
	apiKey     string
	from       string
	client     *http.Client
	retryDelay time.Duration
}

// HTTPOption configures an HTTPMailer.
type HTTPOption func(*HTTPMailer)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(m *HTTPMailer) {
		m.client = c
	}
}

// WithRetryDelay sets the pause before the single retry on a 5xx response.
func WithRetryDelay(d time.Duration) HTTPOption {
	return func(m *HTTPMailer) {
		m.retryDelay = d
	}
}

// NewHTTPMailer returns a mailer posting to url.
func NewHTTPMailer(url, apiKey, from string, opts ...HTTPOption) *HTTPMailer {
	m := &HTTPMailer{
		url:        url,
		apiKey:     apiKey,
		from:       from,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send posts msg to the provider with one retry on 5xx or transport errors.
func (m *HTTPMailer) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(sendRequest{
		From:    m.from,
		To:      msg.To,
		Subject: msg.Subject,
		Text:    msg.Body,
	})
	if err != nil {
		return "", fmt.Errorf("%w: encoding request: %w", ErrDelivery, err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.retryDelay):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %w", ErrDelivery, ctx.Err())
			}
		}

		id, retry, err := m.post(ctx, body)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !retry {
			break
		}
		slog.WarnContext(ctx, "mail provider attempt failed", "error", err, "attempt", attempt+1)
	}
	return "", fmt.Errorf("%w: %w", ErrDelivery, lastErr)
}

func (m *HTTPMailer) post(ctx context.Context, body []byte) (id string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Examgate-Mailer/1.0")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out sendResponse
		// Providers that answer without a body still count as accepted.
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil && err != io.EOF {
			slog.WarnContext(ctx, "mail provider response not understood", "error", err)
		}
		return out.ID, false, nil
	case resp.StatusCode >= 500:
		return "", true, fmt.Errorf("provider returned status %d", resp.StatusCode)
	default:
		return "", false, fmt.Errorf("provider rejected message with status %d", resp.StatusCode)
	}
}
