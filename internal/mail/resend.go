// Package mail delivers the transactional emails the auth flows send: one-time
// codes and replacement passwords.
package mail

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

	"doc-prescrip/internal/observability"
)

const defaultResendURL = "https://api.resend.com/emails"

var ErrMissingAPIKey = errors.New("missing resend api key")

type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Resend struct {
	apiKey     string
	from       string
	sendURL    string
	httpClient *http.Client
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func NewResend(apiKey, from string) (*Resend, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, fmt.Errorf("missing sender address")
	}

	return &Resend{
		apiKey:  apiKey,
		from:    from,
		sendURL: defaultResendURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// WithEndpoint points the client at another API base, used by tests.
func (c *Resend) WithEndpoint(sendURL string) *Resend {
	c.sendURL = sendURL
	return c
}

func (c *Resend) Send(ctx context.Context, msg Message) error {
	to := strings.TrimSpace(msg.To)
	if to == "" {
		return fmt.Errorf("empty recipient")
	}

	payload, err := json.Marshal(resendRequest{
		From:    c.from,
		To:      []string{to},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return fmt.Errorf("encode resend request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build resend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("resend request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read resend response: %w", err)
	}

	var parsed resendResponse
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Message != "" {
			return fmt.Errorf("resend send failed: %s", parsed.Message)
		}
		return fmt.Errorf("resend send failed with status %d", resp.StatusCode)
	}
	if parsed.ID == "" {
		return fmt.Errorf("resend response missing id")
	}

	return nil
}

// LogSender writes messages to the log instead of delivering them. It is the
// fallback when no API key is configured; it never logs the body.
type LogSender struct {
	logger *observability.Logger
}

func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Warn("mail_not_delivered", map[string]any{
		"to":      msg.To,
		"subject": msg.Subject,
		"reason":  "no mail provider configured",
	})
	return nil
}
