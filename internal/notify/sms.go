package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SMSConfig configures the HTTP SMS gateway transport.
type SMSConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	From    string        `yaml:"from"`
	Timeout time.Duration `yaml:"timeout"`
}

// Enabled returns true if a gateway URL is configured.
func (c SMSConfig) Enabled() bool {
	return c.BaseURL != ""
}

// SMSSender is a client for a JSON SMS gateway.
type SMSSender struct {
	config     SMSConfig
	httpClient *http.Client
}

// NewSMSSender creates a new SMS gateway client.
func NewSMSSender(config SMSConfig) *SMSSender {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &SMSSender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type smsRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type smsResponse struct {
	ID string `json:"id"`
}

// Send posts the message body to the gateway. SMS has no subject, so the
// subject is dropped.
func (s *SMSSender) Send(ctx context.Context, destination string, msg Message) (string, error) {
	body, err := json.Marshal(smsRequest{From: s.config.From, To: destination, Body: msg.Body})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(s.config.BaseURL, "/") + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("gateway error (status %d): %s", resp.StatusCode, respBody)
	}

	var out smsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return out.ID, nil
}
