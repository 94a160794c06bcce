package push

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

// HTTPSender is the real push gateway client using HTTP.
type HTTPSender struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// SenderConfig holds configuration for the gateway client.
type SenderConfig struct {
	APIKey  string // gateway server key
	BaseURL string // gateway endpoint base URL
	Timeout time.Duration
}

// NewHTTPSender creates a new push gateway client.
func NewHTTPSender(cfg SenderConfig) *HTTPSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPSender{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// sendRequest is the gateway wire format: one message per call, delivered
// with high priority so the device radio wakes for it.
type sendRequest struct {
	To       string            `json:"to"`
	Priority string            `json:"priority"`
	Data     map[string]string `json:"data"`
}

// Send delivers one message to the gateway.
func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	data := make(map[string]string, len(msg.Data)+1)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["type"] = msg.Type

	body, err := json.Marshal(sendRequest{
		To:       msg.Token,
		Priority: "high",
		Data:     data,
	})
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}

	url := s.baseURL + "/v1/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read push response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrStaleToken
	default:
		return fmt.Errorf("push gateway (status %d): %s", resp.StatusCode, string(respBody))
	}
}

// Ensure HTTPSender implements Sender interface.
var _ Sender = (*HTTPSender)(nil)
