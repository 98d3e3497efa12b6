package notify

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
)

// HTTPSender posts confirmations as JSON to an e-mail service endpoint.
type HTTPSender struct {
	endpoint string
	client   *http.Client
	token    string
}

// NewHTTPSender builds a sender for endpoint. token, when set, is sent as a bearer token.
func NewHTTPSender(endpoint, token string, client *http.Client) (*HTTPSender, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("notify: http endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSender{endpoint: endpoint, client: client, token: strings.TrimSpace(token)}, nil
}

func (s *HTTPSender) Send(ctx context.Context, msg Confirmation) error {
	if err := msg.validate(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal confirmation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "confirmation-"+msg.OrderID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post confirmation: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: email service responded %d", resp.StatusCode)
	}
	return nil
}
