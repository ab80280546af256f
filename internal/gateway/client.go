package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is the JSON-over-HTTP transport shared by the provider adapters.
type Client struct {
	Name    string
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewClient(name, baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		Name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// apiError is the error body both providers return.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PostJSON sends body to path and decodes a 2xx response into out. Transport
// failures, 5xx and 429 map to ErrGatewayUnavailable; other non-2xx map to a
// RejectedError.
func (c *Client) PostJSON(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, c.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrGatewayUnavailable, c.Name, err)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s http status %d", ErrGatewayUnavailable, c.Name, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Code == "" {
			apiErr.Code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return &RejectedError{Gateway: c.Name, Code: apiErr.Code, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrGatewayUnavailable, c.Name, err)
	}
	return nil
}

// VerifySignature checks a hex HMAC-SHA256 of payload. An empty secret
// disables the check.
func VerifySignature(secret string, payload []byte, signature string) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(got, Sign(secret, payload)) {
		return ErrBadSignature
	}
	return nil
}

func Sign(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
