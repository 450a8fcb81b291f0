package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient talks to a PSP over its REST charge API. It supports both
// card and PIX charges; PIX responses carry the QR code payload.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a client for the given PSP base URL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Charge creates a charge at the provider. A 4xx response with an error
// body is returned as *Error; 5xx and transport failures are plain errors.
func (c *HTTPClient) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode charge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/charges", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("charge request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read charge response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result ChargeResult
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("failed to decode charge response: %w", err)
		}
		if result.GatewayTransactionID == "" {
			return nil, fmt.Errorf("charge response missing gateway transaction id")
		}
		result.Raw = respBody
		return &result, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(respBody, &apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "rejected"
			apiErr.Message = fmt.Sprintf("provider returned status %d", resp.StatusCode)
		}
		return nil, &Error{Code: apiErr.Code, Message: apiErr.Message}

	default:
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
}
