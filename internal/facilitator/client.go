// Package facilitator is the REST client for the x402 facilitator's verify
// and settle endpoints.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/settleonbase/settle-gate/internal/x402"
)

// DefaultURL is the public x402 facilitator.
const DefaultURL = "https://x402.org/facilitator"

// request is the body shared by /verify and /settle.
type request struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

// Client talks to one facilitator instance.
type Client struct {
	baseURL string
	http    *http.Client

	// authHeaders, when set, returns extra headers per endpoint name
	// ("verify" or "settle"). Used for authenticated facilitators.
	authHeaders func(endpoint string) (map[string]string, error)
}

type Option func(*Client)

// WithAuthHeaders installs a per-endpoint auth header provider.
func WithAuthHeaders(fn func(endpoint string) (map[string]string, error)) Option {
	return func(c *Client) { c.authHeaders = fn }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured facilitator URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Verify asks the facilitator whether the payment is valid against the
// requirements, without moving funds.
func (c *Client) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	var out x402.VerifyResponse
	if err := c.post(ctx, "verify", payload, requirements, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle submits the payment for on-chain execution and returns the
// facilitator's settlement result.
func (c *Client) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	var out x402.SettleResponse
	if err := c.post(ctx, "settle", payload, requirements, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, out any) error {
	body, err := json.Marshal(request{
		X402Version:         x402.Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.authHeaders != nil {
		headers, err := c.authHeaders(endpoint)
		if err != nil {
			return fmt.Errorf("%s auth headers: %w", endpoint, err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator %s: status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}
