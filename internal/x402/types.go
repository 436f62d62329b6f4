// Package x402 holds the wire types exchanged with x402 clients and the
// remote facilitator, plus the base64 codecs for the X-PAYMENT and
// X-PAYMENT-RESPONSE headers.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Version is the x402 protocol version this gate speaks.
const Version = 1

// Header names used by the protocol.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// PaymentRequirements describes one acceptable way to pay for a resource.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string `json:"asset"`
	Extra             *Extra `json:"extra,omitempty"`
}

// Extra carries the token's EIP-712 domain name and version so clients can
// reconstruct the exact typed data the asset contract expects.
type Extra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Authorization is the EIP-3009 TransferWithAuthorization message carried in
// the payment payload. All numeric fields are decimal strings; Nonce is a
// 0x-prefixed 32-byte hex token.
//
// Nonce uniqueness is not tracked by this service: replay protection within
// the validAfter/validBefore window is the facilitator's responsibility.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEvmPayload is the signed payload for the "exact" EVM scheme.
type ExactEvmPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int              `json:"x402Version"`
	Scheme      string           `json:"scheme"`
	Network     string           `json:"network"`
	Payload     *ExactEvmPayload `json:"payload"`
}

// VerifyResponse is the facilitator's answer to /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to /settle, also emitted to the
// client base64-encoded in the X-PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// ErrorResponse is the 402 body returned when payment is missing or rejected.
type ErrorResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Payer       string                `json:"payer,omitempty"`
}

// SettledResponse is the 200 body returned once settlement succeeded.
// Minting is decoupled from this response and may still be pending.
type SettledResponse struct {
	Success   bool   `json:"success"`
	Payer     string `json:"payer"`
	USDCTx    string `json:"USDC_tx,omitempty"`
	Network   string `json:"network"`
	Timestamp string `json:"timestamp"`
}

// DecodePayment decodes a base64 X-PAYMENT header into a PaymentPayload.
// The x402Version is stamped after decoding, mirroring the reference SDKs.
func DecodePayment(header string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decode payment header: %w", err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payment payload: %w", err)
	}
	if p.Payload == nil || p.Payload.Authorization == nil {
		return nil, fmt.Errorf("payment payload missing authorization")
	}
	p.X402Version = Version
	return &p, nil
}

// EncodePayment encodes a PaymentPayload into the base64 X-PAYMENT header form.
func EncodePayment(p *PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeSettleResponse encodes a SettleResponse for the X-PAYMENT-RESPONSE header.
func EncodeSettleResponse(s *SettleResponse) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettleResponse decodes the base64 settle response header blob.
func DecodeSettleResponse(header string) (*SettleResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decode settle response header: %w", err)
	}
	var s SettleResponse
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal settle response: %w", err)
	}
	return &s, nil
}

// FindMatchingRequirements returns the first requirement matching the decoded
// payment's scheme and network, or nil when none matches.
func FindMatchingRequirements(reqs []PaymentRequirements, p *PaymentPayload) *PaymentRequirements {
	for i := range reqs {
		if reqs[i].Scheme == p.Scheme && reqs[i].Network == p.Network {
			return &reqs[i]
		}
	}
	return nil
}
