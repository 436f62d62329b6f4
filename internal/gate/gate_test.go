package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/settleonbase/settle-gate/internal/config"
	"github.com/settleonbase/settle-gate/internal/ledger"
	"github.com/settleonbase/settle-gate/internal/mintqueue"
	"github.com/settleonbase/settle-gate/internal/x402"
)

// ── helpers ───────────────────────────────────────────────────────────────────

var (
	// Fixed deterministic test key (not used anywhere outside tests)
	testPayerKeyHex   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testSettleHex     = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	testUSDCHex       = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayToHex      = "0x20c84933F3fFAcFF1C0b4D713b059377a9EF5fD1"
	testPayerHex      = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testNonceHex      = "0x" + strings.Repeat("11", 32)
)

type mockSettler struct {
	verifyResp  *x402.VerifyResponse
	settleResp  *x402.SettleResponse
	settleErr   error
	verifyCalls int
	settleCalls int
}

func (m *mockSettler) Verify(_ context.Context, _ *x402.PaymentPayload, _ *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	m.verifyCalls++
	if m.verifyResp == nil {
		return &x402.VerifyResponse{IsValid: true, Payer: testPayerHex}, nil
	}
	return m.verifyResp, nil
}

func (m *mockSettler) Settle(_ context.Context, _ *x402.PaymentPayload, _ *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	m.settleCalls++
	if m.settleErr != nil {
		return nil, m.settleErr
	}
	if m.settleResp == nil {
		return &x402.SettleResponse{Success: true, Transaction: "0xusdctx", Network: "base", Payer: testPayerHex}, nil
	}
	return m.settleResp, nil
}

type mockQueue struct {
	jobs []mintqueue.Job
}

func (m *mockQueue) Enqueue(_ context.Context, job mintqueue.Job) error {
	m.jobs = append(m.jobs, job)
	return nil
}

func testConfig(localVerify bool) *config.Config {
	return &config.Config{
		Chain: config.ChainConfig{
			ChainID:        8453,
			SettleContract: testSettleHex,
			USDCContract:   testUSDCHex,
			PayTo:          testPayToHex,
		},
		Mint: config.MintConfig{
			Rate:         "7000",
			RewardAtomic: "1000",
			MinAtomic:    1000,
		},
		Gate: config.GateConfig{LocalVerify: localVerify},
	}
}

func newTestGate(t *testing.T, cfg *config.Config, fac *mockSettler) (*gin.Engine, *mockQueue, *ledger.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	led := ledger.New(filepath.Join(t.TempDir(), "settle_store.json"), zap.NewNop())
	led.Load()
	queue := &mockQueue{}

	g, err := New(cfg, fac, queue, led, zap.NewNop())
	if err != nil {
		t.Fatalf("gate init: %v", err)
	}

	r := gin.New()
	g.Register(r.Group("/api"))
	return r, queue, led
}

// signedHeader builds a genuinely signed X-PAYMENT header paying `value`
// atomic USDC to `to`, valid for the next hour.
func signedHeader(t *testing.T, to, value string) string {
	t.Helper()
	key, err := crypto.HexToECDSA(testPayerKeyHex)
	if err != nil {
		t.Fatalf("test key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	now := time.Now().Unix()
	validAfter := "0"
	validBefore := itoa(now + 3600)

	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              "USDC",
			Version:           "2",
			ChainId:           math.NewHexOrDecimal256(8453),
			VerifyingContract: testUSDCHex,
		},
		Message: apitypes.TypedDataMessage{
			"from":        from.Hex(),
			"to":          to,
			"value":       value,
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       testNonceHex,
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		t.Fatalf("hash typed data: %v", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27

	header, err := x402.EncodePayment(&x402.PaymentPayload{
		Scheme:  "exact",
		Network: "base",
		Payload: &x402.ExactEvmPayload{
			Signature: hexutil.Encode(sig),
			Authorization: &x402.Authorization{
				From:        from.Hex(),
				To:          to,
				Value:       value,
				ValidAfter:  validAfter,
				ValidBefore: validBefore,
				Nonce:       testNonceHex,
			},
		},
	})
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	return header
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func doGet(r *gin.Engine, path, paymentHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if paymentHeader != "" {
		req.Header.Set(x402.PaymentHeader, paymentHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode402(t *testing.T, w *httptest.ResponseRecorder) *x402.ErrorResponse {
	t.Helper()
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status: got %d want 402, body %s", w.Code, w.Body.String())
	}
	var resp x402.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode 402 body: %v", err)
	}
	return &resp
}

// ── 402 paths ─────────────────────────────────────────────────────────────────

func TestProcessPayment_MissingHeaderReturns402WithAccepts(t *testing.T) {
	r, queue, _ := newTestGate(t, testConfig(false), &mockSettler{})

	resp := decode402(t, doGet(r, "/api/weather", ""))
	if resp.Error != "X-PAYMENT header is required" {
		t.Errorf("error: %q", resp.Error)
	}
	if len(resp.Accepts) != 1 {
		t.Fatalf("accepts: got %d entries", len(resp.Accepts))
	}
	req := resp.Accepts[0]
	if req.Scheme != "exact" || req.Network != "base" {
		t.Errorf("scheme/network: %s/%s", req.Scheme, req.Network)
	}
	if req.MaxAmountRequired != "1000" {
		t.Errorf("maxAmountRequired: got %q want 1000 (0.001 USDC)", req.MaxAmountRequired)
	}
	if req.PayTo != testPayToHex || req.Asset != testUSDCHex {
		t.Errorf("payTo/asset: %s/%s", req.PayTo, req.Asset)
	}
	if !strings.Contains(req.Description, "7000") {
		t.Errorf("description should advertise the SETTLE amount: %q", req.Description)
	}
	if len(queue.jobs) != 0 {
		t.Error("nothing may be queued on a 402")
	}
}

func TestProcessPayment_TierPricing(t *testing.T) {
	r, _, _ := newTestGate(t, testConfig(false), &mockSettler{})

	tiers := map[string]string{
		"/api/settle0001": "1000",
		"/api/settle001":  "10000",
		"/api/settle01":   "100000",
		"/api/settle1":    "1000000",
		"/api/settle10":   "10000000",
		"/api/settle100":  "100000000",
	}
	for path, want := range tiers {
		resp := decode402(t, doGet(r, path, ""))
		if got := resp.Accepts[0].MaxAmountRequired; got != want {
			t.Errorf("%s: maxAmountRequired got %q want %q", path, got, want)
		}
	}
}

func TestProcessPayment_MalformedHeaderReturns402(t *testing.T) {
	r, _, _ := newTestGate(t, testConfig(false), &mockSettler{})
	resp := decode402(t, doGet(r, "/api/weather", "not-base64!!!"))
	if len(resp.Accepts) != 1 {
		t.Error("402 must still carry accepts")
	}
}

func TestProcessPayment_FacilitatorRejectsReturns402(t *testing.T) {
	fac := &mockSettler{verifyResp: &x402.VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds", Payer: testPayerHex}}
	r, _, _ := newTestGate(t, testConfig(false), fac)

	resp := decode402(t, doGet(r, "/api/weather", signedHeader(t, testSettleHex, "1000")))
	if resp.Error != "insufficient_funds" {
		t.Errorf("error: %q", resp.Error)
	}
	if resp.Payer != testPayerHex {
		t.Errorf("payer: %q", resp.Payer)
	}
	if fac.settleCalls != 0 {
		t.Error("settle must not be called after a failed verify")
	}
}

func TestProcessPayment_WrongRecipientRejectedBeforeSettle(t *testing.T) {
	fac := &mockSettler{}
	r, queue, _ := newTestGate(t, testConfig(false), fac)

	// Authorization pays some other address instead of the settle contract.
	decode402(t, doGet(r, "/api/weather", signedHeader(t, testPayToHex, "1000")))
	if fac.settleCalls != 0 {
		t.Error("settle must not be called for a wrong recipient")
	}
	if len(queue.jobs) != 0 {
		t.Error("nothing may be queued")
	}
}

func TestProcessPayment_BelowMinimumRejected(t *testing.T) {
	fac := &mockSettler{}
	r, _, _ := newTestGate(t, testConfig(false), fac)

	decode402(t, doGet(r, "/api/weather", signedHeader(t, testSettleHex, "999")))
	if fac.settleCalls != 0 {
		t.Error("settle must not be called below the minimum")
	}
}

func TestProcessPayment_SettleErrorReturns402(t *testing.T) {
	fac := &mockSettler{settleErr: errors.New("facilitator down")}
	r, queue, _ := newTestGate(t, testConfig(false), fac)

	w := doGet(r, "/api/weather", signedHeader(t, testSettleHex, "1000"))
	decode402(t, w)
	if w.Header().Get(x402.PaymentResponseHeader) != "" {
		t.Error("X-PAYMENT-RESPONSE must not be set on settle failure")
	}
	if len(queue.jobs) != 0 {
		t.Error("nothing may be queued on settle failure")
	}
}

func TestProcessPayment_SettleRejectedReturns402(t *testing.T) {
	fac := &mockSettler{settleResp: &x402.SettleResponse{Success: false, ErrorReason: "nonce_used", Payer: testPayerHex}}
	r, queue, _ := newTestGate(t, testConfig(false), fac)

	resp := decode402(t, doGet(r, "/api/weather", signedHeader(t, testSettleHex, "1000")))
	if resp.Error != "nonce_used" {
		t.Errorf("error: %q", resp.Error)
	}
	if len(queue.jobs) != 0 {
		t.Error("nothing may be queued when settlement is rejected")
	}
}

// ── success path ──────────────────────────────────────────────────────────────

func TestProcessPayment_SuccessQueuesMintAndResponds(t *testing.T) {
	fac := &mockSettler{}
	r, queue, _ := newTestGate(t, testConfig(false), fac)

	w := doGet(r, "/api/weather", signedHeader(t, testSettleHex, "1000"))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}

	var resp x402.SettledResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !resp.Success || resp.Payer != testPayerHex || resp.USDCTx != "0xusdctx" || resp.Network != "base" {
		t.Errorf("body: %+v", resp)
	}
	if _, err := time.Parse(time.RFC3339, resp.Timestamp); err != nil {
		t.Errorf("timestamp format: %v", err)
	}

	header := w.Header().Get(x402.PaymentResponseHeader)
	if header == "" {
		t.Fatal("X-PAYMENT-RESPONSE missing")
	}
	settleResp, err := x402.DecodeSettleResponse(header)
	if err != nil {
		t.Fatalf("decode response header: %v", err)
	}
	if !settleResp.Success || settleResp.Transaction != "0xusdctx" {
		t.Errorf("response header: %+v", settleResp)
	}

	if len(queue.jobs) != 1 {
		t.Fatalf("queued jobs: got %d want 1", len(queue.jobs))
	}
	if queue.jobs[0].Wallet != testPayerHex || queue.jobs[0].RewardAmount != "1000" {
		t.Errorf("job: %+v", queue.jobs[0])
	}
	if fac.verifyCalls != 1 || fac.settleCalls != 1 {
		t.Errorf("facilitator calls: verify=%d settle=%d", fac.verifyCalls, fac.settleCalls)
	}
}

func TestProcessPayment_NonAddressPayerNotQueued(t *testing.T) {
	fac := &mockSettler{settleResp: &x402.SettleResponse{Success: true, Transaction: "0xtx", Network: "base", Payer: "anonymous"}}
	r, queue, _ := newTestGate(t, testConfig(false), fac)

	w := doGet(r, "/api/weather", signedHeader(t, testSettleHex, "1000"))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if len(queue.jobs) != 0 {
		t.Error("non-address payer must not be queued")
	}
}

// ── local verification ────────────────────────────────────────────────────────

func TestProcessPayment_LocalVerifyAcceptsGenuineSignature(t *testing.T) {
	fac := &mockSettler{}
	r, _, _ := newTestGate(t, testConfig(true), fac)

	w := doGet(r, "/api/weather", signedHeader(t, testSettleHex, "1000"))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
}

func TestProcessPayment_LocalVerifyRejectsForgedFrom(t *testing.T) {
	fac := &mockSettler{}
	r, _, _ := newTestGate(t, testConfig(true), fac)

	// Re-sign, then claim a different from address in the authorization.
	header := signedHeader(t, testSettleHex, "1000")
	payload, err := x402.DecodePayment(header)
	if err != nil {
		t.Fatal(err)
	}
	payload.Payload.Authorization.From = "0x00000000000000000000000000000000000000AA"
	forged, err := x402.EncodePayment(payload)
	if err != nil {
		t.Fatal(err)
	}

	decode402(t, doGet(r, "/api/weather", forged))
	if fac.verifyCalls != 0 {
		t.Error("facilitator must not be consulted for a locally rejected signature")
	}
}

// ── unpaid routes ─────────────────────────────────────────────────────────────

func TestSettleHistory_ServesRecentWindow(t *testing.T) {
	r, _, led := newTestGate(t, testConfig(false), &mockSettler{})
	led.Prepend(ledger.Entry{Hash: "0x1", Wallet: testPayerHex, USDC: "1000", Settle: "7000000000000000000"})
	led.Prepend(ledger.Entry{Hash: "0x2", Wallet: testPayerHex, USDC: "1000", Settle: "7000000000000000000"})

	w := doGet(r, "/api/settleHistory", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var got []ledger.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(got) != 2 || got[0].Hash != "0x2" {
		t.Errorf("history: %+v", got)
	}
}

func TestCheckSig_ValidSignature(t *testing.T) {
	r, _, _ := newTestGate(t, testConfig(false), &mockSettler{})

	header := signedHeader(t, testSettleHex, "1000")
	payload, err := x402.DecodePayment(header)
	if err != nil {
		t.Fatal(err)
	}
	auth := payload.Payload.Authorization

	body := map[string]any{
		"sig": payload.Payload.Signature,
		"EIP712": map[string]any{
			"types": map[string]any{
				"TransferWithAuthorization": []map[string]string{
					{"name": "from", "type": "address"},
					{"name": "to", "type": "address"},
					{"name": "value", "type": "uint256"},
					{"name": "validAfter", "type": "uint256"},
					{"name": "validBefore", "type": "uint256"},
					{"name": "nonce", "type": "bytes32"},
				},
			},
			"primaryType": "TransferWithAuthorization",
			"domain": map[string]any{
				"name":              "USDC",
				"version":           "2",
				"chainId":           8453,
				"verifyingContract": testUSDCHex,
			},
			"message": map[string]any{
				"from":        auth.From,
				"to":          auth.To,
				"value":       auth.Value,
				"validAfter":  auth.ValidAfter,
				"validBefore": auth.ValidBefore,
				"nonce":       auth.Nonce,
			},
		},
	}
	raw, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/api/checkSig", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	var proof struct {
		IsValid          bool   `json:"isValid"`
		RecoveredAddress string `json:"recoveredAddress"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &proof); err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	if !proof.IsValid {
		t.Error("proof should be valid")
	}
	if !strings.EqualFold(proof.RecoveredAddress, auth.From) {
		t.Errorf("recovered: got %s want %s", proof.RecoveredAddress, auth.From)
	}
}

func TestCheckSig_MalformedBodyReturns400(t *testing.T) {
	r, _, _ := newTestGate(t, testConfig(false), &mockSettler{})

	req := httptest.NewRequest(http.MethodPost, "/api/checkSig", strings.NewReader(`{"sig":""}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d want 400", w.Code)
	}
}
