// Package gate is the x402 payment gate: it prices resources in USDC,
// verifies and settles payments through the facilitator, and queues SETTLE
// reward mints for settled payers.
package gate

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/settleonbase/settle-gate/internal/config"
	"github.com/settleonbase/settle-gate/internal/ledger"
	"github.com/settleonbase/settle-gate/internal/mintqueue"
	"github.com/settleonbase/settle-gate/internal/sigverify"
	"github.com/settleonbase/settle-gate/internal/x402"
)

// Settler is satisfied by facilitator.Client.
// Decoupled here so gate tests can use a mock.
type Settler interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error)
}

// Enqueuer is satisfied by mintqueue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job mintqueue.Job) error
}

// Gate wires the payment routes onto a Gin engine.
type Gate struct {
	network        string
	payTo          string
	usdcContract   string
	settleContract string
	minAtomic      *big.Int
	rewardAtomic   string
	mintRate       *big.Int // wei of SETTLE per whole USDC
	localVerify    bool

	fac      Settler
	queue    Enqueuer
	ledger   *ledger.Ledger
	verifier *sigverify.Verifier
	log      *zap.Logger
}

func New(cfg *config.Config, fac Settler, queue Enqueuer, led *ledger.Ledger, log *zap.Logger) (*Gate, error) {
	rate, err := parseUnits(cfg.Mint.Rate, 18)
	if err != nil {
		return nil, err
	}
	return &Gate{
		network:        networkForChainID(cfg.Chain.ChainID),
		payTo:          cfg.Chain.PayTo,
		usdcContract:   cfg.Chain.USDCContract,
		settleContract: cfg.Chain.SettleContract,
		minAtomic:      big.NewInt(cfg.Mint.MinAtomic),
		rewardAtomic:   cfg.Mint.RewardAtomic,
		mintRate:       rate,
		localVerify:    cfg.Gate.LocalVerify,
		fac:            fac,
		queue:          queue,
		ledger:         led,
		verifier:       sigverify.NewVerifier(log),
		log:            log,
	}, nil
}

// Register mounts all routes onto the group (mounted at /api).
func (g *Gate) Register(rg *gin.RouterGroup) {
	// ── Paid resources, priced in USDC ────────────────────────────────────
	rg.GET("/weather", g.paid("0.001"))
	rg.GET("/settle0001", g.paid("0.001"))
	rg.GET("/settle001", g.paid("0.01"))
	rg.GET("/settle01", g.paid("0.1"))
	rg.GET("/settle1", g.paid("1.00"))
	rg.GET("/settle10", g.paid("10.00"))
	rg.GET("/settle100", g.paid("100.00"))

	// ── Unpaid ────────────────────────────────────────────────────────────
	rg.GET("/settleHistory", g.handleHistory)
	rg.POST("/checkSig", g.handleCheckSig)
}

func (g *Gate) paid(price string) gin.HandlerFunc {
	return func(c *gin.Context) {
		g.ProcessPayment(c, price)
	}
}

// ProcessPayment runs the full payment flow for one request:
// price → requirements → verify → authorization check → settle → queue mint
// → respond. Every rejection is a 402 carrying the accepted requirements.
func (g *Gate) ProcessPayment(c *gin.Context, price string) {
	usdcAtomic, err := parseUnits(price, usdcDecimals)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bad resource price"})
		return
	}
	settleValue := new(big.Int).Mul(usdcAtomic, g.mintRate)

	requirements := g.buildRequirements(
		usdcAtomic,
		resourceURL(c),
		"SETTLE Mint / Early Access $SETTLE "+formatUnits(settleValue, 18),
	)

	payload, ok := g.verifyPayment(c, requirements)
	if !ok {
		return
	}

	auth := payload.Payload.Authorization
	if !g.checkAuthorization(auth) {
		g.log.Warn("authorization rejected",
			zap.String("path", c.Request.URL.Path),
			zap.String("to", auth.To),
			zap.String("value", auth.Value),
		)
		reject(c, requirements, "authorization does not pay the settle contract", "")
		return
	}

	settleResp, err := g.fac.Settle(c.Request.Context(), payload, &requirements[0])
	if err != nil {
		g.log.Error("settle failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		reject(c, requirements, "payment settlement failed", "")
		return
	}
	if !settleResp.Success {
		g.log.Warn("settle rejected",
			zap.String("path", c.Request.URL.Path),
			zap.String("reason", settleResp.ErrorReason),
			zap.String("payer", settleResp.Payer),
		)
		reject(c, requirements, settleResp.ErrorReason, settleResp.Payer)
		return
	}

	responseHeader, err := x402.EncodeSettleResponse(settleResp)
	if err != nil {
		reject(c, requirements, "encode settle response", settleResp.Payer)
		return
	}

	// Minting is fire-and-forget: the queue consumer drains asynchronously
	// and the response never waits for the chain.
	if common.IsHexAddress(settleResp.Payer) {
		job := mintqueue.Job{Wallet: settleResp.Payer, RewardAmount: g.rewardAtomic}
		if err := g.queue.Enqueue(c.Request.Context(), job); err != nil {
			g.log.Error("enqueue mint", zap.String("wallet", settleResp.Payer), zap.Error(err))
		}
	}

	g.log.Info("payment settled",
		zap.String("path", c.Request.URL.Path),
		zap.String("payer", settleResp.Payer),
		zap.String("tx", settleResp.Transaction),
	)

	c.Header(x402.PaymentResponseHeader, responseHeader)
	c.JSON(http.StatusOK, x402.SettledResponse{
		Success:   true,
		Payer:     settleResp.Payer,
		USDCTx:    settleResp.Transaction,
		Network:   settleResp.Network,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// verifyPayment decodes the X-PAYMENT header and verifies it, locally first
// when enabled and then with the facilitator. A false return means a 402 was
// already written.
func (g *Gate) verifyPayment(c *gin.Context, requirements []x402.PaymentRequirements) (*x402.PaymentPayload, bool) {
	header := c.GetHeader(x402.PaymentHeader)
	if header == "" {
		reject(c, requirements, "X-PAYMENT header is required", "")
		return nil, false
	}

	payload, err := x402.DecodePayment(header)
	if err != nil {
		reject(c, requirements, "invalid or malformed payment header", "")
		return nil, false
	}

	selected := x402.FindMatchingRequirements(requirements, payload)
	if selected == nil {
		selected = &requirements[0]
	}

	if g.localVerify {
		proof, err := g.verifier.Verify(verifyInput(payload, selected))
		if err != nil || !proof.IsValid {
			g.log.Warn("local signature check failed",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			reject(c, requirements, "invalid payment signature", payload.Payload.Authorization.From)
			return nil, false
		}
	}

	resp, err := g.fac.Verify(c.Request.Context(), payload, selected)
	if err != nil {
		g.log.Error("facilitator verify", zap.String("path", c.Request.URL.Path), zap.Error(err))
		reject(c, requirements, "payment verification failed", "")
		return nil, false
	}
	if !resp.IsValid {
		reject(c, requirements, resp.InvalidReason, resp.Payer)
		return nil, false
	}
	return payload, true
}

// checkAuthorization enforces that the signed transfer pays the settle
// contract at least the minimum atomic amount.
func (g *Gate) checkAuthorization(auth *x402.Authorization) bool {
	if !strings.EqualFold(auth.To, g.settleContract) {
		return false
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return false
	}
	return value.Cmp(g.minAtomic) >= 0
}

// verifyInput reconstructs the EIP-712 typed data the payer signed from the
// payment payload and the selected requirement.
func verifyInput(p *x402.PaymentPayload, req *x402.PaymentRequirements) *sigverify.Input {
	auth := p.Payload.Authorization
	in := &sigverify.Input{
		Signature: p.Payload.Signature,
		TypedData: sigverify.TypedData{
			Types: sigverify.TypeMap{
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
			Domain: sigverify.Domain{
				ChainID:           sigverify.FlexUint64(chainIDForNetwork(req.Network)),
				VerifyingContract: req.Asset,
			},
			Message: sigverify.Message{
				From:        auth.From,
				To:          auth.To,
				Value:       sigverify.FlexString(auth.Value),
				ValidAfter:  sigverify.FlexString(auth.ValidAfter),
				ValidBefore: sigverify.FlexString(auth.ValidBefore),
				Nonce:       auth.Nonce,
			},
		},
	}
	if req.Extra != nil {
		in.TypedData.Domain.Name = req.Extra.Name
		in.TypedData.Domain.Version = req.Extra.Version
	}
	return in
}

func chainIDForNetwork(network string) uint64 {
	switch network {
	case "base":
		return 8453
	case "base-sepolia":
		return 84532
	default:
		return 8453
	}
}

// ── Unpaid handlers ─────────────────────────────────────────────────────────

// handleHistory serves the recent settlement window, newest first.
func (g *Gate) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, g.ledger.Recent())
}

// handleCheckSig verifies a {sig, EIP712} body and returns the recovery proof.
func (g *Gate) handleCheckSig(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}
	in, err := sigverify.ParseInput(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	proof, err := g.verifier.Verify(in)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, proof)
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func reject(c *gin.Context, requirements []x402.PaymentRequirements, reason, payer string) {
	if reason == "" {
		reason = "payment rejected"
	}
	c.JSON(http.StatusPaymentRequired, x402.ErrorResponse{
		X402Version: x402.Version,
		Error:       reason,
		Accepts:     requirements,
		Payer:       payer,
	})
}

// resourceURL reconstructs the absolute URL of the requested resource.
func resourceURL(c *gin.Context) string {
	scheme := "https"
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if c.Request.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
}
