package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/settleonbase/settle-gate/internal/chain"
	"github.com/settleonbase/settle-gate/internal/config"
	"github.com/settleonbase/settle-gate/internal/facilitator"
	"github.com/settleonbase/settle-gate/internal/gate"
	"github.com/settleonbase/settle-gate/internal/ledger"
	"github.com/settleonbase/settle-gate/internal/mintqueue"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain client (SETTLE token binding) ───────────────────────────────────
	if !common.IsHexAddress(cfg.Chain.SettleContract) {
		log.Fatal("invalid SETTLE_CONTRACT", zap.String("value", cfg.Chain.SettleContract))
	}
	onchain, err := chain.NewClient(cfg.Chain.RPCURL, common.HexToAddress(cfg.Chain.SettleContract), cfg.Chain.ChainID)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}

	// ── Admin signer pool ─────────────────────────────────────────────────────
	pool, err := mintqueue.NewSignerPool(cfg.Chain.AdminKeys)
	if err != nil {
		log.Fatal("signer pool init failed", zap.Error(err))
	}

	// ── Ledgers ───────────────────────────────────────────────────────────────
	settleStore := ledger.New(cfg.Ledger.SettlePath, log)
	settleStore.Load()
	eventLog := ledger.NewEventLog(cfg.Ledger.EventPath, log)

	flushInterval := time.Duration(cfg.Ledger.FlushIntervalSec) * time.Second
	go settleStore.Run(ctx, flushInterval)
	go eventLog.Run(ctx, flushInterval)

	// ── Mint queue ────────────────────────────────────────────────────────────
	mintRate, err := mintRateWei(cfg.Mint.Rate)
	if err != nil {
		log.Fatal("invalid MINT_RATE", zap.Error(err))
	}
	queue := mintqueue.New(rdb, pool, onchain, settleStore, eventLog, mintRate, mintqueue.RetryPolicy{
		Interval:    time.Duration(cfg.Mint.RetryIntervalSec) * time.Second,
		Backoff:     cfg.Mint.Backoff,
		MaxAttempts: cfg.Mint.MaxAttempts,
	}, log)
	go queue.Run(ctx)

	// ── Facilitator client ────────────────────────────────────────────────────
	var facOpts []facilitator.Option
	if cfg.Facilitator.KeyID != "" && cfg.Facilitator.KeySecret != "" {
		token := base64.StdEncoding.EncodeToString([]byte(cfg.Facilitator.KeyID + ":" + cfg.Facilitator.KeySecret))
		facOpts = append(facOpts, facilitator.WithAuthHeaders(func(string) (map[string]string, error) {
			return map[string]string{"Authorization": "Basic " + token}, nil
		}))
	}
	fac := facilitator.NewClient(cfg.Facilitator.URL, facOpts...)

	// ── Payment gate ──────────────────────────────────────────────────────────
	pg, err := gate.New(cfg, fac, queue, settleStore, log)
	if err != nil {
		log.Fatal("gate init failed", zap.Error(err))
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api := r.Group("/api")
	pg.Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// The ledger Run loops flush once more on cancel; give them a moment
	// before the process exits.
	if err := settleStore.Flush(); err != nil {
		log.Error("final settle flush", zap.Error(err))
	}
	if err := eventLog.Flush(); err != nil {
		log.Error("final event flush", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// mintRateWei converts the configured whole-token rate into 18-decimal wei.
func mintRateWei(rate string) (*big.Int, error) {
	whole, ok := new(big.Int).SetString(rate, 10)
	if !ok {
		return nil, fmt.Errorf("not a whole token amount: %q", rate)
	}
	return whole.Mul(whole, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)), nil
}
