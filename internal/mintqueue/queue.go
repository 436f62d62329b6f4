// Package mintqueue serializes SETTLE reward minting behind a Redis list.
//
// Jobs are enqueued once per successful settlement and drained by a single
// consumer, so at most one mint transaction is in flight at a time. A failed
// job goes back to the *head* of the list to preserve attempted order toward
// the oldest pending payer, and the consumer waits out the retry interval
// before the next drain.
package mintqueue

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/settleonbase/settle-gate/internal/ledger"
)

// Redis keys for the mint queue and its dead-letter list.
const (
	QueueKey = "mint:queue"
	DLQKey   = "mint:dlq"
)

const blpopTimeout = 5 * time.Second

var usdcDecimals = big.NewInt(1_000_000)

// toUTCString layout of the recorded settlement timestamps.
const timestampLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// Job is one pending reward mint. RewardAmount is in atomic USDC units; the
// JSON field name matches the queue's existing payload format.
type Job struct {
	Wallet       string `json:"wallet"`
	RewardAmount string `json:"settle"`
	Attempts     int    `json:"attempts,omitempty"`
}

// Minter submits a mint transaction and waits for confirmation.
// Implemented by chain.Client.
type Minter interface {
	Mint(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, uint64, error)
}

// RetryPolicy controls how failed mints are retried.
type RetryPolicy struct {
	// Interval is the delay before the next drain after a failure.
	Interval time.Duration
	// Backoff multiplies the delay after each consecutive failure. 1.0 keeps
	// the interval fixed.
	Backoff float64
	// MaxAttempts caps retries per job; 0 retries forever. Jobs exceeding the
	// cap are parked in the dead-letter list, never dropped.
	MaxAttempts int
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	if p.Backoff < 1 {
		p.Backoff = 1
	}
	return p
}

// Queue owns the mint pipeline: the Redis list, the signer pool, the chain
// minter, and the ledgers updated on success.
type Queue struct {
	rdb      *redis.Client
	pool     *SignerPool
	minter   Minter
	ledger   *ledger.Ledger
	events   *ledger.EventLog
	mintRate *big.Int // SETTLE wei minted per whole USDC
	retry    RetryPolicy
	log      *zap.Logger
}

func New(
	rdb *redis.Client,
	pool *SignerPool,
	minter Minter,
	led *ledger.Ledger,
	events *ledger.EventLog,
	mintRate *big.Int,
	retry RetryPolicy,
	log *zap.Logger,
) *Queue {
	return &Queue{
		rdb:      rdb,
		pool:     pool,
		minter:   minter,
		ledger:   led,
		events:   events,
		mintRate: mintRate,
		retry:    retry.withDefaults(),
		log:      log,
	}
}

// Enqueue pushes a job onto the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal mint job: %w", err)
	}
	if err := q.rdb.RPush(ctx, QueueKey, string(raw)).Err(); err != nil {
		return fmt.Errorf("enqueue mint job: %w", err)
	}
	return nil
}

// Len reports the number of pending jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, QueueKey).Result()
}

// Run is the single-consumer drain loop: BLPOP → checkout signer → mint →
// record or head-requeue. It returns when ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	q.log.Info("mint queue started",
		zap.Int("signers", q.pool.Len()),
		zap.Duration("retry_interval", q.retry.Interval),
	)

	delay := q.retry.Interval
	for {
		if ctx.Err() != nil {
			q.log.Info("mint queue stopped")
			return
		}

		results, err := q.rdb.BLPop(ctx, blpopTimeout, QueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // timeout, nothing pending
			}
			if ctx.Err() != nil {
				return
			}
			q.log.Error("mint queue: BLPOP", zap.Error(err))
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		raw := results[1]
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.log.Error("mint queue: malformed job parked in DLQ", zap.String("raw", raw), zap.Error(err))
			q.rdb.RPush(ctx, DLQKey, raw)
			continue
		}

		signer, ok := q.pool.Checkout()
		if !ok {
			// Should not happen with a sequential drain; handled defensively.
			// The job returns to the head and no retry timer is scheduled.
			q.rdb.LPush(ctx, QueueKey, raw)
			q.log.Error("mint queue: signer pool empty, job requeued", zap.String("wallet", job.Wallet))
			continue
		}

		done := q.process(ctx, signer, job)
		q.pool.Return(signer)

		if done {
			delay = q.retry.Interval
			continue
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = time.Duration(float64(delay) * q.retry.Backoff)
	}
}

// process runs one mint attempt. It returns false only when the job was
// requeued at the head and the retry delay should elapse before the next
// drain.
func (q *Queue) process(ctx context.Context, signer *AdminSigner, job Job) bool {
	amount, ok := new(big.Int).SetString(job.RewardAmount, 10)
	if !ok || !common.IsHexAddress(job.Wallet) {
		q.parkInDLQ(ctx, job, "unmintable job")
		return true
	}
	wallet := common.HexToAddress(job.Wallet)

	txHash, blockNumber, err := q.minter.Mint(ctx, signer.Key, wallet, amount)
	if err != nil {
		job.Attempts++
		q.log.Error("mint failed",
			zap.String("wallet", job.Wallet),
			zap.String("signer", signer.Address.Hex()),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
		if q.retry.MaxAttempts > 0 && job.Attempts >= q.retry.MaxAttempts {
			q.parkInDLQ(ctx, job, "max attempts reached")
			return true
		}
		raw, _ := json.Marshal(job)
		if err := q.rdb.LPush(ctx, QueueKey, string(raw)).Err(); err != nil {
			q.log.Error("mint queue: head requeue", zap.Error(err))
		}
		return false
	}

	settle := new(big.Int).Mul(amount, q.mintRate)
	settle.Div(settle, usdcDecimals)

	q.ledger.Prepend(ledger.Entry{
		Hash:      txHash.Hex(),
		Wallet:    job.Wallet,
		USDC:      job.RewardAmount,
		Settle:    settle.String(),
		Timestamp: time.Now().UTC().Format(timestampLayout),
	})
	q.events.Append(ledger.Event{
		Wallet:      job.Wallet,
		USDC:        job.RewardAmount,
		Settle:      settle.String(),
		TxHash:      txHash.Hex(),
		BlockNumber: blockNumber,
	})

	q.log.Info("mint confirmed",
		zap.String("wallet", job.Wallet),
		zap.String("tx", txHash.Hex()),
		zap.String("settle", settle.String()),
	)
	return true
}

func (q *Queue) parkInDLQ(ctx context.Context, job Job, reason string) {
	raw, _ := json.Marshal(job)
	if err := q.rdb.RPush(ctx, DLQKey, string(raw)).Err(); err != nil {
		q.log.Error("mint queue: DLQ push", zap.Error(err))
	}
	q.log.Error("mint job parked in DLQ",
		zap.String("wallet", job.Wallet),
		zap.String("reason", reason),
	)
}

// sleepCtx waits d or until ctx is cancelled; false means cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
