package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event is one raw mint event appended to the secondary event log.
type Event struct {
	Wallet      string `json:"wallet"`
	USDC        string `json:"USDC"`
	Settle      string `json:"SETTLE"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// EventLog buffers raw mint events in memory and merges them into a JSON
// array on disk, newest batch first with each batch sorted by block number
// descending.
type EventLog struct {
	path string
	log  *zap.Logger

	mu      sync.Mutex
	pending []Event

	flushing atomic.Bool
}

func NewEventLog(path string, log *zap.Logger) *EventLog {
	return &EventLog{path: path, log: log}
}

// Append buffers an event for the next flush.
func (el *EventLog) Append(e Event) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.pending = append(el.pending, e)
}

// Flush merges the pending batch into the on-disk array. Overlapping flushes
// are dropped; an empty buffer is a no-op with no disk access.
func (el *EventLog) Flush() error {
	if !el.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer el.flushing.Store(false)

	el.mu.Lock()
	batch := el.pending
	el.pending = nil
	el.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	sort.Slice(batch, func(i, j int) bool { return batch[i].BlockNumber > batch[j].BlockNumber })

	var old []Event
	if raw, err := os.ReadFile(el.path); err == nil {
		if err := json.Unmarshal(raw, &old); err != nil {
			el.log.Error("parse event log, keeping file as-is in merge base", zap.String("path", el.path), zap.Error(err))
			old = nil
		}
	}

	merged := append(batch, old...)
	if err := writeAtomic(el.path, merged); err != nil {
		// Put the batch back so the next flush retries it.
		el.mu.Lock()
		el.pending = append(batch, el.pending...)
		el.mu.Unlock()
		return fmt.Errorf("flush event log: %w", err)
	}

	el.log.Info("event log flushed", zap.Int("events", len(batch)))
	return nil
}

// Run flushes periodically until ctx is cancelled, then flushes once more.
func (el *EventLog) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := el.Flush(); err != nil {
				el.log.Error("final event log flush", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := el.Flush(); err != nil {
				el.log.Error("event log flush", zap.Error(err))
			}
		}
	}
}
