// Package ledger persists completed settlements to a JSON store on disk.
//
// The store is an array ordered newest-first and deduplicated by settlement
// transaction hash. Writes go through a temp file followed by an atomic
// rename, so a crash mid-flush leaves the previous file intact.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RecentWindowSize is how many of the newest entries are served as history.
const RecentWindowSize = 20

// Entry is one completed settlement. JSON field names match the existing
// on-disk format (including the "timestmp" spelling).
type Entry struct {
	Hash      string `json:"hash"`
	Wallet    string `json:"wallet"`
	Settle    string `json:"SETTLE"`
	USDC      string `json:"USDC"`
	Timestamp string `json:"timestmp"`
}

// Ledger owns the settle store: an in-memory newest-first cache of recent
// entries plus the full on-disk array.
type Ledger struct {
	path string
	log  *zap.Logger

	mu        sync.Mutex
	recent    []Entry // newest first; grows until the next Load
	fileCache []Entry
	persisted map[string]struct{} // hashes known to be on disk

	flushing atomic.Bool
}

func New(path string, log *zap.Logger) *Ledger {
	return &Ledger{
		path:      path,
		log:       log,
		persisted: make(map[string]struct{}),
	}
}

// Load reads the on-disk store and initializes the recent window and the
// dedup index. A missing file is initialized empty; any other read or parse
// error is logged and the session starts empty — flushes re-merge the on-disk
// content each time, so nothing is clobbered by a transient read failure.
func (l *Ledger) Load() {
	entries, index := l.readStore()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.fileCache = entries
	l.persisted = index
	n := len(entries)
	if n > RecentWindowSize {
		n = RecentWindowSize
	}
	l.recent = append([]Entry(nil), entries[:n]...)
	l.log.Info("settle store loaded", zap.String("path", l.path), zap.Int("entries", len(entries)), zap.Int("recent", n))
}

// Prepend records a new settlement at the head of the recent window.
// Persistence happens on the next flush.
func (l *Ledger) Prepend(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent = append([]Entry{e}, l.recent...)
}

// Recent returns a copy of the newest entries for read-only serving.
func (l *Ledger) Recent() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.recent)
	if n > RecentWindowSize {
		n = RecentWindowSize
	}
	return append([]Entry(nil), l.recent[:n]...)
}

// Flush writes any recent entries that are not yet on disk. A flush arriving
// while one is in progress is dropped, not queued; the next tick picks up
// whatever was missed. With nothing new to write, Flush touches no files.
func (l *Ledger) Flush() error {
	if !l.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer l.flushing.Store(false)

	// Full scan, no early exit on an already-persisted hash: entries beyond
	// the served window may still need backfilling.
	l.mu.Lock()
	var candidates []Entry
	for _, e := range l.recent {
		if _, ok := l.persisted[dedupKey(e)]; !ok {
			candidates = append(candidates, e)
		}
	}
	l.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}

	// Reload the store to merge concurrent external changes, then re-filter.
	fileEntries, fileIndex := l.readStore()
	var reallyNew []Entry
	for _, e := range candidates {
		if _, ok := fileIndex[dedupKey(e)]; !ok {
			reallyNew = append(reallyNew, e)
		}
	}
	if len(reallyNew) == 0 {
		l.mu.Lock()
		l.fileCache = fileEntries
		l.persisted = fileIndex
		l.mu.Unlock()
		return nil
	}

	next := append(append([]Entry(nil), reallyNew...), fileEntries...)
	if err := writeAtomic(l.path, next); err != nil {
		return fmt.Errorf("flush settle store: %w", err)
	}

	// Cache and index advance only after the rename succeeded.
	l.mu.Lock()
	l.fileCache = next
	for _, e := range next {
		fileIndex[dedupKey(e)] = struct{}{}
	}
	l.persisted = fileIndex
	l.mu.Unlock()

	l.log.Info("settle store flushed", zap.Int("new_entries", len(reallyNew)))
	return nil
}

// Run flushes periodically until ctx is cancelled, then makes one final
// best-effort flush.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := l.Flush(); err != nil {
				l.log.Error("final settle flush", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				l.log.Error("settle flush", zap.Error(err))
			}
		}
	}
}

// readStore parses the on-disk array, deduplicating by hash and keeping the
// first occurrence in file order.
func (l *Ledger) readStore() ([]Entry, map[string]struct{}) {
	index := make(map[string]struct{})

	raw, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if werr := os.WriteFile(l.path, []byte("[]"), 0o644); werr != nil {
				l.log.Error("init settle store", zap.String("path", l.path), zap.Error(werr))
			}
			return nil, index
		}
		l.log.Error("read settle store", zap.String("path", l.path), zap.Error(err))
		return nil, index
	}

	var arr []Entry
	if err := json.Unmarshal(raw, &arr); err != nil {
		l.log.Error("parse settle store", zap.String("path", l.path), zap.Error(err))
		return nil, index
	}

	deduped := make([]Entry, 0, len(arr))
	for _, e := range arr {
		key := dedupKey(e)
		if _, seen := index[key]; seen {
			continue
		}
		index[key] = struct{}{}
		deduped = append(deduped, e)
	}
	return deduped, index
}

// dedupKey is the entry's hash, falling back to a structural key when the
// hash field is missing (never expected in practice).
func dedupKey(e Entry) string {
	if e.Hash != "" {
		return e.Hash
	}
	raw, _ := json.Marshal(e)
	return string(raw)
}

func writeAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
