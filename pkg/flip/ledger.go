package flip

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger is a bounded, deduplicated, recency-ordered store of outcome
// records. It is populated once by Backfill and continuously by AppendLive;
// both paths share the same dedup and ordering rule, so a record arriving
// on either path first is never duplicated by the other.
//
// Ordering invariant: entries are in non-increasing block order, newest
// first. Same-block ties are broken by insertion recency.
type Ledger struct {
	client  LedgerClient
	horizon int

	mu      sync.RWMutex
	records []OutcomeRecord
	seen    map[common.Hash]struct{}

	onChange func([]OutcomeRecord)
}

// NewLedger creates an empty ledger capped at horizon records.
func NewLedger(client LedgerClient, horizon int) *Ledger {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Ledger{
		client:  client,
		horizon: horizon,
		seen:    make(map[common.Hash]struct{}),
	}
}

// OnChange sets a callback invoked with a fresh snapshot after every
// mutation that changed the ledger. The callback runs outside the ledger
// lock and must not mutate the snapshot.
func (l *Ledger) OnChange(fn func([]OutcomeRecord)) {
	l.onChange = fn
}

// Backfill fetches historical records over the most recent maxBlockSpan
// blocks (from block 0 if the chain is shorter) and merges them into the
// ledger. On failure the ledger is left unchanged and the error wraps
// ErrHistoryUnavailable; the session stays usable in live-only mode.
func (l *Ledger) Backfill(ctx context.Context, maxBlockSpan uint64) error {
	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("%w: block number: %v", ErrHistoryUnavailable, err)
	}

	var from uint64
	if head > maxBlockSpan {
		from = head - maxBlockSpan
	}

	recs, err := l.client.FilterOutcomes(ctx, from, head)
	if err != nil {
		return fmt.Errorf("%w: filter logs [%d,%d]: %v", ErrHistoryUnavailable, from, head, err)
	}

	// FilterOutcomes returns ascending block order; reverse so the merge
	// input is newest-first like a live batch.
	reversed := make([]OutcomeRecord, len(recs))
	for i, r := range recs {
		reversed[len(recs)-1-i] = r
	}

	// Backfilled records are appended behind any live entries already
	// present: a record the subscription delivered first is strictly newer
	// knowledge than the same block rediscovered by the scan.
	l.merge(reversed, false)
	return nil
}

// AppendLive merges a batch of newly observed records onto the front of
// the ledger. The batch arrives oldest-first from the subscription and is
// reversed so the most recent record ends up first.
func (l *Ledger) AppendLive(batch []OutcomeRecord) {
	if len(batch) == 0 {
		return
	}
	reversed := make([]OutcomeRecord, len(batch))
	for i, r := range batch {
		reversed[len(batch)-1-i] = r
	}
	l.merge(reversed, true)
}

// merge inserts records (given newest-first), skipping duplicates and
// records that fail validation, then restores ordering and the horizon
// bound. front selects whether new entries win same-block ties.
func (l *Ledger) merge(recs []OutcomeRecord, front bool) {
	l.mu.Lock()

	fresh := make([]OutcomeRecord, 0, len(recs))
	for _, r := range recs {
		if _, dup := l.seen[r.TxHash]; dup {
			continue
		}
		if err := r.Validate(); err != nil {
			continue
		}
		l.seen[r.TxHash] = struct{}{}
		fresh = append(fresh, r)
	}

	changed := len(fresh) > 0
	if changed {
		if front {
			l.records = append(fresh, l.records...)
		} else {
			l.records = append(l.records, fresh...)
		}
		// Stable: preserves the front/back placement for same-block ties.
		sort.SliceStable(l.records, func(i, j int) bool {
			return l.records[i].BlockNumber > l.records[j].BlockNumber
		})
		if len(l.records) > l.horizon {
			for _, evicted := range l.records[l.horizon:] {
				delete(l.seen, evicted.TxHash)
			}
			l.records = l.records[:l.horizon]
		}
	}

	var snap []OutcomeRecord
	notify := changed && l.onChange != nil
	if notify {
		snap = l.snapshotLocked()
	}
	l.mu.Unlock()

	if notify {
		l.onChange(snap)
	}
}

// Snapshot returns a copy of the current ledger contents, newest first.
// Reading never mutates ledger state.
func (l *Ledger) Snapshot() []OutcomeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() []OutcomeRecord {
	snap := make([]OutcomeRecord, len(l.records))
	copy(snap, l.records)
	return snap
}

// Len returns the number of records currently held.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Contains reports whether a transaction hash is present.
func (l *Ledger) Contains(tx common.Hash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[tx]
	return ok
}
