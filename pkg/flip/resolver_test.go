package flip

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

func armedResolver(t *testing.T) (*Resolver, uuid.UUID, common.Hash) {
	t.Helper()
	r := NewResolver(testPlayer)
	id, err := r.Begin(SideHeads, big.NewInt(1e15))
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	tx := nextTx()
	if !r.Arm(id, tx) {
		t.Fatal("Arm failed")
	}
	return r, id, tx
}

func TestResolverLifecycle(t *testing.T) {
	r := NewResolver(testPlayer)
	if r.State() != StateIdle {
		t.Fatalf("New resolver should be idle, got %s", r.State())
	}

	id, err := r.Begin(SideHeads, big.NewInt(1e15))
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if r.State() != StateSubmitting {
		t.Errorf("State after Begin = %s, want submitting", r.State())
	}

	tx := nextTx()
	if !r.Arm(id, tx) {
		t.Fatal("Arm failed")
	}
	if r.State() != StateAwaitingSettlement {
		t.Errorf("State after Arm = %s, want awaiting_settlement", r.State())
	}

	var settled []InFlightBet
	r.OnSettled(func(bet InFlightBet) { settled = append(settled, bet) })

	rec := testRecord(testPlayer, 7, true)
	rec.TxHash = tx
	r.Observe([]OutcomeRecord{rec})

	if len(settled) != 1 {
		t.Fatalf("Expected 1 settlement, got %d", len(settled))
	}
	if settled[0].Path != PathLive {
		t.Errorf("Path = %s, want live", settled[0].Path)
	}
	if settled[0].Result == nil || settled[0].Result.TxHash != tx {
		t.Error("Settled bet should carry the matching record")
	}
	if r.State() != StateSettled {
		t.Errorf("State after settle = %s, want settled", r.State())
	}

	if !r.Release(id) {
		t.Fatal("Release failed")
	}
	if r.State() != StateIdle {
		t.Errorf("State after Release = %s, want idle", r.State())
	}
}

func TestReceiptPathSettles(t *testing.T) {
	r, id, tx := armedResolver(t)

	var settled []InFlightBet
	r.OnSettled(func(bet InFlightBet) { settled = append(settled, bet) })

	rec := testRecord(testPlayer, 7, false)
	rec.TxHash = tx
	r.ResolveReceipt(id, []OutcomeRecord{rec})

	if len(settled) != 1 {
		t.Fatalf("Expected 1 settlement, got %d", len(settled))
	}
	if settled[0].Path != PathReceipt {
		t.Errorf("Path = %s, want receipt", settled[0].Path)
	}
}

func TestSettlementFiresOnce(t *testing.T) {
	r, id, tx := armedResolver(t)

	var mu sync.Mutex
	count := 0
	r.OnSettled(func(InFlightBet) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	rec := testRecord(testPlayer, 7, true)
	rec.TxHash = tx

	// Both discovery paths report, concurrently and repeatedly.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Observe([]OutcomeRecord{rec})
		}()
		go func() {
			defer wg.Done()
			r.ResolveReceipt(id, []OutcomeRecord{rec})
		}()
	}
	wg.Wait()

	if count != 1 {
		t.Errorf("Settlement fired %d times, want exactly 1", count)
	}
}

func TestObserveIgnoresOtherPlayers(t *testing.T) {
	r, _, tx := armedResolver(t)

	other := common.HexToAddress("0x00000000000000000000000000000000000000bB")
	rec := testRecord(other, 7, true)
	rec.TxHash = tx
	r.Observe([]OutcomeRecord{rec})

	if r.State() != StateAwaitingSettlement {
		t.Errorf("Other player's record should not settle the slot, state = %s", r.State())
	}
}

func TestObserveIgnoresConflictingTxHash(t *testing.T) {
	r, _, _ := armedResolver(t)

	rec := testRecord(testPlayer, 7, true) // different tx hash
	r.Observe([]OutcomeRecord{rec})

	if r.State() != StateAwaitingSettlement {
		t.Errorf("Conflicting tx hash should not settle the slot, state = %s", r.State())
	}
}

func TestBeginWhileOccupied(t *testing.T) {
	r, _, _ := armedResolver(t)

	if _, err := r.Begin(SideTails, big.NewInt(1e15)); !errors.Is(err, ErrBetInFlight) {
		t.Errorf("Expected ErrBetInFlight, got %v", err)
	}
}

func TestIllegalTransitionsAreNoOps(t *testing.T) {
	r := NewResolver(testPlayer)

	if r.Arm(uuid.New(), nextTx()) {
		t.Error("Arm on idle slot should be a no-op")
	}
	if r.Abort(uuid.New()) {
		t.Error("Abort on idle slot should be a no-op")
	}
	if r.Release(uuid.New()) {
		t.Error("Release on idle slot should be a no-op")
	}
	if _, ok := r.ForceClear(uuid.New()); ok {
		t.Error("ForceClear on idle slot should be a no-op")
	}
	r.Observe([]OutcomeRecord{testRecord(testPlayer, 7, true)})
	if r.State() != StateIdle {
		t.Error("Observe on idle slot should not change state")
	}

	id, err := r.Begin(SideHeads, big.NewInt(1e15))
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if r.Release(id) {
		t.Error("Release on submitting slot should be a no-op")
	}
	if _, ok := r.ForceClear(id); ok {
		t.Error("ForceClear on submitting slot should be a no-op")
	}
	if r.Arm(uuid.New(), nextTx()) {
		t.Error("Arm with wrong id should be a no-op")
	}
	if r.State() != StateSubmitting {
		t.Errorf("State drifted to %s", r.State())
	}
}

func TestAbortClearsSlot(t *testing.T) {
	r := NewResolver(testPlayer)
	id, _ := r.Begin(SideHeads, big.NewInt(1e15))

	if !r.Abort(id) {
		t.Fatal("Abort failed")
	}
	if r.State() != StateIdle {
		t.Errorf("State after Abort = %s, want idle", r.State())
	}

	// Abort also covers a reverted transaction discovered after arming.
	r2, id2, _ := armedResolver(t)
	if !r2.Abort(id2) {
		t.Fatal("Abort on awaiting slot failed")
	}
	if r2.State() != StateIdle {
		t.Errorf("State after Abort = %s, want idle", r2.State())
	}
}

func TestForceClearReturnsUnresolvedBet(t *testing.T) {
	r, id, tx := armedResolver(t)

	cleared, ok := r.ForceClear(id)
	if !ok {
		t.Fatal("ForceClear failed")
	}
	if cleared.Path != PathForced {
		t.Errorf("Path = %s, want forced", cleared.Path)
	}
	if cleared.TxHash != tx {
		t.Error("Cleared bet should carry its tx hash")
	}
	if r.State() != StateIdle {
		t.Errorf("State after ForceClear = %s, want idle", r.State())
	}

	if _, err := r.Begin(SideTails, big.NewInt(1e15)); err != nil {
		t.Errorf("Slot should accept a new bet after ForceClear: %v", err)
	}
}

func TestStaleReceiptIgnored(t *testing.T) {
	r, id, tx := armedResolver(t)

	rec := testRecord(testPlayer, 7, true)
	rec.TxHash = tx

	if _, ok := r.ForceClear(id); !ok {
		t.Fatal("ForceClear failed")
	}
	id2, _ := r.Begin(SideTails, big.NewInt(1e15))
	r.Arm(id2, nextTx())

	// The old bet's receipt arrives late; it must not touch the new slot.
	r.ResolveReceipt(id, []OutcomeRecord{rec})
	if r.State() != StateAwaitingSettlement {
		t.Errorf("Stale receipt settled the new slot, state = %s", r.State())
	}
}
