package flip

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testPlayer   = common.HexToAddress("0x00000000000000000000000000000000000000Aa")
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000Cc")
)

var txSeq uint64

func nextTx() common.Hash {
	var h common.Hash
	binary.BigEndian.PutUint64(h[24:], atomic.AddUint64(&txSeq, 1))
	return h
}

func testRecord(player common.Address, block uint64, won bool) OutcomeRecord {
	amount := big.NewInt(1_000_000_000_000_000) // 0.001 ETH
	rec := OutcomeRecord{
		Player:      player,
		Amount:      amount,
		Choice:      SideHeads,
		Result:      SideTails,
		Payout:      new(big.Int),
		TxHash:      nextTx(),
		BlockNumber: block,
	}
	if won {
		rec.Result = SideHeads
		rec.Won = true
		rec.Payout = PotentialPayout(amount)
	}
	return rec
}

// mockLedgerClient implements LedgerClient for testing.
type mockLedgerClient struct {
	mu sync.Mutex

	head    uint64
	headErr error

	history   []OutcomeRecord // ascending block order
	filterErr error
	lastFrom  uint64
	lastTo    uint64

	flipTx    common.Hash
	flipErr   error
	flipCalls int

	receipts   map[common.Hash][]OutcomeRecord
	receiptErr error

	balances map[common.Address]*big.Int
	subs     []func([]OutcomeRecord)
}

func newMockLedgerClient() *mockLedgerClient {
	return &mockLedgerClient{
		head:     100,
		receipts: make(map[common.Hash][]OutcomeRecord),
		balances: make(map[common.Address]*big.Int),
	}
}

func (m *mockLedgerClient) Flip(ctx context.Context, side Side, wager *big.Int) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flipCalls++
	if m.flipErr != nil {
		return common.Hash{}, m.flipErr
	}
	return m.flipTx, nil
}

func (m *mockLedgerClient) WaitReceipt(ctx context.Context, tx common.Hash) ([]OutcomeRecord, error) {
	for {
		m.mu.Lock()
		err := m.receiptErr
		records, ok := m.receipts[tx]
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if ok {
			return records, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *mockLedgerClient) setReceipt(tx common.Hash, records []OutcomeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[tx] = records
}

func (m *mockLedgerClient) FilterOutcomes(ctx context.Context, fromBlock, toBlock uint64) ([]OutcomeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFrom, m.lastTo = fromBlock, toBlock
	if m.filterErr != nil {
		return nil, m.filterErr
	}
	var out []OutcomeRecord
	for _, rec := range m.history {
		if rec.BlockNumber >= fromBlock && rec.BlockNumber <= toBlock {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockLedgerClient) SubscribeOutcomes(ctx context.Context, fn func([]OutcomeRecord)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
	return mockSub{}, nil
}

// emit delivers a live batch to all subscribers.
func (m *mockLedgerClient) emit(records []OutcomeRecord) {
	m.mu.Lock()
	subs := append([]func([]OutcomeRecord){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(records)
	}
}

func (m *mockLedgerClient) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (m *mockLedgerClient) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headErr != nil {
		return 0, m.headErr
	}
	return m.head, nil
}

func (m *mockLedgerClient) ContractAddress() common.Address {
	return testContract
}

type mockSub struct{}

func (mockSub) Unsubscribe() {}

func TestBackfillOrdersNewestFirst(t *testing.T) {
	client := newMockLedgerClient()
	client.head = 20
	client.history = []OutcomeRecord{
		testRecord(testPlayer, 10, true),
		testRecord(testPlayer, 11, false),
		testRecord(testPlayer, 12, true),
	}

	ledger := NewLedger(client, DefaultHorizon)
	if err := ledger.Backfill(context.Background(), DefaultBackfillSpan); err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}

	snap := ledger.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(snap))
	}
	for i, want := range []uint64{12, 11, 10} {
		if snap[i].BlockNumber != want {
			t.Errorf("snap[%d].BlockNumber = %d, want %d", i, snap[i].BlockNumber, want)
		}
	}
}

func TestBackfillClampsRange(t *testing.T) {
	client := newMockLedgerClient()
	client.head = 20

	ledger := NewLedger(client, DefaultHorizon)
	if err := ledger.Backfill(context.Background(), 50_000); err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if client.lastFrom != 0 || client.lastTo != 20 {
		t.Errorf("Queried [%d,%d], want [0,20]", client.lastFrom, client.lastTo)
	}

	client.head = 100
	if err := ledger.Backfill(context.Background(), 40); err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if client.lastFrom != 60 || client.lastTo != 100 {
		t.Errorf("Queried [%d,%d], want [60,100]", client.lastFrom, client.lastTo)
	}
}

func TestBackfillFailure(t *testing.T) {
	client := newMockLedgerClient()
	client.filterErr = errors.New("rpc down")

	ledger := NewLedger(client, DefaultHorizon)
	err := ledger.Backfill(context.Background(), DefaultBackfillSpan)
	if !errors.Is(err, ErrHistoryUnavailable) {
		t.Fatalf("Expected ErrHistoryUnavailable, got %v", err)
	}
	if ledger.Len() != 0 {
		t.Errorf("Ledger should be empty after failed backfill, has %d", ledger.Len())
	}

	client.headErr = errors.New("rpc down")
	if err := ledger.Backfill(context.Background(), DefaultBackfillSpan); !errors.Is(err, ErrHistoryUnavailable) {
		t.Fatalf("Expected ErrHistoryUnavailable on head fetch, got %v", err)
	}
}

func TestDedupAcrossPaths(t *testing.T) {
	r1 := testRecord(testPlayer, 10, true)
	r2 := testRecord(testPlayer, 11, false)
	r3 := testRecord(testPlayer, 12, true)

	client := newMockLedgerClient()
	client.head = 20
	client.history = []OutcomeRecord{r1, r2}

	ledger := NewLedger(client, DefaultHorizon)

	// Live delivers r2 and r3 before the backfill completes.
	ledger.AppendLive([]OutcomeRecord{r2, r3})
	if err := ledger.Backfill(context.Background(), DefaultBackfillSpan); err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}

	snap := ledger.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Expected 3 records after merge, got %d", len(snap))
	}
	for i, want := range []common.Hash{r3.TxHash, r2.TxHash, r1.TxHash} {
		if snap[i].TxHash != want {
			t.Errorf("snap[%d].TxHash = %s, want %s", i, snap[i].TxHash.Hex(), want.Hex())
		}
	}
}

func TestAppendLiveDedup(t *testing.T) {
	client := newMockLedgerClient()
	ledger := NewLedger(client, DefaultHorizon)

	var changes int32
	ledger.OnChange(func([]OutcomeRecord) { atomic.AddInt32(&changes, 1) })

	batch := []OutcomeRecord{testRecord(testPlayer, 5, true), testRecord(testPlayer, 6, false)}
	ledger.AppendLive(batch)
	ledger.AppendLive(batch)

	if ledger.Len() != 2 {
		t.Errorf("Expected 2 records, got %d", ledger.Len())
	}
	if n := atomic.LoadInt32(&changes); n != 1 {
		t.Errorf("OnChange fired %d times, want 1", n)
	}
}

func TestSameBlockTiesByInsertionRecency(t *testing.T) {
	client := newMockLedgerClient()
	ledger := NewLedger(client, DefaultHorizon)

	r1 := testRecord(testPlayer, 5, true)
	r2 := testRecord(testPlayer, 5, false)
	ledger.AppendLive([]OutcomeRecord{r1})
	ledger.AppendLive([]OutcomeRecord{r2})

	snap := ledger.Snapshot()
	if snap[0].TxHash != r2.TxHash {
		t.Errorf("Most recently inserted same-block record should be first")
	}

	// Within one batch the later element is the more recent.
	r3 := testRecord(testPlayer, 5, true)
	r4 := testRecord(testPlayer, 5, false)
	ledger.AppendLive([]OutcomeRecord{r3, r4})

	snap = ledger.Snapshot()
	if snap[0].TxHash != r4.TxHash || snap[1].TxHash != r3.TxHash {
		t.Errorf("Batch order not preserved for same-block records: got %s, %s",
			snap[0].TxHash.Hex(), snap[1].TxHash.Hex())
	}
}

func TestHorizonEviction(t *testing.T) {
	client := newMockLedgerClient()
	ledger := NewLedger(client, 3)

	var recs []OutcomeRecord
	for block := uint64(1); block <= 5; block++ {
		recs = append(recs, testRecord(testPlayer, block, block%2 == 0))
	}
	ledger.AppendLive(recs)

	if ledger.Len() != 3 {
		t.Fatalf("Expected horizon of 3, got %d", ledger.Len())
	}
	snap := ledger.Snapshot()
	if snap[0].BlockNumber != 5 || snap[2].BlockNumber != 3 {
		t.Errorf("Newest records should survive eviction, got blocks %d..%d",
			snap[0].BlockNumber, snap[2].BlockNumber)
	}
	if ledger.Contains(recs[0].TxHash) {
		t.Error("Evicted record should not be tracked as seen")
	}

	// A re-observed evicted record sorts past the horizon and is dropped
	// again.
	ledger.AppendLive([]OutcomeRecord{recs[0]})
	if ledger.Len() != 3 {
		t.Errorf("Re-observed evicted record should not grow the ledger, got %d", ledger.Len())
	}
}

func TestAppendLiveSkipsInvalid(t *testing.T) {
	client := newMockLedgerClient()
	ledger := NewLedger(client, DefaultHorizon)

	bad := testRecord(testPlayer, 5, true)
	bad.Payout = new(big.Int) // won but no payout

	ledger.AppendLive([]OutcomeRecord{bad, testRecord(testPlayer, 6, false)})
	if ledger.Len() != 1 {
		t.Errorf("Invalid record should be skipped, ledger has %d", ledger.Len())
	}
	if ledger.Contains(bad.TxHash) {
		t.Error("Invalid record should not be marked seen")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	client := newMockLedgerClient()
	ledger := NewLedger(client, DefaultHorizon)
	ledger.AppendLive([]OutcomeRecord{testRecord(testPlayer, 5, true)})

	snap := ledger.Snapshot()
	snap[0].BlockNumber = 999

	if ledger.Snapshot()[0].BlockNumber != 5 {
		t.Error("Mutating a snapshot must not affect the ledger")
	}
}
