package baseflip

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/baseflip/flipengine/pkg/flip"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// simContract is the pseudo-address whose balance is the simulated house
// liquidity.
var simContract = common.HexToAddress("0x00000000000000000000000000000000BA5EF11B")

// SimConfig configures the simulated ledger.
type SimConfig struct {
	// Seed makes outcomes reproducible. Zero seeds from the clock.
	Seed int64

	// Player is the address simulated submissions are attributed to.
	Player common.Address

	// HouseBalance is the initial contract liquidity.
	HouseBalance *big.Int

	// PlayerBalance is the initial player balance.
	PlayerBalance *big.Int

	// MineDelay is how long after submission a flip is mined. Both the
	// receipt and the live subscription observe the outcome at mine time,
	// so the two settlement paths genuinely race.
	MineDelay time.Duration
}

// DefaultSimConfig returns a playable simulation: 10 ETH house, 1 ETH
// player, 2s blocks.
func DefaultSimConfig(player common.Address) SimConfig {
	return SimConfig{
		Player:        player,
		HouseBalance:  new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		PlayerBalance: big.NewInt(1e18),
		MineDelay:     2 * time.Second,
	}
}

// Sim is an in-process BaseFlip ledger for paper mode and tests. It
// implements flip.LedgerClient with the same contract rules (minimum bet,
// 1.97x payout, liquidity bound) and no real chain behind it.
type Sim struct {
	config SimConfig

	mu       sync.Mutex
	rng      *rand.Rand
	block    uint64
	balances map[common.Address]*big.Int
	history  []flip.OutcomeRecord // ascending block order
	receipts map[common.Hash][]flip.OutcomeRecord
	subs     map[int]func([]flip.OutcomeRecord)
	subSeq   int
}

// NewSim creates a simulated ledger.
func NewSim(config SimConfig) *Sim {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	balances := make(map[common.Address]*big.Int)
	if config.HouseBalance != nil {
		balances[simContract] = new(big.Int).Set(config.HouseBalance)
	} else {
		balances[simContract] = new(big.Int)
	}
	if config.PlayerBalance != nil {
		balances[config.Player] = new(big.Int).Set(config.PlayerBalance)
	}

	return &Sim{
		config:   config,
		rng:      rand.New(rand.NewSource(seed)),
		block:    1,
		balances: balances,
		receipts: make(map[common.Hash][]flip.OutcomeRecord),
		subs:     make(map[int]func([]flip.OutcomeRecord)),
	}
}

// Fund credits an address, minting simulated ETH.
func (s *Sim) Fund(addr common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creditLocked(addr, amount)
}

func (s *Sim) creditLocked(addr common.Address, amount *big.Int) {
	bal, ok := s.balances[addr]
	if !ok {
		bal = new(big.Int)
		s.balances[addr] = bal
	}
	bal.Add(bal, amount)
}

// ContractAddress returns the simulated contract address.
func (s *Sim) ContractAddress() common.Address {
	return simContract
}

// Flip submits a simulated wager. Contract rules are enforced at
// submission time the way gas estimation surfaces reverts on a real node.
func (s *Sim) Flip(ctx context.Context, side flip.Side, wager *big.Int) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wager == nil || wager.Cmp(flip.MinBetWei) < 0 {
		return common.Hash{}, fmt.Errorf("%w: bet too small", flip.ErrSubmissionRejected)
	}
	player := s.balances[s.config.Player]
	if player == nil || player.Cmp(wager) < 0 {
		return common.Hash{}, fmt.Errorf("%w: insufficient funds", flip.ErrSubmissionRejected)
	}
	payout := flip.PotentialPayout(wager)
	house := s.balances[simContract]
	if new(big.Int).Add(house, wager).Cmp(payout) < 0 {
		return common.Hash{}, fmt.Errorf("%w: house cannot cover payout", flip.ErrSubmissionRejected)
	}

	id := uuid.New()
	tx := crypto.Keccak256Hash(id[:])

	player.Sub(player, wager)
	house.Add(house, wager)

	won := s.rng.Intn(2) == 0
	result := side
	if !won {
		if side == flip.SideHeads {
			result = flip.SideTails
		} else {
			result = flip.SideHeads
		}
	}

	rec := flip.OutcomeRecord{
		Player:      s.config.Player,
		Amount:      new(big.Int).Set(wager),
		Choice:      side,
		Result:      result,
		Won:         won,
		Payout:      new(big.Int),
		TxHash:      tx,
		BlockNumber: s.block + 1,
	}
	if won {
		rec.Payout.Set(payout)
	}

	if s.config.MineDelay > 0 {
		time.AfterFunc(s.config.MineDelay, func() { s.mine(rec) })
	} else {
		go s.mine(rec)
	}
	return tx, nil
}

// mine finalizes a flip: moves balances, records history, stores the
// receipt, and notifies live subscribers.
func (s *Sim) mine(rec flip.OutcomeRecord) {
	s.mu.Lock()
	s.block++
	if rec.Won {
		house := s.balances[simContract]
		house.Sub(house, rec.Payout)
		s.creditLocked(rec.Player, rec.Payout)
	}
	s.history = append(s.history, rec)
	s.receipts[rec.TxHash] = []flip.OutcomeRecord{rec}
	subs := make([]func([]flip.OutcomeRecord), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn([]flip.OutcomeRecord{rec})
	}
}

// WaitReceipt polls until the flip is mined.
func (s *Sim) WaitReceipt(ctx context.Context, tx common.Hash) ([]flip.OutcomeRecord, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		records, ok := s.receipts[tx]
		s.mu.Unlock()
		if ok {
			return records, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// FilterOutcomes returns mined outcomes in the block range, ascending.
func (s *Sim) FilterOutcomes(ctx context.Context, fromBlock, toBlock uint64) ([]flip.OutcomeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []flip.OutcomeRecord
	for _, rec := range s.history {
		if rec.BlockNumber >= fromBlock && rec.BlockNumber <= toBlock {
			records = append(records, rec)
		}
	}
	return records, nil
}

// SubscribeOutcomes registers a live outcome callback.
func (s *Sim) SubscribeOutcomes(ctx context.Context, fn func([]flip.OutcomeRecord)) (flip.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subSeq++
	id := s.subSeq
	s.subs[id] = fn
	return &simSub{sim: s, id: id}, nil
}

type simSub struct {
	sim *Sim
	id  int
}

func (s *simSub) Unsubscribe() {
	s.sim.mu.Lock()
	defer s.sim.mu.Unlock()
	delete(s.sim.subs, s.id)
}

// Balance returns the simulated balance of an address.
func (s *Sim) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bal, ok := s.balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

// BlockNumber returns the simulated head block.
func (s *Sim) BlockNumber(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block, nil
}
