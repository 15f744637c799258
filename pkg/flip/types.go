// Package flip implements the client-side bet lifecycle engine for the
// BaseFlip contract: a bounded event ledger fed by backfill and live
// subscription, a dual-path settlement race resolver, and a session
// controller that guards submissions.
package flip

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Side is the face of the coin a bet is placed on.
type Side string

const (
	SideHeads Side = "heads"
	SideTails Side = "tails"
)

// SideFromBool converts the contract's bool encoding (true = heads).
func SideFromBool(isHeads bool) Side {
	if isHeads {
		return SideHeads
	}
	return SideTails
}

// IsHeads returns the contract's bool encoding of the side.
func (s Side) IsHeads() bool {
	return s == SideHeads
}

func (s Side) String() string {
	return string(s)
}

// Contract parameters of the deployed BaseFlip contract. The payout
// multiplier encodes the 1.5% house edge (1.97x on a 2x fair game).
const (
	MultiplierNum int64 = 197
	MultiplierDen int64 = 100
)

var (
	// MinBetWei is the contract-enforced minimum wager (0.0006 ETH).
	MinBetWei = big.NewInt(600_000_000_000_000)

	// DefaultMaxBetWei is the soft client-side safety ceiling (1000 ETH).
	DefaultMaxBetWei = new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
)

// Ledger defaults matching the deployed frontend.
const (
	DefaultHorizon      = 1000
	DefaultBackfillSpan = 50_000
)

// OutcomeRecord is one finalized bet as emitted by the contract's
// FlipOutcome event. Immutable once created.
type OutcomeRecord struct {
	Player      common.Address `json:"player"`
	Amount      *big.Int       `json:"amount"`
	Choice      Side           `json:"choice"`
	Result      Side           `json:"result"`
	Won         bool           `json:"won"`
	Payout      *big.Int       `json:"payout"`
	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
}

// Validate checks the internal consistency of a record: a win pays out,
// a loss pays nothing.
func (r OutcomeRecord) Validate() error {
	if r.Amount == nil || r.Amount.Sign() < 0 {
		return errors.New("negative or missing amount")
	}
	if r.Payout == nil || r.Payout.Sign() < 0 {
		return errors.New("negative or missing payout")
	}
	if r.Won != (r.Payout.Sign() > 0) {
		return fmt.Errorf("won=%v inconsistent with payout=%s", r.Won, r.Payout)
	}
	if r.Won != (r.Choice == r.Result) {
		return fmt.Errorf("won=%v inconsistent with choice=%s result=%s", r.Won, r.Choice, r.Result)
	}
	return nil
}

// NetProfit returns payout minus amount (negative on a loss).
func (r OutcomeRecord) NetProfit() *big.Int {
	return new(big.Int).Sub(r.Payout, r.Amount)
}

// PotentialPayout returns the payout a wager would earn on a win.
func PotentialPayout(wager *big.Int) *big.Int {
	p := new(big.Int).Mul(wager, big.NewInt(MultiplierNum))
	return p.Div(p, big.NewInt(MultiplierDen))
}

// WeiToETH converts a wei amount to an ETH-denominated decimal.
func WeiToETH(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}

// ETHToWei converts an ETH-denominated decimal to wei, truncating any
// precision below 1 wei.
func ETHToWei(eth decimal.Decimal) *big.Int {
	return eth.Shift(18).BigInt()
}

// Subscription is a handle on a live outcome stream.
type Subscription interface {
	Unsubscribe()
}

// LedgerClient is the capability surface the engine consumes from the
// external ledger. Implemented by baseflip.Client against a real node and
// by baseflip.Sim in paper mode.
type LedgerClient interface {
	// Flip submits a wager on a side and returns the transaction hash.
	Flip(ctx context.Context, side Side, wager *big.Int) (common.Hash, error)

	// WaitReceipt blocks until the transaction is mined and returns the
	// outcome records decoded from its receipt logs.
	WaitReceipt(ctx context.Context, tx common.Hash) ([]OutcomeRecord, error)

	// FilterOutcomes returns historical outcome records over the inclusive
	// block range in ascending block order. An empty result is valid.
	FilterOutcomes(ctx context.Context, fromBlock, toBlock uint64) ([]OutcomeRecord, error)

	// SubscribeOutcomes invokes fn with batches of newly emitted outcome
	// records. Delivery is best-effort.
	SubscribeOutcomes(ctx context.Context, fn func([]OutcomeRecord)) (Subscription, error)

	// Balance returns the current wei balance of an address.
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)

	// BlockNumber returns the current head block number.
	BlockNumber(ctx context.Context) (uint64, error)

	// ContractAddress returns the BaseFlip contract address, whose balance
	// is the house liquidity.
	ContractAddress() common.Address
}

// Error taxonomy. Validation errors reject a bet intent before any network
// call; submission errors clear the in-flight slot; ErrHistoryUnavailable
// is non-fatal and leaves the ledger empty.
var (
	ErrBetInFlight           = errors.New("another bet is already in flight")
	ErrBetTooSmall           = errors.New("bet below contract minimum")
	ErrBetTooLarge           = errors.New("bet above safety ceiling")
	ErrInsufficientLiquidity = errors.New("potential payout exceeds contract liquidity")
	ErrInsufficientBalance   = errors.New("bet exceeds player balance")
	ErrSubmissionRejected    = errors.New("submission rejected")
	ErrNode                  = errors.New("node error")
	ErrHistoryUnavailable    = errors.New("history unavailable")
	ErrUnresolved            = errors.New("bet force-cleared while unresolved")
)
