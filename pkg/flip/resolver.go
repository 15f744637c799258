package flip

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// BetState is the lifecycle state of the single in-flight bet slot.
type BetState int32

const (
	StateIdle BetState = iota
	StateSubmitting
	StateAwaitingSettlement
	StateSettled
)

func (s BetState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateAwaitingSettlement:
		return "awaiting_settlement"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// SettlePath identifies which discovery path settled a bet.
type SettlePath string

const (
	PathReceipt SettlePath = "receipt"
	PathLive    SettlePath = "live"
	PathForced  SettlePath = "forced"
)

// InFlightBet is the single-slot record of the bet currently being played.
type InFlightBet struct {
	ID          uuid.UUID      `json:"id"`
	Side        Side           `json:"side"`
	Amount      *big.Int       `json:"amount"`
	TxHash      common.Hash    `json:"tx_hash"`
	State       BetState       `json:"-"`
	Result      *OutcomeRecord `json:"result,omitempty"`
	Path        SettlePath     `json:"path,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Resolver owns the in-flight bet slot and resolves its outcome from
// whichever of the two discovery paths (receipt decode or live
// subscription) reports first. Settlement is idempotent and single-fire:
// the terminal transition is a compare-and-set on the slot identity and
// state, so the losing path and any re-entrant scan are no-ops.
//
// Illegal transitions are defensive no-ops, never panics.
type Resolver struct {
	player common.Address

	mu  sync.Mutex
	bet *InFlightBet // nil while idle

	onSettled func(InFlightBet)
}

// NewResolver creates a resolver for the given player address. Matching
// is by player address; a bet slot only ever settles against records for
// this address.
func NewResolver(player common.Address) *Resolver {
	return &Resolver{player: player}
}

// OnSettled sets the callback invoked exactly once per settled bet. It
// runs outside the resolver lock.
func (r *Resolver) OnSettled(fn func(InFlightBet)) {
	r.onSettled = fn
}

// Begin claims the slot for a new bet (Idle -> Submitting). Returns
// ErrBetInFlight if the slot is occupied.
func (r *Resolver) Begin(side Side, amount *big.Int) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bet != nil {
		return uuid.Nil, ErrBetInFlight
	}
	r.bet = &InFlightBet{
		ID:          uuid.New(),
		Side:        side,
		Amount:      new(big.Int).Set(amount),
		State:       StateSubmitting,
		SubmittedAt: time.Now(),
	}
	return r.bet.ID, nil
}

// Arm records the submission's transaction hash and arms both settlement
// paths (Submitting -> AwaitingSettlement).
func (r *Resolver) Arm(id uuid.UUID, tx common.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bet == nil || r.bet.ID != id || r.bet.State != StateSubmitting {
		return false
	}
	r.bet.TxHash = tx
	r.bet.State = StateAwaitingSettlement
	return true
}

// Abort clears the slot after a failed submission (Submitting -> Idle).
// No settlement is attempted for an aborted bet.
func (r *Resolver) Abort(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bet == nil || r.bet.ID != id {
		return false
	}
	if r.bet.State != StateSubmitting && r.bet.State != StateAwaitingSettlement {
		return false
	}
	r.bet = nil
	return true
}

// Observe is the live path: it inspects a subscription batch for a record
// matching the in-flight player while the slot is awaiting settlement.
func (r *Resolver) Observe(records []OutcomeRecord) {
	for _, rec := range records {
		if r.trySettle(rec, PathLive) {
			return
		}
	}
}

// ResolveReceipt is the receipt path: it scans the decoded receipt logs of
// the slot's own transaction for a matching record.
func (r *Resolver) ResolveReceipt(id uuid.UUID, records []OutcomeRecord) {
	r.mu.Lock()
	stale := r.bet == nil || r.bet.ID != id
	r.mu.Unlock()
	if stale {
		return
	}
	for _, rec := range records {
		if r.trySettle(rec, PathReceipt) {
			return
		}
	}
}

// trySettle performs the guarded terminal transition. It fires only when
// the slot is awaiting settlement, the record's player matches, and the
// record's transaction hash does not contradict the slot's. A matching
// player with a conflicting hash (another tab betting from the same
// address) is ambiguous and ignored here; the record still reaches the
// event ledger through the normal live merge.
func (r *Resolver) trySettle(rec OutcomeRecord, path SettlePath) bool {
	var settled InFlightBet

	r.mu.Lock()
	bet := r.bet
	if bet == nil || bet.State != StateAwaitingSettlement {
		r.mu.Unlock()
		return false
	}
	if rec.Player != r.player {
		r.mu.Unlock()
		return false
	}
	if bet.TxHash != (common.Hash{}) && rec.TxHash != (common.Hash{}) && rec.TxHash != bet.TxHash {
		r.mu.Unlock()
		return false
	}

	result := rec
	bet.Result = &result
	bet.Path = path
	bet.State = StateSettled
	settled = *bet
	r.mu.Unlock()

	if r.onSettled != nil {
		r.onSettled(settled)
	}
	return true
}

// Release frees a settled slot (Settled -> Idle) so the next bet can be
// accepted.
func (r *Resolver) Release(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bet == nil || r.bet.ID != id || r.bet.State != StateSettled {
		return false
	}
	r.bet = nil
	return true
}

// ForceClear clears a stuck awaiting slot without a result. It is the
// caller-driven escape hatch for a settlement that never arrives (dropped
// subscription, reorged block); the cleared bet is returned so the caller
// can surface it as unresolved rather than silently discarded.
func (r *Resolver) ForceClear(id uuid.UUID) (InFlightBet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bet == nil || r.bet.ID != id || r.bet.State != StateAwaitingSettlement {
		return InFlightBet{}, false
	}
	cleared := *r.bet
	cleared.Path = PathForced
	r.bet = nil
	return cleared, true
}

// State returns the current slot state.
func (r *Resolver) State() BetState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bet == nil {
		return StateIdle
	}
	return r.bet.State
}

// Current returns a copy of the in-flight bet, if any.
func (r *Resolver) Current() (InFlightBet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bet == nil {
		return InFlightBet{}, false
	}
	return *r.bet, true
}
