package flip

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/baseflip/flipengine/pkg/flip/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// SessionConfig configures a betting session.
type SessionConfig struct {
	// Player is the address bets are placed from and settled against.
	Player common.Address

	// MinBet mirrors the contract-enforced minimum.
	MinBet *big.Int

	// MaxBet is the client-side soft safety ceiling.
	MaxBet *big.Int

	// Horizon caps the event ledger size.
	Horizon int

	// BackfillSpan is how many blocks of history to load on start.
	BackfillSpan uint64

	Logger  *log.Logger
	Metrics *metrics.FlipMetrics
}

// DefaultSessionConfig returns the configuration matching the deployed
// contract and frontend defaults.
func DefaultSessionConfig(player common.Address) *SessionConfig {
	return &SessionConfig{
		Player:       player,
		MinBet:       new(big.Int).Set(MinBetWei),
		MaxBet:       new(big.Int).Set(DefaultMaxBetWei),
		Horizon:      DefaultHorizon,
		BackfillSpan: DefaultBackfillSpan,
	}
}

// BetResult is delivered once per settled bet.
type BetResult struct {
	Bet    InFlightBet   `json:"bet"`
	Record OutcomeRecord `json:"record"`
}

// Session orchestrates one player's betting session: submission guarding,
// balance checks, backfill and live subscription wiring, and recovery back
// to idle on every failure path. It is the only writer of session state.
type Session struct {
	config   *SessionConfig
	client   LedgerClient
	ledger   *Ledger
	resolver *Resolver
	logger   *log.Logger
	metrics  *metrics.FlipMetrics

	// lifeCtx bounds background work (receipt polling) to the session,
	// not to the caller of SubmitBet.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu            sync.RWMutex
	playerBalance *big.Int
	houseBalance  *big.Int
	sub           Subscription

	onResult func(BetResult)
	onError  func(error)
	onLedger func([]OutcomeRecord)
}

// NewSession creates a session over a ledger client.
func NewSession(config *SessionConfig, client LedgerClient) *Session {
	if config == nil {
		config = DefaultSessionConfig(common.Address{})
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	m := config.Metrics
	if m == nil {
		m = metrics.Default()
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s := &Session{
		config:     config,
		client:     client,
		ledger:     NewLedger(client, config.Horizon),
		resolver:   NewResolver(config.Player),
		logger:     logger,
		metrics:    m,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}

	s.resolver.OnSettled(s.handleSettled)
	s.ledger.OnChange(s.handleLedgerChange)
	return s
}

// OnResult sets the callback invoked once per settled bet.
func (s *Session) OnResult(fn func(BetResult)) {
	s.onResult = fn
}

// OnError sets the callback for recoverable errors.
func (s *Session) OnError(fn func(error)) {
	s.onError = fn
}

// OnLedgerChange sets a callback invoked with a snapshot after every
// ledger mutation.
func (s *Session) OnLedgerChange(fn func([]OutcomeRecord)) {
	s.onLedger = fn
}

// Start loads balances, backfills history, and arms the live subscription.
// A failed backfill is reported but non-fatal: the ledger starts empty and
// fills from the live stream only. A failed subscription is fatal since it
// removes the live settlement path.
func (s *Session) Start(ctx context.Context) error {
	if err := s.RefreshBalances(ctx); err != nil {
		s.logger.Printf("[SESSION] Balance fetch failed: %v", err)
	}

	if err := s.Backfill(ctx); err != nil {
		s.logger.Printf("[LEDGER] %v (continuing live-only)", err)
		s.reportError(err)
	}

	sub, err := s.client.SubscribeOutcomes(ctx, s.handleLive)
	if err != nil {
		return fmt.Errorf("subscribe outcomes: %w", err)
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	s.logger.Printf("[SESSION] Started for %s (ledger=%d records)", s.config.Player.Hex(), s.ledger.Len())
	return nil
}

// Stop tears down the live subscription and cancels any in-flight receipt
// polling.
func (s *Session) Stop() {
	s.lifeCancel()
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Backfill (re)loads historical outcomes into the ledger. Safe to call
// again after an ErrHistoryUnavailable from Start.
func (s *Session) Backfill(ctx context.Context) error {
	start := time.Now()
	if err := s.ledger.Backfill(ctx, s.config.BackfillSpan); err != nil {
		return err
	}
	s.metrics.RecordBackfill(time.Since(start).Seconds(), s.ledger.Len())
	s.logger.Printf("[LEDGER] Backfilled %d records in %s", s.ledger.Len(), time.Since(start).Round(time.Millisecond))
	return nil
}

// SubmitBet validates and submits a wager. All validation failures are
// reported before any network call; a failed submission clears the slot
// back to idle. On success the returned id identifies the in-flight bet
// and both settlement paths are armed.
func (s *Session) SubmitBet(ctx context.Context, side Side, amount *big.Int) (uuid.UUID, error) {
	if err := s.validateBet(amount); err != nil {
		s.metrics.RecordRejection(rejectionReason(err))
		return uuid.Nil, err
	}

	id, err := s.resolver.Begin(side, amount)
	if err != nil {
		s.metrics.RecordRejection(rejectionReason(err))
		return uuid.Nil, err
	}
	s.metrics.BetsInFlight.Set(1)

	tx, err := s.client.Flip(ctx, side, amount)
	if err != nil {
		s.resolver.Abort(id)
		s.metrics.BetsInFlight.Set(0)
		s.metrics.RecordBet(side.String(), "failed", 0)
		err = fmt.Errorf("submit flip: %w", err)
		s.reportError(err)
		return uuid.Nil, err
	}

	s.resolver.Arm(id, tx)
	s.metrics.RecordBet(side.String(), "submitted", metrics.DecimalToFloat64(WeiToETH(amount)))
	s.logger.Printf("[BET] %s %s ETH tx=%s", side, WeiToETH(amount), tx.Hex())

	// The receipt path must outlive the submission call: the caller's
	// context (an HTTP request, a CLI command) is usually gone long before
	// the transaction mines. Polling runs on the session's own lifetime.
	go s.awaitReceipt(s.lifeCtx, id, tx)
	return id, nil
}

func (s *Session) validateBet(amount *big.Int) error {
	if s.resolver.State() != StateIdle {
		return ErrBetInFlight
	}
	if amount == nil || amount.Cmp(s.config.MinBet) < 0 {
		return fmt.Errorf("%w: minimum is %s ETH", ErrBetTooSmall, WeiToETH(s.config.MinBet))
	}
	if amount.Cmp(s.config.MaxBet) > 0 {
		return fmt.Errorf("%w: ceiling is %s ETH", ErrBetTooLarge, WeiToETH(s.config.MaxBet))
	}

	s.mu.RLock()
	player, house := s.playerBalance, s.houseBalance
	s.mu.RUnlock()

	// Best-effort checks against last known balances; the chain remains
	// the final arbiter.
	if player != nil && amount.Cmp(player) > 0 {
		return fmt.Errorf("%w: balance is %s ETH", ErrInsufficientBalance, WeiToETH(player))
	}
	if house != nil && PotentialPayout(amount).Cmp(house) > 0 {
		return fmt.Errorf("%w: contract holds %s ETH", ErrInsufficientLiquidity, WeiToETH(house))
	}
	return nil
}

// awaitReceipt is the receipt discovery path. A reverted transaction
// clears the slot; a fetch failure leaves settlement to the live path.
func (s *Session) awaitReceipt(ctx context.Context, id uuid.UUID, tx common.Hash) {
	records, err := s.client.WaitReceipt(ctx, tx)
	if err != nil {
		if errors.Is(err, ErrSubmissionRejected) {
			if s.resolver.Abort(id) {
				s.metrics.BetsInFlight.Set(0)
				s.reportError(fmt.Errorf("await receipt: %w", err))
			}
			return
		}
		s.logger.Printf("[BET] Receipt fetch failed for %s, waiting on live path: %v", tx.Hex(), err)
		return
	}
	s.resolver.ResolveReceipt(id, records)
}

// handleLive feeds subscription batches to the ledger first, then to the
// resolver, so a settling record is already in history when the result
// callback fires.
func (s *Session) handleLive(records []OutcomeRecord) {
	s.metrics.LiveBatches.Inc()
	s.ledger.AppendLive(records)
	s.resolver.Observe(records)
}

// handleSettled runs exactly once per settled bet: it records the outcome
// in the ledger (a no-op if the live path already did), refreshes
// balances, reports the result, and frees the slot.
func (s *Session) handleSettled(bet InFlightBet) {
	rec := *bet.Result
	s.ledger.AppendLive([]OutcomeRecord{rec})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := s.RefreshBalances(ctx); err != nil {
		s.logger.Printf("[SESSION] Balance refresh failed: %v", err)
	}
	cancel()

	outcome := "lost"
	if rec.Won {
		outcome = "won"
	}
	s.metrics.RecordSettlement(
		string(bet.Path),
		outcome,
		time.Since(bet.SubmittedAt).Seconds(),
		metrics.DecimalToFloat64(WeiToETH(rec.Payout)),
	)
	s.metrics.BetsInFlight.Set(0)
	s.logger.Printf("[SETTLED] %s via %s: %s (payout %s ETH)", bet.TxHash.Hex(), bet.Path, outcome, WeiToETH(rec.Payout))

	if s.onResult != nil {
		s.onResult(BetResult{Bet: bet, Record: rec})
	}
	s.resolver.Release(bet.ID)
}

func (s *Session) handleLedgerChange(snapshot []OutcomeRecord) {
	s.metrics.UpdateLedger(len(snapshot))
	if s.onLedger != nil {
		s.onLedger(snapshot)
	}
}

// ForceClear clears a stuck awaiting slot. The cleared bet is reported as
// unresolved through the error callback, never silently discarded.
func (s *Session) ForceClear(id uuid.UUID) (InFlightBet, bool) {
	bet, ok := s.resolver.ForceClear(id)
	if !ok {
		return InFlightBet{}, false
	}
	s.metrics.RecordSettlement(string(PathForced), "unresolved", 0, 0)
	s.metrics.BetsInFlight.Set(0)
	s.reportError(fmt.Errorf("%w: tx=%s", ErrUnresolved, bet.TxHash.Hex()))
	return bet, true
}

// RefreshBalances refetches the player and contract balances.
func (s *Session) RefreshBalances(ctx context.Context) error {
	player, err := s.client.Balance(ctx, s.config.Player)
	if err != nil {
		return fmt.Errorf("player balance: %w", err)
	}
	house, err := s.client.Balance(ctx, s.client.ContractAddress())
	if err != nil {
		return fmt.Errorf("contract balance: %w", err)
	}

	s.mu.Lock()
	s.playerBalance = player
	s.houseBalance = house
	s.mu.Unlock()

	s.metrics.UpdateBalances(
		metrics.DecimalToFloat64(WeiToETH(player)),
		metrics.DecimalToFloat64(WeiToETH(house)),
	)
	return nil
}

// Balances returns the last known player and contract balances (nil until
// first fetched).
func (s *Session) Balances() (player, house *big.Int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.playerBalance != nil {
		player = new(big.Int).Set(s.playerBalance)
	}
	if s.houseBalance != nil {
		house = new(big.Int).Set(s.houseBalance)
	}
	return player, house
}

// State returns the in-flight slot state.
func (s *Session) State() BetState {
	return s.resolver.State()
}

// Current returns the in-flight bet, if any.
func (s *Session) Current() (InFlightBet, bool) {
	return s.resolver.Current()
}

// Ledger returns the session's event ledger.
func (s *Session) Ledger() *Ledger {
	return s.ledger
}

// Leaderboard computes the current top players.
func (s *Session) Leaderboard() []LeaderboardEntry {
	return TopPlayers(s.ledger.Snapshot(), DefaultLeaderboardSize)
}

func (s *Session) reportError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrBetInFlight):
		return "in_flight"
	case errors.Is(err, ErrBetTooSmall):
		return "too_small"
	case errors.Is(err, ErrBetTooLarge):
		return "too_large"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "liquidity"
	case errors.Is(err, ErrInsufficientBalance):
		return "balance"
	default:
		return "other"
	}
}
