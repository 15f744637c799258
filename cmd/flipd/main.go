// flipd is the BaseFlip betting daemon. It maintains the shared outcome
// ledger and leaderboard, accepts bets over a local HTTP API, and settles
// them from whichever of the receipt or live-event path reports first.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/baseflip/flipengine/pkg/baseflip"
	ethwallet "github.com/baseflip/flipengine/pkg/eth"
	"github.com/baseflip/flipengine/pkg/flip"
	"github.com/baseflip/flipengine/pkg/flip/metrics"
	"github.com/baseflip/flipengine/pkg/streaming"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// Flags
	paperMode     = flag.Bool("paper", false, "Run against an in-process simulated ledger")
	rpcURL        = flag.String("rpc", "https://sepolia.base.org", "HTTP JSON-RPC endpoint")
	wsURL         = flag.String("ws", "wss://sepolia.base.org", "WebSocket JSON-RPC endpoint")
	contractHex   = flag.String("contract", "0x091e25A02922cf956Fff137C77c5F2F4105fCF3a", "BaseFlip contract address")
	privateKey    = flag.String("key", "", "Private key for betting (or FLIPD_PRIVATE_KEY env)")
	httpAddr      = flag.String("http", ":8080", "HTTP server address for status API")
	horizon       = flag.Int("horizon", flip.DefaultHorizon, "Event ledger horizon (records kept)")
	backfillSpan  = flag.Uint64("span", flip.DefaultBackfillSpan, "Backfill window in blocks")
	maxBetETH     = flag.String("max-bet", "1000", "Soft bet ceiling in ETH")
	settleTimeout = flag.Duration("settle-timeout", 90*time.Second, "Force-clear a bet awaiting settlement after this long (0 disables)")
	verbose       = flag.Bool("verbose", false, "Verbose logging")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Println("Starting BaseFlip daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	d, err := newDaemon(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize daemon: %v", err)
	}

	d.session.OnResult(func(result flip.BetResult) {
		d.cancelSettleTimer(result.Bet.ID)
		outcome := "LOSE"
		if result.Record.Won {
			outcome = "WIN"
		}
		log.Printf("[RESULT] %s via %s path: %s ETH payout (%s)",
			outcome, result.Bet.Path, flip.WeiToETH(result.Record.Payout), result.Record.TxHash.Hex())
		d.hub.BroadcastResult(result)
	})

	d.session.OnError(func(err error) {
		log.Printf("[ERROR] %v", err)
		d.hub.BroadcastError(err, "session")
	})

	d.session.OnLedgerChange(func(snapshot []flip.OutcomeRecord) {
		if *verbose {
			log.Printf("[LEDGER] %d records", len(snapshot))
		}
		recent := snapshot
		if len(recent) > 20 {
			recent = recent[:20]
		}
		d.hub.BroadcastOutcomes(recent)
		d.hub.BroadcastLeaderboard(flip.TopPlayers(snapshot, flip.DefaultLeaderboardSize))
	})

	go d.hub.Run()
	go d.startHTTP()

	if err := d.session.Start(ctx); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}

	log.Printf("Daemon running (paper=%v, player=%s, http=%s)", *paperMode, d.player.Hex(), *httpAddr)
	log.Printf("WebSocket streaming available at ws://%s/ws", *httpAddr)
	log.Println("Press Ctrl+C to stop")

	<-sigCh
	log.Println("Shutting down...")

	d.session.Stop()
	cancel()

	player, house := d.session.Balances()
	log.Printf("Final balances: player=%s ETH, house=%s ETH",
		flip.WeiToETH(player), flip.WeiToETH(house))
	log.Println("Goodbye!")
}

type daemon struct {
	client  flip.LedgerClient
	session *flip.Session
	hub     *streaming.Hub
	metrics *metrics.FlipMetrics
	player  common.Address

	timersMu     sync.Mutex
	settleTimers map[uuid.UUID]*time.Timer
}

func newDaemon(ctx context.Context) (*daemon, error) {
	fm := metrics.NewFlipMetrics()

	key := *privateKey
	if key == "" {
		key = os.Getenv("FLIPD_PRIVATE_KEY")
	}

	var (
		client flip.LedgerClient
		player common.Address
	)

	if *paperMode {
		// Paper mode needs no key; bets are attributed to a throwaway
		// generated address.
		ecdsaKey, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate paper key: %w", err)
		}
		player = crypto.PubkeyToAddress(ecdsaKey.PublicKey)
		client = baseflip.NewSim(baseflip.DefaultSimConfig(player))
		log.Printf("Paper mode: simulated ledger, player %s", player.Hex())
	} else {
		var wallet *ethwallet.Wallet
		if key != "" {
			w, err := ethwallet.NewWallet(key)
			if err != nil {
				return nil, fmt.Errorf("load wallet: %w", err)
			}
			wallet = w
			player = w.Address()
			log.Printf("Betting enabled for %s", w.AddressHex())
		} else {
			log.Println("No private key: running read-only (history and leaderboard)")
		}

		cfg := baseflip.DefaultConfig(*rpcURL, *wsURL, common.HexToAddress(*contractHex))
		c, err := baseflip.NewClient(ctx, cfg, wallet)
		if err != nil {
			return nil, fmt.Errorf("dial node: %w", err)
		}
		c.OnReconnect(func(attempt int) {
			fm.SubReconnects.Inc()
			log.Printf("[SUB] Reconnect attempt %d", attempt)
		})
		client = c
	}

	maxBet, err := decimal.NewFromString(*maxBetETH)
	if err != nil {
		return nil, fmt.Errorf("parse -max-bet: %w", err)
	}

	cfg := flip.DefaultSessionConfig(player)
	cfg.MaxBet = flip.ETHToWei(maxBet)
	cfg.Horizon = *horizon
	cfg.BackfillSpan = *backfillSpan
	cfg.Metrics = fm

	return &daemon{
		client:       client,
		session:      flip.NewSession(cfg, client),
		hub:          streaming.NewHub(),
		metrics:      fm,
		player:       player,
		settleTimers: make(map[uuid.UUID]*time.Timer),
	}, nil
}

func (d *daemon) startHTTP() {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(d.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", d.hub.ServeWS)
	mux.HandleFunc("/api/status", d.handleStatus)
	mux.HandleFunc("/api/history", d.handleHistory)
	mux.HandleFunc("/api/leaderboard", d.handleLeaderboard)
	mux.HandleFunc("/api/bet", d.handleBet)
	mux.HandleFunc("/api/clear", d.handleClear)
	mux.HandleFunc("/api/withdraw", d.handleWithdraw)

	log.Printf("HTTP server listening on %s", *httpAddr)
	if err := http.ListenAndServe(*httpAddr, mux); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}

func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	player, house := d.session.Balances()
	status := map[string]interface{}{
		"player":         d.player.Hex(),
		"state":          d.session.State().String(),
		"player_balance": flip.WeiToETH(player),
		"house_balance":  flip.WeiToETH(house),
		"ledger_size":    d.session.Ledger().Len(),
		"paper":          *paperMode,
		"stream_clients": d.hub.ClientCount(),
		"settle_timeout": settleTimeout.String(),
	}
	if bet, ok := d.session.Current(); ok {
		status["in_flight"] = bet
	}
	writeJSON(w, http.StatusOK, status)
}

func (d *daemon) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.session.Ledger().Snapshot())
}

func (d *daemon) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.session.Leaderboard())
}

func (d *daemon) handleBet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Side   string `json:"side"`
		Amount string `json:"amount"` // ETH
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var side flip.Side
	switch req.Side {
	case "heads":
		side = flip.SideHeads
	case "tails":
		side = flip.SideTails
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "side must be heads or tails"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad amount: " + err.Error()})
		return
	}

	id, err := d.session.SubmitBet(r.Context(), side, flip.ETHToWei(amount))
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	d.armSettleTimer(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String()})
}

func (d *daemon) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	bet, ok := d.session.Current()
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no bet in flight"})
		return
	}
	cleared, ok := d.session.ForceClear(bet.ID)
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "bet not awaiting settlement"})
		return
	}
	writeJSON(w, http.StatusOK, cleared)
}

// handleWithdraw submits an owner-only house withdrawal. The contract
// rejects non-owner callers; the owner check here just gives a clearer
// error without burning gas.
func (d *daemon) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	client, ok := d.client.(*baseflip.Client)
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "withdraw not available in paper mode"})
		return
	}

	var req struct {
		Amount string `json:"amount"` // ETH
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad amount: " + err.Error()})
		return
	}

	owner, err := client.Owner(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if owner != d.player {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not the contract owner"})
		return
	}

	tx, err := client.Withdraw(r.Context(), flip.ETHToWei(amount))
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	log.Printf("[WITHDRAW] %s ETH tx=%s", amount, tx.Hex())
	writeJSON(w, http.StatusAccepted, map[string]string{"tx": tx.Hex()})
}

// armSettleTimer force-clears the bet if neither settlement path fires in
// time. The timer is cancelled when the result arrives.
func (d *daemon) armSettleTimer(id uuid.UUID) {
	if *settleTimeout <= 0 {
		return
	}

	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	d.settleTimers[id] = time.AfterFunc(*settleTimeout, func() {
		if bet, ok := d.session.ForceClear(id); ok {
			log.Printf("[TIMEOUT] Bet %s unresolved after %s (tx=%s)", id, *settleTimeout, bet.TxHash.Hex())
		}
		d.cancelSettleTimer(id)
	})
}

func (d *daemon) cancelSettleTimer(id uuid.UUID) {
	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	if t, ok := d.settleTimers[id]; ok {
		t.Stop()
		delete(d.settleTimers, id)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
