package flip

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DefaultLeaderboardSize is how many players the hall of fame shows.
const DefaultLeaderboardSize = 3

// LeaderboardEntry is one player's aggregate over the ledger snapshot it
// was computed from. Derived data; never stored.
type LeaderboardEntry struct {
	Player    common.Address `json:"player"`
	NetProfit *big.Int       `json:"net_profit"`
	Wins      int            `json:"wins"`
	TotalBets int            `json:"total_bets"`
}

// NetProfitETH returns the net profit in ETH for display.
func (e LeaderboardEntry) NetProfitETH() decimal.Decimal {
	return WeiToETH(e.NetProfit)
}

// TopPlayers computes the leaderboard as a pure function of a ledger
// snapshot: players are grouped, net profit accumulated, losers filtered
// out, and the rest sorted by profit descending. Ties keep first-seen
// order so the result is deterministic. It never mutates the snapshot.
func TopPlayers(records []OutcomeRecord, limit int) []LeaderboardEntry {
	if limit <= 0 {
		limit = DefaultLeaderboardSize
	}

	byPlayer := make(map[common.Address]*LeaderboardEntry)
	order := make([]common.Address, 0)

	for _, rec := range records {
		entry, ok := byPlayer[rec.Player]
		if !ok {
			entry = &LeaderboardEntry{
				Player:    rec.Player,
				NetProfit: new(big.Int),
			}
			byPlayer[rec.Player] = entry
			order = append(order, rec.Player)
		}
		entry.NetProfit.Add(entry.NetProfit, rec.NetProfit())
		entry.TotalBets++
		if rec.Won {
			entry.Wins++
		}
	}

	top := make([]LeaderboardEntry, 0, len(order))
	for _, addr := range order {
		if byPlayer[addr].NetProfit.Sign() > 0 {
			top = append(top, *byPlayer[addr])
		}
	}

	sort.SliceStable(top, func(i, j int) bool {
		return top[i].NetProfit.Cmp(top[j].NetProfit) > 0
	})

	if len(top) > limit {
		top = top[:limit]
	}
	return top
}
