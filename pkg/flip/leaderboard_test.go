package flip

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func profitRecord(player common.Address, amount, payout int64) OutcomeRecord {
	rec := OutcomeRecord{
		Player: player,
		Amount: big.NewInt(amount),
		Choice: SideHeads,
		Result: SideTails,
		Payout: big.NewInt(payout),
		TxHash: nextTx(),
	}
	if payout > 0 {
		rec.Won = true
		rec.Result = SideHeads
	}
	return rec
}

func TestTopPlayersFiltersAndSorts(t *testing.T) {
	a := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	b := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	c := common.HexToAddress("0x00000000000000000000000000000000000000c3")

	// A nets +0.05, B nets -0.02, C nets +0.10 (in units of 1e18).
	records := []OutcomeRecord{
		profitRecord(a, 50_000, 100_000),
		profitRecord(b, 20_000, 0),
		profitRecord(c, 100_000, 200_000),
	}

	top := TopPlayers(records, DefaultLeaderboardSize)
	if len(top) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(top))
	}
	if top[0].Player != c || top[1].Player != a {
		t.Errorf("Expected [C, A], got [%s, %s]", top[0].Player.Hex(), top[1].Player.Hex())
	}
	if top[0].NetProfit.Cmp(big.NewInt(100_000)) != 0 {
		t.Errorf("C net profit = %s, want 100000", top[0].NetProfit)
	}
}

func TestTopPlayersAggregates(t *testing.T) {
	a := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	records := []OutcomeRecord{
		profitRecord(a, 100, 197),
		profitRecord(a, 100, 0),
		profitRecord(a, 100, 197),
	}

	top := TopPlayers(records, DefaultLeaderboardSize)
	if len(top) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(top))
	}
	if top[0].Wins != 2 || top[0].TotalBets != 3 {
		t.Errorf("Wins=%d TotalBets=%d, want 2 and 3", top[0].Wins, top[0].TotalBets)
	}
	if top[0].NetProfit.Cmp(big.NewInt(94)) != 0 {
		t.Errorf("Net profit = %s, want 94", top[0].NetProfit)
	}
}

func TestTopPlayersLimit(t *testing.T) {
	var records []OutcomeRecord
	for i := int64(1); i <= 5; i++ {
		player := common.BigToAddress(big.NewInt(i))
		records = append(records, profitRecord(player, 100, 100+i*10))
	}

	top := TopPlayers(records, 3)
	if len(top) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(top))
	}
	for i := 1; i < len(top); i++ {
		if top[i-1].NetProfit.Cmp(top[i].NetProfit) < 0 {
			t.Errorf("Entries not sorted by profit descending at %d", i)
		}
	}
}

func TestTopPlayersTieKeepsFirstSeenOrder(t *testing.T) {
	a := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	b := common.HexToAddress("0x00000000000000000000000000000000000000b2")

	records := []OutcomeRecord{
		profitRecord(a, 100, 150),
		profitRecord(b, 100, 150),
	}

	top := TopPlayers(records, DefaultLeaderboardSize)
	if len(top) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(top))
	}
	if top[0].Player != a {
		t.Error("Equal profits should keep first-seen order")
	}
}

func TestTopPlayersAllLosers(t *testing.T) {
	a := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	records := []OutcomeRecord{
		profitRecord(a, 100, 0),
		profitRecord(a, 100, 0),
	}
	if top := TopPlayers(records, DefaultLeaderboardSize); len(top) != 0 {
		t.Errorf("Expected empty leaderboard, got %d entries", len(top))
	}
	if top := TopPlayers(nil, DefaultLeaderboardSize); len(top) != 0 {
		t.Errorf("Expected empty leaderboard for no records, got %d", len(top))
	}
}

func TestTopPlayersBreakEvenExcluded(t *testing.T) {
	a := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	records := []OutcomeRecord{
		profitRecord(a, 100, 150),
		profitRecord(a, 50, 0),
	}
	// Net exactly zero is not a profit.
	if top := TopPlayers(records, DefaultLeaderboardSize); len(top) != 0 {
		t.Errorf("Break-even player should be excluded, got %d entries", len(top))
	}
}
