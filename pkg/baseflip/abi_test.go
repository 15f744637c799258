package baseflip

import (
	"math/big"
	"testing"

	"github.com/baseflip/flipengine/pkg/flip"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func outcomeLog(t *testing.T, player common.Address, amount *big.Int, isHeads, result, won bool, payout *big.Int) types.Log {
	t.Helper()
	data, err := flipABI.Events["FlipOutcome"].Inputs.NonIndexed().Pack(amount, isHeads, result, won, payout)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	return types.Log{
		Address:     common.HexToAddress("0x091e25A02922cf956Fff137C77c5F2F4105fCF3a"),
		Topics:      []common.Hash{outcomeTopic, common.BytesToHash(player.Bytes())},
		Data:        data,
		TxHash:      common.HexToHash("0x01"),
		BlockNumber: 42,
	}
}

func TestParseOutcomeWin(t *testing.T) {
	player := common.HexToAddress("0x00000000000000000000000000000000000000Aa")
	amount := big.NewInt(1e15)
	payout := flip.PotentialPayout(amount)

	rec, err := ParseOutcome(outcomeLog(t, player, amount, true, true, true, payout))
	if err != nil {
		t.Fatalf("ParseOutcome failed: %v", err)
	}

	if rec.Player != player {
		t.Errorf("Player = %s, want %s", rec.Player.Hex(), player.Hex())
	}
	if rec.Choice != flip.SideHeads || rec.Result != flip.SideHeads {
		t.Errorf("Choice/Result = %s/%s, want heads/heads", rec.Choice, rec.Result)
	}
	if !rec.Won {
		t.Error("Expected a won record")
	}
	if rec.Payout.Cmp(payout) != 0 {
		t.Errorf("Payout = %s, want %s", rec.Payout, payout)
	}
	if rec.BlockNumber != 42 {
		t.Errorf("BlockNumber = %d, want 42", rec.BlockNumber)
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("Decoded record failed validation: %v", err)
	}
}

func TestParseOutcomeLoss(t *testing.T) {
	player := common.HexToAddress("0x00000000000000000000000000000000000000Aa")

	rec, err := ParseOutcome(outcomeLog(t, player, big.NewInt(1e15), true, false, false, big.NewInt(0)))
	if err != nil {
		t.Fatalf("ParseOutcome failed: %v", err)
	}
	if rec.Won || rec.Payout.Sign() != 0 {
		t.Errorf("Lost record should have zero payout, got won=%v payout=%s", rec.Won, rec.Payout)
	}
	if rec.Choice != flip.SideHeads || rec.Result != flip.SideTails {
		t.Errorf("Choice/Result = %s/%s, want heads/tails", rec.Choice, rec.Result)
	}
}

func TestParseOutcomeRejectsInconsistent(t *testing.T) {
	player := common.HexToAddress("0x00000000000000000000000000000000000000Aa")

	// won=true with zero payout contradicts the contract's own rules.
	if _, err := ParseOutcome(outcomeLog(t, player, big.NewInt(1e15), true, true, true, big.NewInt(0))); err == nil {
		t.Error("Expected an error for won with zero payout")
	}
}

func TestParseOutcomeWrongTopic(t *testing.T) {
	lg := outcomeLog(t, common.Address{}, big.NewInt(1), true, false, false, big.NewInt(0))
	lg.Topics[0] = common.HexToHash("0xdeadbeef")
	if _, err := ParseOutcome(lg); err == nil {
		t.Error("Expected an error for a non-FlipOutcome log")
	}

	lg = outcomeLog(t, common.Address{}, big.NewInt(1), true, false, false, big.NewInt(0))
	lg.Topics = lg.Topics[:1]
	if _, err := ParseOutcome(lg); err == nil {
		t.Error("Expected an error for a log without a player topic")
	}
}

func TestParseOutcomesSkipsRemovedAndForeign(t *testing.T) {
	player := common.HexToAddress("0x00000000000000000000000000000000000000Aa")

	good := outcomeLog(t, player, big.NewInt(1e15), true, false, false, big.NewInt(0))
	removed := outcomeLog(t, player, big.NewInt(1e15), false, true, false, big.NewInt(0))
	removed.Removed = true
	foreign := good
	foreign.Topics = []common.Hash{common.HexToHash("0xdeadbeef")}

	records := ParseOutcomes([]types.Log{removed, foreign, good})
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if records[0].Player != player {
		t.Errorf("Wrong record survived the filter")
	}
}
