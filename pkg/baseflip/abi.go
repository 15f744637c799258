// Package baseflip is the ledger client for the BaseFlip coinflip
// contract: wager submission, receipt decoding, historical log queries,
// and the live outcome subscription.
package baseflip

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/baseflip/flipengine/pkg/flip"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Contract ABI of the deployed BaseFlip contract.
const flipABIJSON = `[
	{"inputs":[{"internalType":"bool","name":"_isHeads","type":"bool"}],"name":"flip","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"_amount","type":"uint256"}],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"owner","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"maxBet","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"player","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},{"indexed":false,"internalType":"bool","name":"isHeads","type":"bool"}],"name":"BetPlaced","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"player","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},{"indexed":false,"internalType":"bool","name":"isHeads","type":"bool"},{"indexed":false,"internalType":"bool","name":"result","type":"bool"},{"indexed":false,"internalType":"bool","name":"won","type":"bool"},{"indexed":false,"internalType":"uint256","name":"payout","type":"uint256"}],"name":"FlipOutcome","type":"event"}
]`

var (
	flipABI      abi.ABI
	outcomeTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(flipABIJSON))
	if err != nil {
		panic(fmt.Sprintf("baseflip: parse ABI: %v", err))
	}
	flipABI = parsed
	outcomeTopic = flipABI.Events["FlipOutcome"].ID
}

// ParseOutcome decodes a FlipOutcome log into an OutcomeRecord.
func ParseOutcome(lg types.Log) (flip.OutcomeRecord, error) {
	if len(lg.Topics) < 2 || lg.Topics[0] != outcomeTopic {
		return flip.OutcomeRecord{}, fmt.Errorf("not a FlipOutcome log")
	}

	vals, err := flipABI.Events["FlipOutcome"].Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return flip.OutcomeRecord{}, fmt.Errorf("unpack FlipOutcome: %w", err)
	}

	amount, ok0 := vals[0].(*big.Int)
	isHeads, ok1 := vals[1].(bool)
	result, ok2 := vals[2].(bool)
	won, ok3 := vals[3].(bool)
	payout, ok4 := vals[4].(*big.Int)
	if !ok0 || !ok1 || !ok2 || !ok3 || !ok4 {
		return flip.OutcomeRecord{}, fmt.Errorf("unexpected FlipOutcome argument types")
	}

	rec := flip.OutcomeRecord{
		Player:      common.BytesToAddress(lg.Topics[1].Bytes()),
		Amount:      amount,
		Choice:      flip.SideFromBool(isHeads),
		Result:      flip.SideFromBool(result),
		Won:         won,
		Payout:      payout,
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
	}
	if err := rec.Validate(); err != nil {
		return flip.OutcomeRecord{}, fmt.Errorf("inconsistent FlipOutcome: %w", err)
	}
	return rec, nil
}

// ParseOutcomes decodes all FlipOutcome logs in a batch, skipping removed
// logs and logs of other events.
func ParseOutcomes(logs []types.Log) []flip.OutcomeRecord {
	records := make([]flip.OutcomeRecord, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		rec, err := ParseOutcome(lg)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records
}
