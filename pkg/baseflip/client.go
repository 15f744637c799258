package baseflip

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/baseflip/flipengine/pkg/eth"
	"github.com/baseflip/flipengine/pkg/ethsub"
	"github.com/baseflip/flipengine/pkg/flip"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Config holds client configuration.
type Config struct {
	// RPCURL is the node's HTTP JSON-RPC endpoint.
	RPCURL string

	// WSURL is the node's WebSocket endpoint, used for the live outcome
	// subscription. Optional; without it SubscribeOutcomes fails.
	WSURL string

	// Contract is the deployed BaseFlip address.
	Contract common.Address

	// ChainID pins the signing chain. Fetched from the node when nil.
	ChainID *big.Int

	// ReceiptPollInterval is how often WaitReceipt polls. The frontend
	// polled at 1s to keep reveal lag low; same default here.
	ReceiptPollInterval time.Duration

	// LogBatchSpan caps the block range of a single eth_getLogs call.
	LogBatchSpan uint64

	// RateLimit bounds outgoing RPC calls.
	RateLimit rate.Limit
	RateBurst int
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig(rpcURL, wsURL string, contract common.Address) Config {
	return Config{
		RPCURL:              rpcURL,
		WSURL:               wsURL,
		Contract:            contract,
		ReceiptPollInterval: 1 * time.Second,
		LogBatchSpan:        10_000,
		RateLimit:           rate.Limit(20),
		RateBurst:           40,
	}
}

// Client talks to the BaseFlip contract through an Ethereum node. It
// implements flip.LedgerClient.
type Client struct {
	config  Config
	eth     *ethclient.Client
	wallet  *eth.Wallet
	limiter *rate.Limiter
	chainID *big.Int

	onReconnect func(attempt int)
}

// NewClient dials the node and prepares a client. The wallet may be nil
// for a read-only client (history and subscription without betting).
func NewClient(ctx context.Context, config Config, wallet *eth.Wallet) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, config.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", flip.ErrNode, config.RPCURL, err)
	}

	chainID := config.ChainID
	if chainID == nil {
		chainID, err = ec.ChainID(ctx)
		if err != nil {
			ec.Close()
			return nil, fmt.Errorf("%w: chain id: %v", flip.ErrNode, err)
		}
	}

	if config.ReceiptPollInterval <= 0 {
		config.ReceiptPollInterval = 1 * time.Second
	}
	if config.LogBatchSpan == 0 {
		config.LogBatchSpan = 10_000
	}
	if config.RateLimit <= 0 {
		config.RateLimit = rate.Limit(20)
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 40
	}

	return &Client{
		config:  config,
		eth:     ec,
		wallet:  wallet,
		limiter: rate.NewLimiter(config.RateLimit, config.RateBurst),
		chainID: chainID,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// OnReconnect sets a callback fired on live-subscription reconnect
// attempts.
func (c *Client) OnReconnect(fn func(attempt int)) {
	c.onReconnect = fn
}

// ContractAddress returns the BaseFlip contract address.
func (c *Client) ContractAddress() common.Address {
	return c.config.Contract
}

// ChainID returns the chain the client signs for.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Flip submits a wager on a side and returns the transaction hash. Gas
// estimation surfaces contract-level rejections (e.g. a bet below the
// minimum) before the transaction is broadcast.
func (c *Client) Flip(ctx context.Context, side flip.Side, wager *big.Int) (common.Hash, error) {
	return c.submit(ctx, "flip", wager, side.IsHeads())
}

// Withdraw submits an owner-only house withdrawal.
func (c *Client) Withdraw(ctx context.Context, amount *big.Int) (common.Hash, error) {
	return c.submit(ctx, "withdraw", big.NewInt(0), amount)
}

func (c *Client) submit(ctx context.Context, method string, value *big.Int, args ...interface{}) (common.Hash, error) {
	if c.wallet == nil {
		return common.Hash{}, fmt.Errorf("%w: client has no wallet", flip.ErrSubmissionRejected)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return common.Hash{}, err
	}

	data, err := flipABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	from := c.wallet.Address()
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: nonce: %v", flip.ErrNode, err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: gas price: %v", flip.ErrNode, err)
	}

	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &c.config.Contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %s would revert: %v", flip.ErrSubmissionRejected, method, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas + gas/5,
		To:       &c.config.Contract,
		Value:    value,
		Data:     data,
	})
	signed, err := c.wallet.SignTx(tx, c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", flip.ErrSubmissionRejected, err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("%w: send %s: %v", flip.ErrNode, method, err)
	}
	return signed.Hash(), nil
}

// WaitReceipt polls for the transaction receipt and returns the outcome
// records decoded from its logs. A reverted transaction is reported as a
// rejected submission.
func (c *Client) WaitReceipt(ctx context.Context, tx common.Hash) ([]flip.OutcomeRecord, error) {
	ticker := time.NewTicker(c.config.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		receipt, err := c.eth.TransactionReceipt(ctx, tx)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, fmt.Errorf("%w: transaction %s reverted", flip.ErrSubmissionRejected, tx.Hex())
			}
			logs := make([]types.Log, 0, len(receipt.Logs))
			for _, lg := range receipt.Logs {
				logs = append(logs, *lg)
			}
			return ParseOutcomes(logs), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: receipt %s: %v", flip.ErrNode, tx.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// FilterOutcomes returns historical outcome records over the inclusive
// block range in ascending block order, batching the underlying
// eth_getLogs calls.
func (c *Client) FilterOutcomes(ctx context.Context, fromBlock, toBlock uint64) ([]flip.OutcomeRecord, error) {
	var records []flip.OutcomeRecord

	for start := fromBlock; start <= toBlock; {
		end := start + c.config.LogBatchSpan - 1
		if end > toBlock {
			end = toBlock
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{c.config.Contract},
			Topics:    [][]common.Hash{{outcomeTopic}},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: filter logs [%d,%d]: %v", flip.ErrNode, start, end, err)
		}
		records = append(records, ParseOutcomes(logs)...)

		if end == toBlock {
			break
		}
		start = end + 1
	}
	return records, nil
}

// SubscribeOutcomes arms the live outcome subscription over the WebSocket
// endpoint. The returned subscription survives node disconnects through
// the ethsub reconnect loop.
func (c *Client) SubscribeOutcomes(ctx context.Context, fn func([]flip.OutcomeRecord)) (flip.Subscription, error) {
	if c.config.WSURL == "" {
		return nil, fmt.Errorf("%w: no websocket endpoint configured", flip.ErrNode)
	}

	sub := ethsub.NewClient(
		ethsub.DefaultConfig(c.config.WSURL, c.config.Contract, []common.Hash{outcomeTopic}),
		ethsub.Handlers{
			OnLogs: func(logs []types.Log) {
				if records := ParseOutcomes(logs); len(records) > 0 {
					fn(records)
				}
			},
			OnReconnect: c.onReconnect,
		},
	)
	if err := sub.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: subscribe: %v", flip.ErrNode, err)
	}
	return subHandle{sub}, nil
}

type subHandle struct {
	client *ethsub.Client
}

func (s subHandle) Unsubscribe() {
	s.client.Close()
}

// Balance returns the current wei balance of an address.
func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	bal, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance %s: %v", flip.ErrNode, addr.Hex(), err)
	}
	return bal, nil
}

// BlockNumber returns the current head block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", flip.ErrNode, err)
	}
	return n, nil
}

// MaxBet returns the contract's own bet ceiling.
func (c *Client) MaxBet(ctx context.Context) (*big.Int, error) {
	out, err := c.call(ctx, "maxBet")
	if err != nil {
		return nil, err
	}
	max, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected maxBet() return type")
	}
	return max, nil
}

// Owner returns the contract owner address.
func (c *Client) Owner(ctx context.Context) (common.Address, error) {
	out, err := c.call(ctx, "owner")
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected owner() return type")
	}
	return addr, nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	data, err := flipABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.config.Contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s: %v", flip.ErrNode, method, err)
	}
	out, err := flipABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}
