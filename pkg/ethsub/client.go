// Package ethsub provides a reconnecting WebSocket client for Ethereum
// JSON-RPC log subscriptions (eth_subscribe). Delivery is best-effort: on
// a dropped connection the client backs off, reconnects, and resubscribes
// from the live head, leaving any gap to the caller's dedup logic.
package ethsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
)

// State represents the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handlers contains callback functions for subscription events.
type Handlers struct {
	OnLogs        func([]types.Log)
	OnConnect     func()
	OnDisconnect  func(err error)
	OnReconnect   func(attempt int)
	OnError       func(err error)
	OnStateChange func(old, new State)
}

// Config holds subscription client configuration.
type Config struct {
	// URL is the node's WebSocket endpoint
	URL string

	// Address and Topics form the log filter
	Address common.Address
	Topics  []common.Hash

	// Reconnect settings
	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int // 0 = unlimited

	// Ping/read settings
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig(url string, address common.Address, topics []common.Hash) Config {
	return Config{
		URL:               url,
		Address:           address,
		Topics:            topics,
		ReconnectMinDelay: 1 * time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Client maintains an eth_subscribe log subscription with reconnection.
type Client struct {
	config   Config
	handlers Handlers

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex
	state   int32 // atomic State

	closeCh   chan struct{}
	closeOnce sync.Once

	reconnectAttempts int
	subID             string
	subIDMu           sync.RWMutex
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *subParams      `json:"params,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type subParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewClient creates a new subscription client.
func NewClient(config Config, handlers Handlers) *Client {
	return &Client{
		config:   config,
		handlers: handlers,
		closeCh:  make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and subscribes.
func (c *Client) Connect(ctx context.Context) error {
	if c.getState() == StateClosed {
		return errors.New("client is closed")
	}

	c.setState(StateConnecting)

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial failed: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if err := c.subscribe(); err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)
	c.reconnectAttempts = 0

	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}

	go c.readLoop(conn)
	if c.config.PingInterval > 0 {
		go c.pingLoop(conn)
	}
	return nil
}

// Close closes the client permanently. No reconnect is attempted.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closeCh)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
	})
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.getState()
}

// subscribe sends the eth_subscribe request. The node's confirmation and
// the first notifications are both handled by the read loop.
func (c *Client) subscribe() error {
	topics := make([]string, len(c.config.Topics))
	for i, t := range c.config.Topics {
		topics[i] = t.Hex()
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_subscribe",
		Params: []interface{}{
			"logs",
			map[string]interface{}{
				"address": c.config.Address.Hex(),
				"topics":  [][]string{topics},
			},
		},
	}
	return c.writeJSON(req)
}

func (c *Client) writeJSON(v interface{}) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errors.New("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return conn.WriteJSON(v)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	var lastErr error
	defer func() {
		if c.getState() != StateClosed {
			c.handleDisconnect(lastErr)
		}
	}()

	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		if c.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			lastErr = err
			if c.handlers.OnError != nil {
				c.handlers.OnError(err)
			}
			return
		}

		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		if c.handlers.OnError != nil {
			c.handlers.OnError(fmt.Errorf("malformed rpc message: %w", err))
		}
		return
	}

	if msg.Error != nil {
		if c.handlers.OnError != nil {
			c.handlers.OnError(msg.Error)
		}
		return
	}

	// Subscription confirmation carries our request id and the sub id.
	if msg.ID != nil {
		var id string
		if err := json.Unmarshal(msg.Result, &id); err == nil {
			c.subIDMu.Lock()
			c.subID = id
			c.subIDMu.Unlock()
		}
		return
	}

	if msg.Method != "eth_subscription" || msg.Params == nil {
		return
	}

	var lg types.Log
	if err := json.Unmarshal(msg.Params.Result, &lg); err != nil {
		if c.handlers.OnError != nil {
			c.handlers.OnError(fmt.Errorf("malformed log notification: %w", err))
		}
		return
	}

	if c.handlers.OnLogs != nil {
		c.handlers.OnLogs([]types.Log{lg})
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			if c.getState() != StateConnected {
				return
			}
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if c.handlers.OnError != nil {
					c.handlers.OnError(fmt.Errorf("ping failed: %w", err))
				}
				return
			}
		}
	}
}

func (c *Client) handleDisconnect(err error) {
	c.setState(StateDisconnected)

	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(err)
	}

	go c.reconnect()
}

func (c *Client) reconnect() {
	c.setState(StateReconnecting)

	for {
		if c.getState() == StateClosed {
			return
		}

		c.reconnectAttempts++

		if c.config.ReconnectMaxAttempts > 0 && c.reconnectAttempts > c.config.ReconnectMaxAttempts {
			c.setState(StateDisconnected)
			if c.handlers.OnError != nil {
				c.handlers.OnError(fmt.Errorf("max reconnect attempts (%d) exceeded", c.config.ReconnectMaxAttempts))
			}
			return
		}

		delay := c.config.ReconnectMinDelay * time.Duration(1<<uint(c.reconnectAttempts-1))
		if delay > c.config.ReconnectMaxDelay || delay <= 0 {
			delay = c.config.ReconnectMaxDelay
		}

		select {
		case <-c.closeCh:
			return
		case <-time.After(delay):
		}

		if c.handlers.OnReconnect != nil {
			c.handlers.OnReconnect(c.reconnectAttempts)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		if c.handlers.OnError != nil {
			c.handlers.OnError(fmt.Errorf("reconnect attempt %d failed: %w", c.reconnectAttempts, err))
		}
	}
}

func (c *Client) getState() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Client) setState(s State) {
	old := State(atomic.SwapInt32(&c.state, int32(s)))
	if old != s && c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(old, s)
	}
}
