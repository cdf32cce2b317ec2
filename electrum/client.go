package electrum

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	clientName      = "vault-plugin-secrets-ord"
	protocolVersion = "1.4"

	dialTimeout    = 30 * time.Second
	requestTimeout = 30 * time.Second
)

// ErrClosed is returned for calls on a closed client or a dropped connection
var ErrClosed = errors.New("electrum: connection closed")

// Client represents an Electrum protocol client
type Client struct {
	conn     net.Conn
	mu       sync.Mutex
	id       atomic.Uint64
	useTLS   bool
	host     string
	port     string
	respChan map[uint64]chan *rpcResponse
	respMu   sync.Mutex
	closed   bool
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Balance represents the balance response from Electrum
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// UTXO represents an unspent transaction output
type UTXO struct {
	TxHash string `json:"tx_hash"`
	TxPos  int    `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  int64  `json:"value"`
}

// Transaction represents transaction history item
type Transaction struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
	Fee    int64  `json:"fee,omitempty"`
}

// NewClient dials the server at url (ssl://host:port or tcp://host:port)
// and negotiates the protocol version.
func NewClient(ctx context.Context, url string) (*Client, error) {
	c := &Client{
		respChan: make(map[uint64]chan *rpcResponse),
	}

	if err := c.parseURL(url); err != nil {
		return nil, err
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	go c.readResponses()

	if err := c.negotiateVersion(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Client) parseURL(url string) error {
	switch {
	case strings.HasPrefix(url, "ssl://"):
		c.useTLS = true
		url = strings.TrimPrefix(url, "ssl://")
	case strings.HasPrefix(url, "tcp://"):
		url = strings.TrimPrefix(url, "tcp://")
	default:
		c.useTLS = true
	}

	host, port, err := net.SplitHostPort(url)
	if err != nil {
		return fmt.Errorf("invalid URL format, expected host:port: %w", err)
	}

	c.host = host
	c.port = port
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, c.port)
	dialer := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error
	if c.useTLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				MinVersion: tls.VersionTLS12,
				ServerName: c.host,
			},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to Electrum server: %w", err)
	}

	c.conn = conn
	return nil
}

func (c *Client) readResponses() {
	decoder := json.NewDecoder(c.conn)
	for {
		var resp rpcResponse
		if err := decoder.Decode(&resp); err != nil {
			// the connection is gone: fail later calls fast and wake every
			// waiting caller
			c.Close()
			c.respMu.Lock()
			for _, ch := range c.respChan {
				close(ch)
			}
			c.respChan = nil
			c.respMu.Unlock()
			return
		}

		c.respMu.Lock()
		if ch, ok := c.respChan[resp.ID]; ok {
			ch <- &resp
			delete(c.respChan, resp.ID)
		}
		c.respMu.Unlock()
	}
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	id := c.id.Add(1)
	if params == nil {
		params = []any{}
	}

	data, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	respCh := make(chan *rpcResponse, 1)
	c.respMu.Lock()
	if c.respChan == nil {
		c.respMu.Unlock()
		return nil, ErrClosed
	}
	c.respChan[id] = respCh
	c.respMu.Unlock()

	forget := func() {
		c.respMu.Lock()
		delete(c.respChan, id)
		c.respMu.Unlock()
	}

	c.mu.Lock()
	_, err = c.conn.Write(data)
	c.mu.Unlock()
	if err != nil {
		forget()
		return nil, fmt.Errorf("%w: failed to send request: %v", ErrClosed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("electrum error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		forget()
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// callInto runs method and decodes its result into out
func (c *Client) callInto(ctx context.Context, out any, method string, params ...any) error {
	result, err := c.call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

func (c *Client) negotiateVersion(ctx context.Context) error {
	var version []string
	if err := c.callInto(ctx, &version, "server.version", clientName, protocolVersion); err != nil {
		return fmt.Errorf("version negotiation failed: %w", err)
	}
	return nil
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// GetBalance returns the balance for a scripthash
func (c *Client) GetBalance(ctx context.Context, scripthash string) (*Balance, error) {
	var balance Balance
	if err := c.callInto(ctx, &balance, "blockchain.scripthash.get_balance", scripthash); err != nil {
		return nil, err
	}
	return &balance, nil
}

// ListUnspent returns unspent outputs for a scripthash
func (c *Client) ListUnspent(ctx context.Context, scripthash string) ([]UTXO, error) {
	var utxos []UTXO
	if err := c.callInto(ctx, &utxos, "blockchain.scripthash.listunspent", scripthash); err != nil {
		return nil, err
	}
	return utxos, nil
}

// GetHistory returns transaction history for a scripthash
func (c *Client) GetHistory(ctx context.Context, scripthash string) ([]Transaction, error) {
	var txs []Transaction
	if err := c.callInto(ctx, &txs, "blockchain.scripthash.get_history", scripthash); err != nil {
		return nil, err
	}
	return txs, nil
}

// BroadcastTransaction broadcasts a raw transaction and returns the txid
func (c *Client) BroadcastTransaction(ctx context.Context, rawtx string) (string, error) {
	var txid string
	if err := c.callInto(ctx, &txid, "blockchain.transaction.broadcast", rawtx); err != nil {
		return "", err
	}
	return txid, nil
}

// EstimateFee returns the estimated fee in coin per kilobyte to confirm
// within blocks. Servers answer -1 when they have no estimate.
func (c *Client) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	var fee float64
	if err := c.callInto(ctx, &fee, "blockchain.estimatefee", blocks); err != nil {
		return 0, err
	}
	return fee, nil
}

// Subscribe subscribes to a scripthash and returns its current status hash.
// The status changes whenever a transaction touching the script is added
// or confirmed. A script with no history has a nil status.
func (c *Client) Subscribe(ctx context.Context, scripthash string) (*string, error) {
	result, err := c.call(ctx, "blockchain.scripthash.subscribe", scripthash)
	if err != nil {
		return nil, err
	}

	if string(result) == "null" {
		return nil, nil
	}

	var status string
	if err := json.Unmarshal(result, &status); err != nil {
		return nil, fmt.Errorf("failed to parse subscribe result: %w", err)
	}
	return &status, nil
}

// GetBlockHeight returns the current chain tip height
func (c *Client) GetBlockHeight(ctx context.Context) (int64, error) {
	var header struct {
		Height int64  `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := c.callInto(ctx, &header, "blockchain.headers.subscribe"); err != nil {
		return 0, err
	}
	return header.Height, nil
}
