package electrum

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// serve answers newline-delimited JSON-RPC requests on a local listener.
// Methods missing from results are never answered.
func serve(t *testing.T, results map[string]any) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				scanner.Buffer(make([]byte, 1<<20), 1<<20)
				for scanner.Scan() {
					var req rpcRequest
					if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
						return
					}
					result, ok := results[req.Method]
					if !ok {
						continue
					}
					resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
					if rpcErr, isErr := result.(rpcError); isErr {
						resp["error"] = rpcErr
					} else {
						resp["result"] = result
					}
					data, _ := json.Marshal(resp)
					if _, err := conn.Write(append(data, '\n')); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return "tcp://" + ln.Addr().String()
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		url    string
		tls    bool
		host   string
		port   string
		hasErr bool
	}{
		{"ssl://electrum.blockstream.info:50002", true, "electrum.blockstream.info", "50002", false},
		{"tcp://127.0.0.1:50001", false, "127.0.0.1", "50001", false},
		{"mempool.space:40002", true, "mempool.space", "40002", false},
		{"tcp://no-port", false, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			c := &Client{}
			err := c.parseURL(tt.url)
			if tt.hasErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.tls, c.useTLS)
			require.Equal(t, tt.host, c.host)
			require.Equal(t, tt.port, c.port)
		})
	}
}

func TestClient(t *testing.T) {
	url := serve(t, map[string]any{
		"server.version":                    []string{"ElectrumX 1.16.0", "1.4"},
		"blockchain.scripthash.get_balance": Balance{Confirmed: 5000, Unconfirmed: -1000},
		"blockchain.scripthash.listunspent": []UTXO{{TxHash: "aa", TxPos: 1, Height: 800000, Value: 4000}},
		"blockchain.scripthash.get_history": []Transaction{{TxHash: "aa", Height: 800000}, {TxHash: "bb"}},
		"blockchain.scripthash.subscribe":   nil,
		"blockchain.estimatefee":            0.00012,
		"blockchain.headers.subscribe":      map[string]any{"height": 800010, "hex": "00"},
		"blockchain.transaction.broadcast":  rpcError{Code: 1, Message: "min relay fee not met"},
	})

	ctx := context.Background()
	c, err := NewClient(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	balance, err := c.GetBalance(ctx, "sh")
	require.NoError(t, err)
	require.Equal(t, &Balance{Confirmed: 5000, Unconfirmed: -1000}, balance)

	utxos, err := c.ListUnspent(ctx, "sh")
	require.NoError(t, err)
	require.Equal(t, []UTXO{{TxHash: "aa", TxPos: 1, Height: 800000, Value: 4000}}, utxos)

	history, err := c.GetHistory(ctx, "sh")
	require.NoError(t, err)
	require.Len(t, history, 2)

	status, err := c.Subscribe(ctx, "sh")
	require.NoError(t, err)
	require.Nil(t, status)

	fee, err := c.EstimateFee(ctx, 6)
	require.NoError(t, err)
	require.InDelta(t, 0.00012, fee, 1e-12)

	height, err := c.GetBlockHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(800010), height)

	_, err = c.BroadcastTransaction(ctx, "00")
	require.ErrorContains(t, err, "min relay fee not met")
}

func TestClientContext(t *testing.T) {
	url := serve(t, map[string]any{
		"server.version": []string{"ElectrumX 1.16.0", "1.4"},
	})

	c, err := NewClient(context.Background(), url)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// the server never answers get_balance
	_, err = c.GetBalance(ctx, "sh")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c.Close()
	_, err = c.GetBalance(context.Background(), "sh")
	require.True(t, errors.Is(err, ErrClosed))
}

func TestClientPeerClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// answer the version handshake, then hang up
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		if !scanner.Scan() {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}
		data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": []string{"ElectrumX 1.16.0", "1.4"}})
		conn.Write(append(data, '\n'))
	}()

	c, err := NewClient(context.Background(), "tcp://"+ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := c.GetBalance(ctx, "sh")
		return errors.Is(err, ErrClosed)
	}, 5*time.Second, 10*time.Millisecond)
}
