package ord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/helper/locksutil"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/electrum"
)

// chainClient is the slice of the Electrum protocol the backend relies on
type chainClient interface {
	Subscribe(ctx context.Context, scripthash string) (*string, error)
	GetBalance(ctx context.Context, scripthash string) (*electrum.Balance, error)
	GetHistory(ctx context.Context, scripthash string) ([]electrum.Transaction, error)
	ListUnspent(ctx context.Context, scripthash string) ([]electrum.UTXO, error)
	GetBlockHeight(ctx context.Context) (int64, error)
	EstimateFee(ctx context.Context, blocks int) (float64, error)
	BroadcastTransaction(ctx context.Context, rawtx string) (string, error)
	Close()
}

// dialFunc opens a chain client for a server URL
type dialFunc func(ctx context.Context, url string) (chainClient, error)

func dialElectrum(ctx context.Context, url string) (chainClient, error) {
	client, err := electrum.NewClient(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ordBackend defines the backend for the ordinals wallet secrets engine
type ordBackend struct {
	*framework.Backend
	lock   sync.RWMutex
	client chainClient
	dial   dialFunc
	cache  *WalletCacheManager

	// walletLocks serialise operations that spend from or extend one wallet
	walletLocks []*locksutil.LockEntry
}

// Factory creates a new backend instance
func Factory(ctx context.Context, conf *logical.BackendConfig) (logical.Backend, error) {
	b, err := backend()
	if err != nil {
		return nil, err
	}
	if err := b.Setup(ctx, conf); err != nil {
		return nil, err
	}
	return b, nil
}

func backend() (*ordBackend, error) {
	cache, err := NewWalletCacheManager(defaultCachedWallets)
	if err != nil {
		return nil, err
	}

	b := &ordBackend{
		dial:        dialElectrum,
		cache:       cache,
		walletLocks: locksutil.CreateLocks(),
	}

	b.Backend = &framework.Backend{
		Help: strings.TrimSpace(backendHelp),
		PathsSpecial: &logical.Paths{
			SealWrapStorage: []string{
				"config",
				"wallets/*",
			},
		},
		Paths: framework.PathAppend(
			pathConfig(b),
			pathWallets(b),
			pathWalletAddresses(b),
			pathWalletXpub(b),
			pathWalletUTXOs(b),
			pathWalletInscriptions(b),
			pathWalletSend(b),
			pathWalletSendInscription(b),
			pathWalletConsolidate(b),
			pathWalletCompact(b),
			pathWalletScan(b),
			pathWalletQR(b),
		),
		Secrets:     []*framework.Secret{},
		BackendType: logical.TypeLogical,
		Invalidate:  b.invalidate,
	}

	return b, nil
}

// lockWallet takes the write lock for a wallet and returns its release
func (b *ordBackend) lockWallet(name string) func() {
	entry := locksutil.LockForKey(b.walletLocks, name)
	entry.Lock()
	return entry.Unlock
}

// invalidate resets the client when configuration changes
func (b *ordBackend) invalidate(ctx context.Context, key string) {
	if key == configStoragePath {
		b.reset()
	}
}

// reset clears the cached Electrum client
func (b *ordBackend) reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.client != nil {
		b.Logger().Debug("closing Electrum connection")
		b.client.Close()
		b.client = nil
	}
}

// isConnectionError checks if an error indicates a broken connection
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, electrum.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "i/o timeout")
}

// getClient returns the Electrum client, creating one if necessary
func (b *ordBackend) getClient(ctx context.Context, s logical.Storage) (chainClient, error) {
	b.lock.RLock()
	if b.client != nil {
		b.lock.RUnlock()
		return b.client, nil
	}
	b.lock.RUnlock()

	b.lock.Lock()
	defer b.lock.Unlock()

	// Double-check after acquiring write lock
	if b.client != nil {
		return b.client, nil
	}

	config, err := getConfig(ctx, s)
	if err != nil {
		return nil, err
	}

	network := config.network()
	serverURL := config.ElectrumURL
	if serverURL == "" {
		serverURL = getRandomServer(network)
		if serverURL == "" {
			return nil, fmt.Errorf("no default Electrum servers configured for network %q - please set electrum_url in config", network)
		}
	}

	b.Logger().Debug("connecting to Electrum server", "url", serverURL, "network", network)
	client, err := b.dial(ctx, serverURL)
	if err != nil {
		b.Logger().Warn("failed to connect to Electrum server", "url", serverURL, "error", err)
		return nil, err
	}

	b.Logger().Info("connected to Electrum server", "url", serverURL, "network", network)
	b.client = client
	return b.client, nil
}

// withClient runs fn against the Electrum client. A connection error
// resets the client and fn is retried once on a fresh connection.
func (b *ordBackend) withClient(ctx context.Context, s logical.Storage, fn func(chainClient) error) error {
	client, err := b.getClient(ctx, s)
	if err != nil {
		return fmt.Errorf("failed to connect to Electrum server: %w", err)
	}

	err = fn(client)
	if !isConnectionError(err) {
		return err
	}

	b.Logger().Warn("detected stale connection, resetting client", "error", err)
	b.reset()

	client, err = b.getClient(ctx, s)
	if err != nil {
		return fmt.Errorf("failed to reconnect to Electrum server: %w", err)
	}
	return fn(client)
}

const backendHelp = `
The ordinals secrets engine keeps HD wallets whose outputs may carry
inscriptions, and builds, signs and broadcasts spends that never hand an
inscribed satoshi to a fee or a change output.

Each wallet derives addresses of one kind (p2pkh, p2sh-p2wpkh, p2wpkh, p2tr,
or the BIP44-path variants m44-p2wpkh and m44-p2tr). Inscriptions are
registered against the outputs that hold them; coin sends skip those outputs
and inscription sends move them in outputs of their own.

Configure the engine with a network, an optional Electrum server URL and
optional chain overrides (dust threshold, default fee rate, unit size,
denomination, ticker and address version bytes).

Endpoints:
  ord/config                              - Engine configuration
  ord/wallets                             - List wallets
  ord/wallets/:name                       - Create/read/delete a wallet
  ord/wallets/:name/addresses             - List/generate receive addresses
  ord/wallets/:name/xpub                  - Account extended public key
  ord/wallets/:name/utxos                 - UTXOs with inscriptions and units
  ord/wallets/:name/inscriptions          - List/register inscriptions
  ord/wallets/:name/inscriptions/:id      - Read/delete an inscription
  ord/wallets/:name/send                  - Send coin to one address
  ord/wallets/:name/send-many             - Send coin to many addresses
  ord/wallets/:name/estimate              - Estimate a coin send
  ord/wallets/:name/send-inscription      - Send one inscription
  ord/wallets/:name/send-inscriptions     - Sweep inscriptions and coin
  ord/wallets/:name/consolidate           - Merge plain UTXOs
  ord/wallets/:name/compact               - Drop spent, empty address records
  ord/wallets/:name/scan                  - Recover untracked addresses
  ord/wallets/:name/qr                    - QR code of a receive address
`
