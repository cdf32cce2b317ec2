package ord

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// MaxCacheAge is the maximum age before we force a status check.
	// Status hash validation normally catches changes first.
	MaxCacheAge = 5 * time.Minute

	// blockHeightTTL bounds how long a fetched chain height is reused
	blockHeightTTL = 30 * time.Second

	defaultCachedWallets   = 256
	defaultCachedAddresses = 4096
)

// AddressCache holds cached data for a single address
type AddressCache struct {
	StatusHash *string // nil means no transaction history
	Balance    BalanceInfo
	History    []TxHistoryItem
	UTXOs      []CachedUTXO
}

// BalanceInfo holds balance data for an address
type BalanceInfo struct {
	Confirmed   int64
	Unconfirmed int64
}

// TxHistoryItem represents a transaction in address history
type TxHistoryItem struct {
	TxHash string
	Height int64
}

// CachedUTXO represents a cached unspent output
type CachedUTXO struct {
	TxID   string
	Vout   uint32
	Value  int64
	Height int64
}

// WalletCache holds the cached chain data of one wallet's addresses
type WalletCache struct {
	addresses *expirable.LRU[string, *AddressCache]

	mu          sync.RWMutex
	blockHeight int64
	heightTime  time.Time
}

// WalletCacheManager keeps a bounded set of wallet caches
type WalletCacheManager struct {
	wallets *lru.Cache[string, *WalletCache]
}

// NewWalletCacheManager creates a cache manager holding at most size wallets
func NewWalletCacheManager(size int) (*WalletCacheManager, error) {
	wallets, err := lru.New[string, *WalletCache](size)
	if err != nil {
		return nil, err
	}
	return &WalletCacheManager{wallets: wallets}, nil
}

func newWalletCache() *WalletCache {
	return &WalletCache{
		addresses: expirable.NewLRU[string, *AddressCache](defaultCachedAddresses, nil, MaxCacheAge),
	}
}

// GetWalletCache gets or creates a cache for a wallet
func (m *WalletCacheManager) GetWalletCache(walletName string) *WalletCache {
	if cache, ok := m.wallets.Get(walletName); ok {
		return cache
	}

	fresh := newWalletCache()
	if prev, ok, _ := m.wallets.PeekOrAdd(walletName, fresh); ok {
		return prev
	}
	return fresh
}

// InvalidateWallet clears the cache for a wallet
func (m *WalletCacheManager) InvalidateWallet(walletName string) {
	m.wallets.Remove(walletName)
}

// statusMatches compares two status hashes (handles nil for no history)
func statusMatches(cached, current *string) bool {
	if cached == nil && current == nil {
		return true
	}
	if cached == nil || current == nil {
		return false
	}
	return *cached == *current
}

// GetAddressCacheIfValid returns cached data if the status hash matches.
// Entries older than MaxCacheAge have already expired.
func (c *WalletCache) GetAddressCacheIfValid(address string, currentStatus *string) *AddressCache {
	cached, ok := c.addresses.Get(address)
	if !ok {
		return nil
	}
	if !statusMatches(cached.StatusHash, currentStatus) {
		return nil
	}
	return cached
}

// SetAddressCache updates cached data for an address with its status hash
func (c *WalletCache) SetAddressCache(address string, status *string, balance BalanceInfo, history []TxHistoryItem, utxos []CachedUTXO) {
	c.addresses.Add(address, &AddressCache{
		StatusHash: status,
		Balance:    balance,
		History:    history,
		UTXOs:      utxos,
	})
}

// InvalidateAddress removes a single address from cache
func (c *WalletCache) InvalidateAddress(address string) {
	c.addresses.Remove(address)
}

// GetBlockHeight returns cached block height if recent, 0 otherwise
func (c *WalletCache) GetBlockHeight() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if time.Since(c.heightTime) < blockHeightTTL {
		return c.blockHeight
	}
	return 0
}

// SetBlockHeight updates the cached block height
func (c *WalletCache) SetBlockHeight(height int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockHeight = height
	c.heightTime = time.Now()
}

// GetAddressCount returns the number of cached addresses
func (c *WalletCache) GetAddressCount() int {
	return c.addresses.Len()
}
