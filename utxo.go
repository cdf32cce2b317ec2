package ord

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

// UTXOInfo represents detailed UTXO information
type UTXOInfo struct {
	TxID          string               `json:"txid"`
	Vout          int                  `json:"vout"`
	Value         int64                `json:"value"`
	Address       string               `json:"address"`
	AddressIndex  uint32               `json:"address_index"`
	Chain         uint32               `json:"chain"`
	ScriptHash    string               `json:"scripthash"`
	Height        int64                `json:"height"`
	Confirmations int64                `json:"confirmations"`
	Inscriptions  []wallet.Inscription `json:"inscriptions,omitempty"`
}

// addressState is the chain view of one stored address
type addressState struct {
	addr         storedAddress
	balance      BalanceInfo
	historyCount int
	utxos        []CachedUTXO
	failed       bool
}

// fetchAddressState reads an address from the cache when its status hash
// still matches, otherwise from the server
func fetchAddressState(ctx context.Context, client chainClient, walletCache *WalletCache, addr storedAddress) (addressState, error) {
	status, err := client.Subscribe(ctx, addr.ScriptHash)
	if err != nil {
		return addressState{}, fmt.Errorf("status of %s: %w", addr.Address, err)
	}

	if cached := walletCache.GetAddressCacheIfValid(addr.Address, status); cached != nil {
		return addressState{
			addr:         addr,
			balance:      cached.Balance,
			historyCount: len(cached.History),
			utxos:        cached.UTXOs,
		}, nil
	}

	balanceResp, err := client.GetBalance(ctx, addr.ScriptHash)
	if err != nil {
		return addressState{}, fmt.Errorf("balance of %s: %w", addr.Address, err)
	}
	historyResp, err := client.GetHistory(ctx, addr.ScriptHash)
	if err != nil {
		return addressState{}, fmt.Errorf("history of %s: %w", addr.Address, err)
	}
	utxoResp, err := client.ListUnspent(ctx, addr.ScriptHash)
	if err != nil {
		return addressState{}, fmt.Errorf("unspent of %s: %w", addr.Address, err)
	}

	balance := BalanceInfo{Confirmed: balanceResp.Confirmed, Unconfirmed: balanceResp.Unconfirmed}

	history := make([]TxHistoryItem, len(historyResp))
	for i, h := range historyResp {
		history[i] = TxHistoryItem{TxHash: h.TxHash, Height: h.Height}
	}

	utxos := make([]CachedUTXO, len(utxoResp))
	for i, u := range utxoResp {
		utxos[i] = CachedUTXO{TxID: u.TxHash, Vout: uint32(u.TxPos), Value: u.Value, Height: u.Height}
	}

	walletCache.SetAddressCache(addr.Address, status, balance, history, utxos)

	return addressState{
		addr:         addr,
		balance:      balance,
		historyCount: len(history),
		utxos:        utxos,
	}, nil
}

// scanAddresses fetches the chain state of every stored address. Addresses
// the server fails on are reported with failed set and no data.
func (b *ordBackend) scanAddresses(ctx context.Context, s logical.Storage, walletName string, addresses []storedAddress) ([]addressState, error) {
	if _, err := b.getClient(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to connect to Electrum server: %w", err)
	}

	walletCache := b.cache.GetWalletCache(walletName)
	states := make([]addressState, 0, len(addresses))

	b.Logger().Debug("checking addresses for wallet", "wallet", walletName, "address_count", len(addresses))
	for _, addr := range addresses {
		var state addressState
		err := b.withClient(ctx, s, func(client chainClient) error {
			var err error
			state, err = fetchAddressState(ctx, client, walletCache, addr)
			return err
		})
		if err != nil {
			b.Logger().Warn("failed to fetch address", "address", addr.Address, "error", err)
			state = addressState{addr: addr, failed: true}
		}
		states = append(states, state)
	}

	return states, nil
}

// blockHeight returns the chain tip height, 0 when it cannot be fetched
func (b *ordBackend) blockHeight(ctx context.Context, s logical.Storage, walletName string) int64 {
	walletCache := b.cache.GetWalletCache(walletName)
	if height := walletCache.GetBlockHeight(); height > 0 {
		return height
	}

	var height int64
	err := b.withClient(ctx, s, func(client chainClient) error {
		var err error
		height, err = client.GetBlockHeight(ctx)
		return err
	})
	if err != nil {
		b.Logger().Warn("failed to get block height", "error", err)
		return 0
	}

	walletCache.SetBlockHeight(height)
	return height
}

// confirmations counts the blocks since height. Unconfirmed outputs have
// height 0; a mined output with an unknown tip counts as one.
func confirmations(height, tip int64) int64 {
	switch {
	case height <= 0:
		return 0
	case tip <= 0:
		return 1
	default:
		return max(tip-height+1, 0)
	}
}

// getUTXOsForWallet returns the wallet's UTXOs with at least minConfirmations,
// carrying their registered inscriptions, largest value first
func (b *ordBackend) getUTXOsForWallet(ctx context.Context, s logical.Storage, walletName string, minConfirmations int) ([]UTXOInfo, error) {
	b.Logger().Debug("fetching UTXOs", "wallet", walletName, "min_confirmations", minConfirmations)

	addresses, err := getStoredAddresses(ctx, s, walletName)
	if err != nil {
		return nil, err
	}

	states, err := b.scanAddresses(ctx, s, walletName, addresses)
	if err != nil {
		return nil, err
	}

	registered, err := listInscriptions(ctx, s, walletName)
	if err != nil {
		return nil, err
	}
	byOutpoint := inscriptionsByOutpoint(registered)

	tip := b.blockHeight(ctx, s, walletName)

	var all []UTXOInfo
	for _, state := range states {
		for _, utxo := range state.utxos {
			confs := confirmations(utxo.Height, tip)
			if int(confs) < minConfirmations {
				continue
			}

			all = append(all, UTXOInfo{
				TxID:          utxo.TxID,
				Vout:          int(utxo.Vout),
				Value:         utxo.Value,
				Address:       state.addr.Address,
				AddressIndex:  state.addr.Index,
				Chain:         state.addr.Chain,
				ScriptHash:    state.addr.ScriptHash,
				Height:        utxo.Height,
				Confirmations: confs,
				Inscriptions:  byOutpoint[outpointKey(utxo.TxID, int(utxo.Vout))],
			})
		}
	}

	slices.SortStableFunc(all, func(a, b UTXOInfo) int {
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		if c := cmp.Compare(a.TxID, b.TxID); c != 0 {
			return c
		}
		return cmp.Compare(a.Vout, b.Vout)
	})

	b.Logger().Debug("UTXOs fetched", "wallet", walletName, "utxo_count", len(all))
	return all, nil
}

// toWalletUTXOs converts UTXO records into builder inputs for w
func toWalletUTXOs(infos []UTXOInfo, w *ordWallet, network string, cfg wallet.ChainConfig) ([]wallet.UTXO, error) {
	utxos := make([]wallet.UTXO, 0, len(infos))
	for _, info := range infos {
		scriptPubKey, err := wallet.GetScriptPubKey(info.Address, cfg.Params)
		if err != nil {
			return nil, fmt.Errorf("script for %s: %w", info.Address, err)
		}

		utxo := wallet.UTXO{
			TxID:         info.TxID,
			Vout:         info.Vout,
			Value:        info.Value,
			Address:      info.Address,
			AddressIndex: info.AddressIndex,
			Chain:        info.Chain,
			ScriptPubKey: scriptPubKey,
			AddressType:  w.AddressType,
			Inscriptions: info.Inscriptions,
		}

		// wrapped segwit inputs carry the key their redeem script hashes
		if wallet.ScriptKind(w.AddressType) == wallet.AddressTypeP2SHP2WPKH {
			key, err := wallet.DeriveKey(w.Seed, network, w.AddressType, info.Chain, info.AddressIndex)
			if err != nil {
				return nil, err
			}
			pub, err := wallet.GetPublicKey(key)
			if err != nil {
				return nil, err
			}
			utxo.PubKey = pub.SerializeCompressed()
		}

		utxos = append(utxos, utxo)
	}
	return utxos, nil
}

// splitInscribed partitions UTXO records into plain and inscription-bearing ones
func splitInscribed(infos []UTXOInfo) (plain, inscribed []UTXOInfo) {
	for _, info := range infos {
		if len(info.Inscriptions) > 0 {
			inscribed = append(inscribed, info)
		} else {
			plain = append(plain, info)
		}
	}
	return plain, inscribed
}
