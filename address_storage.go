package ord

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

const addressStoragePrefix = "addresses/"

// storedAddress stores information about a generated address
type storedAddress struct {
	Address        string `json:"address"`
	Index          uint32 `json:"index"`
	Chain          uint32 `json:"chain"`
	DerivationPath string `json:"derivation_path"`
	ScriptHash     string `json:"scripthash"`
	Spent          bool   `json:"spent,omitempty"` // True if this address has been used as an input
}

func addressStorageKey(walletName string, chain, index uint32) string {
	return fmt.Sprintf("%s%s/%d/%d", addressStoragePrefix, walletName, chain, index)
}

// storeAddress persists a derived address
func storeAddress(ctx context.Context, s logical.Storage, walletName string, info *wallet.AddressInfo) (*storedAddress, error) {
	stored := &storedAddress{
		Address:        info.Address,
		Index:          info.Index,
		Chain:          info.Chain,
		DerivationPath: info.DerivationPath,
		ScriptHash:     info.ScriptHash,
	}

	entry, err := logical.StorageEntryJSON(addressStorageKey(walletName, info.Chain, info.Index), stored)
	if err != nil {
		return nil, fmt.Errorf("error creating storage entry: %w", err)
	}
	if err := s.Put(ctx, entry); err != nil {
		return nil, fmt.Errorf("error saving address: %w", err)
	}
	return stored, nil
}

// getStoredAddresses retrieves all stored addresses for a wallet, receive
// addresses first, each chain sorted by index
func getStoredAddresses(ctx context.Context, s logical.Storage, walletName string) ([]storedAddress, error) {
	view := logical.NewStorageView(s, addressStoragePrefix+walletName+"/")
	keys, err := logical.CollectKeys(ctx, view)
	if err != nil {
		return nil, fmt.Errorf("error listing addresses: %w", err)
	}

	addresses := make([]storedAddress, 0, len(keys))
	for _, key := range keys {
		stored, err := view.Get(ctx, key)
		if err != nil || stored == nil {
			continue
		}

		var addr storedAddress
		if err := stored.DecodeJSON(&addr); err != nil {
			continue
		}
		addresses = append(addresses, addr)
	}

	slices.SortFunc(addresses, func(a, b storedAddress) int {
		if c := cmp.Compare(a.Chain, b.Chain); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})

	return addresses, nil
}

// deleteStoredAddresses removes every address record of a wallet
func deleteStoredAddresses(ctx context.Context, s logical.Storage, walletName string) (int, error) {
	view := logical.NewStorageView(s, addressStoragePrefix+walletName+"/")
	keys, err := logical.CollectKeys(ctx, view)
	if err != nil {
		return 0, fmt.Errorf("error listing addresses: %w", err)
	}
	if err := logical.ClearView(ctx, view); err != nil {
		return 0, fmt.Errorf("error deleting addresses: %w", err)
	}
	return len(keys), nil
}

// deleteStoredAddress removes one address record. The address can always be
// derived again from the seed.
func deleteStoredAddress(ctx context.Context, s logical.Storage, walletName string, chain, index uint32) error {
	if err := s.Delete(ctx, addressStorageKey(walletName, chain, index)); err != nil {
		return fmt.Errorf("error deleting address %d/%d: %w", chain, index, err)
	}
	return nil
}

// markAddressSpent marks an address as spent (used as transaction input)
func markAddressSpent(ctx context.Context, s logical.Storage, walletName string, chain, index uint32) error {
	storageKey := addressStorageKey(walletName, chain, index)

	entry, err := s.Get(ctx, storageKey)
	if err != nil {
		return fmt.Errorf("error reading address: %w", err)
	}
	if entry == nil {
		return fmt.Errorf("address %d/%d not found", chain, index)
	}

	var addr storedAddress
	if err := entry.DecodeJSON(&addr); err != nil {
		return fmt.Errorf("error decoding address: %w", err)
	}
	if addr.Spent {
		return nil
	}

	addr.Spent = true

	newEntry, err := logical.StorageEntryJSON(storageKey, addr)
	if err != nil {
		return fmt.Errorf("error creating storage entry: %w", err)
	}

	if err := s.Put(ctx, newEntry); err != nil {
		return fmt.Errorf("error saving address: %w", err)
	}

	return nil
}

// markInputsSpent marks the addresses behind the spent UTXOs
func markInputsSpent(ctx context.Context, s logical.Storage, walletName string, inputs []wallet.UTXO) error {
	var result *multierror.Error
	for _, in := range inputs {
		if err := markAddressSpent(ctx, s, walletName, in.Chain, in.AddressIndex); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
