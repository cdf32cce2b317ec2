package ord

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

// maxScanGap bounds how far past the next receive index a scan looks
const maxScanGap = 1000

func pathWalletScan(b *ordBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/scan",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeLowerCaseString,
					Description: "Name of the wallet",
					Required:    true,
				},
				"retired": {
					Type:        framework.TypeBool,
					Description: "Scan derived addresses whose records were compacted away (default: true)",
					Default:     true,
				},
				"gap": {
					Type:        framework.TypeInt,
					Description: "Scan N receive addresses beyond the next receive index (default: 0)",
					Default:     0,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletScan,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "scan",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletScan,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "scan",
					},
				},
			},
			ExistenceCheck:  alwaysCreate,
			HelpSynopsis:    pathWalletScanHelpSynopsis,
			HelpDescription: pathWalletScanHelpDescription,
		},
	}
}

// scanCandidate is a derived address without a stored record
type scanCandidate struct {
	info *wallet.AddressInfo
	gap  bool
}

// untrackedCandidates derives the addresses below the wallet's next indexes
// that have no stored record, plus gap receive addresses past the next index
func untrackedCandidates(w *ordWallet, network string, stored []storedAddress, retired bool, gap int) ([]scanCandidate, error) {
	tracked := make(map[[2]uint32]bool, len(stored))
	for _, addr := range stored {
		tracked[[2]uint32{addr.Chain, addr.Index}] = true
	}

	var candidates []scanCandidate
	add := func(chain, index uint32, isGap bool) error {
		if tracked[[2]uint32{chain, index}] {
			return nil
		}
		info, err := wallet.GenerateAddressInfo(w.Seed, network, w.AddressType, chain, index)
		if err != nil {
			return fmt.Errorf("failed to derive address %d/%d: %w", chain, index, err)
		}
		candidates = append(candidates, scanCandidate{info: info, gap: isGap})
		return nil
	}

	if retired {
		for idx := uint32(0); idx < w.NextAddressIndex; idx++ {
			if err := add(wallet.ChainExternal, idx, false); err != nil {
				return nil, err
			}
		}
		for idx := uint32(0); idx < w.NextChangeIndex; idx++ {
			if err := add(wallet.ChainInternal, idx, false); err != nil {
				return nil, err
			}
		}
	}
	for i := 0; i < gap; i++ {
		if err := add(wallet.ChainExternal, w.NextAddressIndex+uint32(i), true); err != nil {
			return nil, err
		}
	}

	return candidates, nil
}

func (b *ordBackend) pathWalletScan(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	retired := data.Get("retired").(bool)
	gap := data.Get("gap").(int)

	b.Logger().Debug("scanning wallet", "wallet", name, "retired", retired, "gap", gap)

	if gap < 0 || gap > maxScanGap {
		return logical.ErrorResponse("gap must be between 0 and %d", maxScanGap), nil
	}

	defer b.lockWallet(name)()

	w, err := getWallet(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return logical.ErrorResponse("wallet %q not found", name), nil
	}

	settings, err := getMountSettings(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	stored, err := getStoredAddresses(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	candidates, err := untrackedCandidates(w, settings.network, stored, retired, gap)
	if err != nil {
		return nil, err
	}

	type hit struct {
		candidate scanCandidate
		balance   int64
		txCount   int
	}
	var hits []hit

	err = b.withClient(ctx, req.Storage, func(client chainClient) error {
		hits = hits[:0]
		for _, c := range candidates {
			history, err := client.GetHistory(ctx, c.info.ScriptHash)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				continue
			}
			balance, err := client.GetBalance(ctx, c.info.ScriptHash)
			if err != nil {
				return err
			}
			hits = append(hits, hit{
				candidate: c,
				balance:   balance.Confirmed + balance.Unconfirmed,
				txCount:   len(history),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	found := make([]map[string]interface{}, 0, len(hits))
	var foundTotal int64
	for _, h := range hits {
		info := h.candidate.info
		if _, err := storeAddress(ctx, req.Storage, name, info); err != nil {
			return nil, err
		}
		if h.candidate.gap && info.Index >= w.NextAddressIndex {
			w.NextAddressIndex = info.Index + 1
		}
		if h.balance > 0 {
			b.Logger().Warn("found funds on untracked address", "wallet", name,
				"address", info.Address, "chain", info.Chain, "index", info.Index, "total", h.balance)
		}

		foundTotal += h.balance
		found = append(found, map[string]interface{}{
			"address":  info.Address,
			"index":    info.Index,
			"chain":    addressChainName(info.Chain),
			"total":    h.balance,
			"tx_count": h.txCount,
			"gap":      h.candidate.gap,
		})
	}

	if len(hits) > 0 {
		if err := saveWallet(ctx, req.Storage, w); err != nil {
			return nil, fmt.Errorf("failed to update wallet: %w", err)
		}
		b.cache.InvalidateWallet(name)
	}

	b.Logger().Info("wallet scanned", "wallet", name, "scanned", len(candidates), "recovered", len(hits), "total", foundTotal)

	return &logical.Response{
		Data: map[string]interface{}{
			"scanned":            len(candidates),
			"recovered":          found,
			"recovered_count":    len(found),
			"recovered_total":    foundTotal,
			"next_address_index": w.NextAddressIndex,
		},
	}, nil
}

const pathWalletScanHelpSynopsis = `
Recover untracked addresses of a wallet.
`

const pathWalletScanHelpDescription = `
This endpoint derives addresses the engine holds no record for and asks the
Electrum server whether they were ever used. Used addresses are stored
again, so their UTXOs show up in balances and can be spent.

Two kinds of addresses are checked:
  - retired: receive and change addresses below the next indexes whose
    records were removed by compaction
  - gap: receive addresses past the next receive index, which may have been
    handed out by another wallet holding the same seed

Example:
  $ vault write ord/wallets/my-wallet/scan
  $ vault write ord/wallets/my-wallet/scan gap=20 retired=false

Recovered outputs holding inscriptions must still be registered before coin
sends will leave them alone.
`
