package ord

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
)

// compactionResult holds the results of a compaction run
type compactionResult struct {
	deleted   []storedAddress
	remaining int
}

func pathWalletCompact(b *ordBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/compact",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeLowerCaseString,
					Description: "Name of the wallet",
					Required:    true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletCompact,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "compact",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletCompact,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "compact",
					},
				},
			},
			ExistenceCheck:  alwaysCreate,
			HelpSynopsis:    pathWalletCompactHelpSynopsis,
			HelpDescription: pathWalletCompactHelpDescription,
		},
	}
}

func (b *ordBackend) pathWalletCompact(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)

	b.Logger().Debug("compacting wallet", "wallet", name)

	defer b.lockWallet(name)()

	w, err := getWallet(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return logical.ErrorResponse("wallet %q not found", name), nil
	}

	result, err := b.runCompaction(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	deleted := make([]map[string]interface{}, len(result.deleted))
	for i, addr := range result.deleted {
		deleted[i] = map[string]interface{}{
			"address": addr.Address,
			"index":   addr.Index,
			"chain":   addressChainName(addr.Chain),
		}
	}

	return &logical.Response{
		Data: map[string]interface{}{
			"deleted":             deleted,
			"addresses_deleted":   len(result.deleted),
			"addresses_remaining": result.remaining,
		},
	}, nil
}

// runCompaction drops the records of spent addresses that hold nothing.
// An address whose state cannot be read, or that still holds a UTXO, is
// kept.
func (b *ordBackend) runCompaction(ctx context.Context, s logical.Storage, walletName string) (*compactionResult, error) {
	addresses, err := getStoredAddresses(ctx, s, walletName)
	if err != nil {
		return nil, err
	}

	var spent []storedAddress
	for _, addr := range addresses {
		if addr.Spent {
			spent = append(spent, addr)
		}
	}

	states, err := b.scanAddresses(ctx, s, walletName, spent)
	if err != nil {
		return nil, err
	}

	result := &compactionResult{remaining: len(addresses)}
	var errs *multierror.Error
	for _, state := range states {
		if state.failed || len(state.utxos) > 0 || state.balance.Confirmed+state.balance.Unconfirmed != 0 {
			continue
		}
		if err := deleteStoredAddress(ctx, s, walletName, state.addr.Chain, state.addr.Index); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		result.deleted = append(result.deleted, state.addr)
		result.remaining--
	}

	b.cache.InvalidateWallet(walletName)

	b.Logger().Info("wallet compacted", "wallet", walletName,
		"addresses_deleted", len(result.deleted), "addresses_remaining", result.remaining)

	return result, errs.ErrorOrNil()
}

const pathWalletCompactHelpSynopsis = `
Compact a wallet by removing spent, empty address records.
`

const pathWalletCompactHelpDescription = `
This endpoint removes stored address records for addresses that:
  1. Have been spent from by this engine
  2. Hold no balance and no unspent outputs

Addresses can be derived again from the wallet seed, so their records are
not needed once nothing is left on them. Fewer records make every balance
and UTXO lookup cheaper.

Example:
  $ vault write ord/wallets/my-wallet/compact

Response:
  - deleted: The removed addresses
  - addresses_deleted: Number of address records removed
  - addresses_remaining: Number of address records still stored

Funds that later arrive on a removed address are not listed until the
address is recovered with the scan endpoint.
`
