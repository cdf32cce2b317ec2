package ord

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

const maxAddressBatch = 100

func pathWalletAddresses(b *ordBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/addresses",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeLowerCaseString,
					Description: "Name of the wallet",
					Required:    true,
				},
				"count": {
					Type:        framework.TypeInt,
					Description: "Number of unused addresses to return (default: 1)",
					Default:     1,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathWalletAddressesRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "addresses",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletAddressesWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "addresses-generate",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletAddressesWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "addresses-generate",
					},
				},
			},
			ExistenceCheck:  alwaysCreate,
			HelpSynopsis:    pathWalletAddressesHelpSynopsis,
			HelpDescription: pathWalletAddressesHelpDescription,
		},
	}
}

// alwaysCreate is the existence check of action endpoints
func alwaysCreate(ctx context.Context, req *logical.Request, data *framework.FieldData) (bool, error) {
	return false, nil
}

func addressChainName(chain uint32) string {
	if chain == wallet.ChainInternal {
		return "change"
	}
	return "receive"
}

func (b *ordBackend) pathWalletAddressesRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	b.Logger().Debug("reading wallet addresses", "wallet", name)

	w, err := getWallet(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	if w == nil {
		return logical.ErrorResponse("wallet %q not found", name), nil
	}

	addresses, err := getStoredAddresses(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	states, err := b.scanAddresses(ctx, req.Storage, name, addresses)
	if err != nil {
		return nil, err
	}

	var totalConfirmed, totalUnconfirmed int64
	var usedCount int
	addressList := make([]map[string]interface{}, len(states))
	for i, state := range states {
		used := state.historyCount > 0
		if used {
			usedCount++
		}
		totalConfirmed += state.balance.Confirmed
		totalUnconfirmed += state.balance.Unconfirmed

		addressList[i] = map[string]interface{}{
			"address":         state.addr.Address,
			"index":           state.addr.Index,
			"chain":           addressChainName(state.addr.Chain),
			"derivation_path": state.addr.DerivationPath,
			"confirmed":       state.balance.Confirmed,
			"unconfirmed":     state.balance.Unconfirmed,
			"total":           state.balance.Confirmed + state.balance.Unconfirmed,
			"tx_count":        state.historyCount,
			"used":            used,
			"spent":           state.addr.Spent,
		}
		if state.failed {
			addressList[i]["error"] = "could not fetch address state"
		}
	}

	b.Logger().Debug("addresses read complete", "wallet", name, "count", len(states), "used", usedCount)

	return &logical.Response{
		Data: map[string]interface{}{
			"addresses":         addressList,
			"address_count":     len(states),
			"used_count":        usedCount,
			"unused_count":      len(states) - usedCount,
			"total_confirmed":   totalConfirmed,
			"total_unconfirmed": totalUnconfirmed,
			"total":             totalConfirmed + totalUnconfirmed,
		},
	}, nil
}

func (b *ordBackend) pathWalletAddressesWrite(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	count := data.Get("count").(int)

	b.Logger().Debug("generating addresses", "wallet", name, "count", count)

	if count < 1 {
		return logical.ErrorResponse("count must be at least 1"), nil
	}
	if count > maxAddressBatch {
		return logical.ErrorResponse("count must not exceed %d", maxAddressBatch), nil
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

	addresses, err := getStoredAddresses(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	var receive []storedAddress
	for _, addr := range addresses {
		if addr.Chain == wallet.ChainExternal && !addr.Spent {
			receive = append(receive, addr)
		}
	}

	states, err := b.scanAddresses(ctx, req.Storage, name, receive)
	if err != nil {
		return nil, err
	}

	var unused []map[string]interface{}
	for _, state := range states {
		if len(unused) >= count {
			break
		}
		if state.failed || state.historyCount > 0 {
			continue
		}
		unused = append(unused, map[string]interface{}{
			"address":         state.addr.Address,
			"index":           state.addr.Index,
			"derivation_path": state.addr.DerivationPath,
		})
	}

	for len(unused) < count {
		stored, err := nextReceiveAddress(ctx, req.Storage, w, settings.network)
		if err != nil {
			return nil, err
		}
		unused = append(unused, map[string]interface{}{
			"address":         stored.Address,
			"index":           stored.Index,
			"derivation_path": stored.DerivationPath,
		})
	}

	if err := saveWallet(ctx, req.Storage, w); err != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", err)
	}

	b.Logger().Debug("addresses generated", "wallet", name, "count", len(unused))

	return &logical.Response{
		Data: map[string]interface{}{
			"addresses": unused,
			"count":     len(unused),
		},
	}, nil
}

const pathWalletAddressesHelpSynopsis = `
List or generate addresses for a wallet.
`

const pathWalletAddressesHelpDescription = `
READ: List all receive and change addresses of a wallet with their balances.

Each address includes its index, chain (receive or change), derivation path,
confirmed and unconfirmed balance, transaction count, whether it has been
used and whether it has been spent from.

Example:
  $ vault read ord/wallets/my-wallet/addresses

WRITE: Return unused receive addresses, deriving new ones as needed.

Parameters:
  - count: Number of unused addresses to return (default: 1, max: 100)

Example:
  $ vault write ord/wallets/my-wallet/addresses count=5
`
