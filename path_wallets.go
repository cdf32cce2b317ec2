package ord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

const (
	walletsStoragePrefix = "wallets/"

	// initialAddressCount receive addresses are derived when a wallet is created
	initialAddressCount = 5
)

// ordWallet stores the wallet configuration
type ordWallet struct {
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	Seed             []byte    `json:"seed"`
	AddressType      string    `json:"address_type"`
	NextAddressIndex uint32    `json:"next_address_index"`
	NextChangeIndex  uint32    `json:"next_change_index"`
	CreatedAt        time.Time `json:"created_at"`
}

func pathWallets(b *ordBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/?$",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
				OperationSuffix: "wallets",
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ListOperation: &framework.PathOperation{
					Callback: b.pathWalletsList,
				},
			},
			HelpSynopsis:    pathWalletsListHelpSynopsis,
			HelpDescription: pathWalletsListHelpDescription,
		},
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name"),
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeLowerCaseString,
					Description: "Name of the wallet",
					Required:    true,
				},
				"description": {
					Type:        framework.TypeString,
					Description: "Optional description for this wallet",
				},
				"address_type": {
					Type:        framework.TypeString,
					Description: "Address type: " + strings.Join(wallet.AddressTypes, ", ") + " (default: p2tr)",
					Default:     wallet.AddressTypeP2TR,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathWalletsRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "wallet",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletsWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "wallet",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletsWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "wallet",
					},
				},
				logical.DeleteOperation: &framework.PathOperation{
					Callback: b.pathWalletsDelete,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "wallet",
					},
				},
			},
			ExistenceCheck:  b.pathWalletsExistenceCheck,
			HelpSynopsis:    pathWalletsHelpSynopsis,
			HelpDescription: pathWalletsHelpDescription,
		},
	}
}

func (b *ordBackend) pathWalletsList(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	b.Logger().Debug("listing wallets")
	entries, err := req.Storage.List(ctx, walletsStoragePrefix)
	if err != nil {
		return nil, fmt.Errorf("error listing wallets: %w", err)
	}

	b.Logger().Debug("wallets listed", "count", len(entries))
	return logical.ListResponse(entries), nil
}

func (b *ordBackend) pathWalletsExistenceCheck(ctx context.Context, req *logical.Request, data *framework.FieldData) (bool, error) {
	name := data.Get("name").(string)
	w, err := getWallet(ctx, req.Storage, name)
	if err != nil {
		return false, err
	}
	return w != nil, nil
}

func (b *ordBackend) pathWalletsRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	b.Logger().Debug("reading wallet", "name", name)

	w, err := getWallet(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	if w == nil {
		b.Logger().Debug("wallet not found", "name", name)
		return nil, nil
	}

	settings, err := getMountSettings(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	addresses, err := getStoredAddresses(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	states, err := b.scanAddresses(ctx, req.Storage, name, addresses)
	if err != nil {
		return nil, err
	}

	registered, err := listInscriptions(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}
	byOutpoint := inscriptionsByOutpoint(registered)

	var confirmed, unconfirmed, inscribedValue, inscribedFree int64
	var inscribedOutputs int
	var receive *storedAddress

	for i, state := range states {
		confirmed += state.balance.Confirmed
		unconfirmed += state.balance.Unconfirmed

		for _, utxo := range state.utxos {
			inscriptions := byOutpoint[outpointKey(utxo.TxID, int(utxo.Vout))]
			if len(inscriptions) == 0 {
				continue
			}
			units := wallet.NewInscribedUTXO(wallet.UTXO{Value: utxo.Value, Inscriptions: inscriptions}, settings.chain)
			inscribedOutputs++
			inscribedValue += utxo.Value
			inscribedFree += units.FreeValue()
		}

		// receive on the first fresh external address
		addr := state.addr
		if receive == nil && addr.Chain == wallet.ChainExternal && !addr.Spent && !state.failed && state.historyCount == 0 {
			receive = &states[i].addr
		}
	}

	total := confirmed + unconfirmed
	respData := map[string]interface{}{
		"name":              w.Name,
		"network":           settings.network,
		"address_type":      w.AddressType,
		"confirmed":         confirmed,
		"unconfirmed":       unconfirmed,
		"total":             total,
		"total_display":     wallet.FormatAmount(total, settings.chain),
		"spendable":         total - inscribedValue,
		"inscribed_value":   inscribedValue,
		"inscribed_free":    inscribedFree,
		"inscribed_outputs": inscribedOutputs,
		"inscription_count": len(registered),
		"address_count":     len(addresses),
		"created_at":        w.CreatedAt.Format(time.RFC3339),
	}

	if receive != nil {
		respData["receive_address"] = receive.Address
		respData["receive_index"] = receive.Index
	} else {
		b.Logger().Debug("no unused address available", "wallet", name, "address_count", len(addresses))
		respData["receive_address"] = nil
		respData["warning"] = "no unused address available - generate one with: vault write ord/wallets/" + name + "/addresses"
	}

	if w.Description != "" {
		respData["description"] = w.Description
	}

	return &logical.Response{Data: respData}, nil
}

func (b *ordBackend) pathWalletsWrite(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	b.Logger().Debug("writing wallet", "name", name, "operation", req.Operation)

	defer b.lockWallet(name)()

	w, err := getWallet(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	createOperation := w == nil
	if createOperation {
		if req.Operation != logical.CreateOperation {
			return nil, fmt.Errorf("wallet %q not found during update operation", name)
		}

		addressType := data.Get("address_type").(string)
		if !wallet.IsWalletAddressType(addressType) {
			return logical.ErrorResponse("invalid address_type %q: must be one of %s", addressType, strings.Join(wallet.AddressTypes, ", ")), nil
		}

		b.Logger().Info("creating new wallet", "name", name, "address_type", addressType)
		seed, err := wallet.GenerateSeed()
		if err != nil {
			return nil, fmt.Errorf("failed to generate seed: %w", err)
		}

		w = &ordWallet{
			Name:        name,
			Seed:        seed,
			AddressType: addressType,
			CreatedAt:   time.Now().UTC(),
		}
	} else if addressType, ok := data.GetOk("address_type"); ok && addressType.(string) != w.AddressType {
		return logical.ErrorResponse("address_type of an existing wallet cannot change"), nil
	}

	if description, ok := data.GetOk("description"); ok {
		w.Description = description.(string)
	}

	settings, err := getMountSettings(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	var receive *storedAddress
	if createOperation {
		for i := 0; i < initialAddressCount; i++ {
			stored, err := nextReceiveAddress(ctx, req.Storage, w, settings.network)
			if err != nil {
				return nil, err
			}
			if receive == nil {
				receive = stored
			}
		}
	}

	if err := saveWallet(ctx, req.Storage, w); err != nil {
		return nil, err
	}

	respData := map[string]interface{}{
		"name":         w.Name,
		"network":      settings.network,
		"address_type": w.AddressType,
		"created_at":   w.CreatedAt.Format(time.RFC3339),
	}
	if receive != nil {
		respData["receive_address"] = receive.Address
		respData["receive_index"] = receive.Index
		respData["derivation_path"] = receive.DerivationPath
	}
	if w.Description != "" {
		respData["description"] = w.Description
	}

	return &logical.Response{Data: respData}, nil
}

func (b *ordBackend) pathWalletsDelete(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	b.Logger().Debug("deleting wallet", "name", name)

	defer b.lockWallet(name)()

	b.cache.InvalidateWallet(name)

	if err := req.Storage.Delete(ctx, walletsStoragePrefix+name); err != nil {
		return nil, fmt.Errorf("error deleting wallet: %w", err)
	}

	deleted, err := deleteStoredAddresses(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	if err := deleteInscriptions(ctx, req.Storage, name); err != nil {
		return nil, err
	}

	b.Logger().Info("wallet deleted", "name", name, "addresses_deleted", deleted)
	return nil, nil
}

// nextReceiveAddress derives and stores the next external address of w.
// The caller saves w.
func nextReceiveAddress(ctx context.Context, s logical.Storage, w *ordWallet, network string) (*storedAddress, error) {
	info, err := wallet.GenerateAddressInfo(w.Seed, network, w.AddressType, wallet.ChainExternal, w.NextAddressIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to generate address %d: %w", w.NextAddressIndex, err)
	}
	stored, err := storeAddress(ctx, s, w.Name, info)
	if err != nil {
		return nil, err
	}
	w.NextAddressIndex++
	return stored, nil
}

// nextChangeAddress derives and stores the next internal address of w.
// The caller saves w.
func nextChangeAddress(ctx context.Context, s logical.Storage, w *ordWallet, network string) (*storedAddress, error) {
	info, err := wallet.GenerateAddressInfo(w.Seed, network, w.AddressType, wallet.ChainInternal, w.NextChangeIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to generate change address %d: %w", w.NextChangeIndex, err)
	}
	stored, err := storeAddress(ctx, s, w.Name, info)
	if err != nil {
		return nil, err
	}
	w.NextChangeIndex++
	return stored, nil
}

// getWallet retrieves a wallet from storage
func getWallet(ctx context.Context, s logical.Storage, name string) (*ordWallet, error) {
	entry, err := s.Get(ctx, walletsStoragePrefix+name)
	if err != nil {
		return nil, fmt.Errorf("error retrieving wallet: %w", err)
	}

	if entry == nil {
		return nil, nil
	}

	w := new(ordWallet)
	if err := entry.DecodeJSON(w); err != nil {
		return nil, fmt.Errorf("error decoding wallet: %w", err)
	}

	return w, nil
}

// saveWallet saves a wallet to storage
func saveWallet(ctx context.Context, s logical.Storage, w *ordWallet) error {
	entry, err := logical.StorageEntryJSON(walletsStoragePrefix+w.Name, w)
	if err != nil {
		return fmt.Errorf("error creating storage entry: %w", err)
	}

	if err := s.Put(ctx, entry); err != nil {
		return fmt.Errorf("error saving wallet: %w", err)
	}

	return nil
}

const pathWalletsListHelpSynopsis = `
List all wallets.
`

const pathWalletsListHelpDescription = `
This endpoint lists all configured wallets in the ordinals secrets engine.
`

const pathWalletsHelpSynopsis = `
Manage ordinals wallets.
`

const pathWalletsHelpDescription = `
This endpoint manages HD wallets. Each wallet has its own seed and derives
addresses of one kind on the network configured at the mount (ord/config).

To create a new wallet:
  $ vault write ord/wallets/my-wallet address_type=p2tr description="Collection"

Supported address types: p2pkh, p2sh-p2wpkh, p2wpkh, p2tr, m44-p2wpkh and
m44-p2tr. The m44 kinds derive on the BIP44 path but lock to native SegWit
or Taproot scripts.

To view wallet info and balance:
  $ vault read ord/wallets/my-wallet

The balance is split into spendable coin and the value held by outputs that
carry registered inscriptions. inscribed_free is the part of those outputs
outside the units that protect the inscriptions.

To delete a wallet:
  $ vault delete ord/wallets/my-wallet

WARNING: Deleting a wallet permanently destroys the seed and the inscription
registry. Ensure all funds and inscriptions have been transferred first.
`
