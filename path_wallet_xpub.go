package ord

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

func pathWalletXpub(b *ordBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/xpub",
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
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathWalletXpubRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "xpub",
					},
				},
			},
			HelpSynopsis:    pathWalletXpubHelpSynopsis,
			HelpDescription: pathWalletXpubHelpDescription,
		},
	}
}

// accountPath trims the chain and index from a full derivation path
func accountPath(fullPath string) string {
	parts := strings.Split(fullPath, "/")
	if len(parts) < 3 {
		return fullPath
	}
	return strings.Join(parts[:len(parts)-2], "/")
}

// outputDescriptor renders the watch-only descriptor for an account key
func outputDescriptor(addressType, path, xpub string) string {
	origin := strings.TrimPrefix(path, "m")
	switch wallet.ScriptKind(addressType) {
	case wallet.AddressTypeP2PKH:
		return fmt.Sprintf("pkh([fingerprint%s]%s/<0;1>/*)", origin, xpub)
	case wallet.AddressTypeP2SHP2WPKH:
		return fmt.Sprintf("sh(wpkh([fingerprint%s]%s/<0;1>/*))", origin, xpub)
	case wallet.AddressTypeP2WPKH:
		return fmt.Sprintf("wpkh([fingerprint%s]%s/<0;1>/*)", origin, xpub)
	case wallet.AddressTypeP2TR:
		return fmt.Sprintf("tr([fingerprint%s]%s/<0;1>/*)", origin, xpub)
	default:
		return ""
	}
}

func (b *ordBackend) pathWalletXpubRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)

	b.Logger().Debug("reading wallet xpub", "wallet", name)

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

	account, err := wallet.DeriveAccountKey(w.Seed, settings.network, 0, w.AddressType)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account key: %w", err)
	}
	public, err := account.Neuter()
	if err != nil {
		return nil, fmt.Errorf("failed to derive xpub: %w", err)
	}
	xpub := public.String()

	path := accountPath(wallet.DerivationPath(settings.network, w.AddressType, wallet.ChainExternal, 0))

	b.Logger().Debug("xpub read complete", "wallet", name, "path", path)

	return &logical.Response{
		Data: map[string]interface{}{
			"xpub":            xpub,
			"derivation_path": path,
			"address_type":    w.AddressType,
			"network":         settings.network,
			"descriptor":      outputDescriptor(w.AddressType, path, xpub),
		},
	}, nil
}

const pathWalletXpubHelpSynopsis = `
Export the wallet's account extended public key for watch-only setups.
`

const pathWalletXpubHelpDescription = `
This endpoint exports the account-level extended public key (xpub on mainnet,
tpub on test networks) together with its derivation path and an output
descriptor template matching the wallet's address type.

Example:
  $ vault read ord/wallets/my-wallet/xpub

The xpub cannot spend funds, but it reveals every address of the wallet and
therefore its full history and inscription holdings.
`
