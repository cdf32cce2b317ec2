package ord

import (
	"context"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

func pathWalletUTXOs(b *ordBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/utxos",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeLowerCaseString,
					Description: "Name of the wallet",
					Required:    true,
				},
				"min_confirmations": {
					Type:        framework.TypeInt,
					Description: "Filter UTXOs by minimum confirmations (default: 0, show all)",
					Default:     0,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathWalletUTXOsRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "utxos",
					},
				},
			},
			HelpSynopsis:    pathWalletUTXOsHelpSynopsis,
			HelpDescription: pathWalletUTXOsHelpDescription,
		},
	}
}

// utxoResponse renders a UTXO, splitting inscribed outputs into units
func utxoResponse(info UTXOInfo, cfg wallet.ChainConfig) map[string]interface{} {
	out := map[string]interface{}{
		"txid":          info.TxID,
		"vout":          info.Vout,
		"address":       info.Address,
		"address_index": info.AddressIndex,
		"chain":         addressChainName(info.Chain),
		"value":         info.Value,
		"height":        info.Height,
		"confirmations": info.Confirmations,
	}

	if len(info.Inscriptions) > 0 {
		inscribed := wallet.NewInscribedUTXO(wallet.UTXO{Value: info.Value, Inscriptions: info.Inscriptions}, cfg)
		out["inscriptions"] = info.Inscriptions
		out["units"] = inscribed.Units
		out["free_value"] = inscribed.FreeValue()
		out["tail_free_value"] = inscribed.LastUnitFreeValue()
	}
	return out
}

func (b *ordBackend) pathWalletUTXOsRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	minConf := data.Get("min_confirmations").(int)

	b.Logger().Debug("reading wallet UTXOs", "wallet", name, "min_confirmations", minConf)

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

	infos, err := b.getUTXOsForWallet(ctx, req.Storage, name, minConf)
	if err != nil {
		return nil, err
	}

	var totalValue, inscribedValue int64
	var inscribedCount int
	utxoList := make([]map[string]interface{}, len(infos))
	for i, info := range infos {
		utxoList[i] = utxoResponse(info, settings.chain)
		totalValue += info.Value
		if len(info.Inscriptions) > 0 {
			inscribedCount++
			inscribedValue += info.Value
		}
	}

	b.Logger().Debug("UTXOs read complete", "wallet", name, "count", len(infos), "total_value", totalValue)

	return &logical.Response{
		Data: map[string]interface{}{
			"utxos":           utxoList,
			"utxo_count":      len(infos),
			"inscribed_count": inscribedCount,
			"total_value":     totalValue,
			"spendable_value": totalValue - inscribedValue,
			"inscribed_value": inscribedValue,
		},
	}, nil
}

const pathWalletUTXOsHelpSynopsis = `
List all UTXOs (unspent transaction outputs) for a wallet.
`

const pathWalletUTXOsHelpDescription = `
This endpoint returns every unspent output of a wallet, largest first. Each
UTXO includes its txid, vout, address, derivation index and chain, value,
height and confirmations.

Outputs that hold registered inscriptions also list the inscriptions and the
satoshi units the output splits into: every inscription is isolated in a
unit of unit_size satoshis where the layout allows, and the remaining value
forms free units. free_value is the value outside inscription units and
tail_free_value the value of a free last unit.

Example:
  $ vault read ord/wallets/my-wallet/utxos

Filter by confirmations:
  $ vault read ord/wallets/my-wallet/utxos min_confirmations=1

All amounts are in satoshis.
`
