package ord

import (
	"context"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

func pathWalletConsolidate(b *ordBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/consolidate",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: spendFields(map[string]*framework.FieldSchema{
				"below_value": {
					Type:        framework.TypeInt,
					Description: "Only consolidate UTXOs with value below this threshold in satoshis (default: consolidate all)",
					Default:     0,
				},
			}),
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletConsolidate,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "consolidate",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletConsolidate,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "consolidate",
					},
				},
			},
			ExistenceCheck:  alwaysCreate,
			HelpSynopsis:    pathWalletConsolidateHelpSynopsis,
			HelpDescription: pathWalletConsolidateHelpDescription,
		},
	}
}

func (b *ordBackend) pathWalletConsolidate(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	belowValue := int64(data.Get("below_value").(int))

	b.Logger().Debug("consolidate request", "wallet", name, "below_value", belowValue)

	if belowValue < 0 {
		return logical.ErrorResponse("below_value must not be negative"), nil
	}

	defer b.lockWallet(name)()

	sp, resp, err := b.prepareSpend(ctx, req, data)
	if resp != nil || err != nil {
		return resp, err
	}

	utxos, err := b.plainUTXOs(ctx, req.Storage, sp)
	if err != nil {
		return nil, err
	}

	var candidates []wallet.UTXO
	for _, u := range utxos {
		if belowValue == 0 || u.Value < belowValue {
			candidates = append(candidates, u)
		}
	}

	if len(candidates) < 2 {
		return logical.ErrorResponse("need at least 2 plain UTXOs to consolidate, found %d", len(candidates)), nil
	}

	dest, err := sp.receiveAddress()
	if err != nil {
		return nil, err
	}

	result, err := wallet.Consolidate(ctx, sp.chain, candidates, dest, b.sendOptions(sp, dest))
	if err != nil {
		return spendErrorResponse(err)
	}

	resp, err = b.complete(ctx, req.Storage, sp, result, dest)
	if err != nil {
		return nil, err
	}
	resp.Data["inputs_consolidated"] = len(result.Inputs)
	resp.Data["output_value"] = result.Outputs[0].Value
	resp.Data["output_address"] = dest
	resp.Data["privacy_warning"] = "Consolidation links all input addresses together, revealing common ownership"
	return resp, nil
}

const pathWalletConsolidateHelpSynopsis = `
Consolidate plain UTXOs into a single UTXO.
`

const pathWalletConsolidateHelpDescription = `
This endpoint merges the wallet's plain UTXOs into one output paid to a
fresh receive address, reducing the cost of future sends. Outputs holding
registered inscriptions are never consolidated.

The fee is deducted from the consolidated output; the request fails when
what remains would be below the dust threshold.

PRIVACY WARNING: Consolidation links all input addresses together via the
common-input-ownership heuristic.

Examples:
  $ vault write ord/wallets/treasury/consolidate fee_rate=5
  $ vault write ord/wallets/treasury/consolidate below_value=10000
  $ vault write ord/wallets/treasury/consolidate dry_run=true

Parameters:
  - below_value: Only consolidate UTXOs below this value in satoshis
                 (default: 0, meaning all plain UTXOs)

Shares fee_rate, min_confirmations, enable_rbf, dust_threshold and dry_run
with the send endpoint.
`
