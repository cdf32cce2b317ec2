package ord

import (
	"context"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

func pathWalletSendInscription(b *ordBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/send-inscription",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: spendFields(map[string]*framework.FieldSchema{
				"inscription_id": {
					Type:        framework.TypeString,
					Description: "Registered inscription to send",
					Required:    true,
				},
				"to": {
					Type:        framework.TypeString,
					Description: "Destination address",
					Required:    true,
				},
				"output_value": {
					Type:        framework.TypeInt,
					Description: "Value of the output carrying the inscription in satoshis (default: keep the UTXO's value)",
					Default:     0,
				},
			}),
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletSendInscription,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "send-inscription",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletSendInscription,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "send-inscription",
					},
				},
			},
			ExistenceCheck:  alwaysCreate,
			HelpSynopsis:    pathWalletSendInscriptionHelpSynopsis,
			HelpDescription: pathWalletSendInscriptionHelpDescription,
		},
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/send-inscriptions",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: spendFields(map[string]*framework.FieldSchema{
				"to": {
					Type:        framework.TypeString,
					Description: "Destination address",
					Required:    true,
				},
			}),
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletSendInscriptions,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "send-inscriptions",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletSendInscriptions,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "send-inscriptions",
					},
				},
			},
			ExistenceCheck:  alwaysCreate,
			HelpSynopsis:    pathWalletSendInscriptionsHelpSynopsis,
			HelpDescription: pathWalletSendInscriptionsHelpDescription,
		},
	}
}

func (b *ordBackend) pathWalletSendInscription(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	id := data.Get("inscription_id").(string)
	to := data.Get("to").(string)
	postage := int64(data.Get("output_value").(int))

	b.Logger().Debug("send inscription request", "wallet", name, "inscription_id", id, "to", to, "output_value", postage)

	if postage < 0 {
		return logical.ErrorResponse("output_value must not be negative"), nil
	}

	defer b.lockWallet(name)()

	sp, resp, err := b.prepareSpend(ctx, req, data)
	if resp != nil || err != nil {
		return resp, err
	}

	if err := wallet.ValidateAddress(to, sp.chain.Params); err != nil {
		return logical.ErrorResponse("invalid destination address: %s", err.Error()), nil
	}
	if postage > 0 && postage < sp.chain.DustThreshold {
		return logical.ErrorResponse("output_value %d is below the dust threshold %d", postage, sp.chain.DustThreshold), nil
	}

	ins, err := getInscription(ctx, req.Storage, name, id)
	if err != nil {
		return nil, err
	}
	if ins == nil {
		return logical.ErrorResponse("inscription %q is not registered with wallet %q", id, name), nil
	}

	infos, err := b.walletUTXOs(ctx, req.Storage, sp)
	if err != nil {
		return nil, err
	}

	plain, inscribed := splitInscribed(infos)
	var target []UTXOInfo
	for _, info := range inscribed {
		if outpointKey(info.TxID, info.Vout) == ins.outpoint() {
			target = append(target, info)
			break
		}
	}
	if len(target) == 0 {
		return logical.ErrorResponse("output %s holding inscription %q is not an unspent output of the wallet with %d confirmations",
			ins.outpoint(), id, sp.minConf), nil
	}

	utxos, err := toWalletUTXOs(append(target, plain...), sp.wallet, sp.settings.network, sp.chain)
	if err != nil {
		return nil, err
	}

	change, err := sp.changeAddress()
	if err != nil {
		return nil, err
	}

	result, err := wallet.SendInscription(ctx, sp.chain, utxos, to, postage, b.sendOptions(sp, change))
	if err != nil {
		return spendErrorResponse(err)
	}

	resp, err = b.complete(ctx, req.Storage, sp, result, change)
	if err != nil {
		return nil, err
	}
	resp.Data["inscription_id"] = id
	resp.Data["to"] = to
	resp.Data["output_value"] = result.Outputs[0].Value
	return resp, nil
}

func (b *ordBackend) pathWalletSendInscriptions(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	to := data.Get("to").(string)

	b.Logger().Debug("send inscriptions request", "wallet", name, "to", to)

	defer b.lockWallet(name)()

	sp, resp, err := b.prepareSpend(ctx, req, data)
	if resp != nil || err != nil {
		return resp, err
	}

	if err := wallet.ValidateAddress(to, sp.chain.Params); err != nil {
		return logical.ErrorResponse("invalid destination address: %s", err.Error()), nil
	}

	infos, err := b.walletUTXOs(ctx, req.Storage, sp)
	if err != nil {
		return nil, err
	}

	utxos, err := toWalletUTXOs(infos, sp.wallet, sp.settings.network, sp.chain)
	if err != nil {
		return nil, err
	}

	// leftover coin follows the inscriptions to the destination
	result, err := wallet.SendInscriptions(ctx, sp.chain, utxos, to, b.sendOptions(sp, to))
	if err != nil {
		return spendErrorResponse(err)
	}

	var moved []string
	for _, in := range result.Inputs {
		for _, ins := range in.Inscriptions {
			moved = append(moved, ins.ID)
		}
	}

	resp, err = b.complete(ctx, req.Storage, sp, result, to)
	if err != nil {
		return nil, err
	}
	resp.Data["to"] = to
	resp.Data["inscription_ids"] = moved
	resp.Data["inscription_count"] = len(moved)
	return resp, nil
}

const pathWalletSendInscriptionHelpSynopsis = `
Send one registered inscription to an address.
`

const pathWalletSendInscriptionHelpDescription = `
This endpoint moves the output holding a registered inscription to the
destination in an output of its own and pays the fee from plain UTXOs.
The inscribed satoshis never reach the fee or the change output.

Example:
  $ vault write ord/wallets/my-wallet/send-inscription \
      inscription_id=<txid>i0 \
      to="bc1p..." \
      output_value=546

Parameters:
  - inscription_id: Registered inscription (required)
  - to: Destination address (required)
  - output_value: Value of the inscription output (default: keep the
    UTXO's value). A value below the UTXO's moves the excess to change.
    It must exceed the inscription's offset, otherwise the request is
    rejected and the UTXO has to be split first.

An output holding more than one inscription is rejected. The registry
entry is removed once the transaction is broadcast.

Shares fee_rate, min_confirmations, enable_rbf, dust_threshold and dry_run
with the send endpoint.
`

const pathWalletSendInscriptionsHelpSynopsis = `
Sweep every inscription and all coin of a wallet to one address.
`

const pathWalletSendInscriptionsHelpDescription = `
This endpoint spends every UTXO of the wallet. Each inscription-bearing
output keeps its value in an output of its own to the destination, and the
plain value less the fee goes to the destination in one further output when
it clears the dust threshold.

Example:
  $ vault write ord/wallets/my-wallet/send-inscriptions to="bc1p..."

Shares fee_rate, min_confirmations, enable_rbf, dust_threshold and dry_run
with the send endpoint.
`
