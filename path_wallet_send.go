package ord

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/helper/jsonutil"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

// maxRecipients bounds a send-many request
const maxRecipients = 250

func pathWalletSend(b *ordBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/send",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: spendFields(map[string]*framework.FieldSchema{
				"to": {
					Type:        framework.TypeString,
					Description: "Destination address",
					Required:    true,
				},
				"amount": {
					Type:        framework.TypeInt,
					Description: "Amount to send in satoshis",
					Required:    true,
				},
				"receiver_pays_fee": {
					Type:        framework.TypeBool,
					Description: "Deduct the network fee from the amount sent",
					Default:     false,
				},
			}),
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletSend,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "send",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletSend,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "send",
					},
				},
			},
			ExistenceCheck:  alwaysCreate,
			HelpSynopsis:    pathWalletSendHelpSynopsis,
			HelpDescription: pathWalletSendHelpDescription,
		},
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/send-many",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: spendFields(map[string]*framework.FieldSchema{
				"outputs": {
					Type:        framework.TypeString,
					Description: `JSON list of recipients: [{"address":"...","value":1000}, ...]`,
					Required:    true,
				},
				"receiver_pays_fee": {
					Type:        framework.TypeBool,
					Description: "Deduct the network fee from the first recipient",
					Default:     false,
				},
			}),
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletSendMany,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "send-many",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletSendMany,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "send-many",
					},
				},
			},
			ExistenceCheck:  alwaysCreate,
			HelpSynopsis:    pathWalletSendManyHelpSynopsis,
			HelpDescription: pathWalletSendManyHelpDescription,
		},
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/estimate",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: spendFields(map[string]*framework.FieldSchema{
				"to": {
					Type:        framework.TypeString,
					Description: "Destination address",
					Required:    true,
				},
				"amount": {
					Type:        framework.TypeInt,
					Description: "Amount to send in satoshis",
					Required:    true,
				},
			}),
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletEstimate,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "estimate",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletEstimate,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "estimate",
					},
				},
			},
			ExistenceCheck:  alwaysCreate,
			HelpSynopsis:    pathWalletEstimateHelpSynopsis,
			HelpDescription: pathWalletEstimateHelpDescription,
		},
	}
}

// plainUTXOs returns the wallet's spendable UTXOs that carry no inscription
func (b *ordBackend) plainUTXOs(ctx context.Context, s logical.Storage, sp *spendRequest) ([]wallet.UTXO, error) {
	infos, err := b.walletUTXOs(ctx, s, sp)
	if err != nil {
		return nil, err
	}
	plain, _ := splitInscribed(infos)
	return toWalletUTXOs(plain, sp.wallet, sp.settings.network, sp.chain)
}

func (b *ordBackend) pathWalletSend(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	to := data.Get("to").(string)
	amount := int64(data.Get("amount").(int))
	receiverPays := data.Get("receiver_pays_fee").(bool)

	b.Logger().Debug("send request", "wallet", name, "to", to, "amount", amount, "receiver_pays_fee", receiverPays)

	if amount <= 0 {
		return logical.ErrorResponse("amount must be positive"), nil
	}

	defer b.lockWallet(name)()

	sp, resp, err := b.prepareSpend(ctx, req, data)
	if resp != nil || err != nil {
		return resp, err
	}

	if err := wallet.ValidateAddress(to, sp.chain.Params); err != nil {
		return logical.ErrorResponse("invalid destination address: %s", err.Error()), nil
	}

	utxos, err := b.plainUTXOs(ctx, req.Storage, sp)
	if err != nil {
		return nil, err
	}
	if len(utxos) == 0 {
		return logical.ErrorResponse("no spendable UTXOs available"), nil
	}

	change, err := sp.changeAddress()
	if err != nil {
		return nil, err
	}

	result, err := wallet.SendCoin(ctx, sp.chain, utxos, to, amount, receiverPays, b.sendOptions(sp, change))
	if err != nil {
		return spendErrorResponse(err)
	}

	resp, err = b.complete(ctx, req.Storage, sp, result, change)
	if err != nil {
		return nil, err
	}
	resp.Data["to"] = to
	resp.Data["amount"] = result.Outputs[0].Value
	resp.Data["receiver_pays_fee"] = receiverPays
	return resp, nil
}

// parseRecipients decodes the outputs field of send-many
func parseRecipients(raw string, cfg wallet.ChainConfig) ([]wallet.Recipient, error) {
	var recipients []wallet.Recipient
	if err := jsonutil.DecodeJSON([]byte(raw), &recipients); err != nil {
		return nil, fmt.Errorf("outputs must be a JSON list of {address, value}: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("outputs must name at least one recipient")
	}
	if len(recipients) > maxRecipients {
		return nil, fmt.Errorf("outputs must not name more than %d recipients", maxRecipients)
	}

	for i, r := range recipients {
		if err := wallet.ValidateAddress(r.Address, cfg.Params); err != nil {
			return nil, fmt.Errorf("output %d: invalid address: %w", i, err)
		}
		if r.Value <= 0 {
			return nil, fmt.Errorf("output %d: value must be positive", i)
		}
	}
	return recipients, nil
}

func (b *ordBackend) pathWalletSendMany(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	receiverPays := data.Get("receiver_pays_fee").(bool)

	defer b.lockWallet(name)()

	sp, resp, err := b.prepareSpend(ctx, req, data)
	if resp != nil || err != nil {
		return resp, err
	}

	recipients, err := parseRecipients(data.Get("outputs").(string), sp.chain)
	if err != nil {
		return logical.ErrorResponse(err.Error()), nil
	}

	b.Logger().Debug("send-many request", "wallet", name, "recipients", len(recipients), "receiver_pays_fee", receiverPays)

	utxos, err := b.plainUTXOs(ctx, req.Storage, sp)
	if err != nil {
		return nil, err
	}
	if len(utxos) == 0 {
		return logical.ErrorResponse("no spendable UTXOs available"), nil
	}

	change, err := sp.changeAddress()
	if err != nil {
		return nil, err
	}

	result, err := wallet.SendMultiCoin(ctx, sp.chain, utxos, recipients, receiverPays, b.sendOptions(sp, change))
	if err != nil {
		return spendErrorResponse(err)
	}

	resp, err = b.complete(ctx, req.Storage, sp, result, change)
	if err != nil {
		return nil, err
	}
	resp.Data["recipient_count"] = len(recipients)
	resp.Data["receiver_pays_fee"] = receiverPays
	return resp, nil
}

func (b *ordBackend) pathWalletEstimate(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	to := data.Get("to").(string)
	amount := int64(data.Get("amount").(int))

	b.Logger().Debug("estimate request", "wallet", name, "to", to, "amount", amount)

	if amount <= 0 {
		return logical.ErrorResponse("amount must be positive"), nil
	}

	sp, resp, err := b.prepareSpend(ctx, req, data)
	if resp != nil || err != nil {
		return resp, err
	}

	destScript, err := wallet.GetScriptPubKey(to, sp.chain.Params)
	if err != nil {
		return logical.ErrorResponse("invalid destination address: %s", err.Error()), nil
	}

	utxos, err := b.plainUTXOs(ctx, req.Storage, sp)
	if err != nil {
		return nil, err
	}

	var totalAvailable int64
	for _, u := range utxos {
		totalAvailable += u.Value
	}

	outputs := []*wire.TxOut{wire.NewTxOut(amount, destScript)}

	// largest first until amount plus the fee of the inputs so far is covered
	var selected []wallet.UTXO
	var totalSelected, fee int64
	var vsize int
	for _, u := range utxos {
		selected = append(selected, u)
		totalSelected += u.Value

		vsize, err = wallet.EstimateVirtualSize(selected, outputs, sp.wallet.AddressType)
		if err != nil {
			return nil, err
		}
		fee = int64(vsize) * sp.feeRate
		if totalSelected >= amount+fee {
			break
		}
	}

	change := totalSelected - amount - fee
	sufficient := len(selected) > 0 && change >= 0
	if sufficient && change < sp.chain.DustThreshold {
		// dust change is left to the fee
		fee += change
		change = 0
	}

	return &logical.Response{
		Data: map[string]interface{}{
			"amount":          amount,
			"to":              to,
			"fee_rate":        sp.feeRate,
			"estimated_fee":   fee,
			"estimated_vsize": vsize,
			"change_amount":   max(change, 0),
			"inputs_used":     len(selected),
			"total_available": totalAvailable,
			"sufficient":      sufficient,
			"fee_display":     wallet.FormatAmount(fee, sp.chain),
		},
	}, nil
}

const pathWalletSendHelpSynopsis = `
Send coin from a wallet to one address.
`

const pathWalletSendHelpDescription = `
This endpoint selects plain UTXOs largest first, builds, signs and
broadcasts a transaction paying one address. Outputs holding registered
inscriptions are never spent.

Example:
  $ vault write ord/wallets/my-wallet/send \
      to="bc1p..." \
      amount=50000 \
      fee_rate=10

Parameters:
  - to: Destination address (required)
  - amount: Amount in satoshis (required)
  - receiver_pays_fee: Take the fee out of the amount (default: false)
  - fee_rate: Fee rate in sat/vB (default: server estimate, then config)
  - min_confirmations: Minimum UTXO confirmations (default: from config)
  - enable_rbf: Signal replace-by-fee (default: true)
  - dust_threshold: Per-request dust threshold override
  - dry_run: Build and sign only, returning the transaction and PSBT

Change goes to a fresh change address when it clears the dust threshold
and is otherwise left to the fee.

All amounts are in satoshis.
`

const pathWalletSendManyHelpSynopsis = `
Send coin from a wallet to several addresses in one transaction.
`

const pathWalletSendManyHelpDescription = `
This endpoint pays every recipient in the outputs list in one transaction,
funded from plain UTXOs largest first.

Example:
  $ vault write ord/wallets/my-wallet/send-many \
      outputs='[{"address":"bc1p...","value":10000},{"address":"bc1q...","value":20000}]'

When receiver_pays_fee is set the whole fee is deducted from the first
recipient and any leftover value is returned as change after it.

Shares fee_rate, min_confirmations, enable_rbf, dust_threshold and dry_run
with the send endpoint.
`

const pathWalletEstimateHelpSynopsis = `
Estimate the fee for a potential send.
`

const pathWalletEstimateHelpDescription = `
This endpoint estimates a coin send without signing or broadcasting.

Example:
  $ vault write ord/wallets/my-wallet/estimate \
      to="bc1p..." \
      amount=50000 \
      fee_rate=10

Response:
  - estimated_fee: Estimated fee in satoshis
  - estimated_vsize: Estimated transaction size in vbytes
  - change_amount: Amount that would go to change
  - inputs_used: Number of UTXOs that would be spent
  - sufficient: Whether there are sufficient funds

Use this to preview a transaction before committing to it.
`
