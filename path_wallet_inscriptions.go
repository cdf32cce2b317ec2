package ord

import (
	"context"
	"time"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

func pathWalletInscriptions(b *ordBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/inscriptions/?$",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeLowerCaseString,
					Description: "Name of the wallet",
					Required:    true,
				},
				"inscription_id": {
					Type:        framework.TypeString,
					Description: "Inscription ID in the form <txid>i<index>",
				},
				"txid": {
					Type:        framework.TypeString,
					Description: "Transaction holding the inscription (default: the reveal txid of the ID)",
				},
				"vout": {
					Type:        framework.TypeInt,
					Description: "Output index holding the inscription (default: 0)",
					Default:     0,
				},
				"offset": {
					Type:        framework.TypeInt,
					Description: "Satoshi offset of the inscription inside the output (default: 0)",
					Default:     0,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ListOperation: &framework.PathOperation{
					Callback: b.pathWalletInscriptionsList,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "inscriptions",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletInscriptionsRegister,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "inscription-register",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletInscriptionsRegister,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "inscription-register",
					},
				},
			},
			ExistenceCheck:  alwaysCreate,
			HelpSynopsis:    pathWalletInscriptionsHelpSynopsis,
			HelpDescription: pathWalletInscriptionsHelpDescription,
		},
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/inscriptions/" + framework.GenericNameRegex("inscription_id"),
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeLowerCaseString,
					Description: "Name of the wallet",
					Required:    true,
				},
				"inscription_id": {
					Type:        framework.TypeString,
					Description: "Inscription ID",
					Required:    true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathWalletInscriptionRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "inscription",
					},
				},
				logical.DeleteOperation: &framework.PathOperation{
					Callback: b.pathWalletInscriptionDelete,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "inscription",
					},
				},
			},
			HelpSynopsis:    pathWalletInscriptionHelpSynopsis,
			HelpDescription: pathWalletInscriptionHelpDescription,
		},
	}
}

func (b *ordBackend) pathWalletInscriptionsList(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)

	list, err := listInscriptions(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(list))
	info := make(map[string]interface{}, len(list))
	for i, ins := range list {
		ids[i] = ins.ID
		info[ins.ID] = map[string]interface{}{
			"txid":   ins.TxID,
			"vout":   ins.Vout,
			"offset": ins.Offset,
		}
	}

	return logical.ListResponseWithInfo(ids, info), nil
}

func (b *ordBackend) pathWalletInscriptionsRegister(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	id := data.Get("inscription_id").(string)
	vout := data.Get("vout").(int)
	offset := int64(data.Get("offset").(int))

	if id == "" {
		return logical.ErrorResponse("inscription_id is required"), nil
	}
	revealTxID, _, err := parseInscriptionID(id)
	if err != nil {
		return logical.ErrorResponse(err.Error()), nil
	}

	txid := data.Get("txid").(string)
	if txid == "" {
		txid = revealTxID
	}
	if _, _, err := parseInscriptionID(txid + "i0"); err != nil {
		return logical.ErrorResponse("invalid txid %q", txid), nil
	}
	if vout < 0 {
		return logical.ErrorResponse("vout must be >= 0"), nil
	}
	if offset < 0 {
		return logical.ErrorResponse("offset must be >= 0"), nil
	}

	defer b.lockWallet(name)()

	w, err := getWallet(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return logical.ErrorResponse("wallet %q not found", name), nil
	}

	ins := &storedInscription{
		ID:           id,
		TxID:         txid,
		Vout:         vout,
		Offset:       offset,
		RegisteredAt: time.Now().UTC(),
	}
	if err := saveInscription(ctx, req.Storage, name, ins); err != nil {
		return nil, err
	}

	b.Logger().Info("inscription registered", "wallet", name, "inscription_id", id, "outpoint", ins.outpoint(), "offset", offset)

	return &logical.Response{
		Data: map[string]interface{}{
			"inscription_id": id,
			"txid":           txid,
			"vout":           vout,
			"offset":         offset,
		},
	}, nil
}

func (b *ordBackend) pathWalletInscriptionRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	id := data.Get("inscription_id").(string)

	ins, err := getInscription(ctx, req.Storage, name, id)
	if err != nil {
		return nil, err
	}
	if ins == nil {
		return nil, nil
	}

	settings, err := getMountSettings(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	respData := map[string]interface{}{
		"inscription_id": ins.ID,
		"txid":           ins.TxID,
		"vout":           ins.Vout,
		"offset":         ins.Offset,
		"registered_at":  ins.RegisteredAt.Format(time.RFC3339),
		"located":        false,
	}

	infos, err := b.getUTXOsForWallet(ctx, req.Storage, name, 0)
	if err != nil {
		return nil, err
	}

	for _, info := range infos {
		if outpointKey(info.TxID, info.Vout) != ins.outpoint() {
			continue
		}
		inscribed := wallet.NewInscribedUTXO(wallet.UTXO{Value: info.Value, Inscriptions: info.Inscriptions}, settings.chain)
		respData["located"] = true
		respData["utxo"] = utxoResponse(info, settings.chain)
		respData["unit_index"] = inscribed.UnitOf(ins.ID)
		respData["shares_output"] = len(info.Inscriptions) > 1
		break
	}

	return &logical.Response{Data: respData}, nil
}

func (b *ordBackend) pathWalletInscriptionDelete(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	id := data.Get("inscription_id").(string)

	defer b.lockWallet(name)()

	if err := deleteInscription(ctx, req.Storage, name, id); err != nil {
		return nil, err
	}

	b.Logger().Info("inscription forgotten", "wallet", name, "inscription_id", id)
	return nil, nil
}

const pathWalletInscriptionsHelpSynopsis = `
List or register the inscriptions held by a wallet.
`

const pathWalletInscriptionsHelpDescription = `
The engine does not discover inscriptions from chain data. Register every
inscription the wallet holds with the output and satoshi offset it sits at;
coin sends never spend registered outputs and inscription sends move them.

LIST:
  $ vault list ord/wallets/my-wallet/inscriptions

REGISTER:
  $ vault write ord/wallets/my-wallet/inscriptions \
      inscription_id=<txid>i0 txid=<txid> vout=0 offset=0

Parameters:
  - inscription_id: Inscription ID <txid>i<index> (required)
  - txid: Transaction of the output holding it (default: the ID's txid)
  - vout: Output index (default: 0)
  - offset: Satoshi offset inside the output (default: 0)

Registry entries are removed once the wallet spends the output holding them.
`

const pathWalletInscriptionHelpSynopsis = `
Read or forget one registered inscription.
`

const pathWalletInscriptionHelpDescription = `
READ returns the registered location and, when the output is unspent in the
wallet, the output with its unit layout and the index of the unit holding
the inscription.

  $ vault read ord/wallets/my-wallet/inscriptions/<id>

DELETE forgets the inscription; its output becomes spendable as plain coin.

  $ vault delete ord/wallets/my-wallet/inscriptions/<id>
`
