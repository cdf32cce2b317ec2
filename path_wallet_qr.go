package ord

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
	"github.com/skip2/go-qrcode"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

func pathWalletQR(b *ordBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/qr",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "ord",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeLowerCaseString,
					Description: "Name of the wallet",
					Required:    true,
				},
				"size": {
					Type:        framework.TypeInt,
					Description: "QR code size in pixels (default: 256)",
					Default:     256,
				},
				"format": {
					Type:        framework.TypeString,
					Description: "Output format: 'png' (base64) or 'ascii' (default: png)",
					Default:     "png",
				},
				"amount": {
					Type:        framework.TypeInt,
					Description: "Requested amount in satoshis to embed in the URI (optional)",
					Default:     0,
				},
				"label": {
					Type:        framework.TypeString,
					Description: "Label to embed in the URI (optional)",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathWalletQRRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "qr",
					},
				},
			},
			HelpSynopsis:    pathWalletQRHelpSynopsis,
			HelpDescription: pathWalletQRHelpDescription,
		},
	}
}

// paymentURI renders a BIP21 URI for address
func paymentURI(address string, amount int64, label string, cfg wallet.ChainConfig) string {
	query := url.Values{}
	if amount > 0 {
		query.Set("amount", wallet.SatoshisToAmount(amount, cfg).String())
	}
	if label != "" {
		query.Set("label", label)
	}

	uri := "bitcoin:" + address
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	return uri
}

func (b *ordBackend) pathWalletQRRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	size := data.Get("size").(int)
	format := data.Get("format").(string)
	amount := int64(data.Get("amount").(int))
	label := data.Get("label").(string)

	b.Logger().Debug("QR code request", "wallet", name, "format", format, "size", size)

	if size < 64 || size > 1024 {
		return logical.ErrorResponse("size must be between 64 and 1024"), nil
	}
	if format != "png" && format != "ascii" {
		return logical.ErrorResponse("format must be 'png' or 'ascii'"), nil
	}
	if amount < 0 {
		return logical.ErrorResponse("amount must not be negative"), nil
	}

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

	// reads never derive new addresses
	var receiveAddress string
	for _, state := range states {
		if !state.failed && state.historyCount == 0 {
			receiveAddress = state.addr.Address
			break
		}
	}

	if receiveAddress == "" {
		return logical.ErrorResponse("no unused address available - generate one with: vault write ord/wallets/%s/addresses", name), nil
	}

	uri := paymentURI(receiveAddress, amount, label, settings.chain)

	respData := map[string]interface{}{
		"address": receiveAddress,
		"uri":     uri,
	}

	if format == "ascii" {
		qr, err := qrcode.New(uri, qrcode.Medium)
		if err != nil {
			return nil, fmt.Errorf("failed to generate QR code: %w", err)
		}
		respData["qr"] = qr.ToSmallString(false)
		respData["display_hint"] = "vault read -field=qr ord/wallets/" + name + "/qr format=ascii"
	} else {
		png, err := qrcode.Encode(uri, qrcode.Medium, size)
		if err != nil {
			return nil, fmt.Errorf("failed to generate QR code: %w", err)
		}
		respData["qr_png"] = base64.StdEncoding.EncodeToString(png)
	}

	return &logical.Response{Data: respData}, nil
}

const pathWalletQRHelpSynopsis = `
Get a QR code for the wallet's receive address.
`

const pathWalletQRHelpDescription = `
This endpoint returns a QR code for the wallet's first unused receive
address. The QR code contains a BIP21 URI (bitcoin:address), optionally
with an amount and a label.

Example:
  $ vault read ord/wallets/my-wallet/qr
  $ vault read ord/wallets/my-wallet/qr size=512 amount=10000 label=mint

For ASCII format, use -field to display correctly in terminal:
  $ vault read -field=qr ord/wallets/my-wallet/qr format=ascii

Parameters:
  - size: QR code size in pixels (default: 256, range: 64-1024)
  - format: 'png' for base64-encoded PNG, 'ascii' for terminal display
  - amount: Requested amount in satoshis, rendered in display units
  - label: Label for the payment request
`
