package ord

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-secrets-ord/wallet"
)

// feeEstimateBlocks is the confirmation target asked of the server when a
// request carries no fee rate
const feeEstimateBlocks = 6

// spendFields returns the fields shared by every spending endpoint merged
// with the endpoint's own
func spendFields(extra map[string]*framework.FieldSchema) map[string]*framework.FieldSchema {
	fields := map[string]*framework.FieldSchema{
		"name": {
			Type:        framework.TypeLowerCaseString,
			Description: "Name of the wallet",
			Required:    true,
		},
		"fee_rate": {
			Type:        framework.TypeInt,
			Description: "Fee rate in satoshis per vbyte (default: server estimate, then the configured default)",
			Default:     0,
		},
		"min_confirmations": {
			Type:        framework.TypeInt,
			Description: "Minimum confirmations for UTXOs (default: from config)",
			Default:     -1,
		},
		"enable_rbf": {
			Type:        framework.TypeBool,
			Description: "Signal replace-by-fee on every input (default: true)",
			Default:     true,
		},
		"dust_threshold": {
			Type:        framework.TypeInt,
			Description: "Override the configured dust threshold for this request",
		},
		"dry_run": {
			Type:        framework.TypeBool,
			Description: "Build and sign without broadcasting or reserving addresses",
			Default:     false,
		},
	}
	maps.Copy(fields, extra)
	return fields
}

// spendRequest is the resolved state shared by the spending endpoints
type spendRequest struct {
	wallet   *ordWallet
	settings *mountSettings

	// chain is the mount's chain config with request overrides applied
	chain wallet.ChainConfig

	feeRate int64
	minConf int
	rbf     bool
	dryRun  bool

	reserveChange  bool
	reserveReceive bool
}

// prepareSpend loads the wallet and resolves fee rate and confirmation
// requirements. A non-nil response reports a user error.
func (b *ordBackend) prepareSpend(ctx context.Context, req *logical.Request, data *framework.FieldData) (*spendRequest, *logical.Response, error) {
	name := data.Get("name").(string)

	requested := int64(data.Get("fee_rate").(int))
	if requested < 0 {
		return nil, logical.ErrorResponse("fee_rate must not be negative"), nil
	}

	w, err := getWallet(ctx, req.Storage, name)
	if err != nil {
		return nil, nil, err
	}
	if w == nil {
		return nil, logical.ErrorResponse("wallet %q not found", name), nil
	}

	settings, err := getMountSettings(ctx, req.Storage)
	if err != nil {
		return nil, nil, err
	}

	minConf := data.Get("min_confirmations").(int)
	if minConf < 0 {
		minConf = settings.minConfirmations
	}

	chain := settings.chain
	if raw, ok := data.GetOk("dust_threshold"); ok {
		dust := int64(raw.(int))
		chain = chain.Merge(&wallet.ConfigOverride{DustThreshold: &dust})
		if err := chain.Validate(); err != nil {
			return nil, logical.ErrorResponse("invalid dust_threshold: %s", err), nil
		}
	}

	feeRate := b.resolveFeeRate(ctx, req.Storage, requested, chain)
	if msg := wallet.ValidateFeeRate(feeRate); msg != "" {
		return nil, logical.ErrorResponse(msg), nil
	}

	return &spendRequest{
		wallet:   w,
		settings: settings,
		chain:    chain,
		feeRate:  feeRate,
		minConf:  minConf,
		rbf:      data.Get("enable_rbf").(bool),
		dryRun:   data.Get("dry_run").(bool),
	}, nil, nil
}

// resolveFeeRate picks the requested rate, else the server's estimate, else
// the configured default
func (b *ordBackend) resolveFeeRate(ctx context.Context, s logical.Storage, requested int64, cfg wallet.ChainConfig) int64 {
	if requested > 0 {
		return requested
	}

	var perKB float64
	err := b.withClient(ctx, s, func(client chainClient) error {
		var err error
		perKB, err = client.EstimateFee(ctx, feeEstimateBlocks)
		return err
	})
	if err != nil {
		b.Logger().Debug("fee estimate unavailable, using default", "error", err)
		return cfg.DefaultFeeRate
	}

	return cfg.FeeRateOrDefault(wallet.FeeRateFromEstimate(perKB, cfg))
}

// changeAddress returns the next change address of the wallet without
// storing it. reserveAddresses stores it once the spend is final.
func (sp *spendRequest) changeAddress() (string, error) {
	w := sp.wallet
	info, err := wallet.GenerateAddressInfo(w.Seed, sp.settings.network, w.AddressType, wallet.ChainInternal, w.NextChangeIndex)
	if err != nil {
		return "", fmt.Errorf("failed to generate change address: %w", err)
	}
	sp.reserveChange = true
	return info.Address, nil
}

// receiveAddress returns the next receive address of the wallet without
// storing it
func (sp *spendRequest) receiveAddress() (string, error) {
	w := sp.wallet
	info, err := wallet.GenerateAddressInfo(w.Seed, sp.settings.network, w.AddressType, wallet.ChainExternal, w.NextAddressIndex)
	if err != nil {
		return "", fmt.Errorf("failed to generate receive address: %w", err)
	}
	sp.reserveReceive = true
	return info.Address, nil
}

// reserveAddresses stores the addresses handed out for this spend and
// advances the wallet's indexes
func (sp *spendRequest) reserveAddresses(ctx context.Context, s logical.Storage) error {
	if !sp.reserveChange && !sp.reserveReceive {
		return nil
	}
	if sp.reserveChange {
		if _, err := nextChangeAddress(ctx, s, sp.wallet, sp.settings.network); err != nil {
			return err
		}
	}
	if sp.reserveReceive {
		if _, err := nextReceiveAddress(ctx, s, sp.wallet, sp.settings.network); err != nil {
			return err
		}
	}
	if err := saveWallet(ctx, s, sp.wallet); err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	return nil
}

// sendOptions assembles the builder settings for a spend
func (b *ordBackend) sendOptions(sp *spendRequest, changeAddress string) wallet.SendOptions {
	return wallet.SendOptions{
		ChangeAddress: changeAddress,
		FeeRate:       sp.feeRate,
		DisableRBF:    !sp.rbf,
		Signer:        wallet.NewKeySigner(wallet.SeedKeyFunc(sp.wallet.Seed, sp.settings.network)),
		Logger:        b.Logger().Named(sp.wallet.Name),
	}
}

// walletUTXOs fetches the wallet's UTXOs that satisfy the spend's
// confirmation requirement
func (b *ordBackend) walletUTXOs(ctx context.Context, s logical.Storage, sp *spendRequest) ([]UTXOInfo, error) {
	infos, err := b.getUTXOsForWallet(ctx, s, sp.wallet.Name, sp.minConf)
	if err != nil {
		return nil, fmt.Errorf("failed to get UTXOs: %w", err)
	}
	return infos, nil
}

// spendErrorResponse turns a build failure the caller can fix into an error
// response and passes everything else through
func spendErrorResponse(err error) (*logical.Response, error) {
	switch {
	case wallet.IsInsufficientFunds(err),
		errors.Is(err, wallet.ErrInvalidRecipient),
		errors.Is(err, wallet.ErrMultipleInscriptions),
		errors.Is(err, wallet.ErrInscriptionOutsideOutput),
		errors.Is(err, wallet.ErrInscriptionNotFound),
		errors.Is(err, wallet.ErrNoOutputs):
		return logical.ErrorResponse(err.Error()), nil
	default:
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
}

// resultData renders a built transaction
func resultData(sp *spendRequest, result *wallet.SendResult, changeAddress string) map[string]interface{} {
	inputs := make([]map[string]interface{}, len(result.Inputs))
	for i, in := range result.Inputs {
		inputs[i] = map[string]interface{}{
			"txid":    in.TxID,
			"vout":    in.Vout,
			"value":   in.Value,
			"address": in.Address,
		}
		if len(in.Inscriptions) > 0 {
			inputs[i]["inscriptions"] = in.Inscriptions
		}
	}

	outputs := make([]map[string]interface{}, len(result.Outputs))
	for i, out := range result.Outputs {
		outputs[i] = map[string]interface{}{
			"address": out.Address,
			"value":   out.Value,
		}
	}

	data := map[string]interface{}{
		"txid":          result.TxID,
		"hex":           result.RawTx,
		"fee":           result.Fee,
		"fee_rate":      sp.feeRate,
		"vsize":         result.VSize,
		"total_input":   result.TotalInput,
		"total_output":  result.TotalOutput,
		"change_amount": result.ChangeAmount,
		"inputs":        inputs,
		"outputs":       outputs,
		"rbf":           sp.rbf,
		"broadcast":     false,
	}
	if result.ChangeAmount > 0 {
		data["change_address"] = changeAddress
	}
	return data
}

// complete broadcasts a built transaction unless the request is a dry run,
// then retires the spent addresses and inscriptions
func (b *ordBackend) complete(ctx context.Context, s logical.Storage, sp *spendRequest, result *wallet.SendResult, changeAddress string) (*logical.Response, error) {
	data := resultData(sp, result, changeAddress)
	name := sp.wallet.Name

	if sp.dryRun {
		packet, err := result.Packet.B64Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode psbt: %w", err)
		}
		data["psbt"] = packet
		data["dry_run"] = true
		b.Logger().Debug("dry run complete", "wallet", name, "txid", result.TxID, "fee", result.Fee)
		return &logical.Response{Data: data}, nil
	}

	if err := sp.reserveAddresses(ctx, s); err != nil {
		return nil, err
	}

	var txid string
	err := b.withClient(ctx, s, func(client chainClient) error {
		var err error
		txid, err = client.BroadcastTransaction(ctx, result.RawTx)
		return err
	})
	if err != nil {
		b.Logger().Warn("broadcast failed", "wallet", name, "error", err, "txid", result.TxID)
		data["error"] = err.Error()
		return &logical.Response{Data: data}, nil
	}

	b.cache.InvalidateWallet(name)

	if err := markInputsSpent(ctx, s, name, result.Inputs); err != nil {
		b.Logger().Warn("failed to mark addresses as spent", "wallet", name, "error", err)
	}
	if err := forgetSpentInscriptions(ctx, s, name, result.Inputs); err != nil {
		b.Logger().Warn("failed to update inscription registry", "wallet", name, "error", err)
	}

	b.Logger().Info("transaction broadcast", "wallet", name, "txid", txid, "fee", result.Fee, "inputs", len(result.Inputs), "outputs", len(result.Outputs))

	data["txid"] = txid
	data["broadcast"] = true
	return &logical.Response{Data: data}, nil
}
