package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"
)

// SendOptions are the per-call settings shared by the send operations
type SendOptions struct {
	ChangeAddress string

	// FeeRate in sat/vB. Zero uses the chain default.
	FeeRate int64

	DisableRBF bool
	Signer     Signer
	FeeOracle  FeeOracle

	// PubKey signs for wrapped segwit UTXOs that carry no key of their own.
	PubKey *btcec.PublicKey

	Logger hclog.Logger
}

// SendResult contains the result of building a send transaction
type SendResult struct {
	TxID         string
	RawTx        string
	Packet       *psbt.Packet
	Tx           *wire.MsgTx
	Fee          int64
	TotalInput   int64
	TotalOutput  int64
	ChangeAmount int64
	Inputs       []UTXO
	Outputs      []TxOutput
	VSize        int
}

func newSendBuilder(cfg ChainConfig, opts SendOptions) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	builderOpts := []BuilderOption{
		WithFeeRate(cfg.FeeRateOrDefault(opts.FeeRate)),
		WithRBF(!opts.DisableRBF),
		WithPublicKey(opts.PubKey),
		WithLogger(opts.Logger),
	}
	if opts.FeeOracle != nil {
		builderOpts = append(builderOpts, WithFeeOracle(opts.FeeOracle))
	}

	return NewBuilder(cfg, opts.Signer, opts.ChangeAddress, builderOpts...)
}

// selectCoins adds candidates in the given order until the inputs cover the
// outputs plus the fee of the transaction built so far. The fee is probed
// again after every addition once the outputs are covered. Running out of
// candidates before the outputs are covered is an error; running out before
// the fee is covered is left to the caller.
func selectCoins(ctx context.Context, b *Builder, candidates []UTXO) error {
	target := b.TotalOutput()
	total := b.TotalInput()

	for _, utxo := range candidates {
		if total >= target {
			fee, err := b.CalNetworkFee(ctx)
			if err != nil {
				return err
			}
			if total >= target+fee {
				return nil
			}
		}

		if err := b.AddInput(utxo); err != nil {
			return err
		}
		total += utxo.Value
	}

	if total < target {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds,
			FormatAmount(total, b.cfg), FormatAmount(target, b.cfg))
	}
	return nil
}

// payerPaysFee funds the fee from the leftover input value. A one-satoshi
// placeholder change output is sized in, then replaced by the real change or
// dropped when the change would be dust.
func payerPaysFee(ctx context.Context, b *Builder) error {
	unspent := b.Unspent()
	if unspent <= 0 {
		return fmt.Errorf("%w: no input value left after outputs", ErrInsufficientFundsForFee)
	}

	b.AddChangeOutput(1)
	fee, err := b.CalNetworkFee(ctx)
	if err != nil {
		return err
	}

	if unspent < fee {
		return feeShortfall(b, fee, unspent)
	}

	if change := unspent - fee; change >= b.cfg.DustThreshold {
		return b.SetChangeAmount(change)
	}
	b.RemoveChangeOutput()
	return nil
}

// deductFeeFromFirstOutput takes fee out of the first declared output
func deductFeeFromFirstOutput(b *Builder, fee int64) error {
	first, err := b.Output(0)
	if err != nil {
		return err
	}
	if fee >= first.Value {
		return feeShortfall(b, fee, first.Value)
	}
	if err := checkRecipient(b.cfg, first.Address, first.Value-fee); err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientFundsForFee, err)
	}
	return b.SetOutputValue(0, first.Value-fee)
}

func feeShortfall(b *Builder, fee, available int64) error {
	return fmt.Errorf("%w: need %s as network fee, but only %s", ErrInsufficientFundsForFee,
		FormatAmount(fee, b.cfg), FormatAmount(available, b.cfg))
}

// checkRecipient rejects a coin output the network would not relay
func checkRecipient(cfg ChainConfig, address string, value int64) error {
	if value <= 0 {
		return fmt.Errorf("%w: amount %d for %s", ErrInvalidRecipient, value, address)
	}
	pkScript, err := GetScriptPubKey(address, cfg.Params)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecipient, err)
	}
	if err := CheckOutputValue(pkScript, value); err != nil {
		return fmt.Errorf("%w: output to %s: %w", ErrInvalidRecipient, address, err)
	}
	return nil
}

// finish signs the transaction and collects the result
func finish(ctx context.Context, b *Builder) (*SendResult, error) {
	packet, tx, err := b.sign(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := serializeTx(tx)
	if err != nil {
		return nil, err
	}

	inputs := make([]UTXO, 0, len(b.inputs))
	for _, in := range b.inputs {
		inputs = append(inputs, in.UTXO)
	}

	result := &SendResult{
		TxID:         tx.TxHash().String(),
		RawTx:        raw,
		Packet:       packet,
		Tx:           tx,
		Fee:          b.Unspent(),
		TotalInput:   b.TotalInput(),
		TotalOutput:  b.TotalOutput(),
		ChangeAmount: b.ChangeAmount(),
		Inputs:       inputs,
		Outputs:      b.Outputs(),
		VSize:        virtualSize(tx),
	}

	b.logger.Info("built transaction", "txid", result.TxID, "inputs", len(inputs),
		"outputs", len(result.Outputs), "fee", result.Fee, "vsize", result.VSize)
	return result, nil
}

// SendCoin sends amount to one address. Only UTXOs without inscriptions are
// spent, in the order given. With receiverPaysFee the fee is taken out of
// amount, otherwise it is paid from change.
func SendCoin(ctx context.Context, cfg ChainConfig, utxos []UTXO, to string, amount int64, receiverPaysFee bool, opts SendOptions) (*SendResult, error) {
	return SendMultiCoin(ctx, cfg, utxos, []Recipient{{Address: to, Value: amount}}, receiverPaysFee, opts)
}

// SendMultiCoin sends to several recipients. When the receiver pays, the
// whole fee is taken from the first recipient and change is placed after
// the recipients.
func SendMultiCoin(ctx context.Context, cfg ChainConfig, utxos []UTXO, recipients []Recipient, receiverPaysFee bool, opts SendOptions) (*SendResult, error) {
	if len(recipients) == 0 {
		return nil, ErrNoOutputs
	}

	b, err := newSendBuilder(cfg, opts)
	if err != nil {
		return nil, err
	}

	for _, r := range recipients {
		if err := checkRecipient(cfg, r.Address, r.Value); err != nil {
			return nil, err
		}
		b.AddOutput(r.Address, r.Value)
	}

	plain, _ := splitByInscription(utxos)
	if err := selectCoins(ctx, b, plain); err != nil {
		return nil, err
	}

	if !receiverPaysFee {
		if err := payerPaysFee(ctx, b); err != nil {
			return nil, err
		}
		return finish(ctx, b)
	}

	// size the change in before taking the fee from the first output
	if unspent := b.Unspent(); unspent >= cfg.DustThreshold {
		b.AddChangeOutput(unspent)
	}
	fee, err := b.CalNetworkFee(ctx)
	if err != nil {
		return nil, err
	}
	if err := deductFeeFromFirstOutput(b, fee); err != nil {
		return nil, err
	}

	return finish(ctx, b)
}

// SendInscription moves every inscription-bearing UTXO in utxos to one
// address, each in an output of postage satoshis, and funds the fee from
// the plain UTXOs. A UTXO holding more than one inscription is rejected and
// has to be split first. A postage of zero keeps each UTXO's own value.
// Satoshis flow first-in first-out, so every inscribed satoshi must land
// inside the output paired with its input.
func SendInscription(ctx context.Context, cfg ChainConfig, utxos []UTXO, to string, postage int64, opts SendOptions) (*SendResult, error) {
	b, err := newSendBuilder(cfg, opts)
	if err != nil {
		return nil, err
	}

	plain, inscribed := splitByInscription(utxos)

	found := 0
	var inPos, outPos int64
	for _, utxo := range inscribed {
		if len(utxo.Inscriptions) > 1 {
			return nil, fmt.Errorf("%w: %s:%d holds %d", ErrMultipleInscriptions,
				utxo.TxID, utxo.Vout, len(utxo.Inscriptions))
		}

		outValue := utxo.Value
		if postage > 0 {
			outValue = postage
		}
		sat := inPos + utxo.Inscriptions[0].Offset
		if sat < outPos || sat >= outPos+outValue {
			return nil, fmt.Errorf("%w: %s sits at offset %d of %s:%d but its output spans %d, split the utxo first",
				ErrInscriptionOutsideOutput, utxo.Inscriptions[0].ID, utxo.Inscriptions[0].Offset,
				utxo.TxID, utxo.Vout, outValue)
		}
		inPos += utxo.Value
		outPos += outValue

		if err := b.AddInput(utxo); err != nil {
			return nil, err
		}
		b.AddOutput(to, utxo.Value)
		if postage > 0 {
			if err := b.SetOutputValue(len(b.outputs)-1, postage); err != nil {
				return nil, err
			}
		}
		found++
	}
	if found == 0 {
		return nil, ErrInscriptionNotFound
	}

	if err := selectCoins(ctx, b, plain); err != nil {
		return nil, err
	}
	if err := payerPaysFee(ctx, b); err != nil {
		return nil, err
	}

	return finish(ctx, b)
}

// SendInscriptions sweeps every UTXO in utxos to one address. Inscription
// UTXOs keep their value in their own outputs and the plain value, less
// the fee, goes to a single change output when it clears dust. Change goes
// to opts.ChangeAddress, or to the destination when that is empty.
func SendInscriptions(ctx context.Context, cfg ChainConfig, utxos []UTXO, to string, opts SendOptions) (*SendResult, error) {
	if opts.ChangeAddress == "" {
		opts.ChangeAddress = to
	}

	b, err := newSendBuilder(cfg, opts)
	if err != nil {
		return nil, err
	}

	plain, inscribed := splitByInscription(utxos)
	if len(inscribed) == 0 {
		return nil, ErrInscriptionNotFound
	}

	for _, utxo := range inscribed {
		if err := b.AddInput(utxo); err != nil {
			return nil, err
		}
		b.AddOutput(to, utxo.Value)
	}
	for _, utxo := range plain {
		if err := b.AddInput(utxo); err != nil {
			return nil, err
		}
	}

	unspent := b.Unspent()
	b.AddChangeOutput(0)
	fee, err := b.CalNetworkFee(ctx)
	if err != nil {
		return nil, err
	}

	change := unspent - fee
	if change < 0 {
		return nil, feeShortfall(b, fee, unspent)
	}
	if change < cfg.DustThreshold {
		b.RemoveChangeOutput()
	} else if err := b.SetChangeAmount(change); err != nil {
		return nil, err
	}

	return finish(ctx, b)
}

// Consolidate merges the plain UTXOs in utxos into a single output to to.
// The fee is taken out of that output, priced by Generate with autoAdjust.
func Consolidate(ctx context.Context, cfg ChainConfig, utxos []UTXO, to string, opts SendOptions) (*SendResult, error) {
	if opts.ChangeAddress == "" {
		opts.ChangeAddress = to
	}

	b, err := newSendBuilder(cfg, opts)
	if err != nil {
		return nil, err
	}

	plain, _ := splitByInscription(utxos)
	if len(plain) == 0 {
		return nil, fmt.Errorf("%w: no plain utxos to consolidate", ErrInsufficientFunds)
	}

	var total int64
	for _, utxo := range plain {
		if err := b.AddInput(utxo); err != nil {
			return nil, err
		}
		total += utxo.Value
	}
	b.AddOutput(to, total)

	gen, err := b.Generate(ctx, true)
	if err != nil {
		return nil, err
	}
	if gen.ToAmount < cfg.DustThreshold {
		return nil, fmt.Errorf("%w: consolidated output of %s is below dust after a fee of %s",
			ErrInsufficientFundsForFee, FormatAmount(gen.ToAmount, cfg), FormatAmount(gen.Fee, cfg))
	}

	return finish(ctx, b)
}

// IsInsufficientFunds reports whether err is one of the balance errors
func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInsufficientFundsForFee)
}
