package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"
)

// txVersion is the version of every transaction the builder assembles
const txVersion = 1

// witnessDiscount is the share of a witness byte not billed when sizing a
// trial transaction: a witness byte weighs one unit against four for base data.
const witnessDiscount = 0.75

// TxInput is a UTXO prepared for signing
type TxInput struct {
	UTXO     UTXO
	OutPoint wire.OutPoint

	// WitnessUtxo is nil for legacy inputs.
	WitnessUtxo *wire.TxOut

	// RedeemScript is set for wrapped segwit inputs.
	RedeemScript []byte

	// Legacy inputs are signed with a non-segwit signature script.
	Legacy bool
}

// NewTxInput derives the signing metadata for utxo. fallbackPubKey is used
// when a wrapped segwit UTXO does not carry its own public key.
func NewTxInput(utxo UTXO, params *chaincfg.Params, fallbackPubKey *btcec.PublicKey) (*TxInput, error) {
	txHash, err := chainhash.NewHashFromStr(utxo.TxID)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %s: %w", utxo.TxID, err)
	}
	if utxo.Vout < 0 {
		return nil, fmt.Errorf("invalid vout %d for %s", utxo.Vout, utxo.TxID)
	}

	if len(utxo.ScriptPubKey) == 0 {
		utxo.ScriptPubKey, err = GetScriptPubKey(utxo.Address, params)
		if err != nil {
			return nil, err
		}
	}
	utxo.ScriptPubKey = slices.Clone(utxo.ScriptPubKey)
	utxo.Inscriptions = slices.Clone(utxo.Inscriptions)

	in := &TxInput{
		UTXO:     utxo,
		OutPoint: *wire.NewOutPoint(txHash, uint32(utxo.Vout)),
	}

	switch ScriptKind(utxo.AddressType) {
	case AddressTypeP2PKH:
		in.Legacy = true
		return in, nil
	case AddressTypeP2SHP2WPKH:
		pubKey := fallbackPubKey
		if len(utxo.PubKey) > 0 {
			if pubKey, err = btcec.ParsePubKey(utxo.PubKey); err != nil {
				return nil, fmt.Errorf("invalid public key for %s:%d: %w", utxo.TxID, utxo.Vout, err)
			}
		}
		if pubKey == nil {
			return nil, fmt.Errorf("public key required for %s input %s:%d", AddressTypeP2SHP2WPKH, utxo.TxID, utxo.Vout)
		}
		if in.RedeemScript, err = RedeemScript(pubKey); err != nil {
			return nil, err
		}
	case AddressTypeP2WPKH, AddressTypeP2TR:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddressType, utxo.AddressType)
	}

	in.WitnessUtxo = wire.NewTxOut(utxo.Value, utxo.ScriptPubKey)
	return in, nil
}

func (in *TxInput) prevOut() *wire.TxOut {
	return wire.NewTxOut(in.UTXO.Value, in.UTXO.ScriptPubKey)
}

// TxOutput represents a transaction output
type TxOutput struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
}

// GenerateResult is returned by Builder.Generate
type GenerateResult struct {
	// Fee is the fee the assembled transaction actually pays.
	Fee   int64
	RawTx string
	TxID  string
	Tx    *wire.MsgTx

	// ToAmount is the value of the first output after any adjustment.
	ToAmount int64

	// EstimatedFee is the size-derived fee used to place change.
	EstimatedFee int64
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithFeeOracle makes CalNetworkFee ask oracle instead of trial signing
func WithFeeOracle(oracle FeeOracle) BuilderOption {
	return func(b *Builder) { b.oracle = oracle }
}

func WithLogger(logger hclog.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithFeeRate sets the fee rate in satoshis per virtual byte. Non-positive
// rates keep the chain default.
func WithFeeRate(rate int64) BuilderOption {
	return func(b *Builder) {
		if rate > 0 {
			b.feeRate = rate
		}
	}
}

func WithRBF(enabled bool) BuilderOption {
	return func(b *Builder) { b.rbf = enabled }
}

// WithPublicKey sets the key used for wrapped segwit inputs whose UTXO does
// not carry one.
func WithPublicKey(pubKey *btcec.PublicKey) BuilderOption {
	return func(b *Builder) { b.pubKey = pubKey }
}

// Builder accumulates the inputs and outputs of one transaction. It is not
// safe for concurrent use.
type Builder struct {
	cfg           ChainConfig
	signer        Signer
	oracle        FeeOracle
	logger        hclog.Logger
	changeAddress string
	feeRate       int64
	rbf           bool
	pubKey        *btcec.PublicKey

	inputs      []*TxInput
	outputs     []TxOutput
	changeIndex int
}

// NewBuilder creates a builder paying change to changeAddress
func NewBuilder(cfg ChainConfig, signer Signer, changeAddress string, opts ...BuilderOption) (*Builder, error) {
	if cfg.Params == nil {
		return nil, ErrMissingNetworkParams
	}
	if err := ValidateAddress(changeAddress, cfg.Params); err != nil {
		return nil, fmt.Errorf("invalid change address: %w", err)
	}

	b := &Builder{
		cfg:           cfg,
		signer:        signer,
		logger:        hclog.NewNullLogger(),
		changeAddress: changeAddress,
		feeRate:       cfg.DefaultFeeRate,
		rbf:           true,
		changeIndex:   -1,
	}
	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// FeeRate returns the fee rate in satoshis per virtual byte
func (b *Builder) FeeRate() int64 {
	return b.feeRate
}

// SetEnableRBF toggles the replace-by-fee sequence on assembled inputs
func (b *Builder) SetEnableRBF(enabled bool) {
	b.rbf = enabled
}

// AddInput appends utxo as an input
func (b *Builder) AddInput(utxo UTXO) error {
	in, err := NewTxInput(utxo, b.cfg.Params, b.pubKey)
	if err != nil {
		return err
	}
	b.inputs = append(b.inputs, in)
	return nil
}

// Inputs returns the inputs added so far
func (b *Builder) Inputs() []*TxInput {
	return slices.Clone(b.inputs)
}

// AddOutput appends an output. The value is not validated here.
func (b *Builder) AddOutput(address string, value int64) {
	b.outputs = append(b.outputs, TxOutput{Address: address, Value: value})
}

// Output returns the output at index i
func (b *Builder) Output(i int) (TxOutput, error) {
	if i < 0 || i >= len(b.outputs) {
		return TxOutput{}, fmt.Errorf("output index %d out of range (%d outputs)", i, len(b.outputs))
	}
	return b.outputs[i], nil
}

// Outputs returns a copy of the output list
func (b *Builder) Outputs() []TxOutput {
	return slices.Clone(b.outputs)
}

// SetOutputValue overwrites the value of output i
func (b *Builder) SetOutputValue(i int, value int64) error {
	if i < 0 || i >= len(b.outputs) {
		return fmt.Errorf("output index %d out of range (%d outputs)", i, len(b.outputs))
	}
	b.outputs[i].Value = value
	return nil
}

// AddChangeOutput appends an output to the change address and designates it
// as the change output.
func (b *Builder) AddChangeOutput(value int64) {
	b.changeIndex = len(b.outputs)
	b.AddOutput(b.changeAddress, value)
}

// ChangeOutput returns the designated change output
func (b *Builder) ChangeOutput() (TxOutput, error) {
	if b.changeIndex < 0 {
		return TxOutput{}, ErrNoChangeOutput
	}
	return b.outputs[b.changeIndex], nil
}

// ChangeAmount returns the value of the change output, or zero when none is designated
func (b *Builder) ChangeAmount() int64 {
	if b.changeIndex < 0 {
		return 0
	}
	return b.outputs[b.changeIndex].Value
}

// SetChangeAmount overwrites the value of the change output
func (b *Builder) SetChangeAmount(value int64) error {
	if b.changeIndex < 0 {
		return ErrNoChangeOutput
	}
	b.outputs[b.changeIndex].Value = value
	return nil
}

// RemoveChangeOutput drops the change output if one is designated
func (b *Builder) RemoveChangeOutput() {
	if b.changeIndex < 0 {
		return
	}
	b.outputs = slices.Delete(b.outputs, b.changeIndex, b.changeIndex+1)
	b.changeIndex = -1
}

// RemoveRecentOutputs drops the last n outputs. The change designation is
// cleared when the change output is among them.
func (b *Builder) RemoveRecentOutputs(n int) {
	n = min(max(n, 0), len(b.outputs))
	keep := len(b.outputs) - n
	b.outputs = b.outputs[:keep]
	if b.changeIndex >= keep {
		b.changeIndex = -1
	}
}

// TotalInput sums the input values
func (b *Builder) TotalInput() int64 {
	var total int64
	for _, in := range b.inputs {
		total += in.UTXO.Value
	}
	return total
}

// TotalOutput sums the output values
func (b *Builder) TotalOutput() int64 {
	var total int64
	for _, out := range b.outputs {
		total += out.Value
	}
	return total
}

// Unspent is the input value not yet assigned to an output
func (b *Builder) Unspent() int64 {
	return b.TotalInput() - b.TotalOutput()
}

// withOutputsRestored runs fn and puts the output list and change
// designation back the way they were, whatever fn returns.
func (b *Builder) withOutputsRestored(fn func() error) error {
	saved := slices.Clone(b.outputs)
	savedChange := b.changeIndex
	defer func() {
		b.outputs = saved
		b.changeIndex = savedChange
		b.logger.Trace("restored outputs", "outputs", len(saved), "change_index", savedChange)
	}()
	return fn()
}

// buildPacket assembles the unsigned packet for the current inputs and outputs
func (b *Builder) buildPacket() (*psbt.Packet, error) {
	tx := wire.NewMsgTx(txVersion)

	for _, in := range b.inputs {
		txIn := wire.NewTxIn(&in.OutPoint, nil, nil)
		if b.rbf {
			txIn.Sequence = SequenceRBF
		}
		tx.AddTxIn(txIn)
	}

	for _, out := range b.outputs {
		pkScript, err := GetScriptPubKey(out.Address, b.cfg.Params)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(out.Value, pkScript))
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to create psbt: %w", err)
	}

	for i, in := range b.inputs {
		packet.Inputs[i].WitnessUtxo = in.WitnessUtxo
		packet.Inputs[i].RedeemScript = in.RedeemScript
	}

	return packet, nil
}

// sign assembles, signs and extracts the current transaction
func (b *Builder) sign(ctx context.Context) (*psbt.Packet, *wire.MsgTx, error) {
	if b.signer == nil {
		return nil, nil, errors.New("no signer configured")
	}

	packet, err := b.buildPacket()
	if err != nil {
		return nil, nil, err
	}

	if err := b.signer.SignTransaction(ctx, packet, b.inputs); err != nil {
		return nil, nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to extract signed transaction: %w", err)
	}

	return packet, tx, nil
}

// CalNetworkFee estimates the fee for the current inputs and outputs. With a
// fee oracle configured the unsigned packet is handed to it. Otherwise a
// trial transaction is signed and its size, with witness bytes discounted,
// is multiplied by the fee rate. The outputs are left as they were found.
func (b *Builder) CalNetworkFee(ctx context.Context) (int64, error) {
	var fee int64
	err := b.withOutputsRestored(func() error {
		if b.oracle != nil {
			packet, err := b.buildPacket()
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := packet.Serialize(&buf); err != nil {
				return fmt.Errorf("failed to serialize psbt: %w", err)
			}
			fee, err = b.oracle.CalculateFee(ctx, buf.Bytes(), b.feeRate)
			if err != nil {
				return fmt.Errorf("fee oracle failed: %w", err)
			}
			return nil
		}

		packet, tx, err := b.sign(ctx)
		if err != nil {
			return err
		}

		size := float64(tx.SerializeSize())
		for _, in := range packet.Inputs {
			size -= witnessDiscount * float64(len(in.FinalScriptWitness))
		}
		fee = int64(math.Ceil(size * float64(b.feeRate)))
		return nil
	})
	if err != nil {
		return 0, err
	}

	b.logger.Debug("calculated network fee", "fee", fee, "fee_rate", b.feeRate,
		"inputs", len(b.inputs), "outputs", len(b.outputs))
	return fee, nil
}

// IsEnoughFee signs the current transaction and reports whether the value
// left for miners meets the fee rate for its virtual size.
func (b *Builder) IsEnoughFee(ctx context.Context) (bool, error) {
	_, tx, err := b.sign(ctx)
	if err != nil {
		return false, err
	}
	return b.Unspent() >= b.feeRate*int64(virtualSize(tx)), nil
}

// Generate assembles the final transaction. A trial signing measures the
// size with a change output holding everything unspent, then change is
// added for the leftover when it clears dust. Otherwise, with autoAdjust,
// the first output absorbs the difference between fee and unspent value.
func (b *Builder) Generate(ctx context.Context, autoAdjust bool) (*GenerateResult, error) {
	if len(b.outputs) == 0 {
		return nil, ErrNoOutputs
	}

	unspent := b.Unspent()

	var trialSize int
	err := b.withOutputsRestored(func() error {
		b.AddChangeOutput(max(unspent, 0))
		_, tx, err := b.sign(ctx)
		if err != nil {
			return err
		}
		trialSize = tx.SerializeSize()
		return nil
	})
	if err != nil {
		return nil, err
	}

	fee := int64(trialSize) * b.feeRate
	b.logger.Debug("generate sized trial transaction", "size", trialSize, "fee", fee, "unspent", unspent)

	switch {
	case unspent > fee && unspent-fee > b.cfg.DustThreshold:
		b.AddChangeOutput(unspent - fee)
	case autoAdjust:
		adjusted := b.outputs[0].Value - (fee - unspent)
		if adjusted <= 0 {
			return nil, fmt.Errorf("%w: first output %d cannot absorb fee %d",
				ErrInsufficientFundsForFee, b.outputs[0].Value, fee)
		}
		b.outputs[0].Value = adjusted
	case unspent < 0:
		return nil, fmt.Errorf("%w: outputs exceed inputs by %d", ErrInsufficientFunds, -unspent)
	}

	_, tx, err := b.sign(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := serializeTx(tx)
	if err != nil {
		return nil, err
	}

	return &GenerateResult{
		Fee:          b.Unspent(),
		RawTx:        raw,
		TxID:         tx.TxHash().String(),
		Tx:           tx,
		ToAmount:     b.outputs[0].Value,
		EstimatedFee: fee,
	}, nil
}

func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// virtualSize returns the BIP141 virtual size of tx
func virtualSize(tx *wire.MsgTx) int {
	stripped := tx.SerializeSizeStripped()
	return stripped + (tx.SerializeSize()-stripped+3)/4
}
