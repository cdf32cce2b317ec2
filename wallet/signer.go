package wallet

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Signer finalizes every input of packet. The signed packet must extract
// to a transaction whose size predicts the final one.
type Signer interface {
	SignTransaction(ctx context.Context, packet *psbt.Packet, inputs []*TxInput) error
}

// SignerFunc adapts a function to Signer
type SignerFunc func(ctx context.Context, packet *psbt.Packet, inputs []*TxInput) error

func (f SignerFunc) SignTransaction(ctx context.Context, packet *psbt.Packet, inputs []*TxInput) error {
	return f(ctx, packet, inputs)
}

// FeeOracle prices a serialized unsigned PSBT at feeRate satoshis per vbyte
type FeeOracle interface {
	CalculateFee(ctx context.Context, psbt []byte, feeRate int64) (int64, error)
}

// FeeOracleFunc adapts a function to FeeOracle
type FeeOracleFunc func(ctx context.Context, psbt []byte, feeRate int64) (int64, error)

func (f FeeOracleFunc) CalculateFee(ctx context.Context, psbt []byte, feeRate int64) (int64, error) {
	return f(ctx, psbt, feeRate)
}

// KeyFunc returns the private key that controls an input
type KeyFunc func(in *TxInput) (*btcec.PrivateKey, error)

// SeedKeyFunc derives input keys from a wallet seed using the address
// kind, chain and index recorded on each UTXO.
func SeedKeyFunc(seed []byte, network string) KeyFunc {
	return func(in *TxInput) (*btcec.PrivateKey, error) {
		// Default to P2WPKH for UTXOs recorded without a kind
		addrType := in.UTXO.AddressType
		if addrType == "" {
			addrType = AddressTypeP2WPKH
		}

		key, err := DeriveKey(seed, network, addrType, in.UTXO.Chain, in.UTXO.AddressIndex)
		if err != nil {
			return nil, err
		}
		return GetPrivateKey(key)
	}
}

// KeySigner signs with local private keys
type KeySigner struct {
	keyFor KeyFunc
}

func NewKeySigner(keyFor KeyFunc) *KeySigner {
	return &KeySigner{keyFor: keyFor}
}

// SignTransaction signs and finalizes every input of packet
func (s *KeySigner) SignTransaction(ctx context.Context, packet *psbt.Packet, inputs []*TxInput) error {
	tx := packet.UnsignedTx
	if len(inputs) != len(tx.TxIn) {
		return fmt.Errorf("have %d inputs to sign, transaction has %d", len(inputs), len(tx.TxIn))
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	for i, in := range inputs {
		prevOuts[tx.TxIn[i].PreviousOutPoint] = in.prevOut()
	}
	prevOutFetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}

		privKey, err := s.keyFor(in)
		if err != nil {
			return fmt.Errorf("failed to get key for input %d: %w", i, err)
		}

		var witness wire.TxWitness
		pkScript := in.UTXO.ScriptPubKey

		switch ScriptKind(in.UTXO.AddressType) {
		case AddressTypeP2TR:
			// key-path spend, no tap leaf
			sig, err := txscript.RawTxInTaprootSignature(
				tx, sigHashes, i, in.UTXO.Value, pkScript, nil, txscript.SigHashDefault, privKey,
			)
			if err != nil {
				return fmt.Errorf("failed to create Schnorr signature for input %d: %w", i, err)
			}
			packet.Inputs[i].TaprootKeySpendSig = sig
			witness = wire.TxWitness{sig}

		case AddressTypeP2WPKH:
			witness, err = txscript.WitnessSignature(
				tx, sigHashes, i, in.UTXO.Value, pkScript, txscript.SigHashAll, privKey, true,
			)
			if err != nil {
				return fmt.Errorf("failed to sign input %d: %w", i, err)
			}

		case AddressTypeP2SHP2WPKH:
			witness, err = txscript.WitnessSignature(
				tx, sigHashes, i, in.UTXO.Value, in.RedeemScript, txscript.SigHashAll, privKey, true,
			)
			if err != nil {
				return fmt.Errorf("failed to sign input %d: %w", i, err)
			}
			sigScript, err := txscript.NewScriptBuilder().AddData(in.RedeemScript).Script()
			if err != nil {
				return fmt.Errorf("failed to build script sig for input %d: %w", i, err)
			}
			packet.Inputs[i].FinalScriptSig = sigScript

		case AddressTypeP2PKH:
			sigScript, err := txscript.SignatureScript(tx, i, pkScript, txscript.SigHashAll, privKey, true)
			if err != nil {
				return fmt.Errorf("failed to sign legacy input %d: %w", i, err)
			}
			packet.Inputs[i].FinalScriptSig = sigScript
			continue

		default:
			return fmt.Errorf("%w: %s", ErrUnknownAddressType, in.UTXO.AddressType)
		}

		var buf bytes.Buffer
		if err := psbt.WriteTxWitness(&buf, witness); err != nil {
			return fmt.Errorf("failed to serialize witness for input %d: %w", i, err)
		}
		packet.Inputs[i].FinalScriptWitness = buf.Bytes()
	}

	return nil
}
