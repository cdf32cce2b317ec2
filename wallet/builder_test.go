package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// destination used by the BIP86 vector
const testTaprootDest = "bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20cac6yqjjwudpxqkedrcr"

func testConfig() ChainConfig {
	return DefaultChainConfig(&chaincfg.MainNetParams)
}

// testUTXO builds a spendable UTXO owned by the test seed
func testUTXO(t *testing.T, addressType string, index uint32, value int64, n int) UTXO {
	t.Helper()
	seed := testSeed(t)

	addr, err := GenerateAddress(seed, "mainnet", addressType, ChainExternal, index)
	require.NoError(t, err)
	script, err := GetScriptPubKey(addr, &chaincfg.MainNetParams)
	require.NoError(t, err)

	key, err := DeriveKey(seed, "mainnet", addressType, ChainExternal, index)
	require.NoError(t, err)
	pubKey, err := GetPublicKey(key)
	require.NoError(t, err)

	return UTXO{
		TxID:         fmt.Sprintf("%064x", n),
		Vout:         n % 3,
		Value:        value,
		Address:      addr,
		AddressIndex: index,
		Chain:        ChainExternal,
		ScriptPubKey: script,
		AddressType:  addressType,
		PubKey:       pubKey.SerializeCompressed(),
	}
}

func testChangeAddress(t *testing.T, addressType string) string {
	t.Helper()
	addr, err := GenerateAddress(testSeed(t), "mainnet", addressType, ChainInternal, 0)
	require.NoError(t, err)
	return addr
}

func testSigner(t *testing.T) Signer {
	return NewKeySigner(SeedKeyFunc(testSeed(t), "mainnet"))
}

func newTestBuilder(t *testing.T, opts ...BuilderOption) *Builder {
	t.Helper()
	b, err := NewBuilder(testConfig(), testSigner(t), testChangeAddress(t, AddressTypeP2TR), opts...)
	require.NoError(t, err)
	return b
}

// verifyInputs runs every input script of tx through the script engine
func verifyInputs(t *testing.T, tx *wire.MsgTx, utxos []UTXO) {
	t.Helper()

	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	for i, u := range utxos {
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(u.Value, u.ScriptPubKey)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, u := range utxos {
		vm, err := txscript.NewEngine(u.ScriptPubKey, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, u.Value, fetcher)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d (%s)", i, u.AddressType)
	}
}

func TestNewBuilder(t *testing.T) {
	t.Run("requires network params", func(t *testing.T) {
		_, err := NewBuilder(ChainConfig{}, testSigner(t), testTaprootDest)
		require.ErrorIs(t, err, ErrMissingNetworkParams)
	})

	t.Run("rejects change address for another network", func(t *testing.T) {
		_, err := NewBuilder(testConfig(), testSigner(t), "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx")
		require.Error(t, err)
	})

	t.Run("fee rate option", func(t *testing.T) {
		b := newTestBuilder(t)
		require.Equal(t, DefaultFeeRate, b.FeeRate())

		b = newTestBuilder(t, WithFeeRate(12))
		require.Equal(t, int64(12), b.FeeRate())
	})
}

func TestBuilderOutputs(t *testing.T) {
	b := newTestBuilder(t)
	b.AddOutput(testTaprootDest, 3000)
	b.AddOutput(testTaprootDest, 4000)

	_, err := b.ChangeOutput()
	require.ErrorIs(t, err, ErrNoChangeOutput)
	require.Equal(t, int64(0), b.ChangeAmount())
	require.ErrorIs(t, b.SetChangeAmount(10), ErrNoChangeOutput)

	b.AddChangeOutput(500)
	change, err := b.ChangeOutput()
	require.NoError(t, err)
	require.Equal(t, int64(500), change.Value)
	require.Equal(t, int64(7500), b.TotalOutput())

	require.NoError(t, b.SetChangeAmount(700))
	require.Equal(t, int64(700), b.ChangeAmount())

	b.RemoveChangeOutput()
	require.Len(t, b.Outputs(), 2)
	_, err = b.ChangeOutput()
	require.ErrorIs(t, err, ErrNoChangeOutput)

	t.Run("remove recent outputs clears change", func(t *testing.T) {
		b.AddChangeOutput(100)
		b.RemoveRecentOutputs(1)
		require.Len(t, b.Outputs(), 2)
		_, err := b.ChangeOutput()
		require.ErrorIs(t, err, ErrNoChangeOutput)
	})

	t.Run("remove recent outputs keeps earlier change", func(t *testing.T) {
		b.AddChangeOutput(100)
		b.AddOutput(testTaprootDest, 1)
		b.RemoveRecentOutputs(1)
		require.Equal(t, int64(100), b.ChangeAmount())
		b.RemoveRecentOutputs(10)
		require.Empty(t, b.Outputs())
	})

	t.Run("output index bounds", func(t *testing.T) {
		_, err := b.Output(0)
		require.Error(t, err)
		require.Error(t, b.SetOutputValue(-1, 1))
	})
}

func TestBuilderBalances(t *testing.T) {
	b := newTestBuilder(t)
	require.NoError(t, b.AddInput(testUTXO(t, AddressTypeP2WPKH, 0, 20_000, 1)))
	require.NoError(t, b.AddInput(testUTXO(t, AddressTypeP2TR, 0, 5_000, 2)))
	b.AddOutput(testTaprootDest, 21_000)

	require.Equal(t, int64(25_000), b.TotalInput())
	require.Equal(t, int64(21_000), b.TotalOutput())
	require.Equal(t, int64(4_000), b.Unspent())

	b.AddChangeOutput(5_000)
	require.Equal(t, int64(-1_000), b.Unspent())
}

func TestNewTxInput(t *testing.T) {
	params := &chaincfg.MainNetParams

	t.Run("legacy input has no witness utxo", func(t *testing.T) {
		in, err := NewTxInput(testUTXO(t, AddressTypeP2PKH, 0, 1000, 1), params, nil)
		require.NoError(t, err)
		require.True(t, in.Legacy)
		require.Nil(t, in.WitnessUtxo)
	})

	t.Run("wrapped segwit derives redeem script", func(t *testing.T) {
		utxo := testUTXO(t, AddressTypeP2SHP2WPKH, 0, 1000, 1)
		in, err := NewTxInput(utxo, params, nil)
		require.NoError(t, err)
		require.Len(t, in.RedeemScript, 22)
		require.NotNil(t, in.WitnessUtxo)
	})

	t.Run("wrapped segwit falls back to the builder key", func(t *testing.T) {
		utxo := testUTXO(t, AddressTypeP2SHP2WPKH, 0, 1000, 1)
		key, err := DeriveKey(testSeed(t), "mainnet", AddressTypeP2SHP2WPKH, ChainExternal, 0)
		require.NoError(t, err)
		pubKey, err := GetPublicKey(key)
		require.NoError(t, err)

		utxo.PubKey = nil
		_, err = NewTxInput(utxo, params, nil)
		require.Error(t, err)

		in, err := NewTxInput(utxo, params, pubKey)
		require.NoError(t, err)
		require.Len(t, in.RedeemScript, 22)
	})

	t.Run("script derived from address", func(t *testing.T) {
		utxo := testUTXO(t, AddressTypeP2WPKH, 0, 1000, 1)
		want := utxo.ScriptPubKey
		utxo.ScriptPubKey = nil
		in, err := NewTxInput(utxo, params, nil)
		require.NoError(t, err)
		require.Equal(t, want, in.UTXO.ScriptPubKey)
	})

	t.Run("bad txid", func(t *testing.T) {
		utxo := testUTXO(t, AddressTypeP2WPKH, 0, 1000, 1)
		utxo.TxID = "zz"
		_, err := NewTxInput(utxo, params, nil)
		require.Error(t, err)
	})
}

func TestBuilderSignsEveryKind(t *testing.T) {
	b := newTestBuilder(t, WithFeeRate(2))

	utxos := []UTXO{
		testUTXO(t, AddressTypeP2PKH, 0, 10_000, 1),
		testUTXO(t, AddressTypeP2SHP2WPKH, 1, 10_000, 2),
		testUTXO(t, AddressTypeP2WPKH, 2, 10_000, 3),
		testUTXO(t, AddressTypeP2TR, 3, 10_000, 4),
		testUTXO(t, AddressTypeM44P2WPKH, 4, 10_000, 5),
		testUTXO(t, AddressTypeM44P2TR, 5, 10_000, 6),
	}
	for _, u := range utxos {
		require.NoError(t, b.AddInput(u))
	}
	b.AddOutput(testTaprootDest, 50_000)

	packet, tx, err := b.sign(context.Background())
	require.NoError(t, err)
	require.True(t, packet.IsComplete())
	require.Equal(t, int32(1), tx.Version)
	verifyInputs(t, tx, utxos)

	require.True(t, b.Inputs()[0].Legacy)
	require.Empty(t, tx.TxIn[0].Witness)
	require.NotEmpty(t, tx.TxIn[1].SignatureScript)
	require.NotEmpty(t, tx.TxIn[1].Witness)
}

func TestBuilderRBF(t *testing.T) {
	ctx := context.Background()
	b := newTestBuilder(t)
	require.NoError(t, b.AddInput(testUTXO(t, AddressTypeP2WPKH, 0, 10_000, 1)))
	b.AddOutput(testTaprootDest, 9_000)

	_, tx, err := b.sign(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(SequenceRBF), tx.TxIn[0].Sequence)

	b.SetEnableRBF(false)
	_, tx, err = b.sign(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(SequenceFinal), tx.TxIn[0].Sequence)
}

func TestCalNetworkFee(t *testing.T) {
	ctx := context.Background()

	t.Run("taproot trial signing", func(t *testing.T) {
		b := newTestBuilder(t, WithFeeRate(5))
		require.NoError(t, b.AddInput(testUTXO(t, AddressTypeP2TR, 0, 10_000, 1)))
		require.NoError(t, b.AddInput(testUTXO(t, AddressTypeP2TR, 1, 5_000, 2)))
		b.AddOutput(testTaprootDest, 8_000)
		b.AddChangeOutput(5_000)

		// 312 bytes with 132 witness bytes: (312 - 99) * 5
		fee, err := b.CalNetworkFee(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1065), fee)
	})

	t.Run("outputs are untouched on success", func(t *testing.T) {
		b := newTestBuilder(t)
		require.NoError(t, b.AddInput(testUTXO(t, AddressTypeP2WPKH, 0, 10_000, 1)))
		b.AddOutput(testTaprootDest, 4_000)
		b.AddChangeOutput(3_000)
		before := b.Outputs()

		_, err := b.CalNetworkFee(ctx)
		require.NoError(t, err)
		require.Equal(t, before, b.Outputs())
		require.Equal(t, int64(3_000), b.ChangeAmount())
	})

	t.Run("outputs are untouched when the signer fails", func(t *testing.T) {
		signErr := errors.New("device unplugged")
		b, err := NewBuilder(testConfig(), SignerFunc(func(context.Context, *psbt.Packet, []*TxInput) error {
			return signErr
		}), testChangeAddress(t, AddressTypeP2WPKH))
		require.NoError(t, err)
		require.NoError(t, b.AddInput(testUTXO(t, AddressTypeP2WPKH, 0, 10_000, 1)))
		b.AddOutput(testTaprootDest, 4_000)
		b.AddChangeOutput(3_000)
		before := b.Outputs()

		_, err = b.CalNetworkFee(ctx)
		require.ErrorIs(t, err, signErr)
		require.Equal(t, before, b.Outputs())
		require.Equal(t, int64(3_000), b.ChangeAmount())
	})

	t.Run("fee oracle receives the unsigned packet", func(t *testing.T) {
		var gotRate int64
		oracle := FeeOracleFunc(func(_ context.Context, raw []byte, feeRate int64) (int64, error) {
			gotRate = feeRate
			packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
			if err != nil {
				return 0, err
			}
			return int64(100 * len(packet.UnsignedTx.TxOut)), nil
		})

		b := newTestBuilder(t, WithFeeOracle(oracle), WithFeeRate(7))
		require.NoError(t, b.AddInput(testUTXO(t, AddressTypeP2WPKH, 0, 10_000, 1)))
		b.AddOutput(testTaprootDest, 4_000)
		b.AddOutput(testTaprootDest, 4_000)

		fee, err := b.CalNetworkFee(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(200), fee)
		require.Equal(t, int64(7), gotRate)
	})
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("places change above dust", func(t *testing.T) {
		b := newTestBuilder(t, WithFeeRate(2))
		require.NoError(t, b.AddInput(testUTXO(t, AddressTypeP2WPKH, 0, 20_000, 1)))
		require.NoError(t, b.AddInput(testUTXO(t, AddressTypeP2WPKH, 1, 10_000, 2)))
		b.AddOutput(testTaprootDest, 15_000)

		result, err := b.Generate(ctx, false)
		require.NoError(t, err)
		require.Equal(t, int64(15_000), result.ToAmount)
		require.Equal(t, result.EstimatedFee, result.Fee)
		require.Len(t, result.Tx.TxOut, 2)
		require.Equal(t, int64(15_000)-result.Fee, b.ChangeAmount())
		require.NotEmpty(t, result.RawTx)
		require.Equal(t, result.Tx.TxHash().String(), result.TxID)
	})

	t.Run("auto adjust shrinks the first output", func(t *testing.T) {
		b := newTestBuilder(t, WithFeeRate(2))
		require.NoError(t, b.AddInput(testUTXO(t, AddressTypeP2TR, 0, 10_000, 1)))
		b.AddOutput(testTaprootDest, 10_000)

		result, err := b.Generate(ctx, true)
		require.NoError(t, err)
		require.Len(t, result.Tx.TxOut, 1)
		require.Equal(t, int64(10_000)-result.EstimatedFee, result.ToAmount)
		require.Equal(t, result.EstimatedFee, result.Fee)
		_, err = b.ChangeOutput()
		require.ErrorIs(t, err, ErrNoChangeOutput)
	})

	t.Run("no outputs", func(t *testing.T) {
		b := newTestBuilder(t)
		_, err := b.Generate(ctx, true)
		require.ErrorIs(t, err, ErrNoOutputs)
	})

	t.Run("outputs exceeding inputs", func(t *testing.T) {
		b := newTestBuilder(t)
		require.NoError(t, b.AddInput(testUTXO(t, AddressTypeP2WPKH, 0, 1_000, 1)))
		b.AddOutput(testTaprootDest, 5_000)
		_, err := b.Generate(ctx, false)
		require.ErrorIs(t, err, ErrInsufficientFunds)
	})
}

func TestIsEnoughFee(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		output int64
		want   bool
	}{
		{"generous fee", 9_000, true},
		{"ten satoshis", 9_990, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBuilder(t, WithFeeRate(5))
			require.NoError(t, b.AddInput(testUTXO(t, AddressTypeP2WPKH, 0, 10_000, 1)))
			b.AddOutput(testTaprootDest, tt.output)

			ok, err := b.IsEnoughFee(ctx)
			require.NoError(t, err)
			require.Equal(t, tt.want, ok)
		})
	}
}
