package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/stretchr/testify/require"
)

func sendOptions(t *testing.T, changeType string, feeRate int64) SendOptions {
	t.Helper()
	return SendOptions{
		ChangeAddress: testChangeAddress(t, changeType),
		FeeRate:       feeRate,
		Signer:        testSigner(t),
	}
}

func inscribed(u UTXO, ids ...string) UTXO {
	for i, id := range ids {
		u.Inscriptions = append(u.Inscriptions, Inscription{ID: id, Offset: int64(i)})
	}
	return u
}

func TestSendCoinReceiverPaysFee(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	utxos := []UTXO{
		testUTXO(t, AddressTypeP2TR, 0, 10_000, 1),
		testUTXO(t, AddressTypeP2TR, 1, 5_000, 2),
	}

	result, err := SendCoin(ctx, cfg, utxos, testTaprootDest, 10_000, true, sendOptions(t, AddressTypeP2TR, 5))
	require.NoError(t, err)

	// two taproot inputs, recipient plus change: 213 vbytes at 5 sat/vB
	require.Equal(t, int64(1065), result.Fee)
	require.Equal(t, int64(10_000-1065), result.Outputs[0].Value)
	require.Equal(t, int64(5_000), result.ChangeAmount)
	require.Equal(t, int64(15_000), result.TotalInput)
	verifyInputs(t, result.Tx, result.Inputs)

	// the assembled transaction prices to the same fee
	b, err := NewBuilder(cfg, testSigner(t), testChangeAddress(t, AddressTypeP2TR), WithFeeRate(5))
	require.NoError(t, err)
	for _, u := range result.Inputs {
		require.NoError(t, b.AddInput(u))
	}
	b.AddOutput(result.Outputs[0].Address, result.Outputs[0].Value)
	b.AddChangeOutput(result.ChangeAmount)
	fee, err := b.CalNetworkFee(ctx)
	require.NoError(t, err)
	require.Equal(t, result.Fee, fee)
}

func TestSendCoinPayerPaysFee(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	t.Run("change carries the leftover", func(t *testing.T) {
		utxos := []UTXO{
			testUTXO(t, AddressTypeP2WPKH, 0, 20_000, 1),
			testUTXO(t, AddressTypeP2WPKH, 1, 30_000, 2),
		}

		result, err := SendCoin(ctx, cfg, utxos, testTaprootDest, 25_000, false, sendOptions(t, AddressTypeP2WPKH, 2))
		require.NoError(t, err)
		require.Equal(t, int64(25_000), result.Outputs[0].Value)
		require.Len(t, result.Inputs, 2)
		require.Positive(t, result.Fee)
		require.Equal(t, int64(25_000)-result.Fee, result.ChangeAmount)
		require.Equal(t, result.TotalInput, result.TotalOutput+result.Fee)
		verifyInputs(t, result.Tx, result.Inputs)
	})

	t.Run("dust change is dropped", func(t *testing.T) {
		utxos := []UTXO{testUTXO(t, AddressTypeP2WPKH, 0, 10_000, 1)}

		result, err := SendCoin(ctx, cfg, utxos, testTaprootDest, 9_000, false, sendOptions(t, AddressTypeP2WPKH, 1))
		require.NoError(t, err)
		require.Len(t, result.Outputs, 1)
		require.Equal(t, int64(0), result.ChangeAmount)
		require.Equal(t, int64(1_000), result.Fee)
	})

	t.Run("nothing left for the fee", func(t *testing.T) {
		utxos := []UTXO{testUTXO(t, AddressTypeP2WPKH, 0, 10_000, 1)}

		_, err := SendCoin(ctx, cfg, utxos, testTaprootDest, 10_000, false, sendOptions(t, AddressTypeP2WPKH, 5))
		require.ErrorIs(t, err, ErrInsufficientFundsForFee)
		require.True(t, IsInsufficientFunds(err))
	})

	t.Run("fee larger than leftover", func(t *testing.T) {
		utxos := []UTXO{testUTXO(t, AddressTypeP2WPKH, 0, 10_000, 1)}

		_, err := SendCoin(ctx, cfg, utxos, testTaprootDest, 9_900, false, sendOptions(t, AddressTypeP2WPKH, 5))
		require.ErrorIs(t, err, ErrInsufficientFundsForFee)
		require.Contains(t, err.Error(), "as network fee, but only 0.000001 BTC")
	})

	t.Run("not enough coin", func(t *testing.T) {
		utxos := []UTXO{testUTXO(t, AddressTypeP2WPKH, 0, 5_000, 1)}

		_, err := SendCoin(ctx, cfg, utxos, testTaprootDest, 10_000, false, sendOptions(t, AddressTypeP2WPKH, 5))
		require.ErrorIs(t, err, ErrInsufficientFunds)
	})
}

func TestSendCoinSkipsInscriptions(t *testing.T) {
	utxos := []UTXO{
		inscribed(testUTXO(t, AddressTypeP2TR, 0, 50_000, 1), "abci0"),
		testUTXO(t, AddressTypeP2WPKH, 0, 20_000, 2),
	}

	result, err := SendCoin(context.Background(), testConfig(), utxos, testTaprootDest, 10_000, false,
		sendOptions(t, AddressTypeP2WPKH, 2))
	require.NoError(t, err)
	require.Len(t, result.Inputs, 1)
	require.False(t, result.Inputs[0].HasInscriptions())
}

func TestSelectCoinsKeepsCallerOrder(t *testing.T) {
	utxos := []UTXO{
		testUTXO(t, AddressTypeP2WPKH, 0, 3_000, 1),
		testUTXO(t, AddressTypeP2WPKH, 1, 50_000, 2),
		testUTXO(t, AddressTypeP2WPKH, 2, 4_000, 3),
	}

	result, err := SendCoin(context.Background(), testConfig(), utxos, testTaprootDest, 10_000, false,
		sendOptions(t, AddressTypeP2WPKH, 2))
	require.NoError(t, err)
	require.Len(t, result.Inputs, 2)
	require.Equal(t, utxos[0].TxID, result.Inputs[0].TxID)
	require.Equal(t, utxos[1].TxID, result.Inputs[1].TxID)
}

func TestSelectCoinsTerminates(t *testing.T) {
	var probes int
	opts := sendOptions(t, AddressTypeP2WPKH, 1)
	opts.FeeOracle = FeeOracleFunc(func(_ context.Context, _ []byte, _ int64) (int64, error) {
		probes++
		// fee grows faster than the inputs add value
		return int64(1_000 * probes), nil
	})

	var utxos []UTXO
	for i := 0; i < 10; i++ {
		utxos = append(utxos, testUTXO(t, AddressTypeP2WPKH, uint32(i), 600, i+1))
	}

	_, err := SendCoin(context.Background(), testConfig(), utxos, testTaprootDest, 1_000, false, opts)
	require.ErrorIs(t, err, ErrInsufficientFundsForFee)
	require.LessOrEqual(t, probes, len(utxos)+1)
}

func TestSendMultiCoin(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	other := testChangeAddress(t, AddressTypeP2PKH)

	t.Run("receiver pays from the first output", func(t *testing.T) {
		utxos := []UTXO{testUTXO(t, AddressTypeP2WPKH, 0, 30_000, 1)}
		recipients := []Recipient{
			{Address: testTaprootDest, Value: 10_000},
			{Address: other, Value: 5_000},
		}

		result, err := SendMultiCoin(ctx, cfg, utxos, recipients, true, sendOptions(t, AddressTypeP2WPKH, 2))
		require.NoError(t, err)
		require.Len(t, result.Outputs, 3)
		require.Equal(t, int64(5_000), result.Outputs[1].Value)
		require.Equal(t, int64(15_000), result.Outputs[2].Value)
		require.Equal(t, int64(15_000), result.ChangeAmount)
		require.Equal(t, int64(10_000)-result.Outputs[0].Value, result.Fee)
		verifyInputs(t, result.Tx, result.Inputs)
	})

	t.Run("receiver pays the full rate with change", func(t *testing.T) {
		utxos := []UTXO{testUTXO(t, AddressTypeP2TR, 0, 20_000, 1)}
		recipients := []Recipient{
			{Address: testTaprootDest, Value: 5_000},
			{Address: other, Value: 5_000},
		}

		result, err := SendMultiCoin(ctx, cfg, utxos, recipients, true, sendOptions(t, AddressTypeP2TR, 5))
		require.NoError(t, err)
		require.Len(t, result.Outputs, 3)
		require.Equal(t, int64(10_000), result.ChangeAmount)
		require.GreaterOrEqual(t, result.Fee, 5*int64(result.VSize))
	})

	t.Run("payer pays", func(t *testing.T) {
		utxos := []UTXO{testUTXO(t, AddressTypeP2WPKH, 0, 30_000, 1)}
		recipients := []Recipient{
			{Address: testTaprootDest, Value: 10_000},
			{Address: other, Value: 5_000},
		}

		result, err := SendMultiCoin(ctx, cfg, utxos, recipients, false, sendOptions(t, AddressTypeP2WPKH, 2))
		require.NoError(t, err)
		require.Equal(t, int64(10_000), result.Outputs[0].Value)
		require.Equal(t, int64(5_000), result.Outputs[1].Value)
		require.Equal(t, int64(15_000)-result.Fee, result.ChangeAmount)
	})

	t.Run("no recipients", func(t *testing.T) {
		_, err := SendMultiCoin(ctx, cfg, nil, nil, true, sendOptions(t, AddressTypeP2WPKH, 2))
		require.ErrorIs(t, err, ErrNoOutputs)
	})

	t.Run("fee larger than first output", func(t *testing.T) {
		utxos := []UTXO{testUTXO(t, AddressTypeP2WPKH, 0, 30_000, 1)}
		recipients := []Recipient{
			{Address: testTaprootDest, Value: 1_000},
			{Address: other, Value: 5_000},
		}

		_, err := SendMultiCoin(ctx, cfg, utxos, recipients, true, sendOptions(t, AddressTypeP2WPKH, 10))
		require.ErrorIs(t, err, ErrInsufficientFundsForFee)
	})

	t.Run("dust recipient", func(t *testing.T) {
		utxos := []UTXO{testUTXO(t, AddressTypeP2WPKH, 0, 30_000, 1)}
		recipients := []Recipient{{Address: testTaprootDest, Value: 100}}

		_, err := SendMultiCoin(ctx, cfg, utxos, recipients, false, sendOptions(t, AddressTypeP2WPKH, 2))
		require.ErrorIs(t, err, txrules.ErrOutputIsDust)
		require.ErrorIs(t, err, ErrInvalidRecipient)
	})
}

func TestSendInscription(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	t.Run("postage and fee from plain utxos", func(t *testing.T) {
		ord := inscribed(testUTXO(t, AddressTypeP2TR, 0, 600, 1), "abci0")
		utxos := []UTXO{
			testUTXO(t, AddressTypeP2WPKH, 0, 20_000, 2),
			ord,
		}

		result, err := SendInscription(ctx, cfg, utxos, testTaprootDest, 546, sendOptions(t, AddressTypeP2WPKH, 2))
		require.NoError(t, err)
		require.Equal(t, ord.TxID, result.Inputs[0].TxID)
		require.Len(t, result.Inputs, 2)
		require.Equal(t, TxOutput{Address: testTaprootDest, Value: 546}, result.Outputs[0])
		require.Equal(t, int64(20_054)-result.Fee, result.ChangeAmount)
		verifyInputs(t, result.Tx, result.Inputs)
	})

	t.Run("zero postage keeps the utxo value", func(t *testing.T) {
		utxos := []UTXO{
			inscribed(testUTXO(t, AddressTypeP2TR, 0, 10_000, 1), "abci0"),
			testUTXO(t, AddressTypeP2WPKH, 0, 20_000, 2),
		}

		result, err := SendInscription(ctx, cfg, utxos, testTaprootDest, 0, sendOptions(t, AddressTypeP2WPKH, 2))
		require.NoError(t, err)
		require.Equal(t, int64(10_000), result.Outputs[0].Value)
	})

	t.Run("inscription past the postage", func(t *testing.T) {
		ord := testUTXO(t, AddressTypeP2TR, 0, 10_000, 1)
		ord.Inscriptions = []Inscription{{ID: "abci0", Offset: 5_000}}
		utxos := []UTXO{ord, testUTXO(t, AddressTypeP2TR, 1, 20_000, 2)}

		_, err := SendInscription(ctx, cfg, utxos, testTaprootDest, 1_000, sendOptions(t, AddressTypeP2TR, 2))
		require.ErrorIs(t, err, ErrInscriptionOutsideOutput)

		// a postage covering the offset keeps the satoshi in the first output
		result, err := SendInscription(ctx, cfg, utxos, testTaprootDest, 6_000, sendOptions(t, AddressTypeP2TR, 2))
		require.NoError(t, err)
		require.Equal(t, int64(6_000), result.Outputs[0].Value)

		result, err = SendInscription(ctx, cfg, utxos, testTaprootDest, 0, sendOptions(t, AddressTypeP2TR, 2))
		require.NoError(t, err)
		require.Equal(t, int64(10_000), result.Outputs[0].Value)
	})

	t.Run("multiple inscriptions in one utxo", func(t *testing.T) {
		utxos := []UTXO{inscribed(testUTXO(t, AddressTypeP2TR, 0, 10_000, 1), "abci0", "abci1")}

		_, err := SendInscription(ctx, cfg, utxos, testTaprootDest, 546, sendOptions(t, AddressTypeP2WPKH, 2))
		require.ErrorIs(t, err, ErrMultipleInscriptions)
	})

	t.Run("no inscription utxo", func(t *testing.T) {
		utxos := []UTXO{testUTXO(t, AddressTypeP2WPKH, 0, 20_000, 2)}

		_, err := SendInscription(ctx, cfg, utxos, testTaprootDest, 546, sendOptions(t, AddressTypeP2WPKH, 2))
		require.ErrorIs(t, err, ErrInscriptionNotFound)
	})

	t.Run("no plain value for the fee", func(t *testing.T) {
		utxos := []UTXO{inscribed(testUTXO(t, AddressTypeP2TR, 0, 546, 1), "abci0")}

		_, err := SendInscription(ctx, cfg, utxos, testTaprootDest, 546, sendOptions(t, AddressTypeP2WPKH, 2))
		require.ErrorIs(t, err, ErrInsufficientFundsForFee)
	})
}

func TestSendInscriptions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	utxos := []UTXO{
		testUTXO(t, AddressTypeP2WPKH, 0, 20_000, 1),
		inscribed(testUTXO(t, AddressTypeP2TR, 0, 10_000, 2), "abci0", "abci1"),
		inscribed(testUTXO(t, AddressTypeP2TR, 1, 546, 3), "def0"),
	}

	result, err := SendInscriptions(ctx, cfg, utxos, testTaprootDest, SendOptions{FeeRate: 2, Signer: testSigner(t)})
	require.NoError(t, err)
	require.Len(t, result.Inputs, 3)
	require.Len(t, result.Outputs, 3)
	require.Equal(t, int64(10_000), result.Outputs[0].Value)
	require.Equal(t, int64(546), result.Outputs[1].Value)
	require.Equal(t, testTaprootDest, result.Outputs[2].Address)
	require.Equal(t, int64(20_000)-result.Fee, result.ChangeAmount)
	verifyInputs(t, result.Tx, result.Inputs)

	t.Run("nothing inscribed", func(t *testing.T) {
		_, err := SendInscriptions(ctx, cfg, utxos[:1], testTaprootDest, SendOptions{Signer: testSigner(t)})
		require.ErrorIs(t, err, ErrInscriptionNotFound)
	})
}

func TestConsolidate(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	utxos := []UTXO{
		testUTXO(t, AddressTypeP2WPKH, 0, 20_000, 1),
		testUTXO(t, AddressTypeP2WPKH, 1, 5_000, 2),
		inscribed(testUTXO(t, AddressTypeP2TR, 0, 10_000, 3), "abci0"),
		testUTXO(t, AddressTypeP2WPKH, 2, 3_000, 4),
	}

	result, err := Consolidate(ctx, cfg, utxos, testTaprootDest, SendOptions{FeeRate: 2, Signer: testSigner(t)})
	require.NoError(t, err)
	require.Len(t, result.Inputs, 3)
	require.Len(t, result.Outputs, 1)
	require.Equal(t, testTaprootDest, result.Outputs[0].Address)
	require.Equal(t, int64(28_000), result.TotalInput)
	require.Equal(t, int64(28_000)-result.Fee, result.Outputs[0].Value)
	require.Positive(t, result.Fee)
	for _, in := range result.Inputs {
		require.Empty(t, in.Inscriptions)
	}
	verifyInputs(t, result.Tx, result.Inputs)

	t.Run("only inscriptions", func(t *testing.T) {
		_, err := Consolidate(ctx, cfg, utxos[2:3], testTaprootDest, SendOptions{Signer: testSigner(t)})
		require.ErrorIs(t, err, ErrInsufficientFunds)
	})

	t.Run("fee eats the output", func(t *testing.T) {
		small := []UTXO{testUTXO(t, AddressTypeP2WPKH, 0, 1_200, 1)}
		_, err := Consolidate(ctx, cfg, small, testTaprootDest, SendOptions{FeeRate: 5, Signer: testSigner(t)})
		require.ErrorIs(t, err, ErrInsufficientFundsForFee)
	})
}

func TestSendOptions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	utxos := []UTXO{testUTXO(t, AddressTypeP2WPKH, 0, 20_000, 1)}

	t.Run("rbf can be disabled", func(t *testing.T) {
		opts := sendOptions(t, AddressTypeP2WPKH, 2)
		opts.DisableRBF = true
		result, err := SendCoin(ctx, cfg, utxos, testTaprootDest, 5_000, false, opts)
		require.NoError(t, err)
		require.Equal(t, uint32(SequenceFinal), result.Tx.TxIn[0].Sequence)
	})

	t.Run("fee oracle decides the fee", func(t *testing.T) {
		opts := sendOptions(t, AddressTypeP2WPKH, 2)
		opts.FeeOracle = FeeOracleFunc(func(context.Context, []byte, int64) (int64, error) {
			return 500, nil
		})
		result, err := SendCoin(ctx, cfg, utxos, testTaprootDest, 5_000, false, opts)
		require.NoError(t, err)
		require.Equal(t, int64(500), result.Fee)
		require.Equal(t, int64(14_500), result.ChangeAmount)
	})

	t.Run("signer errors propagate", func(t *testing.T) {
		signErr := errors.New("rejected")
		opts := sendOptions(t, AddressTypeP2WPKH, 2)
		opts.Signer = SignerFunc(func(context.Context, *psbt.Packet, []*TxInput) error { return signErr })
		_, err := SendCoin(ctx, cfg, utxos, testTaprootDest, 5_000, false, opts)
		require.ErrorIs(t, err, signErr)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := SendCoin(ctx, ChainConfig{}, utxos, testTaprootDest, 5_000, false, sendOptions(t, AddressTypeP2WPKH, 2))
		require.ErrorIs(t, err, ErrMissingNetworkParams)
	})
}
