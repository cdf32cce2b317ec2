package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

const (
	// MaxReasonableFeeRate is the maximum fee rate (sat/vB) before requiring confirmation
	// 1000 sat/vB is extremely high - even during peak congestion fees rarely exceed 500
	MaxReasonableFeeRate = 1000

	// SequenceRBF is the sequence number that enables Replace-By-Fee (BIP125)
	SequenceRBF = 0xFFFFFFFD

	// SequenceFinal is the final sequence number (no RBF)
	SequenceFinal = 0xFFFFFFFF
)

// ValidateFeeRate checks if the fee rate is within reasonable bounds
// Returns an error message if the fee rate is dangerously high, empty string otherwise
func ValidateFeeRate(feeRate int64) string {
	if feeRate > MaxReasonableFeeRate {
		return fmt.Sprintf("fee_rate %d sat/vB exceeds safety limit of %d sat/vB - this would be extremely expensive", feeRate, MaxReasonableFeeRate)
	}
	return ""
}

// EstimateVirtualSize predicts the virtual size of a transaction spending
// utxos to outputs, plus a change output of changeType when it is not empty.
// No signing is involved.
func EstimateVirtualSize(utxos []UTXO, outputs []*wire.TxOut, changeType string) (int, error) {
	var p2pkh, p2tr, p2wpkh, nested int
	for _, u := range utxos {
		switch ScriptKind(u.AddressType) {
		case AddressTypeP2PKH:
			p2pkh++
		case AddressTypeP2TR:
			p2tr++
		case AddressTypeP2WPKH:
			p2wpkh++
		case AddressTypeP2SHP2WPKH:
			nested++
		default:
			return 0, fmt.Errorf("%w: %s", ErrUnknownAddressType, u.AddressType)
		}
	}

	changeScriptSize, err := pkScriptSize(changeType)
	if err != nil {
		return 0, err
	}

	return txsizes.EstimateVirtualSize(p2pkh, p2tr, p2wpkh, nested, outputs, changeScriptSize), nil
}

func pkScriptSize(addressType string) (int, error) {
	if addressType == "" {
		return 0, nil
	}
	switch ScriptKind(addressType) {
	case AddressTypeP2PKH:
		return txsizes.P2PKHPkScriptSize, nil
	case AddressTypeP2SHP2WPKH, AddressTypeP2SH:
		return txsizes.NestedP2WPKHPkScriptSize, nil
	case AddressTypeP2WPKH:
		return txsizes.P2WPKHPkScriptSize, nil
	case AddressTypeP2TR:
		return txsizes.P2TRPkScriptSize, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownAddressType, addressType)
	}
}

// CheckOutputValue rejects outputs the network would refuse to relay as dust
func CheckOutputValue(pkScript []byte, value int64) error {
	if err := txrules.CheckOutput(wire.NewTxOut(value, pkScript), txrules.DefaultRelayFeePerKb); err != nil {
		return fmt.Errorf("output of %d: %w", value, err)
	}
	return nil
}
