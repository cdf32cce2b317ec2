package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// AddressFromPubKey builds the address of the given kind for a public key.
func AddressFromPubKey(pubKey *btcec.PublicKey, addressType string, params *chaincfg.Params) (btcutil.Address, error) {
	if params == nil {
		return nil, ErrMissingNetworkParams
	}

	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())

	switch ScriptKind(addressType) {
	case AddressTypeP2PKH:
		return btcutil.NewAddressPubKeyHash(pubKeyHash, params)
	case AddressTypeP2SHP2WPKH:
		redeemScript, err := RedeemScript(pubKey)
		if err != nil {
			return nil, err
		}
		return btcutil.NewAddressScriptHash(redeemScript, params)
	case AddressTypeP2WPKH:
		return btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	case AddressTypeP2TR:
		// BIP86 key-path only output key
		taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
		return btcutil.NewAddressTaproot(schnorr.SerializePubKey(taprootKey), params)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddressType, addressType)
	}
}

// RedeemScript returns the P2WPKH witness program nested inside a
// P2SH-P2WPKH output for pubKey.
func RedeemScript(pubKey *btcec.PublicKey) ([]byte, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(pubKeyHash).
		Script()
	if err != nil {
		return nil, fmt.Errorf("failed to build redeem script: %w", err)
	}
	return script, nil
}

// GenerateAddress derives the address at chain/index for a seed
func GenerateAddress(seed []byte, network, addressType string, chain, index uint32) (string, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return "", err
	}

	key, err := DeriveKey(seed, network, addressType, chain, index)
	if err != nil {
		return "", err
	}

	pubKey, err := GetPublicKey(key)
	if err != nil {
		return "", err
	}

	addr, err := AddressFromPubKey(pubKey, addressType, params)
	if err != nil {
		return "", fmt.Errorf("failed to create %s address: %w", addressType, err)
	}

	return addr.EncodeAddress(), nil
}

// GetScriptPubKey returns the locking script for an address
func GetScriptPubKey(address string, params *chaincfg.Params) ([]byte, error) {
	if params == nil {
		return nil, ErrMissingNetworkParams
	}

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address %s: %w", address, err)
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create scriptPubKey for %s: %w", address, err)
	}

	return script, nil
}

// ScriptHash converts a locking script to an Electrum scripthash:
// SHA256 of the script, byte-reversed.
func ScriptHash(scriptPubKey []byte) string {
	hash := sha256.Sum256(scriptPubKey)
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}
	return hex.EncodeToString(hash[:])
}

// AddressToScriptHash converts an address to an Electrum scripthash
func AddressToScriptHash(address string, params *chaincfg.Params) (string, error) {
	scriptPubKey, err := GetScriptPubKey(address, params)
	if err != nil {
		return "", err
	}
	return ScriptHash(scriptPubKey), nil
}

// ValidateAddress checks if an address is valid for the given network
func ValidateAddress(address string, params *chaincfg.Params) error {
	if params == nil {
		return ErrMissingNetworkParams
	}

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}

	if !addr.IsForNet(params) {
		return fmt.Errorf("address is not for %s network", params.Name)
	}

	return nil
}

// GetAddressType classifies an address by the version bytes configured in
// cfg rather than by a fixed network table, so chains that reuse bitcoin's
// formats with different prefixes are recognised too.
func GetAddressType(address string, cfg ChainConfig) (string, error) {
	if _, version, err := base58.CheckDecode(address); err == nil {
		switch version {
		case cfg.AddressVersions[VersionP2PKH]:
			return AddressTypeP2PKH, nil
		case cfg.AddressVersions[VersionP2SH]:
			return AddressTypeP2SH, nil
		}
		return "", fmt.Errorf("%w: base58 version %#x", ErrUnknownAddressType, version)
	}

	_, data, _, err := bech32.DecodeGeneric(address)
	if err != nil || len(data) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownAddressType, address)
	}

	switch witnessVersion := data[0]; witnessVersion {
	case cfg.AddressVersions[VersionP2WPKH]:
		return AddressTypeP2WPKH, nil
	case cfg.AddressVersions[VersionP2TR]:
		return AddressTypeP2TR, nil
	default:
		return "", fmt.Errorf("%w: witness version %d", ErrUnknownAddressType, witnessVersion)
	}
}

// AddressInfo contains information about a generated address
type AddressInfo struct {
	Address        string `json:"address"`
	Index          uint32 `json:"index"`
	Chain          uint32 `json:"chain"`
	DerivationPath string `json:"derivation_path"`
	ScriptHash     string `json:"scripthash"`
}

// GenerateAddressInfo generates complete address information
func GenerateAddressInfo(seed []byte, network, addressType string, chain, index uint32) (*AddressInfo, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	address, err := GenerateAddress(seed, network, addressType, chain, index)
	if err != nil {
		return nil, err
	}

	scripthash, err := AddressToScriptHash(address, params)
	if err != nil {
		return nil, err
	}

	return &AddressInfo{
		Address:        address,
		Index:          index,
		Chain:          chain,
		DerivationPath: DerivationPath(network, addressType, chain, index),
		ScriptHash:     scripthash,
	}, nil
}
