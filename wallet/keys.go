package wallet

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// SeedLength is the recommended seed length (256 bits)
	SeedLength = 32

	// BIP44Purpose is the purpose for legacy derivation (also used by the m44 variants)
	BIP44Purpose = 44

	// BIP49Purpose is the purpose for wrapped SegWit (P2SH-P2WPKH)
	BIP49Purpose = 49

	// BIP84Purpose is the purpose for native SegWit (P2WPKH)
	BIP84Purpose = 84

	// BIP86Purpose is the purpose for Taproot (P2TR)
	BIP86Purpose = 86

	// CoinTypeBitcoin is the coin type for Bitcoin mainnet
	CoinTypeBitcoin = 0

	// CoinTypeBitcoinTestnet is the coin type for every test network
	CoinTypeBitcoinTestnet = 1

	// ChainExternal is the receiving branch of an account
	ChainExternal uint32 = 0

	// ChainInternal is the change branch of an account
	ChainInternal uint32 = 1
)

// Address kinds a wallet can hold. The m44 variants use the BIP44 purpose
// for derivation but lock to the same scripts as their BIP84/BIP86 peers.
const (
	AddressTypeP2PKH      = "p2pkh"
	AddressTypeP2SHP2WPKH = "p2sh-p2wpkh"
	AddressTypeP2WPKH     = "p2wpkh"
	AddressTypeP2TR       = "p2tr"
	AddressTypeM44P2WPKH  = "m44-p2wpkh"
	AddressTypeM44P2TR    = "m44-p2tr"

	// AddressTypeP2SH is only reported by GetAddressType for foreign
	// script-hash destinations; wallets never derive it.
	AddressTypeP2SH = "p2sh"
)

// AddressTypes lists every kind a wallet may be created with.
var AddressTypes = []string{
	AddressTypeP2PKH,
	AddressTypeP2SHP2WPKH,
	AddressTypeP2WPKH,
	AddressTypeP2TR,
	AddressTypeM44P2WPKH,
	AddressTypeM44P2TR,
}

// IsWalletAddressType reports whether addressType can be derived by a wallet.
func IsWalletAddressType(addressType string) bool {
	for _, t := range AddressTypes {
		if t == addressType {
			return true
		}
	}
	return false
}

// ScriptKind maps an address kind onto the script template it locks to.
// An empty kind is treated as P2WPKH.
func ScriptKind(addressType string) string {
	switch addressType {
	case AddressTypeM44P2WPKH, "":
		return AddressTypeP2WPKH
	case AddressTypeM44P2TR:
		return AddressTypeP2TR
	default:
		return addressType
	}
}

// NetworkParams returns the chain configuration for the given network name
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet4":
		// Testnet4 uses same address format as testnet3 (tb1... addresses)
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network: %s (supported: mainnet, testnet4, signet, regtest)", network)
	}
}

func coinType(network string) uint32 {
	if network == "mainnet" {
		return CoinTypeBitcoin
	}
	return CoinTypeBitcoinTestnet
}

func purpose(addressType string) (uint32, error) {
	switch addressType {
	case AddressTypeP2PKH, AddressTypeM44P2WPKH, AddressTypeM44P2TR:
		return BIP44Purpose, nil
	case AddressTypeP2SHP2WPKH:
		return BIP49Purpose, nil
	case AddressTypeP2WPKH:
		return BIP84Purpose, nil
	case AddressTypeP2TR:
		return BIP86Purpose, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownAddressType, addressType)
	}
}

// GenerateSeed creates a cryptographically secure random seed
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedLength)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	return seed, nil
}

// DeriveAccountKey derives m/purpose'/coin_type'/account' for the address kind.
func DeriveAccountKey(seed []byte, network string, account uint32, addressType string) (*hdkeychain.ExtendedKey, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	purposeIndex, err := purpose(addressType)
	if err != nil {
		return nil, err
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	key := masterKey
	for _, step := range []uint32{purposeIndex, coinType(network), account} {
		key, err = key.Derive(hdkeychain.HardenedKeyStart + step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive account path: %w", err)
		}
	}

	return key, nil
}

// DeriveKey derives m/purpose'/coin_type'/0'/chain/index.
func DeriveKey(seed []byte, network, addressType string, chain, index uint32) (*hdkeychain.ExtendedKey, error) {
	accountKey, err := DeriveAccountKey(seed, network, 0, addressType)
	if err != nil {
		return nil, err
	}

	chainKey, err := accountKey.Derive(chain)
	if err != nil {
		return nil, fmt.Errorf("failed to derive chain key: %w", err)
	}

	addressKey, err := chainKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address key: %w", err)
	}

	return addressKey, nil
}

// GetPrivateKey extracts the EC private key from an extended key
func GetPrivateKey(key *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	if !key.IsPrivate() {
		return nil, fmt.Errorf("extended key is not private")
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get EC private key: %w", err)
	}

	return privKey, nil
}

// GetPublicKey extracts the EC public key from an extended key
func GetPublicKey(key *hdkeychain.ExtendedKey) (*btcec.PublicKey, error) {
	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get EC public key: %w", err)
	}

	return pubKey, nil
}

// DerivationPath returns the derivation path string for an address
func DerivationPath(network, addressType string, chain, index uint32) string {
	purposeIndex, err := purpose(addressType)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("m/%d'/%d'/0'/%d/%d", purposeIndex, coinType(network), chain, index)
}
