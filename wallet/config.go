package wallet

import (
	"fmt"
	"maps"

	"github.com/btcsuite/btcd/chaincfg"
)

// Keys of ChainConfig.AddressVersions.
const (
	VersionP2PKH  = "p2pkh"
	VersionP2SH   = "p2sh"
	VersionP2WPKH = "p2wpkh"
	VersionP2TR   = "p2tr"
)

const (
	DefaultDustThreshold      int64 = 1000
	DefaultFeeRate            int64 = 5
	DefaultDenominationFactor int64 = 100_000_000
	DefaultTick                     = "BTC"
)

// ChainConfig holds the chain-wide parameters every builder and send
// operation reads. It is passed by value and never mutated after
// construction, so one value can be shared by concurrent builds.
type ChainConfig struct {
	Params *chaincfg.Params

	// DustThreshold is the smallest output value the wallet will create.
	DustThreshold int64

	// UnitSize is the target size of inscription-bearing units produced by
	// SplitUnits. Zero means DustThreshold.
	UnitSize int64

	// DefaultFeeRate is used when a request does not name a rate, in
	// satoshis per virtual byte.
	DefaultFeeRate int64

	// DenominationFactor is the number of satoshis in one display unit.
	DenominationFactor int64

	Tick string

	// AddressVersions maps an address kind to its base58 version byte
	// (p2pkh, p2sh) or witness version (p2wpkh, p2tr).
	AddressVersions map[string]byte
}

// DefaultChainConfig returns the defaults for params. A nil params yields a
// config without network parameters that fails Validate.
func DefaultChainConfig(params *chaincfg.Params) ChainConfig {
	versions := map[string]byte{
		VersionP2PKH:  0x00,
		VersionP2SH:   0x05,
		VersionP2WPKH: 0,
		VersionP2TR:   1,
	}
	if params != nil {
		versions[VersionP2PKH] = params.PubKeyHashAddrID
		versions[VersionP2SH] = params.ScriptHashAddrID
	}

	return ChainConfig{
		Params:             params,
		DustThreshold:      DefaultDustThreshold,
		DefaultFeeRate:     DefaultFeeRate,
		DenominationFactor: DefaultDenominationFactor,
		Tick:               DefaultTick,
		AddressVersions:    versions,
	}
}

// ConfigOverride carries per-call overrides. Nil fields keep the base value.
type ConfigOverride struct {
	Params             *chaincfg.Params `json:"-"`
	DustThreshold      *int64           `json:"dust_threshold,omitempty"`
	UnitSize           *int64           `json:"unit_size,omitempty"`
	DefaultFeeRate     *int64           `json:"default_fee_rate,omitempty"`
	DenominationFactor *int64           `json:"denomination_factor,omitempty"`
	Tick               *string          `json:"tick,omitempty"`
	AddressVersions    map[string]byte  `json:"address_versions,omitempty"`
}

// Merge returns a copy of c with the non-nil fields of o applied on top.
// Address versions are merged key by key.
func (c ChainConfig) Merge(o *ConfigOverride) ChainConfig {
	merged := c
	merged.AddressVersions = maps.Clone(c.AddressVersions)
	if merged.AddressVersions == nil {
		merged.AddressVersions = make(map[string]byte)
	}
	if o == nil {
		return merged
	}

	if o.Params != nil {
		merged.Params = o.Params
	}
	if o.DustThreshold != nil {
		merged.DustThreshold = *o.DustThreshold
	}
	if o.UnitSize != nil {
		merged.UnitSize = *o.UnitSize
	}
	if o.DefaultFeeRate != nil {
		merged.DefaultFeeRate = *o.DefaultFeeRate
	}
	if o.DenominationFactor != nil {
		merged.DenominationFactor = *o.DenominationFactor
	}
	if o.Tick != nil {
		merged.Tick = *o.Tick
	}
	maps.Copy(merged.AddressVersions, o.AddressVersions)

	return merged
}

// Validate checks the config is usable for building transactions
func (c ChainConfig) Validate() error {
	if c.Params == nil {
		return ErrMissingNetworkParams
	}
	if c.DustThreshold <= 0 {
		return fmt.Errorf("dust threshold must be positive, got %d", c.DustThreshold)
	}
	if c.UnitSize < 0 {
		return fmt.Errorf("unit size must not be negative, got %d", c.UnitSize)
	}
	if c.DefaultFeeRate <= 0 {
		return fmt.Errorf("default fee rate must be positive, got %d", c.DefaultFeeRate)
	}
	if c.DenominationFactor <= 0 {
		return fmt.Errorf("denomination factor must be positive, got %d", c.DenominationFactor)
	}
	return nil
}

// FeeRateOrDefault returns rate, or the configured default when rate is not positive.
func (c ChainConfig) FeeRateOrDefault(rate int64) int64 {
	if rate > 0 {
		return rate
	}
	return c.DefaultFeeRate
}

// EffectiveUnitSize returns UnitSize, falling back to DustThreshold.
func (c ChainConfig) EffectiveUnitSize() int64 {
	if c.UnitSize > 0 {
		return c.UnitSize
	}
	return c.DustThreshold
}
