package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestDefaultChainConfig(t *testing.T) {
	tests := []struct {
		name   string
		params *chaincfg.Params
		p2pkh  byte
		p2sh   byte
	}{
		{"mainnet", &chaincfg.MainNetParams, 0x00, 0x05},
		{"testnet", &chaincfg.TestNet3Params, 0x6f, 0xc4},
		{"no params", nil, 0x00, 0x05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultChainConfig(tt.params)
			require.Equal(t, DefaultDustThreshold, cfg.DustThreshold)
			require.Equal(t, DefaultFeeRate, cfg.DefaultFeeRate)
			require.Equal(t, DefaultDenominationFactor, cfg.DenominationFactor)
			require.Equal(t, DefaultTick, cfg.Tick)
			require.Equal(t, tt.p2pkh, cfg.AddressVersions[VersionP2PKH])
			require.Equal(t, tt.p2sh, cfg.AddressVersions[VersionP2SH])
			require.Equal(t, byte(0), cfg.AddressVersions[VersionP2WPKH])
			require.Equal(t, byte(1), cfg.AddressVersions[VersionP2TR])
		})
	}
}

func TestChainConfigMerge(t *testing.T) {
	base := DefaultChainConfig(&chaincfg.MainNetParams)

	t.Run("nil override copies", func(t *testing.T) {
		merged := base.Merge(nil)
		require.Equal(t, base, merged)

		merged.AddressVersions[VersionP2PKH] = 0x30
		require.Equal(t, byte(0x00), base.AddressVersions[VersionP2PKH])
	})

	t.Run("fields are replaced and versions merged by key", func(t *testing.T) {
		merged := base.Merge(&ConfigOverride{
			DustThreshold:   ptr(int64(546)),
			DefaultFeeRate:  ptr(int64(20)),
			Tick:            ptr("LTC"),
			AddressVersions: map[string]byte{VersionP2PKH: 0x30, VersionP2SH: 0x32},
		})

		require.Equal(t, int64(546), merged.DustThreshold)
		require.Equal(t, int64(20), merged.DefaultFeeRate)
		require.Equal(t, "LTC", merged.Tick)
		require.Equal(t, base.DenominationFactor, merged.DenominationFactor)
		require.Equal(t, byte(0x30), merged.AddressVersions[VersionP2PKH])
		require.Equal(t, byte(0x32), merged.AddressVersions[VersionP2SH])
		require.Equal(t, byte(1), merged.AddressVersions[VersionP2TR])

		// the base is never written through
		require.Equal(t, DefaultDustThreshold, base.DustThreshold)
		require.Equal(t, byte(0x05), base.AddressVersions[VersionP2SH])
	})

	t.Run("params override", func(t *testing.T) {
		merged := base.Merge(&ConfigOverride{Params: &chaincfg.RegressionNetParams})
		require.Equal(t, &chaincfg.RegressionNetParams, merged.Params)
	})
}

func TestChainConfigValidate(t *testing.T) {
	valid := DefaultChainConfig(&chaincfg.MainNetParams)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name     string
		override ConfigOverride
	}{
		{"zero dust", ConfigOverride{DustThreshold: ptr(int64(0))}},
		{"negative unit size", ConfigOverride{UnitSize: ptr(int64(-1))}},
		{"zero fee rate", ConfigOverride{DefaultFeeRate: ptr(int64(0))}},
		{"zero denomination", ConfigOverride{DenominationFactor: ptr(int64(0))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, valid.Merge(&tt.override).Validate())
		})
	}

	t.Run("missing params", func(t *testing.T) {
		require.ErrorIs(t, DefaultChainConfig(nil).Validate(), ErrMissingNetworkParams)
	})
}

func TestChainConfigDefaults(t *testing.T) {
	cfg := DefaultChainConfig(&chaincfg.MainNetParams)
	require.Equal(t, int64(9), cfg.FeeRateOrDefault(9))
	require.Equal(t, DefaultFeeRate, cfg.FeeRateOrDefault(0))
	require.Equal(t, DefaultDustThreshold, cfg.EffectiveUnitSize())

	cfg.UnitSize = 330
	require.Equal(t, int64(330), cfg.EffectiveUnitSize())
}
