package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func unitSum(units []SatoshiUnit) int64 {
	var total int64
	for _, u := range units {
		total += u.Value
	}
	return total
}

// requireOffsets checks every placement against the values of the units before it
func requireOffsets(t *testing.T, units []SatoshiUnit) {
	t.Helper()
	var before int64
	for _, u := range units {
		for _, ins := range u.Inscriptions {
			require.Equal(t, ins.OutputOffset, ins.UnitOffset+before, "inscription %s", ins.ID)
			require.GreaterOrEqual(t, ins.UnitOffset, int64(0), "inscription %s", ins.ID)
			require.Less(t, ins.UnitOffset, u.Value, "inscription %s", ins.ID)
		}
		before += u.Value
	}
}

func TestSplitUnits(t *testing.T) {
	tests := []struct {
		name         string
		value        int64
		inscriptions []Inscription
		dust         int64
		unitSize     int64
		want         []SatoshiUnit
	}{
		{
			name:  "no inscriptions",
			value: 10_000,
			dust:  1000, unitSize: 1000,
			want: []SatoshiUnit{{Value: 10_000}},
		},
		{
			name:         "inscription inside the first unit",
			value:        10_000,
			inscriptions: []Inscription{{ID: "a", Offset: 500}},
			dust:         1000, unitSize: 1000,
			want: []SatoshiUnit{
				{Value: 1500, Inscriptions: []UnitInscription{{ID: "a", OutputOffset: 500, UnitOffset: 500}}},
				{Value: 8500},
			},
		},
		{
			name:         "inscription past one unit is isolated",
			value:        10_000,
			inscriptions: []Inscription{{ID: "a", Offset: 1500}},
			dust:         1000, unitSize: 1000,
			want: []SatoshiUnit{
				{Value: 1500},
				{Value: 1000, Inscriptions: []UnitInscription{{ID: "a", OutputOffset: 1500, UnitOffset: 0}}},
				{Value: 7500},
			},
		},
		{
			name:         "inscription at offset zero",
			value:        10_000,
			inscriptions: []Inscription{{ID: "a", Offset: 0}},
			dust:         1000, unitSize: 1000,
			want: []SatoshiUnit{
				{Value: 1000, Inscriptions: []UnitInscription{{ID: "a", OutputOffset: 0, UnitOffset: 0}}},
				{Value: 9000},
			},
		},
		{
			name:         "second inscription overlaps the first unit",
			value:        10_000,
			inscriptions: []Inscription{{ID: "a", Offset: 500}, {ID: "b", Offset: 1200}},
			dust:         1000, unitSize: 1000,
			want: []SatoshiUnit{
				{Value: 1500, Inscriptions: []UnitInscription{
					{ID: "a", OutputOffset: 500, UnitOffset: 500},
					{ID: "b", OutputOffset: 1200, UnitOffset: 1200},
				}},
				{Value: 8500},
			},
		},
		{
			name:         "two isolated inscriptions",
			value:        10_000,
			inscriptions: []Inscription{{ID: "a", Offset: 2000}, {ID: "b", Offset: 6000}},
			dust:         1000, unitSize: 1000,
			want: []SatoshiUnit{
				{Value: 2000},
				{Value: 1000, Inscriptions: []UnitInscription{{ID: "a", OutputOffset: 2000, UnitOffset: 0}}},
				{Value: 3000},
				{Value: 1000, Inscriptions: []UnitInscription{{ID: "b", OutputOffset: 6000, UnitOffset: 0}}},
				{Value: 3000},
			},
		},
		{
			name:         "dust remainder folds into the last unit",
			value:        1800,
			inscriptions: []Inscription{{ID: "a", Offset: 100}},
			dust:         1000, unitSize: 1000,
			want: []SatoshiUnit{
				{Value: 1800, Inscriptions: []UnitInscription{{ID: "a", OutputOffset: 100, UnitOffset: 100}}},
			},
		},
		{
			name:         "tiny utxo holds its inscription whole",
			value:        600,
			inscriptions: []Inscription{{ID: "a", Offset: 100}},
			dust:         1000, unitSize: 1000,
			want: []SatoshiUnit{
				{Value: 600, Inscriptions: []UnitInscription{{ID: "a", OutputOffset: 100, UnitOffset: 100}}},
			},
		},
		{
			name:  "tiny utxo without inscriptions",
			value: 600,
			dust:  1000, unitSize: 1000,
			want: []SatoshiUnit{{Value: 600}},
		},
		{
			name:         "unit size defaults to dust",
			value:        10_000,
			inscriptions: []Inscription{{ID: "a", Offset: 3000}},
			dust:         546,
			want: []SatoshiUnit{
				{Value: 3000},
				{Value: 546, Inscriptions: []UnitInscription{{ID: "a", OutputOffset: 3000, UnitOffset: 0}}},
				{Value: 6454},
			},
		},
		{
			name:         "inscription near the end is clamped to the value",
			value:        10_000,
			inscriptions: []Inscription{{ID: "a", Offset: 9500}},
			dust:         1000, unitSize: 1000,
			want: []SatoshiUnit{
				{Value: 9500},
				{Value: 500, Inscriptions: []UnitInscription{{ID: "a", OutputOffset: 9500, UnitOffset: 0}}},
			},
		},
		{
			name:         "merged inscription keeps the remainder",
			value:        5000,
			inscriptions: []Inscription{{ID: "a", Offset: 2100}, {ID: "b", Offset: 4500}},
			dust:         500, unitSize: 2000,
			want: []SatoshiUnit{
				{Value: 2100},
				{Value: 2900, Inscriptions: []UnitInscription{
					{ID: "a", OutputOffset: 2100, UnitOffset: 0},
					{ID: "b", OutputOffset: 4500, UnitOffset: 2400},
				}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units := SplitUnits(tt.value, tt.inscriptions, tt.dust, tt.unitSize)
			require.Equal(t, tt.want, units)
			require.Equal(t, tt.value, unitSum(units))
			requireOffsets(t, units)
		})
	}
}

func TestSplitUnitsConservation(t *testing.T) {
	values := []int64{1, 546, 999, 1000, 1001, 2001, 5000, 10_000, 123_457}
	offsets := [][]int64{nil, {0}, {1}, {999}, {0, 1}, {100, 2500}, {1000, 3000, 3001}, {4999}}

	for _, value := range values {
		for _, set := range offsets {
			var inscriptions []Inscription
			for i, off := range set {
				if off < value {
					inscriptions = append(inscriptions, Inscription{ID: string(rune('a' + i)), Offset: off})
				}
			}

			units := SplitUnits(value, inscriptions, 1000, 1000)
			require.Equal(t, value, unitSum(units), "value %d offsets %v", value, set)
			requireOffsets(t, units)

			// every inscription is placed exactly once
			placed := 0
			for _, u := range units {
				placed += len(u.Inscriptions)
			}
			require.Equal(t, len(inscriptions), placed)

			// no isolated dust free unit at the tail unless it is the only unit
			if n := len(units); n > 1 && units[n-1].IsFree() {
				require.Greater(t, units[n-1].Value, int64(1000))
			}
		}
	}
}

func TestInscribedUTXO(t *testing.T) {
	cfg := DefaultChainConfig(&chaincfg.MainNetParams)

	t.Run("free and tail values", func(t *testing.T) {
		u := NewInscribedUTXO(UTXO{
			Value: 10_000,
			// out of order on purpose
			Inscriptions: []Inscription{{ID: "b", Offset: 6000}, {ID: "a", Offset: 2000}},
		}, cfg)

		require.True(t, u.HasInscriptions())
		require.Equal(t, int64(8000), u.FreeValue())
		require.Equal(t, int64(3000), u.LastUnitFreeValue())
		require.Equal(t, 1, u.UnitOf("a"))
		require.Equal(t, 3, u.UnitOf("b"))
		require.Equal(t, -1, u.UnitOf("missing"))
	})

	t.Run("inscription in the tail", func(t *testing.T) {
		u := NewInscribedUTXO(UTXO{Value: 1800, Inscriptions: []Inscription{{ID: "a", Offset: 100}}}, cfg)
		require.Equal(t, int64(0), u.FreeValue())
		require.Equal(t, int64(0), u.LastUnitFreeValue())
	})

	t.Run("plain utxo", func(t *testing.T) {
		u := NewInscribedUTXO(UTXO{Value: 5000}, cfg)
		require.False(t, u.HasInscriptions())
		require.Equal(t, int64(5000), u.FreeValue())
		require.Equal(t, int64(5000), u.LastUnitFreeValue())
	})

	t.Run("configured unit size", func(t *testing.T) {
		sized := cfg.Merge(&ConfigOverride{UnitSize: ptr(int64(2000))})
		u := NewInscribedUTXO(UTXO{Value: 10_000, Inscriptions: []Inscription{{ID: "a", Offset: 3000}}}, sized)
		require.Equal(t, []SatoshiUnit{
			{Value: 3000},
			{Value: 2000, Inscriptions: []UnitInscription{{ID: "a", OutputOffset: 3000}}},
			{Value: 5000},
		}, u.Units)
	})
}

func ptr[T any](v T) *T {
	return &v
}
