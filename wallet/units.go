package wallet

// UnitInscription places an inscription inside a SatoshiUnit. OutputOffset
// is relative to the whole UTXO, UnitOffset to the unit holding it.
type UnitInscription struct {
	ID           string `json:"id"`
	OutputOffset int64  `json:"output_offset"`
	UnitOffset   int64  `json:"unit_offset"`
}

// SatoshiUnit is a contiguous range of a UTXO's value. A unit without
// inscriptions is free to spend.
type SatoshiUnit struct {
	Value        int64             `json:"value"`
	Inscriptions []UnitInscription `json:"inscriptions"`
}

// IsFree reports whether the unit carries no inscription
func (u SatoshiUnit) IsFree() bool {
	return len(u.Inscriptions) == 0
}

// SplitUnits carves value into units so that every inscription sits in a
// unit of roughly unitSize satoshis and the rest of the value stays
// spendable. Inscriptions must be sorted by offset. A unitSize of zero or
// less means dust.
//
// The unit values always sum to value. Inscriptions that overlap already
// carved ranges, or that arrive when too little value is left to isolate
// them, are attached to the previous unit instead of opening a new one.
func SplitUnits(value int64, inscriptions []Inscription, dust, unitSize int64) []SatoshiUnit {
	if unitSize <= 0 {
		unitSize = dust
	}

	var (
		units []SatoshiUnit
		left  = value
		used  int64

		// an inscription was merged while still inside the unassigned
		// range, so the remainder must not become a free unit
		pending bool
	)

	for _, ins := range inscriptions {
		cur := ins.Offset - used

		if cur < 0 || cur >= left || left < unitSize {
			if len(units) == 0 {
				units = append(units, SatoshiUnit{
					Value: left,
					Inscriptions: []UnitInscription{{
						ID:           ins.ID,
						OutputOffset: ins.Offset,
						UnitOffset:   cur,
					}},
				})
				used += left
				left = 0
				continue
			}

			last := &units[len(units)-1]
			last.Inscriptions = append(last.Inscriptions, UnitInscription{
				ID:           ins.ID,
				OutputOffset: ins.Offset,
				UnitOffset:   last.Value + cur,
			})
			if cur >= 0 && cur < left {
				pending = true
			}
			continue
		}

		size := min(unitSize, left-cur)
		if left > 2*unitSize && cur >= unitSize {
			units = append(units,
				SatoshiUnit{Value: cur},
				SatoshiUnit{
					Value: size,
					Inscriptions: []UnitInscription{{
						ID:           ins.ID,
						OutputOffset: ins.Offset,
					}},
				},
			)
		} else {
			units = append(units, SatoshiUnit{
				Value: cur + size,
				Inscriptions: []UnitInscription{{
					ID:           ins.ID,
					OutputOffset: ins.Offset,
					UnitOffset:   cur,
				}},
			})
		}

		used += cur + size
		left -= cur + size
	}

	switch {
	case left <= 0:
	case len(units) == 0:
		units = append(units, SatoshiUnit{Value: left})
	case left > dust && !pending:
		units = append(units, SatoshiUnit{Value: left})
	default:
		units[len(units)-1].Value += left
	}

	return units
}

// InscribedUTXO is a UTXO together with its unit layout
type InscribedUTXO struct {
	UTXO
	Units []SatoshiUnit
}

// NewInscribedUTXO splits utxo using the dust threshold and unit size of cfg
func NewInscribedUTXO(utxo UTXO, cfg ChainConfig) InscribedUTXO {
	return InscribedUTXO{
		UTXO:  utxo,
		Units: SplitUnits(utxo.Value, SortInscriptions(utxo.Inscriptions), cfg.DustThreshold, cfg.EffectiveUnitSize()),
	}
}

// FreeValue is the total value of units that carry no inscription
func (u InscribedUTXO) FreeValue() int64 {
	var total int64
	for _, unit := range u.Units {
		if unit.IsFree() {
			total += unit.Value
		}
	}
	return total
}

// LastUnitFreeValue returns the value of the tail unit when it is free, and
// zero otherwise. Only the tail can be treated as immediately spendable.
func (u InscribedUTXO) LastUnitFreeValue() int64 {
	if len(u.Units) == 0 {
		return 0
	}
	last := u.Units[len(u.Units)-1]
	if !last.IsFree() {
		return 0
	}
	return last.Value
}

// UnitOf returns the index of the unit holding inscription id, or -1
func (u InscribedUTXO) UnitOf(id string) int {
	for i, unit := range u.Units {
		for _, ins := range unit.Inscriptions {
			if ins.ID == id {
				return i
			}
		}
	}
	return -1
}
