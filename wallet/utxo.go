package wallet

import (
	"cmp"
	"slices"
)

// Inscription references an inscription bound to a satoshi offset inside a UTXO
type Inscription struct {
	ID     string `json:"id"`
	Offset int64  `json:"offset"`
}

// UTXO represents an unspent transaction output for transaction building
type UTXO struct {
	TxID         string
	Vout         int
	Value        int64
	Address      string
	AddressIndex uint32
	Chain        uint32
	ScriptPubKey []byte
	AddressType  string // determines the signing method

	// PubKey is the compressed public key of the owning address. Wrapped
	// segwit inputs need it for their redeem script.
	PubKey []byte

	// Inscriptions are sorted ascending by offset.
	Inscriptions []Inscription
}

// HasInscriptions reports whether the output carries any inscription
func (u UTXO) HasInscriptions() bool {
	return len(u.Inscriptions) > 0
}

// Recipient is one destination of a multi-recipient send
type Recipient struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
}

// splitByInscription partitions utxos into plain and inscription-bearing
// sets. Both keep the caller's order.
func splitByInscription(utxos []UTXO) (plain, inscribed []UTXO) {
	for _, u := range utxos {
		if u.HasInscriptions() {
			inscribed = append(inscribed, u)
		} else {
			plain = append(plain, u)
		}
	}
	return plain, inscribed
}

// SortInscriptions returns a copy of inscriptions ordered by offset
func SortInscriptions(inscriptions []Inscription) []Inscription {
	sorted := slices.Clone(inscriptions)
	slices.SortStableFunc(sorted, func(a, b Inscription) int {
		return cmp.Compare(a.Offset, b.Offset)
	})
	return sorted
}
