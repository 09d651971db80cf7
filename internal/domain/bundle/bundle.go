// Package bundle defines the transaction bundle model shared by every
// processing stage.
package bundle

import (
	"github.com/shopspring/decimal"
)

// Bundle is an ordered group of transactions submitted for atomic inclusion.
// The pipeline mutates a bundle in place for the duration of one call.
type Bundle struct {
	Transactions []Transaction `json:"transactions"`
	DeclaredFee  uint64        `json:"declared_fee"`
	Attestation  *Attestation  `json:"attestation,omitempty"`
	Metadata     Metadata      `json:"metadata"`
}

// Metadata carries block-assembly context attached by the host.
type Metadata struct {
	Slot      uint64 `json:"slot"`
	Timestamp int64  `json:"timestamp"`
	Leader    string `json:"leader,omitempty"`
	Tip       uint64 `json:"tip"`
}

// Transaction is a single pending transaction inside a bundle.
type Transaction struct {
	Signatures    [][]byte          `json:"signatures"`
	Payload       []byte            `json:"payload"`
	PriorityFee   uint64            `json:"priority_fee"`
	ComputeLimit  uint32            `json:"compute_limit"`
	Markers       []InjectionMarker `json:"markers,omitempty"`
	InstitutionID string            `json:"institution_id,omitempty"`
	Notional      decimal.Decimal   `json:"notional"`
}

// InjectionMarker requests the current price for Symbol to be written into Slot.
type InjectionMarker struct {
	Symbol string `json:"symbol"`
	Slot   []byte `json:"slot,omitempty"`
}

// Attestation is an opaque trusted-execution report attached to a bundle.
type Attestation struct {
	Version    uint32   `json:"version"`
	NodeID     [32]byte `json:"node_id"`
	BundleHash [32]byte `json:"bundle_hash"`
	Timestamp  int64    `json:"timestamp"`
	Signature  [64]byte `json:"signature"`
	Report     []byte   `json:"report,omitempty"`
}

// Len returns the transaction count.
func (b *Bundle) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Transactions)
}

// TotalPriorityFee sums priority fees across all transactions.
func (b *Bundle) TotalPriorityFee() uint64 {
	if b == nil {
		return 0
	}
	var total uint64
	for i := range b.Transactions {
		total = saturatingAdd(total, b.Transactions[i].PriorityFee)
	}
	return total
}

// TotalComputeLimit sums compute limits across all transactions.
func (b *Bundle) TotalComputeLimit() uint64 {
	if b == nil {
		return 0
	}
	var total uint64
	for i := range b.Transactions {
		total = saturatingAdd(total, uint64(b.Transactions[i].ComputeLimit))
	}
	return total
}

// MarkerCount returns the number of injection markers in the bundle.
func (b *Bundle) MarkerCount() int {
	if b == nil {
		return 0
	}
	n := 0
	for i := range b.Transactions {
		n += len(b.Transactions[i].Markers)
	}
	return n
}

// Symbols lists the distinct marker symbols in first-seen order.
func (b *Bundle) Symbols() []string {
	if b == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for i := range b.Transactions {
		for _, m := range b.Transactions[i].Markers {
			if m.Symbol == "" {
				continue
			}
			if _, ok := seen[m.Symbol]; ok {
				continue
			}
			seen[m.Symbol] = struct{}{}
			out = append(out, m.Symbol)
		}
	}
	return out
}

// Remove drops the transactions at the given indexes, keeping the order of
// the rest. Out-of-range indexes are ignored.
func (b *Bundle) Remove(indexes ...int) {
	if b == nil || len(indexes) == 0 {
		return
	}
	drop := make(map[int]struct{}, len(indexes))
	for _, idx := range indexes {
		drop[idx] = struct{}{}
	}
	kept := b.Transactions[:0]
	for i := range b.Transactions {
		if _, ok := drop[i]; ok {
			continue
		}
		kept = append(kept, b.Transactions[i])
	}
	for i := len(kept); i < len(b.Transactions); i++ {
		b.Transactions[i] = Transaction{}
	}
	b.Transactions = kept
}

// HasSignature reports whether at least one non-empty signature is present.
func (t *Transaction) HasSignature() bool {
	for _, sig := range t.Signatures {
		if len(sig) > 0 {
			return true
		}
	}
	return false
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}
