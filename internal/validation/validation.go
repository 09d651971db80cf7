// Package validation performs structural checks on bundles before any
// pricing or policy is applied.
package validation

import (
	"fmt"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/bundle"
)

const op = "validation"

// Verifier accepts or rejects an attestation. Real cryptographic checks are
// delegated to the host.
type Verifier interface {
	Verify(att *bundle.Attestation) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(att *bundle.Attestation) error

// Verify calls f(att).
func (f VerifierFunc) Verify(att *bundle.Attestation) error { return f(att) }

// StructuralVerifier rejects attestations with an out-of-range version or a
// zero node id or bundle hash.
type StructuralVerifier struct{}

// Verify implements Verifier.
func (StructuralVerifier) Verify(att *bundle.Attestation) error {
	if att == nil {
		return fmt.Errorf("attestation missing")
	}
	if att.Version < 1 || att.Version > 10 {
		return fmt.Errorf("unsupported attestation version %d", att.Version)
	}
	if att.NodeID == ([32]byte{}) {
		return fmt.Errorf("attestation node id is zero")
	}
	if att.BundleHash == ([32]byte{}) {
		return fmt.Errorf("attestation bundle hash is zero")
	}
	return nil
}

// Validator checks bundle shape. It is immutable and safe for concurrent use.
type Validator struct {
	maxSize            int
	requireAttestation bool
	computeLimit       uint32
	verifier           Verifier
}

// Option configures a Validator.
type Option func(*Validator)

// WithVerifier replaces the default structural attestation verifier.
func WithVerifier(v Verifier) Option {
	return func(val *Validator) {
		if v != nil {
			val.verifier = v
		}
	}
}

// WithComputeLimit rejects transactions requesting more than limit compute
// units. Zero leaves compute budgets unchecked.
func WithComputeLimit(limit uint32) Option {
	return func(val *Validator) {
		val.computeLimit = limit
	}
}

// New constructs a validator for the given size bound.
func New(maxSize int, requireAttestation bool, opts ...Option) *Validator {
	v := &Validator{
		maxSize:            maxSize,
		requireAttestation: requireAttestation,
		verifier:           StructuralVerifier{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Validate returns nil iff the bundle is structurally sound. It stops at the
// first violation and never modifies the bundle.
func (v *Validator) Validate(b *bundle.Bundle) error {
	if b == nil {
		return errs.New(op, errs.CodeNullInput, errs.WithMessage("bundle is nil"))
	}
	n := b.Len()
	if n == 0 {
		return errs.New(op, errs.CodeEmptyBundle, errs.WithMessage("bundle has no transactions"))
	}
	if n > v.maxSize {
		return errs.New(op, errs.CodeOversizedBundle,
			errs.WithMessage(fmt.Sprintf("bundle has %d transactions, limit %d", n, v.maxSize)))
	}
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if !tx.HasSignature() {
			return errs.New(op, errs.CodeMissingSignature, errs.WithTxIndex(i),
				errs.WithMessage("transaction has no signature"))
		}
		if len(tx.Payload) == 0 {
			return errs.New(op, errs.CodeInvalidBundle, errs.WithTxIndex(i),
				errs.WithMessage("transaction payload is empty"))
		}
		if v.computeLimit > 0 && tx.ComputeLimit > v.computeLimit {
			return errs.New(op, errs.CodeInvalidBundle, errs.WithTxIndex(i),
				errs.WithMessage(fmt.Sprintf("compute limit %d exceeds %d", tx.ComputeLimit, v.computeLimit)))
		}
	}
	if v.requireAttestation {
		if b.Attestation == nil {
			return errs.New(op, errs.CodeInvalidAttestation, errs.WithMessage("attestation required"))
		}
		if err := v.verifier.Verify(b.Attestation); err != nil {
			return errs.New(op, errs.CodeInvalidAttestation,
				errs.WithMessage("attestation rejected"), errs.WithCause(err))
		}
	}
	return nil
}
