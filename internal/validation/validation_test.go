package validation

import (
	"errors"
	"testing"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/bundle"
)

func validTx() bundle.Transaction {
	return bundle.Transaction{
		Signatures:   [][]byte{{0x01, 0x02}},
		Payload:      []byte{0xaa},
		ComputeLimit: 200_000,
	}
}

func validAttestation() *bundle.Attestation {
	att := &bundle.Attestation{Version: 1}
	att.NodeID[0] = 1
	att.BundleHash[0] = 2
	return att
}

func TestValidateAccepts(t *testing.T) {
	v := New(3, false)
	b := &bundle.Bundle{Transactions: []bundle.Transaction{validTx(), validTx(), validTx()}}
	if err := v.Validate(b); err != nil {
		t.Fatalf("expected valid bundle, got %v", err)
	}
}

func TestValidateCodes(t *testing.T) {
	noSig := validTx()
	noSig.Signatures = nil
	emptySig := validTx()
	emptySig.Signatures = [][]byte{{}}
	noPayload := validTx()
	noPayload.Payload = nil
	cases := []struct {
		name  string
		b     *bundle.Bundle
		code  errs.Code
		index int
	}{
		{"nil", nil, errs.CodeNullInput, -1},
		{"empty", &bundle.Bundle{}, errs.CodeEmptyBundle, -1},
		{"oversized", &bundle.Bundle{Transactions: []bundle.Transaction{validTx(), validTx(), validTx(), validTx()}}, errs.CodeOversizedBundle, -1},
		{"no signature", &bundle.Bundle{Transactions: []bundle.Transaction{validTx(), noSig}}, errs.CodeMissingSignature, 1},
		{"empty signature", &bundle.Bundle{Transactions: []bundle.Transaction{emptySig}}, errs.CodeMissingSignature, 0},
		{"no payload", &bundle.Bundle{Transactions: []bundle.Transaction{noPayload}}, errs.CodeInvalidBundle, 0},
	}
	v := New(3, false)
	for _, tc := range cases {
		err := v.Validate(tc.b)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if errs.CodeOf(err) != tc.code {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.code, errs.CodeOf(err))
		}
		var e *errs.E
		if errors.As(err, &e) && e.TxIndex != tc.index {
			t.Errorf("%s: expected tx index %d, got %d", tc.name, tc.index, e.TxIndex)
		}
	}
}

func TestValidateIgnoresComputeBudgetByDefault(t *testing.T) {
	heavy := validTx()
	heavy.ComputeLimit = 2_000_000
	b := &bundle.Bundle{Transactions: []bundle.Transaction{heavy}}
	if err := New(10, false).Validate(b); err != nil {
		t.Fatalf("signed bundle with a payload must validate, got %v", err)
	}
}

func TestValidateComputeLimitOption(t *testing.T) {
	heavy := validTx()
	heavy.ComputeLimit = 1_400_001
	b := &bundle.Bundle{Transactions: []bundle.Transaction{validTx(), validTx(), heavy}}
	err := New(3, false, WithComputeLimit(1_400_000)).Validate(b)
	if errs.CodeOf(err) != errs.CodeInvalidBundle {
		t.Fatalf("expected invalid bundle, got %v", err)
	}
	var e *errs.E
	if !errors.As(err, &e) || e.TxIndex != 2 {
		t.Fatalf("expected tx index 2, got %v", err)
	}

	heavy.ComputeLimit = 1_400_000
	b.Transactions[2] = heavy
	if err := New(3, false, WithComputeLimit(1_400_000)).Validate(b); err != nil {
		t.Fatalf("limit is inclusive, got %v", err)
	}
}

func TestValidateFailsFast(t *testing.T) {
	noSig := validTx()
	noSig.Signatures = nil
	noPayload := validTx()
	noPayload.Payload = nil

	b := &bundle.Bundle{Transactions: []bundle.Transaction{noPayload, noSig}}
	err := New(10, false).Validate(b)
	if errs.CodeOf(err) != errs.CodeInvalidBundle {
		t.Fatalf("expected first violation to win, got %v", err)
	}
}

func TestValidateAttestation(t *testing.T) {
	v := New(5, true)

	b := &bundle.Bundle{Transactions: []bundle.Transaction{validTx()}}
	if errs.CodeOf(v.Validate(b)) != errs.CodeInvalidAttestation {
		t.Fatal("expected missing attestation to fail")
	}

	b.Attestation = validAttestation()
	if err := v.Validate(b); err != nil {
		t.Fatalf("expected attestation accepted, got %v", err)
	}

	b.Attestation.Version = 11
	if errs.CodeOf(v.Validate(b)) != errs.CodeInvalidAttestation {
		t.Fatal("expected bad version to fail")
	}

	b.Attestation = validAttestation()
	b.Attestation.NodeID = [32]byte{}
	if errs.CodeOf(v.Validate(b)) != errs.CodeInvalidAttestation {
		t.Fatal("expected zero node id to fail")
	}

	lenient := New(5, false)
	if err := lenient.Validate(b); err != nil {
		t.Fatalf("attestation must be ignored when not required, got %v", err)
	}
}

func TestValidateCustomVerifier(t *testing.T) {
	reject := VerifierFunc(func(*bundle.Attestation) error { return errors.New("untrusted enclave") })
	v := New(5, true, WithVerifier(reject))
	b := &bundle.Bundle{Transactions: []bundle.Transaction{validTx()}, Attestation: validAttestation()}
	err := v.Validate(b)
	if errs.CodeOf(err) != errs.CodeInvalidAttestation {
		t.Fatalf("expected invalid attestation, got %v", err)
	}
	if errs.StatusOf(err) != -11 {
		t.Fatalf("expected status -11, got %d", errs.StatusOf(err))
	}
}

func TestValidateDoesNotMutate(t *testing.T) {
	b := &bundle.Bundle{Transactions: []bundle.Transaction{validTx(), validTx()}}
	b.Transactions[0].PriorityFee = 7
	_ = New(1, false).Validate(b)
	if b.Len() != 2 || b.Transactions[0].PriorityFee != 7 {
		t.Fatal("validation must not repair or trim bundles")
	}
}
