// Package errs provides structured error types and helpers for Relay services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category surfaced by the bundle pipeline.
type Code string

const (
	// CodeNullInput indicates a required input was absent.
	CodeNullInput Code = "null_input"
	// CodeInvalidBundle indicates a structurally malformed bundle.
	CodeInvalidBundle Code = "invalid_bundle"
	// CodeProcessingFailed indicates an unexpected internal failure.
	CodeProcessingFailed Code = "processing_failed"
	// CodeInsufficientFee indicates the declared fee is below the requirement.
	CodeInsufficientFee Code = "insufficient_fee"
	// CodeInvalidState indicates lifecycle misuse.
	CodeInvalidState Code = "invalid_state"
	// CodeAllocationFailed indicates a caller supplied buffer was too small.
	CodeAllocationFailed Code = "allocation_failed"
	// CodeInvalidConfig indicates malformed or out-of-range configuration.
	CodeInvalidConfig Code = "invalid_config"
	// CodeEmptyBundle indicates a bundle without transactions.
	CodeEmptyBundle Code = "empty_bundle"
	// CodeOversizedBundle indicates a bundle above the configured size bound.
	CodeOversizedBundle Code = "oversized_bundle"
	// CodeMissingSignature indicates a transaction without a signature.
	CodeMissingSignature Code = "missing_signature"
	// CodeInvalidAttestation indicates a missing or rejected attestation.
	CodeInvalidAttestation Code = "invalid_attestation"

	// CodeOracleStalePrice indicates the best available quote is older than allowed.
	CodeOracleStalePrice Code = "oracle_stale_price"
	// CodeOracleInvalidAccount indicates the symbol has no usable price account.
	CodeOracleInvalidAccount Code = "oracle_invalid_account"
	// CodeOracleNetworkFailure indicates the price source could not be reached.
	CodeOracleNetworkFailure Code = "oracle_network_failure"
	// CodeOracleParseFailure indicates the price source returned undecodable data.
	CodeOracleParseFailure Code = "oracle_parse_failure"
	// CodeOracleCacheMiss indicates no quote is known for the symbol.
	CodeOracleCacheMiss Code = "oracle_cache_miss"
	// CodeOracleLowConfidence indicates the quote uncertainty exceeds the verification tier.
	CodeOracleLowConfidence Code = "oracle_low_confidence"
	// CodeOracleMissing indicates strict injection could not find a usable quote.
	CodeOracleMissing Code = "oracle_missing"

	// CodeRiskLimitExceeded indicates an institution would exceed its exposure cap.
	CodeRiskLimitExceeded Code = "risk_limit_exceeded"
	// CodeComplianceViolation indicates required compliance markers are absent.
	CodeComplianceViolation Code = "compliance_violation"
	// CodeJurisdictionViolation indicates the institution operates from a restricted jurisdiction.
	CodeJurisdictionViolation Code = "jurisdiction_violation"
	// CodeThrottled indicates the institution exceeded its bundle rate.
	CodeThrottled Code = "throttled"
)

// E captures structured error information produced across the Relay stack.
type E struct {
	Op          string
	Code        Code
	Message     string
	Remediation string
	Symbol      string
	TxIndex     int
	Metadata    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:          strings.TrimSpace(op),
		Code:        code,
		Message:     "",
		Remediation: "",
		Symbol:      "",
		TxIndex:     -1,
		Metadata:    nil,
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithSymbol records the price symbol involved in the failure.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithTxIndex records the position of the offending transaction.
func WithTxIndex(idx int) Option {
	return func(e *E) {
		e.TxIndex = idx
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.TxIndex >= 0 {
		parts = append(parts, "tx="+strconv.Itoa(e.TxIndex))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the outermost envelope in err's chain.
// Errors without an envelope report CodeProcessingFailed.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil && e.Code != "" {
		return e.Code
	}
	return CodeProcessingFailed
}

// Is reports whether err carries the provided code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
