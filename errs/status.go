package errs

// Status is the stable integer contract returned by host entry points.
// Zero is success; core failures occupy -1..-99, oracle failures -100..-199
// and institutional failures -200..-299.
type Status int32

const (
	StatusSuccess Status = 0

	StatusNullInput          Status = -1
	StatusInvalidBundle      Status = -2
	StatusProcessingFailed   Status = -3
	StatusInsufficientFee    Status = -4
	StatusInvalidState       Status = -5
	StatusAllocationFailed   Status = -6
	StatusInvalidConfig      Status = -7
	StatusEmptyBundle        Status = -8
	StatusOversizedBundle    Status = -9
	StatusMissingSignature   Status = -10
	StatusInvalidAttestation Status = -11

	StatusOracleStalePrice     Status = -100
	StatusOracleInvalidAccount Status = -101
	StatusOracleNetworkFailure Status = -102
	StatusOracleParseFailure   Status = -103
	StatusOracleCacheMiss      Status = -104
	StatusOracleLowConfidence  Status = -105
	StatusOracleMissing        Status = -106

	StatusRiskLimitExceeded     Status = -200
	StatusComplianceViolation   Status = -201
	StatusJurisdictionViolation Status = -202
	StatusThrottled             Status = -203
)

// Class groups codes by how callers are expected to react.
type Class string

const (
	// ClassStructural covers malformed bundles or configuration; fatal for the call.
	ClassStructural Class = "structural"
	// ClassResource covers oracle availability failures; retryable with backoff.
	ClassResource Class = "resource"
	// ClassPolicy covers fee, compliance and risk decisions.
	ClassPolicy Class = "policy"
	// ClassState covers lifecycle misuse by the caller.
	ClassState Class = "state"
)

type codeInfo struct {
	status Status
	class  Class
}

var codeTable = map[Code]codeInfo{
	CodeNullInput:          {StatusNullInput, ClassStructural},
	CodeInvalidBundle:      {StatusInvalidBundle, ClassStructural},
	CodeProcessingFailed:   {StatusProcessingFailed, ClassStructural},
	CodeInsufficientFee:    {StatusInsufficientFee, ClassPolicy},
	CodeInvalidState:       {StatusInvalidState, ClassState},
	CodeAllocationFailed:   {StatusAllocationFailed, ClassStructural},
	CodeInvalidConfig:      {StatusInvalidConfig, ClassStructural},
	CodeEmptyBundle:        {StatusEmptyBundle, ClassStructural},
	CodeOversizedBundle:    {StatusOversizedBundle, ClassStructural},
	CodeMissingSignature:   {StatusMissingSignature, ClassStructural},
	CodeInvalidAttestation: {StatusInvalidAttestation, ClassStructural},

	CodeOracleStalePrice:     {StatusOracleStalePrice, ClassResource},
	CodeOracleInvalidAccount: {StatusOracleInvalidAccount, ClassResource},
	CodeOracleNetworkFailure: {StatusOracleNetworkFailure, ClassResource},
	CodeOracleParseFailure:   {StatusOracleParseFailure, ClassResource},
	CodeOracleCacheMiss:      {StatusOracleCacheMiss, ClassResource},
	CodeOracleLowConfidence:  {StatusOracleLowConfidence, ClassResource},
	CodeOracleMissing:        {StatusOracleMissing, ClassPolicy},

	CodeRiskLimitExceeded:     {StatusRiskLimitExceeded, ClassPolicy},
	CodeComplianceViolation:   {StatusComplianceViolation, ClassPolicy},
	CodeJurisdictionViolation: {StatusJurisdictionViolation, ClassPolicy},
	CodeThrottled:             {StatusThrottled, ClassPolicy},
}

// Status maps the code onto the stable integer contract.
func (c Code) Status() Status {
	if info, ok := codeTable[c]; ok {
		return info.status
	}
	return StatusProcessingFailed
}

// Class reports the taxonomy bucket for the code.
func (c Code) Class() Class {
	if info, ok := codeTable[c]; ok {
		return info.class
	}
	return ClassStructural
}

// StatusOf converts an error into its stable status. A nil error is success.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	return CodeOf(err).Status()
}

// Int returns the status as a plain int for host bindings.
func (s Status) Int() int { return int(s) }

// IsOracle reports whether the status lies in the oracle range.
func (s Status) IsOracle() bool { return s <= -100 && s > -200 }

// IsInstitutional reports whether the status lies in the institutional range.
func (s Status) IsInstitutional() bool { return s <= -200 && s > -300 }
