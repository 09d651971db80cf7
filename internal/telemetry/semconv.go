package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for relay telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	AttrEnvironment = attribute.Key("environment")

	// Bundle attributes
	AttrStage  = attribute.Key("stage")
	AttrStatus = attribute.Key("status")
	AttrResult = attribute.Key("result")

	// Oracle attributes
	AttrSymbol = attribute.Key("symbol")
	AttrSource = attribute.Key("source")

	// Institutional attributes
	AttrInstitution = attribute.Key("institution")
	AttrReason      = attribute.Key("reason")

	// Connection attributes
	AttrConnectionState = attribute.Key("connection.state")
)

// Result values
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultStale    = "stale"
	ResultError    = "error"
)

// BundleAttributes returns common attributes for bundle metrics.
func BundleAttributes(environment, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResult.String(result),
	}
}

// StageAttributes returns attributes for per-stage failures.
func StageAttributes(environment, stage, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStage.String(stage),
		AttrStatus.String(status),
	}
}

// OracleAttributes returns attributes for oracle metrics.
func OracleAttributes(environment, source, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
		AttrResult.String(result),
	}
}

// PolicyAttributes returns attributes for institutional rejections.
func PolicyAttributes(environment, institution, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrInstitution.String(institution),
		AttrReason.String(reason),
	}
}

// ConnectionAttributes returns attributes for stream connection state metrics.
func ConnectionAttributes(environment, source, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
		AttrConnectionState.String(state),
	}
}
