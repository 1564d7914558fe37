package handlers

// Metadata key constants attached to every dispatched call.
// These keys are reserved and should not be used for custom metadata.
const (
	// MetadataKeyCorrelationID ties a call to the jobs, events and audit
	// records it produces.
	MetadataKeyCorrelationID = "correlation_id"

	// MetadataKeyMethod is the "service.name" being called.
	MetadataKeyMethod = "method"

	// MetadataKeyAPIVersion is the API version the caller speaks.
	MetadataKeyAPIVersion = "api_version"

	// MetadataKeySessionID identifies the calling session.
	MetadataKeySessionID = "session_id"

	// MetadataKeyOrigin describes where the call came from.
	MetadataKeyOrigin = "origin"

	// MetadataKeyJobID is set for calls running as a job.
	MetadataKeyJobID = "job_id"

	// MetadataKeyTraceID stores distributed tracing ID.
	MetadataKeyTraceID = "trace_id"

	// MetadataKeySpanID stores distributed tracing span ID.
	MetadataKeySpanID = "span_id"
)
