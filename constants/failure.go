package constants

// FailureKind classifies why a pipeline stage did not succeed.
type FailureKind string

const (
	FailureValidation FailureKind = "validation" // bad or unsupported URL shape, never retried
	FailureTransient  FailureKind = "transient"  // timeout, rate limit, collaborator unavailable
	FailurePermanent  FailureKind = "permanent"  // collaborator says the resource cannot be processed
	FailureStall      FailureKind = "stall"      // no terminal signal within the stall timeout
	FailureSchema     FailureKind = "schema"     // analysis output unparseable or missing keys
	FailureStorage    FailureKind = "storage"    // report render/store, best-effort only
)

// Defaults for the retry policy.
const (
	DefaultMaxRetries          = 3
	DefaultMaxAnalysisAttempts = 3
)
