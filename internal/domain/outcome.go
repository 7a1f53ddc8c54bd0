package domain

// Outcome is the coordinator's answer to one delivery.
type Outcome int

// Outcomes.
const (
	// OutcomeAccepted means processed or intentionally skipped; acknowledge.
	OutcomeAccepted Outcome = iota
	// OutcomeRejectRetryable asks the delivery mechanism to redeliver.
	OutcomeRejectRetryable
	// OutcomeRejectFatal means the input is bad; redelivery will not help.
	OutcomeRejectFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejectRetryable:
		return "reject_retryable"
	case OutcomeRejectFatal:
		return "reject_fatal"
	}
	return "unknown"
}

// Reasons attached to coordinator results.
const (
	ReasonLaunched           = "launched"
	ReasonBucketMismatch     = "bucket_mismatch"
	ReasonPrefixMismatch     = "prefix_mismatch"
	ReasonNotFinalizeEvent   = "not_finalize_event"
	ReasonNotCSV             = "not_csv"
	ReasonDuplicate          = "duplicate"
	ReasonPermanentlyFailed  = "permanently_failed"
	ReasonInFlight           = "in_flight"
	ReasonInferenceFailed    = "inference_failed"
	ReasonProvisioningFailed = "provisioning_failed"
	ReasonSubmissionFailed   = "submission_failed"
	ReasonCommitFailed       = "commit_failed"
	ReasonDedupUnavailable   = "dedup_unavailable"
	ReasonAttemptsExhausted  = "attempts_exhausted"
)
