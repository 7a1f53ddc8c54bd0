package domain

import (
	"context"
	"time"
)

// ProcessedKey identifies one object generation for deduplication.
type ProcessedKey struct {
	Bucket     string
	Object     string
	Generation int64
}

// ProcessingState is the lifecycle state of a ProcessedObject.
type ProcessingState string

// Processing states.
const (
	StateClaimed   ProcessingState = "CLAIMED"
	StateRetry     ProcessingState = "RETRY"
	StateCommitted ProcessingState = "COMMITTED"
	StateFailed    ProcessingState = "FAILED"
)

// ProcessedObject is the dedup record for one object generation.
type ProcessedObject struct {
	Key            ProcessedKey
	State          ProcessingState
	AttemptID      string
	Attempts       int
	JobID          string
	JobName        string
	LastError      string
	LeaseExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ClaimStatus is the result of trying to claim a key.
type ClaimStatus string

// Claim statuses.
const (
	// ClaimAcquired means the caller now owns the key until the lease expires.
	ClaimAcquired ClaimStatus = "acquired"
	// ClaimDuplicate means a job was already launched for the key.
	ClaimDuplicate ClaimStatus = "duplicate"
	// ClaimPermanentlyFailed means an earlier attempt hit a fatal error.
	ClaimPermanentlyFailed ClaimStatus = "permanently_failed"
	// ClaimInFlight means another attempt holds a live lease.
	ClaimInFlight ClaimStatus = "in_flight"
)

// ClaimResult reports the claim status and the record as it stands.
type ClaimResult struct {
	Status ClaimStatus
	Record *ProcessedObject
}

// DedupStore is the idempotency store for processed notifications. Claim is
// an atomic check-and-set: for a given key at most one caller holds a live
// claim at any time.
type DedupStore interface {
	Claim(ctx context.Context, key ProcessedKey, attemptID string, lease time.Duration) (*ClaimResult, error)
	// Commit records the key as processed. It only succeeds for the attempt
	// that holds the claim.
	Commit(ctx context.Context, key ProcessedKey, attemptID string, job JobHandle) error
	// Release gives up a claim after a retryable failure. It returns the new
	// state, which is StateFailed once the attempt budget is spent.
	Release(ctx context.Context, key ProcessedKey, attemptID, cause string) (ProcessingState, error)
	// MarkFailed records a permanent failure so redeliveries short-circuit.
	MarkFailed(ctx context.Context, key ProcessedKey, attemptID, cause string) error
	Get(ctx context.Context, key ProcessedKey) (*ProcessedObject, error)
	// Purge deletes COMMITTED, FAILED and RETRY records last updated before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}
