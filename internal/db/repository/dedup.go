package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"csv-ingest/internal/db"
	"csv-ingest/internal/domain"
)

var _ domain.DedupStore = (*DedupRepo)(nil)

// DefaultMaxAttempts is the retry budget per object generation.
const DefaultMaxAttempts = 10

// maxErrorLength caps stored failure causes.
const maxErrorLength = 2048

// DedupRepo stores processed-object state. Every transition is a single
// conditional statement, so concurrent coordinators sharing one database
// agree on who owns a key.
type DedupRepo struct {
	db          *sql.DB
	dialect     db.Dialect
	maxAttempts int
	now         func() time.Time
}

// NewDedupRepo creates a DedupRepo. maxAttempts <= 0 uses DefaultMaxAttempts.
func NewDedupRepo(conn *sql.DB, dialect db.Dialect, maxAttempts int) *DedupRepo {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &DedupRepo{db: conn, dialect: dialect, maxAttempts: maxAttempts, now: time.Now}
}

func (r *DedupRepo) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, rebind(r.dialect, query), args...)
	if err != nil {
		return 0, mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapDBError(err)
	}
	return n, nil
}

// Claim implements domain.DedupStore. A new key is inserted as CLAIMED; a
// RETRY row or a CLAIMED row whose lease has expired is taken over. Anything
// else is reported with the status matching its state.
func (r *DedupRepo) Claim(ctx context.Context, key domain.ProcessedKey, attemptID string, lease time.Duration) (*domain.ClaimResult, error) {
	now := r.now()
	nowMs, leaseMs := toMillis(now), toMillis(now.Add(lease))

	n, err := r.exec(ctx, `
		INSERT INTO processed_objects
			(state, attempt_id, attempts, bucket, object, generation, lease_expires_at, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bucket, object, generation) DO NOTHING`,
		string(domain.StateClaimed), attemptID, key.Bucket, key.Object, key.Generation, leaseMs, nowMs, nowMs)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// An expired CLAIMED row means the previous holder died mid-attempt;
		// that attempt counts against the budget.
		n, err = r.exec(ctx, `
			UPDATE processed_objects
			SET attempts = attempts + CASE WHEN state = ? THEN 1 ELSE 0 END,
			    state = ?, attempt_id = ?, lease_expires_at = ?, updated_at = ?
			WHERE bucket = ? AND object = ? AND generation = ?
			  AND (state = ? OR (state = ? AND lease_expires_at <= ?))`,
			string(domain.StateClaimed),
			string(domain.StateClaimed), attemptID, leaseMs, nowMs,
			key.Bucket, key.Object, key.Generation,
			string(domain.StateRetry), string(domain.StateClaimed), nowMs)
		if err != nil {
			return nil, err
		}
	}

	rec, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return &domain.ClaimResult{Status: domain.ClaimAcquired, Record: rec}, nil
	}
	return &domain.ClaimResult{Status: claimStatusFor(rec), Record: rec}, nil
}

func claimStatusFor(rec *domain.ProcessedObject) domain.ClaimStatus {
	switch rec.State {
	case domain.StateCommitted:
		return domain.ClaimDuplicate
	case domain.StateFailed:
		return domain.ClaimPermanentlyFailed
	default:
		// CLAIMED with a live lease, or a RETRY row another caller took over
		// between our statements.
		return domain.ClaimInFlight
	}
}

// Commit implements domain.DedupStore.
func (r *DedupRepo) Commit(ctx context.Context, key domain.ProcessedKey, attemptID string, job domain.JobHandle) error {
	n, err := r.exec(ctx, `
		UPDATE processed_objects
		SET state = ?, job_id = ?, job_name = ?, last_error = '', updated_at = ?
		WHERE bucket = ? AND object = ? AND generation = ? AND attempt_id = ? AND state = ?`,
		string(domain.StateCommitted), job.ID, job.Name, toMillis(r.now()),
		key.Bucket, key.Object, key.Generation, attemptID, string(domain.StateClaimed))
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConflict("claim on %s/%s#%d is no longer held by attempt %s",
			key.Bucket, key.Object, key.Generation, attemptID)
	}
	return nil
}

// Release implements domain.DedupStore.
func (r *DedupRepo) Release(ctx context.Context, key domain.ProcessedKey, attemptID, cause string) (domain.ProcessingState, error) {
	n, err := r.exec(ctx, `
		UPDATE processed_objects
		SET state = CASE WHEN attempts + 1 >= ? THEN ? ELSE ? END,
		    attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE bucket = ? AND object = ? AND generation = ? AND attempt_id = ? AND state = ?`,
		r.maxAttempts, string(domain.StateFailed), string(domain.StateRetry), truncate(cause), toMillis(r.now()),
		key.Bucket, key.Object, key.Generation, attemptID, string(domain.StateClaimed))
	if err != nil {
		return "", err
	}
	rec, err := r.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return rec.State, domain.ErrConflict("claim on %s/%s#%d is no longer held by attempt %s",
			key.Bucket, key.Object, key.Generation, attemptID)
	}
	return rec.State, nil
}

// MarkFailed implements domain.DedupStore.
func (r *DedupRepo) MarkFailed(ctx context.Context, key domain.ProcessedKey, attemptID, cause string) error {
	n, err := r.exec(ctx, `
		UPDATE processed_objects
		SET state = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE bucket = ? AND object = ? AND generation = ? AND attempt_id = ? AND state = ?`,
		string(domain.StateFailed), truncate(cause), toMillis(r.now()),
		key.Bucket, key.Object, key.Generation, attemptID, string(domain.StateClaimed))
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConflict("claim on %s/%s#%d is no longer held by attempt %s",
			key.Bucket, key.Object, key.Generation, attemptID)
	}
	return nil
}

// Get implements domain.DedupStore.
func (r *DedupRepo) Get(ctx context.Context, key domain.ProcessedKey) (*domain.ProcessedObject, error) {
	row := r.db.QueryRowContext(ctx, rebind(r.dialect, `
		SELECT bucket, object, generation, state, attempt_id, attempts, job_id, job_name,
		       last_error, lease_expires_at, created_at, updated_at
		FROM processed_objects WHERE bucket = ? AND object = ? AND generation = ?`),
		key.Bucket, key.Object, key.Generation)

	var (
		rec                       domain.ProcessedObject
		state                     string
		leaseMs, createdMs, updMs int64
	)
	err := row.Scan(&rec.Key.Bucket, &rec.Key.Object, &rec.Key.Generation, &state, &rec.AttemptID,
		&rec.Attempts, &rec.JobID, &rec.JobName, &rec.LastError, &leaseMs, &createdMs, &updMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("no dedup record for %s/%s#%d", key.Bucket, key.Object, key.Generation)
	}
	if err != nil {
		return nil, mapDBError(err)
	}
	rec.State = domain.ProcessingState(state)
	rec.LeaseExpiresAt = fromMillis(leaseMs)
	rec.CreatedAt = fromMillis(createdMs)
	rec.UpdatedAt = fromMillis(updMs)
	return &rec, nil
}

// Purge implements domain.DedupStore. Live claims are never purged.
func (r *DedupRepo) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.exec(ctx, `
		DELETE FROM processed_objects
		WHERE state IN (?, ?, ?) AND updated_at < ?`,
		string(domain.StateCommitted), string(domain.StateFailed), string(domain.StateRetry), toMillis(cutoff))
}

func truncate(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	return s[:maxErrorLength]
}
