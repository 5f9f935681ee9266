package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/reefworks/reefworks/internal/common/reeferrors"
	"github.com/reefworks/reefworks/internal/jobs"
)

// PostgresJobRepository is the production job store. Multiple coordinator
// instances may share it; correctness of the assignment protocol rests on
// the conditional updates here, not on in-process locking.
type PostgresJobRepository struct {
	db    *pgxpool.Pool
	clock clock.Clock
}

func NewPostgresJobRepository(db *pgxpool.Pool) *PostgresJobRepository {
	return &PostgresJobRepository{db: db, clock: clock.RealClock{}}
}

func (r *PostgresJobRepository) Setup(ctx context.Context) error {
	setupStmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			user_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			hash TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_hash_status ON jobs (hash, status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs (id),
			seq INTEGER NOT NULL,
			worker_id TEXT NOT NULL,
			storage_scheme TEXT NOT NULL,
			storage_uri TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			UNIQUE (job_id, seq))`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_job ON assignments (job_id)`,
		`CREATE TABLE IF NOT EXISTS results (
			assignment_id TEXT PRIMARY KEY REFERENCES assignments (id),
			job_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT,
			created_at BIGINT NOT NULL)`,
	}
	for _, stmt := range setupStmts {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "executing setup statement")
		}
	}
	return nil
}

func (r *PostgresJobRepository) CreateJob(ctx context.Context, job *jobs.Job) error {
	now := r.clock.Now()
	job.CreatedAt = now.UTC()
	job.UpdatedAt = now.UTC()
	_, err := r.db.Exec(ctx,
		`INSERT INTO jobs (id, type, user_id, payload, hash, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.Id, string(job.Type), job.UserId, string(job.Payload), job.Hash,
		string(job.Status), toMicros(now), toMicros(now))
	return errors.Wrap(err, "inserting job")
}

func (r *PostgresJobRepository) GetJob(ctx context.Context, jobId string) (*jobs.Job, error) {
	job, err := r.queryJob(ctx, `SELECT id, type, user_id, payload, hash, status, created_at, updated_at
		FROM jobs WHERE id = $1`, jobId)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &reeferrors.ErrNotFound{Type: "job", Value: jobId}
	}
	if err := r.attachLatestAssignment(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *PostgresJobRepository) FindActiveByHash(ctx context.Context, hash string) (*jobs.Job, error) {
	return r.queryJob(ctx, `SELECT id, type, user_id, payload, hash, status, created_at, updated_at
		FROM jobs WHERE hash = $1 AND status IN ('PENDING', 'IN_PROGRESS')
		ORDER BY created_at DESC LIMIT 1`, hash)
}

func (r *PostgresJobRepository) ListPending(ctx context.Context, types []jobs.JobType, limit int) ([]*jobs.Job, error) {
	query := `SELECT id, type, user_id, payload, hash, status, created_at, updated_at
		FROM jobs WHERE status = 'PENDING'`
	args := []interface{}{}
	if len(types) > 0 {
		typeNames := make([]string, len(types))
		for i, t := range types {
			typeNames[i] = string(t)
		}
		args = append(args, typeNames)
		query += fmt.Sprintf(` AND type = ANY($%d)`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing pending jobs")
	}
	defer rows.Close()

	var pending []*jobs.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, job)
	}
	return pending, errors.Wrap(rows.Err(), "listing pending jobs")
}

func (r *PostgresJobRepository) AssignJob(ctx context.Context, jobId string, workerId string, leaseDuration time.Duration, locate StorageLocator) (*jobs.Assignment, error) {
	now := r.clock.Now()
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "beginning assign transaction")
	}
	defer tx.Rollback(ctx)

	// The sole concurrency-control point: one conditional update on status.
	// A concurrent claim blocks on the row lock and re-evaluates the
	// predicate, so exactly one caller sees a changed row.
	tag, err := tx.Exec(ctx,
		`UPDATE jobs SET status = 'IN_PROGRESS', updated_at = $1
		 WHERE id = $2
		   AND (status = 'PENDING'
		     OR (status = 'IN_PROGRESS' AND NOT EXISTS (
		           SELECT 1 FROM assignments a
		           WHERE a.job_id = jobs.id AND a.expires_at > $3
		             AND NOT EXISTS (SELECT 1 FROM results res WHERE res.assignment_id = a.id))))`,
		toMicros(now), jobId, toMicros(now))
	if err != nil {
		return nil, errors.Wrap(err, "claiming job")
	}
	if tag.RowsAffected() == 0 {
		return nil, r.diagnoseClaimFailure(ctx, tx, jobId)
	}

	var seq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM assignments WHERE job_id = $1`, jobId).Scan(&seq); err != nil {
		return nil, errors.Wrap(err, "allocating assignment sequence")
	}

	scheme, uri := locate(jobId, seq)
	assignment := &jobs.Assignment{
		Id:            uuid.NewString(),
		JobId:         jobId,
		Seq:           seq,
		WorkerId:      workerId,
		StorageScheme: scheme,
		StorageUri:    uri,
		CreatedAt:     now.UTC(),
		ExpiresAt:     now.Add(leaseDuration).UTC(),
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO assignments (id, job_id, seq, worker_id, storage_scheme, storage_uri, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		assignment.Id, assignment.JobId, assignment.Seq, assignment.WorkerId,
		assignment.StorageScheme, assignment.StorageUri,
		toMicros(assignment.CreatedAt), toMicros(assignment.ExpiresAt))
	if err != nil {
		return nil, errors.Wrap(err, "inserting assignment")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "committing assignment")
	}
	return assignment, nil
}

func (r *PostgresJobRepository) diagnoseClaimFailure(ctx context.Context, tx pgx.Tx, jobId string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobId).Scan(&status)
	if err == pgx.ErrNoRows {
		return &reeferrors.ErrNotFound{Type: "job", Value: jobId}
	}
	if err != nil {
		return errors.Wrap(err, "diagnosing claim failure")
	}
	if state, _ := jobs.ParseState(status); state.IsTerminal() {
		return &reeferrors.ErrJobTerminal{JobId: jobId, Status: status}
	}
	return &reeferrors.ErrAlreadyAssigned{JobId: jobId}
}

func (r *PostgresJobRepository) RenewLease(ctx context.Context, assignmentId string, leaseDuration time.Duration) (time.Time, error) {
	now := r.clock.Now()
	expiry := now.Add(leaseDuration).UTC()
	tag, err := r.db.Exec(ctx,
		`UPDATE assignments SET expires_at = $1
		 WHERE id = $2
		   AND seq = (SELECT MAX(a2.seq) FROM assignments a2 WHERE a2.job_id = assignments.job_id)
		   AND NOT EXISTS (SELECT 1 FROM results res WHERE res.assignment_id = assignments.id)
		   AND EXISTS (SELECT 1 FROM jobs j WHERE j.id = assignments.job_id AND j.status = 'IN_PROGRESS')`,
		toMicros(expiry), assignmentId)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "renewing lease")
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := r.db.QueryRow(ctx, `SELECT 1 FROM assignments WHERE id = $1`, assignmentId).Scan(&exists)
		if err == pgx.ErrNoRows {
			return time.Time{}, &reeferrors.ErrNotFound{Type: "assignment", Value: assignmentId}
		}
		if err != nil {
			return time.Time{}, errors.Wrap(err, "renewing lease")
		}
		return time.Time{}, &reeferrors.ErrStaleLease{AssignmentId: assignmentId}
	}
	return expiry, nil
}

func (r *PostgresJobRepository) SubmitResult(ctx context.Context, assignmentId string, status jobs.State, payload []byte) (bool, error) {
	if !status.IsTerminal() || status == jobs.TimedOut {
		return false, &reeferrors.ErrInvalidPayload{Message: "result status must be SUCCEEDED, FAILED or CANCELLED"}
	}

	now := r.clock.Now()
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(err, "beginning result transaction")
	}
	defer tx.Rollback(ctx)

	var jobId, jobStatus string
	var seq, maxSeq int
	var hasResult bool
	err = tx.QueryRow(ctx,
		`SELECT a.job_id, a.seq, j.status,
		        (SELECT MAX(a2.seq) FROM assignments a2 WHERE a2.job_id = a.job_id),
		        EXISTS (SELECT 1 FROM results res WHERE res.assignment_id = a.id)
		 FROM assignments a JOIN jobs j ON j.id = a.job_id
		 WHERE a.id = $1
		 FOR UPDATE OF a`, assignmentId).Scan(&jobId, &seq, &jobStatus, &maxSeq, &hasResult)
	if err == pgx.ErrNoRows {
		return false, &reeferrors.ErrNotFound{Type: "assignment", Value: assignmentId}
	}
	if err != nil {
		return false, errors.Wrap(err, "loading assignment")
	}
	if hasResult {
		return false, nil
	}

	live := seq == maxSeq && jobStatus == string(jobs.InProgress)

	_, err = tx.Exec(ctx,
		`INSERT INTO results (assignment_id, job_id, status, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (assignment_id) DO NOTHING`,
		assignmentId, jobId, string(status), nullableText(payload), toMicros(now))
	if err != nil {
		return false, errors.Wrap(err, "inserting result")
	}

	if live {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3 AND status = 'IN_PROGRESS'`,
			string(status), toMicros(now), jobId)
		if err != nil {
			return false, errors.Wrap(err, "finalizing job")
		}
		live = tag.RowsAffected() == 1
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "committing result")
	}
	return live, nil
}

func (r *PostgresJobRepository) CancelJob(ctx context.Context, jobId string) (*jobs.Job, error) {
	now := r.clock.Now()
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs SET status = 'CANCELLED', updated_at = $1
		 WHERE id = $2 AND status IN ('PENDING', 'IN_PROGRESS')`,
		toMicros(now), jobId)
	if err != nil {
		return nil, errors.Wrap(err, "cancelling job")
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := r.db.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobId).Scan(&status)
		if err == pgx.ErrNoRows {
			return nil, &reeferrors.ErrNotFound{Type: "job", Value: jobId}
		}
		if err != nil {
			return nil, errors.Wrap(err, "cancelling job")
		}
		return nil, &reeferrors.ErrJobTerminal{JobId: jobId, Status: status}
	}
	return r.GetJob(ctx, jobId)
}

func (r *PostgresJobRepository) ReclaimExpired(ctx context.Context, maxAttempts int) ([]string, []string, error) {
	now := r.clock.Now()
	rows, err := r.db.Query(ctx,
		`SELECT j.id, (SELECT COUNT(*) FROM assignments a WHERE a.job_id = j.id)
		 FROM jobs j
		 WHERE j.status = 'IN_PROGRESS'
		   AND NOT EXISTS (
		     SELECT 1 FROM assignments a
		     WHERE a.job_id = j.id AND a.expires_at > $1
		       AND NOT EXISTS (SELECT 1 FROM results res WHERE res.assignment_id = a.id))`,
		toMicros(now))
	if err != nil {
		return nil, nil, errors.Wrap(err, "finding expired leases")
	}
	defer rows.Close()

	type reclaim struct {
		jobId    string
		attempts int
	}
	var candidates []reclaim
	for rows.Next() {
		var c reclaim
		if err := rows.Scan(&c.jobId, &c.attempts); err != nil {
			return nil, nil, errors.Wrap(err, "scanning expired lease")
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "finding expired leases")
	}

	var requeued, timedOut []string
	for _, c := range candidates {
		target := jobs.Pending
		if c.attempts >= maxAttempts {
			target = jobs.TimedOut
		}
		tag, err := r.db.Exec(ctx,
			`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3 AND status = 'IN_PROGRESS'`,
			string(target), toMicros(now), c.jobId)
		if err != nil {
			return requeued, timedOut, errors.Wrap(err, "reclaiming job")
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if target == jobs.TimedOut {
			timedOut = append(timedOut, c.jobId)
		} else {
			requeued = append(requeued, c.jobId)
		}
	}
	return requeued, timedOut, nil
}

func (r *PostgresJobRepository) JobIdForAssignment(ctx context.Context, assignmentId string) (string, error) {
	var jobId string
	err := r.db.QueryRow(ctx, `SELECT job_id FROM assignments WHERE id = $1`, assignmentId).Scan(&jobId)
	if err == pgx.ErrNoRows {
		return "", &reeferrors.ErrNotFound{Type: "assignment", Value: assignmentId}
	}
	if err != nil {
		return "", errors.Wrap(err, "resolving assignment")
	}
	return jobId, nil
}

func (r *PostgresJobRepository) QueueSnapshot(ctx context.Context) (map[jobs.JobType]PoolCounts, error) {
	rows, err := r.db.Query(ctx,
		`SELECT type, status, COUNT(*) FROM jobs
		 WHERE status IN ('PENDING', 'IN_PROGRESS') GROUP BY type, status`)
	if err != nil {
		return nil, errors.Wrap(err, "reading queue snapshot")
	}
	defer rows.Close()

	snapshot := map[jobs.JobType]PoolCounts{}
	for rows.Next() {
		var jobType, status string
		var count int
		if err := rows.Scan(&jobType, &status, &count); err != nil {
			return nil, errors.Wrap(err, "scanning queue snapshot")
		}
		counts := snapshot[jobs.JobType(jobType)]
		if status == string(jobs.Pending) {
			counts.Pending = count
		} else {
			counts.InFlight = count
		}
		snapshot[jobs.JobType(jobType)] = counts
	}
	return snapshot, errors.Wrap(rows.Err(), "reading queue snapshot")
}

func (r *PostgresJobRepository) HealthCheck(ctx context.Context) error {
	var col int
	if err := r.db.QueryRow(ctx, "SELECT 1").Scan(&col); err != nil {
		return errors.Wrap(err, "postgres health check failed")
	}
	return nil
}

func (r *PostgresJobRepository) queryJob(ctx context.Context, query string, args ...interface{}) (*jobs.Job, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "loading job")
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, errors.Wrap(rows.Err(), "loading job")
	}
	return scanPgJob(rows)
}

func (r *PostgresJobRepository) attachLatestAssignment(ctx context.Context, job *jobs.Job) error {
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM assignments WHERE job_id = $1`, job.Id).Scan(&job.Attempts)
	if err != nil {
		return errors.Wrap(err, "counting assignments")
	}
	if job.Attempts == 0 {
		return nil
	}

	var a jobs.Assignment
	var createdAt, expiresAt int64
	err = r.db.QueryRow(ctx,
		`SELECT id, job_id, seq, worker_id, storage_scheme, storage_uri, created_at, expires_at
		 FROM assignments WHERE job_id = $1 ORDER BY seq DESC LIMIT 1`, job.Id).
		Scan(&a.Id, &a.JobId, &a.Seq, &a.WorkerId, &a.StorageScheme, &a.StorageUri, &createdAt, &expiresAt)
	if err != nil {
		return errors.Wrap(err, "loading latest assignment")
	}
	a.CreatedAt = fromMicros(createdAt)
	a.ExpiresAt = fromMicros(expiresAt)

	var result jobs.Result
	var status string
	var resultPayload *string
	var resultCreated int64
	err = r.db.QueryRow(ctx,
		`SELECT assignment_id, job_id, status, payload, created_at
		 FROM results WHERE assignment_id = $1`, a.Id).
		Scan(&result.AssignmentId, &result.JobId, &status, &resultPayload, &resultCreated)
	if err == nil {
		result.Status = jobs.State(status)
		result.CreatedAt = fromMicros(resultCreated)
		if resultPayload != nil {
			result.Payload = json.RawMessage(*resultPayload)
		}
		a.Result = &result
	} else if err != pgx.ErrNoRows {
		return errors.Wrap(err, "loading assignment result")
	}

	job.LatestAssignment = &a
	return nil
}

func scanPgJob(rows pgx.Rows) (*jobs.Job, error) {
	var job jobs.Job
	var jobType, status, payload string
	var createdAt, updatedAt int64
	if err := rows.Scan(&job.Id, &jobType, &job.UserId, &payload, &job.Hash, &status, &createdAt, &updatedAt); err != nil {
		return nil, errors.Wrap(err, "scanning job")
	}
	job.Type = jobs.JobType(jobType)
	job.Status = jobs.State(status)
	job.Payload = json.RawMessage(payload)
	job.CreatedAt = fromMicros(createdAt)
	job.UpdatedAt = fromMicros(updatedAt)
	return &job, nil
}
