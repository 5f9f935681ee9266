package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
	_ "modernc.org/sqlite"

	"github.com/reefworks/reefworks/internal/common/reeferrors"
	"github.com/reefworks/reefworks/internal/jobs"
)

// SQLiteJobRepository backs the coordinator with a local sqlite file. Used
// for single-node deployments and tests; production runs the postgres
// repository.
type SQLiteJobRepository struct {
	db    *sql.DB
	clock clock.Clock

	// SQLite only allows one writer at a time, so writes are serialized to
	// avoid SQLITE_BUSY.
	writeLock sync.Mutex
}

func NewSQLiteJobRepository(dbPath string) (*SQLiteJobRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	return &SQLiteJobRepository{db: db, clock: clock.RealClock{}}, nil
}

func (r *SQLiteJobRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteJobRepository) Setup(ctx context.Context) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	if _, err := r.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enabling WAL")
	}
	setupStmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			user_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			hash TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_hash_status ON jobs (hash, status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs (id),
			seq INTEGER NOT NULL,
			worker_id TEXT NOT NULL,
			storage_scheme TEXT NOT NULL,
			storage_uri TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			UNIQUE (job_id, seq))`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_job ON assignments (job_id)`,
		`CREATE TABLE IF NOT EXISTS results (
			assignment_id TEXT PRIMARY KEY REFERENCES assignments (id),
			job_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT,
			created_at INTEGER NOT NULL)`,
	}
	for _, stmt := range setupStmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "executing setup statement")
		}
	}
	return nil
}

func (r *SQLiteJobRepository) CreateJob(ctx context.Context, job *jobs.Job) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	now := r.clock.Now()
	job.CreatedAt = now.UTC()
	job.UpdatedAt = now.UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, user_id, payload, hash, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Id, string(job.Type), job.UserId, string(job.Payload), job.Hash,
		string(job.Status), toMicros(now), toMicros(now))
	return errors.Wrap(err, "inserting job")
}

func (r *SQLiteJobRepository) GetJob(ctx context.Context, jobId string) (*jobs.Job, error) {
	job, err := r.scanJob(ctx, `SELECT id, type, user_id, payload, hash, status, created_at, updated_at
		FROM jobs WHERE id = ?`, jobId)
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

func (r *SQLiteJobRepository) FindActiveByHash(ctx context.Context, hash string) (*jobs.Job, error) {
	return r.scanJob(ctx, `SELECT id, type, user_id, payload, hash, status, created_at, updated_at
		FROM jobs WHERE hash = ? AND status IN ('PENDING', 'IN_PROGRESS')
		ORDER BY created_at DESC LIMIT 1`, hash)
}

func (r *SQLiteJobRepository) ListPending(ctx context.Context, types []jobs.JobType, limit int) ([]*jobs.Job, error) {
	query := `SELECT id, type, user_id, payload, hash, status, created_at, updated_at
		FROM jobs WHERE status = 'PENDING'`
	args := []interface{}{}
	if len(types) > 0 {
		query += ` AND type IN (` + placeholders(len(types)) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing pending jobs")
	}
	defer rows.Close()

	var pending []*jobs.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, job)
	}
	return pending, errors.Wrap(rows.Err(), "listing pending jobs")
}

func (r *SQLiteJobRepository) AssignJob(ctx context.Context, jobId string, workerId string, leaseDuration time.Duration, locate StorageLocator) (*jobs.Assignment, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	now := r.clock.Now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning assign transaction")
	}
	defer tx.Rollback()

	// The sole concurrency-control point: one conditional update on status.
	// A second worker racing for the same job changes zero rows here.
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'IN_PROGRESS', updated_at = ?
		 WHERE id = ?
		   AND (status = 'PENDING'
		     OR (status = 'IN_PROGRESS' AND NOT EXISTS (
		           SELECT 1 FROM assignments a
		           WHERE a.job_id = jobs.id AND a.expires_at > ?
		             AND NOT EXISTS (SELECT 1 FROM results res WHERE res.assignment_id = a.id))))`,
		toMicros(now), jobId, toMicros(now))
	if err != nil {
		return nil, errors.Wrap(err, "claiming job")
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "claiming job")
	}
	if changed == 0 {
		return nil, r.diagnoseClaimFailure(ctx, tx, jobId)
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM assignments WHERE job_id = ?`, jobId).Scan(&seq); err != nil {
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
	_, err = tx.ExecContext(ctx,
		`INSERT INTO assignments (id, job_id, seq, worker_id, storage_scheme, storage_uri, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		assignment.Id, assignment.JobId, assignment.Seq, assignment.WorkerId,
		assignment.StorageScheme, assignment.StorageUri,
		toMicros(assignment.CreatedAt), toMicros(assignment.ExpiresAt))
	if err != nil {
		return nil, errors.Wrap(err, "inserting assignment")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "committing assignment")
	}
	return assignment, nil
}

func (r *SQLiteJobRepository) diagnoseClaimFailure(ctx context.Context, tx *sql.Tx, jobId string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobId).Scan(&status)
	if err == sql.ErrNoRows {
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

func (r *SQLiteJobRepository) RenewLease(ctx context.Context, assignmentId string, leaseDuration time.Duration) (time.Time, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	now := r.clock.Now()
	expiry := now.Add(leaseDuration).UTC()
	// Renewal is only honoured for the live lease: the latest assignment of
	// a job that is still IN_PROGRESS, with no result recorded against it.
	res, err := r.db.ExecContext(ctx,
		`UPDATE assignments SET expires_at = ?
		 WHERE id = ?
		   AND seq = (SELECT MAX(a2.seq) FROM assignments a2 WHERE a2.job_id = assignments.job_id)
		   AND NOT EXISTS (SELECT 1 FROM results res WHERE res.assignment_id = assignments.id)
		   AND EXISTS (SELECT 1 FROM jobs j WHERE j.id = assignments.job_id AND j.status = 'IN_PROGRESS')`,
		toMicros(expiry), assignmentId)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "renewing lease")
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, errors.Wrap(err, "renewing lease")
	}
	if changed == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM assignments WHERE id = ?`, assignmentId).Scan(&exists)
		if err == sql.ErrNoRows {
			return time.Time{}, &reeferrors.ErrNotFound{Type: "assignment", Value: assignmentId}
		}
		if err != nil {
			return time.Time{}, errors.Wrap(err, "renewing lease")
		}
		return time.Time{}, &reeferrors.ErrStaleLease{AssignmentId: assignmentId}
	}
	return expiry, nil
}

func (r *SQLiteJobRepository) SubmitResult(ctx context.Context, assignmentId string, status jobs.State, payload []byte) (bool, error) {
	if !status.IsTerminal() || status == jobs.TimedOut {
		return false, &reeferrors.ErrInvalidPayload{Message: "result status must be SUCCEEDED, FAILED or CANCELLED"}
	}

	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	now := r.clock.Now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "beginning result transaction")
	}
	defer tx.Rollback()

	var jobId, jobStatus string
	var seq, maxSeq int
	var hasResult int
	err = tx.QueryRowContext(ctx,
		`SELECT a.job_id, a.seq, j.status,
		        (SELECT MAX(a2.seq) FROM assignments a2 WHERE a2.job_id = a.job_id),
		        EXISTS (SELECT 1 FROM results res WHERE res.assignment_id = a.id)
		 FROM assignments a JOIN jobs j ON j.id = a.job_id
		 WHERE a.id = ?`, assignmentId).Scan(&jobId, &seq, &jobStatus, &maxSeq, &hasResult)
	if err == sql.ErrNoRows {
		return false, &reeferrors.ErrNotFound{Type: "assignment", Value: assignmentId}
	}
	if err != nil {
		return false, errors.Wrap(err, "loading assignment")
	}
	if hasResult == 1 {
		// Duplicate report for the same lease: keep the first result.
		return false, nil
	}

	// Only the live lease's result counts. A superseded or orphaned lease's
	// result is still recorded for the audit trail but never touches the
	// job's status.
	live := seq == maxSeq && jobStatus == string(jobs.InProgress)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO results (assignment_id, job_id, status, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		assignmentId, jobId, string(status), nullableText(payload), toMicros(now))
	if err != nil {
		return false, errors.Wrap(err, "inserting result")
	}

	if live {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = 'IN_PROGRESS'`,
			string(status), toMicros(now), jobId)
		if err != nil {
			return false, errors.Wrap(err, "finalizing job")
		}
		changed, err := res.RowsAffected()
		if err != nil {
			return false, errors.Wrap(err, "finalizing job")
		}
		live = changed == 1
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "committing result")
	}
	return live, nil
}

func (r *SQLiteJobRepository) CancelJob(ctx context.Context, jobId string) (*jobs.Job, error) {
	if err := r.cancel(ctx, jobId); err != nil {
		return nil, err
	}
	return r.GetJob(ctx, jobId)
}

func (r *SQLiteJobRepository) cancel(ctx context.Context, jobId string) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	now := r.clock.Now()
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'CANCELLED', updated_at = ?
		 WHERE id = ? AND status IN ('PENDING', 'IN_PROGRESS')`,
		toMicros(now), jobId)
	if err != nil {
		return errors.Wrap(err, "cancelling job")
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "cancelling job")
	}
	if changed == 0 {
		var status string
		err := r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobId).Scan(&status)
		if err == sql.ErrNoRows {
			return &reeferrors.ErrNotFound{Type: "job", Value: jobId}
		}
		if err != nil {
			return errors.Wrap(err, "cancelling job")
		}
		return &reeferrors.ErrJobTerminal{JobId: jobId, Status: status}
	}
	return nil
}

func (r *SQLiteJobRepository) ReclaimExpired(ctx context.Context, maxAttempts int) ([]string, []string, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	now := r.clock.Now()
	rows, err := r.db.QueryContext(ctx,
		`SELECT j.id, (SELECT COUNT(*) FROM assignments a WHERE a.job_id = j.id)
		 FROM jobs j
		 WHERE j.status = 'IN_PROGRESS'
		   AND NOT EXISTS (
		     SELECT 1 FROM assignments a
		     WHERE a.job_id = j.id AND a.expires_at > ?
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
		// Guarded by the status CAS so a concurrent sweep or a racing
		// result cannot double-reclaim.
		res, err := r.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = 'IN_PROGRESS'`,
			string(target), toMicros(now), c.jobId)
		if err != nil {
			return requeued, timedOut, errors.Wrap(err, "reclaiming job")
		}
		changed, err := res.RowsAffected()
		if err != nil {
			return requeued, timedOut, errors.Wrap(err, "reclaiming job")
		}
		if changed == 0 {
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

func (r *SQLiteJobRepository) JobIdForAssignment(ctx context.Context, assignmentId string) (string, error) {
	var jobId string
	err := r.db.QueryRowContext(ctx, `SELECT job_id FROM assignments WHERE id = ?`, assignmentId).Scan(&jobId)
	if err == sql.ErrNoRows {
		return "", &reeferrors.ErrNotFound{Type: "assignment", Value: assignmentId}
	}
	if err != nil {
		return "", errors.Wrap(err, "resolving assignment")
	}
	return jobId, nil
}

func (r *SQLiteJobRepository) QueueSnapshot(ctx context.Context) (map[jobs.JobType]PoolCounts, error) {
	rows, err := r.db.QueryContext(ctx,
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

func (r *SQLiteJobRepository) HealthCheck(ctx context.Context) error {
	var col int
	if err := r.db.QueryRowContext(ctx, "SELECT 1").Scan(&col); err != nil {
		return errors.Wrap(err, "sqlite health check failed")
	}
	return nil
}

func (r *SQLiteJobRepository) scanJob(ctx context.Context, query string, args ...interface{}) (*jobs.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "loading job")
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, errors.Wrap(rows.Err(), "loading job")
	}
	return scanJobRow(rows)
}

func (r *SQLiteJobRepository) attachLatestAssignment(ctx context.Context, job *jobs.Job) error {
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments WHERE job_id = ?`, job.Id).Scan(&job.Attempts)
	if err != nil {
		return errors.Wrap(err, "counting assignments")
	}
	if job.Attempts == 0 {
		return nil
	}

	var a jobs.Assignment
	var createdAt, expiresAt int64
	err = r.db.QueryRowContext(ctx,
		`SELECT id, job_id, seq, worker_id, storage_scheme, storage_uri, created_at, expires_at
		 FROM assignments WHERE job_id = ? ORDER BY seq DESC LIMIT 1`, job.Id).
		Scan(&a.Id, &a.JobId, &a.Seq, &a.WorkerId, &a.StorageScheme, &a.StorageUri, &createdAt, &expiresAt)
	if err != nil {
		return errors.Wrap(err, "loading latest assignment")
	}
	a.CreatedAt = fromMicros(createdAt)
	a.ExpiresAt = fromMicros(expiresAt)

	var result jobs.Result
	var resultPayload sql.NullString
	var resultCreated int64
	err = r.db.QueryRowContext(ctx,
		`SELECT assignment_id, job_id, status, payload, created_at
		 FROM results WHERE assignment_id = ?`, a.Id).
		Scan(&result.AssignmentId, &result.JobId, &result.Status, &resultPayload, &resultCreated)
	if err == nil {
		result.CreatedAt = fromMicros(resultCreated)
		if resultPayload.Valid {
			result.Payload = json.RawMessage(resultPayload.String)
		}
		a.Result = &result
	} else if err != sql.ErrNoRows {
		return errors.Wrap(err, "loading assignment result")
	}

	job.LatestAssignment = &a
	return nil
}

// scanJobRow scans the canonical jobs column list.
func scanJobRow(rows *sql.Rows) (*jobs.Job, error) {
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

func nullableText(payload []byte) interface{} {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ", "
		}
		s += "?"
	}
	return s
}
