package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	dispatch "github.com/teacurran/village-dispatch"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
)

const jobColumns = `
	id, type, queue, payload, status, attempts, max_attempts,
	scheduled_at, locked_by, locked_at, completed_at, failed_at,
	last_error, result_code, timeout, replayed_at, created_at, updated_at`

// EnqueueJob persists a new job in pending state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: marshal payload: %w", err)
	}
	if j.Payload == nil {
		payload = []byte(`{}`)
	}

	now := time.Now().UTC()
	createdAt, scheduledAt := j.CreatedAt, j.ScheduledAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if scheduledAt.IsZero() {
		scheduledAt = createdAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO dispatch_jobs (
			id, type, queue, payload, status, attempts, max_attempts,
			scheduled_at, timeout, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, 'pending', $5, $6,
			$7, $8, $9, $9
		)`,
		j.ID.String(), j.Type, string(j.Queue), payload, j.Attempts, j.MaxAttempts,
		scheduledAt, j.Timeout.Nanoseconds(), createdAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return dispatch.ErrJobAlreadyExists
		}
		return fmt.Errorf("dispatch/postgres: enqueue job: %w", err)
	}
	return nil
}

// ClaimJobs atomically claims up to limit eligible jobs from q. Rows
// locked by a concurrent claimer are skipped, never waited on.
func (s *Store) ClaimJobs(ctx context.Context, q queue.Name, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE dispatch_jobs
			SET status = 'running',
				locked_by = $3,
				locked_at = NOW(),
				attempts = attempts + 1,
				updated_at = NOW()
			WHERE id IN (
				SELECT id FROM dispatch_jobs
				WHERE status = 'pending'
				  AND queue = $1
				  AND scheduled_at <= NOW()
				  AND attempts < max_attempts
				ORDER BY scheduled_at ASC, created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY scheduled_at ASC, created_at ASC`,
		string(q), limit, workerID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: claim jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ClaimNext claims the single oldest eligible job, or returns nil.
func (s *Store) ClaimNext(ctx context.Context, q queue.Name, workerID id.WorkerID) (*job.Job, error) {
	jobs, err := s.ClaimJobs(ctx, q, workerID, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// HeartbeatJob refreshes locked_at while workerID holds the claim.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_jobs SET locked_at = NOW()
		WHERE id = $1 AND status = 'running' AND locked_by = $2`,
		jobID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, jobID)
	}
	return nil
}

// MarkCompleted records success.
func (s *Store) MarkCompleted(ctx context.Context, jobID id.JobID, workerID id.WorkerID, code job.ResultCode) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_jobs SET
			status = 'completed',
			result_code = $2,
			completed_at = NOW(),
			locked_by = NULL,
			locked_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND locked_by = $3`,
		jobID.String(), string(code), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, jobID)
	}
	return nil
}

// MarkFailed records a failure and either reschedules or dead-letters in
// one statement.
func (s *Store) MarkFailed(ctx context.Context, jobID id.JobID, workerID id.WorkerID, errMsg string, retryAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_jobs SET
			status = CASE WHEN $3::timestamptz IS NOT NULL AND attempts < max_attempts
				THEN 'pending' ELSE 'dead' END,
			scheduled_at = CASE WHEN $3::timestamptz IS NOT NULL AND attempts < max_attempts
				THEN $3::timestamptz ELSE scheduled_at END,
			last_error = $2,
			failed_at = NOW(),
			locked_by = NULL,
			locked_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND locked_by = $4`,
		jobID.String(), errMsg, retryAt, workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, jobID)
	}
	return nil
}

// MarkDead dead-letters a running job held by workerID.
func (s *Store) MarkDead(ctx context.Context, jobID id.JobID, workerID id.WorkerID, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_jobs SET
			status = 'dead',
			last_error = $2,
			failed_at = NOW(),
			locked_by = NULL,
			locked_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND locked_by = $3`,
		jobID.String(), errMsg, workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: mark dead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, jobID)
	}
	return nil
}

// DeferJob returns a running job to pending at runAt and gives back the
// attempt its claim consumed.
func (s *Store) DeferJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, runAt time.Time, code job.ResultCode) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_jobs SET
			status = 'pending',
			scheduled_at = $2,
			result_code = $3,
			attempts = GREATEST(attempts - 1, 0),
			locked_by = NULL,
			locked_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND locked_by = $4`,
		jobID.String(), runAt.UTC(), string(code), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: defer job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, jobID)
	}
	return nil
}

// ReleaseJob hands a running job back for re-claim while workerID
// still holds it.
func (s *Store) ReleaseJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_jobs SET
			status = 'pending',
			attempts = GREATEST(attempts - 1, 0),
			locked_by = NULL,
			locked_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND locked_by = $2`,
		jobID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: release job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, jobID)
	}
	return nil
}

// ListStuck returns running jobs locked longer than threshold.
func (s *Store) ListStuck(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM dispatch_jobs
		WHERE status = 'running'
		  AND locked_at < NOW() - make_interval(secs => $1)
		ORDER BY locked_at ASC`,
		threshold.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: list stuck jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// RequeueStuck resets an abandoned claim only if locked_at still equals
// lockedAt, so a claim refreshed by a live heartbeat is left alone. A job
// with no attempts left is dead-lettered instead.
func (s *Store) RequeueStuck(ctx context.Context, jobID id.JobID, lockedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_jobs SET
			status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'dead' END,
			last_error = CASE WHEN attempts < max_attempts THEN last_error ELSE $3 END,
			failed_at = CASE WHEN attempts < max_attempts THEN failed_at ELSE NOW() END,
			locked_by = NULL,
			locked_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND locked_at = $2`,
		jobID.String(), lockedAt, job.LostWorkerError,
	)
	if err != nil {
		return false, fmt.Errorf("dispatch/postgres: requeue stuck job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM dispatch_jobs WHERE id = $1`, jobID.String())

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, dispatch.ErrJobNotFound
		}
		return nil, fmt.Errorf("dispatch/postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobsByStatus returns jobs in status, most recently updated first.
func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM dispatch_jobs WHERE status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, string(opts.Queue))
		argIdx++
	}

	query += " ORDER BY updated_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: list jobs by status: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM dispatch_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, string(opts.Queue))
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("dispatch/postgres: count jobs: %w", err)
	}
	return count, nil
}

// QueueDepths reports pending, waiting and stuck counts per queue in one
// aggregate scan of open jobs.
func (s *Store) QueueDepths(ctx context.Context, stuckThreshold time.Duration) ([]job.QueueDepth, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			queue,
			COUNT(*) FILTER (WHERE status = 'pending'),
			COALESCE(AVG(EXTRACT(EPOCH FROM (NOW() - scheduled_at)))
				FILTER (WHERE status = 'pending' AND scheduled_at <= NOW()), 0)::float8,
			COUNT(*) FILTER (WHERE status = 'running'
				AND locked_at < NOW() - make_interval(secs => $1))
		FROM dispatch_jobs
		WHERE status IN ('pending', 'running')
		GROUP BY queue`,
		stuckThreshold.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: queue depths: %w", err)
	}
	defer rows.Close()

	var found []job.QueueDepth
	for rows.Next() {
		var (
			d job.QueueDepth
			q string
		)
		if err := rows.Scan(&q, &d.PendingCount, &d.AvgWaitSeconds, &d.StuckCount); err != nil {
			return nil, fmt.Errorf("dispatch/postgres: scan queue depth: %w", err)
		}
		d.Queue = queue.Name(q)
		found = append(found, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: iterate queue depths: %w", err)
	}
	return job.CompleteDepths(found), nil
}

// MarkReplayed stamps replayed_at on a dead job.
func (s *Store) MarkReplayed(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_jobs SET replayed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'dead'`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: mark replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, jobID)
	}
	return nil
}

// PurgeDead deletes dead jobs that failed before the cutoff.
func (s *Store) PurgeDead(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM dispatch_jobs
		WHERE status = 'dead' AND COALESCE(failed_at, updated_at) < $1`,
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("dispatch/postgres: purge dead jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// missing explains a guarded update that touched no row.
func (s *Store) missing(ctx context.Context, jobID id.JobID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM dispatch_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: check job: %w", err)
	}
	if !exists {
		return dispatch.ErrJobNotFound
	}
	return dispatch.ErrInvalidState
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		queueStr  string
		statusStr string
		lockedBy  *string
		codeStr   string
		payload   []byte
		timeoutNs int64
	)
	err := row.Scan(
		&idStr, &j.Type, &queueStr, &payload, &statusStr, &j.Attempts, &j.MaxAttempts,
		&j.ScheduledAt, &lockedBy, &j.LockedAt, &j.CompletedAt, &j.FailedAt,
		&j.LastError, &codeStr, &timeoutNs, &j.ReplayedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Queue = queue.Name(queueStr)
	j.Status = job.Status(statusStr)
	j.ResultCode = job.ResultCode(codeStr)
	j.Timeout = time.Duration(timeoutNs)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("dispatch/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if lockedBy != nil && *lockedBy != "" {
		parsedWorker, workerErr := id.ParseWorkerID(*lockedBy)
		if workerErr == nil {
			j.LockedBy = parsedWorker
		}
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("dispatch/postgres: decode payload of %s: %w", idStr, err)
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("dispatch/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
