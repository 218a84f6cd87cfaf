package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ucloud/orderwise-agent/internal/models"
)

// Postgres backs all three stores with one pgx pool. Jobs and results live in
// their own tables; takeover state is keyed by session id, so the primary key
// alone upholds the one-waiting-request-per-session invariant.
type Postgres struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    keyword       TEXT NOT NULL DEFAULT '',
    participants  JSONB NOT NULL,
    status        TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at);

CREATE TABLE IF NOT EXISTS job_results (
    job_id     TEXT PRIMARY KEY,
    payload    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS takeover_requests (
    session_id   TEXT PRIMARY KEY,
    job_id       TEXT NOT NULL,
    target       TEXT NOT NULL,
    reason       TEXT NOT NULL,
    status       TEXT NOT NULL,
    reply        TEXT NOT NULL DEFAULT '',
    resume_point JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);
`

func NewPostgres(ctx context.Context, conn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) SaveJob(ctx context.Context, job models.Job) error {
	parts, err := json.Marshal(job.Participants)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO jobs (id, keyword, participants, status, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, error_message = EXCLUDED.error_message, updated_at = EXCLUDED.updated_at`,
		job.ID, job.Keyword, parts, job.Status, job.ErrorMessage, job.CreatedAt, time.Now(),
	)
	return err
}

func (p *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, keyword, participants, status, error_message, created_at, updated_at
		 FROM jobs WHERE id = $1`, id,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrJobNotFound
	}
	return job, err
}

func (p *Postgres) ClaimNext(ctx context.Context) (models.Job, bool, error) {
	// SKIP LOCKED gives compare-and-set semantics under concurrent
	// listeners: each pending row is handed to exactly one claimer.
	row := p.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $1, updated_at = now()
		 WHERE id = (
		     SELECT id FROM jobs WHERE status = $2
		     ORDER BY created_at
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING id, keyword, participants, status, error_message, created_at, updated_at`,
		models.JobClaimed, models.JobPending,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (p *Postgres) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	return err
}

func (p *Postgres) FailJob(ctx context.Context, id, errMsg string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error_message = $2, updated_at = now() WHERE id = $3`,
		models.JobFailed, errMsg, id)
	return err
}

func (p *Postgres) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = now()
		 WHERE status IN ($2, $3) AND updated_at < $4`,
		models.JobPending, models.JobClaimed, models.JobRunning, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) SaveResult(ctx context.Context, result *models.JobResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO job_results (job_id, payload, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (job_id) DO NOTHING`,
		result.JobID, payload, result.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrResultExists
	}
	return nil
}

func (p *Postgres) GetResult(ctx context.Context, jobID string) (*models.JobResult, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM job_results WHERE job_id = $1`, jobID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	var result models.JobResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *Postgres) CreateTakeover(ctx context.Context, req models.TakeoverRequest, rp models.ResumePoint) error {
	point, err := json.Marshal(rp)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO takeover_requests (session_id, job_id, target, reason, status, resume_point, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (session_id) DO NOTHING`,
		req.SessionID, req.JobID, req.Target, req.Reason, models.TakeoverWaiting, point, req.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTakeoverConflict
	}
	return nil
}

func (p *Postgres) GetTakeover(ctx context.Context, sessionID string) (models.TakeoverRequest, error) {
	var req models.TakeoverRequest
	err := p.pool.QueryRow(ctx,
		`SELECT session_id, job_id, target, reason, status, reply, created_at, updated_at
		 FROM takeover_requests WHERE session_id = $1`, sessionID).
		Scan(&req.SessionID, &req.JobID, &req.Target, &req.Reason, &req.Status,
			&req.Reply, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TakeoverRequest{}, models.ErrSessionNotFound
	}
	return req, err
}

func (p *Postgres) GetResumePoint(ctx context.Context, sessionID string) (models.ResumePoint, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT resume_point FROM takeover_requests WHERE session_id = $1`, sessionID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ResumePoint{}, models.ErrSessionNotFound
	}
	if err != nil {
		return models.ResumePoint{}, err
	}
	var rp models.ResumePoint
	if err := json.Unmarshal(payload, &rp); err != nil {
		return models.ResumePoint{}, err
	}
	return rp, nil
}

func (p *Postgres) AnswerTakeover(ctx context.Context, sessionID, reply string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE takeover_requests SET status = $1, reply = $2, updated_at = now()
		 WHERE session_id = $3 AND status = $4`,
		models.TakeoverAnswered, reply, sessionID, models.TakeoverWaiting)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (p *Postgres) ExpireTakeover(ctx context.Context, sessionID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE takeover_requests SET status = $1, updated_at = now()
		 WHERE session_id = $2 AND status = $3`,
		models.TakeoverTimedOut, sessionID, models.TakeoverWaiting)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (p *Postgres) DeleteTakeover(ctx context.Context, sessionID string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM takeover_requests WHERE session_id = $1`, sessionID)
	return err
}

func (p *Postgres) ExpireOlderThan(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE takeover_requests SET status = $1, updated_at = now()
		 WHERE status = $2 AND created_at < $3`,
		models.TakeoverTimedOut, models.TakeoverWaiting, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) ListWaiting(ctx context.Context) ([]models.TakeoverRequest, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT session_id, job_id, target, reason, status, reply, created_at, updated_at
		 FROM takeover_requests WHERE status = $1 ORDER BY created_at`,
		models.TakeoverWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var waiting []models.TakeoverRequest
	for rows.Next() {
		var req models.TakeoverRequest
		if err := rows.Scan(&req.SessionID, &req.JobID, &req.Target, &req.Reason,
			&req.Status, &req.Reply, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, err
		}
		waiting = append(waiting, req)
	}
	return waiting, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var parts []byte
	err := row.Scan(&job.ID, &job.Keyword, &parts, &job.Status, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(parts, &job.Participants); err != nil {
		return models.Job{}, err
	}
	return job, nil
}
