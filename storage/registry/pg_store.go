package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmesh-backend/core/marketplace"
)

// PGStore persists registry state in Postgres. Job transitions take a row
// lock so two handlers racing on the same job serialize instead of clobbering
// each other.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  job_id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  budget_sats BIGINT NOT NULL,
  required_skills TEXT[],
  deadline TIMESTAMPTZ,
  status TEXT NOT NULL,
  assigned_worker TEXT NOT NULL DEFAULT '',
  accepted_price_sats BIGINT NOT NULL DEFAULT 0,
  escrow_id TEXT NOT NULL DEFAULT '',
  escrow_created BOOLEAN NOT NULL DEFAULT FALSE,
  delivery_ref TEXT NOT NULL DEFAULT '',
  verification_score DOUBLE PRECISION NOT NULL DEFAULT 0,
  verification_passed BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS offers (
  offer_id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  worker_ref TEXT NOT NULL,
  price_sats BIGINT NOT NULL,
  eta TIMESTAMPTZ,
  sla_terms TEXT NOT NULL DEFAULT '',
  reputation_score_at_bid INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_offers_job ON offers(job_id);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close shuts down the pool.
func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PGStore) CreateJob(ctx context.Context, job marketplace.Job) error {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO jobs (job_id, title, description, budget_sats, required_skills, deadline, status,
                  assigned_worker, accepted_price_sats, escrow_id, escrow_created, delivery_ref,
                  verification_score, verification_passed, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (job_id) DO NOTHING
`, job.JobID, job.Title, job.Description, job.BudgetSats, job.RequiredSkills, job.Deadline, string(job.Status),
		job.AssignedWorker, job.AcceptedPrice, job.EscrowID, job.EscrowCreated, job.DeliveryRef,
		job.VerificationScore, job.VerificationPassed, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobExists
	}
	return nil
}

const jobColumns = `job_id, title, description, budget_sats, required_skills, deadline, status,
assigned_worker, accepted_price_sats, escrow_id, escrow_created, delivery_ref,
verification_score, verification_passed, created_at, updated_at`

func scanJob(scanner interface {
	Scan(dest ...interface{}) error
}) (marketplace.Job, error) {
	var job marketplace.Job
	var status string
	var deadline sql.NullTime
	if err := scanner.Scan(
		&job.JobID, &job.Title, &job.Description, &job.BudgetSats, &job.RequiredSkills, &deadline, &status,
		&job.AssignedWorker, &job.AcceptedPrice, &job.EscrowID, &job.EscrowCreated, &job.DeliveryRef,
		&job.VerificationScore, &job.VerificationPassed, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return marketplace.Job{}, err
	}
	job.Status = marketplace.JobStatus(status)
	if deadline.Valid {
		d := deadline.Time
		job.Deadline = &d
	}
	return job, nil
}

func (s *PGStore) GetJob(ctx context.Context, jobID string) (marketplace.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id=$1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return marketplace.Job{}, ErrJobNotFound
	}
	if err != nil {
		return marketplace.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *PGStore) ListJobs(ctx context.Context, filter marketplace.JobFilter) ([]marketplace.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE ($1 = '' OR status = $1)
ORDER BY created_at
OFFSET $2 LIMIT $3
`, string(filter.Status), filter.Offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []marketplace.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		if len(filter.Skills) > 0 && !containsSkill(job.RequiredSkills, filter.Skills) {
			continue
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PGStore) TransitionJob(ctx context.Context, jobID string, from, to marketplace.JobStatus, mutate func(*marketplace.Job)) (marketplace.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return marketplace.Job{}, err
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id=$1 FOR UPDATE`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return marketplace.Job{}, ErrJobNotFound
	}
	if err != nil {
		return marketplace.Job{}, fmt.Errorf("lock job %s: %w", jobID, err)
	}
	if job.Status != from || !from.CanTransitionTo(to) {
		return marketplace.Job{}, ErrBadTransition
	}
	if mutate != nil {
		mutate(&job)
	}
	job.Status = to
	job.UpdatedAt = time.Now().UTC()

	if err := s.writeJob(ctx, tx, job); err != nil {
		return marketplace.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return marketplace.Job{}, err
	}
	return job, nil
}

func (s *PGStore) UpdateJob(ctx context.Context, jobID string, mutate func(*marketplace.Job)) (marketplace.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return marketplace.Job{}, err
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id=$1 FOR UPDATE`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return marketplace.Job{}, ErrJobNotFound
	}
	if err != nil {
		return marketplace.Job{}, fmt.Errorf("lock job %s: %w", jobID, err)
	}
	if mutate != nil {
		mutate(&job)
	}
	job.UpdatedAt = time.Now().UTC()

	if err := s.writeJob(ctx, tx, job); err != nil {
		return marketplace.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return marketplace.Job{}, err
	}
	return job, nil
}

func (s *PGStore) writeJob(ctx context.Context, tx pgx.Tx, job marketplace.Job) error {
	_, err := tx.Exec(ctx, `
UPDATE jobs SET status=$2, assigned_worker=$3, accepted_price_sats=$4, escrow_id=$5,
       escrow_created=$6, delivery_ref=$7, verification_score=$8, verification_passed=$9, updated_at=$10
WHERE job_id=$1
`, job.JobID, string(job.Status), job.AssignedWorker, job.AcceptedPrice, job.EscrowID,
		job.EscrowCreated, job.DeliveryRef, job.VerificationScore, job.VerificationPassed, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *PGStore) AppendOffer(ctx context.Context, offer marketplace.Offer) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE job_id=$1 FOR UPDATE`, offer.JobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("lock job %s: %w", offer.JobID, err)
	}
	if marketplace.JobStatus(status) != marketplace.JobOpen {
		return ErrJobNotOpen
	}

	_, err = tx.Exec(ctx, `
INSERT INTO offers (offer_id, job_id, worker_ref, price_sats, eta, sla_terms, reputation_score_at_bid, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (offer_id) DO NOTHING
`, offer.OfferID, offer.JobID, offer.WorkerRef, offer.PriceSats, offer.ETA, offer.SLATerms, offer.ReputationScoreAtBid, offer.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert offer %s: %w", offer.OfferID, err)
	}
	return tx.Commit(ctx)
}

func (s *PGStore) ListOffers(ctx context.Context, jobID string) ([]marketplace.Offer, error) {
	rows, err := s.pool.Query(ctx, `
SELECT offer_id, job_id, worker_ref, price_sats, eta, sla_terms, reputation_score_at_bid, created_at
FROM offers WHERE job_id=$1 ORDER BY created_at
`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []marketplace.Offer
	for rows.Next() {
		var o marketplace.Offer
		if err := rows.Scan(&o.OfferID, &o.JobID, &o.WorkerRef, &o.PriceSats, &o.ETA, &o.SLATerms, &o.ReputationScoreAtBid, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PGStore) GetOffer(ctx context.Context, jobID, offerID string) (marketplace.Offer, error) {
	var o marketplace.Offer
	err := s.pool.QueryRow(ctx, `
SELECT offer_id, job_id, worker_ref, price_sats, eta, sla_terms, reputation_score_at_bid, created_at
FROM offers WHERE job_id=$1 AND offer_id=$2
`, jobID, offerID).Scan(&o.OfferID, &o.JobID, &o.WorkerRef, &o.PriceSats, &o.ETA, &o.SLATerms, &o.ReputationScoreAtBid, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return marketplace.Offer{}, ErrOfferNotFound
	}
	if err != nil {
		return marketplace.Offer{}, fmt.Errorf("get offer %s: %w", offerID, err)
	}
	return o, nil
}
