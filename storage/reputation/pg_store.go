package reputation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmesh-backend/core/marketplace"
)

// PGStore persists reputation state in Postgres. The applied-update ledger is
// a table with a composite primary key, so the dedup decision is made by the
// database inside the same transaction that rewrites the record.
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
CREATE TABLE IF NOT EXISTS reputation_records (
  subject_ref TEXT PRIMARY KEY,
  total_jobs BIGINT NOT NULL DEFAULT 0,
  successful_jobs BIGINT NOT NULL DEFAULT 0,
  cumulative_response_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
  quality_ratings BIGINT[],
  staked_sats BIGINT NOT NULL DEFAULT 0,
  score BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS reputation_applied (
  escrow_id TEXT NOT NULL,
  subject_ref TEXT NOT NULL,
  applied_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (escrow_id, subject_ref)
);
CREATE TABLE IF NOT EXISTS badges (
  badge_id TEXT PRIMARY KEY,
  subject_ref TEXT NOT NULL,
  badge_type TEXT NOT NULL,
  metadata JSONB,
  issued_at TIMESTAMPTZ NOT NULL,
  UNIQUE (subject_ref, badge_type)
);
CREATE INDEX IF NOT EXISTS idx_badges_subject ON badges(subject_ref);
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

const recordColumns = `subject_ref, total_jobs, successful_jobs, cumulative_response_hours,
quality_ratings, staked_sats, score, created_at, updated_at`

func scanRecord(scanner interface {
	Scan(dest ...interface{}) error
}) (marketplace.ReputationRecord, error) {
	var rec marketplace.ReputationRecord
	if err := scanner.Scan(
		&rec.SubjectRef, &rec.TotalJobs, &rec.SuccessfulJobs, &rec.CumulativeResponseHours,
		&rec.QualityRatings, &rec.StakedSats, &rec.Score, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return marketplace.ReputationRecord{}, err
	}
	return rec, nil
}

func (s *PGStore) writeRecord(ctx context.Context, tx pgx.Tx, rec marketplace.ReputationRecord) error {
	_, err := tx.Exec(ctx, `
INSERT INTO reputation_records (subject_ref, total_jobs, successful_jobs, cumulative_response_hours,
                                quality_ratings, staked_sats, score, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (subject_ref) DO UPDATE SET
  total_jobs = EXCLUDED.total_jobs,
  successful_jobs = EXCLUDED.successful_jobs,
  cumulative_response_hours = EXCLUDED.cumulative_response_hours,
  quality_ratings = EXCLUDED.quality_ratings,
  staked_sats = EXCLUDED.staked_sats,
  score = EXCLUDED.score,
  updated_at = EXCLUDED.updated_at
`, rec.SubjectRef, rec.TotalJobs, rec.SuccessfulJobs, rec.CumulativeResponseHours,
		rec.QualityRatings, rec.StakedSats, rec.Score, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write record %s: %w", rec.SubjectRef, err)
	}
	return nil
}

func (s *PGStore) ApplyUpdate(ctx context.Context, subjectRef, escrowID string, apply func(*marketplace.ReputationRecord)) (bool, marketplace.ReputationRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, marketplace.ReputationRecord{}, err
	}
	defer tx.Rollback(ctx)

	// Claim the (escrow, subject) pair first. Losing the conflict means some
	// earlier delivery already counted this completion.
	tag, err := tx.Exec(ctx, `
INSERT INTO reputation_applied (escrow_id, subject_ref, applied_at)
VALUES ($1,$2,$3)
ON CONFLICT (escrow_id, subject_ref) DO NOTHING
`, escrowID, subjectRef, time.Now().UTC())
	if err != nil {
		return false, marketplace.ReputationRecord{}, fmt.Errorf("claim update %s/%s: %w", escrowID, subjectRef, err)
	}

	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM reputation_records WHERE subject_ref=$1 FOR UPDATE`, subjectRef))
	if errors.Is(err, pgx.ErrNoRows) {
		rec = *marketplace.NewReputationRecord(subjectRef, time.Now().UTC())
		err = nil
	}
	if err != nil {
		return false, marketplace.ReputationRecord{}, fmt.Errorf("lock record %s: %w", subjectRef, err)
	}

	if tag.RowsAffected() == 0 {
		return false, rec, nil
	}

	if apply != nil {
		apply(&rec)
	}
	if err := s.writeRecord(ctx, tx, rec); err != nil {
		return false, marketplace.ReputationRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, marketplace.ReputationRecord{}, err
	}
	return true, rec, nil
}

func (s *PGStore) GetRecord(ctx context.Context, subjectRef string) (marketplace.ReputationRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM reputation_records WHERE subject_ref=$1`, subjectRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return *marketplace.NewReputationRecord(subjectRef, time.Now().UTC()), nil
	}
	if err != nil {
		return marketplace.ReputationRecord{}, fmt.Errorf("get record %s: %w", subjectRef, err)
	}
	return rec, nil
}

func (s *PGStore) IssueBadge(ctx context.Context, badge marketplace.Badge) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO badges (badge_id, subject_ref, badge_type, metadata, issued_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (subject_ref, badge_type) DO NOTHING
`, badge.BadgeID, badge.SubjectRef, string(badge.Type), badge.Metadata, badge.IssuedAt)
	if err != nil {
		return false, fmt.Errorf("issue badge %s/%s: %w", badge.SubjectRef, badge.Type, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) ListBadges(ctx context.Context, subjectRef string) ([]marketplace.Badge, error) {
	rows, err := s.pool.Query(ctx, `
SELECT badge_id, subject_ref, badge_type, metadata, issued_at
FROM badges WHERE subject_ref=$1 ORDER BY issued_at
`, subjectRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []marketplace.Badge
	for rows.Next() {
		var b marketplace.Badge
		var badgeType string
		if err := rows.Scan(&b.BadgeID, &b.SubjectRef, &badgeType, &b.Metadata, &b.IssuedAt); err != nil {
			return nil, err
		}
		b.Type = marketplace.BadgeType(badgeType)
		out = append(out, b)
	}
	return out, rows.Err()
}
