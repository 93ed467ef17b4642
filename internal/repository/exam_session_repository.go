package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/kubelab-exams/internal/model"
)

// ExamSessionRepository stores sessions in PostgreSQL. The partial unique
// index on (user_id, exam_id) WHERE is_active makes inserts atomic.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

const sessionColumns = `id, exam_id, user_id, started_at, time_limit_minutes, answers, is_active, finished_at`

func scanSession(row pgx.Row) (*model.ExamSession, error) {
	var (
		s       model.ExamSession
		answers []byte
	)
	if err := row.Scan(&s.ID, &s.ExamID, &s.UserID, &s.StartedAt, &s.TimeLimitMinutes,
		&answers, &s.IsActive, &s.FinishedAt); err != nil {
		return nil, err
	}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &s.Answers); err != nil {
			return nil, fmt.Errorf("decode answers of session %s: %w", s.ID, err)
		}
	}
	if s.Answers == nil {
		s.Answers = map[string]model.Answer{}
	}
	return &s, nil
}

// InsertIfAbsent creates s unless the user already has an active session for
// the exam, in which case ErrActiveSessionExists is returned.
func (r *ExamSessionRepository) InsertIfAbsent(ctx context.Context, s *model.ExamSession) error {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (id, exam_id, user_id, started_at, time_limit_minutes, deadline_at, answers, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, '{}'::jsonb, TRUE)
		 ON CONFLICT (user_id, exam_id) WHERE is_active DO NOTHING
		 RETURNING id`,
		s.ID, s.ExamID, s.UserID, s.StartedAt, s.TimeLimitMinutes, s.Deadline(),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetActive returns the active session for key.
func (r *ExamSessionRepository) GetActive(ctx context.Context, key model.SessionKey) (*model.ExamSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE user_id = $1 AND exam_id = $2 AND is_active`, key.UserID, key.ExamID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return s, nil
}

// Finish terminates the session only if it is still active and belongs to
// key. Exactly one concurrent caller wins; the rest get ErrNotFound.
func (r *ExamSessionRepository) Finish(ctx context.Context, key model.SessionKey, sessionID uuid.UUID, answers map[string]model.Answer, at time.Time) (*model.ExamSession, error) {
	if answers == nil {
		answers = map[string]model.Answer{}
	}
	raw, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}

	s, err := scanSession(r.pool.QueryRow(ctx,
		`UPDATE exam_sessions
		 SET is_active = FALSE, answers = $1, finished_at = $2
		 WHERE id = $3 AND user_id = $4 AND exam_id = $5 AND is_active
		 RETURNING `+sessionColumns,
		raw, at, sessionID, key.UserID, key.ExamID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("finish session: %w", err)
	}
	return s, nil
}

// ListExpired returns up to limit active sessions whose deadline is before cutoff.
func (r *ExamSessionRepository) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE is_active AND deadline_at < $1
		 ORDER BY deadline_at
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}
