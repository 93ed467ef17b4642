package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/kubelab-exams/internal/model"
)

// AttemptRepository persists graded attempts in PostgreSQL. Rows are never
// updated or deleted.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// Create inserts a. A second attempt for the same session violates the
// session_id unique constraint.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	answers := a.Answers
	if answers == nil {
		answers = map[string]model.Answer{}
	}
	raw, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO exam_attempts (id, session_id, exam_id, user_id, answers, score, total_points,
		                           percentage, correct_answers, total_questions, time_spent_seconds,
		                           started_at, completed_at, passed, expired)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, a.SessionID, a.ExamID, a.UserID, raw, a.Score, a.TotalPoints,
		a.Percentage, a.CorrectAnswers, a.TotalQuestions, a.TimeSpentSeconds,
		a.StartedAt, a.CompletedAt, a.Passed, a.Expired)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// ListByUserAndExam returns the user's attempts at an exam, newest first.
func (r *AttemptRepository) ListByUserAndExam(ctx context.Context, userID, examID string) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, exam_id, user_id, answers, score, total_points, percentage,
		        correct_answers, total_questions, time_spent_seconds, started_at, completed_at,
		        passed, expired
		 FROM exam_attempts
		 WHERE user_id = $1 AND exam_id = $2
		 ORDER BY completed_at DESC`, userID, examID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		var (
			a       model.Attempt
			answers []byte
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ExamID, &a.UserID, &answers, &a.Score,
			&a.TotalPoints, &a.Percentage, &a.CorrectAnswers, &a.TotalQuestions,
			&a.TimeSpentSeconds, &a.StartedAt, &a.CompletedAt, &a.Passed, &a.Expired); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(answers, &a.Answers); err != nil {
			return nil, fmt.Errorf("decode answers of attempt %s: %w", a.ID, err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
