package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/kubelab-exams/internal/database"
	"github.com/stemsi/kubelab-exams/internal/model"
)

// ExamRepository handles exam catalog data access in PostgreSQL.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

const examColumns = `id, title, description, category, difficulty, time_limit_minutes,
	passing_score_percent, tags, is_active, created_at, updated_at`

func scanExam(row pgx.Row, e *model.Exam) error {
	return row.Scan(&e.ID, &e.Title, &e.Description, &e.Category, &e.Difficulty,
		&e.TimeLimitMinutes, &e.PassingScorePercent, &e.Tags, &e.IsActive,
		&e.CreatedAt, &e.UpdatedAt)
}

// GetByID retrieves an exam with its questions in definition order.
// Inactive exams are returned too; callers decide what inactive means.
func (r *ExamRepository) GetByID(ctx context.Context, id string) (*model.Exam, error) {
	e := &model.Exam{}
	err := scanExam(r.pool.QueryRow(ctx,
		`SELECT `+examColumns+` FROM exams WHERE id = $1`, id), e)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get exam %s: %w", id, err)
	}

	byExam, err := r.loadQuestions(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	e.Questions = byExam[id]
	return e, nil
}

// ListActive returns active exams matching filter, ordered by title.
func (r *ExamRepository) ListActive(ctx context.Context, filter model.ExamFilter) ([]model.Exam, error) {
	query := `SELECT ` + examColumns + ` FROM exams e WHERE e.is_active`
	var args []any

	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(" AND e.category = $%d", len(args))
	}
	if filter.Difficulty != 0 {
		args = append(args, filter.Difficulty)
		query += fmt.Sprintf(" AND e.difficulty = $%d", len(args))
	}
	if len(filter.Tags) > 0 {
		args = append(args, filter.Tags)
		n := len(args)
		query += fmt.Sprintf(` AND (e.tags && $%d OR EXISTS (
			SELECT 1 FROM exam_questions q WHERE q.exam_id = e.id AND q.tags && $%d))`, n, n)
	}
	query += " ORDER BY e.title, e.id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	defer rows.Close()

	var exams []model.Exam
	var ids []string
	for rows.Next() {
		var e model.Exam
		if err := scanExam(rows, &e); err != nil {
			return nil, err
		}
		exams = append(exams, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(exams) == 0 {
		return exams, nil
	}

	byExam, err := r.loadQuestions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range exams {
		exams[i].Questions = byExam[exams[i].ID]
	}
	return exams, nil
}

func (r *ExamRepository) loadQuestions(ctx context.Context, examIDs []string) (map[string][]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT exam_id, id, type, prompt, options, correct_answer, point_value,
		        tags, explanation, grading
		 FROM exam_questions
		 WHERE exam_id = ANY($1)
		 ORDER BY exam_id, position`, examIDs)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.Question, len(examIDs))
	for rows.Next() {
		var (
			examID        string
			q             model.Question
			correctAnswer []byte
			grading       []byte
		)
		if err := rows.Scan(&examID, &q.ID, &q.Type, &q.Prompt, &q.Options, &correctAnswer,
			&q.PointValue, &q.Tags, &q.Explanation, &grading); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(correctAnswer, &q.CorrectAnswer); err != nil {
			return nil, fmt.Errorf("question %s/%s correct_answer: %w", examID, q.ID, err)
		}
		if len(grading) > 0 {
			q.Grading = &model.GradingConfig{}
			if err := json.Unmarshal(grading, q.Grading); err != nil {
				return nil, fmt.Errorf("question %s/%s grading: %w", examID, q.ID, err)
			}
		}
		out[examID] = append(out[examID], q)
	}
	return out, rows.Err()
}

// Upsert replaces an exam and all of its questions in one transaction.
func (r *ExamRepository) Upsert(ctx context.Context, e *model.Exam) error {
	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tags := e.Tags
		if tags == nil {
			tags = []string{}
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO exams (id, title, description, category, difficulty, time_limit_minutes,
			                   passing_score_percent, tags, is_active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO UPDATE SET
			     title = EXCLUDED.title,
			     description = EXCLUDED.description,
			     category = EXCLUDED.category,
			     difficulty = EXCLUDED.difficulty,
			     time_limit_minutes = EXCLUDED.time_limit_minutes,
			     passing_score_percent = EXCLUDED.passing_score_percent,
			     tags = EXCLUDED.tags,
			     is_active = EXCLUDED.is_active,
			     updated_at = NOW()
			 RETURNING created_at, updated_at`,
			e.ID, e.Title, e.Description, e.Category, e.Difficulty, e.TimeLimitMinutes,
			e.PassingScorePercent, tags, e.IsActive,
		).Scan(&e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert exam %s: %w", e.ID, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM exam_questions WHERE exam_id = $1`, e.ID); err != nil {
			return fmt.Errorf("clear questions: %w", err)
		}

		batch := &pgx.Batch{}
		for i, q := range e.Questions {
			correct, err := json.Marshal(q.CorrectAnswer)
			if err != nil {
				return err
			}
			var grading []byte
			if q.Grading != nil {
				if grading, err = json.Marshal(q.Grading); err != nil {
					return err
				}
			}
			batch.Queue(
				`INSERT INTO exam_questions (exam_id, id, position, type, prompt, options,
				                            correct_answer, point_value, tags, explanation, grading)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				e.ID, q.ID, i, q.Type, q.Prompt, nonNil(q.Options), correct,
				q.PointValue, nonNil(q.Tags), q.Explanation, grading,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert questions: %w", err)
		}
		return nil
	})
}

// Deactivate hides an exam from listings and new starts.
func (r *ExamRepository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exams SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
