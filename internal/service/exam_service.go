package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/kubelab-exams/internal/config"
	"github.com/stemsi/kubelab-exams/internal/model"
	"github.com/stemsi/kubelab-exams/internal/repository"
)

// ExamSource is a catalog backend.
type ExamSource interface {
	GetByID(ctx context.Context, id string) (*model.Exam, error)
	ListActive(ctx context.Context, filter model.ExamFilter) ([]model.Exam, error)
}

// ExamService is the read-only exam catalog with a Redis read-through cache.
type ExamService struct {
	source ExamSource
	rdb    *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewExamService creates a new ExamService. A nil rdb disables caching.
func NewExamService(source ExamSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *ExamService {
	return &ExamService{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		log:    log.With().Str("component", "exam_service").Logger(),
	}
}

// GetExam returns an active exam definition including answer keys.
func (s *ExamService) GetExam(ctx context.Context, examID string) (*model.Exam, error) {
	exam, err := s.Definition(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !exam.IsActive {
		return nil, ErrExamNotFound
	}
	return exam, nil
}

// ListExams returns active exams matching filter, ordered by title.
func (s *ExamService) ListExams(ctx context.Context, filter model.ExamFilter) ([]model.Exam, error) {
	exams, err := s.source.ListActive(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	return exams, nil
}

// Definition returns an exam whether or not it is active. It reads through
// the cache: cache failures are logged and the backend answers instead, and
// a miss is written back.
func (s *ExamService) Definition(ctx context.Context, examID string) (*model.Exam, error) {
	key := config.CacheKey.ExamDefinitionKey(examID)

	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var exam model.Exam
			jsonErr := json.Unmarshal(raw, &exam)
			if jsonErr == nil {
				return &exam, nil
			}
			s.log.Warn().Err(jsonErr).Str("exam_id", examID).Msg("Corrupt cached exam, reloading")
		case !errors.Is(err, redis.Nil):
			s.log.Warn().Err(err).Str("exam_id", examID).Msg("Exam cache read failed")
		}
	}

	exam, err := s.source.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	// Self-heal so the next read is served from Redis.
	if err := s.cache(ctx, exam); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID).Msg("Exam cache write failed")
	}
	return exam, nil
}

func (s *ExamService) cache(ctx context.Context, exam *model.Exam) error {
	if s.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(exam)
	if err != nil {
		return fmt.Errorf("marshal exam: %w", err)
	}
	return s.rdb.Set(ctx, config.CacheKey.ExamDefinitionKey(exam.ID), raw, s.ttl).Err()
}

// Invalidate drops the cached definition of examID.
func (s *ExamService) Invalidate(ctx context.Context, examID string) error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Del(ctx, config.CacheKey.ExamDefinitionKey(examID)).Err()
}

// PrewarmAllCaches loads every active exam into Redis on startup.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}

	exams, err := s.source.ListActive(ctx, model.ExamFilter{})
	if err != nil {
		return fmt.Errorf("list active exams: %w", err)
	}
	if len(exams) == 0 {
		s.log.Info().Msg("No active exams to prewarm")
		return nil
	}

	warmed := 0
	for i := range exams {
		if err := s.cache(ctx, &exams[i]); err != nil {
			s.log.Warn().
				Err(err).
				Str("exam_id", exams[i].ID).
				Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(exams)).
		Msg("Prewarming complete")
	return nil
}
