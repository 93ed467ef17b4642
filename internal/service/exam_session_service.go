package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/kubelab-exams/internal/model"
	"github.com/stemsi/kubelab-exams/internal/repository"
	"github.com/stemsi/kubelab-exams/internal/scoring"
)

// Catalog is the part of the exam catalog the session lifecycle needs.
type Catalog interface {
	GetExam(ctx context.Context, examID string) (*model.Exam, error)
	Definition(ctx context.Context, examID string) (*model.Exam, error)
}

// SessionStore owns every exam session. Implementations must make
// InsertIfAbsent and Finish atomic.
type SessionStore interface {
	InsertIfAbsent(ctx context.Context, s *model.ExamSession) error
	GetActive(ctx context.Context, key model.SessionKey) (*model.ExamSession, error)
	Finish(ctx context.Context, key model.SessionKey, sessionID uuid.UUID, answers map[string]model.Answer, at time.Time) (*model.ExamSession, error)
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]model.ExamSession, error)
}

// AttemptStore is the append-only attempt history.
type AttemptStore interface {
	Create(ctx context.Context, a *model.Attempt) error
	ListByUserAndExam(ctx context.Context, userID, examID string) ([]model.Attempt, error)
}

// SessionOptions tunes time limit handling.
type SessionOptions struct {
	// EnforceTimeLimit auto-fails submissions that arrive after the
	// deadline plus SubmitGrace. When false the limit is advisory.
	EnforceTimeLimit bool
	SubmitGrace      time.Duration
}

// ExamSessionService drives a session from start to a recorded attempt.
// It is the only writer of sessions.
type ExamSessionService struct {
	catalog  Catalog
	sessions SessionStore
	attempts AttemptStore
	engine   *scoring.Engine
	opts     SessionOptions
	now      func() time.Time
	log      zerolog.Logger
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	catalog Catalog,
	sessions SessionStore,
	attempts AttemptStore,
	engine *scoring.Engine,
	opts SessionOptions,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		catalog:  catalog,
		sessions: sessions,
		attempts: attempts,
		engine:   engine,
		opts:     opts,
		now:      time.Now,
		log:      log.With().Str("component", "exam_session_service").Logger(),
	}
}

// WithClock replaces the time source.
func (s *ExamSessionService) WithClock(now func() time.Time) *ExamSessionService {
	s.now = now
	return s
}

func (s *ExamSessionService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Start opens a session for (userID, examID) and returns the exam without
// answer keys.
func (s *ExamSessionService) Start(ctx context.Context, userID, examID string) (*model.StartExamResponse, error) {
	exam, err := s.catalog.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	sess := &model.ExamSession{
		ID:               uuid.New(),
		ExamID:           exam.ID,
		UserID:           userID,
		StartedAt:        s.clock(),
		TimeLimitMinutes: exam.TimeLimitMinutes,
		Answers:          map[string]model.Answer{},
		IsActive:         true,
	}
	if err := s.sessions.InsertIfAbsent(ctx, sess); err != nil {
		if errors.Is(err, repository.ErrActiveSessionExists) {
			return nil, ErrSessionAlreadyActive
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.log.Info().
		Str("user_id", userID).
		Str("exam_id", examID).
		Str("session_id", sess.ID.String()).
		Msg("Exam session started")

	return &model.StartExamResponse{
		SessionID:     sess.ID,
		Exam:          exam.Redact(),
		TimeRemaining: exam.TimeLimitMinutes * 60,
	}, nil
}

// Submit terminates the caller's active session and records the graded attempt.
// Sessions that are missing, finished, or owned by someone else all yield
// ErrSessionNotFound.
func (s *ExamSessionService) Submit(ctx context.Context, userID, examID string, sessionID uuid.UUID, answers map[string]model.Answer) (*model.ExamResult, error) {
	exam, err := s.catalog.Definition(ctx, examID)
	if err != nil {
		if errors.Is(err, ErrExamNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	now := s.clock()
	key := model.SessionKey{UserID: userID, ExamID: examID}
	sess, err := s.sessions.Finish(ctx, key, sessionID, answers, now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("finish session: %w", err)
	}

	late := s.opts.EnforceTimeLimit && now.After(sess.Deadline().Add(s.opts.SubmitGrace))
	if late {
		s.log.Warn().
			Str("user_id", userID).
			Str("exam_id", examID).
			Str("session_id", sessionID.String()).
			Time("deadline", sess.Deadline()).
			Msg("Late submission auto-failed")
	}

	return s.record(ctx, exam, sess, now, late)
}

// Expire finalises an abandoned session with no answers. It returns
// ErrSessionNotFound if the session was submitted in the meantime.
func (s *ExamSessionService) Expire(ctx context.Context, sess model.ExamSession) (*model.ExamResult, error) {
	exam, err := s.catalog.Definition(ctx, sess.ExamID)
	if err != nil {
		if !errors.Is(err, ErrExamNotFound) {
			return nil, err
		}
		// The exam left the catalog; still close the session.
		exam = &model.Exam{ID: sess.ExamID}
	}

	now := s.clock()
	finished, err := s.sessions.Finish(ctx, sess.Key(), sess.ID, nil, now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("finish session: %w", err)
	}
	return s.record(ctx, exam, finished, now, true)
}

// record scores a terminated session and appends its attempt. Expired
// sessions are scored as if nothing had been answered.
func (s *ExamSessionService) record(ctx context.Context, exam *model.Exam, sess *model.ExamSession, now time.Time, expired bool) (*model.ExamResult, error) {
	graded := sess.Answers
	if expired {
		graded = nil
	}
	outcome := s.engine.Score(exam, graded)

	percentage := Percentage(outcome.TotalScore, outcome.TotalPoints)
	passed := !expired && Passed(percentage, exam.PassingScorePercent)
	timeSpent := int(now.Sub(sess.StartedAt).Seconds())
	if timeSpent < 0 {
		timeSpent = 0
	}

	attempt := &model.Attempt{
		ID:               uuid.New(),
		SessionID:        sess.ID,
		ExamID:           sess.ExamID,
		UserID:           sess.UserID,
		Answers:          sess.Answers,
		Score:            outcome.TotalScore,
		TotalPoints:      outcome.TotalPoints,
		Percentage:       percentage,
		CorrectAnswers:   outcome.CorrectAnswers,
		TotalQuestions:   len(exam.Questions),
		TimeSpentSeconds: timeSpent,
		StartedAt:        sess.StartedAt,
		CompletedAt:      now,
		Passed:           passed,
		Expired:          expired,
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		s.log.Error().
			Err(err).
			Str("user_id", sess.UserID).
			Str("exam_id", sess.ExamID).
			Str("session_id", sess.ID.String()).
			Msg("Session finished but attempt was not recorded")
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	s.log.Info().
		Str("user_id", sess.UserID).
		Str("exam_id", sess.ExamID).
		Str("attempt_id", attempt.ID.String()).
		Float64("score", attempt.Score).
		Int("percentage", percentage).
		Bool("passed", passed).
		Bool("expired", expired).
		Msg("Attempt recorded")

	return &model.ExamResult{
		AttemptID:      attempt.ID,
		Score:          attempt.Score,
		TotalPoints:    attempt.TotalPoints,
		Percentage:     percentage,
		Passed:         passed,
		TimeSpent:      timeSpent,
		CorrectAnswers: attempt.CorrectAnswers,
		TotalQuestions: attempt.TotalQuestions,
		Expired:        expired,
		Results:        outcome.Results,
	}, nil
}

// Results lists the caller's attempts at an exam, newest first.
func (s *ExamSessionService) Results(ctx context.Context, userID, examID string) ([]model.Attempt, error) {
	attempts, err := s.attempts.ListByUserAndExam(ctx, userID, examID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	if len(attempts) == 0 {
		return nil, ErrNoAttempts
	}
	return attempts, nil
}

// ActiveSession returns the caller's open session for an exam.
func (s *ExamSessionService) ActiveSession(ctx context.Context, userID, examID string) (*model.ExamSession, error) {
	sess, err := s.sessions.GetActive(ctx, model.SessionKey{UserID: userID, ExamID: examID})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

// TimeRemaining reports whole seconds left in the caller's active session.
func (s *ExamSessionService) TimeRemaining(ctx context.Context, userID, examID string) (int, error) {
	sess, err := s.ActiveSession(ctx, userID, examID)
	if err != nil {
		return 0, err
	}
	return s.Remaining(sess), nil
}

// Remaining reports whole seconds left in sess, never negative.
func (s *ExamSessionService) Remaining(sess *model.ExamSession) int {
	return sess.Remaining(s.clock())
}

// ExpiredSessions lists active sessions whose deadline passed before cutoff.
func (s *ExamSessionService) ExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]model.ExamSession, error) {
	return s.sessions.ListExpired(ctx, cutoff, limit)
}

// Percentage is round(100 * score / totalPoints), or 0 without points.
func Percentage(score float64, totalPoints int) int {
	if totalPoints <= 0 {
		return 0
	}
	return int(math.Round(100 * score / float64(totalPoints)))
}

// Passed applies the inclusive pass threshold.
func Passed(percentage, passingScorePercent int) bool {
	return percentage >= passingScorePercent
}
