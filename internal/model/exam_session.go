package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionKey identifies the (user, exam) pair that may hold at most one active session.
type SessionKey struct {
	UserID string
	ExamID string
}

// ExamSession is one in-progress (or terminated) attempt at an exam.
type ExamSession struct {
	ID               uuid.UUID         `json:"id"`
	ExamID           string            `json:"examId"`
	UserID           string            `json:"userId"`
	StartedAt        time.Time         `json:"startedAt"`
	TimeLimitMinutes int               `json:"timeLimitMinutes"`
	Answers          map[string]Answer `json:"answers"`
	IsActive         bool              `json:"isActive"`
	FinishedAt       *time.Time        `json:"finishedAt,omitempty"`
}

// Key returns the uniqueness key of the session.
func (s *ExamSession) Key() SessionKey {
	return SessionKey{UserID: s.UserID, ExamID: s.ExamID}
}

// Deadline is the moment the declared time limit runs out.
func (s *ExamSession) Deadline() time.Time {
	return s.StartedAt.Add(time.Duration(s.TimeLimitMinutes) * time.Minute)
}

// Remaining returns whole seconds left at now, clamped at zero.
func (s *ExamSession) Remaining(now time.Time) int {
	left := s.Deadline().Sub(now)
	if left < 0 {
		return 0
	}
	return int(left.Seconds())
}

// StartExamResponse is returned when a learner starts an exam.
type StartExamResponse struct {
	SessionID     uuid.UUID    `json:"sessionId"`
	Exam          *ExamPayload `json:"exam"`
	TimeRemaining int          `json:"timeRemaining"`
}
