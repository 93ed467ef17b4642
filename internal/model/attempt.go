package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Attempt is the immutable record of a terminated session.
type Attempt struct {
	ID               uuid.UUID         `json:"id"`
	SessionID        uuid.UUID         `json:"sessionId"`
	ExamID           string            `json:"examId"`
	UserID           string            `json:"userId"`
	Answers          map[string]Answer `json:"answers"`
	Score            float64           `json:"score"`
	TotalPoints      int               `json:"totalPoints"`
	Percentage       int               `json:"percentage"`
	CorrectAnswers   int               `json:"correctAnswers"`
	TotalQuestions   int               `json:"totalQuestions"`
	TimeSpentSeconds int               `json:"timeSpent"`
	StartedAt        time.Time         `json:"startedAt"`
	CompletedAt      time.Time         `json:"completedAt"`
	Passed           bool              `json:"passed"`
	Expired          bool              `json:"expired"`
}

// QuestionResult is the per-question outcome embedded in a submit response.
type QuestionResult struct {
	QuestionID    string  `json:"questionId"`
	IsCorrect     bool    `json:"isCorrect"`
	PointsAwarded float64 `json:"pointsAwarded"`
	PointValue    int     `json:"pointValue"`
	UserAnswer    *Answer `json:"userAnswer"`
	CorrectAnswer Answer  `json:"correctAnswer"`
	Explanation   string  `json:"explanation,omitempty"`
}

// ExamResult is the graded outcome of a submit.
type ExamResult struct {
	AttemptID      uuid.UUID        `json:"attemptId"`
	Score          float64          `json:"score"`
	TotalPoints    int              `json:"totalPoints"`
	Percentage     int              `json:"percentage"`
	Passed         bool             `json:"passed"`
	TimeSpent      int              `json:"timeSpent"`
	CorrectAnswers int              `json:"correctAnswers"`
	TotalQuestions int              `json:"totalQuestions"`
	Expired        bool             `json:"expired,omitempty"`
	Results        []QuestionResult `json:"results"`
}

// SubmitExamRequest is the payload for submitting an exam.
type SubmitExamRequest struct {
	SessionID string                     `json:"sessionId" binding:"required,uuid"`
	Answers   map[string]json.RawMessage `json:"answers"`
}
