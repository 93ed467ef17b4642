// Package scoring grades submitted answers against an exam definition.
// Nothing in this package performs I/O and nothing in it returns an error:
// a missing or malformed answer is simply an incorrect one.
package scoring

import (
	"fmt"

	"github.com/stemsi/kubelab-exams/internal/model"
)

// Mode selects the default strategy per question type.
type Mode string

const (
	// ModeExact grades every question by exact comparison.
	ModeExact Mode = "exact"
	// ModeHeuristic awards partial credit for yaml_generation and
	// kubectl_command questions.
	ModeHeuristic Mode = "heuristic"
)

// ParseMode validates a configured scoring mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeExact, ModeHeuristic:
		return Mode(s), nil
	case "":
		return ModeExact, nil
	}
	return "", fmt.Errorf("unknown scoring mode %q", s)
}

// Verdict is the outcome of grading one answer. Credit is in [0,1].
type Verdict struct {
	Correct bool
	Credit  float64
}

var (
	full = Verdict{Correct: true, Credit: 1}
	none = Verdict{}
)

// Strategy grades a present answer for a single question.
type Strategy interface {
	Grade(q *model.Question, answer model.Answer) Verdict
}

// StrategyFunc adapts a plain function to Strategy.
type StrategyFunc func(q *model.Question, answer model.Answer) Verdict

func (f StrategyFunc) Grade(q *model.Question, answer model.Answer) Verdict {
	return f(q, answer)
}

// Outcome aggregates the per-question results of one submission.
type Outcome struct {
	Results        []model.QuestionResult
	TotalScore     float64
	TotalPoints    int
	CorrectAnswers int
}

// Engine maps questions to strategies and aggregates their verdicts.
type Engine struct {
	mode          Mode
	successMarker string
	strategies    map[model.GradingStrategy]Strategy
}

// Option configures an Engine.
type Option func(*Engine)

// WithSuccessMarker sets the marker command_log grading looks for when a
// question does not configure its own.
func WithSuccessMarker(marker string) Option {
	return func(e *Engine) { e.successMarker = marker }
}

// WithStrategy registers or replaces the strategy used for name.
func WithStrategy(name model.GradingStrategy, s Strategy) Option {
	return func(e *Engine) { e.strategies[name] = s }
}

// NewEngine builds an engine with the built-in strategies.
func NewEngine(mode Mode, opts ...Option) *Engine {
	if mode == "" {
		mode = ModeExact
	}
	e := &Engine{
		mode:       mode,
		strategies: make(map[model.GradingStrategy]Strategy, 3),
	}
	e.strategies[model.GradingExact] = StrategyFunc(gradeExact)
	e.strategies[model.GradingYAMLKeywords] = StrategyFunc(gradeYAMLKeywords)
	e.strategies[model.GradingCommandLog] = StrategyFunc(e.gradeCommandLog)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode reports the engine's default mode.
func (e *Engine) Mode() Mode { return e.mode }

// Score grades answers against every question of exam in definition order.
// Answers to question ids the exam does not define are ignored.
func (e *Engine) Score(exam *model.Exam, answers map[string]model.Answer) *Outcome {
	out := &Outcome{
		Results:     make([]model.QuestionResult, 0, len(exam.Questions)),
		TotalPoints: exam.TotalPoints(),
	}

	for i := range exam.Questions {
		q := &exam.Questions[i]
		res := model.QuestionResult{
			QuestionID:    q.ID,
			PointValue:    q.PointValue,
			CorrectAnswer: q.CorrectAnswer,
			Explanation:   q.Explanation,
		}

		if ans, ok := answers[q.ID]; ok {
			submitted := ans
			res.UserAnswer = &submitted

			v := e.strategyFor(q).Grade(q, ans)
			res.IsCorrect = v.Correct
			res.PointsAwarded = float64(q.PointValue) * clamp(v.Credit)
		}

		if res.IsCorrect {
			out.CorrectAnswers++
		}
		out.TotalScore += res.PointsAwarded
		out.Results = append(out.Results, res)
	}

	return out
}

func (e *Engine) strategyFor(q *model.Question) Strategy {
	if q.Grading != nil && q.Grading.Strategy != "" {
		if s, ok := e.strategies[q.Grading.Strategy]; ok {
			return s
		}
	}
	if e.mode == ModeHeuristic {
		switch q.Type {
		case model.QuestionTypeYAMLGeneration:
			return e.strategies[model.GradingYAMLKeywords]
		case model.QuestionTypeKubectlCommand:
			return e.strategies[model.GradingCommandLog]
		}
	}
	return e.strategies[model.GradingExact]
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
