package model

import (
	"time"
)

// QuestionType enumerates the kinds of exam questions.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "multiple_choice"
	QuestionTypeYAMLGeneration QuestionType = "yaml_generation"
	QuestionTypeKubectlCommand QuestionType = "kubectl_command"
)

// GradingStrategy names a scoring strategy a question can opt into.
type GradingStrategy string

const (
	GradingExact        GradingStrategy = "exact"
	GradingYAMLKeywords GradingStrategy = "yaml_keywords"
	GradingCommandLog   GradingStrategy = "command_log"
)

// GradingConfig overrides how a single question is scored.
type GradingConfig struct {
	Strategy         GradingStrategy `json:"strategy,omitempty" yaml:"strategy" validate:"omitempty,oneof=exact yaml_keywords command_log"`
	RequiredKeywords []string        `json:"requiredKeywords,omitempty" yaml:"requiredKeywords" validate:"omitempty,dive,required"`
	SuccessMarker    string          `json:"successMarker,omitempty" yaml:"successMarker"`
}

// Question is a single exam question including its answer key.
type Question struct {
	ID            string         `json:"id" yaml:"id" validate:"required,max=64"`
	Type          QuestionType   `json:"type" yaml:"type" validate:"required,oneof=multiple_choice yaml_generation kubectl_command"`
	Prompt        string         `json:"prompt" yaml:"prompt" validate:"required"`
	Options       []string       `json:"options,omitempty" yaml:"options"`
	CorrectAnswer Answer         `json:"correctAnswer" yaml:"correctAnswer"`
	PointValue    int            `json:"pointValue" yaml:"pointValue" validate:"min=1"`
	Tags          []string       `json:"tags,omitempty" yaml:"tags"`
	Explanation   string         `json:"explanation,omitempty" yaml:"explanation"`
	Grading       *GradingConfig `json:"grading,omitempty" yaml:"grading" validate:"omitempty"`
}

// Exam is an immutable exam definition served by the catalog.
type Exam struct {
	ID                  string     `json:"id" yaml:"id" validate:"required,max=64"`
	Title               string     `json:"title" yaml:"title" validate:"required,max=255"`
	Description         string     `json:"description,omitempty" yaml:"description"`
	Category            string     `json:"category" yaml:"category" validate:"required,max=64"`
	Difficulty          int        `json:"difficulty" yaml:"difficulty" validate:"min=1,max=5"`
	TimeLimitMinutes    int        `json:"timeLimitMinutes" yaml:"timeLimitMinutes" validate:"min=1,max=480"`
	PassingScorePercent int        `json:"passingScorePercent" yaml:"passingScorePercent" validate:"min=0,max=100"`
	Tags                []string   `json:"tags,omitempty" yaml:"tags"`
	IsActive            bool       `json:"isActive" yaml:"active"`
	Questions           []Question `json:"questions" yaml:"questions" validate:"required,min=1,dive"`
	CreatedAt           time.Time  `json:"createdAt" yaml:"-"`
	UpdatedAt           time.Time  `json:"updatedAt" yaml:"-"`
}

// TotalPoints sums the point value of every question.
func (e *Exam) TotalPoints() int {
	total := 0
	for _, q := range e.Questions {
		total += q.PointValue
	}
	return total
}

// TagSet returns the exam tags merged with every question's tags.
func (e *Exam) TagSet() map[string]struct{} {
	set := make(map[string]struct{}, len(e.Tags))
	for _, t := range e.Tags {
		set[t] = struct{}{}
	}
	for _, q := range e.Questions {
		for _, t := range q.Tags {
			set[t] = struct{}{}
		}
	}
	return set
}

// ExamFilter narrows a catalog listing. Zero values match everything.
type ExamFilter struct {
	Category   string
	Difficulty int
	Tags       []string
}

// Matches applies exact matching on category and difficulty and
// set intersection on tags.
func (f ExamFilter) Matches(e *Exam) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Difficulty != 0 && e.Difficulty != f.Difficulty {
		return false
	}
	if len(f.Tags) == 0 {
		return true
	}
	set := e.TagSet()
	for _, t := range f.Tags {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// ExamPayload is the exam as sent to a learner taking it (no answer keys).
type ExamPayload struct {
	ID                  string               `json:"id"`
	Title               string               `json:"title"`
	Description         string               `json:"description,omitempty"`
	Category            string               `json:"category"`
	Difficulty          int                  `json:"difficulty"`
	TimeLimitMinutes    int                  `json:"timeLimitMinutes"`
	PassingScorePercent int                  `json:"passingScorePercent"`
	Questions           []QuestionForLearner `json:"questions"`
}

// QuestionForLearner is a question stripped of its correct answer, explanation and grading config.
type QuestionForLearner struct {
	ID         string       `json:"id"`
	Type       QuestionType `json:"type"`
	Prompt     string       `json:"prompt"`
	Options    []string     `json:"options,omitempty"`
	PointValue int          `json:"pointValue"`
	Tags       []string     `json:"tags,omitempty"`
}

// Redact builds the learner-facing copy of the exam.
func (e *Exam) Redact() *ExamPayload {
	questions := make([]QuestionForLearner, len(e.Questions))
	for i, q := range e.Questions {
		questions[i] = QuestionForLearner{
			ID:         q.ID,
			Type:       q.Type,
			Prompt:     q.Prompt,
			Options:    q.Options,
			PointValue: q.PointValue,
			Tags:       q.Tags,
		}
	}
	return &ExamPayload{
		ID:                  e.ID,
		Title:               e.Title,
		Description:         e.Description,
		Category:            e.Category,
		Difficulty:          e.Difficulty,
		TimeLimitMinutes:    e.TimeLimitMinutes,
		PassingScorePercent: e.PassingScorePercent,
		Questions:           questions,
	}
}
