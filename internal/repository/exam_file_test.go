package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/kubelab-exams/internal/model"
)

func TestLoadCatalogFile_Sample(t *testing.T) {
	exams, err := LoadCatalogFile("../../catalog/exams.yaml")
	require.NoError(t, err)
	require.Len(t, exams, 3)

	fundamentals := exams[0]
	assert.Equal(t, "k8s-fundamentals", fundamentals.ID)
	assert.True(t, fundamentals.IsActive)
	assert.Equal(t, 40, fundamentals.TotalPoints())
	require.Len(t, fundamentals.Questions, 3)
	assert.False(t, fundamentals.Questions[0].CorrectAnswer.IsSet())
	assert.Equal(t, "Pod", fundamentals.Questions[0].CorrectAnswer.String())
	assert.True(t, fundamentals.Questions[1].CorrectAnswer.IsSet())
	assert.Equal(t, []string{"Pod", "Service"}, fundamentals.Questions[1].CorrectAnswer.Values())

	workloads := exams[1]
	require.NotNil(t, workloads.Questions[0].Grading)
	assert.Equal(t, model.GradingYAMLKeywords, workloads.Questions[0].Grading.Strategy)
	assert.Len(t, workloads.Questions[0].Grading.RequiredKeywords, 4)

	assert.False(t, exams[2].IsActive)
}

func TestLoadCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name: "passing score out of range",
			yaml: `
exams:
  - id: bad
    title: Bad
    category: x
    difficulty: 1
    timeLimitMinutes: 10
    passingScorePercent: 120
    questions:
      - {id: q1, type: kubectl_command, prompt: p, correctAnswer: a, pointValue: 1}
`,
			field: "passingScorePercent",
		},
		{
			name: "zero point value",
			yaml: `
exams:
  - id: bad
    title: Bad
    category: x
    difficulty: 1
    timeLimitMinutes: 10
    passingScorePercent: 50
    questions:
      - {id: q1, type: kubectl_command, prompt: p, correctAnswer: a, pointValue: 0}
`,
			field: "questions",
		},
		{
			name: "duplicate question id",
			yaml: `
exams:
  - id: bad
    title: Bad
    category: x
    difficulty: 1
    timeLimitMinutes: 10
    passingScorePercent: 50
    questions:
      - {id: q1, type: kubectl_command, prompt: p, correctAnswer: a, pointValue: 1}
      - {id: q1, type: kubectl_command, prompt: p, correctAnswer: b, pointValue: 1}
`,
			field: "questions[1].id",
		},
		{
			name: "multiple choice without options",
			yaml: `
exams:
  - id: bad
    title: Bad
    category: x
    difficulty: 1
    timeLimitMinutes: 10
    passingScorePercent: 50
    questions:
      - {id: q1, type: multiple_choice, prompt: p, correctAnswer: a, pointValue: 1}
`,
			field: "questions[0].options",
		},
		{
			name: "missing correct answer",
			yaml: `
exams:
  - id: bad
    title: Bad
    category: x
    difficulty: 1
    timeLimitMinutes: 10
    passingScorePercent: 50
    questions:
      - {id: q1, type: kubectl_command, prompt: p, pointValue: 1}
`,
			field: "questions[0].correctAnswer",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadCatalog(strings.NewReader(tc.yaml))
			require.Error(t, err)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "bad", ve.ExamID)
			assert.Contains(t, ve.Fields, tc.field)
		})
	}
}

func TestLoadCatalog_MalformedAnswer(t *testing.T) {
	_, err := LoadCatalog(strings.NewReader(`
exams:
  - id: bad
    title: Bad
    category: x
    difficulty: 1
    timeLimitMinutes: 10
    passingScorePercent: 50
    questions:
      - id: q1
        type: kubectl_command
        prompt: p
        pointValue: 1
        correctAnswer: {not: valid}
`))
	assert.ErrorIs(t, err, model.ErrInvalidAnswer)
}

func TestMemoryExamRepository_ListActive(t *testing.T) {
	exams, err := LoadCatalogFile("../../catalog/exams.yaml")
	require.NoError(t, err)
	repo := NewMemoryExamRepository(exams)
	ctx := context.Background()

	all, err := repo.ListActive(ctx, model.ExamFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Kubernetes Fundamentals", all[0].Title)
	assert.Equal(t, "Workloads and Manifests", all[1].Title)

	byCategory, err := repo.ListActive(ctx, model.ExamFilter{Category: "workloads"})
	require.NoError(t, err)
	require.Len(t, byCategory, 1)
	assert.Equal(t, "k8s-workloads", byCategory[0].ID)

	byDifficulty, err := repo.ListActive(ctx, model.ExamFilter{Difficulty: 3})
	require.NoError(t, err)
	assert.Empty(t, byDifficulty)

	// question-level tags count toward the exam's tag set
	byTag, err := repo.ListActive(ctx, model.ExamFilter{Tags: []string{"namespaces", "unrelated"}})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, "k8s-fundamentals", byTag[0].ID)

	draft, err := repo.GetByID(ctx, "k8s-networking-draft")
	require.NoError(t, err)
	assert.False(t, draft.IsActive)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
