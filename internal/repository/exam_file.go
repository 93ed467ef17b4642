package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stemsi/kubelab-exams/internal/model"
	"github.com/stemsi/kubelab-exams/internal/validator"
)

// ValidationError reports every problem found in one exam definition.
type ValidationError struct {
	ExamID string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("exam %q is invalid: %s", e.ExamID, strings.Join(parts, "; "))
}

// ValidateExam checks struct tags plus the cross-field rules a definition
// must satisfy before it can be served.
func ValidateExam(e *model.Exam) error {
	fields := validator.Struct(e)
	if fields == nil {
		fields = make(map[string]string)
	}

	if e.TotalPoints() <= 0 {
		fields["questions"] = "total point value must be greater than zero"
	}

	seen := make(map[string]int, len(e.Questions))
	for i, q := range e.Questions {
		path := fmt.Sprintf("questions[%d]", i)
		if j, dup := seen[q.ID]; dup && q.ID != "" {
			fields[path+".id"] = fmt.Sprintf("duplicates questions[%d].id %q", j, q.ID)
		}
		seen[q.ID] = i

		if q.Type == model.QuestionTypeMultipleChoice && len(q.Options) == 0 {
			fields[path+".options"] = "options is required for multiple_choice questions"
		}
		if q.CorrectAnswer.IsZero() {
			fields[path+".correctAnswer"] = "correctAnswer is a required field"
		}
	}

	if len(fields) > 0 {
		return &ValidationError{ExamID: e.ID, Fields: fields}
	}
	return nil
}

type catalogFile struct {
	Exams []model.Exam `yaml:"exams"`
}

// LoadCatalog decodes and validates a YAML catalog. Exams default to active
// unless the file says `active: false`.
func LoadCatalog(r io.Reader) ([]model.Exam, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("parse catalog: empty document")
	}

	var file catalogFile
	if err := decodeCatalog(root.Content[0], &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	ids := make(map[string]struct{}, len(file.Exams))
	for i := range file.Exams {
		e := &file.Exams[i]
		if _, dup := ids[e.ID]; dup {
			return nil, &ValidationError{ExamID: e.ID, Fields: map[string]string{"id": "duplicate exam id"}}
		}
		ids[e.ID] = struct{}{}
		if err := ValidateExam(e); err != nil {
			return nil, err
		}
	}
	return file.Exams, nil
}

// decodeCatalog decodes exams one by one so IsActive can default to true.
func decodeCatalog(node *yaml.Node, out *catalogFile) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: catalog must be a mapping with an exams list", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "exams" {
			continue
		}
		list := node.Content[i+1]
		if list.Kind != yaml.SequenceNode {
			return fmt.Errorf("line %d: exams must be a list", list.Line)
		}
		for _, item := range list.Content {
			e := model.Exam{IsActive: true}
			if err := item.Decode(&e); err != nil {
				return err
			}
			out.Exams = append(out.Exams, e)
		}
	}
	return nil
}

// LoadCatalogFile opens path and loads it with LoadCatalog.
func LoadCatalogFile(path string) ([]model.Exam, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return LoadCatalog(bytes.NewReader(raw))
}

// MemoryExamRepository serves a fixed catalog held in memory.
type MemoryExamRepository struct {
	mu    sync.RWMutex
	exams map[string]model.Exam
}

// NewMemoryExamRepository indexes exams by id. Later duplicates win.
func NewMemoryExamRepository(exams []model.Exam) *MemoryExamRepository {
	r := &MemoryExamRepository{exams: make(map[string]model.Exam, len(exams))}
	now := time.Now().UTC()
	for _, e := range exams {
		if e.CreatedAt.IsZero() {
			e.CreatedAt, e.UpdatedAt = now, now
		}
		r.exams[e.ID] = e
	}
	return r
}

// NewFileExamRepository loads a YAML catalog into memory.
func NewFileExamRepository(path string) (*MemoryExamRepository, error) {
	exams, err := LoadCatalogFile(path)
	if err != nil {
		return nil, err
	}
	return NewMemoryExamRepository(exams), nil
}

func (r *MemoryExamRepository) GetByID(_ context.Context, id string) (*model.Exam, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.exams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (r *MemoryExamRepository) ListActive(_ context.Context, filter model.ExamFilter) ([]model.Exam, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Exam, 0, len(r.exams))
	for _, e := range r.exams {
		if e.IsActive && filter.Matches(&e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
