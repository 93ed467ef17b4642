package scoring

import (
	"strings"

	"github.com/stemsi/kubelab-exams/internal/model"
	"gopkg.in/yaml.v3"
)

// gradeExact compares a set answer as a multiset of the same size whose
// elements all belong to the correct set, and a string answer byte for byte.
func gradeExact(q *model.Question, answer model.Answer) Verdict {
	correct := q.CorrectAnswer
	if correct.IsSet() {
		if !answer.IsSet() {
			return none
		}
		want := correct.Values()
		got := answer.Values()
		if len(got) != len(want) {
			return none
		}
		members := make(map[string]struct{}, len(want))
		for _, w := range want {
			members[w] = struct{}{}
		}
		for _, g := range got {
			if _, ok := members[g]; !ok {
				return none
			}
		}
		return full
	}

	if answer.IsSet() || answer.String() != correct.String() {
		return none
	}
	return full
}

// gradeYAMLKeywords awards the fraction of required keywords present in the
// parsed submission.
func gradeYAMLKeywords(q *model.Question, answer model.Answer) Verdict {
	if q.Grading == nil || len(q.Grading.RequiredKeywords) == 0 {
		return gradeExact(q, answer)
	}
	if answer.IsSet() {
		return none
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(answer.String()), &doc); err != nil {
		return none
	}
	idx := newYAMLIndex()
	idx.walk(&doc)
	if len(idx.scalars) == 0 && len(idx.pairs) == 0 {
		return none
	}

	required := q.Grading.RequiredKeywords
	found := 0
	for _, kw := range required {
		if idx.has(kw) {
			found++
		}
	}
	return Verdict{
		Correct: found == len(required),
		Credit:  float64(found) / float64(len(required)),
	}
}

// gradeCommandLog gives full credit when the submitted execution log
// contains the success marker.
func (e *Engine) gradeCommandLog(q *model.Question, answer model.Answer) Verdict {
	marker := e.successMarker
	if q.Grading != nil && q.Grading.SuccessMarker != "" {
		marker = q.Grading.SuccessMarker
	}
	if marker == "" {
		return gradeExact(q, answer)
	}

	log := answer.String()
	if answer.IsSet() {
		log = strings.Join(answer.Values(), "\n")
	}
	if strings.Contains(log, marker) {
		return full
	}
	return none
}

type yamlIndex struct {
	scalars map[string]struct{}
	pairs   map[string]struct{}
}

func newYAMLIndex() *yamlIndex {
	return &yamlIndex{
		scalars: make(map[string]struct{}),
		pairs:   make(map[string]struct{}),
	}
}

func (x *yamlIndex) walk(n *yaml.Node) {
	if n == nil {
		return
	}
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			x.walk(c)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			x.walk(k)
			if v.Kind == yaml.ScalarNode {
				x.pairs[pairKey(k.Value, v.Value)] = struct{}{}
			}
			x.walk(v)
		}
	case yaml.ScalarNode:
		x.scalars[n.Value] = struct{}{}
	}
}

// has matches "key: value" keywords against mapping pairs and bare
// keywords against any key or scalar value.
func (x *yamlIndex) has(keyword string) bool {
	if k, v, ok := strings.Cut(keyword, ":"); ok {
		_, found := x.pairs[pairKey(strings.TrimSpace(k), strings.TrimSpace(v))]
		return found
	}
	_, found := x.scalars[strings.TrimSpace(keyword)]
	return found
}

func pairKey(k, v string) string {
	return k + "\x00" + v
}
