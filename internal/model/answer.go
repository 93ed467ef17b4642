package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrInvalidAnswer is returned when an answer is neither a string nor a list of strings.
var ErrInvalidAnswer = errors.New("answer must be a string or an array of strings")

// Answer is either a single string or a set of strings (multi-select).
// On the wire it is a JSON string or a JSON array of strings.
type Answer struct {
	value  string
	values []string
	isSet  bool
}

// SingleAnswer builds a single-string answer.
func SingleAnswer(v string) Answer {
	return Answer{value: v}
}

// SetAnswer builds a multi-select answer. Order is kept as given; duplicates are kept.
func SetAnswer(vs ...string) Answer {
	values := make([]string, len(vs))
	copy(values, vs)
	return Answer{values: values, isSet: true}
}

// IsSet reports whether the answer is a multi-select set.
func (a Answer) IsSet() bool { return a.isSet }

// String returns the single value; empty for sets.
func (a Answer) String() string { return a.value }

// Values returns a copy of the set members; nil for single answers.
func (a Answer) Values() []string {
	if !a.isSet {
		return nil
	}
	out := make([]string, len(a.values))
	copy(out, a.values)
	return out
}

// IsZero reports whether the answer carries nothing at all.
func (a Answer) IsZero() bool {
	return !a.isSet && a.value == ""
}

func (a Answer) MarshalJSON() ([]byte, error) {
	if a.isSet {
		if a.values == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(a.values)
	}
	return json.Marshal(a.value)
}

func (a *Answer) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ErrInvalidAnswer
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return ErrInvalidAnswer
		}
		*a = SingleAnswer(s)
		return nil
	case '[':
		var vs []string
		if err := json.Unmarshal(trimmed, &vs); err != nil {
			return ErrInvalidAnswer
		}
		if vs == nil {
			vs = []string{}
		}
		*a = Answer{values: vs, isSet: true}
		return nil
	default:
		return ErrInvalidAnswer
	}
}

func (a Answer) MarshalYAML() (interface{}, error) {
	if a.isSet {
		return a.values, nil
	}
	return a.value, nil
}

func (a *Answer) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*a = SingleAnswer(node.Value)
		return nil
	case yaml.SequenceNode:
		var vs []string
		if err := node.Decode(&vs); err != nil {
			return fmt.Errorf("line %d: %w", node.Line, ErrInvalidAnswer)
		}
		if vs == nil {
			vs = []string{}
		}
		*a = Answer{values: vs, isSet: true}
		return nil
	default:
		return fmt.Errorf("line %d: %w", node.Line, ErrInvalidAnswer)
	}
}

// ParseAnswers decodes a raw answers payload keyed by question id.
// Malformed entries are reported per field as "answers.<questionId>".
func ParseAnswers(raw map[string]json.RawMessage) (map[string]Answer, map[string]string) {
	answers := make(map[string]Answer, len(raw))
	var fields map[string]string

	for qid, msg := range raw {
		var a Answer
		if err := a.UnmarshalJSON(msg); err != nil {
			if fields == nil {
				fields = make(map[string]string)
			}
			fields["answers."+qid] = err.Error()
			continue
		}
		answers[qid] = a
	}

	if fields != nil {
		return nil, fields
	}
	return answers, nil
}
