// Package payload builds submission payloads from an instance's answers.
// Each mapping entry resolves a source expression, shapes the value by its
// kind and writes it at a dotted target path of the output document.
package payload

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/pitabwire/stepwise/model"
)

// SelectedOption is the wire shape of a chosen option.
type SelectedOption struct {
	OptionID string `json:"optionId"`
	Title    string `json:"title"`
	Value    any    `json:"value"`
}

// QuestionAnswer is the wire shape of one answered question. Option
// questions carry SelectedOption, the others carry Answer.
type QuestionAnswer struct {
	QuestionID     string          `json:"questionId"`
	Question       string          `json:"question"`
	Type           string          `json:"type"`
	Answer         any             `json:"answer,omitempty"`
	SelectedOption *SelectedOption `json:"selectedOption,omitempty"`
}

// Assemble builds the JSON payload described by mapping. Entries are applied
// in order, so a later entry may refine an object written by an earlier one.
func Assemble(mapping model.PayloadMapping, src Sources) ([]byte, error) {
	doc := []byte(`{}`)
	for i, m := range mapping.Fields {
		v, skip, err := value(m, src)
		if err != nil {
			return nil, fmt.Errorf("payload.fields[%d] %s: %w", i, m.Target, err)
		}
		if skip {
			continue
		}
		doc, err = sjson.SetBytes(doc, m.Target, v)
		if err != nil {
			return nil, fmt.Errorf("payload.fields[%d] %s: %w", i, m.Target, err)
		}
	}
	return doc, nil
}

// AssembleMap is Assemble decoded into a generic map.
func AssembleMap(mapping model.PayloadMapping, src Sources) (map[string]any, error) {
	doc, err := Assemble(mapping, src)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func value(m model.FieldMapping, src Sources) (any, bool, error) {
	raw, err := src.Resolve(m.Source)
	if err != nil {
		return nil, false, err
	}

	if model.IsEmpty(raw) {
		if m.OmitEmpty {
			return nil, true, nil
		}
		if m.Empty != nil {
			return m.Empty, false, nil
		}
		return emptyFor(m.Kind), false, nil
	}

	field := sourceField(m.Source)
	set := src.Options[field]

	switch m.Kind {
	case model.MapString:
		return model.ValueString(raw), false, nil
	case model.MapNumber:
		f, ok := model.ToFloat(raw)
		if !ok {
			return float64(0), false, nil
		}
		return f, false, nil
	case model.MapBoolean:
		return toBool(raw), false, nil
	case model.MapOption:
		return selected(set, model.ValueString(raw)), false, nil
	case model.MapOptions:
		values := model.ToStrings(raw)
		out := make([]SelectedOption, 0, len(values))
		for _, v := range values {
			out = append(out, selected(set, v))
		}
		return out, false, nil
	case model.MapList:
		if list, ok := raw.([]any); ok {
			return list, false, nil
		}
		return []any{raw}, false, nil
	case model.MapQuestions:
		answers, ok := raw.(map[string]any)
		if !ok {
			return nil, false, fmt.Errorf("questions answer is %T, not an object", raw)
		}
		return questions(set, answers), false, nil
	default:
		return raw, false, nil
	}
}

// emptyFor is the default representation of an unanswered field.
func emptyFor(kind string) any {
	switch kind {
	case model.MapString:
		return ""
	case model.MapNumber:
		return float64(0)
	case model.MapBoolean:
		return false
	case model.MapOptions, model.MapList, model.MapQuestions:
		return []any{}
	default:
		return nil
	}
}

// selected expands a chosen value through the field's option set. A value
// missing from the set is sent as is.
func selected(set model.OptionSet, v string) SelectedOption {
	if o, ok := set.Find(v); ok {
		return SelectedOption{OptionID: o.ID, Title: o.Label, Value: o.Value}
	}
	return SelectedOption{OptionID: v, Title: v, Value: v}
}

// questions lists the answered questions in the order of the question set.
func questions(set model.OptionSet, answers map[string]any) []QuestionAnswer {
	out := make([]QuestionAnswer, 0, len(answers))
	for _, q := range set.Options {
		a, ok := answers[q.ID]
		if !ok || model.IsEmpty(a) {
			continue
		}
		qa := QuestionAnswer{QuestionID: q.ID, Question: q.Label, Type: q.Kind}
		switch q.Kind {
		case model.QuestionOptions:
			sel := selected(model.OptionSet{Options: q.Options}, model.ValueString(a))
			qa.SelectedOption = &sel
		case model.QuestionNumber:
			f, _ := model.ToFloat(a)
			qa.Answer = f
		default:
			qa.Answer = a
		}
		out = append(out, qa)
	}
	return out
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true") || t == "1" || strings.EqualFold(t, "yes")
	}
	f, ok := model.ToFloat(v)
	return ok && f != 0
}

// sourceField returns the field ID an answers expression reads.
func sourceField(expr string) string {
	ref, ok := strings.CutPrefix(strings.TrimSpace(expr), "answers.")
	if !ok {
		return ""
	}
	field, _, _ := strings.Cut(ref, ".")
	return field
}

// FieldTargets maps each payload target to the field ID it is built from.
// Entries that do not read an answer are left out.
func FieldTargets(mapping model.PayloadMapping) map[string]string {
	out := make(map[string]string)
	for _, m := range mapping.Fields {
		if field := sourceField(m.Source); field != "" {
			out[m.Target] = field
		}
	}
	return out
}
