// Package validation checks answers against field schemas. A step may be
// advanced exactly when ValidateStep reports it valid.
package validation

import (
	"strings"

	"github.com/pitabwire/stepwise/model"
)

// Messages attached to invalid fields.
const (
	MsgRequired       = "This field is required"
	MsgNumber         = "Enter a number"
	MsgOption         = "Select one of the available options"
	MsgOptionsPending = "Options are not available yet"
	MsgGate           = "Verification is required"
	MsgQuestions      = "Answer every question"
)

// Result is the outcome of validating one step.
type Result struct {
	Valid  bool              `json:"valid"`
	Errors map[string]string `json:"errors,omitempty"`
}

// ValidateStep checks every field of step. options holds the current option
// set of each field that has one, keyed by field ID.
func ValidateStep(step model.StepDefinition, values map[string]any, options map[string]model.OptionSet) Result {
	res := Result{Valid: true}
	for _, f := range step.Fields {
		set, hasSet := options[f.ID]
		if msg, ok := FieldValid(f, values[f.ID], set, hasSet); !ok {
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[f.ID] = msg
			res.Valid = false
		}
	}
	return res
}

// FirstInvalid validates steps in order and returns the first invalid one.
// Steps after stopAt are not checked; an empty stopAt checks all of them.
func FirstInvalid(def model.WizardDefinition, values map[string]any, options map[string]model.OptionSet, stopAt string) (string, Result, bool) {
	for _, step := range def.OrderedSteps() {
		if res := ValidateStep(step, values, options); !res.Valid {
			return step.ID, res, true
		}
		if step.ID == stopAt {
			break
		}
	}
	return "", Result{Valid: true}, false
}

// FieldValid reports whether v is an acceptable answer for f, and the
// message to show when it is not. set is the field's current option set and
// hasSet reports whether one has been resolved.
//
// Optional fields are always valid: a value that would fail the type check
// is still accepted and left for the backend to judge.
func FieldValid(f model.FieldSchema, v any, set model.OptionSet, hasSet bool) (string, bool) {
	if f.Gate {
		if b, _ := v.(bool); b {
			return "", true
		}
		return MsgGate, false
	}
	if !f.Required {
		return "", true
	}
	if f.Type == model.FieldQuestions {
		return questionsValid(v, set, hasSet)
	}
	if model.IsEmpty(v) {
		return MsgRequired, false
	}

	switch f.Type {
	case model.FieldText:
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			return MsgRequired, false
		}
	case model.FieldNumber:
		if _, ok := model.ToFloat(v); !ok {
			return MsgNumber, false
		}
	case model.FieldBoolean:
		if _, ok := v.(bool); !ok {
			return MsgRequired, false
		}
	case model.FieldSelect:
		if f.OptionsKey == "" {
			return "", true
		}
		if !hasSet || set.Disabled {
			return MsgOptionsPending, false
		}
		if _, ok := set.Find(model.ValueString(v)); !ok {
			return MsgOption, false
		}
	case model.FieldMultiSelect:
		if f.OptionsKey == "" {
			return "", true
		}
		if !hasSet || set.Disabled {
			return MsgOptionsPending, false
		}
		for _, item := range model.ToStrings(v) {
			if _, ok := set.Find(item); !ok {
				return MsgOption, false
			}
		}
	}
	return "", true
}

// questionsValid requires an answer of the right kind for every question in
// the resolved set. A resolved set without questions needs no answers.
func questionsValid(v any, set model.OptionSet, hasSet bool) (string, bool) {
	if !hasSet || set.Disabled {
		return MsgOptionsPending, false
	}
	answers, _ := v.(map[string]any)
	for _, q := range set.Options {
		if !QuestionAnswered(q, answers[q.ID]) {
			return MsgQuestions, false
		}
	}
	return "", true
}

// QuestionAnswered reports whether a is a valid answer to q.
func QuestionAnswered(q model.Option, a any) bool {
	if model.IsEmpty(a) {
		return false
	}
	switch q.Kind {
	case model.QuestionNumber:
		_, ok := model.ToFloat(a)
		return ok
	case model.QuestionOptions:
		if len(q.Options) == 0 {
			return true
		}
		want := model.ValueString(a)
		for _, o := range q.Options {
			if model.ValueString(o.Value) == want || o.ID == want {
				return true
			}
		}
		return false
	default:
		return true
	}
}
