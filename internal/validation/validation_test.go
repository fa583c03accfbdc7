package validation

import (
	"testing"

	"github.com/pitabwire/stepwise/model"
)

func categories() model.OptionSet {
	return model.OptionSet{Options: []model.Option{
		{ID: "kitchen", Label: "Kitchen", Value: "kitchen"},
		{ID: "bath", Label: "Bathroom", Value: "bath"},
	}}
}

func TestFieldValid(t *testing.T) {
	tests := []struct {
		name   string
		field  model.FieldSchema
		value  any
		set    model.OptionSet
		hasSet bool
		want   bool
	}{
		{"optional empty", model.FieldSchema{Type: model.FieldText}, nil, model.OptionSet{}, false, true},
		{"optional garbage number", model.FieldSchema{Type: model.FieldNumber}, "abc", model.OptionSet{}, false, true},
		{"text blank", model.FieldSchema{Type: model.FieldText, Required: true}, "   ", model.OptionSet{}, false, false},
		{"text", model.FieldSchema{Type: model.FieldText, Required: true}, "Jane", model.OptionSet{}, false, true},
		{"number string", model.FieldSchema{Type: model.FieldNumber, Required: true}, "12.5", model.OptionSet{}, false, true},
		{"number bad", model.FieldSchema{Type: model.FieldNumber, Required: true}, "12a", model.OptionSet{}, false, false},
		{"number zero", model.FieldSchema{Type: model.FieldNumber, Required: true}, float64(0), model.OptionSet{}, false, true},
		{"number NaN", model.FieldSchema{Type: model.FieldNumber, Required: true}, "NaN", model.OptionSet{}, false, false},
		{"number Infinity", model.FieldSchema{Type: model.FieldNumber, Required: true}, "Infinity", model.OptionSet{}, false, false},
		{"number -inf", model.FieldSchema{Type: model.FieldNumber, Required: true}, " -inf", model.OptionSet{}, false, false},
		{"boolean false", model.FieldSchema{Type: model.FieldBoolean, Required: true}, false, model.OptionSet{}, false, true},
		{"boolean string", model.FieldSchema{Type: model.FieldBoolean, Required: true}, "yes", model.OptionSet{}, false, false},
		{"gate false", model.FieldSchema{Type: model.FieldBoolean, Gate: true}, false, model.OptionSet{}, false, false},
		{"gate missing", model.FieldSchema{Type: model.FieldBoolean, Gate: true}, nil, model.OptionSet{}, false, false},
		{"gate true", model.FieldSchema{Type: model.FieldBoolean, Gate: true}, true, model.OptionSet{}, false, true},
		{"select member", model.FieldSchema{Type: model.FieldSelect, Required: true, OptionsKey: "c"}, "bath", categories(), true, true},
		{"select not member", model.FieldSchema{Type: model.FieldSelect, Required: true, OptionsKey: "c"}, "garage", categories(), true, false},
		{"select not loaded", model.FieldSchema{Type: model.FieldSelect, Required: true, OptionsKey: "c"}, "bath", model.OptionSet{}, false, false},
		{"select disabled", model.FieldSchema{Type: model.FieldSelect, Required: true, OptionsKey: "c"}, "bath",
			model.OptionSet{Disabled: true, Error: "down"}, true, false},
		{"select free", model.FieldSchema{Type: model.FieldSelect, Required: true}, "anything", model.OptionSet{}, false, true},
		{"multiselect empty", model.FieldSchema{Type: model.FieldMultiSelect, Required: true, OptionsKey: "c"}, []any{}, categories(), true, false},
		{"multiselect members", model.FieldSchema{Type: model.FieldMultiSelect, Required: true, OptionsKey: "c"},
			[]any{"bath", "kitchen"}, categories(), true, true},
		{"multiselect one bad", model.FieldSchema{Type: model.FieldMultiSelect, Required: true, OptionsKey: "c"},
			[]any{"bath", "attic"}, categories(), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, got := FieldValid(tt.field, tt.value, tt.set, tt.hasSet)
			if got != tt.want {
				t.Errorf("FieldValid() = %v (%q), want %v", got, msg, tt.want)
			}
			if !got && msg == "" {
				t.Error("invalid field should carry a message")
			}
		})
	}
}

func TestFieldValid_nonFiniteNumberMessage(t *testing.T) {
	field := model.FieldSchema{ID: "price", Type: model.FieldNumber, Required: true}
	for _, v := range []string{"NaN", "Inf", "Infinity"} {
		if msg, ok := FieldValid(field, v, model.OptionSet{}, false); ok || msg != MsgNumber {
			t.Errorf("FieldValid(%q) = %q, %v, want %q, false", v, msg, ok, MsgNumber)
		}
	}
}

func TestFieldValid_questions(t *testing.T) {
	field := model.FieldSchema{ID: "questions", Type: model.FieldQuestions, Required: true, OptionsKey: "q"}
	set := model.OptionSet{Options: []model.Option{
		{ID: "finish", Kind: model.QuestionOptions, Options: []model.Option{
			{ID: "matte", Value: "matte"}, {ID: "gloss", Value: "gloss"},
		}},
		{ID: "length", Kind: model.QuestionNumber},
		{ID: "notes", Kind: model.QuestionText},
	}}

	tests := []struct {
		name    string
		answers any
		want    bool
	}{
		{"none", nil, false},
		{"partial", map[string]any{"finish": "matte"}, false},
		{"bad option", map[string]any{"finish": "satin", "length": 3.0, "notes": "x"}, false},
		{"bad number", map[string]any{"finish": "matte", "length": "long", "notes": "x"}, false},
		{"NaN number", map[string]any{"finish": "matte", "length": "NaN", "notes": "x"}, false},
		{"complete", map[string]any{"finish": "gloss", "length": "4", "notes": "corner unit"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, got := FieldValid(field, tt.answers, set, true); got != tt.want {
				t.Errorf("FieldValid() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, ok := FieldValid(field, nil, model.OptionSet{}, true); !ok {
		t.Error("resolved set without questions should be valid")
	}
	if _, ok := FieldValid(field, nil, model.OptionSet{}, false); ok {
		t.Error("unresolved questions should be invalid")
	}
}

func TestValidateStep(t *testing.T) {
	step := model.StepDefinition{ID: "contact", Fields: []model.FieldSchema{
		{ID: "name", Type: model.FieldText, Required: true},
		{ID: "phone", Type: model.FieldText, Required: true},
		{ID: "phone_verified", Type: model.FieldBoolean, Gate: true},
		{ID: "notes", Type: model.FieldText},
	}}

	res := ValidateStep(step, map[string]any{"name": "Jane", "phone": "+971500000000"}, nil)
	if res.Valid {
		t.Fatal("step with unverified gate should be invalid")
	}
	if len(res.Errors) != 1 || res.Errors["phone_verified"] != MsgGate {
		t.Errorf("Errors = %v, want only phone_verified", res.Errors)
	}

	res = ValidateStep(step, map[string]any{"name": "Jane", "phone": "+971500000000", "phone_verified": true}, nil)
	if !res.Valid {
		t.Errorf("ValidateStep() = %v, want valid", res.Errors)
	}
}

func TestFirstInvalid(t *testing.T) {
	def := model.WizardDefinition{Steps: []model.StepDefinition{
		{ID: "b", Order: 2, Fields: []model.FieldSchema{{ID: "y", Type: model.FieldText, Required: true}}},
		{ID: "a", Order: 1, Fields: []model.FieldSchema{{ID: "x", Type: model.FieldText, Required: true}}},
		{ID: "c", Order: 3, Fields: []model.FieldSchema{{ID: "z", Type: model.FieldText, Required: true}}},
	}}

	id, res, found := FirstInvalid(def, map[string]any{"x": "1"}, nil, "")
	if !found || id != "b" {
		t.Errorf("FirstInvalid() = %q, %v, want b", id, found)
	}
	if res.Errors["y"] == "" {
		t.Errorf("Errors = %v, want y", res.Errors)
	}

	if id, _, found := FirstInvalid(def, map[string]any{"x": "1"}, nil, "a"); found {
		t.Errorf("FirstInvalid(stopAt a) = %q, want none", id)
	}
}
