package definition

import (
	"testing"

	"github.com/pitabwire/stepwise/model"
)

func validWizard() model.WizardDefinition {
	return model.WizardDefinition{
		ID:       "estimate.calculator",
		Name:     "Estimate calculator",
		Progress: model.ProgressSteps,
		Steps: []model.StepDefinition{
			{
				ID: "scope", Order: 1,
				Fields: []model.FieldSchema{
					{ID: "category", Type: model.FieldSelect, Required: true, OptionsKey: "categories"},
					{ID: "subcategory", Type: model.FieldSelect, Required: true, DependsOn: "category", OptionsKey: "subcategories"},
				},
			},
			{
				ID: "details", Order: 2,
				Fields: []model.FieldSchema{
					{ID: "area", Type: model.FieldNumber, Required: true},
					{ID: "phone_verified", Type: model.FieldBoolean, Required: true, Gate: true},
					{ID: "phone", Type: model.FieldText, Required: true},
				},
			},
		},
		OptionSources: []model.OptionSourceDefinition{
			{Key: "categories", Operation: &model.OperationBinding{Type: "http", ServiceID: "catalog-svc", Method: "GET", Path: "/categories"}},
			{Key: "subcategories", Operation: &model.OperationBinding{Type: "sdk", Handler: "catalog.subcategories"}},
		},
		Payload: model.PayloadMapping{Fields: []model.FieldMapping{
			{Target: "category", Source: "answers.category", Kind: model.MapOption},
			{Target: "area", Source: "answers.area", Kind: model.MapNumber},
		}},
		Submit: model.SubmitDefinition{
			Operation: model.OperationBinding{Type: "http", ServiceID: "estimates-svc", Method: "POST", Path: "/submit"},
		},
		Verifications: []model.VerificationDefinition{
			{
				ID: "phone", Field: "phone", Flag: "phone_verified",
				Send:        model.OperationBinding{Type: "sdk", Handler: "otp.send"},
				Verify:      model.OperationBinding{Type: "sdk", Handler: "otp.verify"},
				ResendAfter: "30s",
			},
		},
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid_wizard(t *testing.T) {
	errs := NewValidator().ValidateWizard("w", validWizard(), nil)
	if len(errs) != 0 {
		t.Fatalf("ValidateWizard() = %v, want no errors", errs)
	}
}

func TestValidator_errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.WizardDefinition)
		code   string
	}{
		{"missing id", func(w *model.WizardDefinition) { w.ID = "" }, "REQUIRED"},
		{"bad progress", func(w *model.WizardDefinition) { w.Progress = "weighted" }, "INVALID_ENUM"},
		{"duplicate order", func(w *model.WizardDefinition) { w.Steps[1].Order = 1 }, "DUPLICATE_ORDER"},
		{"reserved step id", func(w *model.WizardDefinition) { w.Steps[1].ID = model.ResultStepID }, "DUPLICATE_ID"},
		{"unknown field type", func(w *model.WizardDefinition) { w.Steps[1].Fields[0].Type = "date" }, "INVALID_ENUM"},
		{"select without options", func(w *model.WizardDefinition) { w.Steps[0].Fields[0].OptionsKey = "" }, "REQUIRED"},
		{"unknown option source", func(w *model.WizardDefinition) { w.Steps[0].Fields[1].OptionsKey = "types" }, "REF_NOT_FOUND"},
		{"unknown parent", func(w *model.WizardDefinition) { w.Steps[0].Fields[1].DependsOn = "missing" }, "REF_NOT_FOUND"},
		{"forward dependency", func(w *model.WizardDefinition) { w.Steps[0].Fields[1].DependsOn = "area" }, "FORWARD_DEPENDENCY"},
		{"cycle", func(w *model.WizardDefinition) { w.Steps[0].Fields[0].DependsOn = "subcategory" }, "DEPENDENCY_CYCLE"},
		{"non boolean gate", func(w *model.WizardDefinition) { w.Steps[1].Fields[1].Type = model.FieldText }, "INVALID_GATE"},
		{"flag not a gate", func(w *model.WizardDefinition) { w.Verifications[0].Flag = "area" }, "REF_NOT_FOUND"},
		{"bad resend duration", func(w *model.WizardDefinition) { w.Verifications[0].ResendAfter = "soon" }, "INVALID_DURATION"},
		{"payload unknown field", func(w *model.WizardDefinition) { w.Payload.Fields[0].Source = "answers.nope" }, "REF_NOT_FOUND"},
		{"payload bad kind", func(w *model.WizardDefinition) { w.Payload.Fields[1].Kind = "decimal" }, "INVALID_ENUM"},
		{"submit without type", func(w *model.WizardDefinition) { w.Submit.Operation = model.OperationBinding{} }, "REQUIRED"},
		{"http without path", func(w *model.WizardDefinition) { w.Submit.Operation.Path = "" }, "REQUIRED"},
		{"static and operation", func(w *model.WizardDefinition) {
			w.OptionSources[0].Static = []model.Option{{ID: "a", Label: "A", Value: "a"}}
		}, "AMBIGUOUS"},
		{"geo unknown field", func(w *model.WizardDefinition) {
			w.Geo = &model.GeoDefinition{
				Operation: model.OperationBinding{Type: "sdk", Handler: "geo.reverse"},
				Country:   "country",
			}
		}, "REF_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := validWizard()
			tt.mutate(&w)
			errs := NewValidator().ValidateWizard("w", w, nil)
			if !hasCode(errs, tt.code) {
				t.Errorf("ValidateWizard() = %v, want code %s", errs, tt.code)
			}
		})
	}
}

func TestValidator_duplicate_wizard_across_files(t *testing.T) {
	files := []model.WizardFile{
		{SourceFile: "a.yaml", Wizards: []model.WizardDefinition{validWizard()}},
		{SourceFile: "b.yaml", Wizards: []model.WizardDefinition{validWizard()}},
	}
	errs := NewValidator().Validate(files, nil)
	if !hasCode(errs, "DUPLICATE_ID") {
		t.Errorf("Validate() = %v, want DUPLICATE_ID", errs)
	}
}

func TestValidator_testdata_is_valid(t *testing.T) {
	files, err := NewLoader().LoadAll([]string{"testdata/vendor"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if errs := NewValidator().Validate(files, nil); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}
