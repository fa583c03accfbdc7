package definition

import (
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/stepwise/internal/openapi"
	"github.com/pitabwire/stepwise/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks wizard definitions structurally, referentially, and
// against OpenAPI specs.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

var validFieldTypes = map[string]bool{
	model.FieldText: true, model.FieldNumber: true, model.FieldSelect: true,
	model.FieldMultiSelect: true, model.FieldBoolean: true, model.FieldQuestions: true,
}

var validProgress = map[string]bool{
	"": true, model.ProgressSteps: true, model.ProgressCurrentStep: true, model.ProgressFields: true,
}

var validMappingKinds = map[string]bool{
	"": true, model.MapString: true, model.MapNumber: true, model.MapBoolean: true,
	model.MapOption: true, model.MapOptions: true, model.MapList: true,
	model.MapQuestions: true, model.MapRaw: true,
}

// Validate checks all files. The index may be nil to skip OpenAPI checks.
func (v *Validator) Validate(files []model.WizardFile, index *openapi.Index) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, f := range files {
		for j, w := range f.Wizards {
			prefix := fmt.Sprintf("files[%d].wizards[%d]", i, j)
			if prev, dup := seen[w.ID]; dup && w.ID != "" {
				errs = append(errs, VError{
					Path:    prefix + ".id",
					Code:    "DUPLICATE_ID",
					Message: fmt.Sprintf("wizard %q already declared in %s", w.ID, prev),
				})
			}
			seen[w.ID] = f.SourceFile
			errs = append(errs, v.ValidateWizard(prefix, w, index)...)
		}
	}
	return errs
}

// ValidateWizard checks a single wizard definition.
func (v *Validator) ValidateWizard(prefix string, w model.WizardDefinition, index *openapi.Index) []VError {
	var errs []VError

	if w.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if w.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(w.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}
	if !validProgress[w.Progress] {
		errs = append(errs, VError{Path: prefix + ".progress", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid progress strategy %q", w.Progress)})
	}

	sourceKeys := make(map[string]bool)
	for i, src := range w.OptionSources {
		sp := fmt.Sprintf("%s.option_sources[%d]", prefix, i)
		if src.Key == "" {
			errs = append(errs, VError{Path: sp + ".key", Code: "REQUIRED", Message: "key is required"})
		} else if sourceKeys[src.Key] {
			errs = append(errs, VError{Path: sp + ".key", Code: "DUPLICATE_ID", Message: fmt.Sprintf("option source %q declared twice", src.Key)})
		}
		sourceKeys[src.Key] = true
		switch {
		case src.Operation == nil && len(src.Static) == 0:
			errs = append(errs, VError{Path: sp, Code: "REQUIRED", Message: "operation or static options are required"})
		case src.Operation != nil && len(src.Static) > 0:
			errs = append(errs, VError{Path: sp, Code: "AMBIGUOUS", Message: "operation and static options are mutually exclusive"})
		case src.Operation != nil:
			errs = append(errs, v.validateBinding(sp+".operation", *src.Operation, index)...)
		}
		if src.ParentIn != "" && src.ParentIn != "path" && src.ParentIn != "query" {
			errs = append(errs, VError{Path: sp + ".parent_in", Code: "INVALID_ENUM", Message: fmt.Sprintf("parent_in must be path or query, got %q", src.ParentIn)})
		}
	}

	// Index fields and step orders.
	fields := make(map[string]model.FieldSchema)
	fieldStepOrder := make(map[string]int)
	stepIDs := make(map[string]bool)
	orders := make(map[int]string)
	for i, s := range w.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
		} else if stepIDs[s.ID] || s.ID == model.ResultStepID {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("step id %q is reserved or duplicated", s.ID)})
		}
		stepIDs[s.ID] = true
		if other, dup := orders[s.Order]; dup {
			errs = append(errs, VError{Path: sp + ".order", Code: "DUPLICATE_ORDER", Message: fmt.Sprintf("order %d already used by step %q", s.Order, other)})
		}
		orders[s.Order] = s.ID

		for j, f := range s.Fields {
			fp := fmt.Sprintf("%s.fields[%d]", sp, j)
			if f.ID == "" {
				errs = append(errs, VError{Path: fp + ".id", Code: "REQUIRED", Message: "field id is required"})
				continue
			}
			if strings.Contains(f.ID, ".") {
				errs = append(errs, VError{Path: fp + ".id", Code: "INVALID_ID", Message: "field id must not contain dots"})
			}
			if _, dup := fields[f.ID]; dup {
				errs = append(errs, VError{Path: fp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("field %q declared twice", f.ID)})
			}
			fields[f.ID] = f
			fieldStepOrder[f.ID] = s.Order
			errs = append(errs, v.validateField(fp, f, sourceKeys)...)
		}
	}

	// Referential checks on depends_on.
	for i, s := range w.Steps {
		for j, f := range s.Fields {
			if f.DependsOn == "" {
				continue
			}
			fp := fmt.Sprintf("%s.steps[%d].fields[%d].depends_on", prefix, i, j)
			if _, ok := fields[f.DependsOn]; !ok {
				errs = append(errs, VError{Path: fp, Code: "REF_NOT_FOUND", Message: fmt.Sprintf("field %q not found", f.DependsOn)})
				continue
			}
			if fieldStepOrder[f.DependsOn] > s.Order {
				errs = append(errs, VError{Path: fp, Code: "FORWARD_DEPENDENCY", Message: fmt.Sprintf("field %q is on a later step", f.DependsOn)})
			}
		}
	}
	errs = append(errs, detectCycles(prefix, fields)...)

	for i, m := range w.Payload.Fields {
		mp := fmt.Sprintf("%s.payload.fields[%d]", prefix, i)
		if m.Target == "" {
			errs = append(errs, VError{Path: mp + ".target", Code: "REQUIRED", Message: "target is required"})
		}
		if m.Source == "" {
			errs = append(errs, VError{Path: mp + ".source", Code: "REQUIRED", Message: "source is required"})
		}
		if !validMappingKinds[m.Kind] {
			errs = append(errs, VError{Path: mp + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid mapping kind %q", m.Kind)})
		}
		if ref, ok := strings.CutPrefix(m.Source, "answers."); ok {
			id, _, _ := strings.Cut(ref, ".")
			if _, known := fields[id]; !known {
				errs = append(errs, VError{Path: mp + ".source", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("field %q not found", id)})
			}
		}
	}

	errs = append(errs, v.validateBinding(prefix+".submit.operation", w.Submit.Operation, index)...)

	for i, g := range w.Verifications {
		gp := fmt.Sprintf("%s.verifications[%d]", prefix, i)
		if g.ID == "" {
			errs = append(errs, VError{Path: gp + ".id", Code: "REQUIRED", Message: "id is required"})
		}
		if _, ok := fields[g.Field]; !ok {
			errs = append(errs, VError{Path: gp + ".field", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("field %q not found", g.Field)})
		}
		if flag, ok := fields[g.Flag]; !ok || !flag.Gate {
			errs = append(errs, VError{Path: gp + ".flag", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("gate field %q not found", g.Flag)})
		}
		if g.ResendAfter != "" {
			if _, err := time.ParseDuration(g.ResendAfter); err != nil {
				errs = append(errs, VError{Path: gp + ".resend_after", Code: "INVALID_DURATION", Message: err.Error()})
			}
		}
		errs = append(errs, v.validateBinding(gp+".send", g.Send, index)...)
		errs = append(errs, v.validateBinding(gp+".verify", g.Verify, index)...)
	}

	if w.Upload != nil {
		errs = append(errs, v.validateBinding(prefix+".upload.operation", w.Upload.Operation, index)...)
	}
	if w.Resume != nil {
		errs = append(errs, v.validateBinding(prefix+".resume", *w.Resume, index)...)
	}
	if w.Geo != nil {
		errs = append(errs, v.validateBinding(prefix+".geo.operation", w.Geo.Operation, index)...)
		for name, id := range map[string]string{
			"country": w.Geo.Country, "state": w.Geo.State, "city": w.Geo.City,
			"area": w.Geo.Area, "address": w.Geo.Address,
		} {
			if id == "" {
				continue
			}
			if _, ok := fields[id]; !ok {
				errs = append(errs, VError{Path: prefix + ".geo." + name, Code: "REF_NOT_FOUND", Message: fmt.Sprintf("field %q not found", id)})
			}
		}
	}
	if w.Timeout != "" {
		if _, err := time.ParseDuration(w.Timeout); err != nil {
			errs = append(errs, VError{Path: prefix + ".timeout", Code: "INVALID_DURATION", Message: err.Error()})
		}
	}

	return errs
}

func (v *Validator) validateField(prefix string, f model.FieldSchema, sourceKeys map[string]bool) []VError {
	var errs []VError

	if f.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "type is required"})
	} else if !validFieldTypes[f.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid field type %q", f.Type)})
	}

	switch f.Type {
	case model.FieldSelect, model.FieldMultiSelect, model.FieldQuestions:
		if f.OptionsKey == "" {
			errs = append(errs, VError{Path: prefix + ".options_key", Code: "REQUIRED", Message: fmt.Sprintf("options_key required for %s fields", f.Type)})
		}
	}
	if f.OptionsKey != "" && !sourceKeys[f.OptionsKey] {
		errs = append(errs, VError{Path: prefix + ".options_key", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("option source %q not found", f.OptionsKey)})
	}
	if f.Gate && f.Type != model.FieldBoolean {
		errs = append(errs, VError{Path: prefix + ".gate", Code: "INVALID_GATE", Message: "gate fields must be boolean"})
	}

	return errs
}

func (v *Validator) validateBinding(prefix string, b model.OperationBinding, index *openapi.Index) []VError {
	var errs []VError

	switch b.Type {
	case "":
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "operation.type is required"})
	case "openapi":
		if b.OperationID == "" {
			errs = append(errs, VError{Path: prefix + ".operation_id", Code: "REQUIRED", Message: "operation_id required for openapi type"})
		}
		if b.ServiceID == "" {
			errs = append(errs, VError{Path: prefix + ".service_id", Code: "REQUIRED", Message: "service_id required for openapi type"})
		}
		if index != nil && b.OperationID != "" {
			if _, ok := index.GetOperation(b.ServiceID, b.OperationID); !ok {
				errs = append(errs, VError{
					Path:    prefix + ".operation_id",
					Code:    "OPERATION_NOT_FOUND",
					Message: fmt.Sprintf("operation %q not found in service %q", b.OperationID, b.ServiceID),
				})
			}
		}
	case "http":
		if b.ServiceID == "" {
			errs = append(errs, VError{Path: prefix + ".service_id", Code: "REQUIRED", Message: "service_id required for http type"})
		}
		if b.Method == "" || b.Path == "" {
			errs = append(errs, VError{Path: prefix, Code: "REQUIRED", Message: "method and path required for http type"})
		}
	case "sdk":
		if b.Handler == "" {
			errs = append(errs, VError{Path: prefix + ".handler", Code: "REQUIRED", Message: "handler required for sdk type"})
		}
	default:
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid operation type %q", b.Type)})
	}

	return errs
}

// detectCycles walks each field's depends_on chain and reports the first
// field found on a cycle.
func detectCycles(prefix string, fields map[string]model.FieldSchema) []VError {
	var errs []VError
	reported := make(map[string]bool)
	for id := range fields {
		visited := map[string]bool{id: true}
		cur := fields[id].DependsOn
		for cur != "" {
			if visited[cur] {
				if !reported[cur] {
					reported[cur] = true
					errs = append(errs, VError{
						Path:    prefix + ".steps",
						Code:    "DEPENDENCY_CYCLE",
						Message: fmt.Sprintf("field %q is part of a depends_on cycle", cur),
					})
				}
				break
			}
			visited[cur] = true
			next, ok := fields[cur]
			if !ok {
				break
			}
			cur = next.DependsOn
		}
	}
	return errs
}
