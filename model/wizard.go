package model

import "sort"

// Field types understood by the validation engine and the payload assembler.
const (
	FieldText        = "text"
	FieldNumber      = "number"
	FieldSelect      = "select"
	FieldMultiSelect = "multiselect"
	FieldBoolean     = "boolean"
	FieldQuestions   = "questions"
)

// Question kinds carried by options of a questions field.
const (
	QuestionOptions = "options"
	QuestionText    = "text"
	QuestionNumber  = "number"
)

// Overall progress strategies.
const (
	ProgressSteps       = "steps"
	ProgressCurrentStep = "current_step"
	ProgressFields      = "fields"
)

// ResultStepID is the pseudo step an instance moves to after a successful submission.
const ResultStepID = "result"

// WizardFile is the root structure of a definition file. A file may declare
// several wizards.
type WizardFile struct {
	Version string             `yaml:"version" json:"version"`
	Wizards []WizardDefinition `yaml:"wizards" json:"wizards"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WizardDefinition is the declarative description of one guided flow.
type WizardDefinition struct {
	ID            string                       `yaml:"id"             json:"id"`
	Name          string                       `yaml:"name"           json:"name"`
	Progress      string                       `yaml:"progress"       json:"progress,omitempty"`
	Timeout       string                       `yaml:"timeout"        json:"timeout,omitempty"`
	Steps         []StepDefinition             `yaml:"steps"          json:"steps"`
	OptionSources []OptionSourceDefinition     `yaml:"option_sources" json:"option_sources,omitempty"`
	Payload       PayloadMapping               `yaml:"payload"        json:"payload"`
	Submit        SubmitDefinition             `yaml:"submit"         json:"submit"`
	Verifications []VerificationDefinition     `yaml:"verifications"  json:"verifications,omitempty"`
	Upload        *UploadDefinition            `yaml:"upload"         json:"upload,omitempty"`
	Geo           *GeoDefinition               `yaml:"geo"            json:"geo,omitempty"`
	Resume        *OperationBinding            `yaml:"resume"         json:"resume,omitempty"`
	Presentation  map[string]FieldPresentation `yaml:"presentation"   json:"presentation,omitempty"`
}

// StepDefinition is one page of a wizard.
type StepDefinition struct {
	ID     string        `yaml:"id"     json:"id"`
	Name   string        `yaml:"name"   json:"name"`
	Order  int           `yaml:"order"  json:"order"`
	Fields []FieldSchema `yaml:"fields" json:"fields"`
}

// FieldSchema describes the data contract of one field. Presentation lives
// in WizardDefinition.Presentation.
type FieldSchema struct {
	ID            string `yaml:"id"             json:"id"`
	Type          string `yaml:"type"           json:"type"`
	Required      bool   `yaml:"required"       json:"required,omitempty"`
	DependsOn     string `yaml:"depends_on"     json:"depends_on,omitempty"`
	OptionsKey    string `yaml:"options_key"    json:"options_key,omitempty"`
	Gate          bool   `yaml:"gate"           json:"gate,omitempty"`
	TrackProgress bool   `yaml:"track_progress" json:"track_progress,omitempty"`
}

// FieldPresentation is renderer-owned metadata for a field.
type FieldPresentation struct {
	Label       string `yaml:"label"       json:"label,omitempty"`
	Placeholder string `yaml:"placeholder" json:"placeholder,omitempty"`
	HelpText    string `yaml:"help_text"   json:"help_text,omitempty"`
	Icon        string `yaml:"icon"        json:"icon,omitempty"`
}

// OptionSourceDefinition describes where the options of a field come from.
// Exactly one of Operation or Static is set.
type OptionSourceDefinition struct {
	Key          string            `yaml:"key"           json:"key"`
	Operation    *OperationBinding `yaml:"operation"     json:"operation,omitempty"`
	ParentParam  string            `yaml:"parent_param"  json:"parent_param,omitempty"`
	ParentIn     string            `yaml:"parent_in"     json:"parent_in,omitempty"`
	ItemsPath    string            `yaml:"items_path"    json:"items_path,omitempty"`
	IDField      string            `yaml:"id_field"      json:"id_field,omitempty"`
	LabelField   string            `yaml:"label_field"   json:"label_field,omitempty"`
	ValueField   string            `yaml:"value_field"   json:"value_field,omitempty"`
	KindField    string            `yaml:"kind_field"    json:"kind_field,omitempty"`
	OptionsField string            `yaml:"options_field" json:"options_field,omitempty"`
	Static       []Option          `yaml:"static"        json:"static,omitempty"`
	Cache        *CacheConfig      `yaml:"cache"         json:"cache,omitempty"`
}

// CacheConfig describes caching settings for an option source.
type CacheConfig struct {
	TTL   string `yaml:"ttl"   json:"ttl"`
	Scope string `yaml:"scope" json:"scope"`
}

// OperationBinding describes the backend operation to invoke.
//
// Type "openapi" resolves ServiceID/OperationID through the OpenAPI index,
// type "http" uses ServiceID with an explicit Method and Path, and type
// "sdk" dispatches to a registered in-process Handler.
type OperationBinding struct {
	Type        string `yaml:"type"         json:"type"`
	OperationID string `yaml:"operation_id" json:"operation_id,omitempty"`
	ServiceID   string `yaml:"service_id"   json:"service_id,omitempty"`
	Method      string `yaml:"method"       json:"method,omitempty"`
	Path        string `yaml:"path"         json:"path,omitempty"`
	Handler     string `yaml:"handler"      json:"handler,omitempty"`
}

// PayloadMapping is the ordered list of payload entries built on submission.
type PayloadMapping struct {
	Fields []FieldMapping `yaml:"fields" json:"fields"`
}

// Payload mapping kinds.
const (
	MapString    = "string"
	MapNumber    = "number"
	MapBoolean   = "boolean"
	MapOption    = "option"
	MapOptions   = "options"
	MapList      = "list"
	MapQuestions = "questions"
	MapRaw       = "raw"
)

// FieldMapping maps one source expression to a dotted target path.
type FieldMapping struct {
	Target    string `yaml:"target"     json:"target"`
	Source    string `yaml:"source"     json:"source"`
	Kind      string `yaml:"kind"       json:"kind,omitempty"`
	Empty     any    `yaml:"empty"      json:"empty,omitempty"`
	OmitEmpty bool   `yaml:"omit_empty" json:"omit_empty,omitempty"`
}

// SubmitDefinition describes the final submission call.
type SubmitDefinition struct {
	Operation      OperationBinding `yaml:"operation"       json:"operation"`
	ValidateSchema bool             `yaml:"validate_schema" json:"validate_schema,omitempty"`
	Session        SessionMapping   `yaml:"session"         json:"session"`
	SuccessMessage string           `yaml:"success_message" json:"success_message,omitempty"`
	Idempotency    string           `yaml:"idempotency_ttl" json:"idempotency_ttl,omitempty"`
}

// SessionMapping names the response paths that carry session identifiers.
type SessionMapping struct {
	SessionID     string `yaml:"session_id"     json:"session_id,omitempty"`
	ApplicationID string `yaml:"application_id" json:"application_id,omitempty"`
	CustomerID    string `yaml:"customer_id"    json:"customer_id,omitempty"`
}

// VerificationDefinition describes an OTP gate guarding a field.
type VerificationDefinition struct {
	ID          string           `yaml:"id"           json:"id"`
	Field       string           `yaml:"field"        json:"field"`
	Flag        string           `yaml:"flag"         json:"flag"`
	Send        OperationBinding `yaml:"send"         json:"send"`
	Verify      OperationBinding `yaml:"verify"       json:"verify"`
	ResendAfter string           `yaml:"resend_after" json:"resend_after,omitempty"`
	MaxAttempts int              `yaml:"max_attempts" json:"max_attempts,omitempty"`
}

// UploadDefinition describes the document upload endpoint.
type UploadDefinition struct {
	Operation OperationBinding `yaml:"operation"  json:"operation"`
	FileField string           `yaml:"file_field" json:"file_field,omitempty"`
	URLPaths  []string         `yaml:"url_paths"  json:"url_paths,omitempty"`
	MaxBytes  int64            `yaml:"max_bytes"  json:"max_bytes,omitempty"`
}

// GeoDefinition describes reverse geocoding and the fields it fills.
type GeoDefinition struct {
	Operation OperationBinding `yaml:"operation" json:"operation"`
	Country   string           `yaml:"country"   json:"country,omitempty"`
	State     string           `yaml:"state"     json:"state,omitempty"`
	City      string           `yaml:"city"      json:"city,omitempty"`
	Area      string           `yaml:"area"      json:"area,omitempty"`
	Address   string           `yaml:"address"   json:"address,omitempty"`
}

// OrderedSteps returns the steps sorted by Order.
func (d *WizardDefinition) OrderedSteps() []StepDefinition {
	steps := make([]StepDefinition, len(d.Steps))
	copy(steps, d.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// Step returns the step with the given ID.
func (d *WizardDefinition) Step(id string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Field returns the field schema with the given ID and the step that owns it.
func (d *WizardDefinition) Field(id string) (FieldSchema, string, bool) {
	for _, s := range d.Steps {
		for _, f := range s.Fields {
			if f.ID == id {
				return f, s.ID, true
			}
		}
	}
	return FieldSchema{}, "", false
}

// Fields returns every field in step order.
func (d *WizardDefinition) Fields() []FieldSchema {
	var out []FieldSchema
	for _, s := range d.OrderedSteps() {
		out = append(out, s.Fields...)
	}
	return out
}

// OptionSource returns the option source with the given key.
func (d *WizardDefinition) OptionSource(key string) (OptionSourceDefinition, bool) {
	for _, src := range d.OptionSources {
		if src.Key == key {
			return src, true
		}
	}
	return OptionSourceDefinition{}, false
}

// Verification returns the verification gate with the given ID.
func (d *WizardDefinition) Verification(id string) (VerificationDefinition, bool) {
	for _, v := range d.Verifications {
		if v.ID == id {
			return v, true
		}
	}
	return VerificationDefinition{}, false
}
