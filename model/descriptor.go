package model

// WizardDescriptor is the renderer view of an instance.
type WizardDescriptor struct {
	ID          string          `json:"id"`
	WizardID    string          `json:"wizard_id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Progress    ProgressState   `json:"progress"`
	CurrentStep *StepDescriptor `json:"current_step,omitempty"`
	Steps       []StepSummary   `json:"steps"`
	Session     *WizardSession  `json:"session,omitempty"`
	Notice      string          `json:"notification,omitempty"`
}

// StepDescriptor is one step with its fields resolved against instance state.
type StepDescriptor struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Order      int               `json:"order"`
	Status     string            `json:"status"`
	Percent    int               `json:"percent"`
	CanAdvance bool              `json:"can_advance"`
	Fields     []FieldDescriptor `json:"fields"`
}

// FieldDescriptor combines schema, presentation and state for one field.
type FieldDescriptor struct {
	Field       string   `json:"field"`
	Type        string   `json:"type"`
	Label       string   `json:"label"`
	Placeholder string   `json:"placeholder,omitempty"`
	HelpText    string   `json:"help_text,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Required    bool     `json:"required"`
	DependsOn   string   `json:"depends_on,omitempty"`
	Value       any      `json:"value,omitempty"`
	Options     []Option `json:"options,omitempty"`
	Disabled    bool     `json:"disabled"`
	Locked      bool     `json:"locked"`
	Error       string   `json:"error,omitempty"`
}

// Step status values in descriptors.
const (
	StepStatusCompleted  = "completed"
	StepStatusInProgress = "in_progress"
	StepStatusPending    = "pending"
	StepStatusInvalid    = "invalid"
)

// StepSummary is shown in the step indicator.
type StepSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Percent int    `json:"percent"`
}
