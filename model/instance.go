package model

import "time"

// Wizard instance status constants.
const (
	WizardStatusActive    = "active"
	WizardStatusCompleted = "completed"
	WizardStatusCancelled = "cancelled"
)

// Submission states.
const (
	SubmissionIdle           = "idle"
	SubmissionValidating     = "validating"
	SubmissionSubmitting     = "submitting"
	SubmissionSuccess        = "success"
	SubmissionServerRejected = "server_rejected"
	SubmissionNetworkError   = "network_error"
)

// Upload item states.
const (
	UploadPending   = "pending"
	UploadCompleted = "completed"
	UploadFailed    = "failed"
)

// Option is one selectable choice. Questions carry a Kind and their own Options.
type Option struct {
	ID      string   `yaml:"id"      json:"id"`
	Label   string   `yaml:"label"   json:"label"`
	Value   any      `yaml:"value"   json:"value"`
	Kind    string   `yaml:"kind"    json:"kind,omitempty"`
	Options []Option `yaml:"options" json:"options,omitempty"`
}

// OptionSet is the resolved option list of a dependent field for one parent value.
type OptionSet struct {
	ParentValue string    `json:"parent_value"`
	Options     []Option  `json:"options"`
	FetchedAt   time.Time `json:"fetched_at"`
	Disabled    bool      `json:"disabled,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Find returns the option whose value, or failing that ID, matches v.
func (s OptionSet) Find(v string) (Option, bool) {
	for _, o := range s.Options {
		if ValueString(o.Value) == v {
			return o, true
		}
	}
	for _, o := range s.Options {
		if o.ID == v {
			return o, true
		}
	}
	return Option{}, false
}

// WizardSession identifies the backend records created by a submission.
type WizardSession struct {
	SessionID     string `json:"session_id"`
	ApplicationID string `json:"application_id,omitempty"`
	CustomerID    string `json:"customer_id,omitempty"`
}

// VerificationState tracks one OTP gate on an instance.
type VerificationState struct {
	Target   string     `json:"target,omitempty"`
	SentAt   *time.Time `json:"sent_at,omitempty"`
	Attempts int        `json:"attempts,omitempty"`
	Verified bool       `json:"verified"`
}

// UploadItem is one uploaded document.
type UploadItem struct {
	ID          string    `json:"id"`
	FieldID     string    `json:"field_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	Status      string    `json:"status"`
	URL         string    `json:"url,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SubmissionState records the submission controller's last transition.
type SubmissionState struct {
	State     string     `json:"state"`
	Attempts  int        `json:"attempts,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// WizardInstance is a persisted run of a wizard.
type WizardInstance struct {
	ID            string                       `json:"id"`
	WizardID      string                       `json:"wizard_id"`
	TenantID      string                       `json:"tenant_id"`
	PartitionID   string                       `json:"partition_id"`
	SubjectID     string                       `json:"subject_id"`
	CurrentStep   string                       `json:"current_step"`
	Status        string                       `json:"status"`
	Answers       map[string]any               `json:"answers"`
	Options       map[string]OptionSet         `json:"options,omitempty"`
	Locked        map[string]bool              `json:"locked,omitempty"`
	Verifications map[string]VerificationState `json:"verifications,omitempty"`
	FieldErrors   map[string]string            `json:"field_errors,omitempty"`
	Notification  string                       `json:"notification,omitempty"`
	Submission    SubmissionState              `json:"submission"`
	Session       *WizardSession               `json:"session,omitempty"`
	Uploads       []UploadItem                 `json:"uploads,omitempty"`
	CreatedAt     time.Time                    `json:"created_at"`
	UpdatedAt     time.Time                    `json:"updated_at"`
	ExpiresAt     *time.Time                   `json:"expires_at,omitempty"`
	Version       int                          `json:"version"`
}

// ProgressState is the completion indicator of an instance.
type ProgressState struct {
	Strategy string         `json:"strategy"`
	PerStep  map[string]int `json:"per_step"`
	Overall  int            `json:"overall"`
}

// ServerFieldError is one field error returned by the submission backend,
// resolved to its owning step when possible.
type ServerFieldError struct {
	Field   string `json:"field"`
	FieldID string `json:"field_id,omitempty"`
	StepID  string `json:"step_id,omitempty"`
	Message string `json:"message"`
}

// SubmissionResult is the outcome of one submission attempt.
type SubmissionResult struct {
	State        string             `json:"state"`
	Success      bool               `json:"success"`
	Payload      map[string]any     `json:"payload,omitempty"`
	ServerErrors []ServerFieldError `json:"server_errors,omitempty"`
	Notification string             `json:"notification,omitempty"`
	Session      *WizardSession     `json:"session,omitempty"`
}

// WizardState is what the engine returns after every read or mutation.
type WizardState struct {
	Instance   WizardInstance    `json:"instance"`
	Progress   ProgressState     `json:"progress"`
	CanAdvance bool              `json:"can_advance"`
	StepErrors map[string]string `json:"step_errors,omitempty"`
}

// WizardEvent records an event in an instance's audit trail.
type WizardEvent struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	WizardID   string         `json:"wizard_id"`
	StepID     string         `json:"step_id"`
	Event      string         `json:"event"`
	ActorID    string         `json:"actor_id"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Location is a reverse-geocoded address.
type Location struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Country     string  `json:"country,omitempty"`
	State       string  `json:"state,omitempty"`
	City        string  `json:"city,omitempty"`
	Area        string  `json:"area,omitempty"`
	FullAddress string  `json:"full_address,omitempty"`
}
