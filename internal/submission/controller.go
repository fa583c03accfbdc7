// Package submission drives the final submission of a wizard instance:
// client-side validation, payload assembly, the backend call, and the
// interpretation of its outcome.
//
// States move idle -> validating -> submitting and end in success,
// server_rejected or network_error. A failed client validation returns to
// idle without any network call.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/pitabwire/stepwise/internal/observability"
	"github.com/pitabwire/stepwise/internal/openapi"
	"github.com/pitabwire/stepwise/internal/payload"
	"github.com/pitabwire/stepwise/internal/validation"
	"github.com/pitabwire/stepwise/model"
)

// Observer receives submission outcomes. *observability.Metrics satisfies it.
type Observer interface {
	SubmissionFinished(wizardID, state string, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) SubmissionFinished(string, string, time.Duration) {}

// Option configures a Controller.
type Option func(*Controller)

// WithIndex enables pre-flight schema validation for openapi bindings.
func WithIndex(idx *openapi.Index) Option {
	return func(c *Controller) { c.index = idx }
}

// WithIdempotency enables replay of submissions carrying an idempotency key.
func WithIdempotency(store IdempotencyStore, defaultTTL time.Duration) Option {
	return func(c *Controller) {
		c.idem = store
		if defaultTTL > 0 {
			c.idemTTL = defaultTTL
		}
	}
}

// WithObserver reports outcomes to o.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger sets the controller logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// Controller submits wizard instances.
type Controller struct {
	invoker  model.OperationInvoker
	index    *openapi.Index
	idem     IdempotencyStore
	idemTTL  time.Duration
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewController creates a Controller that calls the backend through inv.
func NewController(inv model.OperationInvoker, opts ...Option) *Controller {
	c := &Controller{
		invoker:  inv,
		idemTTL:  24 * time.Hour,
		observer: nopObserver{},
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request is one submission attempt. Instance is updated in place with the
// new submission state, errors, notification, session and current step.
type Request struct {
	Definition     model.WizardDefinition
	Instance       *model.WizardInstance
	RequestContext *model.RequestContext
	IdempotencyKey string
}

// Submit runs the submission state machine. The returned result is always
// meaningful; the error is the envelope the caller should report:
// VALIDATION_ERROR, SERVER_REJECTED, BACKEND_UNAVAILABLE or BACKEND_TIMEOUT.
//
// The backend call is not cancelled when ctx is; only the wait is.
func (c *Controller) Submit(ctx context.Context, req Request) (model.SubmissionResult, error) {
	def, inst := req.Definition, req.Instance
	start := c.now()
	ctx, span := observability.StartSpan(ctx, "submission.submit",
		observability.AttrWizardID.String(def.ID),
		observability.AttrInstanceID.String(inst.ID),
	)

	result, err := c.submit(ctx, req)
	inst.Submission.State = result.State
	inst.Submission.Attempts++
	ts := c.now().UTC()
	inst.Submission.UpdatedAt = &ts
	inst.Submission.LastError = ""
	if err != nil {
		inst.Submission.LastError = err.Error()
	}

	span.SetAttributes(observability.AttrSubmissionState.String(result.State))
	observability.EndSpanWithError(span, err)
	c.observer.SubmissionFinished(def.ID, result.State, c.now().Sub(start))
	return result, err
}

func (c *Controller) submit(ctx context.Context, req Request) (model.SubmissionResult, error) {
	def, inst := req.Definition, req.Instance
	logger := observability.InstanceLogger(observability.LoggerFrom(ctx, c.logger), def.ID, inst.ID, inst.CurrentStep)

	// validating
	if stepID, res, invalid := validation.FirstInvalid(def, inst.Answers, inst.Options, ""); invalid {
		inst.CurrentStep = stepID
		logger.Info("submission: client validation failed", zap.String("first_invalid_step", stepID))
		return model.SubmissionResult{State: model.SubmissionIdle}, model.NewValidationError(fieldErrors(res.Errors))
	}

	src := payload.Sources{
		Answers:    inst.Answers,
		Options:    inst.Options,
		Session:    inst.Session,
		Context:    req.RequestContext,
		InstanceID: inst.ID,
		WizardID:   def.ID,
	}
	doc, err := payload.Assemble(def.Payload, src)
	if err != nil {
		return model.SubmissionResult{State: model.SubmissionIdle}, fmt.Errorf("assemble payload: %w", err)
	}
	var body map[string]any
	if err := json.Unmarshal(doc, &body); err != nil {
		return model.SubmissionResult{State: model.SubmissionIdle}, fmt.Errorf("decode payload: %w", err)
	}
	logger.Debug("submission: payload assembled", zap.Any("payload", observability.RedactBody(body, nil)))

	fields := NewFieldIndex(def)
	if verrs := c.preflight(def, body); len(verrs) > 0 {
		details, firstStep := mapClientErrors(fields, verrs)
		if firstStep != "" {
			inst.CurrentStep = firstStep
		}
		logger.Info("submission: payload failed schema validation", zap.Int("errors", len(verrs)))
		return model.SubmissionResult{State: model.SubmissionIdle, Payload: body}, model.NewValidationError(details)
	}

	// submitting
	var idemKey, hash string
	if c.idem != nil && req.IdempotencyKey != "" {
		idemKey = FormatIdempotencyKey(inst.ID, req.IdempotencyKey)
		hash = HashPayload(doc)
		cached, found, err := c.idem.Check(ctx, idemKey, hash)
		if err != nil {
			return model.SubmissionResult{State: model.SubmissionIdle}, err
		}
		if found && cached != nil {
			logger.Info("submission: replaying idempotent result")
			c.applySuccess(inst, *cached)
			return *cached, nil
		}
	}

	inv, err := c.call(ctx, def, req.RequestContext, body)
	if err != nil || inv.StatusCode >= 500 {
		if err == nil {
			err = model.NewBackendUnavailableError()
		}
		var env *model.ErrorEnvelope
		if !errors.As(err, &env) {
			err = model.NewBackendUnavailableError()
		}
		logger.Warn("submission: network error", zap.Error(err), zap.Int("status", inv.StatusCode))
		return model.SubmissionResult{State: model.SubmissionNetworkError, Payload: body}, err
	}

	raw := rawBody(inv)
	if inv.OK() && gjson.GetBytes(raw, "success").String() != "false" {
		result := model.SubmissionResult{
			State:        model.SubmissionSuccess,
			Success:      true,
			Payload:      body,
			Notification: def.Submit.SuccessMessage,
			Session:      c.session(def.Submit.Session, raw, inst.Session),
		}
		if result.Notification == "" {
			result.Notification = responseMessage(raw)
		}
		c.applySuccess(inst, result)
		if idemKey != "" {
			if err := c.idem.Store(ctx, idemKey, hash, result, c.ttl(def)); err != nil {
				logger.Error("submission: storing idempotent result failed", zap.Error(err))
			}
		}
		logger.Info("submission: succeeded", zap.String("session_id", result.Session.SessionID))
		return result, nil
	}

	result := c.rejected(fields, inst, raw, inv.StatusCode)
	result.Payload = body
	logger.Info("submission: rejected by server",
		zap.Int("status", inv.StatusCode),
		zap.Int("field_errors", len(result.ServerErrors)),
	)
	return result, model.NewServerRejectedError(result.Notification, serverFieldErrors(result.ServerErrors))
}

// call invokes the submit operation detached from ctx cancellation so a sent
// submission is never abandoned halfway; the caller stops waiting on ctx.
func (c *Controller) call(ctx context.Context, def model.WizardDefinition, rctx *model.RequestContext, body map[string]any) (model.InvocationResult, error) {
	type outcome struct {
		res model.InvocationResult
		err error
	}
	done := make(chan outcome, 1)
	callCtx := context.WithoutCancel(ctx)
	go func() {
		res, err := c.invoker.Invoke(callCtx, rctx, def.Submit.Operation, model.InvocationInput{Body: body})
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		return model.InvocationResult{}, model.NewBackendTimeoutError()
	case o := <-done:
		return o.res, o.err
	}
}

func (c *Controller) preflight(def model.WizardDefinition, body map[string]any) []openapi.ValidationError {
	op := def.Submit.Operation
	if !def.Submit.ValidateSchema || c.index == nil || op.Type != "openapi" {
		return nil
	}
	return c.index.ValidateRequest(op.ServiceID, op.OperationID, body)
}

// rejected records the backend's field errors on the instance and moves it
// to the step owning the first one. Errors on fields of any step are kept.
func (c *Controller) rejected(fields *FieldIndex, inst *model.WizardInstance, raw []byte, status int) model.SubmissionResult {
	result := model.SubmissionResult{State: model.SubmissionServerRejected}
	inst.FieldErrors = make(map[string]string)

	backendErrs, _ := parseErrors(raw)
	for _, be := range backendErrs {
		sfe := model.ServerFieldError{Field: be.Field, Message: be.Message}
		if fieldID, stepID, ok := fields.Owner(be.Field); ok && be.Field != "" {
			sfe.FieldID, sfe.StepID = fieldID, stepID
			if _, exists := inst.FieldErrors[fieldID]; !exists {
				inst.FieldErrors[fieldID] = be.Message
			}
		}
		result.ServerErrors = append(result.ServerErrors, sfe)
	}

	switch {
	case len(result.ServerErrors) > 0:
		result.Notification = result.ServerErrors[0].Message
	default:
		result.Notification = responseMessage(raw)
	}
	if result.Notification == "" {
		result.Notification = fmt.Sprintf("The submission was rejected (status %d)", status)
	}

	for _, sfe := range result.ServerErrors {
		if sfe.StepID != "" {
			inst.CurrentStep = sfe.StepID
			break
		}
	}
	inst.Notification = result.Notification
	return result
}

func (c *Controller) applySuccess(inst *model.WizardInstance, result model.SubmissionResult) {
	inst.Session = result.Session
	inst.FieldErrors = nil
	inst.Notification = result.Notification
	inst.Status = model.WizardStatusCompleted
	inst.CurrentStep = model.ResultStepID
}

// session builds the WizardSession from the configured response paths. An
// existing session keeps identifiers the response does not carry, and a
// session id is generated when neither provides one.
func (c *Controller) session(m model.SessionMapping, raw []byte, existing *model.WizardSession) *model.WizardSession {
	s := model.WizardSession{}
	if existing != nil {
		s = *existing
	}
	if v := lookup(raw, m.SessionID, "session_id", "sessionId", "data.session_id", "data.sessionId"); v != "" {
		s.SessionID = v
	}
	if v := lookup(raw, m.ApplicationID, "application_id", "applicationId", "data.application_id", "data.applicationId", "data.id", "id"); v != "" {
		s.ApplicationID = v
	}
	if v := lookup(raw, m.CustomerID, "customer_id", "customerId", "data.customer_id", "data.customerId"); v != "" {
		s.CustomerID = v
	}
	if s.SessionID == "" {
		s.SessionID = c.newID()
	}
	return &s
}

func (c *Controller) ttl(def model.WizardDefinition) time.Duration {
	if def.Submit.Idempotency != "" {
		if d, err := time.ParseDuration(def.Submit.Idempotency); err == nil {
			return d
		}
	}
	return c.idemTTL
}

// lookup reads the configured path, or the first fallback present.
func lookup(raw []byte, configured string, fallbacks ...string) string {
	if len(raw) == 0 {
		return ""
	}
	if configured != "" {
		return gjson.GetBytes(raw, configured).String()
	}
	for _, p := range fallbacks {
		if v := gjson.GetBytes(raw, p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func rawBody(res model.InvocationResult) []byte {
	if len(res.Raw) > 0 {
		return res.Raw
	}
	if res.Body == nil {
		return nil
	}
	b, _ := json.Marshal(res.Body)
	return b
}

func fieldErrors(errs map[string]string) []model.FieldError {
	out := make([]model.FieldError, 0, len(errs))
	for field, msg := range errs {
		out = append(out, model.FieldError{Field: field, Code: model.ErrValidationError, Message: msg})
	}
	sortFieldErrors(out)
	return out
}

func serverFieldErrors(errs []model.ServerFieldError) []model.FieldError {
	out := make([]model.FieldError, 0, len(errs))
	for _, e := range errs {
		field := e.FieldID
		if field == "" {
			field = e.Field
		}
		out = append(out, model.FieldError{Field: field, Code: model.ErrServerRejected, Message: e.Message})
	}
	return out
}

func mapClientErrors(fields *FieldIndex, verrs []openapi.ValidationError) ([]model.FieldError, string) {
	var details []model.FieldError
	firstStep := ""
	for _, ve := range verrs {
		field := ve.Field
		if fieldID, stepID, ok := fields.Owner(ve.Field); ok && ve.Field != "" {
			field = fieldID
			if firstStep == "" {
				firstStep = stepID
			}
		}
		details = append(details, model.FieldError{Field: field, Code: model.ErrValidationError, Message: ve.Message})
	}
	return details, firstStep
}
