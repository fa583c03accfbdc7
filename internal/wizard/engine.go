// Package wizard runs wizard instances. Every operation loads the instance,
// applies one event (an answer change, a navigation, a verification, an
// upload or a submission), persists the result under the store's optimistic
// lock and returns the recomputed state.
package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/pitabwire/stepwise/internal/answers"
	"github.com/pitabwire/stepwise/internal/config"
	"github.com/pitabwire/stepwise/internal/definition"
	"github.com/pitabwire/stepwise/internal/events"
	"github.com/pitabwire/stepwise/internal/geo"
	"github.com/pitabwire/stepwise/internal/metadata"
	"github.com/pitabwire/stepwise/internal/observability"
	"github.com/pitabwire/stepwise/internal/progress"
	"github.com/pitabwire/stepwise/internal/resolver"
	"github.com/pitabwire/stepwise/internal/submission"
	"github.com/pitabwire/stepwise/internal/upload"
	"github.com/pitabwire/stepwise/internal/validation"
	"github.com/pitabwire/stepwise/internal/verification"
	"github.com/pitabwire/stepwise/model"
)

// Step directions reported to the Observer.
const (
	DirectionStart  = "start"
	DirectionNext   = "next"
	DirectionBack   = "back"
	DirectionGoTo   = "goto"
	DirectionSubmit = "submit"
)

// Origins reported to the Observer.
const (
	OriginStart  = "start"
	OriginResume = "resume"
)

const maxApplyAttempts = 3

// Observer receives engine lifecycle notifications. *observability.Metrics
// satisfies it.
type Observer interface {
	WizardStarted(wizardID, origin string)
	WizardFinished(wizardID string)
	StepEntered(wizardID, stepID, direction string)
	AnswerChanged(wizardID string, cleared int)
	OptionsResolved(optionsKey, outcome string)
}

type nopObserver struct{}

func (nopObserver) WizardStarted(string, string)       {}
func (nopObserver) WizardFinished(string)              {}
func (nopObserver) StepEntered(string, string, string) {}
func (nopObserver) AnswerChanged(string, int)          {}
func (nopObserver) OptionsResolved(string, string)     {}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver reports lifecycle notifications to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithPublisher publishes every recorded event through p.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithResolver replaces the default option resolver.
func WithResolver(r *resolver.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithSubmitter replaces the default submission controller.
func WithSubmitter(c *submission.Controller) Option {
	return func(e *Engine) { e.submitter = c }
}

// WithGate replaces the default verification gate.
func WithGate(g *verification.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithUploader replaces the default uploader.
func WithUploader(u *upload.Uploader) Option {
	return func(e *Engine) { e.uploader = u }
}

// WithGeo replaces the default reverse geocoding client.
func WithGeo(c *geo.Client) Option {
	return func(e *Engine) { e.geo = c }
}

// WithInstanceTTL expires instances of wizards without a timeout after d.
func WithInstanceTTL(d time.Duration) Option {
	return func(e *Engine) { e.instanceTTL = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine manages the lifecycle of wizard instances.
type Engine struct {
	registry  *definition.Registry
	store     InstanceStore
	invoker   model.OperationInvoker
	resolver  *resolver.Resolver
	tracker   *resolver.Tracker
	submitter *submission.Controller
	gate      *verification.Gate
	uploader  *upload.Uploader
	geo       *geo.Client
	publisher events.Publisher
	observer  Observer
	logger    *zap.Logger

	instanceTTL time.Duration
	now         func() time.Time
	newID       func() string
}

// NewEngine creates an engine. Collaborators not supplied through options
// are built on inv with default settings.
func NewEngine(registry *definition.Registry, store InstanceStore, inv model.OperationInvoker, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		store:     store,
		invoker:   inv,
		tracker:   resolver.NewTracker(),
		publisher: events.Nop{},
		observer:  nopObserver{},
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = resolver.New(inv, config.ResolverConfig{}, resolver.WithObserver(e.observer), resolver.WithLogger(e.logger))
	}
	if e.submitter == nil {
		e.submitter = submission.NewController(inv)
	}
	if e.gate == nil {
		e.gate = verification.NewGate(inv)
	}
	if e.uploader == nil {
		e.uploader = upload.NewUploader(inv)
	}
	if e.geo == nil {
		e.geo = geo.NewClient(inv)
	}
	return e
}

// Start creates an instance of wizardID positioned on its first step.
// initial answers are applied parents first; root option sets are resolved
// before the instance is stored.
func (e *Engine) Start(ctx context.Context, rctx *model.RequestContext, wizardID string, initial map[string]any) (model.WizardState, error) {
	def, err := e.definition(wizardID)
	if err != nil {
		return model.WizardState{}, err
	}
	ctx, span := observability.StartSpan(ctx, "wizard.start", observability.AttrWizardID.String(def.ID))
	defer span.End()

	inst, err := e.newInstance(def, rctx)
	if err != nil {
		return model.WizardState{}, err
	}
	for _, path := range orderedPaths(def, initial) {
		if err := writable(def, inst, path); err != nil {
			return model.WizardState{}, err
		}
	}
	e.seed(def, inst, initial)
	e.resolveAll(ctx, rctx, def, inst)

	if err := e.store.Create(ctx, *inst); err != nil {
		observability.EndSpanWithError(span, err)
		return model.WizardState{}, err
	}
	e.observer.WizardStarted(def.ID, OriginStart)
	e.observer.StepEntered(def.ID, inst.CurrentStep, DirectionStart)
	e.record(ctx, rctx, inst, events.WizardStarted, nil)
	e.instanceLogger(ctx, inst).Info("wizard started")
	return e.state(def, inst), nil
}

// Resume starts a new instance from the answers saved under session by the
// wizard's resume operation. The session is kept on the instance and the
// instance is positioned on the first incomplete step.
func (e *Engine) Resume(ctx context.Context, rctx *model.RequestContext, wizardID string, session model.WizardSession) (model.WizardState, error) {
	def, err := e.definition(wizardID)
	if err != nil {
		return model.WizardState{}, err
	}
	if def.Resume == nil {
		return model.WizardState{}, model.NewBadRequestError(fmt.Sprintf("wizard %q cannot be resumed", wizardID))
	}
	if session.SessionID == "" {
		return model.WizardState{}, model.NewValidationError([]model.FieldError{{
			Field: "session_id", Code: "REQUIRED", Message: "A session id is required",
		}})
	}

	ctx, span := observability.StartSpan(ctx, "wizard.resume", observability.AttrWizardID.String(def.ID))
	defer span.End()

	res, err := e.invoker.Invoke(ctx, rctx, *def.Resume, model.InvocationInput{
		QueryParams: map[string]string{"sessionId": session.SessionID},
	})
	if err == nil && !res.OK() {
		if res.StatusCode == 404 {
			err = model.NewNotFoundError(fmt.Sprintf("session %q not found", session.SessionID))
		} else {
			err = model.NewBackendUnavailableError()
		}
	}
	if err != nil {
		observability.EndSpanWithError(span, err)
		return model.WizardState{}, err
	}
	saved, ok := resumedAnswers(rawBody(res))
	if !ok {
		return model.WizardState{}, model.NewNotFoundError(fmt.Sprintf("no saved answers for session %q", session.SessionID))
	}

	inst, err := e.newInstance(def, rctx)
	if err != nil {
		return model.WizardState{}, err
	}
	sess := session
	inst.Session = &sess

	restorable := make(map[string]any, len(saved))
	for path, v := range saved {
		if writable(def, inst, path) == nil {
			restorable[path] = v
		}
	}
	e.seed(def, inst, restorable)
	e.resolveAll(ctx, rctx, def, inst)

	steps := def.OrderedSteps()
	inst.CurrentStep = steps[len(steps)-1].ID
	if stepID, _, invalid := validation.FirstInvalid(def, inst.Answers, inst.Options, ""); invalid {
		inst.CurrentStep = stepID
	}

	if err := e.store.Create(ctx, *inst); err != nil {
		observability.EndSpanWithError(span, err)
		return model.WizardState{}, err
	}
	e.observer.WizardStarted(def.ID, OriginResume)
	e.observer.StepEntered(def.ID, inst.CurrentStep, DirectionStart)
	e.record(ctx, rctx, inst, events.WizardResumed, map[string]any{
		"session_id": session.SessionID,
		"restored":   len(restorable),
	})
	e.instanceLogger(ctx, inst).Info("wizard resumed", zap.Int("restored", len(restorable)))
	return e.state(def, inst), nil
}

// Get returns the current state of an instance.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WizardState, error) {
	def, inst, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardState{}, err
	}
	return e.state(def, inst), nil
}

// Snapshot returns the definition of an instance together with its state.
func (e *Engine) Snapshot(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WizardDefinition, model.WizardState, error) {
	def, inst, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardDefinition{}, model.WizardState{}, err
	}
	return def, e.state(def, inst), nil
}

// Events returns the audit trail of an instance.
func (e *Engine) Events(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]model.WizardEvent, error) {
	if _, _, err := e.load(ctx, rctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.GetEvents(ctx, rctx.TenantID, instanceID)
}

// Describe returns the renderer descriptor of an instance. stepID selects
// the described step; empty means the current one.
func (e *Engine) Describe(ctx context.Context, rctx *model.RequestContext, instanceID, stepID string) (model.WizardDescriptor, error) {
	def, inst, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardDescriptor{}, err
	}
	return metadata.Describe(def, e.state(def, inst), stepID)
}

// List returns the caller's active instances, newest first.
func (e *Engine) List(ctx context.Context, rctx *model.RequestContext, wizardID string, limit, offset int) ([]model.WizardState, error) {
	found, err := e.store.FindActive(ctx, rctx.TenantID, InstanceFilters{
		WizardID:  wizardID,
		SubjectID: rctx.SubjectID,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.WizardState, 0, len(found))
	for i := range found {
		def, ok := e.registry.GetWizard(found[i].WizardID)
		if !ok {
			continue
		}
		out = append(out, e.state(def, &found[i]))
	}
	return out, nil
}

// SetAnswer writes value at path. Changing a parent clears its descendants
// and their option sets; the children's option sets for the new value are
// resolved after the change is stored.
func (e *Engine) SetAnswer(ctx context.Context, rctx *model.RequestContext, instanceID, path string, value any) (model.WizardState, error) {
	return e.mutate(ctx, rctx, instanceID, path, func(s *answers.Store) answers.Change {
		return s.Set(path, value)
	})
}

// ClearAnswer removes the answer at path and its descendants.
func (e *Engine) ClearAnswer(ctx context.Context, rctx *model.RequestContext, instanceID, path string) (model.WizardState, error) {
	return e.mutate(ctx, rctx, instanceID, path, func(s *answers.Store) answers.Change {
		return s.Clear(path)
	})
}

func (e *Engine) mutate(ctx context.Context, rctx *model.RequestContext, instanceID, path string, apply func(*answers.Store) answers.Change) (model.WizardState, error) {
	def, inst, err := e.loadActive(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardState{}, err
	}
	if err := writable(def, inst, path); err != nil {
		return e.state(def, inst), err
	}
	ctx, span := observability.StartSpan(ctx, "wizard.answer",
		observability.AttrWizardID.String(def.ID),
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrFieldID.String(path),
	)
	defer span.End()

	graph := answers.NewGraph(def)
	ch := apply(answers.New(graph, inst.Answers))
	if !ch.Changed {
		return e.state(def, inst), nil
	}
	e.afterChange(def, inst, graph, ch)

	if err := e.save(ctx, inst); err != nil {
		observability.EndSpanWithError(span, err)
		return model.WizardState{}, err
	}
	e.observer.AnswerChanged(def.ID, len(ch.Cleared))
	name := events.AnswerChanged
	if ch.Current == nil {
		name = events.AnswerCleared
	}
	e.record(ctx, rctx, inst, name, map[string]any{"path": path, "cleared": ch.Cleared})
	if len(ch.Cleared) > 0 {
		e.instanceLogger(ctx, inst).Info("descendants cleared",
			zap.String("field", ch.Field),
			zap.Strings("cleared", ch.Cleared),
		)
	}

	if ch.Path == ch.Field {
		e.refreshChildren(ctx, rctx, def, inst, graph, ch.Field)
	}
	return e.state(def, inst), nil
}

// afterChange drops everything derived from the previous value of a field:
// server errors, descendant option sets, in-flight resolutions and
// verifications of a different target.
func (e *Engine) afterChange(def model.WizardDefinition, inst *model.WizardInstance, graph *answers.Graph, ch answers.Change) {
	delete(inst.FieldErrors, ch.Field)
	if ch.Path == ch.Field {
		for _, d := range graph.Descendants(ch.Field) {
			delete(inst.Options, d)
			delete(inst.FieldErrors, d)
			e.tracker.Cancel(inst.ID, d)
		}
	}
	for _, flag := range verification.FieldChanged(def, inst, ch.Field) {
		delete(inst.FieldErrors, flag)
	}
	if len(inst.FieldErrors) == 0 {
		inst.FieldErrors = nil
		if inst.Submission.State == model.SubmissionServerRejected {
			inst.Notification = ""
		}
	}
}

// Next moves to the following step when every field of the current step is
// valid. The last step is left by submitting.
func (e *Engine) Next(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WizardState, error) {
	def, inst, err := e.loadActive(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardState{}, err
	}
	steps := def.OrderedSteps()
	idx := stepIndex(steps, inst.CurrentStep)
	if idx < 0 {
		return e.state(def, inst), model.NewInvalidTransitionError(fmt.Sprintf("step %q is not part of wizard %q", inst.CurrentStep, def.ID))
	}
	if res := validation.ValidateStep(steps[idx], inst.Answers, inst.Options); !res.Valid {
		return e.state(def, inst), model.NewValidationError(fieldErrors(res.Errors))
	}
	if idx == len(steps)-1 {
		return e.state(def, inst), model.NewInvalidTransitionError(fmt.Sprintf("step %q is the last step; submit the wizard", inst.CurrentStep))
	}
	return e.enter(ctx, rctx, def, inst, steps, idx+1, DirectionNext)
}

// Back moves to the previous step. Resolutions for fields of the steps left
// behind are cancelled.
func (e *Engine) Back(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WizardState, error) {
	def, inst, err := e.loadActive(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardState{}, err
	}
	steps := def.OrderedSteps()
	idx := stepIndex(steps, inst.CurrentStep)
	if idx <= 0 {
		return e.state(def, inst), model.NewInvalidTransitionError(fmt.Sprintf("step %q has no previous step", inst.CurrentStep))
	}
	return e.enter(ctx, rctx, def, inst, steps, idx-1, DirectionBack)
}

// GoTo jumps to stepID. Earlier steps are always reachable; a later step is
// reachable only when every step before it is valid.
func (e *Engine) GoTo(ctx context.Context, rctx *model.RequestContext, instanceID, stepID string) (model.WizardState, error) {
	def, inst, err := e.loadActive(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardState{}, err
	}
	steps := def.OrderedSteps()
	target := stepIndex(steps, stepID)
	if target < 0 {
		return e.state(def, inst), model.NewNotFoundError(fmt.Sprintf("step %q not found in wizard %q", stepID, def.ID))
	}
	current := stepIndex(steps, inst.CurrentStep)
	if target == current {
		return e.state(def, inst), nil
	}
	if target > current {
		if invalid, res, ok := validation.FirstInvalid(def, inst.Answers, inst.Options, steps[target-1].ID); ok {
			env := model.NewValidationError(fieldErrors(res.Errors))
			env.Message = fmt.Sprintf("Step %s is incomplete", invalid)
			return e.state(def, inst), env
		}
	}
	return e.enter(ctx, rctx, def, inst, steps, target, DirectionGoTo)
}

func (e *Engine) enter(ctx context.Context, rctx *model.RequestContext, def model.WizardDefinition, inst *model.WizardInstance, steps []model.StepDefinition, idx int, direction string) (model.WizardState, error) {
	from := inst.CurrentStep
	inst.CurrentStep = steps[idx].ID
	for _, later := range steps[idx+1:] {
		for _, f := range later.Fields {
			e.tracker.Cancel(inst.ID, f.ID)
		}
	}
	if err := e.save(ctx, inst); err != nil {
		return model.WizardState{}, err
	}
	e.observer.StepEntered(def.ID, inst.CurrentStep, direction)
	e.record(ctx, rctx, inst, events.StepEntered, map[string]any{"from": from, "direction": direction})
	return e.state(def, inst), nil
}

// Options returns the option set of fieldID for the current parent value.
// A field whose parent is empty gets a disabled empty set. Fetch failures are
// reported on the set, not as an error.
func (e *Engine) Options(ctx context.Context, rctx *model.RequestContext, instanceID, fieldID string) (model.OptionSet, error) {
	def, inst, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.OptionSet{}, err
	}
	f, _, ok := def.Field(fieldID)
	if !ok {
		return model.OptionSet{}, model.NewNotFoundError(fmt.Sprintf("field %q not found", fieldID))
	}
	if f.OptionsKey == "" {
		return model.OptionSet{}, model.NewBadRequestError(fmt.Sprintf("field %q has no option source", fieldID))
	}
	graph := answers.NewGraph(def)
	parentValue, ready := parentValueOf(graph, inst, f.ID)
	if !ready {
		return model.OptionSet{Disabled: true}, nil
	}
	if set, ok := inst.Options[f.ID]; ok && set.ParentValue == parentValue && set.Error == "" {
		return set, nil
	}

	set, current := e.resolveField(ctx, rctx, def, inst, f, parentValue)
	if current && inst.Status == model.WizardStatusActive {
		e.applyOptions(ctx, def, inst, graph, map[string]model.OptionSet{f.ID: set})
	}
	return set, nil
}

// RequestCode sends a verification code for gateID.
func (e *Engine) RequestCode(ctx context.Context, rctx *model.RequestContext, instanceID, gateID string) (model.WizardState, error) {
	def, inst, err := e.loadActive(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardState{}, err
	}
	if err := e.gate.Send(ctx, rctx, def, inst, gateID); err != nil {
		return e.state(def, inst), err
	}
	if err := e.save(ctx, inst); err != nil {
		return model.WizardState{}, err
	}
	e.record(ctx, rctx, inst, events.VerificationSent, map[string]any{"gate": gateID})
	return e.state(def, inst), nil
}

// VerifyCode checks code for gateID. A failed check is stored so attempts
// accumulate across requests.
func (e *Engine) VerifyCode(ctx context.Context, rctx *model.RequestContext, instanceID, gateID, code string) (model.WizardState, error) {
	def, inst, err := e.loadActive(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardState{}, err
	}
	verr := e.gate.Verify(ctx, rctx, def, inst, gateID, code)
	var env *model.ErrorEnvelope
	if verr != nil && (!errors.As(verr, &env) || env.Code != model.ErrOTPFailed) {
		return e.state(def, inst), verr
	}
	if verr == nil {
		if v, ok := def.Verification(gateID); ok {
			delete(inst.FieldErrors, v.Field)
			delete(inst.FieldErrors, v.Flag)
		}
	}
	if err := e.save(ctx, inst); err != nil {
		return model.WizardState{}, err
	}
	if verr != nil {
		e.record(ctx, rctx, inst, events.VerificationFailed, map[string]any{
			"gate": gateID, "attempts": inst.Verifications[gateID].Attempts,
		})
		return e.state(def, inst), verr
	}
	e.record(ctx, rctx, inst, events.VerificationSucceeded, map[string]any{"gate": gateID})
	return e.state(def, inst), nil
}

// ResetVerification unlocks the field of gateID and clears its flag.
func (e *Engine) ResetVerification(ctx context.Context, rctx *model.RequestContext, instanceID, gateID string) (model.WizardState, error) {
	def, inst, err := e.loadActive(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardState{}, err
	}
	if err := e.gate.Reset(def, inst, gateID); err != nil {
		return e.state(def, inst), err
	}
	if err := e.save(ctx, inst); err != nil {
		return model.WizardState{}, err
	}
	e.record(ctx, rctx, inst, events.VerificationReset, map[string]any{"gate": gateID})
	return e.state(def, inst), nil
}

// ApplyLocation reverse-geocodes lat/lng and writes the place names into the
// wizard's geo fields in cascade order. Select fields take the option whose
// value or label matches; fields without a match, locked fields and gates
// are left untouched.
func (e *Engine) ApplyLocation(ctx context.Context, rctx *model.RequestContext, instanceID string, lat, lng float64) (model.WizardState, model.Location, error) {
	def, inst, err := e.loadActive(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardState{}, model.Location{}, err
	}
	loc, err := e.geo.Reverse(ctx, rctx, def, lat, lng)
	if err != nil {
		return e.state(def, inst), model.Location{}, err
	}

	graph := answers.NewGraph(def)
	store := answers.New(graph, inst.Answers)
	var applied []string
	for _, t := range geo.Targets(def.Geo, loc) {
		f, _, ok := def.Field(t.Field)
		if !ok || f.Gate || inst.Locked[f.ID] {
			continue
		}
		var value any = t.Name
		if f.OptionsKey != "" {
			set, ok := e.currentOptions(ctx, rctx, def, inst, graph, f)
			if !ok {
				continue
			}
			o, found := geo.Match(set, t.Name)
			if !found {
				continue
			}
			value = o.Value
			if model.IsEmpty(value) {
				value = o.ID
			}
		}
		ch := store.Set(f.ID, value)
		if ch.Changed {
			e.afterChange(def, inst, graph, ch)
			applied = append(applied, f.ID)
		}
	}
	for _, id := range graph.TopoOrder() {
		if _, ok := inst.Options[id]; ok {
			continue
		}
		if f, _, _ := def.Field(id); f.OptionsKey != "" {
			e.currentOptions(ctx, rctx, def, inst, graph, f)
		}
	}

	if err := e.save(ctx, inst); err != nil {
		return model.WizardState{}, model.Location{}, err
	}
	e.record(ctx, rctx, inst, events.LocationApplied, map[string]any{"fields": applied})
	return e.state(def, inst), loc, nil
}

// Upload stores file for fieldID. A failed upload stays on the instance as
// a failed item and its error is returned.
func (e *Engine) Upload(ctx context.Context, rctx *model.RequestContext, instanceID, fieldID string, file upload.File) (model.WizardState, model.UploadItem, error) {
	def, inst, err := e.loadActive(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardState{}, model.UploadItem{}, err
	}
	if err := writable(def, inst, fieldID); err != nil {
		return e.state(def, inst), model.UploadItem{}, err
	}
	item, uerr := e.uploader.Upload(ctx, rctx, def, inst, fieldID, file)
	if uerr != nil && item.ID == "" {
		return e.state(def, inst), item, uerr
	}
	var (
		graph *answers.Graph
		ch    answers.Change
	)
	if uerr == nil {
		graph = answers.NewGraph(def)
		ch = answers.New(graph, inst.Answers).Set(fieldID, item.URL)
		delete(inst.FieldErrors, fieldID)
		if ch.Changed {
			e.afterChange(def, inst, graph, ch)
		}
	}
	if err := e.save(context.WithoutCancel(ctx), inst); err != nil {
		return model.WizardState{}, item, err
	}
	if ch.Changed {
		e.observer.AnswerChanged(def.ID, len(ch.Cleared))
		e.refreshChildren(ctx, rctx, def, inst, graph, ch.Field)
	}
	name := events.UploadCompleted
	if uerr != nil {
		name = events.UploadFailed
	}
	e.record(ctx, rctx, inst, name, map[string]any{"field": fieldID, "upload_id": item.ID})
	return e.state(def, inst), item, uerr
}

// Submit runs the submission controller and stores its outcome. The outcome
// is stored even when ctx is cancelled while the backend call is in flight.
func (e *Engine) Submit(ctx context.Context, rctx *model.RequestContext, instanceID, idempotencyKey string) (model.WizardState, model.SubmissionResult, error) {
	def, inst, err := e.loadActive(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardState{}, model.SubmissionResult{}, err
	}
	result, serr := e.submitter.Submit(ctx, submission.Request{
		Definition:     def,
		Instance:       inst,
		RequestContext: rctx,
		IdempotencyKey: idempotencyKey,
	})

	persistCtx := context.WithoutCancel(ctx)
	if err := e.save(persistCtx, inst); err != nil {
		return model.WizardState{}, result, err
	}

	log := e.instanceLogger(ctx, inst)
	switch result.State {
	case model.SubmissionSuccess:
		data := map[string]any{}
		if inst.Session != nil {
			data["session_id"] = inst.Session.SessionID
		}
		e.record(persistCtx, rctx, inst, events.SubmissionSucceeded, data)
		e.observer.StepEntered(def.ID, inst.CurrentStep, DirectionSubmit)
		e.observer.WizardFinished(def.ID)
		e.tracker.Forget(inst.ID)
		log.Info("submission succeeded")
	case model.SubmissionServerRejected:
		e.record(persistCtx, rctx, inst, events.SubmissionRejected, map[string]any{"errors": len(result.ServerErrors)})
		log.Info("submission rejected", zap.Int("errors", len(result.ServerErrors)))
	case model.SubmissionNetworkError:
		e.record(persistCtx, rctx, inst, events.SubmissionFailed, nil)
		log.Warn("submission failed", zap.Error(serr))
	}
	return e.state(def, inst), result, serr
}

// Cancel ends an active instance.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.WizardState, error) {
	def, inst, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.WizardState{}, err
	}
	if inst.Status != model.WizardStatusActive {
		return e.state(def, inst), model.NewWizardNotActiveError(fmt.Sprintf("wizard instance %q is %s, not active", inst.ID, inst.Status))
	}
	inst.Status = model.WizardStatusCancelled
	if err := e.save(ctx, inst); err != nil {
		return model.WizardState{}, err
	}
	e.tracker.Forget(inst.ID)
	e.observer.WizardFinished(def.ID)
	e.record(ctx, rctx, inst, events.WizardCancelled, map[string]any{"reason": reason})
	return e.state(def, inst), nil
}

// ProcessExpired cancels every active instance past its expiry and returns
// how many were cancelled. Instances that fail to update are logged and
// skipped.
func (e *Engine) ProcessExpired(ctx context.Context) (int, error) {
	expired, err := e.store.FindExpired(ctx, e.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("find expired instances: %w", err)
	}
	n := 0
	for i := range expired {
		inst := &expired[i]
		inst.Status = model.WizardStatusCancelled
		if err := e.save(ctx, inst); err != nil {
			e.logger.Warn("wizard: expire instance failed", zap.String("instance_id", inst.ID), zap.Error(err))
			continue
		}
		n++
		e.tracker.Forget(inst.ID)
		e.observer.WizardFinished(inst.WizardID)
		e.record(ctx, nil, inst, events.WizardExpired, nil)
	}
	return n, nil
}

// RunExpiry calls ProcessExpired every interval until ctx is done.
func (e *Engine) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.ProcessExpired(ctx)
			if err != nil {
				e.logger.Error("wizard: expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				e.logger.Info("wizard: expired instances cancelled", zap.Int("count", n))
			}
		}
	}
}

// --- Helpers ---

func (e *Engine) definition(wizardID string) (model.WizardDefinition, error) {
	def, ok := e.registry.GetWizard(wizardID)
	if !ok {
		return model.WizardDefinition{}, model.NewWizardNotFoundError(wizardID)
	}
	return def, nil
}

func (e *Engine) newInstance(def model.WizardDefinition, rctx *model.RequestContext) (*model.WizardInstance, error) {
	steps := def.OrderedSteps()
	if len(steps) == 0 {
		return nil, model.NewBadRequestError(fmt.Sprintf("wizard %q has no steps", def.ID))
	}
	now := e.now().UTC()
	inst := &model.WizardInstance{
		ID:          e.newID(),
		WizardID:    def.ID,
		TenantID:    rctx.TenantID,
		PartitionID: rctx.PartitionID,
		SubjectID:   rctx.SubjectID,
		CurrentStep: steps[0].ID,
		Status:      model.WizardStatusActive,
		Answers:     make(map[string]any),
		Options:     make(map[string]model.OptionSet),
		Submission:  model.SubmissionState{State: model.SubmissionIdle},
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	ttl := e.instanceTTL
	if def.Timeout != "" {
		if d, err := time.ParseDuration(def.Timeout); err == nil {
			ttl = d
		}
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		inst.ExpiresAt = &exp
	}
	return inst, nil
}

// load returns an instance visible to rctx: same tenant and same subject.
func (e *Engine) load(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WizardDefinition, *model.WizardInstance, error) {
	inst, err := e.store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WizardDefinition{}, nil, err
	}
	if !rctx.Owns(&inst) {
		return model.WizardDefinition{}, nil, model.NewNotFoundError(fmt.Sprintf("wizard instance %q not found", instanceID))
	}
	def, err := e.definition(inst.WizardID)
	if err != nil {
		return model.WizardDefinition{}, nil, err
	}
	if inst.Answers == nil {
		inst.Answers = make(map[string]any)
	}
	if inst.Options == nil {
		inst.Options = make(map[string]model.OptionSet)
	}
	return def, &inst, nil
}

func (e *Engine) loadActive(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WizardDefinition, *model.WizardInstance, error) {
	def, inst, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return def, nil, err
	}
	if inst.Status != model.WizardStatusActive {
		return def, nil, model.NewWizardNotActiveError(fmt.Sprintf("wizard instance %q is %s, not active", inst.ID, inst.Status))
	}
	if inst.ExpiresAt != nil && e.now().After(*inst.ExpiresAt) {
		return def, nil, model.NewWizardExpiredError(inst.ID)
	}
	return def, inst, nil
}

// save stores inst and advances its in-memory version to match the store.
func (e *Engine) save(ctx context.Context, inst *model.WizardInstance) error {
	inst.UpdatedAt = e.now().UTC()
	if err := e.store.Update(ctx, *inst); err != nil {
		return err
	}
	inst.Version++
	return nil
}

func (e *Engine) record(ctx context.Context, rctx *model.RequestContext, inst *model.WizardInstance, name string, data map[string]any) {
	actor := rctx.Actor()
	evt := model.WizardEvent{
		ID:         e.newID(),
		InstanceID: inst.ID,
		WizardID:   inst.WizardID,
		StepID:     inst.CurrentStep,
		Event:      name,
		ActorID:    actor,
		Data:       data,
		Timestamp:  e.now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, evt); err != nil {
		e.logger.Error("wizard: append event failed", zap.String("event", name), zap.String("instance_id", inst.ID), zap.Error(err))
	}
	if err := e.publisher.Publish(ctx, evt); err != nil {
		e.logger.Warn("wizard: publish event failed", zap.String("event", name), zap.String("instance_id", inst.ID), zap.Error(err))
	}
}

func (e *Engine) state(def model.WizardDefinition, inst *model.WizardInstance) model.WizardState {
	st := model.WizardState{
		Instance: *inst,
		Progress: progress.Compute(def, inst.Answers, inst.Options, inst.CurrentStep),
	}
	if step, ok := def.Step(inst.CurrentStep); ok && inst.Status == model.WizardStatusActive {
		res := validation.ValidateStep(step, inst.Answers, inst.Options)
		st.CanAdvance = res.Valid
		st.StepErrors = res.Errors
	}
	return st
}

func (e *Engine) instanceLogger(ctx context.Context, inst *model.WizardInstance) *zap.Logger {
	return observability.InstanceLogger(observability.RequestLogger(ctx, e.logger), inst.WizardID, inst.ID, inst.CurrentStep)
}

// seed writes initial answers parents first so later writes are not cleared
// by their parent's write.
func (e *Engine) seed(def model.WizardDefinition, inst *model.WizardInstance, initial map[string]any) {
	store := answers.New(answers.NewGraph(def), inst.Answers)
	for _, path := range orderedPaths(def, initial) {
		store.Set(path, initial[path])
	}
}

// writable reports whether users may write path.
func writable(def model.WizardDefinition, inst *model.WizardInstance, path string) error {
	field, sub := answers.SplitPath(path)
	f, _, ok := def.Field(field)
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("field %q not found", field))
	}
	if sub != "" && f.Type != model.FieldQuestions {
		return model.NewBadRequestError(fmt.Sprintf("field %q has no sub paths", field))
	}
	if f.Gate {
		return model.NewValidationError([]model.FieldError{{
			Field: field, Code: "READ_ONLY", Message: "This field is set by verification",
		}})
	}
	if inst.Locked[field] {
		return model.NewFieldLockedError(field)
	}
	return nil
}

func orderedPaths(def model.WizardDefinition, values map[string]any) []string {
	rank := make(map[string]int)
	for i, id := range answers.NewGraph(def).TopoOrder() {
		rank[id] = i
	}
	paths := make([]string, 0, len(values))
	for p := range values {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		fi, _ := answers.SplitPath(paths[i])
		fj, _ := answers.SplitPath(paths[j])
		if rank[fi] != rank[fj] {
			return rank[fi] < rank[fj]
		}
		return paths[i] < paths[j]
	})
	return paths
}

func stepIndex(steps []model.StepDefinition, id string) int {
	for i, s := range steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func fieldErrors(errs map[string]string) []model.FieldError {
	out := make([]model.FieldError, 0, len(errs))
	for field, msg := range errs {
		out = append(out, model.FieldError{Field: field, Code: "INVALID", Message: msg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// resumedAnswers reads saved answers from data.answers, answers or data.
func resumedAnswers(raw []byte) (map[string]any, bool) {
	for _, p := range []string{"data.answers", "answers", "data"} {
		r := gjson.GetBytes(raw, p)
		if !r.IsObject() {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(r.Raw), &m); err == nil {
			return m, true
		}
	}
	return nil, false
}

func rawBody(res model.InvocationResult) []byte {
	if len(res.Raw) > 0 || res.Body == nil {
		return res.Raw
	}
	b, _ := json.Marshal(res.Body)
	return b
}

func isConflict(err error) bool {
	var env *model.ErrorEnvelope
	return errors.As(err, &env) && env.Code == model.ErrConflict
}
