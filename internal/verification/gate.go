// Package verification implements OTP gates. A gate sends a code to the value
// of its field, verifies the code the user enters, and on success locks the
// field and sets the gate's synthetic flag field to true.
package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/pitabwire/stepwise/internal/observability"
	"github.com/pitabwire/stepwise/model"
)

const defaultMaxAttempts = 5

// Actions and outcomes reported to the Observer.
const (
	ActionSend   = "send"
	ActionVerify = "verify"

	OutcomeOK          = "ok"
	OutcomeFailed      = "failed"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// Observer receives gate outcomes. *observability.Metrics satisfies it.
type Observer interface {
	VerificationAttempted(wizardID, action, outcome string)
}

type nopObserver struct{}

func (nopObserver) VerificationAttempted(string, string, string) {}

// Option configures a Gate.
type Option func(*Gate)

// WithObserver reports outcomes to o.
func WithObserver(o Observer) Option {
	return func(g *Gate) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithLogger sets the gate logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate runs OTP round trips against the send and verify operations of a
// verification definition.
type Gate struct {
	invoker  model.OperationInvoker
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// NewGate creates a Gate calling the backend through inv.
func NewGate(inv model.OperationInvoker, opts ...Option) *Gate {
	g := &Gate{invoker: inv, observer: nopObserver{}, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Send requests a code for the current value of the gate's field. A resend
// to the same target inside the cooldown is RATE_LIMITED.
func (g *Gate) Send(ctx context.Context, rctx *model.RequestContext, def model.WizardDefinition, inst *model.WizardInstance, gateID string) error {
	v, err := lookup(def, gateID)
	if err != nil {
		return err
	}
	target := model.ValueString(inst.Answers[v.Field])
	if target == "" {
		return model.NewValidationError([]model.FieldError{{
			Field: v.Field, Code: "REQUIRED", Message: "Enter a value to verify",
		}})
	}

	state := inst.Verifications[gateID]
	now := g.now().UTC()
	if state.SentAt != nil && state.Target == target && now.Before(state.SentAt.Add(cooldown(v))) {
		g.observer.VerificationAttempted(def.ID, ActionSend, OutcomeRateLimited)
		env := model.NewRateLimitedError()
		env.Message = fmt.Sprintf("A code was already sent. Try again in %s", state.SentAt.Add(cooldown(v)).Sub(now).Round(time.Second))
		return env
	}

	ctx, span := observability.StartSpan(ctx, "verification.send",
		observability.AttrWizardID.String(def.ID),
		observability.AttrFieldID.String(v.Field),
	)
	res, err := g.invoker.Invoke(ctx, rctx, v.Send, model.InvocationInput{Body: requestBody(v, inst, target, "")})
	if err == nil && !accepted(res) {
		err = model.NewOTPError(backendMessage(res, "The code could not be sent"))
	}
	observability.EndSpanWithError(span, err)
	if err != nil {
		g.observer.VerificationAttempted(def.ID, ActionSend, outcomeOf(err))
		g.logger.Warn("verification: send failed", zap.String("gate", gateID), zap.Error(err))
		return err
	}

	if inst.Verifications == nil {
		inst.Verifications = make(map[string]model.VerificationState)
	}
	inst.Verifications[gateID] = model.VerificationState{Target: target, SentAt: &now}
	g.observer.VerificationAttempted(def.ID, ActionSend, OutcomeOK)
	return nil
}

// Verify checks code against the last code sent. Failures count attempts;
// once the limit is reached a new code must be requested.
func (g *Gate) Verify(ctx context.Context, rctx *model.RequestContext, def model.WizardDefinition, inst *model.WizardInstance, gateID, code string) error {
	v, err := lookup(def, gateID)
	if err != nil {
		return err
	}
	state := inst.Verifications[gateID]
	target := model.ValueString(inst.Answers[v.Field])
	switch {
	case state.Verified:
		return nil
	case state.SentAt == nil || state.Target != target:
		return model.NewOTPError("Request a code first")
	case state.Attempts >= maxAttempts(v):
		return model.NewOTPError("Too many attempts. Request a new code")
	case code == "":
		return model.NewOTPError("Enter the code you received")
	}

	ctx, span := observability.StartSpan(ctx, "verification.verify",
		observability.AttrWizardID.String(def.ID),
		observability.AttrFieldID.String(v.Field),
	)
	res, err := g.invoker.Invoke(ctx, rctx, v.Verify, model.InvocationInput{Body: requestBody(v, inst, target, code)})
	observability.EndSpanWithError(span, err)
	if err != nil {
		g.observer.VerificationAttempted(def.ID, ActionVerify, OutcomeError)
		return err
	}

	if !accepted(res) {
		state.Attempts++
		if state.Attempts >= maxAttempts(v) {
			state.SentAt = nil
		}
		inst.Verifications[gateID] = state
		g.observer.VerificationAttempted(def.ID, ActionVerify, OutcomeFailed)
		return model.NewOTPError(backendMessage(res, "The code is incorrect"))
	}

	state.Verified = true
	state.Attempts = 0
	inst.Verifications[gateID] = state
	if inst.Locked == nil {
		inst.Locked = make(map[string]bool)
	}
	inst.Locked[v.Field] = true
	inst.Answers[v.Flag] = true
	g.observer.VerificationAttempted(def.ID, ActionVerify, OutcomeOK)
	return nil
}

// Reset unlocks the gate's field and clears its flag.
func (g *Gate) Reset(def model.WizardDefinition, inst *model.WizardInstance, gateID string) error {
	v, err := lookup(def, gateID)
	if err != nil {
		return err
	}
	unverify(inst, v)
	return nil
}

// FieldChanged clears every gate guarding field whose verified target no
// longer matches the field's value. It returns the flag fields it cleared.
func FieldChanged(def model.WizardDefinition, inst *model.WizardInstance, field string) []string {
	var cleared []string
	for _, v := range def.Verifications {
		if v.Field != field {
			continue
		}
		state, ok := inst.Verifications[v.ID]
		if !ok || state.Target == model.ValueString(inst.Answers[field]) {
			continue
		}
		unverify(inst, v)
		cleared = append(cleared, v.Flag)
	}
	return cleared
}

// GateFor returns the verification guarding field.
func GateFor(def model.WizardDefinition, field string) (model.VerificationDefinition, bool) {
	for _, v := range def.Verifications {
		if v.Field == field {
			return v, true
		}
	}
	return model.VerificationDefinition{}, false
}

func unverify(inst *model.WizardInstance, v model.VerificationDefinition) {
	delete(inst.Verifications, v.ID)
	delete(inst.Locked, v.Field)
	delete(inst.Answers, v.Flag)
}

func lookup(def model.WizardDefinition, gateID string) (model.VerificationDefinition, error) {
	v, ok := def.Verification(gateID)
	if !ok {
		return model.VerificationDefinition{}, model.NewNotFoundError(fmt.Sprintf("verification %q not found", gateID))
	}
	return v, nil
}

func requestBody(v model.VerificationDefinition, inst *model.WizardInstance, target, code string) map[string]any {
	body := map[string]any{
		"target":      target,
		v.Field:       target,
		"instance_id": inst.ID,
	}
	if code != "" {
		body["code"] = code
	}
	return body
}

// accepted reports a 2xx response whose body does not say otherwise.
func accepted(res model.InvocationResult) bool {
	if !res.OK() {
		return false
	}
	raw := rawBody(res)
	for _, p := range []string{"success", "verified", "valid", "data.verified"} {
		if r := gjson.GetBytes(raw, p); r.Exists() && !r.Bool() {
			return false
		}
	}
	return true
}

func backendMessage(res model.InvocationResult, fallback string) string {
	raw := rawBody(res)
	for _, p := range []string{"message", "error", "data.message", "errors.0.message"} {
		if r := gjson.GetBytes(raw, p); r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return fallback
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

func outcomeOf(err error) string {
	if env, ok := err.(*model.ErrorEnvelope); ok && env.Code == model.ErrOTPFailed {
		return OutcomeFailed
	}
	return OutcomeError
}

func cooldown(v model.VerificationDefinition) time.Duration {
	if v.ResendAfter != "" {
		if d, err := time.ParseDuration(v.ResendAfter); err == nil {
			return d
		}
	}
	return 30 * time.Second
}

func maxAttempts(v model.VerificationDefinition) int {
	if v.MaxAttempts > 0 {
		return v.MaxAttempts
	}
	return defaultMaxAttempts
}
