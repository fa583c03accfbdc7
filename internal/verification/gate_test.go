package verification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/stepwise/internal/invoker"
	"github.com/pitabwire/stepwise/model"
)

type otpBackend struct {
	sent    []string
	code    string
	sendErr error
}

func (b *otpBackend) invoker() *invoker.SDKOperationInvoker {
	reg := invoker.NewSDKHandlerRegistry(
		invoker.SDKHandlerFunc{HandlerName: "otp.send", Fn: func(_ context.Context, _ *model.RequestContext, in model.InvocationInput) (model.InvocationResult, error) {
			if b.sendErr != nil {
				return model.InvocationResult{}, b.sendErr
			}
			b.sent = append(b.sent, in.Body.(map[string]any)["target"].(string))
			return model.InvocationResult{StatusCode: 200, Body: map[string]any{"success": true}}, nil
		}},
		invoker.SDKHandlerFunc{HandlerName: "otp.verify", Fn: func(_ context.Context, _ *model.RequestContext, in model.InvocationInput) (model.InvocationResult, error) {
			if in.Body.(map[string]any)["code"] != b.code {
				return model.InvocationResult{StatusCode: 422, Body: map[string]any{"message": "Invalid code"}}, nil
			}
			return model.InvocationResult{StatusCode: 200, Body: map[string]any{"verified": true}}, nil
		}},
	)
	return invoker.NewSDKOperationInvoker(reg)
}

type outcomes struct{ got []string }

func (o *outcomes) VerificationAttempted(_, action, outcome string) {
	o.got = append(o.got, action+":"+outcome)
}

func phoneWizard() model.WizardDefinition {
	return model.WizardDefinition{
		ID: "mortgage.application",
		Steps: []model.StepDefinition{{ID: "contact", Fields: []model.FieldSchema{
			{ID: "phone", Type: model.FieldText, Required: true},
			{ID: "phone_verified", Type: model.FieldBoolean, Gate: true},
		}}},
		Verifications: []model.VerificationDefinition{{
			ID: "phone", Field: "phone", Flag: "phone_verified",
			Send:        model.OperationBinding{Type: "sdk", Handler: "otp.send"},
			Verify:      model.OperationBinding{Type: "sdk", Handler: "otp.verify"},
			ResendAfter: "30s",
			MaxAttempts: 3,
		}},
	}
}

func newInstance() *model.WizardInstance {
	return &model.WizardInstance{ID: "i-1", Answers: map[string]any{"phone": "+971500000001"}}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestGate_sendVerifyLocks(t *testing.T) {
	backend := &otpBackend{code: "123456"}
	obs := &outcomes{}
	g := NewGate(backend.invoker(), WithObserver(obs))
	def, inst := phoneWizard(), newInstance()
	ctx := context.Background()

	require.NoError(t, g.Send(ctx, nil, def, inst, "phone"))
	require.Equal(t, []string{"+971500000001"}, backend.sent)

	err := g.Verify(ctx, nil, def, inst, "phone", "000000")
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	require.Equal(t, model.ErrOTPFailed, env.Code)
	require.Equal(t, "Invalid code", env.Message)
	require.Equal(t, 1, inst.Verifications["phone"].Attempts)
	require.Nil(t, inst.Answers["phone_verified"])

	require.NoError(t, g.Verify(ctx, nil, def, inst, "phone", "123456"))
	require.Equal(t, true, inst.Answers["phone_verified"])
	require.True(t, inst.Locked["phone"])
	require.True(t, inst.Verifications["phone"].Verified)

	require.Equal(t, []string{"send:ok", "verify:failed", "verify:ok"}, obs.got)
}

func TestGate_resendCooldown(t *testing.T) {
	backend := &otpBackend{code: "1"}
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	g := NewGate(backend.invoker(), WithClock(c.now))
	def, inst := phoneWizard(), newInstance()
	ctx := context.Background()

	require.NoError(t, g.Send(ctx, nil, def, inst, "phone"))

	c.t = c.t.Add(10 * time.Second)
	err := g.Send(ctx, nil, def, inst, "phone")
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	require.Equal(t, model.ErrRateLimited, env.Code)
	require.Contains(t, env.Message, "20s")

	inst.Answers["phone"] = "+971500000002"
	require.NoError(t, g.Send(ctx, nil, def, inst, "phone"), "a new target is not rate limited")

	c.t = c.t.Add(31 * time.Second)
	require.NoError(t, g.Send(ctx, nil, def, inst, "phone"))
	require.Len(t, backend.sent, 3)
}

func TestGate_attemptLimitRequiresNewCode(t *testing.T) {
	backend := &otpBackend{code: "123456"}
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	g := NewGate(backend.invoker(), WithClock(c.now))
	def, inst := phoneWizard(), newInstance()
	ctx := context.Background()

	require.NoError(t, g.Send(ctx, nil, def, inst, "phone"))
	for i := 0; i < 3; i++ {
		require.Error(t, g.Verify(ctx, nil, def, inst, "phone", "bad"))
	}

	err := g.Verify(ctx, nil, def, inst, "phone", "123456")
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	require.Equal(t, "Request a code first", env.Message)

	c.t = c.t.Add(time.Minute)
	require.NoError(t, g.Send(ctx, nil, def, inst, "phone"))
	require.NoError(t, g.Verify(ctx, nil, def, inst, "phone", "123456"))
}

func TestGate_verifyWithoutSend(t *testing.T) {
	g := NewGate((&otpBackend{}).invoker())
	err := g.Verify(context.Background(), nil, phoneWizard(), newInstance(), "phone", "1")
	require.Error(t, err)
}

func TestGate_sendRequiresValue(t *testing.T) {
	g := NewGate((&otpBackend{}).invoker())
	inst := newInstance()
	delete(inst.Answers, "phone")

	err := g.Send(context.Background(), nil, phoneWizard(), inst, "phone")
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	require.Equal(t, model.ErrValidationError, env.Code)
}

func TestGate_sendBackendError(t *testing.T) {
	backend := &otpBackend{sendErr: model.NewBackendUnavailableError()}
	g := NewGate(backend.invoker())
	inst := newInstance()

	err := g.Send(context.Background(), nil, phoneWizard(), inst, "phone")
	require.True(t, model.IsNetworkError(err))
	require.Empty(t, inst.Verifications, "failed send records nothing")
}

func TestGate_unknownGate(t *testing.T) {
	g := NewGate((&otpBackend{}).invoker())
	err := g.Send(context.Background(), nil, phoneWizard(), newInstance(), "email")
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	require.Equal(t, model.ErrNotFound, env.Code)
}

func TestGate_resetAndFieldChanged(t *testing.T) {
	backend := &otpBackend{code: "1"}
	g := NewGate(backend.invoker())
	def, inst := phoneWizard(), newInstance()
	ctx := context.Background()
	require.NoError(t, g.Send(ctx, nil, def, inst, "phone"))
	require.NoError(t, g.Verify(ctx, nil, def, inst, "phone", "1"))

	require.Empty(t, FieldChanged(def, inst, "phone"), "unchanged value keeps the gate")

	require.NoError(t, g.Reset(def, inst, "phone"))
	require.False(t, inst.Locked["phone"])
	require.NotContains(t, inst.Answers, "phone_verified")
	require.NotContains(t, inst.Verifications, "phone")

	require.NoError(t, g.Send(ctx, nil, def, inst, "phone"))
	inst.Answers["phone"] = "+971500000009"
	require.Equal(t, []string{"phone_verified"}, FieldChanged(def, inst, "phone"))
	require.NotContains(t, inst.Verifications, "phone")
}

func TestGateFor(t *testing.T) {
	v, ok := GateFor(phoneWizard(), "phone")
	require.True(t, ok)
	require.Equal(t, "phone_verified", v.Flag)
	_, ok = GateFor(phoneWizard(), "email")
	require.False(t, ok)
}
