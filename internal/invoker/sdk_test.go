package invoker

import (
	"context"
	"errors"
	"testing"

	"github.com/pitabwire/stepwise/model"
)

func echoHandler(name string) SDKHandlerFunc {
	return SDKHandlerFunc{
		HandlerName: name,
		Fn: func(_ context.Context, rctx *model.RequestContext, input model.InvocationInput) (model.InvocationResult, error) {
			body := map[string]any{"input": input.Body}
			if rctx != nil {
				body["tenant"] = rctx.TenantID
			}
			return model.InvocationResult{StatusCode: 200, Body: body}, nil
		},
	}
}

func TestSDKHandlerRegistry(t *testing.T) {
	r := NewSDKHandlerRegistry(echoHandler("otp.verify"), echoHandler("otp.send"))

	if _, ok := r.Get("otp.send"); !ok {
		t.Error("Get(otp.send) not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) found")
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "otp.send" {
		t.Errorf("Names() = %v, want sorted [otp.send otp.verify]", names)
	}
}

func TestSDKHandlerRegistry_RegisterDuplicatePanics(t *testing.T) {
	r := NewSDKHandlerRegistry(echoHandler("otp.send"))
	defer func() {
		if recover() == nil {
			t.Error("Register duplicate should panic")
		}
	}()
	r.Register(echoHandler("otp.send"))
}

func TestSDKOperationInvoker_Invoke(t *testing.T) {
	inv := NewSDKOperationInvoker(NewSDKHandlerRegistry(echoHandler("otp.send")))

	if !inv.Supports(model.OperationBinding{Type: "sdk"}) || inv.Supports(model.OperationBinding{Type: "http"}) {
		t.Fatal("Supports() should accept only sdk")
	}

	result, err := inv.Invoke(context.Background(), &model.RequestContext{TenantID: "t1"},
		model.OperationBinding{Type: "sdk", Handler: "otp.send"},
		model.InvocationInput{Body: map[string]any{"phone": "+971"}})
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	body := result.Body.(map[string]any)
	if body["tenant"] != "t1" {
		t.Errorf("tenant = %v, want t1", body["tenant"])
	}
}

func TestSDKOperationInvoker_Invoke_errors(t *testing.T) {
	failing := SDKHandlerFunc{
		HandlerName: "fail",
		Fn: func(context.Context, *model.RequestContext, model.InvocationInput) (model.InvocationResult, error) {
			return model.InvocationResult{}, errors.New("provider down")
		},
	}
	inv := NewSDKOperationInvoker(NewSDKHandlerRegistry(failing))

	if _, err := inv.Invoke(context.Background(), nil, model.OperationBinding{Type: "sdk", Handler: "missing"}, model.InvocationInput{}); err == nil {
		t.Error("missing handler should error")
	}
	if _, err := inv.Invoke(context.Background(), nil, model.OperationBinding{Type: "sdk", Handler: "fail"}, model.InvocationInput{}); err == nil {
		t.Error("handler error should propagate")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := inv.Invoke(ctx, nil, model.OperationBinding{Type: "sdk", Handler: "fail"}, model.InvocationInput{})
	if !model.IsNetworkError(err) {
		t.Errorf("cancelled context err = %v, want network error", err)
	}
}
