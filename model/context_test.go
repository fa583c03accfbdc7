package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{
			name: "valid context",
			rc: &RequestContext{
				SubjectID: "user-1",
				TenantID:  "tenant-1",
			},
			wantErr: false,
		},
		{
			name: "missing SubjectID",
			rc: &RequestContext{
				TenantID: "tenant-1",
			},
			wantErr: true,
		},
		{
			name: "missing TenantID",
			rc: &RequestContext{
				SubjectID: "user-1",
			},
			wantErr: true,
		},
		{
			name:    "missing both",
			rc:      &RequestContext{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_Owns(t *testing.T) {
	rc := &RequestContext{SubjectID: "user-1", TenantID: "tenant-1"}
	tests := []struct {
		name string
		inst *WizardInstance
		want bool
	}{
		{"same owner", &WizardInstance{TenantID: "tenant-1", SubjectID: "user-1"}, true},
		{"other subject", &WizardInstance{TenantID: "tenant-1", SubjectID: "user-2"}, false},
		{"other tenant", &WizardInstance{TenantID: "tenant-2", SubjectID: "user-1"}, false},
		{"nil instance", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rc.Owns(tt.inst); got != tt.want {
				t.Errorf("Owns() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestContext_Actor(t *testing.T) {
	var nilCtx *RequestContext
	if got := nilCtx.Actor(); got != SystemActor {
		t.Errorf("nil Actor() = %q, want %q", got, SystemActor)
	}
	if got := (&RequestContext{}).Actor(); got != SystemActor {
		t.Errorf("anonymous Actor() = %q, want %q", got, SystemActor)
	}
	if got := (&RequestContext{SubjectID: "user-1"}).Actor(); got != "user-1" {
		t.Errorf("Actor() = %q, want user-1", got)
	}
}

func TestRequestContext_Claim_nil_map(t *testing.T) {
	rc := &RequestContext{}
	if got := rc.Claim("any"); got != nil {
		t.Errorf("Claim(any) on nil claims = %v, want nil", got)
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rctx := &RequestContext{
		SubjectID: "user-1",
		TenantID:  "tenant-1",
	}
	ctx := WithRequestContext(context.Background(), rctx)
	got := RequestContextFrom(ctx)
	if got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
}

func TestRequestContextFrom_absent(t *testing.T) {
	got := RequestContextFrom(context.Background())
	if got != nil {
		t.Errorf("RequestContextFrom(empty context) = %v, want nil", got)
	}
}
