package integration

import (
	"net/http"
	"slices"
	"testing"

	"github.com/tidwall/gjson"
)

const (
	onboardingSvc = "onboarding-svc"
	startPath     = "/ui/wizards/merchant.onboarding/start"
)

func instancePath(id, suffix string) string {
	return "/ui/instances/" + id + suffix
}

// startOnboarding starts an instance and returns its id.
func startOnboarding(t *testing.T, h *TestHarness, token string) string {
	t.Helper()
	body := h.Expect(t, h.POST(startPath, map[string]any{}, token), http.StatusCreated)
	id := gjson.GetBytes(body, "instance.id").String()
	if id == "" {
		t.Fatalf("start returned no instance id: %s", body)
	}
	return id
}

func answer(t *testing.T, h *TestHarness, token, id, field string, value any) []byte {
	t.Helper()
	return h.Expect(t, h.PUT(instancePath(id, "/answers/"+field), map[string]any{"value": value}, token), http.StatusOK)
}

// completeProfile fills and verifies the first step and moves to the second.
func completeProfile(t *testing.T, h *TestHarness, token, id string) {
	t.Helper()
	answer(t, h, token, id, "full_name", "Amina Yusuf")
	answer(t, h, token, id, "phone", "+971500000001")
	h.Expect(t, h.POST(instancePath(id, "/verifications/phone/send"), nil, token), http.StatusOK)
	h.Expect(t, h.POST(instancePath(id, "/verifications/phone/verify"), map[string]any{"code": "4321"}, token), http.StatusOK)
	body := h.Expect(t, h.POST(instancePath(id, "/next"), nil, token), http.StatusOK)
	if got := gjson.GetBytes(body, "instance.current_step").String(); got != "business" {
		t.Fatalf("current_step = %q, want business", got)
	}
}

// --- Full flow ---

func TestWizardFlow_completeOnboarding(t *testing.T) {
	h := NewTestHarness(t)
	mb := h.MockBackend(onboardingSvc)
	mb.OnOperation("listCategories").RespondWith(200, CategoriesFixture())
	mb.OnOperation("listSubcategories").RespondWith(200, SubcategoriesFixture())
	mb.OnOperation("verifyOtp").RespondWith(200, map[string]any{"verified": true})
	mb.OnOperation("submitApplication").RespondWith(200, map[string]any{
		"session_id": "sess-9",
		"data":       map[string]any{"application_id": "app-777"},
	})
	token := h.GenerateToken(MerchantClaims())

	id := startOnboarding(t, h, token)
	mb.AssertCalled(t, "listCategories", 1)

	completeProfile(t, h, token, id)
	send := mb.LastRequest("sendOtp")
	if send == nil || send.Body["target"] != "+971500000001" {
		t.Fatalf("sendOtp request = %+v, want target +971500000001", send)
	}
	if send.Headers.Get("X-Tenant-Id") != "acme" {
		t.Errorf("X-Tenant-Id = %q, want acme", send.Headers.Get("X-Tenant-Id"))
	}
	if mb.LastRequest("verifyOtp").Body["code"] != "4321" {
		t.Errorf("verifyOtp code = %v, want 4321", mb.LastRequest("verifyOtp").Body["code"])
	}

	body := answer(t, h, token, id, "category", "retail")
	if got := mb.LastRequest("listSubcategories").Path; got != "/categories/retail/subcategories" {
		t.Errorf("subcategories path = %q", got)
	}
	if n := gjson.GetBytes(body, `descriptor.current_step.fields.#(field=="subcategory").options.#`).Int(); n != 2 {
		t.Errorf("subcategory options = %d, want 2\nbody: %s", n, body)
	}
	answer(t, h, token, id, "subcategory", "grocery")

	body = h.Expect(t, h.POSTWithHeaders(instancePath(id, "/submit"), nil, token,
		map[string]string{"X-Idempotency-Key": "submit-1"}), http.StatusOK)

	checks := map[string]string{
		"result.state":                  "success",
		"result.session.session_id":     "sess-9",
		"result.session.application_id": "app-777",
		"instance.status":               "completed",
		"descriptor.notification":       "Application received",
	}
	for path, want := range checks {
		if got := gjson.GetBytes(body, path).String(); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}

	sent := mb.LastRequest("submitApplication")
	if sent == nil {
		t.Fatal("submitApplication not called")
	}
	raw := gjson.ParseBytes(sent.RawBody)
	if raw.Get("contact.name").String() != "Amina Yusuf" || raw.Get("business.subcategory").String() != "grocery" {
		t.Errorf("submitted payload = %s", sent.RawBody)
	}
	if raw.Get("business.monthly_volume").Exists() {
		t.Errorf("empty optional field was submitted: %s", sent.RawBody)
	}

	names := h.Events.Names()
	for _, want := range []string{"wizard_started", "verification_succeeded", "step_entered", "submission_succeeded"} {
		if !slices.Contains(names, want) {
			t.Errorf("events %v missing %q", names, want)
		}
	}
}

func TestWizardFlow_submittedInstanceIsNotActive(t *testing.T) {
	h := NewTestHarness(t)
	mb := h.MockBackend(onboardingSvc)
	mb.OnOperation("listCategories").RespondWith(200, CategoriesFixture())
	mb.OnOperation("listSubcategories").RespondWith(200, SubcategoriesFixture())
	token := h.GenerateToken(MerchantClaims())

	id := startOnboarding(t, h, token)
	completeProfile(t, h, token, id)
	answer(t, h, token, id, "category", "food")
	answer(t, h, token, id, "subcategory", "grocery")
	h.Expect(t, h.POST(instancePath(id, "/submit"), nil, token), http.StatusOK)

	body := h.Expect(t, h.POST(instancePath(id, "/submit"), nil, token), http.StatusConflict)
	if got := gjson.GetBytes(body, "error.code").String(); got != "WIZARD_NOT_ACTIVE" {
		t.Errorf("error.code = %q, want WIZARD_NOT_ACTIVE", got)
	}
	mb.AssertCalled(t, "submitApplication", 1)
}

// --- Security ---

func TestWizardFlow_rejectsInvalidTokens(t *testing.T) {
	h := NewTestHarness(t)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"expired", h.GenerateExpiredToken(MerchantClaims())},
		{"wrong secret", h.GenerateForeignToken(MerchantClaims())},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := h.Expect(t, h.GET("/ui/instances", tt.token), http.StatusUnauthorized)
			if got := gjson.GetBytes(body, "error.code").String(); got != "UNAUTHORIZED" {
				t.Errorf("error.code = %q, want UNAUTHORIZED", got)
			}
		})
	}
}

func TestWizardFlow_instancesAreTenantScoped(t *testing.T) {
	h := NewTestHarness(t)
	h.MockBackend(onboardingSvc).OnOperation("listCategories").RespondWith(200, CategoriesFixture())

	id := startOnboarding(t, h, h.GenerateToken(MerchantClaims()))

	other := h.GenerateToken(OtherTenantClaims())
	h.Expect(t, h.GET(instancePath(id, ""), other), http.StatusNotFound)
	h.Expect(t, h.PUT(instancePath(id, "/answers/full_name"), map[string]any{"value": "Mallory"}, other), http.StatusNotFound)

	body := h.Expect(t, h.GET("/ui/instances", other), http.StatusOK)
	if n := gjson.GetBytes(body, "items.#").Int(); n != 0 {
		t.Errorf("other tenant sees %d instances, want 0", n)
	}
}

func TestWizardFlow_publicEndpointsBypassAuth(t *testing.T) {
	h := NewTestHarness(t)
	h.Expect(t, h.GET("/ui/health", ""), http.StatusOK)
	h.Expect(t, h.GET("/ui/ready", ""), http.StatusOK)
}
