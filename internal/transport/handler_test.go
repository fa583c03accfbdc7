package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/pitabwire/stepwise/internal/definition"
	"github.com/pitabwire/stepwise/internal/invoker"
	"github.com/pitabwire/stepwise/internal/wizard"
	"github.com/pitabwire/stepwise/model"
)

const signupWizard = "merchant.signup"

func sdk(name string, fn func(in model.InvocationInput) model.InvocationResult) invoker.SDKHandler {
	return invoker.SDKHandlerFunc{HandlerName: name, Fn: func(_ context.Context, _ *model.RequestContext, in model.InvocationInput) (model.InvocationResult, error) {
		return fn(in), nil
	}}
}

func testInvoker() model.OperationInvoker {
	reg := invoker.NewSDKHandlerRegistry(
		sdk("geo.states", func(in model.InvocationInput) model.InvocationResult {
			if in.PathParams["country"] != "AE" {
				return model.InvocationResult{StatusCode: 200, Body: []any{}}
			}
			return model.InvocationResult{StatusCode: 200, Body: map[string]any{"data": []any{
				map[string]any{"id": "dubai", "name": "Dubai"},
			}}}
		}),
		sdk("geo.reverse", func(model.InvocationInput) model.InvocationResult {
			return model.InvocationResult{StatusCode: 200, Body: map[string]any{"country": "AE", "state": "Dubai"}}
		}),
		sdk("otp.send", func(model.InvocationInput) model.InvocationResult {
			return model.InvocationResult{StatusCode: 200, Body: map[string]any{"success": true}}
		}),
		sdk("otp.verify", func(in model.InvocationInput) model.InvocationResult {
			if in.Body.(map[string]any)["code"] != "123456" {
				return model.InvocationResult{StatusCode: 422, Body: map[string]any{"message": "Invalid code"}}
			}
			return model.InvocationResult{StatusCode: 200, Body: map[string]any{"verified": true}}
		}),
		sdk("docs.upload", func(model.InvocationInput) model.InvocationResult {
			return model.InvocationResult{StatusCode: 200, Body: map[string]any{"file_url": "https://files.example/doc.pdf"}}
		}),
		sdk("signup.submit", func(model.InvocationInput) model.InvocationResult {
			return model.InvocationResult{StatusCode: 200, Body: map[string]any{"success": true, "session_id": "sess-42"}}
		}),
	)
	return invoker.NewSDKOperationInvoker(reg)
}

func op(handler string) model.OperationBinding {
	return model.OperationBinding{Type: "sdk", Handler: handler}
}

func signupDefinition() model.WizardDefinition {
	states := op("geo.states")
	return model.WizardDefinition{
		ID:       signupWizard,
		Name:     "Merchant signup",
		Progress: model.ProgressSteps,
		Steps: []model.StepDefinition{
			{ID: "profile", Name: "Profile", Order: 1, Fields: []model.FieldSchema{
				{ID: "full_name", Type: model.FieldText, Required: true},
				{ID: "phone", Type: model.FieldText, Required: true},
				{ID: "phone_verified", Type: model.FieldBoolean, Required: true, Gate: true},
			}},
			{ID: "store", Name: "Store", Order: 2, Fields: []model.FieldSchema{
				{ID: "country", Type: model.FieldSelect, Required: true, OptionsKey: "countries"},
				{ID: "state", Type: model.FieldSelect, Required: true, DependsOn: "country", OptionsKey: "states"},
				{ID: "license", Type: model.FieldText},
			}},
		},
		OptionSources: []model.OptionSourceDefinition{
			{Key: "countries", Static: []model.Option{{ID: "ae", Label: "United Arab Emirates", Value: "AE"}}},
			{Key: "states", Operation: &states, ParentParam: "country"},
		},
		Payload: model.PayloadMapping{Fields: []model.FieldMapping{
			{Target: "merchant.name", Source: "answers.full_name"},
			{Target: "merchant.state", Source: "answers.state"},
		}},
		Submit: model.SubmitDefinition{Operation: op("signup.submit"), SuccessMessage: "Welcome aboard"},
		Verifications: []model.VerificationDefinition{{
			ID: "phone", Field: "phone", Flag: "phone_verified",
			Send: op("otp.send"), Verify: op("otp.verify"),
		}},
		Upload: &model.UploadDefinition{Operation: op("docs.upload"), MaxBytes: 1024},
		Geo:    &model.GeoDefinition{Operation: op("geo.reverse"), Country: "country", State: "state"},
	}
}

// apiServer wires a router around a real engine over the memory store.
type apiServer struct {
	t       *testing.T
	handler http.Handler
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	registry := definition.NewRegistry([]model.WizardFile{{SourceFile: "signup.yaml", Wizards: []model.WizardDefinition{signupDefinition()}}})
	engine := wizard.NewEngine(registry, wizard.NewMemoryInstanceStore(), testInvoker())

	deps := testDeps()
	deps.Engine = engine
	deps.Registry = registry
	return &apiServer{t: t, handler: NewRouter(deps)}
}

func (s *apiServer) send(req *http.Request, subject string) (int, gjson.Result) {
	s.t.Helper()
	req.Header.Set("X-Subject-Id", subject)
	req.Header.Set("X-Tenant-Id", "tenant-1")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	raw, _ := io.ReadAll(w.Body)
	return w.Code, gjson.ParseBytes(raw)
}

func (s *apiServer) do(method, path string, body any) (int, gjson.Result) {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.send(req, "user-alice")
}

func (s *apiServer) start() string {
	s.t.Helper()
	status, body := s.do("POST", "/ui/wizards/"+signupWizard+"/start", nil)
	if status != http.StatusCreated {
		s.t.Fatalf("start status = %d, body = %s", status, body.Raw)
	}
	return body.Get("instance.id").String()
}

func (s *apiServer) answer(id, field string, value any) gjson.Result {
	s.t.Helper()
	status, body := s.do("PUT", "/ui/instances/"+id+"/answers/"+field, map[string]any{"value": value})
	if status != http.StatusOK {
		s.t.Fatalf("answer %s status = %d, body = %s", field, status, body.Raw)
	}
	return body
}

func (s *apiServer) completeProfile(id string) {
	s.t.Helper()
	s.answer(id, "full_name", "Alice")
	s.answer(id, "phone", "+971500000001")
	if status, body := s.do("POST", "/ui/instances/"+id+"/verifications/phone/send", nil); status != 200 {
		s.t.Fatalf("send status = %d, body = %s", status, body.Raw)
	}
	if status, body := s.do("POST", "/ui/instances/"+id+"/verifications/phone/verify", map[string]string{"code": "123456"}); status != 200 {
		s.t.Fatalf("verify status = %d, body = %s", status, body.Raw)
	}
}

// --- Lifecycle ---

func TestHandleStart_success(t *testing.T) {
	s := newAPIServer(t)
	status, body := s.do("POST", "/ui/wizards/"+signupWizard+"/start", map[string]any{
		"answers": map[string]any{"full_name": "Alice"},
	})

	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (%s)", status, body.Raw)
	}
	if got := body.Get("instance.current_step").String(); got != "profile" {
		t.Errorf("current_step = %q, want profile", got)
	}
	if got := body.Get("instance.answers.full_name").String(); got != "Alice" {
		t.Errorf("answers.full_name = %q, want Alice", got)
	}
	if got := body.Get("descriptor.current_step.id").String(); got != "profile" {
		t.Errorf("descriptor.current_step.id = %q, want profile", got)
	}
	if got := body.Get("descriptor.steps.#").Int(); got != 2 {
		t.Errorf("descriptor.steps = %d, want 2", got)
	}
}

func TestHandleStart_unknownWizard(t *testing.T) {
	s := newAPIServer(t)
	status, body := s.do("POST", "/ui/wizards/missing/start", nil)

	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
	if got := body.Get("error.code").String(); got != model.ErrWizardNotFound {
		t.Errorf("code = %q, want %s", got, model.ErrWizardNotFound)
	}
}

func TestHandleStart_invalidJSON(t *testing.T) {
	s := newAPIServer(t)
	req := httptest.NewRequest("POST", "/ui/wizards/"+signupWizard+"/start", bytes.NewReader([]byte("{not json")))
	status, body := s.send(req, "user-alice")

	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
	if got := body.Get("error.code").String(); got != model.ErrBadRequest {
		t.Errorf("code = %q, want BAD_REQUEST", got)
	}
}

func TestHandleResume_requiresSession(t *testing.T) {
	s := newAPIServer(t)
	status, body := s.do("POST", "/ui/wizards/"+signupWizard+"/resume", map[string]any{})

	if status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", status)
	}
	if got := body.Get("error.details.0.field").String(); got != "session_id" {
		t.Errorf("detail field = %q, want session_id", got)
	}
}

func TestHandleGet_isScopedToSubject(t *testing.T) {
	s := newAPIServer(t)
	id := s.start()

	status, _ := s.do("GET", "/ui/instances/"+id, nil)
	if status != http.StatusOK {
		t.Errorf("owner status = %d, want 200", status)
	}

	status, _ = s.send(httptest.NewRequest("GET", "/ui/instances/"+id, nil), "user-mallory")
	if status != http.StatusNotFound {
		t.Errorf("other subject status = %d, want 404", status)
	}
}

func TestHandleList(t *testing.T) {
	s := newAPIServer(t)
	s.start()
	s.start()

	status, body := s.do("GET", "/ui/instances?wizard_id="+signupWizard+"&limit=1", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if got := body.Get("items.#").Int(); got != 1 {
		t.Errorf("items = %d, want 1", got)
	}

	_, body = s.do("GET", "/ui/instances", nil)
	if got := body.Get("items.#").Int(); got != 2 {
		t.Errorf("items = %d, want 2", got)
	}
}

func TestHandleDescribeStep(t *testing.T) {
	s := newAPIServer(t)
	id := s.start()

	status, body := s.do("GET", "/ui/instances/"+id+"/steps/store", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", status, body.Raw)
	}
	if got := body.Get("current_step.status").String(); got != model.StepStatusPending {
		t.Errorf("status = %q, want pending", got)
	}
	state := body.Get(`current_step.fields.#(field=="state")`)
	if !state.Get("disabled").Bool() {
		t.Error("state should be disabled while country is empty")
	}

	status, _ = s.do("GET", "/ui/instances/"+id+"/steps/missing", nil)
	if status != http.StatusNotFound {
		t.Errorf("missing step status = %d, want 404", status)
	}
}

func TestHandleCancel(t *testing.T) {
	s := newAPIServer(t)
	id := s.start()

	status, body := s.do("POST", "/ui/instances/"+id+"/cancel", map[string]string{"reason": "changed my mind"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if got := body.Get("instance.status").String(); got != model.WizardStatusCancelled {
		t.Errorf("status = %q, want cancelled", got)
	}

	status, body = s.do("POST", "/ui/instances/"+id+"/next", nil)
	if status != http.StatusConflict || body.Get("error.code").String() != model.ErrWizardNotActive {
		t.Errorf("next after cancel = %d %s, want 409 WIZARD_NOT_ACTIVE", status, body.Get("error.code"))
	}

	_, body = s.do("GET", "/ui/instances/"+id+"/events", nil)
	if body.Get("items.#").Int() < 2 {
		t.Errorf("events = %s, want start and cancel", body.Get("items.#.event").Raw)
	}
}

// --- Answers ---

func TestHandleAnswers_cascade(t *testing.T) {
	s := newAPIServer(t)
	id := s.start()

	body := s.answer(id, "country", "AE")
	if got := body.Get("instance.options.state.options.#").Int(); got != 1 {
		t.Fatalf("state options = %d, want 1", got)
	}
	s.answer(id, "state", "dubai")

	status, body := s.do("DELETE", "/ui/instances/"+id+"/answers/country", nil)
	if status != http.StatusOK {
		t.Fatalf("clear status = %d, want 200", status)
	}
	if body.Get("instance.answers.state").Exists() {
		t.Error("clearing country should clear state")
	}
}

func TestHandleAnswers_gateIsReadOnly(t *testing.T) {
	s := newAPIServer(t)
	id := s.start()

	status, body := s.do("PUT", "/ui/instances/"+id+"/answers/phone_verified", map[string]any{"value": true})
	if status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422 (%s)", status, body.Raw)
	}
}

func TestHandleOptions(t *testing.T) {
	s := newAPIServer(t)
	id := s.start()
	s.answer(id, "country", "AE")

	status, body := s.do("GET", "/ui/instances/"+id+"/options/state", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", status, body.Raw)
	}
	if got := body.Get("parent_value").String(); got != "AE" {
		t.Errorf("parent_value = %q, want AE", got)
	}
	if got := body.Get("options.0.id").String(); got != "dubai" {
		t.Errorf("options[0].id = %q, want dubai", got)
	}
}

// --- Navigation ---

func TestHandleNavigation(t *testing.T) {
	s := newAPIServer(t)
	id := s.start()

	status, body := s.do("POST", "/ui/instances/"+id+"/next", nil)
	if status != http.StatusUnprocessableEntity {
		t.Errorf("next on incomplete step = %d, want 422", status)
	}
	if got := body.Get(`error.details.#(field=="full_name").code`).String(); got == "" {
		t.Errorf("details = %s, want full_name error", body.Get("error.details").Raw)
	}

	s.completeProfile(id)
	status, body = s.do("POST", "/ui/instances/"+id+"/next", nil)
	if status != http.StatusOK || body.Get("instance.current_step").String() != "store" {
		t.Fatalf("next = %d %s, want 200 store", status, body.Get("instance.current_step"))
	}

	status, body = s.do("POST", "/ui/instances/"+id+"/back", nil)
	if status != http.StatusOK || body.Get("instance.current_step").String() != "profile" {
		t.Errorf("back = %d %s, want 200 profile", status, body.Get("instance.current_step"))
	}

	status, body = s.do("POST", "/ui/instances/"+id+"/goto", map[string]string{"step_id": "store"})
	if status != http.StatusOK || body.Get("instance.current_step").String() != "store" {
		t.Errorf("goto = %d %s, want 200 store", status, body.Get("instance.current_step"))
	}

	status, _ = s.do("POST", "/ui/instances/"+id+"/goto", map[string]string{})
	if status != http.StatusBadRequest {
		t.Errorf("goto without step_id = %d, want 400", status)
	}
}

// --- Verification ---

func TestHandleVerification(t *testing.T) {
	s := newAPIServer(t)
	id := s.start()
	s.answer(id, "phone", "+971500000001")

	if status, _ := s.do("POST", "/ui/instances/"+id+"/verifications/phone/send", nil); status != 200 {
		t.Fatalf("send status = %d, want 200", status)
	}
	status, body := s.do("POST", "/ui/instances/"+id+"/verifications/phone/send", nil)
	if status != http.StatusTooManyRequests {
		t.Errorf("resend status = %d, want 429 (%s)", status, body.Raw)
	}

	status, body = s.do("POST", "/ui/instances/"+id+"/verifications/phone/verify", map[string]string{"code": "000000"})
	if status != http.StatusUnprocessableEntity || body.Get("error.code").String() != model.ErrOTPFailed {
		t.Errorf("wrong code = %d %s, want 422 OTP_FAILED", status, body.Get("error.code"))
	}

	status, _ = s.do("POST", "/ui/instances/"+id+"/verifications/phone/verify", map[string]string{})
	if status != http.StatusUnprocessableEntity {
		t.Errorf("missing code = %d, want 422", status)
	}

	status, body = s.do("POST", "/ui/instances/"+id+"/verifications/phone/verify", map[string]string{"code": "123456"})
	if status != http.StatusOK || !body.Get("instance.answers.phone_verified").Bool() {
		t.Fatalf("verify = %d %s", status, body.Raw)
	}

	status, body = s.do("PUT", "/ui/instances/"+id+"/answers/phone", map[string]any{"value": "+971500000002"})
	if status != http.StatusConflict || body.Get("error.code").String() != model.ErrFieldLocked {
		t.Errorf("edit locked = %d %s, want 409 FIELD_LOCKED", status, body.Get("error.code"))
	}

	status, body = s.do("POST", "/ui/instances/"+id+"/verifications/phone/reset", nil)
	if status != http.StatusOK || body.Get("instance.answers.phone_verified").Bool() {
		t.Errorf("reset = %d, phone_verified = %s", status, body.Get("instance.answers.phone_verified"))
	}
}

// --- Location ---

func TestHandleLocation(t *testing.T) {
	s := newAPIServer(t)
	id := s.start()

	status, body := s.do("POST", "/ui/instances/"+id+"/location", map[string]float64{"latitude": 25.2, "longitude": 55.27})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", status, body.Raw)
	}
	if got := body.Get("location.country").String(); got != "AE" {
		t.Errorf("location.country = %q, want AE", got)
	}
	if got := body.Get("instance.answers.country").String(); got != "AE" {
		t.Errorf("answers.country = %q, want AE", got)
	}

	status, _ = s.do("POST", "/ui/instances/"+id+"/location", map[string]float64{"latitude": 25.2})
	if status != http.StatusBadRequest {
		t.Errorf("missing longitude = %d, want 400", status)
	}
}

// --- Uploads ---

func multipartRequest(t *testing.T, path string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "license.pdf")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(data)
	mw.Close()

	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleUpload(t *testing.T) {
	s := newAPIServer(t)
	id := s.start()

	status, body := s.send(multipartRequest(t, "/ui/instances/"+id+"/uploads/license", []byte("%PDF-1.4")), "user-alice")
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (%s)", status, body.Raw)
	}
	if got := body.Get("upload.status").String(); got != model.UploadCompleted {
		t.Errorf("upload.status = %q, want completed", got)
	}
	if got := body.Get("upload.url").String(); got != "https://files.example/doc.pdf" {
		t.Errorf("upload.url = %q", got)
	}
}

func TestHandleUpload_missingFile(t *testing.T) {
	s := newAPIServer(t)
	id := s.start()

	status, _ := s.do("POST", "/ui/instances/"+id+"/uploads/license", map[string]string{})
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

// --- Submission ---

func TestHandleSubmit(t *testing.T) {
	s := newAPIServer(t)
	id := s.start()

	status, body := s.do("POST", "/ui/instances/"+id+"/submit", nil)
	if status != http.StatusUnprocessableEntity {
		t.Errorf("incomplete submit = %d, want 422 (%s)", status, body.Raw)
	}

	s.completeProfile(id)
	s.answer(id, "country", "AE")
	s.answer(id, "state", "dubai")

	req := httptest.NewRequest("POST", "/ui/instances/"+id+"/submit", nil)
	req.Header.Set("X-Idempotency-Key", "submit-1")
	status, body = s.send(req, "user-alice")
	if status != http.StatusOK {
		t.Fatalf("submit status = %d, want 200 (%s)", status, body.Raw)
	}
	if got := body.Get("result.state").String(); got != model.SubmissionSuccess {
		t.Errorf("result.state = %q, want success", got)
	}
	if got := body.Get("instance.status").String(); got != model.WizardStatusCompleted {
		t.Errorf("instance.status = %q, want completed", got)
	}
	if got := body.Get("descriptor.notification").String(); got != "Welcome aboard" {
		t.Errorf("notification = %q, want Welcome aboard", got)
	}
	if body.Get("descriptor.current_step").Exists() {
		t.Error("completed instance should not describe a current step")
	}
}
