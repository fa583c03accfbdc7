package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stepwise/internal/definition"
	"github.com/pitabwire/stepwise/internal/metadata"
	"github.com/pitabwire/stepwise/internal/observability"
	"github.com/pitabwire/stepwise/internal/wizard"
	"github.com/pitabwire/stepwise/model"
)

// stateResponse is the body returned by every instance mutation: the raw
// state plus the descriptor of the current step.
type stateResponse struct {
	model.WizardState
	Descriptor *model.WizardDescriptor `json:"descriptor,omitempty"`
}

func newStateResponse(registry *definition.Registry, st model.WizardState) stateResponse {
	resp := stateResponse{WizardState: st}
	def, ok := registry.GetWizard(st.Instance.WizardID)
	if !ok {
		return resp
	}
	if desc, err := metadata.Describe(def, st, ""); err == nil {
		resp.Descriptor = &desc
	}
	return resp
}

func writeState(w http.ResponseWriter, registry *definition.Registry, status int, st model.WizardState) {
	WriteJSON(w, status, newStateResponse(registry, st))
}

// fail writes err with the trace id of the request attached.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	writeEnvelope(w, err, observability.TraceIDFromContext(r.Context()))
}

func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// --- Lifecycle ---

func handleStart(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		wizardID := chi.URLParam(r, "wizardId")

		var body struct {
			Answers map[string]any `json:"answers"`
		}
		if err := decodeBody(r, &body); err != nil {
			fail(w, r, err)
			return
		}

		st, err := engine.Start(r.Context(), rctx, wizardID, body.Answers)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeState(w, registry, http.StatusCreated, st)
	}
}

func handleResume(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		wizardID := chi.URLParam(r, "wizardId")

		var session model.WizardSession
		if err := decodeBody(r, &session); err != nil {
			fail(w, r, err)
			return
		}
		if session.SessionID == "" {
			fail(w, r, model.NewValidationError([]model.FieldError{
				{Field: "session_id", Code: "REQUIRED", Message: "session_id is required"},
			}))
			return
		}

		st, err := engine.Resume(r.Context(), rctx, wizardID, session)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeState(w, registry, http.StatusCreated, st)
	}
}

func handleList(engine *wizard.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		states, err := engine.List(r.Context(), rctx,
			r.URL.Query().Get("wizard_id"),
			queryInt(r, "limit", 20),
			queryInt(r, "offset", 0),
		)
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": states})
	}
}

func handleGet(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		st, err := engine.Get(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			fail(w, r, err)
			return
		}
		writeState(w, registry, http.StatusOK, st)
	}
}

func handleDescribeStep(engine *wizard.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		desc, err := engine.Describe(r.Context(), rctx, chi.URLParam(r, "instanceId"), chi.URLParam(r, "stepId"))
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleEvents(engine *wizard.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		events, err := engine.Events(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": events})
	}
}

func handleCancel(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			fail(w, r, err)
			return
		}

		st, err := engine.Cancel(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.Reason)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeState(w, registry, http.StatusOK, st)
	}
}

// --- Answers ---

func handleSetAnswer(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var body struct {
			Value any `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			fail(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}

		st, err := engine.SetAnswer(r.Context(), rctx, chi.URLParam(r, "instanceId"), chi.URLParam(r, "fieldPath"), body.Value)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeState(w, registry, http.StatusOK, st)
	}
}

func handleClearAnswer(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		st, err := engine.ClearAnswer(r.Context(), rctx, chi.URLParam(r, "instanceId"), chi.URLParam(r, "fieldPath"))
		if err != nil {
			fail(w, r, err)
			return
		}
		writeState(w, registry, http.StatusOK, st)
	}
}

func handleOptions(engine *wizard.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		set, err := engine.Options(r.Context(), rctx, chi.URLParam(r, "instanceId"), chi.URLParam(r, "fieldId"))
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, set)
	}
}

// --- Navigation ---

type navigateFunc func(engine *wizard.Engine, r *http.Request, rctx *model.RequestContext, instanceID string) (model.WizardState, error)

func handleNavigate(engine *wizard.Engine, registry *definition.Registry, nav navigateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		st, err := nav(engine, r, rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			fail(w, r, err)
			return
		}
		writeState(w, registry, http.StatusOK, st)
	}
}

func navigateNext(engine *wizard.Engine, r *http.Request, rctx *model.RequestContext, id string) (model.WizardState, error) {
	return engine.Next(r.Context(), rctx, id)
}

func navigateBack(engine *wizard.Engine, r *http.Request, rctx *model.RequestContext, id string) (model.WizardState, error) {
	return engine.Back(r.Context(), rctx, id)
}

func navigateGoTo(engine *wizard.Engine, r *http.Request, rctx *model.RequestContext, id string) (model.WizardState, error) {
	var body struct {
		StepID string `json:"step_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		return model.WizardState{}, err
	}
	if body.StepID == "" {
		return model.WizardState{}, model.NewBadRequestError("step_id is required")
	}
	return engine.GoTo(r.Context(), rctx, id, body.StepID)
}
