package transport

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stepwise/internal/definition"
	"github.com/pitabwire/stepwise/internal/upload"
	"github.com/pitabwire/stepwise/internal/wizard"
	"github.com/pitabwire/stepwise/model"
)

// --- Verification ---

func handleRequestCode(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		st, err := engine.RequestCode(r.Context(), rctx, chi.URLParam(r, "instanceId"), chi.URLParam(r, "gateId"))
		if err != nil {
			fail(w, r, err)
			return
		}
		writeState(w, registry, http.StatusOK, st)
	}
}

func handleVerifyCode(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var body struct {
			Code string `json:"code"`
		}
		if err := decodeBody(r, &body); err != nil {
			fail(w, r, err)
			return
		}
		if body.Code == "" {
			fail(w, r, model.NewValidationError([]model.FieldError{
				{Field: "code", Code: "REQUIRED", Message: "code is required"},
			}))
			return
		}

		st, err := engine.VerifyCode(r.Context(), rctx, chi.URLParam(r, "instanceId"), chi.URLParam(r, "gateId"), body.Code)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeState(w, registry, http.StatusOK, st)
	}
}

func handleResetVerification(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		st, err := engine.ResetVerification(r.Context(), rctx, chi.URLParam(r, "instanceId"), chi.URLParam(r, "gateId"))
		if err != nil {
			fail(w, r, err)
			return
		}
		writeState(w, registry, http.StatusOK, st)
	}
}

// --- Location ---

func handleLocation(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var body struct {
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		}
		if err := decodeBody(r, &body); err != nil {
			fail(w, r, err)
			return
		}
		if body.Latitude == nil || body.Longitude == nil {
			fail(w, r, model.NewBadRequestError("latitude and longitude are required"))
			return
		}

		st, loc, err := engine.ApplyLocation(r.Context(), rctx, chi.URLParam(r, "instanceId"), *body.Latitude, *body.Longitude)
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, struct {
			stateResponse
			Location model.Location `json:"location"`
		}{newStateResponse(registry, st), loc})
	}
}

// --- Uploads ---

func handleUpload(engine *wizard.Engine, registry *definition.Registry, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		if maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				fail(w, r, model.NewBadRequestError("upload exceeds the maximum size"))
				return
			}
			fail(w, r, model.NewBadRequestError("multipart field \"file\" is required"))
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			fail(w, r, model.NewBadRequestError("failed to read upload"))
			return
		}

		st, item, err := engine.Upload(r.Context(), rctx, chi.URLParam(r, "instanceId"), chi.URLParam(r, "fieldId"), upload.File{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, struct {
			stateResponse
			Upload model.UploadItem `json:"upload"`
		}{newStateResponse(registry, st), item})
	}
}

// --- Submission ---

func handleSubmit(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		st, result, err := engine.Submit(r.Context(), rctx, chi.URLParam(r, "instanceId"), r.Header.Get("X-Idempotency-Key"))
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, struct {
			stateResponse
			Result model.SubmissionResult `json:"result"`
		}{newStateResponse(registry, st), result})
	}
}
