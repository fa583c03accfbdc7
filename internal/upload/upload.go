// Package upload sends documents to the upload backend as multipart requests
// and records each attempt as an upload item on the wizard instance.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/pitabwire/stepwise/internal/observability"
	"github.com/pitabwire/stepwise/model"
)

// DefaultURLPaths are the response paths searched for the stored file URL,
// in order.
var DefaultURLPaths = []string{
	"url", "data.url", "data.file_url", "file_url",
	"location", "data.location", "result.url",
}

const defaultFileField = "file"

// Observer receives upload outcomes. *observability.Metrics satisfies it.
type Observer interface {
	UploadFinished(wizardID, status string)
}

type nopObserver struct{}

func (nopObserver) UploadFinished(string, string) {}

// Option configures an Uploader.
type Option func(*Uploader)

// WithObserver reports outcomes to o.
func WithObserver(o Observer) Option {
	return func(u *Uploader) {
		if o != nil {
			u.observer = o
		}
	}
}

// WithLogger sets the uploader logger.
func WithLogger(l *zap.Logger) Option {
	return func(u *Uploader) {
		if l != nil {
			u.logger = l
		}
	}
}

// File is one document received from the client.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Uploader posts files to the upload operation of a wizard.
type Uploader struct {
	invoker  model.OperationInvoker
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewUploader creates an Uploader calling the backend through inv.
func NewUploader(inv model.OperationInvoker, opts ...Option) *Uploader {
	u := &Uploader{
		invoker:  inv,
		observer: nopObserver{},
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload sends file for fieldID. The item is appended to inst.Uploads before
// the call and stays there as failed when the backend errors or its response
// carries no URL. The caller records the returned URL as the field's answer.
func (u *Uploader) Upload(ctx context.Context, rctx *model.RequestContext, def model.WizardDefinition, inst *model.WizardInstance, fieldID string, file File) (model.UploadItem, error) {
	if def.Upload == nil {
		return model.UploadItem{}, model.NewBadRequestError(fmt.Sprintf("wizard %s does not accept uploads", def.ID))
	}
	if len(file.Data) == 0 {
		return model.UploadItem{}, model.NewValidationError([]model.FieldError{{
			Field: fieldID, Code: "REQUIRED", Message: "Choose a file to upload",
		}})
	}
	if def.Upload.MaxBytes > 0 && int64(len(file.Data)) > def.Upload.MaxBytes {
		return model.UploadItem{}, model.NewValidationError([]model.FieldError{{
			Field: fieldID, Code: "TOO_LARGE", Message: fmt.Sprintf("The file exceeds %d bytes", def.Upload.MaxBytes),
		}})
	}

	item := model.UploadItem{
		ID:          u.newID(),
		FieldID:     fieldID,
		Name:        file.Name,
		ContentType: file.ContentType,
		Size:        int64(len(file.Data)),
		Status:      model.UploadPending,
		CreatedAt:   u.now().UTC(),
	}
	inst.Uploads = append(inst.Uploads, item)
	idx := len(inst.Uploads) - 1

	body, contentType, err := encode(def.Upload, inst, fieldID, file)
	if err != nil {
		return u.fail(def, inst, idx, err)
	}

	ctx, span := observability.StartSpan(ctx, "upload.send",
		observability.AttrWizardID.String(def.ID),
		observability.AttrFieldID.String(fieldID),
	)
	res, err := u.invoker.Invoke(ctx, rctx, def.Upload.Operation, model.InvocationInput{
		RawBody:     body,
		ContentType: contentType,
	})
	if err == nil && !res.OK() {
		err = model.NewBackendUnavailableError()
	}
	var url string
	if err == nil {
		var ok bool
		if url, ok = LocateURL(rawBody(res), def.Upload.URLPaths); !ok {
			err = model.NewUploadShapeError()
		}
	}
	observability.EndSpanWithError(span, err)
	if err != nil {
		return u.fail(def, inst, idx, err)
	}

	inst.Uploads[idx].Status = model.UploadCompleted
	inst.Uploads[idx].URL = url
	u.observer.UploadFinished(def.ID, model.UploadCompleted)
	return inst.Uploads[idx], nil
}

func (u *Uploader) fail(def model.WizardDefinition, inst *model.WizardInstance, idx int, err error) (model.UploadItem, error) {
	inst.Uploads[idx].Status = model.UploadFailed
	inst.Uploads[idx].Error = err.Error()
	u.observer.UploadFinished(def.ID, model.UploadFailed)
	u.logger.Warn("upload: failed",
		zap.String("wizard_id", def.ID),
		zap.String("field_id", inst.Uploads[idx].FieldID),
		zap.Error(err),
	)
	return inst.Uploads[idx], err
}

// LocateURL finds the stored file URL in an upload response. extra paths are
// searched before DefaultURLPaths. A body that is itself a string is the URL.
func LocateURL(raw []byte, extra []string) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	if !gjson.ValidBytes(raw) {
		s := string(raw)
		if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "/") {
			return s, true
		}
		return "", false
	}
	doc := gjson.ParseBytes(raw)
	if doc.Type == gjson.String {
		return doc.String(), doc.String() != ""
	}
	paths := append(append([]string{}, extra...), DefaultURLPaths...)
	for _, p := range paths {
		if r := doc.Get(p); r.Type == gjson.String && r.String() != "" {
			return r.String(), true
		}
	}
	return "", false
}

func rawBody(res model.InvocationResult) []byte {
	if len(res.Raw) > 0 || res.Body == nil {
		return res.Raw
	}
	b, _ := json.Marshal(res.Body)
	return b
}

// encode builds the multipart body. The session id travels with the file so
// the backend can attach it to the submitted application.
func encode(def *model.UploadDefinition, inst *model.WizardInstance, fieldID string, file File) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{"instance_id": inst.ID, "field_id": fieldID}
	if inst.Session != nil {
		fields["session_id"] = inst.Session.SessionID
		if inst.Session.ApplicationID != "" {
			fields["application_id"] = inst.Session.ApplicationID
		}
	}
	for _, k := range []string{"instance_id", "field_id", "session_id", "application_id"} {
		v, ok := fields[k]
		if !ok {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("upload: write field %s: %w", k, err)
		}
	}

	name := def.FileField
	if name == "" {
		name = defaultFileField
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, name, file.Name))
	ct := file.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("upload: create part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", fmt.Errorf("upload: write file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("upload: close multipart: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
