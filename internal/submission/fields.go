package submission

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pitabwire/stepwise/internal/payload"
	"github.com/pitabwire/stepwise/model"
)

// FieldIndex maps backend field paths to the wizard field and step that own
// them. Keys are field IDs and payload targets.
type FieldIndex struct {
	owners map[string]string
	steps  map[string]string
	keys   []string
}

// NewFieldIndex indexes the fields and payload targets of def.
func NewFieldIndex(def model.WizardDefinition) *FieldIndex {
	idx := &FieldIndex{
		owners: make(map[string]string),
		steps:  make(map[string]string),
	}
	for _, s := range def.Steps {
		for _, f := range s.Fields {
			idx.steps[f.ID] = s.ID
			idx.owners[f.ID] = f.ID
		}
	}
	for target, field := range payload.FieldTargets(def.Payload) {
		if _, ok := idx.steps[field]; ok {
			idx.owners[target] = field
		}
	}
	for k := range idx.owners {
		idx.keys = append(idx.keys, k)
	}
	// Longest keys first so the first match is the longest prefix.
	sort.Slice(idx.keys, func(i, j int) bool {
		if len(idx.keys[i]) != len(idx.keys[j]) {
			return len(idx.keys[i]) > len(idx.keys[j])
		}
		return idx.keys[i] < idx.keys[j]
	})
	return idx
}

// Owner resolves a backend field path to its field and step. The longest
// key that equals path or prefixes it at a segment boundary wins; failing
// that, the last path segment is tried as a field ID.
func (idx *FieldIndex) Owner(path string) (fieldID, stepID string, ok bool) {
	path = normalizePath(path)
	for _, k := range idx.keys {
		if path == k || strings.HasPrefix(path, k+".") {
			field := idx.owners[k]
			return field, idx.steps[field], true
		}
	}
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		if step, found := idx.steps[path[i+1:]]; found {
			return path[i+1:], step, true
		}
	}
	return "", "", false
}

// normalizePath turns "items[0].name" into "items.0.name".
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "[", ".")
	p = strings.ReplaceAll(p, "]", "")
	return strings.TrimPrefix(p, ".")
}

// backendError is one entry of a rejection body.
type backendError struct {
	Field   string
	Message string
}

// parseErrors reads errors[] or data.errors[] from a response body. Entries
// may be objects with field/message (or path/detail) or bare strings.
func parseErrors(raw []byte) ([]backendError, bool) {
	if !gjson.ValidBytes(raw) {
		return nil, false
	}
	root := gjson.ParseBytes(raw)
	var list gjson.Result
	for _, p := range []string{"errors", "data.errors", "error.details"} {
		if r := root.Get(p); r.IsArray() {
			list = r
			break
		}
	}
	if !list.Exists() {
		return nil, false
	}

	var out []backendError
	for _, item := range list.Array() {
		if !item.IsObject() {
			out = append(out, backendError{Message: item.String()})
			continue
		}
		be := backendError{
			Field:   firstString(item, "field", "path", "param", "name"),
			Message: firstString(item, "message", "detail", "msg", "error"),
		}
		if be.Message == "" {
			be.Message = "Invalid value"
		}
		out = append(out, be)
	}
	return out, true
}

// responseMessage returns a top-level message of a response body.
func responseMessage(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return ""
	}
	return firstString(gjson.ParseBytes(raw), "message", "data.message", "error.message", "error")
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func sortFieldErrors(errs []model.FieldError) {
	sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
}
