package resolver

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/pitabwire/stepwise/model"
)

// itemPaths are tried in order when a source has no items_path.
var itemPaths = []string{"data", "items", "data.items", "results", "data.results"}

var (
	defaultLabelPaths = []string{"label", "name", "title", "question"}
	defaultKindPaths  = []string{"kind", "type"}
)

// ExtractOptions reads option items from a backend response. The list is the
// top-level array, the configured items_path, or the first array found under
// data, items, data.items, results or data.results.
func ExtractOptions(raw []byte, src model.OptionSourceDefinition) ([]model.Option, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("option source %q: response is not JSON", src.Key)
	}
	root := gjson.ParseBytes(raw)

	var list gjson.Result
	switch {
	case src.ItemsPath != "":
		list = root.Get(src.ItemsPath)
	case root.IsArray():
		list = root
	default:
		for _, p := range itemPaths {
			if r := root.Get(p); r.IsArray() {
				list = r
				break
			}
		}
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("option source %q: no item list in response", src.Key)
	}

	items := list.Array()
	out := make([]model.Option, 0, len(items))
	for _, item := range items {
		out = append(out, toOption(item, src))
	}
	return out, nil
}

func toOption(item gjson.Result, src model.OptionSourceDefinition) model.Option {
	if !item.IsObject() {
		s := item.String()
		return model.Option{ID: s, Label: s, Value: item.Value()}
	}

	id := first(item, src.IDField, "id")
	opt := model.Option{
		ID:    id.String(),
		Label: first(item, src.LabelField, defaultLabelPaths...).String(),
		Kind:  first(item, src.KindField, defaultKindPaths...).String(),
	}

	if v := first(item, src.ValueField, "value"); v.Exists() {
		opt.Value = v.Value()
	} else {
		opt.Value = id.Value()
	}
	if opt.Label == "" {
		opt.Label = opt.ID
	}

	nested := first(item, src.OptionsField, "options", "answers")
	if nested.IsArray() {
		// Nested answer options use the default field names.
		inner := model.OptionSourceDefinition{Key: src.Key}
		for _, n := range nested.Array() {
			opt.Options = append(opt.Options, toOption(n, inner))
		}
	}
	return opt
}

// first returns the value at configured, or at the first of the fallbacks
// that exists.
func first(item gjson.Result, configured string, fallbacks ...string) gjson.Result {
	if configured != "" {
		return item.Get(configured)
	}
	for _, p := range fallbacks {
		if r := item.Get(p); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// responseBytes returns the raw body, re-encoding the decoded body for
// invokers that do not keep the raw bytes.
func responseBytes(result model.InvocationResult) []byte {
	if len(result.Raw) > 0 {
		return result.Raw
	}
	if result.Body == nil {
		return nil
	}
	b, err := json.Marshal(result.Body)
	if err != nil {
		return nil
	}
	return b
}
