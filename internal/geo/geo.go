// Package geo reverse-geocodes coordinates through the wizard's geo operation
// and matches the resulting place names to cascading option sets.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pitabwire/stepwise/internal/observability"
	"github.com/pitabwire/stepwise/model"
)

// prefixes are tried in order when reading a component from the response.
var prefixes = []string{"data.address.", "data.", "address.", "result.", "results.0.", ""}

var components = map[string][]string{
	"country": {"country", "country_name", "countryName", "country_code"},
	"state":   {"state", "region", "province", "emirate"},
	"city":    {"city", "locality", "town", "village"},
	"area":    {"area", "district", "neighbourhood", "suburb"},
	"address": {"full_address", "fullAddress", "formatted_address", "display_name"},
}

// Client calls the reverse geocoding operation.
type Client struct {
	invoker model.OperationInvoker
}

// NewClient creates a Client calling the backend through inv.
func NewClient(inv model.OperationInvoker) *Client {
	return &Client{invoker: inv}
}

// Reverse resolves lat and lng to a Location.
func (c *Client) Reverse(ctx context.Context, rctx *model.RequestContext, def model.WizardDefinition, lat, lng float64) (model.Location, error) {
	if def.Geo == nil {
		return model.Location{}, model.NewBadRequestError(fmt.Sprintf("wizard %s does not support location lookup", def.ID))
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return model.Location{}, model.NewValidationError([]model.FieldError{{
			Field: "location", Code: "OUT_OF_RANGE", Message: "Coordinates are out of range",
		}})
	}

	ctx, span := observability.StartSpan(ctx, "geo.reverse", observability.AttrWizardID.String(def.ID))
	res, err := c.invoker.Invoke(ctx, rctx, def.Geo.Operation, model.InvocationInput{
		QueryParams: map[string]string{
			"lat": strconv.FormatFloat(lat, 'f', -1, 64),
			"lng": strconv.FormatFloat(lng, 'f', -1, 64),
		},
	})
	if err == nil && !res.OK() {
		err = model.NewBackendUnavailableError()
	}
	observability.EndSpanWithError(span, err)
	if err != nil {
		return model.Location{}, err
	}
	return Parse(rawBody(res), lat, lng), nil
}

// Parse reads a reverse geocoding response, tolerating "data." nesting and
// the usual provider field names.
func Parse(raw []byte, lat, lng float64) model.Location {
	doc := gjson.ParseBytes(raw)
	return model.Location{
		Latitude:    lat,
		Longitude:   lng,
		Country:     lookup(doc, "country"),
		State:       lookup(doc, "state"),
		City:        lookup(doc, "city"),
		Area:        lookup(doc, "area"),
		FullAddress: lookup(doc, "address"),
	}
}

func lookup(doc gjson.Result, component string) string {
	for _, prefix := range prefixes {
		for _, name := range components[component] {
			r := doc.Get(prefix + name)
			if r.Type == gjson.String && strings.TrimSpace(r.String()) != "" {
				return strings.TrimSpace(r.String())
			}
		}
	}
	return ""
}

// Targets returns the field assignments of a location in cascade order:
// country, state, city, area, address. Components without a field are skipped.
func Targets(g *model.GeoDefinition, loc model.Location) []Target {
	if g == nil {
		return nil
	}
	all := []Target{
		{Field: g.Country, Name: loc.Country},
		{Field: g.State, Name: loc.State},
		{Field: g.City, Name: loc.City},
		{Field: g.Area, Name: loc.Area},
		{Field: g.Address, Name: loc.FullAddress},
	}
	out := all[:0]
	for _, t := range all {
		if t.Field != "" && t.Name != "" {
			out = append(out, t)
		}
	}
	return out
}

// Target is a place name to write into a field.
type Target struct {
	Field string
	Name  string
}

// Match finds the option of set named by name. Values and IDs are compared
// first, then labels, all case-insensitively.
func Match(set model.OptionSet, name string) (model.Option, bool) {
	name = strings.TrimSpace(name)
	for _, o := range set.Options {
		if strings.EqualFold(model.ValueString(o.Value), name) || strings.EqualFold(o.ID, name) {
			return o, true
		}
	}
	for _, o := range set.Options {
		if strings.EqualFold(strings.TrimSpace(o.Label), name) {
			return o, true
		}
	}
	return model.Option{}, false
}

func rawBody(res model.InvocationResult) []byte {
	if len(res.Raw) > 0 || res.Body == nil {
		return res.Raw
	}
	b, _ := json.Marshal(res.Body)
	return b
}
