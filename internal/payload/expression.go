package payload

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pitabwire/stepwise/model"
)

// Sources are the values a mapping expression can read.
type Sources struct {
	Answers    map[string]any
	Options    map[string]model.OptionSet
	Session    *model.WizardSession
	Context    *model.RequestContext
	InstanceID string
	WizardID   string
}

// Resolve evaluates a source expression. Supported expressions:
//   - answers.field            answer of a field
//   - answers.questions.q1     nested answer
//   - session.application_id   session identifier
//   - context.subject_id       request identity (tenant_id, partition_id, locale, claims.<name>)
//   - instance.id              instance identity (id, wizard_id)
//   - 'literal'                single-quoted string
//   - 42 / 4.5 / true          numeric and boolean literals
//
// A reference to an absent value resolves to nil without error.
func (s Sources) Resolve(expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	if len(expr) >= 2 && expr[0] == '\'' && expr[len(expr)-1] == '\'' {
		return expr[1 : len(expr)-1], nil
	}
	if expr == "true" || expr == "false" {
		return expr == "true", nil
	}
	if isNumericLiteral(expr) {
		return parseNumeric(expr)
	}

	prefix, path, ok := strings.Cut(expr, ".")
	if !ok {
		return nil, fmt.Errorf("invalid expression %q: missing source prefix", expr)
	}
	if path == "" {
		return nil, fmt.Errorf("invalid expression %q: empty path after prefix", expr)
	}

	switch prefix {
	case "answers":
		return navigatePath(s.Answers, path), nil
	case "session":
		return s.resolveSession(path)
	case "context":
		return s.resolveContext(path)
	case "instance":
		switch path {
		case "id":
			return s.InstanceID, nil
		case "wizard_id":
			return s.WizardID, nil
		}
		return nil, fmt.Errorf("unknown instance field %q", path)
	default:
		return nil, fmt.Errorf("unknown expression prefix %q in %q", prefix, expr)
	}
}

func (s Sources) resolveSession(field string) (any, error) {
	if s.Session == nil {
		return nil, nil
	}
	switch field {
	case "session_id":
		return s.Session.SessionID, nil
	case "application_id":
		return s.Session.ApplicationID, nil
	case "customer_id":
		return s.Session.CustomerID, nil
	}
	return nil, fmt.Errorf("unknown session field %q", field)
}

func (s Sources) resolveContext(field string) (any, error) {
	if s.Context == nil {
		return nil, nil
	}
	if claim, ok := strings.CutPrefix(field, "claims."); ok {
		return s.Context.Claim(claim), nil
	}
	switch field {
	case "subject_id":
		return s.Context.SubjectID, nil
	case "tenant_id":
		return s.Context.TenantID, nil
	case "partition_id":
		return s.Context.PartitionID, nil
	case "locale":
		return s.Context.Locale, nil
	}
	return nil, fmt.Errorf("unknown context field %q", field)
}

// navigatePath walks a dot-separated path through nested maps.
func navigatePath(data map[string]any, path string) any {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func isNumericLiteral(s string) bool {
	if len(s) == 0 {
		return false
	}
	start := 0
	if s[0] == '-' || s[0] == '+' {
		start = 1
		if start >= len(s) {
			return false
		}
	}
	hasDot := false
	for i := start; i < len(s); i++ {
		if s[i] == '.' {
			if hasDot {
				return false
			}
			hasDot = true
		} else if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseNumeric returns float64 for every literal to match decoded JSON.
func parseNumeric(s string) (any, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
	}
	return v, nil
}
