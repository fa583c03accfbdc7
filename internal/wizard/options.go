package wizard

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pitabwire/stepwise/internal/answers"
	"github.com/pitabwire/stepwise/internal/resolver"
	"github.com/pitabwire/stepwise/model"
)

// resolveAll resolves the option set of every field whose parent holds a
// value, parents first. Used when an instance is created.
func (e *Engine) resolveAll(ctx context.Context, rctx *model.RequestContext, def model.WizardDefinition, inst *model.WizardInstance) {
	graph := answers.NewGraph(def)
	for _, id := range graph.TopoOrder() {
		f, _, _ := def.Field(id)
		if f.OptionsKey == "" {
			continue
		}
		e.currentOptions(ctx, rctx, def, inst, graph, f)
	}
}

// currentOptions returns the option set of f for its parent's current value,
// resolving it when the instance has none. ok is false when the parent is
// empty or the fetch failed.
func (e *Engine) currentOptions(ctx context.Context, rctx *model.RequestContext, def model.WizardDefinition, inst *model.WizardInstance, graph *answers.Graph, f model.FieldSchema) (model.OptionSet, bool) {
	parentValue, ready := parentValueOf(graph, inst, f.ID)
	if !ready {
		delete(inst.Options, f.ID)
		return model.OptionSet{}, false
	}
	if set, ok := inst.Options[f.ID]; ok && set.ParentValue == parentValue && set.Error == "" {
		return set, true
	}
	set, current := e.resolveField(ctx, rctx, def, inst, f, parentValue)
	if !current {
		return model.OptionSet{}, false
	}
	if inst.Options == nil {
		inst.Options = make(map[string]model.OptionSet)
	}
	inst.Options[f.ID] = set
	return set, set.Error == ""
}

// refreshChildren resolves the option sets of parent's direct children for
// its new value and stores them if the parent still holds that value.
func (e *Engine) refreshChildren(ctx context.Context, rctx *model.RequestContext, def model.WizardDefinition, inst *model.WizardInstance, graph *answers.Graph, parent string) {
	resolved := make(map[string]model.OptionSet)
	for _, child := range graph.Children(parent) {
		f, _, _ := def.Field(child)
		if f.OptionsKey == "" {
			continue
		}
		parentValue, ready := parentValueOf(graph, inst, child)
		if !ready {
			continue
		}
		if set, current := e.resolveField(ctx, rctx, def, inst, f, parentValue); current {
			resolved[child] = set
		}
	}
	if len(resolved) > 0 {
		e.applyOptions(ctx, def, inst, graph, resolved)
	}
}

// resolveField fetches the option set of f under a sequence token. current is
// false when a newer resolution of the same field started meanwhile; the
// result must then be dropped.
func (e *Engine) resolveField(ctx context.Context, rctx *model.RequestContext, def model.WizardDefinition, inst *model.WizardInstance, f model.FieldSchema, parentValue string) (model.OptionSet, bool) {
	src, ok := def.OptionSource(f.OptionsKey)
	if !ok {
		return model.OptionSet{
			ParentValue: parentValue,
			Disabled:    true,
			Error:       "unknown option source " + f.OptionsKey,
			FetchedAt:   e.now().UTC(),
		}, true
	}

	tctx, tok := e.tracker.Begin(ctx, inst.ID, f.ID)
	set, err := e.resolver.Resolve(tctx, rctx, src, parentValue)
	current := e.tracker.Current(tok)
	e.tracker.Finish(tok)
	if !current {
		e.observer.OptionsResolved(f.OptionsKey, resolver.OutcomeStale)
		e.logger.Warn("wizard: stale option resolution discarded",
			zap.String("instance_id", inst.ID),
			zap.String("field", f.ID),
			zap.String("parent", parentValue),
		)
		return model.OptionSet{}, false
	}
	if err != nil {
		msg := err.Error()
		var env *model.ErrorEnvelope
		if errors.As(err, &env) {
			msg = env.Message
		}
		return model.OptionSet{
			ParentValue: parentValue,
			Disabled:    true,
			Error:       msg,
			FetchedAt:   e.now().UTC(),
		}, true
	}
	return set, true
}

// applyOptions stores resolved sets on the latest stored version of inst.
// A set is applied only while its field's parent still holds the value it
// was fetched for; version conflicts are retried.
func (e *Engine) applyOptions(ctx context.Context, def model.WizardDefinition, inst *model.WizardInstance, graph *answers.Graph, resolved map[string]model.OptionSet) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		var latest model.WizardInstance
		latest, err = e.store.Get(ctx, inst.TenantID, inst.ID)
		if err != nil {
			break
		}
		changed := false
		for field, set := range resolved {
			parentValue, ready := parentValueOf(graph, &latest, field)
			if !ready || parentValue != set.ParentValue {
				e.observer.OptionsResolved(dependentKey(def, field), resolver.OutcomeStale)
				continue
			}
			if latest.Options == nil {
				latest.Options = make(map[string]model.OptionSet)
			}
			latest.Options[field] = set
			changed = true
		}
		if changed {
			err = e.save(ctx, &latest)
			if isConflict(err) {
				continue
			}
		}
		if err == nil {
			if latest.Answers == nil {
				latest.Answers = make(map[string]any)
			}
			*inst = latest
		}
		break
	}
	if err != nil {
		e.logger.Warn("wizard: storing option sets failed", zap.String("instance_id", inst.ID), zap.Error(err))
	}
}

// parentValueOf returns the value a field's options depend on. Root fields
// are always ready with an empty parent value.
func parentValueOf(graph *answers.Graph, inst *model.WizardInstance, field string) (string, bool) {
	parent, ok := graph.Parent(field)
	if !ok {
		return "", true
	}
	v := inst.Answers[parent]
	if model.IsEmpty(v) {
		return "", false
	}
	return model.ValueString(v), true
}

func dependentKey(def model.WizardDefinition, field string) string {
	f, _, _ := def.Field(field)
	return f.OptionsKey
}
