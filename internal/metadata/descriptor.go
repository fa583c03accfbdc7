// Package metadata builds renderer descriptors from wizard definitions and
// instance state.
package metadata

import (
	"fmt"

	"github.com/pitabwire/stepwise/internal/answers"
	"github.com/pitabwire/stepwise/internal/progress"
	"github.com/pitabwire/stepwise/internal/validation"
	"github.com/pitabwire/stepwise/model"
)

// Describe resolves the descriptor of an instance. stepID selects the step
// whose fields are described; empty means the current step. Completed
// instances carry no step fields.
func Describe(def model.WizardDefinition, state model.WizardState, stepID string) (model.WizardDescriptor, error) {
	inst := state.Instance
	desc := model.WizardDescriptor{
		ID:       inst.ID,
		WizardID: def.ID,
		Name:     def.Name,
		Status:   inst.Status,
		Progress: state.Progress,
		Session:  inst.Session,
		Notice:   inst.Notification,
	}

	steps := def.OrderedSteps()
	current := len(steps)
	for i, s := range steps {
		if s.ID == inst.CurrentStep {
			current = i
			break
		}
	}

	for i, s := range steps {
		desc.Steps = append(desc.Steps, model.StepSummary{
			ID:      s.ID,
			Name:    s.Name,
			Status:  stepStatus(s, inst, i, current),
			Percent: state.Progress.PerStep[s.ID],
		})
	}

	if stepID == "" {
		if inst.Status != model.WizardStatusActive {
			return desc, nil
		}
		stepID = inst.CurrentStep
	}
	step, ok := def.Step(stepID)
	if !ok {
		return model.WizardDescriptor{}, model.NewNotFoundError(
			fmt.Sprintf("step %q not found in wizard %q", stepID, def.ID),
		)
	}
	sd := describeStep(def, step, inst)
	for _, s := range desc.Steps {
		if s.ID == step.ID {
			sd.Status = s.Status
		}
	}
	desc.CurrentStep = &sd
	return desc, nil
}

// stepStatus places a step relative to the current one. Steps before it
// are completed when valid and invalid otherwise.
func stepStatus(step model.StepDefinition, inst model.WizardInstance, idx, current int) string {
	switch {
	case idx == current:
		return model.StepStatusInProgress
	case idx > current:
		return model.StepStatusPending
	}
	if !validation.ValidateStep(step, inst.Answers, inst.Options).Valid {
		return model.StepStatusInvalid
	}
	for _, f := range step.Fields {
		if _, rejected := inst.FieldErrors[f.ID]; rejected {
			return model.StepStatusInvalid
		}
	}
	return model.StepStatusCompleted
}

func describeStep(def model.WizardDefinition, step model.StepDefinition, inst model.WizardInstance) model.StepDescriptor {
	res := validation.ValidateStep(step, inst.Answers, inst.Options)
	sd := model.StepDescriptor{
		ID:         step.ID,
		Name:       step.Name,
		Order:      step.Order,
		Percent:    progress.StepPercent(step, inst.Answers, inst.Options),
		CanAdvance: res.Valid && inst.Status == model.WizardStatusActive,
	}

	graph := answers.NewGraph(def)
	for _, f := range step.Fields {
		p := def.Presentation[f.ID]
		fd := model.FieldDescriptor{
			Field:       f.ID,
			Type:        f.Type,
			Label:       p.Label,
			Placeholder: p.Placeholder,
			HelpText:    p.HelpText,
			Icon:        p.Icon,
			Required:    f.Required,
			DependsOn:   f.DependsOn,
			Value:       inst.Answers[f.ID],
			Locked:      inst.Locked[f.ID],
			Disabled:    f.Gate || inst.Locked[f.ID],
		}
		if fd.Label == "" {
			fd.Label = f.ID
		}

		if f.OptionsKey != "" {
			set, resolved := inst.Options[f.ID]
			fd.Options = set.Options
			if !resolved || set.Disabled {
				fd.Disabled = true
			}
			if parent, ok := graph.Parent(f.ID); ok && model.IsEmpty(inst.Answers[parent]) {
				fd.Disabled = true
				fd.Options = nil
			}
			if set.Error != "" {
				fd.Error = set.Error
			}
		}

		// Server errors win; client errors are shown once a value exists.
		if msg, ok := inst.FieldErrors[f.ID]; ok {
			fd.Error = msg
		} else if msg, ok := res.Errors[f.ID]; ok && !model.IsEmpty(fd.Value) {
			fd.Error = msg
		}
		sd.Fields = append(sd.Fields, fd)
	}
	return sd
}
