// Package progress computes completion percentages for wizard instances.
package progress

import (
	"math"

	"github.com/pitabwire/stepwise/internal/validation"
	"github.com/pitabwire/stepwise/model"
)

// Compute returns the per-step and overall completion of an instance.
//
// A step's percentage is the share of its required fields (gates included)
// holding a valid answer; a step without required fields is 100. The overall
// figure follows def.Progress and defaults to the steps strategy.
func Compute(def model.WizardDefinition, values map[string]any, options map[string]model.OptionSet, currentStep string) model.ProgressState {
	steps := def.OrderedSteps()
	state := model.ProgressState{
		Strategy: def.Progress,
		PerStep:  make(map[string]int, len(steps)),
	}
	if state.Strategy == "" {
		state.Strategy = model.ProgressSteps
	}
	if len(steps) == 0 {
		state.Overall = 100
		return state
	}

	for _, s := range steps {
		state.PerStep[s.ID] = StepPercent(s, values, options)
	}

	switch state.Strategy {
	case model.ProgressCurrentStep:
		state.Overall = currentStepOverall(steps, state.PerStep, currentStep)
	case model.ProgressFields:
		state.Overall = fieldsOverall(steps, values, options)
	default:
		complete := 0
		for _, s := range steps {
			if state.PerStep[s.ID] == 100 {
				complete++
			}
		}
		state.Overall = percent(complete, len(steps))
	}
	return state
}

// StepPercent returns round(filledRequired/totalRequired*100) for one step.
func StepPercent(step model.StepDefinition, values map[string]any, options map[string]model.OptionSet) int {
	total, filled := 0, 0
	for _, f := range step.Fields {
		if !f.Required && !f.Gate {
			continue
		}
		total++
		if valid(f, values, options) {
			filled++
		}
	}
	if total == 0 {
		return 100
	}
	return percent(filled, total)
}

// currentStepOverall credits every fully completed step before the current
// one with 100, adds the current step's own percentage and averages over
// all steps. Steps after the current one contribute nothing. When the
// current step is not part of the wizard (the result page) every step counts
// as prior.
func currentStepOverall(steps []model.StepDefinition, perStep map[string]int, currentStep string) int {
	sum := 0
	for _, s := range steps {
		if s.ID == currentStep {
			sum += perStep[s.ID]
			break
		}
		if perStep[s.ID] == 100 {
			sum += 100
		}
	}
	return int(math.Round(float64(sum) / float64(len(steps))))
}

// fieldsOverall is the share of tracked fields holding an answer across the
// whole wizard. Tracked fields are the required ones, gates, and optional
// fields marked track_progress.
func fieldsOverall(steps []model.StepDefinition, values map[string]any, options map[string]model.OptionSet) int {
	total, filled := 0, 0
	for _, s := range steps {
		for _, f := range s.Fields {
			if !f.Required && !f.Gate && !f.TrackProgress {
				continue
			}
			total++
			if f.Required || f.Gate {
				if valid(f, values, options) {
					filled++
				}
			} else if !model.IsEmpty(values[f.ID]) {
				filled++
			}
		}
	}
	if total == 0 {
		return 100
	}
	return percent(filled, total)
}

func valid(f model.FieldSchema, values map[string]any, options map[string]model.OptionSet) bool {
	v, ok := values[f.ID]
	if !ok && !f.Gate && f.Type != model.FieldQuestions {
		return false
	}
	set, hasSet := options[f.ID]
	_, isValid := validation.FieldValid(f, v, set, hasSet)
	return isValid
}

func percent(part, whole int) int {
	return int(math.Round(float64(part) / float64(whole) * 100))
}
