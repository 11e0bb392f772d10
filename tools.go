package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// profileSchema is the JSON schema of the profile argument shared by all tools.
var profileSchema = map[string]any{
	"type":        "object",
	"description": "User's profile, including diet and conditions such as knee pain.",
	"properties": map[string]any{
		"age":              map[string]any{"type": "integer"},
		"sex":              map[string]any{"type": "string", "enum": []string{"male", "female"}},
		"height_cm":        map[string]any{"type": "number"},
		"weight_kg":        map[string]any{"type": "number"},
		"target_weight_kg": map[string]any{"type": "number"},
		"activity":         map[string]any{"type": "string", "enum": []string{"sedentary", "light", "moderate", "active", "very_active"}},
		"diet":             map[string]any{"type": "string"},
		"conditions":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"age", "sex", "height_cm", "weight_kg"},
}

// coachTools is the fixed tool schema offered to the model.
var coachTools = []toolSpec{
	{Type: "function", Function: toolFunction{
		Name:        "estimate_tdee",
		Description: "Calculates the Total Daily Energy Expenditure (TDEE) and a safe calorie target range for a user.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"profile": profileSchema},
			"required":   []string{"profile"},
		},
	}},
	{Type: "function", Function: toolFunction{
		Name:        "make_meal_plan",
		Description: "Generates a 1-day sample meal plan for a given calorie target.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"profile":        profileSchema,
				"calorie_target": map[string]any{"type": "integer"},
			},
			"required": []string{"profile", "calorie_target"},
		},
	}},
	{Type: "function", Function: toolFunction{
		Name:        "make_workout_plan",
		Description: "Generates a sample weekly workout plan.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"profile": profileSchema},
			"required":   []string{"profile"},
		},
	}},
}

// toolArgs is the union of every tool's arguments.
type toolArgs struct {
	Profile       profile `json:"profile"`
	CalorieTarget int     `json:"calorie_target"`
}

func toolError(msg string) toolOutcome {
	return toolOutcome{Payload: map[string]string{"error": msg}}
}

// runTool executes a tool call from the model. Profiles from the model get
// the same validation as HTTP input and the same BMI gate as the goal flow.
func (co *coach) runTool(ctx context.Context, call toolCall) toolOutcome {
	logger := zerolog.Ctx(ctx).With().Str("component", "tools").Str("tool", call.Function.Name).Logger()

	var args toolArgs
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		logger.Warn().Err(err).Msg("invalid tool arguments")
		return toolError("invalid arguments: " + err.Error())
	}
	p := args.Profile
	if err := validateProfile(&p); err != nil {
		return toolError(err.Error())
	}

	if bmi := computeBMI(p.HeightCM, p.WeightKG); bmi < underweightBMI {
		co.metrics.SafetyOutcomes.WithLabelValues("underweight").Inc()
		logger.Info().Float64("bmi", bmi).Msg("tool refused: underweight")
		return toolOutcome{
			Payload: map[string]any{
				"refused": true,
				"reason":  fmt.Sprintf("BMI %.1f is below %.1f; no weight-loss plan can be generated", bmi, underweightBMI),
			},
			Card: &card{Type: "safety", Data: map[string]any{"issue": "underweight", "bmi": bmi}},
		}
	}

	switch call.Function.Name {
	case "estimate_tdee":
		est, err := co.planner.EstimateTDEE(p)
		if err != nil {
			return toolError(err.Error())
		}
		return toolOutcome{Payload: est, Card: &card{Type: "calorie_target", Data: est}}

	case "make_meal_plan":
		target := args.CalorieTarget
		if target <= 0 {
			est, err := co.planner.EstimateTDEE(p)
			if err != nil {
				return toolError(err.Error())
			}
			target = est.CalorieTargetRange.High
		}
		plan, err := co.planner.MealPlan(p, target)
		if err != nil {
			return toolError(err.Error())
		}
		return toolOutcome{Payload: plan, Card: &card{Type: "meal_plan", Data: plan}}

	case "make_workout_plan":
		plan := co.planner.WorkoutPlan(p)
		return toolOutcome{Payload: plan, Card: &card{Type: "workout_plan", Data: plan}}

	default:
		logger.Warn().Msg("unknown tool")
		return toolError("unknown tool " + call.Function.Name)
	}
}
