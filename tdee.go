package main

import (
	"math"
	"time"
)

// activityFactors maps activity level strings to their TDEE multiplier.
// Unknown levels fall back to defaultActivity.
var activityFactors = map[string]float64{
	"sedentary":   1.2,
	"light":       1.375,
	"moderate":    1.55,
	"active":      1.725,
	"very_active": 1.9,
}

const defaultActivity = "light"

// The safe deficit band subtracted from TDEE to get the calorie target range.
const (
	minDeficitKcal = 500
	maxDeficitKcal = 750
)

// Absolute daily calorie floors; no target range bound goes below these.
const (
	femaleCalorieFloor = 1200
	maleCalorieFloor   = 1500
)

// calorieRange is an inclusive daily calorie target band.
type calorieRange struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// estimationResult is derived from a profile and never persisted.
type estimationResult struct {
	BMR                 int          `json:"bmr"`
	TDEE                int          `json:"tdee"`
	ActivityFactor      float64      `json:"activity_factor"`
	CalorieTargetRange  calorieRange `json:"calorie_target_range"`
	MinimumCalorieFloor int          `json:"minimum_calorie_floor"`
	GeneratedAt         time.Time    `json:"generated_at"`
}

// calorieFloor returns the minimum daily intake for the given (normalised) sex.
func calorieFloor(sex string) int {
	if sex == sexMale {
		return maleCalorieFloor
	}
	return femaleCalorieFloor
}

// activityFactor looks up the multiplier for a level, defaulting to light.
func activityFactor(level string) float64 {
	if f, ok := activityFactors[level]; ok {
		return f
	}
	return activityFactors[defaultActivity]
}

// requireBodyFields is the subset of validateProfile that estimation needs.
// Tool calls from the LLM reach estimation without passing the HTTP boundary.
func requireBodyFields(p profile) error {
	if p.Age <= 0 {
		return &validationError{Field: "age", Reason: "is required"}
	}
	if p.HeightCM <= 0 {
		return &validationError{Field: "height_cm", Reason: "is required"}
	}
	if p.WeightKG <= 0 {
		return &validationError{Field: "weight_kg", Reason: "is required"}
	}
	if p.Sex != sexMale && p.Sex != sexFemale {
		return &validationError{Field: "sex", Reason: "must be male or female"}
	}
	return nil
}

// estimateTDEE computes BMR (Mifflin-St Jeor), TDEE and a calorie target range
// from the safe deficit band, each bound clamped to the sex floor.
// Deterministic apart from GeneratedAt.
func estimateTDEE(p profile) (estimationResult, error) {
	if err := requireBodyFields(p); err != nil {
		return estimationResult{}, err
	}

	// BMR via Mifflin-St Jeor: different constant for male vs female
	bmrF := 10*p.WeightKG + 6.25*p.HeightCM - 5*float64(p.Age)
	if p.Sex == sexMale {
		bmrF += 5
	} else {
		bmrF -= 161
	}

	factor := activityFactor(p.Activity)
	tdee := int(math.Round(bmrF * factor))

	floor := calorieFloor(p.Sex)
	return estimationResult{
		BMR:            int(math.Round(bmrF)),
		TDEE:           tdee,
		ActivityFactor: factor,
		CalorieTargetRange: calorieRange{
			Low:  max(floor, tdee-maxDeficitKcal),
			High: max(floor, tdee-minDeficitKcal),
		},
		MinimumCalorieFloor: floor,
		GeneratedAt:         time.Now().UTC(),
	}, nil
}
