package main

import (
	"fmt"
	"math"
	"regexp"
)

const (
	// underweightBMI is the BMI below which no weight-loss plan is generated.
	underweightBMI = 18.5
	// maxWeeklyLossKG is the fastest implied loss accepted when a timeframe is given.
	maxWeeklyLossKG = 1.0
	// stagedGoalDeltaKG is the total loss above which an open-ended goal must be staged.
	stagedGoalDeltaKG = 25.0
)

// computeBMI returns weight / height_m², rounded to 2 decimals. Returns 0 when
// height or weight is not positive instead of dividing by zero.
func computeBMI(heightCM, weightKG float64) float64 {
	hM := heightCM / 100
	if hM <= 0 || weightKG <= 0 {
		return 0
	}
	return round2(weightKG / (hM * hM))
}

// bmiCategory maps a BMI to its WHO band.
func bmiCategory(bmi float64) string {
	switch {
	case bmi < 18.5:
		return "Underweight"
	case bmi < 25.0:
		return "Normal weight"
	case bmi < 30.0:
		return "Overweight"
	case bmi < 35.0:
		return "Obesity class I"
	case bmi < 40.0:
		return "Obesity class II"
	default:
		return "Obesity class III"
	}
}

// validateTargetRate checks that a goal implies loss at a safe pace.
// With weeks > 0 the implied weekly loss must not exceed maxWeeklyLossKG.
// Without a timeframe only the total delta is checked: anything above
// stagedGoalDeltaKG is rejected and the user is asked to stage the goal.
func validateTargetRate(current, target float64, weeks *float64) (bool, string) {
	if target >= current {
		return false, "target must be lower than current"
	}
	delta := current - target

	if weeks != nil && *weeks > 0 {
		rate := delta / *weeks
		if rate > maxWeeklyLossKG {
			return false, fmt.Sprintf(
				"losing %.1f kg in %.0f weeks is %.2f kg/week, above the safe maximum of %.1f kg/week",
				delta, *weeks, rate, maxWeeklyLossKG)
		}
		return true, ""
	}

	if delta > stagedGoalDeltaKG {
		return false, fmt.Sprintf(
			"a %.1f kg loss is a large target; stage your goal (5-10 kg at a time) and check in with a clinician",
			delta)
	}
	return true, ""
}

// redFlag is one emergency phrase pattern and the reason reported when it matches.
type redFlag struct {
	reason  string
	pattern *regexp.Regexp
}

// redFlags is checked in order; the first match wins. Patterns are literal
// phrases with word boundaries, matched case-insensitively.
var redFlags = []redFlag{
	{"chest pain", regexp.MustCompile(`(?i)\bchest pains?\b`)},
	{"shortness of breath", regexp.MustCompile(`(?i)\bshort(ness)? of breath\b`)},
	{"trouble breathing", regexp.MustCompile(`(?i)\b(trouble|difficulty) breathing\b|\bcan'?t breathe\b`)},
	{"fainting", regexp.MustCompile(`(?i)\b(pass|passed|passing) out\b`)},
	{"fainting", regexp.MustCompile(`(?i)\bfaint(ed|ing)?\b`)},
	{"blackout", regexp.MustCompile(`(?i)\bblack(ed|ing)? out\b|\bblackouts?\b`)},
	{"severe pain", regexp.MustCompile(`(?i)\bsevere pain\b`)},
	{"suicidal ideation", regexp.MustCompile(`(?i)\bsuicid(e|al)\b|\bkill myself\b|\bend my life\b`)},
}

// scanRedFlags reports whether text contains an emergency symptom phrase and,
// if so, which one. It never interprets intent beyond the literal phrases.
func scanRedFlags(text string) (bool, string) {
	if text == "" {
		return false, ""
	}
	for _, f := range redFlags {
		if f.pattern.MatchString(text) {
			return true, f.reason
		}
	}
	return false, ""
}

// round2 rounds to 2 decimal places.
func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
