package main

import (
	"strings"
)

const (
	sexMale   = "male"
	sexFemale = "female"
)

// activityAliases normalises activity tags sent by older clients and the LLM
// tool schema ("very") to the keys of activityFactors.
var activityAliases = map[string]string{
	"very":        "very_active",
	"very active": "very_active",
	"very-active": "very_active",
	"lightly":     "light",
}

// normalizeSex maps "M"/"F"/"male"/"female" (any case) to sexMale/sexFemale.
// Returns "" for anything else.
func normalizeSex(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male", "man":
		return sexMale
	case "f", "female", "woman":
		return sexFemale
	}
	return ""
}

// normalizeTag lowercases and trims a diet/condition/activity tag and turns
// inner spaces and dashes into underscores ("Knee Pain" -> "knee_pain").
func normalizeTag(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// validateProfile checks the required fields once at the boundary and
// normalises the enum-like ones in place. Unknown activity tags are kept as-is
// (estimation falls back to "light"); everything else that is malformed
// yields a *validationError.
func validateProfile(p *profile) error {
	if p.Age <= 0 || p.Age > 120 {
		return &validationError{Field: "age", Reason: "must be between 1 and 120"}
	}
	sex := normalizeSex(p.Sex)
	if sex == "" {
		return &validationError{Field: "sex", Reason: "must be male or female"}
	}
	p.Sex = sex
	if p.HeightCM <= 0 || p.HeightCM > 272 {
		return &validationError{Field: "height_cm", Reason: "must be between 0 and 272"}
	}
	if p.WeightKG <= 0 || p.WeightKG > 700 {
		return &validationError{Field: "weight_kg", Reason: "must be between 0 and 700"}
	}
	if p.TargetWeightKG < 0 {
		return &validationError{Field: "target_weight_kg", Reason: "must not be negative"}
	}
	if p.TargetWeightKG == 0 {
		p.TargetWeightKG = p.WeightKG
	}

	activity := strings.ToLower(strings.TrimSpace(p.Activity))
	if alias, ok := activityAliases[activity]; ok {
		activity = alias
	}
	p.Activity = activity

	p.Diet = normalizeTag(p.Diet)
	conditions := make([]string, 0, len(p.Conditions))
	for _, c := range p.Conditions {
		if c = normalizeTag(c); c != "" {
			conditions = append(conditions, c)
		}
	}
	p.Conditions = conditions
	return nil
}

// hasCondition reports whether any condition tag contains the given fragment,
// e.g. p.hasCondition("knee") matches "knee_pain" and "left_knee".
func (p profile) hasCondition(fragment string) bool {
	for _, c := range p.Conditions {
		if strings.Contains(c, fragment) {
			return true
		}
	}
	return false
}
