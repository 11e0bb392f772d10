package main

const (
	impactLow  = "low"
	impactHigh = "high"
)

// workoutDay is one day of the weekly plan.
type workoutDay struct {
	Day          string `json:"day"`
	Activity     string `json:"activity"`
	DurationMins int    `json:"duration_mins"`
	Impact       string `json:"impact"`
	Substituted  bool   `json:"substituted,omitempty"`
}

// workoutPlan is a sample weekly plan.
type workoutPlan struct {
	Summary string       `json:"summary"`
	Days    []workoutDay `json:"days"`
}

// weeklyTemplate is the fixed 7-day plan every profile starts from.
var weeklyTemplate = []workoutDay{
	{Day: "Mon", Activity: "Brisk walking", DurationMins: 30, Impact: impactLow},
	{Day: "Tue", Activity: "Bodyweight circuit: squats, lunges, push-ups", DurationMins: 25, Impact: impactHigh},
	{Day: "Wed", Activity: "Running (easy pace)", DurationMins: 25, Impact: impactHigh},
	{Day: "Thu", Activity: "Upper-body strength and mobility", DurationMins: 30, Impact: impactLow},
	{Day: "Fri", Activity: "Jump rope intervals", DurationMins: 20, Impact: impactHigh},
	{Day: "Sat", Activity: "Active recovery yoga", DurationMins: 20, Impact: impactLow},
	{Day: "Sun", Activity: "Rest", DurationMins: 0, Impact: impactLow},
}

// lowImpactSubstitutes replaces each high-impact template activity for
// knee-pain profiles. Every high-impact entry in weeklyTemplate has one.
var lowImpactSubstitutes = map[string]string{
	"Bodyweight circuit: squats, lunges, push-ups": "Seated circuit: chair squats, step-ups, wall push-ups",
	"Running (easy pace)":                          "Walking (brisk) or pool walking",
	"Jump rope intervals":                          "Stationary cycling intervals",
}

// makeWorkoutPlan returns the weekly template, with high-impact days swapped
// for low-impact equivalents when a knee condition is present.
func makeWorkoutPlan(p profile) workoutPlan {
	knee := p.hasCondition("knee")

	days := make([]workoutDay, len(weeklyTemplate))
	copy(days, weeklyTemplate)
	if knee {
		for i, d := range days {
			if d.Impact != impactHigh {
				continue
			}
			if sub, ok := lowImpactSubstitutes[d.Activity]; ok {
				days[i].Activity = sub
				days[i].Impact = impactLow
				days[i].Substituted = true
			}
		}
	}

	summary := "Weekly plan. Prioritise consistency over intensity and adjust as needed."
	if knee {
		summary = "Knee-friendly weekly plan: high-impact sessions swapped for low-impact ones. Stop any movement that causes pain."
	}
	return workoutPlan{Summary: summary, Days: days}
}
