package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const systemPrompt = `You are AVA, a warm, practical health coach. You help adults lose weight safely.
Rules:
- Always be supportive and concise. Use metric units.
- Never diagnose or give medical advice.
- Calories and deficits must be safe (about 500-750 kcal/day below maintenance).
- CALL THE TOOLS to get numbers. Do not make up TDEE, meal plans or workout plans.
- If information is missing, ask one short clarifying question.
- After tool results come back, turn them into a friendly, helpful reply.`

// fallbackText is returned whenever the LLM sequence fails or times out.
const fallbackText = "Sorry, I couldn't reach the coaching service just now. Please try again in a moment."

// planner is the estimation engine as seen by the coach.
type planner interface {
	EstimateTDEE(p profile) (estimationResult, error)
	MealPlan(p profile, calorieTarget int) (mealPlan, error)
	WorkoutPlan(p profile) workoutPlan
}

// formulaPlanner is the deterministic planner backed by the formulas in
// tdee.go, mealplan.go and workout.go.
type formulaPlanner struct{}

func (formulaPlanner) EstimateTDEE(p profile) (estimationResult, error) { return estimateTDEE(p) }
func (formulaPlanner) MealPlan(p profile, target int) (mealPlan, error) { return makeMealPlan(p, target) }
func (formulaPlanner) WorkoutPlan(p profile) workoutPlan                { return makeWorkoutPlan(p) }

// coach composes the safety gates, the planner, session memory and the
// optional LLM into the goal, chat and log flows.
type coach struct {
	store        sessionStore
	planner      planner
	llm          *llmClient // nil means rule-based chat replies
	metrics      *metrics
	historyLimit int
	now          func() time.Time
}

func newCoach(store sessionStore, llm *llmClient, m *metrics, historyLimit int) *coach {
	if historyLimit <= 0 {
		historyLimit = 8
	}
	return &coach{
		store:        store,
		planner:      formulaPlanner{},
		llm:          llm,
		metrics:      m,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

/* ─── Goal flow ──────────────────────────────────────────────────────── */

// Goal runs the goal-setting flow for a validated profile. Safety refusals
// are normal envelopes; only estimation validation failures return an error.
func (co *coach) Goal(ctx context.Context, userID string, p profile) (envelope, error) {
	logger := zerolog.Ctx(ctx).With().Str("component", "coach").Str("user_id", userID).Logger()
	request := describeGoal(p)

	bmi := computeBMI(p.HeightCM, p.WeightKG)
	if bmi < underweightBMI {
		co.metrics.SafetyOutcomes.WithLabelValues("underweight").Inc()
		logger.Info().Float64("bmi", bmi).Msg("goal refused: underweight")

		env := newEnvelope(fmt.Sprintf(
			"Your BMI is %.1f, which is below 18.5. For safety, I can't create a weight-loss plan. Please consult a healthcare professional.", bmi))
		env.Cards = append(env.Cards, card{Type: "safety", Data: map[string]any{"issue": "underweight", "bmi": bmi}})
		env.Actions = append(env.Actions, action{
			Type:    "consult_clinician",
			Label:   "Talk to a healthcare professional",
			Payload: map[string]any{"reason": "underweight"},
		})
		co.record(ctx, userID, request, env.Text)
		return env, nil
	}

	if ok, reason := validateTargetRate(p.WeightKG, p.TargetWeightKG, p.TargetWeeks); !ok {
		co.metrics.SafetyOutcomes.WithLabelValues("target_rate").Inc()
		logger.Info().Str("reason", reason).Msg("goal refused: target rate")

		env := newEnvelope("Your weight loss target is not recommended: " + reason)
		env.Cards = append(env.Cards, card{Type: "safety", Data: map[string]any{"issue": "target_rate", "reason": reason}})
		co.record(ctx, userID, request, env.Text)
		return env, nil
	}

	est, err := co.planner.EstimateTDEE(p)
	if err != nil {
		return envelope{}, err
	}
	meals, err := co.planner.MealPlan(p, est.CalorieTargetRange.High)
	if err != nil {
		return envelope{}, err
	}
	workout := co.planner.WorkoutPlan(p)

	delta := round2(p.WeightKG - p.TargetWeightKG)
	env := newEnvelope(fmt.Sprintf(
		"Got it. To lose %.1f kg safely, aim for %d-%d kcal/day. Here's your starting plan.",
		delta, est.CalorieTargetRange.Low, est.CalorieTargetRange.High))
	env.Cards = append(env.Cards,
		card{
			Type:    "summary",
			Title:   "Your Daily Plan",
			Content: goalSummary(p, bmi, est, delta),
		},
		card{Type: "calorie_target", Data: est},
		card{Type: "meal_plan", Data: meals},
		card{Type: "workout_plan", Data: workout},
	)
	env.Actions = append(env.Actions,
		action{Type: "log_weight", Label: "Log today's weight", Payload: map[string]any{"weight_kg": p.WeightKG}},
		action{Type: "ask_coach", Label: "Ask the coach", Payload: map[string]any{}},
	)

	co.record(ctx, userID, request, env.Text)
	return env, nil
}

// describeGoal renders the goal request as the user-side chat message.
func describeGoal(p profile) string {
	s := fmt.Sprintf("Set a goal: %d y, %s, %.0f cm, %.1f kg -> %.1f kg, %s activity",
		p.Age, p.Sex, p.HeightCM, p.WeightKG, p.TargetWeightKG, p.Activity)
	if p.TargetWeeks != nil {
		s += fmt.Sprintf(", in %.0f weeks", *p.TargetWeeks)
	}
	if p.Diet != "" {
		s += ", diet " + p.Diet
	}
	if len(p.Conditions) > 0 {
		s += ", conditions " + strings.Join(p.Conditions, ", ")
	}
	return s
}

func goalSummary(p profile, bmi float64, est estimationResult, delta float64) string {
	// At 0.5-1.0 kg/week.
	minWeeks, maxWeeks := int(delta/maxWeeklyLossKG+0.5), int(delta/0.5+0.5)
	s := fmt.Sprintf("BMI %.1f (%s). Maintenance is about %d kcal/day; target %d-%d kcal/day (never below %d). Expect roughly %d-%d weeks to reach %.1f kg.",
		bmi, bmiCategory(bmi), est.TDEE, est.CalorieTargetRange.Low, est.CalorieTargetRange.High,
		est.MinimumCalorieFloor, minWeeks, maxWeeks, p.TargetWeightKG)
	if p.hasCondition("knee") {
		s += " Workouts are low-impact to protect your knees."
	}
	return s
}

/* ─── Chat flow ──────────────────────────────────────────────────────── */

// Chat runs the chat flow. It never fails: red flags escalate, LLM failures
// fall back to a fixed reply and storage failures are only logged.
func (co *coach) Chat(ctx context.Context, userID, text string) envelope {
	logger := zerolog.Ctx(ctx).With().Str("component", "coach").Str("user_id", userID).Logger()

	if flagged, reason := scanRedFlags(text); flagged {
		co.metrics.SafetyOutcomes.WithLabelValues("red_flag").Inc()
		logger.Warn().Str("matched", reason).Msg("red flag in chat")
		return escalation(reason)
	}

	history, err := co.store.LastMessages(ctx, userID, co.historyLimit)
	if err != nil {
		co.persistFailed(ctx, err, "last messages")
		history = nil
	}

	var env envelope
	if co.llm != nil {
		env, err = co.converse(ctx, history, text)
		if err != nil {
			co.metrics.LLMCalls.WithLabelValues("fallback").Inc()
			logger.Error().Err(err).Msg("llm sequence failed, using fallback")
			env = newEnvelope(fallbackText)
		}
	} else {
		env = newEnvelope(co.ruleReply(ctx, userID, text))
	}

	co.record(ctx, userID, text, env.Text)
	return env
}

// escalation is the terminal reply to a red-flag message.
func escalation(reason string) envelope {
	env := newEnvelope(fmt.Sprintf(
		"You mentioned %s. This can be a medical emergency, so I can't continue coaching on this. Please contact emergency services or see a doctor right away.",
		reason))
	env.Cards = append(env.Cards, card{Type: "safety", Data: map[string]any{"issue": "red_flag", "matched": reason}})
	env.Actions = append(env.Actions, action{
		Type:    "escalate",
		Label:   "Get urgent help",
		Payload: map[string]any{"reason": reason},
	})
	return env
}

// converse runs the whole LLM sequence under one timeout.
func (co *coach) converse(ctx context.Context, history []message, text string) (envelope, error) {
	start := time.Now()
	defer func() { co.metrics.LLMDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, co.llm.timeout)
	defer cancel()

	msgs := make([]chatMessage, 0, len(history)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: systemPrompt})
	for _, m := range history {
		role := "user"
		if m.Role == roleBot {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: m.Text})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: text})

	reply, outcomes, err := co.llm.complete(ctx, msgs, coachTools, co.runTool)
	if err != nil {
		return envelope{}, err
	}

	env := decodeReply(reply)
	for _, o := range outcomes {
		if o.Card != nil {
			env.Cards = append(env.Cards, *o.Card)
		}
	}
	return env, nil
}

// decodeReply accepts either an envelope-shaped JSON object or plain text.
func decodeReply(reply string) envelope {
	var parsed envelope
	if err := json.Unmarshal([]byte(reply), &parsed); err == nil && parsed.Text != "" {
		env := newEnvelope(parsed.Text)
		env.Cards = append(env.Cards, parsed.Cards...)
		env.Actions = append(env.Actions, parsed.Actions...)
		return env
	}
	return newEnvelope(strings.TrimSpace(reply))
}

// ruleReply answers without an LLM using a few keyword rules.
func (co *coach) ruleReply(ctx context.Context, userID, text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "hawker"):
		return "For a hawker meal, try fish soup or a chicken rice set (ask for less rice, no skin). Avoid fried items."
	case strings.Contains(lower, "knee"):
		return "I understand. For knee pain, low-impact activities like swimming, cycling or brisk walking are great options."
	case strings.Contains(lower, "log") || strings.Contains(lower, "progress"):
		last, err := co.store.LastWeight(ctx, userID)
		if err != nil {
			co.persistFailed(ctx, err, "last weight")
		}
		if last == nil {
			return "You haven't logged a weight yet. Log today's weight to start tracking progress."
		}
		return fmt.Sprintf("Your latest logged weight is %.1f kg on %s. Keep logging to see your progress.", last.WeightKG, last.Date)
	default:
		return "I can help with meal ideas, workouts and tracking your progress. Set a goal to get a personalised plan."
	}
}

/* ─── Weight log flow ────────────────────────────────────────────────── */

// LogWeight appends a weight entry and reports the change since the previous
// latest entry. Storage failure is returned since there is nothing to report.
func (co *coach) LogWeight(ctx context.Context, userID string, date time.Time, weightKG float64) (envelope, error) {
	if weightKG <= 0 || weightKG > 700 {
		return envelope{}, &validationError{Field: "weight_kg", Reason: "must be between 0 and 700"}
	}

	entry, prev, err := co.store.LogWeight(ctx, userID, date, weightKG)
	if err != nil {
		co.persistFailed(ctx, err, "log weight")
		return envelope{}, err
	}

	data := progressLog{UserID: userID, Date: entry.Date, WeightKG: entry.WeightKG}
	var text string
	switch {
	case prev == nil:
		data.Note = "first entry"
		text = fmt.Sprintf("Logged %.1f kg. This is your first entry; keep logging to see your progress.", weightKG)
	default:
		delta := round2(weightKG - *prev)
		data.DeltaSincePrevKG = &delta
		switch {
		case delta < 0:
			data.Note = "down"
			text = fmt.Sprintf("Progress logged! You're down %.1f kg. Great job!", -delta)
		case delta > 0:
			data.Note = "up"
			text = fmt.Sprintf("Logged %.1f kg, up %.1f kg since last time. Day-to-day swings are normal; focus on the weekly trend.", weightKG, delta)
		default:
			data.Note = "no change"
			text = fmt.Sprintf("Logged %.1f kg, the same as last time. Consistency counts.", weightKG)
		}
	}

	env := newEnvelope(text)
	env.Cards = append(env.Cards, card{Type: "progress_log", Data: data})
	env.Actions = append(env.Actions, action{Type: "ask_coach", Label: "Ask the coach", Payload: map[string]any{}})
	return env, nil
}

/* ─── Persistence helpers ────────────────────────────────────────────── */

// record persists one exchange. Failures are logged and never fail the request.
func (co *coach) record(ctx context.Context, userID, userText, botText string) {
	if _, err := co.store.AddMessage(ctx, userID, roleUser, userText); err != nil {
		co.persistFailed(ctx, err, "add message")
		return
	}
	if _, err := co.store.AddMessage(ctx, userID, roleBot, botText); err != nil {
		co.persistFailed(ctx, err, "add message")
	}
}

func (co *coach) persistFailed(ctx context.Context, err error, op string) {
	co.metrics.PersistenceErrors.WithLabelValues(op).Inc()
	zerolog.Ctx(ctx).Warn().Err(err).Str("component", "coach").Str("op", op).Msg("session store failure")
}
