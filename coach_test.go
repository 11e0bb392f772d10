package main

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// spyPlanner counts calls into the estimation engine.
type spyPlanner struct {
	estimates atomic.Int32
	meals     atomic.Int32
	workouts  atomic.Int32
}

func (s *spyPlanner) EstimateTDEE(p profile) (estimationResult, error) {
	s.estimates.Add(1)
	return estimateTDEE(p)
}

func (s *spyPlanner) MealPlan(p profile, target int) (mealPlan, error) {
	s.meals.Add(1)
	return makeMealPlan(p, target)
}

func (s *spyPlanner) WorkoutPlan(p profile) workoutPlan {
	s.workouts.Add(1)
	return makeWorkoutPlan(p)
}

func (s *spyPlanner) total() int32 {
	return s.estimates.Load() + s.meals.Load() + s.workouts.Load()
}

// failingStore fails every call.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) AddMessage(context.Context, string, string, string) (message, error) {
	return message{}, &persistenceError{Op: "add message", Err: errStoreDown}
}
func (failingStore) LastMessages(context.Context, string, int) ([]message, error) {
	return nil, &persistenceError{Op: "last messages", Err: errStoreDown}
}
func (failingStore) LogWeight(context.Context, string, time.Time, float64) (weightEntry, *float64, error) {
	return weightEntry{}, nil, &persistenceError{Op: "log weight", Err: errStoreDown}
}
func (failingStore) LastWeight(context.Context, string) (*weightEntry, error) {
	return nil, &persistenceError{Op: "last weight", Err: errStoreDown}
}
func (failingStore) WeightHistory(context.Context, string, int) ([]weightEntry, error) {
	return nil, &persistenceError{Op: "weight history", Err: errStoreDown}
}
func (failingStore) Health(context.Context) map[string]string { return map[string]string{"status": "down"} }
func (failingStore) Close() error                             { return nil }

// newTestCoach builds a coach on a fresh memory store with a spy planner.
// llmURL "" means rule-based chat.
func newTestCoach(t *testing.T, llmURL string) (*coach, *spyPlanner) {
	t.Helper()
	store, err := newMemoryStore(10, 100)
	if err != nil {
		t.Fatalf("newMemoryStore: %v", err)
	}
	m := newMetrics()
	var llm *llmClient
	if llmURL != "" {
		llm = testLLMClient(llmURL, 2*time.Second)
		llm.metrics = m
	}
	co := newCoach(store, llm, m, 8)
	spy := &spyPlanner{}
	co.planner = spy
	return co, spy
}

// referenceProfile is the validated female example profile.
func referenceProfile() profile {
	p := profile{Age: 45, Sex: "F", HeightCM: 160, WeightKG: 80, TargetWeightKG: 70, Activity: "light"}
	if err := validateProfile(&p); err != nil {
		panic(err)
	}
	return p
}

func cardTypes(env envelope) []string {
	types := make([]string, len(env.Cards))
	for i, c := range env.Cards {
		types[i] = c.Type
	}
	return types
}

func storedMessages(t *testing.T, co *coach, userID string) []message {
	t.Helper()
	msgs, err := co.store.LastMessages(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("LastMessages: %v", err)
	}
	return msgs
}

/* ─── Goal flow ──────────────────────────────────────────────────────── */

func TestCoachGoal_Plan(t *testing.T) {
	co, spy := newTestCoach(t, "")
	env, err := co.Goal(context.Background(), "u1", referenceProfile())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"summary", "calorie_target", "meal_plan", "workout_plan"}
	if got := cardTypes(env); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("cards = %v, want %v", got, want)
	}
	if len(env.Actions) != 2 || env.Actions[0].Type != "log_weight" || env.Actions[1].Type != "ask_coach" {
		t.Errorf("actions = %+v", env.Actions)
	}
	if !strings.Contains(env.Text, "1200-1444 kcal/day") {
		t.Errorf("text = %q, want the calorie range", env.Text)
	}
	meals := env.Cards[2].Data.(mealPlan)
	if meals.CalorieTarget != 1444 {
		t.Errorf("meal plan target = %d, want high end 1444", meals.CalorieTarget)
	}
	if spy.estimates.Load() != 1 || spy.meals.Load() != 1 || spy.workouts.Load() != 1 {
		t.Errorf("planner calls = %d/%d/%d, want 1/1/1", spy.estimates.Load(), spy.meals.Load(), spy.workouts.Load())
	}

	msgs := storedMessages(t, co, "u1")
	if len(msgs) != 2 || msgs[0].Role != roleUser || msgs[1].Role != roleBot || msgs[1].Text != env.Text {
		t.Errorf("stored exchange = %+v", msgs)
	}
}

// TestCoachGoal_UnderweightNeverEstimates covers a range of BMIs below 18.5.
func TestCoachGoal_UnderweightNeverEstimates(t *testing.T) {
	for _, weight := range []float64{35, 42, 47, 53} {
		co, spy := newTestCoach(t, "")
		p := referenceProfile()
		p.HeightCM = 170
		p.WeightKG = weight
		p.TargetWeightKG = weight - 5

		env, err := co.Goal(context.Background(), "u1", p)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if spy.total() != 0 {
			t.Errorf("%.0fkg: planner called %d times, want 0", weight, spy.total())
		}
		if len(env.Cards) != 1 || env.Cards[0].Type != "safety" {
			t.Errorf("%.0fkg: cards = %v, want one safety card", weight, cardTypes(env))
		}
		if len(env.Actions) != 1 || env.Actions[0].Type != "consult_clinician" {
			t.Errorf("%.0fkg: actions = %+v", weight, env.Actions)
		}
		if !strings.Contains(env.Text, "below 18.5") {
			t.Errorf("%.0fkg: text = %q", weight, env.Text)
		}
	}
}

func TestCoachGoal_TargetRateRefusal(t *testing.T) {
	cases := []struct {
		name  string
		mutFn func(p *profile)
		want  string
	}{
		{"target above current", func(p *profile) { p.TargetWeightKG = 85 }, "target must be lower than current"},
		{"too fast", func(p *profile) { p.TargetWeeks = ptr(4.0) }, "kg/week"},
		{"large open-ended delta", func(p *profile) { p.WeightKG = 120; p.TargetWeightKG = 90 }, "stage your goal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			co, spy := newTestCoach(t, "")
			p := referenceProfile()
			tc.mutFn(&p)

			env, err := co.Goal(context.Background(), "u1", p)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(env.Text, tc.want) {
				t.Errorf("text = %q, want %q", env.Text, tc.want)
			}
			if spy.total() != 0 {
				t.Errorf("planner called %d times, want 0", spy.total())
			}
			if len(env.Cards) != 1 || env.Cards[0].Type != "safety" {
				t.Errorf("cards = %v", cardTypes(env))
			}
		})
	}
}

/* ─── Chat flow ──────────────────────────────────────────────────────── */

func TestCoachChat_RedFlagNotForwarded(t *testing.T) {
	srv, mock := newMockOpenAI(t)
	mock.forbidden = true
	co, _ := newTestCoach(t, srv.URL)

	env := co.Chat(context.Background(), "u1", "I have CHEST PAIN right now")
	if len(env.Actions) != 1 || env.Actions[0].Type != "escalate" {
		t.Errorf("actions = %+v, want escalate", env.Actions)
	}
	if len(env.Cards) != 1 || env.Cards[0].Type != "safety" {
		t.Fatalf("cards = %v, want safety", cardTypes(env))
	}
	data := env.Cards[0].Data.(map[string]any)
	if data["issue"] != "red_flag" || data["matched"] != "chest pain" {
		t.Errorf("safety data = %v", data)
	}
	if len(mock.calls()) != 0 {
		t.Error("red-flag message reached the LLM")
	}
	if msgs := storedMessages(t, co, "u1"); len(msgs) != 0 {
		t.Errorf("red-flag message persisted: %+v", msgs)
	}
}

func TestCoachChat_RuleBased(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"what can I eat at the hawker centre?", "fish soup"},
		{"my knee hurts when I run", "low-impact"},
		{"show my log", "haven't logged"},
		{"hello", "Set a goal"},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			co, _ := newTestCoach(t, "")
			env := co.Chat(context.Background(), "u1", tc.text)
			if !strings.Contains(env.Text, tc.want) {
				t.Errorf("text = %q, want %q", env.Text, tc.want)
			}
			if env.Cards == nil || env.Actions == nil {
				t.Error("cards and actions must be non-nil")
			}
			if msgs := storedMessages(t, co, "u1"); len(msgs) != 2 {
				t.Errorf("stored %d messages, want 2", len(msgs))
			}
		})
	}
}

func TestCoachChat_LLMFallback(t *testing.T) {
	srv, mock := newMockOpenAI(t, openAIError(500), openAIError(500))
	co, _ := newTestCoach(t, srv.URL)

	env := co.Chat(context.Background(), "u1", "how am I doing?")
	if env.Text != fallbackText {
		t.Errorf("text = %q, want fallback", env.Text)
	}
	if len(env.Cards) != 0 || len(env.Actions) != 0 {
		t.Errorf("fallback must have empty cards/actions: %+v", env)
	}
	if n := len(mock.calls()); n != 2 {
		t.Errorf("got %d LLM requests, want 2 (one retry)", n)
	}
}

func TestCoachChat_LLMTimeoutFallsBack(t *testing.T) {
	slow := openAIChatResponse("too slow")
	slow.delay = 2 * time.Second
	srv, _ := newMockOpenAI(t, slow, slow)
	co, _ := newTestCoach(t, srv.URL)
	co.llm.timeout = 100 * time.Millisecond

	start := time.Now()
	env := co.Chat(context.Background(), "u1", "hello")
	if env.Text != fallbackText {
		t.Errorf("text = %q, want fallback", env.Text)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("chat took %v, want it bounded by the LLM timeout", elapsed)
	}
}

func TestCoachChat_LLMSendsHistory(t *testing.T) {
	srv, mock := newMockOpenAI(t, openAIChatResponse("Nice work"))
	co, _ := newTestCoach(t, srv.URL)
	ctx := context.Background()
	co.store.AddMessage(ctx, "u1", roleUser, "earlier question")
	co.store.AddMessage(ctx, "u1", roleBot, "earlier answer")

	env := co.Chat(ctx, "u1", "new question")
	if env.Text != "Nice work" {
		t.Errorf("text = %q", env.Text)
	}

	msgs := mock.calls()[0].Messages
	if len(msgs) != 4 {
		t.Fatalf("sent %d messages, want system + 2 history + user", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[1].Content != "earlier question" ||
		msgs[2].Role != "assistant" || msgs[3].Content != "new question" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestCoachChat_LLMToolCards(t *testing.T) {
	args := `{"profile":{"age":45,"sex":"F","height_cm":160,"weight_kg":80,"activity":"light"}}`
	srv, _ := newMockOpenAI(t,
		openAIToolCallResponse([2]string{"estimate_tdee", args}),
		openAIChatResponse("Your target is 1200-1444 kcal."),
	)
	co, spy := newTestCoach(t, srv.URL)

	env := co.Chat(context.Background(), "u1", "how much should I eat?")
	if got := cardTypes(env); len(got) != 1 || got[0] != "calorie_target" {
		t.Errorf("cards = %v, want calorie_target", got)
	}
	if spy.estimates.Load() != 1 {
		t.Errorf("estimates = %d, want 1", spy.estimates.Load())
	}
}

// TestCoachChat_LLMToolUnderweightRefused: the BMI gate also applies to
// plans the model asks for.
func TestCoachChat_LLMToolUnderweightRefused(t *testing.T) {
	args := `{"profile":{"age":25,"sex":"female","height_cm":170,"weight_kg":48,"activity":"light"},"calorie_target":1200}`
	srv, mock := newMockOpenAI(t,
		openAIToolCallResponse([2]string{"make_meal_plan", args}),
		openAIChatResponse("I can't make a plan for you."),
	)
	co, spy := newTestCoach(t, srv.URL)

	env := co.Chat(context.Background(), "u1", "make me a diet")
	if spy.total() != 0 {
		t.Errorf("planner called %d times, want 0", spy.total())
	}
	if got := cardTypes(env); len(got) != 1 || got[0] != "safety" {
		t.Errorf("cards = %v, want safety", got)
	}
	toolMsg := mock.calls()[1].Messages[3]
	if toolMsg.Role != "tool" || !strings.Contains(toolMsg.Content, `"refused":true`) {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestRunTool_InvalidAndUnknown(t *testing.T) {
	co, _ := newTestCoach(t, "")
	valid := `{"profile":{"age":45,"sex":"F","height_cm":160,"weight_kg":80}}`
	cases := []struct {
		name, tool, args, want string
	}{
		{"bad json", "estimate_tdee", `{`, "invalid arguments"},
		{"missing age", "estimate_tdee", `{"profile":{"sex":"F","height_cm":160,"weight_kg":80}}`, "age"},
		{"unknown tool", "delete_everything", valid, "unknown tool"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var call toolCall
			call.Function.Name = tc.tool
			call.Function.Arguments = tc.args
			out := co.runTool(context.Background(), call)
			payload, ok := out.Payload.(map[string]string)
			if !ok || !strings.Contains(payload["error"], tc.want) {
				t.Errorf("payload = %v, want error containing %q", out.Payload, tc.want)
			}
			if out.Card != nil {
				t.Errorf("error outcome should have no card")
			}
		})
	}
}

func TestRunTool_MealPlanDefaultsTarget(t *testing.T) {
	co, _ := newTestCoach(t, "")
	var call toolCall
	call.Function.Name = "make_meal_plan"
	call.Function.Arguments = `{"profile":{"age":45,"sex":"F","height_cm":160,"weight_kg":80,"activity":"light"}}`

	out := co.runTool(context.Background(), call)
	plan, ok := out.Payload.(mealPlan)
	if !ok {
		t.Fatalf("payload = %T, want mealPlan", out.Payload)
	}
	if plan.CalorieTarget != 1444 {
		t.Errorf("calorie target = %d, want 1444", plan.CalorieTarget)
	}
}

func TestDecodeReply(t *testing.T) {
	env := decodeReply(`{"text":"Hello","cards":[{"type":"tip","content":"Drink water"}]}`)
	if env.Text != "Hello" || len(env.Cards) != 1 || env.Actions == nil {
		t.Errorf("envelope reply = %+v", env)
	}

	env = decodeReply("  just text \n")
	if env.Text != "just text" || len(env.Cards) != 0 {
		t.Errorf("plain reply = %+v", env)
	}

	env = decodeReply(`{"foo":"bar"}`)
	if env.Text != `{"foo":"bar"}` {
		t.Errorf("JSON without text = %+v, want raw text", env)
	}
}

func TestCoachChat_StoreDownStillAnswers(t *testing.T) {
	co := newCoach(failingStore{}, nil, newMetrics(), 8)
	env := co.Chat(context.Background(), "u1", "hawker ideas?")
	if !strings.Contains(env.Text, "hawker") {
		t.Errorf("text = %q", env.Text)
	}
}

/* ─── Weight log flow ────────────────────────────────────────────────── */

func TestCoachLogWeight_Delta(t *testing.T) {
	co, _ := newTestCoach(t, "")
	ctx := context.Background()

	first, err := co.LogWeight(ctx, "u1", day(1), 76.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data := first.Cards[0].Data.(progressLog); data.DeltaSincePrevKG != nil || data.Note != "first entry" {
		t.Errorf("first entry = %+v", data)
	}

	env, err := co.LogWeight(ctx, "u1", day(2), 75.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Cards[0].Type != "progress_log" {
		t.Fatalf("card = %q, want progress_log", env.Cards[0].Type)
	}
	data := env.Cards[0].Data.(progressLog)
	if data.DeltaSincePrevKG == nil || *data.DeltaSincePrevKG != -1.5 {
		t.Errorf("delta = %v, want -1.5", data.DeltaSincePrevKG)
	}
	if data.Date.String() != "2025-03-02" || data.WeightKG != 75 {
		t.Errorf("progress log = %+v", data)
	}
	if !strings.Contains(env.Text, "down 1.5 kg") {
		t.Errorf("text = %q", env.Text)
	}
}

func TestCoachLogWeight_Errors(t *testing.T) {
	co, _ := newTestCoach(t, "")
	if _, err := co.LogWeight(context.Background(), "u1", day(1), 0); !isValidationError(err) {
		t.Errorf("zero weight err = %v, want validation error", err)
	}

	down := newCoach(failingStore{}, nil, newMetrics(), 8)
	_, err := down.LogWeight(context.Background(), "u1", day(1), 70)
	var pe *persistenceError
	if !errors.As(err, &pe) {
		t.Errorf("err = %v, want persistenceError", err)
	}
}
