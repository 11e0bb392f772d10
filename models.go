package main

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// DateOnly wraps time.Time to serialize as "YYYY-MM-DD" in JSON.
type DateOnly struct{ time.Time }

func (d DateOnly) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Time.Format("2006-01-02") + `"`), nil
}

func (d *DateOnly) UnmarshalJSON(b []byte) error {
	t, err := time.Parse(`"2006-01-02"`, string(b))
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

// ScanDate implements pgtype.DateScanner so pgx can scan PostgreSQL date
// columns (OID 1082) into DateOnly. NULL values zero the time and return nil
// so that *DateOnly pointer fields can be set to nil by pgx's NULL handling.
func (d *DateOnly) ScanDate(v pgtype.Date) error {
	if !v.Valid {
		d.Time = time.Time{}
		return nil
	}
	d.Time = v.Time
	return nil
}

// String returns the YYYY-MM-DD form used as the storage key for dates.
func (d DateOnly) String() string {
	return d.Time.Format("2006-01-02")
}

/* ─── Domain structs ─────────────────────────────────────────────────── */

// user maps to the users table. Users are API operators allowed to call the
// coaching routes when REQUIRE_AUTH is on. AuthToken and Password are hidden
// from JSON responses.
type user struct {
	ID        int        `json:"id" db:"id"`
	Username  string     `json:"username" db:"username"`
	Email     string     `json:"email" db:"email"`
	AuthToken string     `json:"-" db:"auth_token"`
	Password  string     `json:"-" db:"password"`
	CreatedAt *time.Time `json:"created_at" db:"created_at"`
}

// profile is the coachee's body profile. It is validated and normalised once
// by validateProfile; everything downstream can trust its fields.
type profile struct {
	Age            int      `json:"age"`
	Sex            string   `json:"sex"`
	HeightCM       float64  `json:"height_cm"`
	WeightKG       float64  `json:"weight_kg"`
	TargetWeightKG float64  `json:"target_weight_kg"`
	Activity       string   `json:"activity"`
	Diet           string   `json:"diet,omitempty"`
	Conditions     []string `json:"conditions,omitempty"`
	TargetWeeks    *float64 `json:"target_weeks,omitempty"`
}

// message maps to the messages table: one chat turn, either from the user or
// from the bot.
type message struct {
	ID     int64     `json:"id" db:"id"`
	UserID string    `json:"user_id" db:"user_id"`
	Role   string    `json:"role" db:"role"`
	Text   string    `json:"text" db:"text"`
	TS     time.Time `json:"ts" db:"ts"`
}

const (
	roleUser = "user"
	roleBot  = "bot"
)

// weightEntry maps to the weight_log table.
type weightEntry struct {
	ID        int64      `json:"id" db:"id"`
	UserID    string     `json:"user_id" db:"user_id"`
	Date      DateOnly   `json:"date" db:"date"`
	WeightKG  float64    `json:"weight_kg" db:"weight_kg"`
	CreatedAt *time.Time `json:"created_at,omitempty" db:"created_at"`
}

/* ─── Response envelope ──────────────────────────────────────────────── */

// envelope is the fixed response shape of every coaching endpoint.
// Cards and Actions are always arrays in JSON, never null.
type envelope struct {
	Text    string   `json:"text"`
	Cards   []card   `json:"cards"`
	Actions []action `json:"actions"`
	TraceID *string  `json:"trace_id"`
}

// card is a structured block the frontend renders next to the text.
// Either Data or Title/Content is populated depending on the card type.
type card struct {
	Type    string `json:"type"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// action is a follow-up the frontend can offer as a button.
type action struct {
	Type    string         `json:"type"`
	Label   string         `json:"label"`
	Payload map[string]any `json:"payload"`
}

// newEnvelope returns an envelope with empty (non-nil) cards and actions.
func newEnvelope(text string) envelope {
	return envelope{Text: text, Cards: []card{}, Actions: []action{}}
}

/* ─── Request bodies ─────────────────────────────────────────────────── */

// goalRequest is the request body for POST /goal.
type goalRequest struct {
	UserID  string  `json:"user_id"`
	Profile profile `json:"profile"`
}

// chatRequest is the request body for POST /chat.
type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// logWeightRequest is the request body for POST /log. Date defaults to today.
type logWeightRequest struct {
	UserID   string  `json:"user_id"`
	Date     string  `json:"date"`
	WeightKG float64 `json:"weight_kg"`
}

// progressLog is the data of the progress_log card returned by POST /log.
// DeltaSincePrevKG is nil for a user's first entry.
type progressLog struct {
	UserID           string   `json:"user_id"`
	Date             DateOnly `json:"date"`
	WeightKG         float64  `json:"weight_kg"`
	DeltaSincePrevKG *float64 `json:"delta_since_prev_kg"`
	Note             string   `json:"note"`
}
