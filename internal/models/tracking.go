package models

import "time"

// FlowIntensity values accepted for a period log.
const (
	FlowSpotting = "spotting"
	FlowLight    = "light"
	FlowMedium   = "medium"
	FlowHeavy    = "heavy"
)

// PeriodLog is one day of period tracking. LogDate is YYYY-MM-DD and is
// unique per user.
type PeriodLog struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	LogDate       string    `json:"log_date"`
	FlowIntensity *string   `json:"flow_intensity"`
	Symptoms      []string  `json:"symptoms"`
	Moods         []string  `json:"moods"`
	Notes         *string   `json:"notes"`
	CreatedAt     time.Time `json:"created_at"`
}

// MoodEntry is one day of mood journaling, unique per user and EntryDate.
type MoodEntry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	EntryDate    string    `json:"entry_date"`
	MoodScore    int       `json:"mood_score"`
	MoodLabel    string    `json:"mood_label"`
	Notes        *string   `json:"notes,omitempty"`
	EnergyLevel  *int      `json:"energy_level,omitempty"`
	SleepQuality *int      `json:"sleep_quality,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
