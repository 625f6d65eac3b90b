package models

import "time"

// ScheduleState records when a named trigger last fired, durably, so a
// restart neither double-fires nor drops a scheduled run.
type ScheduleState struct {
	Name        string    `json:"name" db:"name"`                   // Trigger name, unique
	LastFiredAt time.Time `json:"last_fired_at" db:"last_fired_at"` // Wall-clock time of the last fire
}
