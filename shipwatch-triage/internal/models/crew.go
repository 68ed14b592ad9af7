package models

import "time"

// SickbayZone deck zone reported for crew in active treatment
const SickbayZone = "Sickbay"

// Crew raw duty-roster record as stored
type Crew struct {
	CrewID    string    `json:"crew_id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	OnDuty    bool      `json:"on_duty"`
	Busy      bool      `json:"busy"`
	DeckZone  string    `json:"deck_zone"`
	Active    bool      `json:"active"`
	MissionID *string   `json:"mission_id,omitempty"` // current mission assignment, if any
	UpdatedAt time.Time `json:"updated_at"`
}

// EligibleForAdmission on duty, active roster member
func (c *Crew) EligibleForAdmission() bool {
	return c != nil && c.Active && c.OnDuty
}
