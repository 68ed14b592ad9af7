package models

import "time"

// EffectivePresence crew presence as the dashboard sees it.
// InTreatment forces OnDuty=false, Busy=false, DeckZone=Sickbay.
type EffectivePresence struct {
	CrewID      string    `json:"crew_id"`
	InTreatment bool      `json:"in_treatment"`
	OnDuty      bool      `json:"on_duty"`
	Busy        bool      `json:"busy"`
	DeckZone    string    `json:"deck_zone"`
	TS          time.Time `json:"ts"`
}

// Consistent checks the treatment overlay invariant
func (p *EffectivePresence) Consistent() bool {
	overlaid := p.DeckZone == SickbayZone && !p.OnDuty && !p.Busy
	if p.InTreatment {
		return overlaid
	}
	return true
}

// PresenceSummary aggregate over active crew
type PresenceSummary struct {
	Total       int       `json:"total"`
	OnDuty      int       `json:"on_duty"`
	Busy        int       `json:"busy"`
	InTreatment int       `json:"in_treatment"`
	BusyPct     float64   `json:"busy_pct"` // of on-duty, one decimal
	TS          time.Time `json:"ts"`
}
