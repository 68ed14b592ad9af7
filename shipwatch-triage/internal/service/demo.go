package service

import (
	"context"
	"fmt"
	"time"

	"shipwatch/shipwatch-triage/internal/models"
	"shipwatch/shipwatch-triage/internal/repository"
)

type demoMember struct {
	name    string
	role    string
	zone    string
	onDuty  bool
	busy    bool
	mission string
}

var demoRoster = []demoMember{
	{"R. Okafor", "Captain", "Bridge", true, true, ""},
	{"M. Lindqvist", "Pilot", "Bridge", true, false, "survey-7"},
	{"T. Haddad", "Engineer", "Engineering", true, true, ""},
	{"J. Moreau", "Engineer", "Engineering", true, false, ""},
	{"S. Varga", "Medic", "Sickbay", true, false, ""},
	{"A. Castellanos", "Cargo Master", "Cargo", true, true, "resupply-2"},
	{"K. Ito", "Science Officer", "Lab", true, true, "survey-7"},
	{"P. Adeyemi", "Security", "Hangar", false, false, ""},
	{"L. Novak", "Cook", "Galley", true, false, ""},
	{"D. Brennan", "Deckhand", "Hangar", true, true, "resupply-2"},
}

// SeedDemoRoster fills an in-memory store with a fixed crew for the
// single-process mode. Returns the number of crew written.
func SeedDemoRoster(ctx context.Context, repo *repository.MemoryTriageRepository, now time.Time) int {
	for i, m := range demoRoster {
		c := models.Crew{
			CrewID:    fmt.Sprintf("crew-%02d", i+1),
			Name:      m.name,
			Role:      m.role,
			OnDuty:    m.onDuty,
			Busy:      m.busy,
			DeckZone:  m.zone,
			Active:    true,
			UpdatedAt: now,
		}
		if m.mission != "" {
			mission := m.mission
			c.MissionID = &mission
		}
		repo.UpsertCrew(ctx, c)
	}
	return len(demoRoster)
}
