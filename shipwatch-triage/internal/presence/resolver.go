package presence

import (
	"context"
	"fmt"
	"math"
	"time"

	"shipwatch/shipwatch-triage/internal/models"
)

// Resolve overlays active treatment on a raw roster record. Every presence
// value the service hands out goes through here.
func Resolve(crew models.Crew, inTreatment bool, ts time.Time) models.EffectivePresence {
	if inTreatment {
		return models.EffectivePresence{
			CrewID:      crew.CrewID,
			InTreatment: true,
			OnDuty:      false,
			Busy:        false,
			DeckZone:    models.SickbayZone,
			TS:          ts,
		}
	}
	return models.EffectivePresence{
		CrewID:   crew.CrewID,
		OnDuty:   crew.OnDuty,
		Busy:     crew.Busy,
		DeckZone: crew.DeckZone,
		TS:       ts,
	}
}

// Summarize aggregates resolved records. Crew in treatment are never on duty
// after Resolve, so they drop out of the busy denominator.
func Summarize(records []models.EffectivePresence, ts time.Time) models.PresenceSummary {
	s := models.PresenceSummary{Total: len(records), TS: ts}
	for _, p := range records {
		if p.InTreatment {
			s.InTreatment++
		}
		if !p.OnDuty {
			continue
		}
		s.OnDuty++
		if p.Busy {
			s.Busy++
		}
	}
	if s.OnDuty > 0 {
		s.BusyPct = math.Round(float64(s.Busy)*1000/float64(s.OnDuty)) / 10
	}
	return s
}

// Source read side the resolver needs; repository.TriageStore satisfies it
type Source interface {
	ListActiveCrew(ctx context.Context) ([]models.Crew, error)
	GetCrew(ctx context.Context, crewID string) (*models.Crew, error)
	ActiveTreatmentCrewIDs(ctx context.Context) (map[string]struct{}, error)
	HasActiveTreatment(ctx context.Context, crewID string) (bool, error)
}

// Resolver read-only; safe to call concurrently with the clinical engine
type Resolver struct {
	src Source
	now func() time.Time
}

// NewResolver now may be nil
func NewResolver(src Source, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{src: src, now: now}
}

// ForCrew effective presence of one crew member
func (r *Resolver) ForCrew(ctx context.Context, crewID string) (models.EffectivePresence, error) {
	_, p, err := r.Lookup(ctx, crewID)
	return p, err
}

// Lookup raw roster record together with its effective presence
func (r *Resolver) Lookup(ctx context.Context, crewID string) (models.Crew, models.EffectivePresence, error) {
	crew, err := r.src.GetCrew(ctx, crewID)
	if err != nil {
		return models.Crew{}, models.EffectivePresence{}, fmt.Errorf("failed to get crew: %w", err)
	}
	inTreatment, err := r.src.HasActiveTreatment(ctx, crewID)
	if err != nil {
		return models.Crew{}, models.EffectivePresence{}, fmt.Errorf("failed to check treatment: %w", err)
	}
	return *crew, Resolve(*crew, inTreatment, r.now()), nil
}

// All effective presence of every active crew member, roster order
func (r *Resolver) All(ctx context.Context) ([]models.EffectivePresence, error) {
	_, records, _, err := r.all(ctx)
	return records, err
}

// Summary aggregate over all active crew, built from the same records as All
func (r *Resolver) Summary(ctx context.Context) (models.PresenceSummary, error) {
	_, records, ts, err := r.all(ctx)
	if err != nil {
		return models.PresenceSummary{}, err
	}
	return Summarize(records, ts), nil
}

// Snapshot roster, resolved records and their summary from one read. crew[i]
// belongs to records[i].
func (r *Resolver) Snapshot(ctx context.Context) ([]models.Crew, []models.EffectivePresence, models.PresenceSummary, error) {
	crew, records, ts, err := r.all(ctx)
	if err != nil {
		return nil, nil, models.PresenceSummary{}, err
	}
	return crew, records, Summarize(records, ts), nil
}

func (r *Resolver) all(ctx context.Context) ([]models.Crew, []models.EffectivePresence, time.Time, error) {
	crew, err := r.src.ListActiveCrew(ctx)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("failed to list active crew: %w", err)
	}
	treated, err := r.src.ActiveTreatmentCrewIDs(ctx)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("failed to list crew in treatment: %w", err)
	}

	ts := r.now()
	records := make([]models.EffectivePresence, 0, len(crew))
	for _, c := range crew {
		_, in := treated[c.CrewID]
		records = append(records, Resolve(c, in, ts))
	}
	return crew, records, ts, nil
}
