package repository

import (
	"context"
	"encoding/json"
	"time"

	"shipwatch/shipwatch-triage/internal/models"
)

// TriageStore crew roster and triage visits. Every mutation is conditional and
// announces itself on the matching notification topic once committed.
type TriageStore interface {
	// ListOpenVisits visits without ended_at, oldest first
	ListOpenVisits(ctx context.Context) ([]models.TriageVisit, error)
	// ListActiveCrew crew with active = true
	ListActiveCrew(ctx context.Context) ([]models.Crew, error)
	GetCrew(ctx context.Context, crewID string) (*models.Crew, error)
	GetVisit(ctx context.Context, visitID string) (*models.TriageVisit, error)
	HasOpenVisit(ctx context.Context, crewID string) (bool, error)
	CountOpenVisits(ctx context.Context) (int, error)

	// ActiveTreatmentCrewIDs crew with an open visit in admitted or under_treatment
	ActiveTreatmentCrewIDs(ctx context.Context) (map[string]struct{}, error)
	// HasActiveTreatment single-crew form of ActiveTreatmentCrewIDs
	HasActiveTreatment(ctx context.Context, crewID string) (bool, error)

	// CreateVisit fails with models.ErrOpenVisitExists when the crew member already has one
	CreateVisit(ctx context.Context, visit *models.TriageVisit) error
	CompareAndSetAcuity(ctx context.Context, visitID string, expected, next models.Acuity) (bool, error)
	TransitionState(ctx context.Context, visitID string, from, to models.VisitState) (bool, error)
	// Discharge only succeeds while the stored acuity still reads good
	Discharge(ctx context.Context, visitID string, endedAt time.Time) (bool, error)
}

// Notifier publishes commit notices for stores without a native channel
type Notifier interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

func encodeNotice(n models.ChangeNotice) []byte {
	raw, err := json.Marshal(n)
	if err != nil {
		// ChangeNotice has only plain fields
		return []byte(`{}`)
	}
	return raw
}
