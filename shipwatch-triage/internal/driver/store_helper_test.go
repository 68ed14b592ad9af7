package driver

import (
	"context"
	"fmt"
	"testing"

	"shipwatch/shipwatch-triage/internal/models"
	"shipwatch/shipwatch-triage/internal/repository"

	"go.uber.org/zap"
)

func newStore(t *testing.T) *repository.MemoryTriageRepository {
	t.Helper()
	repo := repository.NewMemoryTriageRepository(nil, zap.NewNop())
	for i := 1; i <= 5; i++ {
		repo.UpsertCrew(context.Background(), models.Crew{
			CrewID: fmt.Sprintf("crew-%d", i),
			OnDuty: true,
			Active: true,
		})
	}
	return repo
}
