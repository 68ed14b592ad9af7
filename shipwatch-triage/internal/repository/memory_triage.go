package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"shipwatch/shipwatch-triage/internal/models"

	"go.uber.org/zap"
)

// MemoryTriageRepository in-process TriageStore for the demo mode and tests.
// Notices are published while the write lock is held so subscribers see them
// in commit order.
type MemoryTriageRepository struct {
	mu       sync.RWMutex
	crew     map[string]models.Crew
	visits   map[string]models.TriageVisit
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewMemoryTriageRepository notifier may be nil
func NewMemoryTriageRepository(notifier Notifier, logger *zap.Logger) *MemoryTriageRepository {
	return &MemoryTriageRepository{
		crew:     make(map[string]models.Crew),
		visits:   make(map[string]models.TriageVisit),
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

var _ TriageStore = (*MemoryTriageRepository)(nil)

// SetNotifier swaps the notifier; used when the bus is built after the store
func (r *MemoryTriageRepository) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// UpsertCrew writes the roster record and announces crew_changed
func (r *MemoryTriageRepository) UpsertCrew(ctx context.Context, c models.Crew) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = r.now()
	}
	prev, existed := r.crew[c.CrewID]
	r.crew[c.CrewID] = c

	notice := models.ChangeNotice{Op: "update", CrewID: c.CrewID, TS: c.UpdatedAt}
	if !existed {
		notice.Op = "insert"
	}
	if c.MissionID != nil {
		notice.MissionID = *c.MissionID
	}
	r.publish(ctx, models.TopicCrewChanged, notice)

	if missionChanged(prev.MissionID, c.MissionID) {
		if prev.MissionID != nil {
			r.publish(ctx, models.TopicMissionChanged, models.ChangeNotice{Op: "update", CrewID: c.CrewID, MissionID: *prev.MissionID, TS: c.UpdatedAt})
		}
		if c.MissionID != nil {
			r.publish(ctx, models.TopicMissionChanged, models.ChangeNotice{Op: "update", CrewID: c.CrewID, MissionID: *c.MissionID, TS: c.UpdatedAt})
		}
	}
}

func missionChanged(a, b *string) bool {
	if a == nil || b == nil {
		return a != b
	}
	return *a != *b
}

// CloseVisit ends a visit regardless of acuity, as an operator would
func (r *MemoryTriageRepository) CloseVisit(ctx context.Context, visitID string, endedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.visits[visitID]
	if !ok {
		return fmt.Errorf("visit %s: %w", visitID, models.ErrNotFound)
	}
	if !v.Open() {
		return nil
	}
	v.State = models.VisitDischarged
	v.EndedAt = &endedAt
	r.visits[visitID] = v
	r.publish(ctx, models.TopicTriageChanged, visitNotice("discharge", v, endedAt))
	return nil
}

// SetAcuity overwrites acuity on an open visit, as a clinician edit would
func (r *MemoryTriageRepository) SetAcuity(ctx context.Context, visitID string, acuity models.Acuity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.visits[visitID]
	if !ok || !v.Open() {
		return fmt.Errorf("open visit %s: %w", visitID, models.ErrNotFound)
	}
	v.Acuity = acuity
	r.visits[visitID] = v
	r.publish(ctx, models.TopicTriageChanged, visitNotice("update", v, r.now()))
	return nil
}

// ListVisits every visit, open or closed, oldest first
func (r *MemoryTriageRepository) ListVisits(ctx context.Context) []models.TriageVisit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.TriageVisit, 0, len(r.visits))
	for _, v := range r.visits {
		out = append(out, copyVisit(v))
	}
	sortVisits(out)
	return out
}

func (r *MemoryTriageRepository) ListOpenVisits(ctx context.Context) ([]models.TriageVisit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.TriageVisit
	for _, v := range r.visits {
		if v.Open() {
			out = append(out, copyVisit(v))
		}
	}
	sortVisits(out)
	return out, nil
}

func (r *MemoryTriageRepository) ListActiveCrew(ctx context.Context) ([]models.Crew, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Crew
	for _, c := range r.crew {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CrewID < out[j].CrewID })
	return out, nil
}

func (r *MemoryTriageRepository) GetCrew(ctx context.Context, crewID string) (*models.Crew, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.crew[crewID]
	if !ok {
		return nil, fmt.Errorf("crew %s: %w", crewID, models.ErrNotFound)
	}
	return &c, nil
}

func (r *MemoryTriageRepository) GetVisit(ctx context.Context, visitID string) (*models.TriageVisit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.visits[visitID]
	if !ok {
		return nil, fmt.Errorf("visit %s: %w", visitID, models.ErrNotFound)
	}
	v = copyVisit(v)
	return &v, nil
}

func (r *MemoryTriageRepository) HasOpenVisit(ctx context.Context, crewID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasOpenVisitLocked(crewID), nil
}

func (r *MemoryTriageRepository) hasOpenVisitLocked(crewID string) bool {
	for _, v := range r.visits {
		if v.CrewID == crewID && v.Open() {
			return true
		}
	}
	return false
}

func (r *MemoryTriageRepository) CountOpenVisits(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, v := range r.visits {
		if v.Open() {
			n++
		}
	}
	return n, nil
}

func (r *MemoryTriageRepository) ActiveTreatmentCrewIDs(ctx context.Context) (map[string]struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make(map[string]struct{})
	for _, v := range r.visits {
		if v.Open() && v.State.CountsAsTreatment() {
			ids[v.CrewID] = struct{}{}
		}
	}
	return ids, nil
}

func (r *MemoryTriageRepository) HasActiveTreatment(ctx context.Context, crewID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.visits {
		if v.CrewID == crewID && v.Open() && v.State.CountsAsTreatment() {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryTriageRepository) CreateVisit(ctx context.Context, visit *models.TriageVisit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasOpenVisitLocked(visit.CrewID) {
		return models.ErrOpenVisitExists
	}
	if _, dup := r.visits[visit.VisitID]; dup {
		return fmt.Errorf("visit %s already exists", visit.VisitID)
	}
	r.visits[visit.VisitID] = copyVisit(*visit)
	r.publish(ctx, models.TopicTriageChanged, visitNotice("insert", *visit, visit.StartedAt))
	return nil
}

func (r *MemoryTriageRepository) CompareAndSetAcuity(ctx context.Context, visitID string, expected, next models.Acuity) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.visits[visitID]
	if !ok || !v.Open() || v.Acuity != expected {
		return false, nil
	}
	v.Acuity = next
	r.visits[visitID] = v
	r.publish(ctx, models.TopicTriageChanged, visitNotice("update", v, r.now()))
	return true, nil
}

func (r *MemoryTriageRepository) TransitionState(ctx context.Context, visitID string, from, to models.VisitState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.visits[visitID]
	if !ok || !v.Open() || v.State != from {
		return false, nil
	}
	v.State = to
	r.visits[visitID] = v
	r.publish(ctx, models.TopicTriageChanged, visitNotice("update", v, r.now()))
	return true, nil
}

func (r *MemoryTriageRepository) Discharge(ctx context.Context, visitID string, endedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.visits[visitID]
	if !ok || !v.Open() || v.Acuity != models.AcuityGood {
		return false, nil
	}
	v.State = models.VisitDischarged
	v.EndedAt = &endedAt
	r.visits[visitID] = v
	r.publish(ctx, models.TopicTriageChanged, visitNotice("discharge", v, endedAt))
	return true, nil
}

func (r *MemoryTriageRepository) publish(ctx context.Context, topic string, notice models.ChangeNotice) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Publish(ctx, topic, encodeNotice(notice)); err != nil {
		r.logger.Warn("Failed to publish change notice",
			zap.String("topic", topic),
			zap.String("crew_id", notice.CrewID),
			zap.Error(err),
		)
	}
}

func visitNotice(op string, v models.TriageVisit, ts time.Time) models.ChangeNotice {
	return models.ChangeNotice{
		Op:      op,
		VisitID: v.VisitID,
		CrewID:  v.CrewID,
		State:   v.State,
		Acuity:  v.Acuity,
		EndedAt: v.EndedAt,
		TS:      ts,
	}
}

func copyVisit(v models.TriageVisit) models.TriageVisit {
	if v.EndedAt != nil {
		t := *v.EndedAt
		v.EndedAt = &t
	}
	return v
}

func sortVisits(vs []models.TriageVisit) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].StartedAt.Equal(vs[j].StartedAt) {
			return vs[i].VisitID < vs[j].VisitID
		}
		return vs[i].StartedAt.Before(vs[j].StartedAt)
	})
}
