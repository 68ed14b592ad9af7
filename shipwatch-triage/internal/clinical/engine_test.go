package clinical

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"shipwatch/shipwatch-triage/internal/models"
	"shipwatch/shipwatch-triage/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedDraws struct {
	f float64
	n int
}

func (d fixedDraws) Float64() float64 { return d.f }

func (d fixedDraws) Intn(n int) int {
	if d.n >= n {
		return n - 1
	}
	return d.n
}

// flakyStore injects failures on top of the in-memory store
type flakyStore struct {
	*repository.MemoryTriageRepository

	mu             sync.Mutex
	listErr        error
	failTransition map[string]bool
	casMisses      int

	entered chan struct{}
	release chan struct{}
}

func (s *flakyStore) ListOpenVisits(ctx context.Context) ([]models.TriageVisit, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	s.mu.Lock()
	err := s.listErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryTriageRepository.ListOpenVisits(ctx)
}

func (s *flakyStore) TransitionState(ctx context.Context, visitID string, from, to models.VisitState) (bool, error) {
	if s.failTransition[visitID] {
		return false, errors.New("connection reset by peer")
	}
	return s.MemoryTriageRepository.TransitionState(ctx, visitID, from, to)
}

func (s *flakyStore) CompareAndSetAcuity(ctx context.Context, visitID string, expected, next models.Acuity) (bool, error) {
	s.mu.Lock()
	if s.casMisses > 0 {
		s.casMisses--
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()
	return s.MemoryTriageRepository.CompareAndSetAcuity(ctx, visitID, expected, next)
}

func newRoster(t *testing.T, ids ...string) *repository.MemoryTriageRepository {
	t.Helper()
	repo := repository.NewMemoryTriageRepository(nil, zap.NewNop())
	for _, id := range ids {
		repo.UpsertCrew(context.Background(), models.Crew{CrewID: id, Name: id, OnDuty: true, Active: true, DeckZone: "Bridge"})
	}
	return repo
}

func uniformTables(dwell, stay map[models.Acuity]int, floor int) Tables {
	return Tables{DwellTicks: dwell, MinimumStayTicks: stay, ObservationFloorTicks: floor}
}

func scenarioTables() Tables {
	dwell := map[models.Acuity]int{}
	stay := map[models.Acuity]int{}
	for _, a := range models.AllAcuities {
		dwell[a] = 2
		stay[a] = 4
	}
	return uniformTables(dwell, stay, 1)
}

type transitionLog struct {
	mu  sync.Mutex
	all []models.Transition
}

func (l *transitionLog) add(t models.Transition) {
	l.mu.Lock()
	l.all = append(l.all, t)
	l.mu.Unlock()
}

func (l *transitionLog) firstTick(visitID string, to models.VisitState) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.all {
		if t.VisitID == visitID && t.ToState == to && t.FromState != to {
			return t.Tick, true
		}
	}
	return 0, false
}

func TestTables_DischargeTick(t *testing.T) {
	tables := scenarioTables()
	assert.Equal(t, 8, tables.TicksToGood(models.AcuityCritical))
	assert.Equal(t, 8, tables.RecoveryTick(models.AcuityCritical))
	assert.Equal(t, 9, tables.DischargeTick(models.AcuityCritical))

	// admitted at good: recovery on the first tick, stay floor dominates
	assert.Equal(t, 1, tables.RecoveryTick(models.AcuityGood))
	assert.Equal(t, 4, tables.DischargeTick(models.AcuityGood))

	def := DefaultTables()
	require.NoError(t, def.Validate())
	assert.Equal(t, 15, def.TicksToGood(models.AcuityCritical))
	assert.Equal(t, 24, def.DischargeTick(models.AcuityCritical))
}

func TestTables_ValidateRejectsNegative(t *testing.T) {
	tables := DefaultTables()
	tables.DwellTicks[models.AcuityFair] = -1
	assert.Error(t, tables.Validate())

	tables = DefaultTables()
	tables.MinimumStayTicks[models.Acuity(9)] = 3
	assert.Error(t, tables.Validate())
}

func TestAdvanceOneTick_DischargesAtExactTick(t *testing.T) {
	ctx := context.Background()
	store := newRoster(t, "crew-1")
	engine := NewEngine(store, scenarioTables(), fixedDraws{}, zap.NewNop())
	log := &transitionLog{}
	engine.OnTransition(log.add)

	visit, err := engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.AcuityCritical})
	require.NoError(t, err)

	for tick := 1; tick <= 8; tick++ {
		r := engine.AdvanceOneTick(ctx)
		assert.Zero(t, r.Discharged, "tick %d", tick)
	}
	v, err := store.GetVisit(ctx, visit.VisitID)
	require.NoError(t, err)
	assert.Equal(t, models.VisitRecovering, v.State)
	assert.Equal(t, models.AcuityGood, v.Acuity)
	assert.True(t, v.Open())

	r := engine.AdvanceOneTick(ctx)
	assert.Equal(t, 1, r.Discharged)

	v, err = store.GetVisit(ctx, visit.VisitID)
	require.NoError(t, err)
	assert.Equal(t, models.VisitDischarged, v.State)
	assert.False(t, v.Open())
	assert.Equal(t, 0, engine.Plans().Len())

	tick, ok := log.firstTick(visit.VisitID, models.VisitUnderTreatment)
	require.True(t, ok)
	assert.EqualValues(t, 1, tick)
	tick, ok = log.firstTick(visit.VisitID, models.VisitRecovering)
	require.True(t, ok)
	assert.EqualValues(t, 8, tick)
}

func TestAdvanceOneTick_CriticalOnlyTables(t *testing.T) {
	ctx := context.Background()
	store := newRoster(t, "crew-1")
	tables := uniformTables(
		map[models.Acuity]int{models.AcuityCritical: 2},
		map[models.Acuity]int{models.AcuityCritical: 4},
		1,
	)
	require.NoError(t, tables.Validate())
	require.Equal(t, 5, tables.RecoveryTick(models.AcuityCritical))
	require.Equal(t, 6, tables.DischargeTick(models.AcuityCritical))

	engine := NewEngine(store, tables, fixedDraws{}, zap.NewNop())
	log := &transitionLog{}
	engine.OnTransition(log.add)

	visit, err := engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.AcuityCritical})
	require.NoError(t, err)

	goodAt, recoveringAt, endedAt := 0, 0, 0
	for tick := 1; tick <= 10; tick++ {
		engine.AdvanceOneTick(ctx)
		v, err := store.GetVisit(ctx, visit.VisitID)
		require.NoError(t, err)
		if goodAt == 0 && v.Acuity == models.AcuityGood {
			goodAt = tick
		}
		if recoveringAt == 0 && v.State == models.VisitRecovering {
			recoveringAt = tick
		}
		if endedAt == 0 && v.EndedAt != nil {
			endedAt = tick
		}
	}

	assert.Equal(t, 5, goodAt)
	assert.Equal(t, goodAt, recoveringAt, "recovering on the tick acuity reaches good")
	assert.Equal(t, tables.DischargeTick(models.AcuityCritical), endedAt)

	tick, ok := log.firstTick(visit.VisitID, models.VisitDischarged)
	require.True(t, ok)
	assert.EqualValues(t, 6, tick)
}

func TestAdvanceOneTick_AcuityOnlyImproves(t *testing.T) {
	ctx := context.Background()
	store := newRoster(t, "crew-1", "crew-2")
	engine := NewEngine(store, DefaultTables(), fixedDraws{}, zap.NewNop())
	log := &transitionLog{}
	engine.OnTransition(log.add)

	_, err := engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.AcuityCritical})
	require.NoError(t, err)
	_, err = engine.Admit(ctx, AdmitRequest{CrewID: "crew-2", Acuity: models.AcuityStable})
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		engine.AdvanceOneTick(ctx)
	}

	steps := map[string]int{}
	for _, tr := range log.all {
		if tr.FromAcuity == 0 {
			continue
		}
		assert.LessOrEqual(t, int(tr.ToAcuity), int(tr.FromAcuity))
		assert.GreaterOrEqual(t, int(tr.FromAcuity-tr.ToAcuity), 0)
		assert.LessOrEqual(t, int(tr.FromAcuity-tr.ToAcuity), 1, "one step at a time")
		if tr.ToAcuity < tr.FromAcuity {
			steps[tr.CrewID]++
		}
	}
	assert.Equal(t, 4, steps["crew-1"])
	assert.Equal(t, 2, steps["crew-2"])

	open, err := store.ListOpenVisits(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestAdvanceOneTick_NeverDischargesEarly(t *testing.T) {
	ctx := context.Background()

	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			dwell := map[models.Acuity]int{}
			stay := map[models.Acuity]int{}
			for _, a := range models.AllAcuities {
				dwell[a] = rng.Intn(5)
				stay[a] = rng.Intn(30)
			}
			tables := uniformTables(dwell, stay, rng.Intn(6))

			store := newRoster(t, "crew-1", "crew-2", "crew-3")
			engine := NewEngine(store, tables, fixedDraws{}, zap.NewNop())
			log := &transitionLog{}
			engine.OnTransition(log.add)

			admitted := map[string]models.Acuity{}
			for _, id := range []string{"crew-1", "crew-2", "crew-3"} {
				initial := models.AllAcuities[rng.Intn(len(models.AllAcuities))]
				v, err := engine.Admit(ctx, AdmitRequest{CrewID: id, Acuity: initial})
				require.NoError(t, err)
				admitted[v.VisitID] = initial
			}

			for i := 0; i < 80; i++ {
				engine.AdvanceOneTick(ctx)
			}

			for visitID, initial := range admitted {
				rec, ok := log.firstTick(visitID, models.VisitRecovering)
				require.True(t, ok)
				assert.EqualValues(t, tables.RecoveryTick(initial), rec)

				dis, ok := log.firstTick(visitID, models.VisitDischarged)
				require.True(t, ok)
				assert.EqualValues(t, tables.DischargeTick(initial), dis)
				assert.GreaterOrEqual(t, int(dis), tables.MinimumStay(initial))
			}
		})
	}
}

func TestAdvanceOneTick_ReseedsAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := newRoster(t, "crew-1")
	require.NoError(t, store.CreateVisit(ctx, &models.TriageVisit{
		VisitID:   "v-1",
		CrewID:    "crew-1",
		State:     models.VisitUnderTreatment,
		Acuity:    models.AcuitySerious,
		StartedAt: time.Now().Add(-time.Hour),
	}))

	engine := NewEngine(store, DefaultTables(), fixedDraws{}, zap.NewNop())
	r := engine.AdvanceOneTick(ctx)
	assert.Equal(t, 1, r.Reseeded)

	plan, ok := engine.Plans().Snapshot("v-1")
	require.True(t, ok)
	assert.Equal(t, models.AcuitySerious, plan.InitialCondition)
	assert.Equal(t, models.AcuitySerious, plan.Stage)
	assert.Equal(t, DefaultTables().MinimumStay(models.AcuitySerious)-1, plan.TotalTicksRemaining)
	assert.Nil(t, plan.ObservationTicksAccrued)

	r = engine.AdvanceOneTick(ctx)
	assert.Zero(t, r.Reseeded)
}

func TestAdvanceOneTick_ReseedsRecoveringVisitIntoObservation(t *testing.T) {
	ctx := context.Background()
	store := newRoster(t, "crew-1")
	require.NoError(t, store.CreateVisit(ctx, &models.TriageVisit{
		VisitID: "v-1", CrewID: "crew-1", State: models.VisitRecovering, Acuity: models.AcuityGood, StartedAt: time.Now(),
	}))

	engine := NewEngine(store, DefaultTables(), fixedDraws{}, zap.NewNop())
	engine.AdvanceOneTick(ctx)

	plan, ok := engine.Plans().Snapshot("v-1")
	require.True(t, ok)
	require.NotNil(t, plan.ObservationTicksAccrued)
	assert.Equal(t, 1, *plan.ObservationTicksAccrued)
}

func TestAdvanceOneTick_ExternalCloseDropsPlan(t *testing.T) {
	ctx := context.Background()
	store := newRoster(t, "crew-1")
	engine := NewEngine(store, DefaultTables(), fixedDraws{}, zap.NewNop())

	v, err := engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.AcuitySerious})
	require.NoError(t, err)
	engine.AdvanceOneTick(ctx)
	require.Equal(t, 1, engine.Plans().Len())

	require.NoError(t, store.CloseVisit(ctx, v.VisitID, time.Now()))
	r := engine.AdvanceOneTick(ctx)
	assert.Equal(t, 1, r.Dropped)
	assert.Equal(t, 0, engine.Plans().Len())
	assert.Zero(t, r.Transitions)
}

func TestAdvanceOneTick_ResyncsAfterExternalAcuityEdit(t *testing.T) {
	ctx := context.Background()
	store := newRoster(t, "crew-1")
	engine := NewEngine(store, DefaultTables(), fixedDraws{}, zap.NewNop())

	v, err := engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.AcuityCritical})
	require.NoError(t, err)
	engine.AdvanceOneTick(ctx)

	require.NoError(t, store.SetAcuity(ctx, v.VisitID, models.AcuityFair))
	engine.AdvanceOneTick(ctx)

	plan, ok := engine.Plans().Snapshot(v.VisitID)
	require.True(t, ok)
	assert.Equal(t, models.AcuityFair, plan.Stage)
	assert.Equal(t, models.AcuityCritical, plan.InitialCondition)
}

func TestAdvanceOneTick_CASConflictSkipsStep(t *testing.T) {
	ctx := context.Background()
	dwell := map[models.Acuity]int{models.AcuityFair: 1}
	stay := map[models.Acuity]int{}
	store := &flakyStore{MemoryTriageRepository: newRoster(t, "crew-1"), casMisses: 1}
	engine := NewEngine(store, uniformTables(dwell, stay, 1), fixedDraws{}, zap.NewNop())

	v, err := engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.AcuityFair})
	require.NoError(t, err)

	r := engine.AdvanceOneTick(ctx)
	assert.Equal(t, 1, r.Conflicts)
	got, err := store.GetVisit(ctx, v.VisitID)
	require.NoError(t, err)
	assert.Equal(t, models.AcuityFair, got.Acuity)

	r = engine.AdvanceOneTick(ctx)
	assert.Zero(t, r.Conflicts)
	got, err = store.GetVisit(ctx, v.VisitID)
	require.NoError(t, err)
	assert.Equal(t, models.AcuityGood, got.Acuity)
	assert.Equal(t, models.VisitRecovering, got.State)
}

func TestAdvanceOneTick_CASRetryWithinTick(t *testing.T) {
	ctx := context.Background()
	dwell := map[models.Acuity]int{models.AcuityFair: 1}
	store := &flakyStore{MemoryTriageRepository: newRoster(t, "crew-1"), casMisses: 1}
	engine := NewEngine(store, uniformTables(dwell, nil, 1), fixedDraws{}, zap.NewNop(), WithCASRetries(2))

	v, err := engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.AcuityFair})
	require.NoError(t, err)

	r := engine.AdvanceOneTick(ctx)
	assert.Zero(t, r.Conflicts)
	got, err := store.GetVisit(ctx, v.VisitID)
	require.NoError(t, err)
	assert.Equal(t, models.AcuityGood, got.Acuity)
}

func TestAdvanceOneTick_IsolatesPerVisitFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryTriageRepository: newRoster(t, "crew-1", "crew-2")}
	engine := NewEngine(store, DefaultTables(), fixedDraws{}, zap.NewNop())

	bad, err := engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.AcuityStable})
	require.NoError(t, err)
	good, err := engine.Admit(ctx, AdmitRequest{CrewID: "crew-2", Acuity: models.AcuityStable})
	require.NoError(t, err)
	store.failTransition = map[string]bool{bad.VisitID: true}

	r := engine.AdvanceOneTick(ctx)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Advanced)

	got, err := store.GetVisit(ctx, good.VisitID)
	require.NoError(t, err)
	assert.Equal(t, models.VisitUnderTreatment, got.State)
	got, err = store.GetVisit(ctx, bad.VisitID)
	require.NoError(t, err)
	assert.Equal(t, models.VisitAdmitted, got.State)
}

func TestAdvanceOneTick_ReadFailureLeavesPlans(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryTriageRepository: newRoster(t, "crew-1")}
	engine := NewEngine(store, DefaultTables(), fixedDraws{}, zap.NewNop())

	_, err := engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.AcuityStable})
	require.NoError(t, err)

	store.listErr = errors.New("database is down")
	r := engine.AdvanceOneTick(ctx)
	assert.True(t, r.ReadFailed)
	assert.Equal(t, 1, engine.Plans().Len())

	store.listErr = nil
	r = engine.AdvanceOneTick(ctx)
	assert.False(t, r.ReadFailed)
	assert.Equal(t, 1, r.Advanced)
}

func TestAdvanceOneTick_NotReentrant(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{
		MemoryTriageRepository: newRoster(t),
		entered:                make(chan struct{}),
		release:                make(chan struct{}),
	}
	engine := NewEngine(store, DefaultTables(), fixedDraws{}, zap.NewNop())

	done := make(chan TickReport, 1)
	go func() { done <- engine.AdvanceOneTick(ctx) }()
	<-store.entered

	second := engine.AdvanceOneTick(ctx)
	assert.True(t, second.Skipped)

	close(store.release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.EqualValues(t, 1, first.Tick)
}

func TestAdmit_Rejections(t *testing.T) {
	ctx := context.Background()
	store := newRoster(t, "crew-1")
	store.UpsertCrew(ctx, models.Crew{CrewID: "crew-off", OnDuty: false, Active: true})
	store.UpsertCrew(ctx, models.Crew{CrewID: "crew-gone", OnDuty: true, Active: false})
	engine := NewEngine(store, DefaultTables(), fixedDraws{}, zap.NewNop())

	_, err := engine.Admit(ctx, AdmitRequest{CrewID: "crew-off", Acuity: models.AcuityFair})
	assert.ErrorIs(t, err, ErrNotEligible)

	_, err = engine.Admit(ctx, AdmitRequest{CrewID: "crew-gone", Acuity: models.AcuityFair})
	assert.ErrorIs(t, err, ErrNotEligible)

	_, err = engine.Admit(ctx, AdmitRequest{CrewID: "nobody", Acuity: models.AcuityFair})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.Acuity(7)})
	assert.Error(t, err)

	_, err = engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.AcuityFair})
	require.NoError(t, err)
	_, err = engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.AcuityCritical})
	assert.ErrorIs(t, err, ErrAlreadyAdmitted)

	n, err := store.CountOpenVisits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAdmitIfRoom(t *testing.T) {
	ctx := context.Background()
	store := newRoster(t, "crew-1", "crew-2")

	missed := NewEngine(store, DefaultTables(), fixedDraws{f: 0.9}, zap.NewNop())
	v, err := missed.AdmitIfRoom(ctx, 3, 0.05)
	require.NoError(t, err)
	assert.Nil(t, v)

	engine := NewEngine(store, DefaultTables(), fixedDraws{f: 0.01}, zap.NewNop())
	v, err = engine.AdmitIfRoom(ctx, 1, 0.05)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "crew-1", v.CrewID)
	assert.Equal(t, "bed-1", v.Bed)
	assert.Equal(t, models.AcuityCritical, v.Acuity)
	assert.NotEmpty(t, v.Complaint)

	// capacity reached
	v, err = engine.AdmitIfRoom(ctx, 1, 0.05)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = engine.AdmitIfRoom(ctx, 3, 0.05)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "crew-2", v.CrewID)
	assert.Equal(t, "bed-2", v.Bed)
}

func TestAdmitIfRoom_ReusesFreedBed(t *testing.T) {
	ctx := context.Background()
	store := newRoster(t, "crew-1", "crew-2", "crew-3")
	engine := NewEngine(store, DefaultTables(), fixedDraws{f: 0.01}, zap.NewNop())

	first, err := engine.AdmitIfRoom(ctx, 3, 0.05)
	require.NoError(t, err)
	second, err := engine.AdmitIfRoom(ctx, 3, 0.05)
	require.NoError(t, err)
	require.Equal(t, "bed-1", first.Bed)
	require.Equal(t, "bed-2", second.Bed)

	// discharge the bed-1 occupant outside the engine
	ok, err := store.CompareAndSetAcuity(ctx, first.VisitID, first.Acuity, models.AcuityGood)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.Discharge(ctx, first.VisitID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	third, err := engine.AdmitIfRoom(ctx, 3, 0.05)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "bed-1", third.Bed, "lowest free bed, not one still occupied")

	fourth, err := engine.AdmitIfRoom(ctx, 3, 0.05)
	require.NoError(t, err)
	require.NotNil(t, fourth)
	assert.Equal(t, "bed-3", fourth.Bed)
}

func TestTransitionHook_MayCloseItselfWhileRunning(t *testing.T) {
	ctx := context.Background()
	store := newRoster(t, "crew-1", "crew-2")
	engine := NewEngine(store, DefaultTables(), fixedDraws{}, zap.NewNop())

	log := &transitionLog{}
	var hook *TransitionHook
	var once sync.Once
	hook = engine.OnTransition(func(tr models.Transition) {
		log.add(tr)
		once.Do(func() {
			hook.Close()
			engine.OnTransition(func(models.Transition) {})
		})
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.AcuityFair})
		assert.NoError(t, err)
		_, err = engine.Admit(ctx, AdmitRequest{CrewID: "crew-2", Acuity: models.AcuityFair})
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hook registering from inside a hook deadlocked")
	}
	assert.Len(t, log.all, 1)
}

func TestTransitionHook_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newRoster(t, "crew-1")
	engine := NewEngine(store, DefaultTables(), fixedDraws{}, zap.NewNop())

	log := &transitionLog{}
	hook := engine.OnTransition(log.add)
	hook.Close()
	hook.Close()

	_, err := engine.Admit(ctx, AdmitRequest{CrewID: "crew-1", Acuity: models.AcuityFair})
	require.NoError(t, err)
	assert.Empty(t, log.all)
}
