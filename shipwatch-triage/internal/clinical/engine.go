package clinical

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"shipwatch/shipwatch-triage/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyAdmitted crew member already has an open visit
	ErrAlreadyAdmitted = errors.New("crew member already has an open visit")
	// ErrNotEligible crew member is off duty or inactive
	ErrNotEligible = errors.New("crew member is not eligible for admission")
)

// Store storage the engine reads open visits from and commits mutations to.
// Mutations are compare-and-set; false means someone else moved the visit.
type Store interface {
	ListOpenVisits(ctx context.Context) ([]models.TriageVisit, error)
	ListActiveCrew(ctx context.Context) ([]models.Crew, error)
	GetCrew(ctx context.Context, crewID string) (*models.Crew, error)
	GetVisit(ctx context.Context, visitID string) (*models.TriageVisit, error)
	HasOpenVisit(ctx context.Context, crewID string) (bool, error)
	CountOpenVisits(ctx context.Context) (int, error)
	CreateVisit(ctx context.Context, visit *models.TriageVisit) error
	CompareAndSetAcuity(ctx context.Context, visitID string, expected, next models.Acuity) (bool, error)
	TransitionState(ctx context.Context, visitID string, from, to models.VisitState) (bool, error)
	Discharge(ctx context.Context, visitID string, endedAt time.Time) (bool, error)
}

// TickReport outcome of one progression pass
type TickReport struct {
	Tick        uint64
	Skipped     bool // previous tick still running
	ReadFailed  bool // open visits could not be read; retried next tick
	Open        int
	Advanced    int
	Transitions int
	Discharged  int
	Reseeded    int
	Dropped     int
	Conflicts   int
	Failed      int
}

// AdmitRequest explicit admission, used by operators and AdmitIfRoom
type AdmitRequest struct {
	CrewID     string
	Acuity     models.Acuity
	Complaint  string
	Bed        string
	AssignedTo string
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithCASRetries bounded re-read-and-retry of an acuity step within one tick.
// Zero keeps conflicts for the next tick.
func WithCASRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.casRetries = n
		}
	}
}

// WithAdmissionWeights relative odds of initial conditions for AdmitIfRoom
func WithAdmissionWeights(w map[models.Acuity]int) Option {
	return func(e *Engine) {
		if len(w) > 0 {
			e.weights = w
		}
	}
}

// Engine clinical state machine over every open visit. One instance owns its
// plans; ticks never overlap.
type Engine struct {
	store      Store
	tables     Tables
	plans      *PlanBook
	draws      Draws
	weights    map[models.Acuity]int
	casRetries int
	now        func() time.Time
	logger     *zap.Logger

	running atomic.Bool
	ticks   atomic.Uint64

	hookMu sync.RWMutex
	hooks  map[uint64]func(models.Transition)
	hookID uint64
}

// NewEngine creates the state machine
func NewEngine(store Store, tables Tables, draws Draws, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		tables:  tables,
		plans:   NewPlanBook(),
		draws:   draws,
		weights: DefaultAdmissionWeights(),
		now:     time.Now,
		logger:  logger,
		hooks:   make(map[uint64]func(models.Transition)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Plans plan book, read-only use outside the engine
func (e *Engine) Plans() *PlanBook { return e.plans }

// Tables budgets in use
func (e *Engine) Tables() Tables { return e.tables }

// TransitionHook handle returned by OnTransition
type TransitionHook struct {
	once   sync.Once
	cancel func()
}

// Close unregisters the hook; safe to call more than once
func (h *TransitionHook) Close() {
	h.once.Do(h.cancel)
}

// OnTransition registers fn for every committed transition. fn runs on the
// tick goroutine and must not block.
func (e *Engine) OnTransition(fn func(models.Transition)) *TransitionHook {
	e.hookMu.Lock()
	e.hookID++
	id := e.hookID
	e.hooks[id] = fn
	e.hookMu.Unlock()
	return &TransitionHook{cancel: func() {
		e.hookMu.Lock()
		delete(e.hooks, id)
		e.hookMu.Unlock()
	}}
}

// emit calls hooks outside hookMu so a hook may register or close hooks
func (e *Engine) emit(t models.Transition) {
	e.hookMu.RLock()
	hooks := make([]func(models.Transition), 0, len(e.hooks))
	for _, fn := range e.hooks {
		hooks = append(hooks, fn)
	}
	e.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(t)
	}
}

// Forget drops the plan of a visit closed outside the engine
func (e *Engine) Forget(visitID string) {
	if e.plans.drop(visitID) {
		e.logger.Debug("Dropped plan for externally closed visit", zap.String("visit_id", visitID))
	}
}

// AdvanceOneTick runs one progression pass over all open visits. Storage
// failures are logged and left for the next tick; a tick already in flight
// makes this call a no-op.
func (e *Engine) AdvanceOneTick(ctx context.Context) TickReport {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Warn("Previous tick still running, skipping")
		return TickReport{Skipped: true}
	}
	defer e.running.Store(false)

	report := TickReport{Tick: e.ticks.Add(1)}

	visits, err := e.store.ListOpenVisits(ctx)
	if err != nil {
		e.logger.Error("Failed to read open visits", zap.Uint64("tick", report.Tick), zap.Error(err))
		report.ReadFailed = true
		return report
	}
	report.Open = len(visits)

	open := make(map[string]struct{}, len(visits))
	for _, v := range visits {
		open[v.VisitID] = struct{}{}
	}
	for _, id := range e.plans.retain(open) {
		report.Dropped++
		e.logger.Debug("Visit no longer open, plan dropped", zap.String("visit_id", id))
	}

	for i := range visits {
		visit := visits[i]
		if err := e.safeAdvance(ctx, report.Tick, &visit, &report); err != nil {
			report.Failed++
			e.logger.Error("Failed to advance visit",
				zap.String("visit_id", visit.VisitID),
				zap.String("crew_id", visit.CrewID),
				zap.Uint64("tick", report.Tick),
				zap.Error(err),
			)
		}
	}

	if report.Transitions > 0 || report.Failed > 0 {
		e.logger.Info("Tick completed",
			zap.Uint64("tick", report.Tick),
			zap.Int("open", report.Open),
			zap.Int("transitions", report.Transitions),
			zap.Int("discharged", report.Discharged),
			zap.Int("conflicts", report.Conflicts),
			zap.Int("failed", report.Failed),
		)
	}
	return report
}

func (e *Engine) safeAdvance(ctx context.Context, tick uint64, v *models.TriageVisit, r *TickReport) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while advancing visit: %v", p)
		}
	}()
	return e.advanceVisit(ctx, tick, v, r)
}

func (e *Engine) advanceVisit(ctx context.Context, tick uint64, v *models.TriageVisit, r *TickReport) error {
	if !v.State.Valid() || v.State == models.VisitDischarged ||
		(v.State == models.VisitRecovering && v.Acuity != models.AcuityGood) {
		if e.plans.drop(v.VisitID) {
			r.Dropped++
		}
		e.logger.Debug("Visit in unexpected state, leaving it alone",
			zap.String("visit_id", v.VisitID),
			zap.String("state", string(v.State)),
			zap.Int("acuity", int(v.Acuity)),
		)
		return nil
	}
	if !v.Acuity.Valid() {
		return fmt.Errorf("stored acuity %d out of range", int(v.Acuity))
	}

	plan, ok := e.plans.get(v.VisitID)
	if !ok {
		// Restart path: the true initial condition is unknown, current acuity
		// stands in for it.
		plan = newPlan(v.Acuity, e.tables)
		if v.State == models.VisitRecovering {
			plan.startObservation()
		}
		e.plans.put(v.VisitID, plan)
		r.Reseeded++
		e.logger.Info("Re-seeded plan from stored acuity",
			zap.String("visit_id", v.VisitID),
			zap.String("condition", v.Acuity.String()),
		)
	} else if plan.Stage != v.Acuity {
		e.logger.Info("Acuity changed outside the engine, resyncing plan",
			zap.String("visit_id", v.VisitID),
			zap.String("plan_stage", plan.Stage.String()),
			zap.String("stored", v.Acuity.String()),
		)
		plan.enterStage(v.Acuity, e.tables)
	}

	if v.State == models.VisitAdmitted {
		moved, err := e.store.TransitionState(ctx, v.VisitID, models.VisitAdmitted, models.VisitUnderTreatment)
		if err != nil {
			return fmt.Errorf("failed to start treatment: %w", err)
		}
		if !moved {
			r.Conflicts++
			return nil
		}
		e.record(r, tick, v, models.VisitUnderTreatment, v.Acuity)
		v.State = models.VisitUnderTreatment
	}

	r.Advanced++
	plan.consumeTick()

	if plan.Stage > models.AcuityGood {
		plan.StageTicksRemaining--
		if plan.StageTicksRemaining > 0 {
			return nil
		}
		return e.improve(ctx, tick, v, plan, r)
	}

	if v.State != models.VisitRecovering {
		return e.enterRecovery(ctx, tick, v, plan, r)
	}

	observed := plan.accrueObservation()
	if plan.TotalTicksRemaining > 0 || observed < e.tables.ObservationFloorTicks {
		return nil
	}
	return e.discharge(ctx, tick, v, r)
}

func (e *Engine) improve(ctx context.Context, tick uint64, v *models.TriageVisit, plan *Plan, r *TickReport) error {
	from := plan.Stage
	next := from.Improved()

	moved, err := e.compareAndSetAcuity(ctx, v, from, next)
	if err != nil {
		return fmt.Errorf("failed to improve acuity: %w", err)
	}
	if !moved {
		// Stage budget stays exhausted, the step is retried next tick.
		r.Conflicts++
		e.logger.Debug("Acuity changed concurrently, skipping step",
			zap.String("visit_id", v.VisitID),
			zap.String("expected", from.String()),
		)
		return nil
	}

	plan.enterStage(next, e.tables)
	e.record(r, tick, v, v.State, next)
	v.Acuity = next

	if next == models.AcuityGood {
		return e.enterRecovery(ctx, tick, v, plan, r)
	}
	return nil
}

func (e *Engine) compareAndSetAcuity(ctx context.Context, v *models.TriageVisit, expected, next models.Acuity) (bool, error) {
	for attempt := 0; ; attempt++ {
		moved, err := e.store.CompareAndSetAcuity(ctx, v.VisitID, expected, next)
		if err != nil || moved || attempt >= e.casRetries {
			return moved, err
		}
		current, err := e.store.GetVisit(ctx, v.VisitID)
		if err != nil {
			return false, err
		}
		if !current.Open() || current.Acuity != expected || current.State != v.State {
			return false, nil
		}
	}
}

func (e *Engine) enterRecovery(ctx context.Context, tick uint64, v *models.TriageVisit, plan *Plan, r *TickReport) error {
	if v.State == models.VisitRecovering {
		return nil
	}
	moved, err := e.store.TransitionState(ctx, v.VisitID, v.State, models.VisitRecovering)
	if err != nil {
		return fmt.Errorf("failed to enter recovery: %w", err)
	}
	if !moved {
		r.Conflicts++
		return nil
	}
	plan.startObservation()
	e.record(r, tick, v, models.VisitRecovering, v.Acuity)
	v.State = models.VisitRecovering
	return nil
}

func (e *Engine) discharge(ctx context.Context, tick uint64, v *models.TriageVisit, r *TickReport) error {
	endedAt := e.now()
	done, err := e.store.Discharge(ctx, v.VisitID, endedAt)
	if err != nil {
		return fmt.Errorf("failed to discharge: %w", err)
	}
	if !done {
		// acuity no longer good or the visit was closed elsewhere
		r.Conflicts++
		return nil
	}
	e.plans.drop(v.VisitID)
	r.Discharged++
	e.record(r, tick, v, models.VisitDischarged, v.Acuity)
	v.State = models.VisitDischarged
	v.EndedAt = &endedAt

	e.logger.Info("Visit discharged",
		zap.String("visit_id", v.VisitID),
		zap.String("crew_id", v.CrewID),
		zap.Uint64("tick", tick),
	)
	return nil
}

func (e *Engine) record(r *TickReport, tick uint64, v *models.TriageVisit, to models.VisitState, acuity models.Acuity) {
	r.Transitions++
	e.emit(models.Transition{
		VisitID:    v.VisitID,
		CrewID:     v.CrewID,
		FromState:  v.State,
		ToState:    to,
		FromAcuity: v.Acuity,
		ToAcuity:   acuity,
		Tick:       tick,
		At:         e.now(),
	})
}

// Admit opens a visit for an eligible crew member. Eligibility and the
// one-open-visit rule are checked before anything is written.
func (e *Engine) Admit(ctx context.Context, req AdmitRequest) (*models.TriageVisit, error) {
	if !req.Acuity.Valid() {
		return nil, fmt.Errorf("invalid acuity %d", int(req.Acuity))
	}

	crew, err := e.store.GetCrew(ctx, req.CrewID)
	if err != nil {
		return nil, fmt.Errorf("failed to get crew %s: %w", req.CrewID, err)
	}
	if !crew.EligibleForAdmission() {
		return nil, ErrNotEligible
	}

	hasOpen, err := e.store.HasOpenVisit(ctx, req.CrewID)
	if err != nil {
		return nil, fmt.Errorf("failed to check open visits: %w", err)
	}
	if hasOpen {
		return nil, ErrAlreadyAdmitted
	}

	visit := &models.TriageVisit{
		VisitID:    uuid.NewString(),
		CrewID:     req.CrewID,
		State:      models.VisitAdmitted,
		Acuity:     req.Acuity,
		Complaint:  req.Complaint,
		Bed:        req.Bed,
		AssignedTo: req.AssignedTo,
		StartedAt:  e.now(),
	}
	if err := e.store.CreateVisit(ctx, visit); err != nil {
		if errors.Is(err, models.ErrOpenVisitExists) {
			return nil, ErrAlreadyAdmitted
		}
		return nil, fmt.Errorf("failed to create visit: %w", err)
	}

	e.plans.put(visit.VisitID, newPlan(visit.Acuity, e.tables))
	e.emit(models.Transition{
		VisitID:  visit.VisitID,
		CrewID:   visit.CrewID,
		ToState:  models.VisitAdmitted,
		ToAcuity: visit.Acuity,
		Tick:     e.ticks.Load(),
		At:       visit.StartedAt,
	})

	e.logger.Info("Crew member admitted",
		zap.String("visit_id", visit.VisitID),
		zap.String("crew_id", visit.CrewID),
		zap.String("condition", visit.Acuity.String()),
	)
	return visit, nil
}

// AdmitIfRoom admits one random eligible crew member when the admit draw
// succeeds and fewer than maxConcurrent visits are open. Returns nil when
// nobody was admitted.
func (e *Engine) AdmitIfRoom(ctx context.Context, maxConcurrent int, admitChance float64) (*models.TriageVisit, error) {
	if e.draws.Float64() >= admitChance {
		return nil, nil
	}

	open, err := e.store.ListOpenVisits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read open visits: %w", err)
	}
	if len(open) >= maxConcurrent {
		return nil, nil
	}
	inVisit := make(map[string]struct{}, len(open))
	for _, v := range open {
		inVisit[v.CrewID] = struct{}{}
	}

	crew, err := e.store.ListActiveCrew(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read crew: %w", err)
	}
	candidates := make([]models.Crew, 0, len(crew))
	for _, c := range crew {
		if _, busy := inVisit[c.CrewID]; busy || !c.EligibleForAdmission() {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	pick := candidates[e.draws.Intn(len(candidates))]
	return e.Admit(ctx, AdmitRequest{
		CrewID:    pick.CrewID,
		Acuity:    drawAcuity(e.draws, e.weights),
		Complaint: drawComplaint(e.draws),
		Bed:       freeBed(open),
	})
}

// freeBed lowest numbered bed no open visit occupies
func freeBed(open []models.TriageVisit) string {
	taken := make(map[string]struct{}, len(open))
	for _, v := range open {
		taken[v.Bed] = struct{}{}
	}
	for n := 1; ; n++ {
		bed := fmt.Sprintf("bed-%d", n)
		if _, ok := taken[bed]; !ok {
			return bed
		}
	}
}
