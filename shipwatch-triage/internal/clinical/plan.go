package clinical

import (
	"sync"

	"shipwatch/shipwatch-triage/internal/models"
)

// Plan in-memory progression budget for one open visit. Always rebuildable
// from the stored acuity.
type Plan struct {
	InitialCondition        models.Acuity
	TotalTicksRemaining     int
	Stage                   models.Acuity
	StageTicksRemaining     int
	ObservationTicksAccrued *int // nil until the visit is recovering
}

func newPlan(initial models.Acuity, tables Tables) *Plan {
	return &Plan{
		InitialCondition:    initial,
		TotalTicksRemaining: tables.MinimumStay(initial),
		Stage:               initial,
		StageTicksRemaining: tables.Dwell(initial),
	}
}

func (p *Plan) consumeTick() {
	if p.TotalTicksRemaining > 0 {
		p.TotalTicksRemaining--
	}
}

func (p *Plan) enterStage(stage models.Acuity, tables Tables) {
	p.Stage = stage
	p.StageTicksRemaining = tables.Dwell(stage)
}

func (p *Plan) startObservation() {
	zero := 0
	p.ObservationTicksAccrued = &zero
}

func (p *Plan) accrueObservation() int {
	if p.ObservationTicksAccrued == nil {
		p.startObservation()
	}
	*p.ObservationTicksAccrued++
	return *p.ObservationTicksAccrued
}

// PlanBook plans keyed by visit id, owned by one Engine
type PlanBook struct {
	mu    sync.Mutex
	plans map[string]*Plan
}

func NewPlanBook() *PlanBook {
	return &PlanBook{plans: make(map[string]*Plan)}
}

func (b *PlanBook) get(visitID string) (*Plan, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.plans[visitID]
	return p, ok
}

func (b *PlanBook) put(visitID string, p *Plan) {
	b.mu.Lock()
	b.plans[visitID] = p
	b.mu.Unlock()
}

func (b *PlanBook) drop(visitID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.plans[visitID]
	delete(b.plans, visitID)
	return ok
}

// retain drops every plan whose visit is not in open, returning the dropped ids
func (b *PlanBook) retain(open map[string]struct{}) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var dropped []string
	for id := range b.plans {
		if _, ok := open[id]; !ok {
			delete(b.plans, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

// Snapshot copy of a plan, false when none is held
func (b *PlanBook) Snapshot(visitID string) (Plan, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.plans[visitID]
	if !ok {
		return Plan{}, false
	}
	cp := *p
	if p.ObservationTicksAccrued != nil {
		obs := *p.ObservationTicksAccrued
		cp.ObservationTicksAccrued = &obs
	}
	return cp, true
}

// Len number of plans held
func (b *PlanBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.plans)
}
