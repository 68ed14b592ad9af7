package clinical

import (
	"fmt"

	"shipwatch/shipwatch-triage/internal/models"
)

// Tables dwell and stay budgets, all in ticks.
type Tables struct {
	// DwellTicks minimum ticks a visit stays at a stage before it may improve
	DwellTicks map[models.Acuity]int
	// MinimumStayTicks total stay floor keyed by the condition at admission
	MinimumStayTicks map[models.Acuity]int
	// ObservationFloorTicks ticks at good (recovering) before discharge
	ObservationFloorTicks int
}

// DefaultTables in ticks, assuming one tick per dwell hour
func DefaultTables() Tables {
	return Tables{
		DwellTicks: map[models.Acuity]int{
			models.AcuityCritical: 6,
			models.AcuitySerious:  4,
			models.AcuityStable:   3,
			models.AcuityFair:     2,
			models.AcuityGood:     0,
		},
		MinimumStayTicks: map[models.Acuity]int{
			models.AcuityCritical: 24,
			models.AcuitySerious:  24,
			models.AcuityStable:   12,
			models.AcuityFair:     6,
			models.AcuityGood:     2,
		},
		ObservationFloorTicks: 4,
	}
}

// Dwell ticks for stage; missing entries mean no dwell
func (t Tables) Dwell(stage models.Acuity) int {
	return t.DwellTicks[stage]
}

// MinimumStay floor for an initial condition
func (t Tables) MinimumStay(initial models.Acuity) int {
	return t.MinimumStayTicks[initial]
}

// TicksToGood sum of dwell budgets from initial down to fair
func (t Tables) TicksToGood(initial models.Acuity) int {
	total := 0
	for a := initial; a > models.AcuityGood; a-- {
		d := t.Dwell(a)
		if d < 1 {
			d = 1
		}
		total += d
	}
	return total
}

// RecoveryTick tick (1-based, counted from admission) at which the visit
// reaches good and becomes recovering when nothing interferes.
func (t Tables) RecoveryTick(initial models.Acuity) int {
	if g := t.TicksToGood(initial); g > 0 {
		return g
	}
	return 1
}

// DischargeTick first tick at which a visit admitted at initial is discharged
// when nothing interferes. Observation accrues from the tick after recovery.
func (t Tables) DischargeTick(initial models.Acuity) int {
	floor := t.ObservationFloorTicks
	if floor < 1 {
		floor = 1
	}
	tick := t.RecoveryTick(initial) + floor
	if stay := t.MinimumStay(initial); stay > tick {
		tick = stay
	}
	return tick
}

// Validate rejects negative budgets and unknown stages
func (t Tables) Validate() error {
	for a, v := range t.DwellTicks {
		if !a.Valid() {
			return fmt.Errorf("dwell table has unknown stage %d", int(a))
		}
		if v < 0 {
			return fmt.Errorf("dwell ticks for %s must not be negative", a)
		}
	}
	for a, v := range t.MinimumStayTicks {
		if !a.Valid() {
			return fmt.Errorf("minimum stay table has unknown condition %d", int(a))
		}
		if v < 0 {
			return fmt.Errorf("minimum stay ticks for %s must not be negative", a)
		}
	}
	if t.ObservationFloorTicks < 0 {
		return fmt.Errorf("observation floor must not be negative")
	}
	return nil
}
