package clinical

import "shipwatch/shipwatch-triage/internal/models"

// Draws source of randomness supplied by the workload driver.
// *rand.Rand satisfies it.
type Draws interface {
	Float64() float64
	Intn(n int) int
}

// DefaultAdmissionWeights relative odds of each initial condition
func DefaultAdmissionWeights() map[models.Acuity]int {
	return map[models.Acuity]int{
		models.AcuityCritical: 1,
		models.AcuitySerious:  2,
		models.AcuityStable:   3,
		models.AcuityFair:     3,
		models.AcuityGood:     1,
	}
}

var complaints = []string{
	"laceration",
	"radiation exposure",
	"decompression sickness",
	"fracture",
	"fever",
	"concussion",
	"burn",
}

// drawAcuity weighted pick, worst condition first so equal weights stay stable
func drawAcuity(d Draws, weights map[models.Acuity]int) models.Acuity {
	total := 0
	for _, a := range models.AllAcuities {
		if w := weights[a]; w > 0 {
			total += w
		}
	}
	if total == 0 {
		return models.AcuityStable
	}
	n := d.Intn(total)
	for _, a := range models.AllAcuities {
		w := weights[a]
		if w <= 0 {
			continue
		}
		if n < w {
			return a
		}
		n -= w
	}
	return models.AcuityStable
}

func drawComplaint(d Draws) string {
	return complaints[d.Intn(len(complaints))]
}
