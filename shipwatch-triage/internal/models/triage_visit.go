package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// VisitState triage visit lifecycle state
type VisitState string

const (
	VisitAdmitted       VisitState = "admitted"
	VisitUnderTreatment VisitState = "under_treatment"
	VisitRecovering     VisitState = "recovering"
	VisitDischarged     VisitState = "discharged"
)

// Valid reports whether s is one of the four known states
func (s VisitState) Valid() bool {
	switch s {
	case VisitAdmitted, VisitUnderTreatment, VisitRecovering, VisitDischarged:
		return true
	}
	return false
}

// CountsAsTreatment admitted and under_treatment override presence; recovering does not
func (s VisitState) CountsAsTreatment() bool {
	return s == VisitAdmitted || s == VisitUnderTreatment
}

// Acuity clinical severity, 1=good ... 5=critical. Improvement means decreasing.
type Acuity int

const (
	AcuityGood     Acuity = 1
	AcuityFair     Acuity = 2
	AcuityStable   Acuity = 3
	AcuitySerious  Acuity = 4
	AcuityCritical Acuity = 5
)

// AllAcuities worst first
var AllAcuities = []Acuity{AcuityCritical, AcuitySerious, AcuityStable, AcuityFair, AcuityGood}

var acuityNames = map[Acuity]string{
	AcuityGood:     "good",
	AcuityFair:     "fair",
	AcuityStable:   "stable",
	AcuitySerious:  "serious",
	AcuityCritical: "critical",
}

func (a Acuity) String() string {
	if name, ok := acuityNames[a]; ok {
		return name
	}
	return fmt.Sprintf("acuity(%d)", int(a))
}

// Valid 1..5
func (a Acuity) Valid() bool {
	return a >= AcuityGood && a <= AcuityCritical
}

// Improved one step better, never below good
func (a Acuity) Improved() Acuity {
	if a <= AcuityGood {
		return AcuityGood
	}
	return a - 1
}

// ParseAcuity accepts a condition name ("critical") or a digit ("5")
func ParseAcuity(s string) (Acuity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range acuityNames {
		if name == s {
			return a, nil
		}
	}
	if len(s) == 1 && s[0] >= '1' && s[0] <= '5' {
		return Acuity(s[0] - '0'), nil
	}
	return 0, fmt.Errorf("unknown acuity %q", s)
}

// TriageVisit one medical episode of one crew member
type TriageVisit struct {
	VisitID    string     `json:"visit_id"`
	CrewID     string     `json:"crew_id"`
	State      VisitState `json:"state"`
	Acuity     Acuity     `json:"acuity"`
	Complaint  string     `json:"complaint"`
	Bed        string     `json:"bed"`
	AssignedTo string     `json:"assigned_to"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Open not yet ended
func (v *TriageVisit) Open() bool {
	return v.EndedAt == nil
}

// Transition state-change record emitted after a committed visit mutation
type Transition struct {
	VisitID    string     `json:"visit_id"`
	CrewID     string     `json:"crew_id"`
	FromState  VisitState `json:"from_state"`
	ToState    VisitState `json:"to_state"`
	FromAcuity Acuity     `json:"from_acuity"`
	ToAcuity   Acuity     `json:"to_acuity"`
	Tick       uint64     `json:"tick"`
	At         time.Time  `json:"at"`
}

var (
	// ErrOpenVisitExists a second open visit for the same crew member was refused
	ErrOpenVisitExists = errors.New("open visit exists for crew member")
	// ErrNotFound crew member or visit does not exist
	ErrNotFound = errors.New("not found")
)
