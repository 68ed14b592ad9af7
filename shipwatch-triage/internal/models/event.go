package models

import (
	"encoding/json"
	"time"
)

// Notification topics published by committed store mutations
const (
	TopicTriageChanged  = "triage_changed"
	TopicCrewChanged    = "crew_changed"
	TopicMissionChanged = "mission_changed"
)

// StoreTopics every topic the bridge must listen on
var StoreTopics = []string{TopicTriageChanged, TopicCrewChanged, TopicMissionChanged}

// Fan-out routing keys
const (
	RouteAllCrew         = "crew:all"
	RouteTriage          = "triage"
	RoutePresenceSummary = "presence:summary"
)

// CrewRoute per-crew routing key
func CrewRoute(crewID string) string { return "crew:" + crewID }

// MissionRoute per-mission routing key
func MissionRoute(missionID string) string { return "mission:" + missionID }

// Event kinds
const (
	KindTriage   = "triage"
	KindCrew     = "crew"
	KindMission  = "mission"
	KindPresence = "presence"
	KindSummary  = "summary"
)

// ChangeNotice payload written by the store on commit
type ChangeNotice struct {
	Op        string     `json:"op"` // insert | update | discharge
	VisitID   string     `json:"visit_id,omitempty"`
	CrewID    string     `json:"crew_id,omitempty"`
	MissionID string     `json:"mission_id,omitempty"`
	State     VisitState `json:"state,omitempty"`
	Acuity    Acuity     `json:"acuity,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	TS        time.Time  `json:"ts"`
}

// Event normalized notification forwarded to the fan-out
type Event struct {
	Topic      string          `json:"topic"`
	Kind       string          `json:"kind"`
	CrewID     string          `json:"crew_id,omitempty"`
	VisitID    string          `json:"visit_id,omitempty"`
	MissionID  string          `json:"mission_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}
