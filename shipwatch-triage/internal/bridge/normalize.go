package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shipwatch/shipwatch-triage/internal/models"
)

var errMalformed = errors.New("malformed notification")

var topicKinds = map[string]string{
	models.TopicTriageChanged:  models.KindTriage,
	models.TopicCrewChanged:    models.KindCrew,
	models.TopicMissionChanged: models.KindMission,
}

// Normalize turns a raw (topic, payload) pair into an Event. Unknown topics,
// non-object payloads and notices missing their key field are rejected.
func Normalize(topic string, payload []byte, receivedAt time.Time) (models.Event, error) {
	kind, ok := topicKinds[topic]
	if !ok {
		return models.Event{}, fmt.Errorf("%w: unknown topic %q", errMalformed, topic)
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return models.Event{}, fmt.Errorf("%w: payload is not a JSON object", errMalformed)
	}

	var notice models.ChangeNotice
	if err := json.Unmarshal(trimmed, &notice); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", errMalformed, err)
	}

	switch topic {
	case models.TopicTriageChanged:
		if notice.VisitID == "" || notice.CrewID == "" {
			return models.Event{}, fmt.Errorf("%w: triage notice without visit_id or crew_id", errMalformed)
		}
	case models.TopicCrewChanged:
		if notice.CrewID == "" {
			return models.Event{}, fmt.Errorf("%w: crew notice without crew_id", errMalformed)
		}
	case models.TopicMissionChanged:
		if notice.MissionID == "" {
			return models.Event{}, fmt.Errorf("%w: mission notice without mission_id", errMalformed)
		}
	}

	return models.Event{
		Topic:      topic,
		Kind:       kind,
		CrewID:     notice.CrewID,
		VisitID:    notice.VisitID,
		MissionID:  notice.MissionID,
		Payload:    json.RawMessage(append([]byte(nil), trimmed...)),
		ReceivedAt: receivedAt,
	}, nil
}

// IsMalformed reports whether err came from Normalize rejecting input
func IsMalformed(err error) bool {
	return errors.Is(err, errMalformed)
}
