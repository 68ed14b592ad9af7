package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shipwatch/shipwatch-triage/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// unique_violation, raised by the partial unique index on open visits
const pgUniqueViolation = "23505"

// PostgresTriageRepository TriageStore on Postgres. Mutations send pg_notify
// inside their transaction so listeners only hear about committed rows.
type PostgresTriageRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresTriageRepository creates the repository
func NewPostgresTriageRepository(db *sql.DB, logger *zap.Logger) *PostgresTriageRepository {
	return &PostgresTriageRepository{db: db, logger: logger}
}

var _ TriageStore = (*PostgresTriageRepository)(nil)

const visitColumns = `visit_id::text, crew_id::text, state, acuity, complaint, bed, assigned_to, started_at, ended_at`

func scanVisit(row interface{ Scan(...any) error }) (models.TriageVisit, error) {
	var v models.TriageVisit
	var state string
	var acuity int
	var complaint, bed, assignedTo sql.NullString
	var endedAt sql.NullTime

	if err := row.Scan(&v.VisitID, &v.CrewID, &state, &acuity, &complaint, &bed, &assignedTo, &v.StartedAt, &endedAt); err != nil {
		return v, err
	}
	v.State = models.VisitState(state)
	v.Acuity = models.Acuity(acuity)
	v.Complaint = complaint.String
	v.Bed = bed.String
	v.AssignedTo = assignedTo.String
	if endedAt.Valid {
		t := endedAt.Time
		v.EndedAt = &t
	}
	return v, nil
}

const crewColumns = `crew_id::text, name, role, on_duty, busy, deck_zone, active, mission_id::text, updated_at`

func scanCrew(row interface{ Scan(...any) error }) (models.Crew, error) {
	var c models.Crew
	var deckZone, missionID sql.NullString
	if err := row.Scan(&c.CrewID, &c.Name, &c.Role, &c.OnDuty, &c.Busy, &deckZone, &c.Active, &missionID, &c.UpdatedAt); err != nil {
		return c, err
	}
	c.DeckZone = deckZone.String
	if missionID.Valid {
		m := missionID.String
		c.MissionID = &m
	}
	return c, nil
}

// ListOpenVisits visits without ended_at
func (r *PostgresTriageRepository) ListOpenVisits(ctx context.Context) ([]models.TriageVisit, error) {
	query := `SELECT ` + visitColumns + `
		FROM triage_visits
		WHERE ended_at IS NULL
		ORDER BY started_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open visits: %w", err)
	}
	defer rows.Close()

	var visits []models.TriageVisit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate visits: %w", err)
	}
	return visits, nil
}

// ListActiveCrew crew with active = TRUE
func (r *PostgresTriageRepository) ListActiveCrew(ctx context.Context) ([]models.Crew, error) {
	query := `SELECT ` + crewColumns + `
		FROM crew
		WHERE active = TRUE
		ORDER BY crew_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active crew: %w", err)
	}
	defer rows.Close()

	var crew []models.Crew
	for rows.Next() {
		c, err := scanCrew(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crew: %w", err)
		}
		crew = append(crew, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate crew: %w", err)
	}
	return crew, nil
}

// GetCrew one crew member
func (r *PostgresTriageRepository) GetCrew(ctx context.Context, crewID string) (*models.Crew, error) {
	query := `SELECT ` + crewColumns + ` FROM crew WHERE crew_id = $1`

	c, err := scanCrew(r.db.QueryRowContext(ctx, query, crewID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("crew %s: %w", crewID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get crew: %w", err)
	}
	return &c, nil
}

// GetVisit one visit, open or not
func (r *PostgresTriageRepository) GetVisit(ctx context.Context, visitID string) (*models.TriageVisit, error) {
	query := `SELECT ` + visitColumns + ` FROM triage_visits WHERE visit_id = $1`

	v, err := scanVisit(r.db.QueryRowContext(ctx, query, visitID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("visit %s: %w", visitID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get visit: %w", err)
	}
	return &v, nil
}

// HasOpenVisit whether crewID has any open visit
func (r *PostgresTriageRepository) HasOpenVisit(ctx context.Context, crewID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM triage_visits WHERE crew_id = $1 AND ended_at IS NULL)`,
		crewID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check open visit: %w", err)
	}
	return exists, nil
}

// CountOpenVisits number of open visits
func (r *PostgresTriageRepository) CountOpenVisits(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM triage_visits WHERE ended_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count open visits: %w", err)
	}
	return n, nil
}

// ActiveTreatmentCrewIDs crew whose open visit is admitted or under_treatment
func (r *PostgresTriageRepository) ActiveTreatmentCrewIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT crew_id::text
		FROM triage_visits
		WHERE ended_at IS NULL
		  AND state IN ('admitted', 'under_treatment')`)
	if err != nil {
		return nil, fmt.Errorf("failed to query treatment crew: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan crew id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// HasActiveTreatment single-crew form of ActiveTreatmentCrewIDs
func (r *PostgresTriageRepository) HasActiveTreatment(ctx context.Context, crewID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM triage_visits
			WHERE crew_id = $1
			  AND ended_at IS NULL
			  AND state IN ('admitted', 'under_treatment')
		)`, crewID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active treatment: %w", err)
	}
	return exists, nil
}

// CreateVisit inserts only when the crew member has no open visit
func (r *PostgresTriageRepository) CreateVisit(ctx context.Context, visit *models.TriageVisit) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO triage_visits (visit_id, crew_id, state, acuity, complaint, bed, assigned_to, started_at)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8
			WHERE NOT EXISTS (
				SELECT 1 FROM triage_visits WHERE crew_id = $2 AND ended_at IS NULL
			)`,
			visit.VisitID, visit.CrewID, string(visit.State), int(visit.Acuity),
			visit.Complaint, visit.Bed, visit.AssignedTo, visit.StartedAt,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
				return models.ErrOpenVisitExists
			}
			return fmt.Errorf("failed to insert visit: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return models.ErrOpenVisitExists
		}
		return r.notify(ctx, tx, models.TopicTriageChanged, models.ChangeNotice{
			Op:      "insert",
			VisitID: visit.VisitID,
			CrewID:  visit.CrewID,
			State:   visit.State,
			Acuity:  visit.Acuity,
			TS:      visit.StartedAt,
		})
	})
}

// CompareAndSetAcuity moves acuity from expected to next on an open visit
func (r *PostgresTriageRepository) CompareAndSetAcuity(ctx context.Context, visitID string, expected, next models.Acuity) (bool, error) {
	var moved bool
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var crewID, state string
		err := tx.QueryRowContext(ctx, `
			UPDATE triage_visits
			SET acuity = $1
			WHERE visit_id = $2 AND acuity = $3 AND ended_at IS NULL
			RETURNING crew_id::text, state`,
			int(next), visitID, int(expected),
		).Scan(&crewID, &state)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to update acuity: %w", err)
		}
		moved = true
		return r.notify(ctx, tx, models.TopicTriageChanged, models.ChangeNotice{
			Op:      "update",
			VisitID: visitID,
			CrewID:  crewID,
			State:   models.VisitState(state),
			Acuity:  next,
			TS:      time.Now(),
		})
	})
	return moved, err
}

// TransitionState moves state from -> to on an open visit
func (r *PostgresTriageRepository) TransitionState(ctx context.Context, visitID string, from, to models.VisitState) (bool, error) {
	var moved bool
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var crewID string
		var acuity int
		err := tx.QueryRowContext(ctx, `
			UPDATE triage_visits
			SET state = $1
			WHERE visit_id = $2 AND state = $3 AND ended_at IS NULL
			RETURNING crew_id::text, acuity`,
			string(to), visitID, string(from),
		).Scan(&crewID, &acuity)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to update state: %w", err)
		}
		moved = true
		return r.notify(ctx, tx, models.TopicTriageChanged, models.ChangeNotice{
			Op:      "update",
			VisitID: visitID,
			CrewID:  crewID,
			State:   to,
			Acuity:  models.Acuity(acuity),
			TS:      time.Now(),
		})
	})
	return moved, err
}

// Discharge closes an open visit whose acuity still reads good
func (r *PostgresTriageRepository) Discharge(ctx context.Context, visitID string, endedAt time.Time) (bool, error) {
	var done bool
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var crewID string
		err := tx.QueryRowContext(ctx, `
			UPDATE triage_visits
			SET state = 'discharged', ended_at = $1
			WHERE visit_id = $2 AND acuity = $3 AND ended_at IS NULL
			RETURNING crew_id::text`,
			endedAt, visitID, int(models.AcuityGood),
		).Scan(&crewID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to discharge visit: %w", err)
		}
		done = true
		return r.notify(ctx, tx, models.TopicTriageChanged, models.ChangeNotice{
			Op:      "discharge",
			VisitID: visitID,
			CrewID:  crewID,
			State:   models.VisitDischarged,
			Acuity:  models.AcuityGood,
			EndedAt: &endedAt,
			TS:      endedAt,
		})
	})
	return done, err
}

func (r *PostgresTriageRepository) notify(ctx context.Context, tx *sql.Tx, topic string, notice models.ChangeNotice) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, topic, string(encodeNotice(notice))); err != nil {
		return fmt.Errorf("failed to notify %s: %w", topic, err)
	}
	return nil
}

func (r *PostgresTriageRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Warn("Failed to rollback transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
