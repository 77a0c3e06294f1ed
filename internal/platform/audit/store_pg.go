package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/klinik/clinic/internal/platform/auth"
)

// PGRecorder appends to audit_log. It always writes through the pool so a
// rolled back business transaction never takes its audit row along, and an
// audit failure never aborts the business transaction.
type PGRecorder struct{ pool *pgxpool.Pool }

func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder { return &PGRecorder{pool: pool} }

func (r *PGRecorder) Record(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("encode changes: %w", err)
	}
	var actorID *uuid.UUID
	if e.Actor.UserID != uuid.Nil {
		actorID = &e.Actor.UserID
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_log (id, actor_id, actor_role, action, entity_type, entity_id, description, changes, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, actorID, string(e.Actor.Role), string(e.Action), e.EntityType, e.EntityID, e.Description, changes, e.RecordedAt)
	return err
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	EntityType string
	EntityID   string
	ActorID    *uuid.UUID
}

func (r *PGRecorder) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	where := `WHERE ($1 = '' OR entity_type = $1) AND ($2 = '' OR entity_id = $2) AND ($3::uuid IS NULL OR actor_id = $3)`
	args := []interface{}{f.EntityType, f.EntityID, f.ActorID}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, actor_id, actor_role, action, entity_type, entity_id, description, changes, recorded_at
		FROM audit_log `+where+` ORDER BY recorded_at DESC LIMIT $4 OFFSET $5`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		var e Entry
		var actorID *uuid.UUID
		var role, action string
		var changes []byte
		if err := rows.Scan(&e.ID, &actorID, &role, &action, &e.EntityType, &e.EntityID, &e.Description, &changes, &e.RecordedAt); err != nil {
			return nil, 0, err
		}
		if actorID != nil {
			e.Actor.UserID = *actorID
		}
		e.Actor.Role = auth.Role(role)
		e.Action = Action(action)
		if len(changes) > 0 {
			_ = json.Unmarshal(changes, &e.Changes)
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
