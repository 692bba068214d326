package postgres

import (
	"context"
	"fmt"

	"github.com/daybook-hq/daybook/internal/domain/digest"
)

var _ digest.EventRepo = (*EventRepo)(nil)

type EventRepo struct{ db *DB }

func NewEventRepo(db *DB) *EventRepo { return &EventRepo{db: db} }

const qEventsByIDs = `
SELECT id, type, message, entity_ref, project_id, created_at
FROM notification_events
WHERE id = ANY($1);`

// GetByIDs returns the events that still exist; callers treat absent ids
// as deleted events and drop the corresponding queue entries from the
// digest being built.
func (r *EventRepo) GetByIDs(ctx context.Context, ids []int64) (map[int64]*digest.Event, error) {
	out := make(map[int64]*digest.Event, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, qEventsByIDs, ids)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e digest.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Message, &e.EntityRef, &e.ProjectID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out[e.ID] = &e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
