package postgres

import (
	"context"
	"fmt"

	"github.com/daybook-hq/daybook/internal/domain/digest"
)

var _ digest.ProjectRepo = (*ProjectRepo)(nil)

type ProjectRepo struct{ db *DB }

func NewProjectRepo(db *DB) *ProjectRepo { return &ProjectRepo{db: db} }

const qProjectNames = `
SELECT id, name
FROM projects
WHERE id = ANY($1);`

func (r *ProjectRepo) GetNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, qProjectNames, ids)
	if err != nil {
		return nil, fmt.Errorf("query project names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
