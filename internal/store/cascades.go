package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meridianctl/agentctl/internal/apierr"
	"github.com/meridianctl/agentctl/pkg/types"
)

// CreateCascade inserts a new cascade row.
func (s *Store) CreateCascade(ctx context.Context, c *types.Cascade) error {
	coreFiles, err := json.Marshal(c.CoreFilesChanged)
	if err != nil {
		return fmt.Errorf("marshal core files: %w", err)
	}
	downstream, err := json.Marshal(c.DownstreamFiles)
	if err != nil {
		return fmt.Errorf("marshal downstream files: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cascades (
			id, trigger_session_id, goal_id, core_files_changed, downstream_files,
			repair_job_count, summary, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, nullableString(c.TriggerSessionID), nullableString(c.GoalID), coreFiles, downstream,
		c.RepairJobCount, c.Summary, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cascade: %w", err)
	}
	return nil
}

// GetCascade reads a single cascade by ID.
func (s *Store) GetCascade(ctx context.Context, id string) (*types.Cascade, error) {
	row := s.pool.QueryRow(ctx, cascadeSelect+` WHERE id = $1`, id)
	return scanCascade(row)
}

// ListCascades returns every cascade, newest first.
func (s *Store) ListCascades(ctx context.Context) ([]*types.Cascade, error) {
	rows, err := s.pool.Query(ctx, cascadeSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list cascades: %w", err)
	}
	defer rows.Close()

	var out []*types.Cascade
	for rows.Next() {
		c, err := scanCascade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCascadeStatus transitions a cascade's status (dispatched, completed,
// or failed once every session spawned from it reaches a terminal state).
func (s *Store) UpdateCascadeStatus(ctx context.Context, id string, status types.CascadeStatus, updatedAt int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE cascades SET status=$2, updated_at=$3 WHERE id=$1`, id, status, updatedAt)
	if err != nil {
		return fmt.Errorf("update cascade status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

const cascadeSelect = `
	SELECT id, COALESCE(trigger_session_id, ''), COALESCE(goal_id, ''), core_files_changed,
		downstream_files, repair_job_count, summary, status, created_at, updated_at
	FROM cascades`

func scanCascade(row rowScanner) (*types.Cascade, error) {
	var c types.Cascade
	var coreFiles, downstream []byte

	err := row.Scan(&c.ID, &c.TriggerSessionID, &c.GoalID, &coreFiles, &downstream,
		&c.RepairJobCount, &c.Summary, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.ErrNotFound
		}
		return nil, fmt.Errorf("scan cascade: %w", err)
	}

	if err := json.Unmarshal(coreFiles, &c.CoreFilesChanged); err != nil {
		return nil, fmt.Errorf("unmarshal core files: %w", err)
	}
	if err := json.Unmarshal(downstream, &c.DownstreamFiles); err != nil {
		return nil, fmt.Errorf("unmarshal downstream files: %w", err)
	}
	return &c, nil
}
