package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenScanCore/internal/trigger"
	"github.com/google/uuid"
)

const maxPlanEvents = 1000

func (p *PostgresClient) InsertPlanEvent(ctx context.Context, ev *PlanEvent) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO plan_events (surface, device_id, run_id, from_state, to_state, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, ev.Surface, ev.DeviceID, ev.RunID, ev.FromState, ev.ToState, ev.Detail, ev.OccurredAt).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("failed to insert plan event: %w", err)
	}
	return nil
}

// RecordTransition stores one coordinator transition for a surface.
func (p *PostgresClient) RecordTransition(ctx context.Context, surface, deviceID string, tr trigger.Transition) error {
	ev := &PlanEvent{
		Surface:    surface,
		DeviceID:   deviceID,
		FromState:  tr.From.String(),
		ToState:    tr.To.String(),
		Detail:     tr.Detail,
		OccurredAt: tr.At,
	}
	if tr.RunID != uuid.Nil {
		runID := tr.RunID
		ev.RunID = &runID
	}
	return p.InsertPlanEvent(ctx, ev)
}

// ListPlanEvents returns the newest events of a surface first.
func (p *PostgresClient) ListPlanEvents(ctx context.Context, surface string, limit int) ([]*PlanEvent, error) {
	if limit <= 0 || limit > maxPlanEvents {
		limit = maxPlanEvents
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, surface, device_id, run_id, from_state, to_state, detail, occurred_at
		FROM plan_events
		WHERE surface = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, surface, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan events: %w", err)
	}
	defer rows.Close()

	var events []*PlanEvent
	for rows.Next() {
		var ev PlanEvent
		err := rows.Scan(&ev.ID, &ev.Surface, &ev.DeviceID, &ev.RunID,
			&ev.FromState, &ev.ToState, &ev.Detail, &ev.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
