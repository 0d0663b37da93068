package storage

import (
	"context"
	"fmt"
	"time"
)

// PurgePlanEvents deletes plan events older than before.
func (p *PostgresClient) PurgePlanEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := p.pool.Exec(ctx, `DELETE FROM plan_events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge plan events: %w", err)
	}
	return result.RowsAffected(), nil
}

// PurgeRefreshTokens deletes refresh tokens that expired or were revoked
// before the given time.
func (p *PostgresClient) PurgeRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	result, err := p.pool.Exec(ctx, `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge refresh tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

func (p *PostgresClient) PurgeAuthEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := p.pool.Exec(ctx, `DELETE FROM auth_events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge auth events: %w", err)
	}
	return result.RowsAffected(), nil
}
