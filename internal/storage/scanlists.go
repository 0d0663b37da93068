package storage

import (
	"context"
	"fmt"
)

// SaveScanList upserts the list text for a memory location (digits only).
func (p *PostgresClient) SaveScanList(ctx context.Context, location, text string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO scan_lists (location, list_text, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (location) DO UPDATE
		SET list_text = EXCLUDED.list_text, updated_at = NOW()
	`, location, text)
	if err != nil {
		return fmt.Errorf("failed to save scan list M%s: %w", location, err)
	}
	return nil
}

func (p *PostgresClient) LoadScanList(ctx context.Context, location string) (*ScanListRecord, error) {
	var rec ScanListRecord
	err := p.pool.QueryRow(ctx, `
		SELECT location, list_text, updated_at
		FROM scan_lists
		WHERE location = $1
	`, location).Scan(&rec.Location, &rec.ListText, &rec.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "scan list M"+location)
	}
	return &rec, nil
}

func (p *PostgresClient) ListScanLists(ctx context.Context) ([]*ScanListRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT location, list_text, updated_at
		FROM scan_lists
		ORDER BY length(location), location
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan lists: %w", err)
	}
	defer rows.Close()

	var records []*ScanListRecord
	for rows.Next() {
		var rec ScanListRecord
		if err := rows.Scan(&rec.Location, &rec.ListText, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scan list: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (p *PostgresClient) DeleteScanList(ctx context.Context, location string) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM scan_lists WHERE location = $1`, location)
	if err != nil {
		return fmt.Errorf("failed to delete scan list: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("scan list M%s: %w", location, ErrNotFound)
	}
	return nil
}
