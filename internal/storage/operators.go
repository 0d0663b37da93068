package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrTokenRevoked = errors.New("refresh token revoked")
	ErrTokenExpired = errors.New("refresh token expired")
)

const operatorColumns = `id, username, password_hash, role, created_at, last_login_at,
		       failed_login_attempts, locked_until`

func scanOperator(row pgx.Row) (*Operator, error) {
	var op Operator
	err := row.Scan(
		&op.ID, &op.Username, &op.PasswordHash, &op.Role,
		&op.CreatedAt, &op.LastLoginAt, &op.FailedLoginAttempts, &op.LockedUntil,
	)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (p *PostgresClient) GetOperatorByUsername(ctx context.Context, username string) (*Operator, error) {
	op, err := scanOperator(p.pool.QueryRow(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE username = $1`, username))
	if err != nil {
		return nil, notFound(err, "operator")
	}
	return op, nil
}

func (p *PostgresClient) GetOperatorByID(ctx context.Context, id uuid.UUID) (*Operator, error) {
	op, err := scanOperator(p.pool.QueryRow(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "operator")
	}
	return op, nil
}

func (p *PostgresClient) CreateOperator(ctx context.Context, username, passwordHash, role string) (*Operator, error) {
	op, err := scanOperator(p.pool.QueryRow(ctx, `
		INSERT INTO operators (username, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING `+operatorColumns, username, passwordHash, role))
	if err != nil {
		return nil, fmt.Errorf("failed to create operator: %w", err)
	}
	return op, nil
}

func (p *PostgresClient) ListOperators(ctx context.Context) ([]*Operator, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+operatorColumns+` FROM operators ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list operators: %w", err)
	}
	defer rows.Close()

	var ops []*Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operator: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (p *PostgresClient) CountOperators(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM operators`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count operators: %w", err)
	}
	return n, nil
}

func (p *PostgresClient) UpdateOperatorRole(ctx context.Context, id uuid.UUID, role string) error {
	_, err := p.pool.Exec(ctx, `UPDATE operators SET role = $1 WHERE id = $2`, role, id)
	return err
}

func (p *PostgresClient) UpdateOperatorPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	_, err := p.pool.Exec(ctx, `UPDATE operators SET password_hash = $1 WHERE id = $2`, passwordHash, id)
	return err
}

func (p *PostgresClient) DeleteOperator(ctx context.Context, id uuid.UUID) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM operators WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete operator: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("operator: %w", ErrNotFound)
	}
	return nil
}

// RecordLoginFailure counts a failed login and locks the account once
// maxAttempts is reached.
func (p *PostgresClient) RecordLoginFailure(ctx context.Context, id uuid.UUID, maxAttempts int, lockFor time.Duration) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE operators
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = CASE
		        WHEN failed_login_attempts + 1 >= $2 THEN NOW() + make_interval(secs => $3)
		        ELSE locked_until
		    END
		WHERE id = $1
	`, id, maxAttempts, lockFor.Seconds())
	return err
}

// RecordLoginSuccess clears the failure counter and stamps the login time.
func (p *PostgresClient) RecordLoginSuccess(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE operators
		SET failed_login_attempts = 0, locked_until = NULL, last_login_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// Refresh Token Methods
func (p *PostgresClient) StoreRefreshToken(ctx context.Context, operatorID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (operator_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`, operatorID, tokenHash, expiresAt)
	return err
}

// ConsumeRefreshToken revokes a valid refresh token and returns its owner.
func (p *PostgresClient) ConsumeRefreshToken(ctx context.Context, tokenHash string) (uuid.UUID, error) {
	var (
		operatorID uuid.UUID
		expiresAt  time.Time
		revokedAt  *time.Time
	)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		SELECT operator_id, expires_at, revoked_at
		FROM refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, tokenHash).Scan(&operatorID, &expiresAt, &revokedAt)
	if err != nil {
		return uuid.Nil, notFound(err, "refresh token")
	}
	if revokedAt != nil {
		return uuid.Nil, ErrTokenRevoked
	}
	if time.Now().After(expiresAt) {
		return uuid.Nil, ErrTokenExpired
	}

	if _, err := tx.Exec(ctx, `UPDATE refresh_tokens SET revoked_at = NOW() WHERE token_hash = $1`, tokenHash); err != nil {
		return uuid.Nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit: %w", err)
	}
	return operatorID, nil
}

func (p *PostgresClient) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW() WHERE token_hash = $1 AND revoked_at IS NULL
	`, tokenHash)
	return err
}

// Station Token Methods
func (p *PostgresClient) CreateStationToken(ctx context.Context, id uuid.UUID, tokenHash, name, role string, createdBy *uuid.UUID) (*StationToken, error) {
	var tok StationToken
	err := p.pool.QueryRow(ctx, `
		INSERT INTO station_tokens (id, token_hash, name, role, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, token_hash, name, role, created_at, last_used_at, created_by
	`, id, tokenHash, name, role, createdBy).Scan(
		&tok.ID, &tok.TokenHash, &tok.Name, &tok.Role,
		&tok.CreatedAt, &tok.LastUsedAt, &tok.CreatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create station token: %w", err)
	}
	return &tok, nil
}

func (p *PostgresClient) GetStationTokenByHash(ctx context.Context, tokenHash string) (*StationToken, error) {
	var tok StationToken
	err := p.pool.QueryRow(ctx, `
		SELECT id, token_hash, name, role, created_at, last_used_at, created_by
		FROM station_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(
		&tok.ID, &tok.TokenHash, &tok.Name, &tok.Role,
		&tok.CreatedAt, &tok.LastUsedAt, &tok.CreatedBy,
	)
	if err != nil {
		return nil, notFound(err, "station token")
	}
	return &tok, nil
}

func (p *PostgresClient) TouchStationToken(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `UPDATE station_tokens SET last_used_at = NOW() WHERE id = $1`, id)
	return err
}

func (p *PostgresClient) ListStationTokens(ctx context.Context) ([]*StationToken, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, role, created_at, last_used_at, created_by
		FROM station_tokens
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list station tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*StationToken
	for rows.Next() {
		var tok StationToken
		if err := rows.Scan(&tok.ID, &tok.Name, &tok.Role, &tok.CreatedAt, &tok.LastUsedAt, &tok.CreatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan station token: %w", err)
		}
		tokens = append(tokens, &tok)
	}
	return tokens, rows.Err()
}

func (p *PostgresClient) DeleteStationToken(ctx context.Context, id uuid.UUID) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM station_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete station token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("station token: %w", ErrNotFound)
	}
	return nil
}

// Auth Event Logging
func (p *PostgresClient) LogAuthEvent(ctx context.Context, ev AuthEvent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO auth_events (event_type, operator_id, station_token_id, ip_address, user_agent, success, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.Type, ev.OperatorID, ev.StationTokenID, ev.IPAddress, ev.UserAgent, ev.Success, ev.Reason)
	return err
}
