package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/config"
	"github.com/KevinKickass/OpenScanCore/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrInvalidRole        = errors.New("invalid role")
)

// Store is the persistence the service needs; *storage.PostgresClient
// implements it.
type Store interface {
	GetOperatorByUsername(ctx context.Context, username string) (*storage.Operator, error)
	GetOperatorByID(ctx context.Context, id uuid.UUID) (*storage.Operator, error)
	CreateOperator(ctx context.Context, username, passwordHash, role string) (*storage.Operator, error)
	ListOperators(ctx context.Context) ([]*storage.Operator, error)
	CountOperators(ctx context.Context) (int, error)
	UpdateOperatorRole(ctx context.Context, id uuid.UUID, role string) error
	UpdateOperatorPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	DeleteOperator(ctx context.Context, id uuid.UUID) error
	RecordLoginFailure(ctx context.Context, id uuid.UUID, maxAttempts int, lockFor time.Duration) error
	RecordLoginSuccess(ctx context.Context, id uuid.UUID) error

	StoreRefreshToken(ctx context.Context, operatorID uuid.UUID, tokenHash string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, tokenHash string) (uuid.UUID, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error

	CreateStationToken(ctx context.Context, id uuid.UUID, tokenHash, name, role string, createdBy *uuid.UUID) (*storage.StationToken, error)
	GetStationTokenByHash(ctx context.Context, tokenHash string) (*storage.StationToken, error)
	TouchStationToken(ctx context.Context, id uuid.UUID) error
	ListStationTokens(ctx context.Context) ([]*storage.StationToken, error)
	DeleteStationToken(ctx context.Context, id uuid.UUID) error

	LogAuthEvent(ctx context.Context, ev storage.AuthEvent) error
}

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// ClientInfo identifies the caller for the audit log.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

type Service struct {
	store       Store
	jwt         *JWTHandler
	hasher      *PasswordHasher
	logger      *zap.Logger
	accessTTL   time.Duration
	maxAttempts int
	lockFor     time.Duration
}

type Option func(*Service)

func WithPasswordHasher(h *PasswordHasher) Option {
	return func(s *Service) { s.hasher = h }
}

func NewService(store Store, cfg config.AuthConfig, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		jwt:         NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		hasher:      NewPasswordHasher(DefaultParams()),
		logger:      logger,
		accessTTL:   cfg.AccessTokenTTL,
		maxAttempts: cfg.MaxFailedLoginAttempts,
		lockFor:     cfg.AccountLockDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login authenticates an operator and returns tokens
func (s *Service) Login(ctx context.Context, username, password string, client ClientInfo) (*TokenPair, error) {
	op, err := s.store.GetOperatorByUsername(ctx, username)
	if err != nil {
		s.audit(ctx, "login_failed", nil, nil, client, false, "operator not found")
		return nil, ErrInvalidCredentials
	}

	if op.LockedUntil != nil && time.Now().Before(*op.LockedUntil) {
		s.audit(ctx, "login_failed", &op.ID, nil, client, false, "account locked")
		return nil, fmt.Errorf("%w until %s", ErrAccountLocked, op.LockedUntil.Format(time.RFC3339))
	}

	valid, err := s.hasher.VerifyPassword(password, op.PasswordHash)
	if err != nil || !valid {
		if err := s.store.RecordLoginFailure(ctx, op.ID, s.maxAttempts, s.lockFor); err != nil {
			s.logger.Warn("Failed to record login failure", zap.String("username", username), zap.Error(err))
		}
		s.audit(ctx, "login_failed", &op.ID, nil, client, false, "invalid password")
		return nil, ErrInvalidCredentials
	}

	if err := s.store.RecordLoginSuccess(ctx, op.ID); err != nil {
		s.logger.Warn("Failed to record login", zap.String("username", username), zap.Error(err))
	}

	pair, err := s.issue(ctx, op)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "login_success", &op.ID, nil, client, true, "")
	return pair, nil
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	operatorID, err := s.store.ConsumeRefreshToken(ctx, HashToken(refreshToken))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	op, err := s.store.GetOperatorByID(ctx, operatorID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return s.issue(ctx, op)
}

func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	return s.store.RevokeRefreshToken(ctx, HashToken(refreshToken))
}

func (s *Service) issue(ctx context.Context, op *storage.Operator) (*TokenPair, error) {
	role, err := ParseRole(op.Role)
	if err != nil {
		return nil, err
	}

	access, err := s.jwt.GenerateAccessToken(op.ID, op.Username, role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refresh, err := s.jwt.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(s.jwt.RefreshTokenTTL())
	if err := s.store.StoreRefreshToken(ctx, op.ID, HashToken(refresh), expiresAt); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
	}, nil
}

// Authenticate accepts a JWT access token or a station token.
func (s *Service) Authenticate(ctx context.Context, token string, client ClientInfo) (*Principal, error) {
	if claims, err := s.jwt.ValidateAccessToken(token); err == nil {
		if !claims.Role.Valid() {
			return nil, ErrInvalidToken
		}
		id := claims.OperatorID
		return &Principal{OperatorID: &id, Name: claims.Username, Role: claims.Role}, nil
	}

	if !IsStationToken(token) {
		return nil, ErrInvalidToken
	}

	st, err := s.store.GetStationTokenByHash(ctx, HashToken(token))
	if err != nil {
		s.audit(ctx, "station_token_failed", nil, nil, client, false, "token not found")
		return nil, ErrInvalidToken
	}
	role, err := ParseRole(st.Role)
	if err != nil {
		return nil, ErrInvalidToken
	}

	if err := s.store.TouchStationToken(ctx, st.ID); err != nil {
		s.logger.Debug("Failed to update station token usage", zap.Error(err))
	}

	id := st.ID
	return &Principal{StationTokenID: &id, Name: st.Name, Role: role}, nil
}

// CreateStationToken returns the plain token once; only its hash is stored.
func (s *Service) CreateStationToken(ctx context.Context, name string, role Role, createdBy *uuid.UUID) (string, *storage.StationToken, error) {
	if !role.Valid() {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	id, token, hash, err := GenerateStationToken()
	if err != nil {
		return "", nil, err
	}

	st, err := s.store.CreateStationToken(ctx, id, hash, name, string(role), createdBy)
	if err != nil {
		return "", nil, err
	}

	s.audit(ctx, "station_token_created", createdBy, &st.ID, ClientInfo{}, true, "")
	return token, st, nil
}

func (s *Service) ListStationTokens(ctx context.Context) ([]*storage.StationToken, error) {
	return s.store.ListStationTokens(ctx)
}

func (s *Service) DeleteStationToken(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteStationToken(ctx, id)
}

func (s *Service) CreateOperator(ctx context.Context, username, password string, role Role) (*storage.Operator, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return s.store.CreateOperator(ctx, username, hash, string(role))
}

// EnsureAdmin creates the first admin account when no operator exists yet.
// It reports whether an account was created.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) (bool, error) {
	n, err := s.store.CountOperators(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if username == "" || password == "" {
		return false, fmt.Errorf("no operators exist and no bootstrap credentials configured")
	}
	if _, err := s.CreateOperator(ctx, username, password, RoleAdmin); err != nil {
		return false, err
	}
	s.logger.Info("Created bootstrap admin", zap.String("username", username))
	return true, nil
}

func (s *Service) GetOperator(ctx context.Context, id uuid.UUID) (*storage.Operator, error) {
	return s.store.GetOperatorByID(ctx, id)
}

func (s *Service) ListOperators(ctx context.Context) ([]*storage.Operator, error) {
	return s.store.ListOperators(ctx)
}

// UpdateOperator changes password and/or role; nil leaves a field as is.
func (s *Service) UpdateOperator(ctx context.Context, id uuid.UUID, password *string, role *Role) error {
	if password != nil {
		hash, err := s.hasher.HashPassword(*password)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		if err := s.store.UpdateOperatorPassword(ctx, id, hash); err != nil {
			return err
		}
	}

	if role != nil {
		if !role.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidRole, *role)
		}
		if err := s.store.UpdateOperatorRole(ctx, id, string(*role)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) DeleteOperator(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteOperator(ctx, id)
}

func (s *Service) audit(ctx context.Context, eventType string, operatorID, stationID *uuid.UUID, client ClientInfo, success bool, reason string) {
	err := s.store.LogAuthEvent(ctx, storage.AuthEvent{
		Type:           eventType,
		OperatorID:     operatorID,
		StationTokenID: stationID,
		IPAddress:      client.IPAddress,
		UserAgent:      client.UserAgent,
		Success:        success,
		Reason:         reason,
	})
	if err != nil {
		s.logger.Debug("Failed to log auth event", zap.String("type", eventType), zap.Error(err))
	}
}
