package auth

import (
	"fmt"

	"github.com/google/uuid"
)

// Role grants access by rank: observer < operator < admin.
type Role string

const (
	RoleObserver Role = "observer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleObserver:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

func (r Role) Valid() bool {
	return r.rank() > 0
}

// Allows reports whether r is at least as privileged as required.
func (r Role) Allows(required Role) bool {
	return r.Valid() && r.rank() >= required.rank()
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Principal is the authenticated caller, either an operator or a station.
type Principal struct {
	OperatorID     *uuid.UUID `json:"operator_id,omitempty"`
	StationTokenID *uuid.UUID `json:"station_token_id,omitempty"`
	Name           string     `json:"name"`
	Role           Role       `json:"role"`
}

func (p *Principal) IsStation() bool {
	return p.StationTokenID != nil
}
