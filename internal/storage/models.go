package storage

import (
	"time"

	"github.com/google/uuid"
)

// ScanListRecord mirrors the channel list saved into an instrument memory
// location.
type ScanListRecord struct {
	Location  string    `json:"location"`
	ListText  string    `json:"list_text"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PlanEvent struct {
	ID         uuid.UUID  `json:"id"`
	Surface    string     `json:"surface"`
	DeviceID   string     `json:"device_id"`
	RunID      *uuid.UUID `json:"run_id,omitempty"`
	FromState  string     `json:"from_state"`
	ToState    string     `json:"to_state"`
	Detail     string     `json:"detail,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

type Operator struct {
	ID                  uuid.UUID  `json:"id"`
	Username            string     `json:"username"`
	PasswordHash        string     `json:"-"` // Never expose in JSON
	Role                string     `json:"role"`
	CreatedAt           time.Time  `json:"created_at"`
	LastLoginAt         *time.Time `json:"last_login_at"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
}

// StationToken authenticates an automation client without a login.
type StationToken struct {
	ID         uuid.UUID  `json:"id"`
	TokenHash  string     `json:"-"` // Never expose
	Name       string     `json:"name"`
	Role       string     `json:"role"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedBy  *uuid.UUID `json:"created_by,omitempty"`
}

type AuthEvent struct {
	Type           string
	OperatorID     *uuid.UUID
	StationTokenID *uuid.UUID
	IPAddress      string
	UserAgent      string
	Success        bool
	Reason         string
}
