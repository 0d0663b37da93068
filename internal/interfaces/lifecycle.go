package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenScanCore/internal/config"
)

// SurfaceStatus summarises one control surface for the status endpoint.
type SurfaceStatus struct {
	Name      string `json:"name"`
	DeviceID  string `json:"device_id,omitempty"`
	PlanState string `json:"plan_state"`
	Advisory  string `json:"advisory,omitempty"`
}

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string          `json:"state"`
	Error            string          `json:"error,omitempty"`
	StartedAt        int64           `json:"started_at"`
	DeviceCount      int             `json:"device_count"`
	ConnectedDevices int             `json:"connected_devices"`
	DatabaseOK       bool            `json:"database_ok"`
	Surfaces         []SurfaceStatus `json:"surfaces"`
}

type LifecycleManager interface {
	Config() *config.Config
	GetCurrentStatus(ctx context.Context) SystemStatus
	ReloadPlans() error
	Shutdown(ctx context.Context) error
}
