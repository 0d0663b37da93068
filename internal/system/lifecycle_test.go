package system

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/api/rest"
	"github.com/KevinKickass/OpenScanCore/internal/auth"
	"github.com/KevinKickass/OpenScanCore/internal/config"
	"github.com/KevinKickass/OpenScanCore/internal/trigger"
	"go.uber.org/zap"
)

// fakeStorage answers the calls made during start-up; everything else
// would panic on the nil embedded interfaces.
type (
	authStore = auth.Store
	restStore = rest.Store
)

type fakeStorage struct {
	authStore
	restStore
}

func (fakeStorage) CountOperators(ctx context.Context) (int, error) { return 1, nil }

func (fakeStorage) RecordTransition(ctx context.Context, surface, deviceID string, tr trigger.Transition) error {
	return nil
}

func (fakeStorage) Ping(ctx context.Context) error { return nil }

func (fakeStorage) PurgePlanEvents(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (fakeStorage) PurgeRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (fakeStorage) PurgeAuthEvents(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

const planBody = `name: bus
arm1: {source: immediate}
arm2: {source: bus}
trigger: {source: immediate, count: 3}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bus.yaml"), []byte(planBody), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	return &config.Config{
		Server: config.ServerConfig{GRPCPort: 0, HTTPPort: 0, ShutdownTimeout: 5 * time.Second},
		Instrument: config.InstrumentConfig{
			ID:                 "dmm-1",
			Address:            "127.0.0.1:1",
			Timeout:            200 * time.Millisecond,
			StatusPollInterval: 10 * time.Millisecond,
			Surface:            "main",
			BindOnStart:        true,
		},
		Plans: config.PlansConfig{SearchPaths: []string{dir}, Default: "bus"},
	}
}

func TestLifecycle(t *testing.T) {
	cfg := testConfig(t)
	lm, err := NewLifecycleManager(fakeStorage{}, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLifecycleManager: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Unreachable instrument must not stop start-up
	if err := lm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status := lm.GetCurrentStatus(ctx)
	if status.State != "RUNNING" || !status.DatabaseOK {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.DeviceCount != 1 || status.ConnectedDevices != 0 {
		t.Fatalf("devices = %d/%d", status.DeviceCount, status.ConnectedDevices)
	}
	if len(status.Surfaces) != 1 || status.Surfaces[0].Name != "main" || status.Surfaces[0].DeviceID != "" {
		t.Fatalf("surfaces = %+v", status.Surfaces)
	}
	if lm.GRPCAddr() == nil {
		t.Fatalf("gRPC listener not bound")
	}

	sf, ok := lm.Surfaces().Surface("main")
	if !ok {
		t.Fatalf("surface main missing")
	}
	if got := sf.Snapshot().Plan.Plan.Trigger.Count; got != 3 {
		t.Fatalf("default plan not loaded, trigger count %d", got)
	}

	if err := lm.ReloadPlans(); err != nil {
		t.Fatalf("ReloadPlans: %v", err)
	}
	if got := lm.GetCurrentStatus(ctx).State; got != "RUNNING" {
		t.Fatalf("state after reload = %s", got)
	}

	if err := lm.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-lm.Done():
	default:
		t.Fatalf("Done not closed after Shutdown")
	}
	if got := lm.GetCurrentStatus(ctx).State; got != "STOPPED" {
		t.Fatalf("state after shutdown = %s", got)
	}

	// second call is a no-op
	if err := lm.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestReloadPlansReportsBrokenPreset(t *testing.T) {
	cfg := testConfig(t)
	cfg.Instrument.BindOnStart = false
	broken := filepath.Join(cfg.Plans.SearchPaths[0], "broken.yaml")
	if err := os.WriteFile(broken, []byte("name: broken\narm1: {source: laser}\n"), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	lm, err := NewLifecycleManager(fakeStorage{}, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLifecycleManager: %v", err)
	}
	ctx := context.Background()
	if err := lm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer lm.Shutdown(ctx)

	if err := lm.ReloadPlans(); err == nil {
		t.Fatalf("expected reload error for broken preset")
	}
	if got := lm.GetCurrentStatus(ctx).State; got != "RUNNING" {
		t.Fatalf("state after failed reload = %s", got)
	}
}
