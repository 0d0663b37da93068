package surface

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/binding"
	"github.com/KevinKickass/OpenScanCore/internal/capability"
	"github.com/KevinKickass/OpenScanCore/internal/channellist"
	"github.com/KevinKickass/OpenScanCore/internal/session"
	"github.com/KevinKickass/OpenScanCore/internal/trigger"
	"go.uber.org/zap"
)

const (
	SubsystemRoute   = "route"
	SubsystemTrigger = "trigger"
	SubsystemDigital = "digital"
)

// Router is the switching facade of a device with a scan card.
type Router interface {
	Scan(ctx context.Context, list string) error
	CloseChannels(ctx context.Context, list string) error
	OpenChannels(ctx context.Context, list string) error
	OpenAll(ctx context.Context) error
	SaveMemory(ctx context.Context, location string) error
}

type DigitalOutputs interface {
	ConfigureStrobe(ctx context.Context, line uint, d time.Duration) error
	ConfigureBin(ctx context.Context, line uint, d time.Duration) error
}

// routeSubsystem pushes the surface's scan list to the device.
type routeSubsystem struct {
	builder *channellist.Builder

	mu     sync.RWMutex
	router Router
}

func (r *routeSubsystem) Name() string { return SubsystemRoute }

func (r *routeSubsystem) Requires() capability.Requirement { return capability.RequireScanCard }

func (r *routeSubsystem) Attach(ctx context.Context, dev binding.Device, flags capability.Flags) error {
	router, ok := dev.(Router)
	if !ok {
		return fmt.Errorf("device %s has no routing facade", dev.ID())
	}

	if r.builder.Len() > 0 {
		if err := router.Scan(ctx, r.builder.Text()); err != nil {
			return fmt.Errorf("load scan list: %w", err)
		}
	}

	r.mu.Lock()
	r.router = router
	r.mu.Unlock()
	return nil
}

func (r *routeSubsystem) Detach(ctx context.Context) error {
	r.mu.Lock()
	router := r.router
	r.router = nil
	r.mu.Unlock()

	if router == nil {
		return nil
	}
	return router.OpenAll(ctx)
}

func (r *routeSubsystem) current() (Router, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.router == nil {
		return nil, ErrRouteUnbound
	}
	return r.router, nil
}

// triggerSubsystem hands the device session to the coordinator and drives
// its status signal.
type triggerSubsystem struct {
	coord    *trigger.Coordinator
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	watcher *session.StatusWatcher
}

func (t *triggerSubsystem) Name() string { return SubsystemTrigger }

func (t *triggerSubsystem) Requires() capability.Requirement { return capability.RequireNone }

func (t *triggerSubsystem) Attach(ctx context.Context, dev binding.Device, flags capability.Flags) error {
	sess, ok := dev.(trigger.Session)
	if !ok {
		return fmt.Errorf("device %s has no trigger facade", dev.ID())
	}
	t.coord.Attach(sess)

	if t.interval > 0 {
		w := session.NewStatusWatcher(dev.ID(), t.interval, t.coord.HandleStatus, t.logger)
		w.Start()

		t.mu.Lock()
		t.watcher = w
		t.mu.Unlock()
	}
	return nil
}

func (t *triggerSubsystem) Detach(ctx context.Context) error {
	t.mu.Lock()
	w := t.watcher
	t.watcher = nil
	t.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	t.coord.Detach(ctx)
	return nil
}

// digitalSubsystem applies strobe and bin line settings.
type digitalSubsystem struct {
	settings Settings
}

func (d *digitalSubsystem) Name() string { return SubsystemDigital }

func (d *digitalSubsystem) Requires() capability.Requirement { return capability.RequireDigitalLines }

func (d *digitalSubsystem) Attach(ctx context.Context, dev binding.Device, flags capability.Flags) error {
	out, ok := dev.(DigitalOutputs)
	if !ok {
		return fmt.Errorf("device %s has no digital output facade", dev.ID())
	}
	if err := out.ConfigureStrobe(ctx, d.settings.StrobeLineNumber, d.settings.StrobeDuration); err != nil {
		return fmt.Errorf("configure strobe: %w", err)
	}
	if err := out.ConfigureBin(ctx, d.settings.BinLineNumber, d.settings.BinDuration); err != nil {
		return fmt.Errorf("configure bin: %w", err)
	}
	return nil
}

func (d *digitalSubsystem) Detach(ctx context.Context) error {
	return nil
}
