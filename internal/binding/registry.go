package binding

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/capability"
	"github.com/KevinKickass/OpenScanCore/internal/metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Device is anything the registry can bind: an identified capability source.
// Subsystems type-assert the device to the facades they drive.
type Device interface {
	capability.Provider
	ID() string
}

// Subsystem is one capability-specific facet of a bound device.
type Subsystem interface {
	Name() string
	Requires() capability.Requirement
	Attach(ctx context.Context, dev Device, flags capability.Flags) error
	Detach(ctx context.Context) error
}

type Skip struct {
	Subsystem string `json:"subsystem"`
	Advisory  string `json:"advisory"`
}

// Binding describes the device currently owned by a registry.
type Binding struct {
	ID       uuid.UUID        `json:"id"`
	DeviceID string           `json:"device_id"`
	Flags    capability.Flags `json:"capabilities"`
	Bound    []string         `json:"bound"`
	Skipped  []Skip           `json:"skipped,omitempty"`
	BoundAt  time.Time        `json:"bound_at"`
}

func (b *Binding) Has(subsystem string) bool {
	if b == nil {
		return false
	}
	for _, name := range b.Bound {
		if name == subsystem {
			return true
		}
	}
	return false
}

type EventKind string

const (
	EventBound   EventKind = "bound"
	EventUnbound EventKind = "unbound"
	EventRebound EventKind = "rebound"
)

// Event is delivered once per committed bind, unbind or rebind.
type Event struct {
	Kind     EventKind `json:"kind"`
	Previous *Binding  `json:"previous,omitempty"`
	Current  *Binding  `json:"current,omitempty"`
}

type Option func(*Registry)

func WithAdvisory(fn func(msg string)) Option {
	return func(r *Registry) {
		r.advise = fn
	}
}

// WithObserver registers fn for binding events. Observers run inside the
// registry's critical section so they see events in commit order; they must
// not call Bind, Unbind or Rebind.
func WithObserver(fn func(Event)) Option {
	return func(r *Registry) {
		r.observer = fn
	}
}

// Registry owns at most one bound device and the subsystems attached to it.
type Registry struct {
	logger     *zap.Logger
	subsystems []Subsystem
	advise     func(string)
	observer   func(Event)

	mu       sync.Mutex
	device   Device
	attached []Subsystem

	current atomic.Pointer[Binding]
}

func NewRegistry(logger *zap.Logger, subsystems []Subsystem, opts ...Option) *Registry {
	r := &Registry{
		logger:     logger,
		subsystems: subsystems,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Current returns the active binding, or nil when unbound. Lock-free.
func (r *Registry) Current() *Binding {
	return r.current.Load()
}

func (r *Registry) Bound() bool {
	return r.current.Load() != nil
}

// Bind binds dev. Binding the device that is already bound is a no-op;
// binding a different device replaces the current one as Rebind does.
func (r *Registry) Bind(ctx context.Context, dev Device) (*Binding, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	return r.Rebind(ctx, dev)
}

// Unbind detaches every subsystem in reverse attach order. The registry is
// unbound afterwards even when detach calls fail; their errors are returned
// together.
func (r *Registry) Unbind(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	if prev == nil {
		return nil
	}

	err := r.detachLocked(ctx)
	r.clearLocked()
	r.emit(Event{Kind: EventUnbound, Previous: prev})
	return err
}

// Rebind replaces the current device with dev in one step; observers see a
// single rebound event, never the unbound state in between. A nil dev
// unbinds. An attach failure leaves the registry unbound and returns a
// *BindingError.
func (r *Registry) Rebind(ctx context.Context, dev Device) (*Binding, error) {
	if dev == nil {
		return nil, r.Unbind(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	if prev != nil && r.device != nil && r.device.ID() == dev.ID() {
		return prev, nil
	}

	if prev != nil {
		if err := r.detachLocked(ctx); err != nil {
			r.logger.Warn("Detach of previous device incomplete",
				zap.String("device_id", prev.DeviceID),
				zap.Error(err))
		}
	}

	// current keeps pointing at prev until the new binding is complete
	b, err := r.attachLocked(ctx, dev)
	if err != nil {
		r.clearLocked()
		if prev != nil {
			r.emit(Event{Kind: EventUnbound, Previous: prev})
		}
		return nil, err
	}

	if r.current.Swap(b) == nil {
		metrics.BoundSurfaces.Inc()
	}
	r.logger.Info("Device bound",
		zap.String("device_id", dev.ID()),
		zap.String("binding_id", b.ID.String()),
		zap.Strings("subsystems", b.Bound))

	kind := EventBound
	if prev != nil {
		kind = EventRebound
	}
	r.emit(Event{Kind: kind, Previous: prev, Current: b})
	return b, nil
}

func (r *Registry) attachLocked(ctx context.Context, dev Device) (*Binding, error) {
	flags, err := capability.Query(ctx, dev)
	if err != nil {
		return nil, &BindingError{DeviceID: dev.ID(), Subsystem: "capability", Err: err}
	}

	b := &Binding{
		ID:       uuid.New(),
		DeviceID: dev.ID(),
		Flags:    flags,
		BoundAt:  time.Now(),
	}

	r.device = dev
	advised := make(map[string]bool)
	for _, sub := range r.subsystems {
		ok, advisory := capability.Allows(flags, sub.Requires())
		if !ok {
			b.Skipped = append(b.Skipped, Skip{Subsystem: sub.Name(), Advisory: advisory})
			r.logger.Info("Subsystem not bound",
				zap.String("device_id", dev.ID()),
				zap.String("subsystem", sub.Name()),
				zap.String("reason", advisory))
			if !advised[advisory] {
				advised[advisory] = true
				r.emitAdvisory(advisory)
			}
			continue
		}

		if err := sub.Attach(ctx, dev, flags); err != nil {
			if rbErr := r.detachLocked(ctx); rbErr != nil {
				r.logger.Warn("Rollback after failed attach incomplete", zap.Error(rbErr))
			}
			return nil, &BindingError{DeviceID: dev.ID(), Subsystem: sub.Name(), Err: err}
		}
		r.attached = append(r.attached, sub)
		b.Bound = append(b.Bound, sub.Name())
	}

	return b, nil
}

// detachLocked tears down attached subsystems in reverse order. It leaves
// current alone, so it also serves as rollback for a half-finished attach.
func (r *Registry) detachLocked(ctx context.Context) error {
	var result *multierror.Error
	for i := len(r.attached) - 1; i >= 0; i-- {
		sub := r.attached[i]
		if err := sub.Detach(ctx); err != nil {
			result = multierror.Append(result, &BindingError{
				DeviceID:  r.deviceID(),
				Subsystem: sub.Name(),
				Err:       err,
			})
		}
	}
	r.attached = nil

	return result.ErrorOrNil()
}

func (r *Registry) clearLocked() {
	if prev := r.current.Swap(nil); prev != nil {
		metrics.BoundSurfaces.Dec()
		r.logger.Info("Device unbound", zap.String("device_id", prev.DeviceID))
	}
	r.device = nil
}

func (r *Registry) deviceID() string {
	if r.device == nil {
		return ""
	}
	return r.device.ID()
}

func (r *Registry) emit(ev Event) {
	if r.observer != nil {
		r.observer(ev)
	}
}

func (r *Registry) emitAdvisory(msg string) {
	metrics.Advisories.WithLabelValues(msg).Inc()
	if r.advise != nil {
		r.advise(msg)
	}
}
