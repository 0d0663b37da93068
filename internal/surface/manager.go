package surface

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenScanCore/internal/binding"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Manager owns the known instruments and the named control surfaces.
type Manager struct {
	devices  map[string]binding.Device
	surfaces map[string]*Surface
	mu       sync.RWMutex
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		devices:  make(map[string]binding.Device),
		surfaces: make(map[string]*Surface),
		logger:   logger,
	}
}

// AddDevice registers a device under its ID, replacing any previous entry.
func (m *Manager) AddDevice(dev binding.Device) {
	m.mu.Lock()
	m.devices[dev.ID()] = dev
	m.mu.Unlock()

	m.logger.Info("Device registered", zap.String("device_id", dev.ID()))
}

// Device returns device by ID
func (m *Manager) Device(id string) (binding.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dev, exists := m.devices[id]
	return dev, exists
}

func (m *Manager) DeviceIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// CreateSurface builds a surface that resolves devices through the manager.
func (m *Manager) CreateSurface(name string, cfg Config) (*Surface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.surfaces[name]; exists {
		return nil, fmt.Errorf("surface already exists: %s", name)
	}

	s := New(name, m, cfg, m.logger)
	m.surfaces[name] = s

	m.logger.Info("Surface created", zap.String("surface", name))
	return s, nil
}

func (m *Manager) Surface(name string) (*Surface, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.surfaces[name]
	return s, exists
}

// Surfaces returns all surfaces ordered by name.
func (m *Manager) Surfaces() []*Surface {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Surface, 0, len(m.surfaces))
	for _, s := range m.surfaces {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Surface) int {
		return strings.Compare(a.name, b.name)
	})
	return out
}

// Shutdown closes every surface and disconnects devices that can be
// disconnected.
func (m *Manager) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	for _, s := range m.Surfaces() {
		if err := s.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("surface %s: %w", s.Name(), err))
		}
	}

	m.mu.RLock()
	devices := make([]binding.Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
	m.mu.RUnlock()

	for _, dev := range devices {
		d, ok := dev.(interface{ Disconnect() error })
		if !ok {
			continue
		}
		if err := d.Disconnect(); err != nil {
			result = multierror.Append(result, fmt.Errorf("device %s: %w", dev.ID(), err))
		}
	}

	m.logger.Info("All surfaces closed")
	return result.ErrorOrNil()
}
