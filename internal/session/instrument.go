package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/capability"
	"github.com/KevinKickass/OpenScanCore/internal/trigger"
	"go.uber.org/zap"
)

type Config struct {
	ID           string
	Address      string
	Timeout      time.Duration
	DigitalLines bool
}

// Instrument is the device facade for a scanning multimeter reached over
// SCPI. It satisfies capability.Provider, trigger.Session and
// trigger.BufferStreamer.
type Instrument struct {
	id           string
	client       *Client
	logger       *zap.Logger
	digitalLines bool

	mu         sync.RWMutex
	identity   string
	lastStatus trigger.StatusByte
	statusAt   time.Time
}

func NewInstrument(cfg Config, logger *zap.Logger) *Instrument {
	id := cfg.ID
	if id == "" {
		id = cfg.Address
	}
	return &Instrument{
		id:           id,
		client:       NewClient(cfg.Address, cfg.Timeout),
		logger:       logger.With(zap.String("instrument", id)),
		digitalLines: cfg.DigitalLines,
	}
}

func (i *Instrument) ID() string {
	return i.id
}

// Connect opens the link and clears the status model.
func (i *Instrument) Connect(ctx context.Context) error {
	if err := i.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", i.id, err)
	}

	idn, err := i.client.Query(ctx, cmdIdentify)
	if err != nil {
		return fmt.Errorf("identify %s: %w", i.id, err)
	}
	if err := i.client.Write(ctx, cmdClearState); err != nil {
		return fmt.Errorf("clear status %s: %w", i.id, err)
	}

	i.mu.Lock()
	i.identity = idn
	i.mu.Unlock()

	i.logger.Info("Instrument connected",
		zap.String("address", i.client.Address()),
		zap.String("identity", idn))
	return nil
}

func (i *Instrument) Disconnect() error {
	return i.client.Close()
}

func (i *Instrument) Connected() bool {
	return i.client.Connected()
}

func (i *Instrument) Identity() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.identity
}

func (i *Instrument) SupportsScanCardOption(ctx context.Context) (bool, error) {
	resp, err := i.client.Query(ctx, cmdOptions)
	if err != nil {
		return false, err
	}
	return len(parseOptions(resp)) > 0, nil
}

func (i *Instrument) InstalledScanCards(ctx context.Context) ([]capability.CardID, error) {
	resp, err := i.client.Query(ctx, cmdOptions)
	if err != nil {
		return nil, err
	}
	return installedCards(parseOptions(resp)), nil
}

// SupportsDigitalLines comes from configuration; the instrument has no
// query for its digital I/O option.
func (i *Instrument) SupportsDigitalLines(ctx context.Context) (bool, error) {
	return i.digitalLines, nil
}

// ApplyArmLayer configures an arm layer. Applying layer 1 also initiates
// the trigger model.
func (i *Instrument) ApplyArmLayer(ctx context.Context, cfg trigger.ArmLayerConfig) error {
	cmd, err := armLayerCommand(cfg)
	if err != nil {
		return err
	}
	if cfg.Layer == 1 {
		cmd = join([]string{cmd, cmdInitiate})
	}
	return i.client.Write(ctx, cmd)
}

func (i *Instrument) ApplyTriggerLayer(ctx context.Context, cfg trigger.TriggerLayerConfig) error {
	cmd, err := triggerLayerCommand(cfg)
	if err != nil {
		return err
	}
	return i.client.Write(ctx, cmd)
}

func (i *Instrument) Abort(ctx context.Context) error {
	return i.client.Write(ctx, cmdAbort)
}

func (i *Instrument) AssertBusTrigger(ctx context.Context) error {
	return i.client.Write(ctx, cmdBusTrigger)
}

func (i *Instrument) ReadStatusByte(ctx context.Context) (trigger.StatusByte, error) {
	resp, err := i.client.Query(ctx, cmdStatusByte)
	if err != nil {
		return 0, err
	}
	return parseStatusByte(resp)
}

// ApplyStatusByte records the last status byte read for this session.
func (i *Instrument) ApplyStatusByte(sb trigger.StatusByte) {
	i.mu.Lock()
	i.lastStatus = sb
	i.statusAt = time.Now()
	i.mu.Unlock()

	if sb.Has(trigger.StatusErrorAvailable) {
		i.logger.Warn("Instrument reports queued errors", zap.Stringer("status", sb))
	}
}

func (i *Instrument) LastStatus() (trigger.StatusByte, time.Time) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastStatus, i.statusAt
}

func (i *Instrument) ConfigureBuffer(ctx context.Context, cfg trigger.StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return i.client.Write(ctx, bufferConfigCommand(cfg))
}

func (i *Instrument) StartBuffer(ctx context.Context) error {
	return i.client.Write(ctx, bufferFeedCommand(true))
}

func (i *Instrument) StopBuffer(ctx context.Context) error {
	return i.client.Write(ctx, bufferFeedCommand(false))
}

// Scan loads a canonical channel list as the scan list.
func (i *Instrument) Scan(ctx context.Context, list string) error {
	return i.client.Write(ctx, routeCommand("SCAN", list))
}

func (i *Instrument) CloseChannels(ctx context.Context, list string) error {
	return i.client.Write(ctx, routeCommand("CLOS", list))
}

func (i *Instrument) OpenChannels(ctx context.Context, list string) error {
	return i.client.Write(ctx, routeCommand("OPEN", list))
}

func (i *Instrument) OpenAll(ctx context.Context) error {
	return i.client.Write(ctx, cmdOpenAll)
}

// SaveMemory stores the currently closed channels in memory location M<location>.
func (i *Instrument) SaveMemory(ctx context.Context, location string) error {
	return i.client.Write(ctx, memorySaveCommand(location))
}

func (i *Instrument) ConfigureStrobe(ctx context.Context, line uint, d time.Duration) error {
	return i.client.Write(ctx, strobeCommand(line, d))
}

func (i *Instrument) ConfigureBin(ctx context.Context, line uint, d time.Duration) error {
	return i.client.Write(ctx, binCommand(line, d))
}
