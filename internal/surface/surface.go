package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/binding"
	"github.com/KevinKickass/OpenScanCore/internal/channellist"
	"github.com/KevinKickass/OpenScanCore/internal/metrics"
	"github.com/KevinKickass/OpenScanCore/internal/trigger"
	"go.uber.org/zap"
)

const recordTimeout = 2 * time.Second

// Surface is one control surface: a scan list builder, a binding registry
// and a trigger plan coordinator driven by explicit commands. Displays never
// touch its state directly; they read snapshots or subscribe to updates.
type Surface struct {
	name    string
	logger  *zap.Logger
	devices DeviceResolver
	cfg     Config

	builder  *channellist.Builder
	registry *binding.Registry
	coord    *trigger.Coordinator
	route    *routeSubsystem

	mu          sync.Mutex
	seq         uint64
	advisory    string
	planStream  *trigger.StreamConfig
	subscribers map[int]chan Update
	nextSubID   int

	snapshot atomic.Pointer[Snapshot]
}

func New(name string, devices DeviceResolver, cfg Config, logger *zap.Logger) *Surface {
	s := &Surface{
		name:        name,
		logger:      logger.With(zap.String("surface", name)),
		devices:     devices,
		cfg:         cfg,
		builder:     channellist.NewBuilder(),
		subscribers: make(map[int]chan Update),
	}

	s.coord = trigger.NewCoordinator(s.logger,
		trigger.WithAdvisory(s.advise),
		trigger.WithObserver(s.onTransition),
		trigger.WithProgress(s.onProgress))

	s.route = &routeSubsystem{builder: s.builder}
	subsystems := []binding.Subsystem{
		&triggerSubsystem{coord: s.coord, interval: cfg.StatusInterval, logger: s.logger},
		s.route,
		&digitalSubsystem{settings: cfg.Settings},
	}
	s.registry = binding.NewRegistry(s.logger, subsystems,
		binding.WithAdvisory(s.advise),
		binding.WithObserver(s.onBinding))

	s.publish(Update{Kind: UpdateSnapshot})
	return s
}

func (s *Surface) Name() string {
	return s.name
}

func (s *Surface) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

func (s *Surface) Coordinator() *trigger.Coordinator {
	return s.coord
}

// Subscribe returns a channel of updates and a cancel func. Slow
// subscribers miss updates rather than block the surface.
func (s *Surface) Subscribe(buffer int) (<-chan Update, func()) {
	ch := make(chan Update, buffer)

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			_, open := s.subscribers[id]
			delete(s.subscribers, id)
			s.mu.Unlock()
			if open {
				close(ch)
			}
		})
	}
}

// Execute applies one command and publishes the resulting snapshot, also
// when the command fails.
func (s *Surface) Execute(ctx context.Context, cmd Command) error {
	err := s.dispatch(ctx, cmd)
	if err != nil {
		s.logger.Warn("Command failed",
			zap.String("command", string(cmd.Type)),
			zap.Error(err))
	} else {
		s.logger.Debug("Command applied", zap.String("command", string(cmd.Type)))
	}
	s.publish(Update{Kind: UpdateSnapshot})
	return err
}

func (s *Surface) dispatch(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case CmdBind, CmdRebind:
		dev, ok := s.devices.Device(cmd.DeviceID)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownDevice, cmd.DeviceID)
		}
		if err := s.connect(ctx, dev); err != nil {
			return err
		}
		if cmd.Type == CmdRebind {
			_, err := s.registry.Rebind(ctx, dev)
			return err
		}
		_, err := s.registry.Bind(ctx, dev)
		return err

	case CmdUnbind:
		return s.registry.Unbind(ctx)

	case CmdAddChannel:
		return s.addChannel(cmd)

	case CmdAddMemory:
		return s.builder.AddMemoryLocation(cmd.Memory, s.addOptions(cmd)...)

	case CmdClear:
		s.builder.Clear()
		return nil

	case CmdSetScanList:
		if err := s.builder.SetFromText(cmd.Text); err != nil {
			var ge *channellist.GrammarError
			if errors.As(err, &ge) {
				metrics.GrammarErrors.WithLabelValues(ge.Kind.String()).Inc()
			}
			return err
		}
		return nil

	case CmdApplyScan:
		router, err := s.route.current()
		if err != nil {
			return err
		}
		return router.Scan(ctx, s.builder.Text())

	case CmdCloseChannels, CmdOpenChannels:
		return s.switchChannels(ctx, cmd)

	case CmdSaveMemory:
		return s.saveMemory(ctx, cmd.Memory)

	case CmdLoadPlan:
		return s.loadPlan(cmd.Plan)

	case CmdInitiate:
		return s.initiate(ctx)

	case CmdAbort:
		return s.coord.Abort(ctx)

	case CmdBusTrigger:
		return s.coord.AssertBusTrigger(ctx)

	case CmdConfigureStream:
		return s.coord.ConfigureStreaming(ctx, trigger.StreamConfig{PointsPerBuffer: cmd.PointsPerBuffer})

	case CmdStartStream:
		return s.coord.StartStream(ctx)

	case CmdStopStream:
		return s.coord.StopStream(ctx)
	}

	return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
}

func (s *Surface) connect(ctx context.Context, dev binding.Device) error {
	c, ok := dev.(Connector)
	if !ok || c.Connected() {
		return nil
	}
	if err := c.Connect(ctx); err != nil {
		return &binding.BindingError{DeviceID: dev.ID(), Subsystem: "connect", Err: err}
	}
	s.logger.Info("Device link opened for bind", zap.String("device_id", dev.ID()))
	return nil
}

func (s *Surface) addOptions(cmd Command) []channellist.AddOption {
	if cmd.Deduplicate {
		return []channellist.AddOption{channellist.Deduplicate()}
	}
	return nil
}

func (s *Surface) addChannel(cmd Command) error {
	if cmd.Channel == nil {
		return fmt.Errorf("%w: add_channel needs a channel", ErrInvalidCommand)
	}
	start, err := cmd.Channel.Specifier()
	if err != nil {
		return err
	}
	if cmd.End == nil {
		return s.builder.AddChannel(start, s.addOptions(cmd)...)
	}
	end, err := cmd.End.Specifier()
	if err != nil {
		return err
	}
	return s.builder.AddRange(start, end)
}

// switchChannels closes or opens either the given list or the current scan list.
func (s *Surface) switchChannels(ctx context.Context, cmd Command) error {
	router, err := s.route.current()
	if err != nil {
		return err
	}

	text := s.builder.Text()
	if cmd.Text != "" {
		list, err := channellist.Parse(cmd.Text)
		if err != nil {
			return err
		}
		text = channellist.Format(list)
	}

	if cmd.Type == CmdCloseChannels {
		return router.CloseChannels(ctx, text)
	}
	return router.OpenChannels(ctx, text)
}

func (s *Surface) saveMemory(ctx context.Context, location string) error {
	spec, err := channellist.Memory(location)
	if err != nil {
		return err
	}
	router, err := s.route.current()
	if err != nil {
		return err
	}
	if err := router.SaveMemory(ctx, spec.Location); err != nil {
		return err
	}

	if s.cfg.Memory != nil {
		if err := s.cfg.Memory.SaveScanList(ctx, spec.Location, s.builder.Text()); err != nil {
			return fmt.Errorf("persist memory location M%s: %w", spec.Location, err)
		}
	}
	return nil
}

func (s *Surface) loadPlan(name string) error {
	if s.cfg.Plans == nil {
		return ErrNoPlanSource
	}
	doc, err := s.cfg.Plans.Load(name)
	if err != nil {
		return err
	}
	p, err := doc.Plan()
	if err != nil {
		return err
	}
	if err := s.coord.SetPlan(p); err != nil {
		return err
	}

	s.mu.Lock()
	s.planStream = doc.Stream
	s.mu.Unlock()

	s.logger.Info("Plan loaded", zap.String("plan", name))
	return nil
}

// initiate starts a run and, when the loaded plan carries a stream layout,
// configures streaming right after arm layer 1 is applied.
func (s *Surface) initiate(ctx context.Context) error {
	if err := s.coord.Initiate(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	stream := s.planStream
	s.mu.Unlock()

	if stream != nil {
		return s.coord.ConfigureStreaming(ctx, *stream)
	}
	return nil
}

// Close unbinds the device and drops all subscribers.
func (s *Surface) Close(ctx context.Context) error {
	err := s.registry.Unbind(ctx)

	s.mu.Lock()
	subs := s.subscribers
	s.subscribers = make(map[int]chan Update)
	s.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	return err
}

func (s *Surface) advise(msg string) {
	s.logger.Info("Advisory", zap.String("message", msg))

	s.mu.Lock()
	s.advisory = msg
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateAdvisory, Advisory: msg})
}

func (s *Surface) onTransition(tr trigger.Transition) {
	s.publish(Update{Kind: UpdateTransition, Transition: &tr})

	if s.cfg.Recorder == nil {
		return
	}
	deviceID := ""
	if b := s.registry.Current(); b != nil {
		deviceID = b.DeviceID
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.cfg.Recorder.RecordTransition(ctx, s.name, deviceID, tr); err != nil {
			s.logger.Warn("Failed to record plan transition", zap.Error(err))
		}
	}()
}

func (s *Surface) onProgress(trigger.Counters) {
	s.publish(Update{Kind: UpdateSnapshot})
}

func (s *Surface) onBinding(ev binding.Event) {
	s.publish(Update{Kind: UpdateBinding, Binding: &ev})
}

func (s *Surface) publish(u Update) {
	list := s.builder.List()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	snap := Snapshot{
		Surface:         s.name,
		Seq:             s.seq,
		ScanList:        channellist.Format(list),
		Entries:         len(list),
		Channels:        channellist.Count(list),
		MemoryLocations: list.MemoryLocations(),
		Binding:         s.registry.Current(),
		Plan:            s.coord.Snapshot(),
		Advisory:        s.advisory,
		UpdatedAt:       time.Now(),
	}
	s.snapshot.Store(&snap)

	u.Snapshot = snap
	for id, ch := range s.subscribers {
		select {
		case ch <- u:
		default:
			s.logger.Debug("Dropping update for slow subscriber", zap.Int("subscriber", id))
		}
	}
}
