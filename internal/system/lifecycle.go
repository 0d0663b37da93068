package system

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/api/grpcapi"
	"github.com/KevinKickass/OpenScanCore/internal/api/rest"
	"github.com/KevinKickass/OpenScanCore/internal/api/websocket"
	"github.com/KevinKickass/OpenScanCore/internal/auth"
	"github.com/KevinKickass/OpenScanCore/internal/config"
	"github.com/KevinKickass/OpenScanCore/internal/events"
	"github.com/KevinKickass/OpenScanCore/internal/interfaces"
	"github.com/KevinKickass/OpenScanCore/internal/plans"
	"github.com/KevinKickass/OpenScanCore/internal/session"
	"github.com/KevinKickass/OpenScanCore/internal/surface"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Storage is everything the running system persists.
type Storage interface {
	auth.Store
	rest.Store
	surface.TransitionRecorder
	Purger
	Ping(ctx context.Context) error
}

type LifecycleManager struct {
	config   *config.Config
	storage  Storage
	plans    *plans.Loader
	auth     *auth.Service
	surfaces *surface.Manager
	hub      *websocket.Hub
	logger   *zap.Logger

	restServer *rest.Server
	grpcServer *grpc.Server
	grpcAddr   net.Addr
	hubCancel  context.CancelFunc
	retention  *Retention
	mqtt       *events.MQTTPublisher

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    string
	startedAt    time.Time

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(storage Storage, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	loader, err := plans.NewLoader(cfg.Plans.SearchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan loader: %w", err)
	}

	authService := auth.NewService(storage, cfg.Auth, logger)

	retention, err := NewRetention(storage, cfg.Retention, logger)
	if err != nil {
		return nil, err
	}

	return &LifecycleManager{
		config:       cfg,
		storage:      storage,
		plans:        loader,
		auth:         authService,
		surfaces:     surface.NewManager(logger),
		hub:          websocket.NewHub(logger, authService),
		retention:    retention,
		logger:       logger,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}, nil
}

// Start brings up the instrument surface and both API servers.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenScanCore")
	lm.broadcastStatus()

	if !lm.config.Auth.IsProductionReady() {
		lm.logger.Warn("JWT secret is the development default or too short")
	}
	if created, err := lm.auth.EnsureAdmin(ctx, lm.config.Auth.BootstrapAdmin, lm.config.Auth.BootstrapPassword()); err != nil {
		lm.logger.Warn("No admin account available",
			zap.String("password_env", lm.config.Auth.BootstrapPasswordEnv),
			zap.Error(err))
	} else if created {
		lm.logger.Info("Bootstrap admin created", zap.String("username", lm.config.Auth.BootstrapAdmin))
	}

	sf, err := lm.setupSurface(ctx)
	if err != nil {
		lm.setError(err)
		return err
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	lm.hubCancel = cancel
	go lm.hub.Run(hubCtx)
	lm.hub.Attach(hubCtx, sf)
	lm.startEventForwarding(hubCtx, sf)

	if lm.config.Instrument.BindOnStart {
		lm.bindInstrument(ctx, sf)
	}

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.retention.Start()

	lm.stateMu.Lock()
	lm.startedAt = time.Now()
	lm.stateMu.Unlock()
	lm.setState(StateRunning)
	lm.broadcastStatus()

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.String("surface", sf.Name()))

	return nil
}

func (lm *LifecycleManager) setupSurface(ctx context.Context) (*surface.Surface, error) {
	inst := lm.config.Instrument
	instrument := session.NewInstrument(session.Config{
		ID:           inst.ID,
		Address:      inst.Address,
		Timeout:      inst.Timeout,
		DigitalLines: inst.DigitalLines,
	}, lm.logger)
	lm.surfaces.AddDevice(instrument)

	sf, err := lm.surfaces.CreateSurface(inst.Surface, surface.Config{
		Settings: surface.Settings{
			StrobeLineNumber: lm.config.Settings.StrobeLineNumber,
			StrobeDuration:   lm.config.Settings.StrobeDuration,
			BinLineNumber:    lm.config.Settings.BinLineNumber,
			BinDuration:      lm.config.Settings.BinDuration,
		},
		StatusInterval: inst.StatusPollInterval,
		Plans:          lm.plans,
		Memory:         lm.storage,
		Recorder:       lm.storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create surface: %w", err)
	}

	if name := lm.config.Plans.Default; name != "" {
		if err := sf.Execute(ctx, surface.Command{Type: surface.CmdLoadPlan, Plan: name}); err != nil {
			lm.logger.Warn("Failed to load default plan", zap.String("plan", name), zap.Error(err))
		}
	}
	return sf, nil
}

// startEventForwarding publishes surface updates to MQTT when a broker is
// configured. A broker outage only costs the MQTT feed.
func (lm *LifecycleManager) startEventForwarding(ctx context.Context, sf *surface.Surface) {
	if !lm.config.MQTT.Enabled() {
		return
	}
	pub, err := events.ConnectMQTT(lm.config.MQTT, lm.logger)
	if err != nil {
		lm.logger.Warn("MQTT event forwarding disabled", zap.Error(err))
		return
	}
	lm.mqtt = pub
	events.NewForwarder(pub, lm.config.MQTT.TopicPrefix, lm.logger).Attach(ctx, sf)
}

// bindInstrument binds the configured instrument; the bind command opens
// the link. A missing instrument is not fatal: the surface stays unbound and
// a later bind command connects again.
func (lm *LifecycleManager) bindInstrument(ctx context.Context, sf *surface.Surface) {
	id := lm.config.Instrument.ID
	if _, ok := lm.surfaces.Device(id); !ok {
		return
	}

	if err := sf.Execute(ctx, surface.Command{Type: surface.CmdBind, DeviceID: id}); err != nil {
		lm.logger.Warn("Instrument not bound, surface stays unbound",
			zap.String("device_id", id),
			zap.String("address", lm.config.Instrument.Address),
			zap.Error(err))
	}
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		lm.broadcastStatus()

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		if lm.hubCancel != nil {
			lm.hubCancel()
		}
		lm.mqtt.Close()

		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		result *multierror.Error
	)
	collect := func(err error) {
		errMu.Lock()
		result = multierror.Append(result, err)
		errMu.Unlock()
	}

	// 1. Surfaces abort, unbind and release their instruments
	wg.Add(1)
	go func() {
		defer wg.Done()
		lm.retention.Stop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := lm.surfaces.Shutdown(ctx); err != nil {
			collect(fmt.Errorf("surface shutdown failed: %w", err))
		}
	}()

	// 2. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				collect(fmt.Errorf("rest api shutdown failed: %w", err))
			}
		}()
	}

	// 3. gRPC Server graceful stop
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed")
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		return fmt.Errorf("shutdown timeout exceeded")
	}

	errMu.Lock()
	defer errMu.Unlock()
	return result.ErrorOrNil()
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lm.grpcAddr = lis.Addr()

	lm.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(grpcapi.UnaryAuthInterceptor(lm.auth)),
		grpc.StreamInterceptor(grpcapi.StreamAuthInterceptor(lm.auth)),
	)
	grpcapi.Register(lm.grpcServer, grpcapi.NewSurfaceService(lm.surfaces, lm.logger))

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", grpcapi.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, rest.Deps{
		Lifecycle: lm,
		Surfaces:  lm.surfaces,
		Plans:     lm.plans,
		Store:     lm.storage,
		Auth:      lm.auth,
		Hub:       lm.hub,
	}, lm.logger)
	return lm.restServer.Start()
}

// ReloadPlans drops cached presets and re-reads every preset so broken
// files show up immediately.
func (lm *LifecycleManager) ReloadPlans() error {
	if err := lm.transition(StateReloading); err != nil {
		return err
	}
	defer func() {
		lm.setState(StateRunning)
		lm.broadcastStatus()
	}()
	lm.broadcastStatus()

	lm.plans.ClearCache()

	names, err := lm.plans.List()
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, name := range names {
		if _, err := lm.plans.Load(name); err != nil {
			result = multierror.Append(result, fmt.Errorf("plan %s: %w", name, err))
		}
	}

	lm.logger.Info("Plans reloaded", zap.Int("count", len(names)))
	return result.ErrorOrNil()
}

func (lm *LifecycleManager) transition(to SystemState) error {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, to); err != nil {
		return err
	}
	lm.currentState = to
	return nil
}

func (lm *LifecycleManager) setState(state SystemState) {
	if err := lm.transition(state); err != nil {
		lm.logger.Warn("Unexpected system state change", zap.Error(err))
		lm.stateMu.Lock()
		lm.currentState = state
		lm.stateMu.Unlock()
	}
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err.Error()
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus(ctx context.Context) interfaces.SystemStatus {
	lm.stateMu.RLock()
	status := interfaces.SystemStatus{
		State: lm.currentState.String(),
		Error: lm.lastError,
	}
	if !lm.startedAt.IsZero() {
		status.StartedAt = lm.startedAt.Unix()
	}
	lm.stateMu.RUnlock()

	ids := lm.surfaces.DeviceIDs()
	status.DeviceCount = len(ids)
	for _, id := range ids {
		dev, ok := lm.surfaces.Device(id)
		if !ok {
			continue
		}
		if c, ok := dev.(interface{ Connected() bool }); ok && c.Connected() {
			status.ConnectedDevices++
		}
	}

	if lm.storage != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		status.DatabaseOK = lm.storage.Ping(pingCtx) == nil
		cancel()
	}

	for _, sf := range lm.surfaces.Surfaces() {
		snap := sf.Snapshot()
		ss := interfaces.SurfaceStatus{
			Name:      snap.Surface,
			PlanState: snap.Plan.State.String(),
			Advisory:  snap.Advisory,
		}
		if snap.Binding != nil {
			ss.DeviceID = snap.Binding.DeviceID
		}
		status.Surfaces = append(status.Surfaces, ss)
	}

	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	lm.stateMu.RLock()
	data := map[string]any{
		"state":     lm.currentState.String(),
		"error":     lm.lastError,
		"timestamp": time.Now().Unix(),
	}
	lm.stateMu.RUnlock()

	lm.hub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, data))
}

// GRPCAddr is the bound gRPC listener address, useful with port 0.
func (lm *LifecycleManager) GRPCAddr() net.Addr {
	return lm.grpcAddr
}

func (lm *LifecycleManager) Surfaces() *surface.Manager {
	return lm.surfaces
}

func (lm *LifecycleManager) Auth() *auth.Service {
	return lm.auth
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}
