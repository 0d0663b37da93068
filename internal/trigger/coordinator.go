package trigger

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const AdvisoryAbortUnconfirmed = "Abort not confirmed by device"

type Option func(*Coordinator)

// WithAdvisory routes non-fatal, human-readable messages to a sink.
func WithAdvisory(fn func(msg string)) Option {
	return func(c *Coordinator) {
		c.advise = fn
	}
}

// WithObserver receives every committed transition, in order, outside the
// coordinator's locks.
func WithObserver(fn func(Transition)) Option {
	return func(c *Coordinator) {
		c.observer = fn
	}
}

// WithProgress receives the streaming counters after every buffer, outside
// the coordinator's locks. Counter updates never produce a Transition.
func WithProgress(fn func(Counters)) Option {
	return func(c *Coordinator) {
		c.progress = fn
	}
}

func WithPlan(p Plan) Option {
	return func(c *Coordinator) {
		c.plan = p
	}
}

// Coordinator sequences arm layer 1, arm layer 2, the trigger layer and
// buffer streaming for one device session.
//
// Every device-facing operation runs under opMu, so initiate, status
// handling and stream/bus-trigger commands never interleave. Abort does not
// take opMu: it bumps the epoch under mu, and any in-flight operation whose
// epoch no longer matches discards its result.
type Coordinator struct {
	logger   *zap.Logger
	advise   func(string)
	observer func(Transition)
	progress func(Counters)

	opMu sync.Mutex

	mu              sync.Mutex
	session         Session
	plan            Plan
	stream          StreamConfig
	state           State
	runID           uuid.UUID
	epoch           uint64
	inFlight        string
	streamRequested bool
	counters        Counters
	lastErr         string

	snap atomic.Pointer[Snapshot]
}

func NewCoordinator(logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:   logger,
		plan:     DefaultPlan(),
		stream:   DefaultStreamConfig(),
		state:    StateIdle,
		counters: ResetCounters(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.mu.Lock()
	c.publishLocked()
	c.mu.Unlock()

	return c
}

// Attach hands the coordinator a device session.
func (c *Coordinator) Attach(s Session) {
	c.mu.Lock()
	c.session = s
	c.publishLocked()
	c.mu.Unlock()
}

// Detach aborts a running plan and releases the session.
func (c *Coordinator) Detach(ctx context.Context) {
	if err := c.Abort(ctx); err != nil && !errors.Is(err, ErrInvalidState) {
		c.logger.Warn("Abort during detach failed", zap.Error(err))
	}

	c.mu.Lock()
	c.session = nil
	c.publishLocked()
	c.mu.Unlock()
}

// SetPlan replaces the plan used by the next run. Only allowed while idle.
func (c *Coordinator) SetPlan(p Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle || c.inFlight != "" {
		return &InvalidStateError{Action: "set_plan", State: c.state}
	}
	c.plan = p
	c.publishLocked()
	return nil
}

func (c *Coordinator) Plan() Plan {
	return c.Snapshot().Plan
}

func (c *Coordinator) State() State {
	return c.Snapshot().State
}

func (c *Coordinator) Counters() Counters {
	return c.Snapshot().Counters
}

// Snapshot returns the latest published view without locking.
func (c *Coordinator) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Initiate applies arm layer 1 and enters Armed1. On failure the
// coordinator stays Idle.
func (c *Coordinator) Initiate(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	op, err := c.begin("initiate", StateIdle)
	if err != nil {
		return err
	}

	if err := op.session.ApplyArmLayer(ctx, op.plan.Arm1); err != nil {
		return c.fail(op.epoch, "apply_arm_layer", err)
	}

	committed := c.finish(op.epoch, func() (Transition, bool) {
		c.runID = uuid.New()
		c.lastErr = ""
		return c.transitionLocked(StateArmed1, "arm layer 1 applied")
	})
	if !committed {
		return ErrAborted
	}
	return nil
}

// HandleStatus reacts to a "status byte available" signal from the session
// layer: it reads the status byte, hands it back to the session and fires
// whatever edges it satisfies. Read failures leave the state untouched.
func (c *Coordinator) HandleStatus(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil
	}

	sb, err := sess.ReadStatusByte(ctx)
	if err != nil {
		metrics.DeviceErrors.WithLabelValues("read_status_byte").Inc()
		c.logger.Debug("Status byte read failed", zap.Error(err))
		return &DeviceCommError{Op: "read_status_byte", Err: err}
	}
	sess.ApplyStatusByte(sb)

	return c.applyStatus(ctx, sb)
}

func (c *Coordinator) applyStatus(ctx context.Context, sb StatusByte) error {
	c.logger.Debug("Status byte", zap.Stringer("status", sb), zap.Stringer("state", c.State()))

	if sb.Has(StatusArm1Satisfied) && c.State() == StateArmed1 {
		op, err := c.begin("apply_arm_layer_2", StateArmed1)
		if err != nil {
			return nil
		}
		if err := op.session.ApplyArmLayer(ctx, op.plan.Arm2); err != nil {
			return c.fail(op.epoch, "apply_arm_layer", err)
		}
		if !c.finish(op.epoch, func() (Transition, bool) {
			return c.transitionLocked(StateArmed2, "arm layer 1 satisfied")
		}) {
			return nil
		}
	}

	if sb.Has(StatusArm2Satisfied) && c.State() == StateArmed2 {
		op, err := c.begin("apply_trigger_layer", StateArmed2)
		if err != nil {
			return nil
		}
		if err := op.session.ApplyTriggerLayer(ctx, op.plan.Trigger); err != nil {
			return c.fail(op.epoch, "apply_trigger_layer", err)
		}
		if !c.finish(op.epoch, func() (Transition, bool) {
			return c.transitionLocked(StateTriggered, "arm layer 2 satisfied")
		}) {
			return nil
		}
	}

	if sb.Has(StatusTriggered) {
		c.update(func() (Transition, bool) {
			if c.state != StateTriggered {
				return Transition{}, false
			}
			if c.streamRequested {
				return c.transitionLocked(StateStreaming, "trigger observed")
			}
			return c.transitionLocked(StateIdle, "trigger observed")
		})
	}

	if sb.Has(StatusBufferAvailable) {
		var (
			advanced bool
			counters Counters
		)
		c.update(func() (Transition, bool) {
			if c.state == StateStreaming {
				c.advanceCountersLocked()
				advanced, counters = true, c.counters
			}
			return Transition{}, false
		})
		if advanced && c.progress != nil {
			c.progress(counters)
		}
	}

	return nil
}

// AssertBusTrigger issues a software trigger. Valid in Armed1, Armed2 and
// Triggered only.
func (c *Coordinator) AssertBusTrigger(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	op, err := c.begin("assert_bus_trigger", StateArmed1, StateArmed2, StateTriggered)
	if err != nil {
		return err
	}
	if err := op.session.AssertBusTrigger(ctx); err != nil {
		return c.fail(op.epoch, "assert_bus_trigger", err)
	}
	if !c.finish(op.epoch, nil) {
		return ErrAborted
	}
	return nil
}

// ConfigureStreaming sets the buffer layout for the active run.
func (c *Coordinator) ConfigureStreaming(ctx context.Context, cfg StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	op, err := c.begin("configure_streaming", StateArmed1, StateArmed2, StateTriggered)
	if err != nil {
		return err
	}
	if bs, ok := op.session.(BufferStreamer); ok {
		if err := bs.ConfigureBuffer(ctx, cfg); err != nil {
			return c.fail(op.epoch, "configure_buffer", err)
		}
	}
	if !c.finish(op.epoch, func() (Transition, bool) {
		c.stream = cfg
		return Transition{}, false
	}) {
		return ErrAborted
	}
	return nil
}

// StartStream requests buffer streaming for the active run. From Triggered
// the coordinator enters Streaming at once; from an armed state it does so
// when the trigger event is observed.
func (c *Coordinator) StartStream(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	op, err := c.begin("start_stream", StateArmed1, StateArmed2, StateTriggered)
	if err != nil {
		return err
	}
	if bs, ok := op.session.(BufferStreamer); ok {
		if err := bs.StartBuffer(ctx); err != nil {
			return c.fail(op.epoch, "start_buffer", err)
		}
	}
	if !c.finish(op.epoch, func() (Transition, bool) {
		c.streamRequested = true
		if c.state == StateTriggered {
			return c.transitionLocked(StateStreaming, "stream started")
		}
		return Transition{}, false
	}) {
		return ErrAborted
	}
	return nil
}

// StopStream ends streaming and completes the run.
func (c *Coordinator) StopStream(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	op, err := c.begin("stop_stream", StateStreaming)
	if err != nil {
		return err
	}
	if bs, ok := op.session.(BufferStreamer); ok {
		if err := bs.StopBuffer(ctx); err != nil {
			return c.fail(op.epoch, "stop_buffer", err)
		}
	}
	if !c.finish(op.epoch, func() (Transition, bool) {
		return c.transitionLocked(StateIdle, "stream stopped")
	}) {
		return ErrAborted
	}
	return nil
}

// Abort is accepted from every non-idle state, including while another
// operation is still waiting on the device. It never waits for that
// operation; the operation's result is discarded when it returns. A failed
// device abort is reported as an advisory and the plan is treated as idle.
func (c *Coordinator) Abort(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle && c.inFlight == "" {
		state := c.state
		c.mu.Unlock()
		return &InvalidStateError{Action: "abort", State: state}
	}
	if c.state == StateAborting {
		c.mu.Unlock()
		return nil
	}
	c.epoch++
	epoch := c.epoch
	sess := c.session
	tr, changed := c.transitionLocked(StateAborting, "abort requested")
	c.publishLocked()
	c.mu.Unlock()
	if changed {
		c.notify(tr)
	}

	if sess != nil {
		if err := sess.Abort(ctx); err != nil {
			metrics.DeviceErrors.WithLabelValues("abort").Inc()
			c.logger.Warn("Device did not confirm abort, treating plan as idle", zap.Error(err))
			c.emitAdvisory(AdvisoryAbortUnconfirmed)
		}
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil
	}
	tr, changed = c.transitionLocked(StateIdle, "abort confirmed")
	c.publishLocked()
	c.mu.Unlock()
	if changed {
		c.notify(tr)
	}
	return nil
}

type operation struct {
	session Session
	epoch   uint64
	plan    Plan
}

func (c *Coordinator) begin(action string, allowed ...State) (operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !slices.Contains(allowed, c.state) {
		return operation{}, &InvalidStateError{Action: action, State: c.state}
	}
	if c.session == nil {
		return operation{}, &InvalidStateError{Action: action, State: c.state, Reason: "no device bound"}
	}
	c.inFlight = action
	c.publishLocked()
	return operation{session: c.session, epoch: c.epoch, plan: c.plan}, nil
}

// finish commits apply unless an abort happened since begin.
func (c *Coordinator) finish(epoch uint64, apply func() (Transition, bool)) bool {
	c.mu.Lock()
	c.inFlight = ""
	if c.epoch != epoch {
		c.publishLocked()
		c.mu.Unlock()
		return false
	}
	var (
		tr      Transition
		changed bool
	)
	if apply != nil {
		tr, changed = apply()
	}
	c.publishLocked()
	c.mu.Unlock()

	if changed {
		c.notify(tr)
	}
	return true
}

func (c *Coordinator) fail(epoch uint64, op string, err error) error {
	metrics.DeviceErrors.WithLabelValues(op).Inc()

	c.mu.Lock()
	c.inFlight = ""
	aborted := c.epoch != epoch
	if !aborted {
		c.lastErr = err.Error()
	}
	state := c.state
	c.publishLocked()
	c.mu.Unlock()

	if aborted {
		c.logger.Debug("Discarding device error after abort", zap.String("op", op), zap.Error(err))
		return ErrAborted
	}
	c.logger.Error("Device call failed",
		zap.String("op", op),
		zap.Stringer("state", state),
		zap.Error(err))
	return &DeviceCommError{Op: op, Err: err}
}

func (c *Coordinator) update(apply func() (Transition, bool)) {
	c.mu.Lock()
	tr, changed := apply()
	c.publishLocked()
	c.mu.Unlock()

	if changed {
		c.notify(tr)
	}
}

func (c *Coordinator) transitionLocked(to State, detail string) (Transition, bool) {
	from := c.state
	if from == to {
		return Transition{}, false
	}
	c.state = to
	switch to {
	case StateArmed1:
		c.counters = ResetCounters()
	case StateIdle:
		c.streamRequested = false
	}
	metrics.PlanTransitions.WithLabelValues(from.String(), to.String()).Inc()
	return Transition{RunID: c.runID, From: from, To: to, At: time.Now(), Detail: detail}, true
}

func (c *Coordinator) advanceCountersLocked() {
	ppb := PointIndex(c.stream.PointsPerBuffer)
	c.counters.Buffers++
	c.counters.FirstPoint = PointIndex(c.counters.Buffers-1) * ppb
	c.counters.LastPoint = c.counters.FirstPoint + ppb - 1
}

func (c *Coordinator) publishLocked() {
	c.snap.Store(&Snapshot{
		State:           c.state,
		RunID:           c.runID,
		Counters:        c.counters,
		StreamRequested: c.streamRequested,
		Stream:          c.stream,
		Plan:            c.plan,
		InFlight:        c.inFlight,
		Attached:        c.session != nil,
		LastError:       c.lastErr,
	})
}

func (c *Coordinator) notify(tr Transition) {
	c.logger.Info("Plan state changed",
		zap.Stringer("from", tr.From),
		zap.Stringer("to", tr.To),
		zap.String("run_id", tr.RunID.String()),
		zap.String("detail", tr.Detail))

	if c.observer != nil {
		c.observer(tr)
	}
}

func (c *Coordinator) emitAdvisory(msg string) {
	metrics.Advisories.WithLabelValues(msg).Inc()
	if c.advise != nil {
		c.advise(msg)
	}
}
