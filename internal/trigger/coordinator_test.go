package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSession struct {
	mu       sync.Mutex
	calls    []string
	statuses []StatusByte
	applied  []StatusByte

	armErr     error
	triggerErr error
	readErr    error
	abortErr   error

	// When set, ApplyTriggerLayer signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSession) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeSession) ApplyArmLayer(ctx context.Context, cfg ArmLayerConfig) error {
	f.record("arm")
	return f.armErr
}

func (f *fakeSession) ApplyTriggerLayer(ctx context.Context, cfg TriggerLayerConfig) error {
	f.record("trigger")
	if f.entered != nil {
		close(f.entered)
		<-f.release
	}
	return f.triggerErr
}

func (f *fakeSession) Abort(ctx context.Context) error {
	f.record("abort")
	return f.abortErr
}

func (f *fakeSession) AssertBusTrigger(ctx context.Context) error {
	f.record("bus")
	return nil
}

func (f *fakeSession) ReadStatusByte(ctx context.Context) (StatusByte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.statuses) == 0 {
		return 0, nil
	}
	sb := f.statuses[0]
	f.statuses = f.statuses[1:]
	return sb, nil
}

func (f *fakeSession) ApplyStatusByte(sb StatusByte) {
	f.mu.Lock()
	f.applied = append(f.applied, sb)
	f.mu.Unlock()
}

func (f *fakeSession) queue(sb ...StatusByte) {
	f.mu.Lock()
	f.statuses = append(f.statuses, sb...)
	f.mu.Unlock()
}

type streamingSession struct {
	fakeSession
	bufferCfg StreamConfig
}

func (s *streamingSession) ConfigureBuffer(ctx context.Context, cfg StreamConfig) error {
	s.record("configure_buffer")
	s.bufferCfg = cfg
	return nil
}

func (s *streamingSession) StartBuffer(ctx context.Context) error {
	s.record("start_buffer")
	return nil
}

func (s *streamingSession) StopBuffer(ctx context.Context) error {
	s.record("stop_buffer")
	return nil
}

func newTestCoordinator(t *testing.T, s Session, opts ...Option) *Coordinator {
	t.Helper()
	c := NewCoordinator(zap.NewNop(), opts...)
	if s != nil {
		c.Attach(s)
	}
	return c
}

func handle(t *testing.T, c *Coordinator, s *fakeSession, sb StatusByte) {
	t.Helper()
	s.queue(sb)
	if err := c.HandleStatus(context.Background()); err != nil {
		t.Fatalf("HandleStatus(%s): %v", sb, err)
	}
}

func TestBusTriggerFromIdleRejected(t *testing.T) {
	s := &fakeSession{}
	c := newTestCoordinator(t, s)

	err := c.AssertBusTrigger(context.Background())
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected errors.Is ErrInvalidState")
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
	if len(s.calls) != 0 {
		t.Fatalf("unexpected device calls: %v", s.calls)
	}
}

func TestOperationsWithoutSession(t *testing.T) {
	c := newTestCoordinator(t, nil)

	err := c.Initiate(context.Background())
	var ise *InvalidStateError
	if !errors.As(err, &ise) || ise.Reason == "" {
		t.Fatalf("expected InvalidStateError with reason, got %v", err)
	}
	if err := c.HandleStatus(context.Background()); err != nil {
		t.Fatalf("HandleStatus without session: %v", err)
	}
}

func TestHappyPathWithStreaming(t *testing.T) {
	s := &streamingSession{}
	var (
		mu          sync.Mutex
		transitions []Transition
	)
	c := newTestCoordinator(t, s, WithObserver(func(tr Transition) {
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	}))
	ctx := context.Background()

	if err := c.Initiate(ctx); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if c.State() != StateArmed1 {
		t.Fatalf("state = %s, want armed1", c.State())
	}
	if got := c.Counters(); got != ResetCounters() {
		t.Fatalf("counters = %s, want (0,-,-)", got)
	}
	firstRun := c.Snapshot().RunID

	if err := c.ConfigureStreaming(ctx, StreamConfig{PointsPerBuffer: 10}); err != nil {
		t.Fatalf("ConfigureStreaming: %v", err)
	}
	if s.bufferCfg.PointsPerBuffer != 10 {
		t.Fatalf("buffer not configured on device: %+v", s.bufferCfg)
	}
	if err := c.StartStream(ctx); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if c.State() != StateArmed1 || !c.Snapshot().StreamRequested {
		t.Fatalf("unexpected snapshot after StartStream: %+v", c.Snapshot())
	}

	handle(t, c, &s.fakeSession, StatusArm1Satisfied)
	if c.State() != StateArmed2 {
		t.Fatalf("state = %s, want armed2", c.State())
	}
	if err := c.AssertBusTrigger(ctx); err != nil {
		t.Fatalf("AssertBusTrigger in armed2: %v", err)
	}
	handle(t, c, &s.fakeSession, StatusArm2Satisfied)
	if c.State() != StateTriggered {
		t.Fatalf("state = %s, want triggered", c.State())
	}
	handle(t, c, &s.fakeSession, StatusTriggered)
	if c.State() != StateStreaming {
		t.Fatalf("state = %s, want streaming", c.State())
	}

	handle(t, c, &s.fakeSession, StatusBufferAvailable)
	handle(t, c, &s.fakeSession, StatusBufferAvailable)
	want := Counters{Buffers: 2, FirstPoint: 10, LastPoint: 19}
	if got := c.Counters(); got != want {
		t.Fatalf("counters = %s, want %s", got, want)
	}

	if err := c.StopStream(ctx); err != nil {
		t.Fatalf("StopStream: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
	if got := c.Counters(); got != want {
		t.Fatalf("counters cleared on idle: %s", got)
	}

	if err := c.Initiate(ctx); err != nil {
		t.Fatalf("second Initiate: %v", err)
	}
	if got := c.Counters(); got != ResetCounters() {
		t.Fatalf("counters after re-initiate = %s, want (0,-,-)", got)
	}
	if c.Snapshot().RunID == firstRun {
		t.Fatalf("run id not renewed")
	}
	if c.Snapshot().StreamRequested {
		t.Fatalf("stream request carried into new run")
	}

	mu.Lock()
	defer mu.Unlock()
	order := []State{StateArmed1, StateArmed2, StateTriggered, StateStreaming, StateIdle, StateArmed1}
	if len(transitions) != len(order) {
		t.Fatalf("got %d transitions, want %d", len(transitions), len(order))
	}
	for i, tr := range transitions {
		if tr.To != order[i] {
			t.Fatalf("transition %d to %s, want %s", i, tr.To, order[i])
		}
	}
}

func TestStatusByteChainsEdges(t *testing.T) {
	s := &fakeSession{}
	c := newTestCoordinator(t, s)
	if err := c.Initiate(context.Background()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	handle(t, c, s, StatusArm1Satisfied|StatusArm2Satisfied)
	if c.State() != StateTriggered {
		t.Fatalf("state = %s, want triggered", c.State())
	}
	if len(s.applied) != 1 {
		t.Fatalf("status byte not handed back to session: %v", s.applied)
	}
}

func TestTriggerWithoutStreamReturnsIdle(t *testing.T) {
	s := &fakeSession{}
	c := newTestCoordinator(t, s)
	if err := c.Initiate(context.Background()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	handle(t, c, s, StatusArm1Satisfied|StatusArm2Satisfied|StatusTriggered)
	if c.State() != StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
}

func TestStartStreamFromTriggered(t *testing.T) {
	s := &fakeSession{}
	c := newTestCoordinator(t, s)
	ctx := context.Background()
	if err := c.Initiate(ctx); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	handle(t, c, s, StatusArm1Satisfied|StatusArm2Satisfied)
	if err := c.StartStream(ctx); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if c.State() != StateStreaming {
		t.Fatalf("state = %s, want streaming", c.State())
	}
	if err := c.StartStream(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second StartStream: expected ErrInvalidState, got %v", err)
	}
}

func TestInitiateFailureStaysIdle(t *testing.T) {
	s := &fakeSession{armErr: errors.New("timeout")}
	c := newTestCoordinator(t, s)

	err := c.Initiate(context.Background())
	var dce *DeviceCommError
	if !errors.As(err, &dce) {
		t.Fatalf("expected DeviceCommError, got %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
	if c.Snapshot().LastError == "" {
		t.Fatalf("last error not recorded")
	}
}

func TestStatusReadFailureKeepsState(t *testing.T) {
	s := &fakeSession{}
	c := newTestCoordinator(t, s)
	if err := c.Initiate(context.Background()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	s.readErr = errors.New("bus error")
	err := c.HandleStatus(context.Background())
	var dce *DeviceCommError
	if !errors.As(err, &dce) || dce.Op != "read_status_byte" {
		t.Fatalf("expected read DeviceCommError, got %v", err)
	}
	if c.State() != StateArmed1 {
		t.Fatalf("state = %s, want armed1", c.State())
	}
}

func TestStatusReadFailureLogsAtDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := &fakeSession{readErr: errors.New("not connected")}
	c := NewCoordinator(zap.New(core))
	c.Attach(s)

	for range 3 {
		if err := c.HandleStatus(context.Background()); err == nil {
			t.Fatalf("expected read error")
		}
	}

	if n := logs.FilterLevelExact(zapcore.WarnLevel).Len(); n != 0 {
		t.Fatalf("got %d warn entries for status read failures", n)
	}
	if n := logs.FilterMessage("Status byte read failed").FilterLevelExact(zapcore.DebugLevel).Len(); n != 3 {
		t.Fatalf("got %d debug entries, want 3", n)
	}
}

func TestProgressReportsEveryBuffer(t *testing.T) {
	s := &streamingSession{}
	var (
		mu       sync.Mutex
		progress []Counters
	)
	c := newTestCoordinator(t, s, WithProgress(func(cnt Counters) {
		mu.Lock()
		progress = append(progress, cnt)
		mu.Unlock()
	}))
	ctx := context.Background()

	if err := c.Initiate(ctx); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := c.ConfigureStreaming(ctx, StreamConfig{PointsPerBuffer: 5}); err != nil {
		t.Fatalf("ConfigureStreaming: %v", err)
	}
	if err := c.StartStream(ctx); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	// Buffers before streaming do not count.
	handle(t, c, &s.fakeSession, StatusBufferAvailable)
	handle(t, c, &s.fakeSession, StatusArm1Satisfied|StatusArm2Satisfied|StatusTriggered)
	handle(t, c, &s.fakeSession, StatusBufferAvailable)
	handle(t, c, &s.fakeSession, StatusBufferAvailable)

	mu.Lock()
	defer mu.Unlock()
	want := []Counters{
		{Buffers: 1, FirstPoint: 0, LastPoint: 4},
		{Buffers: 2, FirstPoint: 5, LastPoint: 9},
	}
	if len(progress) != len(want) {
		t.Fatalf("got %d progress reports, want %d: %v", len(progress), len(want), progress)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress %d = %s, want %s", i, progress[i], want[i])
		}
	}
}

func TestAbortFromIdleRejected(t *testing.T) {
	c := newTestCoordinator(t, &fakeSession{})
	if err := c.Abort(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestAbortDuringTriggerLayer(t *testing.T) {
	cases := []struct {
		name       string
		triggerErr error
	}{
		{name: "device succeeds", triggerErr: nil},
		{name: "device fails", triggerErr: errors.New("no response")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &fakeSession{triggerErr: tc.triggerErr}
			c := newTestCoordinator(t, s)
			ctx := context.Background()

			if err := c.Initiate(ctx); err != nil {
				t.Fatalf("Initiate: %v", err)
			}
			handle(t, c, s, StatusArm1Satisfied)

			s.entered = make(chan struct{})
			s.release = make(chan struct{})
			s.queue(StatusArm2Satisfied)

			done := make(chan error, 1)
			go func() {
				done <- c.HandleStatus(ctx)
			}()

			select {
			case <-s.entered:
			case <-time.After(2 * time.Second):
				t.Fatal("trigger layer never applied")
			}

			if err := c.Abort(ctx); err != nil {
				t.Fatalf("Abort: %v", err)
			}
			if c.State() != StateIdle {
				t.Fatalf("state after abort = %s, want idle", c.State())
			}

			close(s.release)
			select {
			case err := <-done:
				if err != nil && !errors.Is(err, ErrAborted) {
					t.Fatalf("HandleStatus after abort: %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("HandleStatus did not return")
			}

			if c.State() != StateIdle {
				t.Fatalf("state = %s, want idle", c.State())
			}
			if c.Snapshot().InFlight != "" {
				t.Fatalf("in-flight marker left behind: %q", c.Snapshot().InFlight)
			}
		})
	}
}

func TestAbortUnconfirmedStillIdle(t *testing.T) {
	s := &fakeSession{abortErr: errors.New("device busy")}
	var advisories []string
	c := newTestCoordinator(t, s, WithAdvisory(func(msg string) {
		advisories = append(advisories, msg)
	}))

	if err := c.Initiate(context.Background()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := c.Abort(context.Background()); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
	if len(advisories) != 1 || advisories[0] != AdvisoryAbortUnconfirmed {
		t.Fatalf("advisories = %v", advisories)
	}
}

func TestSetPlanOnlyWhileIdle(t *testing.T) {
	s := &fakeSession{}
	c := newTestCoordinator(t, s)

	p := DefaultPlan()
	p.Name = "bus"
	p.Trigger.Source = SourceBus
	if err := c.SetPlan(p); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	if c.Plan().Name != "bus" {
		t.Fatalf("plan not stored")
	}

	if err := c.Initiate(context.Background()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := c.SetPlan(DefaultPlan()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	bad := DefaultPlan()
	bad.Arm1.Count = 0
	c2 := newTestCoordinator(t, s)
	if err := c2.SetPlan(bad); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestDetachAbortsActivePlan(t *testing.T) {
	s := &fakeSession{}
	c := newTestCoordinator(t, s)
	if err := c.Initiate(context.Background()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	c.Detach(context.Background())

	if c.State() != StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
	if c.Snapshot().Attached {
		t.Fatalf("session still attached")
	}
	if s.calls[len(s.calls)-1] != "abort" {
		t.Fatalf("calls = %v, want trailing abort", s.calls)
	}
}

func TestStateTextRoundTrip(t *testing.T) {
	for st := StateIdle; st <= StateAborting; st++ {
		text, _ := st.MarshalText()
		var back State
		if err := back.UnmarshalText(text); err != nil || back != st {
			t.Fatalf("%s: got %s, %v", st, back, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("warp")); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}
