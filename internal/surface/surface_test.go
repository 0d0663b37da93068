package surface

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/binding"
	"github.com/KevinKickass/OpenScanCore/internal/capability"
	"github.com/KevinKickass/OpenScanCore/internal/channellist"
	"github.com/KevinKickass/OpenScanCore/internal/plans"
	"github.com/KevinKickass/OpenScanCore/internal/trigger"
	"go.uber.org/zap"
)

// fakeDevice implements every facade a surface can bind.
type fakeDevice struct {
	id       string
	scanCard bool
	digital  bool

	mu       sync.Mutex
	commands []string
	statuses []trigger.StatusByte
}

func (d *fakeDevice) rec(cmd string) error {
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) has(cmd string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func (d *fakeDevice) ID() string { return d.id }

func (d *fakeDevice) SupportsScanCardOption(ctx context.Context) (bool, error) {
	return d.scanCard, nil
}

func (d *fakeDevice) InstalledScanCards(ctx context.Context) ([]capability.CardID, error) {
	if !d.scanCard {
		return nil, nil
	}
	return []capability.CardID{1}, nil
}

func (d *fakeDevice) SupportsDigitalLines(ctx context.Context) (bool, error) {
	return d.digital, nil
}

func (d *fakeDevice) ApplyArmLayer(ctx context.Context, cfg trigger.ArmLayerConfig) error {
	return d.rec("arm")
}

func (d *fakeDevice) ApplyTriggerLayer(ctx context.Context, cfg trigger.TriggerLayerConfig) error {
	return d.rec("trigger")
}

func (d *fakeDevice) Abort(ctx context.Context) error { return d.rec("abort") }

func (d *fakeDevice) AssertBusTrigger(ctx context.Context) error { return d.rec("*TRG") }

func (d *fakeDevice) ReadStatusByte(ctx context.Context) (trigger.StatusByte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.statuses) == 0 {
		return 0, nil
	}
	sb := d.statuses[0]
	d.statuses = d.statuses[1:]
	return sb, nil
}

func (d *fakeDevice) ApplyStatusByte(sb trigger.StatusByte) {}

func (d *fakeDevice) Scan(ctx context.Context, list string) error { return d.rec("scan " + list) }

func (d *fakeDevice) CloseChannels(ctx context.Context, list string) error {
	return d.rec("close " + list)
}

func (d *fakeDevice) OpenChannels(ctx context.Context, list string) error {
	return d.rec("open " + list)
}

func (d *fakeDevice) OpenAll(ctx context.Context) error { return d.rec("open all") }

func (d *fakeDevice) SaveMemory(ctx context.Context, location string) error {
	return d.rec("save M" + location)
}

func (d *fakeDevice) ConfigureStrobe(ctx context.Context, line uint, dur time.Duration) error {
	return d.rec("strobe")
}

func (d *fakeDevice) ConfigureBin(ctx context.Context, line uint, dur time.Duration) error {
	return d.rec("bin")
}

type fakePlans map[string]*plans.Document

func (f fakePlans) Load(name string) (*plans.Document, error) {
	doc, ok := f[name]
	if !ok {
		return nil, plans.ErrNotFound
	}
	return doc, nil
}

type memoryStore map[string]string

func (m memoryStore) SaveScanList(ctx context.Context, location, text string) error {
	m[location] = text
	return nil
}

func newSurface(t *testing.T, cfg Config, devices ...*fakeDevice) (*Manager, *Surface) {
	t.Helper()
	m := NewManager(zap.NewNop())
	for _, d := range devices {
		m.AddDevice(d)
	}
	s, err := m.CreateSurface("main", cfg)
	if err != nil {
		t.Fatalf("CreateSurface: %v", err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, s
}

func exec(t *testing.T, s *Surface, cmd Command) {
	t.Helper()
	if err := s.Execute(context.Background(), cmd); err != nil {
		t.Fatalf("%s: %v", cmd.Type, err)
	}
}

func u32(v uint32) *uint32 { return &v }

func TestScanListCommands(t *testing.T) {
	_, s := newSurface(t, Config{})

	exec(t, s, Command{Type: CmdAddChannel, Channel: &ChannelRef{Slot: u32(1), Channel: 1}, End: &ChannelRef{Slot: u32(1), Channel: 3}})
	exec(t, s, Command{Type: CmdAddMemory, Memory: "M2"})
	exec(t, s, Command{Type: CmdAddMemory, Memory: "2", Deduplicate: true})

	snap := s.Snapshot()
	if snap.ScanList != "(@1!1:1!3,M2)" {
		t.Fatalf("scan list = %q", snap.ScanList)
	}
	if snap.Entries != 2 || snap.Channels != 4 {
		t.Fatalf("entries=%d channels=%d", snap.Entries, snap.Channels)
	}

	err := s.Execute(context.Background(), Command{Type: CmdSetScanList, Text: "(@1!5:1!2)"})
	if !errors.Is(err, channellist.ErrInvalidRange) {
		t.Fatalf("expected invalid range, got %v", err)
	}
	if s.Snapshot().ScanList != "(@1!1:1!3,M2)" {
		t.Fatalf("scan list changed after failed set: %q", s.Snapshot().ScanList)
	}

	exec(t, s, Command{Type: CmdClear})
	if s.Snapshot().ScanList != "(@)" {
		t.Fatalf("scan list after clear = %q", s.Snapshot().ScanList)
	}
}

func TestBindWithoutScanCardAdvises(t *testing.T) {
	dev := &fakeDevice{id: "dmm-1", digital: true}
	_, s := newSurface(t, Config{}, dev)

	updates, cancel := s.Subscribe(16)
	defer cancel()

	exec(t, s, Command{Type: CmdBind, DeviceID: "dmm-1"})

	snap := s.Snapshot()
	if snap.Binding == nil || snap.Binding.Has(SubsystemRoute) {
		t.Fatalf("binding = %+v", snap.Binding)
	}
	if snap.Advisory != capability.AdvisoryNoScanCard {
		t.Fatalf("advisory = %q", snap.Advisory)
	}

	var sawAdvisory bool
	for len(updates) > 0 {
		if u := <-updates; u.Kind == UpdateAdvisory && u.Advisory == capability.AdvisoryNoScanCard {
			sawAdvisory = true
		}
	}
	if !sawAdvisory {
		t.Fatalf("advisory update not published")
	}

	if err := s.Execute(context.Background(), Command{Type: CmdApplyScan}); !errors.Is(err, ErrRouteUnbound) {
		t.Fatalf("expected ErrRouteUnbound, got %v", err)
	}
}

func TestBindUnknownDevice(t *testing.T) {
	_, s := newSurface(t, Config{})
	if err := s.Execute(context.Background(), Command{Type: CmdBind, DeviceID: "ghost"}); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestRouteCommands(t *testing.T) {
	dev := &fakeDevice{id: "dmm-1", scanCard: true, digital: true}
	store := memoryStore{}
	_, s := newSurface(t, Config{Memory: store}, dev)

	exec(t, s, Command{Type: CmdSetScanList, Text: "(@ 1!1 : 1!4 )"})
	exec(t, s, Command{Type: CmdBind, DeviceID: "dmm-1"})

	if !dev.has("scan (@1!1:1!4)") {
		t.Fatalf("scan list not pushed on bind: %v", dev.commands)
	}
	if !dev.has("strobe") || !dev.has("bin") {
		t.Fatalf("digital settings not applied: %v", dev.commands)
	}

	exec(t, s, Command{Type: CmdCloseChannels, Text: "(@1!2)"})
	exec(t, s, Command{Type: CmdSaveMemory, Memory: "M3"})
	if !dev.has("close (@1!2)") || !dev.has("save M3") {
		t.Fatalf("commands = %v", dev.commands)
	}
	if store["3"] != "(@1!1:1!4)" {
		t.Fatalf("memory store = %v", store)
	}

	exec(t, s, Command{Type: CmdUnbind})
	if !dev.has("open all") {
		t.Fatalf("route not released on unbind")
	}
	if s.Snapshot().Binding != nil {
		t.Fatalf("still bound after unbind")
	}
}

func TestPlanRunThroughSurface(t *testing.T) {
	dev := &fakeDevice{id: "dmm-1", scanCard: true}
	doc := &plans.Document{
		Name:    "bus",
		Arm1:    plans.Layer{Source: trigger.SourceImmediate},
		Arm2:    plans.Layer{Source: trigger.SourceBus},
		Trigger: plans.Layer{Source: trigger.SourceImmediate, Count: 4},
		Stream:  &trigger.StreamConfig{PointsPerBuffer: 4},
	}
	_, s := newSurface(t, Config{Plans: fakePlans{"bus": doc}}, dev)
	ctx := context.Background()

	exec(t, s, Command{Type: CmdBind, DeviceID: "dmm-1"})
	exec(t, s, Command{Type: CmdLoadPlan, Plan: "bus"})
	if s.Snapshot().Plan.Plan.Name != "bus" {
		t.Fatalf("plan not loaded: %+v", s.Snapshot().Plan.Plan)
	}

	if err := s.Execute(ctx, Command{Type: CmdBusTrigger}); !errors.Is(err, trigger.ErrInvalidState) {
		t.Fatalf("bus trigger while idle: %v", err)
	}

	exec(t, s, Command{Type: CmdInitiate})
	snap := s.Snapshot().Plan
	if snap.State != trigger.StateArmed1 || snap.Stream.PointsPerBuffer != 4 {
		t.Fatalf("plan snapshot after initiate = %+v", snap)
	}

	exec(t, s, Command{Type: CmdStartStream})
	dev.mu.Lock()
	dev.statuses = []trigger.StatusByte{
		trigger.StatusArm1Satisfied | trigger.StatusArm2Satisfied | trigger.StatusTriggered,
		trigger.StatusBufferAvailable,
	}
	dev.mu.Unlock()

	c := s.Coordinator()
	if err := c.HandleStatus(ctx); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	if err := c.HandleStatus(ctx); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	got := s.Snapshot().Plan
	if got.State != trigger.StateStreaming {
		t.Fatalf("state = %s, want streaming", got.State)
	}
	if want := (trigger.Counters{Buffers: 1, FirstPoint: 0, LastPoint: 3}); got.Counters != want {
		t.Fatalf("counters = %s, want %s", got.Counters, want)
	}

	exec(t, s, Command{Type: CmdAbort})
	if s.Snapshot().Plan.State != trigger.StateIdle {
		t.Fatalf("state after abort = %s", s.Snapshot().Plan.State)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, s := newSurface(t, Config{})
	if err := s.Execute(context.Background(), Command{Type: "dance"}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestManagerSurfaces(t *testing.T) {
	m, _ := newSurface(t, Config{})
	if _, err := m.CreateSurface("main", Config{}); err == nil {
		t.Fatalf("expected duplicate surface error")
	}
	if _, err := m.CreateSurface("aux", Config{}); err != nil {
		t.Fatalf("CreateSurface: %v", err)
	}
	all := m.Surfaces()
	if len(all) != 2 || all[0].Name() != "aux" || all[1].Name() != "main" {
		t.Fatalf("surfaces not sorted by name")
	}
}

func TestSubscribeCancelAfterClose(t *testing.T) {
	_, s := newSurface(t, Config{})
	_, cancel := s.Subscribe(1)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	cancel()
}

func drain(ch <-chan Update) []Update {
	var out []Update
	for {
		select {
		case u := <-ch:
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestRebindUpdatesAlwaysCarryBinding(t *testing.T) {
	a := &fakeDevice{id: "a", scanCard: true}
	b := &fakeDevice{id: "b"}
	_, s := newSurface(t, Config{}, a, b)

	exec(t, s, Command{Type: CmdBind, DeviceID: "a"})
	updates, cancel := s.Subscribe(32)
	defer cancel()

	exec(t, s, Command{Type: CmdRebind, DeviceID: "b"})

	got := drain(updates)
	if len(got) == 0 {
		t.Fatalf("no updates during rebind")
	}
	sawAdvisory := false
	for _, u := range got {
		if u.Snapshot.Binding == nil {
			t.Fatalf("update %s carried no binding during rebind", u.Kind)
		}
		if u.Kind == UpdateAdvisory {
			sawAdvisory = true
		}
	}
	if !sawAdvisory {
		t.Fatalf("expected the no scan card advisory during rebind")
	}
	if last := got[len(got)-1]; last.Snapshot.Binding.DeviceID != "b" {
		t.Fatalf("final binding = %s, want b", last.Snapshot.Binding.DeviceID)
	}
}

func TestStreamingCountersReachSubscribers(t *testing.T) {
	dev := &fakeDevice{id: "dmm-1"}
	_, s := newSurface(t, Config{}, dev)
	ctx := context.Background()

	exec(t, s, Command{Type: CmdBind, DeviceID: "dmm-1"})
	exec(t, s, Command{Type: CmdInitiate})
	exec(t, s, Command{Type: CmdConfigureStream, PointsPerBuffer: 2})
	exec(t, s, Command{Type: CmdStartStream})

	dev.mu.Lock()
	dev.statuses = []trigger.StatusByte{
		trigger.StatusArm1Satisfied | trigger.StatusArm2Satisfied | trigger.StatusTriggered,
		trigger.StatusBufferAvailable,
		trigger.StatusBufferAvailable,
	}
	dev.mu.Unlock()

	updates, cancel := s.Subscribe(32)
	defer cancel()
	for range 3 {
		if err := s.Coordinator().HandleStatus(ctx); err != nil {
			t.Fatalf("HandleStatus: %v", err)
		}
	}

	var seen []trigger.Counters
	for _, u := range drain(updates) {
		if u.Kind == UpdateSnapshot && u.Snapshot.Plan.State == trigger.StateStreaming {
			seen = append(seen, u.Snapshot.Plan.Counters)
		}
	}
	want := []trigger.Counters{
		{Buffers: 1, FirstPoint: 0, LastPoint: 1},
		{Buffers: 2, FirstPoint: 2, LastPoint: 3},
	}
	if len(seen) != len(want) || seen[0] != want[0] || seen[1] != want[1] {
		t.Fatalf("published counters = %v, want %v", seen, want)
	}
	if got := s.Snapshot().Plan.Counters; got != want[1] {
		t.Fatalf("snapshot counters = %s, want %s", got, want[1])
	}
}

// linkedDevice refuses capability queries until its link is open.
type linkedDevice struct {
	*fakeDevice
	linkMu  sync.Mutex
	up      bool
	dialErr error
	dials   int
}

func (d *linkedDevice) Connected() bool {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	return d.up
}

func (d *linkedDevice) Connect(ctx context.Context) error {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return d.dialErr
	}
	d.up = true
	return nil
}

func (d *linkedDevice) SupportsScanCardOption(ctx context.Context) (bool, error) {
	if !d.Connected() {
		return false, errors.New("not connected")
	}
	return d.fakeDevice.SupportsScanCardOption(ctx)
}

func TestBindConnectsDeviceOnDemand(t *testing.T) {
	dev := &linkedDevice{fakeDevice: &fakeDevice{id: "dmm-1", scanCard: true}, dialErr: errors.New("connection refused")}
	m := NewManager(zap.NewNop())
	m.AddDevice(dev)
	s, err := m.CreateSurface("main", Config{})
	if err != nil {
		t.Fatalf("CreateSurface: %v", err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	ctx := context.Background()

	err = s.Execute(ctx, Command{Type: CmdBind, DeviceID: "dmm-1"})
	var be *binding.BindingError
	if !errors.As(err, &be) || be.Subsystem != "connect" {
		t.Fatalf("expected connect BindingError, got %v", err)
	}
	if s.Snapshot().Binding != nil {
		t.Fatalf("bound without a link")
	}

	// Instrument comes up after the failed attempt.
	dev.linkMu.Lock()
	dev.dialErr = nil
	dev.linkMu.Unlock()

	exec(t, s, Command{Type: CmdBind, DeviceID: "dmm-1"})
	if b := s.Snapshot().Binding; b == nil || b.DeviceID != "dmm-1" || !b.Has("route") {
		t.Fatalf("binding after reconnect = %+v", b)
	}

	exec(t, s, Command{Type: CmdRebind, DeviceID: "dmm-1"})
	if dev.dials != 2 {
		t.Fatalf("dials = %d, want 2", dev.dials)
	}
}
