package surface

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/binding"
	"github.com/KevinKickass/OpenScanCore/internal/channellist"
	"github.com/KevinKickass/OpenScanCore/internal/plans"
	"github.com/KevinKickass/OpenScanCore/internal/trigger"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrRouteUnbound   = errors.New("route subsystem not bound")
	ErrNoPlanSource   = errors.New("no plan source configured")
	ErrInvalidCommand = errors.New("invalid command")
)

type CommandType string

const (
	CmdBind            CommandType = "bind"
	CmdRebind          CommandType = "rebind"
	CmdUnbind          CommandType = "unbind"
	CmdAddChannel      CommandType = "add_channel"
	CmdAddMemory       CommandType = "add_memory"
	CmdClear           CommandType = "clear"
	CmdSetScanList     CommandType = "set_scan_list"
	CmdApplyScan       CommandType = "apply_scan"
	CmdCloseChannels   CommandType = "close_channels"
	CmdOpenChannels    CommandType = "open_channels"
	CmdSaveMemory      CommandType = "save_memory"
	CmdLoadPlan        CommandType = "load_plan"
	CmdInitiate        CommandType = "initiate"
	CmdAbort           CommandType = "abort"
	CmdBusTrigger      CommandType = "bus_trigger"
	CmdConfigureStream CommandType = "configure_stream"
	CmdStartStream     CommandType = "start_stream"
	CmdStopStream      CommandType = "stop_stream"
)

// Connector is implemented by devices whose link is opened on demand. Bind
// and rebind connect such a device first when its link is down.
type Connector interface {
	Connected() bool
	Connect(ctx context.Context) error
}

// ChannelRef is the wire form of a channel specifier.
type ChannelRef struct {
	Slot       *uint32 `json:"slot,omitempty"`
	Channel    uint32  `json:"channel"`
	Subchannel *uint32 `json:"subchannel,omitempty"`
}

func (r ChannelRef) Specifier() (channellist.Specifier, error) {
	switch {
	case r.Subchannel != nil && r.Slot == nil:
		return channellist.Specifier{}, fmt.Errorf("%w: subchannel requires a slot", ErrInvalidCommand)
	case r.Subchannel != nil:
		return channellist.SubChannel(*r.Slot, r.Channel, *r.Subchannel), nil
	case r.Slot != nil:
		return channellist.SlotChannel(*r.Slot, r.Channel), nil
	default:
		return channellist.Channel(r.Channel), nil
	}
}

// Command is one explicit request to a surface. Which fields are read
// depends on Type.
type Command struct {
	Type            CommandType `json:"type"`
	DeviceID        string      `json:"device_id,omitempty"`
	Channel         *ChannelRef `json:"channel,omitempty"`
	End             *ChannelRef `json:"end,omitempty"`
	Memory          string      `json:"memory,omitempty"`
	Text            string      `json:"text,omitempty"`
	Deduplicate     bool        `json:"deduplicate,omitempty"`
	Plan            string      `json:"plan,omitempty"`
	PointsPerBuffer uint32      `json:"points_per_buffer,omitempty"`
}

// Snapshot is the immutable view a surface publishes after every change.
type Snapshot struct {
	Surface         string           `json:"surface"`
	Seq             uint64           `json:"seq"`
	ScanList        string           `json:"scan_list"`
	Entries         int              `json:"entries"`
	Channels        uint64           `json:"channels"`
	MemoryLocations []string         `json:"memory_locations,omitempty"`
	Binding         *binding.Binding `json:"binding,omitempty"`
	Plan            trigger.Snapshot `json:"plan"`
	Advisory        string           `json:"advisory,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type UpdateKind string

const (
	UpdateSnapshot   UpdateKind = "snapshot"
	UpdateAdvisory   UpdateKind = "advisory"
	UpdateTransition UpdateKind = "transition"
	UpdateBinding    UpdateKind = "binding"
)

// Update is what subscribers receive; it always carries the snapshot taken
// right after the change.
type Update struct {
	Kind       UpdateKind          `json:"kind"`
	Snapshot   Snapshot            `json:"snapshot"`
	Advisory   string              `json:"advisory,omitempty"`
	Transition *trigger.Transition `json:"transition,omitempty"`
	Binding    *binding.Event      `json:"binding,omitempty"`
}

// Settings are the digital output values applied when a device is bound.
type Settings struct {
	StrobeLineNumber uint
	StrobeDuration   time.Duration
	BinLineNumber    uint
	BinDuration      time.Duration
}

type DeviceResolver interface {
	Device(id string) (binding.Device, bool)
}

type PlanSource interface {
	Load(name string) (*plans.Document, error)
}

// MemoryStore persists the text saved into an instrument memory location.
type MemoryStore interface {
	SaveScanList(ctx context.Context, location, text string) error
}

type TransitionRecorder interface {
	RecordTransition(ctx context.Context, surface, deviceID string, tr trigger.Transition) error
}

type Config struct {
	Settings       Settings
	StatusInterval time.Duration
	Plans          PlanSource
	Memory         MemoryStore
	Recorder       TransitionRecorder
}
