package trigger

import "context"

// Session is the device-session facade the coordinator drives.
type Session interface {
	ApplyArmLayer(ctx context.Context, cfg ArmLayerConfig) error
	ApplyTriggerLayer(ctx context.Context, cfg TriggerLayerConfig) error
	Abort(ctx context.Context) error
	AssertBusTrigger(ctx context.Context) error
	ReadStatusByte(ctx context.Context) (StatusByte, error)
	ApplyStatusByte(sb StatusByte)
}

// BufferStreamer is implemented by sessions that manage an on-device
// reading buffer. Sessions without it stream without device calls.
type BufferStreamer interface {
	ConfigureBuffer(ctx context.Context, cfg StreamConfig) error
	StartBuffer(ctx context.Context) error
	StopBuffer(ctx context.Context) error
}
