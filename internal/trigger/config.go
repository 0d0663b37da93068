package trigger

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPlan = errors.New("invalid trigger plan")

type Source string

const (
	SourceImmediate   Source = "immediate"
	SourceBus         Source = "bus"
	SourceExternal    Source = "external"
	SourceTimer       Source = "timer"
	SourceManual      Source = "manual"
	SourceHold        Source = "hold"
	SourceTriggerLink Source = "tlink"
)

func (s Source) Valid() bool {
	switch s {
	case SourceImmediate, SourceBus, SourceExternal, SourceTimer, SourceManual, SourceHold, SourceTriggerLink:
		return true
	}
	return false
}

// ArmLayerConfig configures one arm layer (1 or 2).
type ArmLayerConfig struct {
	Layer  uint8         `json:"layer" yaml:"layer"`
	Source Source        `json:"source" yaml:"source"`
	Count  uint32        `json:"count" yaml:"count"`
	Delay  time.Duration `json:"delay" yaml:"delay"`
}

func (c ArmLayerConfig) Validate() error {
	if c.Layer != 1 && c.Layer != 2 {
		return fmt.Errorf("arm layer number must be 1 or 2, got %d", c.Layer)
	}
	return validateLayer(c.Source, c.Count, c.Delay)
}

// TriggerLayerConfig configures the trigger (device action) layer.
type TriggerLayerConfig struct {
	Layer  uint8         `json:"layer" yaml:"layer"`
	Source Source        `json:"source" yaml:"source"`
	Count  uint32        `json:"count" yaml:"count"`
	Delay  time.Duration `json:"delay" yaml:"delay"`
}

func (c TriggerLayerConfig) Validate() error {
	return validateLayer(c.Source, c.Count, c.Delay)
}

func validateLayer(src Source, count uint32, delay time.Duration) error {
	if !src.Valid() {
		return fmt.Errorf("unknown source %q", src)
	}
	if count == 0 {
		return fmt.Errorf("count must be at least 1")
	}
	if delay < 0 {
		return fmt.Errorf("delay must not be negative")
	}
	return nil
}

// Plan is the full arm/arm/trigger configuration applied by one run.
type Plan struct {
	Name    string             `json:"name,omitempty" yaml:"name"`
	Arm1    ArmLayerConfig     `json:"arm1" yaml:"arm1"`
	Arm2    ArmLayerConfig     `json:"arm2" yaml:"arm2"`
	Trigger TriggerLayerConfig `json:"trigger" yaml:"trigger"`
}

func DefaultPlan() Plan {
	return Plan{
		Name:    "default",
		Arm1:    ArmLayerConfig{Layer: 1, Source: SourceImmediate, Count: 1},
		Arm2:    ArmLayerConfig{Layer: 2, Source: SourceImmediate, Count: 1},
		Trigger: TriggerLayerConfig{Layer: 1, Source: SourceImmediate, Count: 1},
	}
}

func (p Plan) Validate() error {
	if err := p.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return nil
}

func (p Plan) validate() error {
	if p.Arm1.Layer != 1 {
		return fmt.Errorf("arm1: layer must be 1, got %d", p.Arm1.Layer)
	}
	if err := p.Arm1.Validate(); err != nil {
		return fmt.Errorf("arm1: %w", err)
	}
	if p.Arm2.Layer != 2 {
		return fmt.Errorf("arm2: layer must be 2, got %d", p.Arm2.Layer)
	}
	if err := p.Arm2.Validate(); err != nil {
		return fmt.Errorf("arm2: %w", err)
	}
	if err := p.Trigger.Validate(); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	return nil
}

// StreamConfig configures buffer streaming for a run.
type StreamConfig struct {
	PointsPerBuffer uint32 `json:"points_per_buffer" yaml:"points_per_buffer"`
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{PointsPerBuffer: 1}
}

func (c StreamConfig) Validate() error {
	if c.PointsPerBuffer == 0 {
		return fmt.Errorf("%w: points_per_buffer must be at least 1", ErrInvalidPlan)
	}
	return nil
}
