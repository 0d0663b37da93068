package plans

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/trigger"
)

// Duration is a wrapper around time.Duration that supports JSON string parsing
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses duration from string like "2s", "100ms", etc.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		return err
	default:
		return fmt.Errorf("invalid duration type: %T", value)
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Layer is one stage of a plan document. Numeric delays are seconds.
type Layer struct {
	Source trigger.Source `json:"source"`
	Count  uint32         `json:"count,omitempty"`
	Delay  Duration       `json:"delay"`
}

func (l Layer) count() uint32 {
	if l.Count == 0 {
		return 1
	}
	return l.Count
}

// Document is the on-disk and over-the-wire form of a trigger plan preset.
type Document struct {
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Arm1        Layer                 `json:"arm1"`
	Arm2        Layer                 `json:"arm2"`
	Trigger     Layer                 `json:"trigger"`
	Stream      *trigger.StreamConfig `json:"stream,omitempty"`
}

// Plan converts the document into a validated coordinator plan.
func (d *Document) Plan() (trigger.Plan, error) {
	p := trigger.Plan{
		Name: d.Name,
		Arm1: trigger.ArmLayerConfig{
			Layer:  1,
			Source: d.Arm1.Source,
			Count:  d.Arm1.count(),
			Delay:  d.Arm1.Delay.Duration,
		},
		Arm2: trigger.ArmLayerConfig{
			Layer:  2,
			Source: d.Arm2.Source,
			Count:  d.Arm2.count(),
			Delay:  d.Arm2.Delay.Duration,
		},
		Trigger: trigger.TriggerLayerConfig{
			Layer:  1,
			Source: d.Trigger.Source,
			Count:  d.Trigger.count(),
			Delay:  d.Trigger.Delay.Duration,
		},
	}
	if err := p.Validate(); err != nil {
		return trigger.Plan{}, fmt.Errorf("plan %s: %w", d.Name, err)
	}
	if d.Stream != nil {
		if err := d.Stream.Validate(); err != nil {
			return trigger.Plan{}, fmt.Errorf("plan %s: stream: %w", d.Name, err)
		}
	}
	return p, nil
}

// FromPlan renders a coordinator plan as a document.
func FromPlan(p trigger.Plan) Document {
	return Document{
		Name:    p.Name,
		Arm1:    Layer{Source: p.Arm1.Source, Count: p.Arm1.Count, Delay: Duration{p.Arm1.Delay}},
		Arm2:    Layer{Source: p.Arm2.Source, Count: p.Arm2.Count, Delay: Duration{p.Arm2.Delay}},
		Trigger: Layer{Source: p.Trigger.Source, Count: p.Trigger.Count, Delay: Duration{p.Trigger.Delay}},
	}
}
