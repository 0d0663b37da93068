package capability

import (
	"context"
	"fmt"
	"slices"
)

// CardID identifies an installed scan card by slot.
type CardID uint32

// Provider is the capability query surface of a device.
type Provider interface {
	SupportsScanCardOption(ctx context.Context) (bool, error)
	InstalledScanCards(ctx context.Context) ([]CardID, error)
}

// DigitalLinesProvider is implemented by devices with strobe/bin output lines.
type DigitalLinesProvider interface {
	SupportsDigitalLines(ctx context.Context) (bool, error)
}

// Flags is a point-in-time snapshot; re-query after reassigning a device.
type Flags struct {
	SupportsScanCard     bool     `json:"supports_scan_card"`
	InstalledScanCards   []CardID `json:"installed_scan_cards"`
	SupportsDigitalLines bool     `json:"supports_digital_lines"`
}

// ScanCardAvailable is true only when the option exists and a card is fitted.
func (f Flags) ScanCardAvailable() bool {
	return f.SupportsScanCard && len(f.InstalledScanCards) > 0
}

func (f Flags) HasCard(id CardID) bool {
	_, found := slices.BinarySearch(f.InstalledScanCards, id)
	return found
}

// Requirement names the capability a subsystem needs before it may be bound.
type Requirement uint8

const (
	RequireNone Requirement = iota
	RequireScanCard
	RequireDigitalLines
)

func (r Requirement) String() string {
	switch r {
	case RequireNone:
		return "none"
	case RequireScanCard:
		return "scan_card"
	case RequireDigitalLines:
		return "digital_lines"
	default:
		return "unknown"
	}
}

// Advisory messages for expected, non-fault configurations.
const (
	AdvisoryNoScanCard     = "No scan card"
	AdvisoryNoDigitalLines = "No digital output lines"
)

// Query reads the capability snapshot from a device. It never mutates the
// device; errors come only from the device itself.
func Query(ctx context.Context, p Provider) (Flags, error) {
	var flags Flags

	supported, err := p.SupportsScanCardOption(ctx)
	if err != nil {
		return Flags{}, fmt.Errorf("query scan card option: %w", err)
	}
	flags.SupportsScanCard = supported

	if supported {
		cards, err := p.InstalledScanCards(ctx)
		if err != nil {
			return Flags{}, fmt.Errorf("query installed scan cards: %w", err)
		}
		flags.InstalledScanCards = normalize(cards)
	}

	if dl, ok := p.(DigitalLinesProvider); ok {
		lines, err := dl.SupportsDigitalLines(ctx)
		if err != nil {
			return Flags{}, fmt.Errorf("query digital lines: %w", err)
		}
		flags.SupportsDigitalLines = lines
	}

	return flags, nil
}

// Allows reports whether a requirement is met and, when it is not, the
// advisory message to surface.
func Allows(flags Flags, req Requirement) (bool, string) {
	switch req {
	case RequireScanCard:
		if !flags.ScanCardAvailable() {
			return false, AdvisoryNoScanCard
		}
	case RequireDigitalLines:
		if !flags.SupportsDigitalLines {
			return false, AdvisoryNoDigitalLines
		}
	}
	return true, ""
}

func normalize(cards []CardID) []CardID {
	if len(cards) == 0 {
		return nil
	}
	out := slices.Clone(cards)
	slices.Sort(out)
	return slices.Compact(out)
}
