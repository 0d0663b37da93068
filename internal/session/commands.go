package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/capability"
	"github.com/KevinKickass/OpenScanCore/internal/trigger"
)

const (
	cmdIdentify   = "*IDN?"
	cmdOptions    = "*OPT?"
	cmdStatusByte = "*STB?"
	cmdBusTrigger = "*TRG"
	cmdClearState = "*CLS"
	cmdInitiate   = ":INIT"
	cmdAbort      = ":ABOR"
	cmdOpenAll    = ":ROUT:OPEN:ALL"
)

var sourceMnemonics = map[trigger.Source]string{
	trigger.SourceImmediate:   "IMM",
	trigger.SourceBus:         "BUS",
	trigger.SourceExternal:    "EXT",
	trigger.SourceTimer:       "TIM",
	trigger.SourceManual:      "MAN",
	trigger.SourceHold:        "HOLD",
	trigger.SourceTriggerLink: "TLIN",
}

func sourceMnemonic(src trigger.Source) (string, error) {
	m, ok := sourceMnemonics[src]
	if !ok {
		return "", fmt.Errorf("unknown trigger source %q", src)
	}
	return m, nil
}

// armLayerCommand builds the configuration for one arm layer. Only layer 2
// carries a delay on the instrument.
func armLayerCommand(cfg trigger.ArmLayerConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	src, err := sourceMnemonic(cfg.Source)
	if err != nil {
		return "", err
	}

	prefix := fmt.Sprintf(":ARM:LAY%d", cfg.Layer)
	cmds := []string{
		prefix + ":SOUR " + src,
		prefix + ":COUN " + strconv.FormatUint(uint64(cfg.Count), 10),
	}
	if cfg.Layer == 2 {
		cmds = append(cmds, prefix+":DEL "+seconds(cfg.Delay))
	}
	return join(cmds), nil
}

func triggerLayerCommand(cfg trigger.TriggerLayerConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	src, err := sourceMnemonic(cfg.Source)
	if err != nil {
		return "", err
	}

	return join([]string{
		":TRIG:SOUR " + src,
		":TRIG:COUN " + strconv.FormatUint(uint64(cfg.Count), 10),
		":TRIG:DEL " + seconds(cfg.Delay),
	}), nil
}

func bufferConfigCommand(cfg trigger.StreamConfig) string {
	return join([]string{
		":TRAC:CLE",
		":TRAC:POIN " + strconv.FormatUint(uint64(cfg.PointsPerBuffer), 10),
	})
}

func bufferFeedCommand(enabled bool) string {
	if enabled {
		return ":TRAC:FEED:CONT NEXT"
	}
	return ":TRAC:FEED:CONT NEV"
}

// routeCommand takes a canonical "(@...)" list.
func routeCommand(verb, list string) string {
	return ":ROUT:" + verb + " " + list
}

func memorySaveCommand(location string) string {
	return ":ROUT:MEM:SAVE M" + location
}

func strobeCommand(line uint, d time.Duration) string {
	return fmt.Sprintf(":SOUR:TTL%d:DUR %s", line, seconds(d))
}

func binCommand(line uint, d time.Duration) string {
	return fmt.Sprintf(":CALC3:BSTR:LINE %d;:CALC3:BSTR:DUR %s", line, seconds(d))
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func join(cmds []string) string {
	return strings.Join(cmds, ";")
}

func parseStatusByte(resp string) (trigger.StatusByte, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(resp), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid status byte %q: %w", resp, err)
	}
	return trigger.StatusByte(v), nil
}

// parseOptions splits an *OPT? response into one entry per slot. An
// instrument without the scan card option answers with an empty line.
func parseOptions(resp string) []string {
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return nil
	}
	fields := strings.Split(resp, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(strings.Trim(fields[i], `"`))
	}
	return fields
}

// installedCards returns the 1-based slots that report a fitted card.
func installedCards(options []string) []capability.CardID {
	var cards []capability.CardID
	for i, opt := range options {
		switch strings.ToUpper(opt) {
		case "", "0", "NONE":
			continue
		}
		cards = append(cards, capability.CardID(i+1))
	}
	return cards
}
