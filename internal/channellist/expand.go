package channellist

import (
	"iter"
	"slices"
)

// Expand yields every specifier of the list in scan order, materialising
// ranges in ascending order. Memory references are yielded unchanged. The
// returned sequence holds no state and can be ranged over repeatedly.
func Expand(list ScanList) iter.Seq[Specifier] {
	return func(yield func(Specifier) bool) {
		for _, it := range list {
			if !it.Range {
				if !yield(it.Start) {
					return
				}
				continue
			}
			if !expandRange(it.Start, it.End, yield) {
				return
			}
		}
	}
}

// ExpandAll collects Expand into a slice.
func ExpandAll(list ScanList) []Specifier {
	return slices.Collect(Expand(list))
}

// Count returns how many specifiers Expand yields.
func Count(list ScanList) uint64 {
	var n uint64
	for _, it := range list {
		if !it.Range {
			n++
			continue
		}
		if it.Start.Channel > it.End.Channel {
			continue
		}
		rows := uint64(it.End.Channel-it.Start.Channel) + 1
		if it.Start.HasSubchannel {
			if it.Start.Subchannel > it.End.Subchannel {
				continue
			}
			rows *= uint64(it.End.Subchannel-it.Start.Subchannel) + 1
		}
		n += rows
	}
	return n
}

func expandRange(start, end Specifier, yield func(Specifier) bool) bool {
	if start.Channel > end.Channel {
		return true
	}
	if !start.HasSubchannel {
		for ch := start.Channel; ; ch++ {
			s := start
			s.Channel = ch
			if !yield(s) {
				return false
			}
			if ch == end.Channel {
				return true
			}
		}
	}

	if start.Subchannel > end.Subchannel {
		return true
	}
	for ch := start.Channel; ; ch++ {
		for sub := start.Subchannel; ; sub++ {
			if !yield(SubChannel(start.Slot, ch, sub)) {
				return false
			}
			if sub == end.Subchannel {
				break
			}
		}
		if ch == end.Channel {
			return true
		}
	}
}
