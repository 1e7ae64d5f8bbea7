// Package sequence materializes a filtered, offset-shifted event list into
// a single-track Standard MIDI File sequence: program changes at tick 0,
// set-tempo metas at each tempo-change point, and per note a channel-volume
// and panning control change, a note-on, and a note-off.
package sequence

import (
	"fmt"
	"math"
	"sort"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/cbegin/midiscore-go/internal/gm"
	"github.com/cbegin/midiscore-go/internal/tempo"
	"github.com/cbegin/midiscore-go/score"
)

const (
	ccChannelVolume = 7
	ccPan           = 10
)

type timedMessage struct {
	tick int64
	msg  smf.Message
}

// Build produces the sequence for already-shifted events. Within a single
// tick, emission order is: program changes and set-tempo metas first, then
// controller changes, then note-ons; note-offs land on their own tick.
// Events carrying a function marker, and events whose instrument has no
// channel assignment (non-MIDI instruments), are elided.
func Build(events []score.Event, channels gm.Assignment, it *tempo.Itinerary) (*smf.SMF, error) {
	var msgs []timedMessage
	add := func(tick int64, msg smf.Message) {
		msgs = append(msgs, timedMessage{tick: tick, msg: msg})
	}

	// Program changes at tick 0, in channel order for determinism.
	// GM patches are 1-indexed externally, 0-indexed on the wire.
	for _, info := range channelOrder(channels) {
		if info.Patch > 0 {
			add(0, smf.Message(midi.ProgramChange(info.Channel, uint8(info.Patch-1))))
		}
	}

	for _, e := range it.Entries() {
		if _, err := tempo.MicrosPerQuarter(e.BPM); err != nil {
			return nil, fmt.Errorf("tempo %v bpm at %vms: %w", e.BPM, e.Ms, err)
		}
		add(roundTick(e.Ticks), smf.MetaTempo(e.BPM))
	}

	for _, ev := range events {
		if ev.Function != "" {
			continue
		}
		info, ok := channels[ev.Instrument]
		if !ok {
			continue
		}
		on := roundTick(it.TicksAt(ev.Offset))
		off := roundTick(it.TicksAt(ev.Offset + ev.Duration))
		key := uint8(clampInt(ev.MidiNote, 0, 127))
		vel := byte127(ev.Volume)
		add(on, smf.Message(midi.ControlChange(info.Channel, ccChannelVolume, byte127(ev.TrackVolume))))
		add(on, smf.Message(midi.ControlChange(info.Channel, ccPan, byte127(ev.Panning))))
		add(on, smf.Message(midi.NoteOn(info.Channel, key, vel)))
		add(off, smf.Message(midi.NoteOffVelocity(info.Channel, key, vel)))
	}

	// Stable: preserves insertion order within a tick.
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].tick < msgs[j].tick })

	var tr smf.Track
	var at int64
	for _, m := range msgs {
		tr.Add(uint32(m.tick-at), m.msg)
		at = m.tick
	}
	tr.Close(0)

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(it.Resolution())
	if err := s.Add(tr); err != nil {
		return nil, fmt.Errorf("adding track: %w", err)
	}
	return s, nil
}

func channelOrder(channels gm.Assignment) []gm.ChannelInfo {
	out := make([]gm.ChannelInfo, 0, len(channels))
	for _, info := range channels {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func roundTick(t float64) int64 {
	return int64(math.Round(t))
}

// byte127 scales a [0,1] value to the 7-bit MIDI range, clamping
// out-of-range inputs.
func byte127(v float64) uint8 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return uint8(math.Round(127 * v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
