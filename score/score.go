// Package score holds the input contract for playback and export: a
// fully-realized score with instruments, timed note events, a tempo
// history, and named markers. Scores are produced by an external parser;
// this package only models them.
package score

import "sort"

// AudioType tags an instrument with the audio back-end that renders it.
type AudioType string

// MIDI is the only built-in audio type.
const MIDI AudioType = "midi"

// InstrumentConfig describes how an instrument maps onto its back-end.
// Patch is a 1-indexed General MIDI program number (1-128); 0 means no
// program change is emitted. Percussion instruments are routed to the
// reserved percussion channel.
type InstrumentConfig struct {
	Type       AudioType `json:"type"`
	Patch      int       `json:"patch,omitempty"`
	Percussion bool      `json:"percussion,omitempty"`
}

type Instrument struct {
	Config InstrumentConfig `json:"config"`
}

// Event is a single timed note. Offsets and durations are in milliseconds
// from the score beginning. Volume, TrackVolume and Panning are in [0, 1];
// out-of-range values are clamped at emission time, not rejected.
//
// Function names a score-side callback attached to the note. Such events
// are elided from MIDI output but must not break sequence construction.
type Event struct {
	Offset      float64 `json:"offset"`
	Instrument  string  `json:"instrument"`
	Duration    float64 `json:"duration"`
	MidiNote    int     `json:"midi_note"`
	Volume      float64 `json:"volume"`
	TrackVolume float64 `json:"track_volume"`
	Panning     float64 `json:"panning"`
	Function    string  `json:"function,omitempty"`
}

// Score is the playback/export input. Tempo maps millisecond offsets to
// BPM and must contain an entry at offset 0. Markers map names to
// millisecond offsets and may be referenced as playback window bounds.
type Score struct {
	Instruments map[string]Instrument `json:"instruments"`
	Events      []Event               `json:"events"`
	Tempo       map[int]float64       `json:"tempo"`
	Markers     map[string]float64    `json:"markers,omitempty"`
}

// AudioTypes returns the sorted set of audio types present in the score's
// instruments.
func (s *Score) AudioTypes() []AudioType {
	seen := map[AudioType]bool{}
	for _, inst := range s.Instruments {
		seen[inst.Config.Type] = true
	}
	out := make([]AudioType, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InstrumentsOfType returns the ids of instruments with the given audio
// type in lexicographic order. Channel assignment depends on this order
// being stable.
func (s *Score) InstrumentsOfType(t AudioType) []string {
	var ids []string
	for id, inst := range s.Instruments {
		if inst.Config.Type == t {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Length returns the end of the last event in milliseconds.
func (s *Score) Length() float64 {
	var end float64
	for _, ev := range s.Events {
		if t := ev.Offset + ev.Duration; t > end {
			end = t
		}
	}
	return end
}
