// Package tempo converts absolute millisecond offsets into MIDI tick
// positions under a time-varying tempo. The itinerary is a precomputed
// timeline of tempo-change points with cumulative tick positions; once
// built for a score and resolution it is immutable.
package tempo

import (
	"errors"
	"math"
	"sort"
)

// DefaultResolution is the PPQ division used for sequences and exported
// files: 128 ticks per quarter note.
const DefaultResolution = 128

// maxMicrosPerQuarter is the largest tempo value encodable in the 3-byte
// set-tempo meta payload.
const maxMicrosPerQuarter = 1<<24 - 1

var (
	// ErrNoInitialTempo is returned when the tempo history lacks an entry
	// at offset 0.
	ErrNoInitialTempo = errors.New("tempo history has no entry at offset 0")
	// ErrTempoOutOfRange is returned for tempos too slow to encode in a
	// set-tempo meta event (below ~3.58 BPM).
	ErrTempoOutOfRange = errors.New("tempo out of range for midi encoding")
)

// Entry is one tempo-change point: the millisecond offset it takes effect,
// the tempo from that point on, and the cumulative tick position of the
// point under the itinerary's resolution.
type Entry struct {
	Ms    float64
	BPM   float64
	Ticks float64
}

type Itinerary struct {
	entries    []Entry
	resolution int
}

// NewItinerary builds the tempo timeline for the given offset-ms -> BPM
// history under a PPQ resolution. The history must contain an entry at
// offset 0. Tick positions accumulate in floating point; rounding happens
// only when events are materialized.
func NewItinerary(values map[int]float64, resolution int) (*Itinerary, error) {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	if len(values) == 0 {
		return nil, ErrNoInitialTempo
	}
	offsets := make([]int, 0, len(values))
	for ms := range values {
		offsets = append(offsets, ms)
	}
	sort.Ints(offsets)
	if offsets[0] != 0 {
		return nil, ErrNoInitialTempo
	}
	entries := make([]Entry, 0, len(offsets))
	for _, ms := range offsets {
		e := Entry{Ms: float64(ms), BPM: values[ms]}
		if len(entries) > 0 {
			prev := entries[len(entries)-1]
			e.Ticks = prev.Ticks + (e.Ms-prev.Ms)/msPerTick(prev.BPM, resolution)
		}
		entries = append(entries, e)
	}
	return &Itinerary{entries: entries, resolution: resolution}, nil
}

func msPerTick(bpm float64, resolution int) float64 {
	return 60000.0 / (bpm * float64(resolution))
}

func (it *Itinerary) Resolution() int { return it.resolution }

// Entries returns the tempo-change points in ms order.
func (it *Itinerary) Entries() []Entry { return it.entries }

// TicksAt maps a millisecond offset to its fractional tick position.
// Monotone: ms1 <= ms2 implies TicksAt(ms1) <= TicksAt(ms2).
func (it *Itinerary) TicksAt(ms float64) float64 {
	if ms <= 0 {
		return 0
	}
	// Last entry with Ms <= ms.
	i := sort.Search(len(it.entries), func(i int) bool {
		return it.entries[i].Ms > ms
	}) - 1
	e := it.entries[i]
	return e.Ticks + (ms-e.Ms)/msPerTick(e.BPM, it.resolution)
}

// MicrosPerQuarter returns the 3-byte set-tempo payload value for a BPM,
// microseconds per quarter note rounded down.
func MicrosPerQuarter(bpm float64) (uint32, error) {
	if bpm <= 0 {
		return 0, ErrTempoOutOfRange
	}
	us := math.Floor(60_000_000 / bpm)
	if us > maxMicrosPerQuarter {
		return 0, ErrTempoOutOfRange
	}
	return uint32(us), nil
}

// SMPTE is the tempo-agnostic division: tick duration is a fixed fraction
// of a real-time second. It is a secondary code path; the default
// configuration uses PPQ.
type SMPTE struct {
	FramesPerSecond int
	Resolution      int // ticks per frame
}

func (d SMPTE) TicksAt(ms float64) float64 {
	return ms / 1000 * float64(d.FramesPerSecond*d.Resolution)
}
