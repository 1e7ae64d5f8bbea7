// Package gm implements General MIDI channel semantics: a bounded pool of
// 16 channels with index 9 reserved for percussion.
package gm

import (
	"errors"
	"fmt"

	"github.com/cbegin/midiscore-go/score"
)

const (
	// NumChannels is the channel count of a GM synthesizer.
	NumChannels = 16
	// PercussionChannel is the reserved percussion channel index.
	PercussionChannel = 9
)

// ErrOutOfChannels is returned when a score requests more MIDI instruments
// than channels are available under the percussion reservation.
var ErrOutOfChannels = errors.New("out of midi channels")

// ChannelInfo is the allocation result for one instrument.
type ChannelInfo struct {
	Channel    uint8
	Patch      int // 1-indexed GM program; 0 = none
	Percussion bool
}

// Assignment maps instrument ids to their allocated channels.
type Assignment map[string]ChannelInfo

// AllocateChannels assigns one channel per MIDI instrument in the score.
// Percussion instruments always get channel 9 and non-percussion
// instruments never do. Instruments are visited in the score's stable
// iteration order and each takes the smallest eligible free channel, so
// allocation is deterministic.
func AllocateChannels(s *score.Score) (Assignment, error) {
	free := [NumChannels]bool{}
	for i := range free {
		free[i] = true
	}
	out := Assignment{}
	for _, id := range s.InstrumentsOfType(score.MIDI) {
		cfg := s.Instruments[id].Config
		ch, ok := takeChannel(&free, cfg.Percussion)
		if !ok {
			return nil, fmt.Errorf("allocating channel for %q: %w", id, ErrOutOfChannels)
		}
		out[id] = ChannelInfo{
			Channel:    ch,
			Patch:      cfg.Patch,
			Percussion: cfg.Percussion,
		}
	}
	return out, nil
}

func takeChannel(free *[NumChannels]bool, percussion bool) (uint8, bool) {
	if percussion {
		if free[PercussionChannel] {
			free[PercussionChannel] = false
			return PercussionChannel, true
		}
		return 0, false
	}
	for ch := 0; ch < NumChannels; ch++ {
		if ch == PercussionChannel || !free[ch] {
			continue
		}
		free[ch] = false
		return uint8(ch), true
	}
	return 0, false
}
