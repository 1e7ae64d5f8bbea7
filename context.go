package midiscore

import (
	"sync"

	"github.com/cbegin/midiscore-go/internal/device"
	"github.com/cbegin/midiscore-go/internal/gm"
	"github.com/cbegin/midiscore-go/score"
)

// AudioContext couples a score to its acquired devices, allocated
// channels, and setup state. It is created empty, populated by setup,
// and drained by teardown; mutation happens only in those single-writer
// windows while playback reads it.
type AudioContext struct {
	mu       sync.Mutex
	active   map[score.AudioType]bool
	synth    device.Synthesizer
	seq      device.Sequencer
	recv     device.Receiver
	channels gm.Assignment
}

func newAudioContext() *AudioContext {
	return &AudioContext{active: map[score.AudioType]bool{}}
}

func (c *AudioContext) activeTypes() []score.AudioType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]score.AudioType, 0, len(c.active))
	for t := range c.active {
		out = append(out, t)
	}
	return out
}

func (c *AudioContext) sequencer() device.Sequencer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}
