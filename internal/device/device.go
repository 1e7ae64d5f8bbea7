// Package device manages the scarce, slow-to-initialize audio devices:
// synthesizers and sequencers. Devices are abstracted behind interfaces so
// playback can be driven by a software SoundFont synth, a hardware MIDI
// out port, or test stubs, and are pre-warmed in a bounded pool.
package device

import (
	"errors"
	"sync"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// ErrUnavailable is returned when the underlying system cannot produce a
// device: no MIDI support, no SoundFont, no out ports. Not retried; a
// caller may retry with a fresh context.
var ErrUnavailable = errors.New("midi device unavailable")

// Receiver consumes channel-voice messages.
type Receiver interface {
	Send(msg midi.Message) error
	Close() error
}

// Synthesizer renders channel-voice messages to audio. Open is the slow
// step (SoundFont load, driver init); the pool amortizes it.
type Synthesizer interface {
	Open() error
	// Receiver returns a receiver feeding this synthesizer.
	Receiver() (Receiver, error)
	// CloseReceivers invalidates previously handed out receivers. Reused
	// default devices may carry stale wiring; setup calls this before
	// reconnecting.
	CloseReceivers()
	Close() error
}

// Sequencer plays a loaded single-track sequence through its transmitter
// in tick order at wall-clock times derived from the embedded set-tempo
// events. Stop pauses transport and preserves the loaded sequence and
// position; Start resumes. End-of-track listeners fire once per
// completed run-through.
type Sequencer interface {
	Open() error
	SetSequence(s *smf.SMF) error
	Transmitter() *Transmitter
	Start() error
	Stop()
	SetTickPosition(tick int64)
	OnEndOfTrack(fn func())
	Running() bool
	Close() error
}

// Transmitter is the sequencer-side end of the wire. It forwards to the
// connected receiver; unconnected sends fail.
type Transmitter struct {
	mu   sync.Mutex
	recv Receiver
}

func (t *Transmitter) Connect(r Receiver) {
	t.mu.Lock()
	t.recv = r
	t.mu.Unlock()
}

func (t *Transmitter) Disconnect() {
	t.mu.Lock()
	t.recv = nil
	t.mu.Unlock()
}

func (t *Transmitter) Send(msg midi.Message) error {
	t.mu.Lock()
	r := t.recv
	t.mu.Unlock()
	if r == nil {
		return errors.New("transmitter not connected")
	}
	return r.Send(msg)
}
