package midiscore

import (
	"errors"
	"fmt"

	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cbegin/midiscore-go/internal/device"
	"github.com/cbegin/midiscore-go/internal/gm"
	"github.com/cbegin/midiscore-go/score"
)

// ErrSequencerBeforeSynth reports sequencer setup on a context with no
// synthesizer attached. The wiring step needs both; this is a programming
// error in setup ordering.
var ErrSequencerBeforeSynth = errors.New("sequencer setup requires a synthesizer in the audio context")

const (
	ccAllSoundOff = 120
	ccAllNotesOff = 123
)

// Backend implements one audio type's device lifecycle. New audio types
// plug in by registering a Backend; the controller dispatches each
// operation over the audio types present in the score.
type Backend interface {
	SetUp(ctx *AudioContext) error
	TearDown(ctx *AudioContext) error
	StopPlayback(ctx *AudioContext) error
}

type midiBackend struct {
	pool *device.Pool
	log  *zap.Logger
}

// SetUp acquires devices for the context if missing and wires the
// sequencer's transmitter into the synthesizer's receiver. Idempotent:
// devices already attached are kept.
func (b *midiBackend) SetUp(ctx *AudioContext) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.synth == nil {
		s, err := b.pool.AcquireSynth()
		if err != nil {
			return fmt.Errorf("acquiring synthesizer: %w", err)
		}
		ctx.synth = s
	}
	if ctx.seq == nil {
		if err := wireSequencer(ctx, b.pool); err != nil {
			return err
		}
	}
	ctx.active[score.MIDI] = true
	return nil
}

// wireSequencer attaches a sequencer and connects it to the context's
// synthesizer. Stale transmitters and receivers are dropped first: reused
// default devices may carry wiring from a previous score.
func wireSequencer(ctx *AudioContext, pool *device.Pool) error {
	if ctx.synth == nil {
		return ErrSequencerBeforeSynth
	}
	seq, err := pool.AcquireSequencer()
	if err != nil {
		return fmt.Errorf("acquiring sequencer: %w", err)
	}
	ctx.synth.CloseReceivers()
	seq.Transmitter().Disconnect()
	recv, err := ctx.synth.Receiver()
	if err != nil {
		return fmt.Errorf("synthesizer receiver: %w", err)
	}
	seq.Transmitter().Connect(recv)
	ctx.seq = seq
	ctx.recv = recv
	return nil
}

// TearDown closes the sequencer, then the synthesizer, and removes them
// from the context.
func (b *midiBackend) TearDown(ctx *AudioContext) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	var firstErr error
	if ctx.seq != nil {
		if err := ctx.seq.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		ctx.seq = nil
	}
	if ctx.synth != nil {
		if err := ctx.synth.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		ctx.synth = nil
	}
	ctx.recv = nil
	delete(ctx.active, score.MIDI)
	return firstErr
}

// StopPlayback pauses the sequencer transport, then silences every
// channel in parallel and waits for the fan-out to finish. Both
// all-notes-off and all-sound-off are sent: some synthesizers honor one
// but not the other, and silence must be guaranteed.
func (b *midiBackend) StopPlayback(ctx *AudioContext) error {
	ctx.mu.Lock()
	seq := ctx.seq
	recv := ctx.recv
	ctx.mu.Unlock()
	if seq != nil {
		seq.Stop()
	}
	if recv == nil {
		return nil
	}
	var g errgroup.Group
	for ch := 0; ch < gm.NumChannels; ch++ {
		ch := ch
		g.Go(func() error {
			if err := recv.Send(midi.ControlChange(uint8(ch), ccAllNotesOff, 0)); err != nil {
				return err
			}
			return recv.Send(midi.ControlChange(uint8(ch), ccAllSoundOff, 0))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("silencing channels: %w", err)
	}
	return nil
}
