package device

import (
	"errors"
	"sync/atomic"
	"testing"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

type stubSynth struct {
	opened atomic.Bool
	closed atomic.Bool
}

func (s *stubSynth) Open() error { s.opened.Store(true); return nil }
func (s *stubSynth) Receiver() (Receiver, error) {
	return &stubReceiver{}, nil
}
func (s *stubSynth) CloseReceivers() {}
func (s *stubSynth) Close() error    { s.closed.Store(true); return nil }

type stubReceiver struct {
	msgs []midi.Message
}

func (r *stubReceiver) Send(msg midi.Message) error {
	r.msgs = append(r.msgs, msg)
	return nil
}
func (r *stubReceiver) Close() error { return nil }

type stubSequencer struct {
	tx     Transmitter
	closed atomic.Bool
}

func (s *stubSequencer) Open() error                { return nil }
func (s *stubSequencer) SetSequence(*smf.SMF) error { return nil }
func (s *stubSequencer) Transmitter() *Transmitter  { return &s.tx }
func (s *stubSequencer) Start() error               { return nil }
func (s *stubSequencer) Stop()                      {}
func (s *stubSequencer) SetTickPosition(int64)      {}
func (s *stubSequencer) OnEndOfTrack(func())        {}
func (s *stubSequencer) Running() bool              { return false }
func (s *stubSequencer) Close() error               { s.closed.Store(true); return nil }

func stubFactories() (SynthFactory, SequencerFactory) {
	return func() (Synthesizer, error) { return &stubSynth{}, nil },
		func() (Sequencer, error) { return &stubSequencer{}, nil }
}

func TestPoolAcquireOpensDevices(t *testing.T) {
	sf, qf := stubFactories()
	p := NewPool(sf, qf, nil)
	defer p.Drain()

	s, err := p.AcquireSynth()
	if err != nil {
		t.Fatalf("acquire synth: %v", err)
	}
	if !s.(*stubSynth).opened.Load() {
		t.Fatal("acquired synthesizer was never opened")
	}
	if _, err := p.AcquireSequencer(); err != nil {
		t.Fatalf("acquire sequencer: %v", err)
	}
}

func TestPoolDefaultBypassesQueue(t *testing.T) {
	constructed := atomic.Int32{}
	p := NewPool(func() (Synthesizer, error) {
		constructed.Add(1)
		return &stubSynth{}, nil
	}, func() (Sequencer, error) { return &stubSequencer{}, nil }, nil)
	defer p.Drain()

	def := &stubSynth{}
	p.SetDefaultSynth(def)
	for i := 0; i < 3; i++ {
		got, err := p.AcquireSynth()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if got != def {
			t.Fatalf("acquire returned %v, want the default instance", got)
		}
	}
	if n := constructed.Load(); n != 0 {
		t.Fatalf("factory ran %d times, want 0 with a default set", n)
	}
}

func TestPoolAcquireFailsWhenEveryFillFails(t *testing.T) {
	p := NewPool(func() (Synthesizer, error) {
		return nil, errors.New("no backend")
	}, func() (Sequencer, error) { return &stubSequencer{}, nil }, nil)
	defer p.Drain()

	if _, err := p.AcquireSynth(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestPoolAcquireFailsWhenOpenFails(t *testing.T) {
	p := NewPool(func() (Synthesizer, error) {
		return &failOpenSynth{}, nil
	}, func() (Sequencer, error) { return &stubSequencer{}, nil }, nil)
	defer p.Drain()

	if _, err := p.AcquireSynth(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

type failOpenSynth struct{ stubSynth }

func (s *failOpenSynth) Open() error { return errors.New("device busy") }

func TestPoolDrainClosesWarmDevices(t *testing.T) {
	sf, qf := stubFactories()
	p := NewPool(sf, qf, nil)

	// Acquisition leaves the queue warmed behind the returned instance.
	s, err := p.AcquireSynth()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	def := &stubSequencer{}
	p.SetDefaultSequencer(def)
	p.Drain()
	if !def.closed.Load() {
		t.Fatal("drain did not close the default sequencer")
	}
	// The instance handed out before Drain stays with the caller.
	if s.(*stubSynth).closed.Load() {
		t.Fatal("drain closed a device owned by a caller")
	}
}

func TestTransmitterRequiresConnection(t *testing.T) {
	var tx Transmitter
	if err := tx.Send(midi.NoteOn(0, 60, 100)); err == nil {
		t.Fatal("send on unconnected transmitter should fail")
	}
	r := &stubReceiver{}
	tx.Connect(r)
	if err := tx.Send(midi.NoteOn(0, 60, 100)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(r.msgs) != 1 {
		t.Fatalf("receiver got %d messages, want 1", len(r.msgs))
	}
	tx.Disconnect()
	if err := tx.Send(midi.NoteOn(0, 60, 100)); err == nil {
		t.Fatal("send after disconnect should fail")
	}
}
