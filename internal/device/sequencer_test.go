package device

import (
	"sync"
	"testing"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

type collectingReceiver struct {
	mu   sync.Mutex
	msgs []midi.Message
}

func (r *collectingReceiver) Send(msg midi.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *collectingReceiver) Close() error { return nil }

func (r *collectingReceiver) snapshot() []midi.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]midi.Message{}, r.msgs...)
}

// shortSequence builds a two-note sequence lasting roughly 40ms of wall
// time: at 600 BPM with 10 ticks per quarter, one tick is 10ms.
func shortSequence(t *testing.T) *smf.SMF {
	t.Helper()
	var tr smf.Track
	tr.Add(0, smf.MetaTempo(600))
	tr.Add(0, smf.Message(midi.NoteOn(0, 60, 100)))
	tr.Add(2, smf.Message(midi.NoteOff(0, 60)))
	tr.Add(0, smf.Message(midi.NoteOn(0, 64, 100)))
	tr.Add(2, smf.Message(midi.NoteOff(0, 64)))
	tr.Close(0)
	s := smf.New()
	s.TimeFormat = smf.MetricTicks(10)
	if err := s.Add(tr); err != nil {
		t.Fatalf("add track: %v", err)
	}
	return s
}

func TestTimedSequencerPlaysThrough(t *testing.T) {
	seq := NewTimedSequencer()
	recv := &collectingReceiver{}
	seq.Transmitter().Connect(recv)
	if err := seq.SetSequence(shortSequence(t)); err != nil {
		t.Fatalf("set sequence: %v", err)
	}

	ended := make(chan struct{})
	seq.OnEndOfTrack(func() { close(ended) })
	seq.SetTickPosition(0)
	if err := seq.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("end-of-track listener never fired")
	}
	if seq.Running() {
		t.Fatal("sequencer still running after end of track")
	}

	got := recv.snapshot()
	if len(got) != 4 {
		t.Fatalf("received %d messages, want 4", len(got))
	}
	var ch, key, vel uint8
	if !got[0].GetNoteStart(&ch, &key, &vel) || key != 60 {
		t.Fatalf("message 0 = %v, want note-on 60", got[0])
	}
	if !got[3].GetNoteEnd(&ch, &key) || key != 64 {
		t.Fatalf("message 3 = %v, want note-off 64", got[3])
	}
}

func TestTimedSequencerStartWithoutSequence(t *testing.T) {
	seq := NewTimedSequencer()
	if err := seq.Start(); err == nil {
		t.Fatal("start without a loaded sequence should fail")
	}
}

func TestTimedSequencerStopPreservesSequence(t *testing.T) {
	seq := NewTimedSequencer()
	recv := &collectingReceiver{}
	seq.Transmitter().Connect(recv)

	// One note at tick 0, end of track far in the future so Stop always
	// lands mid-run.
	var tr smf.Track
	tr.Add(0, smf.MetaTempo(120))
	tr.Add(0, smf.Message(midi.NoteOn(0, 60, 100)))
	tr.Add(0, smf.Message(midi.NoteOff(0, 60)))
	tr.Close(10000)
	s := smf.New()
	s.TimeFormat = smf.MetricTicks(10)
	if err := s.Add(tr); err != nil {
		t.Fatalf("add track: %v", err)
	}
	if err := seq.SetSequence(s); err != nil {
		t.Fatalf("set sequence: %v", err)
	}
	if err := seq.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(recv.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("tick-0 messages never arrived")
		}
		time.Sleep(time.Millisecond)
	}
	seq.Stop()
	if seq.Running() {
		t.Fatal("sequencer running after stop")
	}

	// Rewind and restart: the preserved sequence plays again.
	seq.SetTickPosition(0)
	if err := seq.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for len(recv.snapshot()) < 4 {
		if time.Now().After(deadline) {
			t.Fatal("restart never replayed the sequence")
		}
		time.Sleep(time.Millisecond)
	}
	seq.Stop()
}

func TestTimedSequencerSetSequenceClearsListeners(t *testing.T) {
	seq := NewTimedSequencer()
	recv := &collectingReceiver{}
	seq.Transmitter().Connect(recv)

	stale := make(chan struct{}, 1)
	if err := seq.SetSequence(shortSequence(t)); err != nil {
		t.Fatalf("set sequence: %v", err)
	}
	seq.OnEndOfTrack(func() { stale <- struct{}{} })

	// Reloading drops listeners registered against the old sequence.
	if err := seq.SetSequence(shortSequence(t)); err != nil {
		t.Fatalf("reload: %v", err)
	}
	ended := make(chan struct{})
	seq.OnEndOfTrack(func() { close(ended) })
	if err := seq.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("fresh listener never fired")
	}
	select {
	case <-stale:
		t.Fatal("stale listener fired after reload")
	default:
	}
}

func TestFlattenSequenceRejectsSMPTE(t *testing.T) {
	s := smf.New()
	s.TimeFormat = smf.SMPTE25(40)
	var tr smf.Track
	tr.Close(0)
	if err := s.Add(tr); err != nil {
		t.Fatalf("add track: %v", err)
	}
	if _, _, err := flattenSequence(s); err == nil {
		t.Fatal("flatten should reject non-metric time formats")
	}
}
