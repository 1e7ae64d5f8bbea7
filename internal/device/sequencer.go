package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

type timedEvent struct {
	at   time.Duration // wall-clock offset from sequence start
	tick int64
	msg  midi.Message
}

// TimedSequencer schedules a loaded single-track sequence on the wall
// clock. Tick positions are converted to times using the set-tempo meta
// events embedded in the sequence under its PPQ resolution. Stop pauses
// the transport and keeps the sequence and position; Start resumes.
type TimedSequencer struct {
	mu        sync.Mutex
	tx        Transmitter
	loaded    bool
	events    []timedEvent
	total     time.Duration
	pos       int
	elapsed   time.Duration
	running   bool
	stop      chan struct{}
	listeners []func()
}

func NewTimedSequencer() *TimedSequencer {
	return &TimedSequencer{}
}

func (s *TimedSequencer) Open() error { return nil }

// SetSequence loads a sequence, stopping any current run. The tick
// position rewinds and end-of-track listeners are cleared; register
// listeners after loading.
func (s *TimedSequencer) SetSequence(sm *smf.SMF) error {
	events, total, err := flattenSequence(sm)
	if err != nil {
		return err
	}
	s.Stop()
	s.mu.Lock()
	s.loaded = true
	s.events = events
	s.total = total
	s.pos = 0
	s.elapsed = 0
	s.listeners = nil
	s.mu.Unlock()
	return nil
}

func (s *TimedSequencer) Transmitter() *Transmitter { return &s.tx }

func (s *TimedSequencer) OnEndOfTrack(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *TimedSequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetTickPosition moves the transport to the given tick. Only valid while
// stopped.
func (s *TimedSequencer) SetTickPosition(tick int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].tick >= tick
	})
	s.pos = idx
	if idx < len(s.events) {
		s.elapsed = s.events[idx].at
	} else {
		s.elapsed = s.total
	}
	if tick == 0 {
		s.elapsed = 0
	}
}

func (s *TimedSequencer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if !s.loaded {
		s.mu.Unlock()
		return errors.New("no sequence loaded")
	}
	s.running = true
	s.stop = make(chan struct{})
	stop := s.stop
	events := s.events
	total := s.total
	pos := s.pos
	elapsed := s.elapsed
	s.mu.Unlock()
	go s.run(stop, events, total, pos, elapsed)
	return nil
}

func (s *TimedSequencer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	close(stop)
}

func (s *TimedSequencer) Close() error {
	s.Stop()
	s.mu.Lock()
	s.loaded = false
	s.events = nil
	s.total = 0
	s.pos = 0
	s.elapsed = 0
	s.listeners = nil
	s.mu.Unlock()
	s.tx.Disconnect()
	return nil
}

func (s *TimedSequencer) run(stop chan struct{}, events []timedEvent, total time.Duration, pos int, elapsed time.Duration) {
	begin := time.Now().Add(-elapsed)
	for i := pos; i < len(events); i++ {
		ev := events[i]
		if wait := time.Until(begin.Add(ev.at)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-stop:
				timer.Stop()
				s.pause(i, time.Since(begin))
				return
			case <-timer.C:
			}
		}
		// Best effort: an unwired transmitter drops messages.
		_ = s.tx.Send(ev.msg)
		s.mu.Lock()
		s.pos = i + 1
		s.mu.Unlock()
	}
	// Run out the clock to the end-of-track position before signaling.
	if wait := time.Until(begin.Add(total)); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			s.pause(len(events), time.Since(begin))
			return
		case <-timer.C:
		}
	}
	s.mu.Lock()
	s.running = false
	s.pos = len(events)
	s.elapsed = total
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (s *TimedSequencer) pause(pos int, elapsed time.Duration) {
	s.mu.Lock()
	s.pos = pos
	s.elapsed = elapsed
	s.mu.Unlock()
}

// flattenSequence converts the first track into wall-clock events,
// tracking microseconds-per-quarter across set-tempo metas. The returned
// total is the time of the end-of-track event.
func flattenSequence(sm *smf.SMF) ([]timedEvent, time.Duration, error) {
	mt, ok := sm.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, 0, fmt.Errorf("unsupported division %v: only metric (PPQ) sequences can be scheduled", sm.TimeFormat)
	}
	res := float64(uint16(mt))
	if res == 0 {
		res = 960
	}
	if len(sm.Tracks) == 0 {
		return nil, 0, errors.New("sequence has no tracks")
	}
	usq := 500000.0 // 120 BPM until the first set-tempo
	var absTick int64
	var wallMicros float64
	var events []timedEvent
	for _, ev := range sm.Tracks[0] {
		absTick += int64(ev.Delta)
		wallMicros += float64(ev.Delta) * usq / res
		var bpm float64
		if ev.Message.GetMetaTempo(&bpm) {
			if bpm > 0 {
				usq = 60_000_000 / bpm
			}
			continue
		}
		if ev.Message.Is(smf.MetaEndOfTrackMsg) {
			break
		}
		raw := ev.Message.Bytes()
		if len(raw) == 0 || raw[0] >= 0xF0 {
			continue
		}
		events = append(events, timedEvent{
			at:   time.Duration(wallMicros) * time.Microsecond,
			tick: absTick,
			msg:  midi.Message(raw),
		})
	}
	return events, time.Duration(wallMicros) * time.Microsecond, nil
}
