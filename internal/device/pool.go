package device

import (
	"sync"

	"go.uber.org/zap"
)

// Target is the warm size of each device queue. Opening a device takes
// hundreds of milliseconds; keeping Target open instances hides that
// latency for ad-hoc playback.
const Target = 4

type SynthFactory func() (Synthesizer, error)
type SequencerFactory func() (Sequencer, error)

// Pool holds pre-warmed synthesizers and sequencers. Acquisition tops up
// the queue in the background, trims excess, and takes the head, blocking
// while fills are in flight. A process-wide default device, once set,
// bypasses the queues entirely (workers with a permanently-assigned device
// use this).
type Pool struct {
	synths chan Synthesizer
	seqs   chan Sequencer

	newSynth SynthFactory
	newSeq   SequencerFactory

	mu           sync.Mutex
	defaultSynth Synthesizer
	defaultSeq   Sequencer

	log *zap.Logger
}

func NewPool(newSynth SynthFactory, newSeq SequencerFactory, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		synths:   make(chan Synthesizer, 2*Target),
		seqs:     make(chan Sequencer, 2*Target),
		newSynth: newSynth,
		newSeq:   newSeq,
		log:      log,
	}
}

// SetDefaultSynth installs a shared synthesizer returned by every
// subsequent AcquireSynth. Once set it is read-only for the rest of the
// process.
func (p *Pool) SetDefaultSynth(s Synthesizer) {
	p.mu.Lock()
	p.defaultSynth = s
	p.mu.Unlock()
}

func (p *Pool) SetDefaultSequencer(s Sequencer) {
	p.mu.Lock()
	p.defaultSeq = s
	p.mu.Unlock()
}

// AcquireSynth returns the default synthesizer if one is set, otherwise a
// warm instance from the pool. It fails with ErrUnavailable only after
// every in-flight refill has failed.
func (p *Pool) AcquireSynth() (Synthesizer, error) {
	p.mu.Lock()
	def := p.defaultSynth
	p.mu.Unlock()
	if def != nil {
		return def, nil
	}
	done := p.topUpSynths()
	p.trimSynths()
	select {
	case s := <-p.synths:
		return s, nil
	case <-done:
		select {
		case s := <-p.synths:
			return s, nil
		default:
			return nil, ErrUnavailable
		}
	}
}

// AcquireSequencer is the sequencer analogue of AcquireSynth.
func (p *Pool) AcquireSequencer() (Sequencer, error) {
	p.mu.Lock()
	def := p.defaultSeq
	p.mu.Unlock()
	if def != nil {
		return def, nil
	}
	done := p.topUpSequencers()
	p.trimSequencers()
	select {
	case s := <-p.seqs:
		return s, nil
	case <-done:
		select {
		case s := <-p.seqs:
			return s, nil
		default:
			return nil, ErrUnavailable
		}
	}
}

// topUpSynths asynchronously opens instances until the queue holds Target.
// Individual failures are logged; they never block acquisition of devices
// that are already warm.
func (p *Pool) topUpSynths() <-chan struct{} {
	need := Target - len(p.synths)
	var wg sync.WaitGroup
	for i := 0; i < need; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.newSynth()
			if err != nil {
				p.log.Warn("synthesizer construction failed", zap.Error(err))
				return
			}
			if err := s.Open(); err != nil {
				p.log.Warn("synthesizer open failed", zap.Error(err))
				return
			}
			select {
			case p.synths <- s:
			default:
				_ = s.Close()
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func (p *Pool) topUpSequencers() <-chan struct{} {
	need := Target - len(p.seqs)
	var wg sync.WaitGroup
	for i := 0; i < need; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.newSeq()
			if err != nil {
				p.log.Warn("sequencer construction failed", zap.Error(err))
				return
			}
			if err := s.Open(); err != nil {
				p.log.Warn("sequencer open failed", zap.Error(err))
				return
			}
			select {
			case p.seqs <- s:
			default:
				_ = s.Close()
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func (p *Pool) trimSynths() {
	for len(p.synths) > Target {
		select {
		case s := <-p.synths:
			_ = s.Close()
		default:
			return
		}
	}
}

func (p *Pool) trimSequencers() {
	for len(p.seqs) > Target {
		select {
		case s := <-p.seqs:
			_ = s.Close()
		default:
			return
		}
	}
}

// Drain closes every pooled device and any installed defaults.
func (p *Pool) Drain() {
	for drained := false; !drained; {
		select {
		case s := <-p.synths:
			_ = s.Close()
		default:
			drained = true
		}
	}
	for drained := false; !drained; {
		select {
		case s := <-p.seqs:
			_ = s.Close()
		default:
			drained = true
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.defaultSynth != nil {
		_ = p.defaultSynth.Close()
		p.defaultSynth = nil
	}
	if p.defaultSeq != nil {
		_ = p.defaultSeq.Close()
		p.defaultSeq = nil
	}
}
