// Package midiscore plays and exports fully-realized music scores. A
// score names its instruments, note events, tempo history, and markers;
// the player turns it into a timed General MIDI sequence, renders it
// through pooled synthesizer/sequencer devices, or writes it out as a
// Standard MIDI File.
package midiscore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gitlab.com/gomidi/midi/v2/smf"
	"go.uber.org/zap"

	"github.com/cbegin/midiscore-go/internal/device"
	"github.com/cbegin/midiscore-go/internal/gm"
	"github.com/cbegin/midiscore-go/internal/sequence"
	"github.com/cbegin/midiscore-go/internal/tempo"
	"github.com/cbegin/midiscore-go/score"
)

// ErrMarkerNotFound reports a from/to position naming a marker the
// score does not define.
var ErrMarkerNotFound = errors.New("marker not found")

var errNoSequencer = errors.New("no sequencer attached to the audio context")

// Position is a point in a score, either a named Marker or a
// millisecond Offset.
type Position interface {
	resolve(s *score.Score) (float64, error)
}

// Marker resolves through the score's marker table.
type Marker string

func (m Marker) resolve(s *score.Score) (float64, error) {
	ms, ok := s.Markers[string(m)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMarkerNotFound, string(m))
	}
	return ms, nil
}

// Offset is an absolute millisecond position.
type Offset float64

func (o Offset) resolve(*score.Score) (float64, error) { return float64(o), nil }

type PlayerOption func(*Player)

// WithDevicePool replaces the default device pool.
func WithDevicePool(pool *device.Pool) PlayerOption {
	return func(p *Player) { p.pool = pool }
}

func WithLogger(log *zap.Logger) PlayerOption {
	return func(p *Player) { p.log = log }
}

// WithResolution sets the PPQ resolution used for tick conversion.
func WithResolution(resolution int) PlayerOption {
	return func(p *Player) { p.resolution = resolution }
}

// WithBackend registers (or overrides) the backend for an audio type.
func WithBackend(t score.AudioType, b Backend) PlayerOption {
	return func(p *Player) { p.backends[t] = b }
}

// Player is the playback controller. It owns the device pool, one
// backend per audio type, and one audio context per score it has
// touched. Safe for concurrent use.
type Player struct {
	mu         sync.Mutex
	pool       *device.Pool
	backends   map[score.AudioType]Backend
	contexts   map[*score.Score]*AudioContext
	resolution int
	log        *zap.Logger
}

// NewPlayer builds a player. Without options it uses the default PPQ
// resolution, a no-op logger, and a pool of SoundFont software
// synthesizers paired with wall-clock sequencers.
func NewPlayer(opts ...PlayerOption) *Player {
	p := &Player{
		backends:   map[score.AudioType]Backend{},
		contexts:   map[*score.Score]*AudioContext{},
		resolution: tempo.DefaultResolution,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.pool == nil {
		p.pool = device.NewPool(device.SoftSynthFactory(""), device.TimedSequencerFactory(), p.log)
	}
	if _, ok := p.backends[score.MIDI]; !ok {
		p.backends[score.MIDI] = &midiBackend{pool: p.pool, log: p.log}
	}
	return p
}

type playConfig struct {
	from       Position
	to         Position
	oneOff     bool
	async      bool
	events     []score.Event
	haveEvents bool
}

type PlayOption func(*playConfig)

// WithFrom sets the playback start. Defaults to the score beginning.
func WithFrom(pos Position) PlayOption {
	return func(cfg *playConfig) { cfg.from = pos }
}

// WithTo sets the playback end (exclusive). Defaults to the score end.
func WithTo(pos Position) PlayOption {
	return func(cfg *playConfig) { cfg.to = pos }
}

// WithOneOff tears the audio context down when playback ends or is
// stopped.
func WithOneOff(oneOff bool) PlayOption {
	return func(cfg *playConfig) { cfg.oneOff = oneOff }
}

// WithAsync makes Play return as soon as the sequencer starts instead
// of blocking on completion.
func WithAsync(async bool) PlayOption {
	return func(cfg *playConfig) { cfg.async = async }
}

// WithEvents plays the given events instead of the score's own. The
// effective start becomes their minimum offset unless WithFrom is also
// set.
func WithEvents(events []score.Event) PlayOption {
	return func(cfg *playConfig) {
		cfg.events = events
		cfg.haveEvents = true
	}
}

// Playback is a handle on a started run.
type Playback struct {
	score *score.Score
	stop  func() error
	done  chan struct{}
	once  sync.Once
}

func (pb *Playback) Score() *score.Score { return pb.score }

// Stop halts playback. For one-off runs the audio context is torn
// down; otherwise the transport pauses and the devices stay attached.
func (pb *Playback) Stop() error { return pb.stop() }

// Wait blocks until playback completes or is stopped.
func (pb *Playback) Wait() { <-pb.done }

func (pb *Playback) fulfill() {
	pb.once.Do(func() { close(pb.done) })
}

// Play builds the score's sequence, loads it, and starts the
// sequencer. The returned handle exposes Stop and Wait; with WithAsync
// the call returns immediately, otherwise it blocks until completion.
func (p *Player) Play(s *score.Score, opts ...PlayOption) (*Playback, error) {
	var cfg playConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, _, err := p.createSequence(s, cfg)
	if err != nil {
		return nil, err
	}
	seq := ctx.sequencer()
	if seq == nil {
		return nil, errNoSequencer
	}

	pb := &Playback{score: s, done: make(chan struct{})}
	pb.stop = func() error {
		var err error
		if cfg.oneOff {
			err = p.TearDown(s)
		} else {
			err = p.StopPlayback(s)
		}
		pb.fulfill()
		return err
	}
	seq.OnEndOfTrack(pb.fulfill)
	seq.SetTickPosition(0)
	if err := seq.Start(); err != nil {
		return nil, fmt.Errorf("starting sequencer: %w", err)
	}

	switch {
	case cfg.async && cfg.oneOff:
		go func() {
			<-pb.done
			if err := p.TearDown(s); err != nil {
				p.log.Warn("tearing down after playback", zap.Error(err))
			}
		}()
	case !cfg.async:
		<-pb.done
		if cfg.oneOff {
			if err := p.TearDown(s); err != nil {
				return pb, err
			}
		}
	}
	return pb, nil
}

// Export builds the score's sequence without playing it and writes a
// Type-0 Standard MIDI File to path.
func (p *Player) Export(s *score.Score, path string, opts ...PlayOption) error {
	var cfg playConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	_, sm, err := p.createSequence(s, cfg)
	if err != nil {
		return err
	}
	if err := sm.WriteFile(path); err != nil {
		return fmt.Errorf("write midi file: %w", err)
	}
	return nil
}

// SetUp acquires and wires devices for the given audio types without
// starting playback. With no types it covers every type the score's
// instruments use.
func (p *Player) SetUp(s *score.Score, types ...score.AudioType) error {
	ctx := p.contextFor(s)
	if len(types) == 0 {
		types = s.AudioTypes()
	}
	return p.dispatch(types, func(b Backend) error { return b.SetUp(ctx) })
}

// StopPlayback pauses the score's transport and silences its
// synthesizers. Devices stay attached; a later Play resumes from a
// fresh sequence load.
func (p *Player) StopPlayback(s *score.Score) error {
	ctx := p.contextFor(s)
	return p.dispatch(ctx.activeTypes(), func(b Backend) error { return b.StopPlayback(ctx) })
}

// TearDown releases the score's devices and drops its audio context.
func (p *Player) TearDown(s *score.Score) error {
	ctx := p.contextFor(s)
	err := p.dispatch(ctx.activeTypes(), func(b Backend) error { return b.TearDown(ctx) })
	if len(ctx.activeTypes()) == 0 {
		p.mu.Lock()
		delete(p.contexts, s)
		p.mu.Unlock()
	}
	return err
}

// Close drains the device pool. Scores with live contexts should be
// torn down first.
func (p *Player) Close() error {
	p.pool.Drain()
	return nil
}

func (p *Player) contextFor(s *score.Score) *AudioContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, ok := p.contexts[s]
	if !ok {
		ctx = newAudioContext()
		p.contexts[s] = ctx
	}
	return ctx
}

// dispatch runs fn against the backend of each audio type. Unknown
// types log an error and are skipped so unrecognized scores degrade
// instead of failing.
func (p *Player) dispatch(types []score.AudioType, fn func(Backend) error) error {
	var firstErr error
	for _, t := range types {
		b, ok := p.backends[t]
		if !ok {
			p.log.Error("no backend for audio type", zap.String("audio_type", string(t)))
			continue
		}
		if err := fn(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// createSequence sets up devices for the score's audio types, resolves
// the playback window, shifts and trims the events, and builds and
// loads the MIDI sequence.
func (p *Player) createSequence(s *score.Score, cfg playConfig) (*AudioContext, *smf.SMF, error) {
	ctx := p.contextFor(s)
	if err := p.dispatch(s.AudioTypes(), func(b Backend) error { return b.SetUp(ctx) }); err != nil {
		return nil, nil, err
	}

	var start, end float64
	hasEnd := false
	if cfg.from != nil {
		ms, err := cfg.from.resolve(s)
		if err != nil {
			return nil, nil, err
		}
		start = ms
	}
	if cfg.to != nil {
		ms, err := cfg.to.resolve(s)
		if err != nil {
			return nil, nil, err
		}
		end = ms
		hasEnd = true
	}

	events := s.Events
	if cfg.haveEvents {
		events = cfg.events
	}

	// Effective start: an explicit from always wins; an explicit event
	// set plays from its earliest offset; otherwise the score beginning.
	effStart := start
	if cfg.from == nil && cfg.haveEvents {
		effStart = minOffset(events)
		if effStart < 0 {
			effStart = 0
		}
	}
	limit := -1.0
	if hasEnd {
		limit = end - effStart
	}
	events = shiftEvents(events, effStart, limit)

	ctx.mu.Lock()
	channels := ctx.channels
	ctx.mu.Unlock()
	if channels == nil {
		var err error
		channels, err = gm.AllocateChannels(s)
		if err != nil {
			return nil, nil, err
		}
		ctx.mu.Lock()
		ctx.channels = channels
		ctx.mu.Unlock()
	}

	it, err := tempo.NewItinerary(s.Tempo, p.resolution)
	if err != nil {
		return nil, nil, err
	}
	sm, err := sequence.Build(events, channels, it)
	if err != nil {
		return nil, nil, err
	}

	if seq := ctx.sequencer(); seq != nil {
		if err := seq.SetSequence(sm); err != nil {
			return nil, nil, fmt.Errorf("loading sequence: %w", err)
		}
		seq.SetTickPosition(0)
	}
	return ctx, sm, nil
}

// shiftEvents rebases events onto start and drops any that fall
// outside the half-open window [0, limit). A negative limit means no
// upper bound.
func shiftEvents(events []score.Event, start, limit float64) []score.Event {
	out := make([]score.Event, 0, len(events))
	for _, ev := range events {
		ev.Offset -= start
		if ev.Offset < 0 {
			continue
		}
		if limit >= 0 && ev.Offset >= limit {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

func minOffset(events []score.Event) float64 {
	if len(events) == 0 {
		return 0
	}
	min := events[0].Offset
	for _, ev := range events[1:] {
		if ev.Offset < min {
			min = ev.Offset
		}
	}
	return min
}
