package device

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"
	"github.com/sinshu/go-meltysynth/meltysynth"
	"gitlab.com/gomidi/midi/v2"
)

const softSampleRate = 44100

// The audio driver allows a single context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func sharedOtoContext() (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   softSampleRate,
			ChannelCount: 2,
			Format:       oto.FormatFloat32LE,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

// SoftSynth is a software General MIDI synthesizer: a SoundFont rendered
// by meltysynth and streamed to the audio device. Open loads the
// SoundFont and starts the output stream; that is the slow step the pool
// amortizes.
type SoftSynth struct {
	soundFontPath string

	mu     sync.Mutex
	synth  *meltysynth.Synthesizer
	out    *oto.Player
	recvs  []*softReceiver
	opened bool
}

// NewSoftSynth creates an unopened synth. An empty path falls back to the
// MIDISCORE_SOUNDFONT environment variable, then to well-known system
// SoundFont locations.
func NewSoftSynth(soundFontPath string) *SoftSynth {
	return &SoftSynth{soundFontPath: soundFontPath}
}

func (s *SoftSynth) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	path, err := resolveSoundFont(s.soundFontPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading soundfont %s: %v", ErrUnavailable, path, err)
	}
	sf, err := meltysynth.NewSoundFont(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: parsing soundfont %s: %v", ErrUnavailable, path, err)
	}
	settings := meltysynth.NewSynthesizerSettings(softSampleRate)
	synth, err := meltysynth.NewSynthesizer(sf, settings)
	if err != nil {
		return fmt.Errorf("%w: creating synthesizer: %v", ErrUnavailable, err)
	}
	ctx, err := sharedOtoContext()
	if err != nil {
		return fmt.Errorf("%w: audio output: %v", ErrUnavailable, err)
	}
	s.synth = synth
	s.out = ctx.NewPlayer(&synthStream{s: s})
	s.out.Play()
	s.opened = true
	return nil
}

func (s *SoftSynth) Receiver() (Receiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil, fmt.Errorf("%w: synthesizer not open", ErrUnavailable)
	}
	r := &softReceiver{s: s}
	s.recvs = append(s.recvs, r)
	return r, nil
}

func (s *SoftSynth) CloseReceivers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recvs {
		r.closed.Store(true)
	}
	s.recvs = nil
}

func (s *SoftSynth) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	for _, r := range s.recvs {
		r.closed.Store(true)
	}
	s.recvs = nil
	err := s.out.Close()
	s.out = nil
	s.synth = nil
	return err
}

// process applies a channel-voice message to the synthesizer.
func (s *SoftSynth) process(msg midi.Message) {
	if len(msg) == 0 {
		return
	}
	status := msg[0]
	if status < 0x80 || status >= 0xF0 {
		// Meta and system messages are not voice data.
		return
	}
	channel := int32(status & 0x0F)
	command := int32(status & 0xF0)
	var d1, d2 int32
	if len(msg) > 1 {
		d1 = int32(msg[1])
	}
	if len(msg) > 2 {
		d2 = int32(msg[2])
	}
	s.mu.Lock()
	if s.synth != nil {
		s.synth.ProcessMidiMessage(channel, command, d1, d2)
	}
	s.mu.Unlock()
}

type softReceiver struct {
	s      *SoftSynth
	closed atomic.Bool
}

func (r *softReceiver) Send(msg midi.Message) error {
	if r.closed.Load() {
		return fmt.Errorf("receiver closed")
	}
	r.s.process(msg)
	return nil
}

func (r *softReceiver) Close() error {
	r.closed.Store(true)
	return nil
}

// synthStream renders the synthesizer into interleaved float32 LE frames
// for the audio driver.
type synthStream struct {
	s     *SoftSynth
	left  []float32
	right []float32
}

func (st *synthStream) Read(p []byte) (int, error) {
	frames := len(p) / 8
	if frames == 0 {
		return 0, nil
	}
	if cap(st.left) < frames {
		st.left = make([]float32, frames)
		st.right = make([]float32, frames)
	}
	left := st.left[:frames]
	right := st.right[:frames]
	st.s.mu.Lock()
	if st.s.synth != nil {
		st.s.synth.Render(left, right)
	} else {
		for i := range left {
			left[i], right[i] = 0, 0
		}
	}
	st.s.mu.Unlock()
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint32(p[i*8:], math.Float32bits(left[i]))
		binary.LittleEndian.PutUint32(p[i*8+4:], math.Float32bits(right[i]))
	}
	return frames * 8, nil
}

func resolveSoundFont(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if env := os.Getenv("MIDISCORE_SOUNDFONT"); env != "" {
		return env, nil
	}
	candidates := []string{
		"/usr/share/sounds/sf2/FluidR3_GM.sf2",
		"/usr/share/sounds/sf2/default-GM.sf2",
		"/usr/share/soundfonts/default.sf2",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: no soundfont found (set MIDISCORE_SOUNDFONT)", ErrUnavailable)
}
