package device

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// PortSynth forwards channel-voice messages to an OS MIDI out port,
// letting an external synthesizer do the rendering. The port is matched
// by case-insensitive substring; an empty name takes the first port.
type PortSynth struct {
	portName string

	mu     sync.Mutex
	drv    *rtmididrv.Driver
	out    drivers.Out
	send   func(midi.Message) error
	recvs  []*portReceiver
	opened bool
}

func NewPortSynth(portName string) *PortSynth {
	return &PortSynth{portName: portName}
}

func (p *PortSynth) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opened {
		return nil
	}
	drv, err := rtmididrv.New()
	if err != nil {
		return fmt.Errorf("%w: rtmidi: %v", ErrUnavailable, err)
	}
	outs, err := drv.Outs()
	if err != nil {
		drv.Close()
		return fmt.Errorf("%w: listing out ports: %v", ErrUnavailable, err)
	}
	var port drivers.Out
	for _, o := range outs {
		if p.portName == "" || strings.Contains(strings.ToLower(o.String()), strings.ToLower(p.portName)) {
			port = o
			break
		}
	}
	if port == nil {
		drv.Close()
		return fmt.Errorf("%w: no midi out port matching %q", ErrUnavailable, p.portName)
	}
	if err := port.Open(); err != nil {
		drv.Close()
		return fmt.Errorf("%w: opening port %q: %v", ErrUnavailable, port.String(), err)
	}
	send, err := midi.SendTo(port)
	if err != nil {
		port.Close()
		drv.Close()
		return fmt.Errorf("%w: sender for %q: %v", ErrUnavailable, port.String(), err)
	}
	p.drv = drv
	p.out = port
	p.send = send
	p.opened = true
	return nil
}

func (p *PortSynth) Receiver() (Receiver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil, fmt.Errorf("%w: port synthesizer not open", ErrUnavailable)
	}
	r := &portReceiver{p: p}
	p.recvs = append(p.recvs, r)
	return r, nil
}

func (p *PortSynth) CloseReceivers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.recvs {
		r.closed.Store(true)
	}
	p.recvs = nil
}

func (p *PortSynth) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil
	}
	p.opened = false
	for _, r := range p.recvs {
		r.closed.Store(true)
	}
	p.recvs = nil
	err := p.out.Close()
	p.drv.Close()
	p.out, p.drv, p.send = nil, nil, nil
	return err
}

func (p *PortSynth) dispatch(msg midi.Message) error {
	if len(msg) == 0 || msg[0] < 0x80 || msg[0] >= 0xF0 {
		return nil
	}
	p.mu.Lock()
	send := p.send
	p.mu.Unlock()
	if send == nil {
		return fmt.Errorf("port synthesizer closed")
	}
	return send(msg)
}

type portReceiver struct {
	p      *PortSynth
	closed atomic.Bool
}

func (r *portReceiver) Send(msg midi.Message) error {
	if r.closed.Load() {
		return fmt.Errorf("receiver closed")
	}
	return r.p.dispatch(msg)
}

func (r *portReceiver) Close() error {
	r.closed.Store(true)
	return nil
}
