package device

// SoftSynthFactory produces SoundFont software synthesizers. An empty
// path uses the environment/system default.
func SoftSynthFactory(soundFontPath string) SynthFactory {
	return func() (Synthesizer, error) {
		return NewSoftSynth(soundFontPath), nil
	}
}

// PortSynthFactory produces synthesizers backed by an OS MIDI out port.
func PortSynthFactory(portName string) SynthFactory {
	return func() (Synthesizer, error) {
		return NewPortSynth(portName), nil
	}
}

// TimedSequencerFactory produces wall-clock sequencers.
func TimedSequencerFactory() SequencerFactory {
	return func() (Sequencer, error) {
		return NewTimedSequencer(), nil
	}
}
