package score

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestAudioTypesSortedAndDeduplicated(t *testing.T) {
	s := &Score{Instruments: map[string]Instrument{
		"piano": {Config: InstrumentConfig{Type: MIDI, Patch: 1}},
		"drums": {Config: InstrumentConfig{Type: MIDI, Percussion: true}},
		"pad":   {Config: InstrumentConfig{Type: AudioType("analog")}},
	}}
	got := s.AudioTypes()
	want := []AudioType{"analog", MIDI}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("audio types = %v, want %v", got, want)
	}
}

func TestInstrumentsOfTypeLexicographic(t *testing.T) {
	s := &Score{Instruments: map[string]Instrument{
		"zither": {Config: InstrumentConfig{Type: MIDI}},
		"bass":   {Config: InstrumentConfig{Type: MIDI}},
		"pad":    {Config: InstrumentConfig{Type: AudioType("analog")}},
		"mallet": {Config: InstrumentConfig{Type: MIDI}},
	}}
	got := s.InstrumentsOfType(MIDI)
	want := []string{"bass", "mallet", "zither"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("instruments = %v, want %v", got, want)
	}
}

func TestLength(t *testing.T) {
	s := &Score{Events: []Event{
		{Offset: 0, Duration: 500},
		{Offset: 1000, Duration: 250},
		{Offset: 800, Duration: 600},
	}}
	if got := s.Length(); got != 1400 {
		t.Fatalf("length = %v, want 1400", got)
	}
	empty := &Score{}
	if got := empty.Length(); got != 0 {
		t.Fatalf("empty score length = %v, want 0", got)
	}
}

func TestScoreJSONRoundTrip(t *testing.T) {
	in := `{
		"instruments": {
			"piano": {"config": {"type": "midi", "patch": 1}},
			"drums": {"config": {"type": "midi", "percussion": true}}
		},
		"events": [
			{"offset": 0, "instrument": "piano", "duration": 1000, "midi_note": 60,
			 "volume": 1, "track_volume": 1, "panning": 0.5}
		],
		"tempo": {"0": 120},
		"markers": {"verse": 4000}
	}`
	var s Score
	if err := json.Unmarshal([]byte(in), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := s.Instruments["piano"].Config.Patch; got != 1 {
		t.Fatalf("piano patch = %d, want 1", got)
	}
	if !s.Instruments["drums"].Config.Percussion {
		t.Fatal("drums should be percussion")
	}
	if got := s.Tempo[0]; got != 120 {
		t.Fatalf("tempo at 0 = %v, want 120", got)
	}
	if got := s.Markers["verse"]; got != 4000 {
		t.Fatalf("marker verse = %v, want 4000", got)
	}
	if got := s.Events[0].MidiNote; got != 60 {
		t.Fatalf("midi note = %d, want 60", got)
	}
}
