package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/cbegin/midiscore-go"
	"github.com/cbegin/midiscore-go/internal/device"
	"github.com/cbegin/midiscore-go/score"
)

func main() {
	var (
		scorePath = flag.String("file", "", "path to a JSON score file (required)")
		from      = flag.String("from", "", "start position: marker name or millisecond offset")
		to        = flag.String("to", "", "end position: marker name or millisecond offset")
		keep      = flag.Bool("keep-devices", false, "keep devices attached after playback instead of tearing down")
		soundFont = flag.String("soundfont", "", "SoundFont (.sf2) path for the software synthesizer")
		port      = flag.String("port", "", "render through the OS MIDI out port matching this name instead of the software synthesizer")
		verbose   = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	s, err := loadScore(*scorePath)
	if err != nil {
		log.Fatal(err)
	}

	logger := zap.NewNop()
	if *verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			log.Fatal(err)
		}
	}

	synth := device.SoftSynthFactory(*soundFont)
	if *port != "" {
		synth = device.PortSynthFactory(*port)
	}
	pool := device.NewPool(synth, device.TimedSequencerFactory(), logger)
	pl := midiscore.NewPlayer(midiscore.WithDevicePool(pool), midiscore.WithLogger(logger))
	defer pl.Close()

	opts := []midiscore.PlayOption{midiscore.WithOneOff(!*keep)}
	if pos := parsePosition(*from); pos != nil {
		opts = append(opts, midiscore.WithFrom(pos))
	}
	if pos := parsePosition(*to); pos != nil {
		opts = append(opts, midiscore.WithTo(pos))
	}
	if _, err := pl.Play(s, opts...); err != nil {
		log.Fatal(err)
	}
	fmt.Println("playback completed")
}

func loadScore(path string) (*score.Score, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("-file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s score.Score
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing score %s: %w", path, err)
	}
	return &s, nil
}

// parsePosition reads a flag value as a millisecond offset when it is
// numeric and as a marker name otherwise.
func parsePosition(v string) midiscore.Position {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if ms, err := strconv.ParseFloat(v, 64); err == nil {
		return midiscore.Offset(ms)
	}
	return midiscore.Marker(v)
}
