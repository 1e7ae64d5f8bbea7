package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/cbegin/midiscore-go"
	"github.com/cbegin/midiscore-go/score"
)

func main() {
	var (
		scorePath = flag.String("file", "", "path to a JSON score file (required)")
		outPath   = flag.String("out", "out.mid", "output Standard MIDI File path")
		from      = flag.String("from", "", "start position: marker name or millisecond offset")
		to        = flag.String("to", "", "end position: marker name or millisecond offset")
	)
	flag.Parse()

	s, err := loadScore(*scorePath)
	if err != nil {
		log.Fatal(err)
	}

	pl := midiscore.NewPlayer()
	defer pl.Close()

	var opts []midiscore.PlayOption
	if pos := parsePosition(*from); pos != nil {
		opts = append(opts, midiscore.WithFrom(pos))
	}
	if pos := parsePosition(*to); pos != nil {
		opts = append(opts, midiscore.WithTo(pos))
	}
	if err := pl.Export(s, *outPath, opts...); err != nil {
		log.Fatal(err)
	}
	if err := pl.TearDown(s); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("wrote %s\n", *outPath)
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
