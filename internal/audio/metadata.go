// Package audio provides a lightweight metadata probe for ingested samples.
// The service never decodes audio itself (classification is the analyzer's
// job); the probe only surfaces provenance for logging and diagnostics.
package audio

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// Metadata describes a WAV sample's format.
type Metadata struct {
	SampleRate int
	Channels   int
	BitDepth   int
	DurationMs int64
}

// ProbeWAV reads format information from a WAV file without decoding the
// sample data. Non-WAV input returns an error; callers treat any failure as
// "format unknown", never as an ingestion failure.
func ProbeWAV(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audio file: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, errors.New("not a valid WAV file")
	}

	dur, err := dec.Duration()
	if err != nil {
		return nil, fmt.Errorf("reading WAV duration: %w", err)
	}

	return &Metadata{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		DurationMs: dur.Milliseconds(),
	}, nil
}
