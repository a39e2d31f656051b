package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mchmarny/sepeval/pkg/tensor"
)

const (
	DefaultMixtureName = "mixture"
	wavExtension       = ".wav"
)

var ErrNoTracks = errors.New("no tracks found")

// Options locate a track folder dataset.
type Options struct {
	// Root holds one directory per track.
	Root string
	// Targets are the reference source names, one WAV file each per track.
	Targets []string
	// MixtureName is the mixture file name without extension.
	MixtureName string
	// SampleRate, when set, is required of every file.
	SampleRate int
}

// TrackFolder reads <root>/<track>/<mixture>.wav and
// <root>/<track>/<target>.wav for each target. Tracks are visited in
// lexicographic order of their directory names.
type TrackFolder struct {
	opts   Options
	tracks []string
}

// NewTrackFolder indexes the tracks under opts.Root. Audio is read lazily by Item.
func NewTrackFolder(opts Options) (*TrackFolder, error) {
	if opts.Root == "" {
		return nil, errors.New("dataset root required")
	}
	if len(opts.Targets) == 0 {
		return nil, errors.New("at least one target source required")
	}
	if opts.MixtureName == "" {
		opts.MixtureName = DefaultMixtureName
	}

	entries, err := os.ReadDir(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("reading dataset root %s: %w", opts.Root, err)
	}

	var tracks []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		mix := filepath.Join(opts.Root, e.Name(), opts.MixtureName+wavExtension)
		if _, err := os.Stat(mix); err != nil {
			continue
		}
		tracks = append(tracks, e.Name())
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoTracks, opts.Root)
	}
	sort.Strings(tracks)

	return &TrackFolder{opts: opts, tracks: tracks}, nil
}

func (d *TrackFolder) Len() int {
	return len(d.tracks)
}

// Tracks returns the track names in iteration order.
func (d *TrackFolder) Tracks() []string {
	return d.tracks
}

func (d *TrackFolder) Item(index int) (*Example, error) {
	if index < 0 || index >= len(d.tracks) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.tracks))
	}
	name := d.tracks[index]
	dir := filepath.Join(d.opts.Root, name)

	mix, rate, err := ReadWAV(filepath.Join(dir, d.opts.MixtureName+wavExtension))
	if err != nil {
		return nil, fmt.Errorf("track %s: %w", name, err)
	}
	if d.opts.SampleRate > 0 && rate != d.opts.SampleRate {
		return nil, fmt.Errorf("track %s: mixture sample rate %d, expected %d", name, rate, d.opts.SampleRate)
	}

	ex := &Example{Name: name, Mixture: mix, Reference: make(tensor.Sources, 0, len(d.opts.Targets))}
	for _, target := range d.opts.Targets {
		ref, r, err := ReadWAV(filepath.Join(dir, target+wavExtension))
		if err != nil {
			return nil, fmt.Errorf("track %s: %w", name, err)
		}
		if r != rate {
			return nil, fmt.Errorf("track %s: %s sample rate %d differs from mixture %d", name, target, r, rate)
		}
		if !ref.SameShape(mix) {
			return nil, fmt.Errorf("track %s: %s is %dx%d, mixture is %dx%d",
				name, target, ref.Channels(), ref.Samples(), mix.Channels(), mix.Samples())
		}
		ex.Reference = append(ex.Reference, ref)
	}
	return ex, nil
}
