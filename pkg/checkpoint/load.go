package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mchmarny/sepeval/pkg/device"
	"github.com/mchmarny/sepeval/pkg/tensor"
)

// DefaultStripPrefixes holds the name prefix the training wrapper adds to
// every network parameter.
var DefaultStripPrefixes = []string{"model."}

// Format is the on-disk encoding of a checkpoint.
type Format int

const (
	FormatBundle Format = iota
	FormatONNX
)

func (f Format) String() string {
	switch f {
	case FormatBundle:
		return "bundle"
	case FormatONNX:
		return "onnx"
	default:
		return "unknown"
	}
}

// Info describes where the checkpoint came from in training.
type Info struct {
	Format     Format `json:"format" yaml:"format"`
	Epoch      int    `json:"epoch" yaml:"epoch"`
	GlobalStep int    `json:"global_step" yaml:"global_step"`
	Framework  string `json:"framework,omitempty" yaml:"framework,omitempty"`
	Optimizers int    `json:"optimizers" yaml:"optimizers"`
	Params     int    `json:"params" yaml:"params"`
	Dropped    int    `json:"dropped" yaml:"dropped"`
}

// Loader reads checkpoints into flat parameter mappings.
type Loader struct {
	// StripPrefixes are removed from parameter names. When any name carries
	// one of them, names carrying none belong to other members of the
	// training wrapper and are dropped.
	StripPrefixes []string
	Logger        *slog.Logger
}

// NewLoader returns a loader stripping the given prefixes, or the default
// wrapper prefix when none are given.
func NewLoader(prefixes []string, logger *slog.Logger) *Loader {
	if len(prefixes) == 0 {
		prefixes = DefaultStripPrefixes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{StripPrefixes: prefixes, Logger: logger}
}

// LoadWeights reads the checkpoint at path and returns its parameters
// placed on d. The file is never modified.
func (l *Loader) LoadWeights(path string, d device.Device) (tensor.Weights, *Info, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, path)
		}
		return nil, nil, fmt.Errorf("reading checkpoint %s: %w", path, err)
	}

	var raw tensor.Weights
	var info *Info
	if looksLikeJSON(b) {
		raw, info, err = decodeBundle(b)
	} else {
		raw, info, err = decodeONNX(b)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("decoding checkpoint %s: %w", path, err)
	}

	w, dropped, err := l.strip(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	info.Params = len(w)
	info.Dropped = len(dropped)
	for _, n := range dropped {
		l.Logger.Debug("dropping parameter outside the wrapped model", "name", n)
	}

	return w.To(d), info, nil
}

func (l *Loader) strip(raw tensor.Weights) (tensor.Weights, []string, error) {
	prefixed := false
	for name := range raw {
		if _, ok := l.trim(name); ok {
			prefixed = true
			break
		}
	}
	if !prefixed {
		return raw, nil, nil
	}

	out := make(tensor.Weights, len(raw))
	var dropped []string
	for _, name := range raw.Names() {
		short, ok := l.trim(name)
		if !ok {
			dropped = append(dropped, name)
			continue
		}
		if _, dup := out[short]; dup {
			return nil, nil, fmt.Errorf("%w: parameter %q collides after prefix stripping", ErrCheckpointFormat, name)
		}
		out[short] = raw[name]
	}
	return out, dropped, nil
}

func (l *Loader) trim(name string) (string, bool) {
	for _, p := range l.StripPrefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return strings.TrimPrefix(name, p), true
		}
	}
	return name, false
}

func looksLikeJSON(b []byte) bool {
	t := bytes.TrimLeft(b, " \t\r\n")
	return len(t) > 0 && t[0] == '{'
}
