// Package model holds the separation networks the evaluator can drive.
//
// A Model declares its parameter schema and produces one waveform per source
// from a mixture. Weights are always validated by the caller against Schema
// before Install is invoked.
package model

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mchmarny/sepeval/pkg/tensor"
	"gonum.org/v1/gonum/mat"
)

// Config describes the network to build. It is rebuilt from the run
// configuration for every evaluation.
type Config struct {
	Name     string `json:"name" yaml:"name"`
	Sources  int    `json:"sources" yaml:"sources"`
	Channels int    `json:"channels" yaml:"channels"`
	Taps     int    `json:"taps,omitempty" yaml:"taps,omitempty"`
}

func (c Config) String() string {
	return fmt.Sprintf("%s(sources=%d, channels=%d, taps=%d)", c.Name, c.Sources, c.Channels, c.Taps)
}

// ParamSpec is one entry of a model's parameter schema.
type ParamSpec struct {
	Name  string
	Shape []int
}

// Model is a separation network.
type Model interface {
	Config() Config
	// Schema lists every parameter the model requires.
	Schema() []ParamSpec
	// Install replaces the model parameters. w matches Schema exactly.
	Install(w tensor.Weights) error
	// Forward returns one channels x samples matrix per source. It must not
	// modify mix.
	Forward(ctx context.Context, mix *mat.Dense) ([]*mat.Dense, error)
}

// Factory builds a model from its configuration.
type Factory func(cfg Config) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a model constructible by name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Names lists the registered model names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the model named in cfg.
func New(cfg Config) (Model, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown model %q, expected one of [%s]", cfg.Name, strings.Join(Names(), ", "))
	}
	if cfg.Sources < 1 {
		cfg.Sources = 1
	}
	if cfg.Channels < 1 {
		return nil, fmt.Errorf("model %s: channels must be positive, got %d", cfg.Name, cfg.Channels)
	}
	return f(cfg)
}

func init() {
	Register(IdentityName, newIdentity)
	Register(GainName, newGain)
	Register(FIRName, newFIR)
}

func checkChannels(cfg Config, mix *mat.Dense) error {
	r, _ := mix.Dims()
	if r != cfg.Channels {
		return fmt.Errorf("model %s expects %d channels, mixture has %d", cfg.Name, cfg.Channels, r)
	}
	return nil
}
