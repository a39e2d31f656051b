package model

import (
	"context"
	"fmt"

	"github.com/mchmarny/sepeval/pkg/tensor"
	"gonum.org/v1/gonum/mat"
)

const (
	FIRName = "fir"

	firWeight = "filter.weight"
)

// fir applies a causal FIR filter per source and channel:
// out[s][c][t] = sum_k h[s][c][k]*mix[c][t-k].
type fir struct {
	cfg  Config
	taps []float32
}

func newFIR(cfg Config) (Model, error) {
	if cfg.Taps < 1 {
		return nil, fmt.Errorf("model %s: taps must be positive, got %d", cfg.Name, cfg.Taps)
	}
	return &fir{cfg: cfg}, nil
}

func (m *fir) Config() Config { return m.cfg }

func (m *fir) Schema() []ParamSpec {
	return []ParamSpec{{Name: firWeight, Shape: []int{m.cfg.Sources, m.cfg.Channels, m.cfg.Taps}}}
}

func (m *fir) Install(w tensor.Weights) error {
	m.taps = w[firWeight].Data
	return nil
}

func (m *fir) Forward(ctx context.Context, mix *mat.Dense) ([]*mat.Dense, error) {
	if err := checkChannels(m.cfg, mix); err != nil {
		return nil, err
	}
	channels, samples := mix.Dims()
	k := m.cfg.Taps
	out := make([]*mat.Dense, m.cfg.Sources)
	for s := range out {
		d := mat.NewDense(channels, samples, nil)
		for c := 0; c < channels; c++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			h := m.taps[(s*channels+c)*k : (s*channels+c+1)*k]
			src := mix.RawRowView(c)
			dst := d.RawRowView(c)
			for t := range dst {
				var acc float64
				for j := 0; j < k && j <= t; j++ {
					acc += float64(h[j]) * src[t-j]
				}
				dst[t] = acc
			}
		}
		out[s] = d
	}
	return out, nil
}
