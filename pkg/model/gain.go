package model

import (
	"context"

	"github.com/mchmarny/sepeval/pkg/tensor"
	"gonum.org/v1/gonum/mat"
)

const (
	GainName = "gain"

	gainWeight = "mask.weight"
	gainBias   = "mask.bias"
)

// gain applies a learned affine mask per source and channel:
// out[s][c][t] = w[s][c]*mix[c][t] + b[s][c].
type gain struct {
	cfg    Config
	weight []float32
	bias   []float32
}

func newGain(cfg Config) (Model, error) {
	return &gain{cfg: cfg}, nil
}

func (m *gain) Config() Config { return m.cfg }

func (m *gain) Schema() []ParamSpec {
	shape := []int{m.cfg.Sources, m.cfg.Channels}
	return []ParamSpec{
		{Name: gainWeight, Shape: shape},
		{Name: gainBias, Shape: shape},
	}
}

func (m *gain) Install(w tensor.Weights) error {
	m.weight = w[gainWeight].Data
	m.bias = w[gainBias].Data
	return nil
}

func (m *gain) Forward(ctx context.Context, mix *mat.Dense) ([]*mat.Dense, error) {
	if err := checkChannels(m.cfg, mix); err != nil {
		return nil, err
	}
	channels, samples := mix.Dims()
	out := make([]*mat.Dense, m.cfg.Sources)
	for s := range out {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := mat.NewDense(channels, samples, nil)
		for c := 0; c < channels; c++ {
			w := float64(m.weight[s*channels+c])
			b := float64(m.bias[s*channels+c])
			src := mix.RawRowView(c)
			dst := d.RawRowView(c)
			for t, v := range src {
				dst[t] = w*v + b
			}
		}
		out[s] = d
	}
	return out, nil
}
