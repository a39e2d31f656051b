package model

import (
	"context"

	"github.com/mchmarny/sepeval/pkg/tensor"
	"gonum.org/v1/gonum/mat"
)

const IdentityName = "identity"

// identity predicts the mixture unchanged for every source. It has no
// parameters and serves as the lower bound baseline.
type identity struct {
	cfg Config
}

func newIdentity(cfg Config) (Model, error) {
	return &identity{cfg: cfg}, nil
}

func (m *identity) Config() Config      { return m.cfg }
func (m *identity) Schema() []ParamSpec { return nil }

func (m *identity) Install(tensor.Weights) error { return nil }

func (m *identity) Forward(ctx context.Context, mix *mat.Dense) ([]*mat.Dense, error) {
	if err := checkChannels(m.cfg, mix); err != nil {
		return nil, err
	}
	out := make([]*mat.Dense, m.cfg.Sources)
	for s := range out {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[s] = mat.DenseCopyOf(mix)
	}
	return out, nil
}
