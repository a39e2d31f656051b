package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mchmarny/sepeval/pkg/tensor"
)

// Bundle is the JSON training checkpoint: network parameters keyed by their
// wrapped name, plus optimizer state and training progress. Both the
// state_dict layout and the flat weight list layout are accepted.
type Bundle struct {
	StateDict       map[string]*BundleTensor `json:"state_dict,omitempty"`
	Weights         []*NamedTensor           `json:"weights,omitempty"`
	Epoch           int                      `json:"epoch,omitempty"`
	GlobalStep      int                      `json:"global_step,omitempty"`
	OptimizerStates []json.RawMessage        `json:"optimizer_states,omitempty"`
	HyperParameters map[string]any           `json:"hyper_parameters,omitempty"`
	TrainingState   *TrainingState           `json:"training_state,omitempty"`
	Metadata        *Metadata                `json:"metadata,omitempty"`
}

// BundleTensor is a parameter in the state_dict layout.
type BundleTensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// NamedTensor is a parameter in the flat weight list layout.
type NamedTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState is the progress recorded by the weight list layout.
type TrainingState struct {
	Epoch int `json:"epoch"`
	Step  int `json:"step"`
}

type Metadata struct {
	Version   string    `json:"version,omitempty"`
	Framework string    `json:"framework,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

func decodeBundle(b []byte) (tensor.Weights, *Info, error) {
	var bundle Bundle
	if err := json.Unmarshal(b, &bundle); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCheckpointFormat, err)
	}

	if bundle.StateDict == nil && bundle.Weights == nil {
		return nil, nil, fmt.Errorf("%w: neither state_dict nor weights present", ErrCheckpointFormat)
	}

	w := make(tensor.Weights, len(bundle.StateDict)+len(bundle.Weights))
	for name, bt := range bundle.StateDict {
		if bt == nil {
			return nil, nil, fmt.Errorf("%w: parameter %q has no tensor", ErrCheckpointFormat, name)
		}
		t, err := tensor.New(bt.Shape, bt.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: parameter %q: %v", ErrCheckpointFormat, name, err)
		}
		w[name] = t
	}
	for _, nt := range bundle.Weights {
		if nt == nil || nt.Name == "" {
			return nil, nil, fmt.Errorf("%w: unnamed weight entry", ErrCheckpointFormat)
		}
		if _, dup := w[nt.Name]; dup {
			return nil, nil, fmt.Errorf("%w: parameter %q defined twice", ErrCheckpointFormat, nt.Name)
		}
		t, err := tensor.New(nt.Shape, nt.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: parameter %q: %v", ErrCheckpointFormat, nt.Name, err)
		}
		w[nt.Name] = t
	}

	info := &Info{
		Format:     FormatBundle,
		Epoch:      bundle.Epoch,
		GlobalStep: bundle.GlobalStep,
		Optimizers: len(bundle.OptimizerStates),
	}
	if bundle.TrainingState != nil && info.Epoch == 0 && info.GlobalStep == 0 {
		info.Epoch = bundle.TrainingState.Epoch
		info.GlobalStep = bundle.TrainingState.Step
	}
	if bundle.Metadata != nil {
		info.Framework = bundle.Metadata.Framework
	}
	return w, info, nil
}
