package inference

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mchmarny/sepeval/pkg/device"
	"github.com/mchmarny/sepeval/pkg/model"
	"github.com/mchmarny/sepeval/pkg/tensor"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrNoWeights      = errors.New("no weights installed, load a checkpoint first")
	ErrDeviceMismatch = errors.New("mixture is not on the adapter device")
	ErrBadPrediction  = errors.New("model returned a malformed prediction")
	ErrBusy           = errors.New("an abandoned forward pass is still running")
)

// WeightMismatchError lists every difference between a weight mapping and
// the model schema.
type WeightMismatchError struct {
	Missing    []string
	Unexpected []string
	Shape      []string
}

func (e *WeightMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected: "+strings.Join(e.Unexpected, ", "))
	}
	if len(e.Shape) > 0 {
		parts = append(parts, "shape mismatch: "+strings.Join(e.Shape, ", "))
	}
	return "weights do not match model schema (" + strings.Join(parts, "; ") + ")"
}

// LoadReport documents what a successful weight installation changed.
type LoadReport struct {
	Changed   []string `json:"changed" yaml:"changed"`
	Unchanged []string `json:"unchanged" yaml:"unchanged"`
}

// Adapter runs a model as a pure function from a mixture to predicted
// sources on a fixed device.
type Adapter struct {
	model   model.Model
	device  device.Device
	weights tensor.Weights
	loaded  bool

	// running is closed when the last forward pass returns. Nil when idle.
	running chan struct{}
}

// New wraps m. No weights are installed until LoadWeights succeeds, except
// for models without parameters.
func New(m model.Model, d device.Device) *Adapter {
	a := &Adapter{model: m, device: d}
	a.loaded = len(m.Schema()) == 0
	return a
}

func (a *Adapter) Device() device.Device { return a.device }

func (a *Adapter) Model() model.Model { return a.model }

// Loaded reports whether weights are installed and usable.
func (a *Adapter) Loaded() bool { return a.loaded }

// To moves the adapter and every installed parameter to d. Repeating the
// call with the same device changes nothing.
func (a *Adapter) To(d device.Device) *Adapter {
	if a.device == d {
		return a
	}
	a.device = d
	a.weights.To(d)
	return a
}

// Wait blocks until a forward pass abandoned by an earlier Predict returns,
// or ctx is done.
func (a *Adapter) Wait(ctx context.Context) error {
	if a.running == nil {
		return nil
	}
	select {
	case <-a.running:
		a.running = nil
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrBusy, ctx.Err())
	}
}

func (a *Adapter) busy() bool {
	if a.running == nil {
		return false
	}
	select {
	case <-a.running:
		a.running = nil
		return false
	default:
		return true
	}
}

// LoadWeights installs w in strict mode: w must hold exactly the parameters
// of the model schema with matching shapes. On any failure the previously
// installed weights are discarded and the adapter refuses to predict.
// ErrBusy is returned, with the installed weights untouched, while an
// abandoned forward pass still reads them.
func (a *Adapter) LoadWeights(w tensor.Weights) (*LoadReport, error) {
	if a.busy() {
		return nil, ErrBusy
	}
	if err := validate(a.model.Schema(), w); err != nil {
		a.unload()
		return nil, err
	}

	next := w.Clone().To(a.device)
	if err := a.model.Install(next); err != nil {
		a.unload()
		return nil, fmt.Errorf("installing weights: %w", err)
	}

	rep := &LoadReport{Changed: []string{}, Unchanged: []string{}}
	for _, name := range next.Names() {
		if prev, ok := a.weights[name]; ok && prev.Equal(next[name]) {
			rep.Unchanged = append(rep.Unchanged, name)
			continue
		}
		rep.Changed = append(rep.Changed, name)
	}

	a.weights = next
	a.loaded = true
	return rep, nil
}

func (a *Adapter) unload() {
	a.weights = nil
	a.loaded = false
}

func validate(schema []model.ParamSpec, w tensor.Weights) error {
	e := &WeightMismatchError{}
	want := make(map[string]bool, len(schema))
	for _, p := range schema {
		want[p.Name] = true
		t, ok := w[p.Name]
		if !ok || t == nil {
			e.Missing = append(e.Missing, p.Name)
			continue
		}
		if !t.SameShape(p.Shape) {
			e.Shape = append(e.Shape, fmt.Sprintf("%s %v != %v", p.Name, t.Shape, p.Shape))
		}
	}
	for name := range w {
		if !want[name] {
			e.Unexpected = append(e.Unexpected, name)
		}
	}
	if len(e.Missing)+len(e.Unexpected)+len(e.Shape) == 0 {
		return nil
	}
	sort.Strings(e.Missing)
	sort.Strings(e.Unexpected)
	sort.Strings(e.Shape)
	return e
}

type forwardResult struct {
	out []*mat.Dense
	err error
}

// Predict separates mixture into sources. The mixture is copied before the
// forward pass and never modified. When ctx expires first the forward pass
// is abandoned and ctx.Err() returned. The next call waits for the
// abandoned pass before starting its own.
func (a *Adapter) Predict(ctx context.Context, mixture *tensor.Waveform) (tensor.Sources, error) {
	if !a.loaded {
		return nil, ErrNoWeights
	}
	if mixture.Device != a.device {
		return nil, fmt.Errorf("%w: mixture on %s, adapter on %s", ErrDeviceMismatch, mixture.Device, a.device)
	}

	if err := a.Wait(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := mat.DenseCopyOf(mixture.Data)
	done := make(chan forwardResult, 1)
	running := make(chan struct{})
	a.running = running
	go func() {
		defer close(running)
		out, err := a.model.Forward(ctx, in)
		done <- forwardResult{out: out, err: err}
	}()

	var res forwardResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
		<-running
		a.running = nil
	}
	if res.err != nil {
		return nil, res.err
	}

	want := a.model.Config().Sources
	if len(res.out) != want {
		return nil, fmt.Errorf("%w: %d sources, expected %d", ErrBadPrediction, len(res.out), want)
	}
	pred := make(tensor.Sources, len(res.out))
	for i, m := range res.out {
		if m == nil {
			return nil, fmt.Errorf("%w: source %d is empty", ErrBadPrediction, i)
		}
		r, c := m.Dims()
		if r != mixture.Channels() || c != mixture.Samples() {
			return nil, fmt.Errorf("%w: source %d is %dx%d, mixture is %dx%d",
				ErrBadPrediction, i, r, c, mixture.Channels(), mixture.Samples())
		}
		pred[i] = tensor.FromDense(m, a.device)
	}
	return pred, nil
}
