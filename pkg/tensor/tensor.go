package tensor

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mchmarny/sepeval/pkg/device"
)

var ErrShape = errors.New("tensor data length does not match shape")

// Tensor is a model parameter: a shape, its row-major float32 data and the
// device it is placed on.
type Tensor struct {
	Shape  []int         `json:"shape"`
	Data   []float32     `json:"data"`
	Device device.Device `json:"-"`
}

// New validates that data fills shape exactly and returns a host tensor.
func New(shape []int, data []float32) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v wants %d values, got %d", ErrShape, shape, n, len(data))
	}
	return &Tensor{Shape: shape, Data: data, Device: device.CPU}, nil
}

// NumElements returns the element count implied by shape.
func NumElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
		n *= d
	}
	return n, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Shape:  make([]int, len(t.Shape)),
		Data:   make([]float32, len(t.Data)),
		Device: t.Device,
	}
	copy(c.Shape, t.Shape)
	copy(c.Data, t.Data)
	return c
}

// To places the tensor on d. Placing it on its current device is a no-op.
func (t *Tensor) To(d device.Device) *Tensor {
	t.Device = d
	return t
}

// SameShape reports whether t has exactly the given shape.
func (t *Tensor) SameShape(shape []int) bool {
	if len(t.Shape) != len(shape) {
		return false
	}
	for i := range shape {
		if t.Shape[i] != shape[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both tensors have the same shape and values.
func (t *Tensor) Equal(o *Tensor) bool {
	if o == nil || !t.SameShape(o.Shape) || len(t.Data) != len(o.Data) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// Weights maps parameter names to tensors.
type Weights map[string]*Tensor

// Names returns the parameter names in lexicographic order.
func (w Weights) Names() []string {
	names := make([]string, 0, len(w))
	for k := range w {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clone deep copies every tensor.
func (w Weights) Clone() Weights {
	c := make(Weights, len(w))
	for k, v := range w {
		c[k] = v.Clone()
	}
	return c
}

// To places every tensor on d.
func (w Weights) To(d device.Device) Weights {
	for _, v := range w {
		v.To(d)
	}
	return w
}
