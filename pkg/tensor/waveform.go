package tensor

import (
	"errors"
	"fmt"

	"github.com/mchmarny/sepeval/pkg/device"
	"gonum.org/v1/gonum/mat"
)

var ErrEmptyWaveform = errors.New("waveform needs at least one channel and one sample")

// Waveform is a multi-channel signal with one matrix row per channel.
type Waveform struct {
	Data   *mat.Dense
	Device device.Device
}

// NewWaveform builds a host waveform from per-channel samples. All channels
// must have the same length.
func NewWaveform(channels [][]float64) (*Waveform, error) {
	if len(channels) == 0 || len(channels[0]) == 0 {
		return nil, ErrEmptyWaveform
	}
	n := len(channels[0])
	flat := make([]float64, 0, len(channels)*n)
	for i, ch := range channels {
		if len(ch) != n {
			return nil, fmt.Errorf("channel %d has %d samples, expected %d", i, len(ch), n)
		}
		flat = append(flat, ch...)
	}
	return &Waveform{Data: mat.NewDense(len(channels), n, flat), Device: device.CPU}, nil
}

// FromDense wraps m as a waveform on d.
func FromDense(m *mat.Dense, d device.Device) *Waveform {
	return &Waveform{Data: m, Device: d}
}

func (w *Waveform) Channels() int {
	r, _ := w.Data.Dims()
	return r
}

func (w *Waveform) Samples() int {
	_, c := w.Data.Dims()
	return c
}

// Clone deep copies the samples.
func (w *Waveform) Clone() *Waveform {
	return &Waveform{Data: mat.DenseCopyOf(w.Data), Device: w.Device}
}

// To returns the waveform placed on d. The samples are shared, so callers
// must treat both values as read-only.
func (w *Waveform) To(d device.Device) *Waveform {
	if w.Device == d {
		return w
	}
	return &Waveform{Data: w.Data, Device: d}
}

// SameShape reports whether both waveforms have equal dimensions.
func (w *Waveform) SameShape(o *Waveform) bool {
	return w.Channels() == o.Channels() && w.Samples() == o.Samples()
}

// Sources is an ordered set of per-source waveforms.
type Sources []*Waveform

// To places every source on d.
func (s Sources) To(d device.Device) Sources {
	out := make(Sources, len(s))
	for i, w := range s {
		out[i] = w.To(d)
	}
	return out
}
