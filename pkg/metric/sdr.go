// Package metric computes signal-to-distortion ratios between predicted and
// reference source waveforms.
//
// Two variants are produced per source:
//
//   - uSDR is a single SDR over the whole signal, all channels pooled.
//   - cSDR splits the time axis into fixed-length chunks, computes an SDR per
//     chunk and keeps the median. Chunks where the reference is silent are
//     ignored.
//
// Both use SDR = 10*log10((||ref||^2 + eps) / (||ref - est||^2 + eps)) so a
// perfect prediction saturates at a finite value instead of +Inf.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/mchmarny/sepeval/pkg/tensor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// Epsilon keeps the ratio finite for perfect predictions.
	Epsilon = 1e-7

	// DefaultChunkSize is one second at 44.1kHz.
	DefaultChunkSize = 44100

	// SilentSDR is reported for a source whose reference has no energy.
	SilentSDR = 0.0
)

// Kind names a metric.
type Kind string

const (
	CSDR Kind = "cSDR"
	USDR Kind = "uSDR"
)

// Kinds lists every metric in reporting order.
var Kinds = []Kind{CSDR, USDR}

var ErrShapeMismatch = errors.New("prediction and reference shapes differ")

// Options tunes the computation.
type Options struct {
	// ChunkSize is the cSDR chunk length in samples. Zero means DefaultChunkSize.
	ChunkSize int
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return o.ChunkSize
}

// Result holds per-source metric values for one example.
type Result struct {
	CSDR   []float64 `json:"csdr" yaml:"csdr"`
	USDR   []float64 `json:"usdr" yaml:"usdr"`
	Silent []bool    `json:"silent" yaml:"silent"`
}

// AllSilent reports whether no source had reference energy.
func (r Result) AllSilent() bool {
	for _, s := range r.Silent {
		if !s {
			return false
		}
	}
	return true
}

// Pooled returns the mean of the given kind across non-silent sources, or
// SilentSDR when every source is silent.
func (r Result) Pooled(k Kind) float64 {
	vals := r.USDR
	if k == CSDR {
		vals = r.CSDR
	}
	var sum float64
	var n int
	for i, v := range vals {
		if r.Silent[i] {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return SilentSDR
	}
	return sum / float64(n)
}

// ComputeSDRs returns cSDR and uSDR per source for prediction against reference.
func ComputeSDRs(prediction, reference tensor.Sources, opts Options) (Result, error) {
	if len(prediction) != len(reference) {
		return Result{}, fmt.Errorf("%w: %d predicted sources, %d reference sources",
			ErrShapeMismatch, len(prediction), len(reference))
	}

	res := Result{
		CSDR:   make([]float64, len(reference)),
		USDR:   make([]float64, len(reference)),
		Silent: make([]bool, len(reference)),
	}
	chunk := opts.chunkSize()

	for i := range reference {
		ref, est := reference[i], prediction[i]
		if !ref.SameShape(est) {
			return Result{}, fmt.Errorf("%w: source %d reference %dx%d, prediction %dx%d",
				ErrShapeMismatch, i, ref.Channels(), ref.Samples(), est.Channels(), est.Samples())
		}

		sig, noise := energies(ref.Data, est.Data, 0, ref.Samples())
		if sig == 0 {
			res.Silent[i] = true
			res.CSDR[i] = SilentSDR
			res.USDR[i] = SilentSDR
			continue
		}
		res.USDR[i] = sdr(sig, noise)
		res.CSDR[i] = chunkedSDR(ref.Data, est.Data, chunk)
	}

	return res, nil
}

// SDR returns the SDR of a single-channel estimate against its reference.
func SDR(reference, estimate []float64) float64 {
	sig := floats.Dot(reference, reference)
	var noise float64
	for i := range reference {
		d := reference[i] - estimate[i]
		noise += d * d
	}
	return sdr(sig, noise)
}

func sdr(sig, noise float64) float64 {
	return 10 * math.Log10((sig+Epsilon)/(noise+Epsilon))
}

// energies sums reference energy and residual energy over [from, to) across
// all channels.
func energies(ref, est *mat.Dense, from, to int) (sig, noise float64) {
	rows, _ := ref.Dims()
	for c := 0; c < rows; c++ {
		r := ref.RawRowView(c)[from:to]
		e := est.RawRowView(c)[from:to]
		sig += floats.Dot(r, r)
		for i := range r {
			d := r[i] - e[i]
			noise += d * d
		}
	}
	return sig, noise
}

func chunkedSDR(ref, est *mat.Dense, size int) float64 {
	_, n := ref.Dims()
	vals := make([]float64, 0, n/size+1)
	for from := 0; from < n; from += size {
		to := from + size
		if to > n {
			to = n
		}
		sig, noise := energies(ref, est, from, to)
		if sig == 0 {
			continue
		}
		vals = append(vals, sdr(sig, noise))
	}
	return median(vals)
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return SilentSDR
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}
