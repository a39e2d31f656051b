package dataset

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mchmarny/sepeval/pkg/device"
	"github.com/mchmarny/sepeval/pkg/tensor"
	"gonum.org/v1/gonum/mat"
)

const pcmFormat = 1

var ErrInvalidWAV = errors.New("invalid WAV file")

// ReadWAV decodes a PCM WAV file into a host waveform scaled to [-1, 1).
func ReadWAV(path string) (*tensor.Waveform, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decoding %s: %w", path, err)
	}

	depth := int(d.BitDepth)
	switch depth {
	case 16, 24, 32:
	default:
		return nil, 0, fmt.Errorf("%w: %s has unsupported bit depth %d", ErrInvalidWAV, path, depth)
	}

	channels := buf.Format.NumChannels
	if channels < 1 || len(buf.Data) == 0 || len(buf.Data)%channels != 0 {
		return nil, 0, fmt.Errorf("%w: %s has %d samples over %d channels", ErrInvalidWAV, path, len(buf.Data), channels)
	}
	frames := len(buf.Data) / channels
	scale := 1 / math.Pow(2, float64(depth-1))

	m := mat.NewDense(channels, frames, nil)
	for i, v := range buf.Data {
		m.Set(i%channels, i/channels, float64(v)*scale)
	}

	return tensor.FromDense(m, device.CPU), buf.Format.SampleRate, nil
}

// WriteWAV encodes w as 16-bit PCM. Samples are clipped to [-1, 1].
func WriteWAV(path string, w *tensor.Waveform, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	const depth = 16
	full := float64(int(1)<<(depth-1)) - 1
	channels, frames := w.Channels(), w.Samples()
	data := make([]int, 0, channels*frames)
	for t := 0; t < frames; t++ {
		for c := 0; c < channels; c++ {
			v := math.Max(-1, math.Min(1, w.Data.At(c, t)))
			data = append(data, int(math.Round(v*full)))
		}
	}

	enc := wav.NewEncoder(f, sampleRate, depth, channels, pcmFormat)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: depth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalizing %s: %w", path, err)
	}
	return nil
}
