package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mchmarny/sepeval/pkg/tensor"
	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX field numbers used to reach the graph initializers.
const (
	modelGraphField       protowire.Number = 7
	modelProducerField    protowire.Number = 2
	graphInitializerField protowire.Number = 5

	tensorDimsField      protowire.Number = 1
	tensorDataTypeField  protowire.Number = 2
	tensorFloatDataField protowire.Number = 4
	tensorNameField      protowire.Number = 8
	tensorRawDataField   protowire.Number = 9

	onnxFloat = 1
)

// decodeONNX extracts the float32 initializers of an ONNX model.
func decodeONNX(b []byte) (tensor.Weights, *Info, error) {
	info := &Info{Format: FormatONNX}
	var graph []byte

	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == modelGraphField && typ == protowire.BytesType:
			graph = v
		case num == modelProducerField && typ == protowire.BytesType:
			info.Framework = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCheckpointFormat, err)
	}
	if graph == nil {
		return nil, nil, fmt.Errorf("%w: no graph in model", ErrCheckpointFormat)
	}

	w := make(tensor.Weights)
	err = walk(graph, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != graphInitializerField || typ != protowire.BytesType {
			return nil
		}
		name, t, err := decodeTensorProto(v)
		if err != nil {
			return err
		}
		if _, dup := w[name]; dup {
			return fmt.Errorf("initializer %q defined twice", name)
		}
		w[name] = t
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCheckpointFormat, err)
	}
	if len(w) == 0 {
		return nil, nil, fmt.Errorf("%w: graph has no initializers", ErrCheckpointFormat)
	}
	return w, info, nil
}

func decodeTensorProto(b []byte) (string, *tensor.Tensor, error) {
	var (
		name     string
		dims     []int
		dataType uint64
		floats   []float32
		raw      []byte
	)

	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case tensorNameField:
			name = string(v)
		case tensorDataTypeField:
			dataType = x
		case tensorDimsField:
			if typ == protowire.VarintType {
				dims = append(dims, int(int64(x)))
				return nil
			}
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				dims = append(dims, int(int64(d)))
				v = v[n:]
			}
		case tensorFloatDataField:
			if typ == protowire.Fixed32Type {
				floats = append(floats, math.Float32frombits(uint32(x)))
				return nil
			}
			if len(v)%4 != 0 {
				return fmt.Errorf("packed float_data of %d bytes", len(v))
			}
			for i := 0; i < len(v); i += 4 {
				floats = append(floats, math.Float32frombits(binary.LittleEndian.Uint32(v[i:])))
			}
		case tensorRawDataField:
			raw = v
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	if name == "" {
		return "", nil, fmt.Errorf("unnamed initializer")
	}
	if dataType != onnxFloat {
		return "", nil, fmt.Errorf("initializer %q has data type %d, only float32 is supported", name, dataType)
	}
	if raw != nil {
		if len(raw)%4 != 0 {
			return "", nil, fmt.Errorf("initializer %q raw_data of %d bytes", name, len(raw))
		}
		floats = make([]float32, len(raw)/4)
		for i := range floats {
			floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	if dims == nil {
		dims = []int{}
	}

	t, err := tensor.New(dims, floats)
	if err != nil {
		return "", nil, fmt.Errorf("initializer %q: %w", name, err)
	}
	return name, t, nil
}

// walk visits every top-level field of a protobuf message. Length-delimited
// values are passed as bytes, varint and fixed values as x.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(b)
			x = uint64(f)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
