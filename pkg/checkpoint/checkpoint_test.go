package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/mchmarny/sepeval/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("{}"), 0600))
	}
}

func TestList_LexicographicOrder(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "ckpt_010.ckpt", "ckpt_001.ckpt", "notes.txt", "ckpt_002.ckpt")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.ckpt"), 0700))

	refs, err := List("run", dir, "")
	require.NoError(t, err)

	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.Name)
		assert.Equal(t, "run", r.RunDir)
		assert.Equal(t, filepath.Join(dir, r.Name), r.Path)
	}
	assert.Equal(t, []string{"ckpt_001.ckpt", "ckpt_002.ckpt", "ckpt_010.ckpt"}, names)
}

func TestList_Extension(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "b.onnx", "a.ckpt", "a.onnx")

	refs, err := List("run", dir, "onnx")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "a.onnx", refs[0].Name)
	assert.Equal(t, "b.onnx", refs[1].Name)
}

func TestList_MissingDir(t *testing.T) {
	_, err := List("run", filepath.Join(t.TempDir(), "nope"), "")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "last.ckpt")

	ref, err := Resolve("run", dir, "last.ckpt")
	require.NoError(t, err)
	assert.Equal(t, "last.ckpt", ref.String())

	_, err = Resolve("run", dir, "last")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	_, err = Resolve("run", dir, "")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func writeBundle(t *testing.T, b *Bundle) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "w.ckpt")
	data, err := json.Marshal(b)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, data, 0600))
	return p
}

func TestLoadWeights_StateDictStripsPrefix(t *testing.T) {
	p := writeBundle(t, &Bundle{
		StateDict: map[string]*BundleTensor{
			"model.mask.weight": {Shape: []int{1, 2}, Data: []float32{1, 2}},
			"model.mask.bias":   {Shape: []int{1, 2}, Data: []float32{0, 0}},
			"loss.scale":        {Shape: []int{1}, Data: []float32{3}},
		},
		Epoch:           4,
		GlobalStep:      400,
		OptimizerStates: []json.RawMessage{json.RawMessage(`{"lr": 0.001}`)},
	})

	before, err := os.ReadFile(p)
	require.NoError(t, err)

	w, info, err := NewLoader(nil, nil).LoadWeights(p, device.CUDA)
	require.NoError(t, err)

	assert.Equal(t, []string{"mask.bias", "mask.weight"}, w.Names())
	assert.Equal(t, device.CUDA, w["mask.weight"].Device)
	assert.Equal(t, []float32{1, 2}, w["mask.weight"].Data)
	assert.Equal(t, 4, info.Epoch)
	assert.Equal(t, 400, info.GlobalStep)
	assert.Equal(t, 1, info.Optimizers)
	assert.Equal(t, 2, info.Params)
	assert.Equal(t, 1, info.Dropped)
	assert.Equal(t, FormatBundle, info.Format)

	after, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadWeights_CustomPrefix(t *testing.T) {
	p := writeBundle(t, &Bundle{
		StateDict: map[string]*BundleTensor{
			"model.1.filter.weight": {Shape: []int{1}, Data: []float32{1}},
			"model.0.window":        {Shape: []int{1}, Data: []float32{1}},
		},
	})

	w, _, err := NewLoader([]string{"model.1."}, nil).LoadWeights(p, device.CPU)
	require.NoError(t, err)
	assert.Equal(t, []string{"filter.weight"}, w.Names())
}

func TestLoadWeights_Unprefixed(t *testing.T) {
	p := writeBundle(t, &Bundle{
		StateDict: map[string]*BundleTensor{"mask.weight": {Shape: []int{1}, Data: []float32{1}}},
	})

	w, _, err := NewLoader(nil, nil).LoadWeights(p, device.CPU)
	require.NoError(t, err)
	assert.Equal(t, []string{"mask.weight"}, w.Names())
}

func TestLoadWeights_WeightList(t *testing.T) {
	p := writeBundle(t, &Bundle{
		Weights:       []*NamedTensor{{Name: "filter.weight", Shape: []int{2}, Data: []float32{1, 0}}},
		TrainingState: &TrainingState{Epoch: 2, Step: 20},
		Metadata:      &Metadata{Framework: "go-metal"},
	})

	w, info, err := NewLoader(nil, nil).LoadWeights(p, device.CPU)
	require.NoError(t, err)
	assert.Equal(t, []string{"filter.weight"}, w.Names())
	assert.Equal(t, 2, info.Epoch)
	assert.Equal(t, 20, info.GlobalStep)
	assert.Equal(t, "go-metal", info.Framework)
}

func TestLoadWeights_EmptyStateDict(t *testing.T) {
	p := filepath.Join(t.TempDir(), "e.ckpt")
	require.NoError(t, os.WriteFile(p, []byte(`{"state_dict": {}, "epoch": 1}`), 0600))

	w, _, err := NewLoader(nil, nil).LoadWeights(p, device.CPU)
	require.NoError(t, err)
	assert.Empty(t, w)
}

func TestLoadWeights_Errors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0600))
		return p
	}

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", filepath.Join(dir, "missing.ckpt"), ErrCheckpointNotFound},
		{"no mapping", write("a.ckpt", `{"epoch": 3}`), ErrCheckpointFormat},
		{"bad json", write("b.ckpt", `{"state_dict": [`), ErrCheckpointFormat},
		{"shape mismatch", write("c.ckpt", `{"state_dict": {"w": {"shape": [3], "data": [1]}}}`), ErrCheckpointFormat},
		{"binary garbage", write("d.ckpt", "\xff\xff\xff"), ErrCheckpointFormat},
		{"empty", write("e.ckpt", ""), ErrCheckpointFormat},
		{"collision", write("f.ckpt", `{"state_dict": {"model.w": {"shape": [1], "data": [1]}, "model.model.w": {"shape": [1], "data": [1]}}}`), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewLoader([]string{"model.model.", "model."}, nil).LoadWeights(tt.path, device.CPU)
			if tt.want == nil {
				assert.ErrorIs(t, err, ErrCheckpointFormat)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// onnxTensor encodes a TensorProto. Packed float_data is used unless raw is set.
func onnxTensor(name string, dims []int, data []float32, raw bool) []byte {
	var b []byte
	var packedDims []byte
	for _, d := range dims {
		packedDims = protowire.AppendVarint(packedDims, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDimsField, protowire.BytesType)
	b = protowire.AppendBytes(b, packedDims)
	b = protowire.AppendTag(b, tensorDataTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxFloat)

	payload := make([]byte, 0, len(data)*4)
	for _, f := range data {
		payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(f))
	}
	if raw {
		b = protowire.AppendTag(b, tensorRawDataField, protowire.BytesType)
	} else {
		b = protowire.AppendTag(b, tensorFloatDataField, protowire.BytesType)
	}
	b = protowire.AppendBytes(b, payload)

	b = protowire.AppendTag(b, tensorNameField, protowire.BytesType)
	b = protowire.AppendString(b, name)
	return b
}

func onnxModel(initializers ...[]byte) []byte {
	var graph []byte
	graph = protowire.AppendTag(graph, 2, protowire.BytesType)
	graph = protowire.AppendString(graph, "separator")
	for _, i := range initializers {
		graph = protowire.AppendTag(graph, graphInitializerField, protowire.BytesType)
		graph = protowire.AppendBytes(graph, i)
	}

	var m []byte
	m = protowire.AppendTag(m, 1, protowire.VarintType)
	m = protowire.AppendVarint(m, 7)
	m = protowire.AppendTag(m, modelProducerField, protowire.BytesType)
	m = protowire.AppendString(m, "pytorch")
	m = protowire.AppendTag(m, modelGraphField, protowire.BytesType)
	m = protowire.AppendBytes(m, graph)
	return m
}

func TestLoadWeights_ONNX(t *testing.T) {
	p := filepath.Join(t.TempDir(), "w.onnx")
	data := onnxModel(
		onnxTensor("model.mask.weight", []int{1, 2}, []float32{0.5, 1.5}, false),
		onnxTensor("model.mask.bias", []int{1, 2}, []float32{-1, 1}, true),
	)
	require.NoError(t, os.WriteFile(p, data, 0600))

	w, info, err := NewLoader(nil, nil).LoadWeights(p, device.CPU)
	require.NoError(t, err)

	assert.Equal(t, FormatONNX, info.Format)
	assert.Equal(t, "pytorch", info.Framework)
	assert.Equal(t, []string{"mask.bias", "mask.weight"}, w.Names())
	assert.Equal(t, []int{1, 2}, w["mask.weight"].Shape)
	assert.Equal(t, []float32{0.5, 1.5}, w["mask.weight"].Data)
	assert.Equal(t, []float32{-1, 1}, w["mask.bias"].Data)
}

func TestLoadWeights_ONNXWithoutInitializers(t *testing.T) {
	p := filepath.Join(t.TempDir(), "w.onnx")
	require.NoError(t, os.WriteFile(p, onnxModel(), 0600))

	_, _, err := NewLoader(nil, nil).LoadWeights(p, device.CPU)
	assert.ErrorIs(t, err, ErrCheckpointFormat)
}

func TestFormatString(t *testing.T) {
	assert.Equal(t, "bundle", FormatBundle.String())
	assert.Equal(t, "onnx", FormatONNX.String())
	assert.Equal(t, "unknown", Format(9).String())
}
