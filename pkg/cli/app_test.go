package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mchmarny/sepeval/pkg/checkpoint"
	"github.com/mchmarny/sepeval/pkg/config"
	"github.com/mchmarny/sepeval/pkg/data"
	"github.com/mchmarny/sepeval/pkg/dataset"
	"github.com/mchmarny/sepeval/pkg/metric"
	"github.com/mchmarny/sepeval/pkg/report"
	"github.com/mchmarny/sepeval/pkg/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testRate = 8000

// setupRunDir writes a gain model run with two tracks and the given
// checkpoints, name to mask weight.
func setupRunDir(t *testing.T, ckpts map[string]float32) config.Layout {
	t.Helper()
	l := config.NewLayout(t.TempDir())

	require.NoError(t, config.Save(l.HParamsPath(), &config.HParams{
		Model: config.ModelParams{Name: "gain", Sources: 1, Channels: 1},
		TestDataset: config.DatasetParams{
			InFP:       "data",
			Targets:    []string{"vocals"},
			SampleRate: testRate,
			ChunkSize:  4,
		},
	}))

	tracks := map[string][]float64{
		"track_a": {0.2, 0.4, -0.4, 0.2, 0.6, -0.2, 0.1, 0.3},
		"track_b": {-0.5, 0.5, 0.25, -0.25, 0.8, -0.8, 0.4, -0.4},
	}
	for name, mix := range tracks {
		dir := filepath.Join(l.RunDir, "data", name)
		require.NoError(t, os.MkdirAll(dir, 0700))
		half := make([]float64, len(mix))
		for i, v := range mix {
			half[i] = v / 2
		}
		writeWave(t, filepath.Join(dir, "mixture.wav"), mix)
		writeWave(t, filepath.Join(dir, "vocals.wav"), half)
	}

	require.NoError(t, os.MkdirAll(l.WeightsDir(), 0700))
	for name, w := range ckpts {
		b, err := json.Marshal(&checkpoint.Bundle{
			StateDict: map[string]*checkpoint.BundleTensor{
				"model.mask.weight": {Shape: []int{1, 1}, Data: []float32{w}},
				"model.mask.bias":   {Shape: []int{1, 1}, Data: []float32{0}},
			},
			Epoch: 3,
		})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(l.WeightsDir(), name), b, 0600))
	}
	return l
}

func writeWave(t *testing.T, path string, samples []float64) {
	t.Helper()
	w, err := tensor.NewWaveform([][]float64{samples})
	require.NoError(t, err)
	require.NoError(t, dataset.WriteWAV(path, w, testRate))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &logs
	err := app.Run(append([]string{"sepeval"}, args...))
	return out.String(), err
}

func TestEvaluate(t *testing.T) {
	l := setupRunDir(t, map[string]float32{"last.ckpt": 0.5, "epoch=1.ckpt": 1})
	dbPath := filepath.Join(t.TempDir(), "results.db")
	metricsPath := filepath.Join(t.TempDir(), "sepeval.prom")

	out, err := run(t, "--db", dbPath, "evaluate",
		"--run-dir", l.RunDir, "--ckpt", "last.ckpt", "--metrics-file", metricsPath)
	require.NoError(t, err)

	var rep report.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "cpu", rep.Device)
	assert.NotEmpty(t, rep.RunID)
	require.Len(t, rep.Checkpoints, 1)
	c := rep.Checkpoints[0]
	assert.Equal(t, "last.ckpt", c.Checkpoint)
	assert.Equal(t, "REPORTED", c.State)
	assert.Equal(t, 2, c.Examples)
	require.Len(t, c.Summaries, 2)
	assert.Equal(t, metric.CSDR, c.Summaries[0].Kind)
	assert.Greater(t, c.Summaries[0].Mean, 30.0)

	log, err := os.ReadFile(l.LogPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(log)), "\n")
	assert.Contains(t, lines[0], "INFO     Starting evaluation...")
	assert.Contains(t, string(log), "Used model: "+l.HParamsPath())
	assert.Contains(t, string(log), "WARNING  Accelerator not available")
	assert.Contains(t, string(log), "Evaluating checkpoint - last.ckpt")
	assert.Contains(t, string(log), "Metric - cSDR, mean - ")
	assert.Contains(t, string(log), "Metric - uSDR, mean - ")
	assert.NotContains(t, string(log), "epoch=1.ckpt")

	metrics, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `sepeval_metric_mean_db{checkpoint="last.ckpt",metric="cSDR"}`)

	out, err = run(t, "--db", dbPath, "history", "--run-dir", l.RunDir)
	require.NoError(t, err)
	var history []*data.HistoryItem
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	require.Len(t, history, 2)
	assert.Equal(t, rep.RunID, history[0].RunID)
	assert.Equal(t, "last.ckpt", history[0].Checkpoint)
}

func TestEvaluate_LogOverwritten(t *testing.T) {
	l := setupRunDir(t, map[string]float32{"last.ckpt": 0.5})

	_, err := run(t, "evaluate", "--run-dir", l.RunDir, "--ckpt", "last.ckpt", "--device", "cpu")
	require.NoError(t, err)
	_, err = run(t, "evaluate", "--run-dir", l.RunDir, "--ckpt", "last.ckpt", "--device", "cpu")
	require.NoError(t, err)

	log, err := os.ReadFile(l.LogPath())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(log), "Starting evaluation..."))
	assert.NotContains(t, string(log), "Accelerator not available")
}

func TestEvaluate_MissingCheckpoint(t *testing.T) {
	l := setupRunDir(t, map[string]float32{"last.ckpt": 0.5})

	_, err := run(t, "evaluate", "--run-dir", l.RunDir, "--ckpt", "last")
	require.ErrorIs(t, err, checkpoint.ErrCheckpointNotFound)
	assert.Contains(t, err.Error(), filepath.Join(l.WeightsDir(), "last"))

	log, err := os.ReadFile(l.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(log), "ERROR    Evaluation failed")
}

func TestEvaluate_MissingConfig(t *testing.T) {
	_, err := run(t, "evaluate", "--run-dir", t.TempDir(), "--ckpt", "last.ckpt")
	assert.ErrorIs(t, err, config.ErrConfigNotFound)
}

func TestEvaluate_InvalidDevice(t *testing.T) {
	l := setupRunDir(t, map[string]float32{"last.ckpt": 0.5})
	_, err := run(t, "evaluate", "--run-dir", l.RunDir, "--ckpt", "last.ckpt", "--device", "tpu")
	assert.ErrorContains(t, err, "unsupported device")
}

func TestSweep(t *testing.T) {
	l := setupRunDir(t, map[string]float32{"ckpt_010.ckpt": 0.5, "ckpt_002.ckpt": 1, "ckpt_001.ckpt": 0.25})
	require.NoError(t, os.WriteFile(filepath.Join(l.WeightsDir(), "ckpt_005.ckpt"), []byte("{}"), 0600))

	_, err := run(t, "sweep", "--run-dir", l.RunDir)
	require.ErrorIs(t, err, checkpoint.ErrCheckpointFormat)

	out, err := run(t, "--format", "yaml", "sweep", "--run-dir", l.RunDir, "--skip-failed")
	require.NoError(t, err)

	var rep report.RunReport
	require.NoError(t, yaml.Unmarshal([]byte(out), &rep))
	require.Len(t, rep.Checkpoints, 4)

	names := make([]string, 0, 4)
	states := make([]string, 0, 4)
	for _, c := range rep.Checkpoints {
		names = append(names, c.Checkpoint)
		states = append(states, c.State)
	}
	assert.Equal(t, []string{"ckpt_001.ckpt", "ckpt_002.ckpt", "ckpt_005.ckpt", "ckpt_010.ckpt"}, names)
	assert.Equal(t, []string{"REPORTED", "REPORTED", "SKIPPED", "REPORTED"}, states)
	assert.NotEmpty(t, rep.Checkpoints[2].Error)
	assert.Greater(t, rep.Checkpoints[3].Summaries[1].Mean, rep.Checkpoints[1].Summaries[1].Mean)
}

func TestSweep_NoCheckpoints(t *testing.T) {
	l := setupRunDir(t, nil)
	_, err := run(t, "sweep", "--run-dir", l.RunDir, "--ext", ".onnx")
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointNotFound)
}

func TestHistory_NoStore(t *testing.T) {
	_, err := run(t, "history")
	assert.ErrorIs(t, err, errNoStore)
}

func TestReset(t *testing.T) {
	l := setupRunDir(t, map[string]float32{"last.ckpt": 0.5})
	dbPath := filepath.Join(t.TempDir(), "results.db")

	_, err := run(t, "--db", dbPath, "evaluate", "--run-dir", l.RunDir, "--ckpt", "last.ckpt")
	require.NoError(t, err)

	out, err := run(t, "--db", dbPath, "reset", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset complete.")

	out, err = run(t, "--db", dbPath, "history")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}
