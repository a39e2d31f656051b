package report

import (
	"bytes"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/mchmarny/sepeval/pkg/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize_KnownValues(t *testing.T) {
	sums := Summarize(map[metric.Kind][]float64{
		metric.CSDR: {1, 2, 3},
		metric.USDR: {4, 4},
	})

	c := sums[metric.CSDR]
	assert.Equal(t, 3, c.Count)
	assert.InDelta(t, 2.0, c.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(2.0/3.0), c.Std, 1e-12)
	assert.InDelta(t, 0.816, c.Std, 1e-3)

	u := sums[metric.USDR]
	assert.Equal(t, 4.0, u.Mean)
	assert.Equal(t, 0.0, u.Std)
}

func TestSummarize_Empty(t *testing.T) {
	sums := Summarize(nil)
	require.Len(t, sums, len(metric.Kinds))
	for _, s := range sums {
		assert.Equal(t, 0, s.Count)
		assert.Equal(t, 0.0, s.Mean)
		assert.False(t, math.IsNaN(s.Std))
	}
}

func TestOrdered(t *testing.T) {
	sums := Summarize(map[metric.Kind][]float64{metric.USDR: {1}, metric.CSDR: {2}})
	list := Ordered(sums)
	require.Len(t, list, 2)
	assert.Equal(t, metric.CSDR, list[0].Kind)
	assert.Equal(t, metric.USDR, list[1].Kind)
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	Log(logger, "a.ckpt", Summarize(map[metric.Kind][]float64{metric.CSDR: {1, 2, 3}}))

	out := buf.String()
	assert.Contains(t, out, "Metric - cSDR, mean - 2.000, std - 0.816")
	assert.Contains(t, out, "Metric - uSDR, mean - 0.000, std - 0.000")
	assert.Contains(t, out, "checkpoint=a.ckpt")
}

func TestWriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sepeval.prom")
	run := &RunReport{
		Checkpoints: []*CheckpointReport{{
			Checkpoint: "a.ckpt",
			Examples:   3,
			Summaries:  Ordered(Summarize(map[metric.Kind][]float64{metric.CSDR: {1, 2, 3}})),
		}},
	}

	require.NoError(t, WriteTextfile(path, run))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, `sepeval_metric_mean_db{checkpoint="a.ckpt",metric="cSDR"} 2`)
	assert.Contains(t, out, `sepeval_examples{checkpoint="a.ckpt",outcome="evaluated"} 3`)
}

func TestWriteTextfile_Errors(t *testing.T) {
	assert.ErrorIs(t, WriteTextfile("", &RunReport{}), ErrNoMetricsPath)
	assert.Error(t, WriteTextfile(filepath.Join(t.TempDir(), "x.prom"), nil))
}
