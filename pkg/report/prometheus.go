package report

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "sepeval"

	labelCheckpoint = "checkpoint"
	labelMetric     = "metric"
	labelOutcome    = "outcome"
)

var ErrNoMetricsPath = errors.New("metrics file path required")

// WriteTextfile writes the run summaries in the Prometheus text exposition
// format, ready for a node exporter textfile collector.
func WriteTextfile(path string, run *RunReport) error {
	if path == "" {
		return ErrNoMetricsPath
	}
	if run == nil {
		return errors.New("run report required")
	}

	reg := prometheus.NewRegistry()

	mean := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "metric_mean_db",
		Help:      "Mean separation metric per checkpoint, in dB.",
	}, []string{labelCheckpoint, labelMetric})

	std := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "metric_std_db",
		Help:      "Population standard deviation of the separation metric per checkpoint, in dB.",
	}, []string{labelCheckpoint, labelMetric})

	examples := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "examples",
		Help:      "Examples processed per checkpoint by outcome.",
	}, []string{labelCheckpoint, labelOutcome})

	for _, c := range []prometheus.Collector{mean, std, examples} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("registering collector: %w", err)
		}
	}

	for _, c := range run.Checkpoints {
		examples.WithLabelValues(c.Checkpoint, "evaluated").Set(float64(c.Examples))
		examples.WithLabelValues(c.Checkpoint, "silent").Set(float64(c.Silent))
		examples.WithLabelValues(c.Checkpoint, "failed").Set(float64(c.Failed))
		for _, s := range c.Summaries {
			mean.WithLabelValues(c.Checkpoint, string(s.Kind)).Set(s.Mean)
			std.WithLabelValues(c.Checkpoint, string(s.Kind)).Set(s.Std)
		}
	}

	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("writing metrics file %s: %w", path, err)
	}
	return nil
}
