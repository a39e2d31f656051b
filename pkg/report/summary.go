package report

import (
	"fmt"
	"log/slog"

	"github.com/mchmarny/sepeval/pkg/metric"
	"gonum.org/v1/gonum/stat"
)

// Summary aggregates one metric kind over a completed checkpoint evaluation.
type Summary struct {
	Kind  metric.Kind `json:"metric" yaml:"metric"`
	Mean  float64     `json:"mean" yaml:"mean"`
	Std   float64     `json:"std" yaml:"std"`
	Count int         `json:"count" yaml:"count"`
}

// Summarize computes the arithmetic mean and population standard deviation
// of every metric kind. Kinds without samples get a zero summary.
func Summarize(values map[metric.Kind][]float64) map[metric.Kind]Summary {
	out := make(map[metric.Kind]Summary, len(metric.Kinds))
	for _, k := range metric.Kinds {
		out[k] = summarize(k, values[k])
	}
	for k, v := range values {
		if _, ok := out[k]; !ok {
			out[k] = summarize(k, v)
		}
	}
	return out
}

func summarize(k metric.Kind, vals []float64) Summary {
	s := Summary{Kind: k, Count: len(vals)}
	if len(vals) == 0 {
		return s
	}
	s.Mean, s.Std = stat.PopMeanStdDev(vals, nil)
	return s
}

// Ordered returns the summaries in reporting order.
func Ordered(sums map[metric.Kind]Summary) []Summary {
	list := make([]Summary, 0, len(sums))
	for _, k := range metric.Kinds {
		if s, ok := sums[k]; ok {
			list = append(list, s)
		}
	}
	return list
}

// Log writes one line per metric kind.
func Log(logger *slog.Logger, checkpoint string, sums map[metric.Kind]Summary) {
	for _, s := range Ordered(sums) {
		logger.Info(
			fmt.Sprintf("Metric - %s, mean - %.3f, std - %.3f", s.Kind, s.Mean, s.Std),
			"checkpoint", checkpoint,
			"count", s.Count,
		)
	}
}
