package dataset

import (
	"fmt"

	"github.com/mchmarny/sepeval/pkg/tensor"
)

// Example is one test item: a mixture and the reference sources it was
// made from, aligned in time.
type Example struct {
	Name      string
	Mixture   *tensor.Waveform
	Reference tensor.Sources
}

// Dataset yields examples by index in a stable order.
type Dataset interface {
	Len() int
	Item(index int) (*Example, error)
}

// Memory is a dataset held in memory.
type Memory struct {
	examples []*Example
}

// NewMemory returns a dataset yielding examples in the given order.
func NewMemory(examples ...*Example) *Memory {
	return &Memory{examples: examples}
}

func (d *Memory) Len() int {
	return len(d.examples)
}

func (d *Memory) Item(index int) (*Example, error) {
	if index < 0 || index >= len(d.examples) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.examples))
	}
	return d.examples[index], nil
}
