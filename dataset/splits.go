package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
)

const (
	PartitionTrain      = "train"
	PartitionValidation = "validation"
	PartitionTest       = "test"
)

var Partitions = []string{PartitionTrain, PartitionValidation, PartitionTest}

var ErrInvalidSplits = errors.New("invalid splits")

type Splits struct {
	Train      float64 `json:"train" yaml:"train"`
	Validation float64 `json:"validation" yaml:"validation"`
	Test       float64 `json:"test" yaml:"test"`
}

// InferenceOnly keeps every sample in the test partition.
var InferenceOnly = Splits{Train: 0, Validation: 0, Test: 1}

func (s Splits) Validate() error {
	for _, v := range []float64{s.Train, s.Validation, s.Test} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: values must be within [0, 1]", ErrInvalidSplits)
		}
	}

	sum := math.Round((s.Train+s.Validation+s.Test)*100) / 100
	if sum != 1 {
		return fmt.Errorf("%w: the sum of all splits should be 1, and it is %v", ErrInvalidSplits, sum)
	}

	return nil
}

type Partitioned[T any] struct {
	Train      []T
	Validation []T
	Test       []T
}

func (p Partitioned[T]) Get(name string) []T {
	switch name {
	case PartitionTrain:
		return p.Train
	case PartitionValidation:
		return p.Validation
	default:
		return p.Test
	}
}

// Partition splits items in order: the first floor(n*train) go to train, the
// next floor(n*validation) to validation and the rest to test.
func Partition[T any](items []T, splits Splits) (Partitioned[T], error) {
	if err := splits.Validate(); err != nil {
		return Partitioned[T]{}, err
	}

	slog.Info("partitioning",
		"train", splits.Train*100,
		"validation", splits.Validation*100,
		"test", splits.Test*100)

	n := len(items)
	idx1 := int(math.Floor(float64(n) * splits.Train))
	idx2 := idx1 + int(math.Floor(float64(n)*splits.Validation))

	return Partitioned[T]{
		Train:      items[:idx1],
		Validation: items[idx1:idx2],
		Test:       items[idx2:],
	}, nil
}
