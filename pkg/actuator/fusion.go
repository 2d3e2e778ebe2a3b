package actuator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Sample is a single sensor's contribution to a fused reading.
type Sample struct {
	Sensor int // index of the sensor in the controller's sensor list
	Value  float64
}

// Fusion combines redundant sensor samples into one value. Fuse is never
// called with an empty slice. It returns NaN when the samples cannot be
// combined.
type Fusion interface {
	Fuse(samples []Sample) float64
}

// Mean is the arithmetic mean of all samples.
type Mean struct{}

func (Mean) Fuse(samples []Sample) float64 {
	return stat.Mean(values(samples), nil)
}

// Median is the middle sample, or the mean of the two middle samples.
type Median struct{}

func (Median) Fuse(samples []Sample) float64 {
	v := values(samples)
	sort.Float64s(v)
	mid := len(v) / 2
	if len(v)%2 == 1 {
		return v[mid]
	}
	return (v[mid-1] + v[mid]) / 2
}

// Weighted is a weighted mean. Weights are indexed by sensor; sensors
// without an entry get weight 1. Samples whose weights sum to zero fuse
// to NaN.
type Weighted struct {
	Weights []float64
}

func (w Weighted) Fuse(samples []Sample) float64 {
	weights := make([]float64, len(samples))
	total := 0.0
	for i, s := range samples {
		weights[i] = 1
		if s.Sensor < len(w.Weights) {
			weights[i] = w.Weights[s.Sensor]
		}
		total += weights[i]
	}
	if total <= 0 {
		return math.NaN()
	}
	return stat.Mean(values(samples), weights)
}

// ParseFusion maps a configuration name to a fusion strategy. An empty name
// selects Mean.
func ParseFusion(name string, weights []float64) (Fusion, error) {
	switch strings.ToLower(name) {
	case "", "mean":
		return Mean{}, nil
	case "median":
		return Median{}, nil
	case "weighted":
		if len(weights) == 0 {
			return nil, fmt.Errorf("weighted fusion needs weights")
		}
		total := 0.0
		for _, w := range weights {
			if w < 0 || !finite(w) {
				return nil, fmt.Errorf("fusion weight %v must be finite and not negative", w)
			}
			total += w
		}
		if total == 0 {
			return nil, fmt.Errorf("fusion weights sum to zero")
		}
		return Weighted{Weights: weights}, nil
	default:
		return nil, fmt.Errorf("unknown fusion %q", name)
	}
}

func values(samples []Sample) []float64 {
	v := make([]float64, len(samples))
	for i, s := range samples {
		v[i] = s.Value
	}
	return v
}
