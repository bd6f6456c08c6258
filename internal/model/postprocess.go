package model

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrOutputSize = errors.New("output does not match class list")
	ErrNonFinite  = errors.New("model produced a non-finite output")
)

// Softmax returns the probabilities of logits. The maximum is subtracted
// first so large logits do not overflow.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}

	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	probs := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		probs[i] = float32(e)
		sum += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

// Postprocess applies softmax and argmax and resolves the label. Ties go to
// the lowest index.
func Postprocess(logits []float32, classes []string) (*Prediction, error) {
	if len(logits) != len(classes) || len(classes) == 0 {
		return nil, fmt.Errorf("%w: %d values for %d classes", ErrOutputSize, len(logits), len(classes))
	}

	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: %v at index %d", ErrNonFinite, v, i)
		}
	}

	probs := Softmax(logits)

	maxIdx := 0
	predictions := make(map[string]float32, len(classes))
	for i, p := range probs {
		predictions[classes[i]] = p
		if p > probs[maxIdx] {
			maxIdx = i
		}
	}

	return &Prediction{
		Class:       classes[maxIdx],
		Confidence:  probs[maxIdx],
		Predictions: predictions,
	}, nil
}
