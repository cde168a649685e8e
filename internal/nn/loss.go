package nn

import (
	"math"

	"vitforge/internal/tensor"
)

// CrossEntropy returns the mean softmax cross-entropy of logits (N, C)
// against integer labels, and the gradient of that mean with respect to
// the logits.
func CrossEntropy(logits *tensor.Tensor, labels []int) (float64, *tensor.Tensor) {
	tensor.MustDims("cross entropy", logits, 2)
	n, c := logits.Dim(0), logits.Dim(1)
	if len(labels) != n {
		panic(&tensor.ShapeError{Op: "cross entropy labels", Want: []int{n}, Got: []int{len(labels)}})
	}
	grad := tensor.New(n, c)
	total := 0.0
	for i, label := range labels {
		if label < 0 || label >= c {
			panic(&tensor.ShapeError{Op: "cross entropy label", Want: []int{c}, Got: []int{label}})
		}
		row := logits.Row(i)
		m := row[0]
		for _, v := range row {
			if v > m {
				m = v
			}
		}
		sum := 0.0
		for _, v := range row {
			sum += math.Exp(v - m)
		}
		logSum := m + math.Log(sum)
		total += logSum - row[label]

		g := grad.Row(i)
		for j, v := range row {
			g[j] = math.Exp(v-logSum) / float64(n)
		}
		g[label] -= 1 / float64(n)
	}
	return total / float64(n), grad
}

// CountCorrect returns how many rows of logits have their arg-max at the
// matching label.
func CountCorrect(logits *tensor.Tensor, labels []int) int {
	correct := 0
	for i, p := range logits.ArgMax() {
		if p == labels[i] {
			correct++
		}
	}
	return correct
}
