package detect

import (
	"math"
	"sync"
)

// baselineMinSamples is how many vectors the detector must observe before
// it reports anything but a neutral score.
const baselineMinSamples = 10

// Baseline is an online outlier detector. It keeps a running mean and
// variance per feature (Welford's algorithm) and scores new vectors by
// their average deviation from the baseline. Scores near +1 are typical
// traffic; scores below a negative threshold mark the vector anomalous.
type Baseline struct {
	mu    sync.Mutex
	count int64
	mean  []float64
	m2    []float64
}

// NewBaseline creates an empty baseline for the declared feature length.
func NewBaseline() *Baseline {
	return &Baseline{
		mean: make([]float64, FeatureCount),
		m2:   make([]float64, FeatureCount),
	}
}

// Observe folds a vector into the running baseline.
func (b *Baseline) Observe(v FeatureVector) {
	vals := v.Values()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count++
	for i, x := range vals {
		delta := x - b.mean[i]
		b.mean[i] += delta / float64(b.count)
		b.m2[i] += delta * (x - b.mean[i])
	}
}

// Score rates a vector against the baseline. Returns a value in roughly
// [-1, 1]: positive for typical vectors, negative once the average z-score
// across features exceeds three standard deviations. With fewer than
// baselineMinSamples observations the score is neutral (1).
func (b *Baseline) Score(v FeatureVector) float64 {
	vals := v.Values()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < baselineMinSamples {
		return 1
	}

	var total float64
	var counted int
	for i, x := range vals {
		variance := b.m2[i] / float64(b.count-1)
		if variance <= 0 {
			continue
		}
		total += math.Abs(x-b.mean[i]) / math.Sqrt(variance)
		counted++
	}
	if counted == 0 {
		return 1
	}
	avgZ := total / float64(counted)

	score := (3 - avgZ) / 3
	if score < -1 {
		score = -1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Count returns how many vectors the baseline has observed.
func (b *Baseline) Count() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
