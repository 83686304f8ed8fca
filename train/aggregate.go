package train

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Stats summarizes one batch of local energies. Mean, Variance, Median, Min
// and Max are computed over the finite entries so the telemetry stays
// readable when a walker sits on a node; ClippedFrac counts clamped entries
// over the whole batch.
type Stats struct {
	Mean        float64 `json:"mean"`
	Variance    float64 `json:"variance"`
	Median      float64 `json:"median"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	ClippedFrac float64 `json:"clipped_frac"`
}

// Aggregate reduces per-walker local energies to the scalar loss plus
// diagnostics. With clipEl > 0, energies beyond clipEl standard deviations
// from the median are clamped before averaging; the local energy is singular
// at wavefunction nodes, and a handful of divergent walkers would otherwise
// dominate the batch. The clip window is built from the finite entries, so
// an infinite energy is always clamped rather than widening the window to
// cover itself. NaN is never censored: it propagates to the loss so the
// update is rejected. The clipped values are returned so the gradient can be
// built from the same censored energies the loss used. Pure function of its
// inputs.
func Aggregate(energies []float64, clipEl float64) (loss float64, stats Stats, clipped []float64) {
	n := len(energies)
	clipped = make([]float64, n)
	copy(clipped, energies)
	if n == 0 {
		return 0, Stats{}, clipped
	}

	finite := make([]float64, 0, n)
	for _, e := range energies {
		if !math.IsNaN(e) && !math.IsInf(e, 0) {
			finite = append(finite, e)
		}
	}

	if len(finite) == 0 {
		// Nothing to anchor a window on; the raw mean carries the NaN/Inf
		// through to the rejection path.
		loss, stats.Variance = stat.MeanVariance(energies, nil)
		stats.Mean = loss
		return loss, stats, clipped
	}

	sort.Float64s(finite)
	stats.Median = stat.Quantile(0.5, stat.Empirical, finite, nil)
	stats.Mean, stats.Variance = stat.MeanVariance(finite, nil)
	stats.Min = finite[0]
	stats.Max = finite[len(finite)-1]

	if clipEl <= 0 {
		// No censoring requested: the raw mean, infinities included.
		loss = stat.Mean(energies, nil)
		return loss, stats, clipped
	}

	sigma := math.Sqrt(stats.Variance)
	lo := stats.Median - clipEl*sigma
	hi := stats.Median + clipEl*sigma
	nClipped := 0
	sum := 0.0
	for i, e := range clipped {
		switch {
		case math.IsNaN(e):
			// fall through uncensored
		case e < lo:
			clipped[i] = lo
			nClipped++
		case e > hi:
			clipped[i] = hi
			nClipped++
		}
		sum += clipped[i]
	}
	stats.ClippedFrac = float64(nClipped) / float64(n)
	loss = sum / float64(n)
	return loss, stats, clipped
}
