package drift

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MeanShift measures how far the current mean sits from the baseline mean in
// units of baseline standard deviation. A degenerate baseline (fewer than two
// samples or zero spread) reports a shift only when the means differ at all.
func MeanShift(current, baseline []float64, k float64) (distance float64, flagged bool) {
	if len(current) == 0 || len(baseline) == 0 {
		return 0, false
	}
	mc := stat.Mean(current, nil)
	mb := stat.Mean(baseline, nil)
	diff := math.Abs(mc - mb)

	if len(baseline) < 2 {
		return diff, diff > 0
	}
	sd := stat.StdDev(baseline, nil)
	if sd == 0 {
		return diff, diff > 0
	}
	return diff / sd, diff/sd > k
}

// KolmogorovSmirnov runs the two-sample KS test and returns the supremum
// statistic with its asymptotic p-value.
func KolmogorovSmirnov(current, baseline []float64) (statistic, pValue float64) {
	if len(current) == 0 || len(baseline) == 0 {
		return 0, 1
	}
	x := sortedCopy(current)
	y := sortedCopy(baseline)

	d := stat.KolmogorovSmirnov(x, nil, y, nil)
	return d, ksPValue(d, len(x), len(y))
}

// ksPValue evaluates the asymptotic Kolmogorov distribution tail
// Q(lambda) = 2 * sum_{j>=1} (-1)^(j-1) * exp(-2 j^2 lambda^2)
// with the small-sample correction of Stephens.
func ksPValue(d float64, n, m int) float64 {
	if d <= 0 {
		return 1
	}
	en := math.Sqrt(float64(n) * float64(m) / float64(n+m))
	lambda := (en + 0.12 + 0.11/en) * d

	sum := 0.0
	sign := 1.0
	for j := 1; j <= 100; j++ {
		term := sign * math.Exp(-2*float64(j*j)*lambda*lambda)
		sum += term
		if math.Abs(term) < 1e-10 {
			break
		}
		sign = -sign
	}
	p := 2 * sum
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Wasserstein computes the first Wasserstein distance between two empirical
// distributions, normalized by the combined value range so thresholds are
// unit-free. Identical constant distributions yield zero.
func Wasserstein(current, baseline []float64) float64 {
	if len(current) == 0 || len(baseline) == 0 {
		return 0
	}
	x := sortedCopy(current)
	y := sortedCopy(baseline)

	lo := math.Min(x[0], y[0])
	hi := math.Max(x[len(x)-1], y[len(y)-1])
	valueRange := hi - lo
	if valueRange == 0 {
		return 0
	}

	// Walk the merged support accumulating |Fx - Fy| over each interval.
	merged := make([]float64, 0, len(x)+len(y))
	merged = append(merged, x...)
	merged = append(merged, y...)
	sort.Float64s(merged)

	var dist float64
	var ix, iy int
	for i := 0; i < len(merged)-1; i++ {
		v := merged[i]
		for ix < len(x) && x[ix] <= v {
			ix++
		}
		for iy < len(y) && y[iy] <= v {
			iy++
		}
		fx := float64(ix) / float64(len(x))
		fy := float64(iy) / float64(len(y))
		dist += math.Abs(fx-fy) * (merged[i+1] - v)
	}
	return dist / valueRange
}

// OneWayANOVA runs a one-way analysis of variance across the groups and
// returns the F statistic with its p-value. It reports ok=false when the
// layout cannot support the test (fewer than two groups, or no residual
// degrees of freedom).
func OneWayANOVA(groups [][]float64) (fStat, pValue float64, ok bool) {
	k := len(groups)
	if k < 2 {
		return 0, 1, false
	}

	total := 0
	grand := 0.0
	for _, g := range groups {
		if len(g) == 0 {
			return 0, 1, false
		}
		total += len(g)
		for _, v := range g {
			grand += v
		}
	}
	grand /= float64(total)

	var ssBetween, ssWithin float64
	for _, g := range groups {
		gm := stat.Mean(g, nil)
		ssBetween += float64(len(g)) * (gm - grand) * (gm - grand)
		for _, v := range g {
			ssWithin += (v - gm) * (v - gm)
		}
	}

	dfBetween := float64(k - 1)
	dfWithin := float64(total - k)
	if dfWithin <= 0 {
		return 0, 1, false
	}
	if ssWithin == 0 {
		if ssBetween == 0 {
			return 0, 1, true
		}
		return math.Inf(1), 0, true
	}

	fStat = (ssBetween / dfBetween) / (ssWithin / dfWithin)
	fDist := distuv.F{D1: dfBetween, D2: dfWithin}
	pValue = fDist.Survival(fStat)
	return fStat, pValue, true
}

func sortedCopy(v []float64) []float64 {
	out := append([]float64(nil), v...)
	sort.Float64s(out)
	return out
}
