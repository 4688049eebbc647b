// Package mixture estimates unknown parts of multinomial mixtures: the
// free component of a two-component mixture in closed form, and the mixing
// weights of fixed components with EM.
package mixture

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// Component is one support point of a two-component mixture: the observed
// frequency F, the known component's probability P, and the estimated
// probability Q of the unknown component.
type Component struct {
	F float64
	P float64
	Q float64
}

// Estimate fills in Q for every value so that
// sum F*ln(alpha*P + (1-alpha)*Q) is maximal with Q >= 0. It panics unless
// 0 < alpha < 1, every F > 0 and every P >= 0.
func Estimate(values []Component, alpha float64) {
	if alpha <= 0 || alpha >= 1 {
		panic(fmt.Sprintf("mixture: alpha %v outside (0, 1)", alpha))
	}
	beta := 1 - alpha

	type quotient struct {
		q float64
		i int
	}
	quotients := make([]quotient, len(values))
	for i, v := range values {
		if v.F <= 0 || v.P < 0 {
			panic(fmt.Sprintf("mixture: invalid component %d (f=%v, p=%v)", i, v.F, v.P))
		}
		quotients[i] = quotient{q: v.P / v.F, i: i}
	}
	sort.Slice(quotients, func(a, b int) bool {
		if quotients[a].q != quotients[b].q {
			return quotients[a].q < quotients[b].q
		}
		return quotients[a].i < quotients[b].i
	})

	var fSum, pSum float64
	k := 0
	for ; k < len(quotients); k++ {
		v := values[quotients[k].i]
		fSum += v.F
		pSum += v.P
		if beta/alpha+pSum <= fSum*quotients[k].q {
			fSum -= v.F
			pSum -= v.P
			break
		}
	}

	lambda := fSum / (1 + alpha/beta*pSum)
	for n, qt := range quotients {
		v := &values[qt.i]
		if n < k && lambda > 0 {
			v.Q = v.F/lambda - alpha/beta*v.P
		} else {
			v.Q = 0
		}
	}
}

// WeightOptions controls EstimateWeights.
type WeightOptions struct {
	MaxTries      int
	MaxIterations int
	// Rand seeds the restarts. Nil means a fixed-seed source.
	Rand *rand.Rand
}

// Result reports the winning EM try.
type Result struct {
	LogLikelihood float64
	Iterations    int
	// Trace is the log likelihood after every iteration of the winning try.
	Trace []float64
}

const convergence = 1e-6

// EstimateWeights finds mixing weights for fixed components that maximize
// the log likelihood of target. components[j][i] is component j's value at
// support point i. The incoming weights act as priors added to every M-step;
// the best weights over all tries are written back. When ctx is cancelled
// the best weights so far are kept and ctx.Err() is returned.
func EstimateWeights(ctx context.Context, target []float64, components [][]float64, weights []float64, opts WeightOptions) (Result, error) {
	if len(target) == 0 || len(components) == 0 || len(components) != len(weights) {
		return Result{}, fmt.Errorf("mixture: %d components, %d weights, %d targets", len(components), len(weights), len(target))
	}
	for j, c := range components {
		if len(c) != len(target) {
			return Result{}, fmt.Errorf("mixture: component %d has %d values, want %d", j, len(c), len(target))
		}
	}
	tries := max(opts.MaxTries, 1)
	iterations := max(opts.MaxIterations, 1)
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}

	priors := append([]float64(nil), weights...)
	best := Result{}
	bestWeights := append([]float64(nil), weights...)
	z := make([][]float64, len(target))
	for i := range z {
		z[i] = make([]float64, len(components))
	}

	var ctxErr error
restarts:
	for try := 1; try <= tries; try++ {
		for j := range weights {
			if tries > 1 {
				weights[j] = rng.Float64() + 1
			} else {
				weights[j] = 1
			}
		}
		normalize(weights)

		var ll, lastLL float64
		trace := make([]float64, 0, iterations)
		for iter := 1; iter <= iterations; iter++ {
			if err := ctx.Err(); err != nil {
				ctxErr = err
				break restarts
			}
			expectation(z, components, weights)
			maximization(z, target, priors, weights)
			ll = logLikelihood(target, components, weights)
			trace = append(trace, ll)
			if iter > 1 && math.Abs(ll-lastLL) < math.Abs(ll+lastLL)*convergence {
				break
			}
			lastLL = ll
		}

		if best.Iterations == 0 || ll > best.LogLikelihood {
			best = Result{LogLikelihood: ll, Iterations: len(trace), Trace: trace}
			copy(bestWeights, weights)
		}
	}
	copy(weights, bestWeights)
	return best, ctxErr
}

func expectation(z [][]float64, components [][]float64, weights []float64) {
	for i := range z {
		sum := 0.0
		for j := range components {
			z[i][j] = components[j][i] * weights[j]
			sum += z[i][j]
		}
		if sum > 0 {
			for j := range components {
				z[i][j] /= sum
			}
		}
	}
}

func maximization(z [][]float64, target, priors, weights []float64) {
	for j := range weights {
		w := priors[j]
		for i := range target {
			w += z[i][j] * target[i]
		}
		weights[j] = w
	}
	normalize(weights)
}

func logLikelihood(target []float64, components [][]float64, weights []float64) float64 {
	ll := 0.0
	for i, t := range target {
		if t == 0 {
			continue
		}
		sum := 0.0
		for j := range components {
			sum += components[j][i] * weights[j]
		}
		if sum > 0 {
			ll += math.Log(sum) * t
		}
	}
	return ll
}

func normalize(v []float64) {
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	if sum <= 0 {
		return
	}
	for i := range v {
		v[i] /= sum
	}
}
