package mixture

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"
)

func TestEstimateKnownComponentExplainsEverything(t *testing.T) {
	f := []float64{0.5, 0.3, 0.2}
	values := make([]Component, len(f))
	for i := range f {
		values[i] = Component{F: f[i], P: f[i]}
	}
	Estimate(values, 0.5)
	for i, v := range values {
		mixed := 0.5*v.P + 0.5*v.Q
		if math.Abs(mixed-f[i]) > 1e-12 {
			t.Errorf("term %d: mixture gives %v, observed %v", i, mixed, f[i])
		}
	}
}

func TestEstimateZeroesBackgroundTerms(t *testing.T) {
	values := []Component{
		{F: 5, P: 0.9},
		{F: 5, P: 0.1},
	}
	Estimate(values, 0.9)
	if values[0].Q != 0 {
		t.Errorf("background-dominated term got q=%v, want 0", values[0].Q)
	}
	if math.Abs(values[1].Q-1) > 1e-12 {
		t.Errorf("topical term got q=%v, want 1", values[1].Q)
	}

	values = []Component{{F: 5, P: 0.9}, {F: 5, P: 0.1}}
	Estimate(values, 0.5)
	if math.Abs(values[0].Q-0.1) > 1e-12 || math.Abs(values[1].Q-0.9) > 1e-12 {
		t.Errorf("alpha=0.5 estimate = %+v", values)
	}
}

func TestEstimatePanics(t *testing.T) {
	cases := map[string]struct {
		values []Component
		alpha  float64
	}{
		"alpha zero":     {[]Component{{F: 1, P: 0.5}}, 0},
		"alpha one":      {[]Component{{F: 1, P: 0.5}}, 1},
		"zero frequency": {[]Component{{F: 0, P: 0.5}}, 0.5},
		"negative prob":  {[]Component{{F: 1, P: -0.1}}, 0.5},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			Estimate(tc.values, tc.alpha)
		})
	}
}

func TestEstimateEmptyIsNoop(t *testing.T) {
	Estimate(nil, 0.5)
}

func mixtureTarget(components [][]float64, w []float64, scale float64) []float64 {
	target := make([]float64, len(components[0]))
	for i := range target {
		for j := range components {
			target[i] += components[j][i] * w[j] * scale
		}
	}
	return target
}

func TestEstimateWeightsRecoversMixture(t *testing.T) {
	components := [][]float64{
		{0.7, 0.2, 0.1},
		{0.1, 0.2, 0.7},
	}
	target := mixtureTarget(components, []float64{0.3, 0.7}, 1000)
	weights := []float64{0, 0}

	res, err := EstimateWeights(context.Background(), target, components, weights,
		WeightOptions{MaxTries: 1, MaxIterations: 500})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(weights[0]-0.3) > 0.01 || math.Abs(weights[1]-0.7) > 0.01 {
		t.Errorf("weights = %v, want ~[0.3 0.7]", weights)
	}
	if len(res.Trace) != res.Iterations || res.Iterations == 0 {
		t.Fatalf("trace length %d, iterations %d", len(res.Trace), res.Iterations)
	}
	for i := 1; i < len(res.Trace); i++ {
		if res.Trace[i] < res.Trace[i-1]-1e-9 {
			t.Fatalf("log likelihood decreased at iteration %d: %v -> %v", i+1, res.Trace[i-1], res.Trace[i])
		}
	}
	if res.LogLikelihood != res.Trace[len(res.Trace)-1] {
		t.Errorf("result LL %v does not match final trace entry", res.LogLikelihood)
	}
}

func TestEstimateWeightsIsReproducibleWithSeed(t *testing.T) {
	components := [][]float64{
		{0.5, 0.3, 0.2},
		{0.2, 0.3, 0.5},
		{0.3, 0.4, 0.3},
	}
	target := []float64{3, 1, 2}
	run := func() []float64 {
		w := []float64{1, 1, 0}
		_, err := EstimateWeights(context.Background(), target, components, w,
			WeightOptions{MaxTries: 4, MaxIterations: 50, Rand: rand.New(rand.NewPCG(7, 7))})
		if err != nil {
			t.Fatal(err)
		}
		return w
	}
	a, b := run(), run()
	sum := 0.0
	for j := range a {
		if a[j] != b[j] {
			t.Fatalf("runs differ: %v vs %v", a, b)
		}
		sum += a[j]
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("weights sum to %v", sum)
	}
}

func TestEstimateWeightsHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := []float64{0.5, 0.5}
	_, err := EstimateWeights(ctx, []float64{1, 1}, [][]float64{{0.5, 0.5}, {0.9, 0.1}}, w,
		WeightOptions{MaxTries: 1, MaxIterations: 10})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if w[0] != 0.5 || w[1] != 0.5 {
		t.Errorf("weights changed without any iteration: %v", w)
	}
}

func TestEstimateWeightsValidatesShapes(t *testing.T) {
	_, err := EstimateWeights(context.Background(), []float64{1}, [][]float64{{1, 2}}, []float64{1}, WeightOptions{})
	if err == nil {
		t.Error("expected shape error")
	}
}
