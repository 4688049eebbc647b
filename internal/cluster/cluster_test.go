package cluster

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"reflect"
	"slices"
	"testing"
)

func singletons(n int) []Cluster {
	out := make([]Cluster, n)
	for i := range out {
		out[i] = Cluster{Points: []int{i}}
	}
	return out
}

func sorted(clusters []Cluster) [][]int {
	out := make([][]int, len(clusters))
	for i, c := range clusters {
		out[i] = slices.Sorted(slices.Values(c.Points))
	}
	return out
}

func fourPoints() *SimMatrix {
	m := NewSimMatrix()
	m.Set(0, 1, 0.9)
	m.Set(3, 2, 0.8)
	m.Set(1, 2, 0.3)
	m.Set(0, 2, 0.2)
	return m
}

func TestRunFourPoints(t *testing.T) {
	tests := []struct {
		name    string
		stopSim float64
		want    [][]int
		merges  []Merge
	}{
		{
			name:    "two pairs",
			stopSim: 0.5,
			want:    [][]int{{0, 1}, {2, 3}},
			merges:  []Merge{{ID: 4, Left: 0, Right: 1, Sim: 0.9}, {ID: 5, Left: 2, Right: 3, Sim: 0.8}},
		},
		{
			name:    "everything",
			stopSim: 0.1,
			want:    [][]int{{0, 1, 2, 3}},
			merges: []Merge{
				{ID: 4, Left: 0, Right: 1, Sim: 0.9},
				{ID: 5, Left: 2, Right: 3, Sim: 0.8},
				{ID: 6, Left: 5, Right: 4, Sim: 0.125},
			},
		},
		{
			name:    "nothing",
			stopSim: 0.95,
			want:    [][]int{{0}, {1}, {2}, {3}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clusters, merges, err := Run(context.Background(), singletons(4), fourPoints(), tt.stopSim)
			if err != nil {
				t.Fatal(err)
			}
			if got := sorted(clusters); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("clusters = %v, want %v", got, tt.want)
			}
			if !reflect.DeepEqual(merges, tt.merges) {
				t.Errorf("merges = %+v, want %+v", merges, tt.merges)
			}
		})
	}
}

func TestRunTiedPairs(t *testing.T) {
	// A-B and C-D tie at 0.9; A-C is far below the stop similarity.
	build := func(order int) *SimMatrix {
		pairs := [][3]float64{{0, 1, 0.9}, {2, 3, 0.9}, {0, 2, 0.05}}
		m := NewSimMatrix()
		for k := range pairs {
			p := pairs[(k+order)%len(pairs)]
			m.Set(int(p[1]), int(p[0]), p[2])
		}
		return m
	}
	want := []Merge{{ID: 4, Left: 0, Right: 1, Sim: 0.9}, {ID: 5, Left: 2, Right: 3, Sim: 0.9}}
	for order := range 3 {
		for range 10 {
			clusters, merges, err := Run(context.Background(), singletons(4), build(order), 0.5)
			if err != nil {
				t.Fatal(err)
			}
			if got := sorted(clusters); !reflect.DeepEqual(got, [][]int{{0, 1}, {2, 3}}) {
				t.Fatalf("order %d: clusters = %v", order, got)
			}
			if !reflect.DeepEqual(merges, want) {
				t.Fatalf("order %d: merges = %+v, want %+v", order, merges, want)
			}
		}
	}
}

func TestRunEmptyClusters(t *testing.T) {
	sims := NewSimMatrix()
	sims.Set(0, 1, 0.8)
	sims.Set(0, 2, 0.6)
	sims.Set(1, 2, 0.4)
	clusters, merges, err := Run(context.Background(), []Cluster{{}, {}, {Points: []int{7}}}, sims, 0.3)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range merges {
		if math.IsNaN(m.Sim) {
			t.Fatalf("merge %+v has NaN similarity", m)
		}
	}
	// {0,1} sits at (0.6+0.4)/2 = 0.5 from cluster 2
	if got := sims.Get(3, 2); got != 0.5 {
		t.Errorf("merged similarity = %v, want 0.5", got)
	}
	if len(clusters) != 1 || !reflect.DeepEqual(clusters[0].Points, []int{7}) {
		t.Errorf("clusters = %+v", clusters)
	}
}

func TestRunWeightsByClusterSize(t *testing.T) {
	initial := []Cluster{{Points: []int{10, 11}}, {Points: []int{12}}, {Points: []int{13}}}
	build := func() *SimMatrix {
		m := NewSimMatrix()
		m.Set(0, 1, 0.9)
		m.Set(0, 2, 0.75)
		return m
	}
	// the merged {0,1} sits at (0.75*2 + 0*1)/3 = 0.5 from cluster 2
	clusters, _, _ := Run(context.Background(), initial, build(), 0.5)
	if len(clusters) != 1 {
		t.Errorf("stop 0.5: %v, want one cluster", sorted(clusters))
	}
	clusters, _, _ = Run(context.Background(), initial, build(), 0.55)
	if got := sorted(clusters); !reflect.DeepEqual(got, [][]int{{13}, {10, 11, 12}}) {
		t.Errorf("stop 0.55: %v", got)
	}
}

func TestRunMonotoneAndPartitions(t *testing.T) {
	const n = 30
	rng := rand.New(rand.NewPCG(3, 4))
	sims := NewSimMatrix()
	for i := range n {
		for j := i + 1; j < n; j++ {
			if s := rng.Float64(); s > 0.4 {
				sims.Set(i, j, s)
			}
		}
	}
	clusters, merges, err := Run(context.Background(), singletons(n), sims, 0.05)
	if err != nil {
		t.Fatal(err)
	}

	simOf := make(map[int]float64)
	for k, m := range merges {
		if k > 0 && m.Sim > merges[k-1].Sim {
			t.Errorf("merge %d at %v after %v", k, m.Sim, merges[k-1].Sim)
		}
		for _, child := range []int{m.Left, m.Right} {
			if s, ok := simOf[child]; ok && m.Sim > s {
				t.Errorf("cluster %d merged at %v above its child's %v", m.ID, m.Sim, s)
			}
		}
		simOf[m.ID] = m.Sim
	}

	seen := make(map[int]int)
	for _, c := range clusters {
		for _, p := range c.Points {
			seen[p]++
		}
	}
	for p := range n {
		if seen[p] != 1 {
			t.Errorf("point %d appears %d times", p, seen[p])
		}
	}
	if len(clusters) != n-len(merges) {
		t.Errorf("%d clusters after %d merges of %d points", len(clusters), len(merges), n)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Run(ctx, singletons(4), fourPoints(), 0.1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSimMatrixIsSymmetric(t *testing.T) {
	m := NewSimMatrix()
	m.Set(5, 2, 0.7)
	if m.Get(2, 5) != 0.7 || m.Get(5, 2) != 0.7 || m.Get(1, 2) != 0 || m.Len() != 1 {
		t.Error("matrix lookups are not symmetric")
	}
}
