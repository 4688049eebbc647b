// Package cluster implements average-link agglomerative clustering over a
// sparse similarity matrix.
package cluster

import (
	"container/heap"
	"context"
	"log/slog"
)

// MinSim is the smallest similarity kept for a merged cluster.
const MinSim = 0.01

// Cluster is a set of original point ids.
type Cluster struct {
	Points []int
}

// SimMatrix is a symmetric sparse similarity matrix over cluster ids.
type SimMatrix struct {
	data map[[2]int]float64
}

func NewSimMatrix() *SimMatrix {
	return &SimMatrix{data: make(map[[2]int]float64)}
}

func pairKey(i, j int) [2]int {
	if i > j {
		i, j = j, i
	}
	return [2]int{i, j}
}

// Get returns the similarity of i and j, 0 when absent.
func (m *SimMatrix) Get(i, j int) float64 {
	return m.data[pairKey(i, j)]
}

func (m *SimMatrix) Set(i, j int, sim float64) {
	m.data[pairKey(i, j)] = sim
}

func (m *SimMatrix) Len() int {
	return len(m.data)
}

// Merge records that clusters Left and Right were joined into ID at
// similarity Sim.
type Merge struct {
	ID    int     `json:"id"`
	Left  int     `json:"left"`
	Right int     `json:"right"`
	Sim   float64 `json:"sim"`
}

type node struct {
	active      bool
	left, right int
	weight      float64
}

type candidate struct {
	i, j int
	sim  float64
}

// candidates is a max-heap on similarity; ties pop the smaller pair first.
type candidates []candidate

func (h candidates) Len() int { return len(h) }

func (h candidates) Less(a, b int) bool {
	if h[a].sim != h[b].sim {
		return h[a].sim > h[b].sim
	}
	if h[a].i != h[b].i {
		return h[a].i < h[b].i
	}
	return h[a].j < h[b].j
}

func (h candidates) Swap(a, b int) { h[a], h[b] = h[b], h[a] }

func (h *candidates) Push(x any) { *h = append(*h, x.(candidate)) }

func (h *candidates) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// linkage is the size-weighted average of two similarities. Clusters
// without points fall back to the plain average.
func linkage(sa, sb, wa, wb float64) float64 {
	if wa+wb == 0 {
		return (sa + sb) / 2
	}
	return (sa*wa + sb*wb) / (wa + wb)
}

// Run merges the most similar pair of active clusters until the best
// similarity drops below stopSim. initial[i] is cluster id i; merged
// clusters get ids from len(initial) upward and are added to sims. Entries
// of sims naming unknown ids are ignored. The returned clusters come from
// the still-active ids in ascending order.
func Run(ctx context.Context, initial []Cluster, sims *SimMatrix, stopSim float64) ([]Cluster, []Merge, error) {
	n := len(initial)
	nodes := make([]node, n, 2*n)
	for i, c := range initial {
		nodes[i] = node{active: true, left: -1, right: -1, weight: float64(len(c.Points))}
	}

	h := make(candidates, 0, sims.Len())
	for key, sim := range sims.data {
		if key[0] < 0 || key[1] >= n || key[0] == key[1] {
			continue
		}
		h = append(h, candidate{i: key[0], j: key[1], sim: sim})
	}
	heap.Init(&h)

	var merges []Merge
	for h.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, merges, err
		}
		best := heap.Pop(&h).(candidate)
		if best.sim < stopSim {
			break
		}
		a, b := &nodes[best.i], &nodes[best.j]
		if !a.active || !b.active {
			continue
		}
		a.active, b.active = false, false
		wa, wb := a.weight, b.weight
		id := len(nodes)
		for k := range nodes {
			if !nodes[k].active {
				continue
			}
			sim := linkage(sims.Get(best.i, k), sims.Get(best.j, k), wa, wb)
			if sim >= MinSim {
				sims.Set(id, k, sim)
				heap.Push(&h, candidate{i: id, j: k, sim: sim})
			}
		}
		nodes = append(nodes, node{active: true, left: best.i, right: best.j, weight: wa + wb})
		merges = append(merges, Merge{ID: id, Left: best.i, Right: best.j, Sim: best.sim})
	}

	var out []Cluster
	for id := range nodes {
		if !nodes[id].active {
			continue
		}
		var c Cluster
		queue := []int{id}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if nd := nodes[cur]; nd.left >= 0 {
				queue = append(queue, nd.left, nd.right)
			} else {
				c.Points = append(c.Points, initial[cur].Points...)
			}
		}
		out = append(out, c)
	}
	slog.Default().With("component", "clustering").Debug("clustering finished",
		"initial", n,
		"merges", len(merges),
		"clusters", len(out),
	)
	return out, merges, nil
}
