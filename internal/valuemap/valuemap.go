// Package valuemap provides a uniform view over the id to weight collections
// used throughout the engine: term counts, postings, model probabilities and
// EM work arrays. Views borrow the caller's storage and never copy it.
package valuemap

import (
	"iter"
	"maps"
	"slices"
)

// Pair is one (id, value) entry of a postings list or association list.
type Pair struct {
	ID    int
	Value float64
}

// Map is a partial function from positive int ids to float64 values.
type Map interface {
	Get(id int) (float64, bool)
	// Set assigns id's value. With checkDuplicate false, list-backed maps
	// append without scanning; callers must then guarantee id is new.
	Set(id int, value float64, checkDuplicate bool) bool
	Clear()
	Len() int
	// All yields entries in an order that is stable for the representation.
	All() iter.Seq2[int, float64]
	// Update rewrites every value in place.
	Update(fn func(id int, value float64) float64)
}

// Tree is a Map over a Go map that iterates in ascending id order.
type Tree struct {
	m map[int]float64
}

// FromTree wraps m. A nil map is allowed for read-only use.
func FromTree(m map[int]float64) *Tree {
	return &Tree{m: m}
}

func (t *Tree) Get(id int) (float64, bool) {
	v, ok := t.m[id]
	return v, ok
}

func (t *Tree) Set(id int, value float64, _ bool) bool {
	t.m[id] = value
	return true
}

func (t *Tree) Clear() { clear(t.m) }

func (t *Tree) Len() int { return len(t.m) }

func (t *Tree) All() iter.Seq2[int, float64] {
	return func(yield func(int, float64) bool) {
		for _, id := range slices.Sorted(maps.Keys(t.m)) {
			if !yield(id, t.m[id]) {
				return
			}
		}
	}
}

func (t *Tree) Update(fn func(int, float64) float64) {
	for id, v := range t.m {
		t.m[id] = fn(id, v)
	}
}

// Pairs is a Map over an association list. Lookups are linear.
type Pairs struct {
	p *[]Pair
}

func FromPairs(p *[]Pair) *Pairs {
	return &Pairs{p: p}
}

func (l *Pairs) Get(id int) (float64, bool) {
	for _, e := range *l.p {
		if e.ID == id {
			return e.Value, true
		}
	}
	return 0, false
}

func (l *Pairs) Set(id int, value float64, checkDuplicate bool) bool {
	if checkDuplicate {
		for i := range *l.p {
			if (*l.p)[i].ID == id {
				(*l.p)[i].Value = value
				return true
			}
		}
	}
	*l.p = append(*l.p, Pair{ID: id, Value: value})
	return true
}

func (l *Pairs) Clear() { *l.p = (*l.p)[:0] }

func (l *Pairs) Len() int { return len(*l.p) }

func (l *Pairs) All() iter.Seq2[int, float64] {
	return func(yield func(int, float64) bool) {
		for _, e := range *l.p {
			if !yield(e.ID, e.Value) {
				return
			}
		}
	}
}

func (l *Pairs) Update(fn func(int, float64) float64) {
	for i := range *l.p {
		(*l.p)[i].Value = fn((*l.p)[i].ID, (*l.p)[i].Value)
	}
}

// Array is a dense Map indexed directly by id. Slot 0 is reserved, so the
// usable ids are [1, len).
type Array struct {
	a []float64
}

// FromArray wraps a. It panics unless len(a) > 1.
func FromArray(a []float64) *Array {
	if len(a) <= 1 {
		panic("valuemap: array view needs at least one slot past 0")
	}
	return &Array{a: a}
}

func (a *Array) Get(id int) (float64, bool) {
	if id > 0 && id < len(a.a) {
		return a.a[id], true
	}
	return 0, false
}

func (a *Array) Set(id int, value float64, _ bool) bool {
	if id > 0 && id < len(a.a) {
		a.a[id] = value
		return true
	}
	return false
}

// Clear zeroes every slot; the capacity is unchanged.
func (a *Array) Clear() { clear(a.a) }

// Len is the number of addressable ids, zero-valued slots included.
func (a *Array) Len() int { return len(a.a) - 1 }

func (a *Array) All() iter.Seq2[int, float64] {
	return func(yield func(int, float64) bool) {
		for id := 1; id < len(a.a); id++ {
			if !yield(id, a.a[id]) {
				return
			}
		}
	}
}

func (a *Array) Update(fn func(int, float64) float64) {
	for id := 1; id < len(a.a); id++ {
		a.a[id] = fn(id, a.a[id])
	}
}

// ToTree copies m into a new Go map.
func ToTree(m Map) map[int]float64 {
	out := make(map[int]float64, m.Len())
	for id, v := range m.All() {
		out[id] = v
	}
	return out
}

// ToPairs copies m into a new association list in m's iteration order.
func ToPairs(m Map) []Pair {
	out := make([]Pair, 0, m.Len())
	for id, v := range m.All() {
		out = append(out, Pair{ID: id, Value: v})
	}
	return out
}

// ToArray zero-fills dst and writes m into it. Every id of m must lie in
// [1, len(dst)).
func ToArray(m Map, dst []float64) {
	clear(dst)
	for id, v := range m.All() {
		if id <= 0 || id >= len(dst) {
			panic("valuemap: id out of array range")
		}
		dst[id] = v
	}
}
