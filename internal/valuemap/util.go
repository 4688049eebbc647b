package valuemap

import (
	"math"
	"slices"
	"sort"
)

const (
	// MaxModelSize bounds the number of terms a search model keeps.
	MaxModelSize = 20
	// MinModelProb is the smallest probability a kept model term may have.
	MinModelProb = 0.001
	// MinSum stops truncation once the kept mass reaches it.
	MinSum = 1.0
)

// Normalize divides every value by the sum of values, or by the L2 norm when
// squared is set. A map whose sum is 0 is left unchanged.
func Normalize(m Map, squared bool) {
	s := 0.0
	for _, v := range m.All() {
		if squared {
			s += v * v
		} else {
			s += v
		}
	}
	if s <= 0 {
		return
	}
	if squared {
		s = math.Sqrt(s)
	}
	m.Update(func(_ int, v float64) float64 { return v / s })
}

// Interpolate returns alpha*a + (1-alpha)*b over the union of both supports.
func Interpolate(a, b Map, alpha float64) map[int]float64 {
	if alpha < 0 || alpha > 1 {
		panic("valuemap: interpolation weight outside [0, 1]")
	}
	out := make(map[int]float64, a.Len()+b.Len())
	for id, v := range a.All() {
		out[id] = v * alpha
	}
	for id, v := range b.All() {
		out[id] += v * (1 - alpha)
	}
	return out
}

// Sum adds the values of every source into dst.
func Sum(dst map[int]float64, srcs ...Map) {
	for _, src := range srcs {
		for id, v := range src.All() {
			dst[id] += v
		}
	}
}

// SortByValue returns m's entries by value descending, ties by ascending id.
func SortByValue(m Map) []Pair {
	out := ToPairs(m)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TruncatePairs returns the leading entries of SortByValue(m): at most
// maxSize, each at least minValue, stopping once their sum reaches minSum.
func TruncatePairs(m Map, maxSize int, minValue, minSum float64) []Pair {
	sorted := SortByValue(m)
	maxSize = min(maxSize, len(sorted))
	k, sum := 0, 0.0
	for k < maxSize && sorted[k].Value >= minValue && sum < minSum {
		sum += sorted[k].Value
		k++
	}
	return sorted[:k]
}

// Truncate replaces m's content with TruncatePairs(m, ...).
func Truncate(m Map, maxSize int, minValue, minSum float64) {
	kept := TruncatePairs(m, maxSize, minValue, minSum)
	m.Clear()
	for _, p := range kept {
		m.Set(p.ID, p.Value, false)
	}
}

// TruncateModel applies the default model bounds.
func TruncateModel(m Map) {
	Truncate(m, MaxModelSize, MinModelProb, MinSum)
}

// CosSim is the cosine similarity of two sparse vectors, computed with a
// merge join over their sorted ids. It is 0 when either side is empty or has
// zero norm.
func CosSim(a, b map[int]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	ka := sortedKeys(a)
	kb := sortedKeys(b)
	var sa, sb, sc float64
	i, j := 0, 0
	for i < len(ka) && j < len(kb) {
		switch {
		case ka[i] == kb[j]:
			va, vb := a[ka[i]], b[kb[j]]
			sa += va * va
			sb += vb * vb
			sc += va * vb
			i++
			j++
		case ka[i] < kb[j]:
			sa += a[ka[i]] * a[ka[i]]
			i++
		default:
			sb += b[kb[j]] * b[kb[j]]
			j++
		}
	}
	for ; i < len(ka); i++ {
		sa += a[ka[i]] * a[ka[i]]
	}
	for ; j < len(kb); j++ {
		sb += b[kb[j]] * b[kb[j]]
	}
	if sa == 0 || sb == 0 {
		return 0
	}
	return sc / math.Sqrt(sa*sb)
}

func sortedKeys(m map[int]float64) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
