package valuemap

import (
	"math"
	"reflect"
	"testing"

	"github.com/talkware/ucair/internal/textproc/dict"
)

func collect(m Map) []Pair {
	var out []Pair
	for id, v := range m.All() {
		out = append(out, Pair{ID: id, Value: v})
	}
	return out
}

func TestRepresentationsAgree(t *testing.T) {
	tree := map[int]float64{3: 0.3, 1: 0.1, 2: 0.2}
	var list []Pair
	arr := make([]float64, 4)

	maps := map[string]Map{
		"tree":  FromTree(tree),
		"pairs": FromPairs(&list),
		"array": FromArray(arr),
	}
	for _, id := range []int{1, 2, 3} {
		maps["pairs"].Set(id, float64(id)/10, true)
		maps["array"].Set(id, float64(id)/10, true)
	}

	want := []Pair{{1, 0.1}, {2, 0.2}, {3, 0.3}}
	for name, m := range maps {
		if got := collect(m); !reflect.DeepEqual(got, want) {
			t.Errorf("%s: entries = %v, want %v", name, got, want)
		}
		if v, ok := m.Get(2); !ok || v != 0.2 {
			t.Errorf("%s: Get(2) = %v,%v", name, v, ok)
		}
		if got := ToTree(m); !reflect.DeepEqual(got, tree) {
			t.Errorf("%s: ToTree = %v", name, got)
		}
	}
}

func TestPairsSetWithoutDuplicateCheckAppends(t *testing.T) {
	var list []Pair
	m := FromPairs(&list)
	m.Set(5, 1, false)
	m.Set(5, 2, false)
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}
	m.Set(5, 3, true)
	if list[0].Value != 3 || m.Len() != 2 {
		t.Errorf("duplicate-checked set should overwrite first entry, got %v", list)
	}
	m.Clear()
	if len(list) != 0 {
		t.Errorf("Clear left %v", list)
	}
}

func TestArrayBounds(t *testing.T) {
	arr := make([]float64, 3)
	m := FromArray(arr)
	if m.Set(0, 1, false) || m.Set(3, 1, false) {
		t.Error("Set outside [1, len) should fail")
	}
	if !m.Set(2, 4, false) || arr[2] != 4 {
		t.Error("Set inside range should write through")
	}
	m.Clear()
	if arr[2] != 0 || m.Len() != 2 {
		t.Errorf("Clear should zero slots, got %v len %d", arr, m.Len())
	}

	defer func() {
		if recover() == nil {
			t.Error("FromArray on a single slot should panic")
		}
	}()
	FromArray(make([]float64, 1))
}

func TestToArrayPanicsOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	ToArray(FromTree(map[int]float64{5: 1}), make([]float64, 3))
}

func TestNormalize(t *testing.T) {
	m := map[int]float64{1: 1, 2: 3}
	Normalize(FromTree(m), false)
	if math.Abs(m[1]+m[2]-1) > 1e-9 || m[1] != 0.25 {
		t.Errorf("normalized = %v", m)
	}

	zero := map[int]float64{1: 0, 2: 0}
	Normalize(FromTree(zero), false)
	if zero[1] != 0 || zero[2] != 0 {
		t.Errorf("zero-sum map changed: %v", zero)
	}

	sq := map[int]float64{1: 3, 2: 4}
	Normalize(FromTree(sq), true)
	if math.Abs(sq[1]-0.6) > 1e-12 || math.Abs(sq[2]-0.8) > 1e-12 {
		t.Errorf("L2 normalized = %v", sq)
	}
}

func TestInterpolate(t *testing.T) {
	a := FromTree(map[int]float64{1: 1})
	b := FromTree(map[int]float64{1: 0.5, 2: 0.5})
	got := Interpolate(a, b, 0.5)
	want := map[int]float64{1: 0.75, 2: 0.25}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Interpolate = %v, want %v", got, want)
	}

	defer func() {
		if recover() == nil {
			t.Error("alpha > 1 should panic")
		}
	}()
	Interpolate(a, b, 1.5)
}

func TestTruncate(t *testing.T) {
	m := make(map[int]float64)
	for id := 1; id <= 30; id++ {
		m[id] = 1.0 / 30
	}
	m[31] = 0.0001
	Truncate(FromTree(m), MaxModelSize, MinModelProb, MinSum)
	if len(m) != MaxModelSize {
		t.Fatalf("kept %d entries, want %d", len(m), MaxModelSize)
	}
	for id, v := range m {
		if v < MinModelProb {
			t.Errorf("entry %d = %v below minimum", id, v)
		}
		if id > 20 {
			t.Errorf("ties should keep smallest ids, kept %d", id)
		}
	}

	heavy := map[int]float64{1: 0.7, 2: 0.5, 3: 0.1}
	kept := TruncatePairs(FromTree(heavy), 20, 0.001, 1.0)
	if len(kept) != 2 {
		t.Errorf("should stop once mass reaches 1, kept %v", kept)
	}
}

func TestCosSim(t *testing.T) {
	a := map[int]float64{1: 1, 3: 2}
	b := map[int]float64{1: 2, 2: 5}
	if got := CosSim(a, a); math.Abs(got-1) > 1e-12 {
		t.Errorf("CosSim(a,a) = %v", got)
	}
	if CosSim(a, b) != CosSim(b, a) {
		t.Error("CosSim not symmetric")
	}
	if got := CosSim(map[int]float64{1: 1}, map[int]float64{2: 1}); got != 0 {
		t.Errorf("disjoint CosSim = %v", got)
	}
	if got := CosSim(a, nil); got != 0 {
		t.Errorf("empty CosSim = %v", got)
	}
	if got := CosSim(map[int]float64{1: 0}, a); got != 0 {
		t.Errorf("zero-norm CosSim = %v", got)
	}
}

func TestModelTextRoundTrip(t *testing.T) {
	terms := dict.New()
	apple := terms.ID("apple", true)
	pie := terms.ID("pie", true)
	m := map[int]float64{apple: 0.625, pie: 0.375}

	encoded := EncodeModel(FromTree(m), terms)
	if encoded != "apple\t0.625\npie\t0.375\n" {
		t.Fatalf("encoded = %q", encoded)
	}
	if got, skipped := DecodeModel(encoded, terms); !reflect.DeepEqual(got, m) || skipped != 0 {
		t.Errorf("decoded = %v (%d skipped), want %v", got, skipped, m)
	}

	got, skipped := DecodeModel("apple\t0.5\nunknown\t0.5\nbroken line\n\npie\tNaNx\npie\tNaN\n", terms)
	if !reflect.DeepEqual(got, map[int]float64{apple: 0.5}) {
		t.Errorf("decoded with junk = %v", got)
	}
	if skipped != 3 {
		t.Errorf("skipped = %d, want 3", skipped)
	}
}

func TestDocNameRoundTrip(t *testing.T) {
	name := DocName("3fa2b1", 7)
	if name != "3fa2b1_7" {
		t.Fatalf("DocName = %q", name)
	}
	id, pos := ParseDocName(name)
	if id != "3fa2b1" || pos != 7 {
		t.Errorf("ParseDocName = %q,%d", id, pos)
	}
	if id, pos := ParseDocName("abc_x"); id != "abc" || pos != 0 {
		t.Errorf("bad position parsed as %q,%d", id, pos)
	}
}
