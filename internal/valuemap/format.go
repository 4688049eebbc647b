package valuemap

import (
	"math"
	"strconv"
	"strings"
)

// ModelPrecision is the number of decimals persisted models carry.
const ModelPrecision = 3

// Names resolves ids to strings and back. *dict.Dict satisfies it.
type Names interface {
	ID(name string, insert bool) int
	Name(id int) string
}

// NamedValue is a Pair whose id has been resolved to its name.
type NamedValue struct {
	Name  string
	Value float64
}

// Format writes one "name\tvalue\n" line per entry with fixed precision.
func Format(values []NamedValue, precision int) string {
	var b strings.Builder
	for _, nv := range values {
		b.WriteString(nv.Name)
		b.WriteByte('\t')
		b.WriteString(strconv.FormatFloat(nv.Value, 'f', precision, 64))
		b.WriteByte('\n')
	}
	return b.String()
}

// Parse reads the output of Format. Lines without a tab or with an
// unparsable value are skipped and counted. Blank lines are ignored.
func Parse(s string) (out []NamedValue, skipped int) {
	for line := range strings.Lines(s) {
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, "\t")
		if !ok {
			skipped++
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			skipped++
			continue
		}
		out = append(out, NamedValue{Name: name, Value: v})
	}
	return out, skipped
}

// ToNames resolves m's ids through names, dropping ids without a name.
func ToNames(m Map, names Names) []NamedValue {
	out := make([]NamedValue, 0, m.Len())
	for id, v := range m.All() {
		if name := names.Name(id); name != "" {
			out = append(out, NamedValue{Name: name, Value: v})
		}
	}
	return out
}

// FromNames clears m and fills it from values. Unknown names are added to
// names when insert is set and dropped otherwise.
func FromNames(values []NamedValue, m Map, names Names, insert bool) {
	m.Clear()
	for _, nv := range values {
		if id := names.ID(nv.Name, insert); id > 0 {
			m.Set(id, nv.Value, false)
		}
	}
}

// EncodeModel renders a term-probability map in the persisted text format,
// highest probability first.
func EncodeModel(m Map, terms Names) string {
	sorted := SortByValue(m)
	return Format(ToNames(FromPairs(&sorted), terms), ModelPrecision)
}

// DecodeModel parses the persisted text format. Terms missing from terms
// are dropped; malformed lines are dropped and counted in skipped.
func DecodeModel(s string, terms Names) (probs map[int]float64, skipped int) {
	values, skipped := Parse(s)
	probs = make(map[int]float64)
	FromNames(values, FromTree(probs), terms, false)
	return probs, skipped
}

// DocName names the document for result pos of a search.
func DocName(searchID string, pos int) string {
	return searchID + "_" + strconv.Itoa(pos)
}

// ParseDocName splits a DocName at its first underscore. The position is 0
// when it does not parse.
func ParseDocName(name string) (searchID string, pos int) {
	searchID, rest, ok := strings.Cut(name, "_")
	if !ok {
		return "", 0
	}
	pos, err := strconv.Atoi(rest)
	if err != nil {
		pos = 0
	}
	return searchID, pos
}
