// Package colstats loads the background collection statistics that smooth
// every document and search model. The file's first line is
// "unique_term_count\ttotal_term_count"; each following line is
// "term\tcount".
package colstats

import (
	"bufio"
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/talkware/ucair/internal/textproc/dict"
)

// Stats is the raw content of a statistics file.
type Stats struct {
	Unique int64
	Total  int64
	Counts map[string]int64
}

// Read parses a statistics file. A missing or malformed header is an error;
// malformed term lines are skipped.
func Read(r io.Reader) (*Stats, error) {
	logger := slog.Default().With("component", "colstats")
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("reading collection stats header: %w", err)
		}
		return nil, fmt.Errorf("collection stats: empty input")
	}
	uniqueStr, totalStr, ok := strings.Cut(strings.TrimRight(sc.Text(), " \t\r"), "\t")
	if !ok {
		return nil, fmt.Errorf("collection stats: header %q has no tab", sc.Text())
	}
	unique, err := strconv.ParseInt(strings.TrimSpace(uniqueStr), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("collection stats: parsing unique term count: %w", err)
	}
	total, err := strconv.ParseInt(strings.TrimSpace(totalStr), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("collection stats: parsing total term count: %w", err)
	}
	if unique+total <= 0 {
		return nil, fmt.Errorf("collection stats: empty collection (%d unique, %d total)", unique, total)
	}

	st := &Stats{Unique: unique, Total: total, Counts: make(map[string]int64)}
	lineNo := 1
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), " \t\r")
		if line == "" {
			continue
		}
		term, countStr, ok := strings.Cut(line, "\t")
		if !ok {
			logger.Warn("skipping stats line without tab", "line", lineNo)
			continue
		}
		count, err := strconv.ParseInt(strings.TrimSpace(countStr), 10, 64)
		if err != nil {
			logger.Warn("skipping stats line with bad count", "line", lineNo, "error", err)
			continue
		}
		st.Counts[term] = count
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading collection stats: %w", err)
	}
	return st, nil
}

// Truncate keeps the n most frequent terms. Ties keep the smaller term.
func (s *Stats) Truncate(n int) {
	if len(s.Counts) <= n {
		return
	}
	terms := s.sortedByCount()
	for _, term := range terms[n:] {
		delete(s.Counts, term)
	}
}

func (s *Stats) sortedByCount() []string {
	terms := make([]string, 0, len(s.Counts))
	for term := range s.Counts {
		terms = append(terms, term)
	}
	slices.SortFunc(terms, func(a, b string) int {
		if c := cmp.Compare(s.Counts[b], s.Counts[a]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return terms
}

// Write emits the statistics file with terms in lexical order.
func (s *Stats) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d\t%d\n", s.Unique, s.Total)
	terms := make([]string, 0, len(s.Counts))
	for term := range s.Counts {
		terms = append(terms, term)
	}
	slices.Sort(terms)
	for _, term := range terms {
		fmt.Fprintf(bw, "%s\t%d\n", term, s.Counts[term])
	}
	return bw.Flush()
}

// Add accumulates one document's term counts into the statistics.
func (s *Stats) Add(terms []string) {
	if s.Counts == nil {
		s.Counts = make(map[string]int64)
	}
	for _, term := range terms {
		if s.Counts[term] == 0 {
			s.Unique++
		}
		s.Counts[term]++
		s.Total++
	}
}

// Collection gives the smoothed background probability of a term. It is
// immutable once built and safe for concurrent reads.
type Collection struct {
	probs       map[int]float64
	defaultProb float64
}

// New resolves s through terms, inserting every listed term.
func New(s *Stats, terms *dict.Dict) *Collection {
	denom := float64(s.Total + s.Unique)
	c := &Collection{
		probs:       make(map[int]float64, len(s.Counts)),
		defaultProb: 1 / denom,
	}
	for term, count := range s.Counts {
		c.probs[terms.ID(term, true)] = (float64(count) + 1) / denom
	}
	return c
}

// Load reads a statistics file and resolves it through terms.
func Load(r io.Reader, terms *dict.Dict) (*Collection, error) {
	s, err := Read(r)
	if err != nil {
		return nil, err
	}
	return New(s, terms), nil
}

func LoadFile(path string, terms *dict.Dict) (*Collection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening collection stats: %w", err)
	}
	defer f.Close()
	return Load(f, terms)
}

// Uniform returns a collection that assigns p to every term.
func Uniform(p float64) *Collection {
	return &Collection{probs: map[int]float64{}, defaultProb: p}
}

func (c *Collection) Prob(termID int) float64 {
	if p, ok := c.probs[termID]; ok {
		return p
	}
	return c.defaultProb
}

func (c *Collection) DefaultProb() float64 {
	return c.defaultProb
}

// Probs returns a copy of the explicit term probabilities.
func (c *Collection) Probs() map[int]float64 {
	out := make(map[int]float64, len(c.probs))
	for id, p := range c.probs {
		out[id] = p
	}
	return out
}

func (c *Collection) Len() int {
	return len(c.probs)
}
