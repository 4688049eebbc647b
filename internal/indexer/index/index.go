// Package index is an in-memory inverted index of weighted term vectors.
// Postings are kept both per document and per term and are built once, at
// insertion time. An Index has no lock; callers serialize access per user.
package index

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/talkware/ucair/internal/textproc/dict"
	"github.com/talkware/ucair/internal/valuemap"
)

// DocInfo is the term vector of one document.
type DocInfo struct {
	Length float64
	Terms  []valuemap.Pair
}

// TermInfo is the postings list of one term.
type TermInfo struct {
	Docs []valuemap.Pair
}

// TermEntry pairs a term id with its postings, as returned by Snapshot.
type TermEntry struct {
	TermID int
	Docs   []valuemap.Pair
}

// Index maps document names to dense ids via a private dictionary. The term
// dictionary is shared with other indices and is never modified here.
type Index struct {
	terms    *dict.Dict
	docs     *dict.Dict
	docInfos []DocInfo
	termInfo map[int]*TermInfo
	termIDs  *roaring.Bitmap
}

func New(terms *dict.Dict) *Index {
	return &Index{
		terms:    terms,
		docs:     dict.New(),
		docInfos: make([]DocInfo, 1), // slot 0 is never a document
		termInfo: make(map[int]*TermInfo),
		termIDs:  roaring.New(),
	}
}

// AddDocument indexes termCounts under name. It returns false without
// touching the index when name is already present.
func (x *Index) AddDocument(name string, termCounts valuemap.Map) bool {
	if x.docs.ID(name, false) > 0 {
		return false
	}
	docID := x.docs.ID(name, true)

	var info DocInfo
	for termID, count := range termCounts.All() {
		info.Length += count
		info.Terms = append(info.Terms, valuemap.Pair{ID: termID, Value: count})

		ti, ok := x.termInfo[termID]
		if !ok {
			ti = &TermInfo{}
			x.termInfo[termID] = ti
			x.termIDs.Add(uint32(termID))
		}
		ti.Docs = append(ti.Docs, valuemap.Pair{ID: docID, Value: count})
	}
	x.docInfos = append(x.docInfos, info)
	return true
}

func (x *Index) DocCount() int {
	return len(x.docInfos) - 1
}

func (x *Index) TermCount() int {
	return int(x.termIDs.GetCardinality())
}

func (x *Index) checkDoc(docID int) {
	if docID < 1 || docID > x.DocCount() {
		panic(fmt.Sprintf("index: doc id %d out of range [1, %d]", docID, x.DocCount()))
	}
}

// DocLength is the sum of the term weights of docID.
func (x *Index) DocLength(docID int) float64 {
	x.checkDoc(docID)
	return x.docInfos[docID].Length
}

// TermList returns the term vector of docID. The slice is owned by the index.
func (x *Index) TermList(docID int) []valuemap.Pair {
	x.checkDoc(docID)
	return x.docInfos[docID].Terms
}

// DocList returns the postings of termID. The slice is owned by the index.
func (x *Index) DocList(termID int) ([]valuemap.Pair, bool) {
	ti, ok := x.termInfo[termID]
	if !ok {
		return nil, false
	}
	return ti.Docs, true
}

// DocID returns the id of a document name, or 0.
func (x *Index) DocID(name string) int {
	return x.docs.ID(name, false)
}

func (x *Index) DocDict() *dict.Dict {
	return x.docs
}

func (x *Index) TermDict() *dict.Dict {
	return x.terms
}

// Snapshot lists every term's postings in ascending term id order.
func (x *Index) Snapshot() []TermEntry {
	entries := make([]TermEntry, 0, x.TermCount())
	it := x.termIDs.Iterator()
	for it.HasNext() {
		termID := int(it.Next())
		entries = append(entries, TermEntry{TermID: termID, Docs: x.termInfo[termID].Docs})
	}
	return entries
}

// Clear drops every document and posting. The term dictionary is untouched.
func (x *Index) Clear() {
	x.docs.Clear()
	x.docInfos = x.docInfos[:1]
	x.termInfo = make(map[int]*TermInfo)
	x.termIDs.Clear()
}

// TermCounter turns text into term id counts.
type TermCounter interface {
	Count(text string, insert bool) map[int]float64
}

// IndexDocument counts the terms of title and summary and adds them under
// name, unless name is already indexed.
func IndexDocument(x *Index, name, title, summary string, counter TermCounter) {
	if x.DocID(name) > 0 {
		return
	}
	counts := counter.Count(title+" "+summary, true)
	x.AddDocument(name, valuemap.FromTree(counts))
}
