package retriever

import (
	"fmt"
	"testing"

	"github.com/talkware/ucair/internal/indexer/colstats"
	"github.com/talkware/ucair/internal/indexer/index"
	"github.com/talkware/ucair/internal/textproc/dict"
	"github.com/talkware/ucair/internal/valuemap"
)

// BenchmarkRetrieve scores a ten-term model against indexes the size of a
// short and a long user history.
func BenchmarkRetrieve(b *testing.B) {
	query := make(map[int]float64, 10)
	for t := 1; t <= 10; t++ {
		query[t] = 1.0 / float64(t)
	}
	r := New(colstats.Uniform(1e-4), 1)
	for _, numDocs := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("docs_%d", numDocs), func(b *testing.B) {
			x := index.New(dict.New())
			for i := 0; i < numDocs; i++ {
				x.AddDocument(fmt.Sprintf("d%d", i), valuemap.FromTree(map[int]float64{
					i%50 + 1:  2,
					i%7 + 1:   1,
					i%300 + 1: 3,
				}))
			}
			q := valuemap.FromTree(query)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = r.Retrieve(x, q)
			}
		})
	}
}
