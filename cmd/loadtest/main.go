package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Users       int
	Duration    time.Duration
	Queries     []string
}

// Stats accumulates per-operation latencies and status codes.
type Stats struct {
	totalRequests atomic.Int64
	errorCount    atomic.Int64

	mu          sync.Mutex
	latencies   map[string][]time.Duration
	statusCodes map[int]int64
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make(map[string][]time.Duration),
		statusCodes: make(map[int]int64),
	}
}

func (s *Stats) RecordRequest(op string, duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)
	if err != nil || statusCode >= 300 {
		s.errorCount.Add(1)
	}
	if err != nil {
		return
	}
	s.mu.Lock()
	s.latencies[op] = append(s.latencies[op], duration)
	s.statusCodes[statusCode]++
	s.mu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of ucaird")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	users := flag.Int("users", 50, "number of simulated users")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	flag.Parse()

	cfg := Config{
		BaseURL:     *baseURL,
		Concurrency: *concurrency,
		Users:       *users,
		Duration:    *duration,
		Queries: []string{
			"jaguar", "jaguar car", "jaguar habitat",
			"apple pie recipe", "apple stock price",
			"python tutorial", "python snake",
			"car insurance quote", "cheap flights paris",
			"weather tomorrow", "java coffee", "java programming",
		},
	}

	fmt.Println("=== UCAIR Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Users:       %d\n", cfg.Users)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Println()

	stats := runLoadTest(cfg)
	printReport(stats, cfg.Duration)
}

// client wraps the handful of API calls one simulated user makes.
type client struct {
	http  *http.Client
	base  string
	stats *Stats
}

func (c *client) do(ctx context.Context, op, method, path string, body, out any) bool {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			panic(fmt.Sprintf("encoding %s body: %v", op, err))
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		panic(fmt.Sprintf("creating request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			c.stats.RecordRequest(op, elapsed, 0, err)
		}
		return false
	}
	defer resp.Body.Close()
	c.stats.RecordRequest(op, elapsed, resp.StatusCode, nil)
	if out != nil && resp.StatusCode < 300 {
		return json.NewDecoder(resp.Body).Decode(out) == nil
	}
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 300
}

// session runs one search of a user: record it, click a result, then ask
// for a personalized reranking.
func (c *client) session(ctx context.Context, rng *rand.Rand, user, query string) {
	results := make([]map[string]any, 10)
	for i := range results {
		results[i] = map[string]any{
			"pos":     i + 1,
			"title":   fmt.Sprintf("%s result %d", query, i+1),
			"summary": fmt.Sprintf("page about %s number %d", query, rng.IntN(1000)),
			"url":     fmt.Sprintf("http://example.com/%d", rng.IntN(100000)),
		}
	}
	var created struct {
		SearchID string `json:"search_id"`
	}
	userPath := "/api/v1/users/" + url.PathEscape(user)
	if !c.do(ctx, "search", http.MethodPost, userPath+"/searches",
		map[string]any{"query": query, "results": results}, &created) {
		return
	}
	c.do(ctx, "event", http.MethodPost, userPath+"/events", map[string]any{
		"kind":       "click_result",
		"search_id":  created.SearchID,
		"result_pos": rng.IntN(10) + 1,
	}, nil)
	c.do(ctx, "rerank", http.MethodGet, userPath+"/searches/"+created.SearchID+"/rerank", nil, nil)
	if rng.IntN(10) == 0 {
		c.do(ctx, "topics", http.MethodGet, userPath+"/topics?refresh=true", nil, nil)
	}
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	c := &client{
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Concurrency * 2,
				MaxIdleConnsPerHost: cfg.Concurrency * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		base:  cfg.BaseURL,
		stats: stats,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(workerID), 42))
			for ctx.Err() == nil {
				user := fmt.Sprintf("loadtest-%d", rng.IntN(cfg.Users))
				c.session(ctx, rng, user, cfg.Queries[rng.IntN(len(cfg.Queries))])
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalRequests.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Errors:          %d\n", errors)
	if total > 0 {
		fmt.Printf("Error Rate:      %.2f%%\n", float64(errors)/float64(total)*100)
		fmt.Printf("Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()

	fmt.Println()
	fmt.Println("=== Latency ===")
	fmt.Printf("%-8s %8s %10s %10s %10s %10s %10s\n", "OP", "COUNT", "AVG", "P50", "P95", "P99", "MAX")
	for _, op := range []string{"search", "event", "rerank", "topics"} {
		latencies := slices.Clone(stats.latencies[op])
		if len(latencies) == 0 {
			continue
		}
		slices.Sort(latencies)
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		fmt.Printf("%-8s %8d %10s %10s %10s %10s %10s\n", op, len(latencies),
			sum/time.Duration(len(latencies)),
			percentile(latencies, 50), percentile(latencies, 95), percentile(latencies, 99),
			latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, stats.statusCodes[code])
	}

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is ucaird running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
