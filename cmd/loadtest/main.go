// Command loadtest fires concurrent reservation traffic at the proxy and
// reports latency percentiles, mirroring the load the system is sized for.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type result struct {
	status  int
	latency time.Duration
	err     error
}

func main() {
	target := flag.String("target", "http://localhost:8000", "proxy base URL")
	users := flag.Int("users", 10, "concurrent clients")
	requests := flag.Int("requests", 100, "total reservation requests")
	userID := flag.String("user", "USR001", "user_id to reserve under")
	isbn := flag.String("isbn", "978-0134685991", "isbn to reserve")
	flag.Parse()

	payload, _ := json.Marshal(map[string]string{
		"user_id": *userID,
		"isbn":    *isbn,
	})

	client := &http.Client{Timeout: 10 * time.Second}
	results := make([]result, *requests)

	var next atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()

	for w := 0; w < *users; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1)) - 1
				if i >= *requests {
					return
				}
				t0 := time.Now()
				resp, err := client.Post(*target+"/reservations", "application/json", bytes.NewReader(payload))
				r := result{latency: time.Since(t0), err: err}
				if err == nil {
					r.status = resp.StatusCode
					io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
				}
				results[i] = r
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	statuses := map[int]int{}
	var failed int
	latencies := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			failed++
			continue
		}
		statuses[r.status]++
		latencies = append(latencies, r.latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Printf("Sent %d requests with %d clients in %s (%.1f req/s)\n",
		*requests, *users, elapsed.Round(time.Millisecond),
		float64(*requests)/elapsed.Seconds())
	for code, n := range statuses {
		fmt.Printf("  HTTP %d: %d\n", code, n)
	}
	if failed > 0 {
		fmt.Printf("  transport errors: %d\n", failed)
	}
	if len(latencies) > 0 {
		fmt.Printf("latency p50=%s p95=%s p99=%s max=%s\n",
			pct(latencies, 0.50), pct(latencies, 0.95), pct(latencies, 0.99),
			latencies[len(latencies)-1].Round(time.Millisecond))
	}

	if failed == len(results) {
		os.Exit(1)
	}
}

func pct(sorted []time.Duration, q float64) time.Duration {
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].Round(time.Millisecond)
}
