package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"TileServer/internal/domain"
	"TileServer/internal/platform/client"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type RequestResult struct {
	Duration time.Duration
	Hits     int
	TimedOut bool
	Err      error
}

type BenchmarkStats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	TimeoutRequests    int64
	ErrorRequests      int64
	TotalHits          int64
	ResponseTimes      []time.Duration
	StartTime          time.Time
	EndTime            time.Time
	mu                 sync.Mutex
}

func (b *BenchmarkStats) AddResult(result RequestResult) {
	atomic.AddInt64(&b.TotalRequests, 1)
	switch {
	case result.TimedOut:
		atomic.AddInt64(&b.TimeoutRequests, 1)
	case result.Err != nil:
		atomic.AddInt64(&b.ErrorRequests, 1)
	default:
		atomic.AddInt64(&b.SuccessfulRequests, 1)
		atomic.AddInt64(&b.TotalHits, int64(result.Hits))
	}

	b.mu.Lock()
	b.ResponseTimes = append(b.ResponseTimes, result.Duration)
	b.mu.Unlock()
}

func (b *BenchmarkStats) Percentiles() map[string]time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ResponseTimes) == 0 {
		return map[string]time.Duration{}
	}
	sort.Slice(b.ResponseTimes, func(i, j int) bool { return b.ResponseTimes[i] < b.ResponseTimes[j] })
	at := func(q float64) time.Duration { return b.ResponseTimes[int(float64(len(b.ResponseTimes)-1)*q)] }
	return map[string]time.Duration{"p50": at(0.50), "p90": at(0.90), "p95": at(0.95), "p99": at(0.99), "p999": at(0.999)}
}

func (b *BenchmarkStats) RPS() float64 {
	d := b.EndTime.Sub(b.StartTime).Seconds()
	if d == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&b.TotalRequests)) / d
}

func (b *BenchmarkStats) SuccessRate() float64 {
	total := atomic.LoadInt64(&b.TotalRequests)
	if total == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&b.SuccessfulRequests)) / float64(total) * 100
}

// randomQuery draws bases uniformly; with a random reference most queries
// return no hits, which still exercises the full search path.
func randomQuery(r *rand.Rand, id, n, length int) domain.Sequence {
	bases := make([]byte, length)
	for i := range bases {
		bases[i] = "ACGT"[r.Intn(4)]
	}
	return domain.NewSequence(fmt.Sprintf("bench_%d_%d", id, n), bases)
}

func worker(ctx context.Context, id int, host string, port int, length int, timeout time.Duration, stats *BenchmarkStats, log *logrus.Logger) error {
	policy := client.DefaultRetryPolicy()
	sess, err := client.Connect(ctx, host, port, policy, log)
	if err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}
	defer func() { _ = sess.Close() }()

	r := rand.New(rand.NewSource(int64(id)))
	for n := 0; ctx.Err() == nil; n++ {
		start := time.Now()
		hits, err := sess.Query(ctx, randomQuery(r, id, n, length), timeout, client.QueryOptions{})
		if ctx.Err() != nil {
			break
		}
		stats.AddResult(RequestResult{
			Duration: time.Since(start),
			Hits:     len(hits),
			TimedOut: errors.Is(err, domain.ErrQueryTimeout),
			Err:      err,
		})
		if err != nil {
			var serverErr *client.ServerError
			if errors.As(err, &serverErr) {
				continue
			}
			// The session is gone after a transport failure or timeout.
			if sess, err = client.Connect(ctx, host, port, policy, log); err != nil {
				return fmt.Errorf("worker %d: %w", id, err)
			}
		}
	}
	log.Debugf("worker %d completed", id)
	return nil
}

func printResults(stats *BenchmarkStats) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("BENCHMARK RESULTS")
	fmt.Println(strings.Repeat("=", 60))

	fmt.Printf("Duration: %v\n", stats.EndTime.Sub(stats.StartTime))
	fmt.Printf("Total Requests: %s\n", humanize.Comma(stats.TotalRequests))
	fmt.Printf("Successful Requests: %s\n", humanize.Comma(stats.SuccessfulRequests))
	fmt.Printf("Failed Requests: %d\n", stats.ErrorRequests)
	fmt.Printf("Timeout Requests: %d\n", stats.TimeoutRequests)
	fmt.Printf("Hits Returned: %s\n", humanize.Comma(stats.TotalHits))
	fmt.Printf("Success Rate: %.2f%%\n", stats.SuccessRate())
	fmt.Printf("RPS: %.2f\n", stats.RPS())

	fmt.Println("\nRESPONSE TIME PERCENTILES:")
	percentiles := stats.Percentiles()
	for _, p := range []string{"p50", "p90", "p95", "p99", "p999"} {
		if d, ok := percentiles[p]; ok {
			fmt.Printf("%s: %v\n", p, d)
		}
	}

	if len(stats.ResponseTimes) > 0 {
		var sum time.Duration
		for _, rt := range stats.ResponseTimes {
			sum += rt
		}
		avg := sum / time.Duration(len(stats.ResponseTimes))
		var variance float64
		for _, rt := range stats.ResponseTimes {
			diff := float64(rt - avg)
			variance += diff * diff
		}
		variance /= float64(len(stats.ResponseTimes))

		fmt.Printf("\nSTATISTICS:\n")
		fmt.Printf("Average Response Time: %v\n", avg)
		fmt.Printf("Standard Deviation: %v\n", time.Duration(math.Sqrt(variance)))
		fmt.Printf("Min Response Time: %v\n", stats.ResponseTimes[0])
		fmt.Printf("Max Response Time: %v\n", stats.ResponseTimes[len(stats.ResponseTimes)-1])
	}
	fmt.Println(strings.Repeat("=", 60))
}

func main() {
	var (
		host      = flag.String("host", "127.0.0.1", "tile server host")
		port      = flag.Int("port", 65000, "tile server query port")
		workers   = flag.Int("workers", 10, "concurrent sessions")
		duration  = flag.Duration("duration", 30*time.Second, "test duration")
		timeout   = flag.Duration("timeout", 5*time.Second, "per-query timeout")
		length    = flag.Int("length", 200, "query length in bases")
		reportInt = flag.Duration("report", 5*time.Second, "report interval during test")
	)
	flag.Parse()

	log := logrus.New()
	fmt.Printf("Starting benchmark with %d workers for %v against %s:%d\n", *workers, *duration, *host, *port)

	stats := &BenchmarkStats{StartTime: time.Now()}
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	go func() {
		ticker := time.NewTicker(*reportInt)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				elapsed := now.Sub(stats.StartTime).Seconds()
				total := atomic.LoadInt64(&stats.TotalRequests)
				fmt.Printf("[%.0fs] Requests: %d | RPS: %.2f | Success: %.2f%% | Timeouts: %d\n",
					elapsed, total, float64(total)/elapsed, stats.SuccessRate(), atomic.LoadInt64(&stats.TimeoutRequests))
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *workers; i++ {
		id := i
		g.Go(func() error { return worker(gctx, id, *host, *port, *length, *timeout, stats, log) })
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("benchmark aborted")
	}
	stats.EndTime = time.Now()
	printResults(stats)
}
