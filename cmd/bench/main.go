package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"slices"
	"sync"
	"time"

	"bboxkv/pkg/client"
	"bboxkv/pkg/types"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	P99Latency    time.Duration
	MaxLatency    time.Duration
}

type recorder struct {
	mu        sync.Mutex
	latencies []time.Duration
	failed    int
}

func (r *recorder) observe(d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies = append(r.latencies, d)
	if err != nil {
		r.failed++
	}
}

func (r *recorder) result(total int, elapsed time.Duration) BenchmarkResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := BenchmarkResult{
		TotalOps:      total,
		SuccessfulOps: total - r.failed,
		FailedOps:     r.failed,
		Duration:      elapsed,
		OpsPerSec:     float64(total-r.failed) / elapsed.Seconds(),
	}
	if len(r.latencies) == 0 {
		return res
	}
	sorted := slices.Clone(r.latencies)
	slices.Sort(sorted)
	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	res.AvgLatency = sum / time.Duration(len(sorted))
	res.P99Latency = sorted[len(sorted)*99/100]
	res.MaxLatency = sorted[len(sorted)-1]
	return res
}

func main() {
	var (
		baseURL     = flag.String("url", "http://localhost:8080", "node base URL")
		table       = flag.String("table", "bench", "table to write into")
		ops         = flag.Int("ops", 10_000, "operations per phase")
		concurrency = flag.Int("concurrency", 10, "parallel requests")
		dims        = flag.Int("dims", 2, "dimensions of the generated boxes")
		valueSize   = flag.Int("value-size", 128, "value size in bytes")
	)
	flag.Parse()

	c := client.New(*baseURL)
	ctx := context.Background()

	fmt.Println("=== bboxkv benchmark ===")
	fmt.Printf("Target: %s, table %s\n\n", *baseURL, *table)

	if err := c.Health(ctx); err != nil {
		fmt.Printf("ERROR: node %s is not available: %v\n", *baseURL, err)
		os.Exit(1)
	}

	name := types.TableName(*table)
	value := make([]byte, *valueSize)

	fmt.Printf("Test 1: writes (%d operations, %d workers)\n", *ops, *concurrency)
	printResult(runPhase(*ops, *concurrency, func(i int, rng *rand.Rand) error {
		return c.Put(ctx, name, types.Tuple{
			Key:   fmt.Sprintf("bench_key_%08d", i),
			Box:   randomBox(rng, *dims, 1),
			Value: value,
		})
	}))

	fmt.Printf("\nTest 2: point reads (%d operations, %d workers)\n", *ops, *concurrency)
	printResult(runPhase(*ops, *concurrency, func(i int, rng *rand.Rand) error {
		_, err := c.Get(ctx, name, fmt.Sprintf("bench_key_%08d", rng.Intn(*ops)))
		return err
	}))

	if err := c.Flush(ctx, name, true); err != nil {
		fmt.Printf("ERROR: flush: %v\n", err)
		os.Exit(1)
	}

	queries := max(*ops/100, 1)
	fmt.Printf("\nTest 3: range queries after flush (%d operations, %d workers)\n", queries, *concurrency)
	printResult(runPhase(queries, *concurrency, func(i int, rng *rand.Rand) error {
		_, err := c.Query(ctx, name, randomBox(rng, *dims, 50))
		return err
	}))

	fmt.Println("\n=== Benchmark Complete ===")
}

func randomBox(rng *rand.Rand, dims int, extent float64) types.Hyperrectangle {
	intervals := make([]types.Interval, dims)
	for d := range intervals {
		lo := rng.Float64() * 1000
		intervals[d] = types.Interval{Min: lo, Max: lo + rng.Float64()*extent}
	}
	box, _ := types.NewHyperrectangle(intervals...)
	return box
}

func runPhase(total, concurrency int, op func(i int, rng *rand.Rand) error) BenchmarkResult {
	var rec recorder
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(concurrency)
	for w := 0; w < concurrency; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w)))
			for i := w; i < total; i += concurrency {
				opStart := time.Now()
				err := op(i, rng)
				if errors.Is(err, client.ErrNotFound) {
					err = nil
				}
				rec.observe(time.Since(opStart), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return rec.result(total, time.Since(start))
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %s\n", humanize.Comma(int64(result.TotalOps)))
	fmt.Printf("  Successful: %s\n", humanize.Comma(int64(result.SuccessfulOps)))
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
