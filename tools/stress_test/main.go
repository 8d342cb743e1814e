package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/VanDung-dev/quorum-engine/api"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Address        string
	Concurrency    int
	RequestCount   int
	Duration       time.Duration
	RequestTimeout time.Duration
	Target         string
	AuthToken      string
	ReportFile     string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
}

func main() {
	config := parseFlags()

	fmt.Println("=== Quorum Propose Stress Test ===")
	fmt.Printf("Target: %s\n", config.Address)
	fmt.Printf("Proposal: %s\n", config.Target)
	fmt.Printf("Concurrency: %d workers\n", config.Concurrency)
	if config.RequestCount > 0 {
		fmt.Printf("Requests: %d\n", config.RequestCount)
	} else {
		fmt.Printf("Duration: %v\n", config.Duration)
	}
	fmt.Printf("Auth: %v\n", config.AuthToken != "")
	fmt.Println()

	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if config.AuthToken != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(api.TokenCredentials{Token: config.AuthToken}))
	}
	conn, err := grpc.NewClient(config.Address, opts...)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer conn.Close()

	result := runStressTest(config, api.NewAdminClient(conn))

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.StringVar(&config.Address, "addr", "127.0.0.1:7101", "Admin API address")
	flag.IntVar(&config.Concurrency, "c", 10, "Number of concurrent workers")
	flag.IntVar(&config.RequestCount, "n", 0, "Total number of requests (0 = unlimited, use -d instead)")
	flag.DurationVar(&config.Duration, "d", 30*time.Second, "Duration of test")
	flag.DurationVar(&config.RequestTimeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.StringVar(&config.Target, "state", "running", "State to propose on every request")
	flag.StringVar(&config.AuthToken, "token", os.Getenv(api.EnvAuthToken), "Authentication token")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	return config
}

func runStressTest(config StressTestConfig, client *api.AdminClient) StressTestResult {
	var (
		totalReqs    int64
		successReqs  int64
		failedReqs   int64
		totalLatency int64
		minLatency   int64 = 1<<63 - 1
		maxLatency   int64
		issued       int64
		wg           sync.WaitGroup
		stopChan     = make(chan struct{})
		stopOnce     sync.Once
	)
	stop := func() { stopOnce.Do(func() { close(stopChan) }) }

	// take reserves one request slot; false once -n is exhausted.
	take := func() bool {
		if config.RequestCount <= 0 {
			return true
		}
		if atomic.AddInt64(&issued, 1) > int64(config.RequestCount) {
			stop()
			return false
		}
		return true
	}

	startTime := time.Now()

	// Start workers
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(workerID, config, client, stopChan, take, &totalReqs, &successReqs, &failedReqs, &totalLatency, &minLatency, &maxLatency)
		}(i)
	}

	if config.RequestCount <= 0 {
		time.Sleep(config.Duration)
		stop()
	}
	wg.Wait()

	duration := time.Since(startTime)
	total := atomic.LoadInt64(&totalReqs)
	success := atomic.LoadInt64(&successReqs)
	failed := atomic.LoadInt64(&failedReqs)
	latencySum := atomic.LoadInt64(&totalLatency)
	minLat := atomic.LoadInt64(&minLatency)
	maxLat := atomic.LoadInt64(&maxLatency)

	var avgLatency time.Duration
	if success > 0 {
		avgLatency = time.Duration(latencySum / success)
	} else {
		minLat = 0
	}

	return StressTestResult{
		TotalRequests:  total,
		SuccessfulReqs: success,
		FailedReqs:     failed,
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(minLat),
		MaxLatency:     time.Duration(maxLat),
		RequestsPerSec: float64(total) / duration.Seconds(),
	}
}

func runWorker(id int, config StressTestConfig, client *api.AdminClient, stop chan struct{}, take func() bool, totalReqs, successReqs, failedReqs, totalLatency, minLatency, maxLatency *int64) {
	for {
		select {
		case <-stop:
			return
		default:
			if !take() {
				return
			}
			latency, err := sendProposal(config, client)
			atomic.AddInt64(totalReqs, 1)

			if err != nil {
				atomic.AddInt64(failedReqs, 1)
				if atomic.LoadInt64(failedReqs) == 1 {
					log.Printf("worker %d: first failure: %v", id, err)
				}
				// Small sleep on error to avoid hammering
				time.Sleep(10 * time.Millisecond)
			} else {
				atomic.AddInt64(successReqs, 1)
				atomic.AddInt64(totalLatency, int64(latency))

				// Update min/max latency
				lat := int64(latency)
				for {
					old := atomic.LoadInt64(minLatency)
					if lat >= old || atomic.CompareAndSwapInt64(minLatency, old, lat) {
						break
					}
				}
				for {
					old := atomic.LoadInt64(maxLatency)
					if lat <= old || atomic.CompareAndSwapInt64(maxLatency, old, lat) {
						break
					}
				}
			}
		}
	}
}

// sendProposal proposes config.Target and waits for the commit.
func sendProposal(config StressTestConfig, client *api.AdminClient) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), config.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Propose(ctx, config.Target)
	latency := time.Since(start)
	if err != nil {
		return 0, err
	}
	if got := resp.GetFields()["status"].GetStringValue(); got != "committed" {
		return 0, fmt.Errorf("proposal not committed: %s", got)
	}
	return latency, nil
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	if result.TotalRequests == 0 {
		return
	}
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, float64(result.SuccessfulReqs)/float64(result.TotalRequests)*100)
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, float64(result.FailedReqs)/float64(result.TotalRequests)*100)
	fmt.Printf("Commits/sec:     %.2f\n", result.RequestsPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"address":     config.Address,
			"state":       config.Target,
			"concurrency": config.Concurrency,
			"requests":    config.RequestCount,
			"duration":    config.Duration.String(),
		},
		"results": map[string]interface{}{
			"total_requests":   result.TotalRequests,
			"successful":       result.SuccessfulReqs,
			"failed":           result.FailedReqs,
			"requests_per_sec": result.RequestsPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
