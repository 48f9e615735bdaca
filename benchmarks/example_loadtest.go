//go:build ignore
// +build ignore

// Standalone load scenario driver for the Parley session engine.
// Run with: go run example_loadtest.go
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/parleyproto/parley-go/benchmarks"
)

func main() {
	fmt.Println("=== Parley Session Load Scenarios ===")

	fmt.Println("\n1. Light: 8 sessions, 250 operations each")
	drive("light", benchmarks.LoadTestConfig{
		Sessions:           8,
		RequestsPerSession: 250,
		Duration:           30 * time.Second,
		RampUpTime:         2 * time.Second,
		ReportInterval:     2 * time.Second,
		OperationMix:       benchmarks.OperationMix{Request: 70, Notification: 20, Ping: 10},
	})

	fmt.Println("\n2. Sustained: 24 sessions, 400 operations each")
	drive("sustained", benchmarks.LoadTestConfig{
		Sessions:           24,
		RequestsPerSession: 400,
		Duration:           time.Minute,
		RampUpTime:         5 * time.Second,
		ReportInterval:     5 * time.Second,
		OperationMix:       benchmarks.OperationMix{Request: 60, Notification: 30, Ping: 10},
	})

	fmt.Println("\n3. Burst: 48 sessions, unthrottled for 15s")
	burst := drive("burst", benchmarks.LoadTestConfig{
		Sessions:       48,
		Duration:       15 * time.Second,
		RampUpTime:     5 * time.Second,
		ReportInterval: 3 * time.Second,
		OperationMix:   benchmarks.OperationMix{Request: 80, Notification: 15, Ping: 5},
	})
	if burst.RequestsPerSecond < 1000 {
		fmt.Printf("WARNING: burst throughput only %.2f op/s\n", burst.RequestsPerSecond)
	}
	if burst.P95Latency > 100 {
		fmt.Printf("WARNING: burst P95 latency %.2fms\n", burst.P95Latency)
	}

	fmt.Println("\n4. Throttled: 12 sessions capped at 120 op/s")
	const limit = 120
	throttled := drive("throttled", benchmarks.LoadTestConfig{
		Sessions:           12,
		RequestsPerSession: 240,
		RateLimit:          limit,
		Duration:           time.Minute,
		RampUpTime:         2 * time.Second,
		ReportInterval:     5 * time.Second,
		OperationMix:       benchmarks.OperationMix{Request: 50, Notification: 40, Ping: 10},
	})
	// The pacer should hold the aggregate rate near the cap; allow 10%
	// slack for startup effects.
	if throttled.RequestsPerSecond > limit*1.1 {
		fmt.Printf("WARNING: rate cap exceeded: wanted ~%d op/s, measured %.2f op/s\n",
			limit, throttled.RequestsPerSecond)
	}
}

// drive runs one scenario to completion and prints its summary.
func drive(name string, cfg benchmarks.LoadTestConfig) *benchmarks.LoadTestResult {
	result, err := benchmarks.NewLoadTester(cfg).Run(context.Background())
	if err != nil {
		log.Fatalf("%s scenario failed: %v", name, err)
	}
	result.PrintResults()
	return result
}
