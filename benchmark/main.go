// Package main provides a benchmark tool for echarts-server to measure
// chart-submission throughput and end-to-end processing time against a
// running instance.
//
// Usage:
//
//	go run benchmark/main.go -tasks 1000 -url http://localhost:3000
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var chartOption = []byte(`{"series":[{"type":"bar","data":[1,2,3]}]}`)

func main() {
	numTasks := flag.Int("tasks", 1000, "Number of chart-generation requests to submit")
	numWorkers := flag.Int("workers", 10, "Number of concurrent submitters")
	baseURL := flag.String("url", "http://localhost:3000", "Base URL of the running server")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	ctx := context.Background()

	fmt.Printf("echarts-server Benchmark\n")
	fmt.Printf("========================\n")
	fmt.Printf("Requests to submit: %d\n", *numTasks)
	fmt.Printf("Concurrent submitters: %d\n\n", *numWorkers)

	fmt.Printf("Starting submission phase...\n")
	startSubmit := time.Now()

	var wg sync.WaitGroup
	var submitted, failed atomic.Int64
	tasksPerWorker := *numTasks / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		n := tasksPerWorker
		if i < *numTasks%*numWorkers {
			n++
		}
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < n; j++ {
				if err := submitChart(ctx, client, *baseURL); err != nil {
					failed.Add(1)
					continue
				}
				submitted.Add(1)
			}
		}(n)
	}
	wg.Wait()
	submitTime := time.Since(startSubmit)

	fmt.Printf("Submitted %d requests (%d failed) in %s\n", submitted.Load(), failed.Load(), submitTime)
	fmt.Printf("  Throughput: %.2f req/sec\n\n", float64(submitted.Load())/submitTime.Seconds())

	fmt.Printf("Waiting for the queue to drain...\n")
	startProcess := time.Now()

	for {
		pending, processing, err := queueDepths(ctx, client, *baseURL)
		if err != nil {
			fmt.Printf("  Error polling queue status: %v\n", err)
			time.Sleep(2 * time.Second)
			continue
		}
		if pending == 0 && processing == 0 {
			break
		}
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: pending=%d processing=%d\n", pending, processing)
	}

	processTime := time.Since(startProcess)
	fmt.Printf("\nQueue drained in %s\n", processTime)

	total := submitTime + processTime
	fmt.Printf("\nTotal time: %s\n", total)
	fmt.Printf("Overall throughput: %.2f req/sec\n", float64(submitted.Load())/total.Seconds())
}

func submitChart(ctx context.Context, client *http.Client, baseURL string) error {
	body, _ := json.Marshal(map[string]interface{}{
		"type":   "png",
		"width":  600,
		"height": 400,
		"option": json.RawMessage(chartOption),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/charts/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func queueDepths(ctx context.Context, client *http.Client, baseURL string) (pending, processing int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/system/queue-status", nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Data struct {
			PendingCount    int `json:"pendingCount"`
			ProcessingCount int `json:"processingCount"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return 0, 0, err
	}
	return envelope.Data.PendingCount, envelope.Data.ProcessingCount, nil
}
