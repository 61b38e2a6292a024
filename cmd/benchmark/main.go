// Benchmark tool for replaying labelled onboarding data against Kestrel.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/applications.csv -url http://localhost:8080
//
// This tool:
//  1. Reads onboarding submissions with a fraud label column
//  2. Sends each submission to Kestrel's POST /evaluate
//  3. Compares the decision (flagged, or flagged and pending_review with
//     -review-positive) with the label
//  4. Reports precision, recall, F1-score, a confusion matrix and the
//     status and model breakdown
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Row is one labelled submission from the CSV.
type Row struct {
	Line       int
	Submission map[string]any
	IsFraud    bool
}

// EvaluateResponse is the subset of Kestrel's evaluation used here.
type EvaluateResponse struct {
	ID      string `json:"id"`
	Outcome struct {
		Status      string  `json:"status"`
		RiskScore   int     `json:"riskScore"`
		FraudScore  float64 `json:"fraudScore"`
		FraudDetail struct {
			ModelType string `json:"modelType"`
		} `json:"fraudDetail"`
	} `json:"outcome"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud predicted positive
	FalsePositives int64 // Non-fraud predicted positive
	TrueNegatives  int64 // Non-fraud predicted negative
	FalseNegatives int64 // Fraud predicted negative (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64

	mu       sync.Mutex
	statuses map[string]int64
	models   map[string]int64
}

// Record adds one decision to the matrix.
func (m *Metrics) Record(actual bool, status, modelType string, reviewPositive bool) {
	if actual {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}

	predicted := isPositive(status, reviewPositive)
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}

	m.mu.Lock()
	if m.statuses == nil {
		m.statuses = make(map[string]int64)
		m.models = make(map[string]int64)
	}
	m.statuses[status]++
	m.models[modelType]++
	m.mu.Unlock()
}

// Precision, Recall, F1 and Accuracy report zero on an empty denominator.
func (m *Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

func (m *Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (m *Metrics) Accuracy() float64 {
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	return ratio(m.TruePositives+m.TrueNegatives, total)
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func isPositive(status string, reviewPositive bool) bool {
	return status == "flagged" || (reviewPositive && status == "pending_review")
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labelled onboarding CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	labelCol := flag.String("label", "is_fraud", "Name of the fraud label column")
	limit := flag.Int("limit", 10000, "Maximum submissions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	reviewPositive := flag.Bool("review-positive", false, "Count pending_review as a positive prediction")
	verbose := flag.Bool("verbose", false, "Print each submission result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/applications.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("=================================================================")
	fmt.Println("        KESTREL BENCHMARK - Onboarding Fraud Detection")
	fmt.Println("=================================================================")
	fmt.Printf("\nCSV File:        %s\n", *csvPath)
	fmt.Printf("Kestrel URL:     %s\n", *baseURL)
	fmt.Printf("Label Column:    %s\n", *labelCol)
	fmt.Printf("Workers:         %d\n", *workers)
	fmt.Printf("Limit:           %d\n", *limit)
	fmt.Printf("Review Positive: %v\n", *reviewPositive)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to open CSV: %v\n", err)
		os.Exit(1)
	}
	rows, err := readRows(file, *labelCol, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("ERROR: no rows to replay")
		os.Exit(1)
	}
	fmt.Printf("Loaded %d submissions\n", len(rows))

	fraudCount := 0
	for _, r := range rows {
		if r.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(rows)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(rows)-fraudCount, 100*float64(len(rows)-fraudCount)/float64(len(rows)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(rows, *baseURL, *workers, *reviewPositive, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readRows parses a CSV whose header names submission fields. Every column
// except the label becomes a submission field; empty cells are omitted.
func readRows(r io.Reader, labelCol string, limit int) ([]Row, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	labelIdx := -1
	for i, col := range header {
		header[i] = strings.TrimSpace(col)
		if strings.EqualFold(header[i], labelCol) {
			labelIdx = i
		}
	}
	if labelIdx < 0 {
		return nil, fmt.Errorf("label column %q not found", labelCol)
	}

	var rows []Row
	line := 1
	for {
		record, err := reader.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		sub := make(map[string]any, len(record))
		for i, cell := range record {
			if i == labelIdx || i >= len(header) {
				continue
			}
			if v, ok := parseCell(cell); ok {
				sub[header[i]] = v
			}
		}

		rows = append(rows, Row{
			Line:       line,
			Submission: sub,
			IsFraud:    parseLabel(record[labelIdx]),
		})

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, nil
}

// parseCell reads booleans and numbers; everything else stays a string.
func parseCell(cell string) (any, bool) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil, false
	}
	switch strings.ToLower(cell) {
	case "true", "yes":
		return true, true
	case "false", "no":
		return false, true
	}
	// Leading zeros (zip codes, tax ids) are identifiers, not numbers
	if !strings.HasPrefix(cell, "0") || cell == "0" || strings.HasPrefix(cell, "0.") {
		if f, err := strconv.ParseFloat(cell, 64); err == nil {
			return f, true
		}
	}
	return cell, true
}

func parseLabel(cell string) bool {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "1", "true", "yes", "fraud":
		return true
	}
	return false
}

func runBenchmark(rows []Row, baseURL string, numWorkers int, reviewPositive, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan Row, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for row := range work {
				start := time.Now()
				result, err := evaluate(client, baseURL, row.Submission)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: line %d -> %v\n", row.Line, err)
					}
					continue
				}

				status := result.Outcome.Status
				metrics.Record(row.IsFraud, status, result.Outcome.FraudDetail.ModelType, reviewPositive)

				if verbose {
					mark := "ok "
					if isPositive(status, reviewPositive) != row.IsFraud {
						mark = "ERR"
					}
					name, _ := row.Submission["company_name"].(string)
					if len(name) > 20 {
						name = name[:20]
					}
					fmt.Printf("%s line %-6d | %-20s | Fraud: %-5v | %-14s risk %3d fraud %.2f (%s)\n",
						mark,
						row.Line,
						name,
						row.IsFraud,
						status,
						result.Outcome.RiskScore,
						result.Outcome.FraudScore,
						result.Outcome.FraudDetail.ModelType,
					)
				}
			}
		}()
	}

	for _, row := range rows {
		work <- row
	}
	close(work)

	wg.Wait()

	return metrics
}

func evaluate(client *http.Client, baseURL string, sub map[string]any) (*EvaluateResponse, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n=================================================================")
	fmt.Println("                       BENCHMARK RESULTS")
	fmt.Println("=================================================================")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    POS         NEG")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Actual  F  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("          NF  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              +----------+----------+")

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of positives, how many were actual fraud)\n", m.Precision())
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", m.F1())
	fmt.Printf("   Accuracy:   %.4f\n", m.Accuracy())

	fmt.Printf("\nDECISIONS\n")
	printCounts(m.statuses)

	fmt.Printf("\nMODELS\n")
	printCounts(m.models)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rate := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f submissions/sec\n", rate)
	}

	fmt.Println()
}

func printCounts(counts map[string]int64) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("   %-18s %d\n", k, counts[k])
	}
}
