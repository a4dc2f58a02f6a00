package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/remote"
)

const (
	defaultQty = int32(1)
)

// outcome классифицирует результат вызова удалённой процедуры.
const (
	outcomeOK          = "ok"
	outcomeNotReady    = "not_ready"
	outcomeUnavailable = "unavailable"
	outcomeRejected    = "rejected"
	outcomeError       = "error"
)

type config struct {
	backendURL  string
	apiKey      string
	token       string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	tablePrefix string
	itemRef     string
	qty         int
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type report struct {
	StartedAt       time.Time        `json:"started_at"`
	DurationSeconds float64          `json:"duration_seconds"`
	TotalCalls      int64            `json:"total_calls"`
	SuccessCalls    int64            `json:"success_calls"`
	FailedCalls     int64            `json:"failed_calls"`
	ErrorRate       float64          `json:"error_rate"`
	RPS             float64          `json:"rps"`
	Outcomes        map[string]int64 `json:"outcomes"`
	LatencyMs       latencySummary   `json:"latency_ms"`
}

type collector struct {
	mu        sync.Mutex
	calls     int64
	success   int64
	failed    int64
	outcomes  map[string]int64
	latencies []float64
}

func newCollector() *collector {
	return &collector{
		outcomes: make(map[string]int64),
	}
}

func (c *collector) record(latency time.Duration, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if outcome == outcomeOK {
		c.success++
	} else {
		c.failed++
	}
	c.outcomes[outcome]++
	c.latencies = append(c.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcomesCopy := make(map[string]int64, len(c.outcomes))
	for name, count := range c.outcomes {
		outcomesCopy[name] = count
	}

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		TotalCalls:      c.calls,
		SuccessCalls:    c.success,
		FailedCalls:     c.failed,
		ErrorRate:       ratio(c.failed, c.calls),
		Outcomes:        outcomesCopy,
		LatencyMs:       buildLatencySummary(c.latencies),
	}
	if duration > 0 {
		result.RPS = float64(result.TotalCalls) / duration.Seconds()
	}
	return result
}

func parseConfig() (config, error) {
	var cfg config
	var timeoutValue string
	var durationValue string

	flag.StringVar(&cfg.backendURL, "backend-url", "http://localhost:54321", "backend base URL")
	flag.StringVar(&cfg.apiKey, "api-key", "", "backend API key (fallback: POSSYNC_BACKEND_API_KEY)")
	flag.StringVar(&cfg.token, "token", "", "access token for the session (fallback: POSSYNC_ACCESS_TOKEN)")
	flag.IntVar(&cfg.total, "total", 400, "total calls to execute in count mode; in duration mode only used when explicitly set")
	flag.StringVar(&durationValue, "duration", "0s", "optional time-based run duration (e.g. 10m)")
	flag.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	flag.StringVar(&timeoutValue, "timeout", "5s", "per-call timeout")
	flag.StringVar(&cfg.tablePrefix, "table-prefix", "load", "table id prefix for synthetic orders")
	flag.StringVar(&cfg.itemRef, "item-ref", "ITEM-LOAD", "menu item reference for synthetic orders")
	flag.IntVar(&cfg.qty, "qty", int(defaultQty), "item quantity per order")
	flag.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	flag.Parse()

	if strings.TrimSpace(cfg.apiKey) == "" {
		cfg.apiKey = strings.TrimSpace(os.Getenv("POSSYNC_BACKEND_API_KEY"))
	}
	if strings.TrimSpace(cfg.token) == "" {
		cfg.token = strings.TrimSpace(os.Getenv("POSSYNC_ACCESS_TOKEN"))
	}

	timeout, err := time.ParseDuration(strings.TrimSpace(timeoutValue))
	if err != nil {
		return cfg, fmt.Errorf("parse timeout: %w", err)
	}
	cfg.timeout = timeout

	duration, err := time.ParseDuration(strings.TrimSpace(durationValue))
	if err != nil {
		return cfg, fmt.Errorf("parse duration: %w", err)
	}
	cfg.duration = duration

	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.qty <= 0 {
		return cfg, errors.New("qty must be > 0")
	}
	if strings.TrimSpace(cfg.backendURL) == "" {
		return cfg, errors.New("backend-url is required")
	}
	if strings.TrimSpace(cfg.tablePrefix) == "" {
		return cfg, errors.New("table-prefix is required")
	}
	if strings.TrimSpace(cfg.itemRef) == "" {
		return cfg, errors.New("item-ref is required")
	}

	return cfg, nil
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	client := remote.NewClient(cfg.backendURL, cfg.apiKey, log.NewEntry(logger))
	if cfg.token != "" {
		client.SetSession(cfg.token, time.Now().Add(time.Hour))
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if runErr := runCall(client, cfg, id, runID, col); runErr != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	duration := time.Since(startedAt)
	result := col.buildReport(startedAt, duration)
	if result.FailedCalls == 0 && failures > 0 {
		result.FailedCalls = failures
		result.ErrorRate = ratio(result.FailedCalls, result.TotalCalls)
	}

	printReport(result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedCalls > 0 {
		os.Exit(1)
	}
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runCall(client *remote.Client, cfg config, index int, runID string, col *collector) error {
	mutation := domain.QueuedMutation{
		ID:   fmt.Sprintf("lt-%s-%d", runID, index),
		Kind: domain.KindCreateOrder,
		Payload: domain.CreateOrderPayload{
			TableID: fmt.Sprintf("%s-%s-%d", cfg.tablePrefix, runID, index),
			Items: []domain.OrderLine{
				{ItemRef: cfg.itemRef, Quantity: int32(cfg.qty)},
			},
		},
		EnqueuedAt: time.Now(),
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	_, applyErr := client.Apply(ctx, mutation)
	col.record(time.Since(start), classify(applyErr))
	return applyErr
}

// classify сводит ошибку вызова к классу результата для отчёта.
func classify(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, domain.ErrNoSession):
		return outcomeNotReady
	case errors.Is(err, domain.ErrRemoteUnavailable):
		return outcomeUnavailable
	case errors.Is(err, domain.ErrMutationRejected):
		return outcomeRejected
	default:
		return outcomeError
	}
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(result report, cfg config) {
	fmt.Println("Load test summary")
	fmt.Printf("run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		runTarget(cfg),
		result.TotalCalls,
		result.SuccessCalls,
		result.FailedCalls,
		result.ErrorRate,
	)
	fmt.Printf("duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	fmt.Printf("latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.LatencyMs.Min,
		result.LatencyMs.Avg,
		result.LatencyMs.P50,
		result.LatencyMs.P95,
		result.LatencyMs.P99,
		result.LatencyMs.Max,
	)

	outcomeNames := make([]string, 0, len(result.Outcomes))
	for name := range result.Outcomes {
		outcomeNames = append(outcomeNames, name)
	}
	sort.Strings(outcomeNames)
	for _, name := range outcomeNames {
		fmt.Printf("%s: %d\n", name, result.Outcomes[name])
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
