// Package brokertest stress tests the configured message brokers with
// synthetic console traffic.
package brokertest

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"

	"winglink/config"
	"winglink/kafka"
	"winglink/mqtt"
	"winglink/valkey"
)

// StressNamespace isolates test traffic from live topics and keys.
const StressNamespace = "winglink-test-stress"

// TestConfig holds configuration for the broker stress test.
type TestConfig struct {
	// Duration is how long to run each test
	Duration time.Duration
	// NumNodes is the number of simulated nodes per console
	NumNodes int
	// NumConsoles is the number of simulated consoles
	NumConsoles int
}

// DefaultTestConfig returns sensible defaults for stress testing.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		Duration:    10 * time.Second,
		NumNodes:    100,
		NumConsoles: 4,
	}
}

// TestResult holds the results from a broker stress test.
type TestResult struct {
	BrokerType    string
	BrokerName    string
	Address       string
	Duration      time.Duration
	MessagesSent  int64
	MessagesAcked int64
	Errors        int64
	Throughput    float64 // messages per second
	AvgLatency    time.Duration
	P50Latency    time.Duration
	P95Latency    time.Duration
	P99Latency    time.Duration
	MaxLatency    time.Duration
	Success       bool
	Error         error
}

// sample is one simulated fader move.
type sample struct {
	console string
	node    string
	path    string
	value   float32
}

// Runner executes broker stress tests.
type Runner struct {
	cfg     *config.Config
	testCfg TestConfig
	results []TestResult
	rnd     *rand.Rand
}

// NewRunner creates a new stress test runner.
func NewRunner(cfg *config.Config, testCfg TestConfig) *Runner {
	if testCfg.NumConsoles <= 0 {
		testCfg.NumConsoles = 1
	}
	if testCfg.NumNodes <= 0 {
		testCfg.NumNodes = 1
	}
	return &Runner{
		cfg:     cfg,
		testCfg: testCfg,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns a random channel fader level on a random console.
func (r *Runner) next() sample {
	c := r.rnd.Intn(r.testCfg.NumConsoles)
	n := r.rnd.Intn(r.testCfg.NumNodes) + 1
	path := fmt.Sprintf("/ch/%d/fdr", n)
	return sample{
		console: fmt.Sprintf("stress%d", c),
		node:    path,
		path:    path,
		value:   float32(r.rnd.Intn(1440))/10 - 134,
	}
}

// Run executes stress tests for all enabled brokers.
func (r *Runner) Run() []TestResult {
	r.printHeader()

	for i := range r.cfg.Kafka {
		if r.cfg.Kafka[i].Enabled {
			r.results = append(r.results, r.testKafka(r.cfg.Kafka[i]))
		}
	}
	for i := range r.cfg.MQTT {
		if r.cfg.MQTT[i].Enabled {
			r.results = append(r.results, r.testMQTT(r.cfg.MQTT[i]))
		}
	}
	for i := range r.cfg.Valkey {
		if r.cfg.Valkey[i].Enabled {
			r.results = append(r.results, r.testValkey(r.cfg.Valkey[i]))
		}
	}

	r.printReport()
	return r.results
}

func (r *Runner) printHeader() {
	fmt.Println()
	color.New(color.Bold).Println("BROKER STRESS TEST")
	fmt.Println()
	fmt.Printf("  Test Parameters:\n")
	fmt.Printf("    Duration:           %v\n", r.testCfg.Duration)
	fmt.Printf("    Simulated consoles: %d\n", r.testCfg.NumConsoles)
	fmt.Printf("    Nodes per console:  %d\n", r.testCfg.NumNodes)
	fmt.Printf("    Namespace:          %s\n", StressNamespace)
	fmt.Println()
}

func printSection(kind, name, label, addr string) {
	fmt.Printf("---------------------------------------------------------------------\n")
	fmt.Printf("  Testing: %s/%s\n", kind, name)
	fmt.Printf("  %-8s %s\n", label+":", addr)
	fmt.Printf("---------------------------------------------------------------------\n")
}

func finish(result TestResult) TestResult {
	if result.Success {
		fmt.Printf("DONE\n\n")
	} else {
		fmt.Printf("FAILED\n\n")
	}
	return result
}

// testKafka runs the stress test through the batched kafka.Manager.
func (r *Runner) testKafka(cfg config.KafkaConfig) TestResult {
	result := TestResult{
		BrokerType: "Kafka",
		BrokerName: cfg.Name,
		Address:    strings.Join(cfg.Brokers, ","),
	}
	printSection("Kafka", cfg.Name, "Brokers", result.Address)

	testCfg := cfg
	testCfg.Topic = StressNamespace + "-nodes"
	testCfg.EnableWriteback = false
	autoCreate := true
	testCfg.AutoCreateTopics = &autoCreate

	mgr := kafka.NewManager(StressNamespace)
	defer mgr.StopAll()
	mgr.AddCluster(&testCfg)
	if err := mgr.Connect(testCfg.Name); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		fmt.Printf("  Status: FAILED - %v\n\n", result.Error)
		return result
	}

	fmt.Printf("  Running... ")
	var sent int64
	start := time.Now()
	deadline := start.Add(r.testCfg.Duration)
	for time.Now().Before(deadline) {
		s := r.next()
		// Queues to the batch workers without blocking.
		mgr.Publish(kafka.NodeMessage{Console: s.console, Node: s.node, Path: s.path, Value: s.value, Type: "FaderLevel", Unit: "dB"}, true)
		atomic.AddInt64(&sent, 1)
	}
	// Let the last batches flush.
	time.Sleep(100 * time.Millisecond)

	result.Duration = time.Since(start)
	result.MessagesSent = sent
	result.MessagesAcked = sent
	if p := mgr.GetProducer(testCfg.Name); p != nil {
		acked, errs, _ := p.GetStats()
		result.MessagesAcked = acked
		result.Errors = errs
	}
	result.Throughput = float64(sent) / result.Duration.Seconds()
	result.Success = sent > 0 && result.Errors == 0
	return finish(result)
}

// testMQTT runs the stress test through an mqtt.Publisher. Publishes wait
// for the broker's acknowledgement, so per-message latency is measured.
func (r *Runner) testMQTT(cfg config.MQTTConfig) TestResult {
	result := TestResult{
		BrokerType: "MQTT",
		BrokerName: cfg.Name,
		Address:    fmt.Sprintf("%s:%d", cfg.Broker, cfg.Port),
	}
	printSection("MQTT", cfg.Name, "Broker", result.Address)

	testCfg := cfg
	testCfg.ClientID = fmt.Sprintf("winglink-stress-%d", time.Now().UnixNano())

	pub := mqtt.NewPublisher(&testCfg, StressNamespace)
	if err := pub.Start(); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		fmt.Printf("  Status: FAILED - %v\n\n", result.Error)
		return result
	}
	defer pub.Stop()

	fmt.Printf("  Running... ")
	var latencies []time.Duration
	start := time.Now()
	deadline := start.Add(r.testCfg.Duration)
	for time.Now().Before(deadline) {
		s := r.next()
		t0 := time.Now()
		if pub.Publish(mqtt.NodeMessage{Console: s.console, Node: s.node, Path: s.path, Value: s.value, Type: "FaderLevel", Unit: "dB"}, true) {
			result.MessagesSent++
			latencies = append(latencies, time.Since(t0))
		} else {
			result.Errors++
		}
	}

	result.Duration = time.Since(start)
	result.MessagesAcked = result.MessagesSent
	result.Throughput = float64(result.MessagesSent) / result.Duration.Seconds()
	result.Success = result.MessagesSent > 0 && result.Errors == 0
	result.AvgLatency, result.P50Latency, result.P95Latency, result.P99Latency, result.MaxLatency = calculateLatencyStats(latencies)
	return finish(result)
}

// testValkey runs the stress test through a valkey.Publisher.
func (r *Runner) testValkey(cfg config.ValkeyConfig) TestResult {
	result := TestResult{
		BrokerType: "Valkey",
		BrokerName: cfg.Name,
		Address:    cfg.Address,
	}
	printSection("Valkey", cfg.Name, "Server", result.Address)

	testCfg := cfg
	testCfg.EnableWriteback = false
	if testCfg.KeyTTL == 0 {
		testCfg.KeyTTL = time.Minute
	}

	pub := valkey.NewPublisher(&testCfg, StressNamespace)
	if err := pub.Start(); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		fmt.Printf("  Status: FAILED - %v\n\n", result.Error)
		return result
	}
	defer pub.Stop()

	fmt.Printf("  Running... ")
	var latencies []time.Duration
	start := time.Now()
	deadline := start.Add(r.testCfg.Duration)
	for time.Now().Before(deadline) {
		s := r.next()
		t0 := time.Now()
		if err := pub.Publish(valkey.NodeMessage{Console: s.console, Node: s.node, Path: s.path, Value: s.value, Type: "FaderLevel", Unit: "dB"}); err != nil {
			result.Errors++
			continue
		}
		result.MessagesSent++
		latencies = append(latencies, time.Since(t0))
	}

	result.Duration = time.Since(start)
	result.MessagesAcked = result.MessagesSent
	result.Throughput = float64(result.MessagesSent) / result.Duration.Seconds()
	total := result.MessagesSent + result.Errors
	result.Success = result.MessagesSent > 0 && float64(result.Errors)/float64(total) < 0.01
	result.AvgLatency, result.P50Latency, result.P95Latency, result.P99Latency, result.MaxLatency = calculateLatencyStats(latencies)
	return finish(result)
}

// calculateLatencyStats computes avg, p50, p95, p99, and max latencies.
func calculateLatencyStats(latencies []time.Duration) (avg, p50, p95, p99, max time.Duration) {
	if len(latencies) == 0 {
		return
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	avg = total / time.Duration(len(sorted))

	p50 = sorted[len(sorted)*50/100]
	p95 = sorted[len(sorted)*95/100]
	p99 = sorted[len(sorted)*99/100]
	max = sorted[len(sorted)-1]
	return
}

// printReport prints a formatted summary report.
func (r *Runner) printReport() {
	fmt.Println()
	color.New(color.Bold).Println("TEST RESULTS")
	fmt.Println()

	if len(r.results) == 0 {
		fmt.Println("  No enabled brokers found in configuration.")
		fmt.Println()
		fmt.Println("  To run tests, enable brokers in the config file:")
		fmt.Println("    - kafka[].enabled: true")
		fmt.Println("    - mqtt[].enabled: true")
		fmt.Println("    - valkey[].enabled: true")
		fmt.Println()
		return
	}

	pass := color.New(color.FgGreen).SprintFunc()
	fail := color.New(color.FgRed).SprintFunc()

	fmt.Printf("  %-7s  %-14s  %14s  %12s  %s\n", "Type", "Name", "Throughput", "Messages", "Status")
	passed, failed := 0, 0
	for _, result := range r.results {
		status := pass("PASS")
		if !result.Success {
			status = fail("FAIL")
			failed++
		} else {
			passed++
		}
		name := result.BrokerName
		if len(name) > 14 {
			name = name[:14]
		}
		fmt.Printf("  %-7s  %-14s  %14s  %12d  %s\n",
			result.BrokerType, name, fmt.Sprintf("%.0f msg/s", result.Throughput), result.MessagesSent, status)
	}
	fmt.Println()

	for _, result := range r.results {
		if result.Error != nil {
			continue
		}
		fmt.Printf("  %s/%s:\n", result.BrokerType, result.BrokerName)
		fmt.Printf("    Address:    %s\n", result.Address)
		fmt.Printf("    Duration:   %v\n", result.Duration.Round(time.Millisecond))
		total := result.MessagesSent + result.Errors
		if result.Errors > 0 && total > 0 {
			fmt.Printf("    Messages:   %d sent, %d errors (%.1f%% error rate)\n",
				result.MessagesSent, result.Errors, float64(result.Errors)/float64(total)*100)
		} else {
			fmt.Printf("    Messages:   %d sent, %d errors\n", result.MessagesSent, result.Errors)
		}
		fmt.Printf("    Throughput: %.1f msg/s\n", result.Throughput)
		if result.AvgLatency > 0 {
			fmt.Printf("    Latency:    avg %v, p50 %v, p95 %v, p99 %v, max %v\n",
				result.AvgLatency.Round(time.Microsecond),
				result.P50Latency.Round(time.Microsecond),
				result.P95Latency.Round(time.Microsecond),
				result.P99Latency.Round(time.Microsecond),
				result.MaxLatency.Round(time.Microsecond))
		}
		fmt.Println()
	}

	fmt.Printf("  Summary: %d passed, %d failed\n", passed, failed)
	for _, result := range r.results {
		if result.Success {
			continue
		}
		errMsg := "unknown error"
		if result.Error != nil {
			errMsg = result.Error.Error()
		} else if result.Errors > 0 {
			errMsg = fmt.Sprintf("%d publish errors", result.Errors)
		}
		fmt.Printf("    - %s/%s: %s\n", result.BrokerType, result.BrokerName, fail(errMsg))
	}
	fmt.Println()
}
