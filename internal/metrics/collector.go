// Package metrics provides in-memory runtime statistics and a Prometheus exporter
// for the conversion pipeline.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Token metrics (only for LLM operations)
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`

	TotalInputTokens  *int64 `json:"total_input_tokens,omitempty"`
	TotalOutputTokens *int64 `json:"total_output_tokens,omitempty"`
}

// Snapshot represents pipeline statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	LLMGenerate   *OperationSnapshot `json:"llm_generate,omitempty"`
	LLMStream     *OperationSnapshot `json:"llm_stream,omitempty"`
	StagingCall   *OperationSnapshot `json:"staging_call,omitempty"`
	PipelineStep  *OperationSnapshot `json:"pipeline_step,omitempty"`
	DBQuery       *OperationSnapshot `json:"db_query,omitempty"`

	ProviderCalls map[string]map[string]int64 `json:"provider_calls"`
	JobStatuses   map[string]int64            `json:"job_statuses"`
}

// Operation names for the collector.
const (
	OpLLMGenerate  = "llm_generate"
	OpLLMStream    = "llm_stream"
	OpStagingCall  = "staging_call"
	OpPipelineStep = "pipeline_step"
	OpDBQuery      = "db_query"
)

// Provider call outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Collector aggregates in-memory runtime statistics and mirrors them to an
// optional Prometheus exporter. All methods are thread-safe and a nil
// *Collector discards everything.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	providers map[string]map[string]int64
	statuses  map[string]int64
	prom      *Prometheus
}

// NewCollector creates a new metrics collector. prom may be nil.
func NewCollector(prom *Prometheus) *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		providers: make(map[string]map[string]int64),
		statuses:  make(map[string]int64),
		prom:      prom,
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

func (m *OperationMetrics) observe(d time.Duration) {
	m.Count++
	m.TotalTime += d
	if d < m.MinTime {
		m.MinTime = d
	}
	if d > m.MaxTime {
		m.MaxTime = d
	}
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(op).observe(duration)
}

// RecordLLMUsage records timing and token usage for an LLM operation.
func (c *Collector) RecordLLMUsage(op string, duration time.Duration, inputTokens, outputTokens int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	m := c.getOrCreate(op)
	m.observe(duration)
	m.TotalInputTokens += inputTokens
	m.TotalOutputTokens += outputTokens
	c.mu.Unlock()

	c.prom.addTokens(inputTokens, outputTokens)
}

// RecordProviderCall counts a single provider attempt by outcome.
func (c *Collector) RecordProviderCall(provider, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	byOutcome, ok := c.providers[provider]
	if !ok {
		byOutcome = make(map[string]int64)
		c.providers[provider] = byOutcome
	}
	byOutcome[outcome]++
	c.mu.Unlock()

	c.prom.observeProviderCall(provider, outcome, duration)
}

// RecordJobStatus counts a job reaching status.
func (c *Collector) RecordJobStatus(status string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.statuses[status]++
	c.mu.Unlock()

	c.prom.incJobStatus(status)
}

// RecordStep records the duration of a pipeline step.
func (c *Collector) RecordStep(kind, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.RecordTiming(OpPipelineStep, duration)
	c.prom.observeStep(kind, status, duration)
}

// RecordStagingCall records one request to the staging API.
func (c *Collector) RecordStagingCall(operation string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.RecordTiming(OpStagingCall, duration)
	c.prom.incStagingCall(operation, status)
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics, includeTokens bool) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}

	if includeTokens && (m.TotalInputTokens > 0 || m.TotalOutputTokens > 0) {
		totalIn := m.TotalInputTokens
		totalOut := m.TotalOutputTokens
		snap.TotalInputTokens = &totalIn
		snap.TotalOutputTokens = &totalOut
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	providers := make(map[string]map[string]int64, len(c.providers))
	for p, byOutcome := range c.providers {
		cp := make(map[string]int64, len(byOutcome))
		for k, v := range byOutcome {
			cp[k] = v
		}
		providers[p] = cp
	}
	statuses := make(map[string]int64, len(c.statuses))
	for k, v := range c.statuses {
		statuses[k] = v
	}

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		LLMGenerate:   snapshotOp(c.ops[OpLLMGenerate], true),
		LLMStream:     snapshotOp(c.ops[OpLLMStream], false),
		StagingCall:   snapshotOp(c.ops[OpStagingCall], false),
		PipelineStep:  snapshotOp(c.ops[OpPipelineStep], false),
		DBQuery:       snapshotOp(c.ops[OpDBQuery], false),
		ProviderCalls: providers,
		JobStatuses:   statuses,
	}
}
