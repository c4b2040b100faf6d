// Package telemetry records retrieval outcomes for tuning and diagnosis.
// All telemetry data is stored locally - no external reporting.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/amelia751/jurisscope/internal/store"
)

// =============================================================================
// Latency Buckets
// =============================================================================

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket string

const (
	BucketP50   LatencyBucket = "p50"   // <50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // 500ms-1s
	BucketSlow  LatencyBucket = "slow"  // >=1s
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	case ms < 1000:
		return BucketP1000
	default:
		return BucketSlow
	}
}

// =============================================================================
// Query Event
// =============================================================================

// QueryEvent is the outcome of one retrieval.
type QueryEvent struct {
	Query string

	// Strategy is "rrf" or "weighted".
	Strategy string

	// Degraded names the missing source, empty when both answered.
	Degraded string

	Reranked       bool
	RerankFallback bool

	// Failed is set when no source answered.
	Failed bool

	ResultCount int
	Latency     time.Duration
	Timestamp   time.Time
}

// IsZeroResult returns true if a successful query returned no results.
func (e QueryEvent) IsZeroResult() bool {
	return !e.Failed && e.ResultCount == 0
}

// =============================================================================
// Circular Buffer
// =============================================================================

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // Next write position
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a new circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add adds an item to the buffer. If full, the oldest item is evicted.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity

	if b.size < b.capacity {
		b.size++
	}
}

// Items returns all items in the buffer in FIFO order (oldest first).
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return []T{}
	}

	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		// Buffer full - oldest item is at head
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current number of items in the buffer.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// =============================================================================
// Term Extraction
// =============================================================================

// ExtractTerms extracts searchable terms from a query string.
// Terms are lowercased and filtered to minimum length 3.
func ExtractTerms(query string) []string {
	words := strings.Fields(strings.ToLower(query))
	var terms []string
	for _, w := range words {
		w = strings.Trim(w, `.,;:!?"'()[]`)
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

// TermCount represents a term and its frequency count.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is an immutable copy of the collected metrics.
type Snapshot struct {
	TotalQueries    int64 `json:"total_queries"`
	FailedQueries   int64 `json:"failed_queries"`
	ZeroResultCount int64 `json:"zero_result_count"`

	StrategyCounts map[string]int64 `json:"strategy_counts"`
	DegradedCounts map[string]int64 `json:"degraded_counts"`

	Reranked        int64 `json:"reranked"`
	RerankFallbacks int64 `json:"rerank_fallbacks"`

	LatencyP50          time.Duration           `json:"latency_p50_ns"`
	LatencyP95          time.Duration           `json:"latency_p95_ns"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	LatencySamples      []time.Duration         `json:"latency_samples_ns,omitempty"`

	TopTerms          []TermCount `json:"top_terms"`
	ZeroResultQueries []string    `json:"zero_result_queries"`
	Since             time.Time   `json:"since"`
}

// WeightedRate is the share of successful queries fused by weighted score.
func (s *Snapshot) WeightedRate() float64 {
	ok := s.TotalQueries - s.FailedQueries
	if ok <= 0 {
		return 0
	}
	return float64(s.StrategyCounts["weighted"]) / float64(ok)
}

// Summary renders a one-line overview.
func (s *Snapshot) Summary() string {
	if s.TotalQueries == 0 {
		return "No queries recorded"
	}
	return fmt.Sprintf("queries=%d failed=%d rrf=%d weighted=%d degraded=%d rerank_fallbacks=%d p50=%s p95=%s",
		s.TotalQueries, s.FailedQueries,
		s.StrategyCounts["rrf"], s.StrategyCounts["weighted"],
		sumCounts(s.DegradedCounts), s.RerankFallbacks,
		s.LatencyP50.Round(time.Millisecond), s.LatencyP95.Round(time.Millisecond))
}

func sumCounts(m map[string]int64) int64 {
	var n int64
	for _, v := range m {
		n += v
	}
	return n
}

// =============================================================================
// Query Metrics
// =============================================================================

// QueryMetricsConfig configures the query metrics collector.
type QueryMetricsConfig struct {
	TopTermsCapacity    int // Max terms to track (default: 100)
	ZeroResultsCapacity int // Max zero-result queries kept (default: 100)
	LatencySamples      int // Latencies kept for percentiles (default: 1000)
}

// DefaultQueryMetricsConfig returns sensible defaults.
func DefaultQueryMetricsConfig() QueryMetricsConfig {
	return QueryMetricsConfig{
		TopTermsCapacity:    100,
		ZeroResultsCapacity: 100,
		LatencySamples:      1000,
	}
}

// QueryMetrics aggregates retrieval outcomes in memory.
// Thread-safe for concurrent access.
type QueryMetrics struct {
	mu sync.Mutex

	total, failed, zero       int64
	reranked, rerankFallbacks int64
	strategies                map[string]int64
	degraded                  map[string]int64
	latencies                 map[LatencyBucket]int64

	samples     *CircularBuffer[time.Duration]
	topTerms    *lru.Cache[string, int64]
	zeroResults *CircularBuffer[string]
	startTime   time.Time
}

// NewQueryMetrics creates a collector with default configuration.
func NewQueryMetrics() *QueryMetrics {
	return NewQueryMetricsWithConfig(DefaultQueryMetricsConfig())
}

// NewQueryMetricsWithConfig creates a collector with custom configuration.
func NewQueryMetricsWithConfig(cfg QueryMetricsConfig) *QueryMetrics {
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = 100
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = 100
	}
	if cfg.LatencySamples <= 0 {
		cfg.LatencySamples = 1000
	}

	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)

	return &QueryMetrics{
		strategies:  make(map[string]int64),
		degraded:    make(map[string]int64),
		latencies:   make(map[LatencyBucket]int64),
		samples:     NewCircularBuffer[time.Duration](cfg.LatencySamples),
		topTerms:    topTerms,
		zeroResults: NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		startTime:   time.Now(),
	}
}

// Record captures one retrieval outcome.
func (m *QueryMetrics) Record(event QueryEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.latencies[LatencyToBucket(event.Latency)]++
	m.samples.Add(event.Latency)

	for _, term := range ExtractTerms(event.Query) {
		count, _ := m.topTerms.Get(term)
		m.topTerms.Add(term, count+1)
	}

	if event.Failed {
		m.failed++
		return
	}

	m.strategies[event.Strategy]++
	if event.Degraded != "" {
		m.degraded[event.Degraded]++
	}
	if event.Reranked {
		m.reranked++
	}
	if event.RerankFallback {
		m.rerankFallbacks++
	}
	if event.IsZeroResult() {
		m.zero++
		m.zeroResults.Add(event.Query)
	}
}

// Snapshot returns current metrics for reporting.
func (m *QueryMetrics) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var topTerms []TermCount
	for _, key := range m.topTerms.Keys() {
		if count, ok := m.topTerms.Peek(key); ok {
			topTerms = append(topTerms, TermCount{Term: key, Count: count})
		}
	}
	sort.Slice(topTerms, func(i, j int) bool {
		if topTerms[i].Count != topTerms[j].Count {
			return topTerms[i].Count > topTerms[j].Count
		}
		return topTerms[i].Term < topTerms[j].Term
	})

	samples := m.samples.Items()
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	return &Snapshot{
		TotalQueries:        m.total,
		FailedQueries:       m.failed,
		ZeroResultCount:     m.zero,
		StrategyCounts:      copyCounts(m.strategies),
		DegradedCounts:      copyCounts(m.degraded),
		Reranked:            m.reranked,
		RerankFallbacks:     m.rerankFallbacks,
		LatencyP50:          percentile(samples, 0.50),
		LatencyP95:          percentile(samples, 0.95),
		LatencyDistribution: copyCounts(m.latencies),
		LatencySamples:      samples,
		TopTerms:            topTerms,
		ZeroResultQueries:   m.zeroResults.Items(),
		Since:               m.startTime,
	}
}

// Restore adds a persisted snapshot to the collector so counts carry
// across processes.
func (m *QueryMetrics) Restore(s *Snapshot) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total += s.TotalQueries
	m.failed += s.FailedQueries
	m.zero += s.ZeroResultCount
	m.reranked += s.Reranked
	m.rerankFallbacks += s.RerankFallbacks
	addCounts(m.strategies, s.StrategyCounts)
	addCounts(m.degraded, s.DegradedCounts)
	addCounts(m.latencies, s.LatencyDistribution)

	for _, d := range s.LatencySamples {
		m.samples.Add(d)
	}
	// Least frequent first, so the LRU keeps the most frequent terms.
	for i := len(s.TopTerms) - 1; i >= 0; i-- {
		tc := s.TopTerms[i]
		count, _ := m.topTerms.Get(tc.Term)
		m.topTerms.Add(tc.Term, count+tc.Count)
	}
	for _, q := range s.ZeroResultQueries {
		m.zeroResults.Add(q)
	}
	if !s.Since.IsZero() && s.Since.Before(m.startTime) {
		m.startTime = s.Since
	}
}

// Persist stores the current snapshot in sink.
func (m *QueryMetrics) Persist(ctx context.Context, sink store.MetricsSink) error {
	payload, err := json.Marshal(m.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode metrics snapshot: %w", err)
	}
	return sink.SaveMetricsSnapshot(ctx, payload)
}

// LoadSnapshot reads the most recently persisted snapshot. It returns
// (nil, zero time, nil) when none has been saved.
func LoadSnapshot(ctx context.Context, sink store.MetricsSink) (*Snapshot, time.Time, error) {
	payload, savedAt, err := sink.LatestMetricsSnapshot(ctx)
	if err != nil || payload == nil {
		return nil, time.Time{}, err
	}
	var s Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode metrics snapshot: %w", err)
	}
	return &s, savedAt, nil
}

// percentile uses nearest-rank on sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted))*p+0.5) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

func addCounts[K comparable](dst, src map[K]int64) {
	for k, v := range src {
		dst[k] += v
	}
}

func copyCounts[K comparable](m map[K]int64) map[K]int64 {
	out := make(map[K]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
