package services

import (
	"sync"
	"time"
)

// MetricsCollector keeps in-process counters for /metrics.
type MetricsCollector struct {
	mu sync.RWMutex

	totalRequests   int64
	successRequests int64
	errorRequests   int64

	totalResponseTime int64

	grants             map[string]int64
	rejections         map[string]int64
	paymentsDemanded   int64
	settlements        int64
	settlementFailures int64
	rateLimitFallbacks int64

	startTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		grants:     make(map[string]int64),
		rejections: make(map[string]int64),
		startTime:  time.Now(),
	}
}

// RecordRequest records a proxied request's outcome.
func (mc *MetricsCollector) RecordRequest(responseTimeMs int, statusCode int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.totalRequests++
	mc.totalResponseTime += int64(responseTimeMs)

	if statusCode >= 200 && statusCode < 400 {
		mc.successRequests++
	} else {
		mc.errorRequests++
	}
}

// RecordGrant counts an allowed request by how access was granted.
func (mc *MetricsCollector) RecordGrant(mode string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.grants[mode]++
}

// RecordRejection counts a rejected request by reason.
func (mc *MetricsCollector) RecordRejection(reason string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.rejections[reason]++
}

func (mc *MetricsCollector) RecordPaymentDemanded() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.paymentsDemanded++
}

func (mc *MetricsCollector) RecordSettlement(success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if success {
		mc.settlements++
	} else {
		mc.settlementFailures++
	}
}

func (mc *MetricsCollector) RecordRateLimitFallback() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.rateLimitFallbacks++
}

type MetricsSnapshot struct {
	UptimeSeconds      int64            `json:"uptime_seconds"`
	TotalRequests      int64            `json:"total_requests"`
	RequestsPerSecond  float64          `json:"requests_per_second"`
	AvgResponseTimeMs  float64          `json:"avg_response_time_ms"`
	ErrorRate          float64          `json:"error_rate"`
	Grants             map[string]int64 `json:"grants"`
	Rejections         map[string]int64 `json:"rejections"`
	PaymentsDemanded   int64            `json:"payments_demanded"`
	Settlements        int64            `json:"settlements"`
	SettlementFailures int64            `json:"settlement_failures"`
	RateLimitFallbacks int64            `json:"rate_limit_fallbacks"`
	Timestamp          string           `json:"timestamp"`
}

func (mc *MetricsCollector) GetSnapshot() *MetricsSnapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	uptime := time.Since(mc.startTime)
	uptimeSeconds := int64(uptime.Seconds())

	snapshot := &MetricsSnapshot{
		UptimeSeconds:      uptimeSeconds,
		TotalRequests:      mc.totalRequests,
		Grants:             copyCounts(mc.grants),
		Rejections:         copyCounts(mc.rejections),
		PaymentsDemanded:   mc.paymentsDemanded,
		Settlements:        mc.settlements,
		SettlementFailures: mc.settlementFailures,
		RateLimitFallbacks: mc.rateLimitFallbacks,
		Timestamp:          time.Now().Format(time.RFC3339),
	}

	if uptimeSeconds > 0 {
		snapshot.RequestsPerSecond = float64(mc.totalRequests) / float64(uptimeSeconds)
	}
	if mc.totalRequests > 0 {
		snapshot.AvgResponseTimeMs = float64(mc.totalResponseTime) / float64(mc.totalRequests)
		snapshot.ErrorRate = float64(mc.errorRequests) / float64(mc.totalRequests)
	}

	return snapshot
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
