package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type errorKey struct {
	handler string
	method  string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// outcomeKey 标识一次编排的结果，outcome 取 success、rate_limited、not_found、model_error。
type outcomeKey struct {
	agent   string
	outcome string
}

type collector struct {
	mu         sync.Mutex
	requests   map[requestKey]uint64
	errors     map[errorKey]uint64
	latency    map[latencyKey]*histogram
	outcomes   map[outcomeKey]uint64
	modelTime  *histogram
	sideEffect map[string]uint64
}

var httpCollector = newCollector()

func newCollector() *collector {
	return &collector{
		requests:   make(map[requestKey]uint64),
		errors:     make(map[errorKey]uint64),
		latency:    make(map[latencyKey]*histogram),
		outcomes:   make(map[outcomeKey]uint64),
		modelTime:  newHistogram(),
		sideEffect: make(map[string]uint64),
	}
}

// Reset 清空全部指标，仅用于测试。
func Reset() {
	fresh := newCollector()
	httpCollector.mu.Lock()
	httpCollector.requests = fresh.requests
	httpCollector.errors = fresh.errors
	httpCollector.latency = fresh.latency
	httpCollector.outcomes = fresh.outcomes
	httpCollector.modelTime = fresh.modelTime
	httpCollector.sideEffect = fresh.sideEffect
	httpCollector.mu.Unlock()
}

// ObserveOrchestration 记录一次编排的结果。
func ObserveOrchestration(agentID, outcome string) {
	httpCollector.mu.Lock()
	httpCollector.outcomes[outcomeKey{agent: agentID, outcome: outcome}]++
	httpCollector.mu.Unlock()
}

// ObserveModelLatency 记录一次模型调用耗时。
func ObserveModelLatency(duration time.Duration) {
	httpCollector.mu.Lock()
	httpCollector.modelTime.observe(duration.Seconds())
	httpCollector.mu.Unlock()
}

// ObserveSideEffectFailure 记录一次失败的副作用写入，kind 如 counter、query_log、memory、feed、event。
func ObserveSideEffectFailure(kind string) {
	httpCollector.mu.Lock()
	httpCollector.sideEffect[kind]++
	httpCollector.mu.Unlock()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.observe(handler, method, status, duration)
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++
	if status >= 500 {
		errKey := errorKey{handler: handler, method: method}
		c.errors[errKey]++
	}

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	// 超出最后一个桶的值只计入 +Inf（即 h.count）。
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
		value uint64
	}
	type errorMetric struct {
		errorKey
		value uint64
	}
	type outcomeMetric struct {
		outcomeKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	errs := make([]errorMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, errorMetric{errorKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].handler == errs[j].handler {
			return errs[i].method < errs[j].method
		}
		return errs[i].handler < errs[j].handler
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP agnt_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE agnt_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("agnt_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP agnt_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE agnt_http_request_errors_total counter\n")
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("agnt_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.value))
	}

	builder.WriteString("# HELP agnt_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE agnt_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("agnt_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(metric.handler), escape(metric.method), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("agnt_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
		builder.WriteString(fmt.Sprintf("agnt_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			escape(metric.handler), escape(metric.method), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("agnt_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
	}

	outcomes := make([]outcomeMetric, 0, len(c.outcomes))
	for key, value := range c.outcomes {
		outcomes = append(outcomes, outcomeMetric{outcomeKey: key, value: value})
	}
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].agent == outcomes[j].agent {
			return outcomes[i].outcome < outcomes[j].outcome
		}
		return outcomes[i].agent < outcomes[j].agent
	})
	builder.WriteString("# HELP agnt_orchestrations_total Orchestrated agent queries by outcome.\n")
	builder.WriteString("# TYPE agnt_orchestrations_total counter\n")
	for _, metric := range outcomes {
		builder.WriteString(fmt.Sprintf("agnt_orchestrations_total{agent=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.agent), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP agnt_model_call_duration_seconds Language model call duration in seconds.\n")
	builder.WriteString("# TYPE agnt_model_call_duration_seconds histogram\n")
	for idx, bound := range c.modelTime.buckets {
		builder.WriteString(fmt.Sprintf("agnt_model_call_duration_seconds_bucket{le=\"%s\"} %d\n", formatFloat(bound), c.modelTime.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("agnt_model_call_duration_seconds_bucket{le=\"+Inf\"} %d\n", c.modelTime.count))
	builder.WriteString(fmt.Sprintf("agnt_model_call_duration_seconds_sum %s\n", formatFloat(c.modelTime.sum)))
	builder.WriteString(fmt.Sprintf("agnt_model_call_duration_seconds_count %d\n", c.modelTime.count))

	kinds := make([]string, 0, len(c.sideEffect))
	for kind := range c.sideEffect {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	builder.WriteString("# HELP agnt_side_effect_failures_total Best-effort bookkeeping writes that failed.\n")
	builder.WriteString("# TYPE agnt_side_effect_failures_total counter\n")
	for _, kind := range kinds {
		builder.WriteString(fmt.Sprintf("agnt_side_effect_failures_total{kind=\"%s\"} %d\n", escape(kind), c.sideEffect[kind]))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
