package metrics

import (
	"context"
	"errors"
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

type collector struct {
	mu          sync.Mutex
	requests    map[requestKey]uint64
	errors      map[latencyKey]uint64
	latency     map[latencyKey]*histogram
	settlements map[string]uint64
}

var coreCollector = &collector{
	requests:    make(map[requestKey]uint64),
	errors:      make(map[latencyKey]uint64),
	latency:     make(map[latencyKey]*histogram),
	settlements: make(map[string]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	coreCollector.observe(handler, method, status, duration)
}

// ObserveSettlement counts a completed fund movement by kind
// (payout, fee, refund, slash).
func ObserveSettlement(kind string) {
	coreCollector.mu.Lock()
	coreCollector.settlements[kind]++
	coreCollector.mu.Unlock()
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	if status >= 500 {
		c.errors[latencyKey{handler: handler, method: method}]++
	}

	key := latencyKey{handler: handler, method: method}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
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
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// Values above the last bound only land in the +Inf bucket via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, coreCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	type requestMetric struct {
		requestKey
		value uint64
	}
	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
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
	builder.WriteString("# HELP taskmesh_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE taskmesh_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("taskmesh_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	type errorMetric struct {
		latencyKey
		value uint64
	}
	errs := make([]errorMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, errorMetric{latencyKey: key, value: value})
	}
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].handler == errs[j].handler {
			return errs[i].method < errs[j].method
		}
		return errs[i].handler < errs[j].handler
	})
	builder.WriteString("# HELP taskmesh_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE taskmesh_http_request_errors_total counter\n")
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("taskmesh_http_request_errors_total{handler=%q,method=%q} %d\n",
			escape(metric.handler), escape(metric.method), metric.value))
	}

	type latencyMetric struct {
		latencyKey
		hist histogram
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{latencyKey: key, hist: histogram{
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		}})
	}
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})
	builder.WriteString("# HELP taskmesh_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE taskmesh_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.hist.buckets {
			builder.WriteString(fmt.Sprintf("taskmesh_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				escape(metric.handler), escape(metric.method), formatFloat(bound), metric.hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("taskmesh_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.hist.count))
		builder.WriteString(fmt.Sprintf("taskmesh_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			escape(metric.handler), escape(metric.method), formatFloat(metric.hist.sum)))
		builder.WriteString(fmt.Sprintf("taskmesh_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			escape(metric.handler), escape(metric.method), metric.hist.count))
	}

	kinds := make([]string, 0, len(c.settlements))
	for kind := range c.settlements {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	builder.WriteString("# HELP taskmesh_settlements_total Total number of fund movements by kind.\n")
	builder.WriteString("# TYPE taskmesh_settlements_total counter\n")
	for _, kind := range kinds {
		builder.WriteString(fmt.Sprintf("taskmesh_settlements_total{kind=%q} %d\n", escape(kind), c.settlements[kind]))
	}

	return builder.String()
}

// escape strips newlines; quoting and backslash escaping are handled by %q.
func escape(value string) string {
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
