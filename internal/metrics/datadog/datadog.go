// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Flushing model:
//   - metrics are buffered in-memory (fast, lock-protected)
//   - a background loop calls Flush() on a ticker (default: once per minute)
//   - Close() stops the loop and performs one final Flush()
//
// Long-running fetches therefore produce a time series while they run, and
// short-lived commands still get a final tail flush at shutdown.
//
// Concurrency model:
//   - fetch code can call IncCounter/ObserveHistogram at any time
//   - Flush snapshots and resets buffers under a mutex, then submits out-of-lock
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"fhirspect/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "fhirspect".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:fhirspect"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets them; unit tests can
	// set them to avoid real network submission and nondeterministic clocks.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal interface needed to submit metrics.
//
// The Datadog SDK exposes a concrete *datadogV2.MetricsApi which cannot be
// stubbed without real HTTP; Backend depends on this tiny interface instead.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	reqCounts  map[string]float64 // status -> count
	errCounts  map[string]float64 // status -> count
	pageCounts map[string]float64 // resource -> count
	recCounts  map[string]float64 // resource -> count
	valCounts  map[string]float64 // resource -> count

	reqDur    map[string][]float64 // status -> seconds
	downloadB map[string][]float64 // status -> bytes
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "fhirspect".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Errors:
//   - Datadog client construction is not expected to fail under normal
//     conditions; network errors surface from Flush().
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "fhirspect"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		cfg := dd.NewConfiguration()
		client := dd.NewAPIClient(cfg)
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,

		reqCounts:  make(map[string]float64),
		errCounts:  make(map[string]float64),
		pageCounts: make(map[string]float64),
		recCounts:  make(map[string]float64),
		valCounts:  make(map[string]float64),

		reqDur:    make(map[string][]float64),
		downloadB: make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush().
//
// Close must be called at most once; a second call panics (stopCh is closed
// twice). This mirrors typical "Close once" semantics and is acceptable for
// process-lifetime backends.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "fhirspect_http_requests_total":
		b.reqCounts[statusLabel(labels)] += delta
	case "fhirspect_http_errors_total":
		b.errCounts[statusLabel(labels)] += delta
	case "fhirspect_pages_total":
		b.pageCounts[resourceLabel(labels)] += delta
	case "fhirspect_records_total":
		b.recCounts[resourceLabel(labels)] += delta
	case "fhirspect_validation_failures_total":
		b.valCounts[resourceLabel(labels)] += delta
	default:
		// Ignore unknown metrics by design.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "fhirspect_http_request_duration_seconds":
		k := statusLabel(labels)
		b.reqDur[k] = append(b.reqDur[k], value)
	case "fhirspect_http_download_bytes":
		k := statusLabel(labels)
		b.downloadB[k] = append(b.downloadB[k], value)
	default:
		// Ignore unknown histograms by design.
	}
}

func statusLabel(labels metrics.Labels) string {
	if s := labels["status"]; s != "" {
		return s
	}
	return "unknown"
}

func resourceLabel(labels metrics.Labels) string {
	if s := labels["resource"]; s != "" {
		return s
	}
	return "unknown"
}

// snapshot is the buffered metric state detached from the Backend so Flush
// can build and submit the payload out-of-lock.
type snapshot struct {
	reqCounts  map[string]float64
	errCounts  map[string]float64
	pageCounts map[string]float64
	recCounts  map[string]float64
	valCounts  map[string]float64

	reqDur    map[string][]float64
	downloadB map[string][]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		reqCounts:  b.reqCounts,
		errCounts:  b.errCounts,
		pageCounts: b.pageCounts,
		recCounts:  b.recCounts,
		valCounts:  b.valCounts,

		reqDur:    b.reqDur,
		downloadB: b.downloadB,
	}

	b.reqCounts = make(map[string]float64)
	b.errCounts = make(map[string]float64)
	b.pageCounts = make(map[string]float64)
	b.recCounts = make(map[string]float64)
	b.valCounts = make(map[string]float64)

	b.reqDur = make(map[string][]float64)
	b.downloadB = make(map[string][]float64)

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.reqCounts) == 0 &&
		len(s.errCounts) == 0 &&
		len(s.pageCounts) == 0 &&
		len(s.recCounts) == 0 &&
		len(s.valCounts) == 0 &&
		len(s.reqDur) == 0 &&
		len(s.downloadB) == 0
}

// Flush submits buffered metrics to Datadog and resets local buffers.
//
// Flush resets buffers even if submission fails, to keep the fetch loop fast
// and avoid blocking future writes.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	nowUnix := b.now().Unix()
	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, nowUnix)}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed timestamp.
//
// It is pure (no locks, no network, no clocks), which keeps the naming and
// tagging contract unit-testable.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, 32)

	countsByStatus := func(metric string, m map[string]float64) {
		for status, v := range m {
			if v == 0 {
				continue
			}
			series = append(series, countSeries(metric, v, withTags(b.baseTags, "status:"+status), nowUnix))
		}
	}
	countsByResource := func(metric string, m map[string]float64) {
		for resource, v := range m {
			if v == 0 {
				continue
			}
			series = append(series, countSeries(metric, v, withTags(b.baseTags, "resource:"+resource), nowUnix))
		}
	}

	countsByStatus("fhirspect.http.requests.total", s.reqCounts)
	countsByStatus("fhirspect.http.errors.total", s.errCounts)
	countsByResource("fhirspect.pages.total", s.pageCounts)
	countsByResource("fhirspect.records.total", s.recCounts)
	countsByResource("fhirspect.validation_failures.total", s.valCounts)

	for status, samples := range s.reqDur {
		addPercentiles(&series, withTags(b.baseTags, "status:"+status), "fhirspect.http.request_duration_seconds", samples, nowUnix)
	}
	for status, samples := range s.downloadB {
		addPercentiles(&series, withTags(b.baseTags, "status:"+status), "fhirspect.http.download_bytes", samples, nowUnix)
	}

	return series
}

// addPercentiles appends a fixed set of percentile gauges for a sample set.
//
// Edge cases:
//   - If samples is empty, it does nothing.
//   - It sorts a copy of samples (does not mutate input).
func addPercentiles(series *[]datadogV2.MetricSeries, tags []string, metricPrefix string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series, gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix))
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:fhirspect".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
