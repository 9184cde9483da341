// Package metrics defines the minimal metrics surface used by fhirspect.
//
// The core fetch/inspect code depends only on the Backend interface and the
// package-level Record* helpers. Concrete backends (e.g. Datadog) live in
// subpackages and are wired in by the command layer.
//
// The default backend is a no-op, so library code can record metrics
// unconditionally without the CLI having configured anything.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels carries metric dimensions as simple string pairs.
type Labels map[string]string

// Backend is the minimal interface a metrics sink must implement.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide metrics backend.
//
// Passing nil restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

// Flush flushes the installed backend.
func Flush() error {
	mu.RLock()
	b := backend
	mu.RUnlock()
	return b.Flush()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// RecordHTTP records one HTTP request made against the FHIR server.
//
// status==0 together with a non-nil err means the request never produced a
// response (network error, timeout).
func RecordHTTP(job string, status int, err error, reqDur time.Duration, size int64) {
	b := current()

	st := "unknown"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	labels := Labels{"job": job, "status": st}

	b.IncCounter("fhirspect_http_requests_total", 1, labels)
	if err != nil || status >= 400 {
		b.IncCounter("fhirspect_http_errors_total", 1, labels)
	}
	if reqDur >= 0 {
		b.ObserveHistogram("fhirspect_http_request_duration_seconds", reqDur.Seconds(), labels)
	}
	if size >= 0 {
		b.ObserveHistogram("fhirspect_http_download_bytes", float64(size), labels)
	}
}

// RecordPage records one successfully decoded bundle page and the number of
// entries it delivered to the sink.
func RecordPage(job, resourceType string, entries int) {
	b := current()
	labels := Labels{"job": job, "resource": resourceType}

	b.IncCounter("fhirspect_pages_total", 1, labels)
	if entries > 0 {
		b.IncCounter("fhirspect_records_total", float64(entries), labels)
	}
}

// RecordValidationFailure records a page that failed decode/validation.
func RecordValidationFailure(job, resourceType string) {
	current().IncCounter("fhirspect_validation_failures_total", 1, Labels{
		"job":      job,
		"resource": resourceType,
	})
}
