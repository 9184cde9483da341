package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// captureBackend records every call for assertions.
type captureBackend struct {
	mu       sync.Mutex
	counters map[string]float64
	observed map[string][]float64
	labels   map[string]Labels
}

func newCaptureBackend() *captureBackend {
	return &captureBackend{
		counters: map[string]float64{},
		observed: map[string][]float64{},
		labels:   map[string]Labels{},
	}
}

func (c *captureBackend) IncCounter(name string, delta float64, labels Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += delta
	c.labels[name] = labels
}

func (c *captureBackend) ObserveHistogram(name string, value float64, labels Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed[name] = append(c.observed[name], value)
	c.labels[name] = labels
}

func (c *captureBackend) Flush() error { return nil }

func withBackend(t *testing.T, b Backend) {
	t.Helper()
	SetBackend(b)
	t.Cleanup(func() { SetBackend(nil) })
}

func TestRecordHTTP(t *testing.T) {
	b := newCaptureBackend()
	withBackend(t, b)

	RecordHTTP("fhirspect", 200, nil, 150*time.Millisecond, 2048)

	if b.counters["fhirspect_http_requests_total"] != 1 {
		t.Fatalf("requests counter = %v, want 1", b.counters["fhirspect_http_requests_total"])
	}
	if b.counters["fhirspect_http_errors_total"] != 0 {
		t.Fatalf("errors counter = %v, want 0", b.counters["fhirspect_http_errors_total"])
	}
	if got := b.observed["fhirspect_http_request_duration_seconds"]; len(got) != 1 || got[0] != 0.15 {
		t.Fatalf("duration observations = %v, want [0.15]", got)
	}
	if got := b.labels["fhirspect_http_requests_total"]; got["status"] != "200" || got["job"] != "fhirspect" {
		t.Fatalf("labels = %v", got)
	}
}

func TestRecordHTTP_ErrorPaths(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		err        error
		wantStatus string
	}{
		{"transport error without response", 0, errors.New("refused"), "unknown"},
		{"http error status", 500, errors.New("status"), "500"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			b := newCaptureBackend()
			withBackend(t, b)

			RecordHTTP("fhirspect", tt.status, tt.err, time.Millisecond, -1)

			if b.counters["fhirspect_http_errors_total"] != 1 {
				t.Fatalf("errors counter = %v, want 1", b.counters["fhirspect_http_errors_total"])
			}
			if got := b.labels["fhirspect_http_errors_total"]["status"]; got != tt.wantStatus {
				t.Fatalf("status label = %q, want %q", got, tt.wantStatus)
			}
			// Negative size must not be observed.
			if got := b.observed["fhirspect_http_download_bytes"]; len(got) != 0 {
				t.Fatalf("download observations = %v, want none", got)
			}
		})
	}
}

func TestRecordPage(t *testing.T) {
	b := newCaptureBackend()
	withBackend(t, b)

	RecordPage("fhirspect", "Patient", 20)
	RecordPage("fhirspect", "Patient", 0)

	if b.counters["fhirspect_pages_total"] != 2 {
		t.Fatalf("pages counter = %v, want 2", b.counters["fhirspect_pages_total"])
	}
	if b.counters["fhirspect_records_total"] != 20 {
		t.Fatalf("records counter = %v, want 20", b.counters["fhirspect_records_total"])
	}
}

func TestRecordValidationFailure(t *testing.T) {
	b := newCaptureBackend()
	withBackend(t, b)

	RecordValidationFailure("fhirspect", "Patient")
	if b.counters["fhirspect_validation_failures_total"] != 1 {
		t.Fatalf("validation failures = %v, want 1", b.counters["fhirspect_validation_failures_total"])
	}
}

func TestSetBackend_NilRestoresNop(t *testing.T) {
	SetBackend(nil)
	// Must be usable without panicking.
	RecordPage("fhirspect", "Patient", 1)
	if err := Flush(); err != nil {
		t.Fatalf("Flush on nop backend: %v", err)
	}
}
