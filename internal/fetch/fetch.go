// Package fetch drives the paginated aggregation pipeline: it follows "next"
// links from a starting query and streams every decoded record to a pluggable
// sink, one page at a time.
//
// The pipeline is strictly sequential: page request, decode, and sink
// delivery form one synchronous sequence per record. The only suspension
// point is the page-request network I/O.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"fhirspect/internal/fhir"
	"fhirspect/internal/metrics"
)

// Sink consumes individual decoded records.
//
// Accept must not fail in a way the fetch loop needs to handle: sink-level
// errors are the sink's own responsibility, and a delivered record is never
// retried.
type Sink interface {
	Accept(resource map[string]any)
}

// BundleReader is the transport/decode collaborator: given a relative query
// path it returns a decoded page, a validation failure (wrapping
// fhir.ErrInvalidPage), or a fatal transport error.
type BundleReader interface {
	ReadBundle(ctx context.Context, path string) (*fhir.Bundle, error)
}

// Progress receives a status update after each delivered page. It is a side
// channel and must not affect control flow or ordering.
type Progress func(received, total int)

// Options bound one fetch run.
type Options struct {
	// Limit caps the number of records to receive; 0 means no limit.
	// Pages are always delivered in full, so the final count may exceed
	// Limit by up to one page's size.
	Limit int

	// Progress, when non-nil, is invoked after each page.
	Progress Progress
}

// ErrNoResources reports a count query that matched zero records.
var ErrNoResources = errors.New("fetch: no resources of requested type on server")

// Fetcher follows pagination links and streams records to a sink.
type Fetcher struct {
	reader   BundleReader
	implBase string
	job      string
}

// New builds a Fetcher. implBase is the capability statement's implementation
// URL, used to derive page cursors from absolute "next" links.
func New(reader BundleReader, implBase string) *Fetcher {
	return &Fetcher{reader: reader, implBase: implBase, job: "fhirspect"}
}

// Count runs a count-only query for resourceType and returns the
// server-reported total.
//
// Errors:
//   - Transport and decode failures propagate.
//   - A bundle without a total is an error: count queries must report one.
func (f *Fetcher) Count(ctx context.Context, resourceType string) (int, error) {
	b, err := f.reader.ReadBundle(ctx, resourceType+"?_summary=count")
	if err != nil {
		return 0, err
	}
	if !b.HasTotal {
		return 0, fmt.Errorf("fetch: count query for %q returned no total", resourceType)
	}
	return b.Total, nil
}

// Fetch enumerates all resources of resourceType, delivering each decoded
// record to sink in page order.
//
// Behavior:
//   - Runs a count query first; a zero total returns ErrNoResources.
//   - Follows "next" links until none remains, the record limit is reached,
//     or an error occurs.
//   - A page decode/validation failure (fhir.ErrInvalidPage) stops the loop
//     and is returned; records already delivered remain valid, and callers
//     must report them as a partial result rather than discard them.
//   - Any other request failure is fatal and propagates immediately.
//
// Returns the number of records delivered and the server-reported total.
func (f *Fetcher) Fetch(ctx context.Context, resourceType string, opt Options, sink Sink) (received, total int, err error) {
	total, err = f.Count(ctx, resourceType)
	if err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrNoResources, resourceType)
	}

	cursor := resourceType
	for {
		b, err := f.reader.ReadBundle(ctx, cursor)
		if err != nil {
			if errors.Is(err, fhir.ErrInvalidPage) {
				metrics.RecordValidationFailure(f.job, resourceType)
			}
			return received, total, err
		}

		for _, rec := range b.Entries {
			sink.Accept(rec)
		}
		received += len(b.Entries)
		metrics.RecordPage(f.job, resourceType, len(b.Entries))

		if opt.Progress != nil {
			opt.Progress(received, total)
		}

		// A page is always delivered in full before the limit check, so the
		// final count may overshoot the limit by up to one page.
		if opt.Limit > 0 && received >= opt.Limit {
			return received, total, nil
		}

		next, ok := NextCursor(b.Links, f.implBase)
		if !ok {
			return received, total, nil
		}
		cursor = next
	}
}
