package fhir

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidPage classifies page-level decode/validation failures.
//
// The fetch loop treats errors matching this sentinel as "stop the loop, keep
// partial results"; every other error aborts the whole operation.
var ErrInvalidPage = errors.New("fhir: bundle failed validation")

// Link is one entry of a bundle's link set.
type Link struct {
	Relation string
	URL      string
}

// Bundle is one decoded page of a paginated query.
//
// Entries holds the successfully decoded resource documents in page order.
// When page-level validation discards entries (relaxed mode, see
// DecodeBundle), Entries is nil while Total and Links remain usable.
type Bundle struct {
	// Total is the server-reported total matching record count.
	// Valid only when HasTotal is true.
	Total    int
	HasTotal bool

	Entries []map[string]any
	Links   []Link
}

// bundleSchema validates the envelope and every entry resource. It is a
// deliberately small subset of the FHIR Bundle schema: enough to reject
// payloads the pipeline cannot process, nothing more.
const bundleSchemaJSON = `{
	"type": "object",
	"required": ["resourceType"],
	"properties": {
		"resourceType": {"enum": ["Bundle"]},
		"total": {"type": "integer", "minimum": 0},
		"link": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["relation", "url"],
				"properties": {
					"relation": {"type": "string"},
					"url": {"type": "string"}
				}
			}
		},
		"entry": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["resource"],
				"properties": {
					"resource": {
						"type": "object",
						"required": ["resourceType"],
						"properties": {
							"resourceType": {"type": "string"}
						}
					}
				}
			}
		}
	}
}`

var bundleSchema = mustCompileSchema(bundleSchemaJSON)

func mustCompileSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("fhir: compile bundle schema: %v", err))
	}
	return s
}

// DecodeBundle turns a raw bundle payload into a Bundle.
//
// Validation modes:
//   - strict: the payload is validated against bundleSchema; any violation
//     (envelope or entry) returns an error wrapping ErrInvalidPage.
//   - relaxed: the envelope is decoded best-effort, but a page containing ANY
//     invalid entry loses ALL of its entries. This mirrors the documented
//     lossy behavior of the upstream decoding layer: callers see a page with
//     a nonzero total and zero entries, and must surface that as a caveat
//     rather than attempt repair.
//
// Payloads that are not parseable JSON objects fail in both modes.
func DecodeBundle(raw []byte, strict bool) (*Bundle, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPage)
	}

	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrInvalidPage)
	}

	if strict {
		res, err := bundleSchema.Validate(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPage, err)
		}
		if !res.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPage, formatSchemaErrors(res))
		}
	} else if rt := doc.Get("resourceType").String(); rt != "Bundle" {
		return nil, fmt.Errorf("%w: expected Bundle, got %q", ErrInvalidPage, rt)
	}

	b := &Bundle{}

	if t := doc.Get("total"); t.Exists() {
		b.Total = int(t.Int())
		b.HasTotal = true
	}

	for _, l := range doc.Get("link").Array() {
		b.Links = append(b.Links, Link{
			Relation: l.Get("relation").String(),
			URL:      l.Get("url").String(),
		})
	}

	entries := doc.Get("entry").Array()
	for _, e := range entries {
		res := e.Get("resource")
		obj, ok := res.Value().(map[string]any)
		if !ok || res.Get("resourceType").String() == "" {
			// Relaxed mode: one bad entry discards the whole page's entries.
			b.Entries = nil
			return b, nil
		}
		b.Entries = append(b.Entries, obj)
	}

	return b, nil
}

func formatSchemaErrors(res *gojsonschema.Result) string {
	errs := res.Errors()
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}

// PageSource couples a Client with a validation mode, yielding the
// transport/decode collaborator the fetch loop consumes.
type PageSource struct {
	client *Client
	strict bool
}

// NewPageSource builds a PageSource. strict selects the validation mode used
// for every page this source reads.
func NewPageSource(client *Client, strict bool) *PageSource {
	return &PageSource{client: client, strict: strict}
}

// ReadBundle requests the page at the given relative path and decodes it.
//
// Error classification:
//   - decode/validation failures wrap ErrInvalidPage
//   - transport failures do not, and are fatal to the caller
func (s *PageSource) ReadBundle(ctx context.Context, path string) (*Bundle, error) {
	raw, err := s.client.RequestJSON(ctx, path)
	if err != nil {
		return nil, err
	}
	return DecodeBundle(raw, s.strict)
}
