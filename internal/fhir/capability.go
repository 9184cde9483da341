package fhir

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
)

// Software identifies the server implementation from the capability statement.
type Software struct {
	Name    string
	Version string
}

// CapabilityStatement is the subset of the server's metadata document the
// inspector needs: a banner, the implementation base URL used to derive page
// cursors, and the list of resource types the server handles.
type CapabilityStatement struct {
	FHIRVersion string
	Software    Software

	// ImplementationURL is the server-reported base URL. Some servers emit
	// "next" links under this URL even when it differs from the endpoint the
	// client connected to, so it is the prefix used for cursor derivation.
	ImplementationURL string

	// ResourceTypes lists the types declared under rest[0].resource, in
	// document order.
	ResourceTypes []string
}

// Metadata fetches and parses the server's capability statement.
//
// This is performed once before any fetch run; a failure here is the
// "connectivity failure" case and aborts the whole operation.
func (c *Client) Metadata(ctx context.Context) (*CapabilityStatement, error) {
	raw, err := c.RequestJSON(ctx, "metadata")
	if err != nil {
		return nil, err
	}
	return ParseCapability(raw)
}

// ParseCapability extracts the inspector-relevant fields from a raw
// CapabilityStatement document.
//
// Edge cases:
//   - Missing optional fields (software, implementation) yield zero values.
//   - A document whose resourceType is not "CapabilityStatement" is rejected.
func ParseCapability(raw []byte) (*CapabilityStatement, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("fhir: capability statement is not valid JSON")
	}

	doc := gjson.ParseBytes(raw)
	if rt := doc.Get("resourceType").String(); rt != "CapabilityStatement" {
		return nil, fmt.Errorf("fhir: expected CapabilityStatement, got %q", rt)
	}

	cs := &CapabilityStatement{
		FHIRVersion: doc.Get("fhirVersion").String(),
		Software: Software{
			Name:    doc.Get("software.name").String(),
			Version: doc.Get("software.version").String(),
		},
		ImplementationURL: doc.Get("implementation.url").String(),
	}

	for _, r := range doc.Get("rest.0.resource").Array() {
		if t := r.Get("type").String(); t != "" {
			cs.ResourceTypes = append(cs.ResourceTypes, t)
		}
	}

	return cs, nil
}
