package fetch

import (
	"testing"

	"fhirspect/internal/fhir"
)

func TestNextCursor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		links    []fhir.Link
		implBase string
		want     string
		wantOK   bool
	}{
		{
			name:   "no links",
			links:  nil,
			wantOK: false,
		},
		{
			name: "no next relation",
			links: []fhir.Link{
				{Relation: "self", URL: "https://srv/fhir/Patient"},
			},
			wantOK: false,
		},
		{
			name: "next under implementation base",
			links: []fhir.Link{
				{Relation: "self", URL: "https://srv/fhir/Patient"},
				{Relation: "next", URL: "https://srv/fhir/Patient?page=2"},
			},
			implBase: "https://srv/fhir",
			want:     "Patient?page=2",
			wantOK:   true,
		},
		{
			name: "next under a different host than the endpoint",
			links: []fhir.Link{
				{Relation: "next", URL: "http://internal:8080/fhir/Patient?page=2"},
			},
			implBase: "http://internal:8080/fhir",
			want:     "Patient?page=2",
			wantOK:   true,
		},
		{
			name: "implementation base not a prefix",
			links: []fhir.Link{
				{Relation: "next", URL: "/Patient?page=3"},
			},
			implBase: "https://other/fhir",
			want:     "Patient?page=3",
			wantOK:   true,
		},
		{
			name: "empty implementation base trims leading slash only",
			links: []fhir.Link{
				{Relation: "next", URL: "/Patient?page=4"},
			},
			want:   "Patient?page=4",
			wantOK: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := NextCursor(tt.links, tt.implBase)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("NextCursor() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
