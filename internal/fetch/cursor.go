package fetch

import (
	"strings"

	"fhirspect/internal/fhir"
)

// NextCursor derives the relative path of the next page from a bundle's link
// set. ok is false when the link set carries no "next" relation, which is the
// normal end-of-pagination signal.
//
// Some servers emit "next" links under a different host than the endpoint the
// client connected to. The workaround (inherited server inconsistency) is to
// split the absolute link on the capability statement's implementation base
// URL and keep what follows, trimming a leading slash. When implBase is not
// a substring of the link, the link is returned unchanged apart from the
// leading slash trim. The heuristic is fragile, which is why it lives in this
// one pure function.
func NextCursor(links []fhir.Link, implBase string) (cursor string, ok bool) {
	for _, l := range links {
		if l.Relation != "next" {
			continue
		}
		u := l.URL
		if implBase != "" {
			if i := strings.LastIndex(u, implBase); i >= 0 {
				u = u[i+len(implBase):]
			}
		}
		return strings.TrimLeft(u, "/"), true
	}
	return "", false
}
