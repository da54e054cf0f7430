// Package fingerprint derives cache keys for analysis requests.
package fingerprint

import (
	"strconv"
	"strings"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// Fingerprint identifies the set of requests that may share one cached
// result. It is a structural key rather than a hash, so two fingerprints are
// equal exactly when their components are equal.
type Fingerprint string

// Of returns the fingerprint of req given the provider order its model
// resolves to. Requests whose model choices resolve to the same order share a
// fingerprint.
func Of(req models.AnalysisRequest, order []models.ProviderID) Fingerprint {
	ids := make([]string, len(order))
	for i, id := range order {
		ids[i] = string(id)
	}

	var b strings.Builder
	// Quoting the subject keeps separators inside it from colliding.
	b.WriteString(strconv.Quote(req.SubjectID))
	b.WriteByte('|')
	b.WriteString(string(req.Type))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(req.DaysBack))
	b.WriteByte('|')
	b.WriteString(strings.Join(ids, ">"))
	return Fingerprint(b.String())
}

// String implements fmt.Stringer.
func (f Fingerprint) String() string { return string(f) }
