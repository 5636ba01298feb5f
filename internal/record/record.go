// Package record defines the practitioner record model and the signature
// used to detect duplicates independent of storage-level constraints.
package record

import "strings"

// Sentinel is the literal stored in place of a missing field value. The
// extractor never produces empty strings, so every component downstream can
// rely on a field being either meaningful or exactly this marker.
const Sentinel = "undefined"

// Record is one practitioner entry discovered in the directory.
type Record struct {
	Name              string `json:"name"`
	Identifier        string `json:"identifier"`
	Category          string `json:"category"`
	Status            string `json:"status"`
	Qualification     string `json:"qualification"`
	QualificationDate string `json:"qualification_date"`
	Address           string `json:"address"`
	City              string `json:"city"`
}

// HasIdentifier reports whether the business identifier is present and not
// the sentinel marker. Comparison trims whitespace and ignores case.
func (r Record) HasIdentifier() bool {
	id := strings.TrimSpace(r.Identifier)
	return id != "" && !strings.EqualFold(id, Sentinel)
}

// SignatureKind distinguishes identifier-based signatures from the
// normalized-composite fallback.
type SignatureKind string

// Signature kinds.
const (
	Keyed    SignatureKind = "keyed"
	Fallback SignatureKind = "fallback"
)

// Signature is the derived identity of a Record. It is comparable and safe
// to use as a map key.
type Signature struct {
	Kind SignatureKind
	Key  string
}

// compositeSep joins fallback fields; the unit separator cannot appear in
// extracted text because the extractor collapses whitespace.
const compositeSep = "\x1f"

// Compute derives the Signature for a record. Records with a usable business
// identifier are keyed on it alone; otherwise a case- and whitespace-
// insensitive composite of the remaining fields is used, so two extractions
// differing only in capitalization or spacing collapse to one signature.
func Compute(r Record) Signature {
	if r.HasIdentifier() {
		return Signature{Kind: Keyed, Key: strings.TrimSpace(r.Identifier)}
	}
	fields := []string{
		r.Name,
		r.Category,
		r.Status,
		r.Qualification,
		r.QualificationDate,
		r.Address,
		r.City,
	}
	norm := make([]string, len(fields))
	for i, f := range fields {
		norm[i] = strings.ToLower(strings.TrimSpace(f))
	}
	return Signature{Kind: Fallback, Key: strings.Join(norm, compositeSep)}
}
