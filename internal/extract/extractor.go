// Package extract parses directory search-result markup into practitioner
// records. Each result card carries labeled rows; fields are pulled by
// locating the label text and reading its paired value container.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/jdevroede/hcw-crawler/internal/record"
)

// noAddressPhrase marks entries without a known primary work address.
const noAddressPhrase = "geen hoofdwerkadres"

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	dayMonthRe   = regexp.MustCompile(`(\d{1,2})/(\d{1,2})/(\d{4})`)
	postalCodeRe = regexp.MustCompile(`^\d{4}$`)
)

// fieldRule maps a card row label to a Record field. Adding a field is a
// data change here, not a code change in the walk below.
type fieldRule struct {
	label  string
	assign func(*record.Record, string)
}

var fieldRules = []fieldRule{
	{"Naam", func(r *record.Record, v string) { r.Name = v }},
	{"RIZIV-nr", func(r *record.Record, v string) { r.Identifier = v }},
	{"Beroep", func(r *record.Record, v string) { r.Category = v }},
	{"Conv.", func(r *record.Record, v string) { r.Status = v }},
	{"Kwalificatie", func(r *record.Record, v string) { r.Qualification = v }},
	{"Kwal. datum", func(r *record.Record, v string) { r.QualificationDate = v }},
	{"Werkadres", func(r *record.Record, v string) { r.Address = v }},
}

// Extractor turns result-page markup into records.
type Extractor struct {
	logger *zap.Logger
}

// New builds an Extractor. A nil logger is replaced with a no-op.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract parses a document and returns every record it could read. A
// malformed card is logged and skipped; it never aborts the page. The error
// is non-nil only when the markup itself cannot be parsed.
func (e *Extractor) Extract(markup string) ([]record.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse result page: %w", err)
	}

	var records []record.Record
	doc.Find(".card").Each(func(idx int, card *goquery.Selection) {
		rec, err := e.extractCard(card)
		if err != nil {
			e.logger.Warn("skipping malformed result card",
				zap.Int("card", idx+1), zap.Error(err))
			return
		}
		e.logger.Debug("parsed result card",
			zap.Int("card", idx+1),
			zap.String("name", rec.Name),
			zap.String("identifier", rec.Identifier))
		records = append(records, rec)
	})
	return records, nil
}

func (e *Extractor) extractCard(card *goquery.Selection) (record.Record, error) {
	rows := card.Find("div.row")
	if rows.Length() == 0 {
		return record.Record{}, fmt.Errorf("card has no labeled rows")
	}
	var rec record.Record
	for _, rule := range fieldRules {
		rule.assign(&rec, valueForLabel(rows, rule.label))
	}
	rec.QualificationDate = NormalizeDate(rec.QualificationDate)
	rec.City = DeriveCity(rec.Address)
	return rec, nil
}

// valueForLabel scans the card rows for one whose label contains the given
// text and returns the normalized content of its paired value container.
// Missing fields resolve to the sentinel, never to an empty string, so
// signature computation stays stable.
func valueForLabel(rows *goquery.Selection, label string) string {
	value := record.Sentinel
	rows.EachWithBreak(func(_ int, row *goquery.Selection) bool {
		labelSel := row.Find("label").First()
		if labelSel.Length() == 0 || !strings.Contains(strings.TrimSpace(labelSel.Text()), label) {
			return true
		}
		container := row.Find("div.col-sm-8").First()
		if container.Length() == 0 {
			return false
		}
		// Prefer the small fragments the directory splits values into.
		var parts []string
		container.Find("small").Each(func(_ int, small *goquery.Selection) {
			parts = append(parts, small.Text())
		})
		raw := strings.Join(parts, " ")
		if len(parts) == 0 {
			raw = container.Text()
		}
		if normalized := CollapseWhitespace(raw); normalized != "" {
			value = normalized
		}
		return false
	})
	return value
}

// CollapseWhitespace folds runs of whitespace into single spaces and trims
// both ends.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// NormalizeDate searches the raw value for a D/M/YYYY pattern and rewrites
// it as YYYY-MM-DD when calendar-valid. Anything else is kept verbatim.
func NormalizeDate(raw string) string {
	if raw == "" || strings.EqualFold(raw, record.Sentinel) {
		return raw
	}
	m := dayMonthRe.FindStringSubmatch(raw)
	if m == nil {
		return raw
	}
	day, month, year := atoi(m[1]), atoi(m[2]), atoi(m[3])
	parsed := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if parsed.Year() != year || parsed.Month() != time.Month(month) || parsed.Day() != day {
		// Calendar-invalid values like 99/99/9999 stay as scraped.
		return raw
	}
	return parsed.Format("2006-01-02")
}

// DeriveCity extracts the city from a work address. The first 4-digit token
// is treated as the postal code and everything after it is the city; without
// one, the last two tokens are joined as a fallback. Addresses that are
// absent or carry the no-known-address phrase yield the sentinel.
func DeriveCity(address string) string {
	if address == "" || strings.EqualFold(address, record.Sentinel) {
		return record.Sentinel
	}
	if strings.Contains(strings.ToLower(address), noAddressPhrase) {
		return record.Sentinel
	}
	tokens := strings.Fields(address)
	for i, tok := range tokens {
		if postalCodeRe.MatchString(tok) {
			if city := CollapseWhitespace(strings.Join(tokens[i+1:], " ")); city != "" {
				return city
			}
			break
		}
	}
	if len(tokens) >= 2 {
		return tokens[len(tokens)-2] + ", " + tokens[len(tokens)-1]
	}
	return record.Sentinel
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}
