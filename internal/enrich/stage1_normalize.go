package enrich

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"
)

// Date layouts at the stage-1 boundary. Input rows come from the scraper in
// the listings format; already-normalised rows pass through unchanged so the
// stage is idempotent.
const (
	listingDateLayout = "02/01/2006"
	isoDateLayout     = "2006-01-02"
)

// propertyTypeDictionary maps scraped labels (French and English) to the
// canonical enum. Unknown labels map to "other".
var propertyTypeDictionary = map[string]string{
	"MAISON":           "house",
	"VILLA":            "house",
	"HOUSE":            "house",
	"APPARTEMENT":      "apartment",
	"APARTMENT":        "apartment",
	"FLAT":             "apartment",
	"STUDIO":           "apartment",
	"TERRAIN":          "land",
	"LAND":             "land",
	"LOCAL":            "commercial",
	"LOCAL COMMERCIAL": "commercial",
	"COMMERCE":         "commercial",
	"COMMERCIAL":       "commercial",
	"BUREAU":           "commercial",
	"OTHER":            "other",
	"AUTRE":            "other",
}

// Normalizer is stage 1. It folds text to uppercase ASCII, coerces numeric
// fields, converts sale dates to ISO form, and drops rows missing the
// required address, city, or price.
type Normalizer struct{}

// NewNormalizer creates stage 1.
func NewNormalizer() *Normalizer { return &Normalizer{} }

func (s *Normalizer) Name() string { return "normalize" }

func (s *Normalizer) Run(_ context.Context, t *Table) (*Table, error) {
	out := &Table{Columns: t.Columns}
	dropped := 0

	for _, row := range t.Rows {
		r := row.clone()
		r["address_raw"] = NormalizeText(r["address_raw"])
		r["city_name"] = NormalizeText(r["city_name"])

		r["price"] = strconv.Itoa(coerceInt(r["price"]))
		r["surface"] = strconv.Itoa(coerceInt(r["surface"]))
		r["rooms"] = strconv.Itoa(coerceInt(r["rooms"]))

		iso, ok := normalizeSaleDate(r["sale_date"])
		if !ok {
			log.Printf("[Enrich] Dropping row with invalid sale_date %q (%s)", row["sale_date"], row["source_url"])
			dropped++
			continue
		}
		r["sale_date"] = iso

		r["property_type"] = normalizePropertyType(r["property_type"])

		if r["address_raw"] == "" || r["city_name"] == "" || r["price"] == "0" {
			dropped++
			continue
		}
		out.Rows = append(out.Rows, r)
	}

	if dropped > 0 {
		log.Printf("[Enrich] Normalizer dropped %d invalid row(s)", dropped)
	}
	return out, nil
}

// NormalizeText uppercases, folds diacritics to ASCII, and collapses runs of
// whitespace. Applying it twice is a no-op.
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		if folded, ok := diacritics[r]; ok {
			b.WriteString(folded)
			continue
		}
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// diacritics covers the accented characters seen in French addresses.
var diacritics = map[rune]string{
	'À': "A", 'Â': "A", 'Ä': "A", 'Á': "A", 'Ã': "A",
	'È': "E", 'É': "E", 'Ê': "E", 'Ë': "E",
	'Î': "I", 'Ï': "I", 'Í': "I",
	'Ô': "O", 'Ö': "O", 'Ó': "O", 'Õ': "O",
	'Ù': "U", 'Û': "U", 'Ü': "U", 'Ú': "U",
	'Ç': "C", 'Ñ': "N", 'Œ': "OE", 'Æ': "AE", 'Ÿ': "Y",
}

// normalizeSaleDate converts a listings-format date to ISO. An already-ISO
// date is validated and kept as-is. Out-of-range dates (e.g. 31/02) fail.
func normalizeSaleDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if d, err := time.Parse(isoDateLayout, s); err == nil {
		return d.Format(isoDateLayout), true
	}
	d, err := time.Parse(listingDateLayout, s)
	if err != nil {
		return "", false
	}
	return d.Format(isoDateLayout), true
}

func normalizePropertyType(s string) string {
	key := NormalizeText(s)
	if canonical, ok := propertyTypeDictionary[key]; ok {
		return canonical
	}
	// The scraper already emits canonical names; keep those.
	switch lower := strings.ToLower(key); lower {
	case "house", "apartment", "land", "commercial", "other":
		return lower
	}
	return "other"
}

// coerceInt parses a non-negative integer, tolerating decimal and grouping
// noise. Unparseable values coerce to zero.
func coerceInt(s string) int {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
		if r == '.' || r == ',' {
			break
		}
	}
	n, err := strconv.Atoi(b.String())
	if err != nil || n < 0 {
		return 0
	}
	return n
}
