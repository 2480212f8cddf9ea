package enrich

import (
	"regexp"
	"strconv"
	"strings"
)

// Address matching for certificate enrichment. Both sides are normalised the
// same way before comparison; candidates are ranked by a Ratcliff-Obershelp
// similarity ratio and validated geographically by the caller.

var (
	postalCodeRe   = regexp.MustCompile(`\b\d{5}\b`)
	streetNumberRe = regexp.MustCompile(`\b(\d{1,4})\b`)
)

// roadAbbreviations expands the short road-type forms common in certificate
// records to the full words used in listings addresses.
var roadAbbreviations = map[string]string{
	"AV":   "AVENUE",
	"AVE":  "AVENUE",
	"BD":   "BOULEVARD",
	"BLVD": "BOULEVARD",
	"PL":   "PLACE",
	"RTE":  "ROUTE",
	"CHE":  "CHEMIN",
	"CHEM": "CHEMIN",
	"ALL":  "ALLEE",
	"IMP":  "IMPASSE",
	"SQ":   "SQUARE",
	"PAS":  "PASSAGE",
	"CRS":  "COURS",
	"QU":   "QUAI",
	"RES":  "RESIDENCE",
	"LOT":  "LOTISSEMENT",
	"ST":   "SAINT",
	"STE":  "SAINTE",
}

// NormalizeMatchAddress folds an address for similarity comparison: ASCII
// uppercase, postal codes stripped, road abbreviations expanded.
func NormalizeMatchAddress(s string) string {
	s = NormalizeText(s)
	s = postalCodeRe.ReplaceAllString(s, " ")

	fields := strings.Fields(s)
	for i, f := range fields {
		if full, ok := roadAbbreviations[f]; ok {
			fields[i] = full
		}
	}
	return strings.Join(fields, " ")
}

// ParseStreetNumber extracts the first street number from a normalised
// address, or 0 when none is present.
func ParseStreetNumber(s string) int {
	m := streetNumberRe.FindString(s)
	if m == "" {
		return 0
	}
	n, _ := strconv.Atoi(m)
	return n
}

// SimilarityRatio is the Ratcliff-Obershelp ratio over the two strings:
// twice the total matched length divided by the summed lengths, in [0, 1].
func SimilarityRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	m := matchedLen(a, b)
	return 2 * float64(m) / float64(len(a)+len(b))
}

// matchedLen sums the lengths of the recursively longest common substrings.
func matchedLen(a, b string) int {
	ai, bi, n := longestCommonSubstring(a, b)
	if n == 0 {
		return 0
	}
	return n + matchedLen(a[:ai], b[:bi]) + matchedLen(a[ai+n:], b[bi+n:])
}

func longestCommonSubstring(a, b string) (ai, bi, n int) {
	// lengths[j] is the match length ending at (i, j); one row of the DP
	// table is enough.
	lengths := make([]int, len(b)+1)
	for i := 0; i < len(a); i++ {
		prev := 0
		for j := 0; j < len(b); j++ {
			cur := lengths[j+1]
			if a[i] == b[j] {
				lengths[j+1] = prev + 1
				if lengths[j+1] > n {
					n = lengths[j+1]
					ai = i - n + 1
					bi = j - n + 1
				}
			} else {
				lengths[j+1] = 0
			}
			prev = cur
		}
	}
	return ai, bi, n
}
