package enrich

import (
	"context"
	"log"
	"math"
	"strconv"

	"github.com/trackimmo/backend/internal/dpeapi"
	"github.com/trackimmo/backend/internal/geo"
)

const (
	// Text-candidate thresholds. The higher bar applies when either address
	// lacks a street number and similarity must carry the match alone.
	dpeMinRatio           = 0.70
	dpeMinRatioNumberless = 0.85

	// A text candidate only becomes a match when it sits within this many
	// metres of the row's geocoded position.
	dpeMaxDistanceM = 20

	// Street numbers may differ by this much and still be candidates.
	dpeNumberTolerance = 2
)

// CertificateSource is the slice of the certificate API stage 4 needs.
type CertificateSource interface {
	FetchByInsee(ctx context.Context, insee string) ([]dpeapi.Certificate, error)
	FetchByPostcode(ctx context.Context, postcode string) ([]dpeapi.Certificate, error)
}

// DPEEnricher is stage 4. It matches rows against energy certificates from
// the public datasets, first by address-text similarity, then validated by
// geographic proximity. Rows without coordinates pass through unmatched.
type DPEEnricher struct {
	certs CertificateSource
}

// NewDPEEnricher creates stage 4.
func NewDPEEnricher(certs CertificateSource) *DPEEnricher {
	return &DPEEnricher{certs: certs}
}

func (s *DPEEnricher) Name() string { return "dpe" }

// certCandidate is one certificate prepared for matching.
type certCandidate struct {
	cert     dpeapi.Certificate
	normAddr string
	number   int
}

func (s *DPEEnricher) Run(ctx context.Context, t *Table) (*Table, error) {
	out := &Table{Columns: t.Columns, Rows: make([]Row, 0, len(t.Rows))}
	out.AddColumns("dpe_number", "construction_year", "dpe_date",
		"energy_class", "ges_class", "dpe_confidence")

	// Group rows with coordinates by INSEE code, postal code as fallback.
	// Rows without coordinates cannot be validated geographically and are
	// passed through without certificate data.
	groups := make(map[string][]int)
	keyIsInsee := make(map[string]bool)
	for i, row := range t.Rows {
		out.Rows = append(out.Rows, row.clone())
		if row["latitude"] == "" || row["longitude"] == "" {
			continue
		}
		switch {
		case row["insee_code"] != "":
			groups[row["insee_code"]] = append(groups[row["insee_code"]], i)
			keyIsInsee[row["insee_code"]] = true
		case row["postal_code"] != "":
			groups[row["postal_code"]] = append(groups[row["postal_code"]], i)
		}
	}

	matched := 0
	for key, idxs := range groups {
		var certs []dpeapi.Certificate
		var err error
		if keyIsInsee[key] {
			certs, err = s.certs.FetchByInsee(ctx, key)
		} else {
			certs, err = s.certs.FetchByPostcode(ctx, key)
		}
		if err != nil {
			// Certificates are best-effort enrichment; a location failure
			// leaves its rows unmatched rather than failing the stage.
			log.Printf("[Enrich] Certificate fetch failed for %s: %v", key, err)
			continue
		}

		candidates := prepareCandidates(certs)
		for _, i := range idxs {
			if cert, confidence, ok := matchCertificate(out.Rows[i], candidates); ok {
				applyCertificate(out.Rows[i], cert, confidence)
				matched++
			}
		}
	}

	log.Printf("[Enrich] DPE matched %d of %d row(s)", matched, len(t.Rows))
	return out, nil
}

func prepareCandidates(certs []dpeapi.Certificate) []certCandidate {
	out := make([]certCandidate, 0, len(certs))
	for _, c := range certs {
		if c.Address == "" {
			continue
		}
		norm := NormalizeMatchAddress(c.Address)
		out = append(out, certCandidate{cert: c, normAddr: norm, number: ParseStreetNumber(norm)})
	}
	return out
}

// matchCertificate runs the two-phase match for one row: text candidates
// first, then the closest geographically validated candidate wins.
func matchCertificate(row Row, candidates []certCandidate) (dpeapi.Certificate, int, bool) {
	lat, err1 := strconv.ParseFloat(row["latitude"], 64)
	lon, err2 := strconv.ParseFloat(row["longitude"], 64)
	if err1 != nil || err2 != nil {
		return dpeapi.Certificate{}, 0, false
	}

	rowAddr := NormalizeMatchAddress(row["address_raw"])
	rowNumber := ParseStreetNumber(rowAddr)

	type scored struct {
		cand  certCandidate
		ratio float64
		dist  float64
	}
	best := scored{dist: math.Inf(1)}

	for _, cand := range candidates {
		minRatio := dpeMinRatio
		switch {
		case rowNumber == 0 || cand.number == 0:
			minRatio = dpeMinRatioNumberless
		case abs(rowNumber-cand.number) > dpeNumberTolerance:
			continue
		}

		ratio := SimilarityRatio(rowAddr, cand.normAddr)
		if ratio < minRatio {
			continue
		}

		if cand.cert.Lat == 0 && cand.cert.Lon == 0 {
			continue
		}
		dist := geo.HaversineMeters(lat, lon, cand.cert.Lat, cand.cert.Lon)
		if dist > dpeMaxDistanceM {
			continue
		}
		if dist < best.dist {
			best = scored{cand: cand, ratio: ratio, dist: dist}
		}
	}

	if math.IsInf(best.dist, 1) {
		return dpeapi.Certificate{}, 0, false
	}
	return best.cand.cert, matchConfidence(best.ratio, best.dist, rowNumber, best.cand.number), true
}

// matchConfidence scores a validated match 0-100.
func matchConfidence(ratio, distM float64, rowNumber, certNumber int) int {
	score := 70 + ratio*25

	switch {
	case distM < 5:
		score += 40
	case distM < 10:
		score += 35
	case distM < 15:
		score += 25
	case distM < 20:
		score += 15
	}

	switch {
	case rowNumber != 0 && rowNumber == certNumber:
		score += 25
	case rowNumber != 0 && certNumber != 0 && abs(rowNumber-certNumber) <= dpeNumberTolerance:
		score += 15
	}

	if score > 100 {
		score = 100
	}
	return int(score)
}

func applyCertificate(row Row, cert dpeapi.Certificate, confidence int) {
	row["dpe_number"] = cert.DPENumber
	if cert.ConstructionYear > 0 {
		row["construction_year"] = strconv.Itoa(cert.ConstructionYear)
	}
	row["dpe_date"] = cert.DPEDate
	row["energy_class"] = cert.EnergyClass
	row["ges_class"] = cert.GESClass
	row["dpe_confidence"] = strconv.Itoa(confidence)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
