// Package dpeapi is the client for the public energy-certificate datasets.
// It queries five datasets in priority order, honours the API's page×size
// cap, and caches certificates per location in local CSV files.
package dpeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/trackimmo/backend/internal/pkg/httpretry"
)

// Dataset identifies one certificate dataset and the field names of its era.
// Post-2021 datasets renamed the administrative columns.
type Dataset struct {
	ID            string
	InseeField    string
	PostcodeField string
	CityField     string
	AddressField  string
}

// DefaultDatasets is the query priority order: the post-2021 housing
// datasets first, then the legacy dataset, tertiary last.
var DefaultDatasets = []Dataset{
	{
		ID:            "dpe-v2-logements-existants",
		InseeField:    "code_insee_ban",
		PostcodeField: "code_postal_ban",
		CityField:     "nom_commune_ban",
		AddressField:  "adresse_ban",
	},
	{
		ID:            "dpe-v2-logements-neufs",
		InseeField:    "code_insee_ban",
		PostcodeField: "code_postal_ban",
		CityField:     "nom_commune_ban",
		AddressField:  "adresse_ban",
	},
	{
		ID:            "dpe-france",
		InseeField:    "code_insee_commune_actualise",
		PostcodeField: "code_postal",
		CityField:     "commune",
		AddressField:  "geo_adresse",
	},
	{
		ID:            "dpe-v2-tertiaire-2",
		InseeField:    "code_insee_ban",
		PostcodeField: "code_postal_ban",
		CityField:     "nom_commune_ban",
		AddressField:  "adresse_ban",
	},
	{
		ID:            "dpe-tertiaire",
		InseeField:    "code_insee_commune_actualise",
		PostcodeField: "code_postal",
		CityField:     "commune",
		AddressField:  "geo_adresse",
	},
}

const (
	// maxPageSize is the largest page the API serves.
	maxPageSize = 9000

	// maxWindow is the hard API cap on page × size.
	maxWindow = 10_000

	// enoughCertificates stops dataset pagination early once a location has
	// accumulated this many certificates.
	enoughCertificates = 200
)

// Certificate is one energy certificate, normalised across dataset eras.
type Certificate struct {
	DPENumber        string  `json:"dpe_number"`
	Address          string  `json:"address"`
	ConstructionYear int     `json:"construction_year"`
	DPEDate          string  `json:"dpe_date"` // YYYY-MM-DD
	EnergyClass      string  `json:"energy_class"`
	GESClass         string  `json:"ges_class"`
	Lat              float64 `json:"lat"`
	Lon              float64 `json:"lon"`
}

// Client fetches certificates with retrying transport and a local disk cache.
type Client struct {
	baseURL  string
	datasets []Dataset
	http     httpretry.HTTPDoer
	cache    *diskCache
}

// NewClient creates a certificate API client. cacheDir may be empty to
// disable caching (tests).
func NewClient(baseURL string, maxRetries int, timeout time.Duration, cacheDir string, cacheMaxAge time.Duration) *Client {
	c := &Client{
		baseURL:  baseURL,
		datasets: DefaultDatasets,
		http:     httpretry.NewRetryClient(&http.Client{Timeout: timeout}, maxRetries),
	}
	if cacheDir != "" {
		c.cache = newDiskCache(cacheDir, cacheMaxAge)
	}
	return c
}

// NewClientWithDoer creates a client with a custom transport (tests).
func NewClientWithDoer(baseURL string, doer httpretry.HTTPDoer) *Client {
	return &Client{baseURL: baseURL, datasets: DefaultDatasets, http: doer}
}

// FetchByInsee returns the certificates for an INSEE code, from cache when
// fresh.
func (c *Client) FetchByInsee(ctx context.Context, insee string) ([]Certificate, error) {
	return c.fetchLocation(ctx, insee, func(d Dataset) string { return d.InseeField })
}

// FetchByPostcode returns the certificates for a postal code. Used as the
// fallback grouping when rows carry no INSEE code.
func (c *Client) FetchByPostcode(ctx context.Context, postcode string) ([]Certificate, error) {
	return c.fetchLocation(ctx, postcode, func(d Dataset) string { return d.PostcodeField })
}

func (c *Client) fetchLocation(ctx context.Context, locationID string, field func(Dataset) string) ([]Certificate, error) {
	if c.cache != nil {
		if certs, ok := c.cache.load(locationID); ok {
			return certs, nil
		}
	}

	var out []Certificate
	for _, ds := range c.datasets {
		if len(out) >= enoughCertificates {
			break
		}
		certs, err := c.fetchDataset(ctx, ds, field(ds), locationID, enoughCertificates-len(out))
		if err != nil {
			// A single dataset failure must not sink the whole location.
			log.Printf("[DPE] Dataset %s failed for %s: %v", ds.ID, locationID, err)
			continue
		}
		out = append(out, certs...)
	}

	if c.cache != nil && len(out) > 0 {
		if err := c.cache.store(locationID, out); err != nil {
			log.Printf("[DPE] Cache write failed for %s: %v", locationID, err)
		}
	}
	return out, nil
}

// fetchDataset pages through one dataset until `want` certificates are
// accumulated or the page×size window is exhausted.
func (c *Client) fetchDataset(ctx context.Context, ds Dataset, qField, value string, want int) ([]Certificate, error) {
	size := maxPageSize
	if want < size {
		size = want
	}

	var out []Certificate
	for page := 1; page*size <= maxWindow; page++ {
		lines, total, err := c.fetchPage(ctx, ds, qField, value, size, page)
		if err != nil {
			return out, err
		}
		out = append(out, lines...)
		if len(out) >= want || len(out) >= total || len(lines) == 0 {
			break
		}
	}
	return out, nil
}

type linesResponse struct {
	Total   int                      `json:"total"`
	Results []map[string]interface{} `json:"results"`
}

func (c *Client) fetchPage(ctx context.Context, ds Dataset, qField, value string, size, page int) ([]Certificate, int, error) {
	params := url.Values{}
	params.Set("q", value)
	params.Set("q_fields", qField)
	params.Set("size", strconv.Itoa(size))
	params.Set("page", strconv.Itoa(page))

	u := fmt.Sprintf("%s/datasets/%s/lines?%s", c.baseURL, ds.ID, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("dpe lines: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("dpe lines: status %d", resp.StatusCode)
	}

	var lr linesResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, 0, fmt.Errorf("dpe lines decode: %w", err)
	}

	out := make([]Certificate, 0, len(lr.Results))
	for _, line := range lr.Results {
		out = append(out, certificateFromLine(ds, line))
	}
	return out, lr.Total, nil
}

// certificateFromLine maps one API line to a Certificate, tolerating the
// field-name differences between dataset eras.
func certificateFromLine(ds Dataset, line map[string]interface{}) Certificate {
	cert := Certificate{
		Address:     str(line[ds.AddressField]),
		EnergyClass: firstStr(line, "etiquette_dpe", "classe_consommation_energie"),
		GESClass:    firstStr(line, "etiquette_ges", "classe_estimation_ges"),
		DPENumber:   firstStr(line, "numero_dpe", "numero_dpe_remplace", "_id"),
		DPEDate:     firstStr(line, "date_etablissement_dpe", "date_etablissement_dpe_initial"),
	}
	cert.ConstructionYear = num(firstVal(line, "annee_construction", "periode_construction"))
	cert.Lat = fnum(firstVal(line, "_geopoint_lat", "latitude"))
	cert.Lon = fnum(firstVal(line, "_geopoint_lon", "longitude"))

	// Some datasets pack coordinates as "lat,lon" in _geopoint.
	if cert.Lat == 0 && cert.Lon == 0 {
		if gp := str(line["_geopoint"]); gp != "" {
			fmt.Sscanf(gp, "%f,%f", &cert.Lat, &cert.Lon)
		}
	}
	return cert
}

func str(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func firstStr(line map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := str(line[k]); s != "" {
			return s
		}
	}
	return ""
}

func firstVal(line map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := line[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func num(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

func fnum(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}
