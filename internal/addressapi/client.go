// Package addressapi is the client for the national address API
// (Base Adresse Nationale). It exposes the single-query search endpoint,
// used to resolve city centroids, and the batch CSV endpoint used by the
// enrichment pipeline for city resolution and geocoding.
package addressapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/trackimmo/backend/internal/pkg/httpretry"
)

// Client talks to the address API with retrying transport.
type Client struct {
	baseURL string
	http    httpretry.HTTPDoer
}

// NewClient creates an address API client. maxRetries <= 0 uses the default.
func NewClient(baseURL string, maxRetries int) *Client {
	return &Client{
		baseURL: baseURL,
		http:    httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, maxRetries),
	}
}

// NewClientWithDoer creates a client with a custom transport (tests).
func NewClientWithDoer(baseURL string, doer httpretry.HTTPDoer) *Client {
	return &Client{baseURL: baseURL, http: doer}
}

// Feature is one result of the search endpoint (GeoJSON feature).
type Feature struct {
	Lat        float64
	Lon        float64
	Label      string
	Score      float64
	Postcode   string
	CityCode   string
	City       string
	Context    string // "33, Gironde, Nouvelle-Aquitaine"
	BBox       []float64
}

type geoJSONResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties struct {
			Label    string  `json:"label"`
			Score    float64 `json:"score"`
			Postcode string  `json:"postcode"`
			CityCode string  `json:"citycode"`
			City     string  `json:"city"`
			Context  string  `json:"context"`
		} `json:"properties"`
		BBox []float64 `json:"bbox"`
	} `json:"features"`
}

// Search runs a free-form query against /search/ and returns the features.
// searchType may be "municipality" to restrict results to city records, or
// empty for the default behaviour.
func (c *Client) Search(ctx context.Context, q, searchType string, limit int) ([]Feature, error) {
	if limit <= 0 {
		limit = 1
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("limit", strconv.Itoa(limit))
	if searchType != "" {
		params.Set("type", searchType)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/search/?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("address search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("address search: status %d", resp.StatusCode)
	}

	var gj geoJSONResponse
	if err := json.NewDecoder(resp.Body).Decode(&gj); err != nil {
		return nil, fmt.Errorf("address search decode: %w", err)
	}

	out := make([]Feature, 0, len(gj.Features))
	for _, f := range gj.Features {
		feat := Feature{
			Label:    f.Properties.Label,
			Score:    f.Properties.Score,
			Postcode: f.Properties.Postcode,
			CityCode: f.Properties.CityCode,
			City:     f.Properties.City,
			Context:  f.Properties.Context,
			BBox:     f.BBox,
		}
		if len(f.Geometry.Coordinates) == 2 {
			feat.Lon = f.Geometry.Coordinates[0]
			feat.Lat = f.Geometry.Coordinates[1]
		}
		out = append(out, feat)
	}
	return out, nil
}

// SearchCSV posts a batch of free-form queries to /search/csv/ and returns
// one row map per input row. The input rows must all carry the "q" column;
// extra columns are passed through untouched. Result columns include
// latitude, longitude, result_label, result_score, result_postcode,
// result_citycode and result_context.
func (c *Client) SearchCSV(ctx context.Context, rows []map[string]string, columns []string) ([]map[string]string, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("data", "search.csv")
	if err != nil {
		return nil, err
	}
	cw := csv.NewWriter(fw)
	if err := cw.Write(columns); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			record[i] = row[col]
		}
		if err := cw.Write(record); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/search/csv/", bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	b := body.Bytes()
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("address csv search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("address csv search: status %d", resp.StatusCode)
	}

	return ParseCSVRows(resp.Body)
}

// ParseCSVRows reads a CSV stream into one map per data row, keyed by header.
func ParseCSVRows(r io.Reader) ([]map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}

	var out []map[string]string
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv row: %w", err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		out = append(out, row)
	}
	return out, nil
}
