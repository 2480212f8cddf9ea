package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trackimmo/backend/internal/addressapi"
)

// bordeauxGeoJSON is the municipality lookup response used for the city box.
const bordeauxGeoJSON = `{"features":[{
	"geometry":{"coordinates":[-0.58,44.84]},
	"properties":{"label":"Bordeaux","score":0.99,"postcode":"33000","citycode":"33063","city":"Bordeaux"},
	"bbox":[-0.64,44.81,-0.55,44.94]}]}`

func geocodeTable(n int) *Table {
	t := &Table{Columns: []string{"address_raw", "postal_code", "city_name"}}
	for i := 0; i < n; i++ {
		t.Rows = append(t.Rows, Row{
			"address_raw": "12 RUE A", "postal_code": "33000", "city_name": "Bordeaux",
		})
	}
	return t
}

func newTestGeocoder(t *testing.T, srv *httptest.Server) *Geocoder {
	t.Helper()
	g := NewGeocoder(addressapi.NewClientWithDoer(srv.URL, srv.Client()), 1000, 0.5, 5.0)
	g.sleep = func(time.Duration) {}
	return g
}

func TestGeocoderFiltersByScoreAndDistance(t *testing.T) {
	// Row 0 is good, row 1 scores too low, row 2 lands in Paris, row 3
	// comes back without coordinates.
	csv := "row_id,q,latitude,longitude,result_score,result_label\n" +
		"0,a,44.840000,-0.580000,0.95,12 Rue A Bordeaux\n" +
		"1,b,44.840000,-0.580000,0.30,fuzzy\n" +
		"2,c,48.856600,2.352200,0.95,Paris\n" +
		"3,d,,,0.95,nowhere\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search/":
			w.Write([]byte(bordeauxGeoJSON))
		case "/search/csv/":
			w.Write([]byte(csv))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := newTestGeocoder(t, srv).Run(context.Background(), geocodeTable(4))
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Rows) != 1 {
		t.Fatalf("rows kept = %d, want 1", len(out.Rows))
	}
	r := out.Rows[0]
	if r["latitude"] != "44.840000" || r["longitude"] != "-0.580000" {
		t.Errorf("coordinates = %s,%s", r["latitude"], r["longitude"])
	}
	if r["geo_score"] != "0.9500" || r["geo_label"] != "12 Rue A Bordeaux" {
		t.Errorf("row = %v", r)
	}
}

func TestGeocoderRetriesChunkOnTransportFailure(t *testing.T) {
	csv := "row_id,q,latitude,longitude,result_score,result_label\n" +
		"0,a,44.840000,-0.580000,0.95,ok\n"
	var csvCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search/":
			w.Write([]byte(bordeauxGeoJSON))
		case "/search/csv/":
			if atomic.AddInt32(&csvCalls, 1) < 3 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Write([]byte(csv))
		}
	}))
	defer srv.Close()

	var slept []time.Duration
	g := NewGeocoder(addressapi.NewClientWithDoer(srv.URL, srv.Client()), 1000, 0.5, 5.0)
	g.sleep = func(d time.Duration) { slept = append(slept, d) }

	out, err := g.Run(context.Background(), geocodeTable(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Rows) != 1 {
		t.Errorf("rows kept = %d, want 1 after retries", len(out.Rows))
	}
	if n := atomic.LoadInt32(&csvCalls); n != 3 {
		t.Errorf("chunk attempted %d times, want 3", n)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Errorf("backoffs = %v, want [1s 2s]", slept)
	}
}

func TestGeocoderChunkFailureAfterRetriesIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search/":
			w.Write([]byte(bordeauxGeoJSON))
		case "/search/csv/":
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	if _, err := newTestGeocoder(t, srv).Run(context.Background(), geocodeTable(1)); err == nil {
		t.Fatal("an exhausted chunk must fail the stage")
	}
}

func TestGeocoderWithoutCityBoxSkipsDistanceFilter(t *testing.T) {
	// Municipality lookup finds nothing, so the Paris coordinates survive.
	csv := "row_id,q,latitude,longitude,result_score,result_label\n" +
		"0,a,48.856600,2.352200,0.95,Paris\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search/":
			w.Write([]byte(`{"features":[]}`))
		case "/search/csv/":
			w.Write([]byte(csv))
		}
	}))
	defer srv.Close()

	out, err := newTestGeocoder(t, srv).Run(context.Background(), geocodeTable(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Rows) != 1 {
		t.Errorf("rows kept = %d, want 1 with no distance filter", len(out.Rows))
	}
}
