package enrich

import (
	"context"
	"testing"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"12 rue des Lilas", "12 RUE DES LILAS"},
		{"Château  Pey   Berland", "CHATEAU PEY BERLAND"},
		{"Médoc Œnothèque", "MEDOC OENOTHEQUE"},
		{"  trailing \t spaces  ", "TRAILING SPACES"},
		{"", ""},
	}
	for _, tt := range tests {
		got := NormalizeText(tt.in)
		if got != tt.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if again := NormalizeText(got); again != got {
			t.Errorf("NormalizeText not idempotent: %q -> %q", got, again)
		}
	}
}

func TestNormalizeSaleDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"15/03/2023", "2023-03-15", true},
		{"01/01/2017", "2017-01-01", true},
		{"2023-03-15", "2023-03-15", true},
		{"31/02/2020", "", false},
		{"03/15/2023", "", false},
		{"yesterday", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := normalizeSaleDate(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("normalizeSaleDate(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNormalizePropertyType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Maison", "house"},
		{"VILLA", "house"},
		{"appartement", "apartment"},
		{"Studio", "apartment"},
		{"terrain", "land"},
		{"Local commercial", "commercial"},
		{"bureau", "commercial"},
		{"house", "house"},
		{"grange", "other"},
		{"", "other"},
	}
	for _, tt := range tests {
		if got := normalizePropertyType(tt.in); got != tt.want {
			t.Errorf("normalizePropertyType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCoerceInt(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"250000", 250000},
		{"250 000", 250000},
		{"250.5", 250},
		{"85,3", 85},
		{"250 000 €", 250000},
		{"n/a", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := coerceInt(tt.in); got != tt.want {
			t.Errorf("coerceInt(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNormalizerDropsInvalidRows(t *testing.T) {
	in := &Table{
		Columns: []string{"address_raw", "city_name", "price", "surface", "rooms", "sale_date", "property_type", "source_url"},
		Rows: []Row{
			{"address_raw": "12 rue des Lilas", "city_name": "Bordeaux", "price": "250000", "surface": "85", "rooms": "4", "sale_date": "15/03/2018", "property_type": "Maison", "source_url": "u1"},
			{"address_raw": "", "city_name": "Bordeaux", "price": "100000", "sale_date": "15/03/2018", "property_type": "Maison", "source_url": "u2"},
			{"address_raw": "3 place X", "city_name": "Bordeaux", "price": "0", "sale_date": "15/03/2018", "property_type": "Maison", "source_url": "u3"},
			{"address_raw": "5 rue Y", "city_name": "Bordeaux", "price": "100000", "sale_date": "31/02/2018", "property_type": "Maison", "source_url": "u4"},
		},
	}

	out, err := NewNormalizer().Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(out.Rows))
	}
	r := out.Rows[0]
	if r["address_raw"] != "12 RUE DES LILAS" {
		t.Errorf("address_raw = %q", r["address_raw"])
	}
	if r["sale_date"] != "2018-03-15" {
		t.Errorf("sale_date = %q, want ISO form", r["sale_date"])
	}
	if r["property_type"] != "house" {
		t.Errorf("property_type = %q, want house", r["property_type"])
	}

	// Running again over its own output changes nothing.
	again, err := NewNormalizer().Run(context.Background(), out)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Rows) != 1 || again.Rows[0]["sale_date"] != "2018-03-15" {
		t.Errorf("normalizer is not idempotent: %v", again.Rows)
	}
}
