package enrich

import "testing"

func TestNormalizeMatchAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"12 av des Lilas", "12 AVENUE DES LILAS"},
		{"3 bd Victor Hugo 33000", "3 BOULEVARD VICTOR HUGO"},
		{"imp de l'Église", "IMPASSE DE L'EGLISE"},
		{"5 rue St Rémi", "5 RUE SAINT REMI"},
		{"Place Pey Berland", "PLACE PEY BERLAND"},
	}
	for _, tt := range tests {
		if got := NormalizeMatchAddress(tt.in); got != tt.want {
			t.Errorf("NormalizeMatchAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseStreetNumber(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"12 AVENUE DES LILAS", 12},
		{"AVENUE DES LILAS", 0},
		{"3 BIS RUE X", 3},
		{"1234 ROUTE DE PARIS", 1234},
	}
	for _, tt := range tests {
		if got := ParseStreetNumber(tt.in); got != tt.want {
			t.Errorf("ParseStreetNumber(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSimilarityRatio(t *testing.T) {
	if r := SimilarityRatio("", ""); r != 1 {
		t.Errorf("two empty strings ratio = %f, want 1", r)
	}
	if r := SimilarityRatio("ABC", ""); r != 0 {
		t.Errorf("one empty string ratio = %f, want 0", r)
	}
	if r := SimilarityRatio("12 RUE DES LILAS", "12 RUE DES LILAS"); r != 1 {
		t.Errorf("identical strings ratio = %f, want 1", r)
	}

	high := SimilarityRatio("12 RUE DES LILAS", "12 RUE LILAS")
	if high < 0.8 {
		t.Errorf("near-identical addresses ratio = %f, want > 0.8", high)
	}

	low := SimilarityRatio("12 RUE DES LILAS", "47 AVENUE THIERS")
	if low >= high {
		t.Errorf("unrelated addresses ratio %f should be below %f", low, high)
	}
	if low < 0 || low > 1 {
		t.Errorf("ratio %f out of [0, 1]", low)
	}
}

func TestSimilarityRatioSymmetric(t *testing.T) {
	a, b := "3 BOULEVARD VICTOR HUGO", "3 BD VICTOR HUGO BORDEAUX"
	if SimilarityRatio(a, b) != SimilarityRatio(b, a) {
		t.Errorf("ratio is not symmetric for %q / %q", a, b)
	}
}
