package domain

import (
	"time"
)

// PropertyType enumerates the closed set of property categories.
type PropertyType string

const (
	PropertyHouse      PropertyType = "house"
	PropertyApartment  PropertyType = "apartment"
	PropertyLand       PropertyType = "land"
	PropertyCommercial PropertyType = "commercial"
	PropertyOther      PropertyType = "other"
)

// ListingTypeCode returns the listings-site numeric code for the type.
// house=1, apartment=2, land=4, commercial=0, other=5.
func (p PropertyType) ListingTypeCode() int {
	switch p {
	case PropertyHouse:
		return 1
	case PropertyApartment:
		return 2
	case PropertyLand:
		return 4
	case PropertyCommercial:
		return 0
	default:
		return 5
	}
}

// PropertyTypeFromCode maps a listings-site numeric code back to a type.
// Unknown codes map to "other", never to a drop.
func PropertyTypeFromCode(code int) PropertyType {
	switch code {
	case 1:
		return PropertyHouse
	case 2:
		return PropertyApartment
	case 4:
		return PropertyLand
	case 0:
		return PropertyCommercial
	default:
		return PropertyOther
	}
}

// IsValid reports whether p is one of the closed enum values.
func (p PropertyType) IsValid() bool {
	switch p {
	case PropertyHouse, PropertyApartment, PropertyLand, PropertyCommercial, PropertyOther:
		return true
	}
	return false
}

// City is one row per municipality. INSEE code is unique and immutable.
type City struct {
	ID              string     `json:"city_id" db:"city_id"`
	Name            string     `json:"name" db:"name"`
	PostalCode      string     `json:"postal_code" db:"postal_code"`
	InseeCode       string     `json:"insee_code" db:"insee_code"`
	Department      string     `json:"department" db:"department"`
	Region          string     `json:"region" db:"region"`
	HousePriceAvg   *int       `json:"house_price_avg" db:"house_price_avg"`
	AptPriceAvg     *int       `json:"apartment_price_avg" db:"apartment_price_avg"`
	LastScraped     *time.Time `json:"last_scraped" db:"last_scraped"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Stale reports whether the city's market data needs a refresh.
func (c *City) Stale(maxAge time.Duration) bool {
	return c.LastScraped == nil || time.Since(*c.LastScraped) > maxAge
}

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Address is one persisted property sale. The source URL is globally unique.
type Address struct {
	ID             string       `json:"address_id" db:"address_id"`
	CityID         string       `json:"city_id" db:"city_id"`
	Department     string       `json:"department" db:"department"`
	AddressRaw     string       `json:"address_raw" db:"address_raw"`
	SaleDate       time.Time    `json:"sale_date" db:"sale_date"`
	PropertyType   PropertyType `json:"property_type" db:"property_type"`
	Surface        int          `json:"surface" db:"surface"`
	Rooms          int          `json:"rooms" db:"rooms"`
	Price          int          `json:"price" db:"price"`
	EstimatedPrice int          `json:"estimated_price" db:"estimated_price"`
	Location       *GeoPoint    `json:"location,omitempty" db:"-"`
	SourceURL      string       `json:"source_url" db:"source_url"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// DPE is the energy certificate matched to an address.
// Energy and GES classes are A–G, or N for "not provided".
type DPE struct {
	ID               string     `json:"dpe_id" db:"dpe_id"`
	AddressID        string     `json:"address_id" db:"address_id"`
	ConstructionYear *int       `json:"construction_year" db:"construction_year"`
	DPEDate          *time.Time `json:"dpe_date" db:"dpe_date"`
	EnergyClass      string     `json:"energy_class" db:"energy_class"`
	GESClass         string     `json:"ges_class" db:"ges_class"`
	DPENumber        string     `json:"dpe_number" db:"dpe_number"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// ValidDPEClass reports whether s is a legal energy/GES class.
func ValidDPEClass(s string) bool {
	if len(s) != 1 {
		return false
	}
	return (s[0] >= 'A' && s[0] <= 'G') || s == "N"
}
