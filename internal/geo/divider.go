// Package geo tiles a city's bounding box into listings-site viewports.
package geo

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/trackimmo/backend/internal/addressapi"
)

const (
	// Zoom-12 viewport of the listings site, measured on the equator.
	viewportWidthKM  = 17.0
	viewportHeightKM = 14.0

	// Tiles overlap by 10% on both axes so cards near tile edges are not
	// missed when the site clips results to the viewport.
	overlapFraction = 0.10

	// Kilometres per degree of latitude (and of longitude on the equator).
	kmPerDegree = 111.32

	// DefaultZoom is the zoom level every generated rectangle carries.
	DefaultZoom = 12
)

// Rectangle is one latitude/longitude tile sized for the listings viewport.
type Rectangle struct {
	CenterLat float64 `json:"center_lat"`
	CenterLon float64 `json:"center_lon"`
	MinLat    float64 `json:"min_lat"`
	MinLon    float64 `json:"min_lon"`
	MaxLat    float64 `json:"max_lat"`
	MaxLon    float64 `json:"max_lon"`
	Zoom      int     `json:"zoom"`
}

// Contains reports whether the point falls inside the rectangle.
func (r Rectangle) Contains(lat, lon float64) bool {
	return lat >= r.MinLat && lat <= r.MaxLat && lon >= r.MinLon && lon <= r.MaxLon
}

// BoundingBox is the envelope of a full city scrape, used downstream by the
// geocoding stage to reject coordinates that drifted out of the target area.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// DistanceOutsideKM returns how far (in km) the point lies outside the box,
// or 0 when it is inside.
func (b BoundingBox) DistanceOutsideKM(lat, lon float64) float64 {
	dLat := 0.0
	if lat < b.MinLat {
		dLat = b.MinLat - lat
	} else if lat > b.MaxLat {
		dLat = lat - b.MaxLat
	}
	dLon := 0.0
	if lon < b.MinLon {
		dLon = b.MinLon - lon
	} else if lon > b.MaxLon {
		dLon = lon - b.MaxLon
	}
	if dLat == 0 && dLon == 0 {
		return 0
	}
	midLat := (b.MinLat + b.MaxLat) / 2
	x := dLon * kmPerDegree * math.Cos(midLat*math.Pi/180)
	y := dLat * kmPerDegree
	return math.Sqrt(x*x + y*y)
}

// Divider resolves a city's extent and tiles it into viewport rectangles.
type Divider struct {
	api *addressapi.Client
}

// NewDivider creates a Divider backed by the address API.
func NewDivider(api *addressapi.Client) *Divider {
	return &Divider{api: api}
}

// Divide resolves the city centroid and bounding box, then returns the tile
// set covering it. When no bounding box is available, a ±1 km square around
// the centroid is synthesised so a small commune still yields one tile.
func (d *Divider) Divide(ctx context.Context, cityName, postalCode string) ([]Rectangle, BoundingBox, error) {
	features, err := d.api.Search(ctx, cityName+" "+postalCode, "municipality", 1)
	if err != nil {
		return nil, BoundingBox{}, fmt.Errorf("resolve city %q: %w", cityName, err)
	}
	if len(features) == 0 {
		return nil, BoundingBox{}, fmt.Errorf("resolve city %q: no result", cityName)
	}
	f := features[0]

	var box BoundingBox
	if len(f.BBox) == 4 {
		// GeoJSON bbox order: minLon, minLat, maxLon, maxLat.
		box = BoundingBox{MinLon: f.BBox[0], MinLat: f.BBox[1], MaxLon: f.BBox[2], MaxLat: f.BBox[3]}
	} else {
		box = SquareAround(f.Lat, f.Lon, 1.0)
		log.Printf("[GeoDivider] No bbox for %s (%s), using ±1km square around centroid", cityName, postalCode)
	}

	tiles := Tile(box)
	log.Printf("[GeoDivider] %s (%s): %d tile(s)", cityName, postalCode, len(tiles))
	return tiles, box, nil
}

// Tile covers the bounding box with overlapping zoom-12 viewport rectangles.
func Tile(box BoundingBox) []Rectangle {
	midLat := (box.MinLat + box.MaxLat) / 2

	tileH := viewportHeightKM / kmPerDegree
	tileW := viewportWidthKM / (kmPerDegree * math.Cos(midLat*math.Pi/180))

	stepH := tileH * (1 - overlapFraction)
	stepW := tileW * (1 - overlapFraction)

	var out []Rectangle
	for lat := box.MinLat; ; lat += stepH {
		for lon := box.MinLon; ; lon += stepW {
			out = append(out, Rectangle{
				CenterLat: lat + tileH/2,
				CenterLon: lon + tileW/2,
				MinLat:    lat,
				MinLon:    lon,
				MaxLat:    lat + tileH,
				MaxLon:    lon + tileW,
				Zoom:      DefaultZoom,
			})
			if lon+tileW >= box.MaxLon {
				break
			}
		}
		if lat+tileH >= box.MaxLat {
			break
		}
	}
	return out
}

// SquareAround builds a bounding box of the given radius around a point.
func SquareAround(lat, lon, radiusKM float64) BoundingBox {
	dLat := radiusKM / kmPerDegree
	dLon := radiusKM / (kmPerDegree * math.Cos(lat*math.Pi/180))
	return BoundingBox{
		MinLat: lat - dLat,
		MinLon: lon - dLon,
		MaxLat: lat + dLat,
		MaxLon: lon + dLon,
	}
}

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
