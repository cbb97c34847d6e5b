// Package geofence decides whether a harvest coordinate lies inside an
// approved cultivation zone.
package geofence

import (
	"fmt"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Zone is one approved region, optionally restricted to some species.
type Zone struct {
	Name    string
	Species []string // empty = every species
	Geom    orb.Geometry
}

func (z Zone) appliesTo(species string) bool {
	if len(z.Species) == 0 {
		return true
	}
	for _, s := range z.Species {
		if strings.EqualFold(s, species) {
			return true
		}
	}
	return false
}

func (z Zone) contains(pt orb.Point) bool {
	switch g := z.Geom.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, pt)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, pt)
	case orb.Bound:
		return g.Contains(pt)
	}
	return false
}

// Validator holds the configured zones. It has no mutable state and is safe
// for concurrent use.
type Validator struct {
	zones []Zone
}

func New(zones ...Zone) *Validator { return &Validator{zones: zones} }

// Zones returns the configured zones.
func (v *Validator) Zones() []Zone { return v.zones }

// Contains reports whether (lat, lon) is inside any zone, regardless of species.
func (v *Validator) Contains(lat, lon float64) bool {
	pt := orb.Point{lon, lat}
	for _, z := range v.zones {
		if z.contains(pt) {
			return true
		}
	}
	return false
}

// ContainsFor reports whether (lat, lon) is inside a zone approved for species.
// It returns the names of the zones that were checked.
func (v *Validator) ContainsFor(species string, lat, lon float64) (bool, []string) {
	pt := orb.Point{lon, lat}
	var checked []string
	for _, z := range v.zones {
		if !z.appliesTo(species) {
			continue
		}
		checked = append(checked, z.Name)
		if z.contains(pt) {
			return true, checked
		}
	}
	return false, checked
}

// DefaultZones is the Karnataka ashwagandha cultivation belt, approximated
// as a polygon around the state's agricultural districts.
func DefaultZones() []Zone {
	return []Zone{{
		Name: "karnataka-ashwagandha",
		Geom: orb.Polygon{orb.Ring{
			{74.05, 11.55}, {78.60, 11.55}, {78.60, 15.20},
			{77.40, 18.45}, {74.60, 18.45}, {74.05, 14.80},
			{74.05, 11.55},
		}},
	}}
}

// LoadFile reads a GeoJSON FeatureCollection of Polygon/MultiPolygon features.
// The "name" property names the zone; "species" is a comma separated list.
func LoadFile(path string) ([]Zone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes zones from GeoJSON FeatureCollection bytes.
func Parse(data []byte) ([]Zone, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}
	zones := make([]Zone, 0, len(fc.Features))
	for i, f := range fc.Features {
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, fmt.Errorf("feature %d: geometry.type must be Polygon or MultiPolygon, got %s", i, f.Geometry.GeoJSONType())
		}
		z := Zone{
			Name: f.Properties.MustString("name", fmt.Sprintf("zone-%d", i)),
			Geom: f.Geometry,
		}
		if sp := f.Properties.MustString("species", ""); sp != "" {
			for _, s := range strings.Split(sp, ",") {
				if s = strings.TrimSpace(s); s != "" {
					z.Species = append(z.Species, s)
				}
			}
		}
		zones = append(zones, z)
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("no zones in feature collection")
	}
	return zones, nil
}
