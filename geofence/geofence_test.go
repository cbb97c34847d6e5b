package geofence

import (
	"strings"
	"testing"
)

const zonesJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature",
     "properties": {"name": "mysuru", "species": "Ashwagandha, Tulsi"},
     "geometry": {"type": "Polygon", "coordinates": [[[76.0,12.0],[77.0,12.0],[77.0,13.0],[76.0,13.0],[76.0,12.0]]]}},
    {"type": "Feature",
     "properties": {"name": "anywhere-north"},
     "geometry": {"type": "Polygon", "coordinates": [[[75.0,16.0],[76.0,16.0],[76.0,17.0],[75.0,17.0],[75.0,16.0]]]}}
  ]
}`

func TestDefaultZonesContainBengaluru(t *testing.T) {
	v := New(DefaultZones()...)
	if !v.Contains(12.9716, 77.5946) {
		t.Fatal("expected Bengaluru inside default zone")
	}
	if v.Contains(0, 0) {
		t.Fatal("origin must be outside default zone")
	}
}

func TestParseAndSpeciesScoping(t *testing.T) {
	zones, err := Parse([]byte(zonesJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(zones) != 2 {
		t.Fatalf("want 2 zones, got %d", len(zones))
	}
	v := New(zones...)

	tests := []struct {
		name     string
		species  string
		lat, lon float64
		want     bool
	}{
		{"scoped species inside", "Ashwagandha", 12.5, 76.5, true},
		{"case insensitive species", "tulsi", 12.5, 76.5, true},
		{"unscoped zone serves any species", "Brahmi", 16.5, 75.5, true},
		{"species not allowed in scoped zone", "Brahmi", 12.5, 76.5, false},
		{"outside all zones", "Ashwagandha", 0, 0, false},
	}
	for _, tc := range tests {
		got, checked := v.ContainsFor(tc.species, tc.lat, tc.lon)
		if got != tc.want {
			t.Errorf("%s: ContainsFor = %v, want %v (checked %v)", tc.name, got, tc.want, checked)
		}
	}
}

func TestContainsForReportsCheckedZones(t *testing.T) {
	zones, _ := Parse([]byte(zonesJSON))
	_, checked := New(zones...).ContainsFor("Ashwagandha", 0, 0)
	if strings.Join(checked, ",") != "mysuru,anywhere-north" {
		t.Fatalf("unexpected checked zones %v", checked)
	}
}

func TestParseRejectsPoints(t *testing.T) {
	_, err := Parse([]byte(`{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[1,2]}}]}`))
	if err == nil {
		t.Fatal("expected error for point geometry")
	}
}
