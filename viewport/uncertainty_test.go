package viewport

import (
	"math"
	"testing"
)

func haversineKm(lng1, lat1, lng2, lat2 float64) float64 {
	const r = 6371.0
	toRad := math.Pi / 180
	dLat := (lat2 - lat1) * toRad
	dLng := (lng2 - lng1) * toRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*toRad)*math.Cos(lat2*toRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * r * math.Asin(math.Sqrt(a))
}

func TestCirclePolygonClosedRing(t *testing.T) {
	ring := CirclePolygon(2.35, 48.85, 15, 32)
	if ring == nil {
		t.Fatal("Expected a ring")
	}
	if len(ring) != 33 {
		t.Fatalf("Expected 32 segments plus closing vertex, got %d", len(ring))
	}

	first, last := ring[0], ring[len(ring)-1]
	if first[0] != last[0] || first[1] != last[1] {
		t.Error("Ring is not closed")
	}
}

func TestCirclePolygonRadius(t *testing.T) {
	const radiusKm = 25.0
	ring := CirclePolygon(12.49, 41.90, radiusKm, 48)

	for i, v := range ring {
		d := haversineKm(12.49, 41.90, v[0], v[1])
		if math.Abs(d-radiusKm) > radiusKm*0.01 {
			t.Errorf("Vertex %d at distance %f km, expected ~%f", i, d, radiusKm)
		}
	}
}

func TestCirclePolygonInvalidInputs(t *testing.T) {
	if ring := CirclePolygon(0, 0, 0, 32); ring != nil {
		t.Error("Expected nil ring for zero radius")
	}
	if ring := CirclePolygon(0, 0, -5, 32); ring != nil {
		t.Error("Expected nil ring for negative radius")
	}

	// Too few segments falls back to the default count.
	ring := CirclePolygon(0, 0, 10, 1)
	if len(ring) != 33 {
		t.Errorf("Expected default 32 segments plus close, got %d", len(ring))
	}
}

func TestPolygonFeatureShape(t *testing.T) {
	ring := CirclePolygon(0, 0, 5, 16)
	f := PolygonFeature(ring, map[string]interface{}{"id": "evt-1"})

	if f["type"] != "Feature" {
		t.Errorf("Expected Feature type, got %v", f["type"])
	}
	geom, ok := f["geometry"].(map[string]interface{})
	if !ok || geom["type"] != "Polygon" {
		t.Fatalf("Unexpected geometry: %v", f["geometry"])
	}
	coords, ok := geom["coordinates"].([][][]float64)
	if !ok || len(coords) != 1 {
		t.Fatalf("Expected one ring, got %v", geom["coordinates"])
	}
	props, ok := f["properties"].(map[string]interface{})
	if !ok || props["id"] != "evt-1" {
		t.Errorf("Properties not carried: %v", f["properties"])
	}
}
