package viewport

import (
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

const earthRadiusKm = 6371.0

// CirclePolygon returns a closed GeoJSON ring approximating a circle of
// radiusKm around (lng, lat). Used for uncertainty halos around featured
// factoids; flat-plane accuracy is fine at these radii.
func CirclePolygon(lng, lat, radiusKm float64, segments int) [][]float64 {
	if segments < 3 {
		segments = 32
	}
	if radiusKm <= 0 {
		return nil
	}

	center := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lng))
	angle := s1.Angle(radiusKm / earthRadiusKm)
	loop := s2.RegularLoop(center, angle, segments)

	ring := make([][]float64, 0, loop.NumVertices()+1)
	for i := 0; i < loop.NumVertices(); i++ {
		ll := s2.LatLngFromPoint(loop.Vertex(i))
		ring = append(ring, []float64{ll.Lng.Degrees(), ll.Lat.Degrees()})
	}
	ring = append(ring, ring[0])
	return ring
}

// PolygonFeature builds a GeoJSON polygon feature from one ring.
func PolygonFeature(ring [][]float64, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type": "Feature",
		"geometry": map[string]interface{}{
			"type":        "Polygon",
			"coordinates": [][][]float64{ring},
		},
		"properties": props,
	}
}
