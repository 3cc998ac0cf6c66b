package feature

import "math"

// Kind distinguishes the two record categories supplied by the data layer.
type Kind int

const (
	KindBulkLocation Kind = iota
	KindFeaturedFactoid
)

// BulkLocation is the wire shape of a plain location record.
type BulkLocation struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Lng      float64 `json:"lng"`
	Lat      float64 `json:"lat"`
	Category string  `json:"category,omitempty"`
}

// FeaturedFactoid is the wire shape of a featured record. These keep their
// own DOM markers on the map so every field needed by the popup rides along.
type FeaturedFactoid struct {
	ID                  string   `json:"id"`
	Summary             string   `json:"summary"`
	Lng                 float64  `json:"lng"`
	Lat                 float64  `json:"lat"`
	Layer               string   `json:"layer"`
	Confidence          *float64 `json:"confidence,omitempty"`
	UncertaintyRadiusKm float64  `json:"uncertaintyRadiusKm,omitempty"`
	Category            string   `json:"category,omitempty"`
}

// Props is the property bag carried by every normalized feature.
type Props struct {
	Name                string
	Category            string
	Layer               string
	Confidence          *float64
	UncertaintyRadiusKm float64
}

// PointFeature is the single representation both record categories normalize
// into. Immutable for a given render pass; rebuilt when the source data changes.
type PointFeature struct {
	ID    string
	Lng   float64
	Lat   float64
	Kind  Kind
	Props Props
}

func validCoordinate(lng, lat float64) bool {
	if math.IsNaN(lng) || math.IsNaN(lat) {
		return false
	}
	if math.IsInf(lng, 0) || math.IsInf(lat, 0) {
		return false
	}
	return true
}

// Normalize converts raw location and factoid records into point features.
// Records with missing or non-numeric coordinates are dropped and counted,
// never fatal. Duplicate ids resolve last-write-wins; callers should build
// ids from a stable source-entity key to avoid depending on that.
func Normalize(bulk []BulkLocation, featured []FeaturedFactoid) (feats []PointFeature, dropped int) {
	feats = make([]PointFeature, 0, len(bulk)+len(featured))
	byID := make(map[string]int, len(bulk)+len(featured))

	add := func(f PointFeature) {
		if i, ok := byID[f.ID]; ok {
			feats[i] = f
			return
		}
		byID[f.ID] = len(feats)
		feats = append(feats, f)
	}

	for _, loc := range bulk {
		if !validCoordinate(loc.Lng, loc.Lat) {
			dropped++
			continue
		}
		add(PointFeature{
			ID:   loc.ID,
			Lng:  loc.Lng,
			Lat:  loc.Lat,
			Kind: KindBulkLocation,
			Props: Props{
				Name:     loc.Name,
				Category: loc.Category,
			},
		})
	}

	for _, f := range featured {
		if !validCoordinate(f.Lng, f.Lat) {
			dropped++
			continue
		}
		add(PointFeature{
			ID:   f.ID,
			Lng:  f.Lng,
			Lat:  f.Lat,
			Kind: KindFeaturedFactoid,
			Props: Props{
				Name:                f.Summary,
				Category:            f.Category,
				Layer:               f.Layer,
				Confidence:          f.Confidence,
				UncertaintyRadiusKm: f.UncertaintyRadiusKm,
			},
		})
	}

	return feats, dropped
}
