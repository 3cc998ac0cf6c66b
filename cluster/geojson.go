package cluster

// GeoJSON types for the HTTP boundary.
type Feature struct {
	Type       string                 `json:"type"`
	Geometry   Geometry               `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// ToGeoJSON converts the nodes in view to a GeoJSON feature collection. The
// cluster layer on the client styles and expands nodes off these properties.
func (idx *Index) ToGeoJSON(bounds KDBounds, zoom int) *FeatureCollection {
	nodes := idx.GetClusters(bounds, zoom)

	features := make([]Feature, len(nodes))
	for i, node := range nodes {
		properties := map[string]interface{}{
			"cluster":     node.Count > 1,
			"cluster_id":  node.ID,
			"point_count": node.Count,
		}
		if node.Count > 1 {
			properties["expansion_zoom"] = node.ExpansionZoom
		}
		if len(node.Metrics.Values) > 0 {
			properties["metrics"] = node.Metrics.Values
		}
		for k, v := range node.Metadata {
			properties[k] = v
		}

		features[i] = Feature{
			Type: "Feature",
			Geometry: Geometry{
				Type:        "Point",
				Coordinates: []float64{float64(node.X), float64(node.Y)},
			},
			Properties: properties,
		}
	}

	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
	}
}
