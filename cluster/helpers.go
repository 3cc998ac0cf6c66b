package cluster

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/stat"
)

// ConfidenceStats summarizes the confidence metric across the nodes in view.
type ConfidenceStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stdDev"`
	Samples int     `json:"samples"`
}

// Summary is the hover-preview / badge payload for a set of rendered nodes.
type Summary struct {
	TotalPoints     int                `json:"totalPoints"`
	NumClusters     int                `json:"numClusters"`
	NumSinglePoints int                `json:"numSinglePoints"`
	Confidence      *ConfidenceStats   `json:"confidence,omitempty"`
	Layers          map[string]float64 `json:"layers,omitempty"`
	Categories      map[string]float64 `json:"categories,omitempty"`
}

// CalculateSummary aggregates the nodes of one view: total counts, the
// cluster/single split, weighted confidence statistics, and the layer and
// category distributions (percent of points carrying each value).
func CalculateSummary(nodes []ClusterNode) Summary {
	summary := Summary{}
	if len(nodes) == 0 {
		return summary
	}

	var confValues, confWeights []float64
	layerCounts := make(map[string]int)
	categoryCounts := make(map[string]int)
	layerTotal := 0
	categoryTotal := 0

	for _, node := range nodes {
		if node.Count > 1 {
			summary.NumClusters++
		} else {
			summary.NumSinglePoints++
		}
		summary.TotalPoints += int(node.Count)

		if c, ok := node.Metrics.Values["confidence"]; ok {
			confValues = append(confValues, float64(c))
			confWeights = append(confWeights, float64(node.Count))
		}

		if layer, ok := node.Metadata["layer"].(string); ok && layer != "" {
			layerCounts[layer] += int(node.Count)
			layerTotal += int(node.Count)
		}
		if category, ok := node.Metadata["category"].(string); ok && category != "" {
			categoryCounts[category] += int(node.Count)
			categoryTotal += int(node.Count)
		}
	}

	if len(confValues) > 0 {
		cs := &ConfidenceStats{
			Min:     confValues[0],
			Max:     confValues[0],
			Mean:    stat.Mean(confValues, confWeights),
			StdDev:  stat.StdDev(confValues, confWeights),
			Samples: len(confValues),
		}
		for _, v := range confValues {
			if v < cs.Min {
				cs.Min = v
			}
			if v > cs.Max {
				cs.Max = v
			}
		}
		summary.Confidence = cs
	}

	if layerTotal > 0 {
		summary.Layers = make(map[string]float64, len(layerCounts))
		for layer, n := range layerCounts {
			summary.Layers[layer] = float64(n) / float64(layerTotal) * 100
		}
	}
	if categoryTotal > 0 {
		summary.Categories = make(map[string]float64, len(categoryCounts))
		for category, n := range categoryCounts {
			summary.Categories[category] = float64(n) / float64(categoryTotal) * 100
		}
	}

	return summary
}

var demoLayers = []string{"documented", "attested", "inferred"}
var demoCategories = []string{"settlement", "battle", "temple", "road"}

// GenerateTestLocations creates a deterministic demo point set inside the
// given lng/lat bounds. The demo server uses it when no real data is loaded.
func GenerateTestLocations(n int, bounds KDBounds) []Point {
	r := rand.New(rand.NewSource(42))
	points := make([]Point, n)

	for i := 0; i < n; i++ {
		x := bounds.MinX + r.Float32()*(bounds.MaxX-bounds.MinX)
		y := bounds.MinY + r.Float32()*(bounds.MaxY-bounds.MinY)

		points[i] = Point{
			ID: uint32(i + 1),
			X:  x,
			Y:  y,
			Metrics: map[string]float32{
				"confidence": r.Float32(),
			},
			Metadata: map[string]interface{}{
				"name":     fmt.Sprintf("Site %d", i+1),
				"layer":    demoLayers[r.Intn(len(demoLayers))],
				"category": demoCategories[r.Intn(len(demoCategories))],
			},
		}
	}

	return points
}
