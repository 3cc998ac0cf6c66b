package cluster

import (
	"math"
	"testing"
)

func TestCalculateSummaryEmpty(t *testing.T) {
	summary := CalculateSummary(nil)
	if summary.TotalPoints != 0 || summary.NumClusters != 0 || summary.NumSinglePoints != 0 {
		t.Errorf("Expected zero summary for no nodes, got %+v", summary)
	}
	if summary.Confidence != nil {
		t.Error("Expected no confidence stats for no nodes")
	}
}

func TestCalculateSummaryCounts(t *testing.T) {
	nodes := []ClusterNode{
		{ID: 1, Count: 10, Metrics: ClusterMetrics{Values: map[string]float32{"confidence": 0.8}}},
		{ID: 2, Count: 1, Metrics: ClusterMetrics{Values: map[string]float32{"confidence": 0.4}}},
		{ID: 3, Count: 5},
	}

	summary := CalculateSummary(nodes)
	if summary.TotalPoints != 16 {
		t.Errorf("Expected 16 total points, got %d", summary.TotalPoints)
	}
	if summary.NumClusters != 2 {
		t.Errorf("Expected 2 clusters, got %d", summary.NumClusters)
	}
	if summary.NumSinglePoints != 1 {
		t.Errorf("Expected 1 single point, got %d", summary.NumSinglePoints)
	}

	if summary.Confidence == nil {
		t.Fatal("Expected confidence stats")
	}
	if summary.Confidence.Samples != 2 {
		t.Errorf("Expected 2 confidence samples, got %d", summary.Confidence.Samples)
	}
	if summary.Confidence.Min != 0.4 || summary.Confidence.Max != 0.8 {
		t.Errorf("Expected confidence range [0.4, 0.8], got [%f, %f]",
			summary.Confidence.Min, summary.Confidence.Max)
	}

	// Weighted by count: (0.8*10 + 0.4*1) / 11
	expectedMean := (0.8*10 + 0.4*1) / 11
	if math.Abs(summary.Confidence.Mean-expectedMean) > 0.0001 {
		t.Errorf("Expected weighted mean %f, got %f", expectedMean, summary.Confidence.Mean)
	}
}

func TestCalculateSummaryDistributions(t *testing.T) {
	nodes := []ClusterNode{
		{ID: 1, Count: 3, Metadata: map[string]interface{}{"layer": "documented", "category": "settlement"}},
		{ID: 2, Count: 1, Metadata: map[string]interface{}{"layer": "attested", "category": "settlement"}},
	}

	summary := CalculateSummary(nodes)
	if math.Abs(summary.Layers["documented"]-75) > 0.0001 {
		t.Errorf("Expected documented share 75%%, got %f", summary.Layers["documented"])
	}
	if math.Abs(summary.Layers["attested"]-25) > 0.0001 {
		t.Errorf("Expected attested share 25%%, got %f", summary.Layers["attested"])
	}
	if math.Abs(summary.Categories["settlement"]-100) > 0.0001 {
		t.Errorf("Expected settlement share 100%%, got %f", summary.Categories["settlement"])
	}
}

func TestGenerateTestLocationsDeterministic(t *testing.T) {
	bounds := KDBounds{MinX: -10, MinY: 35, MaxX: 40, MaxY: 60}
	a := GenerateTestLocations(100, bounds)
	b := GenerateTestLocations(100, bounds)

	if len(a) != 100 || len(b) != 100 {
		t.Fatalf("Expected 100 points, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].X != b[i].X || a[i].Y != b[i].Y {
			t.Fatalf("Point %d differs between runs", i)
		}
		if a[i].X < bounds.MinX || a[i].X > bounds.MaxX ||
			a[i].Y < bounds.MinY || a[i].Y > bounds.MaxY {
			t.Errorf("Point %d outside bounds: (%f, %f)", i, a[i].X, a[i].Y)
		}
	}
}
