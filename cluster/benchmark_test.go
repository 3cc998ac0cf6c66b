package cluster

import (
	"math/rand"
	"runtime"
	"testing"
)

// generateRandomPoints creates n random points within a geographic bounding box
func generateRandomPoints(n int, minLng, maxLng, minLat, maxLat float32) []Point {
	points := make([]Point, n)
	// Use deterministic seed for reproducibility
	source := rand.NewSource(42)
	r := rand.New(source)

	for i := 0; i < n; i++ {
		points[i] = Point{
			ID: uint32(i + 1),
			X:  minLng + r.Float32()*(maxLng-minLng),
			Y:  minLat + r.Float32()*(maxLat-minLat),
			Metrics: map[string]float32{
				"confidence": r.Float32(),
			},
			Metadata: map[string]interface{}{
				"layer": "documented",
			},
		}
	}
	return points
}

func benchmarkLoad(b *testing.B, numPoints int) {
	points := generateRandomPoints(numPoints, -10.0, 40.0, 35.0, 60.0)

	var memStatsBefore, memStatsAfter runtime.MemStats
	runtime.ReadMemStats(&memStatsBefore)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx := NewIndex(testOptions())
		idx.Load(points)
	}
	b.StopTimer()

	runtime.ReadMemStats(&memStatsAfter)
	allocMB := float64(memStatsAfter.TotalAlloc-memStatsBefore.TotalAlloc) / 1024 / 1024
	b.ReportMetric(allocMB/float64(b.N), "MB/op")
}

func benchmarkGetClusters(b *testing.B, numPoints, zoom int) {
	points := generateRandomPoints(numPoints, -10.0, 40.0, 35.0, 60.0)
	idx := NewIndex(testOptions())
	idx.Load(points)

	bounds := KDBounds{MinX: -10, MinY: 35, MaxX: 40, MaxY: 60}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.GetClusters(bounds, zoom)
	}
}

func BenchmarkLoadSmall(b *testing.B)  { benchmarkLoad(b, 1000) }
func BenchmarkLoadMedium(b *testing.B) { benchmarkLoad(b, 10000) }
func BenchmarkLoadLarge(b *testing.B)  { benchmarkLoad(b, 100000) }

func BenchmarkGetClustersSmall_LowZoom(b *testing.B)   { benchmarkGetClusters(b, 1000, 2) }
func BenchmarkGetClustersSmall_MidZoom(b *testing.B)   { benchmarkGetClusters(b, 1000, 8) }
func BenchmarkGetClustersSmall_HighZoom(b *testing.B)  { benchmarkGetClusters(b, 1000, 14) }
func BenchmarkGetClustersMedium_LowZoom(b *testing.B)  { benchmarkGetClusters(b, 10000, 2) }
func BenchmarkGetClustersMedium_MidZoom(b *testing.B)  { benchmarkGetClusters(b, 10000, 8) }
func BenchmarkGetClustersMedium_HighZoom(b *testing.B) { benchmarkGetClusters(b, 10000, 14) }
func BenchmarkGetClustersLarge_LowZoom(b *testing.B)   { benchmarkGetClusters(b, 100000, 2) }
func BenchmarkGetClustersLarge_MidZoom(b *testing.B)   { benchmarkGetClusters(b, 100000, 8) }
func BenchmarkGetClustersLarge_HighZoom(b *testing.B)  { benchmarkGetClusters(b, 100000, 14) }

func BenchmarkLeaves(b *testing.B) {
	points := generateRandomPoints(50000, -10.0, 40.0, 35.0, 60.0)
	idx := NewIndex(testOptions())
	idx.Load(points)

	bounds := KDBounds{MinX: -10, MinY: 35, MaxX: 40, MaxY: 60}
	nodes := idx.GetClusters(bounds, 0)

	var clusterID uint32
	var best uint32
	for _, n := range nodes {
		if n.Count > best {
			clusterID = n.ID
			best = n.Count
		}
	}
	if best < 2 {
		b.Fatal("Expected a multi-member cluster at zoom 0")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.Leaves(clusterID, 20, 0)
	}
}
