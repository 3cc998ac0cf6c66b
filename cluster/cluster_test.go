package cluster

import (
	"math"
	"sync"
	"testing"
)

func testOptions() Options {
	return Options{
		MinZoom:   0,
		MaxZoom:   14,
		MinPoints: 2,
		Radius:    60,
		Extent:    512,
		NodeSize:  64,
	}
}

// loadedIndex builds an index over a small fixed point set: two tight groups
// far apart plus one isolated point.
func loadedIndex(t *testing.T) *Index {
	t.Helper()
	points := []Point{
		{ID: 1, X: 2.3500, Y: 48.8500, Metrics: map[string]float32{"confidence": 0.9}, Metadata: map[string]interface{}{"name": "Site A", "layer": "documented"}},
		{ID: 2, X: 2.3501, Y: 48.8501, Metrics: map[string]float32{"confidence": 0.7}, Metadata: map[string]interface{}{"name": "Site B", "layer": "documented"}},
		{ID: 3, X: 2.3502, Y: 48.8502, Metrics: map[string]float32{"confidence": 0.5}, Metadata: map[string]interface{}{"name": "Site C", "layer": "attested"}},
		{ID: 4, X: 12.4960, Y: 41.9020, Metrics: map[string]float32{"confidence": 0.8}, Metadata: map[string]interface{}{"name": "Site D"}},
		{ID: 5, X: 12.4961, Y: 41.9021, Metrics: map[string]float32{"confidence": 0.6}, Metadata: map[string]interface{}{"name": "Site E"}},
		{ID: 6, X: -3.7000, Y: 40.4200, Metrics: map[string]float32{"confidence": 1.0}, Metadata: map[string]interface{}{"name": "Site F"}},
	}
	idx := NewIndex(testOptions())
	idx.Load(points)
	return idx
}

func TestPartitionCountsSum(t *testing.T) {
	idx := loadedIndex(t)
	bounds := KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}

	// At every zoom level the node counts must add up to the input size:
	// clustering partitions the set, it never drops or duplicates.
	for zoom := idx.Options.MinZoom; zoom <= idx.Options.MaxZoom+1; zoom++ {
		nodes := idx.GetClusters(bounds, zoom)
		var total uint32
		for _, n := range nodes {
			total += n.Count
		}
		if total != 6 {
			t.Errorf("Zoom %d: expected counts to sum to 6, got %d", zoom, total)
		}
	}
}

func TestIndividualPointsAboveMaxZoom(t *testing.T) {
	idx := loadedIndex(t)
	bounds := KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}

	nodes := idx.GetClusters(bounds, idx.Options.MaxZoom+1)
	if len(nodes) != 6 {
		t.Fatalf("Expected 6 individual nodes above max zoom, got %d", len(nodes))
	}
	for _, n := range nodes {
		if n.Count != 1 {
			t.Errorf("Node %d: expected count 1, got %d", n.ID, n.Count)
		}
		if n.ExpansionZoom != NoExpansion {
			t.Errorf("Node %d: expected no expansion zoom for a point, got %d", n.ID, n.ExpansionZoom)
		}
	}
}

func TestExpansionZoomForSeparableCluster(t *testing.T) {
	idx := loadedIndex(t)
	bounds := KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}

	// At low zoom the Paris group collapses into one cluster whose members
	// separate at a deeper level.
	nodes := idx.GetClusters(bounds, 0)
	var found bool
	for _, n := range nodes {
		if n.Count <= 1 {
			continue
		}
		found = true
		ez, ok := idx.ExpansionZoom(n.ID)
		if !ok {
			t.Fatalf("Index does not know its own cluster %d", n.ID)
		}
		if ez == NoExpansion {
			continue
		}
		if ez <= 0 || ez > idx.Options.MaxZoom {
			t.Errorf("Cluster %d: expansion zoom %d outside (0, %d]", n.ID, ez, idx.Options.MaxZoom)
		}
	}
	if !found {
		t.Fatal("Expected at least one cluster at zoom 0")
	}
}

func TestExpansionZoomSentinelForCoincidentPoints(t *testing.T) {
	// Exactly coincident points cluster at every level including MaxZoom, so
	// their cluster reports the no-expansion sentinel.
	points := []Point{
		{ID: 1, X: 10.0, Y: 50.0},
		{ID: 2, X: 10.0, Y: 50.0},
		{ID: 3, X: 10.0, Y: 50.0},
	}
	idx := NewIndex(testOptions())
	idx.Load(points)

	bounds := KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
	nodes := idx.GetClusters(bounds, idx.Options.MaxZoom)
	if len(nodes) != 1 {
		t.Fatalf("Expected one cluster at max zoom, got %d nodes", len(nodes))
	}
	if nodes[0].Count != 3 {
		t.Fatalf("Expected cluster of 3, got %d", nodes[0].Count)
	}

	ez, ok := idx.ExpansionZoom(nodes[0].ID)
	if !ok {
		t.Fatal("Cluster id unknown to its own index")
	}
	if ez != NoExpansion {
		t.Errorf("Expected NoExpansion for coincident cluster, got %d", ez)
	}
}

func TestUnknownIDLookups(t *testing.T) {
	idx := loadedIndex(t)

	if _, ok := idx.ExpansionZoom(999999); ok {
		t.Error("Expected ExpansionZoom to report unknown id")
	}
	if _, ok := idx.Count(999999); ok {
		t.Error("Expected Count to report unknown id")
	}
	if _, ok := idx.Leaves(999999, 10, 0); ok {
		t.Error("Expected Leaves to report unknown id")
	}
}

func TestCountForPointAndCluster(t *testing.T) {
	idx := loadedIndex(t)

	if count, ok := idx.Count(6); !ok || count != 1 {
		t.Errorf("Expected count 1 for individual point, got %d (ok=%v)", count, ok)
	}

	bounds := KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
	for _, n := range idx.GetClusters(bounds, 0) {
		count, ok := idx.Count(n.ID)
		if !ok {
			t.Fatalf("Index does not know node %d", n.ID)
		}
		if count != n.Count {
			t.Errorf("Node %d: Count reported %d, GetClusters reported %d", n.ID, count, n.Count)
		}
	}
}

func TestLeavesStableOrderAndPagination(t *testing.T) {
	idx := loadedIndex(t)
	bounds := KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}

	var clusterID uint32
	var clusterCount uint32
	for _, n := range idx.GetClusters(bounds, 0) {
		if n.Count > clusterCount {
			clusterID = n.ID
			clusterCount = n.Count
		}
	}
	if clusterCount < 2 {
		t.Fatal("Expected a multi-member cluster at zoom 0")
	}

	all, ok := idx.Leaves(clusterID, int(clusterCount), 0)
	if !ok {
		t.Fatal("Leaves reported unknown id for a live cluster")
	}
	if uint32(len(all)) != clusterCount {
		t.Fatalf("Expected %d leaves, got %d", clusterCount, len(all))
	}

	// Same query, same order.
	again, _ := idx.Leaves(clusterID, int(clusterCount), 0)
	for i := range all {
		if all[i].ID != again[i].ID {
			t.Fatalf("Leaf order changed between calls at position %d", i)
		}
	}

	// Paging through one at a time must reproduce the full walk.
	for i := 0; i < int(clusterCount); i++ {
		page, _ := idx.Leaves(clusterID, 1, i)
		if len(page) != 1 {
			t.Fatalf("Expected one leaf at offset %d, got %d", i, len(page))
		}
		if page[0].ID != all[i].ID {
			t.Errorf("Offset %d: expected leaf %d, got %d", i, all[i].ID, page[0].ID)
		}
	}

	// Offset past the end yields an empty page, not an error.
	past, ok := idx.Leaves(clusterID, 10, int(clusterCount)+5)
	if !ok || len(past) != 0 {
		t.Errorf("Expected empty page past the end, got %d leaves (ok=%v)", len(past), ok)
	}
}

func TestLeavesDefaultLimit(t *testing.T) {
	points := make([]Point, 30)
	for i := range points {
		points[i] = Point{ID: uint32(i + 1), X: 10.0, Y: 50.0}
	}
	idx := NewIndex(testOptions())
	idx.Load(points)

	bounds := KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
	nodes := idx.GetClusters(bounds, 0)
	if len(nodes) != 1 {
		t.Fatalf("Expected one cluster, got %d", len(nodes))
	}

	leaves, _ := idx.Leaves(nodes[0].ID, 0, 0)
	if len(leaves) != 10 {
		t.Errorf("Expected default limit of 10 leaves, got %d", len(leaves))
	}
}

func TestEmptyIndex(t *testing.T) {
	idx := NewIndex(testOptions())
	idx.Load(nil)

	bounds := KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
	for zoom := 0; zoom <= idx.Options.MaxZoom+1; zoom++ {
		if nodes := idx.GetClusters(bounds, zoom); len(nodes) != 0 {
			t.Errorf("Zoom %d: expected no nodes from empty index, got %d", zoom, len(nodes))
		}
	}
}

func TestMetricsWeightedAverage(t *testing.T) {
	// Three coincident points with confidences 0.9, 0.6, 0.3 roll up to their
	// weighted (equal-weight) average.
	points := []Point{
		{ID: 1, X: 10.0, Y: 50.0, Metrics: map[string]float32{"confidence": 0.9}},
		{ID: 2, X: 10.0, Y: 50.0, Metrics: map[string]float32{"confidence": 0.6}},
		{ID: 3, X: 10.0, Y: 50.0, Metrics: map[string]float32{"confidence": 0.3}},
	}
	idx := NewIndex(testOptions())
	idx.Load(points)

	bounds := KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
	nodes := idx.GetClusters(bounds, 0)
	if len(nodes) != 1 {
		t.Fatalf("Expected one cluster, got %d", len(nodes))
	}

	got := nodes[0].Metrics.Values["confidence"]
	if math.Abs(float64(got-0.6)) > 0.001 {
		t.Errorf("Expected averaged confidence 0.6, got %f", got)
	}
}

func TestMetadataCommonOnly(t *testing.T) {
	points := []Point{
		{ID: 1, X: 10.0, Y: 50.0, Metadata: map[string]interface{}{"layer": "documented", "name": "Site A"}},
		{ID: 2, X: 10.0, Y: 50.0, Metadata: map[string]interface{}{"layer": "documented", "name": "Site B"}},
	}
	idx := NewIndex(testOptions())
	idx.Load(points)

	bounds := KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
	nodes := idx.GetClusters(bounds, 0)
	if len(nodes) != 1 {
		t.Fatalf("Expected one cluster, got %d", len(nodes))
	}

	if nodes[0].Metadata["layer"] != "documented" {
		t.Errorf("Expected common 'layer' metadata preserved, got %v", nodes[0].Metadata["layer"])
	}
	if _, ok := nodes[0].Metadata["name"]; ok {
		t.Error("Expected differing 'name' metadata dropped from the cluster")
	}
}

func TestGetClustersBoundsFiltering(t *testing.T) {
	idx := loadedIndex(t)

	// A view over Spain only sees the Madrid point.
	bounds := KDBounds{MinX: -10, MinY: 35, MaxX: 0, MaxY: 44}
	nodes := idx.GetClusters(bounds, idx.Options.MaxZoom+1)
	if len(nodes) != 1 {
		t.Fatalf("Expected one node in Spain view, got %d", len(nodes))
	}
	if nodes[0].ID != 6 {
		t.Errorf("Expected point 6 in Spain view, got %d", nodes[0].ID)
	}
}

func TestClusterIDsDistinctFromLeafIDs(t *testing.T) {
	idx := loadedIndex(t)
	for id := range idx.clusters {
		if _, ok := idx.leafByID[id]; ok {
			t.Errorf("Cluster id %d collides with a leaf id", id)
		}
	}
}

func TestKDTreeWithin(t *testing.T) {
	pool := NewMetricsPool()
	points := []KDPoint{
		{X: 0, Y: 0, ID: 1, NumPoints: 1},
		{X: 0.1, Y: 0, ID: 2, NumPoints: 1},
		{X: 5, Y: 5, ID: 3, NumPoints: 1},
	}
	tree := NewKDTree(points, 64, pool)

	hits := tree.Within(0, 0, 0.5)
	if len(hits) != 2 {
		t.Fatalf("Expected 2 points within radius, got %d", len(hits))
	}
	ids := map[uint32]bool{}
	for _, i := range hits {
		ids[tree.Points[i].ID] = true
	}
	if !ids[1] || !ids[2] {
		t.Errorf("Expected points 1 and 2 within radius, got %v", ids)
	}
}

func TestKDTreeBoundsCalculation(t *testing.T) {
	pool := NewMetricsPool()
	points := []KDPoint{
		{X: -10, Y: 5, ID: 1, NumPoints: 1},
		{X: 10, Y: -5, ID: 2, NumPoints: 1},
		{X: 0, Y: 0, ID: 3, NumPoints: 1},
	}
	tree := NewKDTree(points, 64, pool)

	if tree.Bounds.MinX != -10 || tree.Bounds.MaxX != 10 {
		t.Errorf("Expected X bounds [-10, 10], got [%f, %f]", tree.Bounds.MinX, tree.Bounds.MaxX)
	}
	if tree.Bounds.MinY != -5 || tree.Bounds.MaxY != 5 {
		t.Errorf("Expected Y bounds [-5, 5], got [%f, %f]", tree.Bounds.MinY, tree.Bounds.MaxY)
	}
}

func TestKDTreeWithinSplitNodes(t *testing.T) {
	// Force internal split nodes with a tiny node size and verify the radius
	// query still finds neighbors across the split plane.
	pool := NewMetricsPool()
	points := make([]KDPoint, 50)
	for i := range points {
		points[i] = KDPoint{X: float32(i) * 0.01, Y: 0, ID: uint32(i + 1), NumPoints: 1}
	}
	tree := NewKDTree(points, 4, pool)

	hits := tree.Within(0.25, 0, 0.035)
	if len(hits) != 7 {
		t.Errorf("Expected 7 points within radius across splits, got %d", len(hits))
	}
}

func TestMetricsPoolDeduplication(t *testing.T) {
	pool := NewMetricsPool()

	idx1 := pool.Add(map[string]float32{"confidence": 0.5, "count": 1})
	idx2 := pool.Add(map[string]float32{"confidence": 0.5, "count": 1})

	if idx1 != idx2 {
		t.Errorf("Expected same index for identical metrics, got %d and %d", idx1, idx2)
	}
	if len(pool.Metrics) != 1 {
		t.Errorf("Expected metrics pool length 1, got %d", len(pool.Metrics))
	}
}

func TestMetricsPoolThreadSafety(t *testing.T) {
	pool := NewMetricsPool()
	const numGoroutines = 10
	const numMetricsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(n int) {
			defer wg.Done()
			for j := 0; j < numMetricsPerGoroutine; j++ {
				pool.Add(map[string]float32{
					"confidence": float32(n*numMetricsPerGoroutine+j) / 1000,
				})
			}
		}(i)
	}

	wg.Wait()

	testIdx := pool.Add(map[string]float32{"test": 1.0})
	if pool.Get(testIdx) == nil {
		t.Error("Failed to get metrics after concurrent operations")
	}
}

func TestProjectionRoundTrip(t *testing.T) {
	testCases := []struct {
		lng, lat float32
	}{
		{0, 0},
		{179, 80},
		{-179, -80},
		{45, 45},
		{2.35, 48.85},
	}

	for _, tc := range testCases {
		proj := projectNorm(tc.lng, tc.lat)
		unproj := unprojectNorm(proj[0], proj[1])

		const epsilon = 0.0005
		if math.Abs(float64(tc.lng-unproj[0])) > epsilon ||
			math.Abs(float64(tc.lat-unproj[1])) > epsilon {
			t.Errorf("Projection round trip failed for (%f,%f): got (%f,%f)",
				tc.lng, tc.lat, unproj[0], unproj[1])
		}
	}
}

func TestLargeDatasetPartition(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping large dataset test in short mode")
	}

	const n = 45000
	bounds := KDBounds{MinX: -10, MinY: 35, MaxX: 40, MaxY: 60}
	points := GenerateTestLocations(n, bounds)

	idx := NewIndex(testOptions())
	idx.Load(points)

	world := KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
	for _, zoom := range []int{0, 4, 8, 12, 15} {
		nodes := idx.GetClusters(world, zoom)
		var total uint32
		for _, node := range nodes {
			total += node.Count
		}
		if total != n {
			t.Errorf("Zoom %d: expected counts to sum to %d, got %d", zoom, n, total)
		}
	}

	// Leaves of every zoom-0 cluster must walk without duplicates.
	nodes := idx.GetClusters(world, 0)
	for _, node := range nodes {
		if node.Count <= 1 {
			continue
		}
		leaves, ok := idx.Leaves(node.ID, int(node.Count), 0)
		if !ok {
			t.Fatalf("Index does not know its own cluster %d", node.ID)
		}
		seen := make(map[uint32]bool, len(leaves))
		for _, leaf := range leaves {
			if seen[leaf.ID] {
				t.Fatalf("Cluster %d: duplicate leaf %d", node.ID, leaf.ID)
			}
			seen[leaf.ID] = true
		}
		if uint32(len(leaves)) != node.Count {
			t.Errorf("Cluster %d: expected %d leaves, got %d", node.ID, node.Count, len(leaves))
		}
	}
}
