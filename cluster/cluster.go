package cluster

import (
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// NoExpansion is the sentinel returned by ExpansionZoom for a cluster that
// cannot be separated by zooming alone: it only splits past MaxZoom, so the
// caller has to declutter it in place instead.
const NoExpansion = -1

// Point is one input feature of the index. ID is caller-assigned and must be
// unique across the loaded set; cluster ids are generated so they never
// collide with leaf ids.
type Point struct {
	ID       uint32
	X, Y     float32 // lng, lat
	Metrics  map[string]float32
	Metadata map[string]interface{}
}

// KDNode is a flat-array tree node. Leaf nodes cover the point range
// [PointIdx, EndIdx]; internal nodes hold the median point at PointIdx and
// have EndIdx == -1.
type KDNode struct {
	PointIdx int32
	EndIdx   int32
	Left     int32
	Right    int32
	Axis     uint8
}

// KDPoint is a point projected into normalized mercator space [0,1]. A
// NumPoints > 1 entry is a cluster standing in for its members at this level.
type KDPoint struct {
	X, Y      float32
	ID        uint32
	NumPoints uint32
	MetricIdx uint32
	Metadata  map[string]interface{}
}

type KDTree struct {
	Nodes    []KDNode
	Points   []KDPoint
	NodeSize int
	Bounds   KDBounds
	Pool     *MetricsPool
}

type KDBounds struct {
	MinX, MinY, MaxX, MaxY float32
}

// Extend expands bounds to include another point.
func (b *KDBounds) Extend(x, y float32) {
	b.MinX = float32(math.Min(float64(b.MinX), float64(x)))
	b.MinY = float32(math.Min(float64(b.MinY), float64(y)))
	b.MaxX = float32(math.Max(float64(b.MaxX), float64(x)))
	b.MaxY = float32(math.Max(float64(b.MaxY), float64(y)))
}

// Options parameterizes the index. Radius is the screen-space cluster radius
// in pixels at the given tile Extent; MaxZoom is the level above which no
// clustering is applied and every feature stands alone.
type Options struct {
	MinZoom   int
	MaxZoom   int
	MinPoints int
	Radius    float64
	NodeSize  int
	Extent    int
	Log       bool
}

// ClusterMetrics carries aggregated per-point metrics, weighted-averaged over
// the cluster's members (e.g. community confidence).
type ClusterMetrics struct {
	Values map[string]float32
}

// ClusterNode is one rendered node: either a cluster or an individual point.
type ClusterNode struct {
	ID            uint32
	X, Y          float32 // lng, lat
	Count         uint32
	ExpansionZoom int // NoExpansion for points and unexpandable clusters
	Metrics       ClusterMetrics
	Metadata      map[string]interface{}
}

// clusterInfo is the registry entry behind a generated cluster id.
type clusterInfo struct {
	ID        uint32
	X, Y      float32 // lng, lat centroid
	Count     uint32
	ExpandsAt int      // zoom at which the members separate again
	Children  []uint32 // member ids at level ExpandsAt, in build order
	MetricIdx uint32
	Metadata  map[string]interface{}
}

// Index groups a loaded point set into a hierarchy of clusters, one level per
// zoom from MinZoom to MaxZoom+1 (the individual-points level). It is built
// once by Load and never mutated afterwards; data changes mean a new Load.
type Index struct {
	Options  Options
	Points   []Point
	trees    []*KDTree
	clusters map[uint32]*clusterInfo
	leafByID map[uint32]int
	pool     *MetricsPool
}

// NewIndex validates options and fills in defaults, following the same
// bounds the renderer uses.
func NewIndex(options Options) *Index {
	if options.MinZoom < 0 {
		options.MinZoom = 0
	}
	if options.MaxZoom <= 0 {
		options.MaxZoom = 16
	}
	if options.MaxZoom > 16 {
		options.MaxZoom = 16
	}
	if options.MinZoom > options.MaxZoom {
		options.MinZoom = options.MaxZoom
	}
	if options.NodeSize <= 0 {
		options.NodeSize = 64
	}
	if options.Extent <= 0 {
		options.Extent = 512
	}
	if options.Radius <= 0 {
		options.Radius = 40
	}
	if options.MinPoints <= 0 {
		options.MinPoints = 2
	}

	return &Index{
		Options:  options,
		clusters: make(map[uint32]*clusterInfo),
		leafByID: make(map[uint32]int),
	}
}

func (idx *Index) logf(format string, args ...interface{}) {
	if idx.Options.Log {
		fmt.Printf(format, args...)
	}
}

// Load builds the full cluster hierarchy for the given points. An empty input
// yields an empty index, not an error.
func (idx *Index) Load(points []Point) {
	idx.logf("Loading %d points\n", len(points))

	idx.Points = points
	idx.clusters = make(map[uint32]*clusterInfo)
	idx.leafByID = make(map[uint32]int, len(points))
	idx.pool = NewMetricsPool()
	idx.trees = make([]*KDTree, idx.Options.MaxZoom+2)

	kdPoints := make([]KDPoint, len(points))
	for i, p := range points {
		idx.leafByID[p.ID] = i
		proj := projectNorm(p.X, p.Y)
		kdPoints[i] = KDPoint{
			X:         proj[0],
			Y:         proj[1],
			ID:        p.ID,
			NumPoints: 1,
			MetricIdx: idx.pool.Add(p.Metrics),
			Metadata:  p.Metadata,
		}
	}

	// Individual-points level first, then cluster upwards towards MinZoom.
	idx.trees[idx.Options.MaxZoom+1] = NewKDTree(kdPoints, idx.Options.NodeSize, idx.pool)
	for z := idx.Options.MaxZoom; z >= idx.Options.MinZoom; z-- {
		level := idx.buildLevel(idx.trees[z+1], z)
		idx.trees[z] = NewKDTree(level, idx.Options.NodeSize, idx.pool)
	}
}

// buildLevel clusters the previous (deeper) level's nodes at the radius for
// this zoom. Nodes that do not reach MinPoints survive unchanged.
func (idx *Index) buildLevel(prev *KDTree, zoom int) []KDPoint {
	r := float32(idx.Options.Radius / (float64(idx.Options.Extent) * math.Pow(2, float64(zoom))))
	pts := prev.Points
	visited := make([]bool, len(pts))
	next := make([]KDPoint, 0, len(pts))

	for i := range pts {
		if visited[i] {
			continue
		}

		nearby := prev.Within(pts[i].X, pts[i].Y, r)
		members := make([]int32, 0, len(nearby))
		var count uint32
		for _, j := range nearby {
			if !visited[j] {
				members = append(members, j)
				count += pts[j].NumPoints
			}
		}

		if len(members) < 2 || int(count) < idx.Options.MinPoints {
			visited[i] = true
			next = append(next, pts[i])
			continue
		}

		sort.Slice(members, func(a, b int) bool { return members[a] < members[b] })
		next = append(next, idx.createCluster(pts, members, count, zoom))
		for _, j := range members {
			visited[j] = true
		}
	}

	idx.logf("Zoom %d: %d nodes from %d\n", zoom, len(next), len(pts))
	return next
}

// createCluster registers a new cluster over the given member indices and
// returns its stand-in node for the level under construction.
func (idx *Index) createCluster(pts []KDPoint, members []int32, count uint32, zoom int) KDPoint {
	var sumX, sumY float64
	metrics := make(map[string]float64)
	metadata := make(map[string]interface{})
	metadataCounts := make(map[string]int)

	for _, j := range members {
		p := pts[j]
		weight := float64(p.NumPoints)
		sumX += float64(p.X) * weight
		sumY += float64(p.Y) * weight

		if pm := idx.pool.Get(p.MetricIdx); pm != nil {
			for k, v := range pm {
				metrics[k] += float64(v) * weight
			}
		}

		for k, v := range p.Metadata {
			key := fmt.Sprintf("%s:%v", k, v)
			metadataCounts[key]++
			if metadataCounts[key] == 1 {
				metadata[k] = v
			}
		}
	}

	invTotal := 1.0 / float64(count)
	cx := float32(sumX * invTotal)
	cy := float32(sumY * invTotal)

	merged := make(map[string]float32, len(metrics))
	for k, sum := range metrics {
		merged[k] = float32(sum * invTotal)
	}

	// Only metadata shared by every member survives onto the cluster.
	common := make(map[string]interface{})
	for k, v := range metadata {
		if metadataCounts[fmt.Sprintf("%s:%v", k, v)] == len(members) {
			common[k] = v
		}
	}

	children := make([]uint32, len(members))
	for i, j := range members {
		children[i] = pts[j].ID
	}

	unproj := unprojectNorm(cx, cy)
	info := &clusterInfo{
		ID:        idx.newClusterID(),
		X:         unproj[0],
		Y:         unproj[1],
		Count:     count,
		ExpandsAt: zoom + 1,
		Children:  children,
		MetricIdx: idx.pool.Add(merged),
		Metadata:  common,
	}
	idx.clusters[info.ID] = info

	return KDPoint{
		X:         cx,
		Y:         cy,
		ID:        info.ID,
		NumPoints: count,
		MetricIdx: info.MetricIdx,
		Metadata:  common,
	}
}

// newClusterID draws random uint32 ids until one is free of both the cluster
// registry and the caller's leaf id space.
func (idx *Index) newClusterID() uint32 {
	for {
		id := uuid.New().ID()
		if _, ok := idx.clusters[id]; ok {
			continue
		}
		if _, ok := idx.leafByID[id]; ok {
			continue
		}
		return id
	}
}

// ExpansionZoom returns the zoom level at which the cluster visually splits.
// ok is false for ids the current index does not know (a stale click is a
// no-op for the caller). NoExpansion means zooming cannot separate it.
func (idx *Index) ExpansionZoom(id uint32) (zoom int, ok bool) {
	c, ok := idx.clusters[id]
	if !ok {
		return 0, false
	}
	if c.ExpandsAt > idx.Options.MaxZoom {
		return NoExpansion, true
	}
	return c.ExpandsAt, true
}

// Count returns the member count behind an id, 1 for an individual point.
func (idx *Index) Count(id uint32) (uint32, bool) {
	if c, ok := idx.clusters[id]; ok {
		return c.Count, true
	}
	if _, ok := idx.leafByID[id]; ok {
		return 1, true
	}
	return 0, false
}

// Leaves returns up to limit member points of a cluster, skipping offset. The
// order is fixed for a built index: children are walked depth-first in build
// order, so repeated calls with the same arguments agree.
func (idx *Index) Leaves(id uint32, limit, offset int) ([]Point, bool) {
	c, ok := idx.clusters[id]
	if !ok {
		return nil, false
	}
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	out := make([]Point, 0, limit)
	skipped := 0

	var walk func(children []uint32) bool
	walk = func(children []uint32) bool {
		for _, child := range children {
			if cc, isCluster := idx.clusters[child]; isCluster {
				if walk(cc.Children) {
					return true
				}
				continue
			}
			pi, isLeaf := idx.leafByID[child]
			if !isLeaf {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, idx.Points[pi])
			if len(out) >= limit {
				return true
			}
		}
		return false
	}
	walk(c.Children)

	return out, true
}

// GetClusters returns the nodes of the clamped zoom level inside the given
// lng/lat bounds. Zoom levels above MaxZoom return every feature individually.
func (idx *Index) GetClusters(bounds KDBounds, zoom int) []ClusterNode {
	if idx.trees == nil {
		return nil
	}
	if zoom < idx.Options.MinZoom {
		zoom = idx.Options.MinZoom
	}
	if zoom > idx.Options.MaxZoom+1 {
		zoom = idx.Options.MaxZoom + 1
	}

	tree := idx.trees[zoom]
	nodes := make([]ClusterNode, 0, len(tree.Points))
	for _, p := range tree.Points {
		unproj := unprojectNorm(p.X, p.Y)
		lng, lat := unproj[0], unproj[1]
		if lng < bounds.MinX || lng > bounds.MaxX || lat < bounds.MinY || lat > bounds.MaxY {
			continue
		}

		node := ClusterNode{
			ID:            p.ID,
			X:             lng,
			Y:             lat,
			Count:         p.NumPoints,
			ExpansionZoom: NoExpansion,
			Metrics:       ClusterMetrics{Values: idx.pool.Get(p.MetricIdx)},
			Metadata:      p.Metadata,
		}
		if ez, ok := idx.ExpansionZoom(p.ID); ok {
			node.ExpansionZoom = ez
		}
		nodes = append(nodes, node)
	}

	idx.logf("Zoom %d: %d nodes in view\n", zoom, len(nodes))
	return nodes
}

// Cleanup releases the memory held by the index. The server calls this before
// swapping in a freshly loaded one.
func (idx *Index) Cleanup() {
	if idx == nil {
		return
	}
	idx.trees = nil
	idx.clusters = nil
	idx.leafByID = nil
	idx.Points = nil
	if idx.pool != nil {
		idx.pool.Metrics = nil
		idx.pool.Lookup = nil
		idx.pool = nil
	}
	runtime.GC()
	debug.FreeOSMemory()
}

// NewKDTree builds a flat-array kd-tree over a copy of the given points.
func NewKDTree(points []KDPoint, nodeSize int, metricsPool *MetricsPool) *KDTree {
	tree := &KDTree{
		Nodes:    make([]KDNode, 0, len(points)*2),
		Points:   make([]KDPoint, len(points)),
		NodeSize: nodeSize,
		Pool:     metricsPool,
	}
	copy(tree.Points, points)

	bounds := KDBounds{
		MinX: float32(math.Inf(1)),
		MinY: float32(math.Inf(1)),
		MaxX: float32(math.Inf(-1)),
		MaxY: float32(math.Inf(-1)),
	}
	for _, p := range points {
		bounds.Extend(p.X, p.Y)
	}
	tree.Bounds = bounds

	if len(points) > 0 {
		tree.buildNodes(0, len(points)-1, 0)
	}
	return tree
}

func (t *KDTree) buildNodes(start, end, depth int) int32 {
	if start > end {
		return -1
	}

	nodeIdx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, KDNode{})

	if end-start < t.NodeSize {
		t.Nodes[nodeIdx] = KDNode{
			PointIdx: int32(start),
			EndIdx:   int32(end),
			Left:     -1,
			Right:    -1,
		}
		return nodeIdx
	}

	axis := depth % 2
	median := (start + end) / 2
	sortPointsRange(t.Points[start:end+1], axis)

	t.Nodes[nodeIdx].PointIdx = int32(median)
	t.Nodes[nodeIdx].EndIdx = -1
	t.Nodes[nodeIdx].Axis = uint8(axis)

	left := t.buildNodes(start, median-1, depth+1)
	right := t.buildNodes(median+1, end, depth+1)
	t.Nodes[nodeIdx].Left = left
	t.Nodes[nodeIdx].Right = right
	return nodeIdx
}

// Within returns the indices of all points within radius r of (x, y), in
// traversal order. The order is deterministic for a built tree.
func (t *KDTree) Within(x, y, r float32) []int32 {
	if len(t.Nodes) == 0 {
		return nil
	}
	r2 := r * r
	var out []int32

	var walk func(nodeIdx int32)
	walk = func(nodeIdx int32) {
		if nodeIdx < 0 {
			return
		}
		node := &t.Nodes[nodeIdx]

		if node.EndIdx >= 0 {
			for i := node.PointIdx; i <= node.EndIdx; i++ {
				dx := t.Points[i].X - x
				dy := t.Points[i].Y - y
				if dx*dx+dy*dy <= r2 {
					out = append(out, i)
				}
			}
			return
		}

		p := &t.Points[node.PointIdx]
		dx := p.X - x
		dy := p.Y - y
		if dx*dx+dy*dy <= r2 {
			out = append(out, node.PointIdx)
		}

		var delta float32
		if node.Axis == 0 {
			delta = x - p.X
		} else {
			delta = y - p.Y
		}
		if delta-r <= 0 {
			walk(node.Left)
		}
		if delta+r >= 0 {
			walk(node.Right)
		}
	}
	walk(0)
	return out
}

func sortPointsRange(points []KDPoint, axis int) {
	if axis == 0 {
		sort.Slice(points, func(i, j int) bool {
			return points[i].X < points[j].X
		})
	} else {
		sort.Slice(points, func(i, j int) bool {
			return points[i].Y < points[j].Y
		})
	}
}

// MetricsPool deduplicates per-point metric maps so clusters sharing the same
// rollup do not each hold a copy.
type MetricsPool struct {
	Metrics []map[string]float32
	Lookup  map[string]int
	mu      sync.RWMutex
}

func NewMetricsPool() *MetricsPool {
	return &MetricsPool{
		Metrics: make([]map[string]float32, 0),
		Lookup:  make(map[string]int),
	}
}

func metricsKey(metrics map[string]float32) string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s:%.6f;", k, metrics[k])
	}
	return b.String()
}

// Add inserts metrics into the pool and returns the index.
func (mp *MetricsPool) Add(metrics map[string]float32) uint32 {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	key := metricsKey(metrics)
	if idx, exists := mp.Lookup[key]; exists {
		return uint32(idx)
	}

	idx := len(mp.Metrics)
	metricsCopy := make(map[string]float32, len(metrics))
	for k, v := range metrics {
		metricsCopy[k] = v
	}
	mp.Metrics = append(mp.Metrics, metricsCopy)
	mp.Lookup[key] = idx
	return uint32(idx)
}

// Get retrieves metrics by index.
func (mp *MetricsPool) Get(idx uint32) map[string]float32 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	if int(idx) >= len(mp.Metrics) {
		return nil
	}
	return mp.Metrics[idx]
}

// projectNorm converts lng/lat to normalized mercator coordinates in [0,1].
func projectNorm(lng, lat float32) [2]float32 {
	x := (lng + 180) / 360
	sin := math.Sin(float64(lat) * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	if y < 0 {
		y = 0
	}
	if y > 1 {
		y = 1
	}
	return [2]float32{x, float32(y)}
}

// unprojectNorm converts normalized mercator coordinates back to lng/lat.
func unprojectNorm(x, y float32) [2]float32 {
	lng := x*360 - 180
	lat := float32(math.Atan(math.Sinh(float64(math.Pi*(1-2*y))))) * 180 / math.Pi
	return [2]float32{lng, lat}
}
