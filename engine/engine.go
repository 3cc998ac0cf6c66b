// Package engine wires the point-rendering pipeline together: raw records are
// normalized and jittered, split between the cluster layer and DOM markers,
// indexed for cluster interaction, and pushed to the map through the viewport
// lifecycle manager.
package engine

import (
	"context"
	"fmt"

	"github.com/nicgo101/historybuffs-sub002/cluster"
	"github.com/nicgo101/historybuffs-sub002/feature"
	"github.com/nicgo101/historybuffs-sub002/render"
	"github.com/nicgo101/historybuffs-sub002/spider"
	"github.com/nicgo101/historybuffs-sub002/viewport"
)

// Config is the engine's full configuration surface. Coordinate precision,
// jitter radius, and clustering parameters are deliberately configuration
// rather than constants so denser or sparser datasets tune without code
// changes.
type Config struct {
	ClusterThresholdCount int
	MaxDOMMarkers         int
	MaxFeaturedMarkers    int
	MaxUnclusteredPoints  int

	ClusterRadiusPixels float64
	MinZoom             int
	MaxClusterZoom      int

	JitterBaseRadiusDegrees float64
	JitterCapFactor         float64
	CoordinatePrecision     int

	SpiderLeafCap int

	ShowUncertainty bool
	Log             bool
}

func (c Config) withDefaults() Config {
	if c.MaxClusterZoom <= 0 {
		c.MaxClusterZoom = 14
	}
	// Remaining zero values fall through to the per-package defaults.
	return c
}

// ClusterPreview is the hover payload for a cluster.
type ClusterPreview struct {
	MemberCount int
	SampleNames []string
}

// Resource categories and layer ids. Every map-attached key derives from
// these so the lifecycle manager can replace a category atomically.
const (
	categoryClusters    = "clusters"
	categoryMarkers     = "markers"
	categoryUncertainty = "uncertainty"

	sourcePoints      = "historic-points"
	layerClusters     = "clusters"
	layerClusterCount = "cluster-count"
	layerSingles      = "unclustered-point"

	sourceUncertainty = "uncertainty-halos"
	layerUncertainty  = "uncertainty-fill"
)

var worldBounds = cluster.KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}

// Engine owns one map view's point rendering. All methods belong to the main
// event loop; nothing here is safe for concurrent use.
type Engine struct {
	cfg    Config
	view   *viewport.Manager
	spider *spider.Controller

	index         *cluster.Index
	clusteringOff bool
	clusteredByID map[uint32]feature.Jittered

	feats   []feature.Jittered
	plan    render.Plan
	dropped int
	zoom    float64

	OnPointActivated   func(feature.PointFeature)
	OnClusterActivated func(ClusterPreview)
	OnDiagnostic       func(string)
}

func New(cfg Config, r viewport.Renderer) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{cfg: cfg}
	e.view = viewport.NewManager(r, viewport.ManagerOptions{
		Log:          cfg.Log,
		OnDiagnostic: func(msg string) { e.diagnose(msg) },
	})
	e.spider = spider.New(
		spider.Options{LeafCap: cfg.SpiderLeafCap, Log: cfg.Log},
		indexQuerier{e},
		e.view,
		e.view,
	)
	return e
}

func (e *Engine) diagnose(msg string) {
	if e.cfg.Log {
		fmt.Printf("engine: %s\n", msg)
	}
	if e.OnDiagnostic != nil {
		e.OnDiagnostic(msg)
	}
}

// SetData rebuilds the whole pipeline from fresh record arrays. Any spiderfy
// state or in-flight cluster query against the old index is superseded before
// the new resources are applied.
func (e *Engine) SetData(bulk []feature.BulkLocation, featured []feature.FeaturedFactoid) error {
	feats, dropped := feature.Normalize(bulk, featured)
	e.dropped = dropped
	if dropped > 0 {
		e.diagnose(fmt.Sprintf("dropped %d records with invalid coordinates", dropped))
	}

	e.feats = feature.Jitter(feats, feature.JitterOptions{
		BaseRadius: e.cfg.JitterBaseRadiusDegrees,
		CapFactor:  e.cfg.JitterCapFactor,
		Precision:  e.cfg.CoordinatePrecision,
	})

	e.plan = render.BuildPlan(e.feats, render.Thresholds{
		ClusterThreshold:     e.cfg.ClusterThresholdCount,
		MaxDOMMarkers:        e.cfg.MaxDOMMarkers,
		MaxFeaturedMarkers:   e.cfg.MaxFeaturedMarkers,
		MaxUnclusteredPoints: e.cfg.MaxUnclusteredPoints,
	})

	e.spider.Invalidate()
	e.rebuildIndex()

	if err := e.applyClusters(); err != nil {
		return err
	}
	if err := e.applyMarkers(); err != nil {
		return err
	}
	return e.applyUncertainty()
}

func (e *Engine) rebuildIndex() {
	points := make([]cluster.Point, len(e.plan.Clustered))
	e.clusteredByID = make(map[uint32]feature.Jittered, len(e.plan.Clustered))
	for i, f := range e.plan.Clustered {
		id := uint32(i + 1)
		e.clusteredByID[id] = f

		metrics := map[string]float32{}
		if f.Props.Confidence != nil {
			metrics["confidence"] = float32(*f.Props.Confidence)
		}
		metadata := map[string]interface{}{"name": f.Props.Name}
		if f.Props.Layer != "" {
			metadata["layer"] = f.Props.Layer
		}
		if f.Props.Category != "" {
			metadata["category"] = f.Props.Category
		}

		points[i] = cluster.Point{
			ID:       id,
			X:        float32(f.Lng),
			Y:        float32(f.Lat),
			Metrics:  metrics,
			Metadata: metadata,
		}
	}

	// At moderate scale clustering is skipped entirely and the layer draws
	// every point individually, trading GPU fill for simpler interaction.
	maxUnclustered := e.cfg.MaxUnclusteredPoints
	if maxUnclustered <= 0 {
		maxUnclustered = 2000
	}
	e.clusteringOff = len(points) <= maxUnclustered

	old := e.index
	idx := cluster.NewIndex(cluster.Options{
		MinZoom: e.cfg.MinZoom,
		MaxZoom: e.cfg.MaxClusterZoom,
		Radius:  e.cfg.ClusterRadiusPixels,
		Log:     e.cfg.Log,
	})
	idx.Load(points)
	e.index = idx
	if old != nil {
		old.Cleanup()
	}
}

// effectiveZoom picks the index level backing the cluster source. With
// clustering disabled the individual-points level is served regardless of
// the camera zoom.
func (e *Engine) effectiveZoom() int {
	if e.clusteringOff {
		return e.cfg.MaxClusterZoom + 1
	}
	return int(e.zoom)
}

func (e *Engine) applyClusters() error {
	if e.index == nil || len(e.plan.Clustered) == 0 {
		return e.view.Clear(categoryClusters)
	}

	data := e.index.ToGeoJSON(worldBounds, e.effectiveZoom())

	batch := viewport.Batch{
		Sources: []viewport.Source{{ID: sourcePoints, Data: data}},
		Layers: []viewport.Layer{
			{
				ID: layerClusters, Source: sourcePoints, Type: "circle",
				Filter: []interface{}{"==", "cluster", true},
				Paint:  map[string]interface{}{"circle-color": "#8a5a44", "circle-radius": 18},
			},
			{
				ID: layerClusterCount, Source: sourcePoints, Type: "symbol",
				Filter: []interface{}{"==", "cluster", true},
				Paint:  map[string]interface{}{"text-field": "{point_count}"},
			},
			{
				ID: layerSingles, Source: sourcePoints, Type: "circle",
				Filter: []interface{}{"==", "cluster", false},
				Paint:  map[string]interface{}{"circle-color": "#b08968", "circle-radius": 5},
			},
		},
		Subscriptions: []viewport.Subscription{
			{Event: "click", LayerID: layerClusters, Handler: e.onClusterClick},
			{Event: "mouseenter", LayerID: layerClusters, Handler: e.onClusterHover},
			{Event: "click", LayerID: layerSingles, Handler: e.onSingleClick},
		},
	}
	return e.view.Apply(categoryClusters, batch)
}

func (e *Engine) applyMarkers() error {
	batch := viewport.Batch{}
	for _, f := range e.plan.DOMMarkers {
		kind := "bulk"
		if f.Kind == feature.KindFeaturedFactoid {
			kind = "featured"
		}
		props := map[string]interface{}{"id": f.ID}
		if f.Props.Layer != "" {
			props["layer"] = f.Props.Layer
		}
		if f.Props.Category != "" {
			props["category"] = f.Props.Category
		}
		batch.Markers = append(batch.Markers, viewport.Marker{
			ID:    "marker-" + f.ID,
			Lng:   f.Lng,
			Lat:   f.Lat,
			Kind:  kind,
			Label: f.Props.Name,
			Props: props,
		})
	}
	return e.view.Apply(categoryMarkers, batch)
}

func (e *Engine) applyUncertainty() error {
	if !e.cfg.ShowUncertainty {
		return e.view.Clear(categoryUncertainty)
	}

	var features []map[string]interface{}
	for _, f := range e.plan.DOMMarkers {
		if f.Kind != feature.KindFeaturedFactoid || f.Props.UncertaintyRadiusKm <= 0 {
			continue
		}
		ring := viewport.CirclePolygon(f.Lng, f.Lat, f.Props.UncertaintyRadiusKm, 32)
		if ring == nil {
			continue
		}
		features = append(features, viewport.PolygonFeature(ring, map[string]interface{}{
			"id": f.ID,
		}))
	}
	if len(features) == 0 {
		return e.view.Clear(categoryUncertainty)
	}

	batch := viewport.Batch{
		Sources: []viewport.Source{{
			ID: sourceUncertainty,
			Data: map[string]interface{}{
				"type":     "FeatureCollection",
				"features": features,
			},
		}},
		Layers: []viewport.Layer{{
			ID: layerUncertainty, Source: sourceUncertainty, Type: "fill",
			Paint: map[string]interface{}{"fill-color": "#b08968", "fill-opacity": 0.15},
		}},
	}
	return e.view.Apply(categoryUncertainty, batch)
}

func (e *Engine) onClusterClick(ev viewport.Event) {
	_ = e.ActivateCluster(context.Background(), ev.FeatureID, ev.Lng, ev.Lat, ev.Zoom)
}

func (e *Engine) onClusterHover(ev viewport.Event) {
	e.HoverCluster(ev.FeatureID)
}

func (e *Engine) onSingleClick(ev viewport.Event) {
	e.activateClusteredPoint(ev.FeatureID)
}

// ActivateCluster handles a cluster click: either a zoom-to-expansion or a
// spiderfy, decided by the spider controller. Ids the current index does not
// know (stale events against a rebuilt index) are no-ops.
func (e *Engine) ActivateCluster(ctx context.Context, clusterID uint32, lng, lat, zoom float64) error {
	if e.index == nil {
		return nil
	}
	count, ok := e.index.Count(clusterID)
	if !ok {
		return nil
	}
	if count <= 1 {
		e.activateClusteredPoint(clusterID)
		return nil
	}
	return e.spider.Activate(ctx, spider.Activation{
		ClusterID:   clusterID,
		Lng:         lng,
		Lat:         lat,
		Zoom:        zoom,
		MemberCount: int(count),
	})
}

// HoverCluster emits a preview (member count plus a few sample names) for
// hover popups. Unknown ids are no-ops.
func (e *Engine) HoverCluster(clusterID uint32) {
	if e.index == nil || e.OnClusterActivated == nil {
		return
	}
	count, ok := e.index.Count(clusterID)
	if !ok || count <= 1 {
		return
	}
	leaves, _ := e.index.Leaves(clusterID, 5, 0)
	names := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		if name, ok := leaf.Metadata["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	e.OnClusterActivated(ClusterPreview{MemberCount: int(count), SampleNames: names})
}

func (e *Engine) activateClusteredPoint(pointID uint32) {
	f, ok := e.clusteredByID[pointID]
	if !ok {
		return
	}
	if e.OnPointActivated != nil {
		e.OnPointActivated(f.PointFeature)
	}
}

// ActivateMarker handles a click on a DOM marker.
func (e *Engine) ActivateMarker(featureID string) {
	for _, f := range e.plan.DOMMarkers {
		if f.ID == featureID {
			if e.OnPointActivated != nil {
				e.OnPointActivated(f.PointFeature)
			}
			return
		}
	}
}

// HandleMapMove runs on every pan or zoom: the spider overlay is removed
// before the new render pass, then the cluster source is refreshed for the
// new zoom level.
func (e *Engine) HandleMapMove(zoom float64) error {
	e.spider.Invalidate()
	e.zoom = zoom
	return e.applyClusters()
}

// HandleMoveEnd marks a camera animation as finished.
func (e *Engine) HandleMoveEnd() {
	e.spider.NotifyMoveEnd()
}

// NotifyReady installs any viewport batches queued before the renderer's
// style finished loading.
func (e *Engine) NotifyReady() error {
	return e.view.Flush()
}

// Counts reports the current render plan sizes for UI badges.
func (e *Engine) Counts() render.Counts {
	c := e.plan.Counts()
	c.Dropped = e.dropped
	return c
}

// Plan returns the current render plan.
func (e *Engine) Plan() render.Plan { return e.plan }

// Spider exposes the controller state for the surrounding chrome.
func (e *Engine) Spider() *spider.Controller { return e.spider }

// Index exposes the current cluster index, nil before the first SetData.
func (e *Engine) Index() *cluster.Index { return e.index }

// Detach removes every map resource the engine owns.
func (e *Engine) Detach() error {
	e.spider.Invalidate()
	return e.view.Detach()
}

// indexQuerier adapts the in-process index to the spider controller's
// asynchronous querier contract.
type indexQuerier struct{ e *Engine }

func (q indexQuerier) ExpansionZoom(ctx context.Context, clusterID uint32) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if q.e.index == nil {
		return 0, false, nil
	}
	zoom, ok := q.e.index.ExpansionZoom(clusterID)
	return zoom, ok, nil
}

func (q indexQuerier) Leaves(ctx context.Context, clusterID uint32, limit, offset int) ([]cluster.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.e.index == nil {
		return nil, nil
	}
	leaves, _ := q.e.index.Leaves(clusterID, limit, offset)
	return leaves, nil
}
