// Package render decides, per frame of data, which features go through the
// GPU cluster layer and which get individually interactive DOM markers.
package render

import "github.com/nicgo101/historybuffs-sub002/feature"

// Thresholds is the sizing configuration for the path split.
type Thresholds struct {
	// ClusterThreshold is the bulk count above which bulk points always
	// render through the cluster layer.
	ClusterThreshold int
	// MaxDOMMarkers caps the total number of DOM markers on screen.
	MaxDOMMarkers int
	// MaxFeaturedMarkers caps the featured share of the DOM budget.
	MaxFeaturedMarkers int
	// MaxUnclusteredPoints is the ceiling under which the cluster layer may
	// skip aggregation and draw every point individually.
	MaxUnclusteredPoints int
}

const (
	defaultClusterThreshold     = 500
	defaultMaxDOMMarkers        = 350
	defaultMaxFeaturedMarkers   = 200
	defaultMaxUnclusteredPoints = 2000
)

func (t Thresholds) WithDefaults() Thresholds {
	if t.ClusterThreshold <= 0 {
		t.ClusterThreshold = defaultClusterThreshold
	}
	if t.MaxDOMMarkers <= 0 {
		t.MaxDOMMarkers = defaultMaxDOMMarkers
	}
	if t.MaxFeaturedMarkers <= 0 {
		t.MaxFeaturedMarkers = defaultMaxFeaturedMarkers
	}
	if t.MaxUnclusteredPoints <= 0 {
		t.MaxUnclusteredPoints = defaultMaxUnclusteredPoints
	}
	return t
}

// Counts is the badge payload exposed to the surrounding application.
type Counts struct {
	Locations  int `json:"locations"`
	Events     int `json:"events"`
	DOMMarkers int `json:"domMarkers"`
	Clustered  int `json:"clustered"`
	Dropped    int `json:"dropped"`
}

// Plan partitions one frame of features between the two render paths.
type Plan struct {
	DOMMarkers []feature.Jittered
	Clustered  []feature.Jittered

	FeaturedCount int
	BulkCount     int
}

// Counts reports the plan's sizes for UI badges.
func (p Plan) Counts() Counts {
	return Counts{
		Locations:  p.BulkCount,
		Events:     p.FeaturedCount,
		DOMMarkers: len(p.DOMMarkers),
		Clustered:  len(p.Clustered),
	}
}

// BuildPlan assigns every feature to exactly one path. Featured features take
// DOM markers first, up to their cap; bulk features only claim the remaining
// DOM budget when their total stays at or below ClusterThreshold. Everything
// else goes to the cluster layer, so featured content is never silently
// demoted while under its cap.
func BuildPlan(feats []feature.Jittered, th Thresholds) Plan {
	th = th.WithDefaults()

	var featured, bulk []feature.Jittered
	for _, f := range feats {
		if f.Kind == feature.KindFeaturedFactoid {
			featured = append(featured, f)
		} else {
			bulk = append(bulk, f)
		}
	}

	plan := Plan{
		FeaturedCount: len(featured),
		BulkCount:     len(bulk),
	}

	featuredCap := th.MaxFeaturedMarkers
	if featuredCap > th.MaxDOMMarkers {
		featuredCap = th.MaxDOMMarkers
	}
	if featuredCap > len(featured) {
		featuredCap = len(featured)
	}

	plan.DOMMarkers = append(plan.DOMMarkers, featured[:featuredCap]...)
	plan.Clustered = append(plan.Clustered, featured[featuredCap:]...)

	budget := th.MaxDOMMarkers - len(plan.DOMMarkers)
	if len(bulk) <= th.ClusterThreshold && budget > 0 {
		take := budget
		if take > len(bulk) {
			take = len(bulk)
		}
		plan.DOMMarkers = append(plan.DOMMarkers, bulk[:take]...)
		plan.Clustered = append(plan.Clustered, bulk[take:]...)
	} else {
		plan.Clustered = append(plan.Clustered, bulk...)
	}

	return plan
}
