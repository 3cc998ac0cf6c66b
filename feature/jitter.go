package feature

import (
	"math"
	"strconv"
	"strings"
)

// JitterOptions controls coincidence separation. Precision and radius are
// coupled: the grouping key rounds to Precision decimal degrees, so BaseRadius
// must stay well above that resolution for the spread to survive re-keying.
type JitterOptions struct {
	BaseRadius float64 // degrees, radius unit for the spread circle
	CapFactor  float64 // upper bound on the sqrt(n) radius growth
	Precision  int     // decimal degrees used for the coincidence key
}

const (
	defaultJitterRadius = 0.00012
	defaultCapFactor    = 8
	defaultPrecision    = 6
)

func (o JitterOptions) withDefaults() JitterOptions {
	if o.BaseRadius <= 0 {
		o.BaseRadius = defaultJitterRadius
	}
	if o.CapFactor <= 0 {
		o.CapFactor = defaultCapFactor
	}
	if o.Precision <= 0 {
		o.Precision = defaultPrecision
	}
	return o
}

// Jittered is a point feature whose coordinate may have been nudged to break
// an exact-coordinate tie. The original coordinate is kept for display.
type Jittered struct {
	PointFeature
	OrigLng   float64
	OrigLat   float64
	GroupSize int
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// coincidenceKey buckets coordinates at the configured precision. Six decimal
// degrees is roughly 0.1m, fine enough to treat true duplicates as identical
// and coarse enough to absorb float rounding noise.
func coincidenceKey(lng, lat float64, precision int) string {
	var b strings.Builder
	b.WriteString(strconv.FormatFloat(roundTo(lng, precision), 'f', precision, 64))
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(roundTo(lat, precision), 'f', precision, 64))
	return b.String()
}

// Jitter separates features that share a coordinate so none stays permanently
// hidden inside one cluster cell. Members of a coincidence group of size n are
// placed evenly around a circle of radius BaseRadius*min(sqrt(n), CapFactor)
// at angles 2*pi*i/n, in input order. Singles pass through unchanged. The
// layout is deterministic for a given input order and loses no features.
func Jitter(feats []PointFeature, opts JitterOptions) []Jittered {
	opts = opts.withDefaults()

	groups := make(map[string][]int, len(feats))
	for i, f := range feats {
		key := coincidenceKey(f.Lng, f.Lat, opts.Precision)
		groups[key] = append(groups[key], i)
	}

	out := make([]Jittered, len(feats))
	for i, f := range feats {
		out[i] = Jittered{PointFeature: f, OrigLng: f.Lng, OrigLat: f.Lat, GroupSize: 1}
	}

	for _, members := range groups {
		n := len(members)
		if n < 2 {
			continue
		}
		radius := opts.BaseRadius * math.Min(math.Sqrt(float64(n)), opts.CapFactor)
		for rank, i := range members {
			angle := 2 * math.Pi * float64(rank) / float64(n)
			out[i].Lng = out[i].OrigLng + radius*math.Cos(angle)
			out[i].Lat = out[i].OrigLat + radius*math.Sin(angle)
			out[i].GroupSize = n
		}
	}

	return out
}
