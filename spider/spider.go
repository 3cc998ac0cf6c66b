// Package spider declutters clusters that zooming cannot expand: it lays the
// cluster's members out radially around its screen position and renders
// temporary markers plus connector lines until the next map interaction.
package spider

import (
	"context"
	"fmt"
	"math"

	"github.com/nicgo101/historybuffs-sub002/cluster"
	"github.com/nicgo101/historybuffs-sub002/viewport"
)

// State of the controller. Zooming is terminal: it returns to Idle when the
// camera animation ends or a newer action supersedes it.
type State int

const (
	Idle State = iota
	Zooming
	Spidered
)

func (s State) String() string {
	switch s {
	case Zooming:
		return "zooming"
	case Spidered:
		return "spidered"
	default:
		return "idle"
	}
}

// Querier answers cluster lookups. The index-backed implementation is
// synchronous; a worker-backed one can block, which is why both calls take a
// context and why results are re-validated against the generation counter.
type Querier interface {
	ExpansionZoom(ctx context.Context, clusterID uint32) (zoom int, known bool, err error)
	Leaves(ctx context.Context, clusterID uint32, limit, offset int) ([]cluster.Point, error)
}

// Camera is the narrow view-control surface the controller needs.
type Camera interface {
	EaseTo(lng, lat, zoom float64)
	Project(lng, lat float64) (x, y float64)
}

type Options struct {
	LeafCap int     // max members rendered, rest becomes the overflow count
	Radius  float64 // minimum spread radius in px
	Spacing float64 // px between members along the circumference
	Log     bool
}

const (
	defaultLeafCap = 20
	defaultRadius  = 28
	defaultSpacing = 26
)

func (o Options) withDefaults() Options {
	if o.LeafCap <= 0 {
		o.LeafCap = defaultLeafCap
	}
	if o.Radius <= 0 {
		o.Radius = defaultRadius
	}
	if o.Spacing <= 0 {
		o.Spacing = defaultSpacing
	}
	return o
}

// Activation describes one cluster click.
type Activation struct {
	ClusterID   uint32
	Lng, Lat    float64 // cluster centroid
	Zoom        float64 // current map zoom
	MemberCount int
}

// Category is the viewport category holding all spider resources.
const Category = "spider"

type Controller struct {
	opts       Options
	q          Querier
	cam        Camera
	view       *viewport.Manager
	state      State
	generation uint64
	currentID  uint32
}

func New(opts Options, q Querier, cam Camera, view *viewport.Manager) *Controller {
	return &Controller{opts: opts.withDefaults(), q: q, cam: cam, view: view}
}

func (c *Controller) State() State { return c.state }

func (c *Controller) logf(format string, args ...interface{}) {
	if c.opts.Log {
		fmt.Printf(format, args...)
	}
}

// Activate handles a cluster click. If the cluster still expands by zooming,
// the camera eases to its expansion zoom; otherwise up to LeafCap members are
// spread radially with connector lines and an overflow indicator. The
// expansion-zoom check always completes (or is abandoned) before any spider
// markers are created, and any previous overlay is torn down first.
func (c *Controller) Activate(ctx context.Context, act Activation) error {
	gen := c.Invalidate()

	ez, known, err := c.q.ExpansionZoom(ctx, act.ClusterID)
	if err != nil {
		c.state = Idle
		return fmt.Errorf("expansion zoom lookup: %v", err)
	}
	if !known {
		// Stale click against a rebuilt index.
		return nil
	}
	if gen != c.generation {
		return nil
	}

	if ez != cluster.NoExpansion && float64(ez) > act.Zoom {
		c.state = Zooming
		c.cam.EaseTo(act.Lng, act.Lat, float64(ez))
		return nil
	}

	leaves, err := c.q.Leaves(ctx, act.ClusterID, c.opts.LeafCap, 0)
	if err != nil {
		c.state = Idle
		return fmt.Errorf("leaves lookup: %v", err)
	}
	if gen != c.generation {
		// Superseded while the lookup was in flight; discard.
		return nil
	}
	if len(leaves) == 0 {
		return nil
	}

	ox, oy := c.cam.Project(act.Lng, act.Lat)
	points := RadialLayout(ox, oy, len(leaves), c.opts.Radius, c.opts.Spacing)

	overflow := act.MemberCount - len(leaves)
	if overflow < 0 {
		overflow = 0
	}

	batch := viewport.Batch{}
	for i, leaf := range leaves {
		name, _ := leaf.Metadata["name"].(string)
		batch.Markers = append(batch.Markers, viewport.Marker{
			ID:    fmt.Sprintf("spider-%d-%d", act.ClusterID, i),
			X:     points[i].X,
			Y:     points[i].Y,
			Kind:  "spider",
			Label: name,
			Props: map[string]interface{}{"point_id": leaf.ID},
		})
		batch.Lines = append(batch.Lines, viewport.Line{
			ID: fmt.Sprintf("spider-leg-%d-%d", act.ClusterID, i),
			X1: ox, Y1: oy,
			X2: points[i].X, Y2: points[i].Y,
		})
	}
	if overflow > 0 {
		batch.Markers = append(batch.Markers, viewport.Marker{
			ID:    fmt.Sprintf("spider-overflow-%d", act.ClusterID),
			X:     ox,
			Y:     oy,
			Kind:  "overflow",
			Label: fmt.Sprintf("+%d more", overflow),
		})
	}

	if err := c.view.Apply(Category, batch); err != nil {
		c.state = Idle
		return err
	}

	c.state = Spidered
	c.currentID = act.ClusterID
	c.logf("spider: %d members spread for cluster %d (+%d overflow)\n",
		len(leaves), act.ClusterID, overflow)
	return nil
}

// Invalidate tears down any spider overlay and supersedes in-flight work.
// Callers invoke it on every pan, zoom, or new activation before doing
// anything else, so no dangling markers or lines survive into the next
// render pass. Returns the new generation.
func (c *Controller) Invalidate() uint64 {
	c.generation++
	if c.state == Spidered {
		c.view.Clear(Category)
	}
	c.state = Idle
	c.currentID = 0
	return c.generation
}

// NotifyMoveEnd marks a camera animation as finished.
func (c *Controller) NotifyMoveEnd() {
	if c.state == Zooming {
		c.state = Idle
	}
}

// LayoutPoint is one member's screen position.
type LayoutPoint struct {
	X, Y float64
}

// RadialLayout places n members around a screen origin. Two members sit left
// and right of the origin; larger groups spread evenly around a circle
// starting at the top, with the radius growing so members keep their spacing.
// The layout depends only on its arguments.
func RadialLayout(ox, oy float64, n int, radius, spacing float64) []LayoutPoint {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []LayoutPoint{{X: ox, Y: oy - radius}}
	}
	if n == 2 {
		return []LayoutPoint{
			{X: ox - radius, Y: oy},
			{X: ox + radius, Y: oy},
		}
	}

	r := radius
	if need := float64(n) * spacing / (2 * math.Pi); need > r {
		r = need
	}

	points := make([]LayoutPoint, n)
	for i := 0; i < n; i++ {
		angle := -math.Pi/2 + 2*math.Pi*float64(i)/float64(n)
		points[i] = LayoutPoint{
			X: ox + r*math.Cos(angle),
			Y: oy + r*math.Sin(angle),
		}
	}
	return points
}
