// Package viewport owns every map-attached resource: sources, layers, DOM
// markers, connector lines, and event subscriptions. All mutation of the
// underlying map goes through the Manager so remove-before-add and readiness
// checks cannot be skipped by individual components.
package viewport

// Source is a named GeoJSON data source. Data must be JSON-marshalable.
type Source struct {
	ID   string
	Data interface{}
}

// Layer is a styled view over a source.
type Layer struct {
	ID     string
	Source string
	Type   string // "circle", "symbol", "fill", "line"
	Filter interface{}
	Paint  map[string]interface{}
}

// Marker is an individually interactive DOM element. Most markers pin to a
// lng/lat coordinate; "spider" and "overflow" markers are positioned in
// screen space via X/Y because their radial layout is a screen effect.
type Marker struct {
	ID    string
	Lng   float64
	Lat   float64
	X, Y  float64
	Kind  string // "featured", "bulk", "spider", "overflow"
	Label string
	Props map[string]interface{}
}

// Line is a screen-space connector, used by the declutter overlay to tie a
// spread-out member back to its cluster origin.
type Line struct {
	ID             string
	X1, Y1, X2, Y2 float64
}

// Event is delivered to layer subscriptions.
type Event struct {
	Type       string
	LayerID    string
	FeatureID  uint32
	Lng, Lat   float64
	X, Y       float64
	Zoom       float64
	Properties map[string]interface{}
}

type EventHandler func(Event)

// Subscription registers a handler for one event type on one layer. The
// Manager installs and removes subscriptions together with the layer batch
// they belong to.
type Subscription struct {
	Event   string
	LayerID string
	Handler EventHandler
}

// Renderer is the adapter boundary to the actual map. Implementations wrap a
// real renderer handle; nothing outside this package holds the raw reference.
type Renderer interface {
	Ready() bool

	AddSource(s Source) error
	RemoveSource(id string) error
	AddLayer(l Layer) error
	RemoveLayer(id string) error
	AddMarker(m Marker) error
	RemoveMarker(id string) error
	AddLine(l Line) error
	RemoveLine(id string) error

	Bind(event, layerID string, h EventHandler) error
	Unbind(event, layerID string) error

	Project(lng, lat float64) (x, y float64)
	EaseTo(lng, lat, zoom float64)
}
