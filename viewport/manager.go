package viewport

import "fmt"

// Batch is everything one category of map content needs. Applying a batch
// replaces the category's previous resources wholesale.
type Batch struct {
	Sources       []Source
	Layers        []Layer
	Markers       []Marker
	Lines         []Line
	Subscriptions []Subscription
}

func (b Batch) empty() bool {
	return len(b.Sources) == 0 && len(b.Layers) == 0 && len(b.Markers) == 0 &&
		len(b.Lines) == 0 && len(b.Subscriptions) == 0
}

type subKey struct {
	event   string
	layerID string
}

// appliedKeys remembers what a category added so it can be removed exactly.
type appliedKeys struct {
	sources []string
	layers  []string
	markers []string
	lines   []string
	subs    []subKey
}

type pendingApply struct {
	category string
	batch    Batch
}

// ManagerOptions configures readiness retries and diagnostics.
type ManagerOptions struct {
	MaxReadyRetries int
	Log             bool
	OnDiagnostic    func(msg string)
}

const defaultMaxReadyRetries = 30

// Manager is the sole mutator of the map's resource registry. It is not safe
// for concurrent use: like the renderer it wraps, it belongs to the main
// event loop.
type Manager struct {
	r         Renderer
	opts      ManagerOptions
	applied   map[string]*appliedKeys
	pending   []pendingApply
	retries   int
	diagnosed bool
}

func NewManager(r Renderer, opts ManagerOptions) *Manager {
	if opts.MaxReadyRetries <= 0 {
		opts.MaxReadyRetries = defaultMaxReadyRetries
	}
	return &Manager{
		r:       r,
		opts:    opts,
		applied: make(map[string]*appliedKeys),
	}
}

func (m *Manager) logf(format string, args ...interface{}) {
	if m.opts.Log {
		fmt.Printf(format, args...)
	}
}

func (m *Manager) diagnose(msg string) {
	if m.diagnosed {
		return
	}
	m.diagnosed = true
	m.logf("viewport: %s\n", msg)
	if m.opts.OnDiagnostic != nil {
		m.opts.OnDiagnostic(msg)
	}
}

// Apply replaces the category's resources with the batch. If the renderer is
// not ready yet the batch is queued; a later Flush (or the next Apply after
// readiness) installs it. Queued batches for the same category are superseded,
// never stacked.
func (m *Manager) Apply(category string, b Batch) error {
	if !m.r.Ready() {
		m.enqueue(category, b)
		return nil
	}
	if err := m.flushPending(); err != nil {
		return err
	}
	return m.applyNow(category, b)
}

// Clear removes everything a category added. Unknown categories are no-ops.
func (m *Manager) Clear(category string) error {
	for i, p := range m.pending {
		if p.category == category {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	if !m.r.Ready() {
		return nil
	}
	return m.removeCategory(category)
}

// Flush installs any batches queued while the renderer was not ready. Callers
// wire it to the renderer's ready/style-loaded signal. Past the retry cap the
// queue is dropped with a one-time diagnostic instead of erroring forever.
func (m *Manager) Flush() error {
	if !m.r.Ready() {
		m.retries++
		if m.retries >= m.opts.MaxReadyRetries {
			m.diagnose(fmt.Sprintf("renderer not ready after %d attempts, dropping %d queued batches",
				m.retries, len(m.pending)))
			m.pending = nil
		}
		return nil
	}
	m.retries = 0
	return m.flushPending()
}

// Detach removes every resource and queued batch the manager knows about.
func (m *Manager) Detach() error {
	m.pending = nil
	if !m.r.Ready() {
		m.applied = make(map[string]*appliedKeys)
		return nil
	}
	var firstErr error
	for category := range m.applied {
		if err := m.removeCategory(category); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Project delegates to the renderer. Camera access is narrow and does not
// touch the resource registry, so components get it through the manager
// instead of holding the raw renderer handle.
func (m *Manager) Project(lng, lat float64) (x, y float64) {
	return m.r.Project(lng, lat)
}

// EaseTo delegates a smooth camera move to the renderer.
func (m *Manager) EaseTo(lng, lat, zoom float64) {
	m.r.EaseTo(lng, lat, zoom)
}

func (m *Manager) enqueue(category string, b Batch) {
	for i, p := range m.pending {
		if p.category == category {
			m.pending[i].batch = b
			return
		}
	}
	m.pending = append(m.pending, pendingApply{category: category, batch: b})
}

func (m *Manager) flushPending() error {
	pending := m.pending
	m.pending = nil
	for _, p := range pending {
		if err := m.applyNow(p.category, p.batch); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applyNow(category string, b Batch) error {
	// Remove before add: a category never has two generations of resources
	// with the same keys attached at once.
	if err := m.removeCategory(category); err != nil {
		return err
	}
	if b.empty() {
		return nil
	}

	keys := &appliedKeys{}
	m.applied[category] = keys

	for _, s := range b.Sources {
		if err := m.r.AddSource(s); err != nil {
			return fmt.Errorf("add source %s: %v", s.ID, err)
		}
		keys.sources = append(keys.sources, s.ID)
	}
	for _, l := range b.Layers {
		if err := m.r.AddLayer(l); err != nil {
			return fmt.Errorf("add layer %s: %v", l.ID, err)
		}
		keys.layers = append(keys.layers, l.ID)
	}
	for _, mk := range b.Markers {
		if err := m.r.AddMarker(mk); err != nil {
			return fmt.Errorf("add marker %s: %v", mk.ID, err)
		}
		keys.markers = append(keys.markers, mk.ID)
	}
	for _, ln := range b.Lines {
		if err := m.r.AddLine(ln); err != nil {
			return fmt.Errorf("add line %s: %v", ln.ID, err)
		}
		keys.lines = append(keys.lines, ln.ID)
	}
	for _, sub := range b.Subscriptions {
		if err := m.r.Bind(sub.Event, sub.LayerID, sub.Handler); err != nil {
			return fmt.Errorf("bind %s on %s: %v", sub.Event, sub.LayerID, err)
		}
		keys.subs = append(keys.subs, subKey{event: sub.Event, layerID: sub.LayerID})
	}

	m.logf("viewport: applied %q (%d sources, %d layers, %d markers, %d lines)\n",
		category, len(keys.sources), len(keys.layers), len(keys.markers), len(keys.lines))
	return nil
}

func (m *Manager) removeCategory(category string) error {
	keys, ok := m.applied[category]
	if !ok {
		return nil
	}
	delete(m.applied, category)

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Teardown mirrors install in reverse so layers never outlive their
	// sources or keep handlers bound to removed layers.
	for _, s := range keys.subs {
		keep(m.r.Unbind(s.event, s.layerID))
	}
	for _, id := range keys.lines {
		keep(m.r.RemoveLine(id))
	}
	for _, id := range keys.markers {
		keep(m.r.RemoveMarker(id))
	}
	for _, id := range keys.layers {
		keep(m.r.RemoveLayer(id))
	}
	for _, id := range keys.sources {
		keep(m.r.RemoveSource(id))
	}
	return firstErr
}
