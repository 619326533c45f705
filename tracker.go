package depresolver

import "sync"

// Customizer receives the tracked-set lifecycle callbacks a RegistryTracker
// drives off Registry service events.
//
// adding is called before the reference enters the tracked set and may
// reject it by returning false. DependencyModel accepts every reference
// here; its filter is applied later, by the FilterTrackingInterceptor at
// the end of its tracking chain.
type Customizer interface {
	Adding(ref Reference) bool
	Added(ref Reference)
	Modified(ref Reference)
	Removed(ref Reference)
}

// RegistryTracker is stage one of the resolution pipeline: it subscribes to
// a Registry for one interface name and maintains the "tracked" set in
// arrival order, independent of any filter or ranking concern, which are
// stages two and three's job.
type RegistryTracker struct {
	registry      Registry
	interfaceName string
	customizer    Customizer

	mu      sync.RWMutex
	order   []int64
	tracked map[int64]Reference
	closed  bool
}

// NewRegistryTracker builds a tracker for interfaceName against registry,
// delivering lifecycle callbacks to customizer. Open must be called before
// any reference is tracked.
func NewRegistryTracker(registry Registry, interfaceName string, customizer Customizer) *RegistryTracker {
	return &RegistryTracker{
		registry:      registry,
		interfaceName: interfaceName,
		customizer:    customizer,
		tracked:       make(map[int64]Reference),
	}
}

// Open subscribes to the registry and seeds the tracked set from whatever
// providers are already present, mirroring Tracker.open()'s initial catch-up
// scan before it starts delivering live events.
func (t *RegistryTracker) Open() error {
	if err := t.registry.AddServiceListener(t, t.interfaceName, ""); err != nil {
		return err
	}
	refs, err := t.registry.GetAllServiceReferences(t.interfaceName, "")
	if err != nil {
		return err
	}
	for _, ref := range refs {
		t.trackIfAccepted(ref)
	}
	return nil
}

// Close unsubscribes and releases every tracked reference through the
// customizer's Removed hook, so a RegistryTracker never leaks a borrowed
// reference past its own lifetime.
func (t *RegistryTracker) Close() {
	t.registry.RemoveServiceListener(t)

	t.mu.Lock()
	refs := make([]Reference, 0, len(t.order))
	for _, id := range t.order {
		refs = append(refs, t.tracked[id])
	}
	t.order = nil
	t.tracked = make(map[int64]Reference)
	t.closed = true
	t.mu.Unlock()

	for _, ref := range refs {
		t.customizer.Removed(ref)
	}
}

// References returns the tracked set in arrival order (oldest first), the
// order the matching stage's filter interceptor iterates over.
func (t *RegistryTracker) References() []Reference {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Reference, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.tracked[id])
	}
	return out
}

// Size reports the number of currently tracked references.
func (t *RegistryTracker) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// ServiceChanged implements ServiceListener, translating registry events
// into the tracked-set maintenance plus customizer callbacks.
func (t *RegistryTracker) ServiceChanged(event ServiceEvent) {
	switch event.Kind {
	case ServiceEventAdded:
		t.trackIfAccepted(event.Reference)
	case ServiceEventModified:
		t.handleModified(event.Reference)
	case ServiceEventRemoved:
		t.handleRemoved(event.Reference)
	}
}

func (t *RegistryTracker) trackIfAccepted(ref Reference) {
	if !t.customizer.Adding(ref) {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	id := ref.ServiceID()
	if _, already := t.tracked[id]; !already {
		t.order = append(t.order, id)
	}
	t.tracked[id] = ref
	t.mu.Unlock()
	t.customizer.Added(ref)
}

func (t *RegistryTracker) handleModified(ref Reference) {
	t.mu.Lock()
	id := ref.ServiceID()
	_, tracked := t.tracked[id]
	if tracked && !t.closed {
		t.tracked[id] = ref
	}
	t.mu.Unlock()
	if !tracked {
		// A provider that gained properties making it newly acceptable is
		// treated as an arrival, matching onNewMatchingService's intake path.
		t.trackIfAccepted(ref)
		return
	}
	t.customizer.Modified(ref)
}

func (t *RegistryTracker) handleRemoved(ref Reference) {
	t.mu.Lock()
	id := ref.ServiceID()
	_, tracked := t.tracked[id]
	if tracked {
		delete(t.tracked, id)
		for i, existing := range t.order {
			if existing == id {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	t.mu.Unlock()
	if tracked {
		t.customizer.Removed(ref)
	}
}
