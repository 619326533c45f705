// Package registry provides an in-memory implementation of
// depresolver.Registry, the external collaborator a DependencyModel tracks.
// It exists for tests, demos, and small embedders that do not already have
// an OSGi-style service registry of their own.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/arvoselect/depresolver"
)

type listenerEntry struct {
	listener      depresolver.ServiceListener
	interfaceName string
	filter        *depresolver.Filter
}

type entry struct {
	ref        depresolver.Reference
	service    any
	factory    depresolver.ServiceFactory
	interfaces []string
	borrowed   int
}

// Memory is a concurrency-safe, map-based Registry: sync.RWMutex-guarded
// maps with an explicit Register/Unregister lifecycle and service-reference/
// event semantics.
type Memory struct {
	mu        sync.RWMutex
	byID      map[int64]*entry
	byIface   map[string][]int64 // insertion order per interface
	listeners []*listenerEntry
	nextID    int64
}

// NewMemory builds an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		byID:    make(map[int64]*entry),
		byIface: make(map[string][]int64),
	}
}

// nextServiceID allocates a monotonically increasing service.id, mirroring
// the OSGi framework's own registration counter: ties in the natural
// ordering (equal service.ranking) are broken by this id, so it must track
// registration order rather than be random the way a UUID-derived id would
// be.
func (m *Memory) nextServiceID() int64 {
	return atomic.AddInt64(&m.nextID, 1)
}

// Register publishes svc under interfaceNames with the given properties,
// returning the Reference consumers will see in service events. ranking, if
// not already present in properties, defaults to 0 (the OSGi default), so
// equal-rank ties fall to the registration-ordered service.id.
func (m *Memory) Register(svc any, interfaceNames []string, properties map[string]any) depresolver.Reference {
	props := make(map[string]any, len(properties)+1)
	for k, v := range properties {
		props[k] = v
	}
	id := m.nextServiceID()
	props[depresolver.PropServiceID] = id
	if _, ok := props[depresolver.PropServiceRanking]; !ok {
		props[depresolver.PropServiceRanking] = int32(0)
	}
	ref := depresolver.NewReference(props)

	m.mu.Lock()
	m.byID[id] = &entry{ref: ref, service: svc, interfaces: interfaceNames}
	for _, name := range interfaceNames {
		m.byIface[name] = append(m.byIface[name], id)
	}
	listeners := m.matchingListenersLocked(interfaceNames, ref)
	m.mu.Unlock()

	for _, l := range listeners {
		l.ServiceChanged(depresolver.ServiceEvent{Kind: depresolver.ServiceEventAdded, Reference: ref})
	}
	return ref
}

// SetFactory installs a ServiceFactory for id so GetService can hand out a
// distinct object per consumer, mirroring IPOJOServiceFactory handling in
// the original source.
func (m *Memory) SetFactory(id int64, factory depresolver.ServiceFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		e.factory = factory
	}
}

// UpdateProperties replaces the property map for id and fires a modified
// event to every matching listener.
func (m *Memory) UpdateProperties(id int64, properties map[string]any) {
	props := make(map[string]any, len(properties)+1)
	for k, v := range properties {
		props[k] = v
	}
	props[depresolver.PropServiceID] = id

	m.mu.Lock()
	e, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	ref := depresolver.NewReference(props)
	e.ref = ref
	listeners := m.matchingListenersLocked(e.interfaces, ref)
	m.mu.Unlock()

	for _, l := range listeners {
		l.ServiceChanged(depresolver.ServiceEvent{Kind: depresolver.ServiceEventModified, Reference: ref})
	}
}

// Unregister removes id and fires a removed event to every matching
// listener.
func (m *Memory) Unregister(id int64) {
	m.mu.Lock()
	e, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byID, id)
	for _, name := range e.interfaces {
		ids := m.byIface[name]
		for i, existing := range ids {
			if existing == id {
				m.byIface[name] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	listeners := m.matchingListenersLocked(e.interfaces, e.ref)
	m.mu.Unlock()

	for _, l := range listeners {
		l.ServiceChanged(depresolver.ServiceEvent{Kind: depresolver.ServiceEventRemoved, Reference: e.ref})
	}
}

func (m *Memory) matchingListenersLocked(interfaceNames []string, ref depresolver.Reference) []depresolver.ServiceListener {
	ifaceSet := make(map[string]bool, len(interfaceNames))
	for _, n := range interfaceNames {
		ifaceSet[n] = true
	}
	var out []depresolver.ServiceListener
	for _, le := range m.listeners {
		if le.interfaceName != "" && !ifaceSet[le.interfaceName] {
			continue
		}
		if le.filter != nil && !le.filter.Match(ref.Properties()) {
			continue
		}
		out = append(out, le.listener)
	}
	return out
}

// IsBorrowed reports whether id currently has an outstanding GetService
// borrow, for tests asserting on a DependencyModel's unget discipline.
func (m *Memory) IsBorrowed(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	return ok && e.borrowed > 0
}

// AddServiceListener implements depresolver.Registry.
func (m *Memory) AddServiceListener(listener depresolver.ServiceListener, interfaceName, filterExpr string) error {
	compiled, err := depresolver.CompileFilter(filterExpr)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, &listenerEntry{listener: listener, interfaceName: interfaceName, filter: compiled})
	return nil
}

// RemoveServiceListener implements depresolver.Registry.
func (m *Memory) RemoveServiceListener(listener depresolver.ServiceListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, le := range m.listeners {
		if le.listener == listener {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// GetServiceReference implements depresolver.Registry, returning the
// highest-ranked reference for interfaceName.
func (m *Memory) GetServiceReference(interfaceName string) (depresolver.Reference, bool) {
	refs, err := m.GetServiceReferences(interfaceName, "")
	if err != nil || len(refs) == 0 {
		return depresolver.Reference{}, false
	}
	best := refs[0]
	for _, ref := range refs[1:] {
		if ref.Ranking() > best.Ranking() {
			best = ref
		}
	}
	return best, true
}

// GetServiceReferences implements depresolver.Registry.
func (m *Memory) GetServiceReferences(interfaceName, filterExpr string) ([]depresolver.Reference, error) {
	return m.GetAllServiceReferences(interfaceName, filterExpr)
}

// GetAllServiceReferences implements depresolver.Registry.
func (m *Memory) GetAllServiceReferences(interfaceName, filterExpr string) ([]depresolver.Reference, error) {
	compiled, err := depresolver.CompileFilter(filterExpr)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byIface[interfaceName]
	out := make([]depresolver.Reference, 0, len(ids))
	for _, id := range ids {
		e, ok := m.byID[id]
		if !ok {
			continue
		}
		if compiled.Match(e.ref.Properties()) {
			out = append(out, e.ref)
		}
	}
	return out, nil
}

// GetService implements depresolver.Registry, borrowing the service object
// and incrementing its use count.
func (m *Memory) GetService(ref depresolver.Reference) (depresolver.ServiceObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[ref.ServiceID()]
	if !ok {
		return nil, false
	}
	e.borrowed++
	if e.factory != nil {
		return e.factory.GetServiceForConsumer(ref), true
	}
	return e.service, true
}

// UngetService implements depresolver.Registry, releasing a borrowed
// service object.
func (m *Memory) UngetService(ref depresolver.Reference) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[ref.ServiceID()]
	if !ok || e.borrowed == 0 {
		return false
	}
	e.borrowed--
	if e.factory != nil {
		e.factory.UngetServiceForConsumer(ref, e.service)
	}
	return true
}
