package depresolver

import "sync"

// ChangeSet describes what a reconfiguration or tracked-set event did to the
// selected set, the value SelectedServicesManager hands up to the policy
// layer (DependencyModel.onChange).
type ChangeSet struct {
	Selected   []*TransformedReference
	Arrivals   []*TransformedReference
	Departures []*TransformedReference
	Modified   []*TransformedReference

	OldFirst *TransformedReference
	NewFirst *TransformedReference
}

func (c ChangeSet) empty() bool {
	return len(c.Arrivals) == 0 && len(c.Departures) == 0 && len(c.Modified) == 0
}

// SelectedServicesManager runs stages two and three of the pipeline: it owns
// the matching set (post tracking-interceptor) and the selected set (post
// ranking-interceptor), and turns registry-tracker callbacks into
// ChangeSets.
type SelectedServicesManager struct {
	dep *DependencyModel

	mu         sync.RWMutex
	matching   map[int64]*TransformedReference
	matchOrder []int64
	selected   []*TransformedReference

	trackingChain *trackingChain
	filter        *FilterTrackingInterceptor
	ranking       RankingInterceptor
}

// NewSelectedServicesManager builds a manager for dep. filterExpr may be
// empty for "match everything".
func NewSelectedServicesManager(dep *DependencyModel, filterExpr string) (*SelectedServicesManager, error) {
	compiled, err := CompileFilter(filterExpr)
	if err != nil {
		return nil, err
	}
	filterInterceptor := &FilterTrackingInterceptor{Filter: compiled}
	return &SelectedServicesManager{
		dep:           dep,
		matching:      make(map[int64]*TransformedReference),
		trackingChain: newTrackingChain(nil, filterInterceptor),
		filter:        filterInterceptor,
		ranking:       &ComparatorRankingInterceptor{},
	}, nil
}

// Open runs every installed interceptor's Open hook. Must be called before
// any tracked-set event is delivered.
func (m *SelectedServicesManager) Open() error {
	return m.trackingChain.open(m.dep)
}

// Close runs every installed interceptor's Close hook.
func (m *SelectedServicesManager) Close() {
	m.trackingChain.close(m.dep)
}

// Matching returns the current matching set in tracked-arrival order.
func (m *SelectedServicesManager) Matching() []*TransformedReference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TransformedReference, 0, len(m.matchOrder))
	for _, id := range m.matchOrder {
		out = append(out, m.matching[id])
	}
	return out
}

// Selected returns the current selected set, ranked.
func (m *SelectedServicesManager) Selected() []*TransformedReference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TransformedReference, len(m.selected))
	copy(out, m.selected)
	return out
}

// FilterExpr returns the compiled filter's source expression, for
// introspection (depdebug).
func (m *SelectedServicesManager) FilterExpr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filter.Filter.String()
}

// AddedService runs a newly tracked reference through the chain. If it
// matches, it joins the matching set and the selected set is recomputed.
func (m *SelectedServicesManager) AddedService(ref Reference) ChangeSet {
	transformed := m.trackingChain.apply(m.dep, ref)
	if transformed == nil {
		return ChangeSet{}
	}
	m.mu.Lock()
	id := transformed.ServiceID()
	if _, already := m.matching[id]; !already {
		m.matchOrder = append(m.matchOrder, id)
	}
	m.matching[id] = transformed
	cs := m.recomputeLocked(nil)
	m.mu.Unlock()
	return cs
}

// ModifiedService re-runs the chain for a reference that changed. It covers
// three cases: the reference still matches and was already matching
// (modification), it now matches for the first time (arrival), or it no
// longer matches (departure).
func (m *SelectedServicesManager) ModifiedService(ref Reference) ChangeSet {
	transformed := m.trackingChain.apply(m.dep, ref)
	id := ref.ServiceID()

	m.mu.Lock()
	old, wasMatching := m.matching[id]
	switch {
	case transformed == nil && wasMatching:
		delete(m.matching, id)
		m.removeFromOrderLocked(id)
		cs := m.recomputeLocked(nil)
		m.mu.Unlock()
		return cs
	case transformed != nil && !wasMatching:
		m.matchOrder = append(m.matchOrder, id)
		m.matching[id] = transformed
		cs := m.recomputeLocked(nil)
		m.mu.Unlock()
		return cs
	case transformed != nil && wasMatching:
		m.matching[id] = transformed
		if StrictlyEqual(old, transformed) {
			cs := m.recomputeLocked(nil)
			m.mu.Unlock()
			return cs
		}
		cs := m.recomputeLocked([]*TransformedReference{transformed})
		m.mu.Unlock()
		return cs
	default:
		m.mu.Unlock()
		return ChangeSet{}
	}
}

// RemovedService drops a reference from the matching set if present and
// recomputes selection.
func (m *SelectedServicesManager) RemovedService(ref Reference) ChangeSet {
	id := ref.ServiceID()
	m.mu.Lock()
	_, wasMatching := m.matching[id]
	if !wasMatching {
		m.mu.Unlock()
		return ChangeSet{}
	}
	delete(m.matching, id)
	m.removeFromOrderLocked(id)
	cs := m.recomputeLocked(nil)
	m.mu.Unlock()
	return cs
}

// SetFilter recompiles the dependency's own filter interceptor and
// recomputes the full matching/selected set.
func (m *SelectedServicesManager) SetFilter(expr string) (ChangeSet, error) {
	compiled, err := CompileFilter(expr)
	if err != nil {
		return ChangeSet{}, err
	}
	m.mu.Lock()
	m.filter.Filter = compiled
	cs := m.fireBaseSetChangesLocked()
	m.mu.Unlock()
	return cs, nil
}

// SetRankingInterceptor installs a new ranking interceptor and recomputes
// the selected set only (the matching set is untouched).
func (m *SelectedServicesManager) SetRankingInterceptor(ranking RankingInterceptor) ChangeSet {
	if ranking == nil {
		ranking = &ComparatorRankingInterceptor{}
	}
	m.mu.Lock()
	m.ranking = ranking
	cs := m.rerankLocked()
	m.mu.Unlock()
	return cs
}

// AddTrackingInterceptor installs interceptor at the head of the user chain
// (ahead of the dependency's own filter) and recomputes everything.
func (m *SelectedServicesManager) AddTrackingInterceptor(interceptor TrackingInterceptor) (ChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := interceptor.Open(m.dep); err != nil {
		return ChangeSet{}, err
	}
	m.trackingChain.prepend(interceptor)
	return m.fireBaseSetChangesLocked(), nil
}

// RemoveTrackingInterceptor removes interceptor and recomputes everything.
func (m *SelectedServicesManager) RemoveTrackingInterceptor(interceptor TrackingInterceptor) ChangeSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackingChain.remove(interceptor)
	interceptor.Close(m.dep)
	return m.fireBaseSetChangesLocked()
}

// fireBaseSetChangesLocked re-runs every currently tracked reference through
// the (changed) chain from scratch, the full recompute needed whenever the
// interceptor chain itself changes. Caller must hold mu.
func (m *SelectedServicesManager) fireBaseSetChangesLocked() ChangeSet {
	oldMatching := m.snapshotMatchingLocked()

	tracked := m.dep.trackedReferences()
	newMatching := make(map[int64]*TransformedReference)
	var newOrder []int64
	for _, ref := range tracked {
		transformed := m.trackingChain.apply(m.dep, ref)
		if transformed == nil {
			continue
		}
		id := transformed.ServiceID()
		newMatching[id] = transformed
		newOrder = append(newOrder, id)
	}
	m.matching = newMatching
	m.matchOrder = newOrder

	newMatchingList := m.snapshotMatchingLocked()
	_, _, modified := computeDifferences(oldMatching, newMatchingList)
	return m.recomputeLocked(modified)
}

func (m *SelectedServicesManager) rerankLocked() ChangeSet {
	oldSelected := append([]*TransformedReference(nil), m.selected...)
	matching := m.snapshotMatchingLocked()
	m.selected = m.ranking.Rank(m.dep, matching)
	return diffSelection(oldSelected, m.selected)
}

// recomputeLocked applies the ranking interceptor to the current matching
// set and folds in the modified info the caller already knows, producing
// the ChangeSet the policy layer consumes. Arrivals and Departures are not
// taken from the caller: a ranking interceptor may select a proper subset
// of matching, so they are derived strictly from the before/after diff of
// the selected set itself. Caller must hold mu.
func (m *SelectedServicesManager) recomputeLocked(modified []*TransformedReference) ChangeSet {
	cs := m.rerankLocked()
	cs.Modified = append(cs.Modified, modified...)
	return cs
}

func (m *SelectedServicesManager) snapshotMatchingLocked() []*TransformedReference {
	out := make([]*TransformedReference, 0, len(m.matchOrder))
	for _, id := range m.matchOrder {
		out = append(out, m.matching[id])
	}
	return out
}

func (m *SelectedServicesManager) removeFromOrderLocked(id int64) {
	for i, existing := range m.matchOrder {
		if existing == id {
			m.matchOrder = append(m.matchOrder[:i], m.matchOrder[i+1:]...)
			return
		}
	}
}

// computeDifferences compares two reference-set snapshots by service id:
// departures are references present in old but not new, arrivals the
// reverse, modified omitted here since callers that need it compute it from
// their own event.
func computeDifferences(old, new []*TransformedReference) (arrivals, departures, modified []*TransformedReference) {
	oldByID := make(map[int64]*TransformedReference, len(old))
	for _, ref := range old {
		oldByID[ref.ServiceID()] = ref
	}
	newByID := make(map[int64]*TransformedReference, len(new))
	for _, ref := range new {
		newByID[ref.ServiceID()] = ref
	}
	for _, ref := range new {
		if _, present := oldByID[ref.ServiceID()]; !present {
			arrivals = append(arrivals, ref)
		}
	}
	for _, ref := range old {
		if _, present := newByID[ref.ServiceID()]; !present {
			departures = append(departures, ref)
		}
	}
	return arrivals, departures, modified
}

// diffSelection compares the previous and new selected lists to produce the
// ChangeSet's Arrivals/Departures (membership diff of the selected set, not
// the matching set) and OldFirst/NewFirst, used by DynamicPriority's
// rebind-on-better-arrival rule.
func diffSelection(old, new []*TransformedReference) ChangeSet {
	arrivals, departures, _ := computeDifferences(old, new)
	cs := ChangeSet{Selected: new, Arrivals: arrivals, Departures: departures}
	if len(old) > 0 {
		cs.OldFirst = old[0]
	}
	if len(new) > 0 {
		cs.NewFirst = new[0]
	}
	return cs
}
