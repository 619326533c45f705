package depresolver

import (
	"context"
	"sync"
)

// BindingPolicy controls how a DependencyModel reacts to arrivals and
// departures in its selected set.
type BindingPolicy int

const (
	// DynamicBindingPolicy rebinds freely: a departing bound service is
	// replaced by the best remaining candidate as soon as one is needed.
	DynamicBindingPolicy BindingPolicy = iota
	// StaticBindingPolicy never swaps a scalar binding whose service object
	// has been borrowed: losing any bound service breaks the dependency and
	// restarts the instance rather than swapping providers underneath it.
	StaticBindingPolicy
	// DynamicPriorityBindingPolicy rebinds aggressively: any arrival that
	// ranks ahead of the currently bound service replaces it immediately.
	DynamicPriorityBindingPolicy
)

func (p BindingPolicy) String() string {
	switch p {
	case StaticBindingPolicy:
		return "static"
	case DynamicPriorityBindingPolicy:
		return "dynamic-priority"
	default:
		return "dynamic"
	}
}

// DependencyState is the three-value state machine a DependencyModel walks
// as its selected set and binding requirements change.
type DependencyState int

const (
	Unresolved DependencyState = iota
	Resolved
	Broken
)

func (s DependencyState) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case Broken:
		return "broken"
	default:
		return "unresolved"
	}
}

// DependencyModelConfig are the construction-time parameters of a
// DependencyModel. Filter, Aggregate, Optional and Comparator can be changed
// later through SetFilter, SetAggregate, SetOptionality and SetComparator;
// the other fields have no setter and stay as built.
type DependencyModelConfig struct {
	Specification string
	InterfaceName string
	Filter        string
	Aggregate     bool
	Optional      bool
	Policy        BindingPolicy
	Comparator    Comparator
	Registry      Registry
	Listener      DependencyStateListener
	Instance      ComponentInstance
	Logger        Logger
}

// DependencyModel is the per-dependency resolver: it owns a RegistryTracker
// and SelectedServicesManager, applies a BindingPolicy to the ChangeSets
// they produce, and exposes a three-state lifecycle to its owning component.
//
// Locking follows a single rule throughout this file: never call out to the
// listener, instance, or a borrowed service while holding mu. Every method
// that needs to notify takes the lock, mutates state, copies what it needs
// into locals, releases the lock, and only then calls out. No call ever
// reenters the lock, so a plain sync.RWMutex is enough.
type DependencyModel struct {
	cfg DependencyModelConfig
	log Logger

	tracker *RegistryTracker
	manager *SelectedServicesManager

	mu      sync.RWMutex
	state   DependencyState
	bound   []*TransformedReference // services currently handed to the component, selection order
	used    map[int64]bool          // bound reference ids the component has actually borrowed via GetService
	frozen  bool
	started bool
}

// NewDependencyModel constructs a model in the Unresolved state. Start must
// be called before any registry event is observed.
func NewDependencyModel(cfg DependencyModelConfig) (*DependencyModel, error) {
	if cfg.Registry == nil {
		return nil, ErrNotStarted
	}
	if cfg.Policy == DynamicPriorityBindingPolicy && cfg.Comparator == nil {
		cfg.Comparator = func(a, b *TransformedReference) int { return compareReferences(a, b) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	dep := &DependencyModel{cfg: cfg, log: logger, used: make(map[int64]bool)}
	dep.tracker = NewRegistryTracker(cfg.Registry, cfg.InterfaceName, dep)
	manager, err := NewSelectedServicesManager(dep, cfg.Filter)
	if err != nil {
		return nil, err
	}
	if cfg.Comparator != nil {
		manager.ranking = &ComparatorRankingInterceptor{Compare: cfg.Comparator}
	}
	dep.manager = manager
	return dep, nil
}

// Aggregate reports whether this dependency binds its full selected set
// rather than just the first-ranked candidate.
func (d *DependencyModel) Aggregate() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Aggregate
}

// Optional reports whether an empty matching set still counts as Resolved.
func (d *DependencyModel) Optional() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Optional
}

// Policy returns the dependency's current BindingPolicy.
func (d *DependencyModel) Policy() BindingPolicy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Policy
}

// FilterExpr returns the dependency's current target filter expression.
func (d *DependencyModel) FilterExpr() string {
	return d.manager.FilterExpr()
}

// HasComparator reports whether a custom ranking comparator has been
// installed, as opposed to the natural service.ranking/service.id order.
func (d *DependencyModel) HasComparator() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Comparator != nil
}

// Start opens the tracker and manager and performs the initial resolution.
func (d *DependencyModel) Start() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	if err := d.manager.Open(); err != nil {
		return err
	}
	if err := d.tracker.Open(); err != nil {
		return err
	}

	d.mu.Lock()
	prevState := d.state
	d.state = d.computeStateLocked()
	newState := d.state
	d.mu.Unlock()
	d.notifyStateChange(prevState, newState)
	return nil
}

// Stop releases the tracker, manager, and every borrowed service, grounded
// on DependencyModel.stop()'s ungetAllServices.
func (d *DependencyModel) Stop() {
	d.tracker.Close()
	d.manager.Close()

	d.mu.Lock()
	toUnget := d.boundUsedLocked()
	d.bound = nil
	d.used = make(map[int64]bool)
	d.state = Unresolved
	d.started = false
	d.mu.Unlock()

	for _, ref := range toUnget {
		d.cfg.Registry.UngetService(ref.InitialReference())
	}
}

// State reports the current dependency state.
func (d *DependencyModel) State() DependencyState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Bound returns the services currently handed to the component, in
// selection order. For a scalar (non-aggregate) dependency this has at most
// one element.
func (d *DependencyModel) Bound() []*TransformedReference {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*TransformedReference, len(d.bound))
	copy(out, d.bound)
	return out
}

// Tracked returns the raw references currently tracked by the registry
// subscription, before any interceptor or filter has been applied.
func (d *DependencyModel) Tracked() []Reference {
	return d.tracker.References()
}

func (d *DependencyModel) boundUsedLocked() []*TransformedReference {
	out := make([]*TransformedReference, 0, len(d.bound))
	for _, ref := range d.bound {
		if d.used[ref.ServiceID()] {
			out = append(out, ref)
		}
	}
	return out
}

func (d *DependencyModel) trackedReferences() []Reference {
	return d.tracker.References()
}

// GetService borrows the service object behind ref, marking it used so the
// binding policy knows it cannot be silently swapped out from under a
// consumer that is actively holding it.
func (d *DependencyModel) GetService(ref *TransformedReference) (ServiceObject, bool) {
	svc, ok := d.cfg.Registry.GetService(ref.InitialReference())
	if !ok {
		return nil, false
	}
	svc = d.manager.trackingChain.getService(d, svc, ref)
	d.mu.Lock()
	d.used[ref.ServiceID()] = true
	d.mu.Unlock()
	return svc, true
}

// UngetService releases a previously borrowed service object.
func (d *DependencyModel) UngetService(ref *TransformedReference) {
	d.manager.trackingChain.ungetService(d, true, ref)
	d.cfg.Registry.UngetService(ref.InitialReference())
	d.mu.Lock()
	delete(d.used, ref.ServiceID())
	d.mu.Unlock()
}

// --- Customizer implementation feeding the RegistryTracker into the
// SelectedServicesManager, then into the policy layer. ---

func (d *DependencyModel) Adding(Reference) bool { return true }

func (d *DependencyModel) Added(ref Reference) {
	d.onChange(d.manager.AddedService(ref))
}

func (d *DependencyModel) Modified(ref Reference) {
	d.onChange(d.manager.ModifiedService(ref))
}

func (d *DependencyModel) Removed(ref Reference) {
	d.onChange(d.manager.RemovedService(ref))
}

// onChange applies a ChangeSet under the binding policy. It mutates bound
// entirely under mu, collecting the bound-level departures/arrivals/
// modifications into locals, then fires every callback after releasing the
// lock: departures first, then arrivals, then modification, the ordering
// every DependencyStateListener can rely on.
func (d *DependencyModel) onChange(cs ChangeSet) {
	if cs.empty() && cs.Selected == nil {
		return
	}

	d.mu.Lock()
	if d.frozen && d.cfg.Policy == StaticBindingPolicy && d.departureBreaksBoundLocked(cs.Departures) {
		wasBound := d.bound
		d.state = Broken
		d.bound = nil
		d.used = make(map[int64]bool)
		d.frozen = false
		d.mu.Unlock()

		d.ungetAll(wasBound)
		d.notifyInvalidate()
		d.restartInstance()
		return
	}

	departed := d.removeDeparturesLocked(cs.Departures)
	rebindDeparted, arrived := d.applyArrivalsLocked(cs)
	departed = append(departed, rebindDeparted...)
	modified := d.applyModifiedLocked(cs.Modified)

	prevState := d.state
	d.state = d.computeStateLocked()
	if d.cfg.Policy == StaticBindingPolicy && d.state == Resolved {
		d.frozen = true
	}
	newState := d.state
	d.mu.Unlock()

	d.ungetAll(departed)
	for _, ref := range departed {
		d.notifyListener(func(l DependencyStateListener) { l.OnServiceDeparture(d, ref) })
	}
	for _, ref := range arrived {
		d.notifyListener(func(l DependencyStateListener) { l.OnServiceArrival(d, ref) })
	}
	for _, ref := range modified {
		d.notifyListener(func(l DependencyStateListener) { l.OnServiceModification(d, ref) })
	}
	if len(departed) > 0 || len(arrived) > 0 {
		d.notifyListener(func(l DependencyStateListener) { l.OnDependencyReconfiguration(d, departed, arrived) })
	}
	d.notifyStateChange(prevState, newState)
}

// ungetAll releases every ref that was actually borrowed (present in used)
// before it left bound, satisfying invariant I5: serviceObjects entries are
// released on removal from bound. Always called unlocked.
func (d *DependencyModel) ungetAll(refs []*TransformedReference) {
	for _, ref := range refs {
		d.mu.Lock()
		wasUsed := d.used[ref.ServiceID()]
		delete(d.used, ref.ServiceID())
		d.mu.Unlock()
		if wasUsed {
			d.manager.trackingChain.ungetService(d, true, ref)
			d.cfg.Registry.UngetService(ref.InitialReference())
		}
	}
}

func (d *DependencyModel) notifyListener(f func(DependencyStateListener)) {
	if d.cfg.Listener != nil {
		f(d.cfg.Listener)
	}
}

func (d *DependencyModel) departureBreaksBoundLocked(departures []*TransformedReference) bool {
	boundIDs := make(map[int64]bool, len(d.bound))
	for _, b := range d.bound {
		boundIDs[b.ServiceID()] = true
	}
	for _, dep := range departures {
		if boundIDs[dep.ServiceID()] {
			return true
		}
	}
	return false
}

// removeDeparturesLocked drops every departing reference from bound and
// returns the ones that were actually bound, so the caller can fire
// exactly one OnServiceDeparture per reference actually removed.
func (d *DependencyModel) removeDeparturesLocked(departures []*TransformedReference) []*TransformedReference {
	if len(departures) == 0 {
		return nil
	}
	gone := make(map[int64]bool, len(departures))
	for _, dep := range departures {
		gone[dep.ServiceID()] = true
	}
	var removed []*TransformedReference
	kept := d.bound[:0:0]
	for _, ref := range d.bound {
		if gone[ref.ServiceID()] {
			removed = append(removed, ref)
		} else {
			kept = append(kept, ref)
		}
	}
	d.bound = kept
	return removed
}

// applyArrivalsLocked implements the aggregate/scalar arrival rules. It
// returns the reference rebinding departed (scalar rebind only) and every
// reference newly added to bound, for the caller to fire callbacks over.
func (d *DependencyModel) applyArrivalsLocked(cs ChangeSet) (rebindDeparted, arrived []*TransformedReference) {
	if d.cfg.Aggregate {
		if len(d.boundUsedLocked()) == 0 || d.cfg.Policy == DynamicPriorityBindingPolicy {
			oldIDs := make(map[int64]bool, len(d.bound))
			for _, ref := range d.bound {
				oldIDs[ref.ServiceID()] = true
			}
			d.bound = append([]*TransformedReference(nil), cs.Selected...)
			for _, ref := range d.bound {
				if !oldIDs[ref.ServiceID()] {
					arrived = append(arrived, ref)
				}
			}
			return nil, arrived
		}
		boundIDs := make(map[int64]bool, len(d.bound))
		for _, ref := range d.bound {
			boundIDs[ref.ServiceID()] = true
		}
		for _, ref := range cs.Arrivals {
			if !boundIDs[ref.ServiceID()] {
				d.bound = append(d.bound, ref)
				boundIDs[ref.ServiceID()] = true
				arrived = append(arrived, ref)
			}
		}
		return nil, arrived
	}

	// Scalar dependency.
	if len(d.bound) == 0 {
		if len(cs.Selected) > 0 {
			d.bound = []*TransformedReference{cs.Selected[0]}
			return nil, []*TransformedReference{cs.Selected[0]}
		}
		return nil, nil
	}
	current := d.bound[0]
	if len(cs.Selected) == 0 || cs.Selected[0].ServiceID() == current.ServiceID() {
		return nil, nil
	}
	switch d.cfg.Policy {
	case DynamicPriorityBindingPolicy:
		old := d.rebindScalarLocked(cs.Selected[0])
		return []*TransformedReference{old}, []*TransformedReference{cs.Selected[0]}
	case DynamicBindingPolicy, StaticBindingPolicy:
		if !d.used[current.ServiceID()] {
			old := d.rebindScalarLocked(cs.Selected[0])
			return []*TransformedReference{old}, []*TransformedReference{cs.Selected[0]}
		}
	}
	return nil, nil
}

// rebindScalarLocked swaps the scalar binding to next, returning the old
// reference so the caller can run it through ungetAll once unlocked — the
// used-map bookkeeping for old happens there, not here, so a borrowed
// service is correctly released rather than silently forgotten.
func (d *DependencyModel) rebindScalarLocked(next *TransformedReference) *TransformedReference {
	old := d.bound[0]
	d.bound = []*TransformedReference{next}
	return old
}

func (d *DependencyModel) applyModifiedLocked(modified []*TransformedReference) []*TransformedReference {
	if len(modified) == 0 {
		return nil
	}
	byID := make(map[int64]*TransformedReference, len(modified))
	for _, ref := range modified {
		byID[ref.ServiceID()] = ref
	}
	var updatedInBound []*TransformedReference
	for i, ref := range d.bound {
		if updated, ok := byID[ref.ServiceID()]; ok {
			d.bound[i] = updated
			updatedInBound = append(updatedInBound, updated)
		}
	}
	return updatedInBound
}

// computeStateLocked implements the state rule: resolved when optional or
// the bound set is non-empty, unresolved otherwise. Broken is only ever
// entered from onChange's frozen-departure branch and left only by a full
// Stop/Start cycle.
func (d *DependencyModel) computeStateLocked() DependencyState {
	if d.state == Broken {
		return Broken
	}
	if d.cfg.Optional || len(d.bound) > 0 {
		return Resolved
	}
	return Unresolved
}

func (d *DependencyModel) notifyStateChange(prev, next DependencyState) {
	if prev == next || d.cfg.Listener == nil {
		return
	}
	switch next {
	case Resolved:
		d.cfg.Listener.Validate(d)
	case Unresolved:
		d.cfg.Listener.Invalidate(d)
	}
}

func (d *DependencyModel) notifyInvalidate() {
	if d.cfg.Listener != nil {
		d.cfg.Listener.Invalidate(d)
	}
}

// restartInstance implements the Static-policy break-and-restart cycle:
// stop the owning component, then start it again so it rebuilds its
// dependencies from scratch against the now-current selected set.
func (d *DependencyModel) restartInstance() {
	if d.cfg.Instance == nil {
		return
	}
	ctx := context.Background()
	if err := d.cfg.Instance.Stop(ctx); err != nil {
		d.log.Error("instance stop during break-restart failed", "error", err)
	}
	if err := d.cfg.Instance.Start(ctx); err != nil {
		d.log.Error("instance restart after break failed", "error", err)
	}
}

// checkNotBroken guards every reconfiguration entry point: a Broken
// dependency never transitions out except via an explicit Stop/Start cycle,
// so no reconfiguration call is allowed to touch it.
func (d *DependencyModel) checkNotBroken() error {
	d.mu.RLock()
	broken := d.state == Broken
	d.mu.RUnlock()
	if broken {
		return ErrAlreadyBroken
	}
	return nil
}

// SetFilter reconfigures the dependency's target filter, recomputing the
// matching/selected sets and re-running onChange.
func (d *DependencyModel) SetFilter(expr string) error {
	if err := d.checkNotBroken(); err != nil {
		return err
	}
	cs, err := d.manager.SetFilter(expr)
	if err != nil {
		return err
	}
	d.onChange(cs)
	return nil
}

// SetRankingInterceptor reconfigures ranking without touching the matching
// set.
func (d *DependencyModel) SetRankingInterceptor(ranking RankingInterceptor) error {
	if err := d.checkNotBroken(); err != nil {
		return err
	}
	d.onChange(d.manager.SetRankingInterceptor(ranking))
	return nil
}

// SetComparator reconfigures the dependency's comparator, installing a
// ComparatorRankingInterceptor built from it (or the natural-order default
// when cmp is nil). This is one of the four reconfiguration entry points
// alongside SetFilter, SetAggregate, and SetOptionality.
func (d *DependencyModel) SetComparator(cmp Comparator) error {
	if err := d.checkNotBroken(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg.Comparator = cmp
	d.mu.Unlock()
	d.onChange(d.manager.SetRankingInterceptor(&ComparatorRankingInterceptor{Compare: cmp}))
	return nil
}

// SetAggregate reconfigures the dependency between scalar and aggregate
// binding. The matching/selected sets are untouched; only how much of
// selected ends up in bound changes, so this recomputes bound directly
// against the manager's current selected set rather than synthesizing a
// ChangeSet.
func (d *DependencyModel) SetAggregate(aggregate bool) error {
	if err := d.checkNotBroken(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg.Aggregate = aggregate
	d.mu.Unlock()
	d.reconcileBoundWidth()
	return nil
}

// SetOptionality reconfigures whether an empty matching set is tolerated.
// It never changes bound itself, only computeStateLocked's
// Unresolved/Resolved verdict, so it runs straight to state recomputation
// and notification.
func (d *DependencyModel) SetOptionality(optional bool) error {
	if err := d.checkNotBroken(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg.Optional = optional
	prevState := d.state
	d.state = d.computeStateLocked()
	newState := d.state
	d.mu.Unlock()
	d.notifyStateChange(prevState, newState)
	return nil
}

// reconcileBoundWidth re-derives bound from the manager's current selected
// set under the (just-changed) aggregate flag: the full selected set when
// aggregate, else just its first element. Used only by SetAggregate, where
// the matching/selected sets themselves have not changed and a full
// ChangeSet replay would be overkill.
func (d *DependencyModel) reconcileBoundWidth() {
	selected := d.manager.Selected()

	d.mu.Lock()
	oldBound := d.bound
	var newBound []*TransformedReference
	if d.cfg.Aggregate {
		newBound = append([]*TransformedReference(nil), selected...)
	} else if len(selected) > 0 {
		newBound = []*TransformedReference{selected[0]}
	}

	oldIDs := make(map[int64]bool, len(oldBound))
	for _, ref := range oldBound {
		oldIDs[ref.ServiceID()] = true
	}
	newIDs := make(map[int64]bool, len(newBound))
	for _, ref := range newBound {
		newIDs[ref.ServiceID()] = true
	}
	var departed, arrived []*TransformedReference
	for _, ref := range oldBound {
		if !newIDs[ref.ServiceID()] {
			departed = append(departed, ref)
		}
	}
	for _, ref := range newBound {
		if !oldIDs[ref.ServiceID()] {
			arrived = append(arrived, ref)
		}
	}
	d.bound = newBound

	prevState := d.state
	d.state = d.computeStateLocked()
	newState := d.state
	d.mu.Unlock()

	d.ungetAll(departed)
	for _, ref := range departed {
		d.notifyListener(func(l DependencyStateListener) { l.OnServiceDeparture(d, ref) })
	}
	for _, ref := range arrived {
		d.notifyListener(func(l DependencyStateListener) { l.OnServiceArrival(d, ref) })
	}
	if len(departed) > 0 || len(arrived) > 0 {
		d.notifyListener(func(l DependencyStateListener) { l.OnDependencyReconfiguration(d, departed, arrived) })
	}
	d.notifyStateChange(prevState, newState)
}

// AddTrackingInterceptor installs a new stage-two interceptor and
// recomputes.
func (d *DependencyModel) AddTrackingInterceptor(interceptor TrackingInterceptor) error {
	cs, err := d.manager.AddTrackingInterceptor(interceptor)
	if err != nil {
		return err
	}
	d.onChange(cs)
	return nil
}

// RemoveTrackingInterceptor uninstalls a stage-two interceptor and
// recomputes.
func (d *DependencyModel) RemoveTrackingInterceptor(interceptor TrackingInterceptor) {
	d.onChange(d.manager.RemoveTrackingInterceptor(interceptor))
}
