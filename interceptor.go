package depresolver

import "sort"

// TargetProperty is the well-known dependency property an interceptor chain
// reads to scope itself to a subset of dependencies.
const TargetProperty = "target"

// TrackingInterceptor is stage two of the pipeline: it decides whether a
// tracked reference belongs in the matching set, and may rewrite its
// properties on the way through. Returning nil from Accept drops the
// reference from the matching set entirely.
//
// Open/Close bracket the interceptor's participation in a given dependency's
// lifetime, the place to acquire or release any resource the interceptor's
// Accept needs (a compiled filter, a cached comparator). GetService/
// UngetService let an interceptor proxy or decorate a borrowed service
// object; a no-op interceptor returns svc and last unchanged.
type TrackingInterceptor interface {
	Open(dep *DependencyModel) error
	Accept(dep *DependencyModel, ref *TransformedReference) *TransformedReference
	Close(dep *DependencyModel)
	GetService(dep *DependencyModel, svc ServiceObject, ref *TransformedReference) ServiceObject
	UngetService(dep *DependencyModel, lastUse bool, ref *TransformedReference)
}

// RankingInterceptor is stage three of the pipeline: given the matching set
// it decides which subset is selected and in what order. The zero value of
// ComparatorRankingInterceptor using compareReferences is the default when a
// dependency has none configured.
type RankingInterceptor interface {
	Rank(dep *DependencyModel, matching []*TransformedReference) []*TransformedReference
}

// FilterTrackingInterceptor is the always-last interceptor every dependency
// installs for itself: it applies the dependency's own LDAP filter and is
// appended to the chain after any interceptor an embedder registers, so
// user interceptors see the full tracked set rather than an
// already-filtered one.
type FilterTrackingInterceptor struct {
	Filter *Filter // nil matches everything
}

func (f *FilterTrackingInterceptor) Open(*DependencyModel) error { return nil }
func (f *FilterTrackingInterceptor) Close(*DependencyModel)      {}

func (f *FilterTrackingInterceptor) Accept(_ *DependencyModel, ref *TransformedReference) *TransformedReference {
	if f.Filter == nil {
		return ref
	}
	if !f.Filter.Match(ref.Properties()) {
		return nil
	}
	return ref
}

func (f *FilterTrackingInterceptor) GetService(_ *DependencyModel, svc ServiceObject, _ *TransformedReference) ServiceObject {
	return svc
}

func (f *FilterTrackingInterceptor) UngetService(*DependencyModel, bool, *TransformedReference) {}

// IdentityTrackingInterceptor accepts every reference unchanged, a no-op
// interceptor an embedder can install. A dependency's default chain does not
// include it: with no custom interceptor the chain holds only the filter
// interceptor.
type IdentityTrackingInterceptor struct{}

func (IdentityTrackingInterceptor) Open(*DependencyModel) error { return nil }
func (IdentityTrackingInterceptor) Close(*DependencyModel)      {}
func (IdentityTrackingInterceptor) Accept(_ *DependencyModel, ref *TransformedReference) *TransformedReference {
	return ref
}

func (IdentityTrackingInterceptor) GetService(_ *DependencyModel, svc ServiceObject, _ *TransformedReference) ServiceObject {
	return svc
}

func (IdentityTrackingInterceptor) UngetService(*DependencyModel, bool, *TransformedReference) {}

// Comparator orders two references: negative if a sorts before b, positive
// if after, zero if equal rank. RegisterComparator lets an embedder name one
// for declarative descriptors (declconfig) the way database/sql names
// drivers.
type Comparator func(a, b *TransformedReference) int

var comparatorRegistry = map[string]Comparator{}

// RegisterComparator makes a named Comparator available to descriptors that
// reference it by name rather than wiring it in Go.
func RegisterComparator(name string, cmp Comparator) {
	comparatorRegistry[name] = cmp
}

// LookupComparator resolves a comparator registered via RegisterComparator.
func LookupComparator(name string) (Comparator, bool) {
	cmp, ok := comparatorRegistry[name]
	return cmp, ok
}

// ComparatorRankingInterceptor selects the full matching set, ordered by
// Compare. A nil Compare falls back to the natural ranking/service.id order
// (compareReferences), matching DependencyModel's default comparator.
type ComparatorRankingInterceptor struct {
	Compare Comparator
}

func (c *ComparatorRankingInterceptor) Rank(_ *DependencyModel, matching []*TransformedReference) []*TransformedReference {
	out := make([]*TransformedReference, len(matching))
	copy(out, matching)
	cmp := c.Compare
	if cmp == nil {
		cmp = func(a, b *TransformedReference) int { return compareReferences(a, b) }
	}
	sort.SliceStable(out, func(i, j int) bool { return cmp(out[i], out[j]) < 0 })
	return out
}

// EmptyRankingInterceptor always selects nothing, used by a dependency whose
// optionality and policy want it permanently unbound.
type EmptyRankingInterceptor struct{}

func (EmptyRankingInterceptor) Rank(*DependencyModel, []*TransformedReference) []*TransformedReference {
	return nil
}

// trackingChain composes interceptors left to right: the output of one feeds
// the next, and any nil return short-circuits the remaining interceptors for
// that reference. The dependency's own FilterTrackingInterceptor is always
// last.
type trackingChain struct {
	interceptors []TrackingInterceptor
}

func newTrackingChain(userChain []TrackingInterceptor, filter *FilterTrackingInterceptor) *trackingChain {
	chain := make([]TrackingInterceptor, 0, len(userChain)+1)
	chain = append(chain, userChain...)
	chain = append(chain, filter)
	return &trackingChain{interceptors: chain}
}

// apply runs ref through every interceptor left to right. An interceptor
// panicking during Accept is treated as though it returned nil for that
// reference (drop it, log it) rather than aborting the whole chain for
// every other tracked reference.
func (c *trackingChain) apply(dep *DependencyModel, ref Reference) (result *TransformedReference) {
	current := NewTransformedReference(ref)
	for _, interceptor := range c.interceptors {
		current = c.acceptRecovering(dep, interceptor, current)
		if current == nil {
			return nil
		}
	}
	return current
}

func (c *trackingChain) acceptRecovering(dep *DependencyModel, interceptor TrackingInterceptor, ref *TransformedReference) (result *TransformedReference) {
	defer func() {
		if r := recover(); r != nil {
			dep.log.Error("tracking interceptor accept panicked, dropping reference", "error", r)
			result = nil
		}
	}()
	return interceptor.Accept(dep, ref)
}

// getService runs a borrowed service object through every interceptor's
// GetService hook left to right, letting each wrap or decorate what the
// previous one returned.
func (c *trackingChain) getService(dep *DependencyModel, svc ServiceObject, ref *TransformedReference) ServiceObject {
	for _, interceptor := range c.interceptors {
		svc = interceptor.GetService(dep, svc, ref)
	}
	return svc
}

// ungetService runs every interceptor's UngetService hook, mirroring
// getService's ordering so a decorator can release what it wrapped.
func (c *trackingChain) ungetService(dep *DependencyModel, lastUse bool, ref *TransformedReference) {
	for _, interceptor := range c.interceptors {
		interceptor.UngetService(dep, lastUse, ref)
	}
}

func (c *trackingChain) open(dep *DependencyModel) error {
	for _, interceptor := range c.interceptors {
		if err := interceptor.Open(dep); err != nil {
			return err
		}
	}
	return nil
}

func (c *trackingChain) close(dep *DependencyModel) {
	for _, interceptor := range c.interceptors {
		interceptor.Close(dep)
	}
}

// prepend inserts interceptor at the front of the user-supplied portion of
// the chain, so the most recently added interceptor sees the tracked set
// first.
func (c *trackingChain) prepend(interceptor TrackingInterceptor) {
	c.interceptors = append([]TrackingInterceptor{interceptor}, c.interceptors...)
}

// remove drops the first occurrence of interceptor from the chain, a no-op
// if it is not present (including the always-present filter interceptor,
// which addTrackingInterceptor/removeTrackingInterceptor never touch).
func (c *trackingChain) remove(interceptor TrackingInterceptor) {
	for i, existing := range c.interceptors {
		if existing == interceptor {
			c.interceptors = append(c.interceptors[:i], c.interceptors[i+1:]...)
			return
		}
	}
}
