package depresolver

import "sync"

// DependencyIdentity is the full set of dependency-identity properties an
// interceptor target filter can match against: the instance and factory
// that own the dependency, the bundle that packages them, the dependency's
// own specification and id, and the two live state values (dependency and
// instance) that change over the dependency's lifetime.
type DependencyIdentity struct {
	InstanceName       string
	FactoryName        string
	BundleSymbolicName string
	BundleVersion      string
	Specification      string
	DependencyID       string
	DependencyState    string
	InstanceState      string
}

func (id DependencyIdentity) properties() map[string]any {
	return map[string]any{
		PropInstanceName:    id.InstanceName,
		PropFactoryName:     id.FactoryName,
		PropBundleSymbolic:  id.BundleSymbolicName,
		PropBundleVersion:   id.BundleVersion,
		PropDependencySpec:  id.Specification,
		PropDependencyID:    id.DependencyID,
		PropDependencyState: id.DependencyState,
		PropInstanceState:   id.InstanceState,
	}
}

// globalInterceptor pairs an externally registered TrackingInterceptor with
// the target filter scoping which dependency identities it applies to.
type globalInterceptor struct {
	interceptor TrackingInterceptor
	target      *Filter
}

// TransformedServiceEvent is what AddServiceListener delivers in place of a
// raw ServiceEvent: Reference is the transformed, accepted view, while
// OriginalReference recovers the native one a caller needs to hand back to
// the Registry directly (GetService, an unwrapped re-registration, and so
// on).
type TransformedServiceEvent struct {
	Kind      ServiceEventKind
	Reference *TransformedReference
	original  Reference
}

// OriginalReference returns the native Reference the registry actually
// delivered, before any interceptor transformed it.
func (e TransformedServiceEvent) OriginalReference() Reference {
	return e.original
}

// TransformedServiceListener receives only the events a context's
// interceptor chain accepts, already wrapped as transformed references.
type TransformedServiceListener interface {
	ServiceChanged(event TransformedServiceEvent)
}

// acceptingListener adapts a TransformedServiceListener to the Registry's
// native ServiceListener: every delivered event is first run through ctx's
// interceptor chain, and only accepted references are forwarded.
type acceptingListener struct {
	ctx     *InterceptableContext
	wrapped TransformedServiceListener
}

func (l *acceptingListener) ServiceChanged(event ServiceEvent) {
	accepted := l.ctx.runChain(event.Reference)
	if accepted == nil {
		return
	}
	l.wrapped.ServiceChanged(TransformedServiceEvent{
		Kind:      event.Kind,
		Reference: accepted,
		original:  event.Reference,
	})
}

// InterceptableContext is a façade over a Registry: every reference it
// hands back or delivers to a listener has first been run through the set
// of TrackingInterceptors whose target filter matches this context's own
// DependencyIdentity, and references an interceptor rejects are never
// exposed at all. It also lets an embedding framework register
// interceptors that reach every subscribed DependencyModel whose identity
// matches, independent of the façade operations below.
type InterceptableContext struct {
	registry Registry
	identity DependencyIdentity
	log      Logger

	mu               sync.RWMutex
	interceptors     []*globalInterceptor
	subscribers      map[*DependencyModel]DependencyIdentity
	listenerAdapters map[TransformedServiceListener]*acceptingListener
}

// NewInterceptableContext builds a façade over registry scoped to identity
// (typically the owning component instance's own identity properties).
func NewInterceptableContext(registry Registry, identity DependencyIdentity, logger Logger) *InterceptableContext {
	if logger == nil {
		logger = noopLogger{}
	}
	return &InterceptableContext{
		registry:         registry,
		identity:         identity,
		log:              logger,
		subscribers:      make(map[*DependencyModel]DependencyIdentity),
		listenerAdapters: make(map[TransformedServiceListener]*acceptingListener),
	}
}

// RegisterInterceptor adds interceptor to the context, scoped to dependency
// identities matching targetExpr, an LDAP filter over the eight well-known
// identity properties. An empty targetExpr applies to every identity.
func (c *InterceptableContext) RegisterInterceptor(interceptor TrackingInterceptor, targetExpr string) (func(), error) {
	target, err := CompileFilter(targetExpr)
	if err != nil {
		return nil, err
	}
	entry := &globalInterceptor{interceptor: interceptor, target: target}

	c.mu.Lock()
	c.interceptors = append(c.interceptors, entry)
	c.mu.Unlock()

	unregister := func() {
		c.mu.Lock()
		for i, e := range c.interceptors {
			if e == entry {
				c.interceptors = append(c.interceptors[:i], c.interceptors[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}
	return unregister, nil
}

// applicable returns, in registration order, the global interceptors whose
// target filter matches identity.
func (c *InterceptableContext) applicable(identity DependencyIdentity) []TrackingInterceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applicableLocked(identity)
}

func (c *InterceptableContext) applicableLocked(identity DependencyIdentity) []TrackingInterceptor {
	props := identity.properties()
	out := make([]TrackingInterceptor, 0, len(c.interceptors))
	for _, e := range c.interceptors {
		if e.target.Match(props) {
			out = append(out, e.interceptor)
		}
	}
	return out
}

// Attach installs every currently-applicable global interceptor ahead of
// dep's own chain and records dep's identity so future RegisterInterceptor
// calls reach it too.
func (c *InterceptableContext) Attach(dep *DependencyModel, identity DependencyIdentity) error {
	c.mu.Lock()
	c.subscribers[dep] = identity
	c.mu.Unlock()

	for _, interceptor := range c.applicable(identity) {
		if err := dep.AddTrackingInterceptor(interceptor); err != nil {
			return err
		}
	}
	return nil
}

// Detach removes dep from the context's subscriber set. It does not attempt
// to strip dep's now-installed interceptors, since dep is expected to be
// stopped or discarded by the caller.
func (c *InterceptableContext) Detach(dep *DependencyModel) {
	c.mu.Lock()
	delete(c.subscribers, dep)
	c.mu.Unlock()
}

// NotifyInterceptorAdded pushes interceptor into every currently attached
// dependency whose identity matches targetExpr, the live fan-out a fresh
// interceptor registration performs against dependencies already running.
func (c *InterceptableContext) NotifyInterceptorAdded(interceptor TrackingInterceptor, targetExpr string) (func(), error) {
	unregister, err := c.RegisterInterceptor(interceptor, targetExpr)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	targets := make(map[*DependencyModel]DependencyIdentity, len(c.subscribers))
	for dep, identity := range c.subscribers {
		targets[dep] = identity
	}
	c.mu.RUnlock()

	target, _ := CompileFilter(targetExpr)
	for dep, identity := range targets {
		if target.Match(identity.properties()) {
			_ = dep.AddTrackingInterceptor(interceptor)
		}
	}
	return unregister, nil
}

// runChain runs ref through every interceptor applicable to this context's
// own identity, left to right; a nil return or a panicking Accept drops the
// reference. dep is nil for these context-scoped interceptors since they
// are not owned by any single DependencyModel.
func (c *InterceptableContext) runChain(ref Reference) (result *TransformedReference) {
	c.mu.RLock()
	chain := c.applicableLocked(c.identity)
	c.mu.RUnlock()

	current := NewTransformedReference(ref)
	for _, interceptor := range chain {
		current = c.acceptRecovering(interceptor, current)
		if current == nil {
			return nil
		}
	}
	return current
}

func (c *InterceptableContext) acceptRecovering(interceptor TrackingInterceptor, ref *TransformedReference) (result *TransformedReference) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("context interceptor accept panicked, dropping reference", "error", r)
			result = nil
		}
	}()
	return interceptor.Accept(nil, ref)
}

func (c *InterceptableContext) acceptAll(refs []Reference) []*TransformedReference {
	out := make([]*TransformedReference, 0, len(refs))
	for _, ref := range refs {
		if accepted := c.runChain(ref); accepted != nil {
			out = append(out, accepted)
		}
	}
	return out
}

// GetServiceReference looks up a single reference through the underlying
// Registry and runs it through the interceptor chain, reporting ok=false if
// either the registry has nothing or an interceptor rejected what it found.
func (c *InterceptableContext) GetServiceReference(interfaceName string) (*TransformedReference, bool) {
	ref, ok := c.registry.GetServiceReference(interfaceName)
	if !ok {
		return nil, false
	}
	accepted := c.runChain(ref)
	return accepted, accepted != nil
}

// GetServiceReferences looks up every matching reference and returns only
// the ones the interceptor chain accepts, as transformed references.
func (c *InterceptableContext) GetServiceReferences(interfaceName, filter string) ([]*TransformedReference, error) {
	refs, err := c.registry.GetServiceReferences(interfaceName, filter)
	if err != nil {
		return nil, err
	}
	return c.acceptAll(refs), nil
}

// GetAllServiceReferences is GetServiceReferences without the registry's
// usual visibility restriction, again filtered through the chain.
func (c *InterceptableContext) GetAllServiceReferences(interfaceName, filter string) ([]*TransformedReference, error) {
	refs, err := c.registry.GetAllServiceReferences(interfaceName, filter)
	if err != nil {
		return nil, err
	}
	return c.acceptAll(refs), nil
}

// GetService unwraps ref to the registry-native reference, borrows the
// service object, and runs it through every applicable interceptor's
// GetService hook before handing it back.
func (c *InterceptableContext) GetService(ref *TransformedReference) (ServiceObject, bool) {
	svc, ok := c.registry.GetService(ref.InitialReference())
	if !ok {
		return nil, false
	}
	c.mu.RLock()
	chain := c.applicableLocked(c.identity)
	c.mu.RUnlock()
	for _, interceptor := range chain {
		svc = interceptor.GetService(nil, svc, ref)
	}
	return svc, true
}

// UngetService runs every applicable interceptor's UngetService hook, then
// releases the registry-native reference.
func (c *InterceptableContext) UngetService(ref *TransformedReference) bool {
	c.mu.RLock()
	chain := c.applicableLocked(c.identity)
	c.mu.RUnlock()
	for _, interceptor := range chain {
		interceptor.UngetService(nil, true, ref)
	}
	return c.registry.UngetService(ref.InitialReference())
}

// AddServiceListener subscribes listener to added/modified/removed events
// for interfaceName (and, optionally, filter), wrapping it so it only ever
// observes references the interceptor chain accepts.
func (c *InterceptableContext) AddServiceListener(listener TransformedServiceListener, interfaceName, filter string) error {
	adapter := &acceptingListener{ctx: c, wrapped: listener}
	c.mu.Lock()
	c.listenerAdapters[listener] = adapter
	c.mu.Unlock()
	if err := c.registry.AddServiceListener(adapter, interfaceName, filter); err != nil {
		c.mu.Lock()
		delete(c.listenerAdapters, listener)
		c.mu.Unlock()
		return err
	}
	return nil
}

// RemoveServiceListener undoes a prior AddServiceListener.
func (c *InterceptableContext) RemoveServiceListener(listener TransformedServiceListener) {
	c.mu.Lock()
	adapter, ok := c.listenerAdapters[listener]
	delete(c.listenerAdapters, listener)
	c.mu.Unlock()
	if ok {
		c.registry.RemoveServiceListener(adapter)
	}
}
