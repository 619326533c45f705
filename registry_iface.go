package depresolver

import "context"

// ServiceEvent is delivered by a Registry to listeners registered through
// AddServiceListener. Kind mirrors the OSGi ServiceEvent type constants.
type ServiceEvent struct {
	Kind      ServiceEventKind
	Reference Reference
}

// ServiceEventKind enumerates the three event kinds a Registry emits for a
// single reference's lifetime, always delivered in this order:
// added, zero-or-more modified, removed.
type ServiceEventKind int

const (
	ServiceEventAdded ServiceEventKind = iota
	ServiceEventModified
	ServiceEventRemoved
)

// ServiceListener receives events from a Registry subscription.
type ServiceListener interface {
	ServiceChanged(event ServiceEvent)
}

// ServiceObject is the live instance a Registry hands back from GetService.
// A nil ServiceObject with ok=false means the provider disappeared between
// the reference being observed and the borrow attempt.
type ServiceObject any

// ServiceFactory is implemented by providers that want a distinct service
// object per consuming component rather than one shared instance.
type ServiceFactory interface {
	GetServiceForConsumer(consumer any) ServiceObject
	UngetServiceForConsumer(consumer any, svc ServiceObject)
}

// Registry is the external collaborator this resolver observes: an opaque
// registry of providers with LDAP filters, service events, and borrow
// semantics. This is the seam an embedding framework implements, and the
// seam the registry/ package's in-memory implementation fills in for tests
// and demos.
type Registry interface {
	// AddServiceListener subscribes listener to added/modified/removed
	// events for services matching interfaceName and, optionally, filter.
	AddServiceListener(listener ServiceListener, interfaceName string, filter string) error
	RemoveServiceListener(listener ServiceListener)

	GetServiceReference(interfaceName string) (Reference, bool)
	GetServiceReferences(interfaceName, filter string) ([]Reference, error)
	GetAllServiceReferences(interfaceName, filter string) ([]Reference, error)

	GetService(ref Reference) (ServiceObject, bool)
	UngetService(ref Reference) bool
}

// DependencyStateListener receives the lifecycle callbacks a resolved
// dependency exposes to the component that owns it. All six methods are
// always called outside dep's internal lock: a listener is free to call
// back into dep — read its bound set, borrow a service — from within any
// of them.
type DependencyStateListener interface {
	Validate(dep *DependencyModel)
	Invalidate(dep *DependencyModel)
	OnServiceArrival(dep *DependencyModel, ref *TransformedReference)
	OnServiceDeparture(dep *DependencyModel, ref *TransformedReference)
	OnServiceModification(dep *DependencyModel, ref *TransformedReference)
	OnDependencyReconfiguration(dep *DependencyModel, departures, arrivals []*TransformedReference)
}

// ComponentInstance is the lifecycle manager that consumes binding events;
// it is treated as an opaque collaborator required only to implement the
// Static-policy break-and-restart cycle.
type ComponentInstance interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}
