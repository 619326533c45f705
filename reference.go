// Package depresolver implements the per-dependency service resolver of an
// OSGi-style component runtime: a three-stage tracked -> matching -> selected
// pipeline that keeps a component's bound services correctly ranked in the
// presence of concurrent registry events and concurrent reconfiguration.
package depresolver

// Well-known reference property keys, mirroring the OSGi service property
// namespace. ServiceID and ServiceRanking drive the natural ordering; the
// remaining identity keys are exposed to interceptor target expressions.
const (
	PropServiceID       = "service.id"
	PropServicePID      = "service.pid"
	PropServiceRanking  = "service.ranking"
	PropInstanceName    = "instance.name"
	PropInstanceState   = "instance.state"
	PropFactoryName     = "factory.name"
	PropBundleSymbolic  = "bundle.symbolic-name"
	PropBundleVersion   = "bundle.version"
	PropDependencySpec  = "dependency.specification"
	PropDependencyID    = "dependency.id"
	PropDependencyState = "dependency.state"
)

// Reference is an opaque handle to a service provider carrying immutable
// properties. Callers never mutate a Reference directly; they wrap it in a
// TransformedReference to apply interceptor overlays.
type Reference struct {
	id         int64
	properties map[string]any
}

// NewReference builds a Reference from a property map. The map is copied so
// later mutation by the caller cannot leak into the reference; ServiceID is
// read out of properties[PropServiceID] and must be present.
func NewReference(properties map[string]any) Reference {
	id, _ := properties[PropServiceID].(int64)
	props := make(map[string]any, len(properties))
	for k, v := range properties {
		props[k] = v
	}
	return Reference{id: id, properties: props}
}

// ServiceID returns the immutable registration identity of the reference.
func (r Reference) ServiceID() int64 {
	return r.id
}

// Ranking returns the service.ranking property, defaulting to zero when
// absent or of the wrong type, per the OSGi ranking contract.
func (r Reference) Ranking() int32 {
	v, ok := r.properties[PropServiceRanking]
	if !ok {
		return 0
	}
	rank, ok := v.(int32)
	if !ok {
		return 0
	}
	return rank
}

// Property returns the raw property value and whether it was present.
func (r Reference) Property(key string) (any, bool) {
	v, ok := r.properties[key]
	return v, ok
}

// PropertyKeys returns the set of property keys carried by the reference.
func (r Reference) PropertyKeys() []string {
	keys := make([]string, 0, len(r.properties))
	for k := range r.properties {
		keys = append(keys, k)
	}
	return keys
}

// Properties returns a defensive copy of the full property map, the shape
// the filter compiler's Match method expects (spec: feed filters the
// property map of composite references, never the reference itself).
func (r Reference) Properties() map[string]any {
	out := make(map[string]any, len(r.properties))
	for k, v := range r.properties {
		out[k] = v
	}
	return out
}

// compareReferences implements the OSGi natural ordering: higher
// service.ranking first, ties broken by lower service.id (older
// registrations win).
func compareReferences(a, b rankedReference) int {
	ra, rb := a.rank(), b.rank()
	if ra != rb {
		if ra > rb {
			return -1
		}
		return 1
	}
	ida, idb := a.serviceID(), b.serviceID()
	switch {
	case ida == idb:
		return 0
	case ida < idb:
		return -1
	default:
		return 1
	}
}

// rankedReference is satisfied by both Reference and TransformedReference,
// letting compareReferences operate uniformly over the overlay.
type rankedReference interface {
	rank() int32
	serviceID() int64
}

func (r Reference) rank() int32      { return r.Ranking() }
func (r Reference) serviceID() int64 { return r.id }
