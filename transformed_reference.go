package depresolver

// forbiddenOverlayKeys are identity properties that can never be overridden
// by an interceptor, on pain of ErrIllegalPropertyChange.
var forbiddenOverlayKeys = map[string]bool{
	PropServiceID:    true,
	PropServicePID:   true,
	PropInstanceName: true,
}

// tombstone marks a property removed by the overlay, distinct from "absent
// from the overlay" so TransformedReference.Keys can correctly omit it even
// though the underlying Reference still carries it.
type tombstone struct{}

// TransformedReference is a property-overlay view over an immutable
// Reference. Tracking interceptors compose these overlays left to right:
// each interceptor receives the previous one's view and may return a new
// overlay, never mutating the one it was given.
type TransformedReference struct {
	origin   Reference
	original *TransformedReference // nil if origin is not itself transformed
	overlay  map[string]any
}

// NewTransformedReference wraps a raw Reference with an empty overlay.
func NewTransformedReference(ref Reference) *TransformedReference {
	return &TransformedReference{origin: ref}
}

// deriveTransformedReference copies prev's overlay so the new view composes
// on top of whatever the previous interceptor in the chain contributed,
// without mutating prev (interceptors must treat the reference they receive
// as immutable and return a new one to change it).
func deriveTransformedReference(prev *TransformedReference) *TransformedReference {
	overlay := make(map[string]any, len(prev.overlay))
	for k, v := range prev.overlay {
		overlay[k] = v
	}
	return &TransformedReference{origin: prev.origin, original: prev.original, overlay: overlay}
}

// AddProperty sets an overlay property, composing it into a derived copy.
// Returns ErrIllegalPropertyChange for service.id, service.pid and
// instance.name.
func (t *TransformedReference) AddProperty(key string, value any) (*TransformedReference, error) {
	if forbiddenOverlayKeys[key] {
		return nil, ErrIllegalPropertyChange
	}
	next := deriveTransformedReference(t)
	if next.overlay == nil {
		next.overlay = make(map[string]any)
	}
	next.overlay[key] = value
	return next, nil
}

// RemoveProperty stores a tombstone for key, composing it into a derived
// copy so Keys() correctly omits it even though the underlying reference
// still carries it. Returns ErrIllegalPropertyChange for the immutable keys.
func (t *TransformedReference) RemoveProperty(key string) (*TransformedReference, error) {
	if forbiddenOverlayKeys[key] {
		return nil, ErrIllegalPropertyChange
	}
	next := deriveTransformedReference(t)
	if next.overlay == nil {
		next.overlay = make(map[string]any)
	}
	next.overlay[key] = tombstone{}
	return next, nil
}

// Get returns the property value after overlay resolution; a tombstone
// resolves to (nil, false) regardless of what the underlying reference
// holds.
func (t *TransformedReference) Get(key string) (any, bool) {
	if v, ok := t.overlay[key]; ok {
		if _, dead := v.(tombstone); dead {
			return nil, false
		}
		return v, true
	}
	return t.origin.Property(key)
}

// Keys returns the union of underlying keys and overlay keys, minus
// tombstoned ones.
func (t *TransformedReference) Keys() []string {
	seen := make(map[string]bool)
	keys := make([]string, 0, len(t.overlay)+4)
	for _, k := range t.origin.PropertyKeys() {
		if _, tomb := t.overlay[k]; tomb {
			if _, dead := t.overlay[k].(tombstone); dead {
				continue
			}
		}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k, v := range t.overlay {
		if _, dead := v.(tombstone); dead {
			continue
		}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// Properties materializes the overlay-resolved property map, the shape
// filter matching and JSON introspection both need.
func (t *TransformedReference) Properties() map[string]any {
	out := make(map[string]any, len(t.overlay)+4)
	for _, k := range t.Keys() {
		v, _ := t.Get(k)
		out[k] = v
	}
	return out
}

// ServiceID is immutable and always delegates to the underlying reference.
func (t *TransformedReference) ServiceID() int64 {
	return t.origin.ServiceID()
}

// InitialReference unwraps nested transforms to return the registry-native
// reference, required before calling Registry.GetService.
func (t *TransformedReference) InitialReference() Reference {
	return t.origin
}

// rank resolves service.ranking through the overlay, so a tracking
// interceptor's rewrite is honored by the comparator.
func (t *TransformedReference) rank() int32 {
	v, ok := t.Get(PropServiceRanking)
	if !ok {
		return 0
	}
	rank, ok := v.(int32)
	if !ok {
		return 0
	}
	return rank
}

func (t *TransformedReference) serviceID() int64 {
	return t.ServiceID()
}

// CompareTo implements the comparator contract: rank descending, then
// service.id ascending. The argument may be another TransformedReference or
// a plain Reference; both satisfy rankedReference.
func (t *TransformedReference) CompareTo(other rankedReference) int {
	return compareReferences(t, other)
}

// StrictlyEqual reports whether a and b carry exactly the same set of
// property keys with pairwise-equal values. This, not identity, is what
// drives whether a "modified" event fires.
func StrictlyEqual(a, b *TransformedReference) bool {
	if a == nil || b == nil {
		return a == b
	}
	ak, bk := a.Keys(), b.Keys()
	if len(ak) != len(bk) {
		return false
	}
	bp := b.Properties()
	for _, k := range ak {
		av, _ := a.Get(k)
		bv, ok := bp[k]
		if !ok {
			return false
		}
		if av != bv {
			return false
		}
		delete(bp, k)
	}
	return len(bp) == 0
}
