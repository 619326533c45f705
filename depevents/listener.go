package depevents

import (
	"context"

	"github.com/arvoselect/depresolver"
)

// ListenerAdapter bridges a DependencyModel's Validate/Invalidate and
// service arrival/departure/modification callbacks to CloudEvents published
// on a Bus, so Subject/Observer consumers never
// need to know depresolver's listener interface exists.
type ListenerAdapter struct {
	Bus    Subject
	Source string
	Ctx    context.Context
}

var _ depresolver.DependencyStateListener = (*ListenerAdapter)(nil)

func (l *ListenerAdapter) Validate(dep *depresolver.DependencyModel) {
	l.publish(EventTypeDependencyResolved, dep)
}

func (l *ListenerAdapter) Invalidate(dep *depresolver.DependencyModel) {
	l.publish(EventTypeDependencyUnresolved, dep)
}

func (l *ListenerAdapter) OnServiceArrival(dep *depresolver.DependencyModel, ref *depresolver.TransformedReference) {
	l.publishRef(EventTypeServiceArrived, dep, ref)
}

func (l *ListenerAdapter) OnServiceDeparture(dep *depresolver.DependencyModel, ref *depresolver.TransformedReference) {
	l.publishRef(EventTypeServiceDeparted, dep, ref)
}

func (l *ListenerAdapter) OnServiceModification(dep *depresolver.DependencyModel, ref *depresolver.TransformedReference) {
	l.publishRef(EventTypeServiceModified, dep, ref)
}

// OnDependencyReconfiguration is a no-op on this adapter: the individual
// arrival/departure events it is built from have already been published by
// OnServiceArrival/OnServiceDeparture, and a third summary event per
// reconfiguration would just be redundant CloudEvents traffic for the
// typical consumer (a dashboard keyed on arrival/departure counts, not on
// reconfiguration batches).
func (l *ListenerAdapter) OnDependencyReconfiguration(*depresolver.DependencyModel, []*depresolver.TransformedReference, []*depresolver.TransformedReference) {
}

func (l *ListenerAdapter) publishRef(eventType string, dep *depresolver.DependencyModel, ref *depresolver.TransformedReference) {
	ctx := l.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	event := NewEvent(l.Source, eventType, map[string]any{"serviceId": ref.ServiceID(), "state": dep.State().String()})
	_ = l.Bus.NotifyObservers(ctx, event)
}

func (l *ListenerAdapter) publish(eventType string, dep *depresolver.DependencyModel) {
	ctx := l.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	bound := dep.Bound()
	ids := make([]int64, len(bound))
	for i, ref := range bound {
		ids[i] = ref.ServiceID()
	}
	event := NewEvent(l.Source, eventType, map[string]any{"bound": ids, "state": dep.State().String()})
	_ = l.Bus.NotifyObservers(ctx, event)
}
