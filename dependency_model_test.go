package depresolver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvoselect/depresolver"
	"github.com/arvoselect/depresolver/registry"
)

type fakeListener struct {
	validated   int
	invalidated int
	arrivals    int
	departures  int
	modified    int
}

func (f *fakeListener) Validate(*depresolver.DependencyModel)   { f.validated++ }
func (f *fakeListener) Invalidate(*depresolver.DependencyModel) { f.invalidated++ }
func (f *fakeListener) OnServiceArrival(*depresolver.DependencyModel, *depresolver.TransformedReference) {
	f.arrivals++
}
func (f *fakeListener) OnServiceDeparture(*depresolver.DependencyModel, *depresolver.TransformedReference) {
	f.departures++
}
func (f *fakeListener) OnServiceModification(*depresolver.DependencyModel, *depresolver.TransformedReference) {
	f.modified++
}
func (f *fakeListener) OnDependencyReconfiguration(*depresolver.DependencyModel, []*depresolver.TransformedReference, []*depresolver.TransformedReference) {
}

func newTestModel(t *testing.T, reg *registry.Memory, cfg depresolver.DependencyModelConfig) *depresolver.DependencyModel {
	cfg.Registry = reg
	cfg.InterfaceName = "example.Greeter"
	dep, err := depresolver.NewDependencyModel(cfg)
	require.NoError(t, err)
	require.NoError(t, dep.Start())
	t.Cleanup(dep.Stop)
	return dep
}

func TestDependencyModel_ScalarDynamicBinding(t *testing.T) {
	reg := registry.NewMemory()
	listener := &fakeListener{}
	dep := newTestModel(t, reg, depresolver.DependencyModelConfig{Policy: depresolver.DynamicBindingPolicy, Listener: listener})

	assert.Equal(t, depresolver.Unresolved, dep.State())

	reg.Register("svc-a", []string{"example.Greeter"}, map[string]any{depresolver.PropServiceRanking: int32(1)})
	assert.Equal(t, depresolver.Resolved, dep.State())
	assert.Equal(t, 1, listener.validated)
	require.Len(t, dep.Bound(), 1)

	// A higher-ranked arrival preempts a dynamically bound service whose
	// service object has not been borrowed: Dynamic policy rebinds whenever
	// the current bound service object is unused, matching spec section 4.5.
	reg.Register("svc-b", []string{"example.Greeter"}, map[string]any{depresolver.PropServiceRanking: int32(10)})
	bound := dep.Bound()
	require.Len(t, bound, 1)
	assert.Equal(t, int32(10), bound[0].Properties()[depresolver.PropServiceRanking])
}

func TestDependencyModel_OptionalStaysResolvedWhenEmpty(t *testing.T) {
	reg := registry.NewMemory()
	dep := newTestModel(t, reg, depresolver.DependencyModelConfig{Policy: depresolver.DynamicBindingPolicy, Optional: true})
	assert.Equal(t, depresolver.Resolved, dep.State())
}

func TestDependencyModel_AggregateCollectsArrivals(t *testing.T) {
	reg := registry.NewMemory()
	dep := newTestModel(t, reg, depresolver.DependencyModelConfig{Policy: depresolver.DynamicBindingPolicy, Aggregate: true})

	reg.Register("svc-a", []string{"example.Greeter"}, nil)
	reg.Register("svc-b", []string{"example.Greeter"}, nil)
	assert.Len(t, dep.Bound(), 2)
}

func TestDependencyModel_StaticPolicyBreaksOnUsedDeparture(t *testing.T) {
	reg := registry.NewMemory()
	var stopped, started bool
	instance := fakeInstanceFunc{
		stop:  func() error { stopped = true; return nil },
		start: func() error { started = true; return nil },
	}
	dep := newTestModel(t, reg, depresolver.DependencyModelConfig{Policy: depresolver.StaticBindingPolicy, Instance: instance})

	ref := reg.Register("svc-a", []string{"example.Greeter"}, nil)
	require.Equal(t, depresolver.Resolved, dep.State())

	bound := dep.Bound()
	require.Len(t, bound, 1)
	_, ok := dep.GetService(bound[0])
	require.True(t, ok)

	reg.Unregister(ref.ServiceID())

	assert.Equal(t, depresolver.Broken, dep.State())
	assert.True(t, stopped)
	assert.True(t, started)
}

// TestDependencyModel_StaticPolicyBreaksOnUnborrowedBoundDeparture checks
// that the Broken check keys off bound membership, not whether GetService
// was ever called: spec.md's Broken rule fires on "any departing ref is in
// bound", independent of borrow state.
func TestDependencyModel_StaticPolicyBreaksOnUnborrowedBoundDeparture(t *testing.T) {
	reg := registry.NewMemory()
	var stopped, started bool
	instance := fakeInstanceFunc{
		stop:  func() error { stopped = true; return nil },
		start: func() error { started = true; return nil },
	}
	dep := newTestModel(t, reg, depresolver.DependencyModelConfig{Policy: depresolver.StaticBindingPolicy, Instance: instance})

	ref := reg.Register("svc-a", []string{"example.Greeter"}, nil)
	require.Equal(t, depresolver.Resolved, dep.State())

	bound := dep.Bound()
	require.Len(t, bound, 1)

	reg.Unregister(ref.ServiceID())

	assert.Equal(t, depresolver.Broken, dep.State())
	assert.True(t, stopped)
	assert.True(t, started)
}

type fakeInstanceFunc struct {
	stop  func() error
	start func() error
}

func (f fakeInstanceFunc) Stop(context.Context) error  { return f.stop() }
func (f fakeInstanceFunc) Start(context.Context) error { return f.start() }

// TestDependencyModel_ArrivalDepartureCallbacksPaired checks P2: every
// reference that leaves bound after having arrived fires exactly one
// OnServiceDeparture for its one OnServiceArrival.
func TestDependencyModel_ArrivalDepartureCallbacksPaired(t *testing.T) {
	reg := registry.NewMemory()
	listener := &fakeListener{}
	_ = newTestModel(t, reg, depresolver.DependencyModelConfig{Policy: depresolver.DynamicPriorityBindingPolicy, Listener: listener})

	reg.Register("svc-a", []string{"example.Greeter"}, map[string]any{depresolver.PropServiceRanking: int32(0)})
	assert.Equal(t, 1, listener.arrivals)
	assert.Equal(t, 0, listener.departures)

	reg.Register("svc-b", []string{"example.Greeter"}, map[string]any{depresolver.PropServiceRanking: int32(10)})
	assert.Equal(t, 2, listener.arrivals)
	assert.Equal(t, 1, listener.departures, "dynamic-priority rebind must depart the old binding before the new one arrives")
}

// TestDependencyModel_DynamicPriorityRebindUngetsBorrowedOld checks I5: a
// DynamicPriority rebind that displaces a borrowed scalar binding must still
// release it through the registry, not just drop it from bound.
func TestDependencyModel_DynamicPriorityRebindUngetsBorrowedOld(t *testing.T) {
	reg := registry.NewMemory()
	dep := newTestModel(t, reg, depresolver.DependencyModelConfig{Policy: depresolver.DynamicPriorityBindingPolicy})

	reg.Register("svc-a", []string{"example.Greeter"}, map[string]any{depresolver.PropServiceRanking: int32(0)})
	old := dep.Bound()[0]
	_, ok := dep.GetService(old)
	require.True(t, ok)
	require.True(t, reg.IsBorrowed(old.ServiceID()))

	reg.Register("svc-b", []string{"example.Greeter"}, map[string]any{depresolver.PropServiceRanking: int32(10)})
	require.Len(t, dep.Bound(), 1)
	assert.Equal(t, int32(10), dep.Bound()[0].Properties()[depresolver.PropServiceRanking])
	assert.False(t, reg.IsBorrowed(old.ServiceID()), "the displaced scalar binding must be ungotten from the registry")
}

func TestDependencyModel_SetAggregateExpandsBound(t *testing.T) {
	reg := registry.NewMemory()
	dep := newTestModel(t, reg, depresolver.DependencyModelConfig{Policy: depresolver.DynamicBindingPolicy})

	reg.Register("svc-a", []string{"example.Greeter"}, nil)
	reg.Register("svc-b", []string{"example.Greeter"}, nil)
	require.Len(t, dep.Bound(), 1)

	require.NoError(t, dep.SetAggregate(true))
	assert.Len(t, dep.Bound(), 2)

	require.NoError(t, dep.SetAggregate(false))
	assert.Len(t, dep.Bound(), 1)
}

func TestDependencyModel_SetOptionalityFlipsState(t *testing.T) {
	reg := registry.NewMemory()
	dep := newTestModel(t, reg, depresolver.DependencyModelConfig{Policy: depresolver.DynamicBindingPolicy})
	assert.Equal(t, depresolver.Unresolved, dep.State())

	require.NoError(t, dep.SetOptionality(true))
	assert.Equal(t, depresolver.Resolved, dep.State())

	require.NoError(t, dep.SetOptionality(false))
	assert.Equal(t, depresolver.Unresolved, dep.State())
}

func TestDependencyModel_SetComparatorReorders(t *testing.T) {
	reg := registry.NewMemory()
	dep := newTestModel(t, reg, depresolver.DependencyModelConfig{Policy: depresolver.DynamicBindingPolicy})

	reg.Register("svc-a", []string{"example.Greeter"}, map[string]any{depresolver.PropServiceRanking: int32(5)})
	reg.Register("svc-b", []string{"example.Greeter"}, map[string]any{depresolver.PropServiceRanking: int32(1)})
	require.Len(t, dep.Bound(), 1)
	assert.Equal(t, int32(5), dep.Bound()[0].Properties()[depresolver.PropServiceRanking], "natural order binds the higher rank first")

	require.NoError(t, dep.SetComparator(func(a, b *depresolver.TransformedReference) int {
		ra, _ := a.Get(depresolver.PropServiceRanking)
		rb, _ := b.Get(depresolver.PropServiceRanking)
		// ascending rank instead of the natural descending order.
		return int(ra.(int32)) - int(rb.(int32))
	}))
	assert.Equal(t, int32(1), dep.Bound()[0].Properties()[depresolver.PropServiceRanking], "an ascending comparator must rebind the unused scalar to its new best")
}

func TestDependencyModel_ReconfigurationRejectedWhenBroken(t *testing.T) {
	reg := registry.NewMemory()
	instance := fakeInstanceFunc{stop: func() error { return nil }, start: func() error { return nil }}
	dep := newTestModel(t, reg, depresolver.DependencyModelConfig{Policy: depresolver.StaticBindingPolicy, Instance: instance})

	ref := reg.Register("svc-a", []string{"example.Greeter"}, nil)
	_, ok := dep.GetService(dep.Bound()[0])
	require.True(t, ok)
	reg.Unregister(ref.ServiceID())
	require.Equal(t, depresolver.Broken, dep.State())

	assert.ErrorIs(t, dep.SetFilter(""), depresolver.ErrAlreadyBroken)
	assert.ErrorIs(t, dep.SetAggregate(true), depresolver.ErrAlreadyBroken)
	assert.ErrorIs(t, dep.SetOptionality(true), depresolver.ErrAlreadyBroken)
	assert.ErrorIs(t, dep.SetComparator(nil), depresolver.ErrAlreadyBroken)
}
