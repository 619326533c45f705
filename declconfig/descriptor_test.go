package declconfig_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvoselect/depresolver"
	"github.com/arvoselect/depresolver/declconfig"
)

func TestDescriptor_BindingPolicy(t *testing.T) {
	cases := []struct {
		policy string
		want   depresolver.BindingPolicy
	}{
		{"", depresolver.DynamicBindingPolicy},
		{"dynamic", depresolver.DynamicBindingPolicy},
		{"static", depresolver.StaticBindingPolicy},
		{"dynamic-priority", depresolver.DynamicPriorityBindingPolicy},
	}
	for _, c := range cases {
		got, err := declconfig.Descriptor{Policy: c.policy}.BindingPolicy()
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}

	_, err := declconfig.Descriptor{Policy: "bogus"}.BindingPolicy()
	assert.ErrorIs(t, err, depresolver.ErrUnknownPolicy)
}

func TestDescriptor_ResolveComparatorUnconfigured(t *testing.T) {
	cmp, err := declconfig.Descriptor{}.ResolveComparator()
	require.NoError(t, err)
	assert.Nil(t, cmp)
}

func TestDescriptor_ResolveComparatorUnloadable(t *testing.T) {
	_, err := declconfig.Descriptor{Comparator: "no.such.Comparator"}.ResolveComparator()
	assert.ErrorIs(t, err, depresolver.ErrUnloadableComparator)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dep.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: greeter\nfilter: \"(lang=en)\"\naggregate: true\n"), 0o644))

	desc, err := declconfig.LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "greeter", desc.ID)
	assert.Equal(t, "(lang=en)", desc.Filter)
	assert.True(t, desc.Aggregate)
}

type fakeReconfigurable struct {
	filter      string
	comparator  depresolver.Comparator
	aggregate   bool
	optional    bool
	failOn      string
}

func (f *fakeReconfigurable) SetFilter(expr string) error {
	if f.failOn == "filter" {
		return errors.New("boom")
	}
	f.filter = expr
	return nil
}

func (f *fakeReconfigurable) SetComparator(cmp depresolver.Comparator) error {
	if f.failOn == "comparator" {
		return errors.New("boom")
	}
	f.comparator = cmp
	return nil
}

func (f *fakeReconfigurable) SetAggregate(aggregate bool) error {
	if f.failOn == "aggregate" {
		return errors.New("boom")
	}
	f.aggregate = aggregate
	return nil
}

func (f *fakeReconfigurable) SetOptionality(optional bool) error {
	if f.failOn == "optional" {
		return errors.New("boom")
	}
	f.optional = optional
	return nil
}

func TestApply_DrivesAllFourEntryPoints(t *testing.T) {
	dep := &fakeReconfigurable{}
	desc := declconfig.Descriptor{Filter: "(lang=en)", Aggregate: true, Optional: true}

	require.NoError(t, declconfig.Apply(dep, desc))
	assert.Equal(t, "(lang=en)", dep.filter)
	assert.True(t, dep.aggregate)
	assert.True(t, dep.optional)
	assert.Nil(t, dep.comparator)
}

func TestApply_PropagatesFilterFailure(t *testing.T) {
	dep := &fakeReconfigurable{failOn: "filter"}
	err := declconfig.Apply(dep, declconfig.Descriptor{})
	assert.Error(t, err)
}

func TestApply_PropagatesUnloadableComparator(t *testing.T) {
	dep := &fakeReconfigurable{}
	err := declconfig.Apply(dep, declconfig.Descriptor{Filter: "(lang=en)", Comparator: "no.such.Comparator"})
	assert.ErrorIs(t, err, depresolver.ErrUnloadableComparator)
	assert.Equal(t, "(lang=en)", dep.filter, "filter is applied before comparator resolution runs")
	assert.False(t, dep.aggregate, "aggregate must not be reached once comparator resolution fails")
}

func TestApplyEnvOverrides_CoercesScalarFields(t *testing.T) {
	t.Setenv("DEP_GREETER_AGGREGATE", "true")
	t.Setenv("DEP_GREETER_OPTIONAL", "true")
	t.Setenv("DEP_GREETER_FILTER", "(lang=fr)")
	t.Setenv("DEP_GREETER_COMPARATOR_CLASS", "osgi")

	desc := declconfig.Descriptor{ID: "greeter", Filter: "(lang=en)"}
	require.NoError(t, declconfig.ApplyEnvOverrides(&desc, "DEP_GREETER_"))

	assert.True(t, desc.Aggregate)
	assert.True(t, desc.Optional)
	assert.Equal(t, "(lang=fr)", desc.Filter)
	assert.Equal(t, "osgi", desc.Comparator)
	assert.Equal(t, "greeter", desc.ID, "ID is never overridden by env")
}

func TestApplyEnvOverrides_LeavesFieldsUntouchedWhenUnset(t *testing.T) {
	desc := declconfig.Descriptor{ID: "greeter", Filter: "(lang=en)", Aggregate: true}
	require.NoError(t, declconfig.ApplyEnvOverrides(&desc, "DEP_NOPE_"))
	assert.Equal(t, "(lang=en)", desc.Filter)
	assert.True(t, desc.Aggregate)
}
