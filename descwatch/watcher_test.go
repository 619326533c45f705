package descwatch_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvoselect/depresolver"
	"github.com/arvoselect/depresolver/descwatch"
)

type fakeDep struct {
	filter    string
	aggregate bool
	optional  bool
}

func (f *fakeDep) SetFilter(expr string) error                { f.filter = expr; return nil }
func (f *fakeDep) SetComparator(depresolver.Comparator) error { return nil }
func (f *fakeDep) SetAggregate(aggregate bool) error          { f.aggregate = aggregate; return nil }
func (f *fakeDep) SetOptionality(optional bool) error         { f.optional = optional; return nil }

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dep.yaml")
	require.NoError(t, os.WriteFile(path, []byte("filter: \"(lang=en)\"\n"), 0o644))

	dep := &fakeDep{}
	w := descwatch.NewWatcher(path, descwatch.DescriptorYAML, dep, descwatch.WatcherConfig{})
	require.NoError(t, w.Watch())
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("filter: \"(lang=fr)\"\naggregate: true\n"), 0o644))

	require.Eventually(t, func() bool {
		return dep.filter == "(lang=fr)" && dep.aggregate
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_EnvPrefixOverridesReloadedDescriptor(t *testing.T) {
	t.Setenv("DEP_TEST_AGGREGATE", "true")

	dir := t.TempDir()
	path := filepath.Join(dir, "dep.yaml")
	require.NoError(t, os.WriteFile(path, []byte("filter: \"(lang=en)\"\naggregate: false\n"), 0o644))

	dep := &fakeDep{}
	w := descwatch.NewWatcher(path, descwatch.DescriptorYAML, dep, descwatch.WatcherConfig{EnvPrefix: "DEP_TEST_"})
	require.NoError(t, w.Watch())
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("filter: \"(lang=fr)\"\naggregate: false\n"), 0o644))

	require.Eventually(t, func() bool {
		return dep.filter == "(lang=fr)" && dep.aggregate
	}, 2*time.Second, 10*time.Millisecond, "env override should force aggregate=true despite the file saying false")
}

func TestWatchdog_ScheduleReapplesFilter(t *testing.T) {
	wd := descwatch.NewWatchdog(nil)
	wd.Start()
	defer wd.Stop()

	dep := &fakeDep{}
	id, err := wd.Schedule("@every 20ms", dep, "(lang=en)")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dep.filter == "(lang=en)" }, 2*time.Second, 10*time.Millisecond)
	wd.Unschedule(id)
	assert.NotEmpty(t, id)
}
