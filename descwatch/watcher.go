// Package descwatch keeps a dependency's descriptor file in sync with its
// live DependencyModel: a fsnotify watcher reacts to edits, and a cron
// watchdog periodically re-applies a filter as a safety net against missed
// registry events. The watchdog does not read the descriptor file.
package descwatch

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/arvoselect/depresolver"
	"github.com/arvoselect/depresolver/declconfig"
)

// Reconfigurer is the subset of DependencyModel a watcher needs to apply a
// reloaded descriptor. Declared narrowly so tests can fake it without a
// live Registry; it is declconfig.Reconfigurable under a local name so this
// package doesn't need to import declconfig's type to satisfy it.
type Reconfigurer interface {
	SetFilter(expr string) error
	SetComparator(cmp depresolver.Comparator) error
	SetAggregate(aggregate bool) error
	SetOptionality(optional bool) error
}

// Watcher reloads a descriptor file on every write or create event and
// re-applies it to dep, backing off on repeated failure and keeping at most
// one reload in flight at a time. Events are not debounced: a burst of
// writes triggers one reload per event.
type Watcher struct {
	path string
	dep  Reconfigurer
	kind DescriptorKind
	log  depresolver.Logger

	backoffBase time.Duration
	backoffCap  time.Duration
	envPrefix   string

	fsw *fsnotify.Watcher

	mu           sync.Mutex
	failureCount int
	lastFailure  time.Time
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// DescriptorKind selects which decoder Watcher applies on reload.
type DescriptorKind int

const (
	DescriptorYAML DescriptorKind = iota
	DescriptorTOML
)

// WatcherConfig configures backoff, mirroring
// ReloadOrchestratorConfig.BackoffBase/BackoffCap.
type WatcherConfig struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Logger      depresolver.Logger
	// EnvPrefix, if non-empty, lets an operator override individual
	// descriptor fields via prefixed environment variables on every
	// reload, without editing the on-disk file. See
	// declconfig.ApplyEnvOverrides.
	EnvPrefix string
}

// NewWatcher builds a watcher for path, applying reloads to dep. Watch must
// be called to start observing.
func NewWatcher(path string, kind DescriptorKind, dep Reconfigurer, cfg WatcherConfig) *Watcher {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return &Watcher{
		path:        path,
		dep:         dep,
		kind:        kind,
		log:         cfg.Logger,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		envPrefix:   cfg.EnvPrefix,
	}
}

// Watch starts the fsnotify subscription and the reload loop, running until
// Close is called.
func (w *Watcher) Watch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.path); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.loop()
	return nil
}

// Close stops the watcher and releases the fsnotify subscription.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	close(w.stopCh)
	<-w.doneCh
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("descriptor watcher error", "error", err)
		}
	}
}

// reload re-reads the descriptor and applies it, backing off exponentially
// on repeated failure up to backoffCap.
func (w *Watcher) reload() {
	w.mu.Lock()
	if w.failureCount > 0 {
		wait := w.backoffBase << uint(min(w.failureCount, 6))
		if wait > w.backoffCap {
			wait = w.backoffCap
		}
		if time.Since(w.lastFailure) < wait {
			w.mu.Unlock()
			return
		}
	}
	w.mu.Unlock()

	var desc declconfig.Descriptor
	var err error
	switch w.kind {
	case DescriptorTOML:
		desc, err = declconfig.LoadTOML(w.path)
	default:
		desc, err = declconfig.LoadYAML(w.path)
	}
	if err == nil && w.envPrefix != "" {
		err = declconfig.ApplyEnvOverrides(&desc, w.envPrefix)
	}
	if err == nil {
		err = declconfig.Apply(w.dep, desc)
	}

	w.mu.Lock()
	if err != nil {
		w.failureCount++
		w.lastFailure = time.Now()
		w.mu.Unlock()
		w.log.Error("descriptor reload failed", "path", w.path, "error", err)
		return
	}
	w.failureCount = 0
	w.mu.Unlock()
	w.log.Info("descriptor reloaded", "path", w.path)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}
