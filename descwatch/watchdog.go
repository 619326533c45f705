package descwatch

import (
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/arvoselect/depresolver"
)

// Resyncer is implemented by a DependencyModel's owner to force a full
// re-evaluation outside the normal registry-event path, the safety net a
// periodic resync needs when a registry event could plausibly have been
// dropped.
type Resyncer interface {
	SetFilter(expr string) error
}

// Watchdog periodically re-applies a filter expression to a dependency on a
// cron schedule. The expression is the one given to Schedule; a later change
// of the dependency's filter is not picked up by an existing schedule.
type Watchdog struct {
	cronSched *cron.Cron
	entries   map[string]cron.EntryID
	log       depresolver.Logger
}

// NewWatchdog builds an idle watchdog; call Start to begin running the
// cron scheduler goroutine.
func NewWatchdog(logger depresolver.Logger) *Watchdog {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Watchdog{
		cronSched: cron.New(),
		entries:   make(map[string]cron.EntryID),
		log:       logger,
	}
}

// Start begins executing scheduled resyncs.
func (w *Watchdog) Start() {
	w.cronSched.Start()
}

// Stop waits for any in-flight resync to finish and halts the scheduler.
func (w *Watchdog) Stop() {
	<-w.cronSched.Stop().Done()
}

// Schedule registers a periodic dep.SetFilter(filter) on the given cron
// expression, returning an id that Unschedule
// accepts. Re-applying the same filter is a cheap no-op through
// SelectedServicesManager's fireBaseSetChanges path, so this is safe to run
// on a tight schedule.
func (w *Watchdog) Schedule(spec string, dep Resyncer, filter string) (string, error) {
	id := uuid.NewString()
	entryID, err := w.cronSched.AddFunc(spec, func() {
		if err := dep.SetFilter(filter); err != nil {
			w.log.Error("watchdog resync failed", "id", id, "error", err)
		}
	})
	if err != nil {
		return "", err
	}
	w.entries[id] = entryID
	return id, nil
}

// Unschedule removes a previously scheduled resync.
func (w *Watchdog) Unschedule(id string) {
	entryID, ok := w.entries[id]
	if !ok {
		return
	}
	w.cronSched.Remove(entryID)
	delete(w.entries, id)
}
