// Package sourcesync decides which sources are re-read on which trigger and
// tracks per-source freshness between reads.
package sourcesync

import (
	"fmt"
	"strings"

	"github.com/fastapiex/settings-go/internal/controls"
	"github.com/fastapiex/settings-go/internal/liveconf"
	"github.com/fastapiex/settings-go/internal/loader"
)

// Mode selects a sync policy for one runtime-preparation pass.
type Mode string

const (
	ModeNone   Mode = "none"
	ModeAuto   Mode = "auto"
	ModeReload Mode = "reload"
	ModeFull   Mode = "full"
)

// Reader snapshots one source: its nested payload plus a freshness token
// (nil for sources that are always re-read when selected).
type Reader func() (map[string]any, *loader.FileState, error)

// Spec is the registered sync behavior of one source.
type Spec struct {
	Read             Reader
	SyncOnReload     bool
	SyncOnPathSwitch bool
}

// Update partially overrides a registered spec; nil fields keep the current
// value.
type Update struct {
	Read             Reader
	SyncOnReload     *bool
	SyncOnPathSwitch *bool
}

// Coordinator owns the per-source specs and freshness state.
type Coordinator struct {
	specs  map[liveconf.Source]Spec
	states map[liveconf.Source]*loader.FileState
}

func New() *Coordinator {
	return &Coordinator{
		specs:  map[liveconf.Source]Spec{},
		states: map[liveconf.Source]*loader.FileState{},
	}
}

// Register installs or updates the spec of a source. The reader may be
// omitted only when the source is already registered.
func (c *Coordinator) Register(source liveconf.Source, update Update) error {
	if _, known := map[liveconf.Source]bool{
		liveconf.SourceFile: true, liveconf.SourceDotenv: true, liveconf.SourceEnv: true,
	}[source]; !known {
		names := make([]string, 0, 3)
		for _, s := range liveconf.Order() {
			names = append(names, string(s))
		}
		return fmt.Errorf("unknown source %q; expected one of: %s", source, strings.Join(names, ", "))
	}

	current, registered := c.specs[source]
	spec := current
	if update.Read != nil {
		spec.Read = update.Read
	} else if !registered {
		return fmt.Errorf("source %q is not registered; a reader is required", source)
	}
	if update.SyncOnReload != nil {
		spec.SyncOnReload = *update.SyncOnReload
	} else if !registered {
		spec.SyncOnReload = false
	}
	if update.SyncOnPathSwitch != nil {
		spec.SyncOnPathSwitch = *update.SyncOnPathSwitch
	} else if !registered {
		spec.SyncOnPathSwitch = false
	}
	c.specs[source] = spec
	return nil
}

// SyncForMode applies one sync pass. The store is created on first use;
// reports whether the merged view changed.
func (c *Coordinator) SyncForMode(mode Mode, reloadMode controls.ReloadMode, store *liveconf.Store) (*liveconf.Store, bool, error) {
	if mode == ModeNone {
		return store, false, nil
	}

	if mode == ModeFull || store == nil {
		return c.ReloadAll(store)
	}

	if mode == ModeAuto {
		switch reloadMode {
		case controls.ReloadOff:
			return store, false, nil
		case controls.ReloadAlways:
			changed, err := c.SyncReload(store, true)
			return store, changed, err
		default:
			changed, err := c.SyncReload(store, false)
			return store, changed, err
		}
	}

	changed, err := c.SyncReload(store, true)
	return store, changed, err
}

// ReloadAll re-reads every source and reseeds the store.
func (c *Coordinator) ReloadAll(store *liveconf.Store) (*liveconf.Store, bool, error) {
	payloads := map[liveconf.Source]map[string]any{}
	states := map[liveconf.Source]*loader.FileState{}
	for _, source := range liveconf.Order() {
		payload, state, err := c.readSnapshot(source)
		if err != nil {
			return store, false, err
		}
		payloads[source] = payload
		states[source] = state
	}

	if store == nil {
		store = liveconf.NewStore()
	}
	changed, err := store.ResetChanged(payloads)
	if err != nil {
		return store, false, err
	}
	c.states = states
	return store, changed, nil
}

// SyncReload re-reads the reload-flagged sources.
func (c *Coordinator) SyncReload(store *liveconf.Store, force bool) (bool, error) {
	return c.syncSelected(store, force, func(spec Spec) bool { return spec.SyncOnReload })
}

// SyncPathSwitch re-reads the path-switch-flagged sources.
func (c *Coordinator) SyncPathSwitch(store *liveconf.Store) (bool, error) {
	return c.syncSelected(store, true, func(spec Spec) bool { return spec.SyncOnPathSwitch })
}

func (c *Coordinator) syncSelected(store *liveconf.Store, force bool, selected func(Spec) bool) (bool, error) {
	changed := false
	for _, source := range liveconf.Order() {
		spec, ok := c.specs[source]
		if !ok || !selected(spec) {
			continue
		}
		sourceChanged, err := c.syncSource(store, source, force)
		if err != nil {
			return changed, err
		}
		changed = sourceChanged || changed
	}
	return changed, nil
}

// syncSource short-circuits to "no change" when the freshness token matches
// the previous read and the sync is not forced.
func (c *Coordinator) syncSource(store *liveconf.Store, source liveconf.Source, force bool) (bool, error) {
	payload, state, err := c.readSnapshot(source)
	if err != nil {
		return false, err
	}
	if !force && state != nil && state.Equal(c.states[source]) {
		return false, nil
	}

	changed, err := store.ReplaceSource(source, payload)
	if err != nil {
		return false, err
	}
	c.states[source] = state
	return changed, nil
}

func (c *Coordinator) readSnapshot(source liveconf.Source) (map[string]any, *loader.FileState, error) {
	spec, ok := c.specs[source]
	if !ok || spec.Read == nil {
		return map[string]any{}, nil, nil
	}
	return spec.Read()
}
