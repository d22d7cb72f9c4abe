package sourcesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastapiex/settings-go/internal/controls"
	"github.com/fastapiex/settings-go/internal/liveconf"
	"github.com/fastapiex/settings-go/internal/loader"
)

type fakeSource struct {
	payload map[string]any
	state   *loader.FileState
	reads   int
}

func (f *fakeSource) read() (map[string]any, *loader.FileState, error) {
	f.reads++
	return f.payload, f.state, nil
}

func boolPtr(b bool) *bool { return &b }

func defaultCoordinator(file, dotenv, env *fakeSource) *Coordinator {
	c := New()
	_ = c.Register(liveconf.SourceFile, Update{
		Read:             file.read,
		SyncOnReload:     boolPtr(true),
		SyncOnPathSwitch: boolPtr(true),
	})
	_ = c.Register(liveconf.SourceDotenv, Update{Read: dotenv.read})
	_ = c.Register(liveconf.SourceEnv, Update{Read: env.read})
	return c
}

func newSources() (file, dotenv, env *fakeSource) {
	file = &fakeSource{
		payload: map[string]any{"app": map[string]any{"name": "yaml"}},
		state:   &loader.FileState{Path: "/work/settings.yaml", Exists: true, MtimeNS: 1, Size: 10},
	}
	dotenv = &fakeSource{
		payload: map[string]any{"TEST__APP__NAME": "dotenv"},
		state:   &loader.FileState{Path: "/work/.env", Exists: true, MtimeNS: 1, Size: 5},
	}
	env = &fakeSource{payload: map[string]any{"TEST__APP__PORT": "8080"}}
	return file, dotenv, env
}

func TestFullModeReadsEverySourceAndSeedsStore(t *testing.T) {
	file, dotenv, env := newSources()
	c := defaultCoordinator(file, dotenv, env)

	store, changed, err := c.SyncForMode(ModeFull, controls.ReloadOff, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, store)
	assert.Equal(t, 1, file.reads)
	assert.Equal(t, 1, dotenv.reads)
	assert.Equal(t, 1, env.reads)
}

func TestNoneModeIsNoop(t *testing.T) {
	file, dotenv, env := newSources()
	c := defaultCoordinator(file, dotenv, env)
	store, _, err := c.SyncForMode(ModeFull, controls.ReloadOff, nil)
	require.NoError(t, err)

	_, changed, err := c.SyncForMode(ModeNone, controls.ReloadAlways, store)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, file.reads)
}

func TestReloadModeOnlyTouchesReloadFlaggedSources(t *testing.T) {
	file, dotenv, env := newSources()
	c := defaultCoordinator(file, dotenv, env)
	store, _, err := c.SyncForMode(ModeFull, controls.ReloadOff, nil)
	require.NoError(t, err)

	file.payload = map[string]any{"app": map[string]any{"name": "yaml2"}}
	file.state = &loader.FileState{Path: "/work/settings.yaml", Exists: true, MtimeNS: 2, Size: 11}
	dotenv.payload = map[string]any{"TEST__APP__NAME": "dotenv2"}

	_, changed, err := c.SyncForMode(ModeReload, controls.ReloadOff, store)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, file.reads)
	// Dotenv and env stay seeded at startup only.
	assert.Equal(t, 1, dotenv.reads)
	assert.Equal(t, 1, env.reads)
}

func TestAutoModeRespectsReloadMode(t *testing.T) {
	file, dotenv, env := newSources()
	c := defaultCoordinator(file, dotenv, env)
	store, _, err := c.SyncForMode(ModeFull, controls.ReloadOff, nil)
	require.NoError(t, err)

	_, changed, err := c.SyncForMode(ModeAuto, controls.ReloadOff, store)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, file.reads)

	// on_change: the freshness token is unchanged, so the store is not
	// touched even though the source is re-read.
	_, changed, err = c.SyncForMode(ModeAuto, controls.ReloadOnChange, store)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 2, file.reads)

	file.payload = map[string]any{"app": map[string]any{"name": "yaml2"}}
	file.state = &loader.FileState{Path: "/work/settings.yaml", Exists: true, MtimeNS: 9, Size: 12}
	_, changed, err = c.SyncForMode(ModeAuto, controls.ReloadOnChange, store)
	require.NoError(t, err)
	assert.True(t, changed)

	// always: forced even with an unchanged token.
	_, changed, err = c.SyncForMode(ModeAuto, controls.ReloadAlways, store)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 4, file.reads)
}

func TestRegisterFlagsCanBeUpdatedWithoutReader(t *testing.T) {
	file, dotenv, env := newSources()
	c := defaultCoordinator(file, dotenv, env)
	store, _, err := c.SyncForMode(ModeFull, controls.ReloadOff, nil)
	require.NoError(t, err)

	require.NoError(t, c.Register(liveconf.SourceDotenv, Update{SyncOnReload: boolPtr(true)}))

	dotenv.payload = map[string]any{"TEST__APP__NAME": "dotenv2"}
	dotenv.state = &loader.FileState{Path: "/work/.env", Exists: true, MtimeNS: 7, Size: 7}
	_, changed, err := c.SyncForMode(ModeReload, controls.ReloadOff, store)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, dotenv.reads)
}

func TestRegisterRejectsUnknownSourceAndMissingReader(t *testing.T) {
	c := New()
	assert.ErrorContains(t, c.Register("cli", Update{}), "unknown source")
	assert.ErrorContains(t, c.Register(liveconf.SourceDotenv, Update{SyncOnReload: boolPtr(true)}),
		"not registered")
}

func TestSyncPathSwitchTouchesFlaggedSources(t *testing.T) {
	file, dotenv, env := newSources()
	c := defaultCoordinator(file, dotenv, env)
	store, _, err := c.SyncForMode(ModeFull, controls.ReloadOff, nil)
	require.NoError(t, err)

	file.payload = map[string]any{"app": map[string]any{"name": "switched"}}
	changed, err := c.SyncPathSwitch(store)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, file.reads)
	assert.Equal(t, 1, dotenv.reads)
}
