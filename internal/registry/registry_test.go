package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastapiex/settings-go/internal/errs"
)

type appConfig struct {
	Name string `json:"name"`
}

type workerConfig struct {
	Queue string `json:"queue"`
}

func TestRegisterIndexesByCanonicalPath(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("app", appConfig{}, KindObject, "mod", 1))

	sections := reg.Sections()
	require.Len(t, sections, 1)
	assert.Equal(t, []string{"app"}, sections[0].Path)
	assert.Equal(t, "app", sections[0].PathText())
	assert.Equal(t, KindObject, sections[0].Kind)
}

func TestRegisterIdenticalSectionKeepsVersion(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("app", appConfig{}, KindObject, "mod", 1))
	version := reg.Version()

	require.NoError(t, reg.Register("app", appConfig{}, KindObject, "mod", 1))
	assert.Equal(t, version, reg.Version())
}

func TestRegisterRejectsReservedRoot(t *testing.T) {
	reg := New()
	err := reg.Register("fastapiex.app", appConfig{}, KindObject, "mod", 1)
	var regErr *errs.RegistrationError
	require.ErrorAs(t, err, &regErr)

	err = reg.Register("FASTAPIEX", appConfig{}, KindObject, "mod", 1)
	require.ErrorAs(t, err, &regErr)
	assert.Empty(t, reg.Sections())
}

func TestRegisterRejectsEmptySegmentsAndBadModels(t *testing.T) {
	reg := New()
	var regErr *errs.RegistrationError
	assert.ErrorAs(t, reg.Register("app..db", appConfig{}, KindObject, "mod", 1), &regErr)
	assert.ErrorAs(t, reg.Register("", appConfig{}, KindObject, "mod", 1), &regErr)
	assert.ErrorAs(t, reg.Register("app", 42, KindObject, "mod", 1), &regErr)
	assert.ErrorAs(t, reg.Register("app", nil, KindObject, "mod", 1), &regErr)
	assert.ErrorAs(t, reg.Register("app", appConfig{}, Kind("weird"), "mod", 1), &regErr)
}

func TestDuplicatePathWithDifferentModelRollsBack(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("app", appConfig{}, KindObject, "mod", 1))
	version := reg.Version()

	err := reg.Register("app", workerConfig{}, KindObject, "other", 1)
	var regErr *errs.RegistrationError
	require.ErrorAs(t, err, &regErr)

	// The failed registration left the registry untouched.
	assert.Equal(t, version, reg.Version())
	sections := reg.Sections()
	require.Len(t, sections, 1)
	assert.Equal(t, "app", sections[0].PathText())
}

func TestNewOwnerGenerationDropsOldSections(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("app", appConfig{}, KindObject, "mod", 1))
	require.NoError(t, reg.Register("worker", workerConfig{}, KindObject, "mod", 1))

	// The owner reloaded: generation 2 re-declares only one section.
	require.NoError(t, reg.Register("app", appConfig{}, KindObject, "mod", 2))

	sections := reg.Sections()
	require.Len(t, sections, 1)
	assert.Equal(t, "app", sections[0].PathText())
	assert.Equal(t, uint64(2), sections[0].OwnerGeneration)
}

func TestUnregisterOwnerRemovesAllRecords(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("app", appConfig{}, KindObject, "mod", 1))
	require.NoError(t, reg.Register("worker", workerConfig{}, KindObject, "other", 1))
	version := reg.Version()

	require.NoError(t, reg.UnregisterOwner("mod"))
	sections := reg.Sections()
	require.Len(t, sections, 1)
	assert.Equal(t, "worker", sections[0].PathText())
	assert.Greater(t, reg.Version(), version)

	// Unregistering an unknown owner changes nothing.
	version = reg.Version()
	require.NoError(t, reg.UnregisterOwner("ghost"))
	assert.Equal(t, version, reg.Version())
}

func TestUnregisterOwnerGenerationIsSelective(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("app", appConfig{}, KindObject, "mod", 3))

	require.NoError(t, reg.UnregisterOwnerGeneration("mod", 2))
	assert.Len(t, reg.Sections(), 1)

	require.NoError(t, reg.UnregisterOwnerGeneration("mod", 3))
	assert.Empty(t, reg.Sections())
}

func TestCaseVariantPathsAreDistinctSections(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("APP", appConfig{}, KindObject, "mod", 1))
	require.NoError(t, reg.Register("app", workerConfig{}, KindObject, "mod", 1))
	assert.Len(t, reg.Sections(), 2)
}
