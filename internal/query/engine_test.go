package query

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastapiex/settings-go/internal/errs"
	"github.com/fastapiex/settings-go/internal/registry"
	"github.com/fastapiex/settings-go/internal/schema"
)

type appConfig struct {
	Name string `json:"name"`
	Port int    `json:"port,omitempty"`
}

type workerConfig struct {
	Queue string `json:"queue,omitempty"`
}

type sectioned interface{ isSectioned() }

func (appConfig) isSectioned()    {}
func (workerConfig) isSectioned() {}

type serviceConfig struct {
	Host string `json:"host"`
}

type fixture struct {
	snap     *schema.Snapshot
	sections []registry.Section
}

func buildFixture(t *testing.T, view map[string]any, caseSensitive bool, declare func(reg *registry.Registry) error) fixture {
	t.Helper()
	reg := registry.New()
	require.NoError(t, declare(reg))
	built, err := schema.Build(reg.Sections())
	require.NoError(t, err)
	snap, err := built.Validate(view, caseSensitive)
	require.NoError(t, err)
	return fixture{snap: snap, sections: built.Sections}
}

func pathRequest(api API, path string) Request {
	return Request{API: api, TargetPath: path, HasTarget: true}
}

func typeRequest(api API, prototype any) Request {
	return Request{API: api, TargetType: reflect.TypeOf(prototype), HasTarget: true}
}

func TestEvaluateResolvesPathTarget(t *testing.T) {
	f := buildFixture(t, map[string]any{
		"app": map[string]any{"name": "demo", "port": int64(8080)},
	}, false, func(reg *registry.Registry) error {
		return reg.Register("app", appConfig{}, registry.KindObject, "mod", 1)
	})

	value, err := Evaluate(pathRequest(APIValue, "app.name"), f.snap, f.sections, false)
	require.NoError(t, err)
	assert.Equal(t, "demo", value)

	value, err = Evaluate(pathRequest(APIValue, "app"), f.snap, f.sections, false)
	require.NoError(t, err)
	record := value.(*appConfig)
	assert.Equal(t, 8080, record.Port)
}

func TestEvaluateFieldWalksFromTarget(t *testing.T) {
	f := buildFixture(t, map[string]any{
		"app": map[string]any{"name": "demo"},
	}, false, func(reg *registry.Registry) error {
		return reg.Register("app", appConfig{}, registry.KindObject, "mod", 1)
	})

	req := pathRequest(APIValue, "app")
	req.Field = "name"
	req.HasField = true
	value, err := Evaluate(req, f.snap, f.sections, false)
	require.NoError(t, err)
	assert.Equal(t, "demo", value)
}

func TestEvaluateCasePolicy(t *testing.T) {
	exact := buildFixture(t, map[string]any{
		"APP": map[string]any{"name": "upper"},
		"app": map[string]any{"name": "lower"},
	}, true, func(reg *registry.Registry) error {
		if err := reg.Register("APP", appConfig{}, registry.KindObject, "mod", 1); err != nil {
			return err
		}
		return reg.Register("app", workerConfig{}, registry.KindObject, "mod", 1)
	})

	// Exact policy: the two spellings resolve independently.
	value, err := Evaluate(pathRequest(APIValue, "APP.name"), exact.snap, exact.sections, true)
	require.NoError(t, err)
	assert.Equal(t, "upper", value)

	// Folded policy over the same tree: the walk is ambiguous.
	_, err = Evaluate(pathRequest(APIValue, "App.name"), exact.snap, exact.sections, false)
	var miss *Miss
	assert.ErrorAs(t, err, &miss)
}

func TestEvaluateControlNamespaceAlwaysFolded(t *testing.T) {
	f := buildFixture(t, map[string]any{
		"fastapiex": map[string]any{"settings": map[string]any{"reload": "always"}},
	}, true, func(reg *registry.Registry) error { return nil })

	for _, path := range []string{"fastapiex.settings.reload", "FastAPIEx.Settings.Reload"} {
		value, err := Evaluate(pathRequest(APIValue, path), f.snap, f.sections, true)
		require.NoError(t, err, path)
		assert.Equal(t, "always", value)
	}
}

func TestEvaluateTypeTarget(t *testing.T) {
	f := buildFixture(t, map[string]any{
		"app": map[string]any{"name": "demo"},
	}, false, func(reg *registry.Registry) error {
		return reg.Register("app", appConfig{}, registry.KindObject, "mod", 1)
	})

	value, err := Evaluate(typeRequest(APIValue, appConfig{}), f.snap, f.sections, false)
	require.NoError(t, err)
	assert.Equal(t, "demo", value.(*appConfig).Name)

	// Pointer prototypes resolve to the same section.
	value, err = Evaluate(typeRequest(APIValue, &appConfig{}), f.snap, f.sections, false)
	require.NoError(t, err)
	assert.Equal(t, "demo", value.(*appConfig).Name)
}

func TestEvaluateTypeTargetMisses(t *testing.T) {
	f := buildFixture(t, map[string]any{
		"app":    map[string]any{"name": "demo"},
		"worker": map[string]any{"queue": "jobs"},
	}, false, func(reg *registry.Registry) error {
		if err := reg.Register("app", appConfig{}, registry.KindObject, "mod", 1); err != nil {
			return err
		}
		return reg.Register("worker", workerConfig{}, registry.KindObject, "mod", 1)
	})

	var miss *Miss
	_, err := Evaluate(typeRequest(APIValue, serviceConfig{}), f.snap, f.sections, false)
	require.ErrorAs(t, err, &miss)
	assert.Contains(t, miss.Reason, "did not match")

	// Both records implement the shared marker interface, so targeting it
	// is ambiguous.
	target := reflect.TypeOf((*sectioned)(nil)).Elem()
	_, err = Evaluate(Request{API: APIValue, TargetType: target, HasTarget: true}, f.snap, f.sections, false)
	require.ErrorAs(t, err, &miss)
	assert.Contains(t, miss.Reason, "matched multiple sections: app, worker")
}

func TestEvaluateMappingTargetMatchesUniqueMapSection(t *testing.T) {
	f := buildFixture(t, map[string]any{
		"services": map[string]any{"api": map[string]any{"host": "127.0.0.1"}},
	}, false, func(reg *registry.Registry) error {
		return reg.Register("services", serviceConfig{}, registry.KindMap, "mod", 1)
	})

	value, err := Evaluate(typeRequest(APIMap, map[string]any{}), f.snap, f.sections, false)
	require.NoError(t, err)
	services := value.(map[string]any)
	assert.Equal(t, "127.0.0.1", services["api"].(*serviceConfig).Host)

	req := typeRequest(APIValue, serviceConfig{})
	req.Field = "api.host"
	req.HasField = true
	host, err := Evaluate(req, f.snap, f.sections, false)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
}

func TestEvaluateMapAPIRejectsNonMapping(t *testing.T) {
	f := buildFixture(t, map[string]any{
		"app": map[string]any{"name": "demo"},
	}, false, func(reg *registry.Registry) error {
		return reg.Register("app", appConfig{}, registry.KindObject, "mod", 1)
	})

	var miss *Miss
	_, err := Evaluate(pathRequest(APIMap, "app"), f.snap, f.sections, false)
	require.ErrorAs(t, err, &miss)
	assert.Contains(t, miss.Reason, "not a mapping")
}

func TestEvaluateMissesOnAbsentTarget(t *testing.T) {
	f := buildFixture(t, map[string]any{}, false, func(reg *registry.Registry) error { return nil })

	var miss *Miss
	_, err := Evaluate(pathRequest(APIValue, "ghost.path"), f.snap, f.sections, false)
	assert.ErrorAs(t, err, &miss)

	_, err = Evaluate(Request{API: APIValue}, f.snap, f.sections, false)
	require.ErrorAs(t, err, &miss)
	assert.Contains(t, miss.Reason, "target is not provided")
}

func TestResolveDefaultEnforcesMappingForMapAPI(t *testing.T) {
	_, err := ResolveDefault(Request{API: APIMap, Default: "scalar", HasDefault: true})
	var resolveErr *errs.ResolveError
	assert.ErrorAs(t, err, &resolveErr)

	value, err := ResolveDefault(Request{API: APIMap, Default: map[string]any{"k": 1}, HasDefault: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": 1}, value)
}

func TestCacheKeyDistinguishesRequests(t *testing.T) {
	a := pathRequest(APIValue, "app.name")
	b := pathRequest(APIMap, "app.name")
	c := typeRequest(APIValue, appConfig{})
	d := a
	d.Field = "x"
	d.HasField = true

	keys := map[string]bool{
		a.CacheKey(): true,
		b.CacheKey(): true,
		c.CacheKey(): true,
		d.CacheKey(): true,
	}
	assert.Len(t, keys, 4)
}
