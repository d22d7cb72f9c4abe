// Package settings is a process-wide dynamic settings runtime. Applications
// declare typed sections; the runtime merges a structured file, a dotenv
// file, and the process environment under last-writer-wins with source
// priority, converges the reserved control namespace (which may redirect
// the file being read), validates the effective view against the declared
// schema, and serves typed reads by dotted path or by model type.
package settings

import (
	"reflect"
	"sync"

	"github.com/fastapiex/settings-go/internal/liveconf"
	"github.com/fastapiex/settings-go/internal/loader"
	"github.com/fastapiex/settings-go/internal/query"
	"github.com/fastapiex/settings-go/internal/rediscover"
	"github.com/fastapiex/settings-go/internal/registry"
	"github.com/fastapiex/settings-go/internal/schema"
)

// Mapping is the plain nested shape of unvalidated settings values. Passing
// it as a resolve target matches any declared map section.
type Mapping = map[string]any

// Kind distinguishes object sections from map sections.
type Kind = registry.Kind

const (
	KindObject = registry.KindObject
	KindMap    = registry.KindMap
)

// Section declares one typed schema section. Model is a prototype value
// (or reflect.Type) of the record struct; for map sections it is the
// map-element struct. Owner defaults to the static owner.
type Section struct {
	Path       string
	Model      any
	Kind       Kind
	Owner      string
	Generation uint64
}

const staticOwner = "static"

// Register declares a section with the manager's registry. Identical
// re-registrations are no-ops; failures roll back and leave every prior
// declaration resolvable.
func (m *Manager) Register(section Section) error {
	kind := section.Kind
	if kind == "" {
		kind = KindObject
	}
	owner := section.Owner
	if owner == "" {
		owner = staticOwner
	}
	return m.registry.Register(section.Path, section.Model, kind, owner, section.Generation)
}

// Declaration is one section yielded by a provider's discovery hook.
type Declaration struct {
	Path  string
	Model any
	Kind  Kind
}

// RegisterProvider installs (or replaces) a declaration owner. Its hook
// runs on the next rediscovery pass; bumping the generation re-runs it and
// drops the previous generation's sections.
func (m *Manager) RegisterProvider(key string, generation uint64, discover func() []Declaration) {
	m.providers.Put(rediscover.Provider{
		Key:        key,
		Generation: generation,
		Discover: func() []rediscover.Declaration {
			if discover == nil {
				return nil
			}
			declarations := discover()
			converted := make([]rediscover.Declaration, 0, len(declarations))
			for _, decl := range declarations {
				kind := decl.Kind
				if kind == "" {
					kind = KindObject
				}
				converted = append(converted, rediscover.Declaration{
					RawPath: decl.Path,
					Model:   decl.Model,
					Kind:    kind,
				})
			}
			return converted
		},
	})
}

// DeregisterProvider removes a declaration owner; its sections are
// forgotten on the next rediscovery pass.
func (m *Manager) DeregisterProvider(key string) {
	m.providers.Remove(key)
}

// FileState is the freshness token of a file-backed source.
type FileState = loader.FileState

// SourceSyncSpec overrides the sync behavior of one source. Nil flag
// fields keep the current value; the reader may be omitted for sources that
// already have one.
type SourceSyncSpec struct {
	Read             func() (Mapping, *FileState, error)
	SyncOnReload     *bool
	SyncOnPathSwitch *bool
}

// Source name constants accepted by RegisterSourceSync.
const (
	SourceFile   = string(liveconf.SourceFile)
	SourceDotenv = string(liveconf.SourceDotenv)
	SourceEnv    = string(liveconf.SourceEnv)
)

// Root is one immutable validated settings tree.
type Root struct {
	snap          *schema.Snapshot
	view          map[string]any
	caseSensitive bool
}

// Value walks a dotted path through the validated tree.
func (r *Root) Value(path string) (any, error) {
	value, err := query.WalkPath(r.snap.Tree, path, r.caseSensitive)
	if err != nil {
		return nil, err
	}
	if query.IsMapping(value) {
		return query.CopyMapping(value), nil
	}
	return value, nil
}

// EffectiveView returns a deep copy of the merged, reprojected mapping the
// tree was validated from.
func (r *Root) EffectiveView() Mapping {
	return liveconf.CloneMapping(r.view)
}

// ResolveOption tunes one resolve call.
type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	field      string
	hasField   bool
	def        any
	hasDefault bool
}

// Field walks an extra dotted path from the resolved target.
func Field(name string) ResolveOption {
	return func(o *resolveOptions) {
		o.field = name
		o.hasField = true
	}
}

// Default recovers a miss or a validation failure with a fallback value.
func Default(value any) ResolveOption {
	return func(o *resolveOptions) {
		o.def = value
		o.hasDefault = true
	}
}

// Resolve reads one value. The target is a dotted path string, a declared
// model type (prototype value or reflect.Type), or nil.
func (m *Manager) Resolve(target any, opts ...ResolveOption) (any, error) {
	req := buildRequest(query.APIValue, target, opts)
	value, err := m.resolveRequest(req)
	if err != nil {
		return nil, err
	}
	if query.IsMapping(value) {
		return query.CopyMapping(value), nil
	}
	return value, nil
}

// ResolveMap reads one mapping-shaped value. A non-mapping result is a
// ResolveError; a non-mapping default is rejected deterministically.
func (m *Manager) ResolveMap(target any, opts ...ResolveOption) (Mapping, error) {
	req := buildRequest(query.APIMap, target, opts)
	req.Field = ""
	req.HasField = false
	value, err := m.resolveRequest(req)
	if err != nil {
		return nil, err
	}
	return query.CopyMapping(value), nil
}

func buildRequest(api query.API, target any, opts []ResolveOption) query.Request {
	var options resolveOptions
	for _, opt := range opts {
		opt(&options)
	}

	req := query.Request{
		API:        api,
		Field:      options.field,
		HasField:   options.hasField,
		Default:    options.def,
		HasDefault: options.hasDefault,
	}
	switch t := target.(type) {
	case nil:
	case string:
		req.TargetPath = t
		req.HasTarget = true
	case reflect.Type:
		req.TargetType = t
		req.HasTarget = true
	default:
		req.TargetType = reflect.TypeOf(target)
		req.HasTarget = true
	}
	return req
}

// Ref is a reusable handle for one resolve; Get re-runs the query against
// the current state each call.
type Ref struct {
	manager *Manager
	target  any
	opts    []ResolveOption
}

func (m *Manager) NewRef(target any, opts ...ResolveOption) *Ref {
	return &Ref{manager: m, target: target, opts: opts}
}

func (r *Ref) Get() (any, error) {
	return r.manager.Resolve(r.target, r.opts...)
}

var (
	defaultManager     *Manager
	defaultManagerOnce sync.Once
)

// DefaultManager returns the process-wide manager.
func DefaultManager() *Manager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewManager()
	})
	return defaultManager
}

// Init initializes the process-wide manager against an explicit settings
// path and env prefix; empty strings fall back to environment controls.
func Init(settingsPath, envPrefix string) (*Root, error) {
	return DefaultManager().Init(settingsPath, envPrefix)
}

// Get returns the process-wide typed root, initializing implicitly.
func Get() (*Root, error) { return DefaultManager().Get() }

// Reload re-reads the reload-flagged sources of the process-wide manager.
func Reload(reason string) (*Root, error) { return DefaultManager().Reload(reason) }

// Resolve reads one value from the process-wide manager.
func Resolve(target any, opts ...ResolveOption) (any, error) {
	return DefaultManager().Resolve(target, opts...)
}

// ResolveMap reads one mapping from the process-wide manager.
func ResolveMap(target any, opts ...ResolveOption) (Mapping, error) {
	return DefaultManager().ResolveMap(target, opts...)
}

// Register declares a section with the process-wide manager.
func Register(section Section) error { return DefaultManager().Register(section) }

// RegisterSourceSync overrides a source's sync policy on the process-wide
// manager.
func RegisterSourceSync(source string, spec SourceSyncSpec) error {
	return DefaultManager().RegisterSourceSync(source, spec)
}

// NewRef builds a reusable resolve handle on the process-wide manager.
func NewRef(target any, opts ...ResolveOption) *Ref {
	return &Ref{manager: DefaultManager(), target: target, opts: opts}
}
