package settings

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/fastapiex/settings-go/internal/controls"
	"github.com/fastapiex/settings-go/internal/envkey"
	"github.com/fastapiex/settings-go/internal/errs"
	"github.com/fastapiex/settings-go/internal/liveconf"
	"github.com/fastapiex/settings-go/internal/loader"
	"github.com/fastapiex/settings-go/internal/projection"
	"github.com/fastapiex/settings-go/internal/query"
	"github.com/fastapiex/settings-go/internal/rediscover"
	"github.com/fastapiex/settings-go/internal/registry"
	"github.com/fastapiex/settings-go/internal/schema"
	"github.com/fastapiex/settings-go/internal/sourcesync"
)

// Manager is the single entry point of the settings runtime: it owns the
// layered store, the registry, the convergence loop, and the validated
// snapshot, all under one mutex.
type Manager struct {
	mu sync.Mutex

	logger  *log.Logger
	workdir string
	fs      afero.Fs
	environ func() []string
	loader  *loader.Loader

	registry    *registry.Registry
	providers   *rediscover.ProviderSet
	rediscovery *rediscover.Rediscovery
	sourceSync  *sourcesync.Coordinator

	source *Source
	store  *liveconf.Store

	built         *schema.Built
	schemaVersion uint64

	snapshot        *schema.Snapshot
	snapshotView    map[string]any
	snapshotVersion uint64

	missCache        map[string]missMarker
	fallbackWarnings map[string]struct{}
}

type missMarker struct {
	registryVersion  uint64
	ownerFingerprint uint64
}

// Option customizes a Manager, mainly so tests can construct isolated
// instances against an in-memory filesystem and a synthetic environment.
type Option func(*Manager)

func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithFs(fs afero.Fs) Option {
	return func(m *Manager) { m.fs = fs }
}

func WithEnviron(environ func() []string) Option {
	return func(m *Manager) { m.environ = environ }
}

func WithWorkingDir(dir string) Option {
	return func(m *Manager) { m.workdir = dir }
}

// NewManager builds an isolated settings runtime with the default source
// sync policy: the file source syncs on reload and on path switches, dotenv
// and env are seeded at startup only.
func NewManager(opts ...Option) *Manager {
	workdir, err := os.Getwd()
	if err != nil {
		workdir = "."
	}
	m := &Manager{
		logger:           log.Default(),
		workdir:          workdir,
		registry:         registry.New(),
		providers:        rediscover.NewProviderSet(),
		rediscovery:      rediscover.New(),
		sourceSync:       sourcesync.New(),
		missCache:        map[string]missMarker{},
		fallbackWarnings: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.loader = loader.New(m.fs, m.environ)

	boolPtr := func(b bool) *bool { return &b }
	mustRegister := func(source liveconf.Source, update sourcesync.Update) {
		if err := m.sourceSync.Register(source, update); err != nil {
			panic(err)
		}
	}
	mustRegister(liveconf.SourceFile, sourcesync.Update{
		Read:             m.readFileSnapshot,
		SyncOnReload:     boolPtr(true),
		SyncOnPathSwitch: boolPtr(true),
	})
	mustRegister(liveconf.SourceDotenv, sourcesync.Update{Read: m.readDotenvSnapshot})
	mustRegister(liveconf.SourceEnv, sourcesync.Update{Read: m.readEnvSnapshot})
	return m
}

// Init resolves the source explicitly and performs a full sync. Calling it
// again with a conflicting source is an error: the source is a
// process-global singleton.
func (m *Manager) Init(settingsPath, envPrefix string) (*Root, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	source, err := m.resolveSourceLocked(settingsPath, envPrefix)
	if err != nil {
		return nil, err
	}

	if m.source != nil && *m.source != source {
		return nil, errs.Configurationf(
			"settings source is already initialized with a different source (current=%+v, requested=%+v)",
			*m.source, source)
	}

	m.source = &source
	if !m.rediscovery.Initialized() {
		m.rediscovery.SetSnapshot(m.providers.Snapshot())
	}
	if err := m.prepareRuntimeLocked(prepareSpec{
		reason:       "init",
		sourceSync:   sourcesync.ModeFull,
		forceRefresh: true,
	}); err != nil {
		return nil, err
	}
	return m.activeRootLocked()
}

// Get returns the current typed root, initializing implicitly from the
// environment when no explicit Init happened.
func (m *Manager) Get() (*Root, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.prepareRuntimeLocked(prepareSpec{
		reason:           "get",
		implicitInit:     true,
		sourceSync:       sourcesync.ModeAuto,
		rediscoverOwners: true,
	}); err != nil {
		return nil, err
	}
	return m.activeRootLocked()
}

// Reload re-reads the reload-flagged sources and refreshes unconditionally.
func (m *Manager) Reload(reason string) (*Root, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.prepareRuntimeLocked(prepareSpec{
		reason:       "reload:" + reason,
		sourceSync:   sourcesync.ModeReload,
		forceRefresh: true,
	}); err != nil {
		return nil, err
	}
	root, err := m.activeRootLocked()
	if err != nil {
		return nil, err
	}
	m.logger.Printf("settings reloaded reason=%s", reason)
	return root, nil
}

// CurrentSource reports the resolved source, if any.
func (m *Manager) CurrentSource() (Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.source == nil {
		return Source{}, false
	}
	return *m.source, true
}

// RegisterSourceSync overrides the sync policy of one source.
func (m *Manager) RegisterSourceSync(source string, spec SourceSyncSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	update := sourcesync.Update{
		SyncOnReload:     spec.SyncOnReload,
		SyncOnPathSwitch: spec.SyncOnPathSwitch,
	}
	if spec.Read != nil {
		read := spec.Read
		update.Read = func() (map[string]any, *loader.FileState, error) {
			return read()
		}
	}
	return m.sourceSync.Register(liveconf.Source(source), update)
}

type prepareSpec struct {
	reason           string
	implicitInit     bool
	sourceSync       sourcesync.Mode
	forceRefresh     bool
	rediscoverOwners bool
}

// prepareRuntimeLocked is the ordered heart of every public entry: ensure a
// source, sync sources per policy, converge the control plane, rediscover
// owners, refresh the snapshot.
func (m *Manager) prepareRuntimeLocked(spec prepareSpec) error {
	if err := m.ensureSourceLocked(spec.implicitInit); err != nil {
		return err
	}

	sourceChanged, err := m.syncSourcesLocked(spec.sourceSync)
	if err != nil {
		return err
	}

	controlsChanged := false
	if spec.forceRefresh || sourceChanged || m.snapshot == nil {
		controlsChanged, err = m.convergeControlsLocked()
		if err != nil {
			return err
		}
	}

	ownersChanged := false
	if spec.rediscoverOwners {
		ownersChanged, err = m.maybeRediscoverLocked()
		if err != nil {
			return err
		}
	}

	return m.refreshLocked(spec.reason,
		spec.forceRefresh || sourceChanged || controlsChanged || ownersChanged)
}

func (m *Manager) ensureSourceLocked(implicit bool) error {
	if m.source != nil {
		return nil
	}
	if !implicit {
		return errs.Configurationf("settings are not initialized")
	}

	source, err := m.resolveSourceLocked("", "")
	if err != nil {
		return err
	}
	m.source = &source
	m.rediscovery.SetSnapshot(m.providers.Snapshot())

	store, _, err := m.sourceSync.ReloadAll(m.store)
	m.store = store
	if err != nil {
		return err
	}
	m.logger.Printf("settings initialized implicitly source=%+v", source)
	return nil
}

// resolveSourceLocked builds the initial source from explicit overrides plus
// the control keys visible in the raw process environment.
func (m *Manager) resolveSourceLocked(settingsPath, envPrefix string) (Source, error) {
	control := controls.ReadControl(m.envControlsSnapshot(), m.logger)
	return m.buildSource(control, m.normalizeOverridePath(settingsPath, false), envPrefix, "")
}

// envControlsSnapshot parses the full environment with no prefix under the
// folded policy, yielding the nested view the control resolver reads.
func (m *Manager) envControlsSnapshot() map[string]any {
	overrides := map[string]any{}
	for key, value := range m.loader.LoadEnviron() {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		parts := envkey.KeyToParts(key, "", false)
		if parts == nil {
			continue
		}
		envkey.SetNested(overrides, parts, envkey.ParseScalar(raw))
	}
	return overrides
}

func (m *Manager) syncSourcesLocked(mode sourcesync.Mode) (bool, error) {
	store, changed, err := m.sourceSync.SyncForMode(mode, m.source.ReloadMode, m.store)
	if store != nil {
		m.store = store
	}
	return changed, err
}

// convergeControlsLocked runs the control-plane fixed-point loop, switching
// the file source on settings-path redirects until the controls stabilize.
func (m *Manager) convergeControlsLocked() (bool, error) {
	if m.store == nil {
		return false, errs.Configurationf("live config store is not initialized")
	}

	var convErr error
	result, changed := controls.ConvergeSource(
		*m.source,
		func(s Source) string { return s.SettingsPath },
		func() map[string]any {
			return projection.ControlView(m.store.Entries())
		},
		func(view map[string]any) Source {
			control := controls.ReadControl(view, m.logger)
			next, err := m.buildSource(control, "", "", m.source.SettingsPath)
			if err != nil {
				convErr = err
				return *m.source
			}
			return next
		},
		func(next Source) {
			m.source = &next
			if _, err := m.sourceSync.SyncPathSwitch(m.store); err != nil && convErr == nil {
				convErr = err
			}
		},
		func(next Source, stablePath string) Source {
			next.SettingsPath = stablePath
			return next
		},
		m.logger,
	)
	if convErr != nil {
		return false, convErr
	}
	m.source = &result
	return changed, nil
}

func (m *Manager) maybeRediscoverLocked() (bool, error) {
	changed, err := m.rediscovery.MaybeRediscover(m.providers, m.registry)
	if err != nil {
		return false, err
	}
	if changed {
		m.missCache = map[string]missMarker{}
	}
	return changed, nil
}

func (m *Manager) rediscoverDeltaLocked() error {
	changed, err := m.rediscovery.RediscoverDelta(m.providers, m.registry, nil)
	if err != nil {
		return err
	}
	if changed {
		m.missCache = map[string]missMarker{}
	}
	return nil
}

// refreshLocked rebuilds the schema when the registry moved and revalidates
// the effective view when anything observable changed.
func (m *Manager) refreshLocked(reason string, force bool) error {
	if m.store == nil {
		return errs.Configurationf("live config store is not initialized")
	}

	registryVersion := m.registry.Version()
	schemaOutdated := m.built == nil || registryVersion != m.schemaVersion
	liveVersion := m.store.Version()
	liveOutdated := liveVersion != m.snapshotVersion
	if !force && !schemaOutdated && !liveOutdated && m.snapshot != nil {
		return nil
	}

	if schemaOutdated {
		built, err := schema.Build(m.registry.Sections())
		if err != nil {
			return err
		}
		m.built = built
		m.schemaVersion = registryVersion
	}

	view := projection.EffectiveView(m.store.Entries(), m.source.EnvPrefix, m.source.CaseSensitive)
	snapshot, err := m.built.Validate(view, m.source.CaseSensitive)
	if err != nil {
		return err
	}

	m.snapshot = snapshot
	m.snapshotView = view
	m.snapshotVersion = liveVersion
	m.logger.Printf("settings refreshed reason=%s registry_version=%d live_version=%d",
		reason, registryVersion, liveVersion)
	return nil
}

func (m *Manager) activeRootLocked() (*Root, error) {
	if m.snapshot == nil {
		return nil, errs.Configurationf("settings snapshot is not initialized")
	}
	return &Root{
		snap:          m.snapshot,
		view:          m.snapshotView,
		caseSensitive: m.source.CaseSensitive,
	}, nil
}

type resolveAttempt struct {
	ok         bool
	value      any
	miss       *query.Miss
	validation *errs.ValidationError
}

// resolveRequest is the two-phase resolve loop: try once, and on a miss or
// validation failure consult the miss cache before paying for an owner
// rediscovery and a retry. Success evicts the cache entry; a retry miss
// updates it.
func (m *Manager) resolveRequest(req query.Request) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt, err := m.attemptResolveLocked(req, "resolve:registered", true)
	if err != nil {
		return nil, err
	}
	if attempt.ok {
		return attempt.value, nil
	}

	cacheKey := req.CacheKey()
	miss := attempt.miss
	validation := attempt.validation

	if !m.shouldSkipRediscoveryLocked(cacheKey) {
		if err := m.rediscoverDeltaLocked(); err != nil {
			return nil, err
		}
		retry, err := m.attemptResolveLocked(req, "resolve:rediscover", false)
		if err != nil {
			return nil, err
		}
		if retry.ok {
			delete(m.missCache, cacheKey)
			return retry.value, nil
		}
		if retry.miss != nil {
			miss = retry.miss
			m.missCache[cacheKey] = missMarker{
				registryVersion:  m.registry.Version(),
				ownerFingerprint: m.rediscovery.FingerprintValue(),
			}
		}
		if retry.validation != nil {
			validation = retry.validation
		}
	}

	return m.finalizeResolveFailureLocked(req, miss, validation)
}

func (m *Manager) attemptResolveLocked(req query.Request, reason string, rediscoverOwners bool) (resolveAttempt, error) {
	err := m.prepareRuntimeLocked(prepareSpec{
		reason:           reason,
		implicitInit:     true,
		sourceSync:       sourcesync.ModeAuto,
		rediscoverOwners: rediscoverOwners,
	})
	if err != nil {
		var validation *errs.ValidationError
		if errors.As(err, &validation) {
			return resolveAttempt{validation: validation}, nil
		}
		return resolveAttempt{}, err
	}

	value, err := query.Evaluate(req, m.snapshot, m.registry.Sections(), m.source.CaseSensitive)
	if err != nil {
		var miss *query.Miss
		if errors.As(err, &miss) {
			return resolveAttempt{miss: miss}, nil
		}
		var validation *errs.ValidationError
		if errors.As(err, &validation) {
			return resolveAttempt{validation: validation}, nil
		}
		return resolveAttempt{}, err
	}
	return resolveAttempt{ok: true, value: value}, nil
}

func (m *Manager) shouldSkipRediscoveryLocked(cacheKey string) bool {
	marker, ok := m.missCache[cacheKey]
	if !ok {
		return false
	}
	return marker == missMarker{
		registryVersion:  m.registry.Version(),
		ownerFingerprint: m.rediscovery.FingerprintValue(),
	}
}

func (m *Manager) finalizeResolveFailureLocked(req query.Request, miss *query.Miss, validation *errs.ValidationError) (any, error) {
	if req.HasDefault {
		if validation != nil {
			m.warnValidationFallbackOnceLocked(req, validation)
		}
		return query.ResolveDefault(req)
	}

	if validation != nil {
		return nil, validation
	}
	if miss != nil {
		return nil, errs.WrapResolve(miss)
	}
	return nil, errs.Resolvef("settings value could not be resolved")
}

// warnValidationFallbackOnceLocked emits at most one warning per distinct
// (settings path, request, error) signature.
func (m *Manager) warnValidationFallbackOnceLocked(req query.Request, validation *errs.ValidationError) {
	path := ""
	if m.source != nil {
		path = m.source.SettingsPath
	}
	key := fmt.Sprintf("%s|%s|%T|%s", path, req.CacheKey(), validation, validation.Error())
	if _, seen := m.fallbackWarnings[key]; seen {
		return
	}
	m.fallbackWarnings[key] = struct{}{}
	m.logger.Printf("warning: settings validation failed; falling back to default request=%s error=%v",
		req.CacheKey(), validation)
}

func (m *Manager) readFileSnapshot() (map[string]any, *loader.FileState, error) {
	path := m.source.SettingsPath
	payload, err := m.loader.LoadSettingsFile(path)
	return payload, m.loader.FileStateFor(path), err
}

func (m *Manager) readDotenvSnapshot() (map[string]any, *loader.FileState, error) {
	dir := filepath.Dir(m.source.SettingsPath)
	return m.loader.LoadDotenv(dir), m.loader.DotenvStateFor(dir), nil
}

func (m *Manager) readEnvSnapshot() (map[string]any, *loader.FileState, error) {
	return m.loader.LoadEnviron(), nil, nil
}
