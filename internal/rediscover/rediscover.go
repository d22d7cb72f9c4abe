// Package rediscover tracks declaration owners. An owner is any identity
// with a stable key and a monotonic generation; rediscovery operates on
// deltas of that pair, re-running discovery hooks for added or reloaded
// owners and forgetting removed ones.
package rediscover

import (
	"hash/fnv"
	"sort"
	"strconv"
	"sync"

	"github.com/fastapiex/settings-go/internal/registry"
)

// Declaration is one section yielded by an owner's discovery hook.
type Declaration struct {
	RawPath string
	Model   any
	Kind    registry.Kind
}

// Provider is a live declaration owner.
type Provider struct {
	Key        string
	Generation uint64
	Discover   func() []Declaration
}

// ProviderSet is the live owner set, mutated by the application.
type ProviderSet struct {
	mu        sync.Mutex
	providers map[string]Provider
}

func NewProviderSet() *ProviderSet {
	return &ProviderSet{providers: map[string]Provider{}}
}

func (s *ProviderSet) Put(provider Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[provider.Key] = provider
}

func (s *ProviderSet) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providers, key)
}

func (s *ProviderSet) Get(key string) (Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	provider, ok := s.providers[key]
	return provider, ok
}

// Snapshot captures key → generation for the whole set.
func (s *ProviderSet) Snapshot() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]uint64, len(s.providers))
	for key, provider := range s.providers {
		snapshot[key] = provider.Generation
	}
	return snapshot
}

// Fingerprint hashes a snapshot; distinct sets produce distinct values.
func Fingerprint(snapshot map[string]uint64) uint64 {
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, key := range keys {
		h.Write([]byte(key))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatUint(snapshot[key], 10)))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// Rediscovery holds the last accepted owner snapshot.
type Rediscovery struct {
	snapshot    map[string]uint64
	fingerprint uint64
	initialized bool
}

func New() *Rediscovery {
	return &Rediscovery{snapshot: map[string]uint64{}}
}

func (r *Rediscovery) Snapshot() map[string]uint64 { return r.snapshot }
func (r *Rediscovery) FingerprintValue() uint64    { return r.fingerprint }
func (r *Rediscovery) Initialized() bool           { return r.initialized }

func (r *Rediscovery) SetSnapshot(snapshot map[string]uint64) {
	copied := make(map[string]uint64, len(snapshot))
	for key, generation := range snapshot {
		copied[key] = generation
	}
	r.snapshot = copied
	r.fingerprint = Fingerprint(copied)
	r.initialized = true
}

// MaybeRediscover compares the live set against the snapshot and applies
// the delta when they differ. Reports whether anything was applied.
func (r *Rediscovery) MaybeRediscover(live *ProviderSet, reg *registry.Registry) (bool, error) {
	current := live.Snapshot()
	if snapshotsEqual(current, r.snapshot) {
		return false, nil
	}
	if _, err := r.RediscoverDelta(live, reg, current); err != nil {
		return false, err
	}
	return true, nil
}

// RediscoverDelta unregisters removed owners and stale generations, runs
// discovery for added and changed owners, and replaces the snapshot.
// Reports whether the registry version advanced.
func (r *Rediscovery) RediscoverDelta(live *ProviderSet, reg *registry.Registry, current map[string]uint64) (bool, error) {
	if current == nil {
		current = live.Snapshot()
	}
	if !r.initialized {
		r.SetSnapshot(current)
		return false, nil
	}

	before := reg.Version()
	previous := r.snapshot

	var added, removed, changed []string
	for key := range previous {
		if _, ok := current[key]; !ok {
			removed = append(removed, key)
		}
	}
	for key, generation := range current {
		old, ok := previous[key]
		if !ok {
			added = append(added, key)
		} else if old != generation {
			changed = append(changed, key)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)

	for _, key := range removed {
		if err := reg.UnregisterOwner(key); err != nil {
			return false, err
		}
	}
	for _, key := range changed {
		if err := reg.UnregisterOwnerGeneration(key, previous[key]); err != nil {
			return false, err
		}
	}
	for _, key := range append(added, changed...) {
		provider, ok := live.Get(key)
		if !ok || provider.Discover == nil {
			continue
		}
		for _, decl := range provider.Discover() {
			if err := reg.Register(decl.RawPath, decl.Model, decl.Kind, provider.Key, provider.Generation); err != nil {
				return false, err
			}
		}
	}

	r.SetSnapshot(current)
	return reg.Version() != before, nil
}

func snapshotsEqual(a, b map[string]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for key, generation := range a {
		if other, ok := b[key]; !ok || other != generation {
			return false
		}
	}
	return true
}
