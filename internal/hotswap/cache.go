// Package hotswap keeps the hot-swappable units of a running application.
//
// Names under a hot prefix get their own LoadContext holding exactly one
// definition read from disk. Invalidation drops the context; the next Resolve
// builds a fresh one from whatever the compiler left on disk. Every other name
// resolves once through the shared scope and stays resolved for the life of the
// cache.
package hotswap

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"livecode/internal/logging"
	"livecode/internal/metrics"
)

const (
	ScopeShared = "shared"
	ScopeHot    = "hot"
)

var ErrNotFound = errors.New("unit not found")

// Definition is an immutable loaded unit.
type Definition struct {
	Name       string
	Bytes      []byte
	Digest     [sha256.Size]byte
	Source     string
	LoadedAt   time.Time
	Generation uint64
	Scope      string
}

// Locator maps a unit name to the file holding its compiled form.
type Locator interface {
	Locate(name string) (string, error)
}

type Options struct {
	Locator     Locator
	FS          afero.Fs
	HotPrefixes []string
	Logger      *logging.Logger
	Metrics     *metrics.Registry
}

type Stats struct {
	LiveContexts  int
	SharedUnits   int
	Loads         uint64
	Invalidations uint64
}

type Cache struct {
	locator     Locator
	fs          afero.Fs
	hotPrefixes []string
	logger      *logging.Logger
	metrics     *metrics.Registry

	mutex    sync.RWMutex
	contexts map[string]*LoadContext
	shared   map[string]*Definition
	// nameEpochs and broadEpoch move on every invalidation so a load that started
	// before one can tell it must not be cached.
	nameEpochs map[string]uint64
	broadEpoch uint64

	loads         singleflight.Group
	generation    atomic.Uint64
	loadCount     atomic.Uint64
	invalidations atomic.Uint64
}

func NewCache(options Options) *Cache {
	fs := options.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Cache{
		locator:     options.Locator,
		fs:          fs,
		hotPrefixes: normalizePrefixes(options.HotPrefixes),
		logger:      logger.With(map[string]string{"component": "hotswap"}),
		metrics:     options.Metrics,
		contexts:    make(map[string]*LoadContext),
		shared:      make(map[string]*Definition),
		nameEpochs:  make(map[string]uint64),
	}
}

// HotPrefixes returns the normalized prefixes naming hot units.
func (cache *Cache) HotPrefixes() []string {
	return append([]string(nil), cache.hotPrefixes...)
}

// IsHot reports whether name is served from a LoadContext. With no hot prefixes
// configured every name is hot.
func (cache *Cache) IsHot(name string) bool {
	if len(cache.hotPrefixes) == 0 {
		return true
	}
	name = NormalizeName(name)
	for _, prefix := range cache.hotPrefixes {
		if hasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Resolve returns the current definition of name.
func (cache *Cache) Resolve(name string) (*Definition, error) {
	name = NormalizeName(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrNotFound)
	}
	if cache.IsHot(name) {
		context, err := cache.ResolveContext(name)
		if err != nil {
			return nil, err
		}
		return context.Definition(), nil
	}
	return cache.resolveShared(name)
}

// ResolveContext returns the live LoadContext of a hot name, creating it from disk
// when none is live.
func (cache *Cache) ResolveContext(name string) (*LoadContext, error) {
	name = NormalizeName(name)
	if !cache.IsHot(name) {
		return nil, fmt.Errorf("%s is not a hot unit", name)
	}

	cache.mutex.RLock()
	context, ok := cache.contexts[name]
	nameEpoch, broadEpoch := cache.nameEpochs[name], cache.broadEpoch
	cache.mutex.RUnlock()
	if ok {
		cache.metrics.IncResolve(ScopeHot, "hit")
		return context, nil
	}

	// A caller arriving after an invalidation must not join a load that began before it.
	key := ScopeHot + ":" + name + "@" + strconv.FormatUint(nameEpoch, 10) + "/" + strconv.FormatUint(broadEpoch, 10)
	value, err, _ := cache.loads.Do(key, func() (any, error) {
		cache.mutex.RLock()
		existing, ok := cache.contexts[name]
		cache.mutex.RUnlock()
		if ok {
			return existing, nil
		}

		definition, err := cache.load(name, ScopeHot)
		if err != nil {
			return nil, err
		}
		loaded := newLoadContext(cache, definition)

		cache.mutex.Lock()
		defer cache.mutex.Unlock()
		if cache.nameEpochs[name] != nameEpoch || cache.broadEpoch != broadEpoch {
			cache.logger.Debug("load raced invalidation, not cached", map[string]string{"unit": name})
			return loaded, nil
		}
		if existing, ok := cache.contexts[name]; ok {
			return existing, nil
		}
		cache.contexts[name] = loaded
		cache.metrics.SetLiveContexts(len(cache.contexts))
		return loaded, nil
	})
	if err != nil {
		cache.metrics.IncResolve(ScopeHot, "error")
		return nil, err
	}
	cache.metrics.IncResolve(ScopeHot, "load")
	return value.(*LoadContext), nil
}

func (cache *Cache) resolveShared(name string) (*Definition, error) {
	cache.mutex.RLock()
	definition, ok := cache.shared[name]
	cache.mutex.RUnlock()
	if ok {
		cache.metrics.IncResolve(ScopeShared, "hit")
		return definition, nil
	}

	value, err, _ := cache.loads.Do(ScopeShared+":"+name, func() (any, error) {
		loaded, err := cache.load(name, ScopeShared)
		if err != nil {
			return nil, err
		}
		cache.mutex.Lock()
		defer cache.mutex.Unlock()
		if existing, ok := cache.shared[name]; ok {
			return existing, nil
		}
		cache.shared[name] = loaded
		return loaded, nil
	})
	if err != nil {
		cache.metrics.IncResolve(ScopeShared, "error")
		return nil, err
	}
	cache.metrics.IncResolve(ScopeShared, "load")
	return value.(*Definition), nil
}

func (cache *Cache) load(name, scope string) (*Definition, error) {
	if cache.locator == nil {
		return nil, fmt.Errorf("%w: %s (no locator)", ErrNotFound, name)
	}
	path, err := cache.locator.Locate(name)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(cache.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cache.loadCount.Add(1)
	return &Definition{
		Name:       name,
		Bytes:      data,
		Digest:     sha256.Sum256(data),
		Source:     path,
		LoadedAt:   time.Now().UTC(),
		Generation: cache.generation.Add(1),
		Scope:      scope,
	}, nil
}

// Invalidate drops the LoadContexts of the given names. Names without a live
// context and shared names are ignored. It returns how many contexts were dropped.
func (cache *Cache) Invalidate(names ...string) int {
	if len(names) == 0 {
		return 0
	}
	cache.mutex.Lock()
	dropped := 0
	for _, name := range names {
		name = NormalizeName(name)
		if name == "" {
			continue
		}
		cache.nameEpochs[name]++
		if _, ok := cache.contexts[name]; ok {
			delete(cache.contexts, name)
			dropped++
		}
	}
	live := len(cache.contexts)
	cache.mutex.Unlock()
	cache.recordInvalidation("name", dropped, live)
	return dropped
}

// InvalidateByPrefix drops every LoadContext whose name falls under prefix.
func (cache *Cache) InvalidateByPrefix(prefix string) int {
	prefix = strings.TrimSuffix(NormalizeName(prefix), ".")
	if prefix == "" {
		return 0
	}
	cache.mutex.Lock()
	cache.broadEpoch++
	dropped := 0
	for name := range cache.contexts {
		if hasPrefix(name, prefix) {
			delete(cache.contexts, name)
			dropped++
		}
	}
	live := len(cache.contexts)
	cache.mutex.Unlock()
	cache.recordInvalidation("prefix", dropped, live)
	return dropped
}

// InvalidateAll drops every LoadContext. The shared scope is kept.
func (cache *Cache) InvalidateAll() int {
	cache.mutex.Lock()
	cache.broadEpoch++
	dropped := len(cache.contexts)
	cache.contexts = make(map[string]*LoadContext)
	cache.mutex.Unlock()
	cache.recordInvalidation("all", dropped, 0)
	return dropped
}

func (cache *Cache) recordInvalidation(kind string, dropped, live int) {
	cache.invalidations.Add(uint64(dropped))
	cache.metrics.AddInvalidations(kind, dropped)
	cache.metrics.SetLiveContexts(live)
	if dropped > 0 {
		cache.logger.Debug("invalidated", map[string]string{
			"kind":    kind,
			"dropped": strconv.Itoa(dropped),
		})
	}
}

// LiveNames lists the names that currently have a LoadContext.
func (cache *Cache) LiveNames() []string {
	cache.mutex.RLock()
	names := make([]string, 0, len(cache.contexts))
	for name := range cache.contexts {
		names = append(names, name)
	}
	cache.mutex.RUnlock()
	sort.Strings(names)
	return names
}

func (cache *Cache) Stats() Stats {
	cache.mutex.RLock()
	defer cache.mutex.RUnlock()
	return Stats{
		LiveContexts:  len(cache.contexts),
		SharedUnits:   len(cache.shared),
		Loads:         cache.loadCount.Load(),
		Invalidations: cache.invalidations.Load(),
	}
}
