package hotswap

import (
	"context"
	"time"
)

// LoadContext is the isolated scope of one hot unit. It is never patched: an
// invalidated context is dropped and a new one is created on the next resolve.
type LoadContext struct {
	cache      *Cache
	definition *Definition
	createdAt  time.Time
}

func newLoadContext(cache *Cache, definition *Definition) *LoadContext {
	return &LoadContext{cache: cache, definition: definition, createdAt: time.Now().UTC()}
}

func (loadContext *LoadContext) Definition() *Definition {
	return loadContext.definition
}

func (loadContext *LoadContext) CreatedAt() time.Time {
	return loadContext.createdAt
}

// Resolve answers the context's own name from its definition and delegates every
// other name to the cache.
func (loadContext *LoadContext) Resolve(name string) (*Definition, error) {
	if NormalizeName(name) == loadContext.definition.Name {
		return loadContext.definition, nil
	}
	return loadContext.cache.Resolve(name)
}

// Resolver is what a running application uses to look up units.
type Resolver interface {
	Resolve(name string) (*Definition, error)
}

type resolverKey struct{}

// WithResolver attaches resolver to ctx, typically the application launch context.
func WithResolver(ctx context.Context, resolver Resolver) context.Context {
	return context.WithValue(ctx, resolverKey{}, resolver)
}

// ResolverFrom returns the resolver attached by WithResolver.
func ResolverFrom(ctx context.Context) (Resolver, bool) {
	if ctx == nil {
		return nil, false
	}
	resolver, ok := ctx.Value(resolverKey{}).(Resolver)
	return resolver, ok
}
