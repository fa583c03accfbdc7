// Package resolver fetches the option sets of dependent fields. Results are
// cached per option source and parent value, identical concurrent fetches are
// collapsed, and a Tracker hands out sequence tokens so callers can discard
// responses that arrive after the parent moved on.
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/stepwise/internal/config"
	"github.com/pitabwire/stepwise/internal/observability"
	"github.com/pitabwire/stepwise/model"
)

// Outcomes reported to the Observer.
const (
	OutcomeHit   = "hit"
	OutcomeMiss  = "miss"
	OutcomeError = "error"
	OutcomeStale = "stale"
)

// Observer receives resolution outcomes. *observability.Metrics satisfies it.
type Observer interface {
	OptionsResolved(optionsKey, outcome string)
}

type nopObserver struct{}

func (nopObserver) OptionsResolved(string, string) {}

// Option configures a Resolver.
type Option func(*Resolver)

// WithObserver reports outcomes to o.
func WithObserver(o Observer) Option {
	return func(r *Resolver) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// Resolver resolves option sources to option sets. It is safe for concurrent
// use.
type Resolver struct {
	invoker      model.OperationInvoker
	defaultTTL   time.Duration
	fetchTimeout time.Duration
	maxEntries   int
	observer     Observer
	logger       *zap.Logger
	now          func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	set       model.OptionSet
	expiresAt time.Time
}

// New creates a Resolver that fetches through inv.
func New(inv model.OperationInvoker, cfg config.ResolverConfig, opts ...Option) *Resolver {
	r := &Resolver{
		invoker:      inv,
		defaultTTL:   cfg.CacheTTL,
		fetchTimeout: cfg.FetchTimeout,
		maxEntries:   cfg.MaxEntries,
		observer:     nopObserver{},
		logger:       zap.NewNop(),
		now:          time.Now,
		cache:        make(map[string]cacheEntry),
	}
	if r.defaultTTL <= 0 {
		r.defaultTTL = 5 * time.Minute
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = 5 * time.Second
	}
	if r.maxEntries <= 0 {
		r.maxEntries = 1000
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the option set of src for parentValue. Static sources are
// returned as declared. Remote results come from the cache while fresh;
// otherwise one fetch per key is in flight at a time and every concurrent
// caller shares its result. The fetch runs detached from ctx so a cancelled
// caller does not fail the others; ctx only bounds how long this caller waits.
//
// Failures are returned as DEPENDENT_FETCH_FAILED envelopes.
func (r *Resolver) Resolve(ctx context.Context, rctx *model.RequestContext, src model.OptionSourceDefinition, parentValue string) (model.OptionSet, error) {
	if src.Operation == nil {
		return model.OptionSet{
			ParentValue: parentValue,
			Options:     src.Static,
			FetchedAt:   r.now(),
		}, nil
	}

	key := cacheKey(src, rctx, parentValue)
	if set, ok := r.getFromCache(key); ok {
		r.observer.OptionsResolved(src.Key, OutcomeHit)
		r.logger.Debug("resolver: cache hit", zap.String("options_key", src.Key), zap.String("parent", parentValue))
		return set, nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()

		set, err := r.fetch(fetchCtx, rctx, src, parentValue)
		if err != nil {
			return model.OptionSet{}, err
		}
		r.putInCache(key, set, r.ttl(src))
		return set, nil
	})

	select {
	case <-ctx.Done():
		return model.OptionSet{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			r.observer.OptionsResolved(src.Key, OutcomeError)
			return model.OptionSet{}, model.NewDependentFetchError(src.Key, res.Err.Error())
		}
		r.observer.OptionsResolved(src.Key, OutcomeMiss)
		return res.Val.(model.OptionSet), nil
	}
}

// Invalidate drops every cached set of an option source.
func (r *Resolver) Invalidate(optionsKey string) {
	prefix := "options:" + optionsKey + ":"
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(r.cache, k)
		}
	}
}

// CacheLen returns the number of cached sets.
func (r *Resolver) CacheLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) fetch(ctx context.Context, rctx *model.RequestContext, src model.OptionSourceDefinition, parentValue string) (model.OptionSet, error) {
	ctx, span := observability.StartSpan(ctx, "resolver.fetch",
		observability.AttrOptionsKey.String(src.Key),
	)

	input := model.InvocationInput{}
	if parentValue != "" {
		param := src.ParentParam
		if param == "" {
			param = "id"
		}
		if src.ParentIn == "query" {
			input.QueryParams = map[string]string{param: parentValue}
		} else {
			input.PathParams = map[string]string{param: parentValue}
		}
	}

	result, err := r.invoker.Invoke(ctx, rctx, *src.Operation, input)
	if err == nil && !result.OK() {
		err = fmt.Errorf("backend returned status %d", result.StatusCode)
	}
	if err != nil {
		observability.EndSpanWithError(span, err)
		r.logger.Warn("resolver: dependent fetch failed",
			zap.String("options_key", src.Key),
			zap.String("parent", parentValue),
			zap.Error(err),
		)
		return model.OptionSet{}, err
	}

	options, err := ExtractOptions(responseBytes(result), src)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return model.OptionSet{}, err
	}
	return model.OptionSet{
		ParentValue: parentValue,
		Options:     options,
		FetchedAt:   r.now(),
	}, nil
}

func (r *Resolver) ttl(src model.OptionSourceDefinition) time.Duration {
	if src.Cache != nil && src.Cache.TTL != "" {
		if parsed, err := time.ParseDuration(src.Cache.TTL); err == nil {
			return parsed
		}
	}
	return r.defaultTTL
}

// cacheKey scopes entries to the option source, the parent value and the
// tenant. Sources opt into "partition" or "global" through cache.scope.
func cacheKey(src model.OptionSourceDefinition, rctx *model.RequestContext, parentValue string) string {
	scope := "tenant"
	if src.Cache != nil && src.Cache.Scope != "" {
		scope = src.Cache.Scope
	}
	if rctx == nil {
		scope = "global"
	}
	switch scope {
	case "tenant":
		return fmt.Sprintf("options:%s:%s|t=%s", src.Key, parentValue, rctx.TenantID)
	case "partition":
		return fmt.Sprintf("options:%s:%s|t=%s|p=%s", src.Key, parentValue, rctx.TenantID, rctx.PartitionID)
	default:
		return fmt.Sprintf("options:%s:%s", src.Key, parentValue)
	}
}

func (r *Resolver) getFromCache(key string) (model.OptionSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.cache[key]
	if !ok || r.now().After(entry.expiresAt) {
		return model.OptionSet{}, false
	}
	return entry.set, true
}

func (r *Resolver) putInCache(key string, set model.OptionSet, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.cache) >= r.maxEntries {
		r.evict()
	}
	r.cache[key] = cacheEntry{set: set, expiresAt: r.now().Add(ttl)}
}

// evict removes expired entries, then the entry closest to expiry if the
// cache is still full. Must be called with mu held.
func (r *Resolver) evict() {
	now := r.now()
	var oldestKey string
	var oldest time.Time
	for k, v := range r.cache {
		if now.After(v.expiresAt) {
			delete(r.cache, k)
			continue
		}
		if oldestKey == "" || v.expiresAt.Before(oldest) {
			oldestKey, oldest = k, v.expiresAt
		}
	}
	if len(r.cache) >= r.maxEntries && oldestKey != "" {
		delete(r.cache, oldestKey)
	}
}
