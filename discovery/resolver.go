// Package discovery resolves service names to a single server address and
// advertises local services, caching lookups on top of a registry.Registry.
//
// Without a cache every lookup asks the registry. With Options.CacheSize set,
// a cached entry is kept fresh by a registry watch that is opened before the
// first lookup, so a change published between the lookup and the watch is
// not lost. Entries are dropped when the service disappears, when the watch
// ends, or when the cache is full; dropping an entry stops its watch.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"

	"dotrpc/loadbalance"
	"dotrpc/registry"
)

// DefaultCacheSize is a reasonable CacheSize for clients calling many services.
const DefaultCacheSize = 128

var (
	// ErrServiceUnresolved is returned when a name has no reachable instance.
	ErrServiceUnresolved = errors.New("discovery: service unresolved")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("discovery: resolver closed")
)

type Options struct {
	Balancer  loadbalance.Balancer // Defaults to round robin
	CacheSize int                  // Services cached; 0 disables the cache
	Logger    *zap.Logger
}

// Resolver is safe for concurrent use. A server takes ownership of its
// resolver and closes it on shutdown, so clients need one of their own.
type Resolver struct {
	reg      registry.Registry
	balancer loadbalance.Balancer
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cache  *lru.Cache // name -> *entry, nil when caching is off
	closed bool
}

type entry struct {
	instances []registry.ServiceInstance
	stop      context.CancelFunc
}

func NewResolver(reg registry.Registry, opts Options) *Resolver {
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		reg:      reg,
		balancer: opts.Balancer,
		log:      opts.Logger.Named("discovery"),
		ctx:      ctx,
		cancel:   cancel,
	}
	if opts.CacheSize > 0 {
		r.cache = lru.New(opts.CacheSize)
		r.cache.OnEvicted = func(key lru.Key, value interface{}) {
			value.(*entry).stop()
		}
	}
	return r
}

// ResolveAddress returns the address of one instance of name, chosen by the
// balancer. Any failure, an empty instance list included, is reported as
// ErrServiceUnresolved.
func (r *Resolver) ResolveAddress(ctx context.Context, name string) (string, error) {
	instances, err := r.instances(ctx, name)
	if err != nil {
		return "", err
	}
	inst, err := r.balancer.Pick(instances)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrServiceUnresolved, name, err)
	}
	return inst.Addr, nil
}

func (r *Resolver) instances(ctx context.Context, name string) ([]registry.ServiceInstance, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.cache == nil {
		r.mu.Unlock()
		return r.discover(ctx, name)
	}
	if v, ok := r.cache.Get(name); ok {
		instances := v.(*entry).instances
		r.mu.Unlock()
		return instances, nil
	}
	r.mu.Unlock()

	watchCtx, stop := context.WithCancel(r.ctx)
	updates := r.reg.Watch(watchCtx, name)

	instances, err := r.discover(ctx, name)
	if err != nil {
		stop()
		return nil, err
	}

	e := &entry{instances: instances, stop: stop}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		stop()
		return nil, ErrClosed
	}
	if v, ok := r.cache.Get(name); ok {
		// Another lookup won the race; keep its watch.
		r.mu.Unlock()
		stop()
		return v.(*entry).instances, nil
	}
	r.cache.Add(name, e)
	r.mu.Unlock()

	go r.follow(name, e, updates)
	return instances, nil
}

func (r *Resolver) discover(ctx context.Context, name string) ([]registry.ServiceInstance, error) {
	instances, err := r.reg.Discover(ctx, name)
	if err != nil {
		r.log.Debug("discover failed", zap.String("service", name), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrServiceUnresolved, name, err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceUnresolved, name)
	}
	return instances, nil
}

// follow applies watch updates to e until the watch ends. An entry whose
// watch ended is no longer trusted and is dropped.
func (r *Resolver) follow(name string, e *entry, updates <-chan []registry.ServiceInstance) {
	defer func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return
		}
		if v, ok := r.cache.Get(name); ok && v.(*entry) == e {
			r.cache.Remove(name)
			r.log.Debug("watch ended", zap.String("service", name))
		}
	}()
	for instances := range updates {
		r.mu.Lock()
		v, ok := r.cache.Get(name)
		if !ok || v.(*entry) != e {
			r.mu.Unlock()
			e.stop()
			return
		}
		if len(instances) == 0 {
			r.cache.Remove(name)
			r.mu.Unlock()
			r.log.Debug("service gone", zap.String("service", name))
			return
		}
		e.instances = instances
		r.mu.Unlock()
		r.log.Debug("service updated", zap.String("service", name), zap.Int("instances", len(instances)))
	}
}

// Invalidate drops the cached instances of name.
func (r *Resolver) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed && r.cache != nil {
		r.cache.Remove(name)
	}
}

// Advertise publishes inst under name with the given ttl in seconds.
func (r *Resolver) Advertise(ctx context.Context, name string, inst registry.ServiceInstance, ttl int64) error {
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.reg.Register(ctx, name, inst, ttl); err != nil {
		return fmt.Errorf("advertise %s at %s: %w", name, inst.Addr, err)
	}
	r.log.Debug("advertised", zap.String("service", name), zap.String("addr", inst.Addr))
	return nil
}

// Withdraw removes the advertisement of name at addr.
func (r *Resolver) Withdraw(ctx context.Context, name, addr string) error {
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.reg.Deregister(ctx, name, addr); err != nil {
		return fmt.Errorf("withdraw %s at %s: %w", name, addr, err)
	}
	r.Invalidate(name)
	r.log.Debug("withdrawn", zap.String("service", name), zap.String("addr", addr))
	return nil
}

// Close stops every watch and closes the registry. Calling it again is a no-op.
func (r *Resolver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.cache != nil {
		r.cache.Clear()
	}
	r.mu.Unlock()

	r.cancel()
	return r.reg.Close()
}

func (r *Resolver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
