package registry

import (
	"context"
	"sync"
)

// MemoryRegistry keeps instances in process memory. It has no expiry, so the
// ttl passed to Register is ignored. Close has no connection to release and
// leaves the entries in place, so clients and servers in one process can
// share a MemoryRegistry and close independently.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string]map[chan []ServiceInstance]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string]map[chan []ServiceInstance]struct{}),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, serviceName string, inst ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	insts := m.instances[serviceName]
	for i := range insts {
		if insts[i].Addr == inst.Addr {
			insts[i] = inst
			m.notify(serviceName)
			return nil
		}
	}
	m.instances[serviceName] = append(insts, inst)
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	insts := m.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == addr {
			rest := append(insts[:i:i], insts[i+1:]...)
			if len(rest) == 0 {
				delete(m.instances, serviceName)
			} else {
				m.instances[serviceName] = rest
			}
			m.notify(serviceName)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(serviceName), nil
}

// Watch registers the watcher before returning.
func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	m.mu.Lock()
	if m.watchers[serviceName] == nil {
		m.watchers[serviceName] = make(map[chan []ServiceInstance]struct{})
	}
	m.watchers[serviceName][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers[serviceName], ch)
		if len(m.watchers[serviceName]) == 0 {
			delete(m.watchers, serviceName)
		}
		m.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (m *MemoryRegistry) Close() error {
	return nil
}

func (m *MemoryRegistry) snapshot(serviceName string) []ServiceInstance {
	insts := m.instances[serviceName]
	out := make([]ServiceInstance, len(insts))
	copy(out, insts)
	return out
}

// notify hands every watcher of serviceName the latest list, replacing a
// list the watcher has not read yet. Caller holds m.mu.
func (m *MemoryRegistry) notify(serviceName string) {
	for ch := range m.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- m.snapshot(serviceName)
	}
}
