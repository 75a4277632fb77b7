package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Mechanism for tests and single-host setups.
// Published records are visible to every watcher of the same Memory.
type Memory struct {
	// Host is the address placed in resolved descriptors.
	// Zero means 127.0.0.1.
	Host netip.Addr

	mu          sync.Mutex
	records     map[string]ServiceDescriptor
	order       []string
	watchers    map[int]*memoryWatch
	nextWatch   int
	watchErrors []error
	watchCalls  int
	publishErr  error
}

type memoryWatch struct {
	serviceType string
	domain      string
	emit        func(Batch)
}

var _ Mechanism = (*Memory)(nil)

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]ServiceDescriptor),
		watchers: make(map[int]*memoryWatch),
	}
}

// FailWatch queues errors to be returned, one per call, by the next
// calls to Watch.
func (m *Memory) FailWatch(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchErrors = append(m.watchErrors, errs...)
}

// FailPublish makes every later Publish return err. Nil clears it.
func (m *Memory) FailPublish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// WatchCalls returns how many times Watch has been called.
func (m *Memory) WatchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watchCalls
}

// Records returns the currently published descriptors.
func (m *Memory) Records() []ServiceDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServiceDescriptor, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.records[key].Clone())
	}
	return out
}

func (m *Memory) host() netip.Addr {
	if m.Host.IsValid() {
		return m.Host
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}

// Publish implements Publisher.
func (m *Memory) Publish(ctx context.Context, record Record) (Publication, error) {
	m.mu.Lock()
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return nil, err
	}
	d := ServiceDescriptor{
		Name:      record.Name,
		Type:      record.Type,
		Domain:    record.Domain,
		Port:      record.Port,
		Addresses: []netip.AddrPort{netip.AddrPortFrom(m.host(), record.Port)},
		Instance:  uuid.NewString(),
	}
	m.records[d.Instance] = d
	m.order = append(m.order, d.Instance)
	targets := m.matchingLocked(d)
	m.mu.Unlock()

	for _, emit := range targets {
		emit(Batch{Added: []ServiceDescriptor{d.Clone()}})
	}
	return &memoryPublication{memory: m, instance: d.Instance}, nil
}

type memoryPublication struct {
	memory   *Memory
	instance string
	once     sync.Once
}

func (p *memoryPublication) Withdraw() error {
	p.once.Do(func() { p.memory.withdraw(p.instance) })
	return nil
}

func (m *Memory) withdraw(instance string) {
	m.mu.Lock()
	d, ok := m.records[instance]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.records, instance)
	for i, key := range m.order {
		if key == instance {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	targets := m.matchingLocked(d)
	m.mu.Unlock()

	for _, emit := range targets {
		emit(Batch{Removed: []ServiceDescriptor{d.Clone()}})
	}
}

func (m *Memory) matchingLocked(d ServiceDescriptor) []func(Batch) {
	var out []func(Batch)
	for _, w := range m.watchers {
		if w.serviceType == d.Type && w.domain == d.Domain {
			out = append(out, w.emit)
		}
	}
	return out
}

// Watch implements Watcher.
func (m *Memory) Watch(ctx context.Context, serviceType, domain string, emit func(Batch)) error {
	m.mu.Lock()
	m.watchCalls++
	if len(m.watchErrors) > 0 {
		err := m.watchErrors[0]
		m.watchErrors = m.watchErrors[1:]
		m.mu.Unlock()
		return err
	}
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = &memoryWatch{serviceType: serviceType, domain: domain, emit: emit}
	var initial Batch
	for _, key := range m.order {
		d := m.records[key]
		if d.Type == serviceType && d.Domain == domain {
			initial.Added = append(initial.Added, d.Clone())
		}
	}
	m.mu.Unlock()

	if !initial.Empty() {
		emit(initial)
	}
	<-ctx.Done()

	m.mu.Lock()
	delete(m.watchers, id)
	m.mu.Unlock()
	return nil
}

// Resolve implements Resolver.
func (m *Memory) Resolve(ctx context.Context, service ServiceDescriptor) (ServiceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return ServiceDescriptor{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.records[service.Instance]; ok {
		return d.Clone(), nil
	}
	for _, key := range m.order {
		d := m.records[key]
		if d.Name == service.Name && d.Type == service.Type && d.Domain == service.Domain {
			return d.Clone(), nil
		}
	}
	return ServiceDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, service.Name)
}
