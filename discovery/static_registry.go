package discovery

import (
	"context"
	"slices"
	"sync"
)

// StaticRegistry keeps instances in memory. It backs fixed upstream lists
// from configuration and stands in for etcd in tests.
type StaticRegistry struct {
	mu        sync.Mutex
	instances map[string][]Instance
	watchers  map[string][]chan []Instance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		instances: make(map[string][]Instance),
		watchers:  make(map[string][]chan []Instance),
	}
}

// Register adds or replaces the instance with the same Addr. ttl is ignored.
func (s *StaticRegistry) Register(_ context.Context, service string, instance Instance, _ int64) error {
	if _, _, err := instance.HostPort(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	insts := s.instances[service]
	if i := slices.IndexFunc(insts, func(in Instance) bool { return in.Addr == instance.Addr }); i >= 0 {
		insts[i] = instance
	} else {
		s.instances[service] = append(insts, instance)
	}
	s.notify(service)
	return nil
}

func (s *StaticRegistry) Deregister(_ context.Context, service string, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	insts := s.instances[service]
	if i := slices.IndexFunc(insts, func(in Instance) bool { return in.Addr == addr }); i >= 0 {
		s.instances[service] = slices.Delete(insts, i, i+1)
		s.notify(service)
	}
	return nil
}

func (s *StaticRegistry) Discover(_ context.Context, service string) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.instances[service]), nil
}

func (s *StaticRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	s.mu.Lock()
	s.watchers[service] = append(s.watchers[service], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.watchers[service] = slices.DeleteFunc(s.watchers[service], func(w chan []Instance) bool { return w == ch })
		close(ch)
	}()
	return ch
}

// notify replaces any undelivered update with the latest list. Caller holds s.mu.
func (s *StaticRegistry) notify(service string) {
	snapshot := slices.Clone(s.instances[service])
	for _, w := range s.watchers[service] {
		select {
		case <-w:
		default:
		}
		w <- snapshot
	}
}
