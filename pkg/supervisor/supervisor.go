package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/appsecsanta/mcptunnel/pkg/registry"
)

const maxParallelStarts = 8

// Supervisor owns every child process started through it.
type Supervisor struct {
	opts Options

	mu      sync.RWMutex
	servers []*Server
	byName  map[string]*Server
}

// New builds a Supervisor.
func New(opts *Options) *Supervisor {
	return &Supervisor{
		opts:   opts.withDefaults(),
		byName: make(map[string]*Server),
	}
}

// Start spawns def and waits for its handshake. The returned Server is
// tracked even when err is non-nil so that its failed state stays visible.
func (sv *Supervisor) Start(ctx context.Context, def registry.Definition) (*Server, error) {
	s, err := sv.track(def)
	if err != nil {
		return nil, err
	}
	if err := s.start(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// StartAll starts every definition concurrently. It returns the servers that
// reached ready, in definition order, and the joined start errors.
func (sv *Supervisor) StartAll(ctx context.Context, defs []registry.Definition) ([]*Server, error) {
	servers := make([]*Server, len(defs))
	errs := make([]error, len(defs))
	for i, def := range defs {
		s, err := sv.track(def)
		if err != nil {
			errs[i] = err
			continue
		}
		servers[i] = s
	}

	var g errgroup.Group
	g.SetLimit(maxParallelStarts)
	for i, s := range servers {
		if s == nil {
			continue
		}
		g.Go(func() error {
			errs[i] = s.start(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var ready []*Server
	for i, s := range servers {
		if s != nil && errs[i] == nil {
			ready = append(ready, s)
		}
	}
	return ready, errors.Join(errs...)
}

func (sv *Supervisor) track(def registry.Definition) (*Server, error) {
	name := def.ExposedName()
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if _, exists := sv.byName[name]; exists {
		return nil, fmt.Errorf("supervisor: server %q already started", name)
	}
	s := newServer(def, &sv.opts)
	sv.servers = append(sv.servers, s)
	sv.byName[name] = s
	return s, nil
}

// Servers returns every tracked server in start order, whatever its state.
func (sv *Supervisor) Servers() []*Server {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make([]*Server, len(sv.servers))
	copy(out, sv.servers)
	return out
}

// Ready returns the servers currently in StateReady.
func (sv *Supervisor) Ready() []*Server {
	var out []*Server
	for _, s := range sv.Servers() {
		if s.State() == StateReady {
			out = append(out, s)
		}
	}
	return out
}

// Lookup finds a server by exposed name.
func (sv *Supervisor) Lookup(name string) (*Server, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	s, ok := sv.byName[name]
	return s, ok
}

// StopAll stops every tracked server in parallel.
func (sv *Supervisor) StopAll(ctx context.Context) error {
	servers := sv.Servers()
	errs := make([]error, len(servers))
	var wg sync.WaitGroup
	for i, s := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("supervisor: stop %q: %w", s.Name(), err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
