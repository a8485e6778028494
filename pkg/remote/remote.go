// Package remote keeps the proxies exported by a process. Every proxy gets a
// data loop of its own, run on a bounded goroutine pool, and all access to a
// proxy from other goroutines is funneled through that loop.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/internal/logging"
	"github.com/srediag/remote-node/pkg/loop"
	"github.com/srediag/remote-node/pkg/node"
)

var (
	// ErrExists is returned when exporting a name twice.
	ErrExists = fmt.Errorf("%w: node already exported", api.ErrInvalidArgument)
	// ErrUnknown is returned for names that are not exported.
	ErrUnknown = fmt.Errorf("%w: node not exported", api.ErrNotFound)
	// ErrPoolFull is returned when every pool worker runs a loop.
	ErrPoolFull = fmt.Errorf("%w: data loop pool full", api.ErrResourceExhausted)
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("manager closed")
)

// DoTimeout bounds how long Do waits for the data loop.
var DoTimeout = 5 * time.Second

// Entry is one exported node with its data loop.
type Entry struct {
	name   string
	proxy  *node.Proxy
	loop   *loop.Loop
	cancel context.CancelFunc
	done   chan error
}

// Name returns the exported name.
func (e *Entry) Name() string { return e.name }

// Do runs fn with the proxy on the data loop and waits for it.
func (e *Entry) Do(fn func(p *node.Proxy) error) error {
	res := make(chan error, 1)
	if err := e.loop.Invoke(func() { res <- fn(e.proxy) }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case err := <-e.done:
		e.done <- err
		return fmt.Errorf("%s: data loop exited: %v", e.name, err)
	case <-time.After(DoTimeout):
		return fmt.Errorf("%s: data loop did not answer within %v", e.name, DoTimeout)
	}
}

// Healthy reports the proxy health as seen from its data loop.
func (e *Entry) Healthy() error {
	return e.Do(func(p *node.Proxy) error { return p.Healthy() })
}

// Manager owns exported proxies.
type Manager struct {
	cfg     *Config
	logger  *logging.Logger
	pool    *ants.Pool
	entries cmap.ConcurrentMap[string, *Entry]
}

// New creates a manager.
func New(config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	logger := config.Node.Logger
	if logger == nil {
		logger = logging.Default("remote")
	}
	pool, err := ants.NewPool(config.PoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Errorf("remote: data loop panic: %v", p)
		}))
	if err != nil {
		return nil, fmt.Errorf("remote: pool: %w", err)
	}
	return &Manager{
		cfg:     config,
		logger:  logger,
		pool:    pool,
		entries: cmap.New[*Entry](),
	}, nil
}

// Export creates a proxy for local under name and starts its data loop.
func (m *Manager) Export(name string, client api.ClientNode, local node.LocalNode) (*Entry, error) {
	if m.pool.IsClosed() {
		return nil, ErrClosed
	}
	if m.entries.Has(name) {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}
	loopCfg := m.cfg.Loop
	loopCfg.Logger = m.logger.Named("loop")
	l, err := loop.New(loopCfg)
	if err != nil {
		return nil, err
	}
	proxy, err := node.Export(client, local, l, m.cfg.Node)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Entry{name: name, proxy: proxy, loop: l, cancel: cancel, done: make(chan error, 1)}
	if !m.entries.SetIfAbsent(name, e) {
		m.discard(e)
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}
	if err := m.pool.Submit(func() { e.done <- l.Run(ctx) }); err != nil {
		m.entries.Remove(name)
		m.discard(e)
		if errors.Is(err, ants.ErrPoolOverload) {
			return nil, fmt.Errorf("%w: %d loops", ErrPoolFull, m.cfg.PoolSize)
		}
		return nil, err
	}
	m.logger.Infof("remote: exported %s", name)
	return e, nil
}

func (m *Manager) discard(e *Entry) {
	e.cancel()
	if err := e.proxy.Close(); err != nil {
		m.logger.Warnf("remote: close %s: %v", e.name, err)
	}
	_ = e.loop.Close()
}

// Get returns the entry exported under name.
func (m *Manager) Get(name string) (*Entry, bool) {
	return m.entries.Get(name)
}

// Do runs fn with the proxy exported under name on its data loop.
func (m *Manager) Do(name string, fn func(p *node.Proxy) error) error {
	e, ok := m.entries.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return e.Do(fn)
}

// Names returns every exported name, sorted.
func (m *Manager) Names() []string {
	names := m.entries.Keys()
	sort.Strings(names)
	return names
}

// Len returns the number of exported nodes.
func (m *Manager) Len() int { return m.entries.Count() }

// Remove closes the proxy exported under name and stops its loop.
func (m *Manager) Remove(name string) error {
	e, ok := m.entries.Pop(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	closeErr := e.Do(func(p *node.Proxy) error { return p.Close() })
	e.cancel()
	runErr := <-e.done
	m.logger.Infof("remote: removed %s", name)
	return errors.Join(closeErr, runErr, e.loop.Close())
}

// Healthy reports an error for every exported node that is not healthy.
func (m *Manager) Healthy() error {
	var errs []error
	for _, name := range m.Names() {
		e, ok := m.entries.Get(name)
		if !ok {
			continue
		}
		if err := e.Healthy(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close removes every exported node and releases the pool.
func (m *Manager) Close() error {
	var errs []error
	for _, name := range m.Names() {
		if err := m.Remove(name); err != nil && !errors.Is(err, ErrUnknown) {
			errs = append(errs, err)
		}
	}
	m.pool.Release()
	return errors.Join(errs...)
}
