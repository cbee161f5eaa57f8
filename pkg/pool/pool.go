package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/sre-norns/verdandi/pkg/browser"
)

var (
	ErrPoolClosed = fmt.Errorf("browser pool is closed")
)

type Config struct {
	MaxInstances int           `help:"Maximum number of browser instances, including exclusive ones" default:"5"`
	MaxTabs      int           `help:"Maximum number of tabs in a shared browser instance" default:"5"`
	IdleTimeout  time.Duration `help:"Shared instances without tabs are closed after this long, or earlier when the pool is full" default:"5m"`
}

func (c Config) normalized() Config {
	if c.MaxInstances <= 0 {
		c.MaxInstances = 5
	}
	if c.MaxTabs <= 0 {
		c.MaxTabs = 5
	}
	return c
}

// Request describes what a caller needs a tab for
type Request struct {
	// Primary domain of the task. Shared instances serving the same domain are preferred.
	Domain string
	// Exclusive requests get a dedicated browser instance with a single tab
	Exclusive bool
}

type instanceState string

const (
	stateStarting instanceState = "starting"
	stateIdle     instanceState = "idle"
	stateBusy     instanceState = "busy"
)

type instance struct {
	id        string
	exclusive bool
	domain    string
	maxTabs   int
	browser   browser.Browser
	state     instanceState
	tabs      map[string]struct{}
	lastUsed  time.Time
}

func (i *instance) canAcceptTab() bool {
	return !i.exclusive && i.state != stateStarting && len(i.tabs) < i.maxTabs
}

// Pool is a bounded set of browser instances shared between concurrent runs
type Pool struct {
	launcher browser.Launcher
	cfg      Config
	logger   log.Logger
	now      func() time.Time

	mu        sync.Mutex
	instances map[string]*instance
	changed   chan struct{}
	closed    bool
}

func New(launcher browser.Launcher, cfg Config, logger log.Logger) *Pool {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Pool{
		launcher:  launcher,
		cfg:       cfg.normalized(),
		logger:    log.With(logger, "component", "pool"),
		now:       time.Now,
		instances: map[string]*instance{},
		changed:   make(chan struct{}),
	}
}

// notify wakes up all callers waiting for capacity. Must be called with mu held.
func (p *Pool) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// pick selects an instance with a free tab, same domain first. Must be called with mu held.
func (p *Pool) pick(domain string) *instance {
	candidates := make([]*instance, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.canAcceptTab() {
			candidates = append(candidates, inst)
		}
	}
	// Least loaded first, stable for equal load
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i].tabs) != len(candidates[j].tabs) {
			return len(candidates[i].tabs) < len(candidates[j].tabs)
		}
		return candidates[i].id < candidates[j].id
	})

	if domain != "" {
		for _, inst := range candidates {
			if inst.domain == domain {
				return inst
			}
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return nil
}

// Acquire opens a tab for the request. When the pool is full it blocks until a tab is released or ctx is done.
func (p *Pool) Acquire(ctx context.Context, req Request) (*Lease, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if !req.Exclusive {
			if inst := p.pick(req.Domain); inst != nil {
				tabID := uuid.NewString()
				inst.tabs[tabID] = struct{}{}
				inst.state = stateBusy
				p.mu.Unlock()
				return p.openTab(ctx, inst, tabID)
			}
		}

		if len(p.instances) < p.cfg.MaxInstances {
			inst := &instance{
				id:        uuid.NewString(),
				exclusive: req.Exclusive,
				domain:    req.Domain,
				maxTabs:   p.cfg.MaxTabs,
				state:     stateStarting,
				tabs:      map[string]struct{}{},
			}
			if req.Exclusive {
				inst.maxTabs = 1
			}
			p.instances[inst.id] = inst
			p.mu.Unlock()
			return p.launch(ctx, inst)
		}

		if idle := p.evictIdle(); idle != nil {
			p.mu.Unlock()
			p.dispose(idle)
			p.mu.Lock()
			continue
		}

		waitCh := p.changed
		p.mu.Unlock()

		level.Debug(p.logger).Log("msg", "pool is full, waiting", "domain", req.Domain, "exclusive", req.Exclusive)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCh:
		}
		p.mu.Lock()
	}
}

// evictIdle removes the least recently used shared instance without tabs. Must be called with mu held.
func (p *Pool) evictIdle() *instance {
	var oldest *instance
	for _, inst := range p.instances {
		if inst.state != stateIdle {
			continue
		}
		if oldest == nil || inst.lastUsed.Before(oldest.lastUsed) {
			oldest = inst
		}
	}
	if oldest != nil {
		delete(p.instances, oldest.id)
	}
	return oldest
}

func (p *Pool) dispose(inst *instance) {
	if err := inst.browser.Close(); err != nil {
		level.Warn(p.logger).Log("msg", "failed to close browser", "instance", inst.id, "err", err)
	}
	level.Info(p.logger).Log("msg", "browser instance destroyed", "instance", inst.id)
}

func (p *Pool) launch(ctx context.Context, inst *instance) (*Lease, error) {
	b, err := p.launcher.Launch(ctx)

	p.mu.Lock()
	if err != nil {
		delete(p.instances, inst.id)
		p.notify()
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	if p.closed {
		delete(p.instances, inst.id)
		p.mu.Unlock()
		return nil, errors.Join(ErrPoolClosed, b.Close())
	}

	tabID := uuid.NewString()
	inst.browser = b
	inst.state = stateBusy
	inst.tabs[tabID] = struct{}{}
	p.mu.Unlock()

	level.Info(p.logger).Log("msg", "browser instance started", "instance", inst.id, "exclusive", inst.exclusive, "domain", inst.domain)
	return p.openTab(ctx, inst, tabID)
}

func (p *Pool) openTab(ctx context.Context, inst *instance, tabID string) (*Lease, error) {
	page, err := inst.browser.NewPage(ctx)
	if err != nil {
		p.release(inst, tabID)
		return nil, err
	}

	return &Lease{
		pool:     p,
		instance: inst,
		tabID:    tabID,
		page:     page,
	}, nil
}

// release returns the tab slot and disposes exclusive instances
func (p *Pool) release(inst *instance, tabID string) {
	p.mu.Lock()
	delete(inst.tabs, tabID)
	inst.lastUsed = p.now()

	destroy := false
	if inst.exclusive || p.closed {
		delete(p.instances, inst.id)
		destroy = true
	} else if len(inst.tabs) == 0 {
		inst.state = stateIdle
	}
	p.notify()
	p.mu.Unlock()

	if destroy {
		p.dispose(inst)
	}
}

// Reap closes shared instances that had no tabs for longer than the idle timeout
func (p *Pool) Reap() int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}

	p.mu.Lock()
	var idle []*instance
	now := p.now()
	for id, inst := range p.instances {
		if inst.state == stateIdle && now.Sub(inst.lastUsed) >= p.cfg.IdleTimeout {
			idle = append(idle, inst)
			delete(p.instances, id)
		}
	}
	if len(idle) > 0 {
		p.notify()
	}
	p.mu.Unlock()

	for _, inst := range idle {
		if err := inst.browser.Close(); err != nil {
			level.Warn(p.logger).Log("msg", "failed to close idle browser", "instance", inst.id, "err", err)
		}
	}
	return len(idle)
}

// RunReaper periodically reaps idle instances until ctx is done
func (p *Pool) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Reap(); n > 0 {
				level.Debug(p.logger).Log("msg", "reaped idle browsers", "count", n)
			}
		}
	}
}

// Close shuts down idle instances immediately. Busy instances are closed when their last tab is released.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	var idle []*instance
	for id, inst := range p.instances {
		if inst.state == stateIdle {
			idle = append(idle, inst)
			delete(p.instances, id)
		}
	}
	p.notify()
	p.mu.Unlock()

	var errs []error
	for _, inst := range idle {
		errs = append(errs, inst.browser.Close())
	}
	return errors.Join(errs...)
}

// Lease is a tab checked out of the pool. It must be released exactly once; extra calls are no-op.
type Lease struct {
	pool     *Pool
	instance *instance
	tabID    string
	page     browser.Page

	once sync.Once
}

func (l *Lease) Page() browser.Page {
	return l.page
}

func (l *Lease) InstanceID() string {
	return l.instance.id
}

func (l *Lease) TabID() string {
	return l.tabID
}

func (l *Lease) Exclusive() bool {
	return l.instance.exclusive
}

// Release closes the tab and returns its slot to the pool
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		err = l.page.Close()
		l.pool.release(l.instance, l.tabID)
	})
	return err
}
