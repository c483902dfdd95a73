package client

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/capwire/capwire-go/pkg/connection"
	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/logging"
	"github.com/capwire/capwire-go/pkg/protocol"
	"github.com/capwire/capwire-go/pkg/transport"
)

// Dialer establishes a transport to a named target
type Dialer func(ctx context.Context, target string) (transport.Transport, error)

// PoolConfig carries the pool tuning knobs
type PoolConfig struct {
	// MaxPerTarget caps concurrent leases per target. Acquire blocks up to
	// the context deadline when the cap is reached.
	MaxPerTarget int64

	// DialTimeout bounds one dial attempt including negotiation
	DialTimeout time.Duration

	// MaxDialElapsed bounds the total backoff-retried dial sequence
	MaxDialElapsed time.Duration

	// Client is the configuration template for pooled connections
	Client Config

	Logger logging.Logger
}

// DefaultPoolConfig returns a pool configuration with sensible limits
func DefaultPoolConfig(info protocol.PeerInfo) PoolConfig {
	return PoolConfig{
		MaxPerTarget:   8,
		DialTimeout:    10 * time.Second,
		MaxDialElapsed: 30 * time.Second,
		Client:         DefaultConfig(info),
	}
}

// Pool is a keyed connection pool. Healthy connections are reused across
// leases; closed ones are evicted lazily on the next acquire.
type Pool struct {
	cfg  PoolConfig
	dial Dialer

	mu      sync.Mutex
	targets map[string]*targetPool
	closed  bool
}

// targetPool tracks the idle connections and the lease cap for one target
type targetPool struct {
	sem *semaphore.Weighted

	mu   sync.Mutex
	idle []*Client
}

// NewPool creates a pool over a dialer
func NewPool(dial Dialer, cfg PoolConfig) *Pool {
	if cfg.MaxPerTarget <= 0 {
		cfg.MaxPerTarget = 8
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxDialElapsed <= 0 {
		cfg.MaxDialElapsed = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNoopLogger()
	}
	return &Pool{
		cfg:     cfg,
		dial:    dial,
		targets: make(map[string]*targetPool),
	}
}

// Acquire leases a connection to a target, reusing an idle healthy one or
// dialing a new one. It blocks while the target is at its lease cap, up to
// the context deadline.
func (p *Pool) Acquire(ctx context.Context, target string) (*Client, error) {
	tp, err := p.target(target)
	if err != nil {
		return nil, err
	}

	if err := tp.sem.Acquire(ctx, 1); err != nil {
		return nil, wireerrors.CancelledError(target)
	}

	client, err := p.lease(ctx, tp, target)
	if err != nil {
		tp.sem.Release(1)
		return nil, err
	}
	return client, nil
}

// TryAcquire is the non-blocking variant of Acquire. It fails immediately
// when the target is at its lease cap.
func (p *Pool) TryAcquire(ctx context.Context, target string) (*Client, error) {
	tp, err := p.target(target)
	if err != nil {
		return nil, err
	}

	if !tp.sem.TryAcquire(1) {
		return nil, wireerrors.New(wireerrors.CodeConnectionClosed,
			"pool exhausted for target "+target,
			wireerrors.CategoryApplication, wireerrors.SeverityWarning)
	}

	client, err := p.lease(ctx, tp, target)
	if err != nil {
		tp.sem.Release(1)
		return nil, err
	}
	return client, nil
}

// Release returns a leased connection. Healthy connections go back to the
// idle set; anything else is closed and discarded.
func (p *Pool) Release(target string, client *Client) {
	p.mu.Lock()
	tp, ok := p.targets[target]
	closed := p.closed
	p.mu.Unlock()
	if !ok {
		_ = client.Close()
		return
	}

	if closed || client.Connection().State() != connection.StateReady {
		_ = client.Close()
	} else {
		tp.mu.Lock()
		tp.idle = append(tp.idle, client)
		tp.mu.Unlock()
	}
	tp.sem.Release(1)
}

// lease pops a healthy idle connection, evicting closed ones on the way,
// and dials fresh when none remains.
func (p *Pool) lease(ctx context.Context, tp *targetPool, target string) (*Client, error) {
	for {
		tp.mu.Lock()
		if len(tp.idle) == 0 {
			tp.mu.Unlock()
			break
		}
		client := tp.idle[len(tp.idle)-1]
		tp.idle = tp.idle[:len(tp.idle)-1]
		tp.mu.Unlock()

		if client.Connection().State() == connection.StateReady {
			return client, nil
		}
		// Stale entry from a connection that died while idle.
		p.cfg.Logger.Debug("evicting closed pooled connection",
			logging.String("target", target),
			logging.String("connection_id", client.Connection().ID()))
		_ = client.Close()
	}
	return p.dialWithBackoff(ctx, target)
}

// dialWithBackoff establishes and negotiates a fresh connection, retrying
// transient dial failures with exponential backoff.
func (p *Pool) dialWithBackoff(ctx context.Context, target string) (*Client, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = p.cfg.MaxDialElapsed

	var client *Client
	operation := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()

		t, err := p.dial(dialCtx, target)
		if err != nil {
			p.cfg.Logger.Warn("dial failed, backing off",
				logging.String("target", target),
				logging.ErrorField(err))
			return err
		}
		c := New(t, p.cfg.Client)
		if err := c.Connect(dialCtx); err != nil {
			_ = c.Close()
			if wireerrors.IsCategory(err, wireerrors.CategoryProtocol) {
				// Negotiation rejected; retrying will not help.
				return backoff.Permanent(err)
			}
			return err
		}
		client = c
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	p.cfg.Logger.Info("pooled connection established",
		logging.String("target", target),
		logging.String("connection_id", client.Connection().ID()))
	return client, nil
}

// target returns or creates the per-target state
func (p *Pool) target(target string) (*targetPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, wireerrors.ConnectionClosedError("")
	}
	tp, ok := p.targets[target]
	if !ok {
		tp = &targetPool{sem: semaphore.NewWeighted(p.cfg.MaxPerTarget)}
		p.targets[target] = tp
	}
	return tp, nil
}

// Idle returns the number of idle connections for a target
func (p *Pool) Idle(target string) int {
	p.mu.Lock()
	tp, ok := p.targets[target]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.idle)
}

// Shutdown drains every idle connection and rejects future acquires.
// Leased connections are the leaseholders' to release; they are closed on
// release.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	targets := make([]*targetPool, 0, len(p.targets))
	for _, tp := range p.targets {
		targets = append(targets, tp)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, tp := range targets {
		tp.mu.Lock()
		idle := tp.idle
		tp.idle = nil
		tp.mu.Unlock()
		for _, client := range idle {
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				_ = c.Drain(ctx)
			}(client)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
