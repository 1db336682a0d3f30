// Package poll repeatedly fetches keyed resources and notifies subscribers
// only when a resource's content fingerprint changes. Each key has at most one
// subscription, driven by a single goroutine, so fetches for a key never
// overlap and results are delivered in completion order.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultDegradedAfter is how many consecutive tick failures flip a key to
// StatusDegraded when no explicit threshold is set.
const DefaultDegradedAfter = 3

// ErrPollFetch marks a failed initial fetch. Use errors.Is to classify.
var ErrPollFetch = errors.New("poll: fetch failed")

// FetchError is returned by Start when the initial fetch fails.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("poll: initial fetch for %q: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrPollFetch, e.Err}
}

// FetchFunc loads the current state of one resource.
type FetchFunc func(ctx context.Context) (any, error)

// Callback receives a snapshot whose fingerprint differs from the previous
// one (and, unconditionally, the initial snapshot).
type Callback func(Snapshot)

// Snapshot is the last delivered state of a resource.
type Snapshot struct {
	Key         string
	Fingerprint string
	Payload     any
	FetchedAt   time.Time
}

// Status is the health of a subscription's tick fetches.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusFunc is called when a key changes health. err is the latest failure
// for StatusDegraded and nil for StatusHealthy.
type StatusFunc func(key string, status Status, err error)

// ticker abstracts time.Ticker for tests.
type ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct{ *time.Ticker }

func (t realTicker) Chan() <-chan time.Time { return t.C }

// Option configures a Poller.
type Option func(*Poller)

// WithStatusHook registers fn for health transitions.
func WithStatusHook(fn StatusFunc) Option {
	return func(p *Poller) {
		p.onStatus = fn
	}
}

// WithDegradedAfter sets the consecutive-failure threshold. Values below 1
// keep the default.
func WithDegradedAfter(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.degradedAfter = n
		}
	}
}

// Poller owns the set of active subscriptions.
type Poller struct {
	logger        *slog.Logger
	onStatus      StatusFunc
	degradedAfter int

	mu    sync.Mutex
	subs  map[string]*subscription
	gates map[string]chan struct{} // one fetch in flight per key
	wg    sync.WaitGroup

	tickerFunc func(d time.Duration) ticker
	nowFunc    func() time.Time
	tickDone   func(key string) // test hook, called after every tick
}

// New returns a Poller with no subscriptions.
func New(logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Poller{
		logger:        logger,
		degradedAfter: DefaultDegradedAfter,
		subs:          make(map[string]*subscription),
		gates:         make(map[string]chan struct{}),
		tickerFunc:    func(d time.Duration) ticker { return realTicker{time.NewTicker(d)} },
		nowFunc:       time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

type subscription struct {
	key      string
	fetch    FetchFunc
	callback Callback
	interval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	trigger chan struct{}

	// Touched only by the subscription's own goroutine after Start returns.
	fingerprint string
	failures    int

	mu   sync.Mutex
	last Snapshot
}

// Start subscribes to key, replacing any existing subscription for it. A
// fetch the replaced subscription still has in flight finishes before the new
// initial fetch begins. The initial fetch runs synchronously and its result is delivered to callback
// unconditionally. If it fails, Start returns a *FetchError and nothing is
// left running. After that, key is fetched every interval until Stop, Close,
// or ctx ends.
func (p *Poller) Start(ctx context.Context, key string, fetch FetchFunc, interval time.Duration, callback Callback) error {
	if fetch == nil || callback == nil {
		return fmt.Errorf("poll: start %q: fetch and callback are required", key)
	}

	if interval <= 0 {
		return fmt.Errorf("poll: start %q: interval must be positive, got %s", key, interval)
	}

	subCtx, cancel := context.WithCancel(ctx)

	sub := &subscription{
		key:      key,
		fetch:    fetch,
		callback: callback,
		interval: interval,
		ctx:      subCtx,
		cancel:   cancel,
		trigger:  make(chan struct{}, 1),
	}

	p.mu.Lock()
	if old, ok := p.subs[key]; ok {
		old.cancel()
		p.logger.Debug("replacing existing subscription", slog.String("key", key))
	}
	p.subs[key] = sub
	p.mu.Unlock()

	snap, err := p.load(sub)
	if err != nil {
		// Replaced or stopped while loading is not a fetch failure.
		superseded := subCtx.Err() != nil && ctx.Err() == nil

		p.remove(sub)

		if superseded {
			return nil
		}

		p.logger.Warn("initial fetch failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		return &FetchError{Key: key, Err: err}
	}

	sub.fingerprint = snap.Fingerprint

	if !p.deliver(sub, snap) {
		p.remove(sub)
		return nil
	}

	p.logger.Debug("subscription started",
		slog.String("key", key),
		slog.Duration("interval", interval),
	)

	p.wg.Add(1)

	go p.run(sub)

	return nil
}

// Stop cancels the subscription for key and discards its fingerprint, so a
// later Start for the same key begins fresh. A fetch still in flight is
// discarded when it completes. Stopping an unknown key is a no-op.
func (p *Poller) Stop(key string) {
	p.mu.Lock()
	sub, ok := p.subs[key]
	if ok {
		delete(p.subs, key)
	}
	p.mu.Unlock()

	if ok {
		sub.cancel()
		p.logger.Debug("subscription stopped", slog.String("key", key))
	}
}

// Trigger asks for an immediate fetch of key. Requests made while a fetch is
// already pending are coalesced. It reports whether key has a subscription.
func (p *Poller) Trigger(key string) bool {
	p.mu.Lock()
	sub, ok := p.subs[key]
	p.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case sub.trigger <- struct{}{}:
	default:
	}

	return true
}

// Close stops every subscription and waits for their goroutines to exit. It
// must not be called from a Callback.
func (p *Poller) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[string]*subscription)
	p.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}

	p.wg.Wait()
}

// Keys returns the subscribed keys in sorted order.
func (p *Poller) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.subs))
	for k := range p.subs {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Snapshot returns the last delivered snapshot for key.
func (p *Poller) Snapshot(key string) (Snapshot, bool) {
	p.mu.Lock()
	sub, ok := p.subs[key]
	p.mu.Unlock()

	if !ok {
		return Snapshot{}, false
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()

	return sub.last, sub.last.FetchedAt != (time.Time{})
}

func (p *Poller) run(sub *subscription) {
	defer p.wg.Done()
	defer p.remove(sub)

	t := p.tickerFunc(sub.interval)
	defer t.Stop()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-t.Chan():
		case <-sub.trigger:
		}

		p.tick(sub)
	}
}

func (p *Poller) tick(sub *subscription) {
	if p.tickDone != nil {
		defer p.tickDone(sub.key)
	}

	snap, err := p.load(sub)
	if sub.ctx.Err() != nil {
		return
	}

	if err != nil {
		sub.failures++

		p.logger.Warn("poll fetch failed",
			slog.String("key", sub.key),
			slog.Int("consecutive_failures", sub.failures),
			slog.String("error", err.Error()),
		)

		if sub.failures == p.degradedAfter {
			p.reportStatus(sub.key, StatusDegraded, err)
		}

		return
	}

	if sub.failures >= p.degradedAfter {
		p.reportStatus(sub.key, StatusHealthy, nil)
	}

	sub.failures = 0

	if snap.Fingerprint == sub.fingerprint {
		p.logger.Debug("poll unchanged", slog.String("key", sub.key))
		return
	}

	sub.fingerprint = snap.Fingerprint

	p.logger.Debug("poll changed",
		slog.String("key", sub.key),
		slog.String("fingerprint", snap.Fingerprint[:12]),
	)

	p.deliver(sub, snap)
}

// gate returns the semaphore serializing fetches for key. It outlives
// subscriptions, so a replaced or stopped subscription whose fetch is still
// running holds off the next one.
func (p *Poller) gate(key string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.gates[key]
	if !ok {
		g = make(chan struct{}, 1)
		p.gates[key] = g
	}

	return g
}

// load fetches and fingerprints. A payload that cannot be fingerprinted
// counts as a failed fetch.
func (p *Poller) load(sub *subscription) (Snapshot, error) {
	g := p.gate(sub.key)

	select {
	case g <- struct{}{}:
	case <-sub.ctx.Done():
		return Snapshot{}, sub.ctx.Err()
	}
	defer func() { <-g }()

	if err := sub.ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	payload, err := sub.fetch(sub.ctx)
	if err != nil {
		return Snapshot{}, err
	}

	fp, err := Fingerprint(payload)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Key:         sub.key,
		Fingerprint: fp,
		Payload:     payload,
		FetchedAt:   p.nowFunc(),
	}, nil
}

// deliver records snap and invokes the callback unless the subscription has
// been canceled. It reports whether the callback ran.
func (p *Poller) deliver(sub *subscription, snap Snapshot) bool {
	sub.mu.Lock()
	if sub.ctx.Err() != nil {
		sub.mu.Unlock()
		return false
	}
	sub.last = snap
	sub.mu.Unlock()

	sub.callback(snap)

	return true
}

// remove drops sub from the table if it is still the registered one for its
// key, and cancels it.
func (p *Poller) remove(sub *subscription) {
	p.mu.Lock()
	if cur, ok := p.subs[sub.key]; ok && cur == sub {
		delete(p.subs, sub.key)
	}
	p.mu.Unlock()

	sub.cancel()
}

func (p *Poller) reportStatus(key string, status Status, err error) {
	attrs := []any{slog.String("key", key), slog.String("status", status.String())}

	if status == StatusDegraded {
		p.logger.Warn("poll degraded", attrs...)
	} else {
		p.logger.Info("poll recovered", attrs...)
	}

	if p.onStatus != nil {
		p.onStatus(key, status, err)
	}
}

// Subscribe is Start with a typed fetch and callback.
func Subscribe[T any](
	ctx context.Context, p *Poller, key string,
	fetch func(context.Context) (T, error), interval time.Duration,
	callback func(key string, payload T),
) error {
	return p.Start(ctx, key,
		func(ctx context.Context) (any, error) {
			return fetch(ctx)
		},
		interval,
		func(s Snapshot) {
			v, _ := s.Payload.(T)
			callback(s.Key, v)
		},
	)
}
