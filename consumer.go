// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"expvar"
	"fmt"
	"runtime"
	"sync"
	"time"
	"weak"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
)

// Default consumer settings, used when the corresponding option is zero.
const (
	DefaultTimeout         = 5 * time.Second
	DefaultGCSweepInterval = time.Minute
)

// A ReleasePolicy selects which active handles are released when the hosting
// page is hidden (see Consumer.Hide).
type ReleasePolicy int

const (
	// ReleaseNonPersisted releases all handles unless the page transition is
	// persisted (the page may come back from a cache). This is the default.
	ReleaseNonPersisted ReleasePolicy = iota

	// ReleaseAll releases all handles on every hide event.
	ReleaseAll

	// ReleaseOff ignores hide events entirely.
	ReleaseOff
)

// ConsumerOptions configure a Consumer. A nil *ConsumerOptions is ready for
// use and provides defaults as described.
type ConsumerOptions struct {
	// How long to wait for the provider's READY before giving up. Zero means
	// DefaultTimeout; a negative value fails immediately without waiting.
	Timeout time.Duration

	// How often the fallback sweeper checks for collected proxies whose
	// handles can be released. Zero means DefaultGCSweepInterval; a negative
	// value disables the sweeper.
	GCSweepInterval time.Duration

	// Which handles to release when the page is hidden.
	ReleaseOnHide ReleasePolicy

	// If true, the root is a lazy proxy that resolves members on access.
	// Otherwise (the default) the root is a materialised tree: a real,
	// enumerable value graph with callables installed at function paths.
	HideStructure bool

	// Origin admission, as for ProviderOptions.
	AllowOrigin    func(origin string) bool
	AllowedOrigins []string

	// The target origin for GET requests posted by Refresh. Calls and handle
	// releases use the origin recorded from the provider's READY instead.
	// If empty, "*" is used.
	TargetOrigin string

	// If set, a callback to receive log messages about dropped messages and
	// other non-fatal conditions.
	Logf func(string, ...any)
}

func (o *ConsumerOptions) timeout() time.Duration {
	if o == nil || o.Timeout == 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func (o *ConsumerOptions) gcSweepInterval() time.Duration {
	if o == nil || o.GCSweepInterval == 0 {
		return DefaultGCSweepInterval
	}
	return o.GCSweepInterval
}

func (o *ConsumerOptions) releaseOnHide() ReleasePolicy {
	if o == nil {
		return ReleaseNonPersisted
	}
	return o.ReleaseOnHide
}

func (o *ConsumerOptions) hideStructure() bool { return o != nil && o.HideStructure }

func (o *ConsumerOptions) targetOrigin() string {
	if o == nil || o.TargetOrigin == "" {
		return "*"
	}
	return o.TargetOrigin
}

func (o *ConsumerOptions) logf() func(string, ...any) {
	if o == nil {
		return nil
	}
	return o.Logf
}

func (o *ConsumerOptions) allowOrigin() func(string) bool {
	if o == nil {
		return nil
	}
	if o.AllowOrigin != nil {
		return o.AllowOrigin
	}
	if len(o.AllowedOrigins) != 0 {
		allowed := make(map[string]bool, len(o.AllowedOrigins))
		for _, origin := range o.AllowedOrigins {
			allowed[origin] = true
		}
		return func(origin string) bool { return allowed[origin] }
	}
	return nil
}

// CallError is the concrete type of errors reported by calls through a
// Consumer. For remote failures, Message carries the stringified cause sent
// by the provider and Err is nil. A call rejected locally because its handle
// was released, or a Proxy call on a path that is not a function, also
// carries only Message. For other local failures Err is set.
type CallError struct {
	Message string
	Err     error // nil for remote failures
}

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	}
	return c.Message
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

func callError(err error) *CallError { return &CallError{Err: err} }

// A Consumer is the peer that binds to a provider's broadcast snapshot and
// issues calls against it. Use Connect to construct a bound consumer.
//
// The consumer binds to the first matching READY it receives; later READY
// messages are counted and ignored. Calls are correlated by ID, so results
// may arrive in any order.
type Consumer struct {
	name    string
	gcsweep time.Duration
	onHide  ReleasePolicy
	lazy    bool
	allow   func(string) bool
	target  string
	logf    func(string, ...any)
	metrics *consumerMetrics

	port  Port
	tasks *taskgroup.Group
	stop  chan struct{}
	once  sync.Once

	ready chan error // 1-buffered; handshake outcome

	μ        sync.Mutex
	err      error
	bound    bool
	source   Sender // the provider context, recorded from the first READY
	origin   string // origin of the provider context
	snap     *Snapshot
	funcs    mapset.Set[string]
	canon    map[ident]string
	root     any
	pending  map[string]chan callReply
	released mapset.Set[string]
	active   map[string]weak.Pointer[Remote]
}

type callReply struct {
	result any
	errmsg string
	iserr  bool
}

// Connect starts a consumer for the named channel on port and blocks until
// the provider's READY arrives, the provider reports INIT_ERROR, or the
// handshake timeout expires. On success the returned consumer is bound and
// ready for calls.
func Connect(port Port, name string, opts *ConsumerOptions) (*Consumer, error) {
	c := &Consumer{
		name:     name,
		gcsweep:  opts.gcSweepInterval(),
		onHide:   opts.releaseOnHide(),
		lazy:     opts.hideStructure(),
		allow:    opts.allowOrigin(),
		target:   opts.targetOrigin(),
		logf:     opts.logf(),
		metrics:  newConsumerMetrics(),
		port:     port,
		stop:     make(chan struct{}),
		ready:    make(chan error, 1),
		pending:  make(map[string]chan callReply),
		released: mapset.New[string](),
		active:   make(map[string]weak.Pointer[Remote]),
	}
	c.tasks = taskgroup.New(nil)
	c.tasks.Go(c.recvLoop)
	if c.gcsweep > 0 {
		c.tasks.Go(c.runGCSweeper)
	}

	timeout := opts.timeout()
	if timeout < 0 {
		c.Close()
		return nil, c.timeoutError()
	}
	tm := time.NewTimer(timeout)
	defer tm.Stop()
	select {
	case err := <-c.ready:
		if err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	case <-tm.C:
		c.Close()
		return nil, c.timeoutError()
	}
}

func (c *Consumer) timeoutError() error {
	return callError(fmt.Errorf("iframe-rpc initialization timeout for name: %s", c.name))
}

// Metrics returns a metrics map for the consumer. It is safe for the caller
// to add additional metrics to the map while the consumer is active.
func (c *Consumer) Metrics() *expvar.Map { return c.metrics.emap }

// Root returns the consumer's root view of the provider's API: a
// materialised tree (map[string]any) by default, or a *Proxy when the
// consumer was constructed with HideStructure.
func (c *Consumer) Root() any {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.root
}

// Get resolves a dotted path against the root view. For materialised roots
// this is a plain deep read; for lazy roots members are resolved on access.
// Missing members read as nil.
func (c *Consumer) Get(path string) any {
	root := c.Root()
	if p, ok := root.(*Proxy); ok {
		return p.Lookup(path)
	}
	return getDeep(root, path)
}

// Call invokes the function at the given dotted path on the provider and
// returns its result. Results that carry functions are returned as *Remote.
// Errors reported by Call have concrete type *CallError.
func (c *Consumer) Call(ctx context.Context, path string, args ...any) (any, error) {
	return c.call(ctx, path, "", args)
}

// Refresh posts a GET to the channel, asking the provider to repeat its
// READY broadcast. A bound consumer ignores the resulting duplicate; this is
// useful only for consumers racing a slow provider start.
func (c *Consumer) Refresh() error {
	err := c.port.Send(&Message{Proto: Protocol, Name: c.name, Type: MsgGet}, c.target)
	if err == nil {
		c.metrics.msgSent.Add(1)
	}
	return err
}

// Hide applies the consumer's release-on-hide policy, as for a page-hide
// lifecycle event. The persisted flag reports whether the page transition is
// persisted (the page may be restored from a cache).
func (c *Consumer) Hide(persisted bool) {
	switch c.onHide {
	case ReleaseOff:
		return
	case ReleaseAll:
		c.releaseAll()
	case ReleaseNonPersisted:
		if !persisted {
			c.releaseAll()
		}
	}
}

// Close releases all active handles, tears down the port, and blocks until
// the service routines have exited. It corresponds to a before-unload
// lifecycle event and is safe to call multiple times.
func (c *Consumer) Close() error {
	c.releaseAll()
	c.once.Do(func() {
		close(c.stop)
		c.port.Close()
	})
	c.tasks.Wait()
	c.μ.Lock()
	defer c.μ.Unlock()
	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

// recvLoop receives and dispatches messages until the port closes.
func (c *Consumer) recvLoop() error {
	for {
		d, err := c.port.Recv()
		if err != nil {
			c.fail(err)
			return nil
		}
		c.metrics.msgRecv.Add(1)
		c.dispatch(d)
	}
}

// fail records the failure status, terminates pending calls, and unblocks a
// waiting handshake.
func (c *Consumer) fail(err error) {
	c.μ.Lock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.μ.Unlock()
	select {
	case c.ready <- callError(fmt.Errorf("handshake terminated: %w", err)):
	default:
	}
}

// dispatch routes one inbound delivery. Messages that do not match the
// protocol, the channel name, or the origin policy are dropped.
func (c *Consumer) dispatch(d Delivery) {
	m := d.Msg
	if m == nil || m.Proto != Protocol || m.Name != c.name {
		c.metrics.msgDropped.Add(1)
		return
	}
	if c.allow != nil && !c.allow(d.Origin) {
		c.metrics.msgDropped.Add(1)
		if c.logf != nil {
			c.logf("dropped %v message from disallowed origin %q", m.Type, d.Origin)
		}
		return
	}

	switch m.Type {
	case MsgReady:
		c.bind(m, d)

	case MsgInitError:
		c.μ.Lock()
		bound := c.bound
		c.μ.Unlock()
		if !bound {
			select {
			case c.ready <- &CallError{Message: m.Error}:
			default:
			}
		}

	case MsgResult:
		c.deliver(m.ID, callReply{result: m.Result})

	case MsgError:
		c.deliver(m.ID, callReply{errmsg: m.Error, iserr: true})

	default:
		// Unknown and unexpected message types are ignored silently.
		c.metrics.msgDropped.Add(1)
	}
}

// bind records the provider context from the first matching READY and builds
// the root fabric. Later READY messages are counted and ignored: the first
// received binding wins.
func (c *Consumer) bind(m *Message, d Delivery) {
	if m.Ready == nil {
		c.metrics.msgDropped.Add(1)
		return
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.bound {
		c.metrics.readyDropped.Add(1)
		return
	}
	c.bound = true
	c.source = d.Source
	c.origin = d.Origin
	c.snap = m.Ready
	c.funcs = mapset.New(m.Ready.Functions...)
	c.canon = buildCanonicalIndex(m.Ready.Values)

	sc := &scope{
		values:   m.Ready.Values,
		funcList: m.Ready.Functions,
		funcs:    c.funcs,
		canon:    c.canon,
		call: func(ctx context.Context, method string, args []any) (any, error) {
			return c.call(ctx, method, "", args)
		},
	}
	if c.lazy {
		c.root = &Proxy{s: sc}
	} else {
		c.root = materialise(sc)
	}

	select {
	case c.ready <- nil:
	default:
	}
}

// deliver hands a response to the pending call with the given ID, if one
// exists; responses for unknown IDs are discarded.
func (c *Consumer) deliver(id string, r callReply) {
	c.μ.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.μ.Unlock()
	if ok {
		ch <- r
		close(ch)
	}
}

// call posts a CALL for the given method, scoped to handleID when non-empty,
// and blocks until the matching response arrives or ctx ends. Cancellation
// is local only: the wire has no cancel message, and an abandoned response
// is discarded on arrival.
func (c *Consumer) call(ctx context.Context, method, handleID string, args []any) (any, error) {
	c.μ.Lock()
	if handleID != "" && c.released.Has(handleID) {
		c.μ.Unlock()
		return nil, &CallError{Message: fmt.Sprintf("Handle %s released", handleID)}
	}
	if err := c.err; err != nil {
		c.μ.Unlock()
		return nil, callError(fmt.Errorf("call failed: %w", err))
	}
	if !c.bound {
		c.μ.Unlock()
		return nil, callError(fmt.Errorf("consumer %q is not bound", c.name))
	}
	id := genID()
	ch := make(chan callReply, 1)
	c.pending[id] = ch
	to, origin := c.source, c.origin
	c.μ.Unlock()

	c.metrics.callOut.Add(1)
	err := to.Send(&Message{
		Proto:  Protocol,
		Name:   c.name,
		Type:   MsgCall,
		ID:     id,
		Method: method,
		Handle: handleID,
		Args:   args,
	}, origin)
	if err != nil {
		c.μ.Lock()
		delete(c.pending, id)
		c.μ.Unlock()
		c.metrics.callOutErr.Add(1)
		return nil, callError(err)
	}
	c.metrics.msgSent.Add(1)
	c.metrics.callPending.Add(1)
	defer c.metrics.callPending.Add(-1)

	select {
	case <-ctx.Done():
		c.μ.Lock()
		delete(c.pending, id)
		c.μ.Unlock()
		c.metrics.callOutErr.Add(1)
		return nil, callError(ctx.Err())

	case r, ok := <-ch:
		if !ok {
			// Closed without a response: the consumer failed.
			c.μ.Lock()
			err := c.err
			c.μ.Unlock()
			c.metrics.callOutErr.Add(1)
			return nil, callError(fmt.Errorf("call terminated: %w", err))
		}
		if r.iserr {
			c.metrics.callOutErr.Add(1)
			return nil, &CallError{Message: r.errmsg}
		}
		if hr, ok := r.result.(*HandleRef); ok {
			return c.newRemote(hr), nil
		}
		return r.result, nil
	}
}

// newRemote wraps a handle payload in a *Remote and registers it for
// GC-triggered release.
func (c *Consumer) newRemote(hr *HandleRef) *Remote {
	r := &Remote{c: c, id: hr.ID, kind: hr.Kind}
	if hr.Kind == ObjectHandle {
		sc := &scope{
			values:   hr.Values,
			funcList: hr.Functions,
			funcs:    mapset.New(hr.Functions...),
			canon:    buildCanonicalIndex(hr.Values),
			call: func(ctx context.Context, method string, args []any) (any, error) {
				// Holding r here keeps the handle alive as long as any view of
				// it is reachable, not just the Remote itself.
				return r.c.call(ctx, method, r.id, args)
			},
		}
		r.scope = sc
		if c.lazy {
			r.root = &Proxy{s: sc}
		} else {
			r.root = materialise(sc)
		}
	}

	c.μ.Lock()
	c.active[hr.ID] = weak.Make(r)
	c.μ.Unlock()

	// The cleanup must not capture r itself, only what it needs to issue the
	// release once r becomes unreachable.
	runtime.AddCleanup(r, func(id string) { c.releaseHandle(id) }, hr.ID)
	return r
}

// releaseHandle issues RELEASE_HANDLE for id, once. Further calls against
// the handle short-circuit locally without wire traffic.
func (c *Consumer) releaseHandle(id string) {
	c.μ.Lock()
	if c.released.Has(id) {
		c.μ.Unlock()
		return
	}
	c.released.Add(id)
	delete(c.active, id)
	to, origin, bound := c.source, c.origin, c.bound
	c.μ.Unlock()
	if !bound {
		return
	}
	c.metrics.releasesSent.Add(1)
	// Best effort: a release racing a closed port is already moot.
	if err := to.Send(&Message{
		Proto: Protocol, Name: c.name, Type: MsgRelease, Handle: id,
	}, origin); err == nil {
		c.metrics.msgSent.Add(1)
	}
}

// releaseAll releases every active handle.
func (c *Consumer) releaseAll() {
	c.μ.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.μ.Unlock()
	for _, id := range ids {
		c.releaseHandle(id)
	}
}

// runGCSweeper periodically scans the active-handle table for remotes that
// have been collected without an explicit release, and releases them. This
// backstops the cleanup registration, which the runtime does not guarantee
// to run promptly.
func (c *Consumer) runGCSweeper() error {
	t := time.NewTicker(c.gcsweep)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return nil
		case <-t.C:
			c.μ.Lock()
			var dead []string
			for id, wp := range c.active {
				if wp.Value() == nil {
					dead = append(dead, id)
				}
			}
			c.μ.Unlock()
			for _, id := range dead {
				c.releaseHandle(id)
			}
		}
	}
}
