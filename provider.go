// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
)

// Default provider settings, used when the corresponding option is zero.
const (
	DefaultHandleTTL     = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

// ProviderOptions configure a Provider. A nil *ProviderOptions is ready for
// use and provides defaults as described.
type ProviderOptions struct {
	// The channel name binding this provider to its consumers.
	Name string

	// How long an unused handle survives before the sweeper discards it.
	// Zero means DefaultHandleTTL; a negative value disables expiry.
	HandleTTL time.Duration

	// How often the sweeper checks for expired handles. Zero means
	// DefaultSweepInterval; a negative value disables the sweeper.
	SweepInterval time.Duration

	// If set, report whether messages from the given origin are accepted.
	// Messages from rejected origins are dropped without reply. If nil,
	// AllowedOrigins is consulted; if that is also empty, all origins are
	// accepted.
	AllowOrigin func(origin string) bool

	// A fixed list of acceptable origins, used when AllowOrigin is nil.
	AllowedOrigins []string

	// The target origin for the initial READY broadcast. Replies always echo
	// the origin of the request. If empty, "*" is used.
	TargetOrigin string

	// If set, a callback to receive log messages about dropped messages,
	// accessor failures, and other non-fatal conditions.
	Logf func(string, ...any)
}

func (o *ProviderOptions) name() string {
	if o == nil {
		return ""
	}
	return o.Name
}

func (o *ProviderOptions) handleTTL() time.Duration {
	if o == nil || o.HandleTTL == 0 {
		return DefaultHandleTTL
	}
	return o.HandleTTL
}

func (o *ProviderOptions) sweepInterval() time.Duration {
	if o == nil || o.SweepInterval == 0 {
		return DefaultSweepInterval
	}
	return o.SweepInterval
}

func (o *ProviderOptions) targetOrigin() string {
	if o == nil || o.TargetOrigin == "" {
		return "*"
	}
	return o.TargetOrigin
}

func (o *ProviderOptions) logf() func(string, ...any) {
	if o == nil {
		return nil
	}
	return o.Logf
}

func (o *ProviderOptions) allowOrigin() func(string) bool {
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

// A Provider hosts an API tree on one side of a port. At startup it takes a
// value-only snapshot of the tree and broadcasts it to the peer; thereafter
// it services CALL messages against the original tree, minting handles for
// results that carry functions.
//
// Call Start with a port to start the service routine for the provider. Once
// started, a provider runs until Stop is called or the port closes. Use Wait
// to wait for the provider to exit and report its status.
type Provider struct {
	api    any
	name   string
	ttl    time.Duration
	sweep  time.Duration
	allow  func(string) bool
	target string
	logf   func(string, ...any)

	snap    *Snapshot
	metrics *providerMetrics

	in  interface{ Recv() (Delivery, error) }
	out struct {
		// Must hold the lock to send to or set port.
		sync.Mutex
		port Port
	}
	tasks  *taskgroup.Group
	sctx   context.Context // base context for handler invocations
	cancel context.CancelFunc

	μ       sync.Mutex
	err     error
	handles map[string]*handle
}

// A handle is a provider-side binding for a call result carrying functions.
type handle struct {
	value    any
	lastUsed time.Time
}

// NewProvider constructs a new unstarted provider for the given API tree.
func NewProvider(api any, opts *ProviderOptions) *Provider {
	return &Provider{
		api:     api,
		name:    opts.name(),
		ttl:     opts.handleTTL(),
		sweep:   opts.sweepInterval(),
		allow:   opts.allowOrigin(),
		target:  opts.targetOrigin(),
		logf:    opts.logf(),
		metrics: newProviderMetrics(),
	}
}

// Start starts the provider running on the given port. The provider runs
// until the port closes or Stop is called. Start does not block; call Wait to
// wait for the provider to exit and report its status.
//
// Before entering its receive loop the provider broadcasts a READY message
// carrying its snapshot to the peer. If building or sending the snapshot
// fails, it broadcasts INIT_ERROR with the stringified cause instead and
// remains running (a later GET can retry the handshake).
func (p *Provider) Start(port Port) *Provider {
	if p.in != nil {
		panic("provider is already started")
	}

	g := taskgroup.New(nil)
	p.in = port
	p.tasks = g
	p.out.port = port
	p.err = nil
	p.handles = make(map[string]*handle)
	p.sctx, p.cancel = context.WithCancel(context.Background())

	if err := p.sendReady(port, p.target); err != nil {
		p.send(port, &Message{
			Proto: Protocol, Name: p.name, Type: MsgInitError, Error: serializeError(err),
		}, p.target)
	}

	g.Go(func() error {
		for {
			d, err := p.in.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			p.metrics.msgRecv.Add(1)
			p.dispatch(d)
		}
	})
	if p.ttl > 0 && p.sweep > 0 {
		g.Go(p.runSweeper)
	}
	return p
}

// Metrics returns a metrics map for the provider. It is safe for the caller
// to add additional metrics to the map while the provider is active.
func (p *Provider) Metrics() *expvar.Map { return p.metrics.emap }

// Snapshot returns the value snapshot and function-path set broadcast by the
// provider, building it if necessary. It reports an error if traversing the
// API tree panicked.
func (p *Provider) Snapshot() (_ *Snapshot, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("snapshot: %v", x)
		}
	}()
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.snap == nil {
		p.snap = &Snapshot{
			Values:    cloneValues(p.api, p.logf),
			Functions: collectFunctionPaths(p.api, p.logf),
		}
	}
	return p.snap, nil
}

// Stop closes the port and terminates the provider. It blocks until the
// provider has exited and returns its status. After Stop completes it is
// safe to restart the provider with a new port.
func (p *Provider) Stop() error { p.closeOut(); return p.Wait() }

// Wait blocks until p terminates and reports the error that caused it to
// stop. If p is not running, or stopped because of a closed port, Wait
// returns nil.
func (p *Provider) Wait() error {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return nil // the provider is not running
	}
	t.Wait()

	// Clean up provider state so it can be restarted.
	p.μ.Lock()
	defer p.μ.Unlock()
	p.in = nil
	p.tasks = nil
	p.out.Lock()
	p.out.port = nil
	p.out.Unlock()
	p.handles = nil

	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// HandleLen reports the number of live handles held by the provider.
func (p *Provider) HandleLen() int {
	p.μ.Lock()
	defer p.μ.Unlock()
	return len(p.handles)
}

// fail terminates the service routines and records the failure status.
func (p *Provider) fail(err error) {
	p.closeOut()
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *Provider) closeOut() {
	if p.cancel != nil {
		p.cancel()
	}
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.port != nil {
		p.out.port.Close()
	}
}

// sendReady sends the READY snapshot to the given sender.
func (p *Provider) sendReady(to Sender, targetOrigin string) error {
	snap, err := p.Snapshot()
	if err != nil {
		return err
	}
	return p.send(to, &Message{
		Proto: Protocol, Name: p.name, Type: MsgReady, Ready: snap,
	}, targetOrigin)
}

func (p *Provider) send(to Sender, m *Message, targetOrigin string) error {
	err := to.Send(m, targetOrigin)
	if err == nil {
		p.metrics.msgSent.Add(1)
	}
	return err
}

// dispatch routes one inbound delivery. Messages that do not match the
// protocol, the channel name, or the origin policy are dropped.
func (p *Provider) dispatch(d Delivery) {
	m := d.Msg
	if m == nil || m.Proto != Protocol || m.Name != p.name {
		p.metrics.msgDropped.Add(1)
		return
	}
	if p.allow != nil && !p.allow(d.Origin) {
		p.metrics.msgDropped.Add(1)
		if p.logf != nil {
			p.logf("dropped %v message from disallowed origin %q", m.Type, d.Origin)
		}
		return
	}

	switch m.Type {
	case MsgGet:
		// Re-handshake: send READY back to the requesting context, using its
		// origin as the target.
		if err := p.sendReady(d.Source, d.Origin); err != nil && p.logf != nil {
			p.logf("re-handshake send failed: %v", err)
		}

	case MsgCall:
		p.metrics.callIn.Add(1)
		p.metrics.callActive.Add(1)
		p.tasks.Go(func() error {
			defer p.metrics.callActive.Add(-1)
			p.serveCall(d)
			return nil
		})

	case MsgRelease:
		p.μ.Lock()
		if _, ok := p.handles[m.Handle]; ok {
			delete(p.handles, m.Handle)
			p.metrics.handlesReleased.Add(1)
		}
		p.μ.Unlock()

	default:
		// Unknown and unexpected message types are ignored silently.
		p.metrics.msgDropped.Add(1)
	}
}

// serveCall services one CALL message and replies to its source with RESULT
// or ERROR. The reply echoes the origin of the request.
func (p *Provider) serveCall(d Delivery) {
	m := d.Msg
	result, err := p.call(m)

	reply := &Message{Proto: Protocol, Name: p.name, ID: m.ID}
	if err != nil {
		p.metrics.callInErr.Add(1)
		reply.Type = MsgError
		reply.Error = serializeError(err)
	} else {
		reply.Type = MsgResult
		reply.Result = result
	}
	if serr := p.send(d.Source, reply, d.Origin); serr != nil && p.logf != nil {
		p.logf("reply for call %s failed: %v", m.ID, serr)
	}
}

// call resolves and invokes the function named by a CALL message and returns
// its serialised result.
func (p *Provider) call(m *Message) (any, error) {
	root := p.api
	if m.Handle != "" {
		p.μ.Lock()
		h, ok := p.handles[m.Handle]
		if ok {
			h.lastUsed = time.Now()
		}
		p.μ.Unlock()
		if !ok {
			return nil, fmt.Errorf("Handle %s not found", m.Handle)
		}
		root = h.value
	}

	var fn any
	if m.Method == "" {
		fn = root
	} else {
		fn = getDeep(root, m.Method)
	}
	if !isCallable(fn) {
		if m.Method == "" {
			return nil, errors.New(`Method "<root>" not found`)
		}
		return nil, fmt.Errorf("Method %s not found", m.Method)
	}

	out, err := invokeFunc(p.sctx, fn, m.Args)
	if err != nil {
		return nil, err
	}
	return p.wrapResult(out), nil
}

// wrapResult serialises a call result: functions and function-bearing
// composites become handle payloads, everything else is emitted as a plain
// value. Only the outermost composite of a result is wrapped; drill-down
// calls against it mint fresh handles per level.
func (p *Provider) wrapResult(v any) any {
	if v == nil {
		return nil
	}
	if isCallable(v) {
		return &HandleRef{ID: p.newHandle(v), Kind: FuncHandle}
	}
	if !isComposite(v) {
		return v
	}
	funcs := collectFunctionPaths(v, p.logf)
	if len(funcs) == 0 {
		return v
	}
	return &HandleRef{
		ID:        p.newHandle(v),
		Kind:      ObjectHandle,
		Values:    cloneValues(v, p.logf),
		Functions: funcs,
	}
}

func (p *Provider) newHandle(v any) string {
	id := genID()
	p.μ.Lock()
	p.handles[id] = &handle{value: v, lastUsed: time.Now()}
	p.metrics.handlesCreated.Add(1)
	p.μ.Unlock()
	return id
}

// runSweeper periodically discards handles that have been idle longer than
// the configured TTL. It runs until the provider stops.
func (p *Provider) runSweeper() error {
	t := time.NewTicker(p.sweep)
	defer t.Stop()
	for {
		select {
		case <-p.sctx.Done():
			return nil
		case now := <-t.C:
			p.μ.Lock()
			for id, h := range p.handles {
				if now.Sub(h.lastUsed) > p.ttl {
					delete(p.handles, id)
					p.metrics.handlesSwept.Add(1)
				}
			}
			p.μ.Unlock()
		}
	}
}

var ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errType = reflect.TypeOf((*error)(nil)).Elem()

// invokeFunc reflectively invokes fn with the given arguments. An optional
// leading context.Context parameter receives ctx. Results may be (), (T),
// (error), or (T, error). A panic out of fn is recovered and reported as the
// call error.
func invokeFunc(ctx context.Context, fn any, args []any) (any, error) {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()

	in := make([]reflect.Value, 0, ft.NumIn())
	pos := 0
	if ft.NumIn() > 0 && ft.In(0) == ctxType {
		in = append(in, reflect.ValueOf(ctx))
		pos = 1
	}
	want := ft.NumIn() - pos
	if ft.IsVariadic() {
		if len(args) < want-1 {
			return nil, fmt.Errorf("got %d arguments, want at least %d", len(args), want-1)
		}
	} else if len(args) != want {
		return nil, fmt.Errorf("got %d arguments, want %d", len(args), want)
	}
	for i, arg := range args {
		var at reflect.Type
		if idx := pos + i; ft.IsVariadic() && idx >= ft.NumIn()-1 {
			at = ft.In(ft.NumIn() - 1).Elem()
		} else {
			at = ft.In(idx)
		}
		av, err := coerceValue(arg, at)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		in = append(in, av)
	}

	var out []reflect.Value
	err := func() (err error) {
		defer func() {
			if x := recover(); x != nil && err == nil {
				err = fmt.Errorf("call panicked (recovered): %v", x)
			}
		}()
		out = fv.Call(in)
		return nil
	}()
	if err != nil {
		return nil, err
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if ft.Out(0) == errType {
			err, _ := out[0].Interface().(error)
			return nil, err
		}
		return out[0].Interface(), nil
	case 2:
		if ft.Out(1) != errType {
			return nil, fmt.Errorf("unsupported result signature %s", ft)
		}
		if err, _ := out[1].Interface().(error); err != nil {
			return nil, err
		}
		return out[0].Interface(), nil
	default:
		return nil, fmt.Errorf("unsupported result signature %s", ft)
	}
}

// coerceValue adapts v to type t, converting between compatible kinds
// (notably numeric widths) where assignment alone does not suffice.
func coerceValue(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use nil as %s", t)
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(t) {
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return rv.Convert(t), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, t)
}
