// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/creachadair/mds/mapset"
)

// A scope is one addressable snapshot on the consumer: either the root API
// received in the handshake, or the scoped snapshot of an object handle. The
// call hook posts a CALL for a function path within the scope.
type scope struct {
	values   any
	funcList []string
	funcs    mapset.Set[string]
	canon    map[ident]string
	call     func(ctx context.Context, method string, args []any) (any, error)
}

// funcAt returns the callable for the function path p within s.
func (s *scope) funcAt(p string) Func {
	return func(ctx context.Context, args ...any) (any, error) {
		return s.call(ctx, p, args)
	}
}

// hasFuncBelow reports whether any function path equals p or descends from
// it.
func (s *scope) hasFuncBelow(p string) bool {
	if s.funcs.Has(p) {
		return true
	}
	sub := p + "."
	for f := range s.funcs {
		if strings.HasPrefix(f, sub) {
			return true
		}
	}
	return false
}

// A Proxy is a lazy view of part of a snapshot: members are resolved on
// access rather than materialised up front. It hides the structure of the
// underlying value; use Get or Lookup to read members.
type Proxy struct {
	s      *scope
	prefix string
}

// Get resolves one member key against the proxy's position. It returns a
// Func for function members (resolving alias paths through the canonical
// index), the value itself for primitive and pass-through members, a child
// *Proxy for compound members and for positions that exist only as function
// path prefixes, or nil when the member does not exist.
func (p *Proxy) Get(key string) any {
	full := joinPath(p.prefix, key)

	// A function recorded at this exact path.
	if p.s.funcs.Has(full) {
		return p.s.funcAt(full)
	}

	// An alias: this position reaches a value whose canonical path carries
	// the function.
	cp, alias := p.canonicalPrefix()
	if alias {
		if cfull := joinPath(cp, key); p.s.funcs.Has(cfull) {
			return p.s.funcAt(cfull)
		}
	}

	// A plain value in the snapshot.
	if v := getDeep(p.s.values, full); v != nil {
		if isPassThrough(v) || !isComposite(v) {
			return v
		}
		return &Proxy{s: p.s, prefix: full}
	}

	// No value, but functions are reachable below this position.
	if p.s.hasFuncBelow(full) {
		return &Proxy{s: p.s, prefix: full}
	}
	if alias {
		if cfull := joinPath(cp, key); p.s.hasFuncBelow(cfull) {
			return &Proxy{s: p.s, prefix: full}
		}
	}
	return nil
}

// canonicalPrefix reports the canonical path of the value at the proxy's
// position, and whether it differs from the position itself.
func (p *Proxy) canonicalPrefix() (string, bool) {
	parent := getDeep(p.s.values, p.prefix)
	id, ok := identOf(parent)
	if !ok {
		return "", false
	}
	cp, ok := p.s.canon[id]
	return cp, ok && cp != p.prefix
}

// Lookup resolves a dotted path relative to the proxy's position. An empty
// path returns the proxy itself.
func (p *Proxy) Lookup(path string) any {
	if path == "" {
		return p
	}
	var cur any = p
	for _, seg := range strings.Split(path, ".") {
		pp, ok := cur.(*Proxy)
		if !ok {
			return nil
		}
		cur = pp.Get(seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Call resolves path to a function member and invokes it. It reports a
// *CallError if the path does not name a function.
func (p *Proxy) Call(ctx context.Context, path string, args ...any) (any, error) {
	v := p.Lookup(path)
	f, ok := v.(Func)
	if !ok {
		return nil, &CallError{Message: fmt.Sprintf("Method %s not found", path)}
	}
	return f(ctx, args...)
}

// Keys reports the member keys visible at the proxy's position: the keys of
// the underlying snapshot value plus the next segment of every function path
// below the position, sorted.
func (p *Proxy) Keys() []string {
	seen := mapset.New[string]()
	switch v := getDeep(p.s.values, p.prefix).(type) {
	case map[string]any:
		for k := range v {
			seen.Add(k)
		}
	case []any:
		for i := range v {
			seen.Add(itoa(i))
		}
	}
	var sub string
	if p.prefix != "" {
		sub = p.prefix + "."
	}
	for f := range p.s.funcs {
		if rest, ok := strings.CutPrefix(f, sub); ok {
			key, _, _ := strings.Cut(rest, ".")
			seen.Add(key)
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// materialise builds a real, enumerable tree from a scope: a deep copy of
// the snapshot (sharing and cycles preserved, pass-through built-ins reused)
// with a callable installed at every function path. Alias paths arising from
// cycles see the callables through the shared nodes.
func materialise(s *scope) any {
	out := copyTree(s.values, make(map[ident]any))
	for _, f := range s.funcList {
		out = installFunc(out, strings.Split(f, "."), s.funcAt(f))
	}
	return out
}

// copyTree deep-copies a received snapshot (maps, slices, primitives, and
// pass-through leaves), preserving sharing and cycles.
func copyTree(v any, seen map[ident]any) any {
	if v == nil || isPassThrough(v) {
		return v
	}
	switch t := v.(type) {
	case map[string]any:
		id, ok := identOf(v)
		if ok {
			if dup, ok := seen[id]; ok {
				return dup
			}
		}
		out := make(map[string]any, len(t))
		if ok {
			seen[id] = out
		}
		for k, e := range t {
			out[k] = copyTree(e, seen)
		}
		return out
	case []any:
		id, ok := identOf(v)
		if ok {
			if dup, ok := seen[id]; ok {
				return dup
			}
		}
		out := make([]any, len(t))
		if ok {
			seen[id] = out
		}
		for i, e := range t {
			out[i] = copyTree(e, seen)
		}
		return out
	}
	return v
}

// installFunc installs fn at the path given by segs within node, creating
// intermediate containers where the snapshot has none: a slice when the next
// segment is numeric, a map otherwise. It returns node, which may be a new
// value when a slice had to grow.
func installFunc(node any, segs []string, fn Func) any {
	key := segs[0]
	idx, ierr := strconv.Atoi(key)
	numeric := ierr == nil && idx >= 0
	if node == nil {
		if numeric {
			node = make([]any, idx+1)
		} else {
			node = make(map[string]any)
		}
	}

	if len(segs) == 1 {
		switch t := node.(type) {
		case map[string]any:
			t[key] = fn
		case []any:
			if numeric {
				t = growSlice(t, idx)
				t[idx] = fn
				return t
			}
		}
		return node
	}

	switch t := node.(type) {
	case map[string]any:
		t[key] = installFunc(t[key], segs[1:], fn)
	case []any:
		if numeric {
			t = growSlice(t, idx)
			t[idx] = installFunc(t[idx], segs[1:], fn)
			return t
		}
	}
	return node
}

func growSlice(s []any, idx int) []any {
	for len(s) <= idx {
		s = append(s, nil)
	}
	return s
}

// A Remote is a live reference to a handle minted by the provider for a call
// result that carries functions. Function-kind remotes are invoked directly
// with Invoke; object-kind remotes expose the same fabric as the consumer
// root, scoped to the handle, through Root, Get, and Call.
//
// A remote that is dropped without an explicit Release is released
// asynchronously once the garbage collector reclaims it. After release,
// every call through the remote fails locally without wire traffic.
type Remote struct {
	c     *Consumer
	id    string
	kind  HandleKind
	scope *scope
	root  any
}

// ID reports the handle identifier of r.
func (r *Remote) ID() string { return r.id }

// Kind reports whether r refers to a function or an object handle.
func (r *Remote) Kind() HandleKind { return r.kind }

// Invoke calls the handle's own function. It is the calling surface of a
// function-kind remote; for object kinds the provider reports an error.
func (r *Remote) Invoke(ctx context.Context, args ...any) (any, error) {
	return r.c.call(ctx, "", r.id, args)
}

// Call invokes the function at the given dotted path within the handle's
// scope.
func (r *Remote) Call(ctx context.Context, path string, args ...any) (any, error) {
	return r.c.call(ctx, path, r.id, args)
}

// Root returns the remote's view of the handle's scoped snapshot: a
// materialised tree or a *Proxy, per the consumer's HideStructure setting.
// It is nil for function-kind remotes.
func (r *Remote) Root() any { return r.root }

// Get resolves a dotted path against the remote's root view. Missing
// members read as nil.
func (r *Remote) Get(path string) any {
	if p, ok := r.root.(*Proxy); ok {
		return p.Lookup(path)
	}
	return getDeep(r.root, path)
}

// Release discards the provider-side handle. Subsequent calls through r fail
// locally with a released-handle error and cause no wire traffic. Release is
// safe to call multiple times.
func (r *Remote) Release() { r.c.releaseHandle(r.id) }
