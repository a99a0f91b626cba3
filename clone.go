// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"regexp"
	"time"
)

// ErrUncloneable is reported when a value cannot cross a port because it (or
// something it contains) has no structured-value representation, notably any
// function value. It corresponds to a DataCloneError in the browser protocol.
var ErrUncloneable = errors.New("value cannot be cloned")

// isPassThrough reports whether v is conveyed by identity rather than by
// field-by-field traversal. Pass-through values are leaves: the tree walkers
// never look inside them, and the cloners reuse the instance (for maps with
// non-string keys, a fresh map of the same type with value-cloned entries).
func isPassThrough(v any) bool {
	switch v.(type) {
	case time.Time, *time.Time, *regexp.Regexp, []byte, *big.Int:
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Map && rv.Type().Key().Kind() != reflect.String
}

// An ident is the reference identity of a compound value, used to preserve
// sharing and cycles during traversal. Values without a stable address (plain
// structs, primitives, empty slices) have no identity.
type ident struct {
	kind reflect.Kind
	ptr  uintptr
}

// identOf returns the identity of v, if it has one.
func identOf(v any) (ident, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if rv.IsNil() {
			return ident{}, false
		}
		return ident{rv.Kind(), rv.Pointer()}, true
	case reflect.Slice:
		// Zero-length slices may share the runtime's zero base address, which
		// would conflate distinct values; they cannot participate in a cycle,
		// so they are safely treated as identity-free.
		if rv.IsNil() || rv.Len() == 0 {
			return ident{}, false
		}
		return ident{reflect.Slice, rv.Pointer()}, true
	}
	return ident{}, false
}

// isComposite reports whether v is a traversable compound value: a map, a
// slice or array, or a struct (possibly behind pointers), excluding
// pass-through built-ins.
func isComposite(v any) bool {
	if v == nil || isPassThrough(v) {
		return false
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	}
	return false
}

// cloneValues returns a value-only deep copy of root: functions are omitted,
// pass-through built-ins are reused by identity, accessors are evaluated once
// (a failing accessor omits its key), and sharing and cycles are preserved.
// Accessor failures are reported through logf when it is non-nil.
func cloneValues(root any, logf func(string, ...any)) any {
	c := &cloner{logf: logf, seen: make(map[ident]any)}
	out, _ := c.clone(root, "") // strict is false, no error is possible
	if out == skipEntry {
		return nil
	}
	return out
}

// cloneStrict returns a deep copy of v suitable for crossing a port. It is
// the wire-boundary counterpart of cloneValues: instead of omitting values
// with no structured representation, it reports ErrUncloneable.
func cloneStrict(v any) (any, error) {
	c := &cloner{strict: true, seen: make(map[ident]any)}
	return c.clone(v, "")
}

// skipEntry is an internal marker reported by the cloner for entries that are
// omitted from the copy (functions and failed accessors in value mode).
var skipEntry any = new(struct{})

type cloner struct {
	strict bool // report ErrUncloneable instead of omitting
	logf   func(string, ...any)
	seen   map[ident]any // original identity → cloned node
}

func (c *cloner) clone(v any, path string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case Getter:
		if c.strict {
			return nil, fmt.Errorf("%w: accessor at %q", ErrUncloneable, path)
		}
		got, err := safeGet(t)
		if err != nil {
			if c.logf != nil {
				c.logf("accessor %q failed: %v", path, err)
			}
			return skipEntry, nil
		}
		return c.clone(got, path)

	case *HandleRef:
		// Handle payloads cross the wire intact apart from their scoped
		// snapshot, which is value-cloned like any other payload.
		hv, err := c.clone(t.Values, path)
		if err != nil {
			return nil, err
		}
		if hv == skipEntry {
			hv = nil
		}
		return &HandleRef{
			ID:        t.ID,
			Kind:      t.Kind,
			Values:    hv,
			Functions: append([]string(nil), t.Functions...),
		}, nil
	}
	if isPassThrough(v) {
		return c.passThrough(v, path)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		if c.strict {
			return nil, fmt.Errorf("%w: %s at %q", ErrUncloneable, rv.Kind(), path)
		}
		return skipEntry, nil

	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		if id, ok := identOf(v); ok {
			if dup, ok := c.seen[id]; ok {
				return dup, nil
			}
		}
		if rv.Elem().Kind() == reflect.Struct {
			return c.cloneStruct(rv.Elem(), v, path)
		}
		return c.clone(rv.Elem().Interface(), path)

	case reflect.Struct:
		return c.cloneStruct(rv, nil, path)

	case reflect.Map:
		id, hasID := identOf(v)
		if hasID {
			if dup, ok := c.seen[id]; ok {
				return dup, nil
			}
		}
		out := make(map[string]any, rv.Len())
		if hasID {
			c.seen[id] = out
		}
		for it := rv.MapRange(); it.Next(); {
			key := it.Key().String()
			cv, err := c.clone(it.Value().Interface(), joinPath(path, key))
			if err != nil {
				return nil, err
			}
			if cv != skipEntry {
				out[key] = cv
			}
		}
		return out, nil

	case reflect.Slice, reflect.Array:
		id, hasID := identOf(v)
		if hasID {
			if dup, ok := c.seen[id]; ok {
				return dup, nil
			}
		}
		out := make([]any, rv.Len())
		if hasID {
			c.seen[id] = out
		}
		for i := range rv.Len() {
			cv, err := c.clone(rv.Index(i).Interface(), joinPath(path, itoa(i)))
			if err != nil {
				return nil, err
			}
			if cv != skipEntry {
				out[i] = cv
			}
		}
		return out, nil
	}
	return v, nil // primitive
}

// cloneStruct copies the exported fields of sv into a fresh map. When the
// struct was reached through a pointer, orig carries that pointer so the copy
// can be registered for cycle preservation before fields are visited.
func (c *cloner) cloneStruct(sv reflect.Value, orig any, path string) (any, error) {
	out := make(map[string]any)
	if orig != nil {
		if id, ok := identOf(orig); ok {
			c.seen[id] = out
		}
	}
	st := sv.Type()
	for i := range st.NumField() {
		f := st.Field(i)
		if !f.IsExported() {
			continue
		}
		cv, err := c.clone(sv.Field(i).Interface(), joinPath(path, f.Name))
		if err != nil {
			return nil, err
		}
		if cv != skipEntry {
			out[f.Name] = cv
		}
	}
	return out, nil
}

// passThrough copies a pass-through value. Most kinds are reused as-is; maps
// with non-string keys get a fresh map of the same type whose entries are
// value-cloned where the element type permits.
func (c *cloner) passThrough(v any, path string) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return v, nil
	}
	id, hasID := identOf(v)
	if hasID {
		if dup, ok := c.seen[id]; ok {
			return dup, nil
		}
	}
	out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
	if hasID {
		c.seen[id] = out.Interface()
	}
	elem := rv.Type().Elem()
	for it := rv.MapRange(); it.Next(); {
		ev, err := c.clone(it.Value().Interface(), path)
		if err != nil {
			return nil, err
		}
		if ev == skipEntry {
			continue
		}
		cv := reflect.ValueOf(ev)
		if ev == nil {
			cv = reflect.Zero(elem)
		}
		if cv.Type().AssignableTo(elem) {
			out.SetMapIndex(it.Key(), cv)
		} else {
			out.SetMapIndex(it.Key(), it.Value())
		}
	}
	return out.Interface(), nil
}
