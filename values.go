// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/google/uuid"
)

// A Getter is an accessor member of an API tree. It is evaluated each time
// the member is read: twice during snapshot construction (once by the value
// copy and once more by the function-path scan), and again on each
// dotted-path traversal during call dispatch. An error (or panic) from a
// Getter omits the member, it is never propagated to the peer.
type Getter func() (any, error)

// A Func is the callable installed by the consumer fabric at each function
// path. Invoking it posts a CALL to the provider and blocks until the
// matching RESULT or ERROR arrives, or ctx ends.
type Func func(ctx context.Context, args ...any) (any, error)

// safeGet evaluates g, converting a panic into an error.
func safeGet(g Getter) (v any, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("accessor panic: %v", x)
		}
	}()
	return g()
}

// joinPath appends key to a dotted path prefix.
func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func itoa(i int) string { return strconv.Itoa(i) }

// getDeep walks a dotted path from root, reporting nil if any intermediate
// member is missing. The empty path names root itself. Numeric segments
// index into slices and arrays; accessors encountered along the way are
// evaluated, and an accessor failure reads as a missing member.
func getDeep(root any, path string) any {
	cur := root
	if path == "" {
		return cur
	}
	for _, seg := range strings.Split(path, ".") {
		cur = resolveKey(cur, seg)
		if g, ok := cur.(Getter); ok {
			got, err := safeGet(g)
			if err != nil {
				return nil
			}
			cur = got
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

// resolveKey resolves a single path segment against v: map entries by key,
// slice and array elements by index, struct fields and methods by name.
// Pass-through built-ins have no members.
func resolveKey(v any, key string) any {
	if v == nil || isPassThrough(v) {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		if m := rv.MethodByName(key); m.IsValid() {
			return m.Interface()
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		kv := reflect.ValueOf(key)
		if !kv.Type().ConvertibleTo(rv.Type().Key()) {
			return nil
		}
		mv := rv.MapIndex(kv.Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil
		}
		return mv.Interface()

	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil
		}
		return rv.Index(idx).Interface()

	case reflect.Struct:
		if m := rv.MethodByName(key); m.IsValid() {
			return m.Interface()
		}
		if sf, ok := rv.Type().FieldByName(key); ok && sf.IsExported() {
			return rv.FieldByName(key).Interface()
		}
	}
	return nil
}

// A memberKV is one readable member of a tree node, produced by readMembers.
type memberKV struct {
	Key string
	Val any
}

// readMembers enumerates the readable members of v in a stable order: map
// entries by sorted key, then struct fields in declaration order, then
// exported methods. Accessor members are evaluated; a failing accessor is
// omitted and reported through logf. Pass-through built-ins have no members.
func readMembers(v any, logf func(string, ...any), path string) []memberKV {
	if v == nil || isPassThrough(v) {
		return nil
	}
	rv := reflect.ValueOf(v)
	var methods reflect.Value
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		if !methods.IsValid() {
			methods = rv
		}
		rv = rv.Elem()
	}

	var out []memberKV
	add := func(key string, mv any) {
		if g, ok := mv.(Getter); ok {
			got, err := safeGet(g)
			if err != nil {
				if logf != nil {
					logf("accessor %q failed: %v", joinPath(path, key), err)
				}
				return
			}
			mv = got
		}
		out = append(out, memberKV{Key: key, Val: mv})
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		keys := make([]string, 0, rv.Len())
		for it := rv.MapRange(); it.Next(); {
			keys = append(keys, it.Key().String())
		}
		sort.Strings(keys)
		for _, key := range keys {
			mv := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
			add(key, mv.Interface())
		}

	case reflect.Slice, reflect.Array:
		for i := range rv.Len() {
			add(itoa(i), rv.Index(i).Interface())
		}

	case reflect.Struct:
		st := rv.Type()
		for i := range st.NumField() {
			f := st.Field(i)
			if !f.IsExported() {
				continue
			}
			add(f.Name, rv.Field(i).Interface())
		}
		// Methods on the pointer receiver when the node was reached through a
		// pointer, otherwise on the value itself.
		recv := rv
		if methods.IsValid() {
			recv = methods
		}
		rt := recv.Type()
		for i := range rt.NumMethod() {
			m := rt.Method(i)
			if !m.IsExported() {
				continue
			}
			out = append(out, memberKV{Key: m.Name, Val: recv.Method(i).Interface()})
		}
	}
	return out
}

// isCallable reports whether v is a function member (a func value that is
// not an accessor).
func isCallable(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := v.(Getter); ok {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Func
}

// collectFunctionPaths returns the dotted paths at which functions are
// reachable in the tree rooted at root. Traversal is breadth-first, so a
// value reachable along several paths (sharing or cycles) is visited at its
// first-discovered shortest path only. Accessor failures are reported
// through logf and omit the member.
func collectFunctionPaths(root any, logf func(string, ...any)) []string {
	type item struct {
		v    any
		path string
	}
	var paths []string
	seen := mapset.New[ident]()
	queue := []item{{root, ""}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if id, ok := identOf(it.v); ok {
			if seen.Has(id) {
				continue
			}
			seen.Add(id)
		}
		for _, m := range readMembers(it.v, logf, it.path) {
			full := joinPath(it.path, m.Key)
			if isCallable(m.Val) {
				paths = append(paths, full)
			} else if isComposite(m.Val) {
				queue = append(queue, item{m.Val, full})
			}
		}
	}
	return paths
}

// buildCanonicalIndex walks a snapshot breadth-first and records, for every
// compound value encountered, the first (hence shortest) path at which it was
// discovered. The index reconciles alias paths arising from sharing and
// cycles. Pass-through built-ins with a reference identity are indexed too.
func buildCanonicalIndex(root any) map[ident]string {
	type item struct {
		v    any
		path string
	}
	idx := make(map[ident]string)
	queue := []item{{root, ""}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if id, ok := identOf(it.v); ok {
			if _, dup := idx[id]; dup {
				continue
			}
			idx[id] = it.path
		}
		if isPassThrough(it.v) {
			continue
		}
		switch t := it.v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				queue = append(queue, item{t[k], joinPath(it.path, k)})
			}
		case []any:
			for i, e := range t {
				queue = append(queue, item{e, joinPath(it.path, itoa(i))})
			}
		}
	}
	return idx
}

// genID returns a unique token with a leading timestamp component, used for
// call correlation and handle identifiers. IDs are never reused.
func genID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + uuid.NewString()
}

// serializeError collapses an error or recovered panic value to the message
// string carried by ERROR and INIT_ERROR messages.
func serializeError(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case error:
		return t.Error()
	case string:
		return t
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}
