// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package bind provides typed adapters over the dynamically typed call
// surface of a consumer.
//
// Call results cross the wire as plain values, so the consumer reports them
// as any. The helpers in this package convert results to a concrete type,
// applying numeric conversions where the provider's declared type differs in
// width from the caller's.
package bind

import (
	"context"
	"fmt"
	"reflect"
)

// A Caller is the calling surface shared by tether.Consumer, tether.Remote,
// and tether.Proxy.
type Caller interface {
	Call(ctx context.Context, path string, args ...any) (any, error)
}

// As converts a dynamically typed call result to type R. It is designed to
// wrap a call directly:
//
//	n, err := bind.As[int](c.Call(ctx, "math.add", 2, 3))
func As[R any](v any, err error) (R, error) {
	var zero R
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	if r, ok := v.(R); ok {
		return r, nil
	}
	rt := reflect.TypeOf(zero)
	if rt == nil {
		// R is an interface type other than any; the direct assertion above
		// is the only conversion available.
		return zero, fmt.Errorf("cannot use %T as result", v)
	}
	rv := reflect.ValueOf(v)
	numeric := func(k reflect.Kind) bool {
		switch k {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		}
		return false
	}
	if rv.Type().ConvertibleTo(rt) && numeric(rv.Kind()) && numeric(rt.Kind()) {
		return rv.Convert(rt).Interface().(R), nil
	}
	return zero, fmt.Errorf("cannot use %T as %s", v, rt)
}

// Call invokes path on c and converts the result to type R.
func Call[R any](ctx context.Context, c Caller, path string, args ...any) (R, error) {
	return As[R](c.Call(ctx, path, args...))
}

// Func0 adapts the function at path to a typed func with no arguments
// returning a result of type R.
func Func0[R any](c Caller, path string) func(context.Context) (R, error) {
	return func(ctx context.Context) (R, error) {
		return Call[R](ctx, c, path)
	}
}

// Func1 adapts the function at path to a typed func accepting an argument of
// type P and returning a result of type R.
func Func1[P, R any](c Caller, path string) func(context.Context, P) (R, error) {
	return func(ctx context.Context, p P) (R, error) {
		return Call[R](ctx, c, path, p)
	}
}

// Func2 adapts the function at path to a typed func accepting arguments of
// types P1 and P2 and returning a result of type R.
func Func2[P1, P2, R any](c Caller, path string) func(context.Context, P1, P2) (R, error) {
	return func(ctx context.Context, p1 P1, p2 P2) (R, error) {
		return Call[R](ctx, c, path, p1, p2)
	}
}
