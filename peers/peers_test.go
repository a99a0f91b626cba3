// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"strings"
	"testing"

	"github.com/creachadair/tether"
	"github.com/creachadair/tether/peers"
	"github.com/fortytw2/leaktest"
)

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	api := map[string]any{
		"greet": func(name string) string { return "hello, " + name },
	}
	loc, err := peers.NewLocal(api, &tether.ProviderOptions{Name: "local"}, nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	got, err := loc.Consumer.Call(context.Background(), "greet", "world")
	if err != nil {
		t.Errorf("Call greet: %v", err)
	} else if got != "hello, world" {
		t.Errorf("Call greet: got %q, want hello, world", got)
	}

	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestLocalNilOptions(t *testing.T) {
	defer leaktest.Check(t)()

	// A pair with all-default options uses the empty channel name.
	loc, err := peers.NewLocal(map[string]any{"a": 1}, nil, nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer loc.Stop()

	if got := loc.Consumer.Get("a"); got != 1 {
		t.Errorf("Get a: got %v, want 1", got)
	}
}

func TestLocalHandshakeFailure(t *testing.T) {
	defer leaktest.Check(t)()

	// A consumer that refuses to wait reports a handshake failure, and
	// NewLocal must stop the provider it started.
	loc, err := peers.NewLocal(map[string]any{}, &tether.ProviderOptions{Name: "local"},
		&tether.ConsumerOptions{Timeout: -1})
	if err == nil {
		loc.Stop()
		t.Fatal("NewLocal: got nil, want handshake error")
	}
	if !strings.Contains(err.Error(), "initialization timeout") {
		t.Errorf("NewLocal: got %v, want initialization timeout", err)
	}
}
