// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package tether implements an asymmetric object-capability RPC fabric
// between two message-passing peers.
//
// One peer, the [Provider], hosts an API tree: an arbitrary Go value whose
// compound members form a tree of data and functions. The other peer, the
// [Consumer], binds to a value-only snapshot of that tree broadcast in the
// handshake and issues calls against the functions recorded in it. Values
// cross the wire by structured copy, never by reference; functions never
// cross at all, only their dotted paths do.
//
// # Providers
//
// To host an API, construct a provider for the tree and start it on a port
// connected to the peer:
//
//	p := tether.NewProvider(map[string]any{
//	    "version": "1.0.0",
//	    "math": map[string]any{
//	        "add": func(a, b float64) float64 { return a + b },
//	    },
//	}, &tether.ProviderOptions{Name: "demo"})
//	p.Start(port)
//
// At startup the provider takes a snapshot of the tree: a deep value-only
// copy, plus the list of dotted paths at which functions are reachable. The
// snapshot is broadcast in a READY message, and the provider then services
// CALL messages against the original tree until [Provider.Stop] is called or
// the port closes. Call [Provider.Wait] to wait for the provider to exit and
// report its status.
//
// Members of type [Getter] are accessors: they are evaluated when read, twice
// during snapshot construction (by the value copy and by the function-path
// scan) and again on each path traversal during call dispatch. A failing
// accessor omits its member rather than failing the snapshot.
//
// # Consumers
//
// To bind to a provider, connect a consumer on the other side of the port
// with the same channel name:
//
//	c, err := tether.Connect(port, "demo", nil)
//	if err != nil {
//	    log.Fatalf("Connect failed: %v", err)
//	}
//	defer c.Close()
//
// Connect blocks until the provider's READY arrives or the handshake timeout
// expires. The consumer binds to the first matching READY it receives and
// ignores later ones. Once bound, [Consumer.Root] is a materialised copy of
// the snapshot with a callable installed at every function path, [Consumer.Get]
// reads members by dotted path, and [Consumer.Call] invokes a function path
// on the provider:
//
//	sum, err := c.Call(ctx, "math.add", 2, 3)
//
// Errors reported by Call have concrete type [*tether.CallError]. With the
// HideStructure option the root is instead a lazy [Proxy] that resolves
// members on access without exposing the snapshot's shape.
//
// # Handles
//
// A call whose result carries functions cannot cross the wire as a plain
// value. The provider retains such a result and replies with a handle
// reference, which the consumer surfaces as a [Remote]: a live view of the
// retained value, with the same Get/Call fabric scoped to it. Function-kind
// remotes are invoked directly with [Remote.Invoke].
//
//	v, _ := c.Call(ctx, "counter.make", 10)
//	ctr := v.(*tether.Remote)
//	n, _ := ctr.Call(ctx, "incr")
//
// Handles hold provider memory, so their lifetimes are managed: an explicit
// [Remote.Release] discards the provider-side binding, a handle left unused
// past its TTL is discarded by the provider's sweeper, and a Remote that
// becomes unreachable without a release is released asynchronously after
// garbage collection.
//
// # Ports
//
// The [Port] interface defines the message-passing substrate: Send with a
// target origin, Recv yielding deliveries tagged with the sender's origin,
// and Close. The channel package provides an in-memory implementation, and
// the peers package builds connected provider/consumer pairs over it for
// testing.
//
// Both peers filter inbound traffic: messages with a foreign protocol tag,
// the wrong channel name, or a disallowed origin are dropped without a
// reply.
//
// # Metrics
//
// Providers and consumers maintain activity counters while running. Use the
// Metrics method on either to obtain an [expvar.Map] with the exported
// values.
//
// The metrics exported by providers include:
//
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages sent
//   - messages_dropped: counter of messages received and discarded
//   - calls_in: counter of inbound calls received
//   - calls_in_failed: counter of inbound calls resulting in errors
//   - calls_active: gauge of inbound calls currently being serviced
//   - handles_created: counter of handles minted for call results
//   - handles_released: counter of handles discarded by release requests
//   - handles_swept: counter of handles discarded by the TTL sweeper
//
// and by consumers:
//
//   - messages_received, messages_sent, messages_dropped: as above
//   - ready_dropped: counter of duplicate READY messages ignored
//   - calls_out: counter of outbound calls initiated
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - calls_pending: gauge of outbound calls awaiting a response
//   - releases_sent: counter of release requests issued
//
// Additional metrics may be added in the future. It is safe for the caller
// to modify the metrics map to add, update, and remove entries.
package tether
