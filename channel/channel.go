// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides in-memory implementations of the tether.Port
// interface.
package channel

import (
	"net"
	"sync"

	"github.com/creachadair/tether"
)

// sendBuffer is the number of undelivered messages a direct port holds
// before Send blocks, mirroring the small queue of a real message port.
const sendBuffer = 8

// Direct constructs a connected pair of in-memory ports that pass messages
// directly by structured-value copy. Messages sent on A are received by B and
// vice versa; each delivery carries the origin of the sending side. Closing
// either port causes pending operations on both sides to report net.ErrClosed.
func Direct(aOrigin, bOrigin string) (A, B tether.Port) {
	a2b := make(chan *tether.Message, sendBuffer)
	b2a := make(chan *tether.Message, sendBuffer)
	done := make(chan struct{})
	var once sync.Once
	A = &direct{send: a2b, recv: b2a, peer: bOrigin, done: done, once: &once}
	B = &direct{send: b2a, recv: a2b, peer: aOrigin, done: done, once: &once}
	return
}

type direct struct {
	send chan<- *tether.Message
	recv <-chan *tether.Message
	peer string // origin of the context on the other side
	done chan struct{}
	once *sync.Once
}

// Send implements part of the [tether.Port] interface. The message is copied
// by the structured-clone rules before delivery; a payload that cannot be
// cloned reports tether.ErrUncloneable without delivering anything. A
// targetOrigin that matches neither "*" nor the peer's origin discards the
// message without error.
func (d *direct) Send(m *tether.Message, targetOrigin string) error {
	if targetOrigin != "*" && targetOrigin != d.peer {
		return nil
	}
	cp, err := m.Clone()
	if err != nil {
		return err
	}
	select {
	case <-d.done:
		return net.ErrClosed
	default:
	}
	select {
	case <-d.done:
		return net.ErrClosed
	case d.send <- cp:
		return nil
	}
}

// Recv implements part of the [tether.Port] interface. Messages already
// queued when the pair closes are still delivered.
func (d *direct) Recv() (tether.Delivery, error) {
	select {
	case m := <-d.recv:
		return tether.Delivery{Msg: m, Source: d, Origin: d.peer}, nil
	default:
	}
	select {
	case <-d.done:
		return tether.Delivery{}, net.ErrClosed
	case m := <-d.recv:
		return tether.Delivery{Msg: m, Source: d, Origin: d.peer}, nil
	}
}

// Close implements part of the [tether.Port] interface. It tears down both
// directions of the pair.
func (d *direct) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}
