// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

// A Sender posts a message toward a peer context. The targetOrigin argument
// restricts delivery: the message is discarded without error unless it is
// "*" or matches the receiving context's origin. Implementations must copy
// the payload (see Message.Clone) so that no mutable state is shared across
// the channel.
type Sender interface {
	Send(msg *Message, targetOrigin string) error
}

// A Delivery is one message received from a port, together with the origin
// of the sending context and a Sender that replies to it.
type Delivery struct {
	Msg    *Message
	Source Sender // replies to the sending context
	Origin string // origin of the sending context
}

// A Port connects a peer to one messaging context. The methods of an
// implementation must be safe for concurrent use by one sender and one
// receiver.
type Port interface {
	Sender

	// Recv blocks until the next message is available from the channel.
	Recv() (Delivery, error)

	// Close tears down the port, causing pending send and receive operations
	// on both sides to terminate and report an error.
	Close() error
}
