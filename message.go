// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"fmt"
	"strings"
)

// Protocol is the discriminator carried by every tether message. Messages
// whose Proto field does not match are not part of the protocol and must be
// ignored by both peers.
const Protocol = "iframe-rpc"

// A Message is the envelope exchanged between a provider and a consumer.
// Only the fields relevant to its Type are populated; the rest are left
// zero. Messages cross a Port by structured-value copy, never by reference.
type Message struct {
	Proto string // always Protocol
	Name  string // the channel name binding a provider/consumer pair
	Type  MsgType

	ID     string    // Call, Result, Error: correlation token
	Method string    // Call: dotted path; "" calls the handle itself
	Args   []any     // Call: value-only arguments
	Handle string    // Call: handle scope; Release: handle to discard
	Ready  *Snapshot // Ready: the provider's snapshot payload
	Result any       // Result: plain value or *HandleRef
	Error  string    // Error, InitError: stringified cause
}

// Clone returns a deep copy of m with all payload values copied by the
// structured-clone rules. It reports ErrUncloneable if any payload value
// cannot cross the wire (in particular, a function anywhere in Args or
// Result).
func (m *Message) Clone() (*Message, error) {
	out := *m
	if m.Args != nil {
		v, err := cloneStrict(m.Args)
		if err != nil {
			return nil, fmt.Errorf("clone args: %w", err)
		}
		out.Args = v.([]any)
	}
	if m.Ready != nil {
		v, err := cloneStrict(m.Ready.Values)
		if err != nil {
			return nil, fmt.Errorf("clone snapshot: %w", err)
		}
		out.Ready = &Snapshot{Values: v, Functions: append([]string(nil), m.Ready.Functions...)}
	}
	if m.Result != nil {
		v, err := cloneStrict(m.Result)
		if err != nil {
			return nil, fmt.Errorf("clone result: %w", err)
		}
		out.Result = v
	}
	return &out, nil
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	var fs []string
	if m.ID != "" {
		fs = append(fs, "ID="+m.ID)
	}
	switch m.Type {
	case MsgCall:
		fs = append(fs, fmt.Sprintf("Method=%q", m.Method))
		if m.Handle != "" {
			fs = append(fs, "Handle="+m.Handle)
		}
		fs = append(fs, fmt.Sprintf("Args=%v", m.Args))
	case MsgReady:
		if m.Ready != nil {
			fs = append(fs, fmt.Sprintf("Functions=%v", m.Ready.Functions))
		}
	case MsgResult:
		fs = append(fs, fmt.Sprintf("Result=%v", m.Result))
	case MsgError, MsgInitError:
		fs = append(fs, fmt.Sprintf("Error=%q", m.Error))
	case MsgRelease:
		fs = append(fs, "Handle="+m.Handle)
	}
	return fmt.Sprintf("Message(%s, %v, %s)", m.Name, m.Type, strings.Join(fs, ", "))
}

// MsgType describes the role of a tether message.
type MsgType byte

const (
	MsgReady     MsgType = 1 // provider → consumer: handshake snapshot
	MsgGet       MsgType = 2 // consumer → provider: request a re-handshake
	MsgCall      MsgType = 3 // consumer → provider: invoke a function path
	MsgResult    MsgType = 4 // provider → consumer: successful call result
	MsgError     MsgType = 5 // provider → consumer: failed call result
	MsgInitError MsgType = 6 // provider → consumer: handshake failure
	MsgRelease   MsgType = 7 // consumer → provider: discard a handle
)

func (t MsgType) String() string {
	switch t {
	case MsgReady:
		return "READY"
	case MsgGet:
		return "GET"
	case MsgCall:
		return "CALL"
	case MsgResult:
		return "RESULT"
	case MsgError:
		return "ERROR"
	case MsgInitError:
		return "INIT_ERROR"
	case MsgRelease:
		return "RELEASE_HANDLE"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// A Snapshot is the value-only copy of an API tree together with the dotted
// paths at which functions are reachable in the original.
type Snapshot struct {
	Values    any
	Functions []string
}

// A HandleRef stands in for a call result that carries functions. It appears
// as the Result payload of a RESULT message. For an object-kind handle the
// Values and Functions fields hold a scoped snapshot of the result; for a
// function-kind handle only the ID is meaningful.
type HandleRef struct {
	ID        string
	Kind      HandleKind
	Values    any
	Functions []string
}

func (h *HandleRef) String() string {
	return fmt.Sprintf("HandleRef(%s, %v)", h.ID, h.Kind)
}

// HandleKind distinguishes the two shapes of handle a provider can mint.
type HandleKind byte

const (
	FuncHandle   HandleKind = 1 // the result is itself a function
	ObjectHandle HandleKind = 2 // the result is a composite containing functions
)

func (k HandleKind) String() string {
	switch k {
	case FuncHandle:
		return "function"
	case ObjectHandle:
		return "object"
	default:
		return fmt.Sprintf("kind %d", byte(k))
	}
}
