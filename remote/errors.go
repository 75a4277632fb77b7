package remote

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindBind Kind = iota + 1
	KindPublish
	KindDiscovery
	KindResolve
	KindConnect
	KindSend
	KindTransport
	KindDecode
)

var kindNames = map[Kind]string{
	KindBind:      "bind",
	KindPublish:   "publish",
	KindDiscovery: "discovery",
	KindResolve:   "resolve",
	KindConnect:   "connect",
	KindSend:      "send",
	KindTransport: "transport",
	KindDecode:    "decode",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// ErrNotConnected is the cause of a send error when no connection is active.
var ErrNotConnected = errors.New("no active connection")

// errLocalClose marks a connection closed by this side.
var errLocalClose = errors.New("closed locally")
