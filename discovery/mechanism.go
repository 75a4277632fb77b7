package discovery

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Resolve when no matching service answers.
var ErrNotFound = errors.New("discovery: service not found")

// ErrClosed is returned by mechanisms that have been shut down.
var ErrClosed = errors.New("discovery: mechanism closed")

// Record is what a server asks to have advertised.
type Record struct {
	Name   string
	Type   string
	Domain string
	Port   uint16
}

// Publisher advertises records on the local network.
type Publisher interface {
	Publish(ctx context.Context, record Record) (Publication, error)
}

// Publication is a live advertisement.
type Publication interface {
	// Withdraw removes the advertisement. Calling it more than once is
	// harmless.
	Withdraw() error
}

// Watcher observes services of one type appearing and disappearing.
type Watcher interface {
	// Watch calls emit once per completed batch of changes until ctx is
	// cancelled, in which case it returns nil. Any other return is a
	// discovery failure.
	Watch(ctx context.Context, serviceType, domain string, emit func(Batch)) error
}

// Resolver turns a discovered descriptor into one with fresh candidate
// addresses.
type Resolver interface {
	Resolve(ctx context.Context, service ServiceDescriptor) (ServiceDescriptor, error)
}

// Mechanism is a complete discovery backend.
type Mechanism interface {
	Publisher
	Watcher
	Resolver
}
