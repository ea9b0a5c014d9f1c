// Package transport moves envelopes between the ranked processes of one
// communication group.
package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/sarchlab/shukuba/fed"
)

// A Group is one ranked communication domain. Rank 0 is the master; every
// other rank holds a link to it.
//
// Send may be called from any goroutine. Recv and RecvAny share one arrival
// stream and must be called from a single goroutine.
type Group interface {
	fed.Named
	fed.Hookable

	Rank() fed.Rank
	WorldSize() int

	// Send delivers the envelope to the rank named by its Receiver field.
	Send(ctx context.Context, e *fed.Envelope) error

	// Recv returns the next envelope sent by src, holding back envelopes
	// from other ranks for later Recv and RecvAny calls.
	Recv(ctx context.Context, src fed.Rank) (*fed.Envelope, error)

	// RecvAny returns the next envelope from any rank.
	RecvAny(ctx context.Context) (*fed.Envelope, error)

	// Close tears the group's links down. Blocked receives fail with an
	// error wrapping fed.ErrTransportFailure and net.ErrClosed.
	Close() error
}

type arrival struct {
	env *fed.Envelope
	err error
}

// inbox merges the arrivals of a group and serves Recv and RecvAny over
// them. Envelopes read while waiting for a specific rank are stashed, in
// order, for later calls.
type inbox struct {
	name     string
	arrivals chan arrival
	closed   chan struct{}
	stash    []*fed.Envelope
}

func makeInbox(name string, depth int) inbox {
	return inbox{
		name:     name,
		arrivals: make(chan arrival, depth),
		closed:   make(chan struct{}),
	}
}

func (b *inbox) closedErr() error {
	return fmt.Errorf("%s: %w: %v",
		b.name, fed.ErrTransportFailure, net.ErrClosed)
}

// deliver hands an arrival to the inbox, giving up once the inbox closes.
func (b *inbox) deliver(a arrival) {
	select {
	case b.arrivals <- a:
	case <-b.closed:
	}
}

func (b *inbox) next(ctx context.Context) (*fed.Envelope, error) {
	select {
	case a := <-b.arrivals:
		if a.err != nil {
			return nil, fmt.Errorf("%s: %w: %v",
				b.name, fed.ErrTransportFailure, a.err)
		}

		return a.env, nil
	case <-b.closed:
		return nil, b.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *inbox) recvAny(ctx context.Context) (*fed.Envelope, error) {
	if len(b.stash) > 0 {
		e := b.stash[0]
		b.stash = b.stash[1:]

		return e, nil
	}

	return b.next(ctx)
}

func (b *inbox) recvFrom(
	ctx context.Context,
	src fed.Rank,
) (*fed.Envelope, error) {
	for i, e := range b.stash {
		if e.Sender == src {
			b.stash = append(b.stash[:i], b.stash[i+1:]...)
			return e, nil
		}
	}

	for {
		e, err := b.next(ctx)
		if err != nil {
			return nil, err
		}

		if e.Sender == src {
			return e, nil
		}

		b.stash = append(b.stash, e)
	}
}
