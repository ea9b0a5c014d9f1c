package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sarchlab/shukuba/fed"
)

// A LoopbackGroup is an in-process Group, used by single-process runs and
// tests. Unlike a TCP star, any two ranks of a loopback fabric may exchange
// envelopes directly.
type LoopbackGroup struct {
	fed.HookableBase
	inbox

	rank      fed.Rank
	peers     []*LoopbackGroup
	closeOnce sync.Once
}

// NewLoopback creates the fully linked groups of an in-process fabric, one
// per rank.
func NewLoopback(name string, worldSize int) []*LoopbackGroup {
	fed.NameMustBeValid(name)

	if worldSize < 2 {
		panic(fmt.Sprintf(
			"a group needs a master and at least one other rank, "+
				"world size %d", worldSize))
	}

	groups := make([]*LoopbackGroup, worldSize)
	for r := range groups {
		groups[r] = &LoopbackGroup{
			inbox: makeInbox(
				fed.BuildNameWithIndex(name, "Rank", r), worldSize),
			rank: fed.Rank(r),
		}
	}

	for _, g := range groups {
		g.peers = groups
	}

	return groups
}

// Name returns the name of the group.
func (g *LoopbackGroup) Name() string {
	return g.name
}

// Rank returns the rank this group endpoint holds.
func (g *LoopbackGroup) Rank() fed.Rank {
	return g.rank
}

// WorldSize returns the number of endpoints in the fabric.
func (g *LoopbackGroup) WorldSize() int {
	return len(g.peers)
}

// Send delivers the envelope to the endpoint its Receiver names.
func (g *LoopbackGroup) Send(ctx context.Context, e *fed.Envelope) error {
	if e.Sender != g.rank {
		return fmt.Errorf("%s: envelope names sender %d, but this is rank %d",
			g.name, e.Sender, g.rank)
	}

	if e.Receiver < 0 || int(e.Receiver) >= len(g.peers) ||
		e.Receiver == g.rank {
		return fmt.Errorf("%s: no link from rank %d to rank %d",
			g.name, g.rank, e.Receiver)
	}

	peer := g.peers[e.Receiver]

	select {
	case peer.arrivals <- arrival{env: e}:
	case <-peer.closed:
		return fmt.Errorf("%s: %w: rank %d is closed",
			g.name, fed.ErrTransportFailure, e.Receiver)
	case <-g.closed:
		return g.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	if g.NumHooks() > 0 {
		g.InvokeHook(fed.HookCtx{
			Domain: g,
			Pos:    fed.HookPosEnvelopeSend,
			Item:   e,
		})
	}

	return nil
}

// Recv returns the next envelope sent by src.
func (g *LoopbackGroup) Recv(
	ctx context.Context,
	src fed.Rank,
) (*fed.Envelope, error) {
	e, err := g.recvFrom(ctx, src)
	if err != nil {
		return nil, err
	}

	g.hookRecv(e)

	return e, nil
}

// RecvAny returns the next envelope from any rank.
func (g *LoopbackGroup) RecvAny(ctx context.Context) (*fed.Envelope, error) {
	e, err := g.recvAny(ctx)
	if err != nil {
		return nil, err
	}

	g.hookRecv(e)

	return e, nil
}

func (g *LoopbackGroup) hookRecv(e *fed.Envelope) {
	if g.NumHooks() > 0 {
		g.InvokeHook(fed.HookCtx{
			Domain: g,
			Pos:    fed.HookPosEnvelopeRecv,
			Item:   e,
		})
	}
}

// Close detaches this endpoint from the fabric. Peers observe the lost
// link as a transport failure on their next receive, the way a dropped
// connection surfaces on a TCP group.
func (g *LoopbackGroup) Close() error {
	g.closeOnce.Do(func() {
		close(g.closed)

		for _, peer := range g.peers {
			if peer == g {
				continue
			}

			go peer.deliver(arrival{
				err: fmt.Errorf("link to rank %d: %w", g.rank, net.ErrClosed),
			})
		}
	})

	return nil
}
