// Package handshake implements the identity agreement that opens every
// group: each rank announces the logical clients behind it, and the master
// collects the announcements into a coordinator.
package handshake

import (
	"context"
	"fmt"
	"log"

	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/transport"
)

// Announce tells the group master which logical clients sit behind this
// rank. A leaf client announces its own identity; a scheduler announces
// every identity its child group announced to it.
func Announce(
	ctx context.Context,
	g transport.Group,
	ids []fed.LogicalID,
) error {
	if g.Rank() == 0 {
		panic("the master collects announcements, it does not announce")
	}

	if len(ids) == 0 {
		return fmt.Errorf("%s: rank %d has no identities to announce",
			g.Name(), g.Rank())
	}

	e := fed.MakeEnvelopeBuilder().
		WithCode(fed.CodeSetUp).
		WithSender(g.Rank()).
		WithReceiver(0).
		WithPayload(fed.IDListTensor(ids)).
		Build()

	if err := g.Send(ctx, e); err != nil {
		return fmt.Errorf("announcing %d identities: %w", len(ids), err)
	}

	return nil
}

// Collect receives one announcement from every other rank, in rank order,
// and builds the coordinator for the group. It blocks until every rank has
// announced or the context ends.
func Collect(
	ctx context.Context,
	g transport.Group,
	logger *log.Logger,
) (*fed.Coordinator, error) {
	if g.Rank() != 0 {
		panic("only the master collects announcements")
	}

	if logger == nil {
		logger = log.Default()
	}

	announced := make(map[fed.Rank][]fed.LogicalID)

	for rank := fed.Rank(1); int(rank) < g.WorldSize(); rank++ {
		e, err := g.Recv(ctx, rank)
		if err != nil {
			return nil, fmt.Errorf("collecting the announcement of rank %d: %w",
				rank, err)
		}

		if e.Code != fed.CodeSetUp {
			return nil, fmt.Errorf("rank %d sent %s during the handshake",
				rank, e.Code)
		}

		ids, _, err := e.SplitIDList()
		if err != nil {
			return nil, fmt.Errorf("announcement of rank %d: %w", rank, err)
		}

		announced[rank] = ids
		logger.Printf("%s: rank %d announced %d clients",
			g.Name(), rank, len(ids))
	}

	return fed.NewCoordinator(g.WorldSize(), announced)
}
