// Package relay implements the two halves of a scheduler: a child-facing
// relay that masters the child group and a parent-facing relay that joins
// the parent group, bridged by a pair of bounded queues.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"

	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/handshake"
	"github.com/sarchlab/shukuba/transport"
)

// errDropDelivery marks a downlink delivery that cannot be routed. The
// pump logs and drops it rather than dying over one bad message.
var errDropDelivery = errors.New("dropping downlink delivery")

// A ChildSide is the half of a scheduler that faces its child group as the
// group master. The main loop pumps child traffic into the uplink queue; an
// owned task drains the downlink queue and fans each delivery out to the
// ranks owning the listed ids.
type ChildSide struct {
	name      string
	lifecycle fed.Lifecycle

	group    transport.Group
	up, down *fed.Queue
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	coordinator *fed.Coordinator
	downlink    *fed.Task
	exitSeen    atomic.Bool
}

// ChildSideBuilder can build child-side relays.
type ChildSideBuilder struct {
	group    transport.Group
	up, down *fed.Queue
	logger   *log.Logger
}

// MakeChildSideBuilder returns a builder with no fields set.
func MakeChildSideBuilder() ChildSideBuilder {
	return ChildSideBuilder{}
}

// WithGroup sets the child group. The relay must be the group's master.
func (b ChildSideBuilder) WithGroup(g transport.Group) ChildSideBuilder {
	b.group = g
	return b
}

// WithUplinkQueue sets the queue the relay feeds with child traffic.
func (b ChildSideBuilder) WithUplinkQueue(q *fed.Queue) ChildSideBuilder {
	b.up = q
	return b
}

// WithDownlinkQueue sets the queue the relay drains toward the children.
func (b ChildSideBuilder) WithDownlinkQueue(q *fed.Queue) ChildSideBuilder {
	b.down = q
	return b
}

// WithLogger sets the logger of the relay.
func (b ChildSideBuilder) WithLogger(l *log.Logger) ChildSideBuilder {
	b.logger = l
	return b
}

// Build creates the relay.
func (b ChildSideBuilder) Build(name string) *ChildSide {
	fed.NameMustBeValid(name)

	if b.group == nil || b.up == nil || b.down == nil {
		panic("a child side needs a group, an uplink queue, " +
			"and a downlink queue")
	}

	if b.group.Rank() != 0 {
		panic("the child side must be the master of its group, not rank " +
			fmt.Sprint(b.group.Rank()))
	}

	if b.logger == nil {
		b.logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ChildSide{
		name:   name,
		group:  b.group,
		up:     b.up,
		down:   b.down,
		logger: b.logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the name of the relay.
func (cs *ChildSide) Name() string {
	return cs.name
}

// Coordinator returns the identity map collected during setup. It is nil
// until Setup succeeds.
func (cs *ChildSide) Coordinator() *fed.Coordinator {
	return cs.coordinator
}

// Setup collects the handshake of the child group and starts the downlink
// pump.
func (cs *ChildSide) Setup() error {
	err := cs.lifecycle.TransitionFrom(fed.StateUninitialized, fed.StateReady)
	if err != nil {
		return err
	}

	coordinator, err := handshake.Collect(cs.ctx, cs.group, cs.logger)
	if err != nil {
		return fmt.Errorf("%s: %w", cs.name, err)
	}

	cs.coordinator = coordinator
	cs.downlink = fed.Go(cs.name+" downlink", cs.pumpDownlink)

	cs.logger.Printf("%s: ready, %d clients behind %d ranks",
		cs.name, coordinator.Total(), len(coordinator.Ranks()))

	return nil
}

// MainLoop pumps child traffic into the uplink queue until the group ends.
// After an exit has been fanned out, the end of the group is a clean
// return.
func (cs *ChildSide) MainLoop() error {
	err := cs.lifecycle.TransitionFrom(fed.StateReady, fed.StateRunning)
	if err != nil {
		return err
	}

	for {
		e, err := cs.group.RecvAny(cs.ctx)
		if err != nil {
			if cs.exitSeen.Load() {
				return nil
			}

			return cs.loopFailure(err)
		}

		if e.Code == fed.CodeExit {
			return fmt.Errorf("%s: rank %d sent Exit, but exit flows "+
				"downstream only", cs.name, e.Sender)
		}

		if e.Code == fed.CodeSetUp {
			return fmt.Errorf("%s: %w: rank %d announced after the handshake",
				cs.name, fed.ErrLifecycleViolation, e.Sender)
		}

		d := fed.Delivery{
			Sender:  e.Sender,
			Code:    e.Code,
			Payload: e.Payload,
			TraceID: traceOf(e),
		}

		if err := cs.up.Put(cs.ctx, d); err != nil {
			if cs.exitSeen.Load() && errors.Is(err, fed.ErrQueueClosed) {
				return nil
			}

			return cs.loopFailure(err)
		}
	}
}

// loopFailure reports the error that ends the main loop. When the downlink
// pump's failure is what canceled the context, its error is the diagnostic
// worth surfacing.
func (cs *ChildSide) loopFailure(err error) error {
	if cs.ctx.Err() != nil && cs.downlink != nil {
		if pumpErr := cs.downlink.Join(); pumpErr != nil {
			return fmt.Errorf("%s: downlink pump: %w", cs.name, pumpErr)
		}
	}

	return fmt.Errorf("%s: %w", cs.name, err)
}

// pumpDownlink drains the downlink queue until it closes. A fatal pump
// error cancels the relay's context so the main loop dies with the pump
// instead of bridging on with a dead broadcast path.
func (cs *ChildSide) pumpDownlink() error {
	err := cs.drainDownlink()
	if err != nil {
		cs.cancel()
	}

	return err
}

func (cs *ChildSide) drainDownlink() error {
	for {
		d, err := cs.down.Get(cs.ctx)
		if err != nil {
			if errors.Is(err, fed.ErrQueueClosed) ||
				errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		}

		if d.Code == fed.CodeExit {
			cs.exitSeen.Store(true)

			if err := cs.broadcastExit(d); err != nil {
				return err
			}

			continue
		}

		if err := cs.fanOut(d); err != nil {
			if !errors.Is(err, errDropDelivery) {
				return err
			}

			cs.logger.Printf("%s: %v", cs.name, err)
		}
	}
}

// fanOut splits the id list off the delivery, partitions it with the
// coordinator, and sends one envelope per involved rank, in ascending rank
// order. A delivery that cannot be routed is reported as errDropDelivery;
// only send faults are fatal.
func (cs *ChildSide) fanOut(d fed.Delivery) error {
	ids, rest, err := fed.SplitIDList(d.Payload)
	if err != nil {
		return fmt.Errorf("%w (%s): %w", errDropDelivery, d.Code, err)
	}

	byRank, err := cs.coordinator.MapIDList(ids)
	if err != nil {
		return fmt.Errorf("%w (%s): %w", errDropDelivery, d.Code, err)
	}

	ranks := make([]fed.Rank, 0, len(byRank))
	for rank := range byRank {
		ranks = append(ranks, rank)
	}

	sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })

	for _, rank := range ranks {
		payload := make([]fed.Tensor, 0, len(rest)+1)
		payload = append(payload, fed.IDListTensor(byRank[rank]))
		payload = append(payload, rest...)

		e := fed.MakeEnvelopeBuilder().
			WithCode(d.Code).
			WithReceiver(rank).
			WithTraceID(d.TraceID).
			WithPayload(payload...).
			Build()

		if err := cs.group.Send(cs.ctx, e); err != nil {
			return fmt.Errorf("%s: fanning out to rank %d: %w",
				cs.name, rank, err)
		}
	}

	return nil
}

func (cs *ChildSide) broadcastExit(d fed.Delivery) error {
	ranks := cs.coordinator.Ranks()

	for _, rank := range ranks {
		e := fed.MakeEnvelopeBuilder().
			WithCode(fed.CodeExit).
			WithReceiver(rank).
			WithTraceID(d.TraceID).
			Build()

		if err := cs.group.Send(cs.ctx, e); err != nil {
			return fmt.Errorf("%s: broadcasting exit to rank %d: %w",
				cs.name, rank, err)
		}
	}

	cs.logger.Printf("%s: exit broadcast to %d ranks", cs.name, len(ranks))

	return nil
}

// Shutdown drains and stops the downlink pump, closes the child group, and
// closes the uplink queue.
func (cs *ChildSide) Shutdown() error {
	if err := cs.lifecycle.BeginShutdown(); err != nil {
		return err
	}

	cs.down.Close()

	var downlinkErr error
	if cs.downlink != nil {
		downlinkErr = cs.downlink.Join()
	}

	cs.group.Close()
	cs.up.Close()
	cs.cancel()

	cs.lifecycle.MustTransition(fed.StateShuttingDown, fed.StateTerminated)
	cs.logger.Printf("%s: terminated", cs.name)

	return downlinkErr
}

func traceOf(e *fed.Envelope) string {
	if e.TraceID != "" {
		return e.TraceID
	}

	return e.ID
}
