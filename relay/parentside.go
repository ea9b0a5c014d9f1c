package relay

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/handshake"
	"github.com/sarchlab/shukuba/transport"
)

// A ParentSide is the half of a scheduler that joins the parent group as an
// ordinary rank. The main loop pumps parent traffic into the downlink
// queue; an owned task drains the uplink queue and forwards every delivery
// to the parent master.
type ParentSide struct {
	name      string
	lifecycle fed.Lifecycle

	group    transport.Group
	up, down *fed.Queue
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ids    []fed.LogicalID
	uplink *fed.Task
}

// ParentSideBuilder can build parent-side relays.
type ParentSideBuilder struct {
	group    transport.Group
	up, down *fed.Queue
	logger   *log.Logger
}

// MakeParentSideBuilder returns a builder with no fields set.
func MakeParentSideBuilder() ParentSideBuilder {
	return ParentSideBuilder{}
}

// WithGroup sets the parent group. The relay must not be the group's master.
func (b ParentSideBuilder) WithGroup(g transport.Group) ParentSideBuilder {
	b.group = g
	return b
}

// WithUplinkQueue sets the queue the relay drains toward the parent.
func (b ParentSideBuilder) WithUplinkQueue(q *fed.Queue) ParentSideBuilder {
	b.up = q
	return b
}

// WithDownlinkQueue sets the queue the relay feeds with parent traffic.
func (b ParentSideBuilder) WithDownlinkQueue(q *fed.Queue) ParentSideBuilder {
	b.down = q
	return b
}

// WithLogger sets the logger of the relay.
func (b ParentSideBuilder) WithLogger(l *log.Logger) ParentSideBuilder {
	b.logger = l
	return b
}

// Build creates the relay.
func (b ParentSideBuilder) Build(name string) *ParentSide {
	fed.NameMustBeValid(name)

	if b.group == nil || b.up == nil || b.down == nil {
		panic("a parent side needs a group, an uplink queue, " +
			"and a downlink queue")
	}

	if b.group.Rank() == 0 {
		panic("the parent side joins its group as a child, not as the master")
	}

	if b.logger == nil {
		b.logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ParentSide{
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
func (ps *ParentSide) Name() string {
	return ps.name
}

// SetIdentities hands the relay the identities it announces upward. It must
// be called before Setup, with the identities the child side collected.
func (ps *ParentSide) SetIdentities(ids []fed.LogicalID) {
	if ps.lifecycle.State() != fed.StateUninitialized {
		panic("identities must be set before setup")
	}

	ps.ids = append([]fed.LogicalID(nil), ids...)
}

// Setup announces the identities to the parent master and starts the uplink
// pump.
func (ps *ParentSide) Setup() error {
	err := ps.lifecycle.TransitionFrom(fed.StateUninitialized, fed.StateReady)
	if err != nil {
		return err
	}

	if len(ps.ids) == 0 {
		return fmt.Errorf("%s: no identities to announce; "+
			"set them before setup", ps.name)
	}

	if err := handshake.Announce(ps.ctx, ps.group, ps.ids); err != nil {
		return fmt.Errorf("%s: %w", ps.name, err)
	}

	ps.uplink = fed.Go(ps.name+" uplink", ps.pumpUplink)

	ps.logger.Printf("%s: announced %d clients to the parent",
		ps.name, len(ps.ids))

	return nil
}

// MainLoop pumps parent traffic into the downlink queue. An Exit envelope
// is passed down and ends the loop cleanly. Whatever ends the loop, the
// downlink queue is closed so the child side can finish draining it.
func (ps *ParentSide) MainLoop() error {
	err := ps.lifecycle.TransitionFrom(fed.StateReady, fed.StateRunning)
	if err != nil {
		return err
	}

	defer ps.down.Close()

	for {
		e, err := ps.group.Recv(ps.ctx, 0)
		if err != nil {
			return ps.loopFailure(err)
		}

		d := fed.Delivery{
			Sender:  e.Sender,
			Code:    e.Code,
			Payload: e.Payload,
			TraceID: traceOf(e),
		}

		if err := ps.down.Put(ps.ctx, d); err != nil {
			return ps.loopFailure(err)
		}

		if e.Code == fed.CodeExit {
			ps.logger.Printf("%s: exit received from the parent", ps.name)
			return nil
		}
	}
}

// loopFailure reports the error that ends the main loop. When the uplink
// pump's failure is what canceled the context, its error is the diagnostic
// worth surfacing.
func (ps *ParentSide) loopFailure(err error) error {
	if ps.ctx.Err() != nil && ps.uplink != nil {
		if pumpErr := ps.uplink.Join(); pumpErr != nil {
			return fmt.Errorf("%s: uplink pump: %w", ps.name, pumpErr)
		}
	}

	return fmt.Errorf("%s: %w", ps.name, err)
}

// pumpUplink drains the uplink queue until it closes. A fatal pump error
// cancels the relay's context so the main loop dies with the pump instead
// of pumping parent traffic into a bridge that lost its uplink.
func (ps *ParentSide) pumpUplink() error {
	err := ps.drainUplink()
	if err != nil {
		ps.cancel()
	}

	return err
}

func (ps *ParentSide) drainUplink() error {
	for {
		d, err := ps.up.Get(ps.ctx)
		if err != nil {
			if errors.Is(err, fed.ErrQueueClosed) ||
				errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		}

		e := fed.MakeEnvelopeBuilder().
			WithCode(d.Code).
			WithSender(ps.group.Rank()).
			WithReceiver(0).
			WithTraceID(d.TraceID).
			WithPayload(d.Payload...).
			Build()

		if err := ps.group.Send(ps.ctx, e); err != nil {
			return fmt.Errorf("%s: forwarding %s upstream: %w",
				ps.name, d.Code, err)
		}
	}
}

// Shutdown drains and stops the uplink pump and leaves the parent group.
func (ps *ParentSide) Shutdown() error {
	if err := ps.lifecycle.BeginShutdown(); err != nil {
		return err
	}

	ps.up.Close()

	var uplinkErr error
	if ps.uplink != nil {
		uplinkErr = ps.uplink.Join()
	}

	ps.group.Close()
	ps.cancel()

	ps.lifecycle.MustTransition(fed.StateShuttingDown, fed.StateTerminated)
	ps.logger.Printf("%s: terminated", ps.name)

	return uplinkErr
}
