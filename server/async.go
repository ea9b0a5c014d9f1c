package server

import (
	"context"
	"fmt"
	"log"

	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/handshake"
	"github.com/sarchlab/shukuba/transport"
)

// An Async server lets clients set the pace: it answers parameter
// requests with the current model and folds updates in as they arrive.
// Once the handler's round budget is spent, each rank's in-flight request
// is answered with Exit.
type Async struct {
	name      string
	lifecycle fed.Lifecycle

	group   transport.Group
	handler Handler
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	coordinator *fed.Coordinator
}

// AsyncBuilder can build asynchronous servers.
type AsyncBuilder struct {
	group   transport.Group
	handler Handler
	logger  *log.Logger
}

// MakeAsyncBuilder returns a builder with no fields set.
func MakeAsyncBuilder() AsyncBuilder {
	return AsyncBuilder{}
}

// WithGroup sets the group the server masters.
func (b AsyncBuilder) WithGroup(g transport.Group) AsyncBuilder {
	b.group = g
	return b
}

// WithHandler sets the aggregation logic.
func (b AsyncBuilder) WithHandler(h Handler) AsyncBuilder {
	b.handler = h
	return b
}

// WithLogger sets the logger of the server.
func (b AsyncBuilder) WithLogger(l *log.Logger) AsyncBuilder {
	b.logger = l
	return b
}

// Build creates the server.
func (b AsyncBuilder) Build(name string) *Async {
	fed.NameMustBeValid(name)
	serverParamsMustBeValid(b.group, b.handler)

	if b.logger == nil {
		b.logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Async{
		name:    name,
		group:   b.group,
		handler: b.handler,
		logger:  b.logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Name returns the name of the server.
func (a *Async) Name() string {
	return a.name
}

// Coordinator returns the identity map collected during setup. It is nil
// until Setup succeeds.
func (a *Async) Coordinator() *fed.Coordinator {
	return a.coordinator
}

// Setup collects the handshake and hands the handler the client universe.
func (a *Async) Setup() error {
	err := a.lifecycle.TransitionFrom(fed.StateUninitialized, fed.StateReady)
	if err != nil {
		return err
	}

	coordinator, err := handshake.Collect(a.ctx, a.group, a.logger)
	if err != nil {
		return fmt.Errorf("%s: %w", a.name, err)
	}

	a.coordinator = coordinator
	a.handler.SetClients(coordinator.IDs())

	a.logger.Printf("%s: serving %d clients over %d ranks",
		a.name, coordinator.Total(), len(coordinator.Ranks()))

	return nil
}

// MainLoop serves requests and absorbs updates until the round budget is
// spent, then retires every rank.
func (a *Async) MainLoop() error {
	err := a.lifecycle.TransitionFrom(fed.StateReady, fed.StateRunning)
	if err != nil {
		return err
	}

	round := 0
	for round < a.handler.Rounds() {
		e, err := a.group.RecvAny(a.ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", a.name, err)
		}

		switch e.Code {
		case fed.CodeParameterRequest:
			if err := a.serveParameters(round, e.Sender); err != nil {
				return fmt.Errorf("%s: %w", a.name, err)
			}

		case fed.CodeParameterUpdate, fed.CodeGradientUpdate:
			done, err := a.handler.Absorb(round, e.Sender, e.Payload)
			if err != nil {
				return fmt.Errorf("%s: absorbing from rank %d: %w",
					a.name, e.Sender, err)
			}

			if done {
				round++
			}

		default:
			return fmt.Errorf("%s: unexpected %s from rank %d",
				a.name, e.Code, e.Sender)
		}
	}

	a.logger.Printf("%s: round budget of %d spent", a.name, round)
	a.retireClients()

	return nil
}

func (a *Async) serveParameters(round int, to fed.Rank) error {
	e := fed.MakeEnvelopeBuilder().
		WithCode(fed.CodeParameterUpdate).
		WithSender(0).
		WithReceiver(to).
		WithPayload(a.handler.Downlink(round)...).
		Build()

	if err := a.group.Send(a.ctx, e); err != nil {
		return fmt.Errorf("serving parameters to rank %d: %w", to, err)
	}

	return nil
}

// retireClients answers each rank's in-flight request with Exit, in rank
// order. Updates that raced the shutdown are dropped, and a rank whose
// link is already gone is logged and skipped.
func (a *Async) retireClients() {
	for _, rank := range a.coordinator.Ranks() {
		if err := a.drainUntilRequest(rank); err != nil {
			a.logger.Printf("%s: rank %d gone before exit: %v",
				a.name, rank, err)
			continue
		}

		e := fed.MakeEnvelopeBuilder().
			WithCode(fed.CodeExit).
			WithSender(0).
			WithReceiver(rank).
			Build()

		if err := a.group.Send(a.ctx, e); err != nil {
			a.logger.Printf("%s: rank %d unreachable at exit: %v",
				a.name, rank, err)
		}
	}

	a.logger.Printf("%s: exit delivered to %d ranks",
		a.name, len(a.coordinator.Ranks()))
}

func (a *Async) drainUntilRequest(rank fed.Rank) error {
	for {
		e, err := a.group.Recv(a.ctx, rank)
		if err != nil {
			return err
		}

		if e.Code == fed.CodeParameterRequest {
			return nil
		}
	}
}

// Shutdown leaves the group.
func (a *Async) Shutdown() error {
	if err := a.lifecycle.BeginShutdown(); err != nil {
		return err
	}

	a.group.Close()
	a.cancel()

	a.lifecycle.MustTransition(fed.StateShuttingDown, fed.StateTerminated)
	a.logger.Printf("%s: terminated", a.name)

	return nil
}
