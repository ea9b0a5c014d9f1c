package client

import (
	"context"
	"fmt"
	"log"

	"github.com/sarchlab/shukuba/compensation"
	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/handshake"
	"github.com/sarchlab/shukuba/transport"
)

// An Active client pulls work instead of waiting for it: each round it
// requests parameters from the master, trains, and reports the update.
type Active struct {
	name      string
	lifecycle fed.Lifecycle

	group   transport.Group
	trainer Trainer
	id      fed.LogicalID
	memory  compensation.Memory
	logger  *log.Logger
	rounds  int

	ctx    context.Context
	cancel context.CancelFunc
}

// ActiveBuilder can build active clients.
type ActiveBuilder struct {
	group   transport.Group
	trainer Trainer
	id      fed.LogicalID
	memory  compensation.Memory
	logger  *log.Logger
	rounds  int
}

// MakeActiveBuilder returns a builder for a client that keeps requesting
// work until the master sends Exit.
func MakeActiveBuilder() ActiveBuilder {
	return ActiveBuilder{
		memory: compensation.None{},
	}
}

// WithGroup sets the group the client joins. The client must not be the
// group's master.
func (b ActiveBuilder) WithGroup(g transport.Group) ActiveBuilder {
	b.group = g
	return b
}

// WithTrainer sets the local computation.
func (b ActiveBuilder) WithTrainer(t Trainer) ActiveBuilder {
	b.trainer = t
	return b
}

// WithID sets the logical identity the client announces.
func (b ActiveBuilder) WithID(id fed.LogicalID) ActiveBuilder {
	b.id = id
	return b
}

// WithCompensation sets the gradient memory applied to outgoing updates.
func (b ActiveBuilder) WithCompensation(m compensation.Memory) ActiveBuilder {
	b.memory = m
	return b
}

// WithRounds bounds the number of requests the client makes. Zero means
// no bound.
func (b ActiveBuilder) WithRounds(n int) ActiveBuilder {
	b.rounds = n
	return b
}

// WithLogger sets the logger of the client.
func (b ActiveBuilder) WithLogger(l *log.Logger) ActiveBuilder {
	b.logger = l
	return b
}

// Build creates the client.
func (b ActiveBuilder) Build(name string) *Active {
	fed.NameMustBeValid(name)

	if b.group == nil || b.trainer == nil {
		panic("a client needs a group and a trainer")
	}

	if b.group.Rank() == 0 {
		panic("a client cannot be the master of its group")
	}

	if b.rounds < 0 {
		panic(fmt.Sprintf("round bound cannot be negative, got %d", b.rounds))
	}

	if b.logger == nil {
		b.logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Active{
		name:    name,
		group:   b.group,
		trainer: b.trainer,
		id:      b.id,
		memory:  b.memory,
		logger:  b.logger,
		rounds:  b.rounds,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Name returns the name of the client.
func (a *Active) Name() string {
	return a.name
}

// ID returns the logical identity the client announces.
func (a *Active) ID() fed.LogicalID {
	return a.id
}

// Setup announces the client's identity to the master.
func (a *Active) Setup() error {
	err := a.lifecycle.TransitionFrom(fed.StateUninitialized, fed.StateReady)
	if err != nil {
		return err
	}

	err = handshake.Announce(a.ctx, a.group, []fed.LogicalID{a.id})
	if err != nil {
		return fmt.Errorf("%s: %w", a.name, err)
	}

	a.logger.Printf("%s: announced client %d as rank %d",
		a.name, a.id, a.group.Rank())

	return nil
}

// MainLoop requests, trains, and reports until the master sends Exit or
// the round bound is reached.
func (a *Active) MainLoop() error {
	err := a.lifecycle.TransitionFrom(fed.StateReady, fed.StateRunning)
	if err != nil {
		return err
	}

	for round := 0; a.rounds == 0 || round < a.rounds; round++ {
		req := fed.MakeEnvelopeBuilder().
			WithCode(fed.CodeParameterRequest).
			WithSender(a.group.Rank()).
			WithReceiver(0).
			Build()

		if err := a.group.Send(a.ctx, req); err != nil {
			return fmt.Errorf("%s: requesting parameters: %w", a.name, err)
		}

		e, err := a.group.Recv(a.ctx, 0)
		if err != nil {
			return fmt.Errorf("%s: %w", a.name, err)
		}

		if e.Code == fed.CodeExit {
			a.logger.Printf("%s: exit received", a.name)
			return nil
		}

		if err := reportUpdate(a.ctx, a.group, a.trainer, a.memory, e); err != nil {
			return fmt.Errorf("%s: %w", a.name, err)
		}
	}

	a.logger.Printf("%s: round bound of %d reached", a.name, a.rounds)

	return nil
}

// Shutdown leaves the group.
func (a *Active) Shutdown() error {
	if err := a.lifecycle.BeginShutdown(); err != nil {
		return err
	}

	a.group.Close()
	a.cancel()

	a.lifecycle.MustTransition(fed.StateShuttingDown, fed.StateTerminated)
	a.logger.Printf("%s: terminated", a.name)

	return nil
}
