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

// A Passive client waits for its master to push work. Every received
// parameter set is trained on and answered with a parameter update; an
// Exit envelope ends the loop without a further send.
type Passive struct {
	name      string
	lifecycle fed.Lifecycle

	group   transport.Group
	trainer Trainer
	id      fed.LogicalID
	memory  compensation.Memory
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// PassiveBuilder can build passive clients.
type PassiveBuilder struct {
	group   transport.Group
	trainer Trainer
	id      fed.LogicalID
	memory  compensation.Memory
	logger  *log.Logger
}

// MakePassiveBuilder returns a builder with no compensation configured.
func MakePassiveBuilder() PassiveBuilder {
	return PassiveBuilder{
		memory: compensation.None{},
	}
}

// WithGroup sets the group the client joins. The client must not be the
// group's master.
func (b PassiveBuilder) WithGroup(g transport.Group) PassiveBuilder {
	b.group = g
	return b
}

// WithTrainer sets the local computation.
func (b PassiveBuilder) WithTrainer(t Trainer) PassiveBuilder {
	b.trainer = t
	return b
}

// WithID sets the logical identity the client announces.
func (b PassiveBuilder) WithID(id fed.LogicalID) PassiveBuilder {
	b.id = id
	return b
}

// WithCompensation sets the gradient memory applied to outgoing updates.
func (b PassiveBuilder) WithCompensation(m compensation.Memory) PassiveBuilder {
	b.memory = m
	return b
}

// WithLogger sets the logger of the client.
func (b PassiveBuilder) WithLogger(l *log.Logger) PassiveBuilder {
	b.logger = l
	return b
}

// Build creates the client.
func (b PassiveBuilder) Build(name string) *Passive {
	fed.NameMustBeValid(name)

	if b.group == nil || b.trainer == nil {
		panic("a client needs a group and a trainer")
	}

	if b.group.Rank() == 0 {
		panic("a client cannot be the master of its group")
	}

	if b.logger == nil {
		b.logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Passive{
		name:    name,
		group:   b.group,
		trainer: b.trainer,
		id:      b.id,
		memory:  b.memory,
		logger:  b.logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Name returns the name of the client.
func (p *Passive) Name() string {
	return p.name
}

// ID returns the logical identity the client announces.
func (p *Passive) ID() fed.LogicalID {
	return p.id
}

// Setup announces the client's identity to the master.
func (p *Passive) Setup() error {
	err := p.lifecycle.TransitionFrom(fed.StateUninitialized, fed.StateReady)
	if err != nil {
		return err
	}

	err = handshake.Announce(p.ctx, p.group, []fed.LogicalID{p.id})
	if err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}

	p.logger.Printf("%s: announced client %d as rank %d",
		p.name, p.id, p.group.Rank())

	return nil
}

// MainLoop serves the master until it sends Exit.
func (p *Passive) MainLoop() error {
	err := p.lifecycle.TransitionFrom(fed.StateReady, fed.StateRunning)
	if err != nil {
		return err
	}

	for {
		e, err := p.group.Recv(p.ctx, 0)
		if err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}

		switch e.Code {
		case fed.CodeExit:
			p.logger.Printf("%s: exit received", p.name)
			return nil

		case fed.CodeEvaluateParams:
			err := p.trainer.Evaluate(p.ctx, trainingPayload(e.Payload))
			if err != nil {
				return fmt.Errorf("%s: evaluating: %w", p.name, err)
			}

		default:
			err := reportUpdate(p.ctx, p.group, p.trainer, p.memory, e)
			if err != nil {
				return fmt.Errorf("%s: %w", p.name, err)
			}
		}
	}
}

// Shutdown leaves the group.
func (p *Passive) Shutdown() error {
	if err := p.lifecycle.BeginShutdown(); err != nil {
		return err
	}

	p.group.Close()
	p.cancel()

	p.lifecycle.MustTransition(fed.StateShuttingDown, fed.StateTerminated)
	p.logger.Printf("%s: terminated", p.name)

	return nil
}
