package server

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/handshake"
	"github.com/sarchlab/shukuba/transport"
)

// A Sync server runs the deployment in lockstep rounds: it activates the
// sampled clients, waits until the handler has absorbed their updates,
// and moves on. After the last round it broadcasts Exit to every rank.
type Sync struct {
	name      string
	lifecycle fed.Lifecycle

	group   transport.Group
	handler Handler
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	coordinator *fed.Coordinator
}

// SyncBuilder can build synchronous servers.
type SyncBuilder struct {
	group   transport.Group
	handler Handler
	logger  *log.Logger
}

// MakeSyncBuilder returns a builder with no fields set.
func MakeSyncBuilder() SyncBuilder {
	return SyncBuilder{}
}

// WithGroup sets the group the server masters.
func (b SyncBuilder) WithGroup(g transport.Group) SyncBuilder {
	b.group = g
	return b
}

// WithHandler sets the aggregation logic.
func (b SyncBuilder) WithHandler(h Handler) SyncBuilder {
	b.handler = h
	return b
}

// WithLogger sets the logger of the server.
func (b SyncBuilder) WithLogger(l *log.Logger) SyncBuilder {
	b.logger = l
	return b
}

// Build creates the server.
func (b SyncBuilder) Build(name string) *Sync {
	fed.NameMustBeValid(name)
	serverParamsMustBeValid(b.group, b.handler)

	if b.logger == nil {
		b.logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sync{
		name:    name,
		group:   b.group,
		handler: b.handler,
		logger:  b.logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func serverParamsMustBeValid(g transport.Group, h Handler) {
	if g == nil || h == nil {
		panic("a server needs a group and a handler")
	}

	if g.Rank() != 0 {
		panic(fmt.Sprintf(
			"the server must be the master of its group, not rank %d",
			g.Rank()))
	}
}

// Name returns the name of the server.
func (s *Sync) Name() string {
	return s.name
}

// Coordinator returns the identity map collected during setup. It is nil
// until Setup succeeds.
func (s *Sync) Coordinator() *fed.Coordinator {
	return s.coordinator
}

// Setup collects the handshake and hands the handler the client universe.
func (s *Sync) Setup() error {
	err := s.lifecycle.TransitionFrom(fed.StateUninitialized, fed.StateReady)
	if err != nil {
		return err
	}

	coordinator, err := handshake.Collect(s.ctx, s.group, s.logger)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}

	s.coordinator = coordinator
	s.handler.SetClients(coordinator.IDs())

	s.logger.Printf("%s: serving %d clients over %d ranks",
		s.name, coordinator.Total(), len(coordinator.Ranks()))

	return nil
}

// MainLoop drives the handler's rounds and then retires every rank.
func (s *Sync) MainLoop() error {
	err := s.lifecycle.TransitionFrom(fed.StateReady, fed.StateRunning)
	if err != nil {
		return err
	}

	for round := 0; round < s.handler.Rounds(); round++ {
		if err := s.runRound(round); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	s.broadcastExit()

	return nil
}

func (s *Sync) runRound(round int) error {
	selected := s.handler.SampleClients(round)

	byRank, err := s.coordinator.MapIDList(selected)
	if err != nil {
		return fmt.Errorf("round %d: %w", round, err)
	}

	if len(byRank) == 0 {
		s.logger.Printf("%s: round %d: no clients sampled", s.name, round)
		return nil
	}

	ranks := make([]fed.Rank, 0, len(byRank))
	for rank := range byRank {
		ranks = append(ranks, rank)
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })

	downlink := s.handler.Downlink(round)

	for _, rank := range ranks {
		payload := append(
			[]fed.Tensor{fed.IDListTensor(byRank[rank])}, downlink...)

		e := fed.MakeEnvelopeBuilder().
			WithCode(fed.CodeParameterUpdate).
			WithSender(0).
			WithReceiver(rank).
			WithPayload(payload...).
			Build()

		if err := s.group.Send(s.ctx, e); err != nil {
			return fmt.Errorf("round %d: activating rank %d: %w",
				round, rank, err)
		}
	}

	s.logger.Printf("%s: round %d: activated %d clients over %d ranks",
		s.name, round, len(selected), len(ranks))

	for {
		e, err := s.group.RecvAny(s.ctx)
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}

		if e.Code != fed.CodeParameterUpdate &&
			e.Code != fed.CodeGradientUpdate {
			return fmt.Errorf("round %d: rank %d sent %s during aggregation",
				round, e.Sender, e.Code)
		}

		done, err := s.handler.Absorb(round, e.Sender, e.Payload)
		if err != nil {
			return fmt.Errorf("round %d: absorbing from rank %d: %w",
				round, e.Sender, err)
		}

		if done {
			return nil
		}
	}
}

// broadcastExit sends Exit to every rank. A rank that already dropped its
// link is logged, not treated as a failure.
func (s *Sync) broadcastExit() {
	for _, rank := range s.coordinator.Ranks() {
		e := fed.MakeEnvelopeBuilder().
			WithCode(fed.CodeExit).
			WithSender(0).
			WithReceiver(rank).
			Build()

		if err := s.group.Send(s.ctx, e); err != nil {
			s.logger.Printf("%s: rank %d unreachable at exit: %v",
				s.name, rank, err)
		}
	}

	s.logger.Printf("%s: exit broadcast to %d ranks",
		s.name, len(s.coordinator.Ranks()))
}

// Shutdown leaves the group.
func (s *Sync) Shutdown() error {
	if err := s.lifecycle.BeginShutdown(); err != nil {
		return err
	}

	s.group.Close()
	s.cancel()

	s.lifecycle.MustTransition(fed.StateShuttingDown, fed.StateTerminated)
	s.logger.Printf("%s: terminated", s.name)

	return nil
}
