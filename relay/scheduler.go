package relay

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/transport"
)

// DefaultQueueCapacity bounds the relay queues of a scheduler unless the
// builder overrides it.
const DefaultQueueCapacity = 64

// A Scheduler bridges a parent group and a child group: everything the
// parent sends fans out to the child ranks owning the listed ids, and
// everything the children send flows up to the parent master.
type Scheduler struct {
	name   string
	logger *log.Logger

	child  *ChildSide
	parent *ParentSide

	up, down *fed.Queue

	childLoop   *fed.Task
	childFailed atomic.Bool
}

// SchedulerBuilder can build schedulers.
type SchedulerBuilder struct {
	parentGroup transport.Group
	childGroup  transport.Group
	capacity    int
	logger      *log.Logger
}

// MakeSchedulerBuilder returns a builder with the default queue capacity.
func MakeSchedulerBuilder() SchedulerBuilder {
	return SchedulerBuilder{
		capacity: DefaultQueueCapacity,
	}
}

// WithParentGroup sets the group the scheduler joins as a child.
func (b SchedulerBuilder) WithParentGroup(g transport.Group) SchedulerBuilder {
	b.parentGroup = g
	return b
}

// WithChildGroup sets the group the scheduler masters.
func (b SchedulerBuilder) WithChildGroup(g transport.Group) SchedulerBuilder {
	b.childGroup = g
	return b
}

// WithQueueCapacity sets the capacity of the uplink and downlink queues.
func (b SchedulerBuilder) WithQueueCapacity(n int) SchedulerBuilder {
	b.capacity = n
	return b
}

// WithLogger sets the logger of the scheduler and its relays.
func (b SchedulerBuilder) WithLogger(l *log.Logger) SchedulerBuilder {
	b.logger = l
	return b
}

// Build creates the scheduler with its two relays and queues.
func (b SchedulerBuilder) Build(name string) *Scheduler {
	fed.NameMustBeValid(name)

	if b.parentGroup == nil || b.childGroup == nil {
		panic("a scheduler needs a parent group and a child group")
	}

	if b.logger == nil {
		b.logger = log.Default()
	}

	up := fed.NewQueue(fed.BuildName(name, "Up"), b.capacity)
	down := fed.NewQueue(fed.BuildName(name, "Down"), b.capacity)

	child := MakeChildSideBuilder().
		WithGroup(b.childGroup).
		WithUplinkQueue(up).
		WithDownlinkQueue(down).
		WithLogger(b.logger).
		Build(fed.BuildName(name, "ChildSide"))

	parent := MakeParentSideBuilder().
		WithGroup(b.parentGroup).
		WithUplinkQueue(up).
		WithDownlinkQueue(down).
		WithLogger(b.logger).
		Build(fed.BuildName(name, "ParentSide"))

	return &Scheduler{
		name:   name,
		logger: b.logger,
		child:  child,
		parent: parent,
		up:     up,
		down:   down,
	}
}

// Name returns the name of the scheduler.
func (s *Scheduler) Name() string {
	return s.name
}

// Queues returns the uplink and downlink queues, for inspection.
func (s *Scheduler) Queues() (up, down *fed.Queue) {
	return s.up, s.down
}

// Coordinator returns the identity map of the child group. It is nil until
// Setup succeeds.
func (s *Scheduler) Coordinator() *fed.Coordinator {
	return s.child.Coordinator()
}

// Setup first settles the child group's handshake, then announces the
// collected identities to the parent.
func (s *Scheduler) Setup() error {
	if err := s.child.Setup(); err != nil {
		return err
	}

	s.parent.SetIdentities(s.child.Coordinator().IDs())

	if err := s.parent.Setup(); err != nil {
		s.child.Shutdown()
		return err
	}

	s.logger.Printf("%s: bridging %d clients",
		s.name, s.child.Coordinator().Total())

	return nil
}

// MainLoop runs both relays until the parent passes an exit down or either
// side fails. A child-side failure cancels the parent side, so the
// scheduler dies as a unit instead of bridging on with one half dead.
func (s *Scheduler) MainLoop() error {
	s.childLoop = fed.Go(s.name+" child loop", func() error {
		err := s.child.MainLoop()
		if err != nil {
			s.childFailed.Store(true)
			s.parent.cancel()
		}

		return err
	})

	err := s.parent.MainLoop()
	if err != nil && s.childFailed.Load() {
		return fmt.Errorf("%s: child side: %w", s.name, s.childLoop.Join())
	}

	return err
}

// Shutdown stops the child side first, so the uplink queue closes before
// the parent side drains it.
func (s *Scheduler) Shutdown() error {
	childShutdownErr := s.child.Shutdown()

	var childLoopErr error
	if s.childLoop != nil {
		childLoopErr = s.childLoop.Join()
	}

	parentShutdownErr := s.parent.Shutdown()

	for _, err := range []error{
		childLoopErr, childShutdownErr, parentShutdownErr,
	} {
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	return nil
}
