package relay

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/handshake"
	"github.com/sarchlab/shukuba/transport"
)

var _ = Describe("ChildSide", func() {
	var (
		ctx      context.Context
		groups   []*transport.LoopbackGroup
		up, down *fed.Queue
		cs       *ChildSide
	)

	BeforeEach(func() {
		ctx = context.Background()
		groups = transport.NewLoopback("Child", 3)
		up = fed.NewQueue("Up", 8)
		down = fed.NewQueue("Down", 8)
		cs = MakeChildSideBuilder().
			WithGroup(groups[0]).
			WithUplinkQueue(up).
			WithDownlinkQueue(down).
			WithLogger(testLogger).
			Build("ChildSide")

		Expect(handshake.Announce(ctx, groups[1],
			[]fed.LogicalID{3, 7})).To(Succeed())
		Expect(handshake.Announce(ctx, groups[2],
			[]fed.LogicalID{9})).To(Succeed())
		Expect(cs.Setup()).To(Succeed())
	})

	AfterEach(func() {
		_ = cs.Shutdown()
		for _, g := range groups {
			g.Close()
		}
	})

	expectNothingPending := func(g *transport.LoopbackGroup) {
		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := g.RecvAny(short)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	}

	It("should collect the handshake during setup", func() {
		c := cs.Coordinator()
		Expect(c).ToNot(BeNil())
		Expect(c.Total()).To(Equal(3))
		Expect(c.IDs()).To(Equal([]fed.LogicalID{3, 7, 9}))
	})

	It("should fan a downlink delivery out to exactly the owning ranks",
		func() {
			params := fed.NewFloat32Tensor("params", []float32{1, 2})
			Expect(down.Put(ctx, fed.Delivery{
				Code: fed.CodeParameterRequest,
				Payload: []fed.Tensor{
					fed.IDListTensor([]fed.LogicalID{3, 7, 9}),
					params,
				},
				TraceID: "t1",
			})).To(Succeed())

			e, err := groups[1].Recv(ctx, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(e.Code).To(Equal(fed.CodeParameterRequest))
			Expect(e.TraceID).To(Equal("t1"))

			ids, rest, err := e.SplitIDList()
			Expect(err).ToNot(HaveOccurred())
			Expect(ids).To(Equal([]fed.LogicalID{3, 7}))
			Expect(rest).To(HaveLen(1))

			values, err := rest[0].Float32s()
			Expect(err).ToNot(HaveOccurred())
			Expect(values).To(Equal([]float32{1, 2}))

			e, err = groups[2].Recv(ctx, 0)
			Expect(err).ToNot(HaveOccurred())

			ids, _, err = e.SplitIDList()
			Expect(err).ToNot(HaveOccurred())
			Expect(ids).To(Equal([]fed.LogicalID{9}))

			expectNothingPending(groups[1])
			expectNothingPending(groups[2])
		})

	It("should skip ranks with no listed ids", func() {
		Expect(down.Put(ctx, fed.Delivery{
			Code:    fed.CodeParameterRequest,
			Payload: []fed.Tensor{fed.IDListTensor([]fed.LogicalID{9})},
		})).To(Succeed())

		e, err := groups[2].Recv(ctx, 0)
		Expect(err).ToNot(HaveOccurred())

		ids, _, err := e.SplitIDList()
		Expect(err).ToNot(HaveOccurred())
		Expect(ids).To(Equal([]fed.LogicalID{9}))

		expectNothingPending(groups[1])
	})

	It("should broadcast an exit to every rank", func() {
		Expect(down.Put(ctx, fed.Delivery{
			Code:    fed.CodeExit,
			TraceID: "t9",
		})).To(Succeed())

		for _, g := range []*transport.LoopbackGroup{groups[1], groups[2]} {
			e, err := g.Recv(ctx, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(e.Code).To(Equal(fed.CodeExit))
			Expect(e.TraceID).To(Equal("t9"))
			Expect(e.Payload).To(BeEmpty())
		}
	})

	It("should drop a downlink delivery naming an unknown identity "+
		"and keep bridging", func() {
		loop := fed.Go("loop", cs.MainLoop)

		Expect(down.Put(ctx, fed.Delivery{
			Code:    fed.CodeParameterRequest,
			Payload: []fed.Tensor{fed.IDListTensor([]fed.LogicalID{42})},
		})).To(Succeed())

		Expect(down.Put(ctx, fed.Delivery{
			Code:    fed.CodeParameterRequest,
			Payload: []fed.Tensor{fed.IDListTensor([]fed.LogicalID{9})},
		})).To(Succeed())

		e, err := groups[2].Recv(ctx, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(e.Code).To(Equal(fed.CodeParameterRequest))

		expectNothingPending(groups[1])

		update := fed.MakeEnvelopeBuilder().
			WithCode(fed.CodeParameterUpdate).
			WithSender(2).
			WithReceiver(0).
			Build()
		Expect(groups[2].Send(ctx, update)).To(Succeed())

		d, err := up.Get(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.Sender).To(Equal(fed.Rank(2)))

		Expect(down.Put(ctx, fed.Delivery{Code: fed.CodeExit})).To(Succeed())

		for _, g := range []*transport.LoopbackGroup{groups[1], groups[2]} {
			e, err := g.Recv(ctx, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(e.Code).To(Equal(fed.CodeExit))
		}

		Expect(cs.Shutdown()).To(Succeed())
		Expect(loop.Join()).To(Succeed())
	})

	It("should drop a downlink delivery without an id-list head", func() {
		loop := fed.Go("loop", cs.MainLoop)

		Expect(down.Put(ctx, fed.Delivery{
			Code: fed.CodeParameterUpdate,
			Payload: []fed.Tensor{
				fed.NewFloat32Tensor("params", []float32{1}),
			},
		})).To(Succeed())

		Expect(down.Put(ctx, fed.Delivery{
			Code:    fed.CodeParameterRequest,
			Payload: []fed.Tensor{fed.IDListTensor([]fed.LogicalID{3})},
		})).To(Succeed())

		e, err := groups[1].Recv(ctx, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(e.Code).To(Equal(fed.CodeParameterRequest))

		Expect(down.Put(ctx, fed.Delivery{Code: fed.CodeExit})).To(Succeed())

		for _, g := range []*transport.LoopbackGroup{groups[1], groups[2]} {
			_, err := g.Recv(ctx, 0)
			Expect(err).ToNot(HaveOccurred())
		}

		Expect(cs.Shutdown()).To(Succeed())
		Expect(loop.Join()).To(Succeed())
	})

	It("should end the main loop when fanning out hits a dead link", func() {
		fatalGroups := transport.NewLoopback("Broken", 3)
		defer func() {
			for _, g := range fatalGroups {
				g.Close()
			}
		}()

		fup := fed.NewQueue("BrokenUp", 8)
		fdown := fed.NewQueue("BrokenDown", 8)
		side := MakeChildSideBuilder().
			WithGroup(&failingSendGroup{
				LoopbackGroup: fatalGroups[0],
				failTo:        2,
			}).
			WithUplinkQueue(fup).
			WithDownlinkQueue(fdown).
			WithLogger(testLogger).
			Build("Broken")

		Expect(handshake.Announce(ctx, fatalGroups[1],
			[]fed.LogicalID{3})).To(Succeed())
		Expect(handshake.Announce(ctx, fatalGroups[2],
			[]fed.LogicalID{9})).To(Succeed())
		Expect(side.Setup()).To(Succeed())

		loop := fed.Go("loop", side.MainLoop)

		Expect(fdown.Put(ctx, fed.Delivery{
			Code:    fed.CodeParameterRequest,
			Payload: []fed.Tensor{fed.IDListTensor([]fed.LogicalID{9})},
		})).To(Succeed())

		err := loop.Join()
		Expect(err).To(MatchError(fed.ErrTransportFailure))
		Expect(err.Error()).To(ContainSubstring("downlink pump"))

		_ = side.Shutdown()
	})

	It("should pump child traffic into the uplink queue", func() {
		loop := fed.Go("loop", cs.MainLoop)

		update := fed.MakeEnvelopeBuilder().
			WithCode(fed.CodeParameterUpdate).
			WithSender(1).
			WithReceiver(0).
			WithPayload(fed.NewFloat32Tensor("params", []float32{5})).
			Build()
		Expect(groups[1].Send(ctx, update)).To(Succeed())

		d, err := up.Get(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.Sender).To(Equal(fed.Rank(1)))
		Expect(d.Code).To(Equal(fed.CodeParameterUpdate))
		Expect(d.TraceID).To(Equal(update.ID))

		Expect(down.Put(ctx, fed.Delivery{Code: fed.CodeExit})).To(Succeed())

		for _, g := range []*transport.LoopbackGroup{groups[1], groups[2]} {
			e, err := g.Recv(ctx, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(e.Code).To(Equal(fed.CodeExit))
		}

		Expect(cs.Shutdown()).To(Succeed())
		Expect(loop.Join()).To(Succeed())
	})

	It("should refuse a child that exits upstream", func() {
		loop := fed.Go("loop", cs.MainLoop)

		exit := fed.MakeEnvelopeBuilder().
			WithCode(fed.CodeExit).
			WithSender(2).
			WithReceiver(0).
			Build()
		Expect(groups[2].Send(ctx, exit)).To(Succeed())

		Expect(loop.Join()).To(HaveOccurred())
	})

	It("should refuse a child that announces twice", func() {
		loop := fed.Go("loop", cs.MainLoop)

		Expect(handshake.Announce(ctx, groups[1],
			[]fed.LogicalID{50})).To(Succeed())

		Expect(loop.Join()).To(MatchError(fed.ErrLifecycleViolation))
	})

	It("should refuse to run out of order", func() {
		other := MakeChildSideBuilder().
			WithGroup(groups[0]).
			WithUplinkQueue(up).
			WithDownlinkQueue(down).
			WithLogger(testLogger).
			Build("Other")

		Expect(other.MainLoop()).To(MatchError(fed.ErrLifecycleViolation))
	})

	It("should panic when built as a non-master", func() {
		Expect(func() {
			MakeChildSideBuilder().
				WithGroup(groups[1]).
				WithUplinkQueue(up).
				WithDownlinkQueue(down).
				Build("Bad")
		}).To(Panic())
	})
})
