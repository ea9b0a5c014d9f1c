package relay

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/transport"
)

var _ = Describe("ParentSide", func() {
	var (
		ctx      context.Context
		groups   []*transport.LoopbackGroup
		up, down *fed.Queue
		ps       *ParentSide
	)

	BeforeEach(func() {
		ctx = context.Background()
		groups = transport.NewLoopback("Parent", 2)
		up = fed.NewQueue("Up", 8)
		down = fed.NewQueue("Down", 8)
		ps = MakeParentSideBuilder().
			WithGroup(groups[1]).
			WithUplinkQueue(up).
			WithDownlinkQueue(down).
			WithLogger(testLogger).
			Build("ParentSide")
	})

	AfterEach(func() {
		_ = ps.Shutdown()
		for _, g := range groups {
			g.Close()
		}
	})

	It("should announce the collected identities upward", func() {
		ps.SetIdentities([]fed.LogicalID{3, 7, 9})
		Expect(ps.Setup()).To(Succeed())

		e, err := groups[0].Recv(ctx, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(e.Code).To(Equal(fed.CodeSetUp))

		ids, _, err := e.SplitIDList()
		Expect(err).ToNot(HaveOccurred())
		Expect(ids).To(Equal([]fed.LogicalID{3, 7, 9}))
	})

	It("should refuse setup without identities", func() {
		Expect(ps.Setup()).To(HaveOccurred())
	})

	It("should panic when identities arrive after setup", func() {
		ps.SetIdentities([]fed.LogicalID{1})
		Expect(ps.Setup()).To(Succeed())

		Expect(func() {
			ps.SetIdentities([]fed.LogicalID{2})
		}).To(Panic())
	})

	It("should forward uplink deliveries to the parent master", func() {
		ps.SetIdentities([]fed.LogicalID{1})
		Expect(ps.Setup()).To(Succeed())

		_, err := groups[0].Recv(ctx, 1)
		Expect(err).ToNot(HaveOccurred())

		params := fed.NewFloat32Tensor("params", []float32{4})
		Expect(up.Put(ctx, fed.Delivery{
			Sender:  2,
			Code:    fed.CodeParameterUpdate,
			Payload: []fed.Tensor{params},
			TraceID: "t3",
		})).To(Succeed())

		e, err := groups[0].Recv(ctx, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(e.Code).To(Equal(fed.CodeParameterUpdate))
		Expect(e.Sender).To(Equal(fed.Rank(1)))
		Expect(e.TraceID).To(Equal("t3"))

		values, err := e.Payload[0].Float32s()
		Expect(err).ToNot(HaveOccurred())
		Expect(values).To(Equal([]float32{4}))
	})

	It("should pump parent traffic down and stop on exit", func() {
		ps.SetIdentities([]fed.LogicalID{1})
		Expect(ps.Setup()).To(Succeed())

		_, err := groups[0].Recv(ctx, 1)
		Expect(err).ToNot(HaveOccurred())

		loop := fed.Go("loop", ps.MainLoop)

		req := fed.MakeEnvelopeBuilder().
			WithCode(fed.CodeParameterRequest).
			WithSender(0).
			WithReceiver(1).
			WithPayload(fed.IDListTensor([]fed.LogicalID{1})).
			Build()
		Expect(groups[0].Send(ctx, req)).To(Succeed())

		d, err := down.Get(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.Code).To(Equal(fed.CodeParameterRequest))
		Expect(d.TraceID).To(Equal(req.ID))

		exit := fed.MakeEnvelopeBuilder().
			WithCode(fed.CodeExit).
			WithSender(0).
			WithReceiver(1).
			Build()
		Expect(groups[0].Send(ctx, exit)).To(Succeed())

		Expect(loop.Join()).To(Succeed())

		d, err = down.Get(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.Code).To(Equal(fed.CodeExit))

		_, err = down.Get(ctx)
		Expect(err).To(MatchError(fed.ErrQueueClosed))

		Expect(ps.Shutdown()).To(Succeed())
	})

	It("should end the main loop when the uplink pump hits a dead link",
		func() {
			fg := &failingSendGroup{
				LoopbackGroup: groups[1],
				failTo:        -1,
			}
			side := MakeParentSideBuilder().
				WithGroup(fg).
				WithUplinkQueue(up).
				WithDownlinkQueue(down).
				WithLogger(testLogger).
				Build("Breaking")

			side.SetIdentities([]fed.LogicalID{1})
			Expect(side.Setup()).To(Succeed())

			_, err := groups[0].Recv(ctx, 1)
			Expect(err).ToNot(HaveOccurred())

			loop := fed.Go("loop", side.MainLoop)

			fg.failTo = 0
			Expect(up.Put(ctx, fed.Delivery{
				Code: fed.CodeParameterUpdate,
				Payload: []fed.Tensor{
					fed.NewFloat32Tensor("params", []float32{1}),
				},
			})).To(Succeed())

			err = loop.Join()
			Expect(err).To(MatchError(fed.ErrTransportFailure))
			Expect(err.Error()).To(ContainSubstring("uplink pump"))

			_, err = down.Get(ctx)
			Expect(err).To(MatchError(fed.ErrQueueClosed))

			_ = side.Shutdown()
		})

	It("should report a broken parent link", func() {
		ps.SetIdentities([]fed.LogicalID{1})
		Expect(ps.Setup()).To(Succeed())

		_, err := groups[0].Recv(ctx, 1)
		Expect(err).ToNot(HaveOccurred())

		loop := fed.Go("loop", ps.MainLoop)

		groups[1].Close()

		Expect(loop.Join()).To(MatchError(fed.ErrTransportFailure))

		_, err = down.Get(ctx)
		Expect(err).To(MatchError(fed.ErrQueueClosed))
	})
})
