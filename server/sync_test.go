package server_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/handshake"
	"github.com/sarchlab/shukuba/server"
	"github.com/sarchlab/shukuba/transport"
)

var _ = Describe("Sync", func() {
	var (
		ctx     context.Context
		groups  []*transport.LoopbackGroup
		handler *fakeHandler
		s       *server.Sync
	)

	BeforeEach(func() {
		ctx = context.Background()
		groups = transport.NewLoopback("Cluster", 3)
		handler = &fakeHandler{
			rounds: 1,
			quota:  2,
			sample: []fed.LogicalID{3, 9},
			downlink: []fed.Tensor{
				fed.NewFloat32Tensor("params", []float32{1, 2}),
			},
		}
		s = server.MakeSyncBuilder().
			WithGroup(groups[0]).
			WithHandler(handler).
			WithLogger(testLogger).
			Build("Server")
	})

	AfterEach(func() {
		for _, g := range groups {
			g.Close()
		}
	})

	announce := func() {
		Expect(handshake.Announce(ctx, groups[1],
			[]fed.LogicalID{3, 7})).To(Succeed())
		Expect(handshake.Announce(ctx, groups[2],
			[]fed.LogicalID{9})).To(Succeed())
	}

	reply := func(g *transport.LoopbackGroup, code fed.MessageCode,
		payload ...fed.Tensor) {
		e := fed.MakeEnvelopeBuilder().
			WithCode(code).
			WithSender(g.Rank()).
			WithReceiver(0).
			WithPayload(payload...).
			Build()
		ExpectWithOffset(1, g.Send(ctx, e)).To(Succeed())
	}

	It("should hand the handler the client universe", func() {
		announce()

		Expect(s.Setup()).To(Succeed())

		Expect(handler.clients).To(Equal([]fed.LogicalID{3, 7, 9}))
		Expect(s.Coordinator().Total()).To(Equal(3))

		Expect(s.Shutdown()).To(Succeed())
	})

	It("should drive a round and retire every rank", func() {
		announce()

		run := fed.Go("run", func() error { return fed.Run(s) })

		act1, err := groups[1].Recv(ctx, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(act1.Code).To(Equal(fed.CodeParameterUpdate))

		ids1, rest1, err := act1.SplitIDList()
		Expect(err).ToNot(HaveOccurred())
		Expect(ids1).To(Equal([]fed.LogicalID{3}))
		Expect(rest1).To(HaveLen(1))
		Expect(rest1[0].Name).To(Equal("params"))

		act2, err := groups[2].Recv(ctx, 0)
		Expect(err).ToNot(HaveOccurred())

		ids2, _, err := act2.SplitIDList()
		Expect(err).ToNot(HaveOccurred())
		Expect(ids2).To(Equal([]fed.LogicalID{9}))

		reply(groups[1], fed.CodeParameterUpdate,
			fed.NewFloat32Tensor("update", []float32{1}))
		reply(groups[2], fed.CodeGradientUpdate,
			fed.NewFloat32Tensor("update", []float32{2}))

		for _, g := range []*transport.LoopbackGroup{groups[1], groups[2]} {
			e, err := g.Recv(ctx, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(e.Code).To(Equal(fed.CodeExit))
			Expect(e.Payload).To(BeEmpty())
		}

		Expect(run.Join()).To(Succeed())
		Expect(handler.senders).To(ConsistOf(fed.Rank(1), fed.Rank(2)))
		Expect(handler.absorbed).To(HaveLen(2))
	})

	It("should skip a round that samples nobody", func() {
		handler.sample = nil
		announce()

		run := fed.Go("run", func() error { return fed.Run(s) })

		for _, g := range []*transport.LoopbackGroup{groups[1], groups[2]} {
			e, err := g.Recv(ctx, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(e.Code).To(Equal(fed.CodeExit))
		}

		Expect(run.Join()).To(Succeed())
		Expect(handler.absorbed).To(BeEmpty())
	})

	It("should fail the round on an unexpected code", func() {
		handler.sample = []fed.LogicalID{3}
		handler.quota = 1
		announce()

		run := fed.Go("run", func() error { return fed.Run(s) })

		_, err := groups[1].Recv(ctx, 0)
		Expect(err).ToNot(HaveOccurred())

		reply(groups[1], fed.CodeParameterRequest)

		Expect(run.Join()).To(MatchError(
			ContainSubstring("during aggregation")))
	})

	It("should surface absorb failures", func() {
		handler.absorbErr = errors.New("tensor mismatch")
		announce()

		run := fed.Go("run", func() error { return fed.Run(s) })

		for _, g := range []*transport.LoopbackGroup{groups[1], groups[2]} {
			_, err := g.Recv(ctx, 0)
			Expect(err).ToNot(HaveOccurred())
		}

		reply(groups[1], fed.CodeParameterUpdate)

		Expect(run.Join()).To(MatchError(ContainSubstring("tensor mismatch")))
	})

	It("should refuse to be built off the master rank", func() {
		Expect(func() {
			server.MakeSyncBuilder().
				WithGroup(groups[1]).
				WithHandler(handler).
				Build("Server")
		}).To(Panic())
	})

	It("should refuse to be built without a handler", func() {
		Expect(func() {
			server.MakeSyncBuilder().
				WithGroup(groups[0]).
				Build("Server")
		}).To(Panic())
	})
})
