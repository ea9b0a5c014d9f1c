package transport

import (
	"context"
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/shukuba/fed"
)

var _ = Describe("TCPGroup", func() {
	var (
		ctx            context.Context
		master         *TCPGroup
		child1, child2 *TCPGroup
	)

	buildChild := func(addr string, rank fed.Rank) *TCPGroup {
		g, err := MakeTCPGroupBuilder().
			WithRank(rank).
			WithWorldSize(3).
			WithMasterAddr(addr).
			WithLogger(testLogger).
			Build("Child")
		Expect(err).ToNot(HaveOccurred())

		return g
	}

	BeforeEach(func() {
		ctx = context.Background()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		addr := ln.Addr().String()

		masterCh := make(chan *TCPGroup)
		go func() {
			defer GinkgoRecover()

			g, err := MakeTCPGroupBuilder().
				WithRank(0).
				WithWorldSize(3).
				WithListener(ln).
				WithLogger(testLogger).
				Build("Child")
			Expect(err).ToNot(HaveOccurred())
			masterCh <- g
		}()

		childCh1 := make(chan *TCPGroup)
		childCh2 := make(chan *TCPGroup)
		go func() {
			defer GinkgoRecover()
			childCh1 <- buildChild(addr, 1)
		}()
		go func() {
			defer GinkgoRecover()
			childCh2 <- buildChild(addr, 2)
		}()

		Eventually(masterCh, "10s").Should(Receive(&master))
		Eventually(childCh1, "10s").Should(Receive(&child1))
		Eventually(childCh2, "10s").Should(Receive(&child2))
	})

	AfterEach(func() {
		master.Close()
		child1.Close()
		child2.Close()
	})

	It("should know its place in the group", func() {
		Expect(master.Rank()).To(Equal(fed.Rank(0)))
		Expect(master.WorldSize()).To(Equal(3))
		Expect(master.Addr()).ToNot(BeNil())
		Expect(child2.Rank()).To(Equal(fed.Rank(2)))
	})

	It("should carry an envelope from a child to the master", func() {
		params := fed.NewFloat32Tensor("params", []float32{0.5, -4})
		sent := envelope(fed.CodeParameterUpdate, 1, 0, params)

		Expect(child1.Send(ctx, sent)).To(Succeed())

		got, err := master.Recv(ctx, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.ID).To(Equal(sent.ID))
		Expect(got.Sender).To(Equal(fed.Rank(1)))
		Expect(got.Code).To(Equal(fed.CodeParameterUpdate))

		values, err := got.Payload[0].Float32s()
		Expect(err).ToNot(HaveOccurred())
		Expect(values).To(Equal([]float32{0.5, -4}))
	})

	It("should carry an envelope from the master to a child", func() {
		sent := envelope(fed.CodeParameterRequest, 0, 2,
			fed.IDListTensor([]fed.LogicalID{9}))

		Expect(master.Send(ctx, sent)).To(Succeed())

		got, err := child2.Recv(ctx, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.ID).To(Equal(sent.ID))

		ids, _, err := got.SplitIDList()
		Expect(err).ToNot(HaveOccurred())
		Expect(ids).To(Equal([]fed.LogicalID{9}))
	})

	It("should hold back envelopes while waiting for a specific rank",
		func() {
			Expect(child1.Send(ctx,
				envelope(fed.CodeParameterUpdate, 1, 0))).To(Succeed())
			Expect(child2.Send(ctx,
				envelope(fed.CodeParameterUpdate, 2, 0))).To(Succeed())

			got, err := master.Recv(ctx, 2)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Sender).To(Equal(fed.Rank(2)))

			got, err = master.Recv(ctx, 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Sender).To(Equal(fed.Rank(1)))
		})

	It("should keep the order of one sender", func() {
		first := envelope(fed.CodeParameterRequest, 1, 0)
		second := envelope(fed.CodeParameterUpdate, 1, 0)

		Expect(child1.Send(ctx, first)).To(Succeed())
		Expect(child1.Send(ctx, second)).To(Succeed())

		got, err := master.Recv(ctx, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.ID).To(Equal(first.ID))

		got, err = master.Recv(ctx, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.ID).To(Equal(second.ID))
	})

	It("should refuse a link between two children", func() {
		err := child1.Send(ctx, envelope(fed.CodeParameterUpdate, 1, 2))
		Expect(err).To(HaveOccurred())
	})

	It("should refuse an envelope naming another sender", func() {
		err := child1.Send(ctx, envelope(fed.CodeParameterUpdate, 2, 0))
		Expect(err).To(HaveOccurred())
	})

	It("should unblock a receive on Close", func() {
		errs := make(chan error, 1)
		go func() {
			_, err := master.RecvAny(ctx)
			errs <- err
		}()

		Consistently(errs).ShouldNot(Receive())

		master.Close()
		Eventually(errs).Should(Receive(MatchError(fed.ErrTransportFailure)))
	})

	It("should report a closed peer on receive", func() {
		child1.Close()

		_, err := master.Recv(ctx, 1)
		Expect(err).To(MatchError(fed.ErrTransportFailure))
	})

	It("should fail sends after Close", func() {
		child1.Close()

		err := child1.Send(ctx, envelope(fed.CodeParameterUpdate, 1, 0))
		Expect(err).To(MatchError(fed.ErrTransportFailure))
	})
})
