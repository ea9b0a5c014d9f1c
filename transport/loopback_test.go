package transport

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/shukuba/fed"
)

func envelope(
	code fed.MessageCode,
	src, dst fed.Rank,
	payload ...fed.Tensor,
) *fed.Envelope {
	return fed.MakeEnvelopeBuilder().
		WithCode(code).
		WithSender(src).
		WithReceiver(dst).
		WithPayload(payload...).
		Build()
}

var _ = Describe("LoopbackGroup", func() {
	var (
		ctx    context.Context
		groups []*LoopbackGroup
	)

	BeforeEach(func() {
		ctx = context.Background()
		groups = NewLoopback("Fabric", 3)
	})

	AfterEach(func() {
		for _, g := range groups {
			g.Close()
		}
	})

	It("should describe itself", func() {
		Expect(groups[1].Name()).To(Equal("Fabric.Rank[1]"))
		Expect(groups[1].Rank()).To(Equal(fed.Rank(1)))
		Expect(groups[1].WorldSize()).To(Equal(3))
	})

	It("should move an envelope between ranks", func() {
		payload := fed.NewFloat32Tensor("params", []float32{1, 2, 3})
		sent := envelope(fed.CodeParameterUpdate, 1, 0, payload)

		Expect(groups[1].Send(ctx, sent)).To(Succeed())

		got, err := groups[0].RecvAny(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.ID).To(Equal(sent.ID))
		Expect(got.Sender).To(Equal(fed.Rank(1)))

		values, err := got.Payload[0].Float32s()
		Expect(err).ToNot(HaveOccurred())
		Expect(values).To(Equal([]float32{1, 2, 3}))
	})

	It("should hold back envelopes while waiting for a specific rank", func() {
		fromOne := envelope(fed.CodeParameterUpdate, 1, 0)
		fromTwo := envelope(fed.CodeParameterUpdate, 2, 0)

		Expect(groups[1].Send(ctx, fromOne)).To(Succeed())
		Expect(groups[2].Send(ctx, fromTwo)).To(Succeed())

		got, err := groups[0].Recv(ctx, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.ID).To(Equal(fromTwo.ID))

		got, err = groups[0].RecvAny(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.ID).To(Equal(fromOne.ID))
	})

	It("should keep per-sender order", func() {
		first := envelope(fed.CodeParameterRequest, 2, 0)
		second := envelope(fed.CodeParameterUpdate, 2, 0)

		Expect(groups[2].Send(ctx, first)).To(Succeed())
		Expect(groups[2].Send(ctx, second)).To(Succeed())

		got, err := groups[0].Recv(ctx, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.ID).To(Equal(first.ID))

		got, err = groups[0].Recv(ctx, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.ID).To(Equal(second.ID))
	})

	It("should refuse a sender that is not this rank", func() {
		err := groups[1].Send(ctx, envelope(fed.CodeExit, 2, 0))
		Expect(err).To(HaveOccurred())
	})

	It("should refuse sending to itself", func() {
		err := groups[1].Send(ctx, envelope(fed.CodeExit, 1, 1))
		Expect(err).To(HaveOccurred())
	})

	It("should fail sends to a closed rank", func() {
		groups[0].Close()

		err := groups[1].Send(ctx, envelope(fed.CodeParameterUpdate, 1, 0))
		Expect(err).To(MatchError(fed.ErrTransportFailure))
	})

	It("should unblock a receive on Close", func() {
		errs := make(chan error, 1)
		go func() {
			_, err := groups[0].RecvAny(ctx)
			errs <- err
		}()

		Consistently(errs).ShouldNot(Receive())

		groups[0].Close()
		Eventually(errs).Should(Receive(MatchError(fed.ErrTransportFailure)))
	})

	It("should surface a peer's departure to blocked receivers", func() {
		errs := make(chan error, 1)
		go func() {
			_, err := groups[0].Recv(ctx, 1)
			errs <- err
		}()

		Consistently(errs).ShouldNot(Receive())

		groups[1].Close()
		Eventually(errs).Should(Receive(MatchError(fed.ErrTransportFailure)))
	})

	It("should let envelopes sent before a departure drain first", func() {
		Expect(groups[1].Send(ctx, envelope(fed.CodeExit, 1, 0))).To(Succeed())
		groups[1].Close()

		e, err := groups[0].Recv(ctx, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(e.Code).To(Equal(fed.CodeExit))

		_, err = groups[0].RecvAny(ctx)
		Expect(err).To(MatchError(fed.ErrTransportFailure))
	})

	It("should invoke send and recv hooks", func() {
		sendRec := &hookRecorder{}
		recvRec := &hookRecorder{}
		groups[1].AcceptHook(sendRec)
		groups[0].AcceptHook(recvRec)

		Expect(groups[1].Send(ctx, envelope(fed.CodeExit, 1, 0))).To(Succeed())

		_, err := groups[0].RecvAny(ctx)
		Expect(err).ToNot(HaveOccurred())

		Expect(sendRec.positions).To(Equal([]*fed.HookPos{
			fed.HookPosEnvelopeSend}))
		Expect(recvRec.positions).To(Equal([]*fed.HookPos{
			fed.HookPosEnvelopeRecv}))
	})
})

type hookRecorder struct {
	positions []*fed.HookPos
}

func (h *hookRecorder) Func(ctx fed.HookCtx) {
	h.positions = append(h.positions, ctx.Pos)
}
