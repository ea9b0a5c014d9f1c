package fed

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Envelope", func() {
	It("should build with a fresh id", func() {
		params := NewFloat32Tensor("params", []float32{1, 2})

		e1 := MakeEnvelopeBuilder().
			WithCode(CodeParameterUpdate).
			WithSender(3).
			WithReceiver(0).
			WithPayload(params).
			Build()
		e2 := MakeEnvelopeBuilder().
			WithCode(CodeParameterUpdate).
			Build()

		Expect(e1.ID).ToNot(BeEmpty())
		Expect(e1.ID).ToNot(Equal(e2.ID))
		Expect(e1.Sender).To(Equal(Rank(3)))
		Expect(e1.Receiver).To(Equal(Rank(0)))
		Expect(e1.Code).To(Equal(CodeParameterUpdate))
		Expect(e1.Payload).To(HaveLen(1))
	})

	It("should propagate a trace id", func() {
		e := MakeEnvelopeBuilder().
			WithCode(CodeExit).
			WithTraceID("trace-1").
			Build()

		Expect(e.TraceID).To(Equal("trace-1"))
	})

	It("should panic on a malformed payload tensor", func() {
		bad := Tensor{Name: "bad", DType: Float32, Shape: []int64{2}}

		Expect(func() {
			MakeEnvelopeBuilder().WithPayload(bad).Build()
		}).To(Panic())
	})

	It("should split the id list off a downlink payload", func() {
		params := NewFloat32Tensor("params", []float32{1, 2, 3})
		e := MakeEnvelopeBuilder().
			WithCode(CodeParameterRequest).
			WithPayload(IDListTensor([]LogicalID{3, 7}), params).
			Build()

		ids, rest, err := e.SplitIDList()
		Expect(err).ToNot(HaveOccurred())
		Expect(ids).To(Equal([]LogicalID{3, 7}))
		Expect(rest).To(HaveLen(1))
		Expect(rest[0].Name).To(Equal("params"))
	})

	It("should refuse to split an empty payload", func() {
		e := MakeEnvelopeBuilder().WithCode(CodeExit).Build()

		_, _, err := e.SplitIDList()
		Expect(err).To(HaveOccurred())
	})

	It("should refuse a leading tensor that is not an id list", func() {
		e := MakeEnvelopeBuilder().
			WithCode(CodeParameterRequest).
			WithPayload(NewFloat32Tensor("params", []float32{1})).
			Build()

		_, _, err := e.SplitIDList()
		Expect(err).To(HaveOccurred())
	})
})
