package transport

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/shukuba/fed"
)

var _ = Describe("Wire", func() {
	It("should round-trip an envelope", func() {
		params := fed.NewFloat32Tensor("params", []float32{0.5, -1.25})
		e := fed.MakeEnvelopeBuilder().
			WithCode(fed.CodeParameterUpdate).
			WithSender(3).
			WithReceiver(0).
			WithTraceID("trace-9").
			WithPayload(fed.IDListTensor([]fed.LogicalID{3, 7}), params).
			Build()

		data, err := encodeEnvelope(e)
		Expect(err).ToNot(HaveOccurred())

		decoded, err := decodeEnvelope(data)
		Expect(err).ToNot(HaveOccurred())
		Expect(decoded.ID).To(Equal(e.ID))
		Expect(decoded.TraceID).To(Equal("trace-9"))
		Expect(decoded.Sender).To(Equal(fed.Rank(3)))
		Expect(decoded.Receiver).To(Equal(fed.Rank(0)))
		Expect(decoded.Code).To(Equal(fed.CodeParameterUpdate))
		Expect(decoded.Payload).To(HaveLen(2))

		ids, rest, err := decoded.SplitIDList()
		Expect(err).ToNot(HaveOccurred())
		Expect(ids).To(Equal([]fed.LogicalID{3, 7}))

		values, err := rest[0].Float32s()
		Expect(err).ToNot(HaveOccurred())
		Expect(values).To(Equal([]float32{0.5, -1.25}))
	})

	It("should round-trip an envelope with no payload", func() {
		e := fed.MakeEnvelopeBuilder().
			WithCode(fed.CodeExit).
			WithReceiver(2).
			Build()

		data, err := encodeEnvelope(e)
		Expect(err).ToNot(HaveOccurred())

		decoded, err := decodeEnvelope(data)
		Expect(err).ToNot(HaveOccurred())
		Expect(decoded.Code).To(Equal(fed.CodeExit))
		Expect(decoded.Payload).To(BeEmpty())
	})

	It("should reject a frame whose tensor is malformed", func() {
		data, err := encodeEnvelope(&fed.Envelope{
			ID:   "e1",
			Code: fed.CodeParameterUpdate,
			Payload: []fed.Tensor{{
				Name:  "bad",
				DType: fed.Float32,
				Shape: []int64{4},
				Data:  make([]byte, 3),
			}},
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = decodeEnvelope(data)
		Expect(err).To(HaveOccurred())
	})

	It("should frame and unframe a payload", func() {
		var buf bytes.Buffer

		Expect(writeFrame(&buf, []byte("hello"), 64)).To(Succeed())

		payload, err := readFrame(&buf, 64)
		Expect(err).ToNot(HaveOccurred())
		Expect(payload).To(Equal([]byte("hello")))
	})

	It("should refuse to write an oversized frame", func() {
		var buf bytes.Buffer

		err := writeFrame(&buf, make([]byte, 65), 64)
		Expect(err).To(HaveOccurred())
		Expect(buf.Len()).To(BeZero())
	})

	It("should refuse to read an oversized frame", func() {
		var buf bytes.Buffer
		Expect(writeFrame(&buf, make([]byte, 65), 1024)).To(Succeed())

		_, err := readFrame(&buf, 64)
		Expect(err).To(HaveOccurred())
	})
})
