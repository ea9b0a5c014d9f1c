package fed

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Tensor", func() {
	It("should round-trip float32 values", func() {
		t := NewFloat32Tensor("weights", []float32{0.5, -1.25, 3})

		Expect(t.DType).To(Equal(Float32))
		Expect(t.Shape).To(Equal([]int64{3}))
		Expect(t.Validate()).To(Succeed())

		values, err := t.Float32s()
		Expect(err).ToNot(HaveOccurred())
		Expect(values).To(Equal([]float32{0.5, -1.25, 3}))
	})

	It("should round-trip int64 values", func() {
		t := NewInt64Tensor("ids", []int64{3, -7, 9})

		values, err := t.Int64s()
		Expect(err).ToNot(HaveOccurred())
		Expect(values).To(Equal([]int64{3, -7, 9}))
	})

	It("should refuse decoding with the wrong accessor", func() {
		t := NewInt64Tensor("ids", []int64{1})

		_, err := t.Float32s()
		Expect(err).To(HaveOccurred())
	})

	It("should treat an empty shape as a scalar", func() {
		t := Tensor{Name: "lr", DType: Float64, Data: make([]byte, 8)}

		Expect(t.NumElem()).To(Equal(int64(1)))
		Expect(t.Validate()).To(Succeed())
	})

	It("should reject a buffer that does not match the shape", func() {
		t := Tensor{
			Name:  "bad",
			DType: Float32,
			Shape: []int64{3},
			Data:  make([]byte, 11),
		}

		Expect(t.Validate()).ToNot(Succeed())
	})

	It("should reject a negative dimension", func() {
		t := Tensor{Name: "bad", DType: Uint8, Shape: []int64{-1}}

		Expect(t.Validate()).ToNot(Succeed())
	})

	It("should reject an unknown dtype", func() {
		t := Tensor{Name: "bad", DType: DType(42)}

		Expect(t.Validate()).ToNot(Succeed())
	})

	It("should panic when wrapping a mismatched buffer", func() {
		Expect(func() {
			NewTensor("bad", Int32, []int64{2}, make([]byte, 3))
		}).To(Panic())
	})

	It("should accept a well-formed multi-dimensional buffer", func() {
		t := NewTensor("conv", Float32, []int64{2, 3}, make([]byte, 24))

		Expect(t.NumElem()).To(Equal(int64(6)))
	})
})
