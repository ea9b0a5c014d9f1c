package fed

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Name", func() {
	It("should accept hierarchical indexed names", func() {
		Expect(func() {
			NameMustBeValid("Scheduler[1].ChildRelay.Up")
		}).ToNot(Panic())
	})

	It("should panic if the name is empty", func() {
		Expect(func() { NameMustBeValid("") }).To(Panic())
	})

	It("should panic if the name includes an underscore", func() {
		Expect(func() { NameMustBeValid("Client_0") }).To(Panic())
	})

	It("should panic if the name is not capitalized", func() {
		Expect(func() { NameMustBeValid("client0") }).To(Panic())
	})

	It("should panic on an unmatched bracket", func() {
		Expect(func() { NameMustBeValid("Client[0") }).To(Panic())
	})

	It("should panic on a non-integer index", func() {
		Expect(func() { NameMustBeValid("Client[x]") }).To(Panic())
	})

	It("should build hierarchical names", func() {
		Expect(BuildName("", "Server")).To(Equal("Server"))
		Expect(BuildName("Server", "ChildRelay")).
			To(Equal("Server.ChildRelay"))
		Expect(BuildNameWithIndex("Deployment", "Client", 3)).
			To(Equal("Deployment.Client[3]"))
	})
})
