package protocol_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/oofteerapud02/blynk-server/protocol"
)

var _ = Describe("NextID", func() {
	It("starts a fresh sequence at 1", func() {
		Expect(protocol.NextID(0)).To(Equal(uint16(1)))
	})

	It("increases strictly inside the range", func() {
		id := uint16(0)

		for i := 0; i < 1000; i++ {
			next := protocol.NextID(id)
			Expect(next).To(BeNumerically(">", id))
			id = next
		}
	})

	It("wraps past 65535 straight to 1, skipping the reserved 0", func() {
		Expect(protocol.NextID(65534)).To(Equal(uint16(65535)))
		Expect(protocol.NextID(65535)).To(Equal(uint16(1)))
		Expect(protocol.NextID(protocol.NextID(65535))).To(Equal(uint16(2)))
	})
})
