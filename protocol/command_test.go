package protocol_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/herald/protocol"
)

var _ = Describe("Command", func() {
	Describe("ParseCommand()", func() {
		It("ignores case and surrounding whitespace", func() {
			cmd, err := protocol.ParseCommand("  psubscribe ")
			Expect(err).To(Succeed())
			Expect(cmd).To(Equal(protocol.PSUBSCRIBE))
		})

		It("returns an error if the command is unknown", func() {
			_, err := protocol.ParseCommand("EVIL")
			Expect(errors.Is(err, protocol.ErrUnknownCommand)).To(BeTrue())

			_, err = protocol.ParseCommand("")
			Expect(errors.Is(err, protocol.ErrUnknownCommand)).To(BeTrue())
		})
	})

	It("knows which commands change subscriptions", func() {
		Expect(protocol.SUBSCRIBE.IsSubscription()).To(BeTrue())
		Expect(protocol.PUNSUBSCRIBE.IsSubscription()).To(BeTrue())
		Expect(protocol.PUBLISH.IsSubscription()).To(BeFalse())
	})

	Describe("ParseDialect()", func() {
		It("maps names onto dialects", func() {
			Expect(protocol.ParseDialect("")).To(Equal(protocol.Binary))
			Expect(protocol.ParseDialect("RESP")).To(Equal(protocol.Text))
			Expect(protocol.ParseDialect("text")).To(Equal(protocol.Text))
		})

		It("rejects unknown names", func() {
			_, err := protocol.ParseDialect("morse")
			Expect(errors.Is(err, protocol.ErrUnknownDialect)).To(BeTrue())
		})
	})
})
