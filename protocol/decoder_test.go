package protocol_test

import (
	"errors"
	"fmt"
	"strings"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"github.com/tidwall/redcon"

	"github.com/luma/herald/protocol"
)

// feed pushes chunks through a decoder the way a connection does, keeping
// unconsumed bytes between deliveries.
func feed(dec *protocol.Decoder, chunks ...[]byte) (replies []protocol.Reply, leftover []byte, err error) {
	for _, chunk := range chunks {
		leftover = append(leftover, chunk...)

		n, err := dec.Each(leftover, func(r protocol.Reply) error {
			replies = append(replies, r)
			return nil
		})
		leftover = leftover[n:]

		if err != nil {
			return replies, leftover, err
		}
	}

	return replies, leftover, nil
}

func arrayOf(dialect protocol.Dialect, elements ...string) []byte {
	els := make([][]byte, len(elements))
	for i, el := range elements {
		els[i] = []byte(el)
	}
	return protocol.AppendArray(nil, dialect, els...)
}

func splitAt(b []byte, i int) [][]byte {
	return [][]byte{append([]byte{}, b[:i]...), append([]byte{}, b[i:]...)}
}

func bytewise(b []byte) [][]byte {
	chunks := make([][]byte, len(b))
	for i := range b {
		chunks[i] = []byte{b[i]}
	}
	return chunks
}

var _ = Describe("Decoder", func() {
	var dec *protocol.Decoder

	BeforeEach(func() {
		dec = protocol.NewDecoder(protocol.Binary)
	})

	Describe("array replies", func() {
		It("decodes a message in one delivery", func() {
			frame := arrayOf(protocol.Binary, "message", "foo.bar", "hello")

			reply, n, err := dec.Decode(frame)
			Expect(err).To(Succeed())
			Expect(n).To(Equal(len(frame)))
			Expect(reply).To(Equal(protocol.Array{[]byte("message"), []byte("foo.bar"), []byte("hello")}))
			Expect(dec.State()).To(Equal(protocol.AwaitType))
		})

		It("gives the same result for every split point", func() {
			frame := arrayOf(protocol.Binary, "pmessage", "foo*", "foo.bar", "", "hello\r\nworld")

			whole, _, err := feed(protocol.NewDecoder(protocol.Binary), frame)
			Expect(err).To(Succeed())
			Expect(whole).To(HaveLen(1))

			for i := 0; i <= len(frame); i++ {
				replies, leftover, err := feed(protocol.NewDecoder(protocol.Binary), splitAt(frame, i)...)
				Expect(err).To(Succeed(), "split at %d", i)
				Expect(leftover).To(BeEmpty(), "split at %d", i)
				Expect(replies).To(Equal(whole), "split at %d", i)
			}
		})

		It("survives one byte at a time", func() {
			frame := arrayOf(protocol.Binary, "message", "foo.bar", "hello")
			frame = append(frame, arrayOf(protocol.Binary, "message", "foo.bar", "again")...)

			replies, leftover, err := feed(dec, bytewise(frame)...)
			Expect(err).To(Succeed())
			Expect(leftover).To(BeEmpty())
			Expect(replies).To(Equal([]protocol.Reply{
				protocol.Array{[]byte("message"), []byte("foo.bar"), []byte("hello")},
				protocol.Array{[]byte("message"), []byte("foo.bar"), []byte("again")},
			}))
		})

		It("yields every reply buffered in a single delivery in order", func() {
			var frame []byte
			for i := 0; i < 5; i++ {
				frame = append(frame, arrayOf(protocol.Binary, "message", "c", fmt.Sprint(i))...)
			}

			replies, _, err := feed(dec, frame)
			Expect(err).To(Succeed())
			Expect(replies).To(HaveLen(5))
			for i, r := range replies {
				Expect(r.(protocol.Array)[2]).To(Equal([]byte(fmt.Sprint(i))))
			}
		})

		It("keeps exactly the announced number of elements in arrival order", func() {
			for count := 1; count <= 20; count++ {
				elements := make([]string, count)
				for i := range elements {
					elements[i] = fmt.Sprintf("el-%d", i)
				}

				reply, _, err := protocol.NewDecoder(protocol.Binary).Decode(arrayOf(protocol.Binary, elements...))
				Expect(err).To(Succeed())
				Expect(reply.(protocol.Array).Strings()).To(Equal(elements))
			}
		})

		It("does not consume the bytes of a field it cannot finish", func() {
			frame := arrayOf(protocol.Binary, "message")

			// tag plus half the count field
			reply, n, err := dec.Decode(frame[:3])
			Expect(err).To(Succeed())
			Expect(reply).To(BeNil())
			Expect(n).To(Equal(1))
			Expect(dec.State()).To(Equal(protocol.AwaitArgCount))

			reply, n, err = dec.Decode(frame[1:])
			Expect(err).To(Succeed())
			Expect(n).To(Equal(len(frame) - 1))
			Expect(reply).To(Equal(protocol.Array{[]byte("message")}))
		})

		It("suspends on a short terminator after an element body", func() {
			frame := arrayOf(protocol.Binary, "abc")

			replies, leftover, err := feed(dec, frame[:len(frame)-1])
			Expect(err).To(Succeed())
			Expect(replies).To(BeEmpty())
			Expect(leftover).To(Equal([]byte("abc\r")))
			Expect(dec.State()).To(Equal(protocol.AwaitElementBody))
		})

		It("stores integer elements as decimal text", func() {
			frame := protocol.Binary.AppendArrayHeader(nil, 3)
			frame = protocol.Binary.AppendBulk(frame, []byte("subscribe"))
			frame = protocol.Binary.AppendBulk(frame, []byte("foo.bar"))
			frame = append(frame, protocol.TagInteger)
			frame = append(frame, 0, 0, 0, 7, '\r', '\n')

			reply, _, err := dec.Decode(frame)
			Expect(err).To(Succeed())
			Expect(reply).To(Equal(protocol.Array{[]byte("subscribe"), []byte("foo.bar"), []byte("7")}))
		})
	})

	Describe("zero count arrays", func() {
		It("complete right after the count", func() {
			frame := protocol.Binary.AppendArrayHeader(nil, 0)
			next := arrayOf(protocol.Binary, "message", "a", "b")

			reply, n, err := dec.Decode(append(frame, next...))
			Expect(err).To(Succeed())
			Expect(n).To(Equal(len(frame)))
			Expect(reply).To(Equal(protocol.Array{}))
			Expect(reply.(protocol.Array)).To(BeEmpty())
			Expect(dec.State()).To(Equal(protocol.AwaitType))
		})
	})

	Describe("framing errors", func() {
		It("fails on an unknown type tag without emitting anything", func() {
			frame := arrayOf(protocol.Binary, "message", "foo.bar", "hello")
			frame[0] = '#'

			replies, _, err := feed(dec, frame)
			Expect(replies).To(BeEmpty())
			Expect(errors.Is(err, protocol.ErrUnexpectedTag)).To(BeTrue())

			var ferr *protocol.FramingError
			Expect(errors.As(err, &ferr)).To(BeTrue())
			Expect(ferr.State).To(Equal(protocol.AwaitType))
			Expect(ferr.Offset).To(Equal(0))
		})

		It("fails on a bad element tag", func() {
			frame := arrayOf(protocol.Binary, "message", "foo.bar")
			frame[7] = '+'

			reply, _, err := dec.Decode(frame)
			Expect(reply).To(BeNil())
			Expect(errors.Is(err, protocol.ErrUnexpectedTag)).To(BeTrue())
		})

		It("fails on a complete but wrong terminator", func() {
			frame := arrayOf(protocol.Binary, "abc")
			frame[len(frame)-1] = 'X'

			_, _, err := dec.Decode(frame)
			Expect(errors.Is(err, protocol.ErrBadTerminator)).To(BeTrue())
		})

		It("fails on a wrong terminator after the count", func() {
			frame := arrayOf(protocol.Binary, "abc")
			frame[5] = '\n'

			_, _, err := dec.Decode(frame)
			Expect(errors.Is(err, protocol.ErrBadTerminator)).To(BeTrue())
		})

		It("fails on a negative count", func() {
			frame := protocol.Binary.AppendArrayHeader(nil, -3)

			_, _, err := dec.Decode(frame)
			Expect(errors.Is(err, protocol.ErrInvalidLength)).To(BeTrue())
		})

		It("refuses input after a failure until reset", func() {
			_, _, err := dec.Decode([]byte("?"))
			Expect(err).To(HaveOccurred())

			_, _, err = dec.Decode(arrayOf(protocol.Binary, "ok"))
			Expect(errors.Is(err, protocol.ErrDecoderFailed)).To(BeTrue())

			dec.Reset()
			reply, _, err := dec.Decode(arrayOf(protocol.Binary, "ok"))
			Expect(err).To(Succeed())
			Expect(reply).To(Equal(protocol.Array{[]byte("ok")}))
		})
	})

	Describe("scalar replies", func() {
		It("decodes status and error lines", func() {
			replies, _, err := feed(dec, []byte("+PONG\r\n-ERR unknown command 'FOO'\r\n"))
			Expect(err).To(Succeed())
			Expect(replies).To(Equal([]protocol.Reply{
				protocol.Status("PONG"),
				protocol.Error("ERR unknown command 'FOO'"),
			}))
		})

		It("decodes an integer", func() {
			frame := protocol.Binary.AppendInteger(nil, 3)

			replies, _, err := feed(dec, bytewise(frame)...)
			Expect(err).To(Succeed())
			Expect(replies).To(Equal([]protocol.Reply{protocol.Integer(3)}))
		})

		It("decodes bulk and null bulk", func() {
			frame := protocol.Binary.AppendBulk(nil, []byte("hello"))
			frame = append(frame, '$', 0xff, 0xff, 0xff, 0xff, '\r', '\n')

			replies, _, err := feed(dec, frame)
			Expect(err).To(Succeed())
			Expect(replies).To(Equal([]protocol.Reply{protocol.Bulk("hello"), protocol.Bulk(nil)}))
		})

		It("fails on a status line ending in a bare newline", func() {
			_, _, err := dec.Decode([]byte("+PONG\n"))
			Expect(errors.Is(err, protocol.ErrBadTerminator)).To(BeTrue())
		})

		It("limits status lines the same way however they arrive", func() {
			longest := "+" + strings.Repeat("a", protocol.MaxLineLength) + "\r\n"

			replies, _, err := feed(dec, []byte(longest))
			Expect(err).To(Succeed())
			Expect(replies).To(HaveLen(1))

			replies, _, err = feed(protocol.NewDecoder(protocol.Binary), splitAt([]byte(longest), len(longest)-1)...)
			Expect(err).To(Succeed())
			Expect(replies).To(HaveLen(1))

			tooLong := "+" + strings.Repeat("a", protocol.MaxLineLength+1) + "\r\n"

			_, _, err = feed(protocol.NewDecoder(protocol.Binary), []byte(tooLong))
			Expect(errors.Is(err, protocol.ErrLineTooLong)).To(BeTrue())

			_, _, err = feed(protocol.NewDecoder(protocol.Binary), splitAt([]byte(tooLong), len(tooLong)-1)...)
			Expect(errors.Is(err, protocol.ErrLineTooLong)).To(BeTrue())
		})
	})

	Describe("text dialect", func() {
		BeforeEach(func() {
			dec = protocol.NewDecoder(protocol.Text)
		})

		It("decodes replies built by a RESP server", func() {
			var frame []byte
			frame = redcon.AppendArray(frame, 3)
			frame = redcon.AppendBulkString(frame, "subscribe")
			frame = redcon.AppendBulkString(frame, "foo.bar")
			frame = redcon.AppendInt(frame, 1)
			frame = redcon.AppendInt(frame, 42)
			frame = redcon.AppendString(frame, "OK")

			for i := 0; i <= len(frame); i++ {
				replies, leftover, err := feed(protocol.NewDecoder(protocol.Text), splitAt(frame, i)...)
				Expect(err).To(Succeed())
				Expect(leftover).To(BeEmpty())
				Expect(replies).To(Equal([]protocol.Reply{
					protocol.Array{[]byte("subscribe"), []byte("foo.bar"), []byte("1")},
					protocol.Integer(42),
					protocol.Status("OK"),
				}))
			}
		})

		It("fails on a count that is not a number", func() {
			_, _, err := dec.Decode([]byte("*x\r\n"))
			Expect(errors.Is(err, protocol.ErrInvalidLength)).To(BeTrue())
		})

		It("fails on an endless count field", func() {
			_, _, err := dec.Decode([]byte("*1111111111111111111111111111111111111111"))
			Expect(errors.Is(err, protocol.ErrLineTooLong)).To(BeTrue())
		})
	})

	table.DescribeTable("decodes the commands it encodes",
		func(dialect protocol.Dialect, cmd protocol.Command, args ...string) {
			frame, err := protocol.AppendCommand(nil, dialect, cmd, args...)
			Expect(err).To(Succeed())

			reply, n, err := protocol.NewDecoder(dialect).Decode(frame)
			Expect(err).To(Succeed())
			Expect(n).To(Equal(len(frame)))
			Expect(reply.(protocol.Array).Strings()).To(Equal(append([]string{string(cmd)}, args...)))
		},
		table.Entry("binary SUBSCRIBE", protocol.Binary, protocol.SUBSCRIBE, "foo.bar", "baz"),
		table.Entry("binary PUBLISH", protocol.Binary, protocol.PUBLISH, "foo.bar", "hello"),
		table.Entry("binary UNSUBSCRIBE all", protocol.Binary, protocol.UNSUBSCRIBE),
		table.Entry("text PSUBSCRIBE", protocol.Text, protocol.PSUBSCRIBE, "foo*"),
		table.Entry("text PUBLISH", protocol.Text, protocol.PUBLISH, "foo.bar", "hello world"),
	)
})
