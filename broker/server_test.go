package broker_test

import (
	"context"
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/herald/broker"
	"github.com/luma/herald/internal/stats"
	"github.com/luma/herald/protocol"
)

// rawClient talks to the broker with nothing but the protocol package.
type rawClient struct {
	conn    net.Conn
	dialect protocol.Dialect
	decoder *protocol.Decoder
	input   []byte
}

func dial(srv *broker.Server, dialect protocol.Dialect) *rawClient {
	conn, err := net.Dial("tcp", srv.Addr().String())
	Expect(err).To(Succeed())

	return &rawClient{conn: conn, dialect: dialect, decoder: protocol.NewDecoder(dialect)}
}

func (c *rawClient) send(cmd protocol.Command, args ...string) {
	Expect(protocol.WriteCommand(c.conn, c.dialect, cmd, args...)).To(Succeed())
}

func (c *rawClient) next() protocol.Reply {
	buf := make([]byte, 4096)
	Expect(c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())

	for {
		reply, n, err := c.decoder.Decode(c.input)
		Expect(err).To(Succeed())
		c.input = c.input[n:]

		if reply != nil {
			return reply
		}

		read, err := c.conn.Read(buf)
		Expect(err).To(Succeed())
		c.input = append(c.input, buf[:read]...)
	}
}

func (c *rawClient) close() {
	c.conn.Close()
}

func makeServer(dialect protocol.Dialect, store *stats.Store) *broker.Server {
	log, err := zap.NewDevelopment()
	Expect(err).To(Succeed())

	srv := broker.NewServer(broker.Options{
		Host:    "127.0.0.1",
		Port:    0,
		Dialect: dialect,
		Stats:   store,
		Log:     log,
	})

	Expect(srv.Start(context.Background())).To(Succeed())
	Expect(srv.Addr()).NotTo(BeNil())

	return srv
}

func ack(kind, target, count string) protocol.Reply {
	return protocol.Array{[]byte(kind), []byte(target), []byte(count)}
}

var _ = Describe("Server", func() {
	var (
		srv   *broker.Server
		store *stats.Store
	)

	BeforeEach(func() {
		store = stats.NewStore()
		srv = makeServer(protocol.Binary, store)
	})

	AfterEach(func() {
		Expect(srv.Close()).To(Succeed())
	})

	It("acknowledges each channel of a SUBSCRIBE", func() {
		c := dial(srv, protocol.Binary)
		defer c.close()

		c.send(protocol.SUBSCRIBE, "foo.bar", "baz")
		Expect(c.next()).To(Equal(ack("subscribe", "foo.bar", "1")))
		Expect(c.next()).To(Equal(ack("subscribe", "baz", "2")))

		c.send(protocol.UNSUBSCRIBE)
		Expect(c.next()).To(Equal(ack("unsubscribe", "baz", "1")))
		Expect(c.next()).To(Equal(ack("unsubscribe", "foo.bar", "0")))
	})

	It("routes a published message to channel and pattern subscribers", func() {
		sub := dial(srv, protocol.Binary)
		defer sub.close()
		pub := dial(srv, protocol.Binary)
		defer pub.close()

		sub.send(protocol.SUBSCRIBE, "foo.bar")
		Expect(sub.next()).To(Equal(ack("subscribe", "foo.bar", "1")))
		sub.send(protocol.PSUBSCRIBE, "foo.*")
		Expect(sub.next()).To(Equal(ack("psubscribe", "foo.*", "2")))

		pub.send(protocol.PUBLISH, "foo.bar", "hello")
		Expect(pub.next()).To(Equal(protocol.Integer(2)))

		replies := []protocol.Reply{sub.next(), sub.next()}
		Expect(replies).To(ConsistOf(
			protocol.Array{[]byte("message"), []byte("foo.bar"), []byte("hello")},
			protocol.Array{[]byte("pmessage"), []byte("foo.*"), []byte("foo.bar"), []byte("hello")},
		))

		pub.send(protocol.PUBLISH, "nobody.listens", "hello")
		Expect(pub.next()).To(Equal(protocol.Integer(0)))

		Eventually(func() int64 { return store.Get("broker.published") }).Should(Equal(int64(2)))
		Expect(store.Get("broker.delivered")).To(Equal(int64(2)))
	})

	It("answers PING", func() {
		c := dial(srv, protocol.Binary)
		defer c.close()

		c.send(protocol.PING)
		Expect(c.next()).To(Equal(protocol.Status("PONG")))

		c.send(protocol.PING, "hi")
		Expect(c.next()).To(Equal(protocol.Bulk("hi")))
	})

	It("rejects unknown commands with an error reply", func() {
		c := dial(srv, protocol.Binary)
		defer c.close()

		_, err := c.conn.Write(protocol.AppendArray(nil, protocol.Binary, []byte("FLUSHALL")))
		Expect(err).To(Succeed())
		Expect(c.next()).To(Equal(protocol.Error("ERR unknown command 'FLUSHALL'")))

		_, err = c.conn.Write(protocol.AppendArray(nil, protocol.Binary, []byte("PUBLISH"), []byte("x")))
		Expect(err).To(Succeed())
		Expect(c.next()).To(Equal(protocol.Error("ERR wrong number of arguments for 'publish' command")))
	})

	It("drops a client that breaks the framing", func() {
		c := dial(srv, protocol.Binary)
		defer c.close()

		_, err := c.conn.Write([]byte("?"))
		Expect(err).To(Succeed())

		reply := c.next()
		Expect(reply).To(BeAssignableToTypeOf(protocol.Error("")))
		Expect(string(reply.(protocol.Error))).To(HavePrefix("ERR Protocol error"))

		Eventually(func() int64 { return store.Get("broker.framing_errors") }).Should(Equal(int64(1)))
		Eventually(func() int64 { return store.Get("broker.connections") }).Should(Equal(int64(0)))
	})

	It("forgets the subscriptions of clients that leave", func() {
		c := dial(srv, protocol.Binary)

		c.send(protocol.SUBSCRIBE, "foo.bar")
		Expect(c.next()).To(Equal(ack("subscribe", "foo.bar", "1")))
		Expect(srv.Hub().Subscribers("foo.bar")).To(Equal(1))

		c.close()
		Eventually(func() int { return srv.Hub().Subscribers("foo.bar") }).Should(Equal(0))
	})

	Describe("text dialect", func() {
		It("speaks RESP", func() {
			textSrv := makeServer(protocol.Text, nil)
			defer textSrv.Close()

			c := dial(textSrv, protocol.Text)
			defer c.close()

			c.send(protocol.PSUBSCRIBE, "news.*")

			expected := "*3\r\n$10\r\npsubscribe\r\n$6\r\nnews.*\r\n:1\r\n"

			buf := make([]byte, len(expected))
			Expect(c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			_, err := io.ReadFull(c.conn, buf)
			Expect(err).To(Succeed())
			Expect(string(buf)).To(Equal(expected))
		})
	})
})
