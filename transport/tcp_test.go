package transport_test

import (
	"context"
	"errors"
	"io/ioutil"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/oofteerapud02/blynk-server/client"
	"github.com/oofteerapud02/blynk-server/protocol"
	"github.com/oofteerapud02/blynk-server/session"
	"github.com/oofteerapud02/blynk-server/store"
	"github.com/oofteerapud02/blynk-server/transport"
)

const (
	appAddr      = "0.0.0.0:6871"
	hardwareAddr = "0.0.0.0:6872"
)

type relay struct {
	app      *transport.TCP
	hardware *transport.TCP
	registry *session.Registry
}

func (r *relay) close() {
	Expect(r.app.Close()).To(Succeed())
	Expect(r.hardware.Close()).To(Succeed())
}

func makeRelay() *relay {
	log, err := zap.NewDevelopment()
	Expect(err).To(Succeed())

	registry := session.NewRegistry()
	mem := store.NewInmemory()

	makeTCP := func(port int, name string) *transport.TCP {
		return transport.NewTCP(transport.Options{
			Log:          log.Named(name),
			NumListeners: 1,
			Port:         port,
			Reuseport:    true,
			Registry:     registry,
			Users:        mem,
			Profiles:     mem,
			Tokens:       mem,
		})
	}

	r := &relay{
		app:      makeTCP(6871, "app"),
		hardware: makeTCP(6872, "hardware"),
		registry: registry,
	}

	Expect(r.app.Start(context.Background())).To(Succeed())
	Expect(r.hardware.Start(context.Background())).To(Succeed())

	// Wait for the listeners to come up before dialling.
	time.Sleep(100 * time.Millisecond)

	return r
}

func makeClient(ctx context.Context, addr string) *client.Conn {
	log, err := zap.NewDevelopment()
	Expect(err).To(Succeed())

	c := client.New(log)
	Expect(c.Connect(ctx, addr)).To(Succeed())

	return c
}

// provisionUser registers an account with one dashboard and returns the
// token of its device 0.
func provisionUser(ctx context.Context, app *client.Conn, email string) string {
	Expect(app.Register(ctx, email, "pass")).To(Succeed())
	Expect(app.LoginApp(ctx, email, "pass")).To(Succeed())
	Expect(app.CreateDash(ctx, `{"id":1,"name":"test"}`)).To(Succeed())

	token, err := app.GetToken(ctx, "1")
	Expect(err).To(Succeed())
	Expect(token).To(HaveLen(32))

	return token
}

var _ = Describe("transport", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		r      *relay
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		r = makeRelay()
	})

	AfterEach(func() {
		r.close()
		cancel()
	})

	It("listens on both ports", func() {
		for _, addr := range []string{appAddr, hardwareAddr} {
			conn, err := net.Dial("tcp", addr)
			Expect(err).To(Succeed())
			conn.Close()
		}
	})

	Describe("authentication gate", func() {
		It("answers NOT_AUTHENTICATED and mutates no session for commands sent before login", func() {
			app := makeClient(ctx, appAddr)
			defer app.Disconnect()

			err := app.CreateDash(ctx, `{"id":1}`)
			Expect(errors.Is(err, client.ErrStatus)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("NOT_AUTHENTICATED"))

			_, found := r.registry.Lookup("gate@example.com")
			Expect(found).To(BeFalse())
		})

		It("stays open for a retry after a rejected command", func() {
			app := makeClient(ctx, appAddr)
			defer app.Disconnect()

			Expect(app.CreateDash(ctx, `{"id":1}`)).NotTo(Succeed())

			Expect(app.Register(ctx, "retry@example.com", "pass")).To(Succeed())
			Expect(app.LoginApp(ctx, "retry@example.com", "pass")).To(Succeed())
		})

		It("rejects a hardware login with an unknown token", func() {
			hw := makeClient(ctx, hardwareAddr)
			defer hw.Disconnect()

			err := hw.LoginHardware(ctx, "00000000000000000000000000000000")
			Expect(errors.Is(err, client.ErrStatus)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("INVALID_TOKEN"))
		})

		It("rejects an app login with a bad password", func() {
			app := makeClient(ctx, appAddr)
			defer app.Disconnect()

			Expect(app.Register(ctx, "badpass@example.com", "pass")).To(Succeed())

			err := app.LoginApp(ctx, "badpass@example.com", "nope")
			Expect(errors.Is(err, client.ErrStatus)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("NOT_AUTHENTICATED"))
		})
	})

	Describe("end to end", func() {
		It("relays pin data from hardware to the app with connection-local ids", func() {
			app := makeClient(ctx, appAddr)
			defer app.Disconnect()

			Expect(app.Register(ctx, "e2e@example.com", "pass")).To(Succeed())
			Expect(app.LoginApp(ctx, "e2e@example.com", "pass")).To(Succeed())
			Expect(app.CreateDash(ctx, `{"id":1,"name":"test"}`)).To(Succeed())

			// No hardware yet, so activation reports the device offline
			status, err := app.Activate(ctx, 1)
			Expect(err).To(Succeed())
			Expect(status).To(Equal(protocol.StatusDeviceNotInNetwork))

			dash, err := app.LoadProfileGzipped(ctx, "1")
			Expect(err).To(Succeed())

			token := gjson.GetBytes(dash, "devices.0.token").String()
			Expect(token).To(HaveLen(32))

			hw := makeClient(ctx, hardwareAddr)
			defer hw.Disconnect()

			Expect(hw.LoginHardware(ctx, token)).To(Succeed())

			var connected client.Push
			Eventually(app.Pushes()).Should(Receive(&connected))
			Expect(connected.Command).To(Equal(protocol.CmdConnected))
			Expect(string(connected.Body)).To(Equal("1-0"))

			_, err = hw.Hardware(ctx, "vw 1 100")
			Expect(err).To(Succeed())

			var data client.Push
			Eventually(app.Pushes()).Should(Receive(&data))
			Expect(data.Command).To(Equal(protocol.CmdHardware))
			Expect(string(data.Body)).To(Equal("1-0 vw 1 100"))

			// Forwarded frames carry ids from the app connection's own
			// outgoing sequence, strictly increasing
			Expect(data.ID).To(BeNumerically(">", connected.ID))

			// Exactly one forwarded frame, no duplicates
			Consistently(app.Pushes()).ShouldNot(Receive())
		})

		It("relays pin data from the app to the bound hardware", func() {
			app := makeClient(ctx, appAddr)
			defer app.Disconnect()

			token := provisionUser(ctx, app, "app2hw@example.com")

			hw := makeClient(ctx, hardwareAddr)
			defer hw.Disconnect()

			Expect(hw.LoginHardware(ctx, token)).To(Succeed())

			_, err := app.Hardware(ctx, "1-0 vw 2 50")
			Expect(err).To(Succeed())

			var data client.Push
			Eventually(hw.Pushes()).Should(Receive(&data))
			Expect(data.Command).To(Equal(protocol.CmdHardware))
			Expect(string(data.Body)).To(Equal("vw 2 50"))
		})

		It("answers DEVICE_NOT_IN_NETWORK when the target device has no live connection", func() {
			app := makeClient(ctx, appAddr)
			defer app.Disconnect()

			provisionUser(ctx, app, "offline@example.com")

			id, err := app.Hardware(ctx, "1-0 vw 1 1")
			Expect(err).To(Succeed())

			var resp client.Push
			Eventually(app.Pushes()).Should(Receive(&resp))
			Expect(resp.Command).To(Equal(protocol.CmdResponse))
			Expect(resp.ID).To(Equal(id))
			Expect(string(resp.Body)).To(Equal("9"))
		})

		It("replays cached pin values and online state to a late-joining app", func() {
			app := makeClient(ctx, appAddr)
			token := provisionUser(ctx, app, "late@example.com")
			Expect(app.Disconnect()).To(Succeed())

			hw := makeClient(ctx, hardwareAddr)
			defer hw.Disconnect()

			Expect(hw.LoginHardware(ctx, token)).To(Succeed())

			_, err := hw.Hardware(ctx, "vw 1 100")
			Expect(err).To(Succeed())
			_, err = hw.Hardware(ctx, "vw 2 7")
			Expect(err).To(Succeed())

			// Give the writes time to land in the pin cache before joining
			Eventually(func() bool {
				s, found := r.registry.Lookup("late@example.com")
				if !found {
					return false
				}

				_, ok := s.PinValue("1-0", "vw", "2")
				return ok
			}).Should(BeTrue())

			late := makeClient(ctx, appAddr)
			defer late.Disconnect()

			Expect(late.LoginApp(ctx, "late@example.com", "pass")).To(Succeed())

			received := map[string]int{}

			for i := 0; i < 3; i++ {
				var push client.Push
				Eventually(late.Pushes()).Should(Receive(&push))
				received[push.Command.Wire()+" "+string(push.Body)]++
			}

			Expect(received).To(HaveKeyWithValue("connected 1-0", 1))
			Expect(received).To(HaveKeyWithValue("hardware 1-0 vw 1 100", 1))
			Expect(received).To(HaveKeyWithValue("hardware 1-0 vw 2 7", 1))

			Consistently(late.Pushes()).ShouldNot(Receive())
		})

		It("supersedes a prior hardware connection on a duplicate login", func() {
			app := makeClient(ctx, appAddr)
			token := provisionUser(ctx, app, "dup@example.com")
			Expect(app.Disconnect()).To(Succeed())

			hw1 := makeClient(ctx, hardwareAddr)
			defer hw1.Disconnect()

			Expect(hw1.LoginHardware(ctx, token)).To(Succeed())

			hw2 := makeClient(ctx, hardwareAddr)
			defer hw2.Disconnect()

			Expect(hw2.LoginHardware(ctx, token)).To(Succeed())

			var notice client.Push
			Eventually(hw1.Pushes()).Should(Receive(&notice))
			Expect(notice.Command).To(Equal(protocol.CmdResponse))
			Expect(string(notice.Body)).To(Equal("12"))

			// The replacement owns the binding; data still routes
			app2 := makeClient(ctx, appAddr)
			defer app2.Disconnect()

			Expect(app2.LoginApp(ctx, "dup@example.com", "pass")).To(Succeed())

			// Drain the join-sync connected push
			var connected client.Push
			Eventually(app2.Pushes()).Should(Receive(&connected))
			Expect(connected.Command).To(Equal(protocol.CmdConnected))

			_, err := app2.Hardware(ctx, "1-0 vw 9 1")
			Expect(err).To(Succeed())

			var data client.Push
			Eventually(hw2.Pushes()).Should(Receive(&data))
			Expect(string(data.Body)).To(Equal("vw 9 1"))
		})

		It("notifies apps when a hardware connection drops", func() {
			app := makeClient(ctx, appAddr)
			defer app.Disconnect()

			token := provisionUser(ctx, app, "drop@example.com")

			hw := makeClient(ctx, hardwareAddr)
			Expect(hw.LoginHardware(ctx, token)).To(Succeed())

			var connected client.Push
			Eventually(app.Pushes()).Should(Receive(&connected))
			Expect(connected.Command).To(Equal(protocol.CmdConnected))

			Expect(hw.Disconnect()).To(Succeed())

			var disconnected client.Push
			Eventually(app.Pushes()).Should(Receive(&disconnected))
			Expect(disconnected.Command).To(Equal(protocol.CmdDisconnected))
			Expect(string(disconnected.Body)).To(Equal("1-0"))
		})
	})

	Describe("profile commands", func() {
		It("serves the plain and gzipped profile forms identically", func() {
			app := makeClient(ctx, appAddr)
			defer app.Disconnect()

			provisionUser(ctx, app, "profile@example.com")

			plain, err := app.LoadProfile(ctx, "")
			Expect(err).To(Succeed())

			gzipped, err := app.LoadProfileGzipped(ctx, "")
			Expect(err).To(Succeed())

			Expect(gzipped).To(Equal(plain))
			Expect(gjson.GetBytes(plain, "dashboards.0.id").Int()).To(Equal(int64(1)))
		})
	})

	Describe("protocol violations", func() {
		It("closes the connection on a malformed frame", func() {
			conn, err := net.Dial("tcp", appAddr)
			Expect(err).To(Succeed())
			defer conn.Close()

			_, err = conn.Write([]byte("not a frame\n"))
			Expect(err).To(Succeed())

			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())

			one := make([]byte, 1)
			_, err = conn.Read(one)
			Expect(err).NotTo(BeNil())
		})

		It("delivers a response queued just before a violation closes the connection", func() {
			conn, err := net.Dial("tcp", appAddr)
			Expect(err).To(Succeed())
			defer conn.Close()

			// The ping's answer must not be lost to the teardown the
			// malformed second line triggers
			_, err = conn.Write([]byte("1 ping\r\nnot a frame\r\n"))
			Expect(err).To(Succeed())

			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())

			data, _ := ioutil.ReadAll(conn)
			Expect(string(data)).To(ContainSubstring("1 response 200\r\n"))
		})
	})

	Describe("connection teardown", func() {
		It("refuses writes after close instead of queueing them", func() {
			raw, err := net.Dial("tcp", appAddr)
			Expect(err).To(Succeed())

			log, err := zap.NewDevelopment()
			Expect(err).To(Succeed())

			c := transport.NewConn(context.Background(), raw.(*net.TCPConn), transport.Options{}, log)
			Expect(c.Close()).To(Succeed())

			_, err = c.Write([]byte("1 response 200\r\n"))
			Expect(err).To(MatchError(net.ErrClosed))
		})
	})
})
