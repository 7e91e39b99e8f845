package client

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/oofteerapud02/blynk-server/protocol"
)

var (
	// ErrStatus wraps a non-OK response status so callers can test for it
	// with errors.Is and still read the code out of the message.
	ErrStatus = errors.New("request failed")
)

// Push is a server-initiated frame: a connected/disconnected notification,
// forwarded hardware data, or a response the connection never asked for
// (e.g. the superseded notice).
type Push struct {
	ID      uint16
	Command protocol.Command
	Body    []byte
}

// Conn is a client side connection to the relay, usable as either an app or
// a hardware client depending on which login it performs.
type Conn struct {
	ctx context.Context

	conn net.Conn

	pushChan chan Push

	respMu    sync.Mutex
	respChans map[uint16]chan protocol.Frame

	idMu   sync.Mutex
	nextID uint16

	log *zap.Logger
}

func New(log *zap.Logger) *Conn {
	return &Conn{
		log:       log,
		pushChan:  make(chan Push, 255),
		respChans: make(map[uint16]chan protocol.Frame),
	}
}

func (c *Conn) Connect(ctx context.Context, addr string) error {
	c.ctx = ctx

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}

	c.conn = conn

	go c.readLoop()

	return nil
}

func (c *Conn) Disconnect() error {
	return c.conn.Close()
}

// Pushes delivers server-initiated frames and orphaned responses.
func (c *Conn) Pushes() <-chan Push {
	return c.pushChan
}

func (c *Conn) Register(ctx context.Context, email, password string) error {
	return c.expectOK(ctx, protocol.CmdRegister, email+" "+password)
}

func (c *Conn) LoginApp(ctx context.Context, email, password string) error {
	return c.expectOK(ctx, protocol.CmdLoginApp, email+" "+password)
}

func (c *Conn) LoginHardware(ctx context.Context, token string) error {
	return c.expectOK(ctx, protocol.CmdLoginHardware, token)
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.expectOK(ctx, protocol.CmdPing, "")
}

func (c *Conn) CreateDash(ctx context.Context, dashJSON string) error {
	return c.expectOK(ctx, protocol.CmdCreateDash, dashJSON)
}

func (c *Conn) DeleteDash(ctx context.Context, dashID int) error {
	return c.expectOK(ctx, protocol.CmdDeleteDash, strconv.Itoa(dashID))
}

// Activate enables a dashboard. The returned status distinguishes OK from
// DEVICE_NOT_IN_NETWORK, both of which leave the dashboard active.
func (c *Conn) Activate(ctx context.Context, dashID int) (protocol.Status, error) {
	resp, err := c.do(ctx, protocol.CmdActivate, strconv.Itoa(dashID))
	if err != nil {
		return 0, err
	}

	return responseStatus(resp)
}

func (c *Conn) Deactivate(ctx context.Context, dashID int) error {
	return c.expectOK(ctx, protocol.CmdDeactivate, strconv.Itoa(dashID))
}

// GetToken fetches the device token for `<dashId>[-<deviceId>]`.
func (c *Conn) GetToken(ctx context.Context, ref string) (string, error) {
	resp, err := c.do(ctx, protocol.CmdGetToken, ref)
	if err != nil {
		return "", err
	}

	if resp.Command != protocol.CmdToken {
		return "", statusError(resp)
	}

	return string(resp.Body), nil
}

// LoadProfile fetches the caller's profile blob as JSON.
func (c *Conn) LoadProfile(ctx context.Context, ref string) ([]byte, error) {
	resp, err := c.do(ctx, protocol.CmdLoadProfile, ref)
	if err != nil {
		return nil, err
	}

	if resp.Command != protocol.CmdProfile {
		return nil, statusError(resp)
	}

	return resp.Body, nil
}

// LoadProfileGzipped fetches the profile's gzipped form and decompresses it.
func (c *Conn) LoadProfileGzipped(ctx context.Context, ref string) ([]byte, error) {
	resp, err := c.do(ctx, protocol.CmdLoadProfileGzipped, ref)
	if err != nil {
		return nil, err
	}

	if resp.Command != protocol.CmdProfile {
		return nil, statusError(resp)
	}

	gz, err := gzip.NewReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return ioutil.ReadAll(gz)
}

// Hardware sends pin data. Routing is fire and forget: a successful route
// produces no response, failures (e.g. DEVICE_NOT_IN_NETWORK) arrive on
// Pushes carrying this request's id.
func (c *Conn) Hardware(ctx context.Context, body string) (uint16, error) {
	id := c.nextMsgID()

	return id, protocol.WriteString(c.conn, id, protocol.CmdHardware, body)
}

func (c *Conn) readLoop() {
	log := c.log.Named("readLoop")
	reader := bufio.NewReader(c.conn)

	for {
		select {
		case <-c.ctx.Done():
			return

		default:
			frame, err := protocol.ReadFrame(reader)
			if err != nil {
				if c.ctx.Err() == nil {
					log.Debug("Read loop terminating", zap.Error(err))
				}

				return
			}

			if frame.IsPush() {
				c.pushChan <- Push{ID: frame.ID, Command: frame.Command, Body: frame.Body}
				continue
			}

			c.sendToResponseChan(frame)
		}
	}
}

func (c *Conn) do(ctx context.Context, cmd protocol.Command, body string) (protocol.Frame, error) {
	id, respChan := c.createResponseChan()
	defer c.destroyResponseChan(id)

	if err := protocol.WriteString(c.conn, id, cmd, body); err != nil {
		return protocol.Frame{}, err
	}

	select {
	case resp := <-respChan:
		return resp, nil

	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

func (c *Conn) expectOK(ctx context.Context, cmd protocol.Command, body string) error {
	resp, err := c.do(ctx, cmd, body)
	if err != nil {
		return err
	}

	status, err := responseStatus(resp)
	if err != nil {
		return err
	}

	if status != protocol.StatusOK {
		return statusError(resp)
	}

	return nil
}

func (c *Conn) createResponseChan() (uint16, <-chan protocol.Frame) {
	id := c.nextMsgID()
	respChan := make(chan protocol.Frame, 1)

	c.respMu.Lock()
	c.respChans[id] = respChan
	c.respMu.Unlock()

	return id, respChan
}

func (c *Conn) sendToResponseChan(frame protocol.Frame) {
	c.respMu.Lock()
	respChan, ok := c.respChans[frame.ID]
	if ok {
		// Deliver under the lock; a request that gave up concurrently
		// destroys its channel, and a send after that close would panic.
		// The channel is buffered so this never blocks.
		respChan <- frame
		delete(c.respChans, frame.ID)
	}
	c.respMu.Unlock()

	if !ok {
		// A response nobody is waiting for, e.g. the superseded notice
		c.pushChan <- Push{ID: frame.ID, Command: frame.Command, Body: frame.Body}
	}
}

func (c *Conn) destroyResponseChan(id uint16) {
	c.respMu.Lock()
	respChan, ok := c.respChans[id]
	if ok {
		close(respChan)
		delete(c.respChans, id)
	}
	c.respMu.Unlock()
}

func (c *Conn) nextMsgID() uint16 {
	c.idMu.Lock()
	defer c.idMu.Unlock()

	c.nextID = protocol.NextID(c.nextID)

	return c.nextID
}

func responseStatus(f protocol.Frame) (protocol.Status, error) {
	if f.Command != protocol.CmdResponse {
		return 0, fmt.Errorf("expected a response frame, got %s", f.Command)
	}

	code, err := strconv.Atoi(string(f.Body))
	if err != nil {
		return 0, fmt.Errorf("unparseable response status %q", string(f.Body))
	}

	return protocol.Status(code), nil
}

func statusError(f protocol.Frame) error {
	status, err := responseStatus(f)
	if err != nil {
		return err
	}

	return fmt.Errorf("%w: %s", ErrStatus, status)
}
