package transport

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/oofteerapud02/blynk-server/internal/metrics"
	"github.com/oofteerapud02/blynk-server/protocol"
	"github.com/oofteerapud02/blynk-server/session"
	"github.com/oofteerapud02/blynk-server/store"
)

type handlerFunc func(t *Conn, f protocol.Frame) error

type handlerSpec struct {
	states []AuthState
	fn     handlerFunc
}

func (h handlerSpec) allows(state AuthState) bool {
	for _, s := range h.states {
		if s == state {
			return true
		}
	}

	return false
}

// handlers is the full command table: which handler runs a command and in
// which authentication states the command is legal. Commands missing from
// the table are things only the server may send.
var handlers = map[protocol.Command]handlerSpec{
	protocol.CmdRegister:           {states: []AuthState{StateUnauthenticated}, fn: (*Conn).handleRegister},
	protocol.CmdLoginApp:           {states: []AuthState{StateUnauthenticated}, fn: (*Conn).handleLoginApp},
	protocol.CmdLoginHardware:      {states: []AuthState{StateUnauthenticated}, fn: (*Conn).handleLoginHardware},
	protocol.CmdPing:               {states: []AuthState{StateUnauthenticated, StateApp, StateHardware}, fn: (*Conn).handlePing},
	protocol.CmdLoadProfile:        {states: []AuthState{StateApp}, fn: (*Conn).handleLoadProfile},
	protocol.CmdLoadProfileGzipped: {states: []AuthState{StateApp}, fn: (*Conn).handleLoadProfileGzipped},
	protocol.CmdCreateDash:         {states: []AuthState{StateApp}, fn: (*Conn).handleCreateDash},
	protocol.CmdDeleteDash:         {states: []AuthState{StateApp}, fn: (*Conn).handleDeleteDash},
	protocol.CmdActivate:           {states: []AuthState{StateApp}, fn: (*Conn).handleActivate},
	protocol.CmdDeactivate:         {states: []AuthState{StateApp}, fn: (*Conn).handleDeactivate},
	protocol.CmdGetToken:           {states: []AuthState{StateApp}, fn: (*Conn).handleGetToken},
	protocol.CmdHardware:           {states: []AuthState{StateApp, StateHardware}, fn: (*Conn).handleHardware},
}

// dispatch gates a decoded frame on the connection's authentication state
// and hands it to its handler. Gate failures answer on the response channel
// and leave the connection open; the client may retry after authenticating.
func (t *Conn) dispatch(f protocol.Frame) error {
	spec, ok := handlers[f.Command]
	if !ok {
		return protocol.WriteResponse(t, f.ID, protocol.StatusIllegalCommand)
	}

	if !spec.allows(t.state) {
		status := protocol.StatusNotAllowed
		if t.state == StateUnauthenticated {
			status = protocol.StatusNotAuthenticated
		}

		return protocol.WriteResponse(t, f.ID, status)
	}

	return spec.fn(t, f)
}

func (t *Conn) handleRegister(f protocol.Frame) error {
	fields := bytes.Fields(f.Body)
	if len(fields) < 2 {
		return protocol.WriteResponse(t, f.ID, protocol.StatusIllegalCommand)
	}

	if err := t.opts.Users.Register(t.ctx, string(fields[0]), string(fields[1])); err != nil {
		return t.respondErr(f, err)
	}

	return protocol.WriteResponse(t, f.ID, protocol.StatusOK)
}

func (t *Conn) handleLoginApp(f protocol.Frame) error {
	// `<email> <password> [osType version]`; the trailing client info is
	// accepted and ignored.
	fields := bytes.Fields(f.Body)
	if len(fields) < 2 {
		return protocol.WriteResponse(t, f.ID, protocol.StatusIllegalCommand)
	}

	user, err := t.opts.Users.Verify(t.ctx, string(fields[0]), string(fields[1]))
	if err != nil {
		return t.respondErr(f, err)
	}

	devices, err := t.opts.Profiles.Devices(t.ctx, user)
	if err != nil {
		return t.respondErr(f, err)
	}

	sess, syncErr := t.opts.Registry.AttachApp(user, t, devices)
	if syncErr != nil {
		// The join succeeded; only some replay pushes failed
		t.log.Warn("Failed to replay session state to joining app", zap.Error(syncErr))
	}

	t.becomeAuthenticated(StateApp, user, sess)

	t.log.Info("App authenticated", zap.String("user", user))

	return protocol.WriteResponse(t, f.ID, protocol.StatusOK)
}

func (t *Conn) handleLoginHardware(f protocol.Frame) error {
	token := string(bytes.TrimSpace(f.Body))

	binding, err := t.opts.Tokens.Resolve(t.ctx, token)
	if err != nil {
		return t.respondErr(f, err)
	}

	device := store.Device{DashID: binding.DashID, DeviceID: binding.DeviceID, Token: token}

	sess, old, bindErr := t.opts.Registry.BindHardware(binding.User, device, t)
	if bindErr != nil {
		t.log.Warn("Failed to notify apps of device connect", zap.Error(bindErr))
	}

	if old != nil {
		// Same device logged in again: the new connection wins and the
		// stale one is told it was superseded, not dropped silently.
		old.CloseSuperseded()
	}

	t.becomeAuthenticated(StateHardware, binding.User, sess)
	t.deviceKey = device.Key()

	t.log.Info("Hardware authenticated",
		zap.String("user", binding.User),
		zap.String("device", t.deviceKey))

	return protocol.WriteResponse(t, f.ID, protocol.StatusOK)
}

func (t *Conn) handlePing(f protocol.Frame) error {
	return protocol.WriteResponse(t, f.ID, protocol.StatusOK)
}

func (t *Conn) handleLoadProfile(f protocol.Frame) error {
	profile, err := t.profileBody(f)
	if err != nil {
		return t.respondErr(f, err)
	}

	return protocol.WriteFrame(t, f.ID, protocol.CmdProfile, profile)
}

func (t *Conn) handleLoadProfileGzipped(f protocol.Frame) error {
	profile, err := t.profileBody(f)
	if err != nil {
		return t.respondErr(f, err)
	}

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(profile); err != nil {
		return t.respondErr(f, err)
	}

	if err := gz.Close(); err != nil {
		return t.respondErr(f, err)
	}

	return protocol.WriteBinary(t, f.ID, protocol.CmdProfile, buf.Bytes())
}

// profileBody loads the caller's profile blob, narrowed to a single
// dashboard when the request named one.
func (t *Conn) profileBody(f protocol.Frame) ([]byte, error) {
	profile, err := t.opts.Profiles.LoadProfile(t.ctx, t.user)
	if err != nil {
		return nil, err
	}

	arg := strings.TrimSpace(string(f.Body))
	if arg == "" {
		return profile, nil
	}

	dashID, err := strconv.Atoi(arg)
	if err != nil {
		return nil, store.ErrDashNotFound
	}

	for _, dash := range gjson.GetBytes(profile, "dashboards").Array() {
		if int(dash.Get("id").Int()) == dashID {
			return []byte(dash.Raw), nil
		}
	}

	return nil, store.ErrDashNotFound
}

func (t *Conn) handleCreateDash(f protocol.Frame) error {
	devices, err := t.opts.Profiles.CreateDash(t.ctx, t.user, f.Body)
	if err != nil {
		return t.respondErr(f, err)
	}

	t.sess.SeedDevices(devices)

	return protocol.WriteResponse(t, f.ID, protocol.StatusOK)
}

func (t *Conn) handleDeleteDash(f protocol.Frame) error {
	dashID, err := strconv.Atoi(strings.TrimSpace(string(f.Body)))
	if err != nil {
		return protocol.WriteResponse(t, f.ID, protocol.StatusIllegalCommand)
	}

	removed, err := t.opts.Profiles.DeleteDash(t.ctx, t.user, dashID)
	if err != nil {
		return t.respondErr(f, err)
	}

	if err := t.sess.DropDevices(removed); err != nil {
		t.log.Warn("Failed to notify apps of removed devices", zap.Error(err))
	}

	return protocol.WriteResponse(t, f.ID, protocol.StatusOK)
}

func (t *Conn) handleActivate(f protocol.Frame) error {
	dashID, err := strconv.Atoi(strings.TrimSpace(string(f.Body)))
	if err != nil {
		return protocol.WriteResponse(t, f.ID, protocol.StatusIllegalCommand)
	}

	if err := t.opts.Profiles.SetDashActive(t.ctx, t.user, dashID, true); err != nil {
		return t.respondErr(f, err)
	}

	// An activate with no device online succeeds but tells the app so it
	// can render the dashboard as offline.
	if !t.sess.HasOnlineDevice(dashID) {
		return protocol.WriteResponse(t, f.ID, protocol.StatusDeviceNotInNetwork)
	}

	return protocol.WriteResponse(t, f.ID, protocol.StatusOK)
}

func (t *Conn) handleDeactivate(f protocol.Frame) error {
	dashID, err := strconv.Atoi(strings.TrimSpace(string(f.Body)))
	if err != nil {
		return protocol.WriteResponse(t, f.ID, protocol.StatusIllegalCommand)
	}

	if err := t.opts.Profiles.SetDashActive(t.ctx, t.user, dashID, false); err != nil {
		return t.respondErr(f, err)
	}

	return protocol.WriteResponse(t, f.ID, protocol.StatusOK)
}

func (t *Conn) handleGetToken(f protocol.Frame) error {
	dashID, deviceID, err := parseDeviceRef(string(bytes.TrimSpace(f.Body)))
	if err != nil {
		return protocol.WriteResponse(t, f.ID, protocol.StatusIllegalCommand)
	}

	token, err := t.opts.Tokens.Assign(t.ctx, t.user, dashID, deviceID)
	if err != nil {
		return t.respondErr(f, err)
	}

	return protocol.WriteString(t, f.ID, protocol.CmdToken, token)
}

// handleHardware routes pin data. From hardware the body goes to every app
// in the session; from an app the leading `<dashId>-<deviceId>` field picks
// the hardware connection. Successful routing sends no response frame, only
// failures answer.
func (t *Conn) handleHardware(f protocol.Frame) error {
	if t.state == StateHardware {
		if err := t.sess.HardwareData(t.deviceKey, f.Body); err != nil {
			t.log.Warn("Failed to fan hardware data out", zap.Error(err))
		}

		return nil
	}

	sep := bytes.IndexByte(f.Body, ' ')
	if sep <= 0 || !bytes.ContainsRune(f.Body[:sep], '-') {
		return protocol.WriteResponse(t, f.ID, protocol.StatusIllegalCommand)
	}

	key := string(f.Body[:sep])

	if err := t.sess.AppData(key, f.Body[sep+1:]); err != nil {
		if errors.Is(err, session.ErrDeviceNotInNetwork) {
			return protocol.WriteResponse(t, f.ID, protocol.StatusDeviceNotInNetwork)
		}

		return t.respondErr(f, err)
	}

	return nil
}

// becomeAuthenticated moves the connection out of the unauthenticated state
// and rebalances the role gauges.
func (t *Conn) becomeAuthenticated(state AuthState, user string, sess *session.Session) {
	metrics.ActiveConnections.WithLabelValues(t.state.String()).Dec()
	metrics.ActiveConnections.WithLabelValues(state.String()).Inc()

	t.state = state
	t.user = user
	t.sess = sess
}

// respondErr maps a handler error onto a response status. Every externally
// visible failure travels the response channel; nothing is dropped silently.
func (t *Conn) respondErr(f protocol.Frame, err error) error {
	status := statusFor(err)

	if status == protocol.StatusServerError {
		t.log.Error("Handler failed",
			zap.String("command", string(f.Command)),
			zap.Error(err))
	}

	if werr := protocol.WriteResponse(t, f.ID, status); werr != nil {
		return fmt.Errorf("failed to respond with %s: %w", status, werr)
	}

	return nil
}

func statusFor(err error) protocol.Status {
	switch {
	case errors.Is(err, store.ErrUserExists):
		return protocol.StatusUserAlreadyRegistered
	case errors.Is(err, store.ErrUserNotRegistered):
		return protocol.StatusUserNotRegistered
	case errors.Is(err, store.ErrInvalidCredentials):
		return protocol.StatusNotAuthenticated
	case errors.Is(err, store.ErrTokenNotFound):
		return protocol.StatusInvalidToken
	case errors.Is(err, store.ErrDashExists):
		return protocol.StatusNotAllowed
	case errors.Is(err, store.ErrDashNotFound),
		errors.Is(err, store.ErrDeviceNotFound),
		errors.Is(err, store.ErrMalformedDash):
		return protocol.StatusIllegalCommand
	case errors.Is(err, session.ErrDeviceNotInNetwork):
		return protocol.StatusDeviceNotInNetwork
	default:
		return protocol.StatusServerError
	}
}

// parseDeviceRef parses `<dashId>` or `<dashId>-<deviceId>`; a bare dash id
// refers to device 0.
func parseDeviceRef(ref string) (dashID, deviceID int, err error) {
	dashPart := ref
	devicePart := "0"

	if sep := strings.IndexByte(ref, '-'); sep >= 0 {
		dashPart = ref[:sep]
		devicePart = ref[sep+1:]
	}

	dashID, err = strconv.Atoi(dashPart)
	if err != nil || dashID <= 0 {
		return 0, 0, fmt.Errorf("bad device reference %q", ref)
	}

	deviceID, err = strconv.Atoi(devicePart)
	if err != nil || deviceID < 0 {
		return 0, 0, fmt.Errorf("bad device reference %q", ref)
	}

	return dashID, deviceID, nil
}
