package session

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/oofteerapud02/blynk-server/internal/metrics"
	"github.com/oofteerapud02/blynk-server/protocol"
	"github.com/oofteerapud02/blynk-server/store"
)

var (
	// ErrDeviceNotInNetwork means an app addressed a device with no live
	// hardware connection. Recoverable; surfaced as a response status.
	ErrDeviceNotInNetwork = errors.New("no hardware connection is bound to that device")
)

// Endpoint is the session's handle on a connection. The transport layer owns
// the connection; the session only pushes frames through it and, for a
// superseded hardware binding, asks for it to be closed.
//
// Push assigns the frame an id from the endpoint's own outgoing sequence, so
// ids stay connection-local no matter which peer originated the data.
type Endpoint interface {
	Push(cmd protocol.Command, body string) error
	CloseSuperseded()
}

// Session binds one user's app and hardware connections together with the
// live state of the user's devices.
//
// A single mutex serialises every mutation and every fan-out that reads the
// state it protects. That ordering is the point: a pin-cache write and the
// broadcast that follows it happen inside one critical section, so an app
// joining concurrently either sees the cached value during its join sync or
// receives the broadcast, never neither.
type Session struct {
	user string

	// mu guards everything below. The Registry's membership operations take
	// the shard lock first, then mu; the per-frame data path takes mu alone,
	// so unrelated sessions never contend.
	mu       sync.Mutex
	apps     map[Endpoint]struct{}
	hardware map[string]Endpoint
	devices  map[string]*Device
}

func newSession(user string) *Session {
	return &Session{
		user:     user,
		apps:     make(map[Endpoint]struct{}),
		hardware: make(map[string]Endpoint),
		devices:  make(map[string]*Device),
	}
}

func (s *Session) User() string {
	return s.user
}

// seedDevices makes sure the session has a Device entry for every device the
// profile store knows about. Existing entries keep their pin cache.
func (s *Session) seedDevices(devices []store.Device) {
	for _, d := range devices {
		key := d.Key()
		if _, ok := s.devices[key]; !ok {
			s.devices[key] = newDevice(key, d.DashID, d.DeviceID)
		}
	}
}

// addApp joins an app connection and replays the session state to it: one
// `connected` push per online device, then the cached last value of every
// pin that has ever been written. This is what makes a late-joining app
// consistent without hardware retransmission.
func (s *Session) addApp(e Endpoint) error {
	s.apps[e] = struct{}{}

	var err error

	for _, device := range s.devices {
		if device.Online {
			err = multierr.Append(err, e.Push(protocol.CmdConnected, device.Key))
		}

		for _, body := range device.pinBodies() {
			err = multierr.Append(err, e.Push(protocol.CmdHardware, body))
		}
	}

	return err
}

func (s *Session) removeApp(e Endpoint) {
	delete(s.apps, e)
}

// bindHardware makes e the one live connection for the device and returns
// any previous binding so the caller can close it with a superseded status.
// Every joined app is told the device came online.
func (s *Session) bindHardware(d store.Device, e Endpoint) (old Endpoint, err error) {
	key := d.Key()

	old = s.hardware[key]
	s.hardware[key] = e

	device, ok := s.devices[key]
	if !ok {
		device = newDevice(key, d.DashID, d.DeviceID)
		s.devices[key] = device
	}

	device.Online = true

	if old == nil {
		// A replacement binding is not a fresh connect; apps were already
		// notified when the first connection came up.
		err = s.broadcast(protocol.CmdConnected, key)
	}

	return old, err
}

// unbindHardware clears the device binding, but only if e still owns it: a
// superseded connection closing later must not knock out its replacement.
func (s *Session) unbindHardware(key string, e Endpoint) error {
	if s.hardware[key] != e {
		return nil
	}

	delete(s.hardware, key)

	if device, ok := s.devices[key]; ok {
		device.Online = false
	}

	return s.broadcast(protocol.CmdDisconnected, key)
}

// dropDevices removes the session state for devices whose dashboard was
// deleted, closing any live hardware connection bound to them.
func (s *Session) dropDevices(devices []store.Device) error {
	var err error

	for _, d := range devices {
		key := d.Key()

		if e, ok := s.hardware[key]; ok {
			delete(s.hardware, key)
			e.CloseSuperseded()
			err = multierr.Append(err, s.broadcast(protocol.CmdDisconnected, key))
		}

		delete(s.devices, key)
	}

	return err
}

// hardwareData routes a data body arriving from the hardware connection
// bound to key. Pin writes land in the device's cache whether or not any app
// is joined; with no apps the frame is otherwise dropped, never queued.
func (s *Session) hardwareData(key string, body []byte) error {
	if device, ok := s.devices[key]; ok {
		device.cachePin(body)
	}

	metrics.FramesRouted.WithLabelValues("hardware_to_app").Add(float64(len(s.apps)))

	return s.broadcast(protocol.CmdHardware, fmt.Sprintf("%s %s", key, body))
}

// appData routes a data body from an app to the hardware connection bound to
// the addressed device. No binding means ErrDeviceNotInNetwork and no frame
// goes anywhere.
func (s *Session) appData(key string, body []byte) error {
	e, ok := s.hardware[key]
	if !ok {
		return ErrDeviceNotInNetwork
	}

	if device, ok := s.devices[key]; ok {
		device.cachePin(body)
	}

	metrics.FramesRouted.WithLabelValues("app_to_hardware").Inc()

	return e.Push(protocol.CmdHardware, string(body))
}

// broadcast fans a push out to every joined app. Sends are independent; one
// slow or dead app does not stop the others, the errors just accumulate.
func (s *Session) broadcast(cmd protocol.Command, body string) (err error) {
	for app := range s.apps {
		err = multierr.Append(err, app.Push(cmd, body))
	}

	return err
}

func (s *Session) empty() bool {
	return len(s.apps) == 0 && len(s.hardware) == 0
}

// HardwareData routes a data body arriving from the hardware connection
// bound to key.
func (s *Session) HardwareData(key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hardwareData(key, body)
}

// AppData routes a data body from an app to the device addressed by key.
func (s *Session) AppData(key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appData(key, body)
}

// SeedDevices registers freshly provisioned devices with the session.
func (s *Session) SeedDevices(devices []store.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seedDevices(devices)
}

// DropDevices removes deleted devices, closing any bound hardware.
func (s *Session) DropDevices(devices []store.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dropDevices(devices)
}

// HasOnlineDevice reports whether any of the dashboard's devices has a live
// hardware connection.
func (s *Session) HasOnlineDevice(dashID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, device := range s.devices {
		if device.DashID == dashID && device.Online {
			return true
		}
	}

	return false
}

// PinValue returns the cached last value of a device pin, if any.
func (s *Session) PinValue(key, op, pin string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[key]
	if !ok {
		return "", false
	}

	value, ok := device.pins[op+" "+pin]
	return value, ok
}

// DeviceOnline reports whether the device currently has a bound hardware
// connection.
func (s *Session) DeviceOnline(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[key]
	return ok && device.Online
}

// AppCount returns the number of joined app connections.
func (s *Session) AppCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.apps)
}
