package session

import (
	"bytes"
	"fmt"
)

// Device is the session's live view of one provisioned device: whether a
// hardware connection is currently bound to it and the last value written to
// each of its pins.
//
// The pin cache is deliberately best effort: in-memory, last-value-wins, not
// durable. Its only job is to let an app that joins after a write observe
// the value without the hardware retransmitting. Durable history belongs to
// an external collaborator, not here.
type Device struct {
	Key      string
	DashID   int
	DeviceID int
	Online   bool

	// pins maps "<op> <pin>" to the most recent value bytes.
	pins map[string]string
}

func newDevice(key string, dashID, deviceID int) *Device {
	return &Device{
		Key:      key,
		DashID:   dashID,
		DeviceID: deviceID,
		pins:     make(map[string]string),
	}
}

// writeOps are the pin operations that carry a value worth caching. Reads
// and sync requests pass through the router untouched.
var writeOps = map[string]struct{}{
	"vw": {},
	"dw": {},
	"aw": {},
}

// cachePin records a pin write from a `<op> <pin> <value>` body. Bodies that
// are not writes are ignored.
func (d *Device) cachePin(body []byte) {
	fields := bytes.Fields(body)
	if len(fields) < 3 {
		return
	}

	op := string(fields[0])
	if _, ok := writeOps[op]; !ok {
		return
	}

	d.pins[op+" "+string(fields[1])] = string(bytes.Join(fields[2:], []byte(" ")))
}

// pinBodies renders one `<devKey> <op> <pin> <value>` body per cached pin,
// the shape a forwarded hardware frame has.
func (d *Device) pinBodies() []string {
	bodies := make([]string, 0, len(d.pins))

	for key, value := range d.pins {
		bodies = append(bodies, fmt.Sprintf("%s %s %s", d.Key, key, value))
	}

	return bodies
}
