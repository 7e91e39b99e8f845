package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUserExists         = errors.New("a user with that email is already registered")
	ErrInvalidCredentials = errors.New("email or password did not match")
	ErrTokenNotFound      = errors.New("token does not belong to any device")
	ErrDashNotFound       = errors.New("dashboard does not exist")
	ErrDashExists         = errors.New("a dashboard with that id already exists")
	ErrDeviceNotFound     = errors.New("device does not exist on that dashboard")
	ErrUserNotRegistered  = errors.New("no user with that email is registered")
	ErrMalformedDash      = errors.New("dashboard json is missing a valid id")
)

// Device is one provisioned device of a dashboard as the profile store
// knows it: its position and the secret token hardware logs in with.
type Device struct {
	DashID   int
	DeviceID int
	Token    string
}

// Key renders the `<dashId>-<deviceId>` form used on the wire and as the
// session's device key.
func (d Device) Key() string {
	return fmt.Sprintf("%d-%d", d.DashID, d.DeviceID)
}

// Binding is what a device token resolves to.
type Binding struct {
	User     string
	DashID   int
	DeviceID int
}

// Credentials verifies and registers app users.
type Credentials interface {
	Register(ctx context.Context, email, password string) error
	Verify(ctx context.Context, email, password string) (string, error)
}

// Profiles owns the dashboard blobs. The relay core treats a profile as an
// opaque JSON aggregate: it reads device/token membership out of it and
// hands the blob to apps, nothing more.
type Profiles interface {
	LoadProfile(ctx context.Context, user string) ([]byte, error)
	CreateDash(ctx context.Context, user string, dash []byte) ([]Device, error)
	DeleteDash(ctx context.Context, user string, dashID int) ([]Device, error)
	SetDashActive(ctx context.Context, user string, dashID int, active bool) error
	DashDevices(ctx context.Context, user string, dashID int) ([]Device, error)
	Devices(ctx context.Context, user string) ([]Device, error)
}

// Tokens is the device/token directory.
type Tokens interface {
	Resolve(ctx context.Context, token string) (Binding, error)
	Assign(ctx context.Context, user string, dashID, deviceID int) (string, error)
}
