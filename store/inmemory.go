package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/bcrypt"
)

// Inmemory backs all three collaborator interfaces with process memory.
// Profiles are held as one JSON blob per user and manipulated in place,
// which keeps LoadProfile a plain copy-free read.
type Inmemory struct {
	mu sync.RWMutex

	// email -> bcrypt hash
	users map[string][]byte

	// user -> profile blob `{"dashboards":[...]}`
	profiles map[string][]byte

	// token -> owning device
	tokens map[string]Binding
}

func NewInmemory() *Inmemory {
	return &Inmemory{
		users:    make(map[string][]byte),
		profiles: make(map[string][]byte),
		tokens:   make(map[string]Binding),
	}
}

var (
	_ Credentials = (*Inmemory)(nil)
	_ Profiles    = (*Inmemory)(nil)
	_ Tokens      = (*Inmemory)(nil)
)

func (i *Inmemory) Register(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.users[email]; ok {
		return ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	i.users[email] = hash
	i.profiles[email] = []byte(`{"dashboards":[]}`)

	return nil
}

func (i *Inmemory) Verify(ctx context.Context, email, password string) (string, error) {
	email = normalizeEmail(email)

	i.mu.RLock()
	hash, ok := i.users[email]
	i.mu.RUnlock()

	if !ok {
		return "", ErrUserNotRegistered
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return email, nil
}

func (i *Inmemory) LoadProfile(ctx context.Context, user string) ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	profile, ok := i.profiles[user]
	if !ok {
		return nil, ErrUserNotRegistered
	}

	return profile, nil
}

// CreateDash validates the dashboard blob, provisions a token for every
// device on it (adding a default device 0 when the client sent none) and
// appends it to the user's profile. The provisioned devices are returned so
// the session layer can seed its device table.
func (i *Inmemory) CreateDash(ctx context.Context, user string, dash []byte) ([]Device, error) {
	dashID := gjson.GetBytes(dash, "id")
	if !dashID.Exists() || dashID.Int() <= 0 {
		return nil, ErrMalformedDash
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	profile, ok := i.profiles[user]
	if !ok {
		return nil, ErrUserNotRegistered
	}

	if idx := dashIndex(profile, int(dashID.Int())); idx >= 0 {
		return nil, ErrDashExists
	}

	var err error

	if !gjson.GetBytes(dash, "isActive").Exists() {
		if dash, err = sjson.SetBytes(dash, "isActive", false); err != nil {
			return nil, err
		}
	}

	if len(gjson.GetBytes(dash, "devices").Array()) == 0 {
		if dash, err = sjson.SetRawBytes(dash, "devices", []byte(`[{"id":0}]`)); err != nil {
			return nil, err
		}
	}

	var devices []Device

	for idx, raw := range gjson.GetBytes(dash, "devices").Array() {
		deviceID := int(raw.Get("id").Int())

		token, err := mintToken()
		if err != nil {
			return nil, err
		}

		if dash, err = sjson.SetBytes(dash, fmt.Sprintf("devices.%d.token", idx), token); err != nil {
			return nil, err
		}

		device := Device{DashID: int(dashID.Int()), DeviceID: deviceID, Token: token}
		devices = append(devices, device)
		i.tokens[token] = Binding{User: user, DashID: device.DashID, DeviceID: device.DeviceID}
	}

	profile, err = sjson.SetRawBytes(profile, "dashboards.-1", dash)
	if err != nil {
		return nil, err
	}

	i.profiles[user] = profile

	return devices, nil
}

func (i *Inmemory) DeleteDash(ctx context.Context, user string, dashID int) ([]Device, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	profile, ok := i.profiles[user]
	if !ok {
		return nil, ErrUserNotRegistered
	}

	idx := dashIndex(profile, dashID)
	if idx < 0 {
		return nil, ErrDashNotFound
	}

	removed := dashDevices(profile, idx, dashID)
	for _, device := range removed {
		delete(i.tokens, device.Token)
	}

	profile, err := sjson.DeleteBytes(profile, fmt.Sprintf("dashboards.%d", idx))
	if err != nil {
		return nil, err
	}

	i.profiles[user] = profile

	return removed, nil
}

func (i *Inmemory) SetDashActive(ctx context.Context, user string, dashID int, active bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	profile, ok := i.profiles[user]
	if !ok {
		return ErrUserNotRegistered
	}

	idx := dashIndex(profile, dashID)
	if idx < 0 {
		return ErrDashNotFound
	}

	profile, err := sjson.SetBytes(profile, fmt.Sprintf("dashboards.%d.isActive", idx), active)
	if err != nil {
		return err
	}

	i.profiles[user] = profile

	return nil
}

func (i *Inmemory) DashDevices(ctx context.Context, user string, dashID int) ([]Device, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	profile, ok := i.profiles[user]
	if !ok {
		return nil, ErrUserNotRegistered
	}

	idx := dashIndex(profile, dashID)
	if idx < 0 {
		return nil, ErrDashNotFound
	}

	return dashDevices(profile, idx, dashID), nil
}

func (i *Inmemory) Devices(ctx context.Context, user string) ([]Device, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	profile, ok := i.profiles[user]
	if !ok {
		return nil, ErrUserNotRegistered
	}

	var devices []Device

	for idx, dash := range gjson.GetBytes(profile, "dashboards").Array() {
		devices = append(devices, dashDevices(profile, idx, int(dash.Get("id").Int()))...)
	}

	return devices, nil
}

func (i *Inmemory) Resolve(ctx context.Context, token string) (Binding, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	binding, ok := i.tokens[token]
	if !ok {
		return Binding{}, ErrTokenNotFound
	}

	return binding, nil
}

// Assign returns the device's token, minting one if the device has never
// been issued one.
func (i *Inmemory) Assign(ctx context.Context, user string, dashID, deviceID int) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	profile, ok := i.profiles[user]
	if !ok {
		return "", ErrUserNotRegistered
	}

	dashIdx := dashIndex(profile, dashID)
	if dashIdx < 0 {
		return "", ErrDashNotFound
	}

	deviceIdx := -1

	for idx, raw := range gjson.GetBytes(profile, fmt.Sprintf("dashboards.%d.devices", dashIdx)).Array() {
		if int(raw.Get("id").Int()) == deviceID {
			if token := raw.Get("token").String(); token != "" {
				return token, nil
			}

			deviceIdx = idx
			break
		}
	}

	if deviceIdx < 0 {
		return "", ErrDeviceNotFound
	}

	token, err := mintToken()
	if err != nil {
		return "", err
	}

	path := fmt.Sprintf("dashboards.%d.devices.%d.token", dashIdx, deviceIdx)

	profile, err = sjson.SetBytes(profile, path, token)
	if err != nil {
		return "", err
	}

	i.profiles[user] = profile
	i.tokens[token] = Binding{User: user, DashID: dashID, DeviceID: deviceID}

	return token, nil
}

// dashIndex returns the position of dashID inside the profile's dashboards
// array, or -1.
func dashIndex(profile []byte, dashID int) int {
	for idx, dash := range gjson.GetBytes(profile, "dashboards").Array() {
		if int(dash.Get("id").Int()) == dashID {
			return idx
		}
	}

	return -1
}

func dashDevices(profile []byte, dashIdx, dashID int) []Device {
	var devices []Device

	for _, raw := range gjson.GetBytes(profile, fmt.Sprintf("dashboards.%d.devices", dashIdx)).Array() {
		devices = append(devices, Device{
			DashID:   dashID,
			DeviceID: int(raw.Get("id").Int()),
			Token:    raw.Get("token").String(),
		})
	}

	return devices
}

func mintToken() (string, error) {
	raw := make([]byte, 16)

	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	return hex.EncodeToString(raw), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
