package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/oofteerapud02/blynk-server/session"
	"github.com/oofteerapud02/blynk-server/store"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	NumListeners int

	// HeartbeatTimeout closes connections that stay silent longer than
	// this. Clients are expected to ping well inside the window.
	HeartbeatTimeout time.Duration

	// Registry is the shared session registry. Both the app-facing and the
	// hardware-facing server must be handed the same instance or the two
	// connection kinds can never meet in a session.
	Registry *session.Registry

	// External collaborators
	Users    store.Credentials
	Profiles store.Profiles
	Tokens   store.Tokens

	Log *zap.Logger
}
