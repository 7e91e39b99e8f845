package transport

// AuthState is where a connection sits in its authentication lifecycle.
//
// The machine is strictly forward-moving:
//
//	Unauthenticated -> App       (register/login with credentials)
//	Unauthenticated -> Hardware  (login with a device token)
//	any state       -> Closed    (transport close or protocol error)
//
// A connection's role is fixed the moment it authenticates; the parser has
// already classified which login variant it saw, so dispatch never infers a
// role from payload shape.
type AuthState int

const (
	StateUnauthenticated AuthState = iota
	StateApp
	StateHardware
	StateClosed
)

func (s AuthState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateApp:
		return "app"
	case StateHardware:
		return "hardware"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
