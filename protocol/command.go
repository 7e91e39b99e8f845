package protocol

// Command is the closed set of frame kinds. The parser resolves the wire
// word (plus, for login, the argument shape) into exactly one of these, so
// dispatch never has to branch on raw strings.
type Command string

const (
	// Client requests
	CmdRegister           Command = "register"
	CmdLoginApp           Command = "loginApp"
	CmdLoginHardware      Command = "loginHardware"
	CmdPing               Command = "ping"
	CmdLoadProfile        Command = "loadProfile"
	CmdLoadProfileGzipped Command = "loadProfileGzipped"
	CmdCreateDash         Command = "createDash"
	CmdDeleteDash         Command = "deleteDash"
	CmdActivate           Command = "activate"
	CmdDeactivate         Command = "deactivate"
	CmdGetToken           Command = "getToken"
	CmdHardware           Command = "hardware"

	// Server pushes and responses
	CmdResponse     Command = "response"
	CmdConnected    Command = "connected"
	CmdDisconnected Command = "disconnected"
	CmdToken        Command = "token"
	CmdProfile      Command = "profile"
)

// Wire returns the command word as it appears on the wire. Both login
// variants serialise as "login"; every other command is its own word.
func (c Command) Wire() string {
	if c == CmdLoginApp || c == CmdLoginHardware {
		return "login"
	}

	return string(c)
}

// Status is the numeric result code carried by response frames.
type Status int

const (
	StatusOK                    Status = 200
	StatusIllegalCommand        Status = 2
	StatusUserNotRegistered     Status = 3
	StatusUserAlreadyRegistered Status = 4
	StatusNotAuthenticated      Status = 5
	StatusNotAllowed            Status = 6
	StatusDeviceNotInNetwork    Status = 9
	StatusInvalidToken          Status = 10
	StatusServerError           Status = 11

	// StatusSuperseded is sent to a hardware connection just before it is
	// closed because a newer login claimed its device binding. It lets the
	// device firmware tell a takeover apart from a network failure.
	StatusSuperseded Status = 12
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusIllegalCommand:
		return "ILLEGAL_COMMAND"
	case StatusUserNotRegistered:
		return "USER_NOT_REGISTERED"
	case StatusUserAlreadyRegistered:
		return "USER_ALREADY_REGISTERED"
	case StatusNotAuthenticated:
		return "NOT_AUTHENTICATED"
	case StatusNotAllowed:
		return "NOT_ALLOWED"
	case StatusDeviceNotInNetwork:
		return "DEVICE_NOT_IN_NETWORK"
	case StatusInvalidToken:
		return "INVALID_TOKEN"
	case StatusServerError:
		return "SERVER_ERROR"
	case StatusSuperseded:
		return "SUPERSEDED"
	default:
		return "UNKNOWN"
	}
}
