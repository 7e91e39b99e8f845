package protocol

// Frame is one discrete protocol message on a connection.
//
// The id is unique for the lifetime of a request/response exchange on the
// connection that issued it and increases monotonically per sender. Bodies
// are opaque to the codec; their shape is owned by the command's handler.
type Frame struct {
	ID      uint16
	Command Command
	Body    []byte
}

// IsPush reports whether the frame is a server-initiated push rather than a
// response correlated with a client request id.
func (f Frame) IsPush() bool {
	switch f.Command {
	case CmdConnected, CmdDisconnected, CmdHardware:
		return true
	default:
		return false
	}
}

// NextID advances a connection-local message id sequence. Ids wrap inside
// the 16-bit range and never take the reserved value 0.
func NextID(prev uint16) uint16 {
	prev++
	if prev == 0 {
		return 1
	}

	return prev
}
