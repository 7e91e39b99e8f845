package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// MaxBodySize bounds how much a single frame may carry. Anything larger
	// is a protocol violation, not a retryable error.
	MaxBodySize = 32 * 1024
)

var (
	ErrUnknownCommand  = errors.New("Unknown command could not be parsed")
	ErrFrameTooShort   = errors.New("Frame is malformed, it appears to be too short")
	ErrBadMessageID    = errors.New("Frame is malformed, the message id is not a decimal in 1..65535")
	ErrBodyTooLong     = errors.New("Frame is malformed, the body exceeds the protocol limit")
	ErrBadBinaryLength = errors.New("Frame is malformed, the binary body length could not be parsed")
	ErrBadLoginShape   = errors.New("Login is malformed, expected a device token or email and password")
)

// ReadFrame reads the next frame from r.
//
// The caller owns r for the lifetime of the connection and calls ReadFrame
// repeatedly as bytes arrive; partial frames stay buffered inside r between
// calls, so a slow sender never loses data. Any parse failure desynchronises
// the stream and the caller is expected to close the connection.
//
// Lines are bounded as they are read: a peer that never sends a newline can
// make the server buffer at most one maximal frame, not an arbitrary amount.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	line, err := readLine(r)
	if err != nil {
		return Frame{}, err
	}

	// Strip the final '\n' and the optional '\r'
	line = RemoveTrailingCR(line[:len(line)-1])

	if len(line) > MaxBodySize {
		return Frame{}, ErrBodyTooLong
	}

	if len(line) < 3 {
		return Frame{}, ErrFrameTooShort
	}

	sep := bytes.IndexByte(line, ' ')
	if sep <= 0 {
		return Frame{}, ErrFrameTooShort
	}

	id, err := parseMessageID(line[:sep])
	if err != nil {
		return Frame{}, err
	}

	rawCommand := line[sep+1:]

	word := rawCommand
	var body []byte

	if sep := bytes.IndexByte(rawCommand, ' '); sep > 0 {
		word = rawCommand[:sep]
		body = rawCommand[sep+1:]
	}

	cmd, err := classify(word, body)
	if err != nil {
		return Frame{}, fmt.Errorf("Failed to parse '%s': %w", string(line), err)
	}

	if n, ok := binaryLength(body); ok {
		body, err = readBinaryBody(r, n)
		if err != nil {
			return Frame{}, err
		}
	}

	return Frame{ID: id, Command: cmd, Body: body}, nil
}

// readLine accumulates one terminated line, failing with ErrBodyTooLong as
// soon as the line outgrows what a frame may legally carry.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte

	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)

		if len(line) > MaxBodySize+len(Terminal) {
			return nil, ErrBodyTooLong
		}

		if err == bufio.ErrBufferFull {
			continue
		}

		return line, err
	}
}

func parseMessageID(raw []byte) (uint16, error) {
	id, err := strconv.ParseUint(string(raw), 10, 16)
	if err != nil || id == 0 {
		return 0, ErrBadMessageID
	}

	return uint16(id), nil
}

// classify resolves a wire word into a Command. Login is the one word that
// maps to two variants: a single argument is a device token, two or more are
// app credentials. The shape is decided here, before dispatch, so handlers
// never have to guess a connection's role from its payload.
func classify(word, body []byte) (Command, error) {
	switch string(word) {
	case "register":
		return CmdRegister, nil
	case "login":
		switch len(bytes.Fields(body)) {
		case 0:
			return "", ErrBadLoginShape
		case 1:
			return CmdLoginHardware, nil
		default:
			return CmdLoginApp, nil
		}
	case "ping":
		return CmdPing, nil
	case "loadProfile":
		return CmdLoadProfile, nil
	case "loadProfileGzipped":
		return CmdLoadProfileGzipped, nil
	case "createDash":
		return CmdCreateDash, nil
	case "deleteDash":
		return CmdDeleteDash, nil
	case "activate":
		return CmdActivate, nil
	case "deactivate":
		return CmdDeactivate, nil
	case "getToken":
		return CmdGetToken, nil
	case "hardware":
		return CmdHardware, nil
	case "response":
		return CmdResponse, nil
	case "connected":
		return CmdConnected, nil
	case "disconnected":
		return CmdDisconnected, nil
	case "token":
		return CmdToken, nil
	case "profile":
		return CmdProfile, nil
	default:
		return "", ErrUnknownCommand
	}
}

// binaryLength recognises a `$<n>` body announcing a binary continuation.
func binaryLength(body []byte) (int, bool) {
	if len(body) < 2 || body[0] != '$' {
		return 0, false
	}

	n, err := strconv.Atoi(string(body[1:]))
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}

func readBinaryBody(r *bufio.Reader, n int) ([]byte, error) {
	if n > MaxBodySize {
		return nil, ErrBodyTooLong
	}

	blob := make([]byte, n)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, err
	}

	// The blob is followed by its own line terminal.
	tail, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	if len(RemoveTrailingCR(tail[:len(tail)-1])) != 0 {
		return nil, ErrBadBinaryLength
	}

	return blob, nil
}

func RemoveTrailingCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		// Remove the optional trailing \r
		return data[:len(data)-1]
	}

	return data
}
