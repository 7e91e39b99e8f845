package protocol

import (
	"io"
	"strconv"
)

var (
	Terminal = []byte("\r\n")
)

// WriteFrame serialises a frame onto w as a single Write call so that
// concurrent writers queueing onto the same connection never interleave
// inside one frame.
func WriteFrame(w io.Writer, id uint16, cmd Command, body []byte) error {
	b := appendHeader(nil, id, cmd)

	if len(body) > 0 {
		b = append(b, ' ')
		b = append(b, body...)
	}

	b = append(b, Terminal...)

	_, err := w.Write(b)
	return err
}

// WriteResponse serialises a `response <status>` frame answering request id.
func WriteResponse(w io.Writer, id uint16, status Status) error {
	b := appendHeader(nil, id, CmdResponse)
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(status), 10)
	b = append(b, Terminal...)

	_, err := w.Write(b)
	return err
}

// WriteBinary serialises a frame whose body is an opaque blob, using the
// `$<n>` length-prefixed continuation form.
func WriteBinary(w io.Writer, id uint16, cmd Command, blob []byte) error {
	b := appendHeader(nil, id, cmd)
	b = append(b, ' ', '$')
	b = strconv.AppendInt(b, int64(len(blob)), 10)
	b = append(b, Terminal...)
	b = append(b, blob...)
	b = append(b, Terminal...)

	_, err := w.Write(b)
	return err
}

// WriteString is a convenience for string bodies.
func WriteString(w io.Writer, id uint16, cmd Command, body string) error {
	return WriteFrame(w, id, cmd, []byte(body))
}

func appendHeader(dst []byte, id uint16, cmd Command) []byte {
	dst = strconv.AppendUint(dst, uint64(id), 10)
	dst = append(dst, ' ')
	dst = append(dst, cmd.Wire()...)
	return dst
}
