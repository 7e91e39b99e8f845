package protocol_test

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/oofteerapud02/blynk-server/protocol"
)

func reader(data string) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader([]byte(data)))
}

// countingReader tracks how many bytes a consumer pulled through it.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n

	return n, err
}

var _ = Describe("Parsing", func() {
	Describe("ReadFrame()", func() {
		It("returns an error if the reader cannot find a newline", func() {
			_, err := protocol.ReadFrame(reader("I have no new line"))
			Expect(err).To(MatchError(io.EOF))
		})

		It("returns an error if the data is too short to be a valid frame", func() {
			_, err := protocol.ReadFrame(reader("1\n"))
			Expect(err).To(MatchError(protocol.ErrFrameTooShort))

			_, err = protocol.ReadFrame(reader("ping\n"))
			Expect(err).To(MatchError(protocol.ErrFrameTooShort))
		})

		It("returns an error if the message id is not a decimal in range", func() {
			_, err := protocol.ReadFrame(reader("0 ping\n"))
			Expect(err).To(MatchError(protocol.ErrBadMessageID))

			_, err = protocol.ReadFrame(reader("65536 ping\n"))
			Expect(err).To(MatchError(protocol.ErrBadMessageID))

			_, err = protocol.ReadFrame(reader("abc ping\n"))
			Expect(err).To(MatchError(protocol.ErrBadMessageID))
		})

		It("returns an error if the command is unknown", func() {
			_, err := protocol.ReadFrame(reader("1 EVIL\n"))
			Expect(errors.Is(err, protocol.ErrUnknownCommand)).To(BeTrue())
		})

		It("returns an error if a line exceeds the body limit", func() {
			long := "1 hardware " + strings.Repeat("a", protocol.MaxBodySize+1) + "\n"
			_, err := protocol.ReadFrame(reader(long))
			Expect(err).To(MatchError(protocol.ErrBodyTooLong))
		})

		It("stops buffering an oversized line long before consuming all of it", func() {
			huge := append([]byte("1 hardware "), bytes.Repeat([]byte("a"), 8*1024*1024)...)
			huge = append(huge, '\n')

			src := &countingReader{r: bytes.NewReader(huge)}

			_, err := protocol.ReadFrame(bufio.NewReader(src))
			Expect(err).To(MatchError(protocol.ErrBodyTooLong))
			Expect(src.n).To(BeNumerically("<", 2*protocol.MaxBodySize))
		})

		It("parses a valid ping command", func() {
			frame, err := protocol.ReadFrame(reader("17 ping\r\n"))
			Expect(err).To(Succeed())
			Expect(frame.ID).To(Equal(uint16(17)))
			Expect(frame.Command).To(Equal(protocol.CmdPing))
			Expect(frame.Body).To(BeEmpty())
		})

		It("parses a command with a body", func() {
			frame, err := protocol.ReadFrame(reader("3 hardware vw 1 100\r\n"))
			Expect(err).To(Succeed())
			Expect(frame.ID).To(Equal(uint16(3)))
			Expect(frame.Command).To(Equal(protocol.CmdHardware))
			Expect(frame.Body).To(Equal([]byte("vw 1 100")))
		})

		It("buffers partial frames across reads", func() {
			r := reader("1 ping\r\n2 hardware vw 1 1\r\n")

			first, err := protocol.ReadFrame(r)
			Expect(err).To(Succeed())
			Expect(first.Command).To(Equal(protocol.CmdPing))

			second, err := protocol.ReadFrame(r)
			Expect(err).To(Succeed())
			Expect(second.ID).To(Equal(uint16(2)))
			Expect(second.Command).To(Equal(protocol.CmdHardware))
		})

		Describe("login classification", func() {
			It("classifies a single argument as a hardware login", func() {
				frame, err := protocol.ReadFrame(reader("1 login 4ae3851817194e2596cf1b7103603ef8\n"))
				Expect(err).To(Succeed())
				Expect(frame.Command).To(Equal(protocol.CmdLoginHardware))
				Expect(frame.Body).To(Equal([]byte("4ae3851817194e2596cf1b7103603ef8")))
			})

			It("classifies two or more arguments as an app login", func() {
				frame, err := protocol.ReadFrame(reader("1 login test@example.com pass Android 1.10.4\n"))
				Expect(err).To(Succeed())
				Expect(frame.Command).To(Equal(protocol.CmdLoginApp))
			})

			It("returns an error for a login with no arguments", func() {
				_, err := protocol.ReadFrame(reader("1 login\n"))
				Expect(errors.Is(err, protocol.ErrFrameTooShort) || errors.Is(err, protocol.ErrBadLoginShape)).To(BeTrue())
			})
		})

		Describe("binary bodies", func() {
			It("parses a length-prefixed binary body", func() {
				frame, err := protocol.ReadFrame(reader("4 profile $5\r\nhello\r\n"))
				Expect(err).To(Succeed())
				Expect(frame.Command).To(Equal(protocol.CmdProfile))
				Expect(frame.Body).To(Equal([]byte("hello")))
			})

			It("allows the blob to contain newlines", func() {
				frame, err := protocol.ReadFrame(reader("4 profile $5\r\na\nb\nc\r\n"))
				Expect(err).To(Succeed())
				Expect(frame.Body).To(Equal([]byte("a\nb\nc")))
			})

			It("returns an error if the blob is not followed by a terminal", func() {
				_, err := protocol.ReadFrame(reader("4 profile $5\r\nhelloX\r\n"))
				Expect(err).To(MatchError(protocol.ErrBadBinaryLength))
			})

			It("returns an error if the announced length exceeds the limit", func() {
				_, err := protocol.ReadFrame(reader("4 profile $99999999\r\n"))
				Expect(err).To(MatchError(protocol.ErrBodyTooLong))
			})
		})
	})

	Describe("RemoveTrailingCR()", func() {
		It("does nothing if the data does not end in CR", func() {
			data := []byte("I am awesome data")
			Expect(protocol.RemoveTrailingCR(data)).To(Equal(data))
		})

		It("removes the trailing CR", func() {
			input := []byte("I am awesome data\r")
			output := []byte("I am awesome data")
			Expect(protocol.RemoveTrailingCR(input)).To(Equal(output))
		})
	})
})
