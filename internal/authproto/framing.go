package authproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize caps a single framed message. Anything larger is a fatal
// protocol error: the stream cannot resynchronize after a bad length.
const MaxMessageSize = 16 * 1024

// frameHeaderSize is the length prefix: 8 bytes, big-endian unsigned.
const frameHeaderSize = 8

// ErrMessageTooLarge is returned for frames exceeding MaxMessageSize, on
// either the read or the write side.
var ErrMessageTooLarge = errors.New("framed message exceeds maximum size")

// ReadFrame reads one length-prefixed message. A clean EOF at a message
// boundary is returned as io.EOF; an EOF mid-frame is io.ErrUnexpectedEOF
// and must tear the connection down.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	length := binary.BigEndian.Uint64(header[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("frame truncated: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed message.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint64(header[:], uint64(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadCommand reads and decodes one framed Command.
func ReadCommand(r io.Reader) (*Command, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalCommand(frame)
}

// WriteCommand encodes and frames cmd.
func WriteCommand(w io.Writer, cmd *Command) error {
	payload, err := MarshalCommand(cmd)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadResponse reads and decodes one framed Response.
func ReadResponse(r io.Reader) (*Response, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

// WriteResponse encodes and frames resp.
func WriteResponse(w io.Writer, resp *Response) error {
	payload, err := MarshalResponse(resp)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}
