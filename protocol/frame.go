package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// Magic prefixes every frame header.
	Magic uint32 = 0xC0DEF00D

	// HeaderSize is the fixed size of a frame header.
	HeaderSize = 12

	// MaxPayloadSize bounds a single frame payload. Anything larger is
	// treated as a corrupt stream.
	MaxPayloadSize = 64 << 20
)

// Header is a decoded frame header.
type Header struct {
	Magic      uint32
	CallbackID uint32
	Length     uint32
}

// Frame is a complete frame: header fields plus payload.
type Frame struct {
	CallbackID uint32
	Payload    []byte
}

// Encode returns the wire form of a frame. A nil payload produces a
// zero-length frame.
func Encode(callbackID uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	putHeader(buf, callbackID, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

func putHeader(buf []byte, callbackID, length uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], callbackID)
	binary.LittleEndian.PutUint32(buf[8:12], length)
}

// DecodeHeader parses a 12-byte header. It fails with a *ProtocolError when
// the buffer is short, the magic does not match, or the declared length
// exceeds MaxPayloadSize.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, &ProtocolError{Reason: fmt.Sprintf("short header: %d bytes", len(buf))}
	}
	h := Header{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		CallbackID: binary.LittleEndian.Uint32(buf[4:8]),
		Length:     binary.LittleEndian.Uint32(buf[8:12]),
	}
	if h.Magic != Magic {
		return h, &ProtocolError{Reason: fmt.Sprintf("magic bytes don't match (received: %08x)", h.Magic)}
	}
	if h.Length > MaxPayloadSize {
		return h, &ProtocolError{Reason: fmt.Sprintf("payload length %d exceeds maximum %d", h.Length, MaxPayloadSize)}
	}
	return h, nil
}

// WriteFrame writes header and payload to w in a single Write call so that
// concurrent writers on a shared stream never interleave a frame.
func WriteFrame(w io.Writer, callbackID uint32, payload []byte) error {
	if _, err := w.Write(Encode(callbackID, payload)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame blocks until one complete frame has been read from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return Frame{}, err
	}
	frame := Frame{CallbackID: h.CallbackID}
	if h.Length > 0 {
		frame.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, frame.Payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return frame, nil
}
