package framewire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderLen = 16

	// MaxDatagramSize is the largest UDP payload deliverable over IPv4.
	MaxDatagramSize = 65507

	// DefaultDatagramSize is what existing farshow peers size datagrams
	// to. Both ends must agree, since part capacity derives from it.
	DefaultDatagramSize = MaxDatagramSize - 3
)

// ByteOrder of every header field on the wire.
var ByteOrder = binary.LittleEndian

// PartHeader prefixes every datagram of a fragmented frame.
type PartHeader struct {
	NameLength uint32
	FrameID    uint32
	PartIndex  uint32
	TotalParts uint32
}

// ProtocolError reports a datagram whose header or geometry is malformed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err carries a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func (h *PartHeader) Encode(dst []byte) (int, error) {
	if len(dst) < HeaderLen {
		return 0, errors.New("buffer too small")
	}
	ByteOrder.PutUint32(dst[0:4], h.NameLength)
	ByteOrder.PutUint32(dst[4:8], h.FrameID)
	ByteOrder.PutUint32(dst[8:12], h.PartIndex)
	ByteOrder.PutUint32(dst[12:16], h.TotalParts)
	return HeaderLen, nil
}

func (h *PartHeader) Decode(src []byte) (int, error) {
	if len(src) < HeaderLen {
		return 0, protocolErrorf("datagram length %d shorter than header", len(src))
	}
	h.NameLength = ByteOrder.Uint32(src[0:4])
	h.FrameID = ByteOrder.Uint32(src[4:8])
	h.PartIndex = ByteOrder.Uint32(src[8:12])
	h.TotalParts = ByteOrder.Uint32(src[12:16])
	return HeaderLen, nil
}

// Validate checks the header invariants that do not depend on datagram size.
func (h *PartHeader) Validate() error {
	if h.TotalParts == 0 {
		return protocolErrorf("frame %d declares zero parts", h.FrameID)
	}
	if h.PartIndex >= h.TotalParts {
		return protocolErrorf("part index %d out of range for %d parts", h.PartIndex, h.TotalParts)
	}
	return nil
}

// WireNameLength is the name_length a sender declares for stream: the name
// bytes plus a NUL terminator.
func WireNameLength(stream string) int {
	return len(stream) + 1
}

// PartCapacity is the number of image bytes one datagram carries when the
// stream name occupies nameLength bytes. Non-positive means no room.
func PartCapacity(maxDatagram, nameLength int) int {
	return maxDatagram - HeaderLen - nameLength
}

// Datagram is a parsed part. Name and Payload alias the source buffer.
type Datagram struct {
	Header  PartHeader
	Name    string
	Payload []byte
}

// IsLast reports whether the datagram carries the final part of its frame.
func (d *Datagram) IsLast() bool {
	return d.Header.PartIndex == d.Header.TotalParts-1
}

// EncodeDatagram writes header, NUL-terminated stream name and payload into dst.
func EncodeDatagram(dst []byte, h PartHeader, stream string, payload []byte) (int, error) {
	nameLen := WireNameLength(stream)
	if h.NameLength == 0 {
		h.NameLength = uint32(nameLen)
	}
	if int(h.NameLength) != nameLen {
		return 0, fmt.Errorf("name length %d does not match stream %q", h.NameLength, stream)
	}
	need := HeaderLen + nameLen + len(payload)
	if len(dst) < need {
		return 0, fmt.Errorf("buffer too small: need %d, got %d", need, len(dst))
	}
	if _, err := h.Encode(dst); err != nil {
		return 0, err
	}
	offset := HeaderLen
	offset += copy(dst[offset:], stream)
	dst[offset] = 0
	offset++
	offset += copy(dst[offset:], payload)
	return offset, nil
}

// ParseDatagram decodes src and validates its geometry against maxDatagram.
// It never copies; the returned payload aliases src.
func ParseDatagram(src []byte, maxDatagram int) (Datagram, error) {
	var d Datagram
	if len(src) > maxDatagram {
		return d, protocolErrorf("datagram length %d exceeds limit %d", len(src), maxDatagram)
	}
	if _, err := d.Header.Decode(src); err != nil {
		return d, err
	}
	if err := d.Header.Validate(); err != nil {
		return d, err
	}

	nameLen := int(d.Header.NameLength)
	if d.Header.NameLength > uint32(len(src)-HeaderLen) {
		return d, protocolErrorf("name length %d exceeds datagram of %d bytes", d.Header.NameLength, len(src))
	}
	capacity := PartCapacity(maxDatagram, nameLen)
	if capacity <= 0 {
		return d, protocolErrorf("name length %d leaves no room for payload", nameLen)
	}

	name := src[HeaderLen : HeaderLen+nameLen]
	// Legacy senders count the terminating NUL in name_length.
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if len(name) == 0 {
		return d, protocolErrorf("empty stream name")
	}
	d.Name = string(name)
	d.Payload = src[HeaderLen+nameLen:]

	if len(d.Payload) > capacity {
		return d, protocolErrorf("payload %d exceeds part capacity %d", len(d.Payload), capacity)
	}
	if !d.IsLast() && len(d.Payload) != capacity {
		return d, protocolErrorf("non-final part %d carries %d bytes, want %d", d.Header.PartIndex, len(d.Payload), capacity)
	}
	return d, nil
}
