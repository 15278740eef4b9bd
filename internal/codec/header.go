// Package codec implements the D-Bus wire protocol: decoding message
// headers off a live byte stream, splitting a stream into discrete
// frames, and synthesizing error-reply frames.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FixedHeaderSize is the D-Bus message's fixed prefix: endianness (1),
// message type (1), flags (1), protocol version (1), body length (4),
// serial (4).
const FixedHeaderSize = 12

// ProtocolVersion is the only D-Bus protocol version this codec understands.
const ProtocolVersion = 1

// AuthBegin is the literal line that ends the SASL auth handshake and
// marks the point after which the stream carries framed D-Bus messages.
const AuthBegin = "BEGIN\r\n"

// Message types (D-Bus specification, "Message Format").
const (
	TypeInvalid byte = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

// Header flags.
const (
	FlagNoReplyExpected byte = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

// Header field codes (D-Bus specification, "Header Fields Table").
const (
	FieldInvalid byte = iota
	FieldPath
	FieldInterface
	FieldMember
	FieldErrorName
	FieldReplySerial
	FieldDestination
	FieldSender
	FieldSignature
	FieldUnixFDs
)

// Sentinel errors for header decoding failures.
var (
	ErrTooShort         = errors.New("frame shorter than fixed header")
	ErrBadEndianness    = errors.New("unrecognized endianness sigil")
	ErrBadVersion       = errors.New("unsupported protocol version")
	ErrHeaderArrayShort = errors.New("header field array truncated")
	ErrBodyShort        = errors.New("body shorter than declared length")
	ErrFieldTruncated   = errors.New("header field value truncated")
	ErrZeroSerial       = errors.New("serial must be nonzero")
	ErrUnknownFieldCode = errors.New("unknown or INVALID header field code")
	ErrInvalidHeader    = errors.New("header violates cross-field invariants for its message type")
)

// reservedLocalPath and reservedLocalInterface are the bus-local
// path/interface a SIGNAL header must never carry, per the D-Bus
// specification's "Reserved Names" guidance for org.freedesktop.DBus.Local.
const (
	reservedLocalPath      = "/org/freedesktop/DBus/Local"
	reservedLocalInterface = "org.freedesktop.DBus.Local"
)

// byteOrderFor returns the binary.ByteOrder for a D-Bus endianness sigil.
func byteOrderFor(sigil byte) (binary.ByteOrder, error) {
	switch sigil {
	case 'l':
		return binary.LittleEndian, nil
	case 'B':
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("sigil %q: %w", sigil, ErrBadEndianness)
	}
}

// Header is a decoded D-Bus message header.
type Header struct {
	BigEndian      bool
	Type           byte
	Flags          byte
	Serial         uint32
	BodyLength     uint32
	Path           string
	Interface      string
	Member         string
	ErrorName      string
	Destination    string
	Sender         string
	Signature      string
	HasReplySerial bool
	ReplySerial    uint32
	UnixFDs        uint32
}

// ExpectsReply reports whether a method call carrying this header wants a
// reply: it is a METHOD_CALL and NO_REPLY_EXPECTED is not set.
func (h *Header) ExpectsReply() bool {
	return h.Type == TypeMethodCall && h.Flags&FlagNoReplyExpected == 0
}

// align4 rounds offset up to the next 4-byte boundary.
func align4(offset uint32) uint32 {
	return (offset + 3) &^ 3
}

// align8 rounds offset up to the next 8-byte boundary.
func align8(offset uint32) uint32 {
	return (offset + 7) &^ 7
}
