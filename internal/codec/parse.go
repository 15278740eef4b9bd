package codec

import "fmt"

// ParseHeader decodes a complete frame's header. frame must contain at
// least the full header (fixed prefix + header field array + padding);
// the body itself is not inspected.
func ParseHeader(frame []byte) (*Header, error) {
	if len(frame) < FixedHeaderSize+4 {
		return nil, fmt.Errorf("parse header: %d bytes: %w", len(frame), ErrTooShort)
	}

	order, err := byteOrderFor(frame[0])
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	h := &Header{
		BigEndian: frame[0] == 'B',
		Type:      frame[1],
		Flags:     frame[2],
	}

	if frame[3] != ProtocolVersion {
		return nil, fmt.Errorf("parse header: version %d: %w", frame[3], ErrBadVersion)
	}

	h.BodyLength = order.Uint32(frame[4:8])
	h.Serial = order.Uint32(frame[8:12])
	if h.Serial == 0 {
		return nil, fmt.Errorf("parse header: %w", ErrZeroSerial)
	}

	arrayLen := order.Uint32(frame[12:16])
	fieldsEnd := FixedHeaderSize + 4 + arrayLen
	if uint32(len(frame)) < fieldsEnd {
		return nil, fmt.Errorf("parse header: array end %d, have %d: %w",
			fieldsEnd, len(frame), ErrHeaderArrayShort)
	}

	if err := decodeFields(frame, FixedHeaderSize+4, fieldsEnd, order, h); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	if err := checkInvariants(h); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	return h, nil
}

// checkInvariants enforces the per-message-type structural requirements
// the D-Bus specification places on a header, after every field has been
// decoded: a METHOD_CALL must carry a path and member, a METHOD_RETURN
// must carry a reply serial, an ERROR must carry an error name and a
// reply serial, and a SIGNAL must never target the reserved
// org.freedesktop.DBus.Local path/interface.
func checkInvariants(h *Header) error {
	switch h.Type {
	case TypeMethodCall:
		if h.Path == "" || h.Member == "" {
			return fmt.Errorf("method call missing path/member: %w", ErrInvalidHeader)
		}
	case TypeMethodReturn:
		if !h.HasReplySerial {
			return fmt.Errorf("method return missing reply serial: %w", ErrInvalidHeader)
		}
	case TypeError:
		if h.ErrorName == "" || !h.HasReplySerial {
			return fmt.Errorf("error missing error name/reply serial: %w", ErrInvalidHeader)
		}
	case TypeSignal:
		if h.Path == reservedLocalPath || h.Interface == reservedLocalInterface {
			return fmt.Errorf("signal targets reserved local path/interface: %w", ErrInvalidHeader)
		}
	}
	return nil
}

// decodeFields walks the header field STRUCT array in frame[start:end],
// populating the known fields of h. FieldInvalid (code 0) and any code
// outside the header fields table fail the parse outright, per the
// specification's header fields table.
func decodeFields(frame []byte, start, end uint32, order byteOrder, h *Header) error {
	offset := start
	for offset < end {
		offset = align8(offset)
		if offset >= end {
			break
		}
		if offset >= uint32(len(frame)) {
			return ErrFieldTruncated
		}

		code := frame[offset]
		offset++

		if code < FieldPath || code > FieldUnixFDs {
			return fmt.Errorf("field code %d: %w", code, ErrUnknownFieldCode)
		}

		sig, next, err := readSignature(frame, offset)
		if err != nil {
			return err
		}
		offset = next

		switch {
		case len(sig) == 1 && (sig[0] == 's' || sig[0] == 'o'):
			val, next, err := readString(frame, offset, order)
			if err != nil {
				return err
			}
			offset = next
			assignStringField(h, code, val)
		case len(sig) == 1 && sig[0] == 'u':
			offset = align4(offset)
			if offset+4 > uint32(len(frame)) {
				return ErrFieldTruncated
			}
			val := order.Uint32(frame[offset : offset+4])
			offset += 4
			assignUint32Field(h, code, val)
		case len(sig) == 1 && sig[0] == 'g':
			val, next, err := readSignatureValue(frame, offset)
			if err != nil {
				return err
			}
			offset = next
			if code == FieldSignature {
				h.Signature = val
			}
		default:
			return fmt.Errorf("field code %d: unsupported signature %q: %w", code, sig, ErrFieldTruncated)
		}
	}
	return nil
}

func assignStringField(h *Header, code byte, val string) {
	switch code {
	case FieldPath:
		h.Path = val
	case FieldInterface:
		h.Interface = val
	case FieldMember:
		h.Member = val
	case FieldErrorName:
		h.ErrorName = val
	case FieldDestination:
		h.Destination = val
	case FieldSender:
		h.Sender = val
	}
}

func assignUint32Field(h *Header, code byte, val uint32) {
	switch code {
	case FieldReplySerial:
		h.HasReplySerial = true
		h.ReplySerial = val
	case FieldUnixFDs:
		h.UnixFDs = val
	}
}

// byteOrder is the minimal subset of encoding/binary.ByteOrder used here,
// kept as an alias so the decode helpers don't need to import encoding/binary
// themselves.
type byteOrder interface {
	Uint32([]byte) uint32
}

// readSignature reads a variant's own type signature: a single length
// byte, that many signature characters, and a terminating nul.
func readSignature(frame []byte, offset uint32) (string, uint32, error) {
	if offset >= uint32(len(frame)) {
		return "", 0, ErrFieldTruncated
	}
	n := uint32(frame[offset])
	offset++
	end := offset + n
	if end+1 > uint32(len(frame)) {
		return "", 0, ErrFieldTruncated
	}
	sig := string(frame[offset:end])
	return sig, end + 1, nil
}

// readSignatureValue reads a SIGNATURE-typed value (same wire shape as
// readSignature: length byte + chars + nul).
func readSignatureValue(frame []byte, offset uint32) (string, uint32, error) {
	return readSignature(frame, offset)
}

// readString reads a STRING or OBJECT_PATH value: 4-byte aligned uint32
// length, that many bytes, and a terminating nul.
func readString(frame []byte, offset uint32, order byteOrder) (string, uint32, error) {
	offset = align4(offset)
	if offset+4 > uint32(len(frame)) {
		return "", 0, ErrFieldTruncated
	}
	n := order.Uint32(frame[offset : offset+4])
	offset += 4
	end := offset + n
	if end+1 > uint32(len(frame)) {
		return "", 0, ErrFieldTruncated
	}
	s := string(frame[offset:end])
	return s, end + 1, nil
}

// FrameLength computes the total length of the frame that begins at the
// start of prefix, given the already-decoded body length and header
// array length found in its first 16 bytes. It is used by SplitFrames
// once enough bytes have arrived to read the fixed prefix.
func FrameLength(prefix []byte) (uint32, error) {
	if len(prefix) < FixedHeaderSize+4 {
		return 0, fmt.Errorf("frame length: %d bytes: %w", len(prefix), ErrTooShort)
	}
	order, err := byteOrderFor(prefix[0])
	if err != nil {
		return 0, fmt.Errorf("frame length: %w", err)
	}
	bodyLen := order.Uint32(prefix[4:8])
	arrayLen := order.Uint32(prefix[12:16])
	fieldsEnd := FixedHeaderSize + 4 + arrayLen
	return align8(fieldsEnd) + bodyLen, nil
}
