package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// SynthError builds a complete ERROR frame answering callSerial with
// errorName, in the same endianness as the call it answers. The frame
// carries no body. Marshalling is delegated to github.com/godbus/dbus/v5's
// own encoder rather than hand-assembling header bytes here, so a bug in
// this package's own byte-level logic can't corrupt the frames it writes
// back to a client.
func SynthError(bigEndian bool, callSerial uint32, errorName string) ([]byte, error) {
	msg := dbus.NewMethodErrorMessage(callSerial, errorName)

	order := binary.ByteOrder(binary.LittleEndian)
	if bigEndian {
		order = binary.BigEndian
	}

	var buf bytes.Buffer
	if err := msg.EncodeTo(&buf, order); err != nil {
		return nil, fmt.Errorf("synth error reply: %w", err)
	}
	return buf.Bytes(), nil
}
