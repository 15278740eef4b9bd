package codec

// SplitFrames scans buf for complete frames and returns them along with
// the number of leading bytes consumed. Any trailing partial frame is
// left in buf for the caller to retain across the next read.
//
// authDone indicates whether the BEGIN\r\n handshake line has already
// been consumed on this stream; while false, SplitFrames looks for the
// literal handshake line as the very next frame instead of a D-Bus
// message, matching the SASL auth protocol's plain-text framing.
func SplitFrames(buf []byte, authDone bool) (frames [][]byte, consumed int, newAuthDone bool) {
	newAuthDone = authDone

	if !newAuthDone {
		idx := indexBegin(buf)
		if idx < 0 {
			// No handshake terminator yet: this is SASL auth-text
			// (e.g. a server's "OK <guid>" line), which carries no
			// length prefix of its own. Forward the whole chunk
			// through opaquely rather than stalling it, matching the
			// original implementation's "not binary, pass whole
			// buffer through" fallback.
			if len(buf) == 0 {
				return nil, 0, false
			}
			return [][]byte{buf}, len(buf), false
		}
		end := idx + len(AuthBegin)
		frames = append(frames, buf[:end:end])
		consumed = end
		newAuthDone = true
		buf = buf[end:]
	}

	for {
		n, err := FrameLength(buf)
		if err != nil {
			// Not enough bytes yet to know the frame's length.
			return frames, consumed, newAuthDone
		}
		if uint32(len(buf)) < n {
			return frames, consumed, newAuthDone
		}
		frame := buf[:n:n]
		frames = append(frames, frame)
		consumed += int(n)
		buf = buf[n:]
	}
}

// indexBegin finds the offset of the literal "BEGIN\r\n" line in buf, or
// -1 if it is not (yet) fully present.
func indexBegin(buf []byte) int {
	want := []byte(AuthBegin)
	if len(buf) < len(want) {
		return -1
	}
	for i := 0; i+len(want) <= len(buf); i++ {
		if string(buf[i:i+len(want)]) == AuthBegin {
			return i
		}
	}
	return -1
}
