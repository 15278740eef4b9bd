package session_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/linglong-community/dbus-proxy/internal/codec"
	"github.com/linglong-community/dbus-proxy/internal/filter"
	"github.com/linglong-community/dbus-proxy/internal/session"
	"github.com/linglong-community/dbus-proxy/internal/telemetry"
)

// buildMethodCall assembles a minimal little-endian METHOD_CALL frame.
func buildMethodCall(t *testing.T, serial uint32, flags byte, path, iface, member, dest string) []byte {
	t.Helper()

	var fields []byte
	fields = append(fields, field(codec.FieldPath, 'o', path)...)
	fields = append(fields, field(codec.FieldInterface, 's', iface)...)
	fields = append(fields, field(codec.FieldMember, 's', member)...)
	fields = append(fields, field(codec.FieldDestination, 's', dest)...)

	return assemble(serial, codec.TypeMethodCall, flags, fields)
}

func field(code byte, sigChar byte, val string) []byte {
	buf := []byte{code, 1, sigChar, 0}
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(val)))
	buf = append(buf, lenBuf...)
	buf = append(buf, []byte(val)...)
	buf = append(buf, 0)
	return pad8(buf)
}

func pad8(b []byte) []byte {
	for len(b)%8 != 0 {
		b = append(b, 0)
	}
	return b
}

func assemble(serial uint32, msgType, flags byte, fields []byte) []byte {
	arr := pad8(fields)

	out := make([]byte, 0, 16+len(arr))
	out = append(out, 'l', msgType, flags, codec.ProtocolVersion)
	out = append(out, 0, 0, 0, 0) // body length
	serBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(serBuf, serial)
	out = append(out, serBuf...)
	alBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(alBuf, uint32(len(fields)))
	out = append(out, alBuf...)
	out = append(out, arr...)
	return out
}

// upstreamStub listens on a temporary Unix socket and sends every chunk
// it reads on the returned channel, so relayClientToBus has somewhere
// real to write forwarded/matched frames and tests can see what arrived.
func upstreamStub(t *testing.T) (addr string, accepted chan []byte) {
	t.Helper()

	sockPath := filepath.Join(t.TempDir(), "bus.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	received := make(chan []byte, 8)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				got := append([]byte(nil), buf[:n]...)
				received <- got
			}
			if err != nil {
				return
			}
		}
	}()

	return sockPath, received
}

// completeAuth writes the BEGIN\r\n line that ends the auth handshake, so
// the session inspects the frames written after it instead of passing
// them through as auth text. When received is non-nil it also waits for
// the upstream stub to read the forwarded handshake line.
func completeAuth(t *testing.T, client net.Conn, received chan []byte) {
	t.Helper()
	if _, err := client.Write([]byte(codec.AuthBegin)); err != nil {
		t.Fatalf("write BEGIN: %v", err)
	}
	if received == nil {
		return
	}
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded BEGIN line")
	}
}

func TestSessionForwardsNonMatchingFrame(t *testing.T) {
	t.Parallel()

	upstreamAddr, received := upstreamStub(t)

	client, downstream := net.Pipe()
	defer client.Close()

	f := filter.New()
	f.AddInterfaceFilter("org.freedesktop.portal.Documents")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	poster := telemetry.LoadPoster("/nonexistent", logger)

	s := session.New(logger, downstream, upstreamAddr, "org.example.App", f, poster, session.WithEnforcement(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	completeAuth(t, client, received)

	frame := buildMethodCall(t, 1, 0, "/org/other", "org.other.Iface", "Ping", "org.other.Iface")
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, frame) {
			t.Errorf("upstream got %v, want original frame forwarded unchanged", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded frame")
	}

	client.Close()
	<-done
}

func TestSessionDeniesMatchingFrameWithoutConsentClient(t *testing.T) {
	t.Parallel()

	upstreamAddr, _ := upstreamStub(t)

	client, downstream := net.Pipe()
	defer client.Close()

	f := filter.New()
	f.AddNameFilter("org.freedesktop.portal.Documents")
	f.AddPathFilter("/org/freedesktop/portal/Documents")
	f.AddInterfaceFilter("org.freedesktop.portal.Documents")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	poster := telemetry.LoadPoster("/nonexistent", logger)

	// No WithConsent: any matched frame is treated as unresolved, i.e.
	// denied, when enforcement is on.
	s := session.New(logger, downstream, upstreamAddr, "org.example.App", f, poster, session.WithEnforcement(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	completeAuth(t, client, nil)

	frame := buildMethodCall(t, 5, 0, "/org/freedesktop/portal/Documents", "org.freedesktop.portal.Documents", "AddDocuments", "org.freedesktop.portal.Documents")
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := make([]byte, 4096)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(reply)
	if err != nil {
		t.Fatalf("read synthesized reply: %v", err)
	}

	h, err := codec.ParseHeader(reply[:n])
	if err != nil {
		t.Fatalf("parse synthesized reply: %v", err)
	}
	if h.Type != codec.TypeError {
		t.Errorf("Type = %d, want TypeError", h.Type)
	}
	if h.ReplySerial != 6 {
		t.Errorf("ReplySerial = %d, want 6 (original serial + 1)", h.ReplySerial)
	}

	client.Close()
	<-done
}

func TestSessionDropsDeniedFrameWithNoReplyExpected(t *testing.T) {
	t.Parallel()

	upstreamAddr, received := upstreamStub(t)

	client, downstream := net.Pipe()
	defer client.Close()

	f := filter.New()
	f.AddNameFilter("org.freedesktop.portal.Documents")
	f.AddPathFilter("/org/freedesktop/portal/Documents")
	f.AddInterfaceFilter("org.freedesktop.portal.Documents")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	poster := telemetry.LoadPoster("/nonexistent", logger)

	s := session.New(logger, downstream, upstreamAddr, "org.example.App", f, poster, session.WithEnforcement(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	completeAuth(t, client, received)

	noReply := buildMethodCall(t, 9, codec.FlagNoReplyExpected, "/org/freedesktop/portal/Documents", "org.freedesktop.portal.Documents", "AddDocuments", "org.freedesktop.portal.Documents")
	if _, err := client.Write(noReply); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Follow up with a non-matching frame; if it's the only thing that
	// ever reaches upstream, the NO_REPLY_EXPECTED denial above was
	// silently dropped rather than forwarded or replied to.
	sentinel := buildMethodCall(t, 10, 0, "/org/other", "org.other.Iface", "Ping", "org.other.Iface")
	if _, err := client.Write(sentinel); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, sentinel) {
			t.Errorf("upstream got %v, want only the sentinel frame", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sentinel frame")
	}

	client.Close()
	<-done
}

func TestSessionTeardownIsPaired(t *testing.T) {
	t.Parallel()

	upstreamAddr, _ := upstreamStub(t)

	client, downstream := net.Pipe()

	f := filter.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	poster := telemetry.LoadPoster("/nonexistent", logger)

	s := session.New(logger, downstream, upstreamAddr, "org.example.App", f, poster)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after downstream closed")
	}
}
